package main

import (
	"reflect"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rsclarke/tunegate/internal/config"
)

func TestServeFlagsHaveOverlays(t *testing.T) {
	serveCmd.Flags().VisitAll(func(f *pflag.Flag) {
		if _, ok := overlays[f.Name]; !ok {
			t.Errorf("flag --%s has no overlay", f.Name)
		}
	})
	for name := range overlays {
		if serveCmd.Flags().Lookup(name) == nil {
			t.Errorf("overlay %q has no serve flag", name)
		}
	}
}

func TestResolveConfigFlagsWinOverEnv(t *testing.T) {
	t.Setenv("TUNEGATE_MATCH", "kugou")
	t.Setenv("TUNEGATE_PROVIDER_TIMEOUT", "4s")
	t.Setenv("TUNEGATE_QQ_COOKIE", "uin=env")

	flags := config.Default()
	cmd := &cobra.Command{Use: "test"}
	addProviderFlags(cmd.Flags(), flags)
	if err := cmd.ParseFlags([]string{"--match", "qq,kuwo", "--qq-cookie", "uin=flag"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := resolveConfig(cmd, flags)
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if !reflect.DeepEqual(cfg.Match, []string{"qq", "kuwo"}) {
		t.Errorf("Match = %q", cfg.Match)
	}
	if cfg.Cookies.QQ != "uin=flag" {
		t.Errorf("QQ cookie = %q", cfg.Cookies.QQ)
	}
	if cfg.ProviderTimeout.String() != "4s" {
		t.Errorf("ProviderTimeout = %v, want env value", cfg.ProviderTimeout)
	}
}

func TestResolveConfigValidates(t *testing.T) {
	flags := config.Default()
	cmd := &cobra.Command{Use: "test"}
	addProviderFlags(cmd.Flags(), flags)
	if err := cmd.ParseFlags([]string{"--match", "spotify"}); err != nil {
		t.Fatal(err)
	}
	if _, err := resolveConfig(cmd, flags); err == nil {
		t.Error("expected unknown provider error")
	}
}

func TestAdvertisedAddr(t *testing.T) {
	tests := map[string]string{
		":8080":          "127.0.0.1:8080",
		"0.0.0.0:8080":   "127.0.0.1:8080",
		"[::]:8080":      "127.0.0.1:8080",
		"10.0.0.5:3128":  "10.0.0.5:3128",
		"not-an-address": "not-an-address",
	}
	for in, want := range tests {
		if got := advertisedAddr(in); got != want {
			t.Errorf("advertisedAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

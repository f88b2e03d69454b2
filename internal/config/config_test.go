package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Port != 8080 || cfg.CertDir != "certs" || cfg.ProviderTimeout != 10*time.Second {
		t.Errorf("Default() = %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.Match, []string{"kugou", "kuwo", "migu", "pyncmd", "bilibili"}) {
		t.Errorf("Match = %v", cfg.Match)
	}
	cfg.Match[0] = "qq"
	if DefaultMatch[0] != "kugou" {
		t.Error("Default shares DefaultMatch backing array")
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("TUNEGATE_PORT", "9090")
	t.Setenv("TUNEGATE_ADDRESS", "127.0.0.1")
	t.Setenv("TUNEGATE_TOKEN", "alice:s3cret")
	t.Setenv("TUNEGATE_STRICT", "true")
	t.Setenv("TUNEGATE_ALLOW", `example\.com, ,cdn\.example\.net`)
	t.Setenv("TUNEGATE_MATCH", "qq, Kuwo")
	t.Setenv("TUNEGATE_MIN_BR", "192000")
	t.Setenv("TUNEGATE_PROVIDER_TIMEOUT", "3s")
	t.Setenv("TUNEGATE_QQ_COOKIE", "uin=1")
	t.Setenv("TUNEGATE_NO_CACHE", "1")
	t.Setenv("TUNEGATE_LOCAL_SVIP", "yes")

	cfg := FromEnv()

	if cfg.Port != 9090 || cfg.Address != "127.0.0.1" || cfg.ListenAddr() != "127.0.0.1:9090" {
		t.Errorf("listen = %s", cfg.ListenAddr())
	}
	if cfg.Token != "alice:s3cret" || !cfg.Strict {
		t.Errorf("auth = %q strict=%v", cfg.Token, cfg.Strict)
	}
	if !reflect.DeepEqual(cfg.Allow, []string{`example\.com`, `cdn\.example\.net`}) {
		t.Errorf("Allow = %q", cfg.Allow)
	}
	if !reflect.DeepEqual(cfg.Match, []string{"qq", "Kuwo"}) {
		t.Errorf("Match = %q", cfg.Match)
	}
	if cfg.MinBitrate != 192000 || cfg.ProviderTimeout != 3*time.Second {
		t.Errorf("MinBitrate=%d ProviderTimeout=%v", cfg.MinBitrate, cfg.ProviderTimeout)
	}
	if cfg.Cookies.QQ != "uin=1" || cfg.Cookies.Migu != "" {
		t.Errorf("Cookies = %+v", cfg.Cookies)
	}
	if !cfg.NoCache {
		t.Error("NoCache not set")
	}
	if cfg.LocalSVIP {
		t.Error("unparseable bool overrode default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Port = 70000 }, "port 70000"},
		{"token", func(c *Config) { c.Token = "nopass" }, "token"},
		{"allow", func(c *Config) { c.Allow = []string{"("} }, "allow rule"},
		{"deny", func(c *Config) { c.Deny = []string{"[z-a]"} }, "deny rule"},
		{"unknown provider", func(c *Config) { c.Match = []string{"kugou", "spotify"} }, `unknown provider "spotify"`},
		{"no providers", func(c *Config) { c.Match = nil }, "no providers"},
		{"proxy scheme", func(c *Config) { c.ProxyURL = "socks5://127.0.0.1:1080" }, "proxy url"},
		{"endpoint host", func(c *Config) { c.Endpoint = "https://" }, "endpoint"},
		{"force host", func(c *Config) { c.ForceHost = "music.163.com" }, "force host"},
		{"real ip", func(c *Config) { c.RealIP = "nope" }, "real ip"},
		{"dns server", func(c *Config) { c.DNSServer = "dns.google:53" }, "dns server"},
		{"timeout", func(c *Config) { c.ProviderTimeout = 0 }, "provider timeout"},
		{"min bitrate", func(c *Config) { c.MinBitrate = -1 }, "min bitrate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestValidateAcceptsOptionalSettings(t *testing.T) {
	cfg := Default()
	cfg.Token = "a:b"
	cfg.ProxyURL = "http://10.0.0.1:3128"
	cfg.Endpoint = "https://rehost.example"
	cfg.ForceHost = "59.111.181.35"
	cfg.DNSServer = "223.5.5.5"
	cfg.RealIP = "118.88.88.88"
	cfg.Match = []string{" YouTube ", "bilivideo"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Port = 0
	cfg.ForceHost = "x"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "port") || !strings.Contains(err.Error(), "force host") {
		t.Errorf("Validate() = %v", err)
	}
}

func TestSplitList(t *testing.T) {
	if got := SplitList(" a, b ,,c "); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("SplitList = %q", got)
	}
	if got := SplitList(""); got != nil {
		t.Errorf("SplitList(empty) = %q", got)
	}
}

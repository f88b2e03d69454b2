package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rsclarke/tunegate/internal/config"
)

// overlay copies one flag's value from the parsed flag target onto the
// environment derived config.
type overlay func(dst, src *config.Config)

var overlays = map[string]overlay{
	"address":               func(d, s *config.Config) { d.Address = s.Address },
	"port":                  func(d, s *config.Config) { d.Port = s.Port },
	"token":                 func(d, s *config.Config) { d.Token = s.Token },
	"strict":                func(d, s *config.Config) { d.Strict = s.Strict },
	"allow":                 func(d, s *config.Config) { d.Allow = s.Allow },
	"deny":                  func(d, s *config.Config) { d.Deny = s.Deny },
	"match":                 func(d, s *config.Config) { d.Match = s.Match },
	"select-max-br":         func(d, s *config.Config) { d.SelectMaxBitrate = s.SelectMaxBitrate },
	"enable-flac":           func(d, s *config.Config) { d.EnableFlac = s.EnableFlac },
	"min-br":                func(d, s *config.Config) { d.MinBitrate = s.MinBitrate },
	"provider-timeout":      func(d, s *config.Config) { d.ProviderTimeout = s.ProviderTimeout },
	"qq-cookie":             func(d, s *config.Config) { d.Cookies.QQ = s.Cookies.QQ },
	"migu-cookie":           func(d, s *config.Config) { d.Cookies.Migu = s.Cookies.Migu },
	"joox-cookie":           func(d, s *config.Config) { d.Cookies.Joox = s.Cookies.Joox },
	"bilibili-cookie":       func(d, s *config.Config) { d.Cookies.Bilibili = s.Cookies.Bilibili },
	"endpoint":              func(d, s *config.Config) { d.Endpoint = s.Endpoint },
	"proxy-url":             func(d, s *config.Config) { d.ProxyURL = s.ProxyURL },
	"force-host":            func(d, s *config.Config) { d.ForceHost = s.ForceHost },
	"dns-server":            func(d, s *config.Config) { d.DNSServer = s.DNSServer },
	"real-ip":               func(d, s *config.Config) { d.RealIP = s.RealIP },
	"cert-dir":              func(d, s *config.Config) { d.CertDir = s.CertDir },
	"cache-db":              func(d, s *config.Config) { d.CacheDB = s.CacheDB },
	"no-cache":              func(d, s *config.Config) { d.NoCache = s.NoCache },
	"block-ads":             func(d, s *config.Config) { d.BlockAds = s.BlockAds },
	"disable-upgrade-check": func(d, s *config.Config) { d.DisableUpgradeCheck = s.DisableUpgradeCheck },
	"local-vip":             func(d, s *config.Config) { d.LocalVIP = s.LocalVIP },
	"local-svip":            func(d, s *config.Config) { d.LocalSVIP = s.LocalSVIP },
}

// resolveConfig reads TUNEGATE_* (after the env file has been loaded) and
// applies the flags the user set explicitly on top.
func resolveConfig(cmd *cobra.Command, flags *config.Config) (*config.Config, error) {
	cfg := config.FromEnv()
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if apply, ok := overlays[f.Name]; ok {
			apply(cfg, flags)
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func addProviderFlags(fs *pflag.FlagSet, c *config.Config) {
	fs.StringSliceVar(&c.Match, "match", c.Match, "provider order")
	fs.BoolVar(&c.SelectMaxBitrate, "select-max-br", c.SelectMaxBitrate, "query every provider and keep the highest bitrate")
	fs.BoolVar(&c.EnableFlac, "enable-flac", c.EnableFlac, "accept lossless results from providers that offer them")
	fs.DurationVar(&c.ProviderTimeout, "provider-timeout", c.ProviderTimeout, "timeout for each provider request")
	fs.StringVar(&c.Cookies.QQ, "qq-cookie", "", "QQ Music cookie")
	fs.StringVar(&c.Cookies.Migu, "migu-cookie", "", "Migu cookie")
	fs.StringVar(&c.Cookies.Joox, "joox-cookie", "", "JOOX cookie")
	fs.StringVar(&c.Cookies.Bilibili, "bilibili-cookie", "", "bilibili cookie")
	fs.StringVar(&c.ProxyURL, "proxy-url", c.ProxyURL, "upstream http(s) proxy for origin and provider traffic")
	fs.StringVar(&c.CacheDB, "cache-db", c.CacheDB, "SQLite file persisting search and match results")
	fs.BoolVar(&c.NoCache, "no-cache", c.NoCache, "disable all caching")
}

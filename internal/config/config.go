// Package config holds the proxy settings and their environment defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rsclarke/tunegate/internal/auth"
	"github.com/rsclarke/tunegate/internal/source"
)

const envPrefix = "TUNEGATE_"

// DefaultMatch is the provider order used when none is configured.
var DefaultMatch = []string{"kugou", "kuwo", "migu", "pyncmd", "bilibili"}

type Config struct {
	Address string
	Port    int

	// Token is the "user:password" proxy credential. Empty disables auth.
	Token  string
	Strict bool
	Allow  []string
	Deny   []string

	Match            []string
	SelectMaxBitrate bool
	EnableFlac       bool
	MinBitrate       int
	ProviderTimeout  time.Duration
	Cookies          source.Cookies

	Endpoint  string
	ProxyURL  string
	ForceHost string
	DNSServer string
	RealIP    string

	CertDir string
	CacheDB string
	NoCache bool

	BlockAds            bool
	DisableUpgradeCheck bool
	LocalVIP            bool
	LocalSVIP           bool
}

func Default() *Config {
	return &Config{
		Port:            8080,
		Match:           append([]string(nil), DefaultMatch...),
		ProviderTimeout: 10 * time.Second,
		CertDir:         "certs",
	}
}

// FromEnv returns Default overlaid with TUNEGATE_* variables. Unparseable
// numeric and boolean values keep the default.
func FromEnv() *Config {
	cfg := Default()

	cfg.Address = getEnv("ADDRESS", cfg.Address)
	cfg.Port = getEnvInt("PORT", cfg.Port)
	cfg.Token = getEnv("TOKEN", cfg.Token)
	cfg.Strict = getEnvBool("STRICT", cfg.Strict)
	cfg.Allow = getEnvList("ALLOW", cfg.Allow)
	cfg.Deny = getEnvList("DENY", cfg.Deny)

	cfg.Match = getEnvList("MATCH", cfg.Match)
	cfg.SelectMaxBitrate = getEnvBool("SELECT_MAX_BR", cfg.SelectMaxBitrate)
	cfg.EnableFlac = getEnvBool("ENABLE_FLAC", cfg.EnableFlac)
	cfg.MinBitrate = getEnvInt("MIN_BR", cfg.MinBitrate)
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", cfg.ProviderTimeout)
	cfg.Cookies = source.Cookies{
		QQ:       os.Getenv(envPrefix + "QQ_COOKIE"),
		Migu:     os.Getenv(envPrefix + "MIGU_COOKIE"),
		Joox:     os.Getenv(envPrefix + "JOOX_COOKIE"),
		Bilibili: os.Getenv(envPrefix + "BILIBILI_COOKIE"),
	}

	cfg.Endpoint = getEnv("ENDPOINT", cfg.Endpoint)
	cfg.ProxyURL = getEnv("PROXY_URL", cfg.ProxyURL)
	cfg.ForceHost = getEnv("FORCE_HOST", cfg.ForceHost)
	cfg.DNSServer = getEnv("DNS_SERVER", cfg.DNSServer)
	cfg.RealIP = getEnv("REAL_IP", cfg.RealIP)

	cfg.CertDir = getEnv("CERT_DIR", cfg.CertDir)
	cfg.CacheDB = getEnv("CACHE_DB", cfg.CacheDB)
	cfg.NoCache = getEnvBool("NO_CACHE", cfg.NoCache)

	cfg.BlockAds = getEnvBool("BLOCK_ADS", cfg.BlockAds)
	cfg.DisableUpgradeCheck = getEnvBool("DISABLE_UPGRADE_CHECK", cfg.DisableUpgradeCheck)
	cfg.LocalVIP = getEnvBool("LOCAL_VIP", cfg.LocalVIP)
	cfg.LocalSVIP = getEnvBool("LOCAL_SVIP", cfg.LocalSVIP)
	return cfg
}

// ListenAddr is the proxy listen address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Token != "" {
		if _, _, err := auth.ParseToken(c.Token); err != nil {
			errs = append(errs, fmt.Errorf("token: %w", err))
		}
	}
	for _, p := range c.Allow {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("allow rule %q: %w", p, err))
		}
	}
	for _, p := range c.Deny {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("deny rule %q: %w", p, err))
		}
	}

	if len(c.Match) == 0 {
		errs = append(errs, errors.New("match: no providers"))
	}
	known := make(map[string]bool)
	for _, n := range source.Names() {
		known[n] = true
	}
	for _, n := range c.Match {
		if !known[strings.ToLower(strings.TrimSpace(n))] {
			errs = append(errs, fmt.Errorf("match: unknown provider %q", n))
		}
	}
	if c.MinBitrate < 0 {
		errs = append(errs, fmt.Errorf("min bitrate %d is negative", c.MinBitrate))
	}
	if c.ProviderTimeout <= 0 {
		errs = append(errs, fmt.Errorf("provider timeout %v must be positive", c.ProviderTimeout))
	}

	if c.Endpoint != "" {
		if err := checkURL(c.Endpoint, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("endpoint: %w", err))
		}
	}
	if c.ProxyURL != "" {
		if err := checkURL(c.ProxyURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("proxy url: %w", err))
		}
	}
	if c.ForceHost != "" && net.ParseIP(c.ForceHost) == nil {
		errs = append(errs, fmt.Errorf("force host %q is not an IP address", c.ForceHost))
	}
	if c.RealIP != "" && net.ParseIP(c.RealIP) == nil {
		errs = append(errs, fmt.Errorf("real ip %q is not an IP address", c.RealIP))
	}
	if c.DNSServer != "" {
		host := c.DNSServer
		if h, _, err := net.SplitHostPort(c.DNSServer); err == nil {
			host = h
		}
		if net.ParseIP(host) == nil {
			errs = append(errs, fmt.Errorf("dns server %q is not an IP address", c.DNSServer))
		}
	}
	if c.CertDir == "" {
		errs = append(errs, errors.New("cert dir is empty"))
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q", u.Scheme)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(envPrefix + key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(envPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvList splits a comma separated variable, dropping empty items.
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return defaultVal
	}
	return SplitList(v)
}

// SplitList splits a comma separated list, trimming items and dropping
// empty ones.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

package main

import (
	"path/filepath"
	"reflect"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/rsclarke/tunegate/internal/config"
)

func TestNewAppWithCacheDB(t *testing.T) {
	cfg := config.Default()
	cfg.CacheDB = filepath.Join(t.TempDir(), "cache.db")
	cfg.Match = []string{"kuwo", "pyncmd"}

	a, err := newApp(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	if a.db == nil {
		t.Fatal("cache database not opened")
	}
	if got := a.manager.Providers(); !reflect.DeepEqual(got, []string{"kuwo", "pyncmd"}) {
		t.Errorf("Providers() = %v", got)
	}
	a.purge()
}

func TestNewAppNoCacheSkipsDB(t *testing.T) {
	cfg := config.Default()
	cfg.CacheDB = filepath.Join(t.TempDir(), "cache.db")
	cfg.NoCache = true

	a, err := newApp(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	if a.db != nil {
		t.Error("cache database opened with caching disabled")
	}
}

func TestNewAppUnknownProvider(t *testing.T) {
	cfg := config.Default()
	cfg.Match = []string{"spotify"}
	if _, err := newApp(cfg, zaptest.NewLogger(t)); err == nil {
		t.Error("expected error for unknown provider")
	}
}

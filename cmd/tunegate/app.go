package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/tunegate/internal/cache"
	"github.com/rsclarke/tunegate/internal/config"
	"github.com/rsclarke/tunegate/internal/db"
	"github.com/rsclarke/tunegate/internal/match"
	"github.com/rsclarke/tunegate/internal/source"
)

const purgeInterval = 10 * time.Minute

// app holds the resolution pipeline shared by serve and match.
type app struct {
	db       *sql.DB
	client   *http.Client
	searches *cache.Store[source.Candidate]
	queries  *cache.Store[source.Query]
	results  *cache.Store[source.AudioResult]
	manager  *match.Manager
	logger   *zap.Logger
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{logger: logger}

	var searchBackend, queryBackend, resultBackend cache.Backend
	if cfg.CacheDB != "" && !cfg.NoCache {
		database, err := db.Open(cfg.CacheDB)
		if err != nil {
			return nil, fmt.Errorf("open cache database: %w", err)
		}
		a.db = database
		searchBackend = cache.NewSQLiteBackend(database, "search")
		queryBackend = cache.NewSQLiteBackend(database, "query")
		resultBackend = cache.NewSQLiteBackend(database, "result")
	}

	cacheLogger := logger.Named("cache")
	a.searches = cache.New[source.Candidate](cache.Options{NoCache: cfg.NoCache, Backend: searchBackend, Logger: cacheLogger})
	a.queries = cache.New[source.Query](cache.Options{NoCache: cfg.NoCache, Backend: queryBackend, Logger: cacheLogger})
	a.results = cache.New[source.AudioResult](cache.Options{NoCache: cfg.NoCache, Backend: resultBackend, Logger: cacheLogger})

	a.client = &http.Client{Timeout: cfg.ProviderTimeout}
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("proxy url: %w", err)
		}
		a.client.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
	}

	prober := &source.Prober{Client: a.client}
	providers, err := source.NewAll(cfg.Match, source.Deps{
		Client:     a.client,
		Searches:   a.searches,
		Prober:     prober,
		Logger:     logger.Named("source"),
		EnableFlac: cfg.EnableFlac,
		Cookies:    cfg.Cookies,
		NoCache:    cfg.NoCache,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.manager = match.NewManager(match.Options{
		Providers:        providers,
		Prober:           prober,
		Client:           a.client,
		Logger:           logger.Named("match"),
		Queries:          a.queries,
		Results:          a.results,
		SelectMaxBitrate: cfg.SelectMaxBitrate,
	})
	return a, nil
}

// janitor drops expired cache entries until ctx is done.
func (a *app) janitor(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.purge()
		}
	}
}

func (a *app) purge() {
	n := a.searches.Purge() + a.queries.Purge() + a.results.Purge()
	var persisted int64
	if a.db != nil {
		var err error
		persisted, err = db.DeleteExpiredCacheEntries(a.db, time.Now())
		if err != nil {
			a.logger.Warn("purge cache database failed", zap.Error(err))
		}
	}
	a.logger.Debug("cache purged", zap.Int("memory", n), zap.Int64("persistent", persisted))
}

func (a *app) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close cache database failed", zap.Error(err))
		}
	}
}

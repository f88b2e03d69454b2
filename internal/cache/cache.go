// Package cache provides a keyed TTL cache with single-flight loading.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Backend is an optional second level consulted on memory misses and
// written through on every successful load.
type Backend interface {
	Load(ctx context.Context, key string) (value []byte, expiresAt time.Time, ok bool, err error)
	Save(ctx context.Context, key string, value []byte, expiresAt time.Time) error
}

// Options configures a Store.
type Options struct {
	// NoCache disables storage. Concurrent loads of one key are still shared.
	NoCache bool
	Backend Backend
	Logger  *zap.Logger
	Now     func() time.Time
}

// Entry is a cached value and the instant it stops being served.
type Entry[T any] struct {
	Value     T
	ExpiresAt time.Time
}

// Store caches values of type T by string key.
type Store[T any] struct {
	mu      sync.Mutex
	entries map[string]Entry[T]
	group   singleflight.Group

	noCache bool
	backend Backend
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a Store.
func New[T any](opts Options) *Store[T] {
	s := &Store[T]{
		entries: make(map[string]Entry[T]),
		noCache: opts.NoCache,
		backend: opts.Backend,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Get returns the live value for key from memory.
func (s *Store[T]) Get(key string) (T, bool) {
	var zero T
	if s.noCache {
		return zero, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return zero, false
	}
	if !s.now().Before(e.ExpiresAt) {
		delete(s.entries, key)
		return zero, false
	}
	return e.Value, true
}

// Set stores v under key for ttl. It is a no-op in no-cache mode or when
// ttl is not positive.
func (s *Store[T]) Set(key string, v T, ttl time.Duration) {
	if s.noCache || ttl <= 0 {
		return
	}
	s.mu.Lock()
	s.entries[key] = Entry[T]{Value: v, ExpiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
}

// GetOrLoad returns the cached value for key, or runs load once for all
// concurrent callers of the same key and caches a successful result for
// ttl. Errors are never cached. The load runs detached from the callers'
// cancellation: a caller whose ctx ends stops waiting, while the load
// continues for everyone else.
func (s *Store[T]) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	if v, ok := s.lookup(ctx, key); ok {
		return v, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		v, err := load(loadCtx)
		if err != nil {
			return v, err
		}
		s.store(loadCtx, key, v, ttl)
		return v, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		v, _ := r.Val.(T)
		return v, nil
	}
}

// Purge drops expired entries from memory and reports how many were removed.
func (s *Store[T]) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for k, e := range s.entries {
		if !now.Before(e.ExpiresAt) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Len reports the number of entries held in memory, expired or not.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store[T]) lookup(ctx context.Context, key string) (T, bool) {
	var zero T
	if s.noCache {
		return zero, false
	}
	if v, ok := s.Get(key); ok {
		return v, true
	}
	if s.backend == nil {
		return zero, false
	}

	raw, expiresAt, ok, err := s.backend.Load(ctx, key)
	if err != nil {
		s.logger.Debug("cache backend load failed", zap.String("key", key), zap.Error(err))
		return zero, false
	}
	if !ok || !s.now().Before(expiresAt) {
		return zero, false
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		s.logger.Debug("cache backend decode failed", zap.String("key", key), zap.Error(err))
		return zero, false
	}

	s.mu.Lock()
	s.entries[key] = Entry[T]{Value: v, ExpiresAt: expiresAt}
	s.mu.Unlock()
	return v, true
}

func (s *Store[T]) store(ctx context.Context, key string, v T, ttl time.Duration) {
	if s.noCache || ttl <= 0 {
		return
	}
	expiresAt := s.now().Add(ttl)

	s.mu.Lock()
	s.entries[key] = Entry[T]{Value: v, ExpiresAt: expiresAt}
	s.mu.Unlock()

	if s.backend == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.Debug("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.backend.Save(ctx, key, raw, expiresAt); err != nil {
		s.logger.Warn("cache backend save failed", zap.String("key", key), zap.Error(err))
	}
}

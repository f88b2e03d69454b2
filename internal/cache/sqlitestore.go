package cache

import (
	"context"
	"database/sql"
	"time"

	"github.com/rsclarke/tunegate/internal/db"
)

// SQLiteBackend implements Backend on the cache_entries table. Each store
// gets its own namespace so keys from different value types never collide.
type SQLiteBackend struct {
	db        *sql.DB
	namespace string
}

// NewSQLiteBackend creates a SQLiteBackend writing under namespace.
func NewSQLiteBackend(database *sql.DB, namespace string) *SQLiteBackend {
	return &SQLiteBackend{db: database, namespace: namespace}
}

// Load returns the stored bytes for key.
func (b *SQLiteBackend) Load(_ context.Context, key string) ([]byte, time.Time, bool, error) {
	e, err := db.GetCacheEntry(b.db, b.namespace, key)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	if e == nil {
		return nil, time.Time{}, false, nil
	}
	return e.Value, time.UnixMilli(e.ExpiresAt), true, nil
}

// Save upserts key.
func (b *SQLiteBackend) Save(_ context.Context, key string, value []byte, expiresAt time.Time) error {
	return db.PutCacheEntry(b.db, b.namespace, key, value, expiresAt)
}

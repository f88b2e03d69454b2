package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rsclarke/tunegate/internal/models"
)

// GetCacheEntry returns the entry stored under namespace/key, or nil when
// there is none. Expired rows are returned as-is; callers check ExpiresAt.
func GetCacheEntry(d *sql.DB, namespace, key string) (*models.CacheEntry, error) {
	e := &models.CacheEntry{Namespace: namespace, Key: key}
	err := d.QueryRow(
		"SELECT value, expires_at, created_at FROM cache_entries WHERE namespace = ? AND key = ?",
		namespace, key,
	).Scan(&e.Value, &e.ExpiresAt, &e.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cache entry: %w", err)
	}
	return e, nil
}

// PutCacheEntry inserts or replaces the entry stored under namespace/key.
func PutCacheEntry(d *sql.DB, namespace, key string, value []byte, expiresAt time.Time) error {
	_, err := d.Exec(`
		INSERT INTO cache_entries (namespace, key, value, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at
	`, namespace, key, value, expiresAt.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// DeleteExpiredCacheEntries removes every entry that expired before now and
// returns how many rows were deleted.
func DeleteExpiredCacheEntries(d *sql.DB, now time.Time) (int64, error) {
	res, err := d.Exec("DELETE FROM cache_entries WHERE expires_at <= ?", now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}
	return res.RowsAffected()
}

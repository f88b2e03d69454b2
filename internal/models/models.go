// Package models defines the database entity types.
package models

// CacheEntry is a persisted cache value. Value holds the JSON encoding of
// whatever the owning store caches; ExpiresAt is a Unix timestamp in
// milliseconds.
type CacheEntry struct {
	Namespace string
	Key       string
	Value     []byte
	ExpiresAt int64
	CreatedAt int64
}

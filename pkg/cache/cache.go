// Package cache provides generic, thread-safe keyed indexes with built-in
// statistics and optional Prometheus metrics.
//
// Entries are never evicted: an Index holds exactly what callers put in it,
// which is what store maps keyed by live identifiers need.
package cache

import (
	"github.com/c360/entitysync/errors"
)

// Cache represents the generic keyed-index contract.
type Cache[V any] interface {
	// Get retrieves a value by key. Returns the value and true if found.
	Get(key string) (V, bool)

	// Set stores a value. Returns true if a new entry was created.
	Set(key string, value V) (bool, error)

	// Rekey atomically moves the entry under oldKey to newKey. If newKey is
	// already present, the existing entry wins and the oldKey entry is dropped.
	Rekey(oldKey, newKey string) (V, error)

	// Delete removes an entry by key. Returns the removed value and true if it existed.
	Delete(key string) (V, bool, error)

	// Size returns the current number of entries.
	Size() int

	// Keys returns all keys currently present.
	Keys() []string

	// Values returns all values currently present.
	Values() []V

	// Stats returns the always-on statistics.
	Stats() *Statistics
}

// EvictCallback is called when an entry is removed by Delete or replaced by Rekey.
type EvictCallback[V any] func(key string, value V)

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}

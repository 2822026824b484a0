// Package cache stores symbol tables under fuzzy, alias-tolerant keys.
package cache

import (
	"github.com/blacktop/symserver/internal/model"
)

// Store is the interface that wraps the persistent TTL key-value backend.
type Store interface {
	// Connect connects to the backend.
	Connect() error

	// Upsert creates or overwrites the record for its key.
	Upsert(rec *model.CacheRecord) error

	// Get returns the record for the given key.
	// It returns model.ErrNotFound if the key does not exist.
	Get(key string) (*model.CacheRecord, error)

	// List returns every record in the store.
	List() ([]*model.CacheRecord, error)

	// Delete removes the given key. Missing keys are not an error.
	Delete(key string) error

	// Close closes the backend.
	Close() error
}

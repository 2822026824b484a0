package cache

import (
	"encoding/gob"
	"os"
	"sync"

	"github.com/blacktop/symserver/internal/model"
	"github.com/pkg/errors"
)

// Memory is a store that keeps records in memory, optionally persisted to a
// gob file across restarts.
type Memory struct {
	Path string

	mu      sync.RWMutex
	records map[string]*model.CacheRecord
}

// NewInMemory creates a new in-memory store. Path may be empty for a purely
// ephemeral store.
func NewInMemory(path string) Store {
	return &Memory{
		Path:    path,
		records: make(map[string]*model.CacheRecord),
	}
}

// Connect loads previously persisted records if a snapshot file exists.
func (m *Memory) Connect() error {
	if m.Path == "" {
		return nil
	}
	f, err := os.Open(m.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to open cache snapshot %s", m.Path)
	}
	defer f.Close()
	m.mu.Lock()
	defer m.mu.Unlock()
	return gob.NewDecoder(f).Decode(&m.records)
}

// Upsert creates or overwrites the record for its key.
func (m *Memory) Upsert(rec *model.CacheRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Key] = rec
	return nil
}

// Get returns the record for the given key.
// It returns model.ErrNotFound if the key does not exist.
func (m *Memory) Get(key string) (*model.CacheRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// List returns every record in the store.
func (m *Memory) List() ([]*model.CacheRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := make([]*model.CacheRecord, 0, len(m.records))
	for _, rec := range m.records {
		cp := *rec
		recs = append(recs, &cp)
	}
	return recs, nil
}

// Delete removes the given key.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

// Close persists the records to the snapshot file if one was configured.
func (m *Memory) Close() error {
	if m.Path == "" {
		return nil
	}
	f, err := os.Create(m.Path)
	if err != nil {
		return errors.Wrapf(err, "failed to create cache snapshot %s", m.Path)
	}
	defer f.Close()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return gob.NewEncoder(f).Encode(m.records)
}

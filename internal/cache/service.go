package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/blacktop/symserver/internal/model"
	"github.com/blacktop/symserver/internal/symtab"
)

const hotCacheSize = 32

// Service is the symbol cache: a persistent TTL store behind an LRU of
// decoded tables. It is constructed with an injected backend and has an
// explicit Open/Close lifecycle; there is no package-level instance.
type Service struct {
	store          Store
	fallbackBuilds []string

	mu   sync.Mutex // serializes record metadata refresh
	hot  *lru.Cache[string, *symtab.Table]
	hits atomic.Int64
	miss atomic.Int64
}

// NewService creates a cache service over the given store.
func NewService(store Store, fallbackBuilds []string) (*Service, error) {
	hot, err := lru.New[string, *symtab.Table](hotCacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:          store,
		fallbackBuilds: fallbackBuilds,
		hot:            hot,
	}, nil
}

// Open connects the backing store.
func (s *Service) Open() error {
	return s.store.Connect()
}

// Close closes the backing store.
func (s *Service) Close() error {
	return s.store.Close()
}

// Get returns the live table stored under exactly this key, or
// model.ErrNotFound when the key is missing or expired. Alias keys resolve
// through their canonical record, so every alias shares the canonical's
// payload, TTL and access metadata.
func (s *Service) Get(key string) (*symtab.Table, error) {
	rec, err := s.store.Get(key)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			s.miss.Add(1)
		}
		return nil, err
	}
	if rec.AliasOf != "" {
		canon, err := s.store.Get(rec.AliasOf)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				// the canonical record was evicted; the alias dies with it
				s.store.Delete(key)
				s.hot.Remove(key)
				s.miss.Add(1)
				return nil, model.ErrNotFound
			}
			return nil, err
		}
		rec = canon
	}
	if rec.Expired(time.Now()) {
		s.miss.Add(1)
		s.hot.Remove(key)
		s.hot.Remove(rec.Key)
		return nil, model.ErrNotFound
	}

	s.touch(rec)

	if tbl, ok := s.hot.Get(key); ok {
		s.hits.Add(1)
		return tbl, nil
	}
	var tbl symtab.Table
	if err := json.Unmarshal(rec.Payload, &tbl); err != nil {
		return nil, fmt.Errorf("failed to decode cached table for %s: %w", key, err)
	}
	s.hot.Add(key, &tbl)
	s.hits.Add(1)
	return &tbl, nil
}

// touch refreshes access metadata. AccessCount only ever goes up.
func (s *Service) touch(rec *model.CacheRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.AccessCount++
	rec.LastAccess = time.Now().UTC()
	if err := s.store.Upsert(rec); err != nil {
		log.WithError(err).WithField("key", rec.Key).Warn("failed to refresh cache record access metadata")
	}
}

// Lookup walks the candidate keys for an identity triple and returns the
// first live table, along with the candidate key it was found under.
func (s *Service) Lookup(device, version, build string) (*symtab.Table, string, error) {
	return s.LookupWhere(device, version, build, nil)
}

// LookupWhere is Lookup with an acceptance predicate: candidate hits whose
// table the predicate rejects are skipped and the walk continues.
func (s *Service) LookupWhere(device, version, build string, accept func(*symtab.Table) bool) (*symtab.Table, string, error) {
	for _, cand := range Candidates(device, version, build, s.fallbackBuilds) {
		tbl, err := s.Get(cand.Key)
		if err == nil {
			if accept != nil && !accept(tbl) {
				continue
			}
			log.WithFields(log.Fields{
				"key":        cand.Key,
				"confidence": cand.Confidence,
			}).Debug("cache hit")
			return tbl, cand.Key, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return nil, "", err
		}
	}
	return nil, "", model.ErrNotFound
}

// Put stores the table once under its canonical key and points every alias
// key at it, so all keys share one payload, TTL and access lifecycle.
func (s *Service) Put(key string, tbl *symtab.Table, ttl time.Duration, aliases ...string) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	payload, err := json.Marshal(tbl)
	if err != nil {
		return fmt.Errorf("failed to encode table: %w", err)
	}
	now := time.Now().UTC()
	if err := s.store.Upsert(&model.CacheRecord{
		Key:        key,
		Payload:    payload,
		SizeBytes:  int64(len(payload)),
		ExpiresAt:  now.Add(ttl),
		LastAccess: now,
	}); err != nil {
		return fmt.Errorf("failed to cache table under %s: %w", key, err)
	}
	s.hot.Add(key, tbl)
	for _, alias := range aliases {
		if alias == key {
			continue
		}
		if err := s.store.Upsert(&model.CacheRecord{
			Key:        alias,
			AliasOf:    key,
			ExpiresAt:  now.Add(ttl),
			LastAccess: now,
		}); err != nil {
			return fmt.Errorf("failed to cache alias %s: %w", alias, err)
		}
		s.hot.Add(alias, tbl)
	}
	log.WithFields(log.Fields{
		"key":     key,
		"aliases": len(aliases),
		"symbols": tbl.Len(),
	}).Info("cached symbol table")
	return nil
}

// Delete removes a record (and its hot-cache entry).
func (s *Service) Delete(key string) error {
	s.hot.Remove(key)
	return s.store.Delete(key)
}

// Records returns the store's record metadata, for eviction and stats.
func (s *Service) Records() ([]*model.CacheRecord, error) {
	return s.store.List()
}

// Stats summarizes cache usage.
type Stats struct {
	UsageBytes  int64 `json:"usage_bytes"`
	BudgetBytes int64 `json:"budget_bytes"`
	ItemCount   int   `json:"item_count"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
}

// Stats reports item count, payload usage and hit/miss counters. Alias rows
// carry no payload and are not counted as items. The budget field is filled
// in by the caller that owns the eviction policy.
func (s *Service) Stats() (Stats, error) {
	recs, err := s.store.List()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Hits:   s.hits.Load(),
		Misses: s.miss.Load(),
	}
	for _, rec := range recs {
		if rec.AliasOf != "" {
			continue
		}
		st.ItemCount++
		st.UsageBytes += rec.SizeBytes
	}
	return st, nil
}

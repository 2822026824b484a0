// Package syms is the symbol engine facade: one handle owning the cache
// service, the firmware locator, the extraction orchestrator and the eviction
// manager, with an explicit Open/Close lifecycle.
package syms

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"

	"github.com/blacktop/symserver/internal/cache"
	"github.com/blacktop/symserver/internal/config"
	"github.com/blacktop/symserver/internal/eviction"
	"github.com/blacktop/symserver/internal/extractor"
	"github.com/blacktop/symserver/internal/locator"
	"github.com/blacktop/symserver/internal/model"
	"github.com/blacktop/symserver/internal/symtab"
)

// Engine answers address resolution and cache management requests.
type Engine struct {
	cache  *cache.Service
	orch   *extractor.Orchestrator
	evict  *eviction.Manager
	sigDir string
}

// NewEngine builds an engine from the loaded configuration.
func NewEngine(conf *config.Config) (*Engine, error) {
	store, err := openStore(conf)
	if err != nil {
		return nil, err
	}
	svc, err := cache.NewService(store, conf.Cache.FallbackBuilds)
	if err != nil {
		return nil, err
	}

	loc := locator.New(conf.Repo.Endpoint, conf.Repo.Bucket, conf.Repo.Insecure)
	tool := &extractor.IPSWTool{
		Binary:        conf.Tool.Binary,
		SignaturesDir: conf.Tool.Signatures,
	}
	orch := extractor.New(svc, loc, tool, extractor.Config{
		WorkDir:     conf.Cache.Dir,
		TTL:         conf.CacheTTL(),
		ToolTimeout: conf.ToolTimeout(),
		Insecure:    conf.Repo.Insecure,
	})
	evict := eviction.New(svc, eviction.Config{
		WorkDir:     conf.Cache.Dir,
		BudgetBytes: conf.BudgetBytes(),
		MaxAge:      conf.EvictionMaxAge(),
		Interval:    conf.EvictionInterval(),
	})
	orch.BeforeDownload = evict.EnsureCapacity
	if conf.Tool.Signatures != "" {
		// signature-derived tables are only trusted for the version they were
		// built from, so fuzzy cache hits must still agree on version
		orch.Accept = func(tbl *symtab.Table, _, version, _ string) bool {
			return tbl.MatchesVersion(version)
		}
	}

	return &Engine{
		cache:  svc,
		orch:   orch,
		evict:  evict,
		sigDir: conf.Tool.Signatures,
	}, nil
}

func openStore(conf *config.Config) (cache.Store, error) {
	switch conf.Database.Driver {
	case "", "memory":
		return cache.NewInMemory(conf.Database.Path), nil
	case "sqlite":
		return cache.NewSqlite(conf.Database.Path)
	case "postgres":
		return cache.NewPostgres(
			conf.Database.Host,
			conf.Database.Port,
			conf.Database.User,
			conf.Database.Password,
			conf.Database.Name,
		)
	}
	return nil, fmt.Errorf("unsupported database driver: %s", conf.Database.Driver)
}

// Open connects the cache store and starts the background eviction pass.
func (e *Engine) Open() error {
	if err := e.cache.Open(); err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	e.evict.Start()
	return nil
}

// Close stops eviction and releases the cache store.
func (e *Engine) Close() error {
	e.evict.Stop()
	return e.cache.Close()
}

// Resolve symbolicates one address for an identity triple, extracting the
// firmware's symbol table first if the cache has no live record. An address
// outside tolerance of any symbol resolves to not-found, never to an error.
func (e *Engine) Resolve(ctx context.Context, addr uint64, device, version, build string, tolerance uint64) (symtab.Resolution, error) {
	tbl, err := e.table(ctx, device, version, build)
	if err != nil {
		return symtab.Resolution{Address: addr}, err
	}
	if e.sigDir != "" {
		return tbl.ResolveSignature(addr), nil
	}
	if tolerance == 0 {
		tolerance = symtab.DefaultTolerance
	}
	return tbl.Resolve(addr, tolerance), nil
}

// ResolveBatch symbolicates a crash report's worth of addresses against one
// table lookup.
func (e *Engine) ResolveBatch(ctx context.Context, addrs []uint64, device, version, build string, tolerance uint64) ([]symtab.Resolution, error) {
	tbl, err := e.table(ctx, device, version, build)
	if err != nil {
		return nil, err
	}
	if tolerance == 0 {
		tolerance = symtab.DefaultTolerance
	}
	out := make([]symtab.Resolution, 0, len(addrs))
	for _, addr := range addrs {
		if e.sigDir != "" {
			out = append(out, tbl.ResolveSignature(addr))
		} else {
			out = append(out, tbl.Resolve(addr, tolerance))
		}
	}
	return out, nil
}

func (e *Engine) table(ctx context.Context, device, version, build string) (*symtab.Table, error) {
	var accept func(*symtab.Table) bool
	if e.sigDir != "" {
		// signature-derived tables are only trusted for the version they were
		// built from, so a fuzzy candidate hit must still agree on version
		accept = func(tbl *symtab.Table) bool { return tbl.MatchesVersion(version) }
	}
	if tbl, key, err := e.cache.LookupWhere(device, version, build, accept); err == nil {
		log.WithField("key", key).Debug("resolving against cached table")
		return tbl, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	res, err := e.orch.Ensure(ctx, device, version, build, false)
	if err != nil {
		return nil, err
	}
	return res.Table, nil
}

// EnsureAvailable makes the table for a triple resident in the cache without
// resolving anything, reporting whether it was already cached.
func (e *Engine) EnsureAvailable(ctx context.Context, device, version, build string, force bool) (*extractor.Result, error) {
	return e.orch.Ensure(ctx, device, version, build, force)
}

// CacheStats reports cache usage against the eviction budget.
func (e *Engine) CacheStats() (cache.Stats, error) {
	st, err := e.cache.Stats()
	if err != nil {
		return cache.Stats{}, err
	}
	st.BudgetBytes = e.evict.Budget()
	return st, nil
}

// Cleanup runs one eviction pass on demand.
func (e *Engine) Cleanup() error {
	return e.evict.Run()
}

// Records lists cache record metadata.
func (e *Engine) Records() ([]*model.CacheRecord, error) {
	return e.cache.Records()
}

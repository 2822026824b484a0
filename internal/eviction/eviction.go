// Package eviction bounds on-disk growth of the symbol cache: the persisted
// table payloads plus any firmware artifacts a crashed pipeline left behind.
package eviction

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"

	"github.com/blacktop/symserver/internal/cache"
	"github.com/blacktop/symserver/internal/model"
)

// Config holds the eviction policy knobs.
type Config struct {
	// WorkDir is the artifact scratch directory swept for stray files.
	WorkDir string
	// BudgetBytes caps combined usage of cache payloads and stray artifacts.
	BudgetBytes int64
	// MaxAge is the age past which a single-access record is removed before
	// any multiply-accessed one, regardless of recency.
	MaxAge time.Duration
	// Interval is the period of the background pass.
	Interval time.Duration
	// MinFileAge guards in-flight downloads: files in WorkDir younger than
	// this are never touched.
	MinFileAge time.Duration
}

// Manager runs periodic and on-demand eviction passes.
type Manager struct {
	cache *cache.Service
	conf  Config

	mu     sync.Mutex // one scan at a time; independent of per-key extraction flights
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a manager over the cache service.
func New(cacheSvc *cache.Service, conf Config) *Manager {
	if conf.BudgetBytes <= 0 {
		conf.BudgetBytes = 10 << 30 // 10GB
	}
	if conf.MaxAge <= 0 {
		conf.MaxAge = 7 * 24 * time.Hour
	}
	if conf.Interval <= 0 {
		conf.Interval = time.Hour
	}
	if conf.MinFileAge <= 0 {
		conf.MinFileAge = time.Hour
	}
	return &Manager{cache: cacheSvc, conf: conf}
}

// Budget returns the configured capacity budget.
func (m *Manager) Budget() int64 { return m.conf.BudgetBytes }

// Start launches the background pass. Call Stop to end it.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.conf.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Run(); err != nil {
					log.WithError(err).Error("eviction pass failed")
				}
			}
		}
	}()
	log.WithFields(log.Fields{
		"interval": m.conf.Interval,
		"budget":   humanize.Bytes(uint64(m.conf.BudgetBytes)),
	}).Info("eviction manager started")
}

// Stop cancels the background pass and waits for it to drain.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// EnsureCapacity frees space ahead of a projected write so that the write
// itself cannot push usage past the budget.
func (m *Manager) EnsureCapacity(projected int64) error {
	return m.evict(m.conf.BudgetBytes - projected)
}

// Run performs one full pass against the configured budget.
func (m *Manager) Run() error {
	return m.evict(m.conf.BudgetBytes)
}

func (m *Manager) evict(target int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if target < 0 {
		target = 0
	}
	now := time.Now()

	usage, err := m.sweepExpired(now)
	if err != nil {
		return err
	}
	if usage <= target {
		return nil
	}

	usage = m.sweepStrayFiles(now, usage, target)
	if usage <= target {
		return nil
	}

	recs, err := m.cache.Records()
	if err != nil {
		return err
	}
	// only canonical records carry payload; aliases ride along with theirs
	aliases := make(map[string][]string)
	canon := recs[:0]
	for _, rec := range recs {
		if rec.AliasOf != "" {
			aliases[rec.AliasOf] = append(aliases[rec.AliasOf], rec.Key)
			continue
		}
		canon = append(canon, rec)
	}
	sortCandidates(canon, now, m.conf.MaxAge)

	freed := int64(0)
	removed := 0
	for _, rec := range canon {
		if usage <= target {
			break
		}
		// metadata first: a reader must never find a key whose payload is gone
		if err := m.cache.Delete(rec.Key); err != nil {
			log.WithError(err).WithField("key", rec.Key).Warn("failed to evict cache record")
			continue
		}
		for _, alias := range aliases[rec.Key] {
			if err := m.cache.Delete(alias); err != nil {
				log.WithError(err).WithField("key", alias).Warn("failed to drop alias of evicted record")
			}
		}
		usage -= rec.SizeBytes
		freed += rec.SizeBytes
		removed++
	}
	if removed > 0 {
		log.WithFields(log.Fields{
			"removed": removed,
			"freed":   humanize.Bytes(uint64(freed)),
			"usage":   humanize.Bytes(uint64(usage)),
		}).Info("evicted cache records")
	}
	return nil
}

// sweepExpired drops records past their TTL and returns the remaining usage,
// store payloads plus work-dir files.
func (m *Manager) sweepExpired(now time.Time) (int64, error) {
	recs, err := m.cache.Records()
	if err != nil {
		return 0, err
	}
	live := make(map[string]bool)
	var usage int64
	for _, rec := range recs {
		if rec.AliasOf != "" {
			continue
		}
		if rec.Expired(now) {
			if err := m.cache.Delete(rec.Key); err != nil {
				log.WithError(err).WithField("key", rec.Key).Warn("failed to drop expired record")
				usage += rec.SizeBytes
				live[rec.Key] = true
			}
			continue
		}
		live[rec.Key] = true
		usage += rec.SizeBytes
	}
	for _, rec := range recs {
		if rec.AliasOf == "" {
			continue
		}
		if rec.Expired(now) || !live[rec.AliasOf] {
			if err := m.cache.Delete(rec.Key); err != nil {
				log.WithError(err).WithField("key", rec.Key).Warn("failed to drop dangling alias")
			}
		}
	}
	for _, f := range m.strayFiles(now) {
		usage += f.size
	}
	return usage, nil
}

type strayFile struct {
	path     string
	size     int64
	modified time.Time
}

// strayFiles lists work-dir leftovers old enough to be safely deleted. Files
// younger than MinFileAge may belong to an in-flight pipeline.
func (m *Manager) strayFiles(now time.Time) []strayFile {
	if m.conf.WorkDir == "" {
		return nil
	}
	entries, err := os.ReadDir(m.conf.WorkDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).WithField("dir", m.conf.WorkDir).Warn("failed to scan work dir")
		}
		return nil
	}
	var out []strayFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < m.conf.MinFileAge {
			continue
		}
		out = append(out, strayFile{
			path:     filepath.Join(m.conf.WorkDir, e.Name()),
			size:     info.Size(),
			modified: info.ModTime(),
		})
	}
	return out
}

// sweepStrayFiles removes leftover artifacts oldest-first until usage fits.
func (m *Manager) sweepStrayFiles(now time.Time, usage, target int64) int64 {
	files := m.strayFiles(now)
	sort.Slice(files, func(i, j int) bool { return files[i].modified.Before(files[j].modified) })
	for _, f := range files {
		if usage <= target {
			break
		}
		if err := os.Remove(f.path); err != nil {
			log.WithError(err).WithField("path", f.path).Warn("failed to remove stray artifact")
			continue
		}
		log.WithFields(log.Fields{
			"path": f.path,
			"size": humanize.Bytes(uint64(f.size)),
		}).Info("removed stray firmware artifact")
		usage -= f.size
	}
	return usage
}

// sortCandidates orders records for removal: over-age single-access records
// go first regardless of recency, then (AccessCount asc, LastAccess asc).
func sortCandidates(recs []*model.CacheRecord, now time.Time, maxAge time.Duration) {
	stale := func(r *model.CacheRecord) bool {
		return r.AccessCount <= 1 && now.Sub(r.CreatedAt) > maxAge
	}
	sort.SliceStable(recs, func(i, j int) bool {
		si, sj := stale(recs[i]), stale(recs[j])
		if si != sj {
			return si
		}
		if recs[i].AccessCount != recs[j].AccessCount {
			return recs[i].AccessCount < recs[j].AccessCount
		}
		return recs[i].LastAccess.Before(recs[j].LastAccess)
	})
}

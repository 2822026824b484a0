// Package extractor runs the on-demand symbol extraction pipeline: locate a
// firmware artifact, download it, run the external symbolication tool, parse
// its output into a symbol table and populate the cache.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apex/log"
	"golang.org/x/sync/singleflight"

	"github.com/blacktop/symserver/internal/cache"
	"github.com/blacktop/symserver/internal/model"
	"github.com/blacktop/symserver/internal/symtab"
)

// State is one step of the extraction pipeline.
type State string

const (
	StatePending     State = "PENDING"
	StateLocating    State = "LOCATING_FIRMWARE"
	StateDownloading State = "DOWNLOADING"
	StateExtracting  State = "EXTRACTING"
	StateParsing     State = "PARSING_SYMBOLS"
	StateCaching     State = "CACHING"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// Status reports how an Ensure call was satisfied.
type Status string

const (
	StatusCached    Status = "Cached"
	StatusExtracted Status = "Extracted"
	StatusFailed    Status = "Failed"
)

// Result is the outcome of an Ensure call.
type Result struct {
	Status Status        `json:"status"`
	Key    string        `json:"key"`
	Detail string        `json:"detail,omitempty"`
	Table  *symtab.Table `json:"-"`
}

// Finder locates a firmware artifact for an identity triple.
type Finder interface {
	Find(ctx context.Context, device, version, build string) (*model.FirmwareArtifact, error)
}

// Tool is the external symbolication tool. Its output contract is the only
// thing relied upon; how it parses the firmware is opaque.
type Tool interface {
	Symbolicate(ctx context.Context, firmwarePath string) ([]byte, error)
}

// Config holds the orchestrator's knobs.
type Config struct {
	WorkDir         string
	TTL             time.Duration
	ToolTimeout     time.Duration
	DownloadTimeout time.Duration
	Insecure        bool
}

// Orchestrator coalesces and runs extraction pipelines, one per key.
type Orchestrator struct {
	cache  *cache.Service
	finder Finder
	tool   Tool
	conf   Config

	// BeforeDownload, when set, is called with the projected artifact size
	// so the eviction manager can free space ahead of the write.
	BeforeDownload func(projected int64) error

	// Accept, when set, vets cached tables during the pre-run cache check;
	// a rejected table does not short-circuit the pipeline.
	Accept func(tbl *symtab.Table, device, version, build string) bool

	group singleflight.Group

	mu    sync.Mutex
	stuck map[string]*model.PipelineError // deterministic failures, cleared by force
}

// New creates an orchestrator.
func New(cacheSvc *cache.Service, finder Finder, tool Tool, conf Config) *Orchestrator {
	if conf.TTL <= 0 {
		conf.TTL = 24 * time.Hour
	}
	if conf.ToolTimeout <= 0 {
		conf.ToolTimeout = 30 * time.Minute
	}
	if conf.DownloadTimeout <= 0 {
		conf.DownloadTimeout = 30 * time.Minute
	}
	return &Orchestrator{
		cache:  cacheSvc,
		finder: finder,
		tool:   tool,
		conf:   conf,
		stuck:  make(map[string]*model.PipelineError),
	}
}

type job struct {
	key   string
	state State
}

func (j *job) to(s State) {
	log.WithFields(log.Fields{
		"key":  j.key,
		"from": string(j.state),
		"to":   string(s),
	}).Debug("extraction state")
	j.state = s
}

// Ensure makes the symbol table for an identity triple available, extracting
// it if no live cache record exists. Concurrent calls for the same canonical
// key share one pipeline execution. Deterministic failures (tool error,
// empty output) are not retried unless force is set; download failures and
// timeouts always are.
func (o *Orchestrator) Ensure(ctx context.Context, device, version, build string, force bool) (*Result, error) {
	key := cache.CanonicalKey(device, version, build)

	if force {
		o.mu.Lock()
		delete(o.stuck, key)
		o.mu.Unlock()
	}

	var accept func(*symtab.Table) bool
	if o.Accept != nil {
		accept = func(tbl *symtab.Table) bool { return o.Accept(tbl, device, version, build) }
	}

	v, err, shared := o.group.Do(key, func() (any, error) {
		// double-checked cache: another flight may have just populated it
		if tbl, hitKey, err := o.cache.LookupWhere(device, version, build, accept); err == nil {
			return &Result{Status: StatusCached, Key: hitKey, Table: tbl}, nil
		}

		o.mu.Lock()
		prior, isStuck := o.stuck[key]
		o.mu.Unlock()
		if isStuck {
			return nil, prior
		}

		res, err := o.run(ctx, device, version, build)
		if err != nil {
			var perr *model.PipelineError
			if errors.As(err, &perr) && !perr.Retryable() {
				o.mu.Lock()
				o.stuck[key] = perr
				o.mu.Unlock()
			}
			return nil, err
		}
		return res, nil
	})
	if shared {
		log.WithField("key", key).Debug("joined in-flight extraction")
	}
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// run executes one pipeline. A failure at any step leaves any pre-existing
// cache record for the key untouched.
func (o *Orchestrator) run(ctx context.Context, device, version, build string) (*Result, error) {
	j := &job{key: cache.CanonicalKey(device, version, build), state: StatePending}

	j.to(StateLocating)
	art, err := o.finder.Find(ctx, device, version, build)
	if err != nil {
		j.to(StateFailed)
		return nil, wrapReason(ctx, err, model.ReasonNotFound)
	}

	j.to(StateDownloading)
	if o.BeforeDownload != nil && art.Size > 0 {
		if err := o.BeforeDownload(art.Size); err != nil {
			log.WithError(err).Warn("pre-download eviction failed")
		}
	}
	art.LocalPath = filepath.Join(o.conf.WorkDir, art.Name)
	if err := o.download(ctx, art); err != nil {
		j.to(StateFailed)
		return nil, wrapReason(ctx, err, model.ReasonDownloadFailed)
	}
	defer o.cleanup(art)

	j.to(StateExtracting)
	toolCtx, cancel := context.WithTimeout(ctx, o.conf.ToolTimeout)
	defer cancel()
	out, err := o.tool.Symbolicate(toolCtx, art.LocalPath)
	if err != nil {
		j.to(StateFailed)
		return nil, wrapReason(toolCtx, err, model.ReasonExtractionFailed)
	}

	j.to(StateParsing)
	entries, err := symtab.ParseToolOutput(out)
	if err != nil {
		j.to(StateFailed)
		return nil, &model.PipelineError{Reason: model.ReasonExtractionFailed, Err: err}
	}
	if len(entries) == 0 {
		j.to(StateFailed)
		return nil, &model.PipelineError{
			Reason: model.ReasonNoSymbolsProduced,
			Err:    fmt.Errorf("tool produced an empty symbol table for %s", art.Name),
		}
	}

	j.to(StateCaching)
	tbl := symtab.New(device, version, coalesce(art.Build, build), entries)
	aliases := cache.AliasKeys(device, version, build, art.Version, art.Build)
	if err := o.cache.Put(j.key, tbl, o.conf.TTL, aliases...); err != nil {
		j.to(StateFailed)
		return nil, &model.PipelineError{Reason: model.ReasonExtractionFailed, Err: err}
	}

	j.to(StateDone)
	return &Result{
		Status: StatusExtracted,
		Key:    j.key,
		Detail: fmt.Sprintf("extracted %d symbols from %s", tbl.Len(), art.Name),
		Table:  tbl,
	}, nil
}

func (o *Orchestrator) download(ctx context.Context, art *model.FirmwareArtifact) error {
	dlCtx, cancel := context.WithTimeout(ctx, o.conf.DownloadTimeout)
	defer cancel()
	dl := NewDownload(o.conf.Insecure)
	dl.URL = art.URL
	dl.DestName = art.LocalPath
	dl.ExpectedSize = art.Size
	return dl.Do(dlCtx)
}

// cleanup removes the downloaded artifact and any large intermediates the
// tool left next to it; only the cached table survives.
func (o *Orchestrator) cleanup(art *model.FirmwareArtifact) {
	if art.LocalPath == "" {
		return
	}
	if err := os.Remove(art.LocalPath); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithField("path", art.LocalPath).Warn("failed to remove firmware artifact")
	}
	matches, _ := filepath.Glob(art.LocalPath + ".extracted*")
	for _, m := range matches {
		os.Remove(m)
	}
}

// wrapReason classifies an error, upgrading to Timeout when the context's
// deadline was the cause.
func wrapReason(ctx context.Context, err error, reason model.FailureReason) error {
	var perr *model.PipelineError
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return &model.PipelineError{Reason: model.ReasonTimeout, Err: err}
	}
	return &model.PipelineError{Reason: reason, Err: err}
}

func coalesce(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

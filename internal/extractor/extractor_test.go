package extractor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/symserver/internal/cache"
	"github.com/blacktop/symserver/internal/model"
	"github.com/blacktop/symserver/internal/symtab"
)

type stubFinder struct {
	art   *model.FirmwareArtifact
	err   error
	calls atomic.Int64
}

func (f *stubFinder) Find(ctx context.Context, device, version, build string) (*model.FirmwareArtifact, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.art
	return &cp, nil
}

type stubTool struct {
	out   []byte
	err   error
	delay time.Duration
	calls atomic.Int64
}

func (t *stubTool) Symbolicate(ctx context.Context, firmwarePath string) ([]byte, error) {
	t.calls.Add(1)
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if t.err != nil {
		return nil, t.err
	}
	return t.out, nil
}

func newTestCache(t *testing.T) *cache.Service {
	t.Helper()
	svc, err := cache.NewService(cache.NewInMemory(""), nil)
	require.NoError(t, err)
	require.NoError(t, svc.Open())
	t.Cleanup(func() { svc.Close() })
	return svc
}

func artifactServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testOrchestrator(t *testing.T, svc *cache.Service, finder Finder, tool Tool) *Orchestrator {
	t.Helper()
	return New(svc, finder, tool, Config{
		WorkDir: t.TempDir(),
		TTL:     time.Hour,
	})
}

func TestEnsureExtractsAndCaches(t *testing.T) {
	body := []byte("fake firmware image")
	srv := artifactServer(t, body)
	finder := &stubFinder{art: &model.FirmwareArtifact{
		Name:             "iPhone15,2_18.5_22F76_Restore.ipsw",
		URL:              srv.URL + "/iPhone15,2_18.5_22F76_Restore.ipsw",
		Size:             int64(len(body)),
		DeviceCandidates: []string{"iPhone15,2"},
		Version:          "18.5",
		Build:            "22F76",
	}}
	tool := &stubTool{out: []byte(`{"0x1000":"foo","0x2000":"bar"}`)}
	svc := newTestCache(t)
	o := testOrchestrator(t, svc, finder, tool)

	res, err := o.Ensure(context.Background(), "iPhone15,2", "18.5", "22F76", false)
	require.NoError(t, err)
	assert.Equal(t, StatusExtracted, res.Status)
	assert.Equal(t, 2, res.Table.Len())

	// the canonical key and the declared-identity aliases all resolve
	for _, key := range []string{
		"iPhone15,2|18.5|22F76",
		"iPhone15,2|18.5|",
		"iPhone15,2|22F76|unknown",
	} {
		tbl, err := svc.Get(key)
		require.NoError(t, err, key)
		assert.Equal(t, "foo", tbl.Resolve(0x1000, 0).Symbol)
	}

	// second call is a pure cache hit
	res, err = o.Ensure(context.Background(), "iPhone15,2", "18.5", "22F76", false)
	require.NoError(t, err)
	assert.Equal(t, StatusCached, res.Status)
	assert.Equal(t, int64(1), tool.calls.Load())
}

func TestEnsureCoalescesConcurrentCallers(t *testing.T) {
	body := []byte("fake firmware image")
	srv := artifactServer(t, body)
	finder := &stubFinder{art: &model.FirmwareArtifact{
		Name:             "iPhone15,2_18.5_22F76_Restore.ipsw",
		URL:              srv.URL + "/a.ipsw",
		Size:             int64(len(body)),
		DeviceCandidates: []string{"iPhone15,2"},
		Version:          "18.5",
		Build:            "22F76",
	}}
	tool := &stubTool{out: []byte(`{"0x1000":"foo"}`), delay: 50 * time.Millisecond}
	o := testOrchestrator(t, newTestCache(t), finder, tool)

	const n = 16
	var wg sync.WaitGroup
	results := make([]*Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := o.Ensure(context.Background(), "iPhone15,2", "18.5", "22F76", false)
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), tool.calls.Load(), "exactly one pipeline per key per miss episode")
	assert.Equal(t, int64(1), finder.calls.Load())
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, "iPhone15,2|18.5|22F76", res.Key)
	}
}

func TestEnsureNotFound(t *testing.T) {
	finder := &stubFinder{err: &model.PipelineError{Reason: model.ReasonNotFound, Err: errors.New("no match")}}
	o := testOrchestrator(t, newTestCache(t), finder, &stubTool{})

	_, err := o.Ensure(context.Background(), "iPhone14,2", "17.4", "", false)
	var perr *model.PipelineError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, model.ReasonNotFound, perr.Reason)
}

func TestDeterministicFailureNeedsForce(t *testing.T) {
	body := []byte("fake firmware image")
	srv := artifactServer(t, body)
	finder := &stubFinder{art: &model.FirmwareArtifact{
		Name:             "iPhone15,2_18.5_22F76_Restore.ipsw",
		URL:              srv.URL + "/a.ipsw",
		Size:             int64(len(body)),
		DeviceCandidates: []string{"iPhone15,2"},
		Version:          "18.5",
		Build:            "22F76",
	}}
	tool := &stubTool{out: []byte(`{}`)} // parses to an empty table
	o := testOrchestrator(t, newTestCache(t), finder, tool)

	_, err := o.Ensure(context.Background(), "iPhone15,2", "18.5", "22F76", false)
	var perr *model.PipelineError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, model.ReasonNoSymbolsProduced, perr.Reason)

	// silently retrying a deterministically failing input is refused
	_, err = o.Ensure(context.Background(), "iPhone15,2", "18.5", "22F76", false)
	require.Error(t, err)
	assert.Equal(t, int64(1), tool.calls.Load())

	// force re-runs the pipeline
	tool.out = []byte(`{"0x1000":"foo"}`)
	res, err := o.Ensure(context.Background(), "iPhone15,2", "18.5", "22F76", true)
	require.NoError(t, err)
	assert.Equal(t, StatusExtracted, res.Status)
	assert.Equal(t, int64(2), tool.calls.Load())
}

func TestFailureLeavesPriorRecordIntact(t *testing.T) {
	body := []byte("fake firmware image")
	srv := artifactServer(t, body)
	finder := &stubFinder{art: &model.FirmwareArtifact{
		Name:             "iPhone15,2_18.5_22F76_Restore.ipsw",
		URL:              srv.URL + "/a.ipsw",
		Size:             int64(len(body)),
		DeviceCandidates: []string{"iPhone15,2"},
		Version:          "18.5",
		Build:            "22F76",
	}}
	tool := &stubTool{err: errors.New("tool exploded")}
	svc := newTestCache(t)
	o := testOrchestrator(t, svc, finder, tool)

	// seed a valid record under an unrelated key so the lookup misses but
	// the store is not empty
	key := cache.CanonicalKey("iPhone15,2", "18.4", "22E240")
	prior := symtab.New("iPhone15,2", "18.4", "22E240", []symtab.Entry{{Address: 0x1000, Name: "foo"}})
	require.NoError(t, svc.Put(key, prior, time.Hour))

	_, err := o.Ensure(context.Background(), "iPhone15,2", "18.5", "22F76", false)
	require.Error(t, err)

	got, err := svc.Get(key)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Len())
}

func TestToolTimeoutClassifiedAsTimeout(t *testing.T) {
	body := []byte("fake firmware image")
	srv := artifactServer(t, body)
	finder := &stubFinder{art: &model.FirmwareArtifact{
		Name:             "iPhone15,2_18.5_22F76_Restore.ipsw",
		URL:              srv.URL + "/a.ipsw",
		Size:             int64(len(body)),
		DeviceCandidates: []string{"iPhone15,2"},
		Version:          "18.5",
		Build:            "22F76",
	}}
	tool := &stubTool{out: []byte(`{"0x1000":"foo"}`), delay: time.Second}
	svc := newTestCache(t)
	o := New(svc, finder, tool, Config{
		WorkDir:     t.TempDir(),
		TTL:         time.Hour,
		ToolTimeout: 20 * time.Millisecond,
	})

	_, err := o.Ensure(context.Background(), "iPhone15,2", "18.5", "22F76", false)
	var perr *model.PipelineError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, model.ReasonTimeout, perr.Reason)

	// timeouts are retryable without force: the flight released its key
	tool.delay = 0
	res, err := o.Ensure(context.Background(), "iPhone15,2", "18.5", "22F76", false)
	require.NoError(t, err)
	assert.Equal(t, StatusExtracted, res.Status)
}

func TestBeforeDownloadHook(t *testing.T) {
	body := []byte("fake firmware image")
	srv := artifactServer(t, body)
	finder := &stubFinder{art: &model.FirmwareArtifact{
		Name:             "iPhone15,2_18.5_22F76_Restore.ipsw",
		URL:              srv.URL + "/a.ipsw",
		Size:             int64(len(body)),
		DeviceCandidates: []string{"iPhone15,2"},
		Version:          "18.5",
		Build:            "22F76",
	}}
	o := testOrchestrator(t, newTestCache(t), finder, &stubTool{out: []byte(`{"0x1000":"foo"}`)})

	var projected int64
	o.BeforeDownload = func(size int64) error {
		projected = size
		return nil
	}
	_, err := o.Ensure(context.Background(), "iPhone15,2", "18.5", "22F76", false)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), projected)
}

func TestDownloadSizeMismatch(t *testing.T) {
	body := []byte("truncated")
	srv := artifactServer(t, body)
	finder := &stubFinder{art: &model.FirmwareArtifact{
		Name:             "iPhone15,2_18.5_22F76_Restore.ipsw",
		URL:              srv.URL + "/a.ipsw",
		Size:             int64(len(body)) + 100, // listing promised more bytes
		DeviceCandidates: []string{"iPhone15,2"},
		Version:          "18.5",
		Build:            "22F76",
	}}
	tool := &stubTool{out: []byte(`{"0x1000":"foo"}`)}
	o := testOrchestrator(t, newTestCache(t), finder, tool)

	_, err := o.Ensure(context.Background(), "iPhone15,2", "18.5", "22F76", false)
	var perr *model.PipelineError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, model.ReasonDownloadFailed, perr.Reason)
	assert.Equal(t, int64(0), tool.calls.Load(), fmt.Sprintf("tool must not run on a partial artifact: %v", err))
}

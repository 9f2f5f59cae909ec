package fetcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/specenv/pkg/envstore"
	"github.com/3leaps/specenv/pkg/provider"
	"github.com/3leaps/specenv/pkg/provider/file"
	"github.com/3leaps/specenv/pkg/status"
	"github.com/3leaps/specenv/pkg/stepspec"
)

type harness struct {
	store *envstore.Store
	sink  *file.Provider
	item  string
}

func newHarness(t *testing.T, sourceURL string) *harness {
	t.Helper()
	ctx := context.Background()
	s, err := envstore.Open(ctx, envstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))

	_, err = s.CreateIndex(ctx,
		stepspec.ResourceSpec{IndexType: "bano", DataSource: "addresses", Regions: []string{"75"}},
		[]envstore.NewItem{{ID: "addresses-75", SourceURL: sourceURL}})
	require.NoError(t, err)

	sink, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return &harness{store: s, sink: sink, item: "addresses-75"}
}

func (h *harness) fetcher(t *testing.T, src Source, cfg Config, opts ...Option) *Fetcher {
	t.Helper()
	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	f := New(h.store, src, h.sink, cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.Shutdown(ctx)
	})
	return f
}

func waitItem(t *testing.T, f *Fetcher, id string) *envstore.Item {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	it, err := f.Wait(ctx, id)
	require.NoError(t, err)
	return it
}

func TestAcquireStoresVerifiedArtifact(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL+"/data/bano-75.csv")
	var results []Result
	var mu sync.Mutex
	f := h.fetcher(t, &HTTPSource{Client: srv.Client()}, Config{}, WithObserver(func(r Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}))

	it, err := f.Acquire(context.Background(), h.item)
	require.NoError(t, err)
	assert.Equal(t, status.FileDownloadInProgress, it.Status)

	it = waitItem(t, f, h.item)
	require.Equal(t, status.FileAvailable, it.Status)
	sum := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), it.ContentHash)
	assert.Equal(t, 2.0, it.SizeKB)
	assert.Equal(t, "addresses-75/bano-75.csv", it.Filename)

	body, _, err := h.sink.GetObject(context.Background(), it.Filename)
	require.NoError(t, err)
	defer func() { _ = body.Close() }()
	stored, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeAvailable, results[0].Outcome)
	assert.Equal(t, int64(2048), results[0].Bytes)
	assert.Equal(t, 0, f.InFlight())
}

func TestAcquireNon2xxThenRetry(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL+"/bano-75.csv")
	f := h.fetcher(t, &HTTPSource{Client: srv.Client()}, Config{})

	_, err := f.Acquire(context.Background(), h.item)
	require.NoError(t, err, "transport failures are recorded, not returned")
	it := waitItem(t, f, h.item)
	assert.Equal(t, status.FileDownloadError, it.Status)
	assert.Empty(t, it.ContentHash)

	fail.Store(false)
	it, err = f.Acquire(context.Background(), h.item)
	require.NoError(t, err)
	assert.Equal(t, status.FileDownloadInProgress, it.Status)
	it = waitItem(t, f, h.item)
	assert.Equal(t, status.FileAvailable, it.Status)
	assert.Equal(t, 2.0/1024, it.SizeKB)
}

func blockingServer(t *testing.T) (*httptest.Server, chan struct{}, *atomic.Int32) {
	t.Helper()
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-release:
			_, _ = w.Write([]byte("payload"))
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	return srv, release, &hits
}

func TestAcquireTimeout(t *testing.T) {
	srv, _, _ := blockingServer(t)
	h := newHarness(t, srv.URL+"/slow.csv")
	f := h.fetcher(t, &HTTPSource{Client: srv.Client()}, Config{Timeout: 50 * time.Millisecond})

	_, err := f.Acquire(context.Background(), h.item)
	require.NoError(t, err)
	it := waitItem(t, f, h.item)
	assert.Equal(t, status.FileDownloadError, it.Status)
}

func TestAcquireCoalescesSameItem(t *testing.T) {
	srv, release, hits := blockingServer(t)
	h := newHarness(t, srv.URL+"/bano-75.csv")
	f := h.fetcher(t, &HTTPSource{Client: srv.Client()}, Config{})
	ctx := context.Background()

	first, err := f.Acquire(ctx, h.item)
	require.NoError(t, err)
	assert.Equal(t, status.FileDownloadInProgress, first.Status)

	persisted, err := h.store.GetItem(ctx, h.item)
	require.NoError(t, err)
	assert.Equal(t, status.FileDownloadInProgress, persisted.Status, "persisted before any byte transferred")

	second, err := f.Acquire(ctx, h.item)
	require.NoError(t, err)
	assert.Equal(t, status.FileDownloadInProgress, second.Status)
	assert.Equal(t, 1, f.InFlight())

	close(release)
	it := waitItem(t, f, h.item)
	assert.Equal(t, status.FileAvailable, it.Status)
	assert.LessOrEqual(t, hits.Load(), int32(1))
}

// gatedRepo holds the first write into DownloadInProgress until gate closes.
type gatedRepo struct {
	*envstore.Store
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (g *gatedRepo) SetItemStatus(ctx context.Context, id string, from, to status.FileStatus, a *envstore.Artifact) (*envstore.Item, error) {
	if to == status.FileDownloadInProgress {
		g.once.Do(func() {
			close(g.entered)
			<-g.gate
		})
	}
	return g.Store.SetItemStatus(ctx, id, from, to, a)
}

type acquired struct {
	item *envstore.Item
	err  error
}

func TestAcquireCoalescedCallerWaitsForStatusWrite(t *testing.T) {
	srv, release, hits := blockingServer(t)
	h := newHarness(t, srv.URL+"/bano-75.csv")
	repo := &gatedRepo{Store: h.store, entered: make(chan struct{}), gate: make(chan struct{})}
	f := New(repo, &HTTPSource{Client: srv.Client()}, h.sink, Config{WorkDir: t.TempDir()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.Shutdown(ctx)
	})
	ctx := context.Background()

	acquire := func() <-chan acquired {
		ch := make(chan acquired, 1)
		go func() {
			it, err := f.Acquire(ctx, h.item)
			ch <- acquired{it, err}
		}()
		return ch
	}

	first := acquire()
	select {
	case <-repo.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first Acquire never reached the status write")
	}

	second := acquire()
	select {
	case r := <-second:
		t.Fatalf("coalesced Acquire returned before the status write settled: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}

	close(repo.gate)
	for _, ch := range []<-chan acquired{first, second} {
		r := <-ch
		require.NoError(t, r.err)
		assert.Equal(t, status.FileDownloadInProgress, r.item.Status)
	}

	close(release)
	assert.Equal(t, status.FileAvailable, waitItem(t, f, h.item).Status)
	assert.Equal(t, int32(1), hits.Load())
}

func TestAcquireCoalescedCallerHonorsContext(t *testing.T) {
	h := newHarness(t, "http://example.invalid/bano-75.csv")
	repo := &gatedRepo{Store: h.store, entered: make(chan struct{}), gate: make(chan struct{})}
	f := New(repo, &URLSource{}, h.sink, Config{WorkDir: t.TempDir()})
	defer func() { _ = f.Shutdown(context.Background()) }()

	first := make(chan struct{})
	go func() {
		defer close(first)
		_, _ = f.Acquire(context.Background(), h.item)
	}()
	<-repo.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Acquire(ctx, h.item)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(repo.gate)
	<-first
}

func TestMaxConcurrentQueuesTransfers(t *testing.T) {
	srv, release, hits := blockingServer(t)
	h := newHarness(t, srv.URL+"/bano-75.csv")
	ctx := context.Background()
	_, err := h.store.CreateIndex(ctx,
		stepspec.ResourceSpec{IndexType: "bano", DataSource: "addresses", Regions: []string{"92"}},
		[]envstore.NewItem{{ID: "addresses-92", SourceURL: srv.URL + "/bano-92.csv"}})
	require.NoError(t, err)

	f := h.fetcher(t, &HTTPSource{Client: srv.Client()}, Config{MaxConcurrent: 1})
	_, err = f.Acquire(ctx, h.item)
	require.NoError(t, err)
	queued, err := f.Acquire(ctx, "addresses-92")
	require.NoError(t, err)
	assert.Equal(t, status.FileDownloadInProgress, queued.Status)

	require.Eventually(t, func() bool { return hits.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return hits.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 2, f.InFlight())

	close(release)
	assert.Equal(t, status.FileAvailable, waitItem(t, f, h.item).Status)
	assert.Equal(t, status.FileAvailable, waitItem(t, f, "addresses-92").Status)
	assert.Equal(t, int32(2), hits.Load())
}

func TestShutdownLeavesTerminalState(t *testing.T) {
	srv, _, _ := blockingServer(t)
	h := newHarness(t, srv.URL+"/bano-75.csv")
	f := New(h.store, &HTTPSource{Client: srv.Client()}, h.sink, Config{WorkDir: t.TempDir()})

	_, err := f.Acquire(context.Background(), h.item)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.Shutdown(ctx))

	it, err := h.store.GetItem(context.Background(), h.item)
	require.NoError(t, err)
	assert.Equal(t, status.FileDownloadError, it.Status)

	_, err = f.Acquire(context.Background(), h.item)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

type panicSource struct{}

func (panicSource) Open(context.Context, string) (io.ReadCloser, int64, error) {
	panic("boom")
}

func TestPanicLandsInDownloadError(t *testing.T) {
	h := newHarness(t, "http://example.invalid/x.csv")
	f := h.fetcher(t, panicSource{}, Config{})

	_, err := f.Acquire(context.Background(), h.item)
	require.NoError(t, err)
	it := waitItem(t, f, h.item)
	assert.Equal(t, status.FileDownloadError, it.Status)
}

type failingSink struct {
	provider.ArtifactStore
}

func (failingSink) PutObject(context.Context, string, io.Reader, int64) error {
	return &provider.ProviderError{Op: "PutObject", Provider: provider.ProviderFile, Err: provider.ErrAccessDenied}
}

func TestSinkFailureNeverMarksAvailable(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "bano-75.csv")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	h := newHarness(t, "file://"+src)
	f := New(h.store, &URLSource{LocalRoot: dir}, failingSink{ArtifactStore: h.sink}, Config{WorkDir: t.TempDir()})
	defer func() { _ = f.Shutdown(context.Background()) }()

	_, err := f.Acquire(context.Background(), h.item)
	require.NoError(t, err)
	it := waitItem(t, f, h.item)
	assert.Equal(t, status.FileDownloadError, it.Status)
	assert.Empty(t, it.Filename)
}

func TestAcquireFromFileURL(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "admins-fr.json")
	require.NoError(t, os.WriteFile(src, []byte(`{"fr":true}`), 0o644))

	h := newHarness(t, "file://"+src)
	f := h.fetcher(t, &URLSource{LocalRoot: dir}, Config{RateLimit: 100})

	_, err := f.Acquire(context.Background(), h.item)
	require.NoError(t, err)
	it := waitItem(t, f, h.item)
	assert.Equal(t, status.FileAvailable, it.Status)
	assert.Equal(t, "addresses-75/admins-fr.json", it.Filename)
}

func TestAcquireUnknownItem(t *testing.T) {
	h := newHarness(t, "http://example.invalid/x")
	f := h.fetcher(t, &URLSource{}, Config{})

	_, err := f.Acquire(context.Background(), "missing")
	assert.ErrorIs(t, err, envstore.ErrNotFound)
	assert.Equal(t, 0, f.InFlight())
}

func TestRecoverStale(t *testing.T) {
	h := newHarness(t, "http://example.invalid/x")
	ctx := context.Background()
	_, err := h.store.SetItemStatus(ctx, h.item, status.FileNotAvailable, status.FileDownloadInProgress, nil)
	require.NoError(t, err)

	f := h.fetcher(t, &URLSource{}, Config{})
	n, err := f.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	it, err := h.store.GetItem(ctx, h.item)
	require.NoError(t, err)
	assert.Equal(t, status.FileDownloadError, it.Status)
}

func TestURLSourceUnsupportedScheme(t *testing.T) {
	_, _, err := (&URLSource{}).Open(context.Background(), "ftp://example.com/x")
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Contains(t, te.Error(), "unsupported scheme")
}

func TestArtifactKeyAndSize(t *testing.T) {
	assert.Equal(t, "i/bano-75.csv", ArtifactKey(&envstore.Item{ID: "i", SourceURL: "http://x/data/bano-75.csv?v=1"}))
	assert.Equal(t, "i/i", ArtifactKey(&envstore.Item{ID: "i", SourceURL: "http://x/"}))
	assert.Equal(t, "i/i", ArtifactKey(&envstore.Item{ID: "i", SourceURL: "http://x"}))

	assert.Equal(t, 2.0, SizeKB(2048))
	assert.Equal(t, 1.5, SizeKB(1536))
	assert.Equal(t, 1.0/1024, SizeKB(1))
}

// Package fetcher acquires the external artifacts backing downloadable
// items.
//
// Acquire persists DownloadInProgress before returning and runs the
// transfer as a supervised background task. Every task ends with a terminal
// status write (Available or DownloadError) whatever the exit path: success,
// transport failure, timeout, cancellation, shutdown or panic. At most one
// transfer per item runs at a time; concurrent Acquire calls for an item in
// flight observe the in-flight state instead of starting another transfer.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/specenv/pkg/envstore"
	"github.com/3leaps/specenv/pkg/provider"
	"github.com/3leaps/specenv/pkg/status"
)

const (
	// DefaultTimeout bounds a single transfer.
	DefaultTimeout = 10 * time.Minute

	finishTimeout = 10 * time.Second
)

// ErrShuttingDown is returned by Acquire after Shutdown has begun.
var ErrShuttingDown = errors.New("fetcher is shutting down")

// Repository is the persistence surface used by the fetcher. The fetcher is
// the only writer of item status.
type Repository interface {
	GetItem(ctx context.Context, id string) (*envstore.Item, error)
	SetItemStatus(ctx context.Context, id string, from, to status.FileStatus, artifact *envstore.Artifact) (*envstore.Item, error)
	ResetStaleItems(ctx context.Context) (int64, error)
}

// Config tunes transfers.
type Config struct {
	// Timeout bounds each transfer; zero means DefaultTimeout.
	Timeout time.Duration

	// RateLimit caps transfer starts per second; zero means unlimited.
	RateLimit float64

	// WorkDir holds spool files while a transfer is hashed; empty means
	// the OS temp dir.
	WorkDir string

	// MaxConcurrent caps transfers moving bytes at once; zero means
	// unlimited. Items waiting for a slot stay DownloadInProgress.
	MaxConcurrent int
}

// Outcome classifies a finished transfer.
type Outcome string

const (
	OutcomeAvailable Outcome = "available"
	OutcomeFailed    Outcome = "download_error"
)

// Result describes a finished transfer for observers.
type Result struct {
	ItemID   string
	Outcome  Outcome
	Bytes    int64
	Duration time.Duration
	Err      error
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithObserver registers a callback invoked after each terminal write.
func WithObserver(fn func(Result)) Option {
	return func(f *Fetcher) { f.observer = fn }
}

// Fetcher supervises artifact transfers.
type Fetcher struct {
	repo     Repository
	source   Source
	sink     provider.ArtifactStore
	cfg      Config
	limiter  *rate.Limiter
	slots    chan struct{}
	logger   *zap.Logger
	observer func(Result)

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]*flight
}

// flight tracks one claimed item. begun is closed once the claimant's
// status write has settled, done when the claim is released.
type flight struct {
	begun chan struct{}
	done  chan struct{}
}

// New returns a Fetcher reading through source and writing verified
// artifacts into sink.
func New(repo Repository, source Source, sink provider.ArtifactStore, cfg Config, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Fetcher{
		repo:     repo,
		source:   source,
		sink:     sink,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   zap.NewNop(),
		baseCtx:  ctx,
		cancel:   cancel,
		inflight: make(map[string]*flight),
	}
	if cfg.MaxConcurrent > 0 {
		f.slots = make(chan struct{}, cfg.MaxConcurrent)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// RecoverStale moves items left in DownloadInProgress by a previous process
// to DownloadError. Call it before the first Acquire.
func (f *Fetcher) RecoverStale(ctx context.Context) (int64, error) {
	n, err := f.repo.ResetStaleItems(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		f.logger.Warn("Recovered stale downloads", zap.Int64("items", n))
	}
	return n, nil
}

// Acquire starts acquisition of an item and returns it in
// DownloadInProgress. The transfer completes in the background; its outcome
// is observable through the item status. Acquire only fails when the task
// cannot be started, e.g. the item is unknown or storage is unavailable.
//
// An item already in flight is returned as is, once the caller that claimed
// it has recorded DownloadInProgress.
func (f *Fetcher) Acquire(ctx context.Context, itemID string) (*envstore.Item, error) {
	fl, owner, closed := f.claim(itemID)
	if closed {
		return nil, ErrShuttingDown
	}
	if !owner {
		select {
		case <-fl.begun:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return f.repo.GetItem(ctx, itemID)
	}
	defer close(fl.begun)

	item, started, err := f.begin(ctx, itemID)
	if err != nil || !started {
		f.unclaim(itemID, fl)
		return item, err
	}
	if !f.spawn(item, fl) {
		f.unclaim(itemID, fl)
		return nil, ErrShuttingDown
	}
	return item, nil
}

// begin persists the transition into DownloadInProgress. started is false
// when the item is already in progress elsewhere or the write lost a race;
// the current item is returned in that case.
func (f *Fetcher) begin(ctx context.Context, itemID string) (item *envstore.Item, started bool, err error) {
	item, err = f.repo.GetItem(ctx, itemID)
	if err != nil {
		return nil, false, err
	}
	ev, ok := item.Status.AcquireEvent()
	if !ok {
		return item, false, nil
	}
	next, err := item.Status.Apply(ev)
	if err != nil {
		return nil, false, err
	}

	updated, err := f.repo.SetItemStatus(ctx, itemID, item.Status, next, nil)
	if errors.Is(err, envstore.ErrStatusMismatch) {
		return updated, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	f.logger.Info("Download started",
		zap.String("item_id", itemID),
		zap.String("event", ev.String()),
		zap.String("source_url", item.SourceURL))
	return updated, true, nil
}

// claim registers itemID as in flight. owner is false when another caller
// holds the claim; fl is then that caller's flight.
func (f *Fetcher) claim(itemID string) (fl *flight, owner, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, false, true
	}
	if cur, busy := f.inflight[itemID]; busy {
		return cur, false, false
	}
	fl = &flight{begun: make(chan struct{}), done: make(chan struct{})}
	f.inflight[itemID] = fl
	return fl, true, false
}

func (f *Fetcher) unclaim(itemID string, fl *flight) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight[itemID] == fl {
		delete(f.inflight, itemID)
	}
	close(fl.done)
}

// spawn starts the supervised task unless shutdown began meanwhile, in
// which case the item is failed immediately.
func (f *Fetcher) spawn(item *envstore.Item, fl *flight) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		f.finish(item, nil, 0, ErrShuttingDown, time.Now())
		return false
	}
	f.wg.Add(1)
	f.mu.Unlock()

	go f.run(item, fl)
	return true
}

func (f *Fetcher) run(item *envstore.Item, fl *flight) {
	started := time.Now()
	var (
		artifact *envstore.Artifact
		size     int64
		runErr   error
	)
	defer f.wg.Done()
	defer f.unclaim(item.ID, fl)
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("transfer panicked: %v", r)
			artifact = nil
		}
		f.finish(item, artifact, size, runErr, started)
	}()

	ctx, cancel := context.WithTimeout(f.baseCtx, f.cfg.Timeout)
	defer cancel()
	artifact, size, runErr = f.transfer(ctx, item)
}

// transfer downloads, hashes and stores the artifact. The returned artifact
// is only non-nil once the sink has durably accepted the bytes.
func (f *Fetcher) transfer(ctx context.Context, item *envstore.Item) (*envstore.Artifact, int64, error) {
	if f.slots != nil {
		select {
		case f.slots <- struct{}{}:
			defer func() { <-f.slots }()
		case <-ctx.Done():
			return nil, 0, &TransportError{URL: item.SourceURL, Err: ctx.Err()}
		}
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, 0, &TransportError{URL: item.SourceURL, Err: err}
	}

	body, _, err := f.source.Open(ctx, item.SourceURL)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = body.Close() }()

	spool, err := os.CreateTemp(f.cfg.WorkDir, "specenv-fetch-*")
	if err != nil {
		return nil, 0, fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(spool, h), body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, n, &TransportError{URL: item.SourceURL, Err: err}
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, n, fmt.Errorf("rewind spool file: %w", err)
	}

	key := ArtifactKey(item)
	if err := f.sink.PutObject(ctx, key, spool, n); err != nil {
		return nil, n, fmt.Errorf("store artifact: %w", err)
	}

	return &envstore.Artifact{
		Filename:    key,
		ContentHash: hex.EncodeToString(h.Sum(nil)),
		SizeKB:      SizeKB(n),
	}, n, nil
}

// finish writes the terminal status with a context detached from the
// transfer, so that cancellation cannot prevent it.
func (f *Fetcher) finish(item *envstore.Item, artifact *envstore.Artifact, size int64, runErr error, started time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	res := Result{ItemID: item.ID, Bytes: size, Duration: time.Since(started), Err: runErr}
	logger := f.logger.With(zap.String("item_id", item.ID), zap.String("source_url", item.SourceURL))

	if runErr == nil && artifact != nil {
		_, err := f.repo.SetItemStatus(ctx, item.ID, status.FileDownloadInProgress, status.FileAvailable, artifact)
		if err == nil {
			res.Outcome = OutcomeAvailable
			logger.Info("Download completed",
				zap.String("filename", artifact.Filename),
				zap.String("content_hash", artifact.ContentHash),
				zap.Float64("size_kb", artifact.SizeKB),
				zap.Duration("duration", res.Duration))
			f.observe(res)
			return
		}
		runErr = fmt.Errorf("record artifact: %w", err)
		res.Err = runErr
	}
	if runErr == nil {
		runErr = errors.New("transfer produced no artifact")
		res.Err = runErr
	}

	res.Outcome = OutcomeFailed
	if _, err := f.repo.SetItemStatus(ctx, item.ID, status.FileDownloadInProgress, status.FileDownloadError, nil); err != nil {
		logger.Error("Failed to record download failure; item stays in progress until stale recovery",
			zap.NamedError("cause", runErr), zap.Error(err))
	} else {
		logger.Warn("Download failed",
			zap.Bool("transport", IsTransportError(runErr)),
			zap.String("reason", provider.Reason(runErr)),
			zap.Bool("transient", provider.IsTransient(runErr)),
			zap.Duration("duration", res.Duration),
			zap.Error(runErr))
	}
	f.observe(res)
}

func (f *Fetcher) observe(res Result) {
	if f.observer != nil {
		f.observer(res)
	}
}

// Wait blocks until no transfer for itemID is in flight, then returns the
// current item.
func (f *Fetcher) Wait(ctx context.Context, itemID string) (*envstore.Item, error) {
	f.mu.Lock()
	fl := f.inflight[itemID]
	f.mu.Unlock()

	if fl != nil {
		select {
		case <-fl.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.repo.GetItem(ctx, itemID)
}

// InFlight returns the number of running transfers.
func (f *Fetcher) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inflight)
}

// CheckHealth fails once Shutdown has begun.
func (f *Fetcher) CheckHealth(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrShuttingDown
	}
	return nil
}

// Shutdown rejects new acquisitions, cancels running transfers and waits
// for their terminal writes or for ctx.
func (f *Fetcher) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.cancel()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ArtifactKey returns the sink key of an item: <item id>/<basename of the
// source URL path>, falling back to the item id as basename.
func ArtifactKey(item *envstore.Item) string {
	base := ""
	if u, err := url.Parse(item.SourceURL); err == nil {
		base = path.Base(u.Path)
	}
	if base == "" || base == "." || base == "/" {
		base = item.ID
	}
	return item.ID + "/" + base
}

// SizeKB converts a byte count into kilobytes, keeping the fraction.
func SizeKB(n int64) float64 {
	return float64(n) / 1024
}

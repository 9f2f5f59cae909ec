package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/3leaps/specenv/pkg/provider"
	"github.com/3leaps/specenv/pkg/provider/file"
	"github.com/3leaps/specenv/pkg/provider/s3"
)

// Source opens the bytes behind a URL. Implementations return a
// *TransportError for every failure to obtain the bytes.
type Source interface {
	Open(ctx context.Context, rawURL string) (body io.ReadCloser, contentLength int64, err error)
}

// TransportError reports a failed download: network failure, non-2xx
// response or timeout.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err is or wraps a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// HTTPSource downloads http and https URLs with a single GET. It never
// retries.
type HTTPSource struct {
	Client    *http.Client
	UserAgent string
}

func (h *HTTPSource) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, &TransportError{URL: rawURL, Err: err}
	}
	if h.UserAgent != "" {
		req.Header.Set("User-Agent", h.UserAgent)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, &TransportError{URL: rawURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, 0, &TransportError{URL: rawURL, StatusCode: resp.StatusCode, Err: statusErr(resp)}
	}
	return resp.Body, resp.ContentLength, nil
}

// statusErr maps a non-2xx response onto the provider sentinels so that
// HTTP failures classify like object store failures.
func statusErr(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%s: %w", resp.Status, provider.ErrNotFound)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: %w", resp.Status, provider.ErrAccessDenied)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", resp.Status, provider.ErrThrottled)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%s: %w", resp.Status, provider.ErrProviderUnavailable)
	}
	return errors.New(resp.Status)
}

// ErrOutsideLocalRoot rejects file URLs that do not resolve under
// URLSource.LocalRoot.
var ErrOutsideLocalRoot = fmt.Errorf("file url outside local root: %w", provider.ErrAccessDenied)

// URLSource dispatches on the URL scheme: http and https go to HTTP,
// s3://bucket/key is read through an S3 provider per bucket, and
// file:///path is read from the local filesystem below LocalRoot.
type URLSource struct {
	HTTP *HTTPSource

	// S3 is the template used to open buckets; Bucket is overridden.
	S3 s3.Config

	// LocalRoot is the only directory file URLs may read from. Empty
	// disables the file scheme.
	LocalRoot string

	mu      sync.Mutex
	buckets map[string]provider.ObjectGetter
	local   provider.ObjectGetter
}

func (u *URLSource) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, &TransportError{URL: rawURL, Err: err}
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		h := u.HTTP
		if h == nil {
			h = &HTTPSource{}
		}
		return h.Open(ctx, rawURL)
	case "s3":
		getter, err := u.bucket(ctx, parsed.Host)
		if err != nil {
			return nil, 0, &TransportError{URL: rawURL, Err: err}
		}
		return u.get(ctx, getter, rawURL, strings.TrimPrefix(parsed.Path, "/"))
	case "file":
		getter, key, err := u.localFile(parsed.Path)
		if err != nil {
			return nil, 0, &TransportError{URL: rawURL, Err: err}
		}
		return u.get(ctx, getter, rawURL, key)
	default:
		return nil, 0, &TransportError{URL: rawURL, Err: fmt.Errorf("unsupported scheme %q", parsed.Scheme)}
	}
}

func (u *URLSource) get(ctx context.Context, getter provider.ObjectGetter, rawURL, key string) (io.ReadCloser, int64, error) {
	body, n, err := getter.GetObject(ctx, key)
	if err != nil {
		return nil, 0, &TransportError{URL: rawURL, Err: err}
	}
	return body, n, nil
}

func (u *URLSource) bucket(ctx context.Context, name string) (provider.ObjectGetter, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if g, ok := u.buckets[name]; ok {
		return g, nil
	}

	cfg := u.S3
	cfg.Bucket = name
	cfg.Prefix = ""
	p, err := s3.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if u.buckets == nil {
		u.buckets = make(map[string]provider.ObjectGetter)
	}
	u.buckets[name] = p
	return p, nil
}

// localFile resolves an absolute file URL path to a key under LocalRoot.
func (u *URLSource) localFile(p string) (provider.ObjectGetter, string, error) {
	if u.LocalRoot == "" {
		return nil, "", fmt.Errorf("%w: file urls are disabled", ErrOutsideLocalRoot)
	}
	root, err := filepath.Abs(u.LocalRoot)
	if err != nil {
		return nil, "", err
	}
	rel, err := filepath.Rel(root, filepath.Clean(filepath.FromSlash(p)))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, "", fmt.Errorf("%w: %s", ErrOutsideLocalRoot, p)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.local == nil {
		fp, err := file.New(file.Config{BaseDir: root})
		if err != nil {
			return nil, "", err
		}
		u.local = fp
	}
	return u.local, filepath.ToSlash(rel), nil
}

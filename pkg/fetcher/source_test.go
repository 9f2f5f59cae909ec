package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/specenv/pkg/provider"
)

func TestHTTPSourceSendsUserAgent(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.UserAgent()
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	src := &HTTPSource{Client: srv.Client(), UserAgent: "specenv-test"}
	body, n, err := src.Open(context.Background(), srv.URL+"/x")
	require.NoError(t, err)
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "specenv-test", ua)
}

func TestHTTPSourceRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, _, err := (&HTTPSource{Client: srv.Client()}).Open(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, IsTransportError(err))

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadGateway, te.StatusCode)
}

func TestURLSourceFileScheme(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	src := &URLSource{LocalRoot: dir}
	body, n, err := src.Open(context.Background(), "file://"+path)
	require.NoError(t, err)
	defer func() { _ = body.Close() }()
	assert.Equal(t, int64(3), n)

	_, _, err = src.Open(context.Background(), "file://"+filepath.Join(dir, "missing.txt"))
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.True(t, provider.IsNotFound(err))
}

func TestURLSourceFileSchemeStaysUnderLocalRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("x"), 0o644))

	tests := []struct {
		name string
		src  *URLSource
		url  string
	}{
		{"file scheme disabled", &URLSource{}, "file://" + secret},
		{"sibling directory", &URLSource{LocalRoot: root}, "file://" + secret},
		{"dot-dot escape", &URLSource{LocalRoot: root}, "file://" + root + "/../" + filepath.Base(outside) + "/secret.txt"},
		{"root itself", &URLSource{LocalRoot: root}, "file://" + root},
		{"system file", &URLSource{LocalRoot: root}, "file:///etc/passwd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.src.Open(context.Background(), tt.url)
			require.Error(t, err)
			assert.True(t, IsTransportError(err))
			assert.ErrorIs(t, err, ErrOutsideLocalRoot)
			assert.Equal(t, provider.ReasonAccessDenied, provider.Reason(err))
		})
	}
}

func TestHTTPSourceMapsStatusToProviderErrors(t *testing.T) {
	tests := []struct {
		code   int
		want   error
		reason string
	}{
		{http.StatusNotFound, provider.ErrNotFound, provider.ReasonNotFound},
		{http.StatusForbidden, provider.ErrAccessDenied, provider.ReasonAccessDenied},
		{http.StatusTooManyRequests, provider.ErrThrottled, provider.ReasonThrottled},
		{http.StatusServiceUnavailable, provider.ErrProviderUnavailable, provider.ReasonUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			_, _, err := (&HTTPSource{Client: srv.Client()}).Open(context.Background(), srv.URL+"/bano-75.csv")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.reason, provider.Reason(err))
		})
	}

	t.Run("other statuses stay unclassified", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))
		defer srv.Close()

		_, _, err := (&HTTPSource{Client: srv.Client()}).Open(context.Background(), srv.URL)
		require.Error(t, err)
		assert.False(t, provider.IsNotFound(err))
		assert.Equal(t, provider.ReasonOther, provider.Reason(err))
	})
}

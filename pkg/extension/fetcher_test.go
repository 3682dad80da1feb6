package extension

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http/httpproxy"
)

// roundTripFunc serves requests in-process so tests can use real-looking URLs.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func respond(status int, body []byte) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader(body)),
		Header:     make(http.Header),
	}
}

func buildXPI(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		entry, err := w.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func validXPI(t *testing.T) []byte {
	return buildXPI(t, map[string]string{
		"manifest.json": `{"name":"uBlock Origin"}`,
		"js/start.js":   "void 0;",
	})
}

func staticClient(routes map[string]*http.Response) (*http.Client, *int32) {
	var calls int32
	return &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		resp, ok := routes[req.URL.String()]
		if !ok {
			return respond(http.StatusNotFound, nil), nil
		}
		return resp, nil
	})}, &calls
}

func TestFetchLatest_PersistsFirstResult(t *testing.T) {
	payload := validXPI(t)
	client, _ := staticClient(map[string]*http.Response{
		DefaultRegistryURL: respond(http.StatusOK, []byte(`{"results":[{"file":{"url":"https://x/y.xpi"}},{"file":{"url":"https://x/old.xpi"}}]}`)),
		"https://x/y.xpi":  respond(http.StatusOK, payload),
	})
	dir := t.TempDir()

	artifact, err := NewFetcher(WithHTTPClient(client)).FetchLatest(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, DefaultFileName), artifact.Path)
	assert.Equal(t, "https://x/y.xpi", artifact.SourceURL)
	assert.Equal(t, int64(len(payload)), artifact.Size)

	written, err := os.ReadFile(artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, written)

	_, err = os.Stat(artifact.Path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not remain")
}

type recordingLogger struct {
	mu    sync.Mutex
	warns []string
}

func (r *recordingLogger) Infof(format string, v ...interface{}) {}

func (r *recordingLogger) Warnf(format string, v ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warns = append(r.warns, fmt.Sprintf(format, v...))
}

func TestFetchLatest_PersistsOpaquePayload(t *testing.T) {
	tests := []struct {
		name        string
		payload     []byte
		expectWarns string
	}{
		{name: "plain bytes", payload: []byte("xpi-bytes"), expectWarns: "not a zip archive"},
		{name: "zip without manifest", payload: buildXPI(t, map[string]string{"readme.txt": "hi"}), expectWarns: "no manifest.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := staticClient(map[string]*http.Response{
				DefaultRegistryURL: respond(http.StatusOK, []byte(`{"results":[{"file":{"url":"https://x/y.xpi"}}]}`)),
				"https://x/y.xpi":  respond(http.StatusOK, tt.payload),
			})
			logger := &recordingLogger{}
			dir := t.TempDir()

			artifact, err := NewFetcher(WithHTTPClient(client), WithLogger(logger)).FetchLatest(context.Background(), dir)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, DefaultFileName), artifact.Path)

			written, err := os.ReadFile(artifact.Path)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, written)

			require.Len(t, logger.warns, 1)
			assert.Contains(t, logger.warns[0], tt.expectWarns)
		})
	}
}

func TestFetchLatest_ValidPackageLogsNoWarning(t *testing.T) {
	client, _ := staticClient(map[string]*http.Response{
		DefaultRegistryURL: respond(http.StatusOK, []byte(`{"results":[{"file":{"url":"https://x/y.xpi"}}]}`)),
		"https://x/y.xpi":  respond(http.StatusOK, validXPI(t)),
	})
	logger := &recordingLogger{}

	_, err := NewFetcher(WithHTTPClient(client), WithLogger(logger)).FetchLatest(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, logger.warns)
}

func TestFetchLatest_EmptyResultsIsNotFound(t *testing.T) {
	client, calls := staticClient(map[string]*http.Response{
		DefaultRegistryURL: respond(http.StatusOK, []byte(`{"results":[]}`)),
	})
	dir := t.TempDir()

	artifact, err := NewFetcher(WithHTTPClient(client)).FetchLatest(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, artifact)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls), "no download may be attempted")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing may be written")
}

func TestFetchLatest_Errors(t *testing.T) {
	payload := validXPI(t)
	sum := sha256.Sum256(payload)

	tests := []struct {
		name      string
		routes    map[string]*http.Response
		expectErr error
	}{
		{
			name: "registry unavailable",
			routes: map[string]*http.Response{
				DefaultRegistryURL: respond(http.StatusServiceUnavailable, nil),
			},
			expectErr: ErrNetwork,
		},
		{
			name: "registry returns html",
			routes: map[string]*http.Response{
				DefaultRegistryURL: respond(http.StatusOK, []byte("<html>maintenance</html>")),
			},
			expectErr: ErrParse,
		},
		{
			name: "results missing",
			routes: map[string]*http.Response{
				DefaultRegistryURL: respond(http.StatusOK, []byte(`{"count":0}`)),
			},
			expectErr: ErrParse,
		},
		{
			name: "result without url",
			routes: map[string]*http.Response{
				DefaultRegistryURL: respond(http.StatusOK, []byte(`{"results":[{"file":{}}]}`)),
			},
			expectErr: ErrParse,
		},
		{
			name: "download fails",
			routes: map[string]*http.Response{
				DefaultRegistryURL: respond(http.StatusOK, []byte(`{"results":[{"file":{"url":"https://x/y.xpi"}}]}`)),
			},
			expectErr: ErrNetwork,
		},
		{
			name: "hash mismatch",
			routes: map[string]*http.Response{
				DefaultRegistryURL: respond(http.StatusOK, []byte(`{"results":[{"file":{"url":"https://x/y.xpi","hash":"sha256:`+hex.EncodeToString(sum[:])+`00"}}]}`)),
				"https://x/y.xpi":  respond(http.StatusOK, payload),
			},
			expectErr: ErrIntegrity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := staticClient(tt.routes)
			dir := t.TempDir()

			_, err := NewFetcher(WithHTTPClient(client)).FetchLatest(context.Background(), dir)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.expectErr)

			entries, readErr := os.ReadDir(dir)
			require.NoError(t, readErr)
			assert.Empty(t, entries)
		})
	}
}

func TestFetchLatest_VerifiesMatchingHash(t *testing.T) {
	payload := validXPI(t)
	sum := sha256.Sum256(payload)
	listing := `{"results":[{"file":{"url":"https://x/y.xpi","hash":"sha256:` + hex.EncodeToString(sum[:]) + `"}}]}`
	client, _ := staticClient(map[string]*http.Response{
		DefaultRegistryURL: respond(http.StatusOK, []byte(listing)),
		"https://x/y.xpi":  respond(http.StatusOK, payload),
	})

	artifact, err := NewFetcher(WithHTTPClient(client), WithFileName("blocker.xpi")).
		FetchLatest(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "blocker.xpi", filepath.Base(artifact.Path))
	assert.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), artifact.Hash)
}

func TestFetchLatest_AgainstHTTPServer(t *testing.T) {
	payload := validXPI(t)
	var userAgent atomic.Value

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/versions/", func(w http.ResponseWriter, r *http.Request) {
		userAgent.Store(r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"results":[{"file":{"url":"`+server.URL+`/files/ublock.xpi"}}]}`)
	})
	mux.HandleFunc("/files/ublock.xpi", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	})

	fetcher := NewFetcher(
		WithRegistryURL(server.URL+"/versions/"),
		WithHTTPClient(server.Client()),
		WithUserAgent("scratchfox-test"),
	)
	artifact, err := fetcher.FetchLatest(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/files/ublock.xpi", artifact.SourceURL)
	assert.Equal(t, "scratchfox-test", userAgent.Load())
}

func TestFetchLatest_CanceledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach the server")
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewFetcher(WithRegistryURL(server.URL), WithHTTPClient(server.Client())).
		FetchLatest(ctx, t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestProxyTransport(t *testing.T) {
	transport := proxyTransport(&httpproxy.Config{
		HTTPSProxy: "http://proxy.internal:3128",
		NoProxy:    "localhost",
	})

	req := httptest.NewRequest(http.MethodGet, DefaultRegistryURL, nil)
	proxyURL, err := transport.Proxy(req)
	require.NoError(t, err)
	require.NotNil(t, proxyURL)
	assert.Equal(t, "proxy.internal:3128", proxyURL.Host)

	local := httptest.NewRequest(http.MethodGet, "https://localhost/versions/", nil)
	proxyURL, err = transport.Proxy(local)
	require.NoError(t, err)
	assert.Nil(t, proxyURL)
}

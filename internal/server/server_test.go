package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/sccgate/internal/connectivity"
	"github.com/tonimelisma/sccgate/internal/destination"
	"github.com/tonimelisma/sccgate/internal/gateway"
	"github.com/tonimelisma/sccgate/internal/ledger"
	"github.com/tonimelisma/sccgate/internal/mirror"
	"github.com/tonimelisma/sccgate/internal/oauth"
	"github.com/tonimelisma/sccgate/internal/vcap"
	"github.com/tonimelisma/sccgate/testutil"
)

type testLogWriter struct{ t *testing.T }

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type fixture struct {
	backend *testutil.ContentsBackend
	store   *ledger.Ledger
	srv     *Server
	http    *httptest.Server
	workDir string
}

func newFixture(t *testing.T, files map[string][]byte, opts Options, withLedger bool) *fixture {
	t.Helper()

	logger := testLogger(t)
	backend := testutil.NewContentsBackend(files)
	p := testutil.NewPlatform(t, backend)

	gw := gateway.New(gateway.Deps{
		Credentials:  vcap.New(p.Lookup()),
		Tokens:       oauth.NewExchanger(nil, logger),
		Destinations: destination.NewResolver(nil, logger),
		Tunnels: gateway.ConnectivityTunnels(connectivity.Options{
			ConnectTimeout:        5 * time.Second,
			RequestTimeout:        5 * time.Second,
			ResponseHeaderTimeout: 5 * time.Second,
		}, logger),
		Logger: logger,
	})

	f := &fixture{backend: backend}

	var (
		store    RunStore
		recorder mirror.Recorder
	)

	if withLedger {
		l, err := ledger.Open(t.Context(), filepath.Join(t.TempDir(), "runs.db"), logger)
		require.NoError(t, err)
		t.Cleanup(func() { l.Close() })

		f.store, store, recorder = l, l, l
	}

	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}

	f.workDir = opts.WorkDir

	m := mirror.New(gw, mirror.Options{Recorder: recorder}, logger)
	f.srv = New(gw, m, store, opts, logger)
	f.http = httptest.NewServer(f.srv.Handler())
	t.Cleanup(f.http.Close)

	// Let background transfers finish before TempDir cleanup.
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.srv.drain(ctx)
	})

	return f
}

func (f *fixture) get(t *testing.T, path string) (int, []byte) {
	t.Helper()

	resp, err := http.Get(f.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, body
}

var treeFiles = map[string][]byte{
	"a.txt":     []byte("hello, world\n"),
	"sub/b.bin": []byte(strings.Repeat("x", 2<<20)),
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil, Options{}, false)

	status, body := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", string(body))
}

func TestGetData(t *testing.T) {
	payload := []byte{0x00, 0xff, 'a', '\n', 0x80}
	f := newFixture(t, map[string][]byte{"blob.bin": payload}, Options{}, false)

	status, body := f.get(t, "/getData?destination=onprem&path=/raw/blob.bin")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, payload, body)
}

func TestGetData_ContentType(t *testing.T) {
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/odata":
			w.Header().Set("Content-Type", "application/atom+xml; charset=utf-8")
			_, _ = io.WriteString(w, "plain looking text")
		default:
			// No Content-Type at all, not even the server's sniffed one.
			w.Header()["Content-Type"] = nil
			_, _ = io.WriteString(w, "<html><body>hi</body></html>")
		}
	})

	p := testutil.NewPlatform(t, backend)
	logger := testLogger(t)

	gw := gateway.New(gateway.Deps{
		Credentials:  vcap.New(p.Lookup()),
		Tokens:       oauth.NewExchanger(nil, logger),
		Destinations: destination.NewResolver(nil, logger),
		Tunnels:      gateway.ConnectivityTunnels(connectivity.Options{ResponseHeaderTimeout: 5 * time.Second}, logger),
		Logger:       logger,
	})

	ts := httptest.NewServer(New(gw, mirror.New(gw, mirror.Options{}, logger), nil, Options{WorkDir: t.TempDir()}, logger).Handler())
	t.Cleanup(ts.Close)

	contentType := func(path string) string {
		resp, err := http.Get(ts.URL + "/getData?destination=onprem&path=" + path)
		require.NoError(t, err)
		defer resp.Body.Close()

		_, _ = io.Copy(io.Discard, resp.Body)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		return resp.Header.Get("Content-Type")
	}

	assert.Equal(t, "application/atom+xml; charset=utf-8", contentType("/odata"), "upstream type is passed through")
	assert.Equal(t, "text/html; charset=utf-8", contentType("/page"), "sniffed when upstream sends none")
}

func TestGetData_Errors(t *testing.T) {
	f := newFixture(t, treeFiles, Options{}, false)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"missing destination", "/getData?path=/raw/a.txt", http.StatusBadRequest},
		{"missing path", "/getData?destination=onprem", http.StatusBadRequest},
		{"unknown destination", "/getData?destination=nope&path=/raw/a.txt", http.StatusNotFound},
		{"upstream not found", "/getData?destination=onprem&path=/raw/missing", http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := f.get(t, tt.query)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestDownloadDir_MissingParameters(t *testing.T) {
	f := newFixture(t, treeFiles, Options{}, false)

	for _, q := range []string{"/downloadDir", "/downloadDir?destination=onprem", "/downloadDir?path=/contents"} {
		status, body := f.get(t, q)
		assert.Equal(t, http.StatusBadRequest, status, q)
		assert.Equal(t, msgMissingParameters, strings.TrimSpace(string(body)))
	}

	assert.Zero(t, f.backend.Hits("/contents"))
}

func TestDownloadDir_WithLedger(t *testing.T) {
	f := newFixture(t, treeFiles, Options{RunSubdirs: true}, true)

	status, body := f.get(t, "/downloadDir?destination=onprem&path=/contents")
	require.Equal(t, http.StatusOK, status, string(body))

	var resp DownloadResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotEmpty(t, resp.RunID)
	assert.Equal(t, filepath.Join(f.workDir, resp.RunID), resp.LocalRoot)

	assert.Contains(t, resp.Entries, Entry{Path: "a.txt", Type: mirror.TypeFile, Size: 13})
	assert.Contains(t, resp.Entries, Entry{Path: "sub", Type: mirror.TypeDir})

	var st StatusResponse

	require.Eventually(t, func() bool {
		status, body := f.get(t, "/downloadDir/status?run="+resp.RunID)
		if status != http.StatusOK {
			return false
		}

		st = StatusResponse{}
		if err := json.Unmarshal(body, &st); err != nil {
			return false
		}

		return st.Run.Status == mirror.StatusCompleted
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, 2, st.Run.Files)
	assert.Zero(t, st.Run.Failed)

	got, err := os.ReadFile(filepath.Join(resp.LocalRoot, "sub", "b.bin"))
	require.NoError(t, err)
	assert.Len(t, got, 2<<20)

	rec, err := f.store.Run(t.Context(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, mirror.StatusCompleted, rec.Status)
	assert.Equal(t, "onprem", rec.Destination)
}

func TestDownloadDir_InMemoryStatus(t *testing.T) {
	f := newFixture(t, treeFiles, Options{}, false)

	status, body := f.get(t, "/downloadDir?destination=onprem&path=/contents")
	require.Equal(t, http.StatusOK, status, string(body))

	var resp DownloadResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, f.workDir, resp.LocalRoot)

	require.Eventually(t, func() bool {
		status, body := f.get(t, "/downloadDir/status?run="+resp.RunID)
		if status != http.StatusOK {
			return false
		}

		var st StatusResponse
		if err := json.Unmarshal(body, &st); err != nil {
			return false
		}

		return st.Run.Status == mirror.StatusCompleted && st.Run.Files == 2
	}, 10*time.Second, 20*time.Millisecond)
}

func TestDownloadDir_SecondRunConflicts(t *testing.T) {
	f := newFixture(t, map[string][]byte{"a.txt": []byte("a")}, Options{}, false)

	status, _ := f.get(t, "/downloadDir?destination=onprem&path=/contents")
	require.Equal(t, http.StatusOK, status)

	status, body := f.get(t, "/downloadDir?destination=onprem&path=/contents")
	assert.Equal(t, http.StatusConflict, status, string(body))
}

func TestDownloadDir_GatewayFailure(t *testing.T) {
	f := newFixture(t, treeFiles, Options{}, true)

	status, _ := f.get(t, "/downloadDir?destination=nope&path=/contents")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.get(t, "/downloadDir?destination=onprem&path=/contents/missing")
	assert.Equal(t, http.StatusBadGateway, status)
}

func TestStatus_Errors(t *testing.T) {
	f := newFixture(t, nil, Options{}, true)

	status, _ := f.get(t, "/downloadDir/status")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.get(t, "/downloadDir/status?run=unknown")
	assert.Equal(t, http.StatusNotFound, status)

	g := newFixture(t, nil, Options{}, false)
	status, _ = g.get(t, "/downloadDir/status?run=unknown")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, nil, Options{RateLimit: 0.001, RateBurst: 1}, false)

	status, _ := f.get(t, "/getData")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := f.get(t, "/getData")
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Contains(t, string(body), "Rate limit exceeded")

	status, _ = f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, status, "health checks are not limited")
}

func TestRateLimiter_PerClient(t *testing.T) {
	rl := newRateLimiter(0.001, 1)

	assert.True(t, rl.allow("10.0.0.1"))
	assert.False(t, rl.allow("10.0.0.1"))
	assert.True(t, rl.allow("10.0.0.2"))
}

func TestRateLimiter_PrunesIdleVisitors(t *testing.T) {
	rl := newRateLimiter(1, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.nowFunc = func() time.Time { return now }

	for i := range visitorPruneLen {
		rl.allow(net.IPv4(10, 0, byte(i>>8), byte(i)).String())
	}

	now = now.Add(visitorIdle + time.Second)
	rl.allow("192.0.2.1")

	assert.Len(t, rl.visitors, 1)
}

func TestServe_ShutdownOnCancel(t *testing.T) {
	f := newFixture(t, nil, Options{ShutdownTimeout: time.Second}, false)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)

	go func() { done <- f.srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()

		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

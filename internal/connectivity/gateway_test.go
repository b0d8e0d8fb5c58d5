package connectivity

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/sccgate/internal/destination"
	"github.com/tonimelisma/sccgate/internal/oauth"
	"github.com/tonimelisma/sccgate/testutil"
)

func newTestGateway(t *testing.T, p *testutil.Platform) *Gateway {
	t.Helper()

	u, err := url.Parse(p.Proxy.URL)
	require.NoError(t, err)

	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)

	return NewGateway(Options{
		ProxyHost:             host,
		ProxyPort:             port,
		ConnectTimeout:        5 * time.Second,
		RequestTimeout:        5 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
	}, nil)
}

func onprem() *destination.Destination {
	return &destination.Destination{
		Name:                     "onprem",
		URL:                      "http://" + testutil.BackendHost,
		User:                     "svc",
		Password:                 "svc-password",
		CloudConnectorLocationID: testutil.LocationID,
	}
}

func tunnelToken() *oauth.Token {
	return &oauth.Token{Value: testutil.TokenFor(testutil.ConnectivityClientID), Service: "connectivity"}
}

func TestFetch_ByteExact(t *testing.T) {
	payload := []byte{0x00, 0xff, 'h', 'i', '\r', '\n', 0x7f}

	p := testutil.NewPlatform(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/data", r.URL.Path)
		assert.Equal(t, "a=1", r.URL.RawQuery)
		_, _ = w.Write(payload)
	}))

	body, err := newTestGateway(t, p).Fetch(t.Context(), Request{
		Destination: onprem(),
		Token:       tunnelToken(),
		Path:        "/api/data?a=1",
	})
	require.NoError(t, err)
	assert.Equal(t, payload, body)
}

func TestFetch_SendsTunnelHeadersAndBasicAuth(t *testing.T) {
	p := testutil.NewPlatform(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))

	_, err := newTestGateway(t, p).Fetch(t.Context(), Request{
		Destination: onprem(),
		Token:       tunnelToken(),
		Path:        "/x",
	})
	require.NoError(t, err)

	seen := p.Seen()
	require.Len(t, seen, 1)
	assert.Equal(t, testutil.LocationID, seen[0].LocationID)
	assert.Equal(t, "svc", seen[0].User)
	assert.Equal(t, "svc-password", seen[0].Password)
	assert.Equal(t, DefaultAccept, seen[0].Accept)
}

func TestFetch_NoAuthDestinationOmitsBasicAuth(t *testing.T) {
	p := testutil.NewPlatform(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, ok := r.BasicAuth()
		assert.False(t, ok)
		assert.Empty(t, r.Header.Get(headerLocationID))
		_, _ = io.WriteString(w, "ok")
	}))

	d := &destination.Destination{Name: "open", URL: "http://" + testutil.BackendHost}

	_, err := newTestGateway(t, p).Fetch(t.Context(), Request{
		Destination: d,
		Token:       tunnelToken(),
		Path:        "/",
		Accept:      "application/json",
	})
	require.NoError(t, err)
	assert.Equal(t, "application/json", p.Seen()[0].Accept)
}

func TestFetch_UpstreamStatus(t *testing.T) {
	p := testutil.NewPlatform(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such file", http.StatusNotFound)
	}))

	_, err := newTestGateway(t, p).Fetch(t.Context(), Request{
		Destination: onprem(),
		Token:       tunnelToken(),
		Path:        "/missing",
	})
	require.ErrorIs(t, err, ErrUpstreamStatus)

	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusNotFound, ue.StatusCode)
	assert.Equal(t, "no such file", ue.Message)
}

func TestFetch_WrongTunnelTokenIsProxyAuthError(t *testing.T) {
	p := testutil.NewPlatform(t, http.NotFoundHandler())

	_, err := newTestGateway(t, p).Fetch(t.Context(), Request{
		Destination: onprem(),
		Token:       &oauth.Token{Value: "stale"},
		Path:        "/",
	})

	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusProxyAuthRequired, ue.StatusCode)
}

func TestFetch_ProxyUnreachable(t *testing.T) {
	p := testutil.NewPlatform(t, http.NotFoundHandler())
	g := newTestGateway(t, p)
	p.Proxy.Close()

	_, err := g.Fetch(t.Context(), Request{Destination: onprem(), Token: tunnelToken(), Path: "/"})
	require.ErrorIs(t, err, ErrUpstreamUnreachable)
}

func TestFetch_RequestTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	p := testutil.NewPlatform(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))

	g := newTestGateway(t, p)
	g.opts.RequestTimeout = 50 * time.Millisecond

	_, err := g.Fetch(t.Context(), Request{Destination: onprem(), Token: tunnelToken(), Path: "/slow"})
	require.ErrorIs(t, err, ErrUpstreamUnreachable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetch_RequiresDestinationAndToken(t *testing.T) {
	g := NewGateway(Options{ProxyHost: "127.0.0.1", ProxyPort: "1"}, nil)

	_, err := g.Fetch(t.Context(), Request{Path: "/"})
	require.Error(t, err)
}

func TestStream_CopiesInChunks(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 4096)

	p := testutil.NewPlatform(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))

	s, err := newTestGateway(t, p).Stream(t.Context(), Request{
		Destination: onprem(),
		Token:       tunnelToken(),
		Path:        "/big.bin",
	})
	require.NoError(t, err)
	defer s.Close()

	rec := &chunkRecorder{}
	n, err := s.CopyChunks(rec, 1024)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, rec.buf.Bytes())
	assert.LessOrEqual(t, rec.maxWrite, 1024)
}

func TestStream_UpstreamStatus(t *testing.T) {
	p := testutil.NewPlatform(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))

	_, err := newTestGateway(t, p).Stream(t.Context(), Request{Destination: onprem(), Token: tunnelToken(), Path: "/"})
	require.ErrorIs(t, err, ErrUpstreamStatus)
}

func TestStream_Wrap(t *testing.T) {
	p := testutil.NewPlatform(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "abc")
	}))

	s, err := newTestGateway(t, p).Stream(t.Context(), Request{Destination: onprem(), Token: tunnelToken(), Path: "/"})
	require.NoError(t, err)
	defer s.Close()

	wrapped := false
	s.Wrap(func(r io.Reader) io.Reader {
		wrapped = true
		return r
	})

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.True(t, wrapped)
	assert.Equal(t, "abc", string(got))
}

func TestStream_IdleTimeoutAbortsStalledBody(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	p := testutil.NewPlatform(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "partial")
		w.(http.Flusher).Flush()

		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))

	g := newTestGateway(t, p)
	g.opts.StreamIdleTimeout = 100 * time.Millisecond

	s, err := g.Stream(t.Context(), Request{Destination: onprem(), Token: tunnelToken(), Path: "/stall.bin"})
	require.NoError(t, err)
	defer s.Close()

	var dst bytes.Buffer

	done := make(chan error, 1)
	go func() {
		_, err := s.CopyChunks(&dst, 1024)
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrStreamIdle)
		assert.ErrorIs(t, err, ErrUpstreamUnreachable)
	case <-time.After(5 * time.Second):
		t.Fatal("stalled stream was not aborted")
	}

	assert.Equal(t, "partial", dst.String())
}

func TestStream_IdleTimeoutIgnoresSlowConsumer(t *testing.T) {
	p := testutil.NewPlatform(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("z", 4096))
	}))

	g := newTestGateway(t, p)
	g.opts.StreamIdleTimeout = 50 * time.Millisecond

	s, err := g.Stream(t.Context(), Request{Destination: onprem(), Token: tunnelToken(), Path: "/"})
	require.NoError(t, err)
	defer s.Close()

	buf := make([]byte, 1024)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)

	rest, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Len(t, rest, 3072)
}

// chunkRecorder records the largest single write it received.
type chunkRecorder struct {
	buf      bytes.Buffer
	maxWrite int
}

func (c *chunkRecorder) Write(p []byte) (int, error) {
	c.maxWrite = max(c.maxWrite, len(p))
	return c.buf.Write(p)
}

// countingReader records the size of every Read buffer it is handed.
type countingReader struct {
	r     io.Reader
	sizes map[int]bool
}

func (c *countingReader) Read(p []byte) (int, error) {
	c.sizes[len(p)] = true
	return c.r.Read(p)
}

func TestCopyChunks_SingleFixedBuffer(t *testing.T) {
	src := &countingReader{r: strings.NewReader(strings.Repeat("x", 10_000)), sizes: map[int]bool{}}

	var dst bytes.Buffer
	n, err := CopyChunks(&dst, src, 1024)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), n)
	assert.Equal(t, map[int]bool{1024: true}, src.sizes, "every read uses the same chunk-sized buffer")
}

func TestCopyChunks_RejectsBadChunkSize(t *testing.T) {
	_, err := CopyChunks(io.Discard, strings.NewReader("x"), 0)
	require.Error(t, err)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestCopyChunks_WriteError(t *testing.T) {
	_, err := CopyChunks(failingWriter{}, strings.NewReader("data"), 16)
	require.EqualError(t, err, "disk full")
}

func TestConnectHeader(t *testing.T) {
	ctx := context.WithValue(t.Context(), tunnelAuthKey{}, tunnelAuth{bearer: "Bearer t", locationID: "loc"})

	h, err := connectHeader(ctx, nil, "onprem.internal:443")
	require.NoError(t, err)
	assert.Equal(t, "Bearer t", h.Get(headerProxyAuthorization))
	assert.Equal(t, "loc", h.Get(headerLocationID))

	h, err = connectHeader(t.Context(), nil, "x:443")
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestNoProxyBypassesTunnel(t *testing.T) {
	g := NewGateway(Options{ProxyHost: "proxy", ProxyPort: "20003", NoProxy: "direct.internal"}, nil)

	assert.False(t, g.proxied(&url.URL{Scheme: "http", Host: "direct.internal"}))
	assert.True(t, g.proxied(&url.URL{Scheme: "http", Host: testutil.BackendHost}))
	assert.True(t, g.proxied(&url.URL{Scheme: "https", Host: testutil.BackendHost}))
}

package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// testLogWriter routes slog output through t.Log.
type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// newIssuer serves the client-credentials endpoint and counts calls.
func newIssuer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/oauth/token", r.URL.Path)
		assert.Equal(t, "client_credentials", r.URL.Query().Get("grant_type"))

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok, "credentials must be sent as basic auth")
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)

	return srv, &calls
}

func creds(url string) Credentials {
	return Credentials{IssuerURL: url, ClientID: "client-id", ClientSecret: "client-secret"}
}

func TestExchange_Success(t *testing.T) {
	srv, _ := newIssuer(t, http.StatusOK, `{"access_token":"tok-123","token_type":"bearer","expires_in":3600}`)

	e := NewExchanger(srv.Client(), testLogger(t))

	tok, err := e.Exchange(t.Context(), "destination", creds(srv.URL+"/"))
	require.NoError(t, err)
	assert.Equal(t, "tok-123", tok.Value)
	assert.Equal(t, "destination", tok.Service)
	assert.False(t, tok.Expiry.IsZero())
}

func TestExchange_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"invalid_client"}`},
		{"server error", http.StatusInternalServerError, `boom`},
		{"missing access_token", http.StatusOK, `{"token_type":"bearer"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls := newIssuer(t, tt.status, tt.body)

			_, err := NewExchanger(srv.Client(), testLogger(t)).Exchange(t.Context(), "connectivity", creds(srv.URL))
			require.ErrorIs(t, err, ErrTokenExchange)
			assert.Contains(t, err.Error(), "connectivity")
			assert.Equal(t, int32(1), calls.Load(), "no retries")
		})
	}
}

func TestExchange_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewExchanger(nil, testLogger(t)).Exchange(t.Context(), "destination", creds(url))
	require.ErrorIs(t, err, ErrTokenExchange)
}

func TestExchange_MissingIssuer(t *testing.T) {
	_, err := NewExchanger(nil, nil).Exchange(t.Context(), "destination", Credentials{ClientID: "x"})
	require.ErrorIs(t, err, ErrTokenExchange)
}

func TestExchange_CanceledContext(t *testing.T) {
	srv, _ := newIssuer(t, http.StatusOK, `{"access_token":"t"}`)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := NewExchanger(srv.Client(), testLogger(t)).Exchange(ctx, "destination", creds(srv.URL))
	require.ErrorIs(t, err, ErrTokenExchange)
}

func TestExchange_NoCacheByDefault(t *testing.T) {
	srv, calls := newIssuer(t, http.StatusOK, `{"access_token":"t","expires_in":3600}`)
	e := NewExchanger(srv.Client(), testLogger(t))

	for range 3 {
		_, err := e.Exchange(t.Context(), "destination", creds(srv.URL))
		require.NoError(t, err)
	}

	assert.Equal(t, int32(3), calls.Load())
}

func TestExchange_CacheReusesUntilSkew(t *testing.T) {
	srv, calls := newIssuer(t, http.StatusOK, `{"access_token":"t","expires_in":3600}`)
	e := NewExchanger(srv.Client(), testLogger(t), WithCache(time.Minute))

	first, err := e.Exchange(t.Context(), "destination", creds(srv.URL))
	require.NoError(t, err)

	second, err := e.Exchange(t.Context(), "destination", creds(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, first.Value, second.Value)
	assert.Equal(t, int32(1), calls.Load())

	e.nowFunc = func() time.Time { return time.Now().Add(time.Hour) }

	_, err = e.Exchange(t.Context(), "destination", creds(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "expired entry refetched")
}

func TestToken_Redacted(t *testing.T) {
	tok := &Token{Value: "secret-value", Service: "destination"}

	assert.NotContains(t, tok.String(), "secret-value")
	assert.NotContains(t, fmt.Sprint(tok), "secret-value")
	assert.NotContains(t, tok.LogValue().String(), "secret-value")
}

// Package oauth obtains bearer tokens from the platform identity service
// using the OAuth2 client-credentials grant.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenPath is appended to the identity service URL.
const tokenPath = "/oauth/token?grant_type=client_credentials"

// ErrTokenExchange is returned for any failure to obtain a token:
// transport error, non-2xx status, or a response without access_token.
var ErrTokenExchange = errors.New("oauth: token exchange failed")

// Credentials identifies the client for one exchange.
type Credentials struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
}

// Token is an opaque bearer token scoped to one service.
type Token struct {
	Value   string
	Service string
	Expiry  time.Time
}

// String never exposes the token value.
func (t *Token) String() string {
	return fmt.Sprintf("Token{service=%s, value=--protected--}", t.Service)
}

// LogValue implements slog.LogValuer.
func (t *Token) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("service", t.Service),
		slog.Time("expiry", t.Expiry),
	)
}

// Option configures an Exchanger.
type Option func(*Exchanger)

// WithCache enables an in-memory token cache. Cached tokens are reused
// until skew before their expiry. Tokens without an expiry are not cached.
func WithCache(skew time.Duration) Option {
	return func(e *Exchanger) {
		e.cache = make(map[cacheKey]*Token)
		e.skew = skew
	}
}

type cacheKey struct {
	issuer   string
	clientID string
}

// Exchanger performs client-credentials exchanges.
type Exchanger struct {
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[cacheKey]*Token
	skew  time.Duration

	// nowFunc is overridden in tests.
	nowFunc func() time.Time
}

// NewExchanger creates an Exchanger. httpClient carries transport timeouts;
// nil falls back to http.DefaultClient.
func NewExchanger(httpClient *http.Client, logger *slog.Logger, opts ...Option) *Exchanger {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	e := &Exchanger{
		httpClient: httpClient,
		logger:     logger,
		nowFunc:    time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Exchange obtains a token for service. Client credentials are sent with
// HTTP Basic auth. No retries are attempted.
func (e *Exchanger) Exchange(ctx context.Context, service string, creds Credentials) (*Token, error) {
	key := cacheKey{issuer: creds.IssuerURL, clientID: creds.ClientID}
	if tok := e.cached(key); tok != nil {
		e.logger.Debug("token cache hit", slog.String("service", service))
		return &Token{Value: tok.Value, Service: service, Expiry: tok.Expiry}, nil
	}

	if creds.IssuerURL == "" || creds.ClientID == "" {
		return nil, fmt.Errorf("%w: %s: missing issuer url or client id", ErrTokenExchange, service)
	}

	cfg := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     strings.TrimRight(creds.IssuerURL, "/") + tokenPath,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)

	e.logger.Debug("exchanging client credentials",
		slog.String("service", service),
		slog.String("client_id", creds.ClientID),
	)

	raw, err := cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTokenExchange, service, describe(err))
	}

	if raw.AccessToken == "" {
		return nil, fmt.Errorf("%w: %s: response has no access_token", ErrTokenExchange, service)
	}

	tok := &Token{Value: raw.AccessToken, Service: service, Expiry: raw.Expiry}
	e.store(key, tok)

	e.logger.Debug("token obtained", slog.Any("token", tok))

	return tok, nil
}

// describe trims oauth2's RetrieveError down to status and body; its
// default message repeats the token URL.
func describe(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		body := strings.TrimSpace(string(re.Body))
		if len(body) > 200 {
			body = body[:200]
		}

		return fmt.Errorf("HTTP %d: %s", re.Response.StatusCode, body)
	}

	return err
}

func (e *Exchanger) cached(key cacheKey) *Token {
	if e.cache == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tok, ok := e.cache[key]
	if !ok {
		return nil
	}

	if !e.nowFunc().Add(e.skew).Before(tok.Expiry) {
		delete(e.cache, key)
		return nil
	}

	return tok
}

func (e *Exchanger) store(key cacheKey, tok *Token) {
	if e.cache == nil || tok.Expiry.IsZero() {
		return
	}

	e.mu.Lock()
	e.cache[key] = tok
	e.mu.Unlock()
}

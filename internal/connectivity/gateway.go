package connectivity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpproxy"

	"github.com/tonimelisma/sccgate/internal/destination"
	"github.com/tonimelisma/sccgate/internal/oauth"
)

// DefaultAccept is sent when a request does not name a content type.
const DefaultAccept = "text/html,application/xhtml+xml,application/xml;q=0.9," +
	"image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3"

// Tunnel headers.
const (
	headerProxyAuthorization = "Proxy-Authorization"
	headerLocationID         = "SAP-Connectivity-SCC-Location_ID"
)

const (
	defaultUserAgent = "sccgate/0.1"
	maxErrorBodyLen  = 512
)

// Options configures the tunnel transport.
type Options struct {
	ProxyHost string
	ProxyPort string
	// NoProxy lists hosts reached directly, in NO_PROXY syntax.
	NoProxy string

	ConnectTimeout        time.Duration
	RequestTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	UserAgent             string

	// StreamIdleTimeout bounds each body read of a Stream. Zero disables it.
	StreamIdleTimeout time.Duration
}

// Request is one proxied GET.
type Request struct {
	Destination *destination.Destination
	// Token is the connectivity-scoped bearer token.
	Token *oauth.Token
	// Path is appended verbatim to Destination.URL.
	Path   string
	Accept string
}

// tunnelAuth carries per-request tunnel credentials to the CONNECT hook.
type tunnelAuth struct {
	bearer     string
	locationID string
}

type tunnelAuthKey struct{}

// Gateway issues GETs through the tunnel proxy. It is safe for concurrent
// use; every request carries its own tunnel credentials.
type Gateway struct {
	opts       Options
	proxyFunc  func(*url.URL) (*url.URL, error)
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGateway builds a Gateway whose transport routes http and https
// targets through ProxyHost:ProxyPort.
func NewGateway(opts Options, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}

	proxyURL := "http://" + net.JoinHostPort(opts.ProxyHost, opts.ProxyPort)
	proxyCfg := httpproxy.Config{
		HTTPProxy:  proxyURL,
		HTTPSProxy: proxyURL,
		NoProxy:    opts.NoProxy,
	}

	g := &Gateway{
		opts:      opts,
		proxyFunc: proxyCfg.ProxyFunc(),
		logger:    logger,
	}

	transport := &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			return g.proxyFunc(req.URL)
		},
		GetProxyConnectHeader: connectHeader,
		DialContext: (&net.Dialer{
			Timeout: opts.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		// Tunnel credentials are per request; a pooled CONNECT would
		// outlive the token that opened it.
		DisableKeepAlives: true,
	}

	g.httpClient = &http.Client{Transport: transport}

	return g
}

// connectHeader supplies tunnel credentials on CONNECT for https targets.
func connectHeader(ctx context.Context, _ *url.URL, _ string) (http.Header, error) {
	auth, ok := ctx.Value(tunnelAuthKey{}).(tunnelAuth)
	if !ok {
		return nil, nil
	}

	h := http.Header{}
	h.Set(headerProxyAuthorization, auth.bearer)

	if auth.locationID != "" {
		h.Set(headerLocationID, auth.locationID)
	}

	return h, nil
}

// Fetch performs a buffered GET and returns the complete body, byte-exact.
// RequestTimeout bounds the whole exchange.
func (g *Gateway) Fetch(ctx context.Context, r Request) ([]byte, error) {
	if g.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.RequestTimeout)
		defer cancel()
	}

	resp, err := g.do(ctx, r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrUpstreamUnreachable, err)
	}

	g.logger.Debug("proxied fetch complete",
		slog.String("destination", r.Destination.Name),
		slog.String("path", r.Path),
		slog.Int("bytes", len(body)),
	)

	return body, nil
}

// Stream performs a GET and hands back the open body. The caller must
// Close the returned Stream. ResponseHeaderTimeout bounds the wait for
// headers; afterwards any single read blocking longer than
// StreamIdleTimeout aborts the stream with ErrStreamIdle.
func (g *Gateway) Stream(ctx context.Context, r Request) (*Stream, error) {
	ctx, cancel := context.WithCancelCause(ctx)

	resp, err := g.do(ctx, r)
	if err != nil {
		cancel(nil)
		return nil, err
	}

	g.logger.Debug("proxied stream opened",
		slog.String("destination", r.Destination.Name),
		slog.String("path", r.Path),
		slog.Int64("content_length", resp.ContentLength),
	)

	return newStream(ctx, resp, g.opts.StreamIdleTimeout, cancel), nil
}

// do sends the request and converts transport failures and non-2xx
// answers into package errors. On success the caller owns resp.Body.
func (g *Gateway) do(ctx context.Context, r Request) (*http.Response, error) {
	if r.Destination == nil || r.Token == nil {
		return nil, errors.New("connectivity: request needs a destination and a tunnel token")
	}

	target := r.Destination.URL + r.Path
	bearer := "Bearer " + r.Token.Value

	ctx = context.WithValue(ctx, tunnelAuthKey{}, tunnelAuth{
		bearer:     bearer,
		locationID: r.Destination.CloudConnectorLocationID,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("connectivity: building request for %s: %w", r.Destination.Name, err)
	}

	accept := r.Accept
	if accept == "" {
		accept = DefaultAccept
	}

	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", g.opts.UserAgent)

	if r.Destination.User != "" || r.Destination.Password != "" {
		req.SetBasicAuth(r.Destination.User, r.Destination.Password)
	}

	// Plain http targets are forwarded by the proxy, so the tunnel
	// headers travel on the request itself.
	if req.URL.Scheme == "http" && g.proxied(req.URL) {
		req.Header.Set(headerProxyAuthorization, bearer)

		if r.Destination.CloudConnectorLocationID != "" {
			req.Header.Set(headerLocationID, r.Destination.CloudConnectorLocationID)
		}
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUpstreamUnreachable, r.Destination.Name, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		resp.Body.Close()

		g.logger.Warn("upstream returned error status",
			slog.String("destination", r.Destination.Name),
			slog.String("path", r.Path),
			slog.Int("status", resp.StatusCode),
		)

		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	return resp, nil
}

// proxied reports whether u is routed through the tunnel.
func (g *Gateway) proxied(u *url.URL) bool {
	p, err := g.proxyFunc(u)
	return err == nil && p != nil
}

// Package gateway runs the full "call a destination" pipeline: service
// bindings, the two client-credentials exchanges, destination lookup and
// the proxied GET. Every failure is tagged with the stage it happened in.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/sccgate/internal/connectivity"
	"github.com/tonimelisma/sccgate/internal/destination"
	"github.com/tonimelisma/sccgate/internal/oauth"
	"github.com/tonimelisma/sccgate/internal/vcap"
)

// CredentialSource resolves service bindings. Satisfied by *vcap.Store.
type CredentialSource interface {
	ResolveAll(names vcap.Names) (*vcap.Bindings, error)
}

// TokenExchanger obtains bearer tokens. Satisfied by *oauth.Exchanger.
type TokenExchanger interface {
	Exchange(ctx context.Context, service string, creds oauth.Credentials) (*oauth.Token, error)
}

// DestinationResolver looks up destinations. Satisfied by
// *destination.Resolver.
type DestinationResolver interface {
	Resolve(ctx context.Context, serviceURI, name string, token *oauth.Token) (*destination.Destination, error)
}

// Tunnel performs proxied GETs. Satisfied by *connectivity.Gateway.
type Tunnel interface {
	Fetch(ctx context.Context, r connectivity.Request) ([]byte, error)
	Stream(ctx context.Context, r connectivity.Request) (*connectivity.Stream, error)
}

// TunnelFactory returns the Tunnel for a proxy address taken from the
// connectivity binding.
type TunnelFactory interface {
	Tunnel(proxyHost, proxyPort string) Tunnel
}

// TunnelFactoryFunc adapts a function to TunnelFactory.
type TunnelFactoryFunc func(proxyHost, proxyPort string) Tunnel

// Tunnel implements TunnelFactory.
func (f TunnelFactoryFunc) Tunnel(proxyHost, proxyPort string) Tunnel {
	return f(proxyHost, proxyPort)
}

// ConnectivityTunnels returns a TunnelFactory building one
// connectivity.Gateway per proxy address and reusing it afterwards.
func ConnectivityTunnels(opts connectivity.Options, logger *slog.Logger) TunnelFactory {
	var (
		mu      sync.Mutex
		tunnels = make(map[string]*connectivity.Gateway)
	)

	return TunnelFactoryFunc(func(host, port string) Tunnel {
		key := net.JoinHostPort(host, port)

		mu.Lock()
		defer mu.Unlock()

		if t, ok := tunnels[key]; ok {
			return t
		}

		o := opts
		o.ProxyHost = host
		o.ProxyPort = port
		t := connectivity.NewGateway(o, logger)
		tunnels[key] = t

		return t
	})
}

// Deps are the collaborators of a Gateway.
type Deps struct {
	Credentials  CredentialSource
	Tokens       TokenExchanger
	Destinations DestinationResolver
	Tunnels      TunnelFactory
	Names        vcap.Names
	Logger       *slog.Logger
}

// Request names a destination and the path to GET from it.
type Request struct {
	Destination string
	Path        string
	// Accept overrides the default Accept header.
	Accept string
}

// Gateway executes gateway calls. It holds no per-call state; bindings and
// tokens are fetched fresh on every call.
type Gateway struct {
	deps   Deps
	logger *slog.Logger
}

// New creates a Gateway. Zero Names fall back to vcap.DefaultNames.
func New(deps Deps) *Gateway {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	if deps.Names == (vcap.Names{}) {
		deps.Names = vcap.DefaultNames()
	}

	return &Gateway{deps: deps, logger: deps.Logger}
}

// Call performs a buffered GET and returns the upstream body byte-exact.
func (g *Gateway) Call(ctx context.Context, req Request) ([]byte, error) {
	if err := checkPath(req); err != nil {
		return nil, err
	}

	s, err := g.Prepare(ctx, req.Destination)
	if err != nil {
		return nil, err
	}

	return s.fetch(ctx, req)
}

// Open performs a streaming GET. The caller must Close the Stream.
func (g *Gateway) Open(ctx context.Context, req Request) (*connectivity.Stream, error) {
	if err := checkPath(req); err != nil {
		return nil, err
	}

	s, err := g.Prepare(ctx, req.Destination)
	if err != nil {
		return nil, err
	}

	return s.open(ctx, req)
}

// checkPath validates both parameters so a missing destination is
// reported before a missing path.
func checkPath(req Request) error {
	if req.Destination == "" {
		return stageErr(StageParameters, fmt.Errorf("%w: destination", ErrMissingParameter))
	}

	if req.Path == "" {
		return stageErr(StageParameters, fmt.Errorf("%w: path", ErrMissingParameter))
	}

	return nil
}

// Prepare runs everything up to the proxied fetch for destination name:
// bindings, both token exchanges and the destination lookup. The returned
// Session can serve any number of fetches.
func (g *Gateway) Prepare(ctx context.Context, name string) (*Session, error) {
	if name == "" {
		return nil, stageErr(StageParameters, fmt.Errorf("%w: destination", ErrMissingParameter))
	}

	b, err := g.deps.Credentials.ResolveAll(g.deps.Names)
	if err != nil {
		return nil, stageErr(StageCredentials, err)
	}

	destToken, tunnelToken, err := g.exchangeTokens(ctx, b)
	if err != nil {
		return nil, err
	}

	dest, err := g.deps.Destinations.Resolve(ctx, b.Destination.URI, name, destToken)
	if err != nil {
		return nil, stageErr(StageDestination, err)
	}

	g.logger.Debug("gateway session prepared",
		slog.String("destination", name),
		slog.String("proxy", b.Connectivity.ProxyAddr()),
	)

	return &Session{
		gw:          g,
		name:        name,
		dest:        dest,
		tunnelToken: tunnelToken,
		tunnel:      g.deps.Tunnels.Tunnel(b.Connectivity.ProxyHost, b.Connectivity.ProxyPort),
	}, nil
}

// exchangeTokens runs the destination and connectivity exchanges
// concurrently. Both use the identity issuer; each uses its own client.
// If either fails the other is canceled and no lookup follows.
func (g *Gateway) exchangeTokens(ctx context.Context, b *vcap.Bindings) (*oauth.Token, *oauth.Token, error) {
	var destToken, tunnelToken *oauth.Token

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		tok, err := g.deps.Tokens.Exchange(egCtx, b.Destination.Name, oauth.Credentials{
			IssuerURL:    b.Identity.IssuerURL,
			ClientID:     b.Destination.ClientID,
			ClientSecret: b.Destination.ClientSecret,
		})
		if err != nil {
			return stageErr(StageDestinationToken, err)
		}

		destToken = tok

		return nil
	})

	eg.Go(func() error {
		tok, err := g.deps.Tokens.Exchange(egCtx, b.Connectivity.Name, oauth.Credentials{
			IssuerURL:    b.Identity.IssuerURL,
			ClientID:     b.Connectivity.ClientID,
			ClientSecret: b.Connectivity.ClientSecret,
		})
		if err != nil {
			return stageErr(StageConnectivityToken, err)
		}

		tunnelToken = tok

		return nil
	})

	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}

	return destToken, tunnelToken, nil
}

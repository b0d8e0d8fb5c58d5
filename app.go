package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tonimelisma/sccgate/internal/config"
	"github.com/tonimelisma/sccgate/internal/connectivity"
	"github.com/tonimelisma/sccgate/internal/destination"
	"github.com/tonimelisma/sccgate/internal/gateway"
	"github.com/tonimelisma/sccgate/internal/ledger"
	"github.com/tonimelisma/sccgate/internal/mirror"
	"github.com/tonimelisma/sccgate/internal/oauth"
	"github.com/tonimelisma/sccgate/internal/vcap"
)

// tokenCacheSkew is how long before expiry a cached token is replaced.
const tokenCacheSkew = time.Minute

// app holds the components built from the resolved config for one command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	gateway *gateway.Gateway
	ledger  *ledger.Ledger
}

// newApp wires the gateway and, when withLedger is set and the ledger is
// enabled, opens the run ledger. Close must be called.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, withLedger bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger, gateway: newGateway(cfg, vcap.FromEnviron(), logger)}

	if withLedger && cfg.Ledger.Enabled {
		l, err := ledger.Open(ctx, cfg.Ledger.Path, logger)
		if err != nil {
			return nil, err
		}

		a.ledger = l
	}

	return a, nil
}

func (a *app) Close() {
	if a.ledger == nil {
		return
	}

	if err := a.ledger.Close(); err != nil {
		a.logger.Warn("closing ledger", slog.String("error", err.Error()))
	}
}

// platformHTTPClient talks to the token issuer and the destination
// catalog, both reached without the connectivity proxy.
func platformHTTPClient(t config.Timeouts) *http.Client {
	return &http.Client{
		Timeout: t.Request,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: t.Connect}).DialContext,
			TLSHandshakeTimeout:   t.Connect,
			ResponseHeaderTimeout: t.ResponseHeader,
			MaxIdleConnsPerHost:   4,
		},
	}
}

func newGateway(cfg *config.Config, creds gateway.CredentialSource, logger *slog.Logger) *gateway.Gateway {
	t := cfg.Network.Timeouts()
	client := platformHTTPClient(t)

	var opts []oauth.Option
	if cfg.Network.TokenCache {
		opts = append(opts, oauth.WithCache(tokenCacheSkew))
	}

	return gateway.New(gateway.Deps{
		Credentials:  creds,
		Tokens:       oauth.NewExchanger(client, logger, opts...),
		Destinations: destination.NewResolver(client, logger),
		Tunnels: gateway.ConnectivityTunnels(connectivity.Options{
			NoProxy:               cfg.Network.NoProxy,
			ConnectTimeout:        t.Connect,
			RequestTimeout:        t.Request,
			ResponseHeaderTimeout: t.ResponseHeader,
			StreamIdleTimeout:     t.StreamIdle,
			UserAgent:             cfg.Network.UserAgent,
		}, logger),
		Names: vcap.Names{
			Identity:     cfg.Services.Identity,
			Destination:  cfg.Services.Destination,
			Connectivity: cfg.Services.Connectivity,
		},
		Logger: logger,
	})
}

// mirrorOptions translates the transfers section.
func (a *app) mirrorOptions() (mirror.Options, error) {
	tc := a.cfg.Transfers
	sizes := tc.Sizes()

	bps, err := config.ParseBandwidth(tc.BandwidthLimit)
	if err != nil {
		return mirror.Options{}, err
	}

	opts := mirror.Options{
		Workers:            tc.ParallelDownloads,
		LargeFileThreshold: sizes.LargeFileThreshold,
		ChunkSize:          int(sizes.ChunkSize),
		LargeObjectMarker:  tc.LargeObjectMarker,
		OnExisting:         tc.OnExisting,
		Bandwidth:          mirror.NewBandwidthLimiter(bps, a.logger),
	}

	if a.ledger != nil {
		opts.Recorder = a.ledger
	}

	return opts, nil
}

// newMirror builds a mirror that calls the gateway directly, or through a
// session prepared for dest when reuse_session is set.
func (a *app) newMirror(ctx context.Context, dest string) (*mirror.Mirror, error) {
	opts, err := a.mirrorOptions()
	if err != nil {
		return nil, err
	}

	var fetcher mirror.Fetcher = a.gateway

	if a.cfg.Network.ReuseSession {
		s, err := a.gateway.Prepare(ctx, dest)
		if err != nil {
			return nil, fmt.Errorf("preparing session for %s: %w", dest, err)
		}

		fetcher = s
	}

	return mirror.New(fetcher, opts, a.logger), nil
}

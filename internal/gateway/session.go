package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tonimelisma/sccgate/internal/connectivity"
	"github.com/tonimelisma/sccgate/internal/destination"
	"github.com/tonimelisma/sccgate/internal/oauth"
)

// sessionRefreshSkew re-prepares a session this long before its tunnel
// token expires.
const sessionRefreshSkew = 30 * time.Second

// Session is a prepared destination: resolved configuration, tunnel token
// and tunnel. It serves Call and Open for its own destination only and
// re-prepares itself when the tunnel token nears expiry. Safe for
// concurrent use.
type Session struct {
	gw   *Gateway
	name string

	mu          sync.Mutex
	dest        *destination.Destination
	tunnelToken *oauth.Token
	tunnel      Tunnel

	// nowFunc is overridden in tests.
	nowFunc func() time.Time
}

// Destination returns the resolved destination.
func (s *Session) Destination() *destination.Destination {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dest
}

// Call performs a buffered GET through the prepared destination.
func (s *Session) Call(ctx context.Context, req Request) ([]byte, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	if err := s.refresh(ctx); err != nil {
		return nil, err
	}

	return s.fetch(ctx, req)
}

// Open performs a streaming GET through the prepared destination.
func (s *Session) Open(ctx context.Context, req Request) (*connectivity.Stream, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	if err := s.refresh(ctx); err != nil {
		return nil, err
	}

	return s.open(ctx, req)
}

func (s *Session) check(req Request) error {
	if err := checkPath(req); err != nil {
		return err
	}

	if req.Destination != s.name {
		return stageErr(StageParameters,
			fmt.Errorf("gateway: session for %q cannot serve %q", s.name, req.Destination))
	}

	return nil
}

// refresh re-prepares the session when its tunnel token is about to expire.
// Tokens without expiry are used as is.
func (s *Session) refresh(ctx context.Context) error {
	now := time.Now
	if s.nowFunc != nil {
		now = s.nowFunc
	}

	s.mu.Lock()
	expiry := s.tunnelToken.Expiry
	s.mu.Unlock()

	if expiry.IsZero() || now().Add(sessionRefreshSkew).Before(expiry) {
		return nil
	}

	s.gw.logger.Debug("refreshing gateway session", slog.String("destination", s.name))

	fresh, err := s.gw.Prepare(ctx, s.name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.dest = fresh.dest
	s.tunnelToken = fresh.tunnelToken
	s.tunnel = fresh.tunnel
	s.mu.Unlock()

	return nil
}

func (s *Session) request(req Request) (Tunnel, connectivity.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tunnel, connectivity.Request{
		Destination: s.dest,
		Token:       s.tunnelToken,
		Path:        req.Path,
		Accept:      req.Accept,
	}
}

func (s *Session) fetch(ctx context.Context, req Request) ([]byte, error) {
	tunnel, creq := s.request(req)

	body, err := tunnel.Fetch(ctx, creq)
	if err != nil {
		return nil, stageErr(StageFetch, err)
	}

	return body, nil
}

func (s *Session) open(ctx context.Context, req Request) (*connectivity.Stream, error) {
	tunnel, creq := s.request(req)

	stream, err := tunnel.Stream(ctx, creq)
	if err != nil {
		return nil, stageErr(StageFetch, err)
	}

	return stream, nil
}

// Package server exposes the gateway and the directory mirror over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tonimelisma/sccgate/internal/connectivity"
	"github.com/tonimelisma/sccgate/internal/gateway"
	"github.com/tonimelisma/sccgate/internal/ledger"
	"github.com/tonimelisma/sccgate/internal/mirror"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// Fetcher opens gateway streams.
type Fetcher interface {
	Open(ctx context.Context, req gateway.Request) (*connectivity.Stream, error)
}

// Mirrorer starts directory mirrors.
type Mirrorer interface {
	StartWithID(ctx context.Context, id, dest, remotePath, localRoot string) (*mirror.Run, error)
}

// RunStore reads persisted runs. Satisfied by *ledger.Ledger.
type RunStore interface {
	Run(ctx context.Context, id string) (*ledger.RunRecord, error)
	Transfers(ctx context.Context, runID string) ([]ledger.TransferRecord, error)
}

// Options configures a Server. A zero RateLimit disables rate limiting.
type Options struct {
	WorkDir         string
	RunSubdirs      bool
	RateLimit       float64
	RateBurst       int
	ShutdownTimeout time.Duration
}

// Server serves /getData, /downloadDir, /downloadDir/status and /healthz.
type Server struct {
	gw      Fetcher
	mirror  Mirrorer
	store   RunStore
	opts    Options
	logger  *slog.Logger
	limiter *rateLimiter

	// Mirror runs outlive the request that started them.
	runCtx     context.Context
	cancelRuns context.CancelFunc

	mu   sync.Mutex
	runs map[string]*mirror.Run
}

// New creates a Server. store may be nil, in which case run status is kept
// in memory only.
func New(gw Fetcher, m Mirrorer, store RunStore, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.WorkDir == "" {
		opts.WorkDir = "."
	}

	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}

	s := &Server{
		gw:     gw,
		mirror: m,
		store:  store,
		opts:   opts,
		logger: logger,
		runs:   make(map[string]*mirror.Run),
	}

	if opts.RateLimit > 0 {
		burst := max(opts.RateBurst, 1)
		s.limiter = newRateLimiter(rate.Limit(opts.RateLimit), burst)
	}

	s.runCtx, s.cancelRuns = context.WithCancel(context.Background())

	return s
}

// Handler returns the routing handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /getData", s.limited(http.HandlerFunc(s.handleGetData)))
	mux.Handle("GET /downloadDir", s.limited(http.HandlerFunc(s.handleDownloadDir)))
	mux.Handle("GET /downloadDir/status", s.limited(http.HandlerFunc(s.handleStatus)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}

func (s *Server) limited(h http.Handler) http.Handler {
	if s.limiter == nil {
		return h
	}

	return s.limiter.limit(h)
}

// ListenAndServe listens on addr and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listening on %s: %w", addr, err)
	}

	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled, then stops accepting requests
// and waits up to the shutdown timeout for open requests and mirror runs.
// Runs still going after that are canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	s.logger.Info("server: listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.cancelRuns()

		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("server: serving: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("server: shutting down", slog.Duration("timeout", s.opts.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)

	s.drain(shutdownCtx)

	if err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}

	return nil
}

// drain waits for tracked runs until ctx expires, then cancels the rest
// and waits for them to wind down.
func (s *Server) drain(ctx context.Context) {
	for _, run := range s.activeRuns() {
		select {
		case <-run.Done():
		case <-ctx.Done():
		}
	}

	s.cancelRuns()

	for _, run := range s.activeRuns() {
		if run.Status() == mirror.StatusRunning {
			s.logger.Warn("server: canceling mirror run", slog.String("run_id", run.ID))
		}

		<-run.Done()
	}
}

func (s *Server) track(run *mirror.Run) {
	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()

	// With a store the ledger answers status queries once the run is over.
	if s.store != nil {
		go func() {
			<-run.Done()

			s.mu.Lock()
			delete(s.runs, run.ID)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) lookupRun(id string) (*mirror.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]

	return run, ok
}

func (s *Server) activeRuns() []*mirror.Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*mirror.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}

	return out
}

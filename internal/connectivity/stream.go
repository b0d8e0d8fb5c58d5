package connectivity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Stream is a forward-only response body. It is not restartable.
type Stream struct {
	ContentLength int64
	ContentType   string

	body   io.ReadCloser
	r      io.Reader
	cancel context.CancelCauseFunc
}

// newStream takes ownership of resp.Body and of cancel, the cancel func of
// the request context.
func newStream(ctx context.Context, resp *http.Response, idle time.Duration, cancel context.CancelCauseFunc) *Stream {
	s := &Stream{
		ContentLength: resp.ContentLength,
		ContentType:   resp.Header.Get("Content-Type"),
		body:          resp.Body,
		r:             resp.Body,
		cancel:        cancel,
	}

	if idle > 0 {
		s.r = &idleReader{ctx: ctx, r: resp.Body, idle: idle, cancel: cancel}
	}

	return s
}

// Wrap layers wrap over the read side, e.g. a bandwidth limiter.
func (s *Stream) Wrap(wrap func(io.Reader) io.Reader) {
	s.r = wrap(s.r)
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	err := s.body.Close()
	s.cancel(nil)

	return err
}

// idleReader cancels the request when a single Read blocks longer than
// idle. The timer runs only while a Read is in flight.
type idleReader struct {
	ctx    context.Context //nolint:containedctx // request context of the stream
	r      io.Reader
	idle   time.Duration
	cancel context.CancelCauseFunc
	timer  *time.Timer
}

func (ir *idleReader) Read(p []byte) (int, error) {
	if ir.timer == nil {
		ir.timer = time.AfterFunc(ir.idle, func() {
			ir.cancel(fmt.Errorf("%w: no data for %s", ErrStreamIdle, ir.idle))
		})
	} else {
		ir.timer.Reset(ir.idle)
	}

	n, err := ir.r.Read(p)
	ir.timer.Stop()

	if err != nil && !errors.Is(err, io.EOF) {
		if cause := context.Cause(ir.ctx); errors.Is(cause, ErrStreamIdle) {
			return n, cause
		}
	}

	return n, err
}

// CopyChunks copies the remaining body to w through a single buffer of
// chunkSize bytes. Memory use is bounded by chunkSize regardless of the
// body length.
func (s *Stream) CopyChunks(w io.Writer, chunkSize int) (int64, error) {
	return CopyChunks(w, s.r, chunkSize)
}

// CopyChunks copies r to w one chunk at a time. Unlike io.CopyBuffer it
// never hands off to ReaderFrom or WriterTo, so buf is the only buffer.
func CopyChunks(w io.Writer, r io.Reader, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		return 0, fmt.Errorf("connectivity: chunk size must be positive, got %d", chunkSize)
	}

	buf := make([]byte, chunkSize)

	var written int64

	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			m, writeErr := w.Write(buf[:n])
			written += int64(m)

			if writeErr != nil {
				return written, writeErr
			}

			if m != n {
				return written, io.ErrShortWrite
			}
		}

		if errors.Is(readErr, io.EOF) {
			return written, nil
		}

		if readErr != nil {
			return written, fmt.Errorf("%w: reading stream: %w", ErrUpstreamUnreachable, readErr)
		}
	}
}

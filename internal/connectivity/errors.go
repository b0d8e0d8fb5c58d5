// Package connectivity performs HTTP GETs against on-premise systems
// through the connectivity tunnel proxy.
package connectivity

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is to check.
var (
	ErrUpstreamUnreachable = errors.New("connectivity: upstream unreachable")
	ErrUpstreamStatus      = errors.New("connectivity: upstream returned error status")
	ErrStreamIdle          = errors.New("connectivity: stream idle timeout")
)

// UpstreamError is a non-2xx answer from the tunnel or the target.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("connectivity: upstream HTTP %d", e.StatusCode)
	}

	return fmt.Sprintf("connectivity: upstream HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *UpstreamError) Unwrap() error {
	return ErrUpstreamStatus
}

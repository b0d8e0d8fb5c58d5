package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tonimelisma/sccgate/internal/connectivity"
	"github.com/tonimelisma/sccgate/internal/destination"
	"github.com/tonimelisma/sccgate/internal/vcap"
)

// ErrMissingParameter is returned before any network call when a
// required request parameter is empty.
var ErrMissingParameter = errors.New("gateway: missing parameter")

// Stage names the step of a gateway call that failed.
type Stage string

// Stages in execution order.
const (
	StageParameters        Stage = "parameters"
	StageCredentials       Stage = "credentials"
	StageDestinationToken  Stage = "destination-token"
	StageConnectivityToken Stage = "connectivity-token"
	StageDestination       Stage = "destination"
	StageFetch             Stage = "fetch"
)

// StageError tags a failure with the step it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the stage of err, or "" if err carries none.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}

	return ""
}

// HTTPStatus maps a gateway error to the status an HTTP front-end should
// answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrMissingParameter):
		return http.StatusBadRequest
	case errors.Is(err, vcap.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, destination.ErrDestinationNotFound):
		return http.StatusNotFound
	case errors.Is(err, connectivity.ErrUpstreamStatus):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

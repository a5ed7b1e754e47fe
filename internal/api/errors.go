package api

import (
	"errors"
	"net/http"

	"github.com/signalsfoundry/railtwin/internal/feedback"
	"github.com/signalsfoundry/railtwin/internal/fusion"
	"github.com/signalsfoundry/railtwin/internal/sim"
	"github.com/signalsfoundry/railtwin/model"
)

// ErrBadRequest marks malformed request bodies.
var ErrBadRequest = errors.New("bad request")

// statusFor maps core errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	case errors.Is(err, sim.ErrRunNotFound):
		return http.StatusNotFound

	case errors.Is(err, sim.ErrRunStopped),
		errors.Is(err, sim.ErrNotRunning):
		return http.StatusConflict

	case errors.Is(err, ErrBadRequest),
		errors.Is(err, sim.ErrNoNetwork),
		errors.Is(err, feedback.ErrMissingConflict),
		errors.Is(err, feedback.ErrMissingSolution),
		errors.Is(err, fusion.ErrInvalidWeights),
		errors.Is(err, model.ErrStationNotFound),
		errors.Is(err, model.ErrSectionNotFound):
		return http.StatusBadRequest

	case errors.Is(err, sim.ErrNoFeedback),
		errors.Is(err, feedback.ErrNotDurable):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

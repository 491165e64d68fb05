package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/aiops-hub/maestro/pkg/services"
	"github.com/aiops-hub/maestro/pkg/topology"
)

// ErrorCodeConcurrencyLimit marks a 429 caused by the admission cap, so
// clients can tell it apart from other rejection reasons.
const ErrorCodeConcurrencyLimit = "CONCURRENCY_LIMIT"

// TopologyErrorResponse is the 400 body for an invalid topology: every
// issue the validator found, not just the first.
type TopologyErrorResponse struct {
	Error  string           `json:"error"`
	Errors []topology.Issue `json:"errors"`
}

// RateLimitResponse is the 429 body returned when the execution
// concurrency cap is reached.
type RateLimitResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

// mapServiceError maps service-layer errors to HTTP error responses. Echo
// serializes a non-string Message as the response body, which is how the
// structured topology and rate-limit payloads are produced.
func mapServiceError(err error) *echo.HTTPError {
	var topoErr *topology.ValidationError
	if errors.As(err, &topoErr) {
		return echo.NewHTTPError(http.StatusBadRequest, TopologyErrorResponse{
			Error:  "topology validation failed",
			Errors: topoErr.Issues,
		})
	}
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, services.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, services.ErrNotCancellable) {
		return echo.NewHTTPError(http.StatusConflict, "execution is not in a cancellable state")
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}
	if errors.Is(err, services.ErrConflict) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if errors.Is(err, services.ErrConcurrencyLimit) {
		return echo.NewHTTPError(http.StatusTooManyRequests, RateLimitResponse{
			Error:     "concurrency limit reached",
			ErrorCode: ErrorCodeConcurrencyLimit,
		})
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

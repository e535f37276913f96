package scoring

import (
	"errors"
	"net/http"

	"github.com/servision-wang/data-processing/internal/ledger"
	"github.com/servision-wang/data-processing/internal/logger"
	"github.com/servision-wang/data-processing/internal/payout"
	"github.com/servision-wang/data-processing/internal/store"
)

var (
	// ErrInvalidHitNumber is returned when the hit number is not 1-4.
	ErrInvalidHitNumber = errors.New("scoring: hit number must be 1, 2, 3 or 4")

	// ErrEmptyInput is returned when there is no text to score.
	ErrEmptyInput = errors.New("scoring: input text is empty")

	// ErrInvalidRequest is returned for malformed request bodies.
	ErrInvalidRequest = errors.New("scoring: invalid request")
)

// retryAfterSeconds is advertised on lock timeouts.
const retryAfterSeconds = "1"

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrVersionNotFound),
		errors.Is(err, ledger.ErrScoreNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrNameConflict):
		return http.StatusConflict
	case errors.Is(err, payout.ErrInvalidConfig),
		errors.Is(err, ErrInvalidHitNumber),
		errors.Is(err, ErrEmptyInput),
		errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError writes err as a JSON error response. Internal errors are
// logged and their text is not exposed.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()

	switch status {
	case http.StatusInternalServerError:
		logger.FromContext(r.Context()).Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
		msg = "internal error"
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	writeError(w, msg, status)
}

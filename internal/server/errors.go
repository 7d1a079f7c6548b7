package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gridflex/gridflex/internal/address"
	"github.com/gridflex/gridflex/internal/model"
	"github.com/gridflex/gridflex/internal/resolution"
	"github.com/gridflex/gridflex/internal/service/ingest"
	"github.com/gridflex/gridflex/internal/storage"
	"github.com/gridflex/gridflex/internal/timing"
)

// AlreadyReceivedResponse acknowledges a repost of values that are already
// stored. Reposting identical data is not an error; the acknowledgement keeps
// client retries idempotent.
type AlreadyReceivedResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// writeServiceError maps pipeline errors onto the stable API error codes.
// Anything unmapped is a 500 with a generic message; the cause goes to the
// log only.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var (
		parseErr     *address.ParseError
		missingField *address.MissingFieldError
		unapplicable *resolution.UnapplicableError
		conflict     *resolution.ConflictError
		unitMismatch *ingest.UnitMismatchError
	)
	switch {
	case errors.As(err, &parseErr), errors.As(err, &missingField),
		errors.Is(err, address.ErrUnknownAuthorityStart),
		errors.Is(err, address.ErrUnresolvableDomain):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidDomain, err.Error())
	case errors.Is(err, timing.ErrMissingTimingParameter):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidHorizon, err.Error())
	case errors.As(err, &unitMismatch):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidUnit, err.Error())
	case errors.As(err, &unapplicable):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeUnapplicableResolution, err.Error())
	case errors.As(err, &conflict):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeConflictingResolutions, err.Error())
	case errors.Is(err, storage.ErrOutdatedEvent):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeOutdatedEvent, err.Error())
	case errors.Is(err, storage.ErrIntegrityConflict):
		// The stored values already match what was posted.
		writeJSON(w, r, http.StatusOK, AlreadyReceivedResponse{
			Status:  model.ErrCodeAlreadyReceived,
			Message: err.Error(),
		})
	case errors.Is(err, ingest.ErrUnknownSchedule):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeUnknownSchedule, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	default:
		logger.Error("request failed",
			"path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()), "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal server error")
	}
}

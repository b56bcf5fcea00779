package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/peritoai/periti/internal/auth"
	"github.com/peritoai/periti/internal/lifecycle"
	"github.com/peritoai/periti/internal/store"
	"github.com/peritoai/periti/internal/worker"
	"github.com/rs/zerolog"
)

// errBadRequest marks request validation failures.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError renders err. A row that is absent and a row belonging to another tenant
// render the same 404, so responses never reveal that another tenant's row exists.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Request failed")
	} else {
		zerolog.Ctx(r.Context()).Debug().Err(err).Int("status", status).Msg("Request rejected")
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrTenantMismatch):
		return http.StatusNotFound, "not found"
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, errBadRequest), errors.Is(err, lifecycle.ErrUnknownEvent):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict, "already exists"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrQueueStopped):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a JSON body of at most 1MiB into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

// pathID parses a path identifier. A malformed ID cannot name a visible row, so it is
// reported as not found.
func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, store.ErrNotFound
	}
	return id, nil
}

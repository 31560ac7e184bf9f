package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/roach88/covenant/internal/canon"
	"github.com/roach88/covenant/internal/faults"
)

// CodeBadRequest is the transport-level error code for unreadable bodies.
const CodeBadRequest = "BAD_REQUEST"

type ctxKey struct{}

// NewRequestID returns a fresh request id.
func NewRequestID() string { return "req_" + uuid.NewString() }

// requestID honours an inbound X-Request-Id and otherwise mints one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" || len(id) > 128 {
			id = NewRequestID()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// RequestID returns the id assigned to the request carrying ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// StatusOf maps an error kind onto an HTTP status.
func StatusOf(kind faults.Kind) int {
	switch kind {
	case faults.KindSchemaValidation:
		return http.StatusUnprocessableEntity
	case faults.KindPolicyViolation, faults.KindSelfEvaluation:
		return http.StatusForbidden
	case faults.KindTerminalState, faults.KindConflict, faults.KindInvalidTransition:
		return http.StatusConflict
	case faults.KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	RequestID string      `json:"request_id"`
	Error     errorDetail `json:"error"`
}

type errorDetail struct {
	Code       string             `json:"code"`
	Message    string             `json:"message"`
	JobID      string             `json:"job_id,omitempty"`
	Violations []faults.Violation `json:"violations,omitempty"`
	Details    map[string]string  `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]string) {
	writeJSON(w, status, errorBody{
		RequestID: RequestID(r.Context()),
		Error:     errorDetail{Code: code, Message: message, Details: details},
	})
}

// writeFault renders an engine error. Anything that is not a fault is an
// internal failure; its text is not exposed.
func writeFault(w http.ResponseWriter, r *http.Request, err error) {
	fe, ok := faults.As(err)
	if !ok {
		fe = faults.Internal("internal failure", err)
	}
	writeJSON(w, StatusOf(fe.Kind), errorBody{
		RequestID: RequestID(r.Context()),
		Error: errorDetail{
			Code:       string(fe.Kind),
			Message:    fe.Message,
			JobID:      fe.JobID,
			Violations: fe.Violations,
			Details:    fe.Details,
		},
	})
}

var errEmptyBody = errors.New("request body is empty")

// readDocument decodes the body into the generic document model, numbers
// kept as literals.
func readDocument(w http.ResponseWriter, r *http.Request) (any, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) == 0 {
		return nil, errEmptyBody
	}
	return canon.Decode(data)
}

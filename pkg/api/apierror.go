// Package api exposes the connector over HTTP: RFC 7807 problem responses,
// request middleware and the handlers for verification, negotiation and
// enforcement.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/artifacts"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/identity"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/negotiation"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/obligation"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/store"
)

// ProblemTypeBase prefixes the status code in ProblemDetail.Type.
const ProblemTypeBase = "https://dataspace-connector.dev/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID echoes the X-Request-ID of the failed request.
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func newProblem(status int, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   fmt.Sprintf("%s%d", ProblemTypeBase, status),
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a problem response with the standard title for status.
func WriteError(w http.ResponseWriter, status int, detail string) {
	writeProblem(w, newProblem(status, detail))
}

// WriteErrorR is WriteError enriched with the request path and request ID.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, detail string) {
	p := newProblem(status, detail)
	p.Instance = r.URL.Path
	p.TraceID = w.Header().Get(RequestIDHeader)
	writeProblem(w, p)
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, detail)
}

// WriteUnauthorized writes a 401 with a Bearer challenge.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "A valid dynamic attribute token is required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="dataspace-connector"`)
	WriteError(w, http.StatusUnauthorized, detail)
}

func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, detail)
}

func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500. err is logged and never sent to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
}

// StatusFor maps a domain error to the HTTP status it is reported with.
// Unrecognised errors map to 500.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, negotiation.ErrResourceNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, artifacts.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, contracts.ErrDeserialization),
		errors.Is(err, contracts.ErrConstraintViolation),
		errors.Is(err, negotiation.ErrIllegalArgument):
		return http.StatusBadRequest
	case errors.Is(err, identity.ErrInvalidToken), errors.Is(err, identity.ErrMissingConnector):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrAlreadyExists), errors.Is(err, obligation.ErrSweepInFlight):
		return http.StatusConflict
	case errors.Is(err, negotiation.ErrContract):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// WriteDomainError reports err with the status StatusFor assigns. Server
// errors are sanitized like WriteInternal.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		WriteInternal(w, err)
		return
	}
	WriteErrorR(w, r, status, err.Error())
}

// Package resource implements the resource layer over the property graph:
// reference materialization, the non-versioned persistence path, the
// versioning engine, the conditional-operation dispatcher, and the HTTP
// facade for the FHIR surface.
package resource

import (
	"errors"
	"net/http"

	"github.com/fhirgraph/fhirgraph/internal/platform/fhir"
	"github.com/fhirgraph/fhirgraph/internal/platform/graph"
)

// Semantic failure kinds. Services wrap these with context; the facade maps
// them to HTTP status codes and OperationOutcome issue codes.
var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrGone            = errors.New("gone")
	ErrPrecondition    = errors.New("precondition failed")
	ErrMultipleMatches = errors.New("multiple matches")
	ErrConflict        = errors.New("conflict")
	ErrUnprocessable   = errors.New("unprocessable")
	ErrNotImplemented  = errors.New("not implemented")
)

// StatusFor maps a resource-layer error to its HTTP status.
func StatusFor(err error) int {
	var be *graph.BackendError
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, fhir.ErrSchemaNotLoaded):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrGone):
		return http.StatusGone
	case errors.Is(err, ErrPrecondition), errors.Is(err, ErrMultipleMatches):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnprocessable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.As(err, &be):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// OutcomeFor maps a resource-layer error to its OperationOutcome body.
func OutcomeFor(err error) *fhir.OperationOutcome {
	code := fhir.IssueException
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, fhir.ErrSchemaNotLoaded):
		code = fhir.IssueInvalid
	case errors.Is(err, ErrNotFound):
		code = fhir.IssueNotFound
	case errors.Is(err, ErrGone):
		code = fhir.IssueDeleted
	case errors.Is(err, ErrPrecondition):
		code = fhir.IssueConflict
	case errors.Is(err, ErrMultipleMatches):
		code = fhir.IssueMultipleMatches
	case errors.Is(err, ErrConflict):
		code = fhir.IssueConflict
	case errors.Is(err, ErrUnprocessable):
		code = fhir.IssueProcessing
	case errors.Is(err, ErrNotImplemented):
		code = fhir.IssueNotSupported
	}
	return fhir.ErrorOutcome(code, err.Error())
}

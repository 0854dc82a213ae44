// Package fhir holds the FHIR plumbing shared by the resource layer: the
// OperationOutcome and Bundle shapes, the reference parser, the JSON patch
// engine, the schema validator, and ETag helpers.
package fhir

import "fmt"

// OperationOutcome severity levels.
const (
	SeverityFatal       = "fatal"
	SeverityError       = "error"
	SeverityWarning     = "warning"
	SeverityInformation = "information"
)

// OperationOutcome issue type codes used by this server.
const (
	IssueInvalid         = "invalid"
	IssueNotFound        = "not-found"
	IssueDeleted         = "deleted"
	IssueDuplicate       = "duplicate"
	IssueConflict        = "conflict"
	IssueMultipleMatches = "multiple-matches"
	IssueException       = "exception"
	IssueInformational   = "informational"
	IssueNotSupported    = "not-supported"
	IssueProcessing      = "processing"
)

// OperationOutcome is the FHIR failure (and informational) body.
type OperationOutcome struct {
	ResourceType string         `json:"resourceType"`
	Issue        []OutcomeIssue `json:"issue"`
}

type OutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// NewOutcome builds a single-issue OperationOutcome.
func NewOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

// ErrorOutcome builds an error-severity outcome with the given issue code.
func ErrorOutcome(code, diagnostics string) *OperationOutcome {
	return NewOutcome(SeverityError, code, diagnostics)
}

// SuccessOutcome builds an information-severity outcome, as returned by
// $validate on success.
func SuccessOutcome(message string) *OperationOutcome {
	return NewOutcome(SeverityInformation, IssueInformational, message)
}

// NotFoundOutcome reports an absent (type, id) target.
func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return ErrorOutcome(IssueNotFound, fmt.Sprintf("%s/%s not found", resourceType, id))
}

// GoneOutcome reports a tombstoned version on a version read path.
func GoneOutcome(resourceType, id string) *OperationOutcome {
	return ErrorOutcome(IssueDeleted, fmt.Sprintf("%s/%s has been deleted", resourceType, id))
}

// HasErrors reports whether the outcome carries any error or fatal issue.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == SeverityError || issue.Severity == SeverityFatal {
			return true
		}
	}
	return false
}

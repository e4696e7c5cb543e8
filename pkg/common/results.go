package common

import "strings"

// Status codes returned by data services for failed records.
const (
	CodeLockContention        = "UNABLE_TO_LOCK_ROW"
	CodeInvalidCrossReference = "INVALID_CROSS_REFERENCE_KEY"
	CodeInvalidFieldForWrite  = "INVALID_FIELD_FOR_INSERT_UPDATE"
	CodeDuplicateValue        = "DUPLICATE_VALUE"
	CodeEntityNotFound        = "ENTITY_IS_DELETED"
	CodeInvalidField          = "INVALID_FIELD"
	CodeRequiredFieldMissing  = "REQUIRED_FIELD_MISSING"
	CodeConnectionError       = "CONNECTION_ERROR"
	CodeUnknown               = "UNKNOWN_EXCEPTION"
)

var retryableCodes = map[string]bool{
	CodeLockContention:        true,
	CodeInvalidCrossReference: true,
	CodeInvalidFieldForWrite:  true,
}

// WriteError is one error attached to a failed record
type WriteError struct {
	Code    string
	Message string
	Fields  []string
}

// SaveResult is the per-record outcome of a write call. Results are returned
// in the same order as the records passed to the call.
type SaveResult struct {
	ID      string
	Success bool
	Errors  []WriteError
}

// Succeeded builds a successful result
func Succeeded(id string) SaveResult {
	return SaveResult{ID: id, Success: true}
}

// Failed builds a failed result with one error
func Failed(code, message string, fields ...string) SaveResult {
	return SaveResult{Errors: []WriteError{{Code: code, Message: message, Fields: fields}}}
}

// Codes returns the distinct error codes of a failed result
func (r SaveResult) Codes() []string {
	seen := make(map[string]bool, len(r.Errors))
	var codes []string
	for _, e := range r.Errors {
		if !seen[e.Code] {
			seen[e.Code] = true
			codes = append(codes, e.Code)
		}
	}
	return codes
}

// HasCode reports whether any error of the result carries code
func (r SaveResult) HasCode(code string) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// Retryable reports whether the failure is transient and worth one more attempt.
func (r SaveResult) Retryable() bool {
	if r.Success {
		return false
	}
	for _, e := range r.Errors {
		if retryableCodes[e.Code] {
			return true
		}
	}
	return false
}

// Message joins the error messages of the result
func (r SaveResult) Message() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		if e.Code != "" {
			msgs = append(msgs, e.Code+": "+e.Message)
		} else {
			msgs = append(msgs, e.Message)
		}
	}
	return strings.Join(msgs, "; ")
}

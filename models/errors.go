package models

import "fmt"

// ValidationError reports a malformed or incomplete tracking entry. The
// ingestion path drops the offending entry and keeps the rest of the batch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func missing(field string) error {
	return &ValidationError{Field: field, Reason: "required"}
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

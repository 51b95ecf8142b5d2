package service

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors callers can test with errors.Is.
var (
	// ErrNotFound is returned by update/delete paths when no row matches
	// the id. GetByID does not return it - absence there is nil, nil.
	ErrNotFound = errors.New("record not found")

	// ErrValidation covers constraint violations caught before the store
	// is touched: invalid fields, unknown update columns, empty batches.
	ErrValidation = errors.New("validation failed")
)

// OperationError wraps any lower-level storage failure with the operation
// and table it happened in. Raw store errors never reach callers; they are
// logged at the service boundary and rewrapped as this.
type OperationError struct {
	Op    string // operation that failed, e.g. "add", "bulkDelete"
	Table string // logical table involved
	Err   error  // underlying cause
}

func (e *OperationError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("hobbyd: %s", e.Op))
	if e.Table != "" {
		parts = append(parts, fmt.Sprintf("table=%s", e.Table))
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a missing-row failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// DeleteResult is the structured outcome of SafeDelete. A refusal due to
// existing children is not an error: it carries the confirm action the
// caller should prompt for.
type DeleteResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	ConfirmAction string `json:"confirmAction,omitempty"`
}

// ConfirmDeleteWithRelated is the confirm action SafeDelete returns when
// related children block a plain delete.
const ConfirmDeleteWithRelated = "deleteWithRelated"

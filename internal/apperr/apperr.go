// Package apperr holds the error taxonomy shared by the ledger, the order
// workflow, the status machine and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrPersistence       = errors.New("persistence failed")
	ErrNotFound          = errors.New("not found")
	ErrInconsistentState = errors.New("inconsistent state")
	ErrConflict          = errors.New("record changed concurrently")
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func Validation(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// Persistence wraps a backend failure of the named operation.
func Persistence(op string, cause error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrPersistence, cause)
}

// InconsistentStateError reports a compensating action that itself failed.
// The stock ledger for ProductID is off by Quantity until repaired.
type InconsistentStateError struct {
	ProductID string
	Quantity  int
	Cause     error
	Release   error
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("inconsistent state: release of %d units of product %s failed after %v: %v",
		e.Quantity, e.ProductID, e.Cause, e.Release)
}

func (e *InconsistentStateError) Unwrap() []error {
	return []error{ErrInconsistentState, e.Cause}
}

func Inconsistent(productID string, quantity int, cause, release error) error {
	return &InconsistentStateError{
		ProductID: productID,
		Quantity:  quantity,
		Cause:     cause,
		Release:   release,
	}
}

// Code maps err to an API error code and HTTP status. Inconsistent state is
// checked first because it also wraps the original cause.
func Code(err error) (string, int) {
	switch {
	case errors.Is(err, ErrInconsistentState):
		return "INCONSISTENT_STATE", http.StatusInternalServerError
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR", http.StatusBadRequest
	case errors.Is(err, ErrInsufficientStock):
		return "INSUFFICIENT_STOCK", http.StatusConflict
	case errors.Is(err, ErrConflict):
		return "CONFLICT", http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND", http.StatusNotFound
	case errors.Is(err, ErrPersistence):
		return "PERSISTENCE_ERROR", http.StatusBadGateway
	default:
		return "INTERNAL_ERROR", http.StatusInternalServerError
	}
}

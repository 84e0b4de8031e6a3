package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	validation "github.com/jellydator/validation"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrValidation marks malformed input; no record is created.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned for operator actions that are not
	// allowed in the record's current state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrStatusTransitionDenied is returned by stores when an update would
	// move a record out of a terminal state.
	ErrStatusTransitionDenied = errors.New("status transition denied: delivery already in terminal state")

	ErrNoProviderAvailable = errors.New("no provider available")
	ErrProviderNotFound    = errors.New("provider not found")
)

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects field errors and unwraps to ErrValidation.
type ValidationError struct {
	Fields []FieldError
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 1 {
		return fmt.Sprintf("%s: %s", e.Fields[0].Field, e.Fields[0].Message)
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// TransitionError explains why an operator action was rejected.
type TransitionError struct {
	Action string
	Status DeliveryStatus
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s delivery in status %s: %s", e.Action, e.Status, e.Reason)
	}
	return fmt.Sprintf("cannot %s delivery in status %s", e.Action, e.Status)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// FromValidation converts errors produced by validation.ValidateStruct into a
// ValidationError. Other errors are returned unchanged.
func FromValidation(err error) error {
	if err == nil {
		return nil
	}
	var errs validation.Errors
	if !errors.As(err, &errs) {
		return err
	}
	fields := make([]FieldError, 0, len(errs))
	for field, fe := range errs {
		fields = append(fields, FieldError{Field: field, Message: fe.Error()})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	return &ValidationError{Fields: fields}
}

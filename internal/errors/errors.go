// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrRuleSyntax             = errors.New("rule syntax error")
	ErrUnknownIndicator       = errors.New("unknown indicator")
	ErrUnknownField           = errors.New("unknown field")
	ErrInsufficientPosition   = errors.New("insufficient position")
	ErrInsufficientCash       = errors.New("insufficient cash")
	ErrInvalidOrderTransition = errors.New("invalid order transition")
	ErrMalformedBar           = errors.New("malformed bar")
	ErrUnsortedBars           = errors.New("bar timestamps not strictly increasing")
	ErrConfigInvalid          = errors.New("invalid configuration")
	ErrDataNotFound           = errors.New("data not found")
	ErrInputValidation        = errors.New("input validation failed")
)

// RuleError represents a parse-time failure of a rule expression.
// Pos is the byte offset in Rule where the problem was detected, -1 if unknown.
type RuleError struct {
	Rule    string
	Pos     int
	Message string
	Err     error
}

func (e *RuleError) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("%v: %s at position %d in %q", e.Err, e.Message, e.Pos, e.Rule)
	}
	return fmt.Sprintf("%v: %s in %q", e.Err, e.Message, e.Rule)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// NewRuleError creates a new RuleError.
func NewRuleError(rule string, pos int, message string, err error) *RuleError {
	return &RuleError{
		Rule:    rule,
		Pos:     pos,
		Message: message,
		Err:     err,
	}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	OrderID string
	Symbol  string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.OrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.OrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		OrderID: orderID,
		Symbol:  symbol,
		Action:  action,
		Reason:  reason,
		Err:     err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInputValidation
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// DataError represents a data-related error.
type DataError struct {
	DataType string
	Symbol   string
	Message  string
	Err      error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.DataType, e.Symbol, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Symbol, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError creates a new DataError.
func NewDataError(dataType, symbol, message string, err error) *DataError {
	return &DataError{
		DataType: dataType,
		Symbol:   symbol,
		Message:  message,
		Err:      err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// IsFatal reports whether err indicates a broken portfolio or order state model.
// Such errors abort a run instead of being recorded against a single bar.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidOrderTransition) ||
		errors.Is(err, ErrInsufficientCash) ||
		errors.Is(err, ErrInsufficientPosition)
}

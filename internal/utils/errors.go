package utils

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPersistence marks failures writing to the durable store.
var ErrPersistence = errors.New("persistence failure")

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// PersistenceError wraps a store failure so callers can match ErrPersistence.
func PersistenceError(op string, err error) error {
	return &AppError{Op: op, Msg: "store write failed", Err: errors.Join(ErrPersistence, err)}
}

// ConfigurationError reports an unsupported option along with the valid ones.
type ConfigurationError struct {
	Field string
	Value string
	Valid []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("unsupported %s %q (valid: %s)", e.Field, e.Value, strings.Join(e.Valid, ", "))
}

// NewConfigurationError constructs a ConfigurationError.
func NewConfigurationError(field, value string, valid []string) error {
	return &ConfigurationError{Field: field, Value: value, Valid: append([]string(nil), valid...)}
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

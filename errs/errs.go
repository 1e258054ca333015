// Package errs provides the error classification used across ws-server.
// Errors are grouped into classes that decide how far they travel: fatal
// errors stop the listener, invalid errors reject a call, transient errors
// are collapsed into a failure status at the C boundary.
package errs

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents operational errors the caller may retry
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that terminate the listener
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables
var (
	// Server lifecycle errors
	ErrAlreadyListening = errors.New("server already listening")
	ErrNotListening     = errors.New("server not listening")
	ErrBindFailed       = errors.New("bind failed")

	// Connection errors
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendQueueFull    = errors.New("send queue full")

	// Input errors
	ErrInvalidUTF8   = errors.New("invalid UTF-8")
	ErrInvalidHandle = errors.New("invalid server handle")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	switch {
	case ce.Component != "" && ce.Operation != "":
		return fmt.Sprintf("%s: %s: %v", ce.Component, ce.Operation, ce.Err)
	case ce.Component != "":
		return fmt.Sprintf("%s: %v", ce.Component, ce.Err)
	default:
		return ce.Err.Error()
	}
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Fatal classifies err as fatal for component/operation.
func Fatal(err error, component, operation string) error {
	return classify(ErrorFatal, err, component, operation)
}

// Invalid classifies err as invalid input for component/operation.
func Invalid(err error, component, operation string) error {
	return classify(ErrorInvalid, err, component, operation)
}

// Transient classifies err as a recoverable operational failure.
func Transient(err error, component, operation string) error {
	return classify(ErrorTransient, err, component, operation)
}

func classify(class ErrorClass, err error, component, operation string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err, Component: component, Operation: operation}
}

// ClassOf returns the class of err. Unclassified errors are transient,
// except the known invalid-input sentinels.
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, ErrInvalidUTF8) ||
		errors.Is(err, ErrInvalidHandle) ||
		errors.Is(err, ErrInvalidConfig) {
		return ErrorInvalid
	}
	if errors.Is(err, ErrBindFailed) {
		return ErrorFatal
	}
	return ErrorTransient
}

// IsFatal checks if an error is fatal
func IsFatal(err error) bool {
	return err != nil && ClassOf(err) == ErrorFatal
}

// IsInvalid checks if an error is caused by invalid input
func IsInvalid(err error) bool {
	return err != nil && ClassOf(err) == ErrorInvalid
}

// IsTransient checks if an error is an operational failure
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == ErrorTransient
}

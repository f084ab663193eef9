// Package apperr holds the error taxonomy shared by the engine packages.
//
// Every user-facing failure carries a Code so transports can classify it
// without string matching. Domain packages define their own typed errors and
// implement Coded; this package only holds the cross-cutting ones.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies a failure for callers and transports.
type Code string

const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeInvalidState    Code = "INVALID_STATE"
	CodeInvalidOwner    Code = "INVALID_OWNER"
	CodeNotFound        Code = "NOT_FOUND"
	CodeAlreadyExists   Code = "ALREADY_EXISTS"
	CodeNotAuthorized   Code = "NOT_AUTHORIZED"
	CodeSystem          Code = "SYSTEM"
)

// Coded is implemented by every typed error in the module.
type Coded interface {
	error
	Code() Code
}

// CodeOf returns the code of the first Coded error in the chain, or
// CodeSystem for anything unclassified.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	// SystemError wraps provider failures; callers care about the wrapper.
	var sys *SystemError
	if errors.As(err, &sys) {
		return CodeSystem
	}
	var coded Coded
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return CodeSystem
}

// InvalidArgumentError reports a caller error detected before any mutation.
type InvalidArgumentError struct {
	Message string
}

func InvalidArgument(format string, args ...any) *InvalidArgumentError {
	return &InvalidArgumentError{Message: fmt.Sprintf(format, args...)}
}

func (e *InvalidArgumentError) Error() string { return e.Message }
func (e *InvalidArgumentError) Code() Code    { return CodeInvalidArgument }

// SystemError is fatal for the enclosing operation. The original error is
// kept so errors.Is/As keep working through it.
type SystemError struct {
	Message string
	Cause   error
}

func System(cause error, format string, args ...any) *SystemError {
	return &SystemError{Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *SystemError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SystemError) Code() Code    { return CodeSystem }
func (e *SystemError) Unwrap() error { return e.Cause }

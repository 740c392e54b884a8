package model

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeDetectionFailure  ErrorCode = "detection.failure"
	CodeProcessSpawn      ErrorCode = "process.error"
	CodeMaxRetries        ErrorCode = "domain.max-retries"
	CodeTransportResolve  ErrorCode = "transport.resolve"
	CodeRPCTimeout        ErrorCode = "rpc.timeout"
	CodeRPCWorkerFault    ErrorCode = "rpc.fault"
	CodeConnectorNotFound ErrorCode = "connector.not-found"
	CodeInvalidArgument   ErrorCode = "argument.invalid"
)

// Error is the typed error shared by the detection, execution and rpc layers.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error with the same code, so sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

var (
	ErrDetectionFailure    = &Error{Code: CodeDetectionFailure, Message: "program not found"}
	ErrProcessSpawn        = &Error{Code: CodeProcessSpawn, Message: "unable to spawn process"}
	ErrServiceStartTimeout = &Error{Code: CodeMaxRetries, Message: "max retries reached"}
	ErrTransportResolution = &Error{Code: CodeTransportResolve, Message: "unable to resolve transport"}
	ErrRPCTimeout          = &Error{Code: CodeRPCTimeout, Message: "Worker communication timeout"}
	ErrRPCWorkerFault      = &Error{Code: CodeRPCWorkerFault, Message: "worker fault"}
	ErrConnectorNotFound   = &Error{Code: CodeConnectorNotFound, Message: "connector not found"}
	ErrInvalidArgument     = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
)

// CodeOf returns the code of the first *Error in the chain.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

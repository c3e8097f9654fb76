// Package errors provides the error taxonomy for the beopt service
// surface: typed JSON-RPC errors and panic recovery for the HTTP stack.
package errors

import (
	"errors"
	"fmt"
)

// JSON-RPC 2.0 error codes used by the service.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeServerError    = -32000
)

// RPCError pairs a JSON-RPC error code with its message. Handlers return
// it when a failure maps to a specific code; everything else is reported
// with the generic server error code.
type RPCError struct {
	Code    int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Message
	}
}

// Unwrap returns the underlying error.
func (e *RPCError) Unwrap() error {
	return e.Err
}

// InvalidParams creates an error for malformed request parameters.
func InvalidParams(format string, args ...interface{}) *RPCError {
	return &RPCError{
		Code:    CodeInvalidParams,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapParams attaches the invalid-params code to an existing error.
func WrapParams(err error) error {
	if err == nil {
		return nil
	}
	return &RPCError{Code: CodeInvalidParams, Err: err}
}

// CodeOf returns the JSON-RPC code carried by err, or the generic server
// error code when the chain carries none.
func CodeOf(err error) int {
	var rpc *RPCError
	if errors.As(err, &rpc) {
		return rpc.Code
	}
	return CodeServerError
}

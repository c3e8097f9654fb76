package optimization

import "fmt"

// Error is the error type surfaced by optimization runs. It carries the
// operation and component the failure came from so callers can report
// where a run died without parsing message strings.
type Error struct {
	// Message describes the failure.
	Message string
	// Op is the operation that failed.
	Op string
	// Component is the part of the run the failure belongs to, such as
	// "driver" or "dispatcher".
	Component string
	// Err is the underlying cause, if any.
	Err error
}

// Error renders the component, operation, message, and cause that are set.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	switch {
	case e.Component != "" && e.Op != "":
		prefix = e.Component + ": " + e.Op
	case e.Component != "":
		prefix = e.Component
	case e.Op != "":
		prefix = e.Op
	}

	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if prefix == "" {
		return msg
	}
	return prefix + ": " + msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithOperation records the operation that failed.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent records the component the failure belongs to.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// NewError creates an optimization error with the given message.
func NewError(message string) *Error {
	return &Error{Message: message}
}

// NewErrorf creates an optimization error with a formatted message.
func NewErrorf(format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps a cause with additional context. It returns nil when
// err is nil so call sites can wrap unconditionally.
func WrapError(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Message: message, Err: err}
}

// WrapErrorf wraps a cause with formatted context. It returns nil when
// err is nil.
func WrapErrorf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Message: fmt.Sprintf(format, args...), Err: err}
}

// IsOptimizationError reports whether err is an optimization Error and
// returns it when so.
func IsOptimizationError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	if e, ok := err.(*Error); ok {
		return e, true
	}
	return nil, false
}

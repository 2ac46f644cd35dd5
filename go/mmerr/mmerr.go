// Package mmerr provides functions for creating and wrapping errors with
// call stacks, so that an error bubbling up from deep inside a store or
// codec still says where it came from.
package mmerr

import (
	"fmt"
	"runtime"
	"strings"
)

// StackTrace identifies a single call site in an error's call stack.
type StackTrace struct {
	File string
	Line int
}

// String implements fmt.Stringer.
func (st StackTrace) String() string {
	return fmt.Sprintf("%s:%d", st.File, st.Line)
}

// CallStack returns a slice of StackTrace representing the current stack
// trace. startAt indicates the number of stack frames to skip, where 0 means
// the call to CallStack itself and 1 means its caller; height is the maximum
// number of frames to return.
func CallStack(height int, startAt int) []StackTrace {
	stack := make([]StackTrace, 0, height)
	for i := 0; i < height; i++ {
		_, file, line, ok := runtime.Caller(startAt + i)
		if !ok {
			break
		}
		if slash := strings.LastIndex(file, "/"); slash >= 0 {
			file = file[slash+1:]
		}
		stack = append(stack, StackTrace{File: file, Line: line})
	}
	return stack
}

// ErrorWithContext is an error wrapped with a message and a call stack.
type ErrorWithContext struct {
	// Wrapped is the original error.
	Wrapped error
	// CallStack records where the error was created or wrapped, innermost
	// frame first.
	CallStack []StackTrace
	// Message is optional context prepended to the wrapped error's text.
	Message string
}

// Error implements error.
func (err *ErrorWithContext) Error() string {
	var sb strings.Builder
	if len(err.Message) > 0 {
		sb.WriteString(err.Message)
		if err.Wrapped != nil {
			sb.WriteString(": ")
		}
	}
	if err.Wrapped != nil {
		sb.WriteString(err.Wrapped.Error())
	}
	if len(err.CallStack) > 0 {
		sb.WriteString(". At")
		for _, st := range err.CallStack {
			sb.WriteString(" ")
			sb.WriteString(st.String())
		}
	}
	return sb.String()
}

// Unwrap supports errors.Is and errors.As.
func (err *ErrorWithContext) Unwrap() error {
	return err.Wrapped
}

// Fmt creates a new error with the given message and a call stack.
func Fmt(fmtStr string, args ...interface{}) *ErrorWithContext {
	return &ErrorWithContext{
		Wrapped:   fmt.Errorf(fmtStr, args...),
		CallStack: CallStack(1, 2),
	}
}

// Wrap adds a call stack to err. Call sites check err != nil before wrapping.
func Wrap(err error) error {
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: CallStack(1, 2),
	}
}

// Wrapf adds a call stack and a context message to err.
func Wrapf(err error, fmtStr string, args ...interface{}) *ErrorWithContext {
	return &ErrorWithContext{
		Wrapped:   err,
		Message:   fmt.Sprintf(fmtStr, args...),
		CallStack: CallStack(1, 2),
	}
}

// Unwrap returns the innermost non-mmerr error, for comparing against
// sentinel values. errors.Is and errors.As also work, via the Unwrap method.
func Unwrap(err error) error {
	for {
		wrapped, ok := err.(*ErrorWithContext)
		if !ok || wrapped.Wrapped == nil {
			return err
		}
		err = wrapped.Wrapped
	}
}

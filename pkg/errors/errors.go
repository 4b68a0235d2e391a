package errors

import (
	stderrors "errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// New returns an error with the supplied message and the call stack.
func New(message string) error {
	return pkgerrors.New(message)
}

// NewWithReport is New that also reports the error to registered reporters.
func NewWithReport(message string) error {
	err := pkgerrors.New(message)
	report(err)
	return err
}

// Errorf formats according to a format specifier and records the call stack.
func Errorf(format string, args ...interface{}) error {
	return pkgerrors.Errorf(format, args...)
}

// ErrorfAndReport is Errorf that also reports the error.
func ErrorfAndReport(format string, args ...interface{}) error {
	err := pkgerrors.Errorf(format, args...)
	report(err)
	return err
}

// Wrap annotates err with message. Returns nil when err is nil.
func Wrap(err error, message string) error {
	return pkgerrors.Wrap(err, message)
}

// Wrapf annotates err with a formatted message. Returns nil when err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	return pkgerrors.Wrapf(err, format, args...)
}

// WrapAndReport is Wrap that also reports the wrapped error.
// Returns nil when err is nil.
func WrapAndReport(err error, message string) error {
	if err == nil {
		return nil
	}
	wrapped := pkgerrors.Wrap(err, message)
	report(wrapped)
	return wrapped
}

// WithStack annotates err with the call stack. Returns nil when err is nil.
func WithStack(err error) error {
	return pkgerrors.WithStack(err)
}

// WithStackAndReport is WithStack that also reports the error.
func WithStackAndReport(err error) error {
	if err == nil {
		return nil
	}
	wrapped := pkgerrors.WithStack(err)
	report(wrapped)
	return wrapped
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Cause returns the underlying cause of the error, if possible.
func Cause(err error) error {
	return pkgerrors.Cause(err)
}

// Recovered converts a recovered panic value into an error carrying the stack.
func Recovered(v interface{}) error {
	if err, ok := v.(error); ok {
		return pkgerrors.WithStack(err)
	}
	return pkgerrors.New(fmt.Sprintf("%v", v))
}

package errors

import (
	"errors"
	"fmt"
)

// New returns an error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// ContextError annotates an error with a string describing the operation
// that failed. The original error is retained so that callers can inspect
// the root cause.
type ContextError struct {
	Context string
	Err     error
}

func (err ContextError) Error() string {
	return fmt.Sprintf("%s: %s", err.Context, err.Err)
}

// WithContext wraps err with a short description of the operation that
// produced it. Chained contexts read outermost-first, e.g.
// "parse config: read file: permission denied".
func WithContext(err error, context string) error {
	return ContextError{Context: context, Err: err}
}

// RootCause unwinds any ContextError chain and returns the innermost error.
func RootCause(err error) error {
	for {
		ctxErr, ok := err.(ContextError)
		if !ok {
			return err
		}
		err = ctxErr.Err
	}
}

// FriendlyError is an error with a message meant to be shown directly to
// the user, without any wrapping context prefixes.
type FriendlyError struct {
	Message string
}

func (err FriendlyError) Error() string {
	return err.Message
}

// FriendlyMessage returns the user-facing message.
func (err FriendlyError) FriendlyMessage() string {
	return err.Message
}

// NewFriendlyError creates an error whose message is printed to the user
// verbatim.
func NewFriendlyError(format string, args ...interface{}) error {
	return FriendlyError{Message: fmt.Sprintf(format, args...)}
}

type friendlier interface {
	FriendlyMessage() string
}

// GetPrintableMessage returns the message that should be shown to the user
// for the given error. Friendly errors are printed verbatim, even when
// they're buried under context annotations.
func GetPrintableMessage(err error) string {
	for cause := err; cause != nil; {
		if friendly, ok := cause.(friendlier); ok {
			return friendly.FriendlyMessage()
		}

		ctxErr, ok := cause.(ContextError)
		if !ok {
			break
		}
		cause = ctxErr.Err
	}
	return err.Error()
}

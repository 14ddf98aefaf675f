package errors

import (
	goErrors "errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// contextError wraps an error with a short description of the operation that
// failed. The resulting message reads like a stack of operations, e.g.
// "place: open destination: permission denied".
type contextError struct {
	err     error
	context string
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.err)
}

func (err contextError) Unwrap() error {
	return err.err
}

// WithContext adds context to err. It returns nil if err is nil.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return contextError{err: err, context: context}
}

type baseError struct {
	msg string
}

func (err baseError) Error() string {
	return err.msg
}

// New creates a new error with the given message. Extra arguments are
// formatted into the message with fmt.Sprintf.
func New(msg string, args ...interface{}) error {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return baseError{msg}
}

// FriendlyError is an error whose message is meant to be shown to users
// verbatim, without the chain of contexts that led to it.
type FriendlyError struct {
	msg string
}

func (err FriendlyError) Error() string {
	return err.msg
}

// FriendlyMessage returns the user facing message.
func (err FriendlyError) FriendlyMessage() string {
	return err.msg
}

// NewFriendlyError creates a FriendlyError from the format string.
func NewFriendlyError(msgFmt string, args ...interface{}) error {
	return FriendlyError{fmt.Sprintf(msgFmt, args...)}
}

type friendlyMessager interface {
	FriendlyMessage() string
}

// RootCause strips all the context added by WithContext.
func RootCause(err error) error {
	for {
		ctxErr, ok := err.(contextError)
		if !ok {
			return err
		}
		err = ctxErr.err
	}
}

// GetPrintableMessage returns the friendly message of the first error in the
// chain that has one. Otherwise, it returns the full error message.
func GetPrintableMessage(err error) string {
	var friendly friendlyMessager
	if goErrors.As(err, &friendly) {
		return friendly.FriendlyMessage()
	}
	return err.Error()
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return goErrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return goErrors.As(err, target)
}

const (
	marshalMessageKey  = "message"
	marshalFriendlyKey = "friendly"
	marshalNotFoundKey = "notFound"
)

// Marshal converts err into a protobuf struct so that it can be returned
// inside an RPC response rather than at the transport level.
func Marshal(err error) *structpb.Struct {
	if err == nil {
		return nil
	}

	fields := map[string]*structpb.Value{
		marshalMessageKey: structpb.NewStringValue(err.Error()),
	}

	var notFound FileNotFound
	var friendly FriendlyError
	switch {
	case goErrors.As(err, &notFound):
		fields[marshalNotFoundKey] = structpb.NewStringValue(notFound.Path)
	case goErrors.As(err, &friendly):
		fields[marshalFriendlyKey] = structpb.NewStringValue(friendly.msg)
	}
	return &structpb.Struct{Fields: fields}
}

// Unmarshal returns the error represented by an RPC response. Transport
// level errors take precedence over errors embedded in the response.
func Unmarshal(transportErr error, pbErr *structpb.Struct) error {
	if transportErr != nil {
		return transportErr
	}
	if pbErr == nil {
		return nil
	}

	fields := pbErr.GetFields()
	if path, ok := fields[marshalNotFoundKey]; ok {
		return FileNotFound{Path: path.GetStringValue()}
	}
	if msg, ok := fields[marshalFriendlyKey]; ok {
		return FriendlyError{msg.GetStringValue()}
	}
	return baseError{fields[marshalMessageKey].GetStringValue()}
}

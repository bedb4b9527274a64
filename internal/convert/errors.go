package convert

import (
	"errors"
	"fmt"
)

// Kind classifies a conversion failure.
type Kind string

const (
	KindInvalidRequest           Kind = "InvalidRequest"
	KindAccountRequired          Kind = "AccountRequired"
	KindAccountNotFound          Kind = "AccountNotFound"
	KindInsufficientCredits      Kind = "InsufficientCredits"
	KindExtractionFailed         Kind = "ExtractionFailed"
	KindInvalidTranslationTarget Kind = "InvalidTranslationTarget"
	// KindCommitFailure is any store failure. It also covers a balance read
	// that fails before extraction; in both cases nothing was charged.
	KindCommitFailure            Kind = "CommitFailure"
)

// Error is the only error type Convert returns. Message is safe to show to
// users; Err keeps the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of a conversion error, or "" for anything else.
func KindOf(err error) Kind {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return ""
}

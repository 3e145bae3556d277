package connector

import (
	"errors"
	"fmt"
)

// kind classifies connector failures for the retry policy.
type kind uint8

const (
	kindPermanent kind = iota
	kindRetriable
)

// Error is a connector failure with a retry classification.
type Error struct {
	k   kind
	msg string
	err error
}

// NewRetriable builds a failure the retry policy may reattempt
// (HTTP 429, network timeouts, temporary outages).
func NewRetriable(msg string, err error) *Error {
	return &Error{k: kindRetriable, msg: msg, err: err}
}

// NewPermanent builds a failure that surfaces immediately
// (non-429 4xx, schema mismatches).
func NewPermanent(msg string, err error) *Error {
	return &Error{k: kindPermanent, msg: msg, err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.err == nil {
		return e.msg
	}

	return fmt.Sprintf("%s: %v", e.msg, e.err)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.err
}

// Retriable reports whether err is a connector failure worth retrying.
// Unclassified errors are treated as permanent.
func Retriable(err error) bool {
	var connErr *Error
	if errors.As(err, &connErr) {
		return connErr.k == kindRetriable
	}

	return false
}

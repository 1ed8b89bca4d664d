package model

import "errors"

// ErrValidation is returned when the caller supplies invalid input. Handlers
// convert it to HTTP 400 rather than 500. It is never retried.
type ErrValidation struct {
	Msg string
	Err error // underlying cause, if any
}

func (e *ErrValidation) Error() string { return e.Msg }

func (e *ErrValidation) Unwrap() error { return e.Err }

// ErrInvalidTransition is returned when a status change would move a record backwards.
var ErrInvalidTransition = errors.New("invalid status transition")

// IsValidation reports whether err is (or wraps) an ErrValidation.
func IsValidation(err error) bool {
	var v *ErrValidation
	return errors.As(err, &v)
}

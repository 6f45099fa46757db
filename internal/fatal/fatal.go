// Package fatal marks errors that must stop the machine. A boot loader has
// nowhere to escalate these: the caller logs the reason and halts.
package fatal

import "errors"

// Error is an unrecoverable boot failure.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a fatal error with the given reason.
func New(reason string) error {
	return &Error{Reason: reason}
}

// Wrap marks err as fatal. A nil err yields nil.
func Wrap(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &Error{Reason: reason, Err: err}
}

// Is reports whether any error in err's chain is fatal.
func Is(err error) bool {
	var fe *Error
	return errors.As(err, &fe)
}

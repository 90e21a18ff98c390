package operation

import (
	"errors"
	"fmt"
)

// Failure is a transport-level failure: the backend could not be reached, or
// answered with something other than a well-formed result. A result whose
// status is "error" is not a Failure.
type Failure struct {
	Method     string
	StatusCode int
	Code       int
	Message    string
	Err        error
}

func (f *Failure) Error() string {
	msg := f.Message
	if msg == "" && f.Err != nil {
		msg = f.Err.Error()
	} else if f.Err != nil {
		msg = msg + ": " + f.Err.Error()
	}
	if f.StatusCode != 0 {
		return fmt.Sprintf("%s: http %d: %s", f.Method, f.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", f.Method, msg)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// IsFailure reports whether err is, or wraps, a transport Failure.
func IsFailure(err error) bool {
	var f *Failure
	return errors.As(err, &f)
}

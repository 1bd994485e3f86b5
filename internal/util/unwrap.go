package util

import "github.com/pkg/errors"

// Unwrap strips stackerr stack wrappers and pkg/errors context,
// returning error that can be compared with sentinel errors.
func Unwrap(err error) error {
	type hasUnderlying interface {
		Underlying() error
	}
	for err != nil {
		if eh, ok := err.(hasUnderlying); ok {
			err = eh.Underlying()
			continue
		}
		cause := errors.Cause(err)
		if cause == err {
			return err
		}
		err = cause
	}
	return err
}

package ipvs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvariant is wrapped by every InvariantError so that callers can
	// tell contract violations apart with errors.Is.
	ErrInvariant = errors.New("protocol invariant violated")

	errMissingAttr = errors.New("missing attribute")
	errBadAttr     = errors.New("malformed attribute")
)

// DecodeError signals an attribute group that couldn't be turned into the
// expected object.
type DecodeError struct {
	Object string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("could not decode %s: %v", e.Object, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// InvariantError signals a response the IPVS protocol rules out, such as a
// destination record when listing services or several records replying to
// an update.
type InvariantError struct {
	Op     string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrInvariant, e.Detail)
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariant
}

func missing(object, attr string) error {
	return &DecodeError{Object: object, Err: fmt.Errorf("%w %s", errMissingAttr, attr)}
}

func malformed(object, attr string, err error) error {
	if err == nil {
		return &DecodeError{Object: object, Err: fmt.Errorf("%w %s", errBadAttr, attr)}
	}
	return &DecodeError{Object: object, Err: fmt.Errorf("%w %s: %w", errBadAttr, attr, err)}
}

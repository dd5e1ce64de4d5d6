// Package errs defines the error taxonomy shared by the detection packages.
//
// Every error returned by a constructor or a detection call wraps exactly one
// of the sentinels below, so callers can classify failures with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks an invalid configuration. It is only returned by
	// constructors, never by a detection call.
	ErrConfig = errors.New("configuration error")

	// ErrShape marks an input tensor whose shape is not compatible with the
	// expected rank and dimensions.
	ErrShape = errors.New("shape error")

	// ErrSingular marks a covariance matrix that cannot be factorized.
	ErrSingular = errors.New("singular matrix")
)

// Configf returns an error wrapping ErrConfig.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// Shapef returns an error wrapping ErrShape.
func Shapef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrShape, fmt.Sprintf(format, args...))
}

// Singularf returns an error wrapping ErrSingular.
func Singularf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSingular, fmt.Sprintf(format, args...))
}

package model

import (
	"github.com/pkg/errors"
)

var (
	// ValidationError indicates a request or configuration that can never
	// succeed and is surfaced to the caller, never retried.
	ValidationError = errors.New("validation failed")
	IsValidation    = isErrorFunc(ValidationError)
	// NotFoundError indicates an unknown channel identifier.
	NotFoundError = errors.New("not found")
	IsNotFound    = isErrorFunc(NotFoundError)
	// HardwareUnavailableError indicates a backend that cannot be brought up
	// at all (missing I2C bus, missing vendor tool). Fatal to initialization.
	HardwareUnavailableError = errors.New("hardware unavailable")
	IsHardwareUnavailable    = isErrorFunc(HardwareUnavailableError)
	// HardwareWriteError indicates a single failed pulse write after
	// successful initialization. Shared state is left untouched.
	HardwareWriteError = errors.New("hardware write failed")
	IsHardwareWrite    = isErrorFunc(HardwareWriteError)

	maskAny = errors.WithStack
)

// InvalidArgument creates a ValidationError with given formatted message.
func InvalidArgument(format string, args ...interface{}) error {
	return errors.Wrapf(ValidationError, format, args...)
}

func isErrorFunc(typeOfError error) func(err error) bool {
	return func(err error) bool {
		return err == typeOfError || errors.Cause(err) == typeOfError
	}
}

package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrValidationFailed marks a write rejected because a required field is missing or invalid.
	ErrValidationFailed = errors.New("validation failed")
	// ErrAlreadyExists marks a write that collided with an existing physical key.
	ErrAlreadyExists = errors.New("already exists")
	// ErrPersistenceFailed marks any other storage failure.
	ErrPersistenceFailed = errors.New("persistence failed")
	// ErrConfigurationIncomplete marks a site whose endpoint, enabled flag or site id is absent.
	ErrConfigurationIncomplete = errors.New("configuration incomplete")
)

// Validation tags msg as a validation failure.
func Validation(msg string) error {
	return errors.Join(ErrValidationFailed, errors.New(msg))
}

package scheduling

import (
	"errors"
	"fmt"
)

var (
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidFormat = errors.New("invalid date/time format")
	ErrInvalidStatus = errors.New("invalid appointment status")
	ErrNotFound      = errors.New("appointment not found")
)

// MissingFieldError is returned before any storage access when required
// input is absent.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s is required", e.Field)
}

func (e *MissingFieldError) Is(target error) bool { return target == ErrMissingField }

// InvalidFormatError carries the operator text that matched neither
// accepted timestamp grammar.
type InvalidFormatError struct {
	Text string
}

func (e *InvalidFormatError) Error() string {
	return fmt.Sprintf("invalid date/time %q: expected YYYY-MM-DD HH:MM or YYYY-MM-DD HH:MM:SS", e.Text)
}

func (e *InvalidFormatError) Is(target error) bool { return target == ErrInvalidFormat }

// StorageError wraps a persistence failure. The driver error is kept
// intact and reachable through errors.Is / errors.As.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsValidation reports whether err is caused by caller input rather than
// by storage.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidFormat) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrNotFound)
}

// IsStorage reports whether err came from the persistence layer.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

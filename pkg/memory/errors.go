package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is a normal lookup miss, never a failure.
	ErrNotFound = errors.New("memory: not found")
	// ErrValidation marks rejected caller input.
	ErrValidation = errors.New("memory: invalid input")
	// ErrStorage marks a persistent store failure.
	ErrStorage = errors.New("memory: storage failure")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("memory: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// StorageError wraps a backing-store failure for operation Op.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("memory: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

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

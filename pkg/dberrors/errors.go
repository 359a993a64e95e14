package dberrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("segkv: not found")
	ErrClosed          = errors.New("segkv: closed")
	ErrInvalidArgument = errors.New("segkv: invalid argument")
	ErrCorruption      = errors.New("segkv: corruption")
	ErrIO              = errors.New("segkv: io error")
)

// CorruptionError describes data on disk that failed validation.
type CorruptionError struct {
	Path   string
	Offset int64
	Reason string
}

func (e *CorruptionError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("segkv: corruption in %s at offset %d: %s", e.Path, e.Offset, e.Reason)
	}
	return fmt.Sprintf("segkv: corruption in %s: %s", e.Path, e.Reason)
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruption
}

// Corruptf builds a CorruptionError with a formatted reason.
func Corruptf(path string, offset int64, format string, args ...any) error {
	return &CorruptionError{
		Path:   path,
		Offset: offset,
		Reason: fmt.Sprintf(format, args...),
	}
}

// IOError wraps a failed filesystem operation.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("segkv: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// WrapIO returns nil for a nil err and an *IOError otherwise. Errors that
// already belong to the taxonomy are returned untouched.
func WrapIO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCorruption) || errors.Is(err, ErrIO) {
		return err
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// InvalidArgument wraps ErrInvalidArgument with a description.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

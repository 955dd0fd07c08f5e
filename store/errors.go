package store

import (
	"fmt"

	"golang.org/x/xerrors"
)

var (
	// ErrNotFound is returned when a stored file is missing
	ErrNotFound = xerrors.New("stored file not found")
	// ErrIOFailure is returned for any other file-level failure
	ErrIOFailure = xerrors.New("stored file io failure")
)

// StoreError is a file-level failure, matching ErrNotFound or ErrIOFailure via errors.Is
type StoreError struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (err *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", err.Op, err.Path, err.Kind, err.Err)
}

func (err *StoreError) Unwrap() error {
	return err.Err
}

// Is matches the error kind
func (err *StoreError) Is(target error) bool {
	return target == err.Kind
}

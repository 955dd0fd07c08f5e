package decode

import (
	"fmt"

	"golang.org/x/xerrors"
)

var (
	// ErrNotAnImage is returned when bytes are not in any known image format
	ErrNotAnImage = xerrors.New("not an image")
	// ErrCorruptData is returned when bytes are in an image format but cannot be decoded
	ErrCorruptData = xerrors.New("corrupt image data")
)

// DecodeError matches ErrNotAnImage or ErrCorruptData via errors.Is
type DecodeError struct {
	Kind   error
	Format string
	Err    error
}

func (err *DecodeError) Error() string {
	if len(err.Format) > 0 {
		return fmt.Sprintf("%v (%s): %v", err.Kind, err.Format, err.Err)
	}
	return fmt.Sprintf("%v: %v", err.Kind, err.Err)
}

func (err *DecodeError) Unwrap() error {
	return err.Err
}

// Is matches the error kind
func (err *DecodeError) Is(target error) bool {
	return target == err.Kind
}

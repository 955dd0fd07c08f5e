package index

import (
	"fmt"

	"golang.org/x/xerrors"
)

// ErrIndexClosed is returned by operations on a closed index
var ErrIndexClosed = xerrors.New("index is closed")

// IndexError is a persistence-layer failure reading or writing the catalog
type IndexError struct {
	Op   string
	Path string
	Err  error
}

func (err *IndexError) Error() string {
	return fmt.Sprintf("index %s failed (%s): %v", err.Op, err.Path, err.Err)
}

func (err *IndexError) Unwrap() error {
	return err.Err
}

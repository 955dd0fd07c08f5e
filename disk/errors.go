package disk

import (
	"fmt"

	"github.com/cyverse/imagecache/index"
	"golang.org/x/xerrors"
)

// ErrStaleEntry is matched by errors for index entries whose file is missing or undecodable
var ErrStaleEntry = xerrors.New("stale cache entry")

// StaleEntryError is returned by Fetch when an indexed file cannot be read or decoded
type StaleEntryError struct {
	Entry *index.Entry
	Err   error
}

func (err *StaleEntryError) Error() string {
	return fmt.Sprintf("stale cache entry %s: %v", err.Entry.Key().String(), err.Err)
}

func (err *StaleEntryError) Unwrap() error {
	return err.Err
}

// Is matches ErrStaleEntry
func (err *StaleEntryError) Is(target error) bool {
	return target == ErrStaleEntry
}

// Package index implements the content index mapping cache keys to stored files.
package index

import (
	"time"

	"github.com/cyverse/imagecache/key"
)

// Index is the persistent catalog of stored files
type Index interface {
	// Lookup returns the entry for k, trying the identifier first and the URL second.
	// It returns nil, nil when nothing matches.
	Lookup(k key.CacheKey) (*Entry, error)
	// Insert replaces any entry with an equivalent key
	Insert(entry *Entry) error
	// Remove deletes the entry for k, if any
	Remove(k key.CacheKey) error
	// Expired returns a snapshot of entries expired at now
	Expired(now time.Time) ([]*Entry, error)
	// Entries returns a snapshot of all entries
	Entries() ([]*Entry, error)
	Flush() error
	Close() error
}

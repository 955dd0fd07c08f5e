package index

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cyverse/imagecache/key"
)

// Expiry is either Never or At a point in time. The zero value is Never.
type Expiry struct {
	at  time.Time
	set bool
}

// Never returns an expiry that never passes
func Never() Expiry {
	return Expiry{}
}

// At returns an expiry at t
func At(t time.Time) Expiry {
	return Expiry{at: t, set: true}
}

// After returns an expiry at from+interval
func After(from time.Time, interval time.Duration) Expiry {
	return At(from.Add(interval))
}

// IsNever returns true if the expiry never passes
func (e Expiry) IsNever() bool {
	return !e.set
}

// Time returns the expiry time; ok is false for Never
func (e Expiry) Time() (time.Time, bool) {
	return e.at, e.set
}

// IsExpired returns true if the expiry is at or before now
func (e Expiry) IsExpired(now time.Time) bool {
	if !e.set {
		return false
	}
	return !e.at.After(now)
}

// String stringifies the expiry
func (e Expiry) String() string {
	if !e.set {
		return "never"
	}
	return e.at.Format(time.RFC3339)
}

// MarshalJSON encodes Never as null
func (e Expiry) MarshalJSON() ([]byte, error) {
	if !e.set {
		return []byte("null"), nil
	}
	return json.Marshal(e.at)
}

// UnmarshalJSON decodes null as Never
func (e *Expiry) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*e = Never()
		return nil
	}

	var t time.Time
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	*e = At(t)
	return nil
}

// Entry is a persisted record describing one stored file
type Entry struct {
	Identifier     string    `json:"identifier,omitempty"`
	URL            string    `json:"url,omitempty"`
	StoredFileName string    `json:"stored_file_name"`
	FileExtension  string    `json:"file_extension,omitempty"`
	Size           int64     `json:"size"`
	CreatedAt      time.Time `json:"created_at"`
	Expiry         Expiry    `json:"expires_at"`
}

// Key returns the cache key of the entry
func (entry *Entry) Key() key.CacheKey {
	return key.CacheKey{
		Identifier: entry.Identifier,
		URL:        entry.URL,
	}
}

// RelativePath returns the file name relative to the files directory
func (entry *Entry) RelativePath() string {
	if len(entry.FileExtension) > 0 {
		return entry.StoredFileName + "." + entry.FileExtension
	}
	return entry.StoredFileName
}

// IsExpired returns true if the entry is expired at now
func (entry *Entry) IsExpired(now time.Time) bool {
	return entry.Expiry.IsExpired(now)
}

// Copy returns a copy of the entry
func (entry *Entry) Copy() *Entry {
	entryCopy := *entry
	return &entryCopy
}

// ToString stringifies the object
func (entry *Entry) ToString() string {
	return fmt.Sprintf("<Entry %s %s %d %s %s>", entry.Key().String(), entry.RelativePath(), entry.Size, entry.CreatedAt.Format(time.RFC3339), entry.Expiry.String())
}

// Package key defines the identifier-or-URL key shared by every cache layer.
package key

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"golang.org/x/xerrors"
)

const (
	identifierPrefix string = "id:"
	urlPrefix        string = "url:"
)

// ErrEmptyKey is returned when a key has neither identifier nor URL
var ErrEmptyKey = xerrors.New("cache key has neither identifier nor url")

// CacheKey addresses a cached resource by an opaque identifier or its source URL.
// The identifier takes precedence.
type CacheKey struct {
	Identifier string
	URL        string
}

// NewURLKey creates a key for a source URL
func NewURLKey(sourceURL string) CacheKey {
	return CacheKey{URL: sourceURL}
}

// NewIdentifierKey creates a key with an explicit identifier and an optional source URL
func NewIdentifierKey(identifier string, sourceURL string) CacheKey {
	return CacheKey{Identifier: identifier, URL: sourceURL}
}

// HasIdentifier returns true if the key carries an explicit identifier
func (k CacheKey) HasIdentifier() bool {
	return len(k.Identifier) > 0
}

// HasURL returns true if the key carries a source URL
func (k CacheKey) HasURL() bool {
	return len(k.URL) > 0
}

// IsEmpty returns true if the key addresses nothing
func (k CacheKey) IsEmpty() bool {
	return !k.HasIdentifier() && !k.HasURL()
}

// Validate returns ErrEmptyKey for an empty key
func (k CacheKey) Validate() error {
	if k.IsEmpty() {
		return ErrEmptyKey
	}
	return nil
}

// String returns the canonical form used as a map key by every component
func (k CacheKey) String() string {
	if k.HasIdentifier() {
		return identifierPrefix + k.Identifier
	}
	if k.HasURL() {
		return urlPrefix + k.URL
	}
	return ""
}

// Equivalent returns true if both keys address the same resource:
// identifiers match, or both lack identifiers and URLs match.
func (k CacheKey) Equivalent(other CacheKey) bool {
	if k.IsEmpty() || other.IsEmpty() {
		return false
	}
	return k.String() == other.String()
}

// ToString stringifies the object
func (k CacheKey) ToString() string {
	return fmt.Sprintf("<CacheKey %q %q>", k.Identifier, k.URL)
}

// FileNameHint returns the last path component of the URL without its extension
// and the extension without the leading dot. Either may be empty.
func (k CacheKey) FileNameHint() (string, string) {
	if !k.HasURL() {
		return "", ""
	}

	urlPath := k.URL
	if parsed, err := url.Parse(k.URL); err == nil {
		urlPath = parsed.Path
	}

	base := path.Base(urlPath)
	if base == "." || base == "/" {
		return "", ""
	}

	ext := path.Ext(base)
	name := strings.TrimSuffix(base, ext)
	return name, strings.TrimPrefix(ext, ".")
}

// Package memory holds decoded images in process memory.
package memory

import (
	"github.com/cyverse/imagecache/decode"
	"github.com/cyverse/imagecache/key"
)

// Store is a memory store for decoded images, safe for concurrent use
type Store interface {
	Get(k key.CacheKey) (*decode.Image, bool)
	Set(k key.CacheKey, img *decode.Image)
	Remove(k key.CacheKey)
	RemoveAll()
	Len() int
}

package memory

import (
	"github.com/cyverse/imagecache/decode"
	"github.com/cyverse/imagecache/key"
	lrucache "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// LRUStore bounds the number of images, evicting the least recently used
type LRUStore struct {
	maxEntries int
	lruCache   *lrucache.Cache
}

// NewLRUStore creates a new LRUStore holding at most maxEntries images
func NewLRUStore(maxEntries int) (*LRUStore, error) {
	if maxEntries <= 0 {
		return nil, xerrors.Errorf("max entries must be positive, got %d", maxEntries)
	}

	store := &LRUStore{
		maxEntries: maxEntries,
	}

	lruCache, err := lrucache.NewWithEvict(maxEntries, store.onEvicted)
	if err != nil {
		return nil, xerrors.Errorf("failed to create LRU cache: %w", err)
	}
	store.lruCache = lruCache
	return store, nil
}

// GetMaxEntries returns the entry cap
func (store *LRUStore) GetMaxEntries() int {
	return store.maxEntries
}

// Get returns the image for k and marks it recently used
func (store *LRUStore) Get(k key.CacheKey) (*decode.Image, bool) {
	if value, ok := store.lruCache.Get(k.String()); ok {
		if img, ok := value.(*decode.Image); ok {
			return img, true
		}
	}
	return nil, false
}

// Set adds or replaces the image for k
func (store *LRUStore) Set(k key.CacheKey, img *decode.Image) {
	if img == nil || k.IsEmpty() {
		return
	}
	store.lruCache.Add(k.String(), img)
}

// Remove removes the image for k
func (store *LRUStore) Remove(k key.CacheKey) {
	store.lruCache.Remove(k.String())
}

// RemoveAll removes all images
func (store *LRUStore) RemoveAll() {
	store.lruCache.Purge()
}

// Len returns the number of images
func (store *LRUStore) Len() int {
	return store.lruCache.Len()
}

func (store *LRUStore) onEvicted(k interface{}, _ interface{}) {
	logger := log.WithFields(log.Fields{
		"package":  "memory",
		"struct":   "LRUStore",
		"function": "onEvicted",
	})

	logger.Debugf("evicted image %v", k)
}

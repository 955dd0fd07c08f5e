package memory

import (
	"sync"
	"time"

	"github.com/cyverse/imagecache/decode"
	"github.com/cyverse/imagecache/key"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/xerrors"
)

// TTLStore bounds the age of images, optionally also their number.
// When the cap is reached the image closest to expiry is dropped.
type TTLStore struct {
	ttl        time.Duration
	maxEntries int // 0 = unbounded
	cache      *gocache.Cache
	mutex      sync.Mutex
}

// NewTTLStore creates a new TTLStore. maxEntries <= 0 disables the count cap.
func NewTTLStore(ttl time.Duration, cleanupInterval time.Duration, maxEntries int) (*TTLStore, error) {
	if ttl <= 0 {
		return nil, xerrors.Errorf("ttl must be positive, got %s", ttl)
	}

	if cleanupInterval <= 0 {
		cleanupInterval = ttl
	}

	if maxEntries < 0 {
		maxEntries = 0
	}

	return &TTLStore{
		ttl:        ttl,
		maxEntries: maxEntries,
		cache:      gocache.New(ttl, cleanupInterval),
	}, nil
}

// GetTTL returns the age bound
func (store *TTLStore) GetTTL() time.Duration {
	return store.ttl
}

// Get returns the unexpired image for k
func (store *TTLStore) Get(k key.CacheKey) (*decode.Image, bool) {
	if value, ok := store.cache.Get(k.String()); ok {
		if img, ok := value.(*decode.Image); ok {
			return img, true
		}
	}
	return nil, false
}

// Set adds or replaces the image for k, resetting its age
func (store *TTLStore) Set(k key.CacheKey, img *decode.Image) {
	if img == nil || k.IsEmpty() {
		return
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()

	mapKey := k.String()
	if store.maxEntries > 0 {
		if _, exists := store.cache.Get(mapKey); !exists {
			for store.cache.ItemCount() >= store.maxEntries {
				if !store.evictOldest() {
					break
				}
			}
		}
	}

	store.cache.SetDefault(mapKey, img)
}

// evictOldest drops the item with the earliest expiration, assumes the lock is held
func (store *TTLStore) evictOldest() bool {
	oldestKey := ""
	var oldestExpiration int64
	for itemKey, item := range store.cache.Items() {
		if len(oldestKey) == 0 || item.Expiration < oldestExpiration {
			oldestKey = itemKey
			oldestExpiration = item.Expiration
		}
	}

	if len(oldestKey) == 0 {
		return false
	}

	store.cache.Delete(oldestKey)
	return true
}

// Remove removes the image for k
func (store *TTLStore) Remove(k key.CacheKey) {
	store.cache.Delete(k.String())
}

// RemoveAll removes all images
func (store *TTLStore) RemoveAll() {
	store.cache.Flush()
}

// Len returns the number of images, possibly including expired ones not yet cleaned up
func (store *TTLStore) Len() int {
	return store.cache.ItemCount()
}

package disk

import (
	"time"

	"github.com/cyverse/imagecache/decode"
	"github.com/cyverse/imagecache/metrics"
	"github.com/cyverse/imagecache/utils"
)

// Option configures a Cache
type Option func(*Cache)

// WithClock sets the clock used for creation and expiry times
func WithClock(clock utils.Clock) Option {
	return func(cache *Cache) {
		cache.clock = utils.OrSystemClock(clock)
	}
}

// WithObserver sets the metrics observer
func WithObserver(observer metrics.Observer) Option {
	return func(cache *Cache) {
		cache.observer = metrics.OrNop(observer)
	}
}

// WithExecutors shares executors owned by the caller. Nil executors are created and owned by the Cache.
func WithExecutors(indexExecutor *utils.Executor, decodeExecutor *utils.Executor, utilityExecutor *utils.Executor) Option {
	return func(cache *Cache) {
		cache.indexExecutor = indexExecutor
		cache.decodeExecutor = decodeExecutor
		cache.utilityExecutor = utilityExecutor
	}
}

type fetchOptions struct {
	decodeOptions decode.Options
}

// FetchOption configures Fetch
type FetchOption func(*fetchOptions)

// WithMaxPixelSize bounds the decoded buffer
func WithMaxPixelSize(size decode.Size) FetchOption {
	return func(opts *fetchOptions) {
		opts.decodeOptions.MaxPixelSize = size
	}
}

type storeOptions struct {
	fileName      string
	fileExtension string
	expireAfter   time.Duration // 0 = never
}

// StoreOption configures Store
type StoreOption func(*storeOptions)

// WithFileName sets the readable part of the stored file name
func WithFileName(name string) StoreOption {
	return func(opts *storeOptions) {
		opts.fileName = name
	}
}

// WithFileExtension sets the stored file extension, without a leading dot
func WithFileExtension(ext string) StoreOption {
	return func(opts *storeOptions) {
		opts.fileExtension = ext
	}
}

// WithExpireAfter expires the entry interval after it is stored. Zero or negative never expires.
func WithExpireAfter(interval time.Duration) StoreOption {
	return func(opts *storeOptions) {
		opts.expireAfter = interval
	}
}

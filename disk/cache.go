// Package disk implements the persistent image cache on top of the content index and the file store.
package disk

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cyverse/imagecache/decode"
	"github.com/cyverse/imagecache/index"
	"github.com/cyverse/imagecache/key"
	"github.com/cyverse/imagecache/metrics"
	"github.com/cyverse/imagecache/store"
	"github.com/cyverse/imagecache/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"
)

// maxDeletePasses bounds Delete; a key can match its identifier entry and a URL fallback entry
const maxDeletePasses int = 2

// Cache stores encoded image bytes on disk and serves decoded images.
// Index and file I/O run on the index executor, decoding on the decode executor,
// and sweeps, deletes and orphan reclamation on the utility executor.
type Cache struct {
	index     index.Index
	fileStore *store.FileStore
	decoder   decode.Decoder

	indexExecutor   *utils.Executor
	decodeExecutor  *utils.Executor
	utilityExecutor *utils.Executor
	ownedExecutors  []*utils.Executor

	fetchGroup singleflight.Group
	writeLocks *utils.KeyedMutex
	// held shared by writers and exclusively by orphan reclamation
	reclaimMutex sync.RWMutex

	clock    utils.Clock
	observer metrics.Observer
}

// NewCache creates a new Cache. The Cache owns idx and closes it on Close.
func NewCache(idx index.Index, fileStore *store.FileStore, decoder decode.Decoder, opts ...Option) (*Cache, error) {
	if idx == nil || fileStore == nil || decoder == nil {
		return nil, xerrors.Errorf("index, file store and decoder are required")
	}

	cache := &Cache{
		index:      idx,
		fileStore:  fileStore,
		decoder:    decoder,
		writeLocks: utils.NewKeyedMutex(),
		clock:      utils.SystemClock,
		observer:   metrics.NopObserver{},
	}

	for _, opt := range opts {
		opt(cache)
	}

	if cache.indexExecutor == nil {
		cache.indexExecutor = utils.NewExecutor("index", 1)
		cache.ownedExecutors = append(cache.ownedExecutors, cache.indexExecutor)
	}
	if cache.decodeExecutor == nil {
		cache.decodeExecutor = utils.NewExecutor("decode", 0)
		cache.ownedExecutors = append(cache.ownedExecutors, cache.decodeExecutor)
	}
	if cache.utilityExecutor == nil {
		cache.utilityExecutor = utils.NewExecutor("utility", 1)
		cache.ownedExecutors = append(cache.ownedExecutors, cache.utilityExecutor)
	}

	return cache, nil
}

// Close waits for owned executors to drain, then closes the index
func (cache *Cache) Close() error {
	for _, executor := range cache.ownedExecutors {
		executor.Close()
	}

	err := cache.index.Close()
	if err != nil {
		return xerrors.Errorf("failed to close index: %w", err)
	}
	return nil
}

// GetFileStore returns the file store
func (cache *Cache) GetFileStore() *store.FileStore {
	return cache.fileStore
}

// Fetch returns the decoded image for k, or nil, nil if k is not cached.
// An indexed entry whose file is missing or undecodable returns an error matching ErrStaleEntry.
// Concurrent fetches for the same key and options share one lookup and decode.
func (cache *Cache) Fetch(ctx context.Context, k key.CacheKey, opts ...FetchOption) (*decode.Image, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}

	fetchOpts := fetchOptions{}
	for _, opt := range opts {
		opt(&fetchOpts)
	}

	flightKey := k.String() + "|" + fetchOpts.decodeOptions.MaxPixelSize.String()
	// the shared fetch outlives a cancelled caller so other waiters still get a result
	flightCtx := context.WithoutCancel(ctx)

	resultChan := cache.fetchGroup.DoChan(flightKey, func() (interface{}, error) {
		return cache.fetch(flightCtx, k, fetchOpts)
	})

	select {
	case result := <-resultChan:
		if result.Err != nil {
			return nil, result.Err
		}
		img, _ := result.Val.(*decode.Image)
		return img, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (cache *Cache) fetch(ctx context.Context, k key.CacheKey, opts fetchOptions) (*decode.Image, error) {
	logger := log.WithFields(log.Fields{
		"package":  "disk",
		"struct":   "Cache",
		"function": "fetch",
		"key":      k.String(),
	})

	entry, err := utils.Submit(ctx, cache.indexExecutor, func() (*index.Entry, error) {
		return cache.index.Lookup(k)
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to lookup %s: %w", k.String(), err)
	}

	if entry == nil {
		logger.Debug("disk cache miss")
		cache.observer.RecordDiskMiss()
		return nil, nil
	}

	storedPath := cache.fileStore.ResolvePath(entry)
	img, err := utils.Submit(ctx, cache.decodeExecutor, func() (*decode.Image, error) {
		start := time.Now()
		img, decodeErr := cache.decoder.DecodeFile(storedPath, opts.decodeOptions)
		if errors.Is(decodeErr, os.ErrNotExist) {
			return nil, &store.StoreError{Kind: store.ErrNotFound, Op: "read", Path: storedPath, Err: decodeErr}
		}

		cache.observer.RecordDecode(time.Since(start), decodeErr)
		return img, decodeErr
	})
	if err != nil {
		logger.WithError(err).Debugf("failed to decode %s", entry.RelativePath())
		cache.observer.RecordDiskStale()
		return nil, &StaleEntryError{Entry: entry, Err: err}
	}

	logger.Debugf("disk cache hit %s", entry.RelativePath())
	cache.observer.RecordDiskHit()
	return img, nil
}

// Store writes data for k and indexes it, replacing any previous entry for k.
// Writes for the same key are serialized; the last write wins.
func (cache *Cache) Store(ctx context.Context, data []byte, k key.CacheKey, opts ...StoreOption) (*index.Entry, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}

	storeOpts := storeOptions{}
	for _, opt := range opts {
		opt(&storeOpts)
	}

	now := cache.clock()
	expiry := index.Never()
	if storeOpts.expireAfter > 0 {
		expiry = index.After(now, storeOpts.expireAfter)
	}

	entry := &index.Entry{
		Identifier:     k.Identifier,
		URL:            k.URL,
		StoredFileName: store.MakeFileName(k, storeOpts.fileName),
		FileExtension:  strings.ToLower(store.SanitizeName(storeOpts.fileExtension)),
		Size:           int64(len(data)),
		CreatedAt:      now,
		Expiry:         expiry,
	}

	return utils.Submit(ctx, cache.indexExecutor, func() (*index.Entry, error) {
		return cache.storeEntry(data, entry)
	})
}

func (cache *Cache) storeEntry(data []byte, entry *index.Entry) (*index.Entry, error) {
	logger := log.WithFields(log.Fields{
		"package":  "disk",
		"struct":   "Cache",
		"function": "storeEntry",
		"key":      entry.Key().String(),
	})

	cache.reclaimMutex.RLock()
	defer cache.reclaimMutex.RUnlock()

	unlock := cache.writeLocks.Lock(entry.Key().String())
	defer unlock()

	prev, err := cache.index.Lookup(entry.Key())
	if err != nil {
		return nil, xerrors.Errorf("failed to lookup %s: %w", entry.Key().String(), err)
	}
	if prev != nil && !prev.Key().Equivalent(entry.Key()) {
		// URL fallback match, not replaced by this entry
		prev = nil
	}

	err = cache.fileStore.Write(data, entry)
	if err != nil {
		return nil, xerrors.Errorf("failed to write %s: %w", entry.RelativePath(), err)
	}

	err = cache.index.Insert(entry)
	if err != nil {
		if prev == nil || prev.RelativePath() != entry.RelativePath() {
			if deleteErr := cache.fileStore.Delete(entry); deleteErr != nil {
				logger.WithError(deleteErr).Errorf("failed to delete unindexed file %s", entry.RelativePath())
			}
		}
		return nil, xerrors.Errorf("failed to index %s: %w", entry.RelativePath(), err)
	}

	if prev != nil && prev.RelativePath() != entry.RelativePath() {
		if deleteErr := cache.fileStore.Delete(prev); deleteErr != nil {
			logger.WithError(deleteErr).Warnf("failed to delete replaced file %s", prev.RelativePath())
		}
	}

	logger.Debugf("stored %s (%d bytes, expires %s)", entry.RelativePath(), entry.Size, entry.Expiry.String())
	return entry.Copy(), nil
}

// Delete removes the file, then the index entry for k. Absent keys are a no-op.
func (cache *Cache) Delete(ctx context.Context, k key.CacheKey) error {
	if err := k.Validate(); err != nil {
		return err
	}

	_, err := utils.Submit(ctx, cache.utilityExecutor, func() (struct{}, error) {
		for pass := 0; pass < maxDeletePasses; pass++ {
			entry, err := cache.index.Lookup(k)
			if err != nil {
				return struct{}{}, xerrors.Errorf("failed to lookup %s: %w", k.String(), err)
			}

			if entry == nil {
				return struct{}{}, nil
			}

			if err := cache.deleteEntry(entry); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	return err
}

// deleteEntry deletes the file, then the index entry
func (cache *Cache) deleteEntry(entry *index.Entry) error {
	unlock := cache.writeLocks.Lock(entry.Key().String())
	defer unlock()

	err := cache.fileStore.Delete(entry)
	if err != nil {
		return xerrors.Errorf("failed to delete file %s: %w", entry.RelativePath(), err)
	}

	err = cache.index.Remove(entry.Key())
	if err != nil {
		return xerrors.Errorf("failed to remove index entry %s: %w", entry.Key().String(), err)
	}
	return nil
}

// SweepExpired deletes every entry expired at now, file first, and returns the number removed.
// A failing entry does not stop the sweep; the first failure is returned.
func (cache *Cache) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	logger := log.WithFields(log.Fields{
		"package":  "disk",
		"struct":   "Cache",
		"function": "SweepExpired",
	})

	removed, err := utils.Submit(ctx, cache.utilityExecutor, func() (int, error) {
		expired, err := cache.index.Expired(now)
		if err != nil {
			return 0, xerrors.Errorf("failed to list expired entries: %w", err)
		}

		removed := 0
		var firstErr error
		for _, entry := range expired {
			if ctx.Err() != nil {
				return removed, ctx.Err()
			}

			ok, err := cache.sweepEntry(entry, now)
			if err != nil {
				logger.WithError(err).Warnf("failed to sweep %s", entry.Key().String())
				if firstErr == nil {
					firstErr = err
				}
				continue
			}

			if ok {
				removed++
			}
		}
		return removed, firstErr
	})

	cache.observer.RecordSweep(removed)
	logger.Debugf("swept %d expired entries", removed)
	return removed, err
}

// sweepEntry deletes entry if it is still the current, expired entry for its key
func (cache *Cache) sweepEntry(entry *index.Entry, now time.Time) (bool, error) {
	unlock := cache.writeLocks.Lock(entry.Key().String())
	defer unlock()

	current, err := cache.index.Lookup(entry.Key())
	if err != nil {
		return false, xerrors.Errorf("failed to lookup %s: %w", entry.Key().String(), err)
	}

	// replaced since the snapshot
	if current == nil || !current.Key().Equivalent(entry.Key()) || !current.IsExpired(now) {
		return false, nil
	}

	err = cache.fileStore.Delete(current)
	if err != nil {
		return false, xerrors.Errorf("failed to delete file %s: %w", current.RelativePath(), err)
	}

	err = cache.index.Remove(current.Key())
	if err != nil {
		return false, xerrors.Errorf("failed to remove index entry %s: %w", current.Key().String(), err)
	}
	return true, nil
}

// ReclaimOrphans deletes stored files that no index entry references and returns the number deleted
func (cache *Cache) ReclaimOrphans(ctx context.Context) (int, error) {
	logger := log.WithFields(log.Fields{
		"package":  "disk",
		"struct":   "Cache",
		"function": "ReclaimOrphans",
	})

	return utils.Submit(ctx, cache.utilityExecutor, func() (int, error) {
		cache.reclaimMutex.Lock()
		defer cache.reclaimMutex.Unlock()

		entries, err := cache.index.Entries()
		if err != nil {
			return 0, xerrors.Errorf("failed to list index entries: %w", err)
		}

		referenced := map[string]bool{}
		for _, entry := range entries {
			referenced[entry.RelativePath()] = true
		}

		names, err := cache.fileStore.List()
		if err != nil {
			return 0, xerrors.Errorf("failed to list stored files: %w", err)
		}

		reclaimed := 0
		for _, name := range names {
			if referenced[name] {
				continue
			}

			if err := cache.fileStore.DeleteFile(name); err != nil {
				return reclaimed, xerrors.Errorf("failed to delete orphan file %s: %w", name, err)
			}

			logger.Debugf("deleted orphan file %s", name)
			reclaimed++
		}
		return reclaimed, nil
	})
}

// Entries returns a snapshot of all index entries
func (cache *Cache) Entries(ctx context.Context) ([]*index.Entry, error) {
	return utils.Submit(ctx, cache.indexExecutor, func() ([]*index.Entry, error) {
		return cache.index.Entries()
	})
}

// Path returns the stored file path for k, or an empty string if k is not cached
func (cache *Cache) Path(ctx context.Context, k key.CacheKey) (string, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}

	entry, err := utils.Submit(ctx, cache.indexExecutor, func() (*index.Entry, error) {
		return cache.index.Lookup(k)
	})
	if err != nil {
		return "", xerrors.Errorf("failed to lookup %s: %w", k.String(), err)
	}

	if entry == nil {
		return "", nil
	}
	return cache.fileStore.ResolvePath(entry), nil
}

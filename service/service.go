// Package service resolves cache keys to decoded images through memory, disk and network.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cyverse/imagecache/config"
	"github.com/cyverse/imagecache/decode"
	"github.com/cyverse/imagecache/disk"
	"github.com/cyverse/imagecache/download"
	"github.com/cyverse/imagecache/index"
	"github.com/cyverse/imagecache/irods"
	"github.com/cyverse/imagecache/key"
	"github.com/cyverse/imagecache/memory"
	"github.com/cyverse/imagecache/metrics"
	"github.com/cyverse/imagecache/store"
	"github.com/cyverse/imagecache/transport"
	"github.com/cyverse/imagecache/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	// ApplicationName is reported to iRODS servers
	ApplicationName string = "imagecache"
)

var (
	// ErrNotCached is returned by Cached for keys in neither memory nor disk
	ErrNotCached = xerrors.New("image is not cached")
	// ErrServiceClosed is returned for operations after Close
	ErrServiceClosed = xerrors.New("image service is closed")
	// ErrRequestCancelled is returned by Wait for a cancelled handle
	ErrRequestCancelled = xerrors.New("image request is cancelled")
)

// Options holds the collaborators of a Service. Nil collaborators are built from Config.
type Options struct {
	Config      *config.Config
	Transport   transport.Transport
	Decoder     decode.Decoder
	MemoryStore memory.Store
	Index       index.Index
	Observer    metrics.Observer
	Clock       utils.Clock
}

// Service resolves cache keys to decoded images
type Service struct {
	config      *config.Config
	decoder     decode.Decoder
	memoryStore memory.Store
	diskCache   *disk.Cache
	coordinator *download.Coordinator
	observer    metrics.Observer
	clock       utils.Clock

	indexExecutor   *utils.Executor
	decodeExecutor  *utils.Executor
	utilityExecutor *utils.Executor

	releasers []func()

	housekeepingCancel context.CancelFunc
	housekeepingWaiter sync.WaitGroup
	closed             bool
	mutex              sync.Mutex
}

// New creates a new Service
func New(opts Options) (*Service, error) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"function": "New",
	})

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	err := cfg.Validate()
	if err != nil {
		return nil, xerrors.Errorf("invalid config: %w", err)
	}

	svc := &Service{
		config:   cfg,
		decoder:  opts.Decoder,
		observer: metrics.OrNop(opts.Observer),
		clock:    utils.OrSystemClock(opts.Clock),
	}

	if svc.decoder == nil {
		svc.decoder = decode.NewImageDecoder()
	}

	svc.memoryStore = opts.MemoryStore
	if svc.memoryStore == nil {
		svc.memoryStore, err = newMemoryStore(cfg)
		if err != nil {
			return nil, err
		}
	}

	tr := opts.Transport
	if tr == nil {
		tr, err = svc.newTransport(cfg)
		if err != nil {
			svc.release()
			return nil, err
		}
	}

	idx := opts.Index
	if idx == nil {
		idx, err = index.NewFileIndex(cfg.GetIndexFilePath())
		if err != nil {
			svc.release()
			return nil, xerrors.Errorf("failed to open index: %w", err)
		}
	}

	fileStore, err := store.NewFileStore(cfg.GetFilesDirPath())
	if err != nil {
		idx.Close()
		svc.release()
		return nil, xerrors.Errorf("failed to create file store: %w", err)
	}

	svc.indexExecutor = utils.NewExecutor("index", cfg.IndexWorkers)
	svc.decodeExecutor = utils.NewExecutor("decode", cfg.DecodeWorkers)
	svc.utilityExecutor = utils.NewExecutor("utility", cfg.UtilityWorkers)

	svc.diskCache, err = disk.NewCache(idx, fileStore, svc.decoder,
		disk.WithClock(svc.clock),
		disk.WithObserver(svc.observer),
		disk.WithExecutors(svc.indexExecutor, svc.decodeExecutor, svc.utilityExecutor),
	)
	if err != nil {
		idx.Close()
		svc.closeExecutors()
		svc.release()
		return nil, xerrors.Errorf("failed to create disk cache: %w", err)
	}

	svc.coordinator = download.NewCoordinator(tr, svc.decoder, svc.decodeExecutor,
		download.WithObserver(svc.observer),
		download.WithDiskStore(svc.diskCache),
	)

	logger.Debugf("created image service at %s", cfg.GetCacheDirPath())
	return svc, nil
}

func newMemoryStore(cfg *config.Config) (memory.Store, error) {
	if cfg.MemoryTTL > 0 {
		ttlStore, err := memory.NewTTLStore(cfg.MemoryTTL, cfg.MemoryTTL, cfg.MaxMemoryEntries)
		if err != nil {
			return nil, xerrors.Errorf("failed to create ttl memory store: %w", err)
		}
		return ttlStore, nil
	}

	lruStore, err := memory.NewLRUStore(cfg.MaxMemoryEntries)
	if err != nil {
		return nil, xerrors.Errorf("failed to create lru memory store: %w", err)
	}
	return lruStore, nil
}

// newTransport registers http(s) and, if an account is configured, irods
func (svc *Service) newTransport(cfg *config.Config) (transport.Transport, error) {
	mux := transport.NewMux()
	mux.Handle(transport.NewHTTPTransport(
		transport.WithTimeout(cfg.HTTPTimeout),
		transport.WithUserAgent(cfg.UserAgent),
	), "http", "https")

	if cfg.IRODS.IsConfigured() {
		account, err := cfg.IRODS.MakeAccount()
		if err != nil {
			return nil, err
		}

		client, err := irods.NewDirectClient(account, ApplicationName)
		if err != nil {
			return nil, xerrors.Errorf("failed to create irods client: %w", err)
		}

		irodsTransport := transport.NewIRODSTransport(client, cfg.IRODSChunkSize)
		svc.releasers = append(svc.releasers, irodsTransport.Release)
		mux.Handle(irodsTransport, "irods")
	}

	return mux, nil
}

// GetConfig returns the config
func (svc *Service) GetConfig() *config.Config {
	return svc.config
}

// GetDiskCache returns the disk cache
func (svc *Service) GetDiskCache() *disk.Cache {
	return svc.diskCache
}

// ActiveDownloads returns the number of in-flight download sessions
func (svc *Service) ActiveDownloads() int {
	return svc.coordinator.Active()
}

// Close cancels downloads and housekeeping, then closes the disk cache
func (svc *Service) Close() error {
	svc.mutex.Lock()
	if svc.closed {
		svc.mutex.Unlock()
		return nil
	}

	svc.closed = true
	housekeepingCancel := svc.housekeepingCancel
	svc.housekeepingCancel = nil
	svc.mutex.Unlock()

	if housekeepingCancel != nil {
		housekeepingCancel()
	}
	svc.housekeepingWaiter.Wait()

	svc.coordinator.Close()
	err := svc.diskCache.Close()
	svc.closeExecutors()
	svc.release()
	svc.memoryStore.RemoveAll()

	if err != nil {
		return xerrors.Errorf("failed to close disk cache: %w", err)
	}
	return nil
}

func (svc *Service) closeExecutors() {
	for _, executor := range []*utils.Executor{svc.indexExecutor, svc.decodeExecutor, svc.utilityExecutor} {
		if executor != nil {
			executor.Close()
		}
	}
}

func (svc *Service) release() {
	for _, releaser := range svc.releasers {
		releaser()
	}
	svc.releasers = nil
}

func (svc *Service) isClosed() bool {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	return svc.closed
}

// Request resolves k. A memory hit returns a handle that is already ready, otherwise disk and network are tried asynchronously.
func (svc *Service) Request(k key.CacheKey, opts ...RequestOption) *Handle {
	handle := newHandle(svc, k, svc.makeRequestOptions(k, opts))

	if err := k.Validate(); err != nil {
		handle.setStateLocked(failedState(err))
		return handle
	}

	if svc.isClosed() {
		handle.setStateLocked(failedState(ErrServiceClosed))
		return handle
	}

	if img, ok := svc.memoryStore.Get(k); ok {
		svc.observer.RecordMemoryHit()
		handle.setStateLocked(readyState(img))
		return handle
	}

	svc.observer.RecordMemoryMiss()
	handle.start()
	return handle
}

func (svc *Service) makeRequestOptions(k key.CacheKey, opts []RequestOption) requestOptions {
	requestOpts := requestOptions{}
	for _, opt := range opts {
		opt(&requestOpts)
	}

	if requestOpts.expireAfter == nil {
		expireAfter := svc.config.DefaultExpireAfter
		requestOpts.expireAfter = &expireAfter
	}

	if requestOpts.maxPixelSize == nil {
		maxPixelSize := svc.config.GetMaxPixelSize()
		requestOpts.maxPixelSize = &maxPixelSize
	}

	nameHint, extHint := k.FileNameHint()
	if requestOpts.fileName == nil {
		requestOpts.fileName = &nameHint
	}

	if requestOpts.fileExtension == nil {
		requestOpts.fileExtension = &extHint
	}

	return requestOpts
}

// resolveFromDisk looks k up on disk. A stale entry is deleted and reported as a miss.
func (svc *Service) resolveFromDisk(ctx context.Context, k key.CacheKey, opts requestOptions) (*decode.Image, error) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "Service",
		"function": "resolveFromDisk",
		"key":      k.String(),
	})

	img, err := svc.diskCache.Fetch(ctx, k, disk.WithMaxPixelSize(*opts.maxPixelSize))
	if err != nil {
		if !errors.Is(err, disk.ErrStaleEntry) {
			return nil, err
		}

		logger.WithError(err).Warn("deleting stale disk entry")
		if deleteErr := svc.diskCache.Delete(ctx, k); deleteErr != nil {
			logger.WithError(deleteErr).Error("failed to delete stale disk entry")
		}
		return nil, nil
	}

	if img != nil {
		svc.memoryStore.Set(k, img)
	}
	return img, nil
}

func (svc *Service) download(k key.CacheKey, opts requestOptions, subscriber download.Subscriber) (*download.Subscription, error) {
	storeOpts := []disk.StoreOption{
		disk.WithExpireAfter(*opts.expireAfter),
		disk.WithFileName(*opts.fileName),
		disk.WithFileExtension(*opts.fileExtension),
	}

	return svc.coordinator.Request(k, download.Options{
		DecodeOptions: decode.Options{MaxPixelSize: *opts.maxPixelSize},
		StoreOptions:  storeOpts,
		InMemory:      opts.inMemory,
	}, subscriber)
}

// Cached returns the image for k from memory or disk without touching the network
func (svc *Service) Cached(ctx context.Context, k key.CacheKey, opts ...RequestOption) (*decode.Image, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}

	if svc.isClosed() {
		return nil, ErrServiceClosed
	}

	if img, ok := svc.memoryStore.Get(k); ok {
		svc.observer.RecordMemoryHit()
		return img, nil
	}
	svc.observer.RecordMemoryMiss()

	img, err := svc.resolveFromDisk(ctx, k, svc.makeRequestOptions(k, opts))
	if err != nil {
		return nil, xerrors.Errorf("failed to read %s from disk: %w", k.String(), err)
	}

	if img == nil {
		return nil, ErrNotCached
	}
	return img, nil
}

// Delete removes k from memory and disk
func (svc *Service) Delete(ctx context.Context, k key.CacheKey) error {
	if err := k.Validate(); err != nil {
		return err
	}

	if svc.isClosed() {
		return ErrServiceClosed
	}

	svc.memoryStore.Remove(k)

	err := svc.diskCache.Delete(ctx, k)
	if err != nil {
		return xerrors.Errorf("failed to delete %s from disk: %w", k.String(), err)
	}
	return nil
}

// RemoveAllFromMemory drops every in-memory image, disk is untouched
func (svc *Service) RemoveAllFromMemory() {
	svc.memoryStore.RemoveAll()
}

// Cleanup deletes expired disk entries and returns how many were removed
func (svc *Service) Cleanup(ctx context.Context) (int, error) {
	if svc.isClosed() {
		return 0, ErrServiceClosed
	}

	return svc.diskCache.SweepExpired(ctx, svc.clock())
}

// StartHousekeeping runs Cleanup every interval until Close. Calling it again replaces the previous schedule.
func (svc *Service) StartHousekeeping(interval time.Duration) error {
	if interval <= 0 {
		return xerrors.Errorf("housekeeping interval must be positive")
	}

	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	if svc.closed {
		return ErrServiceClosed
	}

	if svc.housekeepingCancel != nil {
		svc.housekeepingCancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc.housekeepingCancel = cancel

	svc.housekeepingWaiter.Add(1)
	go svc.housekeeping(ctx, interval)
	return nil
}

func (svc *Service) housekeeping(ctx context.Context, interval time.Duration) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "Service",
		"function": "housekeeping",
	})

	defer svc.housekeepingWaiter.Done()
	defer utils.StackTraceFromPanic(logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := svc.diskCache.SweepExpired(ctx, svc.clock())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.WithError(err).Error("failed to sweep expired entries")
				continue
			}

			if removed > 0 {
				logger.Debugf("swept %d expired entries", removed)
			}
		}
	}
}

// Package download runs one deduplicated fetch per cache key and fans its events out to subscribers.
package download

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cyverse/imagecache/decode"
	"github.com/cyverse/imagecache/disk"
	"github.com/cyverse/imagecache/index"
	"github.com/cyverse/imagecache/key"
	"github.com/cyverse/imagecache/metrics"
	"github.com/cyverse/imagecache/transport"
	"github.com/cyverse/imagecache/utils"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

var (
	// ErrCoordinatorClosed is returned for requests after Close
	ErrCoordinatorClosed = xerrors.New("download coordinator is closed")
	// ErrNoSourceURL is returned for keys without a URL to download from
	ErrNoSourceURL = xerrors.New("cache key has no source url")
	// ErrSessionPanicked is delivered to subscribers of a session whose download panicked
	ErrSessionPanicked = xerrors.New("download session panicked")
)

// DiskStore persists downloaded bytes
type DiskStore interface {
	Store(ctx context.Context, data []byte, k key.CacheKey, opts ...disk.StoreOption) (*index.Entry, error)
}

// Options configures a download session. Options of requests joining a session are ignored.
type Options struct {
	DecodeOptions decode.Options
	StoreOptions  []disk.StoreOption
	// InMemory skips persisting the downloaded bytes
	InMemory bool
}

// session is one in-flight fetch, guarded by the coordinator mutex
type session struct {
	id            string
	k             key.CacheKey
	subscriptions map[string]*Subscription
	lastProgress  *transport.Progress
	finished      bool
	cancel        context.CancelFunc
}

// Coordinator keeps at most one download session per cache key
type Coordinator struct {
	transport      transport.Transport
	diskStore      DiskStore // nil = never persist
	decoder        decode.Decoder
	decodeExecutor *utils.Executor
	observer       metrics.Observer

	sessions map[string]*session // key = canonical cache key
	closed   bool
	waiter   sync.WaitGroup
	mutex    sync.Mutex
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithObserver sets the metrics observer
func WithObserver(observer metrics.Observer) Option {
	return func(coordinator *Coordinator) {
		coordinator.observer = metrics.OrNop(observer)
	}
}

// WithDiskStore persists downloads to diskStore
func WithDiskStore(diskStore DiskStore) Option {
	return func(coordinator *Coordinator) {
		coordinator.diskStore = diskStore
	}
}

// NewCoordinator creates a new Coordinator decoding on decodeExecutor
func NewCoordinator(tr transport.Transport, decoder decode.Decoder, decodeExecutor *utils.Executor, opts ...Option) *Coordinator {
	coordinator := &Coordinator{
		transport:      tr,
		decoder:        decoder,
		decodeExecutor: decodeExecutor,
		observer:       metrics.NopObserver{},
		sessions:       map[string]*session{},
	}

	for _, opt := range opts {
		opt(coordinator)
	}
	return coordinator
}

// Active returns the number of live sessions
func (coordinator *Coordinator) Active() int {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	return len(coordinator.sessions)
}

// Request attaches subscriber to the session for k, starting one if none is active.
// A joining subscriber first receives the last known progress.
func (coordinator *Coordinator) Request(k key.CacheKey, opts Options, subscriber Subscriber) (*Subscription, error) {
	logger := log.WithFields(log.Fields{
		"package":  "download",
		"struct":   "Coordinator",
		"function": "Request",
		"key":      k.String(),
	})

	if err := k.Validate(); err != nil {
		return nil, err
	}

	if !k.HasURL() {
		return nil, ErrNoSourceURL
	}

	if subscriber == nil {
		return nil, xerrors.Errorf("subscriber is nil")
	}

	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	if coordinator.closed {
		return nil, ErrCoordinatorClosed
	}

	mapKey := k.String()
	if s, ok := coordinator.sessions[mapKey]; ok && !s.finished {
		sub := newSubscription(coordinator, s, subscriber)
		s.subscriptions[sub.id] = sub
		if s.lastProgress != nil {
			sub.enqueue(Event{Type: EventProgress, Progress: *s.lastProgress})
		}

		logger.Debugf("joined session %s", s.id)
		coordinator.observer.RecordSessionJoined()
		return sub, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:            xid.New().String(),
		k:             k,
		subscriptions: map[string]*Subscription{},
		cancel:        cancel,
	}

	sub := newSubscription(coordinator, s, subscriber)
	s.subscriptions[sub.id] = sub
	coordinator.sessions[mapKey] = s

	logger.Debugf("started session %s", s.id)
	coordinator.observer.RecordSessionStarted()

	coordinator.waiter.Add(1)
	go coordinator.run(ctx, s, opts)

	return sub, nil
}

// Cancel detaches sub from its session. Cancelling the last subscriber cancels the fetch. Idempotent.
func (coordinator *Coordinator) Cancel(sub *Subscription) {
	logger := log.WithFields(log.Fields{
		"package":  "download",
		"struct":   "Coordinator",
		"function": "Cancel",
		"key":      sub.k.String(),
	})

	coordinator.mutex.Lock()

	s := sub.session
	if _, ok := s.subscriptions[sub.id]; !ok {
		coordinator.mutex.Unlock()
		sub.stop()
		return
	}

	delete(s.subscriptions, sub.id)
	sub.stop()

	if len(s.subscriptions) > 0 || s.finished {
		coordinator.mutex.Unlock()
		return
	}

	s.finished = true
	if coordinator.sessions[s.k.String()] == s {
		delete(coordinator.sessions, s.k.String())
	}
	coordinator.mutex.Unlock()

	logger.Debugf("cancelled session %s", s.id)
	s.cancel()
	coordinator.observer.RecordSessionFinished(metrics.ResultCancelled)
}

// Close cancels every session and drops further deliveries, then waits for session goroutines
func (coordinator *Coordinator) Close() {
	coordinator.mutex.Lock()
	if coordinator.closed {
		coordinator.mutex.Unlock()
		return
	}

	coordinator.closed = true
	sessions := coordinator.sessions
	coordinator.sessions = map[string]*session{}

	for _, s := range sessions {
		s.finished = true
		for _, sub := range s.subscriptions {
			sub.stop()
		}
		s.subscriptions = map[string]*Subscription{}
	}
	coordinator.mutex.Unlock()

	for _, s := range sessions {
		s.cancel()
		coordinator.observer.RecordSessionFinished(metrics.ResultCancelled)
	}

	coordinator.waiter.Wait()
}

func (coordinator *Coordinator) run(ctx context.Context, s *session, opts Options) {
	logger := log.WithFields(log.Fields{
		"package":  "download",
		"struct":   "Coordinator",
		"function": "run",
		"session":  s.id,
		"key":      s.k.String(),
	})

	defer coordinator.waiter.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("stacktrace from panic: %v\n%s", r, string(debug.Stack()))
			err := xerrors.Errorf("%w: %v", ErrSessionPanicked, r)
			coordinator.finish(s, Event{Type: EventFailed, Err: err}, metrics.ResultFailed)
		}
	}()

	start := time.Now()
	data, err := coordinator.transport.Fetch(ctx, s.k.URL, func(progress transport.Progress) {
		coordinator.broadcastProgress(s, progress)
	})
	coordinator.observer.RecordDownload(time.Since(start), int64(len(data)), err)

	if err != nil {
		logger.WithError(err).Debug("download failed")
		coordinator.finish(s, Event{Type: EventFailed, Err: err}, metrics.ResultFailed)
		return
	}

	if !opts.InMemory && coordinator.diskStore != nil {
		// persisting is best effort, the image is still delivered
		_, storeErr := coordinator.diskStore.Store(context.WithoutCancel(ctx), data, s.k, opts.StoreOptions...)
		if storeErr != nil {
			logger.WithError(storeErr).Errorf("failed to store %d downloaded bytes", len(data))
		}
	}

	img, err := utils.Submit(ctx, coordinator.decodeExecutor, func() (*decode.Image, error) {
		decodeStart := time.Now()
		img, decodeErr := coordinator.decoder.DecodeBytes(data, opts.DecodeOptions)
		coordinator.observer.RecordDecode(time.Since(decodeStart), decodeErr)
		return img, decodeErr
	})
	if err != nil {
		logger.WithError(err).Debug("decode failed")
		coordinator.finish(s, Event{Type: EventFailed, Err: err}, metrics.ResultFailed)
		return
	}

	coordinator.finish(s, Event{Type: EventCompleted, Image: img}, metrics.ResultCompleted)
}

func (coordinator *Coordinator) broadcastProgress(s *session, progress transport.Progress) {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	if s.finished {
		return
	}

	s.lastProgress = &progress
	for _, sub := range s.subscriptions {
		sub.enqueue(Event{Type: EventProgress, Progress: progress})
	}
}

// finish removes the session and delivers the final event, unless the session was cancelled
func (coordinator *Coordinator) finish(s *session, event Event, result string) {
	coordinator.mutex.Lock()
	if s.finished {
		coordinator.mutex.Unlock()
		return
	}

	s.finished = true
	if coordinator.sessions[s.k.String()] == s {
		delete(coordinator.sessions, s.k.String())
	}

	for _, sub := range s.subscriptions {
		sub.enqueue(event)
	}
	s.subscriptions = map[string]*Subscription{}
	coordinator.mutex.Unlock()

	s.cancel()
	coordinator.observer.RecordSessionFinished(result)
}

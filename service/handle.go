package service

import (
	"context"
	"sync"

	"github.com/cyverse/imagecache/download"
	"github.com/cyverse/imagecache/key"
	"github.com/cyverse/imagecache/utils"
	log "github.com/sirupsen/logrus"
)

// Handle tracks the resolution of one request.
// Failures are not retried unless Retry is called.
type Handle struct {
	service *Service
	k       key.CacheKey
	opts    requestOptions

	state   State
	updates chan State    // holds the latest undelivered state
	changed chan struct{} // closed and replaced on every state change

	// attempt identifies the current resolution, stale attempts are ignored
	attempt      int
	cancel       context.CancelFunc
	subscription *download.Subscription
	mutex        sync.Mutex
}

func newHandle(svc *Service, k key.CacheKey, opts requestOptions) *Handle {
	return &Handle{
		service: svc,
		k:       k,
		opts:    opts,
		state:   emptyState(),
		updates: make(chan State, 1),
		changed: make(chan struct{}),
	}
}

// GetKey returns the requested key
func (handle *Handle) GetKey() key.CacheKey {
	return handle.k
}

// State returns the current state
func (handle *Handle) State() State {
	handle.mutex.Lock()
	defer handle.mutex.Unlock()

	return handle.state
}

// Updates delivers state changes. Only the latest undelivered state is kept.
// The channel is never closed since Retry can restart a finished handle.
func (handle *Handle) Updates() <-chan State {
	return handle.updates
}

// Wait blocks until the handle is ready or failed, or ctx is done
func (handle *Handle) Wait(ctx context.Context) (State, error) {
	for {
		handle.mutex.Lock()
		state := handle.state
		changed := handle.changed
		handle.mutex.Unlock()

		switch state.Type {
		case StateReady:
			return state, nil
		case StateFailed:
			return state, state.Err
		case StateEmpty:
			return state, ErrRequestCancelled
		}

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-changed:
		}
	}
}

// Retry restarts a failed or cancelled handle. Otherwise it does nothing.
func (handle *Handle) Retry() {
	handle.mutex.Lock()
	stateType := handle.state.Type
	handle.mutex.Unlock()

	if stateType != StateFailed && stateType != StateEmpty {
		return
	}

	if handle.service.isClosed() {
		handle.mutex.Lock()
		handle.setStateLocked(failedState(ErrServiceClosed))
		handle.mutex.Unlock()
		return
	}

	if err := handle.k.Validate(); err != nil {
		return
	}

	if img, ok := handle.service.memoryStore.Get(handle.k); ok {
		handle.service.observer.RecordMemoryHit()
		handle.mutex.Lock()
		handle.attempt++
		handle.setStateLocked(readyState(img))
		handle.mutex.Unlock()
		return
	}

	handle.service.observer.RecordMemoryMiss()
	handle.start()
}

// Cancel stops an in-progress resolution and empties the handle. Idempotent.
func (handle *Handle) Cancel() {
	handle.mutex.Lock()
	if handle.state.Type != StateInProgress {
		handle.mutex.Unlock()
		return
	}

	cancel := handle.cancel
	subscription := handle.subscription
	handle.attempt++
	handle.cancel = nil
	handle.subscription = nil
	handle.setStateLocked(emptyState())
	handle.mutex.Unlock()

	if cancel != nil {
		cancel()
	}

	if subscription != nil {
		subscription.Cancel()
	}
}

// start begins a new resolution attempt
func (handle *Handle) start() {
	ctx, cancel := context.WithCancel(context.Background())

	handle.mutex.Lock()
	if handle.cancel != nil {
		handle.cancel()
	}
	handle.attempt++
	attempt := handle.attempt
	handle.cancel = cancel
	handle.subscription = nil
	handle.setStateLocked(inProgressState(nil))
	handle.mutex.Unlock()

	go handle.resolve(ctx, attempt)
}

func (handle *Handle) resolve(ctx context.Context, attempt int) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "Handle",
		"function": "resolve",
		"key":      handle.k.String(),
	})

	defer utils.StackTraceFromPanic(logger)

	img, err := handle.service.resolveFromDisk(ctx, handle.k, handle.opts)
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		// the disk is a cache, errors other than stale entries fall through to the network
		logger.WithError(err).Warn("failed to read disk cache")
	}

	if img != nil {
		handle.update(attempt, readyState(img))
		return
	}

	subscriber := download.SubscriberFunc(func(event download.Event) {
		switch event.Type {
		case download.EventProgress:
			progress := event.Progress
			handle.update(attempt, inProgressState(&progress))
		case download.EventCompleted:
			handle.service.memoryStore.Set(handle.k, event.Image)
			handle.update(attempt, readyState(event.Image))
		case download.EventFailed:
			logger.WithError(event.Err).Debug("download failed")
			handle.update(attempt, failedState(event.Err))
		}
	})

	subscription, err := handle.service.download(handle.k, handle.opts, subscriber)
	if err != nil {
		handle.update(attempt, failedState(err))
		return
	}

	handle.mutex.Lock()
	if handle.attempt != attempt {
		handle.mutex.Unlock()
		subscription.Cancel()
		return
	}
	handle.subscription = subscription
	handle.mutex.Unlock()
}

// update applies state if attempt is still current
func (handle *Handle) update(attempt int, state State) {
	handle.mutex.Lock()
	defer handle.mutex.Unlock()

	if handle.attempt != attempt {
		return
	}

	// a late progress event never overrides a final state
	if handle.state.IsFinal() && !state.IsFinal() {
		return
	}

	if state.IsFinal() {
		if handle.cancel != nil {
			handle.cancel()
		}
		handle.cancel = nil
		handle.subscription = nil
	}
	handle.setStateLocked(state)
}

// setStateLocked assumes the lock is held
func (handle *Handle) setStateLocked(state State) {
	handle.state = state

	select {
	case <-handle.updates:
	default:
	}
	handle.updates <- state

	close(handle.changed)
	handle.changed = make(chan struct{})
}

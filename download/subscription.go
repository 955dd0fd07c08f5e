package download

import (
	"sync"

	"github.com/cyverse/imagecache/key"
	"github.com/cyverse/imagecache/utils"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
)

// Subscription is one subscriber attached to a download session.
// Events are queued per subscription and drained by its own goroutine.
type Subscription struct {
	id          string
	k           key.CacheKey
	coordinator *Coordinator
	session     *session
	subscriber  Subscriber

	queue   []Event
	stopped bool // no further events are queued
	signal  chan struct{}
	done    chan struct{}
	mutex   sync.Mutex
}

func newSubscription(coordinator *Coordinator, s *session, subscriber Subscriber) *Subscription {
	sub := &Subscription{
		id:          xid.New().String(),
		k:           s.k,
		coordinator: coordinator,
		session:     s,
		subscriber:  subscriber,
		queue:       []Event{},
		signal:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	go sub.drain()
	return sub
}

// GetID returns the subscription id
func (sub *Subscription) GetID() string {
	return sub.id
}

// GetKey returns the cache key of the session
func (sub *Subscription) GetKey() key.CacheKey {
	return sub.k
}

// Cancel detaches the subscription. The last detach cancels the download. Idempotent.
func (sub *Subscription) Cancel() {
	sub.coordinator.Cancel(sub)
}

// Done is closed once no further events will be delivered
func (sub *Subscription) Done() <-chan struct{} {
	return sub.done
}

// enqueue queues event, a final event stops the subscription after delivery
func (sub *Subscription) enqueue(event Event) {
	sub.mutex.Lock()
	defer sub.mutex.Unlock()

	if sub.stopped {
		return
	}

	sub.queue = append(sub.queue, event)
	if event.IsFinal() {
		sub.stopped = true
	}
	sub.notify()
}

// stop drops queued events and stops delivery
func (sub *Subscription) stop() {
	sub.mutex.Lock()
	defer sub.mutex.Unlock()

	sub.stopped = true
	sub.queue = nil
	sub.notify()
}

func (sub *Subscription) notify() {
	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

func (sub *Subscription) drain() {
	logger := log.WithFields(log.Fields{
		"package":      "download",
		"struct":       "Subscription",
		"function":     "drain",
		"subscription": sub.id,
	})

	defer close(sub.done)
	defer utils.StackTraceFromPanic(logger)

	for range sub.signal {
		for {
			sub.mutex.Lock()
			if len(sub.queue) == 0 {
				stopped := sub.stopped
				sub.mutex.Unlock()

				if stopped {
					return
				}
				break
			}

			event := sub.queue[0]
			sub.queue = sub.queue[1:]
			sub.mutex.Unlock()

			sub.subscriber.OnEvent(event)
		}
	}
}

package download

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyverse/imagecache/decode"
	"github.com/cyverse/imagecache/disk"
	"github.com/cyverse/imagecache/index"
	"github.com/cyverse/imagecache/key"
	"github.com/cyverse/imagecache/transport"
	"github.com/cyverse/imagecache/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

const (
	testWait time.Duration = 2 * time.Second
)

// gatedTransport reports half progress, then blocks until released or cancelled
type gatedTransport struct {
	data      []byte
	err       error
	release   chan struct{}
	started   chan struct{}
	cancelled chan struct{}
	calls     int32
	once      sync.Once
}

func newGatedTransport(data []byte, err error) *gatedTransport {
	return &gatedTransport{
		data:      data,
		err:       err,
		release:   make(chan struct{}),
		started:   make(chan struct{}, 16),
		cancelled: make(chan struct{}),
	}
}

func (tr *gatedTransport) Fetch(ctx context.Context, url string, progress transport.ProgressFunc) ([]byte, error) {
	atomic.AddInt32(&tr.calls, 1)
	total := int64(len(tr.data))
	progress(transport.Progress{BytesReceived: total / 2, TotalBytes: total})
	tr.started <- struct{}{}

	select {
	case <-tr.release:
		if tr.err != nil {
			return nil, tr.err
		}
		progress(transport.Progress{BytesReceived: total, TotalBytes: total})
		return tr.data, nil
	case <-ctx.Done():
		tr.once.Do(func() {
			close(tr.cancelled)
		})
		return nil, &transport.FetchError{Kind: transport.ErrCancelled, URL: url, Err: ctx.Err()}
	}
}

func (tr *gatedTransport) Calls() int {
	return int(atomic.LoadInt32(&tr.calls))
}

type recordingDiskStore struct {
	stored []key.CacheKey
	err    error
	mutex  sync.Mutex
}

func (diskStore *recordingDiskStore) Store(ctx context.Context, data []byte, k key.CacheKey, opts ...disk.StoreOption) (*index.Entry, error) {
	diskStore.mutex.Lock()
	defer diskStore.mutex.Unlock()

	diskStore.stored = append(diskStore.stored, k)
	if diskStore.err != nil {
		return nil, diskStore.err
	}
	return &index.Entry{URL: k.URL, StoredFileName: "x"}, nil
}

func (diskStore *recordingDiskStore) Stored() []key.CacheKey {
	diskStore.mutex.Lock()
	defer diskStore.mutex.Unlock()
	return append([]key.CacheKey{}, diskStore.stored...)
}

type eventRecorder struct {
	events chan Event
	block  chan struct{} // blocks every delivery until closed, if set
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{
		events: make(chan Event, 64),
	}
}

func (recorder *eventRecorder) OnEvent(event Event) {
	if recorder.block != nil {
		<-recorder.block
	}
	recorder.events <- event
}

// waitFinal returns the final event, skipping progress
func (recorder *eventRecorder) waitFinal(t *testing.T) Event {
	timeout := time.After(testWait)
	for {
		select {
		case event := <-recorder.events:
			if event.IsFinal() {
				return event
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for final event")
		}
	}
}

func (recorder *eventRecorder) waitProgress(t *testing.T) transport.Progress {
	select {
	case event := <-recorder.events:
		require.Equal(t, EventProgress, event.Type)
		return event.Progress
	case <-time.After(testWait):
		require.FailNow(t, "timed out waiting for progress")
	}
	return transport.Progress{}
}

func makeTestPNG(t *testing.T) []byte {
	buffer := bytes.Buffer{}
	require.NoError(t, png.Encode(&buffer, image.NewRGBA(image.Rect(0, 0, 12, 9))))
	return buffer.Bytes()
}

func newTestCoordinator(t *testing.T, tr transport.Transport, opts ...Option) *Coordinator {
	executor := utils.NewExecutor("decode", 2)
	coordinator := NewCoordinator(tr, decode.NewImageDecoder(), executor, opts...)
	t.Cleanup(func() {
		coordinator.Close()
		executor.Close()
	})
	return coordinator
}

func waitStarted(t *testing.T, tr *gatedTransport) {
	select {
	case <-tr.started:
	case <-time.After(testWait):
		require.FailNow(t, "transport was not called")
	}
}

func TestCoordinator(t *testing.T) {
	t.Run("test SingleFetchForConcurrentRequests", testSingleFetchForConcurrentRequests)
	t.Run("test JoinReplaysProgress", testJoinReplaysProgress)
	t.Run("test CancelAllButOne", testCancelAllButOne)
	t.Run("test CancelLast", testCancelLast)
	t.Run("test CancelIdempotent", testCancelIdempotent)
	t.Run("test FailureNotCached", testFailureNotCached)
	t.Run("test DecodeFailure", testDecodeFailure)
	t.Run("test StoresToDisk", testStoresToDisk)
	t.Run("test SlowSubscriber", testSlowSubscriber)
	t.Run("test Close", testClose)
	t.Run("test InvalidRequests", testInvalidRequests)
	t.Run("test TransportPanic", testTransportPanic)
	t.Run("test DecoderPanic", testDecoderPanic)
}

func testSingleFetchForConcurrentRequests(t *testing.T) {
	tr := newGatedTransport(makeTestPNG(t), nil)
	coordinator := newTestCoordinator(t, tr)
	k := key.NewURLKey("https://example.com/a.png")

	const requests = 8
	recorders := make([]*eventRecorder, requests)
	wg := sync.WaitGroup{}
	for i := 0; i < requests; i++ {
		recorders[i] = newEventRecorder()
		wg.Add(1)
		go func(recorder *eventRecorder) {
			defer wg.Done()
			_, err := coordinator.Request(k, Options{}, recorder)
			assert.NoError(t, err)
		}(recorders[i])
	}
	wg.Wait()

	assert.Equal(t, 1, coordinator.Active())
	close(tr.release)

	var shared *decode.Image
	for _, recorder := range recorders {
		event := recorder.waitFinal(t)
		require.Equal(t, EventCompleted, event.Type)
		require.NotNil(t, event.Image)
		if shared == nil {
			shared = event.Image
		}
		assert.Same(t, shared, event.Image)
	}

	assert.Equal(t, 1, tr.Calls())
	assert.Equal(t, decode.Size{Width: 12, Height: 9}, shared.NaturalSize)
	assert.Eventually(t, func() bool { return coordinator.Active() == 0 }, testWait, time.Millisecond)
}

func testJoinReplaysProgress(t *testing.T) {
	data := makeTestPNG(t)
	tr := newGatedTransport(data, nil)
	coordinator := newTestCoordinator(t, tr)
	k := key.NewURLKey("https://example.com/a.png")

	first := newEventRecorder()
	_, err := coordinator.Request(k, Options{}, first)
	require.NoError(t, err)
	waitStarted(t, tr)

	second := newEventRecorder()
	_, err = coordinator.Request(k, Options{}, second)
	require.NoError(t, err)

	progress := second.waitProgress(t)
	assert.Equal(t, int64(len(data)/2), progress.BytesReceived)
	assert.Equal(t, int64(len(data)), progress.TotalBytes)

	close(tr.release)
	assert.Equal(t, EventCompleted, first.waitFinal(t).Type)
	assert.Equal(t, EventCompleted, second.waitFinal(t).Type)
}

func testCancelAllButOne(t *testing.T) {
	tr := newGatedTransport(makeTestPNG(t), nil)
	coordinator := newTestCoordinator(t, tr)
	k := key.NewURLKey("https://example.com/a.png")

	subs := []*Subscription{}
	recorders := []*eventRecorder{}
	for i := 0; i < 3; i++ {
		recorder := newEventRecorder()
		sub, err := coordinator.Request(k, Options{}, recorder)
		require.NoError(t, err)
		subs = append(subs, sub)
		recorders = append(recorders, recorder)
	}
	waitStarted(t, tr)

	subs[0].Cancel()
	subs[1].Cancel()
	assert.Equal(t, 1, coordinator.Active())

	close(tr.release)

	remaining := recorders[2]
	sawFullProgress := false
	timeout := time.After(testWait)
	for done := false; !done; {
		select {
		case event := <-remaining.events:
			if event.Type == EventProgress && event.Progress.BytesReceived == event.Progress.TotalBytes {
				sawFullProgress = true
			}
			if event.IsFinal() {
				assert.Equal(t, EventCompleted, event.Type)
				done = true
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for completion")
		}
	}
	assert.True(t, sawFullProgress)

	<-subs[0].Done()
	<-subs[1].Done()
	for _, event := range drain(recorders[0].events) {
		assert.False(t, event.IsFinal())
	}
}

func testCancelLast(t *testing.T) {
	tr := newGatedTransport(makeTestPNG(t), nil)
	coordinator := newTestCoordinator(t, tr)
	k := key.NewURLKey("https://example.com/a.png")

	first, err := coordinator.Request(k, Options{}, newEventRecorder())
	require.NoError(t, err)
	second, err := coordinator.Request(k, Options{}, newEventRecorder())
	require.NoError(t, err)
	waitStarted(t, tr)

	first.Cancel()
	assert.Equal(t, 1, coordinator.Active())

	second.Cancel()
	assert.Equal(t, 0, coordinator.Active())

	select {
	case <-tr.cancelled:
	case <-time.After(testWait):
		require.FailNow(t, "transport fetch was not cancelled")
	}

	// a new request starts a fresh session
	_, err = coordinator.Request(k, Options{}, newEventRecorder())
	require.NoError(t, err)
	waitStarted(t, tr)
	assert.Equal(t, 2, tr.Calls())
}

func testCancelIdempotent(t *testing.T) {
	tr := newGatedTransport(makeTestPNG(t), nil)
	coordinator := newTestCoordinator(t, tr)
	k := key.NewURLKey("https://example.com/a.png")

	sub, err := coordinator.Request(k, Options{}, newEventRecorder())
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		sub.Cancel()
		sub.Cancel()
		coordinator.Cancel(sub)
	})
	assert.Equal(t, 0, coordinator.Active())

	select {
	case <-sub.Done():
	case <-time.After(testWait):
		require.FailNow(t, "subscription did not stop")
	}
}

func testFailureNotCached(t *testing.T) {
	failure := &transport.StatusError{URL: "https://example.com/a.png", StatusCode: 500, Status: "500 Internal Server Error"}
	tr := newGatedTransport(nil, failure)
	close(tr.release)

	diskStore := &recordingDiskStore{}
	coordinator := newTestCoordinator(t, tr, WithDiskStore(diskStore))
	k := key.NewURLKey("https://example.com/a.png")

	first := newEventRecorder()
	second := newEventRecorder()
	_, err := coordinator.Request(k, Options{}, first)
	require.NoError(t, err)
	_, err = coordinator.Request(k, Options{}, second)
	require.NoError(t, err)

	for _, recorder := range []*eventRecorder{first, second} {
		event := recorder.waitFinal(t)
		assert.Equal(t, EventFailed, event.Type)
		var statusErr *transport.StatusError
		assert.ErrorAs(t, event.Err, &statusErr)
	}
	assert.Empty(t, diskStore.Stored())

	assert.Eventually(t, func() bool { return coordinator.Active() == 0 }, testWait, time.Millisecond)

	third := newEventRecorder()
	_, err = coordinator.Request(k, Options{}, third)
	require.NoError(t, err)
	assert.Equal(t, EventFailed, third.waitFinal(t).Type)
	assert.Equal(t, 2, tr.Calls())
}

func testDecodeFailure(t *testing.T) {
	tr := newGatedTransport([]byte("<html>not an image</html>"), nil)
	close(tr.release)
	coordinator := newTestCoordinator(t, tr)

	recorder := newEventRecorder()
	_, err := coordinator.Request(key.NewURLKey("https://example.com/a.png"), Options{}, recorder)
	require.NoError(t, err)

	event := recorder.waitFinal(t)
	assert.Equal(t, EventFailed, event.Type)
	assert.ErrorIs(t, event.Err, decode.ErrNotAnImage)
}

func testStoresToDisk(t *testing.T) {
	tr := newGatedTransport(makeTestPNG(t), nil)
	close(tr.release)

	diskStore := &recordingDiskStore{err: xerrors.New("disk full")}
	coordinator := newTestCoordinator(t, tr, WithDiskStore(diskStore))

	persisted := key.NewIdentifierKey("photo1", "https://example.com/a.png")
	recorder := newEventRecorder()
	_, err := coordinator.Request(persisted, Options{}, recorder)
	require.NoError(t, err)
	// storage failure is not fatal
	assert.Equal(t, EventCompleted, recorder.waitFinal(t).Type)

	inMemory := key.NewURLKey("https://example.com/b.png")
	recorder = newEventRecorder()
	_, err = coordinator.Request(inMemory, Options{InMemory: true, DecodeOptions: decode.Options{MaxPixelSize: decode.Size{Width: 4}}}, recorder)
	require.NoError(t, err)

	event := recorder.waitFinal(t)
	require.Equal(t, EventCompleted, event.Type)
	assert.Equal(t, 4, event.Image.PixelSize().Width)

	assert.Equal(t, []key.CacheKey{persisted}, diskStore.Stored())
}

func testSlowSubscriber(t *testing.T) {
	tr := newGatedTransport(makeTestPNG(t), nil)
	coordinator := newTestCoordinator(t, tr)
	k := key.NewURLKey("https://example.com/a.png")

	slow := newEventRecorder()
	slow.block = make(chan struct{})
	fast := newEventRecorder()

	_, err := coordinator.Request(k, Options{}, slow)
	require.NoError(t, err)
	_, err = coordinator.Request(k, Options{}, fast)
	require.NoError(t, err)

	close(tr.release)
	assert.Equal(t, EventCompleted, fast.waitFinal(t).Type)

	close(slow.block)
	assert.Equal(t, EventCompleted, slow.waitFinal(t).Type)
}

func testClose(t *testing.T) {
	tr := newGatedTransport(makeTestPNG(t), nil)
	executor := utils.NewExecutor("decode", 1)
	defer executor.Close()
	coordinator := NewCoordinator(tr, decode.NewImageDecoder(), executor)
	k := key.NewURLKey("https://example.com/a.png")

	recorder := newEventRecorder()
	sub, err := coordinator.Request(k, Options{}, recorder)
	require.NoError(t, err)
	waitStarted(t, tr)

	coordinator.Close()
	coordinator.Close()
	assert.Equal(t, 0, coordinator.Active())

	<-tr.cancelled
	<-sub.Done()
	for _, event := range drain(recorder.events) {
		assert.False(t, event.IsFinal())
	}

	_, err = coordinator.Request(k, Options{}, newEventRecorder())
	assert.ErrorIs(t, err, ErrCoordinatorClosed)
}

func testInvalidRequests(t *testing.T) {
	coordinator := newTestCoordinator(t, newGatedTransport(nil, nil))

	_, err := coordinator.Request(key.CacheKey{}, Options{}, newEventRecorder())
	assert.ErrorIs(t, err, key.ErrEmptyKey)

	_, err = coordinator.Request(key.NewIdentifierKey("photo1", ""), Options{}, newEventRecorder())
	assert.ErrorIs(t, err, ErrNoSourceURL)

	_, err = coordinator.Request(key.NewURLKey("https://example.com/a.png"), Options{}, nil)
	assert.Error(t, err)
}

type panickingDecoder struct{}

func (panickingDecoder) DecodeBytes(data []byte, opts decode.Options) (*decode.Image, error) {
	panic("decoder bug")
}

func (panickingDecoder) DecodeFile(path string, opts decode.Options) (*decode.Image, error) {
	panic("decoder bug")
}

func testTransportPanic(t *testing.T) {
	var calls int32
	tr := transport.TransportFunc(func(ctx context.Context, url string, progress transport.ProgressFunc) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		panic("transport bug")
	})
	coordinator := newTestCoordinator(t, tr)
	k := key.NewURLKey("https://example.com/a.png")

	first := newEventRecorder()
	second := newEventRecorder()
	_, err := coordinator.Request(k, Options{}, first)
	require.NoError(t, err)
	_, err = coordinator.Request(k, Options{}, second)
	require.NoError(t, err)

	for _, recorder := range []*eventRecorder{first, second} {
		event := recorder.waitFinal(t)
		assert.Equal(t, EventFailed, event.Type)
		assert.ErrorIs(t, event.Err, ErrSessionPanicked)
	}
	assert.Eventually(t, func() bool { return coordinator.Active() == 0 }, testWait, time.Millisecond)

	// the key is not left with a dead session
	third := newEventRecorder()
	_, err = coordinator.Request(k, Options{}, third)
	require.NoError(t, err)
	assert.Equal(t, EventFailed, third.waitFinal(t).Type)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func testDecoderPanic(t *testing.T) {
	tr := newGatedTransport(makeTestPNG(t), nil)
	close(tr.release)

	executor := utils.NewExecutor("decode", 1)
	coordinator := NewCoordinator(tr, panickingDecoder{}, executor)
	t.Cleanup(func() {
		coordinator.Close()
		executor.Close()
	})

	recorder := newEventRecorder()
	_, err := coordinator.Request(key.NewURLKey("https://example.com/a.png"), Options{}, recorder)
	require.NoError(t, err)

	event := recorder.waitFinal(t)
	assert.Equal(t, EventFailed, event.Type)
	assert.ErrorIs(t, event.Err, utils.ErrTaskPanicked)
	assert.Eventually(t, func() bool { return coordinator.Active() == 0 }, testWait, time.Millisecond)
}

func drain(events chan Event) []Event {
	drained := []Event{}
	for {
		select {
		case event := <-events:
			drained = append(drained, event)
		default:
			return drained
		}
	}
}

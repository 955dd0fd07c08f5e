package service

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyverse/imagecache/config"
	"github.com/cyverse/imagecache/decode"
	"github.com/cyverse/imagecache/download"
	"github.com/cyverse/imagecache/key"
	"github.com/cyverse/imagecache/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

const (
	testWait time.Duration = 2 * time.Second
)

type testClock struct {
	now   time.Time
	mutex sync.Mutex
}

func newTestClock() *testClock {
	return &testClock{
		now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (clock *testClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *testClock) Advance(d time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.Add(d)
}

// fakeTransport serves data, or fails while failures remain
type fakeTransport struct {
	data     []byte
	failures int32
	gate     chan struct{} // if set, fetches block until closed or cancelled
	calls    int32
}

func (tr *fakeTransport) Fetch(ctx context.Context, url string, progress transport.ProgressFunc) ([]byte, error) {
	atomic.AddInt32(&tr.calls, 1)
	progress(transport.Progress{BytesReceived: 0, TotalBytes: int64(len(tr.data))})

	if tr.gate != nil {
		select {
		case <-tr.gate:
		case <-ctx.Done():
			return nil, &transport.FetchError{Kind: transport.ErrCancelled, URL: url, Err: ctx.Err()}
		}
	}

	if atomic.AddInt32(&tr.failures, -1) >= 0 {
		return nil, &transport.StatusError{URL: url, StatusCode: 503, Status: "503 Service Unavailable"}
	}

	progress(transport.Progress{BytesReceived: int64(len(tr.data)), TotalBytes: int64(len(tr.data))})
	return tr.data, nil
}

func (tr *fakeTransport) Calls() int {
	return int(atomic.LoadInt32(&tr.calls))
}

func makeTestPNG(t *testing.T, width int, height int) []byte {
	buffer := bytes.Buffer{}
	require.NoError(t, png.Encode(&buffer, image.NewRGBA(image.Rect(0, 0, width, height))))
	return buffer.Bytes()
}

func newTestService(t *testing.T, tr transport.Transport) (*Service, *testClock) {
	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	cfg.MaxMemoryEntries = 16

	clock := newTestClock()
	svc, err := New(Options{
		Config:    cfg,
		Transport: tr,
		Clock:     clock.Now,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		svc.Close()
	})
	return svc, clock
}

func waitReady(t *testing.T, handle *Handle) *decode.Image {
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	state, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, StateReady, state.Type)
	require.NotNil(t, state.Image)
	return state.Image
}

func TestService(t *testing.T) {
	t.Run("test NetworkThenMemory", testNetworkThenMemory)
	t.Run("test DiskHit", testDiskHit)
	t.Run("test FileNameHints", testFileNameHints)
	t.Run("test InMemoryRequest", testInMemoryRequest)
	t.Run("test StaleEntryFallsThrough", testStaleEntryFallsThrough)
	t.Run("test FailureAndRetry", testFailureAndRetry)
	t.Run("test Cancel", testCancel)
	t.Run("test Cached", testCached)
	t.Run("test Delete", testDelete)
	t.Run("test Cleanup", testCleanup)
	t.Run("test Housekeeping", testHousekeeping)
	t.Run("test Updates", testUpdates)
	t.Run("test InvalidRequests", testInvalidRequests)
	t.Run("test Closed", testClosed)
}

func testNetworkThenMemory(t *testing.T) {
	tr := &fakeTransport{data: makeTestPNG(t, 20, 10)}
	svc, _ := newTestService(t, tr)
	k := key.NewURLKey("https://example.com/cat.png")

	img := waitReady(t, svc.Request(k))
	assert.Equal(t, decode.Size{Width: 20, Height: 10}, img.NaturalSize)
	assert.Equal(t, 1, tr.Calls())

	// memory hit is ready before Request returns
	handle := svc.Request(k)
	state := handle.State()
	assert.Equal(t, StateReady, state.Type)
	assert.Same(t, img, state.Image)
	assert.Equal(t, 1, tr.Calls())
}

func testDiskHit(t *testing.T) {
	tr := &fakeTransport{data: makeTestPNG(t, 20, 10)}
	svc, _ := newTestService(t, tr)
	k := key.NewIdentifierKey("photo1", "https://example.com/cat.png")

	_, err := svc.GetDiskCache().Store(context.Background(), makeTestPNG(t, 8, 8), k)
	require.NoError(t, err)

	img := waitReady(t, svc.Request(k))
	assert.Equal(t, decode.Size{Width: 8, Height: 8}, img.NaturalSize)
	assert.Equal(t, 0, tr.Calls())

	// the disk hit populated memory
	assert.Equal(t, StateReady, svc.Request(k).State().Type)
}

func testFileNameHints(t *testing.T) {
	tr := &fakeTransport{data: makeTestPNG(t, 4, 4)}
	svc, _ := newTestService(t, tr)

	k := key.NewURLKey("https://example.com/photos/Cat.PNG?size=large")
	waitReady(t, svc.Request(k))

	storedPath, err := svc.GetDiskCache().Path(context.Background(), k)
	require.NoError(t, err)
	require.NotEmpty(t, storedPath)
	assert.True(t, strings.HasPrefix(filepath.Base(storedPath), "Cat-"))
	assert.Equal(t, ".png", filepath.Ext(storedPath))
	assert.FileExists(t, storedPath)

	named := key.NewURLKey("https://example.com/raw")
	waitReady(t, svc.Request(named, WithFileName("avatar"), WithFileExtension("jpg")))

	storedPath, err = svc.GetDiskCache().Path(context.Background(), named)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(storedPath), "avatar-"))
	assert.Equal(t, ".jpg", filepath.Ext(storedPath))
}

func testInMemoryRequest(t *testing.T) {
	tr := &fakeTransport{data: makeTestPNG(t, 40, 20)}
	svc, _ := newTestService(t, tr)
	k := key.NewURLKey("https://example.com/cat.png")

	img := waitReady(t, svc.Request(k, InMemory(), WithMaxPixelSize(decode.Size{Width: 10})))
	assert.Equal(t, decode.Size{Width: 10, Height: 5}, img.PixelSize())
	assert.Equal(t, decode.Size{Width: 40, Height: 20}, img.NaturalSize)

	storedPath, err := svc.GetDiskCache().Path(context.Background(), k)
	require.NoError(t, err)
	assert.Empty(t, storedPath)
}

func testStaleEntryFallsThrough(t *testing.T) {
	tr := &fakeTransport{data: makeTestPNG(t, 20, 10)}
	svc, _ := newTestService(t, tr)
	k := key.NewURLKey("https://example.com/cat.png")

	entry, err := svc.GetDiskCache().Store(context.Background(), makeTestPNG(t, 8, 8), k)
	require.NoError(t, err)
	require.NoError(t, os.Remove(svc.GetDiskCache().GetFileStore().ResolvePath(entry)))

	img := waitReady(t, svc.Request(k))
	assert.Equal(t, decode.Size{Width: 20, Height: 10}, img.NaturalSize)
	assert.Equal(t, 1, tr.Calls())

	// the download replaced the stale entry
	storedPath, err := svc.GetDiskCache().Path(context.Background(), k)
	require.NoError(t, err)
	assert.FileExists(t, storedPath)
}

func testFailureAndRetry(t *testing.T) {
	tr := &fakeTransport{data: makeTestPNG(t, 4, 4), failures: 1}
	svc, _ := newTestService(t, tr)
	k := key.NewURLKey("https://example.com/cat.png")

	handle := svc.Request(k)

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	state, err := handle.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, StateFailed, state.Type)
	var statusErr *transport.StatusError
	assert.ErrorAs(t, err, &statusErr)

	// failures are not retried on their own
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateFailed, handle.State().Type)
	assert.Equal(t, 1, tr.Calls())

	handle.Retry()
	waitReady(t, handle)
	assert.Equal(t, 2, tr.Calls())

	// retrying a ready handle does nothing
	handle.Retry()
	assert.Equal(t, StateReady, handle.State().Type)
	assert.Equal(t, 2, tr.Calls())
}

func testCancel(t *testing.T) {
	tr := &fakeTransport{data: makeTestPNG(t, 4, 4), gate: make(chan struct{})}
	svc, _ := newTestService(t, tr)
	k := key.NewURLKey("https://example.com/cat.png")

	handle := svc.Request(k)
	require.Eventually(t, func() bool { return svc.ActiveDownloads() == 1 }, testWait, time.Millisecond)

	handle.Cancel()
	handle.Cancel()
	assert.Equal(t, StateEmpty, handle.State().Type)
	assert.Eventually(t, func() bool { return svc.ActiveDownloads() == 0 }, testWait, time.Millisecond)

	_, err := handle.Wait(context.Background())
	assert.ErrorIs(t, err, ErrRequestCancelled)

	close(tr.gate)
	handle.Retry()
	waitReady(t, handle)
}

func testCached(t *testing.T) {
	tr := &fakeTransport{data: makeTestPNG(t, 4, 4)}
	svc, _ := newTestService(t, tr)
	k := key.NewURLKey("https://example.com/cat.png")

	_, err := svc.Cached(context.Background(), k)
	assert.ErrorIs(t, err, ErrNotCached)

	waitReady(t, svc.Request(k))

	img, err := svc.Cached(context.Background(), k)
	require.NoError(t, err)
	assert.NotNil(t, img)

	svc.RemoveAllFromMemory()
	img, err = svc.Cached(context.Background(), k)
	require.NoError(t, err)
	assert.NotNil(t, img)
	assert.Equal(t, 1, tr.Calls())
}

func testDelete(t *testing.T) {
	tr := &fakeTransport{data: makeTestPNG(t, 4, 4)}
	svc, _ := newTestService(t, tr)
	k := key.NewIdentifierKey("photo1", "https://example.com/cat.png")

	waitReady(t, svc.Request(k))
	require.NoError(t, svc.Delete(context.Background(), k))

	_, err := svc.Cached(context.Background(), k)
	assert.ErrorIs(t, err, ErrNotCached)

	// deleting again is a no-op
	assert.NoError(t, svc.Delete(context.Background(), k))
}

func testCleanup(t *testing.T) {
	tr := &fakeTransport{data: makeTestPNG(t, 4, 4)}
	svc, clock := newTestService(t, tr)

	expiring := key.NewURLKey("https://example.com/a.png")
	kept := key.NewURLKey("https://example.com/b.png")
	waitReady(t, svc.Request(expiring, WithExpireAfter(time.Second)))
	waitReady(t, svc.Request(kept))

	clock.Advance(2 * time.Second)

	removed, err := svc.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	svc.RemoveAllFromMemory()
	_, err = svc.Cached(context.Background(), expiring)
	assert.ErrorIs(t, err, ErrNotCached)
	_, err = svc.Cached(context.Background(), kept)
	assert.NoError(t, err)
}

func testHousekeeping(t *testing.T) {
	tr := &fakeTransport{data: makeTestPNG(t, 4, 4)}
	svc, clock := newTestService(t, tr)
	k := key.NewURLKey("https://example.com/a.png")

	assert.Error(t, svc.StartHousekeeping(0))

	waitReady(t, svc.Request(k, WithExpireAfter(time.Second)))
	clock.Advance(time.Minute)

	require.NoError(t, svc.StartHousekeeping(5*time.Millisecond))
	assert.Eventually(t, func() bool {
		entries, err := svc.GetDiskCache().Entries(context.Background())
		return err == nil && len(entries) == 0
	}, testWait, 5*time.Millisecond)
}

func testUpdates(t *testing.T) {
	tr := &fakeTransport{data: makeTestPNG(t, 4, 4)}
	svc, _ := newTestService(t, tr)

	handle := svc.Request(key.NewURLKey("https://example.com/cat.png"))

	timeout := time.After(testWait)
	for {
		select {
		case state := <-handle.Updates():
			if state.Type == StateReady {
				assert.NotNil(t, state.Image)
				return
			}
			assert.Equal(t, StateInProgress, state.Type)
		case <-timeout:
			require.FailNow(t, "timed out waiting for ready update")
		}
	}
}

func testInvalidRequests(t *testing.T) {
	tr := &fakeTransport{data: makeTestPNG(t, 4, 4)}
	svc, _ := newTestService(t, tr)

	handle := svc.Request(key.CacheKey{})
	assert.Equal(t, StateFailed, handle.State().Type)
	assert.ErrorIs(t, handle.State().Err, key.ErrEmptyKey)

	_, err := handle.Wait(context.Background())
	assert.ErrorIs(t, err, key.ErrEmptyKey)

	// identifier-only keys resolve from disk, or fail without a url to download
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	_, err = svc.Request(key.NewIdentifierKey("photo1", "")).Wait(ctx)
	assert.ErrorIs(t, err, download.ErrNoSourceURL)
	assert.Equal(t, 0, tr.Calls())
}

func testClosed(t *testing.T) {
	cfg := config.Default()
	cfg.BaseDir = t.TempDir()

	tr := &fakeTransport{data: makeTestPNG(t, 4, 4), gate: make(chan struct{})}
	svc, err := New(Options{Config: cfg, Transport: tr})
	require.NoError(t, err)

	pending := svc.Request(key.NewURLKey("https://example.com/a.png"))
	require.Eventually(t, func() bool { return svc.ActiveDownloads() == 1 }, testWait, time.Millisecond)

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	// deliveries after close are dropped
	assert.Equal(t, StateInProgress, pending.State().Type)

	handle := svc.Request(key.NewURLKey("https://example.com/b.png"))
	assert.ErrorIs(t, handle.State().Err, ErrServiceClosed)

	_, err = svc.Cached(context.Background(), key.NewURLKey("https://example.com/b.png"))
	assert.ErrorIs(t, err, ErrServiceClosed)
	assert.ErrorIs(t, svc.StartHousekeeping(time.Second), ErrServiceClosed)
}

func TestNewInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.MaxMemoryEntries = 0

	_, err := New(Options{Config: cfg, Transport: transport.TransportFunc(func(ctx context.Context, url string, progress transport.ProgressFunc) ([]byte, error) {
		return nil, xerrors.New("unused")
	})})
	assert.Error(t, err)
}

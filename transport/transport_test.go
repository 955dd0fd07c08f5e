package transport

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cyverse/imagecache/irods"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type progressRecorder struct {
	updates []Progress
	mutex   sync.Mutex
}

func (recorder *progressRecorder) Record(progress Progress) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.updates = append(recorder.updates, progress)
}

func (recorder *progressRecorder) Updates() []Progress {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return append([]Progress{}, recorder.updates...)
}

func TestHTTPTransport(t *testing.T) {
	t.Run("test Fetch", testHTTPFetch)
	t.Run("test StatusError", testHTTPStatusError)
	t.Run("test Timeout", testHTTPTimeout)
	t.Run("test Cancel", testHTTPCancel)
	t.Run("test BogusContentLength", testHTTPBogusContentLength)
}

func testHTTPFetch(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 16*1024)

	userAgents := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgents <- r.Header.Get("User-Agent")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer server.Close()

	transport := NewHTTPTransport(WithUserAgent("imagecache-test"))
	recorder := &progressRecorder{}

	data, err := transport.Fetch(context.Background(), server.URL+"/a.png", recorder.Record)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, "imagecache-test", <-userAgents)

	updates := recorder.Updates()
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, int64(len(payload)), last.BytesReceived)
	assert.Equal(t, int64(len(payload)), last.TotalBytes)

	fraction, ok := last.Fraction()
	assert.True(t, ok)
	assert.Equal(t, 1.0, fraction)

	for i := 1; i < len(updates); i++ {
		assert.GreaterOrEqual(t, updates[i].BytesReceived, updates[i-1].BytesReceived)
	}
}

func testHTTPStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	_, err := NewHTTPTransport().Fetch(context.Background(), server.URL+"/missing.png", nil)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.True(t, statusErr.IsNotFound())
	assert.NotErrorIs(t, err, ErrTimeout)
}

func testHTTPTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	transport := NewHTTPTransport(WithTimeout(50 * time.Millisecond))
	_, err := transport.Fetch(context.Background(), server.URL, nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrCancelled)
}

func testHTTPCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := NewHTTPTransport().Fetch(ctx, server.URL, nil)
	assert.ErrorIs(t, err, ErrCancelled)
}

// serveRawResponse answers one request on a raw TCP listener with response
func serveRawResponse(t *testing.T, response string) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		listener.Close()
	})

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte(response))
	}()

	return "http://" + listener.Addr().String() + "/a.png"
}

func testHTTPBogusContentLength(t *testing.T) {
	url := serveRawResponse(t, "HTTP/1.1 200 OK\r\nContent-Length: 9000000000000000000\r\n\r\nabc")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	recorder := &progressRecorder{}
	assert.NotPanics(t, func() {
		_, err := NewHTTPTransport().Fetch(ctx, url, recorder.Record)
		assert.Error(t, err)
	})

	updates := recorder.Updates()
	require.NotEmpty(t, updates)
	assert.Equal(t, int64(9000000000000000000), updates[0].TotalBytes)
}

func TestIRODSTransport(t *testing.T) {
	t.Run("test Fetch", testIRODSFetch)
	t.Run("test FetchEmpty", testIRODSFetchEmpty)
	t.Run("test Missing", testIRODSMissing)
	t.Run("test Cancelled", testIRODSCancelled)
	t.Run("test TooLarge", testIRODSTooLarge)
}

func testIRODSFetch(t *testing.T) {
	client := irods.NewDummyClient(nil)
	client.PutFile("/zone/home/user/a.jpg", []byte("0123456789"))

	transport := NewIRODSTransport(client, 3)
	recorder := &progressRecorder{}

	data, err := transport.Fetch(context.Background(), "irods://data.example.org:1247/zone/home/user/a.jpg", recorder.Record)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), data)
	assert.Equal(t, 0, client.GetOpenHandles())

	received := []int64{}
	for _, update := range recorder.Updates() {
		assert.Equal(t, int64(10), update.TotalBytes)
		received = append(received, update.BytesReceived)
	}
	assert.Equal(t, []int64{0, 3, 6, 9, 10}, received)
}

func testIRODSFetchEmpty(t *testing.T) {
	client := irods.NewDummyClient(nil)
	client.PutFile("/zone/empty", []byte{})

	data, err := NewIRODSTransport(client, 0).Fetch(context.Background(), "irods://host/zone/empty", nil)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func testIRODSMissing(t *testing.T) {
	client := irods.NewDummyClient(nil)

	_, err := NewIRODSTransport(client, 0).Fetch(context.Background(), "irods://host/zone/missing.jpg", nil)
	assert.Error(t, err)

	_, err = NewIRODSTransport(client, 0).Fetch(context.Background(), "irods://host", nil)
	assert.Error(t, err)
}

func testIRODSCancelled(t *testing.T) {
	client := irods.NewDummyClient(nil)
	client.PutFile("/zone/a.jpg", []byte("0123456789"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewIRODSTransport(client, 3).Fetch(ctx, "irods://host/zone/a.jpg", nil)
	assert.ErrorIs(t, err, ErrCancelled)
}

func testIRODSTooLarge(t *testing.T) {
	client := irods.NewDummyClient(nil)
	client.PutFile("/zone/big.jpg", []byte("0123456789"))

	transport := NewIRODSTransport(client, 3)
	assert.Equal(t, defaultIRODSMaxObjectSize, transport.GetMaxObjectSize())
	transport.maxObjectSize = 5

	_, err := transport.Fetch(context.Background(), "irods://host/zone/big.jpg", nil)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Equal(t, 0, client.GetOpenHandles())
}

func TestMux(t *testing.T) {
	mux := NewMux()

	httpCalls := 0
	mux.Handle(TransportFunc(func(ctx context.Context, url string, progress ProgressFunc) ([]byte, error) {
		httpCalls++
		return []byte(url), nil
	}), "http", "HTTPS")

	client := irods.NewDummyClient(nil)
	client.PutFile("/zone/a.jpg", []byte("irods-data"))
	mux.Handle(NewIRODSTransport(client, 0), "irods")
	assert.Equal(t, 3, mux.Schemes())

	data, err := mux.Fetch(context.Background(), "https://example.com/a.jpg", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a.jpg", string(data))
	assert.Equal(t, 1, httpCalls)

	data, err = mux.Fetch(context.Background(), "irods://host/zone/a.jpg", nil)
	require.NoError(t, err)
	assert.Equal(t, "irods-data", string(data))

	_, err = mux.Fetch(context.Background(), "ftp://example.com/a.jpg", nil)
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestProgressFraction(t *testing.T) {
	_, ok := Progress{BytesReceived: 10, TotalBytes: -1}.Fraction()
	assert.False(t, ok)

	fraction, ok := Progress{BytesReceived: 5, TotalBytes: 10}.Fraction()
	assert.True(t, ok)
	assert.Equal(t, 0.5, fraction)
}

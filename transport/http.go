package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	defaultHTTPTimeout   time.Duration = 60 * time.Second
	defaultUserAgent     string        = "imagecache"
	httpReadBufferSize   int           = 32 * 1024
	maxDrainOnErrorBytes int64         = 4 * 1024
)

// maxPreallocBytes caps the buffer reserved from Content-Length, the buffer still grows as bytes arrive
const maxPreallocBytes int64 = 8 * 1024 * 1024

// HTTPTransport fetches http and https URLs
type HTTPTransport struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

// HTTPOption configures an HTTPTransport
type HTTPOption func(*HTTPTransport)

// WithTimeout bounds each fetch. Zero or negative disables the bound.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(transport *HTTPTransport) {
		transport.timeout = timeout
	}
}

// WithUserAgent sets the User-Agent header
func WithUserAgent(userAgent string) HTTPOption {
	return func(transport *HTTPTransport) {
		transport.userAgent = userAgent
	}
}

// WithHTTPClient sets the underlying client
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(transport *HTTPTransport) {
		if client != nil {
			transport.client = client
		}
	}
}

// NewHTTPTransport creates a new HTTPTransport
func NewHTTPTransport(opts ...HTTPOption) *HTTPTransport {
	transport := &HTTPTransport{
		client:    http.DefaultClient,
		timeout:   defaultHTTPTimeout,
		userAgent: defaultUserAgent,
	}

	for _, opt := range opts {
		opt(transport)
	}
	return transport
}

// Fetch downloads url, reporting progress after every read
func (transport *HTTPTransport) Fetch(ctx context.Context, url string, progress ProgressFunc) ([]byte, error) {
	logger := log.WithFields(log.Fields{
		"package":  "transport",
		"struct":   "HTTPTransport",
		"function": "Fetch",
		"url":      url,
	})

	fetchCtx := ctx
	if transport.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, transport.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to make request for %s: %w", url, err)
	}

	if len(transport.userAgent) > 0 {
		req.Header.Set("User-Agent", transport.userAgent)
	}

	resp, err := transport.client.Do(req)
	if err != nil {
		return nil, classify(fetchCtx, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.CopyN(io.Discard, resp.Body, maxDrainOnErrorBytes)
		return nil, &StatusError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
	}

	total := resp.ContentLength
	buffer := bytes.Buffer{}
	if total > 0 {
		buffer.Grow(int(min(total, maxPreallocBytes)))
	}

	report(progress, 0, total)

	readBuffer := make([]byte, httpReadBufferSize)
	received := int64(0)
	for {
		readLen, readErr := resp.Body.Read(readBuffer)
		if readLen > 0 {
			buffer.Write(readBuffer[:readLen])
			received += int64(readLen)
			report(progress, received, total)
		}

		if readErr == io.EOF {
			break
		}

		if readErr != nil {
			return nil, classify(fetchCtx, url, readErr)
		}
	}

	logger.Debugf("fetched %d bytes", received)
	return buffer.Bytes(), nil
}

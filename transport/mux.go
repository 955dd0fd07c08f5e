package transport

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/xerrors"
)

// Mux dispatches fetches to transports registered by URL scheme
type Mux struct {
	transports map[string]Transport
	mutex      sync.RWMutex
}

// NewMux creates an empty Mux
func NewMux() *Mux {
	return &Mux{
		transports: map[string]Transport{},
	}
}

// Handle registers transport for schemes
func (mux *Mux) Handle(transport Transport, schemes ...string) {
	mux.mutex.Lock()
	defer mux.mutex.Unlock()

	for _, scheme := range schemes {
		mux.transports[strings.ToLower(scheme)] = transport
	}
}

// Schemes returns the number of registered schemes
func (mux *Mux) Schemes() int {
	mux.mutex.RLock()
	defer mux.mutex.RUnlock()

	return len(mux.transports)
}

// Fetch fetches url with the transport registered for its scheme
func (mux *Mux) Fetch(ctx context.Context, sourceURL string, progress ProgressFunc) ([]byte, error) {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return nil, xerrors.Errorf("failed to parse url %s: %w", sourceURL, err)
	}

	mux.mutex.RLock()
	transport, ok := mux.transports[strings.ToLower(parsed.Scheme)]
	mux.mutex.RUnlock()

	if !ok {
		return nil, xerrors.Errorf("failed to fetch %s: %w", sourceURL, ErrUnsupportedScheme)
	}
	return transport.Fetch(ctx, sourceURL, progress)
}

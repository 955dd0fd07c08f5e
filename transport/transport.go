// Package transport fetches encoded image bytes from remote sources.
package transport

import (
	"context"
	"fmt"
)

// Progress is the download progress of one fetch
type Progress struct {
	BytesReceived int64
	// TotalBytes is -1 when the size is unknown
	TotalBytes int64
}

// Fraction returns the completed fraction, ok is false when the total is unknown
func (progress Progress) Fraction() (float64, bool) {
	if progress.TotalBytes <= 0 {
		return 0, false
	}

	fraction := float64(progress.BytesReceived) / float64(progress.TotalBytes)
	if fraction > 1 {
		fraction = 1
	}
	return fraction, true
}

// ToString stringifies the object
func (progress Progress) ToString() string {
	return fmt.Sprintf("<Progress %d/%d>", progress.BytesReceived, progress.TotalBytes)
}

// ProgressFunc receives progress in arrival order. It must not block for long.
type ProgressFunc func(progress Progress)

// Transport fetches the bytes at url. Errors match ErrCancelled when ctx is cancelled,
// ErrTimeout on timeouts, or are a *StatusError for unsuccessful responses.
type Transport interface {
	Fetch(ctx context.Context, url string, progress ProgressFunc) ([]byte, error)
}

// TransportFunc adapts a function to Transport
type TransportFunc func(ctx context.Context, url string, progress ProgressFunc) ([]byte, error)

// Fetch calls fn
func (fn TransportFunc) Fetch(ctx context.Context, url string, progress ProgressFunc) ([]byte, error) {
	return fn(ctx, url, progress)
}

func report(progress ProgressFunc, received int64, total int64) {
	if progress != nil {
		progress(Progress{
			BytesReceived: received,
			TotalBytes:    total,
		})
	}
}

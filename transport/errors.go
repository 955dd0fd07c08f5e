package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/xerrors"
)

var (
	// ErrCancelled is matched by errors of fetches cancelled by the caller
	ErrCancelled = xerrors.New("fetch cancelled")
	// ErrTimeout is matched by errors of fetches that timed out
	ErrTimeout = xerrors.New("fetch timed out")
	// ErrUnsupportedScheme is returned for URLs no transport handles
	ErrUnsupportedScheme = xerrors.New("unsupported url scheme")
	// ErrTooLarge is matched by errors of fetches refused for their size
	ErrTooLarge = xerrors.New("fetch too large")
)

// StatusError is returned for unsuccessful responses
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (err *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %q for %s", err.Status, err.URL)
}

// IsNotFound returns true for 404 and 410
func (err *StatusError) IsNotFound() bool {
	return err.StatusCode == 404 || err.StatusCode == 410
}

// FetchError wraps a transport failure with its kind, ErrCancelled or ErrTimeout
type FetchError struct {
	Kind error
	URL  string
	Err  error
}

func (err *FetchError) Error() string {
	return fmt.Sprintf("%v: %s: %v", err.Kind, err.URL, err.Err)
}

func (err *FetchError) Unwrap() error {
	return err.Err
}

// Is matches the error kind
func (err *FetchError) Is(target error) bool {
	return target == err.Kind
}

// classify maps context and network errors to ErrCancelled or ErrTimeout
func classify(ctx context.Context, url string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &FetchError{Kind: ErrTimeout, URL: url, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: ErrTimeout, URL: url, Err: err}
	}

	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return &FetchError{Kind: ErrCancelled, URL: url, Err: err}
	}

	return xerrors.Errorf("failed to fetch %s: %w", url, err)
}

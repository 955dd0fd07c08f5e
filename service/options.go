package service

import (
	"time"

	"github.com/cyverse/imagecache/decode"
)

type requestOptions struct {
	expireAfter   *time.Duration // nil = service default
	maxPixelSize  *decode.Size   // nil = service default
	fileName      *string        // nil = from the url
	fileExtension *string        // nil = from the url
	inMemory      bool
}

// RequestOption configures Request
type RequestOption func(*requestOptions)

// WithExpireAfter expires the stored image after interval, 0 = never
func WithExpireAfter(interval time.Duration) RequestOption {
	return func(opts *requestOptions) {
		opts.expireAfter = &interval
	}
}

// WithMaxPixelSize bounds the decoded buffer, a zero dimension is unbounded
func WithMaxPixelSize(size decode.Size) RequestOption {
	return func(opts *requestOptions) {
		opts.maxPixelSize = &size
	}
}

// WithFileName sets the readable part of the stored file name
func WithFileName(name string) RequestOption {
	return func(opts *requestOptions) {
		opts.fileName = &name
	}
}

// WithFileExtension sets the extension of the stored file
func WithFileExtension(ext string) RequestOption {
	return func(opts *requestOptions) {
		opts.fileExtension = &ext
	}
}

// InMemory keeps the downloaded image in memory only
func InMemory() RequestOption {
	return func(opts *requestOptions) {
		opts.inMemory = true
	}
}

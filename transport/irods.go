package transport

import (
	"context"
	"io"
	"net/url"

	irodsclient_fs "github.com/cyverse/go-irodsclient/fs"
	irodsclient_types "github.com/cyverse/go-irodsclient/irods/types"
	"github.com/cyverse/imagecache/irods"
	"github.com/cyverse/imagecache/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	defaultIRODSChunkSize     int   = 1024 * 1024
	defaultIRODSMaxObjectSize int64 = 512 * 1024 * 1024
)

// IRODSTransport fetches irods:// URLs, reading data objects in chunks.
// The URL path is the data object path, host and port are informational.
type IRODSTransport struct {
	client        irods.Client
	chunkHelper   *utils.ChunkHelper
	maxObjectSize int64
}

// NewIRODSTransport creates a new IRODSTransport. chunkSize <= 0 uses 1MB chunks.
func NewIRODSTransport(client irods.Client, chunkSize int) *IRODSTransport {
	if chunkSize <= 0 {
		chunkSize = defaultIRODSChunkSize
	}

	return &IRODSTransport{
		client:        client,
		chunkHelper:   utils.NewChunkHelper(chunkSize),
		maxObjectSize: defaultIRODSMaxObjectSize,
	}
}

// GetMaxObjectSize returns the largest data object Fetch reads
func (transport *IRODSTransport) GetMaxObjectSize() int64 {
	return transport.maxObjectSize
}

// Release releases the client
func (transport *IRODSTransport) Release() {
	transport.client.Release()
}

// Fetch reads the data object at url chunk by chunk, reporting progress after every chunk
func (transport *IRODSTransport) Fetch(ctx context.Context, sourceURL string, progress ProgressFunc) ([]byte, error) {
	logger := log.WithFields(log.Fields{
		"package":  "transport",
		"struct":   "IRODSTransport",
		"function": "Fetch",
		"url":      sourceURL,
	})

	defer utils.StackTraceFromPanic(logger)

	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return nil, xerrors.Errorf("failed to parse url %s: %w", sourceURL, err)
	}

	objectPath := parsed.Path
	if len(objectPath) == 0 {
		return nil, xerrors.Errorf("url %s has no data object path", sourceURL)
	}

	if err := ctx.Err(); err != nil {
		return nil, classify(ctx, sourceURL, err)
	}

	entry, err := transport.client.Stat(objectPath)
	if err != nil {
		return nil, xerrors.Errorf("failed to stat %s: %w", objectPath, err)
	}

	if entry.Type != irodsclient_fs.FileEntry {
		return nil, xerrors.Errorf("%s is not a data object", objectPath)
	}

	handle, err := transport.client.OpenFile(objectPath, "", string(irodsclient_types.FileOpenModeReadOnly))
	if err != nil {
		return nil, xerrors.Errorf("failed to open %s: %w", objectPath, err)
	}
	defer handle.Close()

	size := entry.Size
	if size < 0 || size > transport.maxObjectSize {
		return nil, xerrors.Errorf("data object %s of %d bytes exceeds %d bytes: %w", objectPath, size, transport.maxObjectSize, ErrTooLarge)
	}

	data := make([]byte, size)
	report(progress, 0, size)

	chunkCount := transport.chunkHelper.GetChunkCount(size)
	received := int64(0)
	for chunkID := int64(0); chunkID < chunkCount; chunkID++ {
		if err := ctx.Err(); err != nil {
			return nil, classify(ctx, sourceURL, err)
		}

		start := transport.chunkHelper.GetChunkStartOffset(chunkID)
		length := transport.chunkHelper.GetChunkLength(chunkID, size)

		readLen, err := readFullAt(handle, data[start:start+int64(length)], start)
		received += int64(readLen)
		if err != nil {
			return nil, xerrors.Errorf("failed to read %s at offset %d: %w", objectPath, start, err)
		}

		report(progress, received, size)
	}

	logger.Debugf("fetched %d bytes in %d chunks", received, chunkCount)
	return data, nil
}

// readFullAt fills buffer from offset, io.EOF before the buffer is full is io.ErrUnexpectedEOF
func readFullAt(handle irods.FileHandle, buffer []byte, offset int64) (int, error) {
	total := 0
	for total < len(buffer) {
		readLen, err := handle.ReadAt(buffer[total:], offset+int64(total))
		total += readLen

		if err == io.EOF {
			if total < len(buffer) {
				return total, io.ErrUnexpectedEOF
			}
			return total, nil
		}

		if err != nil {
			return total, err
		}

		if readLen == 0 {
			return total, io.ErrNoProgress
		}
	}
	return total, nil
}

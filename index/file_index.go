package index

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cyverse/imagecache/key"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	indexDirPerm  os.FileMode = 0o700
	indexFilePerm os.FileMode = 0o600
)

// FileIndex implements Index with an in-memory map persisted as JSON lines.
// Every mutation rewrites the file through a temp file and a rename.
type FileIndex struct {
	indexPath string
	entries   map[string]*Entry // key = canonical cache key
	closed    bool
	mutex     sync.RWMutex
}

// NewFileIndex opens the index persisted at indexPath, creating it if missing
func NewFileIndex(indexPath string) (*FileIndex, error) {
	if len(indexPath) == 0 {
		return nil, xerrors.Errorf("index path is empty")
	}

	idx := &FileIndex{
		indexPath: indexPath,
		entries:   map[string]*Entry{},
	}

	err := idx.load()
	if err != nil {
		return nil, err
	}

	return idx, nil
}

// NewMemoryIndex creates an index that is never persisted
func NewMemoryIndex() *FileIndex {
	return &FileIndex{
		indexPath: "",
		entries:   map[string]*Entry{},
	}
}

// GetPath returns the path of the index file, empty for a memory index
func (idx *FileIndex) GetPath() string {
	return idx.indexPath
}

// Len returns the number of entries
func (idx *FileIndex) Len() int {
	idx.mutex.RLock()
	defer idx.mutex.RUnlock()

	return len(idx.entries)
}

// Lookup returns the entry for k
func (idx *FileIndex) Lookup(k key.CacheKey) (*Entry, error) {
	idx.mutex.RLock()
	defer idx.mutex.RUnlock()

	if idx.closed {
		return nil, ErrIndexClosed
	}

	if k.HasIdentifier() {
		if entry, ok := idx.entries[k.String()]; ok {
			return entry.Copy(), nil
		}
	}

	if k.HasURL() {
		// entries stored without identifier are keyed by URL
		urlKey := key.NewURLKey(k.URL)
		if entry, ok := idx.entries[urlKey.String()]; ok {
			return entry.Copy(), nil
		}
	}

	return nil, nil
}

// Insert replaces any entry with an equivalent key
func (idx *FileIndex) Insert(entry *Entry) error {
	if entry == nil {
		return xerrors.Errorf("entry is nil")
	}

	entryKey := entry.Key()
	if err := entryKey.Validate(); err != nil {
		return err
	}

	idx.mutex.Lock()
	defer idx.mutex.Unlock()

	if idx.closed {
		return ErrIndexClosed
	}

	mapKey := entryKey.String()
	prev, hadPrev := idx.entries[mapKey]
	idx.entries[mapKey] = entry.Copy()

	err := idx.persist()
	if err != nil {
		// keep memory consistent with what is on disk
		if hadPrev {
			idx.entries[mapKey] = prev
		} else {
			delete(idx.entries, mapKey)
		}
		return &IndexError{Op: "insert", Path: idx.indexPath, Err: err}
	}

	return nil
}

// Remove deletes the entry for k, if any
func (idx *FileIndex) Remove(k key.CacheKey) error {
	idx.mutex.Lock()
	defer idx.mutex.Unlock()

	if idx.closed {
		return ErrIndexClosed
	}

	mapKey := k.String()
	prev, ok := idx.entries[mapKey]
	if !ok {
		return nil
	}

	delete(idx.entries, mapKey)

	err := idx.persist()
	if err != nil {
		idx.entries[mapKey] = prev
		return &IndexError{Op: "remove", Path: idx.indexPath, Err: err}
	}

	return nil
}

// Expired returns a snapshot of entries expired at now, oldest first
func (idx *FileIndex) Expired(now time.Time) ([]*Entry, error) {
	return idx.snapshot(func(entry *Entry) bool {
		return entry.IsExpired(now)
	})
}

// Entries returns a snapshot of all entries, oldest first
func (idx *FileIndex) Entries() ([]*Entry, error) {
	return idx.snapshot(nil)
}

func (idx *FileIndex) snapshot(filter func(*Entry) bool) ([]*Entry, error) {
	idx.mutex.RLock()
	defer idx.mutex.RUnlock()

	if idx.closed {
		return nil, ErrIndexClosed
	}

	entries := []*Entry{}
	for _, entry := range idx.entries {
		if filter == nil || filter(entry) {
			entries = append(entries, entry.Copy())
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].Key().String() < entries[j].Key().String()
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	return entries, nil
}

// Flush writes the index to disk
func (idx *FileIndex) Flush() error {
	idx.mutex.Lock()
	defer idx.mutex.Unlock()

	if idx.closed {
		return ErrIndexClosed
	}

	err := idx.persist()
	if err != nil {
		return &IndexError{Op: "flush", Path: idx.indexPath, Err: err}
	}
	return nil
}

// Close flushes and closes the index
func (idx *FileIndex) Close() error {
	idx.mutex.Lock()
	defer idx.mutex.Unlock()

	if idx.closed {
		return nil
	}

	err := idx.persist()
	idx.closed = true
	if err != nil {
		return &IndexError{Op: "close", Path: idx.indexPath, Err: err}
	}
	return nil
}

// load reads the index file. Corrupt lines are skipped, duplicates resolve to the newest entry.
func (idx *FileIndex) load() error {
	logger := log.WithFields(log.Fields{
		"package":  "index",
		"struct":   "FileIndex",
		"function": "load",
	})

	file, err := os.Open(idx.indexPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &IndexError{Op: "load", Path: idx.indexPath, Err: err}
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 {
			continue
		}

		entry := &Entry{}
		if err := json.Unmarshal([]byte(line), entry); err != nil {
			logger.WithError(err).Warnf("skipping corrupt index line %d in %s", lineNum, idx.indexPath)
			continue
		}

		entryKey := entry.Key()
		if entryKey.IsEmpty() || len(entry.StoredFileName) == 0 {
			logger.Warnf("skipping incomplete index line %d in %s", lineNum, idx.indexPath)
			continue
		}

		mapKey := entryKey.String()
		if existing, ok := idx.entries[mapKey]; ok && existing.CreatedAt.After(entry.CreatedAt) {
			continue
		}
		idx.entries[mapKey] = entry
	}

	if err := scanner.Err(); err != nil {
		return &IndexError{Op: "load", Path: idx.indexPath, Err: err}
	}

	logger.Debugf("loaded %d index entries from %s", len(idx.entries), idx.indexPath)
	return nil
}

// persist writes all entries, assumes the lock is held
func (idx *FileIndex) persist() error {
	if len(idx.indexPath) == 0 {
		return nil
	}

	dir := filepath.Dir(idx.indexPath)
	if err := os.MkdirAll(dir, indexDirPerm); err != nil {
		return xerrors.Errorf("failed to make dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".index-*")
	if err != nil {
		return xerrors.Errorf("failed to create temp index file: %w", err)
	}
	tmpPath := tmp.Name()

	keys := make([]string, 0, len(idx.entries))
	for mapKey := range idx.entries {
		keys = append(keys, mapKey)
	}
	sort.Strings(keys)

	writer := bufio.NewWriter(tmp)
	for _, mapKey := range keys {
		data, err := json.Marshal(idx.entries[mapKey])
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return xerrors.Errorf("failed to marshal index entry %s: %w", mapKey, err)
		}

		data = append(data, '\n')
		if _, err := writer.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return xerrors.Errorf("failed to write index entry %s: %w", mapKey, err)
		}
	}

	if err := writer.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return xerrors.Errorf("failed to flush index file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return xerrors.Errorf("failed to sync index file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return xerrors.Errorf("failed to close index file: %w", err)
	}

	if err := os.Chmod(tmpPath, indexFilePerm); err != nil {
		os.Remove(tmpPath)
		return xerrors.Errorf("failed to chmod index file: %w", err)
	}

	if err := os.Rename(tmpPath, idx.indexPath); err != nil {
		os.Remove(tmpPath)
		return xerrors.Errorf("failed to rename index file to %s: %w", idx.indexPath, err)
	}

	return nil
}

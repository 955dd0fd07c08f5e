// Package store persists the bytes of cached files.
package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyverse/imagecache/index"
	"github.com/cyverse/imagecache/key"
	"github.com/cyverse/imagecache/utils"
	"golang.org/x/xerrors"
)

const (
	defaultDirPerm  os.FileMode = 0o700
	defaultFilePerm os.FileMode = 0o600
	tempFilePrefix  string      = ".tmp-"
	maxNameHintLen  int         = 64
)

// FileStore reads and writes stored files under a root directory.
// Files are immutable once renamed into place.
type FileStore struct {
	rootPath string
	dirPerm  os.FileMode
	filePerm os.FileMode
}

// Option configures a FileStore
type Option func(*FileStore)

// WithDirPerm sets the permission of the root directory
func WithDirPerm(mode os.FileMode) Option {
	return func(store *FileStore) {
		store.dirPerm = mode
	}
}

// WithFilePerm sets the permission of stored files
func WithFilePerm(mode os.FileMode) Option {
	return func(store *FileStore) {
		store.filePerm = mode
	}
}

// NewFileStore creates a FileStore rooted at rootPath
func NewFileStore(rootPath string, opts ...Option) (*FileStore, error) {
	if len(rootPath) == 0 {
		return nil, xerrors.Errorf("file store root path is empty")
	}

	store := &FileStore{
		rootPath: rootPath,
		dirPerm:  defaultDirPerm,
		filePerm: defaultFilePerm,
	}

	for _, opt := range opts {
		opt(store)
	}

	err := os.MkdirAll(rootPath, store.dirPerm)
	if err != nil {
		return nil, xerrors.Errorf("failed to make dir %s: %w", rootPath, err)
	}

	return store, nil
}

// GetRootPath returns root path of the store
func (store *FileStore) GetRootPath() string {
	return store.rootPath
}

// ResolvePath returns the absolute path of the entry's file. No I/O.
func (store *FileStore) ResolvePath(entry *index.Entry) string {
	// entries only hold a bare file name; never let one escape the root
	return filepath.Join(store.rootPath, filepath.Base(entry.RelativePath()))
}

// Write stores data for entry. Readers never observe a partial file.
func (store *FileStore) Write(data []byte, entry *index.Entry) error {
	finalPath := store.ResolvePath(entry)

	tmp, err := os.CreateTemp(store.rootPath, tempFilePrefix+"*")
	if err != nil {
		return store.makeError("write", finalPath, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return store.makeError("write", finalPath, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return store.makeError("write", finalPath, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return store.makeError("write", finalPath, err)
	}

	if err := os.Chmod(tmpPath, store.filePerm); err != nil {
		os.Remove(tmpPath)
		return store.makeError("write", finalPath, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return store.makeError("write", finalPath, err)
	}

	return nil
}

// Read returns the bytes of the entry's file
func (store *FileStore) Read(entry *index.Entry) ([]byte, error) {
	path := store.ResolvePath(entry)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, store.makeError("read", path, err)
	}
	return data, nil
}

// Open returns a read handle on the entry's file
func (store *FileStore) Open(entry *index.Entry) (*os.File, error) {
	path := store.ResolvePath(entry)

	f, err := os.Open(path)
	if err != nil {
		return nil, store.makeError("open", path, err)
	}
	return f, nil
}

// Exists returns true if the entry's file is present
func (store *FileStore) Exists(entry *index.Entry) bool {
	info, err := os.Stat(store.ResolvePath(entry))
	return err == nil && info.Mode().IsRegular()
}

// Delete removes the entry's file. A missing file is not an error.
func (store *FileStore) Delete(entry *index.Entry) error {
	return store.DeleteFile(entry.RelativePath())
}

// DeleteFile removes a stored file by name. A missing file is not an error.
func (store *FileStore) DeleteFile(name string) error {
	path := filepath.Join(store.rootPath, filepath.Base(name))

	err := os.Remove(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return store.makeError("delete", path, err)
	}
	return nil
}

// List returns the names of all stored files, excluding in-progress writes
func (store *FileStore) List() ([]string, error) {
	dirEntries, err := os.ReadDir(store.rootPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, store.makeError("list", store.rootPath, err)
	}

	names := []string{}
	for _, dirEntry := range dirEntries {
		if !dirEntry.Type().IsRegular() {
			continue
		}
		if strings.HasPrefix(dirEntry.Name(), tempFilePrefix) {
			continue
		}
		names = append(names, dirEntry.Name())
	}
	return names, nil
}

func (store *FileStore) makeError(op string, path string, err error) error {
	kind := ErrIOFailure
	if errors.Is(err, os.ErrNotExist) {
		kind = ErrNotFound
	}

	return &StoreError{
		Kind: kind,
		Op:   op,
		Path: path,
		Err:  err,
	}
}

// MakeFileName returns a collision-avoiding stored file name (without extension) for k.
// A name hint is kept readable and suffixed with a short hash of the key.
func MakeFileName(k key.CacheKey, nameHint string) string {
	hint := SanitizeName(nameHint)
	if len(hint) == 0 {
		return utils.MakeHash(k.String())
	}

	return hint + "-" + utils.MakeShortHash(k.String())
}

// SanitizeName keeps letters, digits, '-', '_' and '.', replacing anything else with '_'
func SanitizeName(name string) string {
	sb := strings.Builder{}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}

		if sb.Len() >= maxNameHintLen {
			break
		}
	}

	// leading dots would collide with temp files or hide the file
	return strings.TrimLeft(sb.String(), ".")
}

package irods

import (
	"io"
	"path"
	"sync"
	"time"

	irodsclient_fs "github.com/cyverse/go-irodsclient/fs"
	irodsclient_types "github.com/cyverse/go-irodsclient/irods/types"
	"github.com/rs/xid"
	"golang.org/x/xerrors"
)

const (
	dummyIDStart int64 = 90000000
)

// DummyClient implements Client with in-memory data objects
type DummyClient struct {
	account      *irodsclient_types.IRODSAccount
	dummyIDCount int64
	dummyEntry   map[string]*irodsclient_fs.Entry
	dummyContent map[string][]byte
	openHandles  int
	mutex        sync.Mutex
}

// NewDummyClient creates a new DummyClient
func NewDummyClient(account *irodsclient_types.IRODSAccount) *DummyClient {
	return &DummyClient{
		account:      account,
		dummyEntry:   map[string]*irodsclient_fs.Entry{},
		dummyContent: map[string][]byte{},
	}
}

// GetAccount returns iRODS Account info
func (client *DummyClient) GetAccount() *irodsclient_types.IRODSAccount {
	return client.account
}

// GetApplicationName returns application name
func (client *DummyClient) GetApplicationName() string {
	return "dummy"
}

// Release releases resources
func (client *DummyClient) Release() {
}

// PutFile adds or replaces a data object
func (client *DummyClient) PutFile(filePath string, content []byte) {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	client.dummyIDCount++

	owner := ""
	if client.account != nil {
		owner = client.account.ClientUser
	}

	client.dummyEntry[filePath] = &irodsclient_fs.Entry{
		ID:         dummyIDStart + client.dummyIDCount,
		Type:       irodsclient_fs.FileEntry,
		Name:       path.Base(filePath),
		Path:       filePath,
		Owner:      owner,
		Size:       int64(len(content)),
		CreateTime: time.Now(),
		ModifyTime: time.Now(),
	}
	client.dummyContent[filePath] = append([]byte{}, content...)
}

// GetOpenHandles returns the number of handles not closed yet
func (client *DummyClient) GetOpenHandles() int {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	return client.openHandles
}

// Stat stats fs entry
func (client *DummyClient) Stat(filePath string) (*irodsclient_fs.Entry, error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	if entry, ok := client.dummyEntry[filePath]; ok {
		return entry, nil
	}

	return nil, xerrors.Errorf("failed to find the file or directory for path %s: %w", filePath, irodsclient_types.NewFileNotFoundError(filePath))
}

// OpenFile opens a data object, read-only
func (client *DummyClient) OpenFile(filePath string, resource string, mode string) (FileHandle, error) {
	if mode != string(irodsclient_types.FileOpenModeReadOnly) {
		return nil, xerrors.Errorf("failed to open file %s with mode %s", filePath, mode)
	}

	client.mutex.Lock()
	defer client.mutex.Unlock()

	entry, ok := client.dummyEntry[filePath]
	if !ok {
		return nil, xerrors.Errorf("failed to open the file for path %s: %w", filePath, irodsclient_types.NewFileNotFoundError(filePath))
	}

	client.openHandles++
	return &DummyFileHandle{
		id:      xid.New().String(),
		client:  client,
		entry:   entry,
		content: client.dummyContent[filePath],
	}, nil
}

func (client *DummyClient) releaseHandle() {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	client.openHandles--
}

// DummyFileHandle implements FileHandle
type DummyFileHandle struct {
	id      string
	client  *DummyClient
	entry   *irodsclient_fs.Entry
	content []byte
	closed  bool
}

func (handle *DummyFileHandle) GetID() string {
	return handle.id
}

func (handle *DummyFileHandle) GetEntry() *irodsclient_fs.Entry {
	return handle.entry
}

func (handle *DummyFileHandle) ReadAt(buffer []byte, offset int64) (int, error) {
	if handle.closed {
		return 0, xerrors.Errorf("file handle %s is closed", handle.id)
	}

	if offset >= int64(len(handle.content)) {
		return 0, io.EOF
	}

	copied := copy(buffer, handle.content[offset:])
	if offset+int64(copied) == int64(len(handle.content)) {
		return copied, io.EOF
	}
	return copied, nil
}

func (handle *DummyFileHandle) Close() error {
	if handle.closed {
		return nil
	}

	handle.closed = true
	handle.client.releaseHandle()
	return nil
}

package irods

import (
	irodsclient_fs "github.com/cyverse/go-irodsclient/fs"
	irodsclient_types "github.com/cyverse/go-irodsclient/irods/types"
	"github.com/cyverse/imagecache/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// DirectClient implements Client with go-irodsclient, connecting to the iRODS server directly
type DirectClient struct {
	config  *irodsclient_fs.FileSystemConfig
	account *irodsclient_types.IRODSAccount
	fs      *irodsclient_fs.FileSystem
}

// NewDirectClient creates a new DirectClient
func NewDirectClient(account *irodsclient_types.IRODSAccount, applicationName string) (*DirectClient, error) {
	logger := log.WithFields(log.Fields{
		"package":  "irods",
		"function": "NewDirectClient",
	})

	defer utils.StackTraceFromPanic(logger)

	config := irodsclient_fs.NewFileSystemConfig(applicationName)

	fs, err := irodsclient_fs.NewFileSystem(account, config)
	if err != nil {
		return nil, xerrors.Errorf("failed to connect to irods host %s: %w", account.Host, err)
	}

	return &DirectClient{
		config:  config,
		account: account,
		fs:      fs,
	}, nil
}

// GetAccount returns iRODS Account info
func (client *DirectClient) GetAccount() *irodsclient_types.IRODSAccount {
	return client.account
}

// GetApplicationName returns application name
func (client *DirectClient) GetApplicationName() string {
	return client.config.ApplicationName
}

// Release releases resources
func (client *DirectClient) Release() {
	logger := log.WithFields(log.Fields{
		"package":  "irods",
		"struct":   "DirectClient",
		"function": "Release",
	})

	defer utils.StackTraceFromPanic(logger)

	if client.fs != nil {
		client.fs.Release()
		client.fs = nil
	}
}

// Stat stats fs entry
func (client *DirectClient) Stat(path string) (*irodsclient_fs.Entry, error) {
	if client.fs == nil {
		return nil, xerrors.Errorf("FSClient is nil")
	}

	logger := log.WithFields(log.Fields{
		"package":  "irods",
		"struct":   "DirectClient",
		"function": "Stat",
	})

	defer utils.StackTraceFromPanic(logger)

	entry, err := client.fs.Stat(path)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// OpenFile opens a data object
func (client *DirectClient) OpenFile(path string, resource string, mode string) (FileHandle, error) {
	if client.fs == nil {
		return nil, xerrors.Errorf("FSClient is nil")
	}

	logger := log.WithFields(log.Fields{
		"package":  "irods",
		"struct":   "DirectClient",
		"function": "OpenFile",
	})

	defer utils.StackTraceFromPanic(logger)

	handle, err := client.fs.OpenFile(path, resource, mode)
	if err != nil {
		return nil, err
	}

	return &DirectFileHandle{
		handle: handle,
	}, nil
}

// DirectFileHandle implements FileHandle
type DirectFileHandle struct {
	handle *irodsclient_fs.FileHandle
}

func (handle *DirectFileHandle) GetID() string {
	return handle.handle.GetID()
}

func (handle *DirectFileHandle) GetEntry() *irodsclient_fs.Entry {
	return handle.handle.GetEntry()
}

func (handle *DirectFileHandle) ReadAt(buffer []byte, offset int64) (int, error) {
	logger := log.WithFields(log.Fields{
		"package":  "irods",
		"struct":   "DirectFileHandle",
		"function": "ReadAt",
	})

	defer utils.StackTraceFromPanic(logger)

	return handle.handle.ReadAt(buffer, offset)
}

func (handle *DirectFileHandle) Close() error {
	logger := log.WithFields(log.Fields{
		"package":  "irods",
		"struct":   "DirectFileHandle",
		"function": "Close",
	})

	defer utils.StackTraceFromPanic(logger)

	return handle.handle.Close()
}

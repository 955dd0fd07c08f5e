// Package irods reads data objects from an iRODS zone.
package irods

import (
	irodsclient_fs "github.com/cyverse/go-irodsclient/fs"
	irodsclient_types "github.com/cyverse/go-irodsclient/irods/types"
)

// Client is the read-only subset of the iRODS filesystem API used to fetch images
type Client interface {
	Release()

	GetAccount() *irodsclient_types.IRODSAccount
	GetApplicationName() string

	Stat(path string) (*irodsclient_fs.Entry, error)
	OpenFile(path string, resource string, mode string) (FileHandle, error)
}

// FileHandle is an open data object
type FileHandle interface {
	GetID() string
	GetEntry() *irodsclient_fs.Entry
	ReadAt(buffer []byte, offset int64) (int, error)
	Close() error
}

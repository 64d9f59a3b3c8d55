// Package sys wraps the filesystem operations the storage engine depends on.
// Keeping them behind one seam lets tests inject media failures without
// reaching into package internals.
package sys

import (
	"os"
	"sync"
)

// FileInterface is the subset of *os.File the engine uses.
type FileInterface interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Sync() error
	Close() error
	Stat() (os.FileInfo, error)
	Seek(offset int64, whence int) (int64, error)
	Name() string
}

var (
	failMu      sync.Mutex
	failCreate  error
	failRename  error
)

// SetTestingOnlyInjectCreateError makes subsequent Create calls fail with err.
// Pass nil to clear.
func SetTestingOnlyInjectCreateError(err error) {
	failMu.Lock()
	defer failMu.Unlock()
	failCreate = err
}

// SetTestingOnlyInjectRenameError makes subsequent Rename calls fail with err.
// Pass nil to clear.
func SetTestingOnlyInjectRenameError(err error) {
	failMu.Lock()
	defer failMu.Unlock()
	failRename = err
}

// Create creates or truncates the named file.
func Create(name string) (FileInterface, error) {
	failMu.Lock()
	err := failCreate
	failMu.Unlock()
	if err != nil {
		return nil, err
	}
	return os.Create(name)
}

// Open opens the named file for reading.
func Open(name string) (FileInterface, error) {
	return os.Open(name)
}

// OpenFile is the generalized open call.
func OpenFile(name string, flag int, perm os.FileMode) (FileInterface, error) {
	return os.OpenFile(name, flag, perm)
}

// Rename atomically replaces newpath with oldpath.
func Rename(oldpath, newpath string) error {
	failMu.Lock()
	err := failRename
	failMu.Unlock()
	if err != nil {
		return err
	}
	return os.Rename(oldpath, newpath)
}

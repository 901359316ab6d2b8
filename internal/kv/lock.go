package kv

import (
	"fmt"
	"os"
	"path/filepath"
)

// LockFileName is the advisory lock file created in a store directory
const LockFileName = "lock"

// DirLock is an exclusive lock on a store directory
type DirLock struct {
	path string
	file *os.File
}

// LockDir takes the exclusive lock for dir. It fails with a *LockError
// wrapping ErrAlreadyLocked when another process holds it.
func LockDir(dir string) (*DirLock, error) {
	path := filepath.Join(dir, LockFileName)
	f, err := os.OpenFile(filepath.Clean(path), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, &LockError{Path: path, err: err}
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, &LockError{Path: path, err: err}
	}
	// the previous holder's pid is still in the file
	if err := f.Truncate(0); err != nil {
		_ = unlockFile(f)
		_ = f.Close()
		return nil, &LockError{Path: path, err: err}
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		_ = unlockFile(f)
		_ = f.Close()
		return nil, &LockError{Path: path, err: err}
	}
	return &DirLock{path: path, file: f}, nil
}

// Release drops the lock. It is safe to call more than once.
func (l *DirLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	if err := unlockFile(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

package sync

import (
	"sync"
)

// FolderLocks serializes the commit phase per (account, folder).
type FolderLocks struct {
	mu    sync.Mutex
	locks map[string]*folderLock
}

type folderLock struct {
	mu   sync.Mutex
	refs int
}

// NewFolderLocks creates an empty lock table.
func NewFolderLocks() *FolderLocks {
	return &FolderLocks{locks: make(map[string]*folderLock)}
}

// Lock acquires the lock of a folder and returns its release func.
func (l *FolderLocks) Lock(accountID, folderID string) func() {
	key := accountID + "\x00" + folderID

	l.mu.Lock()
	fl, ok := l.locks[key]
	if !ok {
		fl = &folderLock{}
		l.locks[key] = fl
	}
	fl.refs++
	l.mu.Unlock()

	fl.mu.Lock()
	return func() {
		fl.mu.Unlock()
		l.mu.Lock()
		fl.refs--
		if fl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

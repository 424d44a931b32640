package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Locker serializes mutations of a single entity identified by key.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedLocker is an in-process Locker with one semaphore per active key.
type KeyedLocker struct {
	mutex   sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	semaphore chan struct{}
	waiters   int
}

// NewKeyedLocker returns an empty KeyedLocker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{entries: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free or ctx is done.
func (locker *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	entry := locker.acquireEntry(key)
	select {
	case entry.semaphore <- struct{}{}:
	case <-ctx.Done():
		locker.releaseEntry(key, entry)
		return nil, fmt.Errorf("%w: %s: %v", ErrLockUnavailable, key, ctx.Err())
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.semaphore
			locker.releaseEntry(key, entry)
		})
	}, nil
}

func (locker *KeyedLocker) acquireEntry(key string) *keyedEntry {
	locker.mutex.Lock()
	defer locker.mutex.Unlock()
	entry, ok := locker.entries[key]
	if !ok {
		entry = &keyedEntry{semaphore: make(chan struct{}, 1)}
		locker.entries[key] = entry
	}
	entry.waiters++
	return entry
}

func (locker *KeyedLocker) releaseEntry(key string, entry *keyedEntry) {
	locker.mutex.Lock()
	defer locker.mutex.Unlock()
	entry.waiters--
	if entry.waiters == 0 {
		delete(locker.entries, key)
	}
}

func (locker *KeyedLocker) activeKeys() int {
	locker.mutex.Lock()
	defer locker.mutex.Unlock()
	return len(locker.entries)
}

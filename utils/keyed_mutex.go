package utils

import "sync"

type keyedMutexEntry struct {
	mutex sync.Mutex
	refs  int
}

// KeyedMutex serializes work per key. Entries are dropped when unused.
type KeyedMutex struct {
	entries map[string]*keyedMutexEntry
	mutex   sync.Mutex
}

// NewKeyedMutex creates a new KeyedMutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		entries: map[string]*keyedMutexEntry{},
	}
}

// Lock locks the mutex for key and returns its unlock func
func (km *KeyedMutex) Lock(key string) func() {
	km.mutex.Lock()
	entry, ok := km.entries[key]
	if !ok {
		entry = &keyedMutexEntry{}
		km.entries[key] = entry
	}
	entry.refs++
	km.mutex.Unlock()

	entry.mutex.Lock()

	return func() {
		entry.mutex.Unlock()

		km.mutex.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(km.entries, key)
		}
		km.mutex.Unlock()
	}
}

// Len returns the number of keys currently held or waited on
func (km *KeyedMutex) Len() int {
	km.mutex.Lock()
	defer km.mutex.Unlock()

	return len(km.entries)
}

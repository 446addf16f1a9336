package store

import "sync"

// keyedMutex serializes access per key while letting distinct keys proceed
// concurrently. Entries are reference-counted and removed when the last
// holder releases, so the map does not grow with the dataset.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for key, blocking while another holder has it.
func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()

	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}

	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for key. Panics if the key is not held, same
// as sync.Mutex.
func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()

	e, ok := k.locks[key]
	if !ok {
		k.mu.Unlock()
		panic("store: unlock of unheld record lock " + key)
	}

	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}

	k.mu.Unlock()
	e.mu.Unlock()
}

package eventlog

import "sync"

// keyedMutex serializes work per key. Locking two different keys never
// contends; locking the same key from two goroutines does.
//
// Entries are created lazily and never removed: the key space is the set of
// tracked log files, which is small and stable for a process lifetime.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it on first use.
// The caller must call the returned unlock function.
func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()

	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}

	k.mu.Unlock()

	m.Lock()

	return m.Unlock
}

package cart

import "sync"

// lockTable hands out one RWMutex per key and forgets it once nobody
// holds or waits for it.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sync.RWMutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

func (t *lockTable) acquire(key string) *lockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		e = &lockEntry{}
		t.entries[key] = e
	}
	e.refs++
	return e
}

func (t *lockTable) release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

// Lock takes the key exclusively and returns the unlock func
func (t *lockTable) Lock(key string) func() {
	e := t.acquire(key)
	e.Lock()
	return func() {
		e.Unlock()
		t.release(key)
	}
}

// RLock takes the key shared and returns the unlock func
func (t *lockTable) RLock(key string) func() {
	e := t.acquire(key)
	e.RLock()
	return func() {
		e.RUnlock()
		t.release(key)
	}
}

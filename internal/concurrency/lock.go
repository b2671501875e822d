package concurrency

import "sync"

// KeyedLocker serializes work per key (instance name). Locks for keys nobody holds are
// released so the table does not grow with every instance ever seen.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu      sync.Mutex
	holders int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{
		locks: make(map[string]*keyedLock),
	}
}

func (m *KeyedLocker) Lock(key string) {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &keyedLock{}
		m.locks[key] = lock
	}
	lock.holders++
	m.mu.Unlock()
	lock.mu.Lock()
}

func (m *KeyedLocker) Unlock(key string) {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	lock.holders--
	if lock.holders <= 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
	lock.mu.Unlock()
}

// Len reports how many keys currently have holders or waiters.
func (m *KeyedLocker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

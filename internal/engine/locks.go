package engine

import "sync"

// playerLocks hands out one mutex per player id, so trades for different
// players proceed in parallel while trades for the same player queue. An
// entry lives only while someone holds or waits for it.
type playerLocks struct {
	mu    sync.Mutex
	locks map[string]*playerLock
}

type playerLock struct {
	sync.Mutex
	refs int
}

func newPlayerLocks() *playerLocks {
	return &playerLocks{locks: make(map[string]*playerLock)}
}

// Lock blocks until the player's mutex is held.
func (l *playerLocks) Lock(playerID string) {
	l.mu.Lock()
	m, ok := l.locks[playerID]
	if !ok {
		m = &playerLock{}
		l.locks[playerID] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
}

// Unlock releases the player's mutex and drops the entry once no other
// caller is waiting on it.
func (l *playerLocks) Unlock(playerID string) {
	l.mu.Lock()
	m := l.locks[playerID]
	if m == nil {
		l.mu.Unlock()
		return
	}
	m.refs--
	if m.refs == 0 {
		delete(l.locks, playerID)
	}
	l.mu.Unlock()

	m.Unlock()
}

func (l *playerLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

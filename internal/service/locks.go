package service

import (
	"sync"

	"github.com/google/uuid"
)

// orderLocks serializes writers per order id. Entries are dropped once no
// goroutine holds or waits for them.
type orderLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*orderLock
}

type orderLock struct {
	mu   sync.Mutex
	refs int
}

func newOrderLocks() *orderLocks {
	return &orderLocks{locks: make(map[uuid.UUID]*orderLock)}
}

// Lock blocks until the caller is the only writer for id and returns the unlock func.
func (l *orderLocks) Lock(id uuid.UUID) func() {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &orderLock{}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *orderLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

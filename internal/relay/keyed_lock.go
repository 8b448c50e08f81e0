package relay

import (
	"sync"

	"github.com/weiawesome/danmu-bridge/internal/domain"
)

// keyedMutex serialises work per room. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[domain.RoomID]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[domain.RoomID]*refLock)}
}

// Lock blocks until the room is free and returns its unlock function.
func (k *keyedMutex) Lock(id domain.RoomID) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &refLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// Package registry tracks the rooms currently being relayed.
package registry

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/weiawesome/danmu-bridge/internal/domain"
)

var (
	ErrAlreadySubscribed = errors.New("room already subscribed")
	ErrNotSubscribed     = errors.New("room not subscribed")
)

// Registry maps room ids to their active subscription. It has no size limit.
type Registry struct {
	subs map[domain.RoomID]*Subscription
	mu   sync.RWMutex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{subs: make(map[domain.RoomID]*Subscription)}
}

// TryAdd inserts sub unless its room is already present.
func (r *Registry) TryAdd(sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[sub.RoomID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, sub.RoomID)
	}
	r.subs[sub.RoomID] = sub
	return nil
}

// TryRemove removes and returns the subscription for id.
func (r *Registry) TryRemove(id domain.RoomID) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotSubscribed, id)
	}
	delete(r.subs, id)
	return sub, nil
}

// RemoveIf removes the entry for sub.RoomID only when it is sub itself.
func (r *Registry) RemoveIf(sub *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.subs[sub.RoomID]; ok && cur == sub {
		delete(r.subs, sub.RoomID)
		return true
	}
	return false
}

func (r *Registry) Get(id domain.RoomID) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	return sub, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Registry) IsEmpty() bool {
	return r.Len() == 0
}

// AnyRoomID returns the smallest subscribed room id.
func (r *Registry) AnyRoomID() (domain.RoomID, bool) {
	ids := r.RoomIDs()
	if len(ids) == 0 {
		return 0, false
	}
	return ids[0], true
}

// RoomIDs returns the subscribed room ids in ascending order.
func (r *Registry) RoomIDs() []domain.RoomID {
	r.mu.RLock()
	ids := make([]domain.RoomID, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Snapshot returns the current subscriptions ordered by room id.
func (r *Registry) Snapshot() []*Subscription {
	r.mu.RLock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	slices.SortFunc(subs, func(a, b *Subscription) int {
		return cmp.Compare(a.RoomID, b.RoomID)
	})
	return subs
}

// Drain removes and returns every subscription.
func (r *Registry) Drain() []*Subscription {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for id, s := range r.subs {
		subs = append(subs, s)
		delete(r.subs, id)
	}
	r.mu.Unlock()
	return subs
}

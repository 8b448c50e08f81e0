package relay

import (
	"sync"

	"github.com/weiawesome/danmu-bridge/internal/domain"
)

// roomQueue runs submitted work one job at a time per room, in submission
// order. Different rooms proceed independently. A room's worker exits once
// its queue is empty.
type roomQueue struct {
	mu      sync.Mutex
	idle    *sync.Cond
	pending map[domain.RoomID][]func()
	wg      *sync.WaitGroup
}

func newRoomQueue(wg *sync.WaitGroup) *roomQueue {
	q := &roomQueue{pending: make(map[domain.RoomID][]func()), wg: wg}
	q.idle = sync.NewCond(&q.mu)
	return q
}

func (q *roomQueue) submit(id domain.RoomID, job func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs, running := q.pending[id]
	q.pending[id] = append(jobs, job)
	if !running {
		q.wg.Add(1)
		go q.drain(id)
	}
}

func (q *roomQueue) drain(id domain.RoomID) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		jobs := q.pending[id]
		if len(jobs) == 0 {
			delete(q.pending, id)
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
		job := jobs[0]
		jobs[0] = nil
		q.pending[id] = jobs[1:]
		q.mu.Unlock()

		job()
	}
}

// wait blocks until every room's queue is empty.
func (q *roomQueue) wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 {
		q.idle.Wait()
	}
}

func (q *roomQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

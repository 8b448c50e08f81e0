package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weiawesome/danmu-bridge/internal/domain"
	"github.com/weiawesome/danmu-bridge/internal/stream"
)

// Subscription is one active room and the stream handle serving it.
type Subscription struct {
	RoomID    domain.RoomID
	Handle    stream.Stream
	StartedAt time.Time

	active    atomic.Bool
	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	closeOnce sync.Once
	closeErr  error
}

// NewSubscription wraps an opened, not yet running, stream handle.
func NewSubscription(roomID domain.RoomID, handle stream.Stream) *Subscription {
	s := &Subscription{
		RoomID:    roomID,
		Handle:    handle,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.active.Store(true)
	return s
}

// Start launches the handle's Run as a tracked task. Only the first call has
// effect, and none after Close.
func (s *Subscription) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || !s.active.Load() {
		return
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		defer close(s.done)
		s.err = s.Handle.Run(runCtx)
	}()
}

// Active reports whether events of this subscription should still be relayed.
func (s *Subscription) Active() bool {
	return s.active.Load()
}

// Done is closed when the run task returns. It never closes if Start was not called.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the run task's result once Done is closed.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close deactivates the subscription, closes the handle and waits for the run task.
// Safe to call more than once; later calls return the first result.
func (s *Subscription) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.active.Store(false)
		started, cancel := s.started, s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.closeErr = s.Handle.Close(ctx)
		if !started {
			return
		}
		select {
		case <-s.done:
		case <-ctx.Done():
			if s.closeErr == nil {
				s.closeErr = ctx.Err()
			}
		}
	})
	return s.closeErr
}

package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/danmu-bridge/internal/domain"
	"github.com/weiawesome/danmu-bridge/internal/stream"
)

// blockingStream runs until its context is cancelled or it is closed.
type blockingStream struct {
	closed  chan struct{}
	once    sync.Once
	closes  atomic.Int32
	running atomic.Bool
}

func newBlockingStream() *blockingStream {
	return &blockingStream{closed: make(chan struct{})}
}

func (b *blockingStream) OnEvent(stream.EventHandler) {}

func (b *blockingStream) Run(ctx context.Context) error {
	b.running.Store(true)
	defer b.running.Store(false)
	select {
	case <-ctx.Done():
	case <-b.closed:
	}
	return nil
}

func (b *blockingStream) Close(context.Context) error {
	b.closes.Add(1)
	b.once.Do(func() { close(b.closed) })
	return nil
}

func TestTryAddRejectsDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.TryAdd(NewSubscription(100, newBlockingStream())))

	err := r.TryAdd(NewSubscription(100, newBlockingStream()))
	assert.True(t, errors.Is(err, ErrAlreadySubscribed))
	assert.Equal(t, 1, r.Len())
}

func TestTryRemove(t *testing.T) {
	r := New()
	sub := NewSubscription(100, newBlockingStream())
	require.NoError(t, r.TryAdd(sub))

	got, err := r.TryRemove(100)
	require.NoError(t, err)
	assert.Same(t, sub, got)
	assert.True(t, r.IsEmpty())

	_, err = r.TryRemove(100)
	assert.True(t, errors.Is(err, ErrNotSubscribed))
}

func TestRemoveIfOnlyRemovesSameInstance(t *testing.T) {
	r := New()
	old := NewSubscription(100, newBlockingStream())
	cur := NewSubscription(100, newBlockingStream())
	require.NoError(t, r.TryAdd(cur))

	assert.False(t, r.RemoveIf(old))
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.RemoveIf(cur))
	assert.True(t, r.IsEmpty())
}

func TestAnyRoomIDIsSmallest(t *testing.T) {
	r := New()
	_, ok := r.AnyRoomID()
	assert.False(t, ok)

	for _, id := range []domain.RoomID{300, 100, 200} {
		require.NoError(t, r.TryAdd(NewSubscription(id, newBlockingStream())))
	}
	id, ok := r.AnyRoomID()
	require.True(t, ok)
	assert.Equal(t, domain.RoomID(100), id)
	assert.Equal(t, []domain.RoomID{100, 200, 300}, r.RoomIDs())
	assert.Len(t, r.Snapshot(), 3)

	drained := r.Drain()
	assert.Len(t, drained, 3)
	assert.True(t, r.IsEmpty())
}

func TestConcurrentDistinctRooms(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(id domain.RoomID) {
			defer wg.Done()
			assert.NoError(t, r.TryAdd(NewSubscription(id, newBlockingStream())))
		}(domain.RoomID(i))
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
}

func TestSubscriptionCloseWaitsForRun(t *testing.T) {
	s := newBlockingStream()
	sub := NewSubscription(100, s)
	sub.Start(context.Background())
	require.Eventually(t, s.running.Load, time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Close(context.Background()))
	assert.False(t, sub.Active())
	assert.False(t, s.running.Load())
	select {
	case <-sub.Done():
	default:
		t.Fatal("run task still alive after Close")
	}

	require.NoError(t, sub.Close(context.Background()))
	assert.Equal(t, int32(1), s.closes.Load())
}

func TestSubscriptionCloseWithoutStart(t *testing.T) {
	s := newBlockingStream()
	sub := NewSubscription(100, s)
	require.NoError(t, sub.Close(context.Background()))

	sub.Start(context.Background())
	assert.False(t, s.running.Load())
}

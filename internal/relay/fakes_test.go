package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/weiawesome/danmu-bridge/internal/control"
	"github.com/weiawesome/danmu-bridge/internal/domain"
	"github.com/weiawesome/danmu-bridge/internal/stream"
	"github.com/weiawesome/danmu-bridge/pkg/pubsub"
)

type emission struct {
	Event   string
	Payload []byte
}

// fakeChannel is an in-memory control.Channel. command returns once settle
// reports the relay has processed everything queued.
type fakeChannel struct {
	mu           sync.Mutex
	handlers     map[string]control.CommandHandler
	onConnect    []func(context.Context)
	onDisconnect []func(error)
	connectErrs  []error
	attempts     int
	connected    bool
	closed       bool
	emitted      []emission
	settle       func()
}

func newFakeChannel(connectErrs ...error) *fakeChannel {
	return &fakeChannel{handlers: make(map[string]control.CommandHandler), connectErrs: connectErrs}
}

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.attempts++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		f.mu.Unlock()
		return err
	}
	f.connected = true
	f.mu.Unlock()

	f.fireConnect()
	return nil
}

func (f *fakeChannel) Emit(_ context.Context, event string, payload any) error {
	var data []byte
	switch p := payload.(type) {
	case json.RawMessage:
		data = append([]byte(nil), p...)
	default:
		var err error
		if data, err = json.Marshal(p); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return control.ErrNotConnected
	}
	f.emitted = append(f.emitted, emission{Event: event, Payload: data})
	return nil
}

func (f *fakeChannel) On(event string, h control.CommandHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = h
}

func (f *fakeChannel) OnConnect(fn func(ctx context.Context)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnect = append(f.onConnect, fn)
}

func (f *fakeChannel) OnDisconnect(fn func(err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = append(f.onDisconnect, fn)
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed, f.connected = true, false
	return nil
}

func (f *fakeChannel) fireConnect() {
	f.mu.Lock()
	fns := append([]func(context.Context){}, f.onConnect...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(context.Background())
	}
}

// drop simulates transport loss.
func (f *fakeChannel) drop() {
	f.mu.Lock()
	f.connected = false
	fns := append([]func(error){}, f.onDisconnect...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(errors.New("transport lost"))
	}
}

func (f *fakeChannel) reconnect() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.fireConnect()
}

func (f *fakeChannel) command(event string, payload string) {
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	h(context.Background(), json.RawMessage(payload))
	if f.settle != nil {
		f.settle()
	}
}

func (f *fakeChannel) emissions() []emission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emission(nil), f.emitted...)
}

func (f *fakeChannel) availables() []domain.Available {
	var out []domain.Available
	for _, e := range f.emissions() {
		if e.Event != domain.EventAvailable {
			continue
		}
		var a domain.Available
		if err := json.Unmarshal(e.Payload, &a); err == nil {
			out = append(out, a)
		}
	}
	return out
}

func (f *fakeChannel) danmus() []string {
	var out []string
	for _, e := range f.emissions() {
		if e.Event == domain.EventDanmu {
			out = append(out, string(e.Payload))
		}
	}
	return out
}

func (f *fakeChannel) connectAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// fakeStream runs until closed or until end receives a value.
type fakeStream struct {
	roomID    domain.RoomID
	mu        sync.Mutex
	handler   stream.EventHandler
	started   chan struct{}
	closed    chan struct{}
	end       chan error
	closeErr  error
	startOnce sync.Once
	closeOnce sync.Once
}

func (s *fakeStream) OnEvent(h stream.EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *fakeStream) Run(ctx context.Context) error {
	s.startOnce.Do(func() { close(s.started) })
	select {
	case <-ctx.Done():
		return nil
	case <-s.closed:
		return nil
	case err := <-s.end:
		return err
	}
}

func (s *fakeStream) Close(context.Context) error {
	s.closeOnce.Do(func() { close(s.closed) })
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

func (s *fakeStream) failClose(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeErr = err
}

func (s *fakeStream) emit(payload string) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	h(json.RawMessage(payload))
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeOpener struct {
	mu      sync.Mutex
	streams map[domain.RoomID][]*fakeStream
	creds   []domain.Credentials
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{streams: make(map[domain.RoomID][]*fakeStream)}
}

func (o *fakeOpener) Open(id domain.RoomID, creds domain.Credentials) stream.Stream {
	s := &fakeStream{
		roomID:  id,
		started: make(chan struct{}),
		closed:  make(chan struct{}),
		end:     make(chan error, 1),
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.streams[id] = append(o.streams[id], s)
	o.creds = append(o.creds, creds)
	return s
}

func (o *fakeOpener) latest(id domain.RoomID) *fakeStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	list := o.streams[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (o *fakeOpener) all() []*fakeStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*fakeStream
	for _, list := range o.streams {
		out = append(out, list...)
	}
	return out
}

func (o *fakeOpener) opened(id domain.RoomID) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.streams[id])
}

type fakeClaims struct {
	mu       sync.Mutex
	owners   map[domain.RoomID]string
	released []domain.RoomID
}

func newFakeClaims() *fakeClaims {
	return &fakeClaims{owners: make(map[domain.RoomID]string)}
}

func (c *fakeClaims) Claim(_ context.Context, id domain.RoomID) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.owners[id]
	c.owners[id] = "self"
	return prev, nil
}

func (c *fakeClaims) Release(_ context.Context, id domain.RoomID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.owners, id)
	c.released = append(c.released, id)
	return nil
}

func (c *fakeClaims) Owner(_ context.Context, id domain.RoomID) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners[id], nil
}

func (c *fakeClaims) StartHeartbeat(context.Context) error { return nil }
func (c *fakeClaims) Close() error                         { return nil }

func (c *fakeClaims) owner(id domain.RoomID) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners[id]
}

// logBuffer is a goroutine-safe sink for captured log lines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type published struct {
	Channel string
	Event   *pubsub.Event
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *fakePublisher) Publish(_ context.Context, channel string, event *pubsub.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{Channel: channel, Event: event})
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

// recordingClock reports every After call so tests can advance the mock
// exactly when the relay is waiting.
type recordingClock struct {
	*clock.Mock
	delays chan time.Duration
}

func newRecordingClock() *recordingClock {
	return &recordingClock{Mock: clock.NewMock(), delays: make(chan time.Duration, 8)}
}

func (c *recordingClock) After(d time.Duration) <-chan time.Time {
	ch := c.Mock.After(d)
	c.delays <- d
	return ch
}

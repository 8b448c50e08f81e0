package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	pkglog "github.com/weiawesome/danmu-bridge/pkg/log"
)

// Config configures a WSChannel.
type Config struct {
	URL              string        `mapstructure:"url"`
	Namespace        string        `mapstructure:"namespace"`
	Path             string        `mapstructure:"path"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	SendBuffer       int           `mapstructure:"send_buffer"`
}

func (c Config) withDefaults() Config {
	c.Namespace = normalizeNamespace(c.Namespace)
	if c.Path == "" {
		c.Path = "socket.io"
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

// Option customises a WSChannel.
type Option func(*WSChannel)

// WithClock replaces the clock driving the reconnect delay.
func WithClock(clk clock.Clock) Option {
	return func(c *WSChannel) { c.clock = clk }
}

// WithLogger sets the channel logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *WSChannel) { c.logger = l }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *WSChannel) { c.dialer = d }
}

// WSChannel speaks Socket.IO v5 over the Engine.IO v4 websocket transport.
type WSChannel struct {
	cfg    Config
	dialer *websocket.Dialer
	clock  clock.Clock
	logger zerolog.Logger

	handlers     map[string]CommandHandler
	onConnect    []func(ctx context.Context)
	onDisconnect []func(err error)
	mu           sync.RWMutex

	session   *session
	sessionMu sync.RWMutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	connectMu sync.Mutex
}

// NewWSChannel creates a channel; nothing is dialled until Connect.
func NewWSChannel(cfg Config, opts ...Option) *WSChannel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &WSChannel{
		cfg:      cfg.withDefaults(),
		dialer:   websocket.DefaultDialer,
		clock:    clock.New(),
		logger:   pkglog.Component("control"),
		handlers: make(map[string]CommandHandler),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *WSChannel) On(event string, h CommandHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

func (c *WSChannel) OnConnect(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

func (c *WSChannel) OnDisconnect(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// Connected reports whether a session is live.
func (c *WSChannel) Connected() bool {
	return c.current() != nil
}

// Connect dials the controller once. On success the channel keeps itself
// connected until Close.
func (c *WSChannel) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}
	if c.running.Load() {
		return nil
	}

	s, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.running.Store(true)
	c.wg.Add(1)
	go c.supervise(s)
	return nil
}

// Emit queues an event on the live session.
func (c *WSChannel) Emit(ctx context.Context, event string, payload any) error {
	s := c.current()
	if s == nil {
		return ErrNotConnected
	}

	msg, err := encodeEvent(c.cfg.Namespace, event, payload)
	if err != nil {
		return err
	}

	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the namespace and stops reconnecting.
func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if s := c.current(); s != nil {
			s.stop()
			select {
			case <-s.done:
			case <-time.After(c.cfg.WriteWait):
				s.shutdown(ErrClosed)
			}
		}
		c.cancel()
		c.wg.Wait()
	})
	return nil
}

func (c *WSChannel) current() *session {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.session
}

func (c *WSChannel) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	var scheme string
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		scheme = "ws"
	case "https", "wss":
		scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}

	q := url.Values{}
	q.Set("EIO", "4")
	q.Set("transport", "websocket")

	target := url.URL{
		Scheme:   scheme,
		Host:     u.Host,
		Path:     "/" + strings.Trim(c.cfg.Path, "/") + "/",
		RawQuery: q.Encode(),
	}
	return target.String(), nil
}

// dial opens a websocket, completes the Engine.IO handshake and joins the
// namespace. Every failure after the URL is validated wraps ErrConnection.
func (c *WSChannel) dial(ctx context.Context) (*session, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, endpoint, err)
	}

	open, err := c.handshake(conn)
	if err != nil {
		conn.Close()
		if !errors.Is(err, ErrConnection) {
			err = fmt.Errorf("%w: %w", ErrConnection, err)
		}
		return nil, err
	}

	return newSession(conn, open, c.cfg.SendBuffer), nil
}

func (c *WSChannel) handshake(conn *websocket.Conn) (openPayload, error) {
	var open openPayload
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	defer func() {
		conn.SetReadDeadline(time.Time{})
		conn.SetWriteDeadline(time.Time{})
	}()

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return open, fmt.Errorf("%w: read open: %v", ErrConnection, err)
	}
	f, err := decodeFrame(msg)
	if err != nil {
		return open, err
	}
	if f.EIO != eioOpen {
		return open, fmt.Errorf("%w: expected open packet, got %q", ErrProtocol, f.EIO)
	}
	if err := json.Unmarshal(f.Data, &open); err != nil {
		return open, fmt.Errorf("%w: open payload: %v", ErrProtocol, err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, encodeConnect(c.cfg.Namespace)); err != nil {
		return open, fmt.Errorf("%w: namespace connect: %v", ErrConnection, err)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return open, fmt.Errorf("%w: await connect ack: %v", ErrConnection, err)
		}
		f, err := decodeFrame(msg)
		if err != nil {
			return open, err
		}

		switch f.EIO {
		case eioPing:
			if err := conn.WriteMessage(websocket.TextMessage, encodePong()); err != nil {
				return open, fmt.Errorf("%w: pong: %v", ErrConnection, err)
			}
		case eioClose:
			return open, fmt.Errorf("%w: closed during handshake", ErrConnection)
		case eioMessage:
			if f.Namespace != c.cfg.Namespace {
				continue
			}
			switch f.Type {
			case sioConnect:
				return open, nil
			case sioConnectError:
				return open, fmt.Errorf("%w: namespace %s: %s", ErrRejected, c.cfg.Namespace, f.Data)
			}
		}
	}
}

// supervise owns a live session and replaces it after transport loss.
func (c *WSChannel) supervise(s *session) {
	defer c.wg.Done()

	for {
		c.attach(s)

		select {
		case <-s.done:
		case <-c.ctx.Done():
			s.shutdown(ErrClosed)
			c.detach(s)
			return
		}

		c.detach(s)
		if c.closed.Load() {
			return
		}
		c.logger.Warn().Err(s.err).Msg("control session lost")
		c.fireDisconnect(s.err)

		next, ok := c.reconnect()
		if !ok {
			return
		}
		s = next
	}
}

// reconnect dials with a fixed delay until it succeeds or the channel closes.
func (c *WSChannel) reconnect() (*session, bool) {
	for attempt := 1; ; attempt++ {
		select {
		case <-c.clock.After(c.cfg.ReconnectDelay):
		case <-c.ctx.Done():
			return nil, false
		}

		s, err := c.dial(c.ctx)
		if err == nil {
			c.logger.Info().Int(pkglog.FieldAttempt, attempt).Msg("control session re-established")
			return s, true
		}
		if c.ctx.Err() != nil {
			return nil, false
		}
		c.logger.Warn().Err(err).Int(pkglog.FieldAttempt, attempt).
			Dur("retry_in", c.cfg.ReconnectDelay).Msg("control reconnect failed")
	}
}

func (c *WSChannel) attach(s *session) {
	c.sessionMu.Lock()
	c.session = s
	c.sessionMu.Unlock()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		s.writePump(c.cfg.WriteWait, c.cfg.Namespace)
	}()
	go func() {
		defer c.wg.Done()
		c.readPump(s)
	}()

	c.fireConnect()
}

func (c *WSChannel) detach(s *session) {
	c.sessionMu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.sessionMu.Unlock()
}

func (c *WSChannel) fireConnect() {
	c.mu.RLock()
	fns := append([]func(context.Context){}, c.onConnect...)
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(c.ctx)
	}
}

func (c *WSChannel) fireDisconnect(err error) {
	c.mu.RLock()
	fns := append([]func(error){}, c.onDisconnect...)
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *WSChannel) readPump(s *session) {
	if s.open.MaxPayload > 0 {
		s.conn.SetReadLimit(int64(s.open.MaxPayload))
	}
	idle := time.Duration(s.open.PingInterval+s.open.PingTimeout) * time.Millisecond
	if idle <= 0 {
		idle = 45 * time.Second
	}

	for {
		s.conn.SetReadDeadline(time.Now().Add(idle))
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.shutdown(fmt.Errorf("read: %w", err))
			return
		}

		f, err := decodeFrame(msg)
		if err != nil {
			c.logger.Debug().Err(err).Msg("dropping undecodable frame")
			continue
		}

		switch f.EIO {
		case eioPing:
			select {
			case s.send <- encodePong():
			case <-s.done:
				return
			}
		case eioClose:
			s.shutdown(fmt.Errorf("%w: server closed transport", ErrConnection))
			return
		case eioMessage:
			if f.Namespace != c.cfg.Namespace {
				continue
			}
			switch f.Type {
			case sioEvent:
				name, arg, err := decodeEvent(f.Data)
				if err != nil {
					c.logger.Debug().Err(err).Msg("dropping malformed event")
					continue
				}
				c.dispatch(name, arg)
			case sioDisconnect:
				s.shutdown(fmt.Errorf("%w: server disconnected namespace", ErrConnection))
				return
			}
		}
	}
}

// dispatch runs the handler on the read goroutine so commands are seen in
// the order they arrived.
func (c *WSChannel) dispatch(name string, data json.RawMessage) {
	c.mu.RLock()
	h, ok := c.handlers[name]
	c.mu.RUnlock()
	if !ok {
		c.logger.Debug().Str(pkglog.FieldEvent, name).Msg("no handler for event")
		return
	}
	h(c.ctx, data)
}

// session is one websocket connection plus its write queue.
type session struct {
	conn      *websocket.Conn
	open      openPayload
	send      chan []byte
	done      chan struct{}
	quit      chan struct{}
	err       error
	closeOnce sync.Once
	stopOnce  sync.Once
}

func newSession(conn *websocket.Conn, open openPayload, buffer int) *session {
	return &session{
		conn: conn,
		open: open,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
		quit: make(chan struct{}),
	}
}

// stop asks the write pump to leave the namespace and close the socket.
func (s *session) stop() {
	s.stopOnce.Do(func() { close(s.quit) })
}

func (s *session) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
		s.conn.Close()
	})
}

func (s *session) writePump(writeWait time.Duration, ns string) {
	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.shutdown(fmt.Errorf("%w: write: %v", ErrConnection, err))
				return
			}

		case <-s.quit:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.TextMessage, encodeDisconnect(ns))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			s.shutdown(ErrClosed)
			return

		case <-s.done:
			return
		}
	}
}

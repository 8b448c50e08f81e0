// Package bilibili implements stream.Stream over the bilibili live danmaku websocket.
package bilibili

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/weiawesome/danmu-bridge/internal/domain"
	"github.com/weiawesome/danmu-bridge/internal/stream"
	pkglog "github.com/weiawesome/danmu-bridge/pkg/log"
)

var (
	ErrAuthFailed     = errors.New("room authentication failed")
	ErrAlreadyRunning = errors.New("stream already running")
)

// Config configures room streams.
type Config struct {
	APIBase           string        `mapstructure:"api_base"`
	Scheme            string        `mapstructure:"scheme"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	// MaxRetries is the number of consecutive failed sessions tolerated; 0 disables reconnects.
	MaxRetries        int           `mapstructure:"max_retries"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
}

func (c Config) withDefaults() Config {
	if c.APIBase == "" {
		c.APIBase = DefaultAPIBase
	}
	if c.Scheme == "" {
		c.Scheme = "wss"
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

type Option func(*Opener)

func WithHTTPClient(c *http.Client) Option {
	return func(o *Opener) { o.client = c }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(o *Opener) { o.dialer = d }
}

func WithClock(clk clock.Clock) Option {
	return func(o *Opener) { o.clock = clk }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Opener) { o.logger = l }
}

// Opener creates bilibili room streams.
type Opener struct {
	cfg    Config
	client *http.Client
	dialer *websocket.Dialer
	clock  clock.Clock
	logger zerolog.Logger
}

func NewOpener(cfg Config, opts ...Option) *Opener {
	cfg = cfg.withDefaults()
	o := &Opener{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		dialer: websocket.DefaultDialer,
		clock:  clock.New(),
		logger: pkglog.Component("bilibili"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Open returns an unstarted stream for the room.
func (o *Opener) Open(roomID domain.RoomID, creds domain.Credentials) stream.Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		roomID: roomID,
		creds:  creds,
		cfg:    o.cfg,
		api:    newAPIClient(o.cfg.APIBase, o.client, creds),
		dialer: o.dialer,
		clock:  o.clock,
		logger: o.logger.With().Int64(pkglog.FieldRoomID, int64(roomID)).Logger(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Stream is one room's danmaku feed.
type Stream struct {
	roomID domain.RoomID
	creds  domain.Credentials
	cfg    Config
	api    *apiClient
	dialer *websocket.Dialer
	clock  clock.Clock
	logger zerolog.Logger

	handler   atomic.Pointer[stream.EventHandler]
	ctx       context.Context
	cancel    context.CancelFunc
	running   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Stream) OnEvent(h stream.EventHandler) {
	s.handler.Store(&h)
}

// Run keeps a session open, reconnecting after failures until MaxRetries
// consecutive attempts fail.
func (s *Stream) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)
	if s.ctx.Err() != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	failures := 0
	for {
		authed, err := s.session(runCtx)
		if s.ctx.Err() != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrUnsupportedProtocol) {
			return err
		}
		if authed {
			failures = 0
		}
		failures++
		if failures > s.cfg.MaxRetries {
			return fmt.Errorf("room %s: giving up after %d attempts: %w", s.roomID, failures, err)
		}

		s.logger.Warn().Err(err).Int(pkglog.FieldAttempt, failures).
			Dur("retry_in", s.cfg.RetryDelay).Msg("room stream lost, reconnecting")
		select {
		case <-s.clock.After(s.cfg.RetryDelay):
		case <-runCtx.Done():
			if s.ctx.Err() != nil {
				return nil
			}
			return ctx.Err()
		}
	}
}

// Close stops the stream and waits for Run to finish.
func (s *Stream) Close(ctx context.Context) error {
	s.closeOnce.Do(s.cancel)
	if !s.running.Load() {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) emit(payload json.RawMessage) {
	if h := s.handler.Load(); h != nil {
		(*h)(payload)
	}
}

func (s *Stream) endpoint(info danmuInfo) string {
	host, port := DefaultHost, 0
	if len(info.HostList) > 0 {
		h := info.HostList[0]
		host = h.Host
		if s.cfg.Scheme == "ws" {
			port = h.WSPort
		} else {
			port = h.WSSPort
		}
	}
	if port == 0 {
		port = 443
		if s.cfg.Scheme == "ws" {
			port = 2244
		}
	}
	return s.cfg.Scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/sub"
}

// session runs one connection. authed reports whether the room accepted us.
func (s *Stream) session(ctx context.Context) (authed bool, err error) {
	realID, err := s.api.realRoomID(ctx, s.roomID)
	if err != nil {
		return false, err
	}
	info, err := s.api.danmuInfo(ctx, realID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("danmu info unavailable, using fallback host")
		info = danmuInfo{}
	}

	endpoint := s.endpoint(info)
	header := http.Header{}
	header.Set("User-Agent", userAgent)
	if !s.creds.Anonymous() {
		header.Set("Cookie", s.creds.CookieHeader())
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	conn, _, err := s.dialer.DialContext(dctx, endpoint, header)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := s.authenticate(conn, realID, info.Token); err != nil {
		return false, err
	}
	s.logger.Debug().Str(pkglog.FieldEndpoint, endpoint).Int64("real_room_id", realID).Msg("room stream authenticated")
	s.emit(s.event(realID, eventVerified, nil))

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeat(hbCtx, conn)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		packets, err := decodePackets(msg)
		for _, p := range packets {
			s.handle(realID, p)
		}
		if errors.Is(err, ErrUnsupportedProtocol) {
			return true, err
		}
		if err != nil {
			s.logger.Debug().Err(err).Msg("dropping malformed frame")
		}
	}
}

func (s *Stream) authenticate(conn *websocket.Conn, realID int64, token string) error {
	body, err := json.Marshal(map[string]any{
		"uid":      s.creds.UID(),
		"roomid":   realID,
		"protover": int(protoZlib),
		"buvid":    s.creds.Buvid3,
		"platform": "web",
		"type":     2,
		"key":      token,
	})
	if err != nil {
		return err
	}

	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.BinaryMessage, encodePacket(packet{ProtoVer: protoInt, Op: opAuth, Seq: 1, Body: body})); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await auth reply: %w", err)
		}
		packets, err := decodePackets(msg)
		if err != nil {
			return err
		}
		for _, p := range packets {
			if p.Op != opAuthReply {
				continue
			}
			var reply struct {
				Code int `json:"code"`
			}
			if err := json.Unmarshal(p.Body, &reply); err != nil {
				return fmt.Errorf("%w: %v", ErrAuthFailed, err)
			}
			if reply.Code != 0 {
				return fmt.Errorf("%w: code %d", ErrAuthFailed, reply.Code)
			}
			return nil
		}
	}
}

// heartbeat is the only writer once the session is authenticated.
func (s *Stream) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := s.clock.Ticker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	beat := encodePacket(packet{ProtoVer: protoInt, Op: opHeartbeat, Seq: 1, Body: []byte("[object Object]")})
	for {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, beat); err != nil {
			conn.Close()
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Stream) handle(realID int64, p packet) {
	switch p.Op {
	case opCommand:
		var head struct {
			Cmd string `json:"cmd"`
		}
		if err := json.Unmarshal(p.Body, &head); err != nil || head.Cmd == "" {
			s.logger.Debug().Int("bytes", len(p.Body)).Msg("dropping command without cmd")
			return
		}
		s.emit(s.event(realID, commandType(head.Cmd), p.Body))
	case opHeartbeatReply:
		if len(p.Body) < 4 {
			return
		}
		view := binary.BigEndian.Uint32(p.Body[:4])
		s.emit(s.event(realID, eventView, []byte(strconv.FormatUint(uint64(view), 10))))
	}
}

// Event types the stream produces besides room commands.
const (
	eventVerified = "VERIFICATION_SUCCESSFUL"
	eventView     = "VIEW"
)

// commandType folds versioned danmaku commands such as DANMU_MSG:4:0:2:2:2:0.
func commandType(cmd string) string {
	if strings.HasPrefix(cmd, "DANMU_MSG") {
		return "DANMU_MSG"
	}
	return cmd
}

// event wraps data in the room envelope
// {"room_display_id","room_real_id","type","data"}. data is copied verbatim;
// nil becomes null.
func (s *Stream) event(realID int64, typ string, data []byte) json.RawMessage {
	name, _ := json.Marshal(typ)
	if data == nil {
		data = []byte("null")
	}

	var buf bytes.Buffer
	buf.Grow(64 + len(name) + len(data))
	buf.WriteString(`{"room_display_id":`)
	buf.WriteString(strconv.FormatInt(int64(s.roomID), 10))
	buf.WriteString(`,"room_real_id":`)
	buf.WriteString(strconv.FormatInt(realID, 10))
	buf.WriteString(`,"type":`)
	buf.Write(name)
	buf.WriteString(`,"data":`)
	buf.Write(data)
	buf.WriteByte('}')
	return buf.Bytes()
}

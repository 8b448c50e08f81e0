// Package relay drives room subscriptions from controller commands and
// forwards room events back over the control channel.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/weiawesome/danmu-bridge/internal/claims"
	"github.com/weiawesome/danmu-bridge/internal/control"
	"github.com/weiawesome/danmu-bridge/internal/domain"
	"github.com/weiawesome/danmu-bridge/internal/metrics"
	"github.com/weiawesome/danmu-bridge/internal/registry"
	"github.com/weiawesome/danmu-bridge/internal/stream"
	pkglog "github.com/weiawesome/danmu-bridge/pkg/log"
	"github.com/weiawesome/danmu-bridge/pkg/pubsub"
	"golang.org/x/sync/errgroup"
)

// ErrShuttingDown is returned for commands that arrive during Shutdown.
var ErrShuttingDown = errors.New("relay shutting down")

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Config struct {
	// Capacity is the number of rooms after which Available reports status=false.
	Capacity     int           `mapstructure:"capacity"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	CloseTimeout time.Duration `mapstructure:"close_timeout"`
	EmitTimeout  time.Duration `mapstructure:"emit_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 3 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 10 * time.Second
	}
	if c.EmitTimeout <= 0 {
		c.EmitTimeout = 5 * time.Second
	}
	return c
}

type Option func(*Relay)

// WithClaims records room ownership in a shared store.
func WithClaims(s claims.Store) Option {
	return func(r *Relay) { r.claims = s }
}

// WithMirror publishes every forwarded event to the archive bus.
func WithMirror(p pubsub.Publisher) Option {
	return func(r *Relay) { r.mirror = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

func WithClock(clk clock.Clock) Option {
	return func(r *Relay) { r.clock = clk }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

func WithInstanceID(id string) Option {
	return func(r *Relay) { r.instanceID = id }
}

// Relay connects the control channel to the set of active room streams.
type Relay struct {
	cfg      Config
	channel  control.Channel
	opener   stream.Opener
	creds    domain.Credentials
	registry *registry.Registry
	locks    *keyedMutex
	commands *roomQueue

	claims     claims.Store
	mirror     pubsub.Publisher
	metrics    *metrics.Metrics
	clock      clock.Clock
	logger     zerolog.Logger
	instanceID string

	state      atomic.Int32
	closing    atomic.Bool
	announceMu sync.Mutex

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New wires the relay onto ch. Nothing is connected until Start.
func New(ch control.Channel, opener stream.Opener, creds domain.Credentials, cfg Config, opts ...Option) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:      cfg.withDefaults(),
		channel:  ch,
		opener:   opener,
		creds:    creds,
		registry: registry.New(),
		locks:    newKeyedMutex(),
		clock:    clock.New(),
		logger:   pkglog.Component("relay"),
		ctx:      ctx,
		cancel:   cancel,
	}
	r.commands = newRoomQueue(&r.wg)
	for _, opt := range opts {
		opt(r)
	}

	ch.On(domain.EventStartListening, r.handleStart)
	ch.On(domain.EventStopListening, r.handleStop)
	ch.OnConnect(r.handleConnected)
	ch.OnDisconnect(r.handleDisconnected)
	return r
}

func (r *Relay) State() State {
	return State(r.state.Load())
}

func (r *Relay) setState(s State) {
	prev := State(r.state.Swap(int32(s)))
	if prev != s {
		r.logger.Debug().Str(pkglog.FieldState, s.String()).Str("previous", prev.String()).Msg("relay state changed")
	}
}

// Start connects the control channel, retrying transport failures with a
// fixed delay until ctx is done. Any other connect error is returned.
func (r *Relay) Start(ctx context.Context) error {
	r.setState(StateConnecting)

	for attempt := 1; ; attempt++ {
		r.metrics.RecordConnectAttempt()
		err := r.channel.Connect(ctx)
		if err == nil {
			r.logger.Info().Int(pkglog.FieldAttempt, attempt).Msg("control channel connected")
			return nil
		}
		if !errors.Is(err, control.ErrConnection) {
			r.setState(StateIdle)
			return fmt.Errorf("connect control channel: %w", err)
		}

		r.logger.Warn().Err(err).Int(pkglog.FieldAttempt, attempt).
			Dur("retry_in", r.cfg.RetryDelay).Msg("control channel unreachable")
		select {
		case <-r.clock.After(r.cfg.RetryDelay):
		case <-ctx.Done():
			r.setState(StateIdle)
			return ctx.Err()
		}
	}
}

func (r *Relay) handleConnected(ctx context.Context) {
	r.setState(StateConnected)
	r.metrics.RecordConnected()
	r.announce(ctx)
}

func (r *Relay) handleDisconnected(err error) {
	r.setState(StateDisconnected)
	r.logger.Warn().Err(err).Int(pkglog.FieldRooms, r.registry.Len()).Msg("control channel disconnected")
}

// handleStart and handleStop run on the channel's receive goroutine. They
// queue the command behind earlier commands for the same room.
func (r *Relay) handleStart(ctx context.Context, data json.RawMessage) {
	cmd, err := domain.DecodeListeningCommand(data)
	if err != nil {
		r.logger.Warn().Err(err).Str(pkglog.FieldEvent, domain.EventStartListening).Msg("ignoring malformed command")
		return
	}
	r.commands.submit(cmd.RoomID, func() { r.StartListening(ctx, cmd.RoomID) })
}

func (r *Relay) handleStop(ctx context.Context, data json.RawMessage) {
	cmd, err := domain.DecodeListeningCommand(data)
	if err != nil {
		r.logger.Warn().Err(err).Str(pkglog.FieldEvent, domain.EventStopListening).Msg("ignoring malformed command")
		return
	}
	r.commands.submit(cmd.RoomID, func() { r.StopListening(ctx, cmd.RoomID) })
}

// StartListening opens a stream for the room and starts relaying its events.
// A room that is already subscribed is left untouched.
func (r *Relay) StartListening(ctx context.Context, id domain.RoomID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	unlock := r.locks.Lock(id)
	defer unlock()

	if r.closing.Load() {
		return ErrShuttingDown
	}

	logger := r.logger.With().Int64(pkglog.FieldRoomID, int64(id)).Logger()

	if _, ok := r.registry.Get(id); ok {
		logger.Warn().Msg("start ignored, room already subscribed")
		return fmt.Errorf("%w: %s", registry.ErrAlreadySubscribed, id)
	}

	handle := r.opener.Open(id, r.creds)
	sub := registry.NewSubscription(id, handle)
	handle.OnEvent(r.forwarder(sub))

	if err := r.registry.TryAdd(sub); err != nil {
		logger.Warn().Err(err).Msg("start ignored, room already subscribed")
		cctx, cancel := context.WithTimeout(ctx, r.cfg.CloseTimeout)
		if cerr := handle.Close(cctx); cerr != nil {
			logger.Warn().Err(cerr).Msg("unused room stream did not close cleanly")
		}
		cancel()
		return err
	}
	if n := r.registry.Len(); n > r.cfg.Capacity {
		logger.Warn().Int(pkglog.FieldRooms, n).Int("capacity", r.cfg.Capacity).Msg("listening beyond capacity")
	}

	sub.Start(r.ctx)
	r.wg.Add(1)
	go r.watch(sub)

	r.claim(ctx, id)
	r.metrics.RecordRoomStarted(r.registry.Len())
	logger.Info().Int(pkglog.FieldRooms, r.registry.Len()).Msg("listening started")
	r.announce(ctx)
	return nil
}

// StopListening closes the room's stream and waits for it to finish.
func (r *Relay) StopListening(ctx context.Context, id domain.RoomID) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	logger := r.logger.With().Int64(pkglog.FieldRoomID, int64(id)).Logger()

	sub, err := r.registry.TryRemove(id)
	if err != nil {
		logger.Warn().Err(err).Msg("stop ignored, room not subscribed")
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, r.cfg.CloseTimeout)
	if err := sub.Close(cctx); err != nil {
		logger.Warn().Err(err).Msg("room stream did not close cleanly")
	}
	cancel()

	r.release(ctx, id)
	r.metrics.RecordRoomStopped("command", r.registry.Len())
	logger.Info().Int(pkglog.FieldRooms, r.registry.Len()).Msg("listening stopped")
	r.announce(ctx)
	return nil
}

// watch removes a subscription whose stream ended without a stop command.
func (r *Relay) watch(sub *registry.Subscription) {
	defer r.wg.Done()

	select {
	case <-sub.Done():
	case <-r.ctx.Done():
		return
	}
	if !sub.Active() {
		return
	}

	unlock := r.locks.Lock(sub.RoomID)
	removed := r.registry.RemoveIf(sub)
	unlock()
	if !removed {
		return
	}

	logger := r.logger.With().Int64(pkglog.FieldRoomID, int64(sub.RoomID)).Logger()
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.CloseTimeout)
	defer cancel()
	if err := sub.Close(ctx); err != nil {
		logger.Warn().Err(err).Msg("room stream did not close cleanly")
	}

	logger.Warn().Err(sub.Err()).Msg("room stream ended")
	r.release(ctx, sub.RoomID)
	r.metrics.RecordRoomStopped("expired", r.registry.Len())
	r.announce(ctx)
}

func (r *Relay) forwarder(sub *registry.Subscription) stream.EventHandler {
	return func(payload json.RawMessage) {
		if !sub.Active() {
			r.metrics.RecordDropped("inactive")
			return
		}
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.EmitTimeout)
		defer cancel()

		if err := r.channel.Emit(ctx, domain.EventDanmu, payload); err != nil {
			r.metrics.RecordDropped("emit_failed")
			r.logger.Debug().Err(err).Int64(pkglog.FieldRoomID, int64(sub.RoomID)).Msg("dropping event")
		} else {
			r.metrics.RecordRelayed()
		}
		r.mirrorEvent(ctx, sub.RoomID, payload)
	}
}

func (r *Relay) mirrorEvent(ctx context.Context, id domain.RoomID, payload json.RawMessage) {
	if r.mirror == nil {
		return
	}
	event, err := pubsub.NewEvent(pubsub.EventDanmu, id.String(), payload)
	if err != nil {
		return
	}
	if err := r.mirror.Publish(ctx, pubsub.DanmuArchiveChannel(id.String()), event); err != nil {
		r.metrics.RecordMirrorFailure()
		r.logger.Debug().Err(err).Int64(pkglog.FieldRoomID, int64(id)).Msg("mirror publish failed")
	}
}

func (r *Relay) claim(ctx context.Context, id domain.RoomID) {
	if r.claims == nil {
		return
	}
	prev, err := r.claims.Claim(ctx, id)
	if err != nil {
		r.logger.Warn().Err(err).Int64(pkglog.FieldRoomID, int64(id)).Msg("failed to claim room")
		return
	}
	if prev != "" && prev != r.instanceID {
		r.logger.Warn().Int64(pkglog.FieldRoomID, int64(id)).Str("owner", prev).Msg("room was claimed by another instance")
	}
}

func (r *Relay) release(ctx context.Context, id domain.RoomID) {
	if r.claims == nil {
		return
	}
	if err := r.claims.Release(ctx, id); err != nil {
		r.logger.Warn().Err(err).Int64(pkglog.FieldRoomID, int64(id)).Msg("failed to release room")
	}
}

// Availability computes the announcement for the current registry.
func (r *Relay) Availability() domain.Available {
	if r.registry.Len() < r.cfg.Capacity {
		return domain.NewAvailable()
	}
	id, ok := r.registry.AnyRoomID()
	if !ok {
		return domain.NewAvailable()
	}
	return domain.NewOccupied(id)
}

func (r *Relay) announce(ctx context.Context) {
	r.announceMu.Lock()
	defer r.announceMu.Unlock()

	avail := r.Availability()
	if err := r.channel.Emit(ctx, domain.EventAvailable, avail); err != nil {
		r.logger.Warn().Err(err).Bool(pkglog.FieldAvailable, avail.Status).Msg("failed to announce availability")
		return
	}
	r.metrics.RecordAnnouncement(avail.Status)
	r.logger.Debug().Bool(pkglog.FieldAvailable, avail.Status).Msg("availability announced")
}

type RoomStatus struct {
	RoomID    domain.RoomID `json:"room_id"`
	StartedAt time.Time     `json:"started_at"`
}

type Status struct {
	State      string       `json:"state"`
	Available  bool         `json:"available"`
	Capacity   int          `json:"capacity"`
	Rooms      []RoomStatus `json:"rooms"`
	InstanceID string       `json:"instance_id,omitempty"`
}

// Snapshot reports the relay state for the status endpoint.
func (r *Relay) Snapshot() Status {
	subs := r.registry.Snapshot()
	rooms := make([]RoomStatus, 0, len(subs))
	for _, sub := range subs {
		rooms = append(rooms, RoomStatus{RoomID: sub.RoomID, StartedAt: sub.StartedAt})
	}
	return Status{
		State:      r.State().String(),
		Available:  r.Availability().Status,
		Capacity:   r.cfg.Capacity,
		Rooms:      rooms,
		InstanceID: r.instanceID,
	}
}

// Shutdown closes every subscription, then the control channel.
func (r *Relay) Shutdown(ctx context.Context) error {
	var err error
	r.shutdownOnce.Do(func() {
		r.closing.Store(true)
		r.closeAll(ctx)

		err = r.channel.Close()
		// Commands that were in flight when closing was set.
		r.commands.wait()
		r.closeAll(ctx)

		r.cancel()
		r.wg.Wait()
		r.setState(StateIdle)
		r.logger.Info().Msg("relay stopped")
	})
	return err
}

// closeAll closes drained subscriptions concurrently.
func (r *Relay) closeAll(ctx context.Context) {
	var g errgroup.Group
	for _, sub := range r.registry.Drain() {
		g.Go(func() error {
			if err := sub.Close(ctx); err != nil {
				r.logger.Warn().Err(err).Int64(pkglog.FieldRoomID, int64(sub.RoomID)).Msg("room stream did not close cleanly")
			}
			r.release(ctx, sub.RoomID)
			r.metrics.RecordRoomStopped("shutdown", 0)
			return nil
		})
	}
	g.Wait()
}

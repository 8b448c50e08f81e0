// Package control implements the persistent link to the controller that
// issues StartListening/StopListening and receives relayed events.
package control

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrConnection marks transport-level failures that are worth retrying.
	ErrConnection = errors.New("control server unreachable")
	// ErrRejected marks a namespace connect refused by the controller. It is
	// always wrapped together with ErrConnection.
	ErrRejected = errors.New("control server rejected connection")
	// ErrProtocol marks malformed handshake traffic.
	ErrProtocol = errors.New("control protocol error")
	// ErrInvalidEndpoint is returned when the configured URL cannot be used.
	ErrInvalidEndpoint = errors.New("invalid control endpoint")
	// ErrNotConnected is returned by Emit while no session is live.
	ErrNotConnected = errors.New("control channel not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("control channel closed")
)

// CommandHandler handles one received command. Handlers run on the receive
// goroutine in arrival order and must not block.
type CommandHandler func(ctx context.Context, data json.RawMessage)

// Channel is a bidirectional, self-reconnecting link to a single controller.
type Channel interface {
	// Connect performs the initial connection. Failures wrapping ErrConnection
	// may be retried; only an unusable endpoint is permanent.
	Connect(ctx context.Context) error
	// Emit sends a named event. A json.RawMessage payload is sent verbatim.
	Emit(ctx context.Context, event string, payload any) error
	// On registers the handler for a named command.
	On(event string, h CommandHandler)
	// OnConnect registers a callback run after every successful (re)connect.
	OnConnect(fn func(ctx context.Context))
	// OnDisconnect registers a callback run whenever a live session is lost.
	OnDisconnect(fn func(err error))
	// Close terminates the channel and waits for running handlers.
	Close() error
}

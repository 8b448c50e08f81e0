// Package stream defines the per-room live event feed consumed by the relay.
package stream

import (
	"context"
	"encoding/json"

	"github.com/weiawesome/danmu-bridge/internal/domain"
)

// EventHandler receives one raw event payload. Calls are serial per stream.
type EventHandler func(payload json.RawMessage)

// Stream is a live event feed for a single room. It produces events from the
// moment Run connects until Close is called; it cannot be restarted.
type Stream interface {
	// OnEvent registers a wildcard handler for every event type.
	OnEvent(h EventHandler)
	// Run establishes the connection and pumps events until ctx is done,
	// Close is called, or the upstream gives up.
	Run(ctx context.Context) error
	// Close terminates the stream and waits for Run to return. Calls after
	// the first are no-ops.
	Close(ctx context.Context) error
}

// Opener constructs streams. Open must not perform network I/O.
type Opener interface {
	Open(roomID domain.RoomID, creds domain.Credentials) Stream
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(roomID domain.RoomID, creds domain.Credentials) Stream

// Open calls f.
func (f OpenerFunc) Open(roomID domain.RoomID, creds domain.Credentials) Stream {
	return f(roomID, creds)
}

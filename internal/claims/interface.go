// Package claims records which relay instance is currently listening to a room.
package claims

import (
	"context"
	"time"

	"github.com/weiawesome/danmu-bridge/internal/domain"
)

// Store tracks room ownership across relay instances.
type Store interface {
	// Claim marks the room as owned by this instance and returns the
	// previous owner, empty when the room was unclaimed.
	Claim(ctx context.Context, roomID domain.RoomID) (string, error)
	// Release drops the claim if this instance still holds it.
	Release(ctx context.Context, roomID domain.RoomID) error
	// Owner returns the instance holding the room, empty if none.
	Owner(ctx context.Context, roomID domain.RoomID) (string, error)
	StartHeartbeat(ctx context.Context) error
	Close() error
}

type Config struct {
	Enabled           bool          `mapstructure:"enabled"`
	Address           string        `mapstructure:"address"`
	Password          string        `mapstructure:"password"`
	DB                int           `mapstructure:"db"`
	Prefix            string        `mapstructure:"prefix"`
	KeyTTL            time.Duration `mapstructure:"key_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "danmu-bridge"
	}
	if c.KeyTTL <= 0 {
		c.KeyTTL = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	return c
}

package claims

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/weiawesome/danmu-bridge/internal/domain"
	pkglog "github.com/weiawesome/danmu-bridge/pkg/log"
)

// releaseScript deletes the key only while it still names this instance.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisStore struct {
	client     *redis.Client
	instanceID string
	cfg        Config
	logger     zerolog.Logger

	held   map[domain.RoomID]struct{}
	mu     sync.RWMutex
	cancel context.CancelFunc
}

func NewRedisStore(cfg Config, instanceID string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg, instanceID), nil
}

// NewRedisStoreFromClient wraps an existing client without pinging it.
func NewRedisStoreFromClient(client *redis.Client, cfg Config, instanceID string) *RedisStore {
	return &RedisStore{
		client:     client,
		instanceID: instanceID,
		cfg:        cfg.withDefaults(),
		logger:     pkglog.Component("claims"),
		held:       make(map[domain.RoomID]struct{}),
	}
}

func (r *RedisStore) keyFor(roomID domain.RoomID) string {
	return fmt.Sprintf("%s:room:%d", r.cfg.Prefix, int64(roomID))
}

func (r *RedisStore) Claim(ctx context.Context, roomID domain.RoomID) (string, error) {
	key := r.keyFor(roomID)

	prev, err := r.client.SetArgs(ctx, key, r.instanceID, redis.SetArgs{TTL: r.cfg.KeyTTL, Get: true}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("failed to claim room %s: %w", roomID, err)
	}

	r.mu.Lock()
	r.held[roomID] = struct{}{}
	r.mu.Unlock()

	r.logger.Info().Int64(pkglog.FieldRoomID, int64(roomID)).Str("previous_owner", prev).Msg("claimed room")
	return prev, nil
}

func (r *RedisStore) Release(ctx context.Context, roomID domain.RoomID) error {
	r.mu.Lock()
	delete(r.held, roomID)
	r.mu.Unlock()

	if err := releaseScript.Run(ctx, r.client, []string{r.keyFor(roomID)}, r.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to release room %s: %w", roomID, err)
	}

	r.logger.Info().Int64(pkglog.FieldRoomID, int64(roomID)).Msg("released room")
	return nil
}

func (r *RedisStore) Owner(ctx context.Context, roomID domain.RoomID) (string, error) {
	owner, err := r.client.Get(ctx, r.keyFor(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up room %s: %w", roomID, err)
	}
	return owner, nil
}

func (r *RedisStore) StartHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	go r.heartbeatLoop(ctx)
	r.logger.Info().Dur("interval", r.cfg.HeartbeatInterval).Dur("ttl", r.cfg.KeyTTL).Msg("claim heartbeat started")
	return nil
}

func (r *RedisStore) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *RedisStore) heldRooms() []domain.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms := make([]domain.RoomID, 0, len(r.held))
	for id := range r.held {
		rooms = append(rooms, id)
	}
	return rooms
}

func (r *RedisStore) refresh(ctx context.Context) {
	for _, id := range r.heldRooms() {
		if err := r.client.Set(ctx, r.keyFor(id), r.instanceID, r.cfg.KeyTTL).Err(); err != nil {
			r.logger.Error().Int64(pkglog.FieldRoomID, int64(id)).Err(err).Msg("failed to refresh claim")
		}
	}
}

func (r *RedisStore) StopHeartbeat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *RedisStore) Close() error {
	r.StopHeartbeat()
	return r.client.Close()
}

// Package presence mirrors room membership into Redis so other processes can observe it.
// The in-process registry stays authoritative.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type RedisPresence struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, cfg config.Redis) (*RedisPresence, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Info().Str("module", "adapters.presence").Str("addr", cfg.Addr).Msg("redis connected")
	return New(client, cfg.TTL), nil
}

func New(client *redis.Client, ttl time.Duration) *RedisPresence {
	return &RedisPresence{client: client, ttl: ttl}
}

func participantsKey(room domain.RoomID) string {
	return fmt.Sprintf("mesh:room:%s:participants", room)
}

// Joined records identity -> join time (unix ms) and refreshes the key TTL.
func (p *RedisPresence) Joined(ctx context.Context, room domain.RoomID, part domain.Participant) error {
	key := participantsKey(room)
	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, key, string(part.Identity), part.JoinedAt.UnixMilli())
	if p.ttl > 0 {
		pipe.Expire(ctx, key, p.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (p *RedisPresence) Left(ctx context.Context, room domain.RoomID, identity domain.Identity) error {
	return p.client.HDel(ctx, participantsKey(room), string(identity)).Err()
}

func (p *RedisPresence) Closed(ctx context.Context, room domain.RoomID) error {
	return p.client.Del(ctx, participantsKey(room)).Err()
}

// Members reads the mirrored membership of room.
func (p *RedisPresence) Members(ctx context.Context, room domain.RoomID) (map[domain.Identity]time.Time, error) {
	raw, err := p.client.HGetAll(ctx, participantsKey(room)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[domain.Identity]time.Time, len(raw))
	for id, v := range raw {
		var ms int64
		if _, err := fmt.Sscan(v, &ms); err != nil {
			continue
		}
		out[domain.Identity(id)] = time.UnixMilli(ms)
	}
	return out, nil
}

func (p *RedisPresence) Close() error {
	return p.client.Close()
}

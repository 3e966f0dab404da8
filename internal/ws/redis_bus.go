package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/BlkSword/Strange-room/internal/app"
	"github.com/BlkSword/Strange-room/internal/rooms"
)

// Envelope types
const (
	EnvelopeFrame = "frame"
	EnvelopeRoom  = "room"
)

// Envelope is what instances exchange over the bus.
type Envelope struct {
	Origin  string      `json:"origin"`
	Type    string      `json:"type"`
	Relay   Kind        `json:"relay,omitempty"`
	RoomID  string      `json:"roomId"`
	Room    *rooms.Room `json:"room,omitempty"`
	Payload []byte      `json:"payload,omitempty"`
}

// Bus carries relay frames and room announcements between instances.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, fn func(Envelope)) error
}

type RedisBus struct {
	rdb    *redis.Client
	log    *slog.Logger
	origin string
}

// NewRedisBus connects to redis and verifies connectivity
func NewRedisBus(ctx context.Context, cfg app.Config, log *slog.Logger) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &RedisBus{rdb: rdb, log: log, origin: cfg.InstanceID}, nil
}

// Publish stamps env with this instance and sends it on its channel
func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	env.Origin = b.origin
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channelFor(env), raw).Err()
}

// Subscribe listens to relay and room channels and invokes fn for every
// envelope published by another instance
func (b *RedisBus) Subscribe(ctx context.Context, fn func(Envelope)) error {
	pubsub := b.rdb.PSubscribe(ctx, relayPattern)
	defer pubsub.Close()
	if err := pubsub.Subscribe(ctx, roomsChannel); err != nil {
		return err
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if env, ok := b.decode(msg.Payload); ok {
				fn(env)
			}
		}
	}
}

// decode parses a message and drops our own and malformed ones
func (b *RedisBus) decode(raw string) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.log.Warn("bus.decode", "err", err)
		return env, false
	}
	if env.Origin == b.origin || env.RoomID == "" {
		return env, false
	}
	switch env.Type {
	case EnvelopeFrame:
		return env, env.Relay == KindSignaling || env.Relay == KindSync
	case EnvelopeRoom:
		return env, env.Room != nil
	}
	return env, false
}

// Close shuts down the redis connection
func (b *RedisBus) Close() { _ = b.rdb.Close() }

const (
	relayPattern = "relay:*"
	roomsChannel = "rooms:created"
)

// channelFor namespaces frames per relay and room
func channelFor(env Envelope) string {
	if env.Type == EnvelopeRoom {
		return roomsChannel
	}
	return strings.Join([]string{"relay", string(env.Relay), env.RoomID}, ":")
}

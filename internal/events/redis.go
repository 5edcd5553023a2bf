package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// RedisSink republishes bus events on Redis channels named
// "<prefix>:<broadcastID>" so chat/membership services can follow sessions.
type RedisSink struct {
	client *redis.Client
	prefix string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func NewRedisSink(opts RedisOptions) *RedisSink {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisSink{client: rdb, prefix: opts.Prefix}
}

func (s *RedisSink) Channel(e Event) string {
	return fmt.Sprintf("%s:%s", s.prefix, e.Broadcast)
}

func (s *RedisSink) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	return nil
}

func (s *RedisSink) Send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := s.client.Publish(ctx, s.Channel(e), body).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Run drains the bus into Redis until ctx is done. Quality telemetry stays
// local; it is exported through metrics instead.
func (s *RedisSink) Run(ctx context.Context, bus *Bus) error {
	ch, cancel := bus.Subscribe(func(e Event) bool { return e.Type != QualityUpdate })
	defer cancel()
	logger := log.With().Str("module", "events.redis").Logger()
	logger.Info().Str("prefix", s.prefix).Msg("redis sink started")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("redis sink stopped")
			return s.client.Close()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.Send(ctx, e); err != nil {
				logger.Error().Err(err).Str("type", string(e.Type)).Str("broadcast", string(e.Broadcast)).Msg("redis publish")
			}
		}
	}
}

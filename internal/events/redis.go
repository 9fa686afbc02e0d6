package events

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"

	"github.com/veille-labs/courant/pkg/models"
)

// DefaultRedisChannel is the pub/sub channel events are published on.
const DefaultRedisChannel = "events"

// RedisPublisher publishes events as JSON on a Redis pub/sub channel
// for external notification dispatchers.
type RedisPublisher struct {
	pool    *redis.Pool
	channel string
}

// NewRedisPublisher connects a publisher to the given Redis URL
// (redis://host:port/db). An empty channel uses DefaultRedisChannel.
func NewRedisPublisher(url, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisPublisher{
		channel: channel,
		pool: &redis.Pool{
			MaxIdle:     3,
			IdleTimeout: 4 * time.Minute,
			DialContext: func(ctx context.Context) (redis.Conn, error) {
				return redis.DialURLContext(ctx, url)
			},
			TestOnBorrow: func(c redis.Conn, t time.Time) error {
				if time.Since(t) < time.Minute {
					return nil
				}
				_, err := c.Do("PING")
				return err
			},
		},
	}
}

// Publish sends the event on the configured channel.
func (p *RedisPublisher) Publish(ctx context.Context, ev *models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.UID, err)
	}
	conn, err := p.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	defer conn.Close()

	if _, err := redis.DoContext(conn, ctx, "PUBLISH", p.channel, payload); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.UID, err)
	}
	log.Debug().Str("uid", ev.UID).Str("channel", p.channel).Msg("event published to redis")
	return nil
}

// Close releases the connection pool.
func (p *RedisPublisher) Close() error {
	return p.pool.Close()
}

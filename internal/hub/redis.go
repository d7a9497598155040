package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher mirrors agent events to a Redis pub/sub channel for
// observers running outside the agent process.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(addr, password string, db int, channel string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisPublisher{client: client, channel: channel}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, string(data)).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

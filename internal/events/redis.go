// internal/events/redis.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/config"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

const defaultChannel = "authmatrix:events"

// RedisSink publishes events as JSON on a pub/sub channel so other
// processes can follow a run. Each sink tags what it publishes with its own
// origin and ignores those messages when following the channel.
type RedisSink struct {
	client  *redis.Client
	channel string
	origin  string
}

type envelope struct {
	Origin string      `json:"origin"`
	Event  types.Event `json:"event"`
}

func NewRedisSink(cfg config.RedisConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	channel := cfg.EventsChannel
	if channel == "" {
		channel = defaultChannel
	}
	return &RedisSink{client: client, channel: channel, origin: uuid.New().String()}, nil
}

func (s *RedisSink) Publish(ctx context.Context, event types.Event) error {
	data, err := json.Marshal(envelope{Origin: s.origin, Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Follow calls handle for every event other instances publish on the
// channel until ctx ends.
func (s *RedisSink) Follow(ctx context.Context, handle func(types.Event)) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Origin == s.origin {
				continue
			}
			handle(env.Event)
		}
	}
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

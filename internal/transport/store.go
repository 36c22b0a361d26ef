package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/config"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

const exchangePrefix = "authmatrix:exchange:"

// ExchangeStore holds request/response pairs by id.
type ExchangeStore interface {
	Put(ctx context.Context, exchange *types.Exchange) error
	// Get returns core.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*types.Exchange, error)
	Close() error
}

type MemoryExchangeStore struct {
	mu        sync.RWMutex
	exchanges map[string]types.Exchange
}

func NewMemoryExchangeStore() *MemoryExchangeStore {
	return &MemoryExchangeStore{exchanges: make(map[string]types.Exchange)}
}

func (s *MemoryExchangeStore) Put(ctx context.Context, exchange *types.Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchanges[exchange.ID] = *exchange
	return nil
}

func (s *MemoryExchangeStore) Get(ctx context.Context, id string) (*types.Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exchange, ok := s.exchanges[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &exchange, nil
}

func (s *MemoryExchangeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.exchanges)
}

func (s *MemoryExchangeStore) Close() error { return nil }

// RedisExchangeStore keeps exchanges as JSON values that expire after the
// configured TTL.
type RedisExchangeStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisExchangeStore(cfg config.RedisConfig) (*RedisExchangeStore, error) {
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

	return &RedisExchangeStore{client: client, ttl: cfg.ExchangeTTL}, nil
}

func (s *RedisExchangeStore) Put(ctx context.Context, exchange *types.Exchange) error {
	data, err := json.Marshal(exchange)
	if err != nil {
		return fmt.Errorf("failed to marshal exchange: %w", err)
	}

	if err := s.client.Set(ctx, exchangePrefix+exchange.ID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store exchange: %w", err)
	}
	return nil
}

func (s *RedisExchangeStore) Get(ctx context.Context, id string) (*types.Exchange, error) {
	data, err := s.client.Get(ctx, exchangePrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load exchange: %w", err)
	}

	var exchange types.Exchange
	if err := json.Unmarshal(data, &exchange); err != nil {
		return nil, fmt.Errorf("failed to unmarshal exchange: %w", err)
	}
	return &exchange, nil
}

func (s *RedisExchangeStore) Close() error {
	return s.client.Close()
}

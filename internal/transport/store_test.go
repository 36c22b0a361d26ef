package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/config"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

func sampleExchange(id string) *types.Exchange {
	return &types.Exchange{
		ID:        id,
		Request:   types.HTTPRequest{Method: "GET", Host: "example.com", Port: 80, Path: "/a", Raw: "GET /a HTTP/1.1\r\n\r\n"},
		Response:  &types.HTTPResponse{StatusCode: 200, Raw: "HTTP/1.1 200 OK\r\n\r\n", Length: 19},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestMemoryExchangeStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryExchangeStore()

	require.NoError(t, store.Put(ctx, sampleExchange("e1")))
	assert.Equal(t, 1, store.Len())

	got, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "/a", got.Request.Path)

	_, err = store.Get(ctx, "e2")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func setupRedis(t *testing.T) config.RedisConfig {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return config.RedisConfig{
		Enabled:     true,
		Addr:        fmt.Sprintf("%s:%s", host, port.Port()),
		DialTimeout: 5 * time.Second,
		ExchangeTTL: time.Hour,
	}
}

func TestRedisExchangeStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Redis integration test in short mode")
	}

	ctx := context.Background()
	store, err := NewRedisExchangeStore(setupRedis(t))
	require.NoError(t, err)
	defer store.Close()

	want := sampleExchange("e1")
	require.NoError(t, store.Put(ctx, want))

	got, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, want.Request.Raw, got.Request.Raw)
	assert.Equal(t, want.Response.StatusCode, got.Response.StatusCode)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))

	ttl, err := store.client.TTL(ctx, exchangePrefix+"e1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestNewRedisExchangeStoreUnreachable(t *testing.T) {
	_, err := NewRedisExchangeStore(config.RedisConfig{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
	})
	assert.Error(t, err)
}

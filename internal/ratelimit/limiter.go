package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/config"
	"golang.org/x/time/rate"
)

// Limiter paces replayed requests so an analysis run does not flood the
// application under test. A global token bucket caps the overall rate and a
// per-host minimum delay spaces consecutive requests to the same origin.
type Limiter struct {
	limiter      *rate.Limiter
	requestDelay time.Duration
	burstSize    int
	nextSlot     map[string]time.Time
	mu           sync.Mutex
}

type Config struct {
	// RequestsPerSecond of zero disables the global limit.
	RequestsPerSecond float64
	BurstSize         int
	// MinDelay between two requests to the same host.
	MinDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10.0,
		BurstSize:         5,
		MinDelay:          50 * time.Millisecond,
	}
}

// FromTransport maps the transport section of the config file.
func FromTransport(cfg config.TransportConfig) Config {
	return Config{
		RequestsPerSecond: cfg.RequestsPerSecond,
		BurstSize:         cfg.BurstSize,
		MinDelay:          cfg.MinHostDelay,
	}
}

func NewLimiter(cfg Config) *Limiter {
	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.BurstSize
	if burst < 1 {
		burst = 1
	}

	return &Limiter{
		limiter:      rate.NewLimiter(limit, burst),
		requestDelay: cfg.MinDelay,
		burstSize:    burst,
		nextSlot:     make(map[string]time.Time),
	}
}

func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// WaitForHost blocks until both the global bucket and the per-host spacing
// allow a request to host. Slots are reserved under the lock and slept on
// outside it, so waiting on one host never stalls another.
func (l *Limiter) WaitForHost(ctx context.Context, host string) error {
	if err := l.Wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	now := time.Now()
	slot := now
	if next, ok := l.nextSlot[host]; ok && next.After(now) {
		slot = next
	}
	l.nextSlot[host] = slot.Add(l.requestDelay)
	l.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		TrackedHosts: len(l.nextSlot),
		BurstSize:    l.burstSize,
		RequestDelay: l.requestDelay,
	}
}

// Stats is reported on the health endpoint.
type Stats struct {
	TrackedHosts int           `json:"tracked_hosts"`
	BurstSize    int           `json:"burst_size"`
	RequestDelay time.Duration `json:"request_delay"`
}

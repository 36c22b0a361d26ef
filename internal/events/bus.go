// Package events fans domain notifications out to in-process subscribers
// and optional external sinks.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/logger"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

const defaultBuffer = 64

// Sink receives every event after local fan-out.
type Sink interface {
	Publish(ctx context.Context, event types.Event) error
}

// Bus delivers events without blocking the emitter. Slow subscribers lose
// events once their buffer is full.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan types.Event
	sinks       []Sink
	projects    core.ProjectContext
	dropped     atomic.Int64
	logger      *logger.Logger
}

var _ core.Emitter = (*Bus)(nil)

func NewBus(log *logger.Logger, sinks ...Sink) *Bus {
	return &Bus{
		subscribers: make(map[string]chan types.Event),
		sinks:       sinks,
		logger:      log.WithComponent("events"),
	}
}

// SetProjectContext makes the bus stamp events with the active project.
func (b *Bus) SetProjectContext(projects core.ProjectContext) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.projects = projects
}

// Subscribe registers a listener. The returned id is used to unsubscribe.
func (b *Bus) Subscribe(buffer int) (string, <-chan types.Event) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	id := uuid.New().String()
	ch := make(chan types.Event, buffer)

	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

func (b *Bus) Emit(ctx context.Context, eventType types.EventType, payload any) {
	event := types.Event{
		Type:    eventType,
		Payload: payload,
		Time:    time.Now().UTC(),
	}

	b.mu.RLock()
	if b.projects != nil {
		if projectID, ok := b.projects.CurrentProject(ctx); ok {
			event.ProjectID = projectID
		}
	}
	b.fanOut(event)
	sinks := b.sinks
	b.mu.RUnlock()

	for _, sink := range sinks {
		if err := sink.Publish(ctx, event); err != nil {
			b.logger.Warnw("Failed to publish event", "event", eventType, "error", err)
		}
	}
}

// Deliver hands an event emitted by another instance to local subscribers.
// It is not republished to the sinks.
func (b *Bus) Deliver(event types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.fanOut(event)
}

// fanOut must be called with b.mu held.
func (b *Bus) fanOut(event types.Event) {
	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Debugw("Dropped event for slow subscriber", "subscriber", id, "event", event.Type)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}

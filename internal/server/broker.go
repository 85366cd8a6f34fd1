package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/sapphire/internal/events"
)

const subscriberBuffer = 64

type subscriber struct {
	tenantID *uuid.UUID
}

// Broker fans domain events out to SSE subscribers of the ops console. It is
// an events.Publisher, so it sits next to Kafka in an events.Multi.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	closed      bool
	subscribers map[chan []byte]subscriber
}

// NewBroker creates a Broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[chan []byte]subscriber),
	}
}

// Publish formats e as an SSE frame and offers it to every subscriber whose
// tenant filter matches. It never fails.
func (b *Broker) Publish(_ context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		b.logger.Warn("broker: marshal event", "event_type", e.Type, "error", err)
		return nil
	}
	b.broadcast(e.TenantID, formatSSE(e.Type, data))
	return nil
}

// Subscribe returns a channel of SSE frames. A non-nil tenantID restricts the
// stream to that tenant's events. The caller must call Unsubscribe.
func (b *Broker) Subscribe(tenantID *uuid.UUID) chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[ch] = subscriber{tenantID: tenantID}
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Close ends every open stream.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// broadcast skips subscribers whose buffer is full so one slow client never
// blocks the publisher.
func (b *Broker) broadcast(tenantID *uuid.UUID, frame []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, sub := range b.subscribers {
		if sub.tenantID != nil && (tenantID == nil || *sub.tenantID != *tenantID) {
			continue
		}
		select {
		case ch <- frame:
		default:
		}
	}
}

func formatSSE(eventType string, data []byte) []byte {
	return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", eventType, data)
}

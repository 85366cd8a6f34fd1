package server

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sapphire/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func receive(t *testing.T, ch chan []byte) string {
	t.Helper()
	select {
	case got := <-ch:
		return string(got)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker(testLogger())
	ch1 := broker.Subscribe(nil)
	ch2 := broker.Subscribe(nil)

	require.NoError(t, broker.Publish(context.Background(), events.New(events.TypeCaseCreated, nil, "c1", nil)))
	got1, got2 := receive(t, ch1), receive(t, ch2)
	assert.True(t, strings.HasPrefix(got1, "event: support.case_created\ndata: {"))
	assert.True(t, strings.HasSuffix(got1, "}\n\n"))
	assert.Equal(t, got1, got2)

	broker.Unsubscribe(ch1)
	require.NoError(t, broker.Publish(context.Background(), events.New(events.TypeCaseUpdated, nil, "c1", nil)))
	assert.Contains(t, receive(t, ch2), "support.case_updated")
	broker.Unsubscribe(ch2)
}

func TestBrokerTenantFilter(t *testing.T) {
	broker := NewBroker(testLogger())
	acme, other := uuid.New(), uuid.New()
	scoped := broker.Subscribe(&acme)
	all := broker.Subscribe(nil)
	defer broker.Unsubscribe(scoped)
	defer broker.Unsubscribe(all)

	_ = broker.Publish(context.Background(), events.New(events.TypeCaseCreated, &other, "c", nil))
	_ = broker.Publish(context.Background(), events.New(events.TypeCaseCreated, nil, "c", nil))
	_ = broker.Publish(context.Background(), events.New(events.TypeCaseEscalated, &acme, "c", nil))

	assert.Contains(t, receive(t, scoped), "support.case_escalated")
	assert.Len(t, all, 3)
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	broker := NewBroker(testLogger())
	ch := broker.Subscribe(nil)
	for range subscriberBuffer + 10 {
		_ = broker.Publish(context.Background(), events.New(events.TypeCaseCreated, nil, "c", nil))
	}
	assert.Len(t, ch, subscriberBuffer)

	broker.Close()
	for range ch {
	}
	_, open := <-broker.Subscribe(nil)
	assert.False(t, open, "subscribing after close yields a closed stream")
}

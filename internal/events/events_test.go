package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sapphire/internal/model"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, logger: testLogger()}
	tenant := uuid.New()

	e := New(TypeCaseCreated, &tenant, "case-1", map[string]any{"priority": "high"})
	require.NoError(t, p.Publish(context.Background(), e))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, tenant.String(), string(msg.Key))
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, TypeCaseCreated, string(msg.Headers[0].Value))

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, "high", decoded.Payload["priority"])

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_Error(t *testing.T) {
	p := &KafkaPublisher{writer: &fakeWriter{err: errors.New("broker down")}, logger: testLogger()}
	err := p.Publish(context.Background(), New(TypeSLABreached, nil, "case-2", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

type recordingPublisher struct {
	events []Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestCRMBridge(t *testing.T) {
	var hook model.CRMEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&hook))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	pub := &recordingPublisher{}
	b := NewCRMBridge(pub, srv.URL)
	e := model.CRMEvent{ID: uuid.New(), EventType: model.CRMLeadCreated, Payload: map[string]any{"email": "lead@acme.com"}}

	require.NoError(t, b.Forward(context.Background(), e))
	require.Len(t, pub.events, 1)
	assert.Equal(t, TypeCRMLeadCreated, pub.events[0].Type)
	assert.Equal(t, "lead@acme.com", hook.Payload["email"])
}

func TestCRMBridge_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	e := model.CRMEvent{ID: uuid.New(), EventType: model.CRMLeadCreated}

	err := NewCRMBridge(&recordingPublisher{}, srv.URL).Forward(context.Background(), e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")

	pub := &recordingPublisher{err: errors.New("kafka down")}
	err = NewCRMBridge(pub, "").Forward(context.Background(), e)
	assert.EqualError(t, err, "kafka down")

	assert.NoError(t, NewCRMBridge(NoopPublisher{}, "").Forward(context.Background(), e))
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, Event) error { return f.err }

type countingPublisher struct{ n int }

func (c *countingPublisher) Publish(context.Context, Event) error {
	c.n++
	return nil
}

func TestMulti_PublishesToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("kafka down")
	first, last := &countingPublisher{}, &countingPublisher{}
	m := Multi{first, failingPublisher{err: boom}, last}

	err := m.Publish(context.Background(), New(TypeCaseCreated, nil, "case", nil))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, first.n)
	assert.Equal(t, 1, last.n, "a failing publisher does not stop the rest")

	require.NoError(t, Multi{first}.Publish(context.Background(), New(TypeCaseCreated, nil, "case", nil)))
}

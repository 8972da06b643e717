package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"qms/clinic-queue/internal/fanout"
	"qms/clinic-queue/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	failures int32
	closed   int32
}

func (w *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if atomic.AddInt32(&w.failures, -1) >= 0 {
		return errors.New("broker unavailable")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *mockWriter) Close() error {
	atomic.AddInt32(&w.closed, 1)
	return nil
}

func (w *mockWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

func startSink(t *testing.T, writer *mockWriter) (*fanout.Hub, context.CancelFunc, chan error) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := fanout.New(fanout.Options{Logger: logger})
	require.NoError(t, hub.Start(context.Background()))
	t.Cleanup(hub.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	sink := New(hub, writer, logger)
	result := make(chan error, 1)
	go func() { result <- sink.Run(ctx) }()
	return hub, cancel, result
}

func TestSinkExportsKeyedByTicket(t *testing.T) {
	writer := &mockWriter{}
	hub, cancel, result := startSink(t, writer)
	defer cancel()

	ticket := models.Ticket{TicketID: "t1", ClinicID: "c1", Number: 3, State: models.StateInProgress}
	require.Eventually(t, func() bool {
		_ = hub.Publish(fanout.Event{Kind: fanout.TicketCalled, Ticket: ticket})
		return len(writer.written()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	msg := writer.written()[0]
	assert.Equal(t, "t1", string(msg.Key))
	var decoded fanout.Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, fanout.TicketCalled, decoded.Kind)
	assert.Equal(t, 3, decoded.Ticket.Number)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "ticket.called", string(msg.Headers[0].Value))

	cancel()
	assert.ErrorIs(t, <-result, context.Canceled)
}

func TestSinkSurvivesWriteFailure(t *testing.T) {
	writer := &mockWriter{failures: 1}
	hub, cancel, _ := startSink(t, writer)
	defer cancel()

	require.Eventually(t, func() bool {
		_ = hub.Publish(fanout.Event{Kind: fanout.TicketCreated, Ticket: models.Ticket{TicketID: "t2", ClinicID: "c1"}})
		return len(writer.written()) > 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "t2", string(writer.written()[0].Key))
}

func TestSinkStopsWithHub(t *testing.T) {
	writer := &mockWriter{}
	hub, cancel, result := startSink(t, writer)
	defer cancel()

	require.Eventually(t, func() bool {
		_ = hub.Publish(fanout.Event{Kind: fanout.TicketCreated, Ticket: models.Ticket{TicketID: "t3", ClinicID: "c1"}})
		return len(writer.written()) > 0
	}, 2*time.Second, 20*time.Millisecond)
	hub.Stop()

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sink did not stop")
	}
}

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"qms/clinic-queue/internal/fanout"
	"qms/clinic-queue/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	incoming chan string

	mu     sync.Mutex
	sent   []string
	closed *uint32
}

func newFakeSession() *fakeSession {
	return &fakeSession{incoming: make(chan string, 8)}
}

func (s *fakeSession) ID() string { return "session-1" }

func (s *fakeSession) Recv() (string, error) {
	msg, ok := <-s.incoming
	if !ok {
		return "", errors.New("session closed")
	}
	return msg, nil
}

func (s *fakeSession) Send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSession) Close(status uint32, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = &status
	return nil
}

func (s *fakeSession) frames() []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]frame, 0, len(s.sent))
	for _, msg := range s.sent {
		var f frame
		if err := json.Unmarshal([]byte(msg), &f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

func (s *fakeSession) closeStatus() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed == nil {
		return 0, false
	}
	return *s.closed, true
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startHub(t *testing.T) *fanout.Hub {
	t.Helper()
	hub := fanout.New(fanout.Options{Logger: discardLogger()})
	require.NoError(t, hub.Start(context.Background()))
	t.Cleanup(hub.Stop)
	return hub
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Command
		ok   bool
	}{
		{"subscribe global", `{"action":"subscribe","channel":"global"}`, Command{Join: true, Channel: "global"}, true},
		{"subscribe clinic", `{"action":"subscribe","channel":"clinic:c1"}`, Command{Join: true, Channel: "clinic:c1"}, true},
		{"unsubscribe", `{"action":"unsubscribe","channel":"clinic:c1"}`, Command{Join: false, Channel: "clinic:c1"}, true},
		{"join display", `{"action":"join-display"}`, Command{Join: true, Channel: "global"}, true},
		{"join clinic", `{"action":"join-clinic","clinic_id":"c7"}`, Command{Join: true, Channel: "clinic:c7"}, true},
		{"join clinic without id", `{"action":"join-clinic"}`, Command{}, false},
		{"unknown channel", `{"action":"subscribe","channel":"lobby"}`, Command{}, false},
		{"unknown action", `{"action":"ping"}`, Command{}, false},
		{"not json", `hello`, Command{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseCommand([]byte(tc.raw))
			if ok != tc.ok || got != tc.want {
				t.Fatalf("ParseCommand(%s)=%+v,%v want %+v,%v", tc.raw, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestServeRelaysJoinedChannels(t *testing.T) {
	hub := startHub(t)
	handler := NewHandler(hub, discardLogger())
	session := newFakeSession()

	served := make(chan struct{})
	go func() {
		handler.Serve(session)
		close(served)
	}()

	session.incoming <- `{"action":"join-clinic","clinic_id":"c1"}`
	ticket := models.Ticket{TicketID: "t1", ClinicID: "c1", Number: 4, State: models.StateWaiting}
	require.Eventually(t, func() bool {
		_ = hub.Publish(fanout.Event{Kind: fanout.TicketCreated, Ticket: ticket})
		return len(session.frames()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	got := session.frames()[0]
	assert.Equal(t, "clinic:c1", got.Channel)
	assert.Equal(t, fanout.TicketCreated, got.Kind)
	assert.Equal(t, 4, got.Ticket.Number)

	close(session.incoming)
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after the client left")
	}
	_, closedByServer := session.closeStatus()
	assert.False(t, closedByServer)
}

func TestServeClosesSessionOnHubStop(t *testing.T) {
	hub := fanout.New(fanout.Options{Logger: discardLogger()})
	require.NoError(t, hub.Start(context.Background()))
	handler := NewHandler(hub, discardLogger())
	session := newFakeSession()

	go handler.Serve(session)
	session.incoming <- `{"action":"join-display"}`
	require.Eventually(t, func() bool {
		_ = hub.Publish(fanout.Event{Kind: fanout.TicketCalled, Ticket: models.Ticket{TicketID: "t1", ClinicID: "c1"}})
		return len(session.frames()) > 0
	}, 2*time.Second, 20*time.Millisecond)
	hub.Stop()

	require.Eventually(t, func() bool {
		status, ok := session.closeStatus()
		return ok && status == closeShutdown
	}, 2*time.Second, 10*time.Millisecond)
	close(session.incoming)
}

func TestServeRejectsWhenHubStopped(t *testing.T) {
	hub := fanout.New(fanout.Options{Logger: discardLogger()})
	hub.Stop()
	session := newFakeSession()

	NewHandler(hub, discardLogger()).Serve(session)
	status, ok := session.closeStatus()
	require.True(t, ok)
	assert.Equal(t, uint32(closeUnavailable), status)
}

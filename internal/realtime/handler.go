package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"qms/clinic-queue/internal/fanout"
	"qms/clinic-queue/internal/models"

	"github.com/igm/sockjs-go/sockjs"
)

const (
	closeUnavailable = 4000
	closeShutdown    = 4001
)

// Session is the part of a SockJS session the handler uses.
type Session interface {
	ID() string
	Recv() (string, error)
	Send(string) error
	Close(status uint32, reason string) error
}

type frame struct {
	Channel string        `json:"channel"`
	Kind    fanout.Kind   `json:"kind"`
	Ticket  models.Ticket `json:"ticket"`
}

type Handler struct {
	hub    *fanout.Hub
	logger *slog.Logger
}

func NewHandler(hub *fanout.Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{hub: hub, logger: logger.With("component", "realtime")}
}

// HTTPHandler mounts the event feed under prefix.
func (h *Handler) HTTPHandler(prefix string) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		h.Serve(session)
	})
}

// Serve relays hub deliveries to one session until the client goes away or
// the hub stops.
func (h *Handler) Serve(session Session) {
	sub, err := h.hub.Subscribe()
	if err != nil {
		_ = session.Close(closeUnavailable, "event feed unavailable")
		return
	}
	done := make(chan struct{})
	defer func() {
		close(done)
		h.hub.Unsubscribe(sub)
	}()
	h.logger.Debug("session opened", "session_id", session.ID(), "subscriber_id", sub.ID)

	go func() {
		for delivery := range sub.C {
			payload, err := json.Marshal(frame{
				Channel: delivery.Channel,
				Kind:    delivery.Kind,
				Ticket:  delivery.Ticket,
			})
			if err != nil {
				h.logger.Error("encode frame", "error", err)
				continue
			}
			if err := session.Send(string(payload)); err != nil {
				h.logger.Debug("send failed", "session_id", session.ID(), "error", err)
			}
		}
		select {
		case <-done:
		default:
			_ = session.Close(closeShutdown, "server shutting down")
		}
	}()

	for {
		msg, err := session.Recv()
		if err != nil {
			h.logger.Debug("session closed", "session_id", session.ID())
			return
		}
		cmd, ok := ParseCommand([]byte(msg))
		if !ok {
			continue
		}
		if !cmd.Join {
			h.hub.Leave(sub, cmd.Channel)
			continue
		}
		if err := h.hub.Join(sub, cmd.Channel); err != nil {
			return
		}
	}
}

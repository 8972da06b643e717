package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"qms/clinic-queue/internal/fanout"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

var exportedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "clinic_queue_events_exported_total",
	Help: "Lifecycle events written to Kafka",
}, []string{"result"})

type Config struct {
	Brokers []string
	Topic   string
}

type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            5,
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
	}
}

// Sink exports every event of the global channel, keyed by ticket so one
// ticket's events stay in one partition.
type Sink struct {
	hub     *fanout.Hub
	writer  Writer
	logger  *slog.Logger
	timeout time.Duration
}

func New(hub *fanout.Hub, writer Writer, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		hub:     hub,
		writer:  writer,
		logger:  logger.With("component", "eventsink"),
		timeout: 5 * time.Second,
	}
}

// Run consumes until ctx ends or the hub stops.
func (s *Sink) Run(ctx context.Context) error {
	sub, err := s.hub.Subscribe(fanout.GlobalChannel)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer s.hub.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-sub.C:
			if !ok {
				return nil
			}
			s.export(ctx, delivery.Event)
		}
	}
}

func (s *Sink) export(ctx context.Context, event fanout.Event) {
	value, err := json.Marshal(event)
	if err != nil {
		exportedTotal.WithLabelValues("encode_error").Inc()
		s.logger.Error("encode event", "ticket_id", event.Ticket.TicketID, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err = s.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(event.Ticket.TicketID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(event.Kind)},
			{Key: "clinic_id", Value: []byte(event.Ticket.ClinicID)},
		},
	})
	if err != nil {
		exportedTotal.WithLabelValues("error").Inc()
		s.logger.Warn("export event failed",
			"kind", event.Kind,
			"ticket_id", event.Ticket.TicketID,
			"error", err)
		return
	}
	exportedTotal.WithLabelValues("ok").Inc()
}

func (s *Sink) Close() error {
	return s.writer.Close()
}

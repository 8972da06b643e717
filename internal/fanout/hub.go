package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrHubNotStarted  = errors.New("fanout hub not started")
	ErrHubStopped     = errors.New("fanout hub stopped")
	ErrHubFull        = errors.New("fanout hub inbox full")
	ErrInvalidChannel = errors.New("invalid channel")
)

type Options struct {
	InboxSize        int
	SubscriberBuffer int
	Logger           *slog.Logger
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

type Subscriber struct {
	ID string
	// C receives deliveries until the subscriber is removed or the hub stops.
	C <-chan Delivery

	send     chan Delivery
	channels map[string]struct{}
	closed   bool
}

// Hub is a process-wide publish/subscribe relay. A single dispatch goroutine
// delivers events in publish order; a subscriber whose buffer is full misses
// the delivery.
type Hub struct {
	logger           *slog.Logger
	subscriberBuffer int

	inbox chan Event
	done  chan struct{}

	mu          sync.RWMutex
	state       state
	subscribers map[string]*Subscriber
}

func New(opts Options) *Hub {
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 16
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		logger:           opts.Logger.With("component", "fanout"),
		subscriberBuffer: opts.SubscriberBuffer,
		inbox:            make(chan Event, opts.InboxSize),
		done:             make(chan struct{}),
		subscribers:      make(map[string]*Subscriber),
	}
}

// Start launches the dispatch loop. The hub stops on its own when ctx ends.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case stateRunning:
		return nil
	case stateStopped:
		return ErrHubStopped
	}
	h.state = stateRunning

	go h.run()
	go func() {
		select {
		case <-ctx.Done():
			h.Stop()
		case <-h.done:
		}
	}()
	return nil
}

// Stop rejects further publishes, delivers what is already queued and closes
// every subscriber. It returns once the dispatch loop has exited.
func (h *Hub) Stop() {
	h.mu.Lock()
	switch h.state {
	case stateStopped:
		h.mu.Unlock()
		<-h.done
		return
	case stateIdle:
		h.state = stateStopped
		close(h.inbox)
		h.closeSubscribersLocked()
		h.mu.Unlock()
		close(h.done)
		return
	}
	h.state = stateStopped
	close(h.inbox)
	h.mu.Unlock()
	<-h.done
}

func (h *Hub) Publish(event Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	switch h.state {
	case stateIdle:
		return ErrHubNotStarted
	case stateStopped:
		return ErrHubStopped
	}
	select {
	case h.inbox <- event:
		eventsPublished.WithLabelValues(string(event.Kind)).Inc()
		return nil
	default:
		deliveriesDropped.WithLabelValues("inbox_full").Inc()
		return ErrHubFull
	}
}

// Subscribe registers a subscriber joined to the given channels.
func (h *Hub) Subscribe(channels ...string) (*Subscriber, error) {
	for _, channel := range channels {
		if !ValidChannel(channel) {
			return nil, ErrInvalidChannel
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == stateStopped {
		return nil, ErrHubStopped
	}
	send := make(chan Delivery, h.subscriberBuffer)
	sub := &Subscriber{
		ID:       uuid.NewString(),
		C:        send,
		send:     send,
		channels: make(map[string]struct{}, len(channels)),
	}
	for _, channel := range channels {
		sub.channels[channel] = struct{}{}
	}
	h.subscribers[sub.ID] = sub
	subscribersGauge.Inc()
	return sub, nil
}

func (h *Hub) Join(sub *Subscriber, channel string) error {
	if !ValidChannel(channel) {
		return ErrInvalidChannel
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return ErrHubStopped
	}
	sub.channels[channel] = struct{}{}
	return nil
}

func (h *Hub) Leave(sub *Subscriber, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(sub.channels, channel)
}

// Channels returns the channels sub is currently joined to.
func (h *Hub) Channels(sub *Subscriber) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	channels := make([]string, 0, len(sub.channels))
	for channel := range sub.channels {
		channels = append(channels, channel)
	}
	return channels
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) run() {
	defer close(h.done)
	for event := range h.inbox {
		h.dispatch(event)
	}
	h.mu.Lock()
	h.closeSubscribersLocked()
	h.mu.Unlock()
}

func (h *Hub) dispatch(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, channel := range event.Channels() {
		delivery := Delivery{Channel: channel, Event: event}
		for _, sub := range h.subscribers {
			if _, ok := sub.channels[channel]; !ok {
				continue
			}
			select {
			case sub.send <- delivery:
				deliveriesSent.Inc()
			default:
				deliveriesDropped.WithLabelValues("subscriber_full").Inc()
				h.logger.Warn("drop delivery",
					"subscriber_id", sub.ID,
					"channel", channel,
					"kind", event.Kind,
					"ticket_id", event.Ticket.TicketID)
			}
		}
	}
}

func (h *Hub) removeLocked(sub *Subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(h.subscribers, sub.ID)
	close(sub.send)
	subscribersGauge.Dec()
}

func (h *Hub) closeSubscribersLocked() {
	for _, sub := range h.subscribers {
		h.removeLocked(sub)
	}
}

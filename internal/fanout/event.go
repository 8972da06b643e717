package fanout

import (
	"strings"

	"qms/clinic-queue/internal/models"
)

type Kind string

const (
	TicketCreated      Kind = "ticket.created"
	TicketCalled       Kind = "ticket.called"
	TicketFinished     Kind = "ticket.finished"
	TicketMarkedAbsent Kind = "ticket.marked_absent"
)

type Event struct {
	Kind   Kind          `json:"kind"`
	Ticket models.Ticket `json:"ticket"`
}

// Delivery is an event as received on one channel.
type Delivery struct {
	Channel string `json:"channel"`
	Event
}

const (
	GlobalChannel = "global"
	clinicPrefix  = "clinic:"
)

func ClinicChannel(clinicID string) string {
	return clinicPrefix + clinicID
}

// Channels lists every channel an event is delivered on.
func (e Event) Channels() []string {
	return []string{GlobalChannel, ClinicChannel(e.Ticket.ClinicID)}
}

func ValidChannel(name string) bool {
	if name == GlobalChannel {
		return true
	}
	return strings.HasPrefix(name, clinicPrefix) && len(name) > len(clinicPrefix)
}

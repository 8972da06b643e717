package models

import "time"

type Ticket struct {
	TicketID    string     `json:"ticket_id"`
	Number      int        `json:"number"`
	ClinicID    string     `json:"clinic_id"`
	ClinicName  string     `json:"clinic_name,omitempty"`
	PatientID   string     `json:"patient_id"`
	PatientName string     `json:"patient_name,omitempty"`
	State       string     `json:"state"`
	Reason      *string    `json:"reason,omitempty"`
	CreatedBy   string     `json:"created_by,omitempty"`
	ServiceDay  string     `json:"service_day"`
	CreatedAt   time.Time  `json:"created_at"`
	CalledAt    *time.Time `json:"called_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

const (
	StateWaiting    = "waiting"
	StateInProgress = "in_progress"
	StateFinished   = "finished"
	StateAbsent     = "absent"
)

// Terminal reports whether no further transition leaves the state.
func Terminal(state string) bool {
	return state == StateFinished || state == StateAbsent
}

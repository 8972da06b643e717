package queue

import (
	"context"
	"errors"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

type Action string

const (
	ActionCallNext   Action = "call_next"
	ActionFinish     Action = "finish"
	ActionMarkAbsent Action = "mark_absent"
)

type transition struct {
	from  string
	to    string
	stamp store.Stamp
}

var transitionMap = map[Action]transition{
	ActionCallNext:   {from: models.StateWaiting, to: models.StateInProgress, stamp: store.StampCalledAt},
	ActionFinish:     {from: models.StateInProgress, to: models.StateFinished, stamp: store.StampFinishedAt},
	ActionMarkAbsent: {from: models.StateInProgress, to: models.StateAbsent, stamp: store.StampNone},
}

// stateRank orders states along the lifecycle; both terminal states share the
// last rank.
var stateRank = map[string]int{
	models.StateWaiting:    0,
	models.StateInProgress: 1,
	models.StateFinished:   2,
	models.StateAbsent:     2,
}

func ValidTransition(action Action, fromState string) bool {
	t, ok := transitionMap[action]
	return ok && t.from == fromState
}

// NextState returns the state action leads to.
func NextState(action Action) (string, bool) {
	t, ok := transitionMap[action]
	return t.to, ok
}

// apply moves ticketID along action through the store's compare-and-set. A
// ticket found already past the action's source state lost a race
// (ErrStaleTicketState); one that has not reached it yet is an illegal request
// (ErrInvalidTransition).
func apply(ctx context.Context, st store.TicketStore, action Action, ticketID string, at time.Time) (models.Ticket, error) {
	t, ok := transitionMap[action]
	if !ok {
		return models.Ticket{}, ErrInvalidTransition
	}
	ticket, err := st.CompareAndSetState(ctx, store.Transition{
		TicketID: ticketID,
		Expected: t.from,
		Next:     t.to,
		Stamp:    t.stamp,
		At:       at,
	})
	if err == nil {
		return ticket, nil
	}
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		return models.Ticket{}, classify(t.from, conflict.Current)
	}
	return models.Ticket{}, translate(err)
}

func classify(expected, current string) error {
	if stateRank[current] > stateRank[expected] {
		return ErrStaleTicketState
	}
	return ErrInvalidTransition
}

package queue

import (
	"testing"

	"qms/clinic-queue/internal/models"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action Action
		from   string
		valid  bool
	}{
		{ActionCallNext, models.StateWaiting, true},
		{ActionCallNext, models.StateInProgress, false},
		{ActionFinish, models.StateInProgress, true},
		{ActionFinish, models.StateWaiting, false},
		{ActionFinish, models.StateFinished, false},
		{ActionMarkAbsent, models.StateInProgress, true},
		{ActionMarkAbsent, models.StateAbsent, false},
		{ActionMarkAbsent, models.StateWaiting, false},
		{"reopen", models.StateFinished, false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		expected string
		current  string
		want     error
	}{
		{models.StateInProgress, models.StateWaiting, ErrInvalidTransition},
		{models.StateInProgress, models.StateFinished, ErrStaleTicketState},
		{models.StateInProgress, models.StateAbsent, ErrStaleTicketState},
		{models.StateWaiting, models.StateInProgress, ErrStaleTicketState},
		{models.StateWaiting, models.StateFinished, ErrStaleTicketState},
	}
	for _, tt := range cases {
		if got := classify(tt.expected, tt.current); got != tt.want {
			t.Fatalf("classify(%q, %q)=%v, want %v", tt.expected, tt.current, got, tt.want)
		}
	}
}

func TestNextState(t *testing.T) {
	if to, ok := NextState(ActionMarkAbsent); !ok || to != models.StateAbsent {
		t.Fatalf("unexpected next state %q", to)
	}
	if _, ok := NextState("reopen"); ok {
		t.Fatalf("expected unknown action")
	}
}

package clock

import (
	"sync"
	"time"
)

// Clock is the single time source of the engine. Ticket timestamps and the
// service day used for numbering both come from it.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Real returns a Clock backed by the system time.
func Real() Clock { return realClock{} }

// Fake is a manually driven Clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Set(now time.Time) {
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

const DayLayout = "2006-01-02"

// Day returns the calendar day of t in loc, formatted as YYYY-MM-DD.
func Day(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DayLayout)
}

// ParseDay validates a YYYY-MM-DD service day.
func ParseDay(value string) (string, error) {
	parsed, err := time.Parse(DayLayout, value)
	if err != nil {
		return "", err
	}
	return parsed.Format(DayLayout), nil
}

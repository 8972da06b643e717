package queue

import "sync"

// clinicLocks serializes mutations of one clinic inside this process from
// commit through publish, so a ticket's events go out in lifecycle order.
type clinicLocks struct {
	mu    sync.Mutex
	locks map[string]*clinicLock
}

type clinicLock struct {
	mu   sync.Mutex
	refs int
}

func newClinicLocks() *clinicLocks {
	return &clinicLocks{locks: make(map[string]*clinicLock)}
}

func (l *clinicLocks) lock(clinicID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[clinicID]
	if !ok {
		entry = &clinicLock{}
		l.locks[clinicID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, clinicID)
		}
		l.mu.Unlock()
	}
}

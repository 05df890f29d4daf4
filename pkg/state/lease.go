package state

import (
	"sync"
)

// Leases hands out in-process exclusive per-subject leases. The embedded
// backends (memory, badger) are single-process, so a mutex-guarded set is
// sufficient; the postgres backend uses advisory locks instead so the
// exclusion holds across processes.
type Leases struct {
	mu   sync.Mutex
	held map[int64]bool
}

// NewLeases creates an empty lease registry.
func NewLeases() *Leases {
	return &Leases{held: make(map[int64]bool)}
}

// Acquire takes the subject's lease, or returns ErrLeaseHeld if a run
// already owns it. The returned release func is idempotent.
func (l *Leases) Acquire(subjectID int64) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[subjectID] {
		return nil, ErrLeaseHeld
	}
	l.held[subjectID] = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, subjectID)
			l.mu.Unlock()
		})
	}
	return release, nil
}

package session

import "sync"

// StateObserver exposes group-session eligibility as a readable value. In
// mock mode eligibility is always true once the coordinator is enabled;
// observers constructed before enabling are flipped by the coordinator at
// enable time. How host platforms subscribe to changes is out of scope; this
// type only guarantees a current, externally observable value.
type StateObserver struct {
	mu       sync.RWMutex
	eligible bool
}

// NewStateObserver creates an observer reporting the given initial
// eligibility.
func NewStateObserver(eligible bool) *StateObserver {
	return &StateObserver{eligible: eligible}
}

// EligibleForGroupSession reports whether a group session can be started.
func (o *StateObserver) EligibleForGroupSession() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.eligible
}

// SetEligible updates the observed value. Called by the coordinator when the
// mock is enabled, or by a real platform binding mirroring its observer.
func (o *StateObserver) SetEligible(v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.eligible = v
}

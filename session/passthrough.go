package session

import "github.com/c360/groupmock/errors"

// Passthrough forwards every call unchanged to an application-supplied real
// session. It is the implementation selected when mocking is disabled: callers
// hold the API interface, and whether they talk to the mock engine or the
// platform is fixed once at construction.
type Passthrough struct {
	real API
}

var _ API = (*Passthrough)(nil)

// NewPassthrough wraps a real session. real may be nil when no platform
// session is available; calls then fail with ErrNoRealTransport instead of
// reaching a transport that does not exist.
func NewPassthrough(real API) *Passthrough {
	return &Passthrough{real: real}
}

// ID returns the wrapped session's id, or "" without a real session.
func (p *Passthrough) ID() string {
	if p.real == nil {
		return ""
	}
	return p.real.ID()
}

// ActivityIdentifier returns the wrapped session's activity identifier, or ""
// without a real session.
func (p *Passthrough) ActivityIdentifier() string {
	if p.real == nil {
		return ""
	}
	return p.real.ActivityIdentifier()
}

// State returns the wrapped session's state. Without a real session it
// reports invalidated so observers settle instead of waiting forever.
func (p *Passthrough) State() State {
	if p.real == nil {
		return Invalidated(ReasonEnded)
	}
	return p.real.State()
}

// ActiveParticipants returns the wrapped session's participant set.
func (p *Passthrough) ActiveParticipants() map[Participant]struct{} {
	if p.real == nil {
		return map[Participant]struct{}{}
	}
	return p.real.ActiveParticipants()
}

// LocalParticipant returns the wrapped session's local participant.
func (p *Passthrough) LocalParticipant() (Participant, error) {
	if err := p.check("LocalParticipant"); err != nil {
		return Participant{}, err
	}
	return p.real.LocalParticipant()
}

// Join delegates to the wrapped session.
func (p *Passthrough) Join() error {
	if err := p.check("Join"); err != nil {
		return err
	}
	return p.real.Join()
}

// Leave delegates to the wrapped session.
func (p *Passthrough) Leave() error {
	if err := p.check("Leave"); err != nil {
		return err
	}
	return p.real.Leave()
}

// End delegates to the wrapped session.
func (p *Passthrough) End() error {
	if err := p.check("End"); err != nil {
		return err
	}
	return p.real.End()
}

func (p *Passthrough) check(method string) error {
	if p.real == nil {
		return errors.WrapFatal(errors.ErrNoRealTransport, "Passthrough", method,
			"delegate to real session")
	}
	return nil
}

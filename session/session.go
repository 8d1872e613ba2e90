// Package session implements the session lifecycle engine: the session state
// machine, the per-activity-type registry with its blocking session
// sequence, and the participant model.
//
// A Session moves through waiting → joined → invalidated as relay
// notifications arrive for its id. Notifications naming any other session id
// leave it untouched. Once invalidated it is evicted from the registry's
// current slot, but the object stays valid for any holder that kept a
// reference.
package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/c360/groupmock/activity"
	"github.com/c360/groupmock/errors"
)

// Phase is the coarse lifecycle phase of a session.
type Phase int

const (
	// PhaseWaiting means no peer has confirmed the join yet
	PhaseWaiting Phase = iota
	// PhaseJoined means the join was confirmed
	PhaseJoined
	// PhaseInvalidated is terminal; see InvalidationReason
	PhaseInvalidated
)

// String returns the string representation of Phase
func (p Phase) String() string {
	switch p {
	case PhaseWaiting:
		return "waiting"
	case PhaseJoined:
		return "joined"
	case PhaseInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// InvalidationReason records why a session became invalidated.
type InvalidationReason int

const (
	// ReasonNone applies to sessions that are not invalidated
	ReasonNone InvalidationReason = iota
	// ReasonLeft means the local participant left the session
	ReasonLeft
	// ReasonEnded means the session was ended for all participants
	ReasonEnded
)

// String returns the string representation of InvalidationReason
func (r InvalidationReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonLeft:
		return "left"
	case ReasonEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// State is the tagged session state: a phase plus, for invalidated sessions,
// the reason.
type State struct {
	Phase  Phase
	Reason InvalidationReason
}

// Waiting returns the initial session state.
func Waiting() State { return State{Phase: PhaseWaiting} }

// Joined returns the confirmed session state.
func Joined() State { return State{Phase: PhaseJoined} }

// Invalidated returns a terminal state with the given reason.
func Invalidated(reason InvalidationReason) State {
	return State{Phase: PhaseInvalidated, Reason: reason}
}

// Participant identifies one session member. Equality and hashing are
// identity-only: two Participant values with the same ID are
// interchangeable regardless of how they were constructed.
type Participant struct {
	ID uuid.UUID
}

// ParticipantFromString parses a participant id.
func ParticipantFromString(s string) (Participant, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return Participant{}, errors.WrapInvalid(err, "session", "ParticipantFromString", "parse participant id")
	}
	return Participant{ID: id}, nil
}

// PackParticipants converts a decoded id list into a participant set,
// dropping unparseable entries.
func PackParticipants(ids []string) map[Participant]struct{} {
	set := make(map[Participant]struct{}, len(ids))
	for _, raw := range ids {
		p, err := ParticipantFromString(raw)
		if err != nil {
			continue
		}
		set[p] = struct{}{}
	}
	return set
}

// Controller is the session's channel back to the coordinator for emitting
// lifecycle commands. Implemented by coordinator.Coordinator.
type Controller interface {
	JoinSession(identifier, sessionID string) error
	LeaveSession(identifier, sessionID string) error
	EndSession(identifier, sessionID string) error
	LocalParticipant() (Participant, bool)
}

// API is the capability surface shared by mock and real sessions. The
// implementation is selected once at construction: the mock engine yields
// *Session values, a real platform binding supplies its own implementation,
// and callers hold the interface without per-call mode branching.
type API interface {
	ID() string
	ActivityIdentifier() string
	State() State
	ActiveParticipants() map[Participant]struct{}
	LocalParticipant() (Participant, error)
	Join() error
	Leave() error
	End() error
}

// Session is one instantiated run of an activity, shared by a set of
// participants. All methods are safe for concurrent use.
type Session struct {
	id         string
	identifier string
	activity   activity.Activity
	controller Controller

	mu           sync.Mutex
	state        State
	participants map[Participant]struct{}
}

var _ API = (*Session)(nil)

// New creates a session in the waiting state.
func New(identifier, id string, act activity.Activity, controller Controller) *Session {
	return &Session{
		id:           id,
		identifier:   identifier,
		activity:     act,
		controller:   controller,
		state:        Waiting(),
		participants: make(map[Participant]struct{}),
	}
}

// ID returns the relay-assigned session id, an opaque string unique for
// the session's lifetime.
func (s *Session) ID() string { return s.id }

// ActivityIdentifier returns the identifier of the session's activity type.
func (s *Session) ActivityIdentifier() string { return s.identifier }

// Activity returns the session's activity payload.
func (s *Session) Activity() activity.Activity { return s.activity }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActiveParticipants returns a copy of the current participant set.
func (s *Session) ActiveParticipants() map[Participant]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[Participant]struct{}, len(s.participants))
	for p := range s.participants {
		out[p] = struct{}{}
	}
	return out
}

// LocalParticipant returns the relay-assigned local participant. It fails
// until the connected notification has been observed.
func (s *Session) LocalParticipant() (Participant, error) {
	p, ok := s.controller.LocalParticipant()
	if !ok {
		return Participant{}, errors.WrapTransient(errors.ErrNotReady, "Session", "LocalParticipant",
			"resolve local participant")
	}
	return p, nil
}

// Join requests that the local participant join this session. Joining an
// invalidated session fails with ErrSessionEnded.
func (s *Session) Join() error {
	if err := s.checkLive("Join"); err != nil {
		return err
	}
	return s.controller.JoinSession(s.identifier, s.id)
}

// Leave requests that the local participant leave this session.
func (s *Session) Leave() error {
	if err := s.checkLive("Leave"); err != nil {
		return err
	}
	return s.controller.LeaveSession(s.identifier, s.id)
}

// End ends this session for all participants.
func (s *Session) End() error {
	if err := s.checkLive("End"); err != nil {
		return err
	}
	return s.controller.EndSession(s.identifier, s.id)
}

func (s *Session) checkLive(method string) error {
	s.mu.Lock()
	invalidated := s.state.Phase == PhaseInvalidated
	s.mu.Unlock()
	if invalidated {
		return errors.WrapInvalid(errors.ErrSessionEnded, "Session", method,
			method+" session "+s.id)
	}
	return nil
}

// setState applies a lifecycle transition. Transitions out of the
// invalidated phase are rejected.
func (s *Session) setState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Phase == PhaseInvalidated {
		return
	}
	s.state = next
}

// setParticipants replaces the active participant set.
func (s *Session) setParticipants(set map[Participant]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set == nil {
		set = make(map[Participant]struct{})
	}
	s.participants = set
}

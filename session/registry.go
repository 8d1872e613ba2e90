package session

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/c360/groupmock/errors"
	"github.com/c360/groupmock/pkg/queue"
)

// Registry tracks the sessions of one activity type: the current session and
// an unbounded backlog of discovered sessions awaiting consumption by a
// Sequence. Exactly one registry exists per activity type for the process
// lifetime; it is created lazily by the coordinator and cached.
type Registry struct {
	mu      sync.Mutex
	current *Session
	backlog *queue.Queue[*Session]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		backlog: queue.New[*Session](),
	}
}

// Add records a newly discovered session: it becomes the current session and
// is appended to the backlog for the sequence to yield.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.current = s
	r.mu.Unlock()
	r.backlog.Push(s)
}

// Current returns the most recently added session, or nil if none is active.
func (r *Registry) Current() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Matches reports whether the given id names the current session. Lifecycle
// notifications for any other id must produce no state change.
func (r *Registry) Matches(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil && r.current.id == id
}

// HandleJoined transitions the current session to joined if the id matches.
func (r *Registry) HandleJoined(id string) {
	if s := r.matching(id); s != nil {
		s.setState(Joined())
	}
}

// HandleLeft invalidates the current session with reason left and clears the
// current slot. The session object stays retrievable by existing holders.
func (r *Registry) HandleLeft(id string) {
	if s := r.matching(id); s != nil {
		s.setState(Invalidated(ReasonLeft))
		r.clearCurrent(s)
	}
}

// HandleEnded invalidates the current session with reason ended and clears
// the current slot.
func (r *Registry) HandleEnded(id string) {
	if s := r.matching(id); s != nil {
		s.setState(Invalidated(ReasonEnded))
		r.clearCurrent(s)
	}
}

// HandleParticipantsChanged replaces the current session's participant set
// if the id matches.
func (r *Registry) HandleParticipantsChanged(id string, participants map[Participant]struct{}) {
	if s := r.matching(id); s != nil {
		s.setParticipants(participants)
	}
}

func (r *Registry) matching(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.id != id {
		return nil
	}
	return r.current
}

func (r *Registry) clearCurrent(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == s {
		r.current = nil
	}
}

// Close drains the backlog and unblocks pending Sequence.Next calls with
// ErrSequenceConsumed. Called when the coordinator shuts down.
func (r *Registry) Close() {
	r.backlog.Close()
}

// QueryFunc asks the relay for session state when the backlog is empty.
// lastSessionID is the current session's id, or empty when none has been
// seen, so the relay can answer "next after X".
type QueryFunc func(lastSessionID string)

// Sequence is the lazy, potentially-infinite sequence of sessions discovered
// for one activity type. It is shared per registry, not per consumer:
// concurrent Next calls race to drain one backlog, and each session is
// yielded exactly once.
type Sequence struct {
	registry *Registry
	query    QueryFunc
}

// NewSequence creates the sequence for a registry. query may be nil when no
// relay round-trip is wanted (tests, peer mode bootstrap).
func NewSequence(registry *Registry, query QueryFunc) *Sequence {
	return &Sequence{registry: registry, query: query}
}

// Next yields the next discovered session. If the backlog is empty it first
// emits a query_session command, then suspends until a session arrives or
// the context is done.
func (s *Sequence) Next(ctx context.Context) (*Session, error) {
	if sess, ok := s.registry.backlog.TryPop(); ok {
		return sess, nil
	}

	if s.query != nil {
		last := ""
		if cur := s.registry.Current(); cur != nil {
			last = cur.ID()
		}
		s.query(last)
	}

	sess, err := s.registry.backlog.Pop(ctx)
	if stderrors.Is(err, queue.ErrClosed) {
		return nil, errors.WrapInvalid(errors.ErrSequenceConsumed, "Sequence", "Next",
			"wait for next session")
	}
	return sess, err
}

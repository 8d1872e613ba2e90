// Package relayserver implements the relay side of the group-activity
// wire protocol: a Broker that reduces client commands to notification
// deliveries, and a WebSocket Server that fans those deliveries out to
// connected clients. Tests and the groupmock-relay binary both run it;
// the peer transport reuses the Broker without the server.
package relayserver

import (
	"sync"

	"github.com/google/uuid"

	"github.com/c360/groupmock/protocol"
)

// Delivery is one notification addressed by the broker. A zero To means
// every connection except Exclude; otherwise only To receives it.
type Delivery struct {
	To      uuid.UUID
	Exclude uuid.UUID
	Note    protocol.Notification
}

// broadcast addresses every connection.
func broadcast(n protocol.Notification) Delivery {
	return Delivery{Note: n}
}

// only addresses a single participant.
func only(to uuid.UUID, n protocol.Notification) Delivery {
	return Delivery{To: to, Note: n}
}

// activityState is the broker's view of one activity identifier: the
// current session and which participants have joined it, in join order.
type activityState struct {
	sessionID    string
	activityData string
	joined       []uuid.UUID
}

func (s *activityState) join(p uuid.UUID) {
	for _, id := range s.joined {
		if id == p {
			return
		}
	}
	s.joined = append(s.joined, p)
}

func (s *activityState) leave(p uuid.UUID) {
	for i, id := range s.joined {
		if id == p {
			s.joined = append(s.joined[:i], s.joined[i+1:]...)
			return
		}
	}
}

func (s *activityState) joinedIDs() []string {
	ids := make([]string, len(s.joined))
	for i, id := range s.joined {
		ids[i] = id.String()
	}
	return ids
}

// Broker reduces commands to deliveries. It holds all relay session
// state and is safe for concurrent use. Given the same command order it
// produces the same deliveries, which is what lets relay-less peers each
// run their own copy against a shared ordered command stream.
type Broker struct {
	mu         sync.Mutex
	activities map[string]*activityState

	// sessionID synthesizes ids for activate commands that carry none.
	sessionID func() string
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		activities: make(map[string]*activityState),
		sessionID:  uuid.NewString,
	}
}

// Apply reduces one command from participant from, returning the
// deliveries it produces. Commands referencing an unknown activity or a
// stale session id produce none.
func (b *Broker) Apply(from uuid.UUID, cmd protocol.Command) []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch cmd.Action {
	case protocol.ActionActivate:
		return b.applyActivate(cmd)
	case protocol.ActionQuerySession:
		return b.applyQuerySession(from, cmd)
	case protocol.ActionJoinSession:
		return b.applyJoin(from, cmd)
	case protocol.ActionLeaveSession:
		return b.applyLeave(from, cmd)
	case protocol.ActionEndSession:
		return b.applyEnd(cmd)
	case protocol.ActionSendMessage:
		return b.applySendMessage(from, cmd)
	default:
		return nil
	}
}

// applyActivate starts a fresh session for the identifier, replacing any
// previous one. The sender may pin the session id; otherwise one is
// synthesized.
func (b *Broker) applyActivate(cmd protocol.Command) []Delivery {
	id := cmd.SessionID
	if id == "" {
		id = b.sessionID()
	}
	b.activities[cmd.Identifier] = &activityState{
		sessionID:    id,
		activityData: cmd.ActivityData,
	}
	return []Delivery{broadcast(protocol.Notification{
		Type:         protocol.NotifySessionStarted,
		Identifier:   cmd.Identifier,
		SessionID:    id,
		ActivityData: cmd.ActivityData,
	})}
}

// applyQuerySession re-announces the current session to the asker,
// unless the asker already knows it, in which case the asker waits for
// the next session to start.
func (b *Broker) applyQuerySession(from uuid.UUID, cmd protocol.Command) []Delivery {
	st, ok := b.activities[cmd.Identifier]
	if !ok || st.sessionID == cmd.SessionID {
		return nil
	}
	return []Delivery{only(from, protocol.Notification{
		Type:         protocol.NotifySessionStarted,
		Identifier:   cmd.Identifier,
		SessionID:    st.sessionID,
		ActivityData: st.activityData,
	})}
}

func (b *Broker) applyJoin(from uuid.UUID, cmd protocol.Command) []Delivery {
	st := b.current(cmd.Identifier, cmd.SessionID)
	if st == nil {
		return nil
	}
	st.join(from)
	return []Delivery{
		broadcast(protocol.Notification{
			Type:       protocol.NotifySessionJoined,
			Identifier: cmd.Identifier,
			SessionID:  st.sessionID,
		}),
		b.participantsChanged(cmd.Identifier, st),
	}
}

// applyLeave notifies the leaver alone; the session keeps running for
// everyone else, who only see the participant set shrink.
func (b *Broker) applyLeave(from uuid.UUID, cmd protocol.Command) []Delivery {
	st := b.current(cmd.Identifier, cmd.SessionID)
	if st == nil {
		return nil
	}
	st.leave(from)
	return []Delivery{
		only(from, protocol.Notification{
			Type:       protocol.NotifySessionLeft,
			Identifier: cmd.Identifier,
			SessionID:  st.sessionID,
		}),
		b.participantsChanged(cmd.Identifier, st),
	}
}

func (b *Broker) applyEnd(cmd protocol.Command) []Delivery {
	st := b.current(cmd.Identifier, cmd.SessionID)
	if st == nil {
		return nil
	}
	delete(b.activities, cmd.Identifier)
	return []Delivery{broadcast(protocol.Notification{
		Type:       protocol.NotifySessionEnded,
		Identifier: cmd.Identifier,
		SessionID:  st.sessionID,
	})}
}

// applySendMessage fans a message out, never back to its sender. An
// empty recipient list means everyone; a non-empty list restricts
// delivery to the named participants.
func (b *Broker) applySendMessage(from uuid.UUID, cmd protocol.Command) []Delivery {
	st := b.current(cmd.Identifier, cmd.SessionID)
	if st == nil {
		return nil
	}
	note := protocol.Notification{
		Type:            protocol.NotifySendMessage,
		Identifier:      cmd.Identifier,
		SessionID:       st.sessionID,
		Source:          cmd.Source,
		MessageTypeName: cmd.MessageTypeName,
		MessageValue:    cmd.MessageValue,
	}

	if len(cmd.ParticipantIDs) == 0 {
		return []Delivery{{Exclude: from, Note: note}}
	}

	var out []Delivery
	for _, raw := range cmd.ParticipantIDs {
		to, err := uuid.Parse(raw)
		if err != nil || to == from {
			continue
		}
		out = append(out, only(to, note))
	}
	return out
}

// current returns the state for identifier when sessionID names its
// live session, nil otherwise.
func (b *Broker) current(identifier, sessionID string) *activityState {
	st, ok := b.activities[identifier]
	if !ok || st.sessionID != sessionID {
		return nil
	}
	return st
}

func (b *Broker) participantsChanged(identifier string, st *activityState) Delivery {
	return broadcast(protocol.Notification{
		Type:          protocol.NotifyParticipantsChanged,
		Identifier:    identifier,
		SessionID:     st.sessionID,
		ParticipantID: protocol.JoinParticipantIDs(st.joinedIDs()),
	})
}

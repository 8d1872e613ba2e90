// Package messenger carries typed messages between participants of a
// group session. Message identity on the wire is the explicit type name
// supplied by the caller, never a reflected Go type, so peers written in
// other languages interoperate as long as they agree on names and JSON
// shapes.
package messenger

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/c360/groupmock/errors"
	"github.com/c360/groupmock/pkg/queue"
	"github.com/c360/groupmock/session"
)

// Session is the slice of session state the messenger needs.
type Session interface {
	ID() string
	ActivityIdentifier() string
}

// Sender submits an outgoing message command to the transport. The
// coordinator implements it.
type Sender interface {
	SendMessage(ctx context.Context, identifier, sessionID, typeName, value string, recipients []session.Participant) error
}

// Recipients selects which participants receive a message.
type Recipients struct {
	only []session.Participant
}

// All addresses every participant in the session except the sender.
func All() Recipients { return Recipients{} }

// Only addresses the given participants. The sender never receives its
// own messages even if listed.
func Only(participants ...session.Participant) Recipients {
	return Recipients{only: participants}
}

// Messenger sends and receives messages for one session.
type Messenger struct {
	session  Session
	registry *ReceiverRegistry
	sender   Sender
}

// New binds a messenger to a session. The registry routes inbound
// payloads; the sender carries outbound ones.
func New(sess Session, registry *ReceiverRegistry, sender Sender) *Messenger {
	return &Messenger{
		session:  sess,
		registry: registry,
		sender:   sender,
	}
}

// Session returns the session this messenger is bound to.
func (m *Messenger) Session() Session { return m.session }

// Messages is a receiver for one message type. Receivers created for the
// same type name on the same activity share one inbox: each message goes
// to exactly one of them.
type Messages[T any] struct {
	slot     *slot
	typeName string
}

// Of opens a receiver for typeName, decoding payloads into T. The first
// receiver opened for a type name fixes its decoder; later receivers for
// the same name share the inbox and must use a compatible T.
func Of[T any](m *Messenger, typeName string) *Messages[T] {
	decode := func(value string) (any, error) {
		var v T
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return &Messages[T]{
		slot:     m.registry.open(m.session.ActivityIdentifier(), typeName, decode),
		typeName: typeName,
	}
}

// Next blocks until a message of this receiver's type arrives, returning
// the decoded value and the sending participant.
func (r *Messages[T]) Next(ctx context.Context) (T, session.Participant, error) {
	var zero T

	d, err := r.slot.queue.Pop(ctx)
	if err != nil {
		if stderrors.Is(err, queue.ErrClosed) {
			return zero, session.Participant{}, errors.Wrap(errors.ErrShuttingDown, "messenger", "Next",
				"waiting for "+r.typeName)
		}
		return zero, session.Participant{}, errors.WrapTransient(err, "messenger", "Next", "waiting for "+r.typeName)
	}
	v, ok := d.Value.(T)
	if !ok {
		// A receiver with a different T registered this slot first.
		return zero, session.Participant{}, errors.WrapInvalid(errors.ErrInvalidData, "messenger", "Next",
			"message decoded as a different receiver type for "+r.typeName)
	}
	return v, d.Source, nil
}

// Pending reports how many messages are buffered for this receiver's type.
func (r *Messages[T]) Pending() int { return r.slot.queue.Len() }

// Send encodes value as JSON and submits it under the given type name.
func Send[T any](ctx context.Context, m *Messenger, typeName string, value T, to Recipients) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.WrapInvalid(err, "messenger", "Send", "encoding "+typeName)
	}
	return m.sender.SendMessage(ctx, m.session.ActivityIdentifier(), m.session.ID(), typeName, string(data), to.only)
}

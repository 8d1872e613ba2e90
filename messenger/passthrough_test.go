package messenger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/groupmock/errors"
	"github.com/c360/groupmock/session"
)

func TestPassthroughDelegatesSend(t *testing.T) {
	real := &fakeSender{}
	p := NewPassthrough(real)

	recipient := session.Participant{ID: uuid.New()}
	err := p.SendMessage(context.Background(), "com.example.Watch", "sess-1",
		"chat", `{"text":"hi"}`, []session.Participant{recipient})
	require.NoError(t, err)

	require.Len(t, real.sent, 1)
	got := real.sent[0]
	assert.Equal(t, "com.example.Watch", got.identifier)
	assert.Equal(t, "sess-1", got.sessionID)
	assert.Equal(t, "chat", got.typeName)
	assert.Equal(t, `{"text":"hi"}`, got.value)
	assert.Equal(t, []session.Participant{recipient}, got.recipients)
}

func TestPassthroughWithoutRealTransport(t *testing.T) {
	p := NewPassthrough(nil)

	err := p.SendMessage(context.Background(), "com.example.Watch", "sess-1", "chat", "{}", nil)
	assert.ErrorIs(t, err, errors.ErrNoRealTransport)
	assert.True(t, errors.IsFatal(err))
}

func TestMessengerSendsThroughPassthrough(t *testing.T) {
	real := &fakeSender{}
	registry, err := NewReceiverRegistry(nil, nil)
	require.NoError(t, err)

	sess := &fakeSession{id: "sess-1", identifier: "com.example.Watch"}
	m := New(sess, registry, NewPassthrough(real))

	require.NoError(t, Send(context.Background(), m, "chat", chatMessage{Text: "hello"}, All()))
	require.Len(t, real.sent, 1)
	assert.Equal(t, "chat", real.sent[0].typeName)
}

package relayserver

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/c360/groupmock/protocol"
)

// testClient is a raw WebSocket client used to exercise the relay
// contract without going through the higher-level connection code.
type testClient struct {
	t     *testing.T
	conn  *websocket.Conn
	id    string
	notes chan protocol.Notification
}

func dialTestClient(t *testing.T, url string) *testClient {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c := &testClient{
		t:     t,
		conn:  conn,
		notes: make(chan protocol.Notification, 64),
	}
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(c.notes)
				return
			}
			n, err := protocol.DecodeNotification(string(data))
			if err != nil {
				continue
			}
			c.notes <- n
		}
	}()

	// First frame is always the participant id assignment.
	greeting := c.expect(protocol.NotifyConnected)
	c.id = greeting.ParticipantID
	require.NotEmpty(t, c.id)
	_, err = uuid.Parse(c.id)
	require.NoError(t, err, "assigned participant id must be a uuid")
	return c
}

func (c *testClient) send(cmd protocol.Command) {
	c.t.Helper()
	text, err := protocol.EncodeCommand(cmd)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

func (c *testClient) expect(noteType string) protocol.Notification {
	c.t.Helper()
	select {
	case n, ok := <-c.notes:
		require.True(c.t, ok, "connection closed while waiting for %s", noteType)
		require.Equal(c.t, noteType, n.Type)
		return n
	case <-time.After(5 * time.Second):
		c.t.Fatalf("timed out waiting for %s", noteType)
		return protocol.Notification{}
	}
}

func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	select {
	case n := <-c.notes:
		c.t.Fatalf("unexpected notification %q", n.Type)
	case <-time.After(d):
	}
}

func startTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	s, err := NewServer(cfg, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(5 * time.Second) })
	return s
}

func ephemeralConfig() Config {
	cfg := DefaultConfig()
	cfg.Port = 0
	return cfg
}

func TestServerAssignsDistinctParticipantIDs(t *testing.T) {
	s := startTestServer(t, ephemeralConfig())

	a := dialTestClient(t, s.URL())
	b := dialTestClient(t, s.URL())
	assert.NotEqual(t, a.id, b.id)
}

func TestSessionLifecycleContract(t *testing.T) {
	s := startTestServer(t, ephemeralConfig())

	a := dialTestClient(t, s.URL())
	b := dialTestClient(t, s.URL())

	// activate: everyone learns about the new session.
	a.send(protocol.Activate(watchActivity, `{"episode":1}`))
	started := a.expect(protocol.NotifySessionStarted)
	sessionID := started.SessionID
	require.NotEmpty(t, sessionID)
	got := b.expect(protocol.NotifySessionStarted)
	assert.Equal(t, sessionID, got.SessionID)
	assert.Equal(t, `{"episode":1}`, got.ActivityData)

	// Both join.
	a.send(protocol.JoinSession(watchActivity, sessionID))
	a.expect(protocol.NotifySessionJoined)
	a.expect(protocol.NotifyParticipantsChanged)
	b.expect(protocol.NotifySessionJoined)
	b.expect(protocol.NotifyParticipantsChanged)

	b.send(protocol.JoinSession(watchActivity, sessionID))
	a.expect(protocol.NotifySessionJoined)
	changed := a.expect(protocol.NotifyParticipantsChanged)
	assert.ElementsMatch(t, []string{a.id, b.id}, protocol.SplitParticipantIDs(changed.ParticipantID))
	b.expect(protocol.NotifySessionJoined)
	b.expect(protocol.NotifyParticipantsChanged)

	// N messages from a: b sees all of them, a sees none.
	const n = 3
	for i := 0; i < n; i++ {
		a.send(protocol.SendMessage(watchActivity, sessionID, a.id, "ChatMessage", `{"text":"hi"}`, nil))
	}
	for i := 0; i < n; i++ {
		msg := b.expect(protocol.NotifySendMessage)
		assert.Equal(t, a.id, msg.Source)
		assert.Equal(t, "ChatMessage", msg.MessageTypeName)
	}
	a.expectSilence(200 * time.Millisecond)

	// end: everyone is told.
	a.send(protocol.EndSession(watchActivity, sessionID))
	a.expect(protocol.NotifySessionEnded)
	b.expect(protocol.NotifySessionEnded)
}

func TestRecipientFiltering(t *testing.T) {
	s := startTestServer(t, ephemeralConfig())

	sender := dialTestClient(t, s.URL())
	chosen := dialTestClient(t, s.URL())
	bystander := dialTestClient(t, s.URL())

	sender.send(protocol.Activate(watchActivity, "{}"))
	sessionID := sender.expect(protocol.NotifySessionStarted).SessionID
	chosen.expect(protocol.NotifySessionStarted)
	bystander.expect(protocol.NotifySessionStarted)

	sender.send(protocol.SendMessage(watchActivity, sessionID, sender.id, "ChatMessage", `{"text":"psst"}`,
		[]string{chosen.id}))

	msg := chosen.expect(protocol.NotifySendMessage)
	assert.Equal(t, `{"text":"psst"}`, msg.MessageValue)
	bystander.expectSilence(200 * time.Millisecond)
	sender.expectSilence(50 * time.Millisecond)
}

func TestQuerySessionReplayOverWire(t *testing.T) {
	s := startTestServer(t, ephemeralConfig())

	a := dialTestClient(t, s.URL())
	a.send(protocol.Activate(watchActivity, "ep"))
	sessionID := a.expect(protocol.NotifySessionStarted).SessionID

	// A late joiner asks and gets the running session replayed.
	late := dialTestClient(t, s.URL())
	late.send(protocol.QuerySession(watchActivity, ""))
	replay := late.expect(protocol.NotifySessionStarted)
	assert.Equal(t, sessionID, replay.SessionID)
	assert.Equal(t, "ep", replay.ActivityData)

	// Asking again with the id it already knows yields nothing.
	late.send(protocol.QuerySession(watchActivity, sessionID))
	late.expectSilence(200 * time.Millisecond)
}

func TestLeaveKeepsOthersJoined(t *testing.T) {
	s := startTestServer(t, ephemeralConfig())

	a := dialTestClient(t, s.URL())
	b := dialTestClient(t, s.URL())

	a.send(protocol.Activate(watchActivity, "{}"))
	sessionID := a.expect(protocol.NotifySessionStarted).SessionID
	b.expect(protocol.NotifySessionStarted)

	a.send(protocol.JoinSession(watchActivity, sessionID))
	a.expect(protocol.NotifySessionJoined)
	a.expect(protocol.NotifyParticipantsChanged)
	b.expect(protocol.NotifySessionJoined)
	b.expect(protocol.NotifyParticipantsChanged)

	b.send(protocol.JoinSession(watchActivity, sessionID))
	a.expect(protocol.NotifySessionJoined)
	a.expect(protocol.NotifyParticipantsChanged)
	b.expect(protocol.NotifySessionJoined)
	b.expect(protocol.NotifyParticipantsChanged)

	a.send(protocol.LeaveSession(watchActivity, sessionID))
	left := a.expect(protocol.NotifySessionLeft)
	assert.Equal(t, sessionID, left.SessionID)
	a.expect(protocol.NotifyParticipantsChanged)

	// b only sees the participant set shrink.
	changed := b.expect(protocol.NotifyParticipantsChanged)
	assert.Equal(t, []string{b.id}, protocol.SplitParticipantIDs(changed.ParticipantID))
	b.expectSilence(200 * time.Millisecond)
}

func TestInvalidCommandsAreDropped(t *testing.T) {
	s := startTestServer(t, ephemeralConfig())

	a := dialTestClient(t, s.URL())

	// Undecodable frame, unknown action, missing required field: all
	// ignored without killing the connection.
	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	a.send(protocol.Command{Action: "dance"})
	a.send(protocol.Command{Action: protocol.ActionJoinSession})
	a.expectSilence(200 * time.Millisecond)

	a.send(protocol.Activate(watchActivity, "{}"))
	a.expect(protocol.NotifySessionStarted)
}

func TestBinaryFramesIgnored(t *testing.T) {
	s := startTestServer(t, ephemeralConfig())

	a := dialTestClient(t, s.URL())
	require.NoError(t, a.conn.WriteMessage(websocket.BinaryMessage, []byte{0xde, 0xad}))

	a.send(protocol.Activate(watchActivity, "{}"))
	a.expect(protocol.NotifySessionStarted)
}

func TestRateLimiterDropsExcessCommands(t *testing.T) {
	cfg := ephemeralConfig()
	cfg.RateLimit = rate.Limit(0.001)
	cfg.RateBurst = 1
	s := startTestServer(t, cfg)

	a := dialTestClient(t, s.URL())
	for i := 0; i < 3; i++ {
		a.send(protocol.Activate(watchActivity, "{}"))
	}

	a.expect(protocol.NotifySessionStarted)
	a.expectSilence(300 * time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	s, err := NewServer(ephemeralConfig(), nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(5*time.Second))
	require.NoError(t, s.Stop(5*time.Second))
}

func TestNewServerValidatesConfig(t *testing.T) {
	_, err := NewServer(Config{Path: ""}, nil, nil, nil)
	require.Error(t, err)

	_, err = NewServer(Config{Path: "/ws", Port: -1}, nil, nil, nil)
	require.Error(t, err)
}

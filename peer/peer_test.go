package peer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/groupmock/protocol"
)

const watchActivity = "com.example.Watch"

// fakeHub is an in-process pub/sub. Publish delivers to every subscriber
// synchronously under one lock, which models the subject's total order.
type fakeHub struct {
	mu   sync.Mutex
	subs map[string][]func(context.Context, []byte)
}

func newFakeHub() *fakeHub {
	return &fakeHub{subs: make(map[string][]func(context.Context, []byte))}
}

func (h *fakeHub) publish(subject string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, fn := range h.subs[subject] {
		fn(context.Background(), data)
	}
}

type fakeBus struct {
	hub *fakeHub
}

func (b *fakeBus) Connect(context.Context) error { return nil }
func (b *fakeBus) Flush(context.Context) error   { return nil }
func (b *fakeBus) Close(context.Context) error   { return nil }

func (b *fakeBus) Publish(_ context.Context, subject string, data []byte) error {
	b.hub.publish(subject, data)
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, subject string, handler func(context.Context, []byte)) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	b.hub.subs[subject] = append(b.hub.subs[subject], handler)
	return nil
}

// collector accumulates the notifications a peer derives.
type collector struct {
	mu    sync.Mutex
	notes []protocol.Notification
}

func (c *collector) add(n protocol.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, n)
}

func (c *collector) ofType(notifyType string) []protocol.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Notification
	for _, n := range c.notes {
		if n.Type == notifyType {
			out = append(out, n)
		}
	}
	return out
}

func newTestPeer(t *testing.T, hub *fakeHub) (*Transport, *collector) {
	t.Helper()
	col := &collector{}
	tr, err := New(DefaultConfig(), col.add, nil, nil)
	require.NoError(t, err)
	tr.client = &fakeBus{hub: hub}

	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	require.NoError(t, tr.WaitReady(ctx))
	t.Cleanup(func() { _ = tr.Close() })
	return tr, col
}

func TestNewRejectsBadConfig(t *testing.T) {
	handler := func(protocol.Notification) {}

	cfg := DefaultConfig()
	cfg.URL = ""
	_, err := New(cfg, handler, nil, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Subject = ""
	_, err = New(cfg, handler, nil, nil)
	assert.Error(t, err)

	_, err = New(DefaultConfig(), nil, nil, nil)
	assert.Error(t, err)
}

func TestConnectAnnouncesSelfFirst(t *testing.T) {
	tr, col := newTestPeer(t, newFakeHub())

	require.NotEmpty(t, col.notes)
	first := col.notes[0]
	assert.Equal(t, protocol.NotifyConnected, first.Type)
	assert.Equal(t, tr.Self().String(), first.ParticipantID)
}

func TestActivatePinsSessionID(t *testing.T) {
	hub := newFakeHub()
	p1, c1 := newTestPeer(t, hub)
	_, c2 := newTestPeer(t, hub)
	p1.sessionID = func() string { return "S1" }

	ctx := context.Background()
	require.NoError(t, p1.Send(ctx, protocol.Activate(watchActivity, "{}")))

	for _, col := range []*collector{c1, c2} {
		started := col.ofType(protocol.NotifySessionStarted)
		require.Len(t, started, 1)
		assert.Equal(t, "S1", started[0].SessionID)
	}
}

func TestPeersDeriveSameLifecycle(t *testing.T) {
	hub := newFakeHub()
	p1, c1 := newTestPeer(t, hub)
	p2, c2 := newTestPeer(t, hub)
	ctx := context.Background()

	require.NoError(t, p1.Send(ctx, protocol.Activate(watchActivity, "{}")))
	started := c1.ofType(protocol.NotifySessionStarted)
	require.Len(t, started, 1)
	sessionID := started[0].SessionID

	require.NoError(t, p1.Send(ctx, protocol.JoinSession(watchActivity, sessionID)))
	require.NoError(t, p2.Send(ctx, protocol.JoinSession(watchActivity, sessionID)))

	// Both replicas agree on the final participant set.
	for _, col := range []*collector{c1, c2} {
		changes := col.ofType(protocol.NotifyParticipantsChanged)
		require.NotEmpty(t, changes)
		last := changes[len(changes)-1]
		assert.ElementsMatch(t,
			[]string{p1.Self().String(), p2.Self().String()},
			protocol.SplitParticipantIDs(last.ParticipantID))
	}

	require.NoError(t, p1.Send(ctx, protocol.EndSession(watchActivity, sessionID)))
	for _, col := range []*collector{c1, c2} {
		assert.Len(t, col.ofType(protocol.NotifySessionEnded), 1)
	}
}

func TestSenderExcludedFromOwnMessage(t *testing.T) {
	hub := newFakeHub()
	p1, c1 := newTestPeer(t, hub)
	p2, c2 := newTestPeer(t, hub)
	ctx := context.Background()

	require.NoError(t, p1.Send(ctx, protocol.Activate(watchActivity, "{}")))
	sessionID := c1.ofType(protocol.NotifySessionStarted)[0].SessionID
	require.NoError(t, p1.Send(ctx, protocol.JoinSession(watchActivity, sessionID)))
	require.NoError(t, p2.Send(ctx, protocol.JoinSession(watchActivity, sessionID)))

	require.NoError(t, p1.Send(ctx, protocol.SendMessage(
		watchActivity, sessionID, p1.Self().String(), "WatchParty", `{"episode":3}`, nil)))

	assert.Empty(t, c1.ofType(protocol.NotifySendMessage), "sender does not hear its own message")
	got := c2.ofType(protocol.NotifySendMessage)
	require.Len(t, got, 1)
	assert.Equal(t, `{"episode":3}`, got[0].MessageValue)
	assert.Equal(t, p1.Self().String(), got[0].Source)
}

func TestLeaveNotifiesLeaverOnly(t *testing.T) {
	hub := newFakeHub()
	p1, c1 := newTestPeer(t, hub)
	p2, c2 := newTestPeer(t, hub)
	ctx := context.Background()

	require.NoError(t, p1.Send(ctx, protocol.Activate(watchActivity, "{}")))
	sessionID := c1.ofType(protocol.NotifySessionStarted)[0].SessionID
	require.NoError(t, p1.Send(ctx, protocol.JoinSession(watchActivity, sessionID)))
	require.NoError(t, p2.Send(ctx, protocol.JoinSession(watchActivity, sessionID)))

	require.NoError(t, p2.Send(ctx, protocol.LeaveSession(watchActivity, sessionID)))

	assert.Len(t, c2.ofType(protocol.NotifySessionLeft), 1)
	assert.Empty(t, c1.ofType(protocol.NotifySessionLeft))

	changes := c1.ofType(protocol.NotifyParticipantsChanged)
	require.NotEmpty(t, changes)
	assert.Equal(t, []string{p1.Self().String()}, protocol.SplitParticipantIDs(changes[len(changes)-1].ParticipantID))
}

func TestMalformedEnvelopesDropped(t *testing.T) {
	hub := newFakeHub()
	tr, col := newTestPeer(t, hub)
	before := len(col.notes)

	hub.publish(tr.cfg.Subject, []byte("not json"))
	hub.publish(tr.cfg.Subject, []byte(`{"from":"not-a-uuid","command":{"action":"activate","identifier":"x","activityData":"{}"}}`))
	hub.publish(tr.cfg.Subject, []byte(`{"from":"`+tr.Self().String()+`","command":{"action":"activate"}}`))

	assert.Len(t, col.notes, before, "bad envelopes yield no notifications")
}

func TestWaitReadyHonorsContext(t *testing.T) {
	tr, err := New(DefaultConfig(), func(protocol.Notification) {}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, tr.WaitReady(ctx), "not connected yet")
}

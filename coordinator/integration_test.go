package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/groupmock/messenger"
	"github.com/c360/groupmock/relay"
	"github.com/c360/groupmock/relayserver"
	"github.com/c360/groupmock/session"
)

// startRelay runs an in-process relay on an ephemeral port.
func startRelay(t *testing.T) *relayserver.Server {
	t.Helper()
	cfg := relayserver.DefaultConfig()
	cfg.Port = 0
	srv, err := relayserver.NewServer(cfg, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(5 * time.Second) })
	return srv
}

func newRelayCoordinator(t *testing.T, url string) *Coordinator {
	t.Helper()
	relayCfg := relay.DefaultConfig()
	relayCfg.URL = url
	coord, err := New(Config{
		NewTransport: RelayTransport(relayCfg, nil, nil),
		ReadyTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(coord.Shutdown)
	return coord
}

// Two coordinators on one relay behave like two devices: one activates
// and both discover the same session, join it, and exchange messages.
func TestTwoCoordinatorsOverRelay(t *testing.T) {
	srv := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	host := newRelayCoordinator(t, srv.URL())
	guest := newRelayCoordinator(t, srv.URL())
	require.NoError(t, host.Enable(ctx))
	require.NoError(t, guest.Enable(ctx))

	hostLocal, ok := host.LocalParticipant()
	require.True(t, ok, "Enable waits for the participant assignment")
	guestLocal, ok := guest.LocalParticipant()
	require.True(t, ok)
	assert.NotEqual(t, hostLocal.ID, guestLocal.ID)

	hostSessions, err := host.Sessions(watchDescriptor())
	require.NoError(t, err)
	guestSessions, err := guest.Sessions(watchDescriptor())
	require.NoError(t, err)

	require.NoError(t, host.Activate(ctx, &watchParty{Episode: 3}))

	hostSess, err := hostSessions.Next(ctx)
	require.NoError(t, err)
	guestSess, err := guestSessions.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, hostSess.ID(), guestSess.ID())

	party, ok := guestSess.Activity().(*watchParty)
	require.True(t, ok)
	assert.Equal(t, 3, party.Episode)

	// Receivers open before any send, so no message is missed.
	hostMsgs := messenger.Of[watchParty](host.Messenger(hostSess), "WatchParty")
	guestMsgs := messenger.Of[watchParty](guest.Messenger(guestSess), "WatchParty")

	require.NoError(t, hostSess.Join())
	require.NoError(t, guestSess.Join())
	require.Eventually(t, func() bool {
		return hostSess.State().Phase == session.PhaseJoined &&
			guestSess.State().Phase == session.PhaseJoined
	}, 10*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(hostSess.ActiveParticipants()) == 2 &&
			len(guestSess.ActiveParticipants()) == 2
	}, 10*time.Second, 10*time.Millisecond)

	// Host to guest.
	require.NoError(t, messenger.Send(ctx, host.Messenger(hostSess), "WatchParty",
		watchParty{Episode: 4}, messenger.All()))
	got, from, err := guestMsgs.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Episode)
	assert.Equal(t, hostLocal, from)

	// Guest replies, addressed to the host explicitly.
	require.NoError(t, messenger.Send(ctx, guest.Messenger(guestSess), "WatchParty",
		watchParty{Episode: 5}, messenger.Only(hostLocal)))
	reply, from, err := hostMsgs.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, reply.Episode)
	assert.Equal(t, guestLocal, from)

	// Host ends the session for everyone.
	require.NoError(t, hostSess.End())
	require.Eventually(t, func() bool {
		return hostSess.State() == session.Invalidated(session.ReasonEnded) &&
			guestSess.State() == session.Invalidated(session.ReasonEnded)
	}, 10*time.Second, 10*time.Millisecond)
}

// A coordinator that enables after a session already started discovers
// it through the sequence's query round-trip.
func TestLateJoinerDiscoversRunningSession(t *testing.T) {
	srv := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	host := newRelayCoordinator(t, srv.URL())
	require.NoError(t, host.Enable(ctx))
	hostSessions, err := host.Sessions(watchDescriptor())
	require.NoError(t, err)
	require.NoError(t, host.Activate(ctx, &watchParty{Episode: 1}))
	hostSess, err := hostSessions.Next(ctx)
	require.NoError(t, err)

	late := newRelayCoordinator(t, srv.URL())
	require.NoError(t, late.Enable(ctx))
	lateSessions, err := late.Sessions(watchDescriptor())
	require.NoError(t, err)

	lateSess, err := lateSessions.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, hostSess.ID(), lateSess.ID())
}

// Leaving invalidates only the leaver; the other participant keeps a
// joined session and sees the set shrink.
func TestLeaveOverRelay(t *testing.T) {
	srv := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	host := newRelayCoordinator(t, srv.URL())
	guest := newRelayCoordinator(t, srv.URL())
	require.NoError(t, host.Enable(ctx))
	require.NoError(t, guest.Enable(ctx))

	hostSessions, err := host.Sessions(watchDescriptor())
	require.NoError(t, err)
	guestSessions, err := guest.Sessions(watchDescriptor())
	require.NoError(t, err)

	require.NoError(t, host.Activate(ctx, &watchParty{Episode: 1}))
	hostSess, err := hostSessions.Next(ctx)
	require.NoError(t, err)
	guestSess, err := guestSessions.Next(ctx)
	require.NoError(t, err)

	require.NoError(t, hostSess.Join())
	require.NoError(t, guestSess.Join())
	require.Eventually(t, func() bool {
		return len(guestSess.ActiveParticipants()) == 2
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, hostSess.Leave())

	require.Eventually(t, func() bool {
		return hostSess.State() == session.Invalidated(session.ReasonLeft)
	}, 10*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(guestSess.ActiveParticipants()) == 1
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, session.PhaseJoined, guestSess.State().Phase)
}

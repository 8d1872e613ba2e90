// Package groupmock lets multiple client processes simulate a shared
// group-activity session without the real peer-to-peer transport being
// available, for use in automated tests and simulators.
//
// Each client normally talks to a platform-provided group session object. In
// mock mode it instead talks to a central relay which fans out session
// lifecycle events, participant-set changes, and typed application messages
// to every participant, so client-visible behavior matches the real
// peer-to-peer system.
//
// # Architecture
//
// The module is organized leaves-first:
//
//   - protocol: the two wire shapes (Command client→relay, Notification
//     relay→client) and their JSON codec
//   - relay: one persistent WebSocket connection to the relay server, with a
//     readiness wait and a pending-command buffer flushed on connect
//   - relayserver: the fan-out server and its transport-agnostic Broker,
//     used by the groupmock-relay binary and by in-process tests
//   - coordinator: the per-process dispatch point routing inbound
//     notifications to activity registrations, session registries, and
//     message receiver slots
//   - activity, session, messenger: the application-facing engine: activity
//     type descriptors, the session lifecycle state machine with its blocking
//     session sequence, and typed message delivery
//   - peer: an experimental relay-less transport over NATS pub/sub
//
// # Basic usage
//
// Enable the mock once per process, then use activities exactly as the real
// platform would be used:
//
//	relayCfg := relay.DefaultConfig()
//	relayCfg.URL = "ws://localhost:8081/ws"
//
//	coord, err := coordinator.New(coordinator.Config{
//	    NewTransport: coordinator.RelayTransport(relayCfg, nil, nil),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := coord.Enable(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	desc := activity.Descriptor{
//	    Identifier: "com.example.Watch",
//	    New:        func() activity.Activity { return &WatchTogether{} },
//	}
//	seq, err := coord.Sessions(desc)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := coord.Activate(ctx, &WatchTogether{Movie: "m-42"}); err != nil {
//	    log.Fatal(err)
//	}
//
//	sess, err := seq.Next(ctx) // blocks until the relay announces the session
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sess.Join()
//
// Messages are consumed through typed sequences that share one queue per
// (activity, message type) pair:
//
//	m := coord.Messenger(sess)
//	chat := messenger.Of[ChatMessage](m, "ChatMessage")
//	msg, from, err := chat.Next(ctx)
//
// Enabling the mock is irreversible for the process lifetime. Before Enable
// succeeds, session commands and message sends fail instead of silently
// queueing, matching the real platform's behavior for an unavailable group
// session.
//
// When mocking is disabled, session.Passthrough and messenger.Passthrough
// forward calls unchanged to an application-supplied real session and
// transport, so callers hold one interface regardless of mode.
package groupmock

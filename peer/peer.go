// Package peer provides a relay-less transport variant. Every peer
// publishes its commands on a shared NATS subject and independently
// reduces the subject's totally ordered command stream to the same
// session state, so the notifications each peer derives agree without
// a central relay.
//
// Peers only see commands published while subscribed. A peer that
// connects after a session started will not discover it until another
// group member issues a fresh command for that activity.
package peer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/groupmock/errors"
	"github.com/c360/groupmock/metric"
	"github.com/c360/groupmock/natsclient"
	"github.com/c360/groupmock/protocol"
	"github.com/c360/groupmock/relayserver"
)

// envelope is the wire frame peers exchange. From identifies the
// publishing peer so every replica attributes the command identically.
type envelope struct {
	From    string           `json:"from"`
	Command protocol.Command `json:"command"`
}

// bus is the pub/sub surface the transport needs. natsclient.Client
// satisfies it; tests substitute an in-process loopback.
type bus interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// Config holds peer transport settings.
type Config struct {
	// URL of the NATS server all peers share.
	URL string
	// Subject the group exchanges commands on. Peers on different
	// subjects never see each other.
	Subject string
	// Name reported to the NATS server. Optional.
	Name string
	// ConnectTimeout bounds the initial dial. Defaults to 10s.
	ConnectTimeout time.Duration
	// DrainTimeout bounds Close. Defaults to 5s.
	DrainTimeout time.Duration
}

// DefaultConfig returns a config for a local NATS server.
func DefaultConfig() Config {
	return Config{
		URL:            "nats://localhost:4222",
		Subject:        "groupmock.commands",
		ConnectTimeout: 10 * time.Second,
		DrainTimeout:   5 * time.Second,
	}
}

// Transport is a NATS-backed group transport. It assigns itself a
// participant id, mirrors every command it sees into a local session
// state replica, and surfaces the deliveries addressed to it as
// notifications.
type Transport struct {
	cfg     Config
	logger  *slog.Logger
	metrics *peerMetrics
	handler func(protocol.Notification)

	client bus
	broker *relayserver.Broker
	self   uuid.UUID

	// sessionID pins ids onto activate commands before publishing so
	// every replica synthesizes the same session.
	sessionID func() string

	readyMu sync.Mutex
	ready   bool
	readyCh chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New creates a peer transport. The handler receives derived
// notifications in subject order, one at a time.
func New(cfg Config, handler func(protocol.Notification), logger *slog.Logger, metricReg *metric.Registry) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "peer", "New", "NATS URL cannot be empty")
	}
	if cfg.Subject == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "peer", "New", "subject cannot be empty")
	}
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "peer", "New", "handler cannot be nil")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	m, err := newPeerMetrics(metricReg)
	if err != nil {
		return nil, err
	}

	client, err := natsclient.NewClient(cfg.URL,
		natsclient.WithName(cfg.Name),
		natsclient.WithTimeout(cfg.ConnectTimeout),
		natsclient.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		cfg:       cfg,
		logger:    logger.With("component", "peer"),
		metrics:   m,
		handler:   handler,
		client:    client,
		broker:    relayserver.NewBroker(),
		self:      uuid.New(),
		sessionID: uuid.NewString,
		readyCh:   make(chan struct{}),
	}
	return t, nil
}

// Self returns the transport's self-assigned participant id.
func (t *Transport) Self() uuid.UUID {
	return t.self
}

// Connect dials NATS and joins the group subject. The local participant
// announcement is synthesized before the subscription opens, so the
// handler always sees it first.
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.client.Connect(ctx); err != nil {
		return err
	}

	t.handler(protocol.Notification{
		Type:          protocol.NotifyConnected,
		ParticipantID: t.self.String(),
	})

	if err := t.client.Subscribe(ctx, t.cfg.Subject, t.onMessage); err != nil {
		return err
	}

	t.readyMu.Lock()
	if !t.ready {
		t.ready = true
		close(t.readyCh)
	}
	t.readyMu.Unlock()

	t.logger.Info("joined peer group", "subject", t.cfg.Subject, "participant", t.self)
	return nil
}

// WaitReady blocks until the subject subscription is open.
func (t *Transport) WaitReady(ctx context.Context) error {
	select {
	case <-t.readyCh:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "peer", "WaitReady", "wait for group subscription")
	}
}

// Send publishes a command to the group. Activate commands get a session
// id pinned before publishing, so every replica reduces the command to
// the same session instead of synthesizing divergent ids.
func (t *Transport) Send(ctx context.Context, cmd protocol.Command) error {
	if cmd.Action == protocol.ActionActivate && cmd.SessionID == "" {
		cmd.SessionID = t.sessionID()
	}

	data, err := json.Marshal(envelope{From: t.self.String(), Command: cmd})
	if err != nil {
		return errors.WrapInvalid(err, "peer", "Send", "encode envelope")
	}

	if err := t.client.Publish(ctx, t.cfg.Subject, data); err != nil {
		return errors.WrapTransient(err, "peer", "Send", "publish command")
	}
	if err := t.client.Flush(ctx); err != nil {
		return errors.WrapTransient(err, "peer", "Send", "flush command")
	}

	t.metrics.published.WithLabelValues(cmd.Action).Inc()
	return nil
}

// Close leaves the group and closes the NATS connection.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DrainTimeout)
		defer cancel()
		t.closeErr = t.client.Close(ctx)
	})
	return t.closeErr
}

// onMessage reduces one command from the subject. NATS invokes it
// serially per subscription, which preserves the subject's total order.
func (t *Transport) onMessage(_ context.Context, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.metrics.dropped.WithLabelValues("decode_failed").Inc()
		t.logger.Warn("dropping undecodable envelope", "error", err)
		return
	}

	from, err := uuid.Parse(env.From)
	if err != nil {
		t.metrics.dropped.WithLabelValues("bad_sender").Inc()
		t.logger.Warn("dropping envelope with invalid sender", "from", env.From)
		return
	}

	if err := env.Command.Validate(); err != nil {
		t.metrics.dropped.WithLabelValues("invalid_command").Inc()
		t.logger.Warn("dropping invalid command", "action", env.Command.Action, "error", err)
		return
	}

	t.metrics.applied.WithLabelValues(env.Command.Action).Inc()

	for _, d := range t.broker.Apply(from, env.Command) {
		if t.addressedToSelf(d) {
			t.handler(d.Note)
		}
	}
}

func (t *Transport) addressedToSelf(d relayserver.Delivery) bool {
	if d.To != uuid.Nil {
		return d.To == t.self
	}
	return d.Exclude != t.self
}

type peerMetrics struct {
	published *prometheus.CounterVec
	applied   *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

func newPeerMetrics(reg *metric.Registry) (*peerMetrics, error) {
	m := &peerMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_commands_published_total",
			Help: "Total commands published to the group subject",
		}, []string{"action"}),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_commands_applied_total",
			Help: "Total commands reduced into the local session replica",
		}, []string{"action"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_envelopes_dropped_total",
			Help: "Total inbound envelopes dropped before reduction",
		}, []string{"reason"}),
	}
	if reg == nil {
		return m, nil
	}
	if err := reg.RegisterCounterVec("peer", "commands_published_total", m.published); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounterVec("peer", "commands_applied_total", m.applied); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounterVec("peer", "envelopes_dropped_total", m.dropped); err != nil {
		return nil, err
	}
	return m, nil
}

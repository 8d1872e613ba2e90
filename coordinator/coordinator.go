// Package coordinator wires the group-activity engine together: it owns
// the transport, the activity and session registries, the message
// receiver registry, and the notification dispatch loop. Every
// Coordinator is an independent instance; two coordinators in one
// process simulate two devices.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/groupmock/activity"
	"github.com/c360/groupmock/errors"
	"github.com/c360/groupmock/messenger"
	"github.com/c360/groupmock/metric"
	"github.com/c360/groupmock/peer"
	"github.com/c360/groupmock/protocol"
	"github.com/c360/groupmock/relay"
	"github.com/c360/groupmock/session"
)

// Transport is the coordinator's link to the relay. Implemented by
// relay.Conn for the WebSocket relay and by peer.Transport for the
// relay-less mode.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, cmd protocol.Command) error
	WaitReady(ctx context.Context) error
	Close() error
}

// TransportFactory builds the transport with the coordinator's
// notification handler attached. The factory runs once, inside Enable.
type TransportFactory func(handler func(protocol.Notification)) (Transport, error)

// RelayTransport returns a factory dialing the WebSocket relay.
func RelayTransport(cfg relay.Config, logger *slog.Logger, metricReg *metric.Registry) TransportFactory {
	return func(handler func(protocol.Notification)) (Transport, error) {
		return relay.New(cfg, handler, logger, metricReg)
	}
}

// PeerTransport returns a factory joining a NATS peer group. No relay
// process is involved; every coordinator on the subject derives the
// same session state from the shared command stream.
func PeerTransport(cfg peer.Config, logger *slog.Logger, metricReg *metric.Registry) TransportFactory {
	return func(handler func(protocol.Notification)) (Transport, error) {
		return peer.New(cfg, handler, logger, metricReg)
	}
}

// Config holds coordinator construction settings.
type Config struct {
	// NewTransport builds the relay link. Required.
	NewTransport TransportFactory
	// ReadyTimeout bounds how long Enable waits for the relay's
	// connection confirmation. Defaults to 30s.
	ReadyTimeout time.Duration
	// Logger for dispatch decisions. Defaults to slog.Default().
	Logger *slog.Logger
	// Metrics registry. Optional.
	Metrics *metric.Registry
}

// Coordinator is the mock group-activity coordinator. It stays inert
// until Enable is called; enabling is irreversible for the instance's
// lifetime.
type Coordinator struct {
	logger       *slog.Logger
	metrics      *coordinatorMetrics
	newTransport TransportFactory
	readyTimeout time.Duration

	activities *activity.Registry
	receivers  *messenger.ReceiverRegistry

	transportMu sync.RWMutex
	transport   Transport

	registryMu sync.Mutex
	registries map[string]*session.Registry

	observerMu sync.Mutex
	observers  []*session.StateObserver

	participantMu  sync.Mutex
	participant    session.Participant
	hasParticipant bool

	enabled  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
}

var (
	_ session.Controller = (*Coordinator)(nil)
	_ messenger.Sender   = (*Coordinator)(nil)
)

// New creates a disabled coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.NewTransport == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "coordinator", "New", "transport factory is required")
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	receivers, err := messenger.NewReceiverRegistry(logger, cfg.Metrics)
	if err != nil {
		return nil, err
	}
	m, err := newCoordinatorMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		logger:       logger.With("component", "coordinator"),
		metrics:      m,
		newTransport: cfg.NewTransport,
		readyTimeout: cfg.ReadyTimeout,
		activities:   activity.NewRegistry(),
		receivers:    receivers,
		registries:   make(map[string]*session.Registry),
	}, nil
}

// Enable connects the coordinator to its transport and blocks until the
// relay confirms the connection, so the local participant id is known
// when it returns. Enabling cannot be undone; a second call fails with
// ErrAlreadyEnabled. If the connection cannot be established the
// coordinator reverts to disabled and Enable may be retried.
func (c *Coordinator) Enable(ctx context.Context) error {
	if !c.enabled.CompareAndSwap(false, true) {
		return errors.Wrap(errors.ErrAlreadyEnabled, "coordinator", "Enable", "enable mock coordinator")
	}

	transport, err := c.newTransport(c.onNotification)
	if err != nil {
		c.enabled.Store(false)
		return errors.Wrap(err, "coordinator", "Enable", "build transport")
	}

	c.transportMu.Lock()
	c.transport = transport
	c.transportMu.Unlock()

	fail := func(err error) error {
		_ = transport.Close()
		c.transportMu.Lock()
		c.transport = nil
		c.transportMu.Unlock()
		c.enabled.Store(false)
		return err
	}

	if err := transport.Connect(ctx); err != nil {
		return fail(errors.Wrap(err, "coordinator", "Enable", "connect transport"))
	}

	readyCtx, cancel := context.WithTimeout(ctx, c.readyTimeout)
	defer cancel()
	if err := transport.WaitReady(readyCtx); err != nil {
		return fail(errors.Wrap(err, "coordinator", "Enable", "wait for connection confirmation"))
	}

	c.observerMu.Lock()
	for _, obs := range c.observers {
		obs.SetEligible(true)
	}
	c.observerMu.Unlock()

	c.logger.Info("mock coordinator enabled")
	return nil
}

// Enabled reports whether Enable has completed.
func (c *Coordinator) Enabled() bool { return c.enabled.Load() }

// Shutdown closes the transport, drops buffered messages, and releases
// blocked session sequences. The coordinator is unusable afterwards:
// commands fail with ErrShuttingDown.
func (c *Coordinator) Shutdown() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		c.transportMu.Lock()
		transport := c.transport
		c.transport = nil
		c.transportMu.Unlock()
		if transport != nil {
			_ = transport.Close()
		}
		c.receivers.Close()

		c.registryMu.Lock()
		for _, reg := range c.registries {
			reg.Close()
		}
		c.registryMu.Unlock()
	})
}

// RegisterType makes an activity type known so that session_started
// notifications for its identifier can be decoded. Registering the same
// identifier again replaces the descriptor.
func (c *Coordinator) RegisterType(desc activity.Descriptor) error {
	return c.activities.RegisterType(desc)
}

// Register records an activity instance. Registering a second instance
// for the same identifier replaces the first; routing never duplicates.
func (c *Coordinator) Register(act activity.Activity) {
	c.activities.RegisterInstance(act)
}

// Activity returns the registered instance for an identifier.
func (c *Coordinator) Activity(identifier string) (activity.Activity, bool) {
	return c.activities.Instance(identifier)
}

// Activate registers the activity instance and announces it to the
// relay, which starts a session and notifies every connected client,
// this one included.
func (c *Coordinator) Activate(ctx context.Context, act activity.Activity) error {
	data, err := activity.Encode(act)
	if err != nil {
		return errors.Wrap(err, "coordinator", "Activate", "encode activity "+act.ActivityIdentifier())
	}
	c.activities.RegisterInstance(act)
	return c.send(ctx, protocol.Activate(act.ActivityIdentifier(), data))
}

// Sessions returns the lazy session sequence for an activity type,
// registering the type as a side effect. All consumers for one
// identifier drain the same backlog.
func (c *Coordinator) Sessions(desc activity.Descriptor) (*session.Sequence, error) {
	if err := c.activities.RegisterType(desc); err != nil {
		return nil, err
	}
	registry := c.registry(desc.Identifier)
	return session.NewSequence(registry, func(lastSessionID string) {
		if err := c.send(context.Background(), protocol.QuerySession(desc.Identifier, lastSessionID)); err != nil {
			c.logger.Debug("session query not sent", "identifier", desc.Identifier, "error", err)
		}
	}), nil
}

// Messenger binds a message channel to a session.
func (c *Coordinator) Messenger(sess messenger.Session) *messenger.Messenger {
	return messenger.New(sess, c.receivers, c)
}

// ObserveGroupState returns an eligibility observer. It reports eligible
// once the coordinator is enabled.
func (c *Coordinator) ObserveGroupState() *session.StateObserver {
	obs := session.NewStateObserver(c.enabled.Load())
	c.observerMu.Lock()
	c.observers = append(c.observers, obs)
	c.observerMu.Unlock()
	return obs
}

// JoinSession implements session.Controller.
func (c *Coordinator) JoinSession(identifier, sessionID string) error {
	return c.send(context.Background(), protocol.JoinSession(identifier, sessionID))
}

// LeaveSession implements session.Controller.
func (c *Coordinator) LeaveSession(identifier, sessionID string) error {
	return c.send(context.Background(), protocol.LeaveSession(identifier, sessionID))
}

// EndSession implements session.Controller.
func (c *Coordinator) EndSession(identifier, sessionID string) error {
	return c.send(context.Background(), protocol.EndSession(identifier, sessionID))
}

// LocalParticipant implements session.Controller. The id is known once
// Enable has returned.
func (c *Coordinator) LocalParticipant() (session.Participant, bool) {
	c.participantMu.Lock()
	defer c.participantMu.Unlock()
	return c.participant, c.hasParticipant
}

// SendMessage implements messenger.Sender. The local participant id is
// the message source, so sending fails until the relay has assigned one.
func (c *Coordinator) SendMessage(ctx context.Context, identifier, sessionID, typeName, value string, recipients []session.Participant) error {
	local, ok := c.LocalParticipant()
	if !ok {
		return errors.WrapTransient(errors.ErrNotReady, "coordinator", "SendMessage",
			"local participant not assigned yet")
	}

	var ids []string
	for _, p := range recipients {
		ids = append(ids, p.ID.String())
	}
	return c.send(ctx, protocol.SendMessage(identifier, sessionID, local.ID.String(), typeName, value, ids))
}

func (c *Coordinator) send(ctx context.Context, cmd protocol.Command) error {
	c.transportMu.RLock()
	transport := c.transport
	c.transportMu.RUnlock()
	if transport == nil {
		if c.stopped.Load() {
			return errors.Wrap(errors.ErrShuttingDown, "coordinator", "send", "send "+cmd.Action)
		}
		return errors.Wrap(errors.ErrNotEnabled, "coordinator", "send", "send "+cmd.Action)
	}
	return transport.Send(ctx, cmd)
}

// registry returns the session registry for an activity type, creating
// it on first use. One registry exists per identifier for the
// coordinator's lifetime.
func (c *Coordinator) registry(identifier string) *session.Registry {
	c.registryMu.Lock()
	defer c.registryMu.Unlock()
	reg, ok := c.registries[identifier]
	if !ok {
		reg = session.NewRegistry()
		c.registries[identifier] = reg
	}
	return reg
}

func (c *Coordinator) registryIfExists(identifier string) *session.Registry {
	c.registryMu.Lock()
	defer c.registryMu.Unlock()
	return c.registries[identifier]
}

// onNotification dispatches one relay notification. Called from the
// transport's read loop, one notification at a time, in arrival order.
func (c *Coordinator) onNotification(n protocol.Notification) {
	if err := n.Validate(); err != nil {
		c.logger.Warn("discarding malformed notification", "type", n.Type, "error", err)
		c.metrics.dropped.WithLabelValues("malformed").Inc()
		return
	}
	c.metrics.dispatched.WithLabelValues(n.Type).Inc()

	switch n.Type {
	case protocol.NotifyConnected:
		c.handleConnected(n)
	case protocol.NotifySessionStarted:
		c.handleSessionStarted(n)
	case protocol.NotifySessionJoined:
		if reg := c.registryIfExists(n.Identifier); reg != nil {
			reg.HandleJoined(n.SessionID)
		}
	case protocol.NotifySessionLeft:
		if reg := c.registryIfExists(n.Identifier); reg != nil {
			reg.HandleLeft(n.SessionID)
		}
	case protocol.NotifySessionEnded:
		if reg := c.registryIfExists(n.Identifier); reg != nil {
			reg.HandleEnded(n.SessionID)
		}
	case protocol.NotifyParticipantsChanged:
		if reg := c.registryIfExists(n.Identifier); reg != nil {
			ids := protocol.SplitParticipantIDs(n.ParticipantID)
			reg.HandleParticipantsChanged(n.SessionID, session.PackParticipants(ids))
		}
	case protocol.NotifySendMessage:
		c.handleMessage(n)
	default:
		c.logger.Warn("ignoring unknown notification type", "type", n.Type)
		c.metrics.dropped.WithLabelValues("unknown_type").Inc()
	}
}

func (c *Coordinator) handleConnected(n protocol.Notification) {
	p, err := session.ParticipantFromString(n.ParticipantID)
	if err != nil {
		c.logger.Warn("connected notification with bad participant id",
			"participantId", n.ParticipantID, "error", err)
		c.metrics.dropped.WithLabelValues("bad_participant").Inc()
		return
	}
	c.participantMu.Lock()
	c.participant = p
	c.hasParticipant = true
	c.participantMu.Unlock()
	c.logger.Info("relay assigned local participant", "participant", p.ID)
}

// handleSessionStarted turns a session announcement into a waiting
// Session in the activity's registry. Announcements for unknown activity
// types, or with payloads that fail to decode, are dropped.
func (c *Coordinator) handleSessionStarted(n protocol.Notification) {
	desc, ok := c.activities.Type(n.Identifier)
	if !ok {
		c.logger.Debug("session for unknown activity type", "identifier", n.Identifier)
		c.metrics.dropped.WithLabelValues("unknown_activity").Inc()
		return
	}

	act, err := activity.Decode(n.ActivityData, desc)
	if err != nil {
		c.logger.Warn("undecodable activity payload",
			"identifier", n.Identifier, "session", n.SessionID, "error", err)
		c.metrics.dropped.WithLabelValues("bad_activity_data").Inc()
		return
	}
	c.activities.RegisterInstance(act)

	sess := session.New(n.Identifier, n.SessionID, act, c)
	c.registry(n.Identifier).Add(sess)
	c.metrics.sessionsDiscovered.Inc()
	c.logger.Info("session discovered", "identifier", n.Identifier, "session", n.SessionID)
}

// handleMessage forwards an application message to the receiver
// registry, but only when it names the identifier's current session.
func (c *Coordinator) handleMessage(n protocol.Notification) {
	reg := c.registryIfExists(n.Identifier)
	if reg == nil || !reg.Matches(n.SessionID) {
		c.metrics.dropped.WithLabelValues("stale_session").Inc()
		return
	}
	source, err := session.ParticipantFromString(n.Source)
	if err != nil {
		c.logger.Warn("message with bad source participant", "source", n.Source, "error", err)
		c.metrics.dropped.WithLabelValues("bad_participant").Inc()
		return
	}
	c.receivers.Deliver(n.Identifier, n.MessageTypeName, n.MessageValue, source)
}

type coordinatorMetrics struct {
	dispatched         *prometheus.CounterVec
	dropped            *prometheus.CounterVec
	sessionsDiscovered prometheus.Counter
}

func newCoordinatorMetrics(reg *metric.Registry) (*coordinatorMetrics, error) {
	m := &coordinatorMetrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_notifications_dispatched_total",
			Help: "Notifications dispatched by type",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_notifications_dropped_total",
			Help: "Notifications dropped before dispatch",
		}, []string{"reason"}),
		sessionsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_sessions_discovered_total",
			Help: "Sessions created from session_started notifications",
		}),
	}
	if reg == nil {
		return m, nil
	}
	if err := reg.RegisterCounterVec("coordinator", "notifications_dispatched_total", m.dispatched); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounterVec("coordinator", "notifications_dropped_total", m.dropped); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounter("coordinator", "sessions_discovered_total", m.sessionsDiscovered); err != nil {
		return nil, err
	}
	return m, nil
}

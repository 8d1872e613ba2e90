// Package relay maintains the client side of the relay WebSocket link:
// dialing, reconnecting, delivering inbound notifications in arrival
// order, and buffering outbound commands until the relay confirms the
// connection.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/groupmock/errors"
	"github.com/c360/groupmock/metric"
	"github.com/c360/groupmock/pkg/retry"
	"github.com/c360/groupmock/protocol"
)

// Handler receives decoded notifications in the order the relay sent
// them. It is called from a single goroutine.
type Handler func(protocol.Notification)

// Config holds relay connection settings.
type Config struct {
	// URL is the relay WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// HandshakeTimeout bounds the WebSocket upgrade.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each outgoing frame write.
	WriteTimeout time.Duration
	// Reconnect controls the backoff between redial attempts.
	Reconnect retry.Config
}

// DefaultConfig returns connection defaults. Redialing never gives up;
// the relay owns session state, so a client that stops retrying is
// permanently deaf.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		Reconnect:        retry.Forever(),
	}
}

// Conn is a relay client connection. Commands sent before the relay's
// confirmation notification arrives are buffered and flushed, in order,
// once it does.
type Conn struct {
	cfg     Config
	logger  *slog.Logger
	handler Handler
	dialer  *websocket.Dialer
	metrics *connMetrics

	mu      sync.Mutex // guards conn, ready, readyCh, pending
	conn    *websocket.Conn
	ready   bool
	readyCh chan struct{}
	pending []protocol.Command

	writeMu sync.Mutex // serializes frame writes

	started  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	lifecycleCtx  context.Context
	lifecycleStop context.CancelFunc
}

// New creates a connection. The handler may be nil when the caller only
// sends. The metric registry may be nil.
func New(cfg Config, handler Handler, logger *slog.Logger, metricReg *metric.Registry) (*Conn, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "relay", "New", "relay URL cannot be empty")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	m, err := newConnMetrics(metricReg)
	if err != nil {
		return nil, err
	}

	lifecycleCtx, lifecycleStop := context.WithCancel(context.Background())
	return &Conn{
		cfg:     cfg,
		logger:  logger.With("component", "relay"),
		handler: handler,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		metrics:       m,
		readyCh:       make(chan struct{}),
		shutdown:      make(chan struct{}),
		done:          make(chan struct{}),
		lifecycleCtx:  lifecycleCtx,
		lifecycleStop: lifecycleStop,
	}, nil
}

// Connect dials the relay and starts the read loop. It blocks until the
// first dial succeeds or ctx expires. Calling it again is a no-op;
// reconnection after a drop happens automatically.
func (c *Conn) Connect(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.started.Store(false)
		return errors.WrapTransient(err, "relay", "Connect", "dial "+c.cfg.URL)
	}
	c.setConn(conn)

	go c.run(conn)
	return nil
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	return retry.DoWithResult(ctx, c.cfg.Reconnect, func() (*websocket.Conn, error) {
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			c.logger.Debug("relay dial failed", "url", c.cfg.URL, "error", err)
			return nil, err
		}
		return conn, nil
	})
}

func (c *Conn) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.metrics.connected.Set(1)
}

// run owns the connection for its lifetime: read until failure, then
// redial until Close.
func (c *Conn) run(conn *websocket.Conn) {
	defer close(c.done)

	for {
		c.readLoop(conn)
		c.dropConnection(conn)

		select {
		case <-c.shutdown:
			return
		default:
		}

		c.logger.Info("relay connection lost, reconnecting", "url", c.cfg.URL)
		c.metrics.reconnects.Inc()

		next, err := c.dial(c.lifecycleCtx)
		if err != nil {
			// Close cancelled the lifecycle context.
			return
		}
		c.setConn(next)
		conn = next
	}
}

// readLoop decodes incoming frames and hands notifications to the
// handler in order. Returns when the connection fails.
func (c *Conn) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		note, err := protocol.DecodeNotification(string(data))
		if err != nil {
			c.logger.Warn("discarding undecodable relay frame", "error", err)
			c.metrics.decodeFailures.Inc()
			continue
		}
		c.metrics.notificationsReceived.WithLabelValues(note.Type).Inc()

		if note.Type == protocol.NotifyConnected {
			c.markReady(conn)
		}
		if c.handler != nil {
			c.handler(note)
		}
	}
}

// markReady flips the connection to ready and flushes, in send order,
// every command buffered while the relay handshake was outstanding.
func (c *Conn) markReady(conn *websocket.Conn) {
	c.mu.Lock()
	if c.ready {
		c.mu.Unlock()
		return
	}
	c.ready = true
	flush := c.pending
	c.pending = nil
	close(c.readyCh)
	c.mu.Unlock()

	for _, cmd := range flush {
		if err := c.write(conn, cmd); err != nil {
			c.logger.Warn("flushing buffered command failed", "action", cmd.Action, "error", err)
			return
		}
	}
	if len(flush) > 0 {
		c.logger.Debug("flushed buffered commands", "count", len(flush))
		c.metrics.bufferedFlushed.Add(float64(len(flush)))
	}
}

// dropConnection clears ready state after a connection loss so that
// subsequent sends buffer until the next confirmation arrives.
func (c *Conn) dropConnection(conn *websocket.Conn) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	if c.ready {
		c.ready = false
		c.readyCh = make(chan struct{})
	}
	c.mu.Unlock()
	c.metrics.connected.Set(0)
}

// Send submits a command. Before the relay confirms the connection the
// command is buffered; afterwards it is written immediately. Buffered
// commands survive a reconnect and flush on the next confirmation.
func (c *Conn) Send(_ context.Context, cmd protocol.Command) error {
	if !c.started.Load() {
		return errors.Wrap(errors.ErrNoConnection, "relay", "Send", "connection not started")
	}

	c.mu.Lock()
	if !c.ready {
		c.pending = append(c.pending, cmd)
		n := len(c.pending)
		c.mu.Unlock()
		c.metrics.bufferedCommands.Set(float64(n))
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return errors.WrapTransient(errors.ErrConnectionLost, "relay", "Send", "send "+cmd.Action)
	}
	if err := c.write(conn, cmd); err != nil {
		return errors.WrapTransient(err, "relay", "Send", "send "+cmd.Action)
	}
	return nil
}

func (c *Conn) write(conn *websocket.Conn, cmd protocol.Command) error {
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		return err
	}
	c.metrics.commandsSent.WithLabelValues(cmd.Action).Inc()
	return nil
}

// WaitReady blocks until the relay has confirmed the connection or ctx
// expires.
func (c *Conn) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	ch := c.readyCh
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(errors.ErrConnectionTimeout, "relay", "WaitReady",
			fmt.Sprintf("relay at %s did not confirm connection", c.cfg.URL))
	case <-c.shutdown:
		return errors.Wrap(errors.ErrNoConnection, "relay", "WaitReady", "connection closed")
	}
}

// Ready reports whether the relay has confirmed the connection.
func (c *Conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Close tears the connection down. Buffered commands that never flushed
// are discarded.
func (c *Conn) Close() error {
	if !c.started.Load() {
		return nil
	}
	c.stopOnce.Do(func() {
		close(c.shutdown)
		c.lifecycleStop()

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.pending = nil
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		<-c.done
		c.metrics.connected.Set(0)
	})
	return nil
}

type connMetrics struct {
	connected             prometheus.Gauge
	reconnects            prometheus.Counter
	commandsSent          *prometheus.CounterVec
	notificationsReceived *prometheus.CounterVec
	decodeFailures        prometheus.Counter
	bufferedCommands      prometheus.Gauge
	bufferedFlushed       prometheus.Counter
}

func newConnMetrics(reg *metric.Registry) (*connMetrics, error) {
	m := &connMetrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connected",
			Help: "Whether the relay WebSocket link is up (1) or down (0)",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_reconnects_total",
			Help: "Total reconnection attempts after a dropped link",
		}),
		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_commands_sent_total",
			Help: "Total commands written to the relay",
		}, []string{"action"}),
		notificationsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_notifications_received_total",
			Help: "Total notifications received from the relay",
		}, []string{"type"}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_decode_failures_total",
			Help: "Total inbound frames that failed to decode",
		}),
		bufferedCommands: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_buffered_commands",
			Help: "Commands waiting for the relay connection confirmation",
		}),
		bufferedFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_buffered_commands_flushed_total",
			Help: "Buffered commands flushed after connection confirmation",
		}),
	}
	if reg == nil {
		return m, nil
	}
	if err := reg.RegisterGauge("relay", "connected", m.connected); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounter("relay", "reconnects_total", m.reconnects); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounterVec("relay", "commands_sent_total", m.commandsSent); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounterVec("relay", "notifications_received_total", m.notificationsReceived); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounter("relay", "decode_failures_total", m.decodeFailures); err != nil {
		return nil, err
	}
	if err := reg.RegisterGauge("relay", "buffered_commands", m.bufferedCommands); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounter("relay", "buffered_commands_flushed_total", m.bufferedFlushed); err != nil {
		return nil, err
	}
	return m, nil
}

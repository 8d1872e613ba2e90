package relayserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c360/groupmock/errors"
	"github.com/c360/groupmock/metric"
	"github.com/c360/groupmock/protocol"
)

// Config holds relay server settings.
type Config struct {
	// Port to listen on. 0 picks an ephemeral port, which tests rely on.
	Port int
	// Path is the WebSocket endpoint path.
	Path string
	// RateLimit caps commands per second per connection. 0 disables
	// limiting.
	RateLimit rate.Limit
	// RateBurst is the limiter burst size when RateLimit is set.
	RateBurst int
	// WriteTimeout bounds each outgoing frame write.
	WriteTimeout time.Duration
}

// DefaultConfig returns relay server defaults.
func DefaultConfig() Config {
	return Config{
		Port:         8080,
		Path:         "/ws",
		RateLimit:    0,
		RateBurst:    32,
		WriteTimeout: 10 * time.Second,
	}
}

// client is one attached WebSocket connection with its relay-assigned
// participant id.
type client struct {
	id      uuid.UUID
	conn    *websocket.Conn
	writeMu sync.Mutex
	limiter *rate.Limiter
}

// Server accepts relay clients, assigns participant ids, and routes
// Broker deliveries back out.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	broker  *Broker
	metrics *serverMetrics

	upgrader websocket.Upgrader

	mu         sync.Mutex // guards running, listener, httpServer, shutdown
	running    bool
	listener   net.Listener
	httpServer *http.Server
	shutdown   chan struct{}

	clientsMu sync.RWMutex
	clients   map[uuid.UUID]*client

	wg sync.WaitGroup
}

// NewServer creates a relay server. The broker may be shared with other
// frontends; pass nil to create a private one. The metric registry may
// be nil.
func NewServer(cfg Config, broker *Broker, logger *slog.Logger, metricReg *metric.Registry) (*Server, error) {
	if cfg.Path == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "relayserver", "NewServer", "endpoint path cannot be empty")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "relayserver", "NewServer",
			fmt.Sprintf("invalid port %d", cfg.Port))
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if broker == nil {
		broker = NewBroker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	m, err := newServerMetrics(metricReg)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "relayserver"),
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
		metrics: m,
		clients: make(map[uuid.UUID]*client),
	}, nil
}

// Start begins listening. It returns once the listener is bound, so
// URL() is valid afterwards even with an ephemeral port.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "relayserver", "Start", "context already cancelled")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return errors.WrapFatal(err, "relayserver", "Start", fmt.Sprintf("listen on port %d", s.cfg.Port))
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)

	s.listener = listener
	s.httpServer = &http.Server{Handler: mux}
	s.shutdown = make(chan struct{})
	s.running = true

	s.wg.Add(1)
	go s.serve(listener)

	s.logger.Info("relay server listening", "addr", listener.Addr().String(), "path", s.cfg.Path)
	return nil
}

func (s *Server) serve(listener net.Listener) {
	defer s.wg.Done()
	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		s.logger.Error("relay server failed", "error", err)
	}
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// URL returns the ws:// endpoint clients should dial.
func (s *Server) URL() string {
	addr := s.Addr()
	if addr == nil {
		return ""
	}
	return "ws://" + addr.String() + s.cfg.Path
}

// Stop drains the server: no new connections, existing ones closed.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.shutdown)
	httpServer := s.httpServer
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("relay server shutdown", "error", err)
	}

	s.clientsMu.Lock()
	for _, c := range s.clients {
		_ = c.conn.Close()
	}
	s.clients = make(map[uuid.UUID]*client)
	s.clientsMu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.listener = nil
	s.httpServer = nil
	s.mu.Unlock()
	return nil
}

// handleWebSocket upgrades a connection, assigns it a participant id,
// and confirms with a connected notification before reading commands.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.errorsTotal.WithLabelValues("upgrade").Inc()
		return
	}

	c := &client{
		id:   uuid.New(),
		conn: conn,
	}
	if s.cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(s.cfg.RateLimit, s.cfg.RateBurst)
	}

	s.clientsMu.Lock()
	s.clients[c.id] = c
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.metrics.clientsConnected.Set(float64(count))
	s.metrics.connectionsTotal.Inc()

	if err := s.sendNotification(c, protocol.Notification{
		Type:          protocol.NotifyConnected,
		ParticipantID: c.id.String(),
	}); err != nil {
		s.removeClient(c)
		return
	}

	s.logger.Debug("client attached", "participant", c.id)

	s.wg.Add(1)
	go s.readClient(c)
}

func (s *Server) readClient(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if c.limiter != nil && !c.limiter.Allow() {
			s.metrics.rateLimited.Inc()
			s.logger.Warn("dropping command over rate limit", "participant", c.id)
			continue
		}

		cmd, err := protocol.DecodeCommand(string(data))
		if err != nil {
			s.metrics.errorsTotal.WithLabelValues("decode").Inc()
			s.logger.Warn("discarding undecodable command", "participant", c.id, "error", err)
			continue
		}
		if err := cmd.Validate(); err != nil {
			s.metrics.errorsTotal.WithLabelValues("validate").Inc()
			s.logger.Warn("discarding invalid command",
				"participant", c.id,
				"action", cmd.Action,
				"error", err)
			continue
		}
		s.metrics.commandsReceived.WithLabelValues(cmd.Action).Inc()

		for _, d := range s.broker.Apply(c.id, cmd) {
			s.dispatch(d)
		}
	}
}

// dispatch routes one delivery to its addressee or to every attached
// client except the excluded one.
func (s *Server) dispatch(d Delivery) {
	if d.To != uuid.Nil {
		s.clientsMu.RLock()
		target, ok := s.clients[d.To]
		s.clientsMu.RUnlock()
		if !ok {
			return
		}
		if err := s.sendNotification(target, d.Note); err != nil {
			s.removeClient(target)
		}
		return
	}

	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.id == d.Exclude {
			continue
		}
		targets = append(targets, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range targets {
		if err := s.sendNotification(c, d.Note); err != nil {
			s.removeClient(c)
		}
	}
}

func (s *Server) sendNotification(c *client, n protocol.Notification) error {
	text, err := protocol.EncodeNotification(n)
	if err != nil {
		s.metrics.errorsTotal.WithLabelValues("encode").Inc()
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		s.metrics.errorsTotal.WithLabelValues("write").Inc()
		return err
	}
	s.metrics.notificationsSent.WithLabelValues(n.Type).Inc()
	return nil
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c.id]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c.id)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = c.conn.Close()
	s.metrics.clientsConnected.Set(float64(count))
	s.logger.Debug("client detached", "participant", c.id)
}

type serverMetrics struct {
	clientsConnected  prometheus.Gauge
	connectionsTotal  prometheus.Counter
	commandsReceived  *prometheus.CounterVec
	notificationsSent *prometheus.CounterVec
	rateLimited       prometheus.Counter
	errorsTotal       *prometheus.CounterVec
}

func newServerMetrics(reg *metric.Registry) (*serverMetrics, error) {
	m := &serverMetrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayserver_clients_connected",
			Help: "Currently attached relay clients",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayserver_connections_total",
			Help: "Total client connections accepted",
		}),
		commandsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayserver_commands_received_total",
			Help: "Total valid commands received",
		}, []string{"action"}),
		notificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayserver_notifications_sent_total",
			Help: "Total notifications written to clients",
		}, []string{"type"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayserver_commands_rate_limited_total",
			Help: "Commands dropped by the per-connection rate limiter",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayserver_errors_total",
			Help: "Relay server errors",
		}, []string{"error_type"}),
	}
	if reg == nil {
		return m, nil
	}
	if err := reg.RegisterGauge("relayserver", "clients_connected", m.clientsConnected); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounter("relayserver", "connections_total", m.connectionsTotal); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounterVec("relayserver", "commands_received_total", m.commandsReceived); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounterVec("relayserver", "notifications_sent_total", m.notificationsSent); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounter("relayserver", "commands_rate_limited_total", m.rateLimited); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounterVec("relayserver", "errors_total", m.errorsTotal); err != nil {
		return nil, err
	}
	return m, nil
}

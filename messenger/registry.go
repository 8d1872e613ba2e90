package messenger

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/groupmock/metric"
	"github.com/c360/groupmock/pkg/queue"
	"github.com/c360/groupmock/session"
)

// Delivery is one received message after decoding, paired with the
// participant that sent it.
type Delivery struct {
	Value  any
	Source session.Participant
}

// decodeFunc turns a wire payload into the concrete message type
// registered for a slot.
type decodeFunc func(value string) (any, error)

// slot is the shared inbox for one activity identifier and message type
// name. Every receiver opened for the same pair shares the slot's queue,
// so exactly one of them consumes each message.
type slot struct {
	queue  *queue.Queue[Delivery]
	decode decodeFunc
}

// ReceiverRegistry routes incoming send_message payloads to the receiver
// slot registered for the payload's activity and type name. Messages with
// no registered receiver are dropped and counted.
type ReceiverRegistry struct {
	logger  *slog.Logger
	metrics *registryMetrics

	mu    sync.Mutex
	slots map[string]*slot
}

// NewReceiverRegistry creates a registry. The metric registry may be nil,
// in which case delivery counters are not exported.
func NewReceiverRegistry(logger *slog.Logger, metricReg *metric.Registry) (*ReceiverRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m, err := newRegistryMetrics(metricReg)
	if err != nil {
		return nil, err
	}
	return &ReceiverRegistry{
		logger:  logger.With("component", "messenger"),
		metrics: m,
		slots:   make(map[string]*slot),
	}, nil
}

func slotKey(identifier, typeName string) string {
	return identifier + "_" + typeName
}

// open returns the slot for the identifier and type name, creating it on
// first use. The decoder of the first registrant wins; later registrants
// for the same pair share its queue and decoder.
func (r *ReceiverRegistry) open(identifier, typeName string, decode decodeFunc) *slot {
	key := slotKey(identifier, typeName)

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[key]
	if !ok {
		s = &slot{
			queue:  queue.New[Delivery](),
			decode: decode,
		}
		r.slots[key] = s
	}
	return s
}

// Deliver routes one incoming message payload. Payloads with no registered
// receiver, or that fail to decode, are dropped.
func (r *ReceiverRegistry) Deliver(identifier, typeName, value string, source session.Participant) {
	key := slotKey(identifier, typeName)

	r.mu.Lock()
	s, ok := r.slots[key]
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("dropping message with no receiver",
			"identifier", identifier,
			"messageType", typeName)
		r.metrics.dropped.WithLabelValues("no_receiver").Inc()
		return
	}

	decoded, err := s.decode(value)
	if err != nil {
		r.logger.Warn("dropping undecodable message",
			"identifier", identifier,
			"messageType", typeName,
			"error", err)
		r.metrics.dropped.WithLabelValues("decode_failed").Inc()
		return
	}

	s.queue.Push(Delivery{Value: decoded, Source: source})
	r.metrics.delivered.Inc()
}

// Close discards buffered messages in every slot and stops accepting new
// deliveries. Receivers blocked in Next return through their context.
func (r *ReceiverRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.slots {
		s.queue.Close()
	}
}

type registryMetrics struct {
	delivered prometheus.Counter
	dropped   *prometheus.CounterVec
}

func newRegistryMetrics(reg *metric.Registry) (*registryMetrics, error) {
	m := &registryMetrics{
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messenger_messages_delivered_total",
			Help: "Total messages routed to a registered receiver",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messenger_messages_dropped_total",
			Help: "Total messages dropped before delivery",
		}, []string{"reason"}),
	}
	if reg == nil {
		return m, nil
	}
	if err := reg.RegisterCounter("messenger", "messages_delivered_total", m.delivered); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounterVec("messenger", "messages_dropped_total", m.dropped); err != nil {
		return nil, err
	}
	return m, nil
}

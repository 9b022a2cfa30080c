// Package registry tracks every live connection and runs the per-connection
// heartbeat: probe after an idle interval, wait for an acknowledgment, reap
// when none arrives.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/weiawesome/wes-sync-relay/internal/idgen"
	"github.com/weiawesome/wes-sync-relay/internal/metrics"
	"github.com/weiawesome/wes-sync-relay/pkg/log"
)

// Transport is the outbound half of a connection as seen by the relay.
type Transport interface {
	Send(msg []byte) error
	Ping() error
	Close() error
}

// Liveness is the heartbeat state of a connection.
type Liveness int

const (
	Alive Liveness = iota
	AwaitingPong
	Dead
)

func (l Liveness) String() string {
	switch l {
	case Alive:
		return "alive"
	case AwaitingPong:
		return "awaiting_pong"
	default:
		return "dead"
	}
}

// Reason says why a connection left the registry.
type Reason string

const (
	ReasonDisconnected   Reason = "disconnected"
	ReasonTransportError Reason = "transport_error"
	ReasonReaped         Reason = "heartbeat_timeout"
	ReasonShutdown       Reason = "shutdown"
)

// UnregisterHook runs exactly once per connection, after it has been
// removed and its transport closed.
type UnregisterHook func(id string, reason Reason)

type Config struct {
	ProbeInterval time.Duration
	AckTimeout    time.Duration
}

type connection struct {
	id        string
	transport Transport
	state     Liveness
	probe     *time.Timer
	ack       *time.Timer
	// gen invalidates timers armed before the latest state change.
	gen uint64
}

type Registry struct {
	mu       sync.Mutex
	conns    map[string]*connection
	hooks    []UnregisterHook
	cfg      Config
	ids      idgen.Generator
	fallback *idgen.Counter
	metrics  *metrics.Metrics
}

type Option func(*Registry)

func WithIDGenerator(g idgen.Generator) Option {
	return func(r *Registry) { r.ids = g }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func New(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		conns:    make(map[string]*connection),
		cfg:      cfg,
		ids:      idgen.NewUUID(),
		fallback: idgen.NewCounter("conn-"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnUnregister adds a hook. Hooks must be added before connections are
// registered.
func (r *Registry) OnUnregister(h UnregisterHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

// Register assigns an identity to t, marks it alive and arms its probe.
func (r *Registry) Register(t Transport) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextIDLocked()
	c := &connection{id: id, transport: t, state: Alive}
	r.conns[id] = c
	r.armProbeLocked(c)

	r.metrics.ConnectionOpened()
	l := log.L()
	l.Debug().Str(log.FieldConnID, id).Int("connections", len(r.conns)).Msg("connection registered")
	return id
}

func (r *Registry) nextIDLocked() string {
	for {
		id, err := r.ids.Generate()
		if err != nil || id == "" {
			l := log.L()
			l.Warn().Err(err).Msg("id generator failed, using fallback counter")
			id, _ = r.fallback.Generate()
		}
		if _, taken := r.conns[id]; !taken {
			return id
		}
	}
}

// Touch records a liveness acknowledgment for id.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return
	}
	if c.ack != nil {
		c.ack.Stop()
		c.ack = nil
	}
	c.state = Alive
	r.armProbeLocked(c)
}

func (r *Registry) armProbeLocked(c *connection) {
	if c.probe != nil {
		c.probe.Stop()
	}
	c.gen++
	gen := c.gen
	c.probe = time.AfterFunc(r.cfg.ProbeInterval, func() { r.onProbe(c, gen) })
}

func (r *Registry) onProbe(c *connection, gen uint64) {
	r.mu.Lock()
	if r.conns[c.id] != c || c.gen != gen || c.state != Alive {
		r.mu.Unlock()
		return
	}
	c.state = AwaitingPong
	c.gen++
	ackGen := c.gen
	c.ack = time.AfterFunc(r.cfg.AckTimeout, func() { r.onAckTimeout(c, ackGen) })
	t := c.transport
	r.mu.Unlock()

	if err := t.Ping(); err != nil {
		l := log.L()
		l.Debug().Err(err).Str(log.FieldConnID, c.id).Msg("heartbeat ping failed")
		r.unregister(c.id, ReasonTransportError)
	}
}

func (r *Registry) onAckTimeout(c *connection, gen uint64) {
	r.mu.Lock()
	if r.conns[c.id] != c || c.gen != gen || c.state != AwaitingPong {
		r.mu.Unlock()
		return
	}
	c.state = Dead
	r.mu.Unlock()

	r.metrics.Reaped()
	l := log.L()
	l.Info().Str(log.FieldConnID, c.id).Dur("ack_timeout", r.cfg.AckTimeout).Msg("connection missed heartbeat, reaping")
	r.unregister(c.id, ReasonReaped)
}

// Unregister removes id, closes its transport and runs the unregister
// hooks. It reports whether id was registered; repeated calls are no-ops.
func (r *Registry) Unregister(id string) bool {
	return r.unregister(id, ReasonDisconnected)
}

func (r *Registry) unregister(id string, reason Reason) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	if c.probe != nil {
		c.probe.Stop()
	}
	if c.ack != nil {
		c.ack.Stop()
	}
	c.state = Dead
	c.gen++
	hooks := append([]UnregisterHook(nil), r.hooks...)
	remaining := len(r.conns)
	r.mu.Unlock()

	if err := c.transport.Close(); err != nil {
		l := log.L()
		l.Debug().Err(err).Str(log.FieldConnID, id).Msg("transport close")
	}
	r.metrics.ConnectionClosed()

	for _, h := range hooks {
		h(id, reason)
	}

	l := log.L()
	l.Debug().Str(log.FieldConnID, id).Str("reason", string(reason)).Int("connections", remaining).Msg("connection unregistered")
	return true
}

// Lookup resolves id to its transport.
func (r *Registry) Lookup(id string) (Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return c.transport, true
}

// State returns the heartbeat state of id.
func (r *Registry) State(id string) (Liveness, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return Dead, false
	}
	return c.state, true
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// IDs returns a sorted snapshot of registered ids.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Close unregisters every connection.
func (r *Registry) Close() {
	for _, id := range r.IDs() {
		r.unregister(id, ReasonShutdown)
	}
}

// Package lifecycle drives each WebSocket connection through
// Connected -> Identified -> Closed and turns its events into presence
// registry changes, presence broadcasts and routed messages.
package lifecycle

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amigochat/realtime/internal/message"
	"github.com/amigochat/realtime/internal/metrics"
	"github.com/amigochat/realtime/internal/presence"
	"github.com/amigochat/realtime/internal/protocol"
	"github.com/amigochat/realtime/internal/ratelimit"
	"github.com/amigochat/realtime/internal/router"
	"github.com/amigochat/realtime/internal/transport"
	"github.com/amigochat/realtime/internal/ws"
)

// State is the lifecycle state of one connection.
type State int

const (
	Connected State = iota
	Identified
	Closed
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Identified:
		return "identified"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// callTimeout bounds every call to an external collaborator.
const callTimeout = 3 * time.Second

// Announcer publishes presence sets.
type Announcer interface {
	Announce(set presence.Set)
}

// Router delivers send-intents.
type Router interface {
	Route(env router.Envelope) router.Outcome
}

// IdentityVerifier checks that token was issued to userID.
type IdentityVerifier interface {
	VerifyIdentity(ctx context.Context, token, userID string) error
}

// Limiter throttles send-intents per connection.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) (time.Duration, error)
}

// Publisher forwards routed messages to the persistence side.
type Publisher interface {
	PublishMessageSent(data []byte) error
}

// Mirror records identified connections outside the process.
type Mirror interface {
	SetUser(ctx context.Context, connID, userID string) error
}

// Options tune the manager.
type Options struct {
	// StrictIdentity requires a valid token on identify, drops send-intents
	// from unidentified connections and stamps sender_id with the bound
	// identity.
	StrictIdentity bool
}

type connState struct {
	state  State
	userID string
}

// Manager owns the per-connection state machine.
type Manager struct {
	registry  *presence.Registry
	announcer Announcer
	router    Router
	transport transport.Transport
	opts      Options

	verifier  IdentityVerifier
	limiter   Limiter
	publisher Publisher
	mirror    Mirror

	mu    sync.Mutex
	conns map[string]*connState

	draining atomic.Bool
}

// NewManager creates a Manager. transport is used for the frames the manager
// writes itself (rate_limited).
func NewManager(registry *presence.Registry, announcer Announcer, r Router, t transport.Transport, opts Options) *Manager {
	return &Manager{
		registry:  registry,
		announcer: announcer,
		router:    r,
		transport: t,
		opts:      opts,
		conns:     make(map[string]*connState),
	}
}

// SetVerifier installs the token check used in strict identity mode.
func (m *Manager) SetVerifier(v IdentityVerifier) { m.verifier = v }

// SetLimiter enables per-connection send-intent rate limiting.
func (m *Manager) SetLimiter(l Limiter) { m.limiter = l }

// SetPublisher enables publishing of every routed send-intent.
func (m *Manager) SetPublisher(p Publisher) { m.publisher = p }

// SetMirror enables mirroring of identified connections.
func (m *Manager) SetMirror(mr Mirror) { m.mirror = mr }

// Attach registers the manager's handlers on the dispatcher and its
// connect/disconnect callbacks on the server.
func (m *Manager) Attach(server *ws.Server, d *ws.MessageDispatcher) {
	d.Register(protocol.TypeIdentify, func(c *ws.Connection, msg interface{}) {
		if im, ok := msg.(protocol.IdentifyMsg); ok {
			m.Identify(c.ID, im)
		}
	})
	d.Register(protocol.TypeSendMessage, func(c *ws.Connection, msg interface{}) {
		if sm, ok := msg.(protocol.SendMessageMsg); ok {
			m.SendIntent(c.ID, sm)
		}
	})
	server.SetOnConnect(m.Connect)
	server.SetOnDisconnect(m.Disconnect)
	server.SetOnShutdown(m.Drain)
}

// Drain stops presence announcements. The server calls it when shutdown
// starts: every remaining connection is about to close, and announcing each
// removal to all the others would take quadratic writes. Registry and
// connection state are still released.
func (m *Manager) Drain() {
	if m.draining.CompareAndSwap(false, true) {
		log.Printf("[lifecycle] draining: presence announcements stopped")
	}
}

func (m *Manager) announce(set presence.Set) {
	if m.draining.Load() {
		return
	}
	m.announcer.Announce(set)
}

// Connect records a newly accepted connection.
func (m *Manager) Connect(connID string) {
	m.mu.Lock()
	m.conns[connID] = &connState{state: Connected}
	m.mu.Unlock()
}

// State returns the lifecycle state of connID. Unknown connections report
// Closed.
func (m *Manager) State(connID string) (State, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.conns[connID]
	if !ok {
		return Closed, ""
	}
	return cs.state, cs.userID
}

// Identify binds connID to msg.UserID. The first live binding of an identity
// wins; later identifies for the same user leave the registry unchanged and
// the losing connection Connected. A connection identifies at most once.
func (m *Manager) Identify(connID string, msg protocol.IdentifyMsg) {
	m.mu.Lock()
	cs, ok := m.conns[connID]
	if !ok || cs.state != Connected {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if m.opts.StrictIdentity {
		if err := m.verify(msg); err != nil {
			log.Printf("[lifecycle] identify rejected conn=%s user=%s: %v", connID, msg.UserID, err)
			metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
			return
		}
	}

	set, changed := m.registry.Add(msg.UserID, connID)
	if changed {
		m.announce(set)
	} else if sess, ok := m.registry.Lookup(msg.UserID); !ok || sess.ConnectionID != connID {
		// The identity lives on another connection. This one stays Connected
		// so it can bind once that connection closes.
		log.Printf("[lifecycle] identify conn=%s user=%s left registry unchanged", connID, msg.UserID)
		return
	}

	m.mu.Lock()
	current, alive := m.conns[connID]
	if alive && current == cs {
		cs.state = Identified
		cs.userID = msg.UserID
	}
	m.mu.Unlock()

	if !alive || current != cs {
		// Closed while identifying: Disconnect may have run before Add.
		if set, removed := m.registry.Remove(connID); removed {
			m.announce(set)
		}
		return
	}

	if changed && m.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		if err := m.mirror.SetUser(ctx, connID, msg.UserID); err != nil {
			log.Printf("[lifecycle] mirror set user conn=%s: %v", connID, err)
		}
	}
}

func (m *Manager) verify(msg protocol.IdentifyMsg) error {
	if m.verifier == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return m.verifier.VerifyIdentity(ctx, msg.Token, msg.UserID)
}

// SendIntent routes a direct message. Connected and Identified connections
// may send; in strict identity mode only Identified ones, and the sender is
// the bound identity.
func (m *Manager) SendIntent(connID string, msg protocol.SendMessageMsg) {
	m.mu.Lock()
	cs, ok := m.conns[connID]
	var (
		state  State
		userID string
	)
	if ok {
		state, userID = cs.state, cs.userID
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if !m.allow(connID) {
		return
	}

	env := router.Envelope{
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Text:       msg.Body(),
	}
	if m.opts.StrictIdentity {
		if state != Identified {
			log.Printf("[lifecycle] send from unidentified conn=%s dropped", connID)
			metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
			return
		}
		env.SenderID = userID
	}

	outcome := m.router.Route(env)
	m.publish(env, outcome)
}

// allow applies the send-intent rate limit and notifies a limited client.
func (m *Manager) allow(connID string) bool {
	if m.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	allowed, _ := m.limiter.Allow(ctx, connID, ratelimit.RuleMessage)
	if allowed {
		return true
	}

	metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRateLimited).Inc()
	retry, err := m.limiter.RetryAfter(ctx, connID, ratelimit.RuleMessage)
	if err != nil || retry <= 0 {
		retry = ratelimit.RuleMessage.Window
	}
	data, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(math.Ceil(retry.Seconds())),
	})
	if err == nil {
		if err := m.transport.SendMessage(connID, data); err != nil {
			log.Printf("[lifecycle] rate_limited notify conn=%s: %v", connID, err)
		}
	}
	return false
}

func (m *Manager) publish(env router.Envelope, outcome router.Outcome) {
	if m.publisher == nil {
		return
	}
	data, err := json.Marshal(message.NewEvent(env.SenderID, env.ReceiverID, env.Text, outcome == router.Delivered))
	if err != nil {
		log.Printf("[lifecycle] marshal message event: %v", err)
		return
	}
	if err := m.publisher.PublishMessageSent(data); err != nil {
		log.Printf("[lifecycle] publish message event from=%s: %v", env.SenderID, err)
	}
}

// Disconnect releases connID from any state. If it held a presence binding
// the binding is removed and the new set announced. Calling it twice is a
// no-op.
func (m *Manager) Disconnect(connID string) {
	m.mu.Lock()
	if cs, ok := m.conns[connID]; ok {
		cs.state = Closed
		delete(m.conns, connID)
	}
	m.mu.Unlock()

	if set, changed := m.registry.Remove(connID); changed {
		m.announce(set)
	}
}

// Len returns the number of open connections the manager tracks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Package router delivers direct messages to the live connection of their
// recipient. Delivery is best-effort and at-most-once: there is no queueing
// for offline users, no retry, and no acknowledgement to the sender.
package router

import (
	"log"
	"time"

	"github.com/amigochat/realtime/internal/metrics"
	"github.com/amigochat/realtime/internal/presence"
	"github.com/amigochat/realtime/internal/protocol"
	"github.com/amigochat/realtime/internal/transport"
)

// Envelope is the transient send-intent carried from one client to another.
type Envelope struct {
	SenderID   string
	ReceiverID string
	Text       string
}

// Outcome describes what happened to one routed envelope.
type Outcome int

const (
	// Delivered means the frame was written to the recipient's connection.
	Delivered Outcome = iota
	// Dropped means the recipient had no live session.
	Dropped
	// Failed means the recipient was found but the write failed, usually
	// because the connection went away between lookup and write.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return metrics.OutcomeDelivered
	case Dropped:
		return metrics.OutcomeDropped
	case Failed:
		return metrics.OutcomeFailed
	default:
		return "unknown"
	}
}

// Directory resolves an identity to its live session.
type Directory interface {
	Lookup(userID string) (presence.Session, bool)
}

// Router forwards envelopes to the connection bound to their receiver.
type Router struct {
	dir       Directory
	transport transport.Transport
}

// New creates a Router resolving recipients through dir and writing through t.
func New(dir Directory, t transport.Transport) *Router {
	return &Router{dir: dir, transport: t}
}

// Route delivers {sender_id, text} to the receiver's connection if the
// receiver is online. Absent recipients and write failures are normal traffic
// and are never returned as errors.
func (r *Router) Route(env Envelope) Outcome {
	start := time.Now()
	outcome := r.route(env)
	metrics.RouteLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesTotal.WithLabelValues(outcome.String()).Inc()
	return outcome
}

func (r *Router) route(env Envelope) Outcome {
	sess, ok := r.dir.Lookup(env.ReceiverID)
	if !ok {
		return Dropped
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.DeliveredMsg{
		SenderID: env.SenderID,
		Text:     env.Text,
	})
	if err != nil {
		log.Printf("[router] failed to build message from=%s to=%s: %v", env.SenderID, env.ReceiverID, err)
		return Failed
	}

	if err := r.transport.SendMessage(sess.ConnectionID, data); err != nil {
		log.Printf("[router] delivery failed from=%s to=%s conn=%s: %v",
			env.SenderID, env.ReceiverID, sess.ConnectionID, err)
		return Failed
	}
	return Delivered
}

package presence

import (
	"log"
	"sync"
	"time"

	"github.com/amigochat/realtime/internal/metrics"
	"github.com/amigochat/realtime/internal/protocol"
	"github.com/amigochat/realtime/internal/transport"
)

// Broadcaster pushes the full presence set to every live connection.
//
// Announcements never go backwards: if a set arrives that is older than one
// already announced (two changes racing to announce), the newest known set is
// sent in its place. The lock only covers picking that set; frames are
// written outside it so a slow connection cannot stall unrelated identifies
// and disconnects. With a transport.Sequenced transport each frame carries
// the set's version and a connection never receives an older set after a
// newer one, so all clients converge on the latest state.
type Broadcaster struct {
	transport transport.Transport

	mu     sync.Mutex
	latest Set
}

// NewBroadcaster creates a Broadcaster writing through t.
func NewBroadcaster(t transport.Transport) *Broadcaster {
	return &Broadcaster{transport: t}
}

// Announce broadcasts a presence_update frame. Delivery failures are handled
// by the transport and never reported to the caller.
func (b *Broadcaster) Announce(set Set) {
	b.mu.Lock()
	if set.Version >= b.latest.Version {
		b.latest = set
	}
	latest := b.latest
	metrics.OnlineUsers.Set(float64(latest.Len()))
	b.mu.Unlock()

	data, err := protocol.NewServerMessage(protocol.TypePresenceUpdate, protocol.PresenceUpdateMsg{
		Users: latest.Entries(),
	})
	if err != nil {
		log.Printf("[presence] failed to build presence_update v=%d: %v", latest.Version, err)
		return
	}

	start := time.Now()
	if st, ok := b.transport.(transport.Sequenced); ok {
		st.BroadcastSeq(latest.Version, data)
	} else {
		b.transport.Broadcast(data)
	}
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
	metrics.PresenceBroadcasts.Inc()

	log.Printf("[presence] announced v=%d online=%d", latest.Version, latest.Len())
}

package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amigochat/realtime/internal/message"
	"github.com/amigochat/realtime/internal/presence"
	"github.com/amigochat/realtime/internal/protocol"
	"github.com/amigochat/realtime/internal/ratelimit"
	"github.com/amigochat/realtime/internal/router"
)

// hub records frames per connection the way a transport would deliver them.
// Sequenced broadcasts may arrive out of order; newest keeps the frame with
// the highest sequence, which is what every connection ends up holding.
type hub struct {
	mu         sync.Mutex
	sent       map[string][][]byte
	broadcasts [][]byte
	newestSeq  uint64
	newest     []byte
}

func newHub() *hub {
	return &hub{sent: make(map[string][][]byte)}
}

func (h *hub) SendMessage(connID string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent[connID] = append(h.sent[connID], data)
	return nil
}

func (h *hub) Broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcasts = append(h.broadcasts, data)
}

func (h *hub) BroadcastSeq(seq uint64, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcasts = append(h.broadcasts, data)
	if h.newest == nil || seq >= h.newestSeq {
		h.newestSeq, h.newest = seq, data
	}
}

func (h *hub) frames(connID string) [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.sent[connID]...)
}

func (h *hub) broadcastCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.broadcasts)
}

func (h *hub) lastPresence(t *testing.T) []protocol.PresenceEntry {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.broadcasts, "no presence_update broadcast")

	last := h.newest
	if last == nil {
		last = h.broadcasts[len(h.broadcasts)-1]
	}
	var msg protocol.PresenceUpdateMsg
	require.NoError(t, json.Unmarshal(last, &msg))
	require.Equal(t, protocol.TypePresenceUpdate, msg.Type)
	return msg.Users
}

type fixture struct {
	hub      *hub
	registry *presence.Registry
	manager  *Manager
}

func newFixture(opts Options) *fixture {
	h := newHub()
	reg := presence.NewRegistry()
	m := NewManager(reg, presence.NewBroadcaster(h), router.New(reg, h), h, opts)
	return &fixture{hub: h, registry: reg, manager: m}
}

func identify(userID string) protocol.IdentifyMsg {
	return protocol.IdentifyMsg{Type: protocol.TypeIdentify, UserID: userID}
}

func send(sender, receiver, text string) protocol.SendMessageMsg {
	return protocol.SendMessageMsg{Type: protocol.TypeSendMessage, SenderID: sender, ReceiverID: receiver, Text: &text}
}

func TestIdentify_AnnouncesPresence(t *testing.T) {
	f := newFixture(Options{})

	f.manager.Connect("c1")
	f.manager.Identify("c1", identify("alice"))

	assert.Equal(t, 1, f.hub.broadcastCount())
	assert.Equal(t, []protocol.PresenceEntry{{UserID: "alice", ConnectionID: "c1"}}, f.hub.lastPresence(t))

	state, user := f.manager.State("c1")
	assert.Equal(t, Identified, state)
	assert.Equal(t, "alice", user)
}

func TestSendIntent_DeliversToRecipient(t *testing.T) {
	f := newFixture(Options{})

	f.manager.Connect("c1")
	f.manager.Connect("c2")
	f.manager.Identify("c2", identify("bob"))

	f.manager.SendIntent("c1", send("alice", "bob", "hi"))

	frames := f.hub.frames("c2")
	require.Len(t, frames, 1)
	var got protocol.DeliveredMsg
	require.NoError(t, json.Unmarshal(frames[0], &got))
	assert.Equal(t, protocol.DeliveredMsg{Type: protocol.TypeMessage, SenderID: "alice", Text: "hi"}, got)
	assert.Empty(t, f.hub.frames("c1"))
}

func TestSendIntent_UnknownRecipient(t *testing.T) {
	f := newFixture(Options{})

	f.manager.Connect("c1")
	f.manager.Identify("c1", identify("alice"))
	before := f.hub.broadcastCount()

	f.manager.SendIntent("c1", send("alice", "carol", "hi"))

	assert.Equal(t, before, f.hub.broadcastCount())
	assert.Empty(t, f.hub.frames("c1"))
}

func TestDisconnect_RemovesPresence(t *testing.T) {
	f := newFixture(Options{})

	f.manager.Connect("c1")
	f.manager.Identify("c1", identify("alice"))
	f.manager.Disconnect("c1")

	assert.Equal(t, 2, f.hub.broadcastCount())
	assert.Empty(t, f.hub.lastPresence(t))
	_, ok := f.registry.Lookup("alice")
	assert.False(t, ok)

	state, _ := f.manager.State("c1")
	assert.Equal(t, Closed, state)

	f.manager.Disconnect("c1")
	assert.Equal(t, 2, f.hub.broadcastCount(), "second disconnect must be a no-op")
}

func TestIdentify_FirstBindingWins(t *testing.T) {
	f := newFixture(Options{})

	f.manager.Connect("c1")
	f.manager.Connect("c2")
	f.manager.Identify("c1", identify("alice"))
	f.manager.Identify("c2", identify("alice"))

	sess, ok := f.registry.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "c1", sess.ConnectionID)
	assert.Equal(t, 1, f.hub.broadcastCount())

	// c2 holds no binding, so closing it changes nothing.
	f.manager.Disconnect("c2")
	assert.Equal(t, 1, f.hub.broadcastCount())
}

func TestIdentify_LosingConnectionBindsAfterWinnerCloses(t *testing.T) {
	f := newFixture(Options{})

	f.manager.Connect("c1")
	f.manager.Connect("c2")
	f.manager.Identify("c1", identify("alice"))
	f.manager.Identify("c2", identify("alice"))

	state, user := f.manager.State("c2")
	assert.Equal(t, Connected, state, "a connection without the binding stays Connected")
	assert.Empty(t, user)

	f.manager.Disconnect("c1")
	f.manager.Identify("c2", identify("alice"))

	sess, ok := f.registry.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "c2", sess.ConnectionID)
	state, user = f.manager.State("c2")
	assert.Equal(t, Identified, state)
	assert.Equal(t, "alice", user)
	assert.Equal(t, []protocol.PresenceEntry{{UserID: "alice", ConnectionID: "c2"}}, f.hub.lastPresence(t))
	assert.Equal(t, 3, f.hub.broadcastCount())
}

func TestStrictIdentity_LosingConnectionCannotSend(t *testing.T) {
	f := newFixture(Options{StrictIdentity: true})

	f.manager.Connect("c1")
	f.manager.Connect("c2")
	f.manager.Connect("c3")
	f.manager.Identify("c1", identify("alice"))
	f.manager.Identify("c2", identify("alice"))
	f.manager.Identify("c3", identify("bob"))

	f.manager.SendIntent("c2", send("alice", "bob", "not bound"))
	assert.Empty(t, f.hub.frames("c3"))

	f.manager.SendIntent("c1", send("alice", "bob", "bound"))
	assert.Len(t, f.hub.frames("c3"), 1)
}

func TestIdentify_RepeatOnSameConnection(t *testing.T) {
	f := newFixture(Options{})

	f.manager.Connect("c1")
	f.manager.Identify("c1", identify("alice"))
	f.manager.Identify("c1", identify("alice"))
	f.manager.Identify("c1", identify("mallory"))

	assert.Equal(t, 1, f.hub.broadcastCount())
	assert.Equal(t, 1, f.registry.Len())
	_, user := f.manager.State("c1")
	assert.Equal(t, "alice", user)
}

func TestBroadcastCountMatchesChanges(t *testing.T) {
	f := newFixture(Options{})
	users := []string{"u1", "u2", "u3", "u4"}

	changes := 0
	for i, u := range users {
		connID := "c" + u
		f.manager.Connect(connID)
		f.manager.Identify(connID, identify(u))
		changes++
		if i%2 == 0 {
			// no-op re-identify from another connection
			f.manager.Connect("dup" + u)
			f.manager.Identify("dup"+u, identify(u))
		}
	}
	for _, u := range users[:2] {
		f.manager.Disconnect("c" + u)
		changes++
	}
	f.manager.Disconnect("never-connected")

	assert.Equal(t, changes, f.hub.broadcastCount())
	assert.Len(t, f.hub.lastPresence(t), 2)
}

func TestConcurrentIdentifyConverges(t *testing.T) {
	f := newFixture(Options{})
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		connID := "c" + string(rune('A'+i%26)) + string(rune('a'+i/26))
		f.manager.Connect(connID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.manager.Identify(connID, identify("user-"+connID))
		}()
	}
	wg.Wait()

	assert.Equal(t, n, f.hub.broadcastCount())
	assert.Len(t, f.hub.lastPresence(t), n)
}

func TestIdentify_UnknownConnectionIgnored(t *testing.T) {
	f := newFixture(Options{})

	f.manager.Identify("ghost", identify("alice"))
	f.manager.SendIntent("ghost", send("alice", "bob", "hi"))

	assert.Zero(t, f.hub.broadcastCount())
	assert.Zero(t, f.registry.Len())
}

type fakeVerifier struct {
	valid map[string]string // token -> user id
}

func (v fakeVerifier) VerifyIdentity(_ context.Context, token, userID string) error {
	if v.valid[token] != userID {
		return errors.New("token mismatch")
	}
	return nil
}

func TestStrictIdentity(t *testing.T) {
	f := newFixture(Options{StrictIdentity: true})
	f.manager.SetVerifier(fakeVerifier{valid: map[string]string{"tok-alice": "alice", "tok-bob": "bob"}})

	f.manager.Connect("c1")
	f.manager.Connect("c2")
	f.manager.Connect("c3")

	f.manager.Identify("c1", protocol.IdentifyMsg{Type: protocol.TypeIdentify, UserID: "alice", Token: "tok-bob"})
	state, _ := f.manager.State("c1")
	assert.Equal(t, Connected, state, "bad token must not identify")
	assert.Zero(t, f.hub.broadcastCount())

	f.manager.Identify("c1", protocol.IdentifyMsg{Type: protocol.TypeIdentify, UserID: "alice", Token: "tok-alice"})
	f.manager.Identify("c2", protocol.IdentifyMsg{Type: protocol.TypeIdentify, UserID: "bob", Token: "tok-bob"})

	// unidentified sender is dropped
	f.manager.SendIntent("c3", send("alice", "bob", "spoof"))
	assert.Empty(t, f.hub.frames("c2"))

	// sender_id is replaced with the bound identity
	f.manager.SendIntent("c1", send("bob", "bob", "hi"))
	frames := f.hub.frames("c2")
	require.Len(t, frames, 1)
	var got protocol.DeliveredMsg
	require.NoError(t, json.Unmarshal(frames[0], &got))
	assert.Equal(t, "alice", got.SenderID)
}

type fakeLimiter struct {
	allowed int
	calls   int
	retry   time.Duration
}

func (l *fakeLimiter) Allow(_ context.Context, _ string, _ ratelimit.Rule) (bool, error) {
	l.calls++
	return l.calls <= l.allowed, nil
}

func (l *fakeLimiter) RetryAfter(_ context.Context, _ string, _ ratelimit.Rule) (time.Duration, error) {
	return l.retry, nil
}

func TestSendIntent_RateLimited(t *testing.T) {
	f := newFixture(Options{})
	f.manager.SetLimiter(&fakeLimiter{allowed: 1, retry: 2500 * time.Millisecond})

	f.manager.Connect("c1")
	f.manager.Connect("c2")
	f.manager.Identify("c2", identify("bob"))

	f.manager.SendIntent("c1", send("alice", "bob", "one"))
	f.manager.SendIntent("c1", send("alice", "bob", "two"))

	assert.Len(t, f.hub.frames("c2"), 1)

	frames := f.hub.frames("c1")
	require.Len(t, frames, 1)
	var rl protocol.RateLimitedMsg
	require.NoError(t, json.Unmarshal(frames[0], &rl))
	assert.Equal(t, protocol.TypeRateLimited, rl.Type)
	assert.Equal(t, 3, rl.RetryAfter)
}

type fakePublisher struct {
	events []message.Event
}

func (p *fakePublisher) PublishMessageSent(data []byte) error {
	var e message.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	p.events = append(p.events, e)
	return nil
}

func TestSendIntent_PublishesEvents(t *testing.T) {
	f := newFixture(Options{})
	pub := &fakePublisher{}
	f.manager.SetPublisher(pub)

	f.manager.Connect("c1")
	f.manager.Connect("c2")
	f.manager.Identify("c2", identify("bob"))

	f.manager.SendIntent("c1", send("alice", "bob", "hi"))
	f.manager.SendIntent("c1", send("alice", "carol", "anyone?"))

	require.Len(t, pub.events, 2)
	assert.Equal(t, "bob", pub.events[0].ReceiverID)
	assert.True(t, pub.events[0].Delivered)
	assert.Equal(t, "carol", pub.events[1].ReceiverID)
	assert.False(t, pub.events[1].Delivered)
	assert.Equal(t, "anyone?", pub.events[1].Text)
}

type fakeMirror struct {
	bound map[string]string
}

func (m *fakeMirror) SetUser(_ context.Context, connID, userID string) error {
	m.bound[connID] = userID
	return nil
}

func TestIdentify_MirrorsOnlyNewBindings(t *testing.T) {
	f := newFixture(Options{})
	mirror := &fakeMirror{bound: make(map[string]string)}
	f.manager.SetMirror(mirror)

	f.manager.Connect("c1")
	f.manager.Connect("c2")
	f.manager.Identify("c1", identify("alice"))
	f.manager.Identify("c2", identify("alice"))

	assert.Equal(t, map[string]string{"c1": "alice"}, mirror.bound)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "identified", Identified.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "unknown", State(9).String())
}

// hookVerifier runs before on every verification and then accepts.
type hookVerifier struct {
	before func()
}

func (v hookVerifier) VerifyIdentity(context.Context, string, string) error {
	v.before()
	return nil
}

func TestIdentify_DisconnectBeforeBind(t *testing.T) {
	f := newFixture(Options{StrictIdentity: true})
	f.manager.Connect("c0")
	f.manager.Identify("c0", identify("bob"))

	f.manager.Connect("c1")
	f.manager.SetVerifier(hookVerifier{before: func() { f.manager.Disconnect("c1") }})
	f.manager.Identify("c1", identify("alice"))

	_, ok := f.registry.Lookup("alice")
	assert.False(t, ok, "a closed connection must not keep a binding")
	assert.Equal(t, []protocol.PresenceEntry{{UserID: "bob", ConnectionID: "c0"}}, f.hub.lastPresence(t))
	state, _ := f.manager.State("c1")
	assert.Equal(t, Closed, state)
}

// hookAnnouncer forwards to next and runs hook after the first announcement.
type hookAnnouncer struct {
	next  Announcer
	hook  func()
	fired bool
}

func (a *hookAnnouncer) Announce(set presence.Set) {
	a.next.Announce(set)
	if !a.fired {
		a.fired = true
		a.hook()
	}
}

func TestIdentify_DisconnectAfterBind(t *testing.T) {
	h := newHub()
	reg := presence.NewRegistry()
	var m *Manager
	ann := &hookAnnouncer{next: presence.NewBroadcaster(h), hook: func() { m.Disconnect("c1") }}
	m = NewManager(reg, ann, router.New(reg, h), h, Options{})

	m.Connect("c1")
	m.Identify("c1", identify("alice"))

	_, ok := reg.Lookup("alice")
	assert.False(t, ok)
	assert.Empty(t, h.lastPresence(t))
	assert.Equal(t, 2, h.broadcastCount())
	assert.Zero(t, m.Len())
}

func TestDrain_StopsAnnouncements(t *testing.T) {
	f := newFixture(Options{})
	f.manager.Connect("c1")
	f.manager.Connect("c2")
	f.manager.Identify("c1", identify("alice"))
	f.manager.Identify("c2", identify("bob"))
	before := f.hub.broadcastCount()

	f.manager.Drain()
	f.manager.Disconnect("c1")
	f.manager.Disconnect("c2")

	assert.Equal(t, before, f.hub.broadcastCount())
	assert.Zero(t, f.registry.Len())
	assert.Zero(t, f.manager.Len())
}

// slowHub delays every broadcast, standing in for a connection with a full
// receive window.
type slowHub struct {
	*hub
	delay time.Duration
}

func (s slowHub) BroadcastSeq(seq uint64, data []byte) {
	time.Sleep(s.delay)
	s.hub.BroadcastSeq(seq, data)
}

func TestIdentify_SlowBroadcastDoesNotSerialize(t *testing.T) {
	h := slowHub{hub: newHub(), delay: 300 * time.Millisecond}
	reg := presence.NewRegistry()
	m := NewManager(reg, presence.NewBroadcaster(h), router.New(reg, h), h, Options{})

	users := []string{"u1", "u2", "u3", "u4"}
	for _, u := range users {
		m.Connect("c-" + u)
	}

	start := time.Now()
	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			m.Identify("c-"+u, identify(u))
		}(u)
	}
	wg.Wait()

	assert.Less(t, time.Since(start), time.Duration(len(users))*h.delay,
		"identifies on separate connections must not wait for each other's broadcasts")
	assert.Equal(t, len(users), h.broadcastCount())
	assert.Len(t, h.lastPresence(t), len(users))
}

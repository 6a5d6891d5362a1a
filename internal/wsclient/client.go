// Package wsclient is a small gobwas/ws client for the realtime chat
// protocol. It performs the identify handshake, sends direct messages, and
// delivers server frames either to per-type handlers or to a frame queue. It
// backs the load generator and the end-to-end tests.
package wsclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/amigochat/realtime/internal/protocol"
)

// ErrClosed is returned by Next and WaitFor once the connection is gone.
var ErrClosed = errors.New("wsclient: connection closed")

// queueSize is the number of unhandled frames buffered for Next.
const queueSize = 256

// Frame is one text frame received from the server.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the frame into v.
func (f Frame) Decode(v interface{}) error {
	return json.Unmarshal(f.Raw, v)
}

// Stats tracks per-connection counters.
type Stats struct {
	ConnectLatency time.Duration
	Sent           int64
	Received       int64
	Dropped        int64 // frames discarded because the queue was full
}

// Client is one WebSocket connection to the chat server.
type Client struct {
	conn   net.Conn
	reader io.Reader
	connID string

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]func(Frame)

	frames    chan Frame
	done      chan struct{}
	closeOnce sync.Once

	connectLatency time.Duration
	sent           int64
	received       int64
	dropped        int64
}

// Dial connects to url (ws://host/ws) and waits for the server's connected
// frame, which carries the connection id.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		reader:   conn,
		handlers: make(map[string]func(Frame)),
		frames:   make(chan Frame, queueSize),
		done:     make(chan struct{}),
	}
	// The server may write its first frame right behind the handshake
	// response; those bytes are already in br.
	if br != nil {
		c.reader = io.MultiReader(br, conn)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	first, err := c.readFrame()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("wsclient: waiting for connected frame: %w", err)
	}
	var connected protocol.ConnectedMsg
	if first.Type != protocol.TypeConnected || first.Decode(&connected) != nil || connected.ConnectionID == "" {
		conn.Close()
		return nil, fmt.Errorf("wsclient: unexpected first frame %q", first.Type)
	}
	c.connID = connected.ConnectionID
	c.connectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// ConnID returns the connection id assigned by the server.
func (c *Client) ConnID() string {
	return c.connID
}

// Send marshals msg and writes it as a text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wsclient: marshal: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw writes data as a text frame without inspecting it.
func (c *Client) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return err
	}
	atomic.AddInt64(&c.sent, 1)
	return nil
}

// Identify binds this connection to userID. token may be empty unless the
// server runs in strict identity mode.
func (c *Client) Identify(userID, token string) error {
	return c.Send(protocol.IdentifyMsg{Type: protocol.TypeIdentify, UserID: userID, Token: token})
}

// SendMessage sends a direct message intent.
func (c *Client) SendMessage(senderID, receiverID, text string) error {
	return c.Send(protocol.SendMessageMsg{
		Type:       protocol.TypeSendMessage,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       &text,
	})
}

// Ping sends an application-level ping; the server answers with pong.
func (c *Client) Ping() error {
	return c.Send(protocol.PingMsg{Type: protocol.TypePing})
}

// On registers a handler for a server frame type. Handled frames are not
// queued for Next. Handlers run on the read goroutine and must not block.
func (c *Client) On(msgType string, handler func(Frame)) {
	c.handlersMu.Lock()
	c.handlers[msgType] = handler
	c.handlersMu.Unlock()
}

// Next returns the next queued frame.
func (c *Client) Next(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	default:
	}
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// WaitFor returns the next queued frame of msgType, discarding other frames.
func (c *Client) WaitFor(ctx context.Context, msgType string) (Frame, error) {
	for {
		f, err := c.Next(ctx)
		if err != nil {
			return Frame{}, err
		}
		if f.Type == msgType {
			return f, nil
		}
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Stats returns a copy of the client's counters.
func (c *Client) Stats() Stats {
	return Stats{
		ConnectLatency: c.connectLatency,
		Sent:           atomic.LoadInt64(&c.sent),
		Received:       atomic.LoadInt64(&c.received),
		Dropped:        atomic.LoadInt64(&c.dropped),
	}
}

// Close sends a close frame and closes the connection. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = ws.WriteFrame(c.conn, ws.MaskFrameInPlace(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))
		c.writeMu.Unlock()
		err = c.conn.Close()
		close(c.done)
	})
	return err
}

// readFrame reads until the next text frame, answering pings on the way.
func (c *Client) readFrame() (Frame, error) {
	for {
		h, err := ws.ReadHeader(c.reader)
		if err != nil {
			return Frame{}, err
		}
		payload := make([]byte, h.Length)
		if _, err := io.ReadFull(c.reader, payload); err != nil {
			return Frame{}, err
		}
		if h.Masked {
			ws.Cipher(payload, h.Mask, 0)
		}

		switch h.OpCode {
		case ws.OpPing:
			c.writeMu.Lock()
			err := ws.WriteFrame(c.conn, ws.MaskFrameInPlace(ws.NewPongFrame(payload)))
			c.writeMu.Unlock()
			if err != nil {
				return Frame{}, err
			}
		case ws.OpClose:
			return Frame{}, io.EOF
		case ws.OpText:
			var env struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(payload, &env); err != nil {
				continue
			}
			return Frame{Type: env.Type, Raw: payload}, nil
		}
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	r := bufio.NewReader(c.reader)
	c.reader = r

	for {
		f, err := c.readFrame()
		if err != nil {
			return
		}
		atomic.AddInt64(&c.received, 1)

		c.handlersMu.RLock()
		handler, ok := c.handlers[f.Type]
		c.handlersMu.RUnlock()
		if ok {
			handler(f)
			continue
		}

		select {
		case c.frames <- f:
		default:
			atomic.AddInt64(&c.dropped, 1)
		}
	}
}

package wsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amigochat/realtime/internal/protocol"
)

// echoServer sends connected followed by presence_update, then answers every
// client frame with a pong and echoes it back as a message.
func echoServer(t *testing.T, first string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = wsutil.WriteServerText(conn, []byte(first))
		_ = wsutil.WriteServerText(conn, []byte(`{"type":"presence_update","users":[]}`))

		for {
			data, op, err := wsutil.ReadClientData(conn)
			if err != nil || op == ws.OpClose {
				return
			}
			_ = wsutil.WriteServerText(conn, []byte(`{"type":"pong"}`))
			echo, _ := json.Marshal(protocol.DeliveredMsg{Type: protocol.TypeMessage, SenderID: "echo", Text: string(data)})
			_ = wsutil.WriteServerText(conn, echo)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDial_ReadsConnectionID(t *testing.T) {
	url := echoServer(t, `{"type":"connected","connection_id":"c-42"}`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, url)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "c-42", c.ConnID())

	f, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePresenceUpdate, f.Type)
}

func TestDial_RejectsUnexpectedFirstFrame(t *testing.T) {
	url := echoServer(t, `{"type":"pong"}`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, url)
	assert.Error(t, err)
}

func TestHandlersAndWaitFor(t *testing.T) {
	url := echoServer(t, `{"type":"connected","connection_id":"c-1"}`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, url)
	require.NoError(t, err)
	defer c.Close()

	pongs := make(chan struct{}, 4)
	c.On(protocol.TypePong, func(Frame) { pongs <- struct{}{} })

	require.NoError(t, c.SendMessage("alice", "bob", "hi"))

	f, err := c.WaitFor(ctx, protocol.TypeMessage)
	require.NoError(t, err)
	var msg protocol.DeliveredMsg
	require.NoError(t, f.Decode(&msg))

	var sent protocol.SendMessageMsg
	require.NoError(t, json.Unmarshal([]byte(msg.Text), &sent))
	assert.Equal(t, "bob", sent.ReceiverID)
	assert.Equal(t, "hi", sent.Body())

	select {
	case <-pongs:
	case <-ctx.Done():
		t.Fatal("pong handler not called")
	}
	assert.Equal(t, int64(1), c.Stats().Sent)

	require.NoError(t, c.Close())
	_, err = c.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

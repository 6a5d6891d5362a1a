package ws

import (
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeConn returns a server-side Connection and the client end of a pipe.
func pipeConn(t *testing.T, id string, fd int) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return &Connection{ID: id, Conn: server, Fd: fd, CreatedAt: time.Now()}, client
}

func readText(t *testing.T, client net.Conn) string {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, op, err := wsutil.ReadServerData(client)
	require.NoError(t, err)
	require.Equal(t, ws.OpText, op)
	return string(data)
}

func TestConnectionManager_AddGetRemove(t *testing.T) {
	cm := NewConnectionManager()
	c, _ := pipeConn(t, "c1", 11)

	cm.Add(c)
	assert.Equal(t, 1, cm.Count())
	assert.Same(t, c, cm.Get("c1"))
	assert.Same(t, c, cm.GetByFd(11))

	assert.True(t, cm.Remove("c1"))
	assert.False(t, cm.Remove("c1"), "second remove must report false")
	assert.Nil(t, cm.Get("c1"))
	assert.Nil(t, cm.GetByFd(11))
	assert.Zero(t, cm.Count())
}

func TestConnectionManager_Broadcast(t *testing.T) {
	cm := NewConnectionManager()
	c1, client1 := pipeConn(t, "c1", 1)
	c2, client2 := pipeConn(t, "c2", 2)
	cm.Add(c1)
	cm.Add(c2)

	got := make(chan string, 2)
	for _, cl := range []net.Conn{client1, client2} {
		cl := cl
		go func() {
			_ = cl.SetReadDeadline(time.Now().Add(2 * time.Second))
			data, _, err := wsutil.ReadServerData(cl)
			if err == nil {
				got <- string(data)
			}
		}()
	}

	cm.Broadcast([]byte(`{"type":"presence_update","users":[]}`), time.Second)

	for i := 0; i < 2; i++ {
		select {
		case msg := <-got:
			assert.JSONEq(t, `{"type":"presence_update","users":[]}`, msg)
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast not received")
		}
	}
}

func TestConnection_WriteSeqSkipsOlder(t *testing.T) {
	c, client := pipeConn(t, "c1", 1)

	got := make(chan string, 4)
	go func() {
		for {
			_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
			data, _, err := wsutil.ReadServerData(client)
			if err != nil {
				return
			}
			got <- string(data)
		}
	}()

	wrote, err := c.WriteSeqTimeout(2, []byte(`v2`), time.Second)
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = c.WriteSeqTimeout(1, []byte(`v1`), time.Second)
	require.NoError(t, err)
	assert.False(t, wrote, "older frame must be skipped")

	wrote, err = c.WriteSeqTimeout(3, []byte(`v3`), time.Second)
	require.NoError(t, err)
	assert.True(t, wrote)

	for _, want := range []string{"v2", "v3"} {
		select {
		case msg := <-got:
			assert.Equal(t, want, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %s not received", want)
		}
	}
}

func TestConnection_Touch(t *testing.T) {
	c, _ := pipeConn(t, "c1", 1)
	assert.True(t, c.LastSeen().Before(time.Unix(1, 0)))

	c.Touch()
	assert.WithinDuration(t, time.Now(), c.LastSeen(), time.Second)
}

func TestDispatcher_PingAndUnknown(t *testing.T) {
	c, client := pipeConn(t, "c1", 1)
	d := NewMessageDispatcher()

	var called int
	d.Register("identify", func(conn *Connection, msg interface{}) { called++ })

	// Malformed and unsupported frames are dropped without a reply.
	d.Dispatch(c, []byte(`{`))
	d.Dispatch(c, []byte(`{"type":"message","sender_id":"x","text":"y"}`))
	d.Dispatch(c, []byte(`{"type":"identify"}`))
	assert.Zero(t, called)

	go d.Dispatch(c, []byte(`{"type":"ping"}`))
	assert.JSONEq(t, `{"type":"pong"}`, readText(t, client))

	d.Dispatch(c, []byte(`{"type":"identify","user_id":"alice"}`))
	assert.Equal(t, 1, called)
}

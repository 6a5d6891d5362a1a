package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/amigochat/realtime/internal/loadstats"
	"github.com/amigochat/realtime/internal/protocol"
	"github.com/amigochat/realtime/internal/wsclient"
)

// connectUser dials the server, records the handshake latency, and
// identifies as userID. The time until userID first shows up in a
// presence_update is recorded as presence latency.
func connectUser(ctx context.Context, url, userID string, collector *loadstats.Collector) (*wsclient.Client, error) {
	c, err := wsclient.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	collector.AddConnect(c.Stats().ConnectLatency)

	var seen atomic.Bool
	identifiedAt := time.Now()
	c.On(protocol.TypePresenceUpdate, func(f wsclient.Frame) {
		if seen.Load() {
			return
		}
		var msg protocol.PresenceUpdateMsg
		if f.Decode(&msg) != nil {
			return
		}
		if lo.ContainsBy(msg.Users, func(e protocol.PresenceEntry) bool { return e.UserID == userID }) &&
			seen.CompareAndSwap(false, true) {
			collector.AddPresence(time.Since(identifiedAt))
		}
	})
	c.On(protocol.TypeRateLimited, func(wsclient.Frame) {
		collector.AddRateLimited()
	})

	if err := c.Identify(userID, ""); err != nil {
		c.Close()
		return nil, fmt.Errorf("identify %s: %w", userID, err)
	}
	return c, nil
}

// runID namespaces user ids so concurrent runs do not collide.
func runID() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("lt-%s-%d", host, time.Now().Unix()%100000)
}

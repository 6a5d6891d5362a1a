package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/amigochat/realtime/internal/loadstats"
	"github.com/amigochat/realtime/internal/protocol"
	"github.com/amigochat/realtime/internal/wsclient"
)

// runChat connects pairs of users and has each side send messages to its
// partner at a fixed rate. The send time travels in the message text so the
// receiver can record end-to-end delivery latency.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	metricsURL := fs.String("metrics", "http://localhost:8080/metrics", "Server metrics URL (empty to disable)")
	pairs := fs.Int("pairs", 50, "Number of user pairs")
	messages := fs.Int("messages", 20, "Messages each user sends")
	rate := fs.Duration("interval", 500*time.Millisecond, "Delay between messages from one user")
	settle := fs.Duration("settle", 2*time.Second, "Wait after sending for in-flight deliveries")
	_ = fs.Parse(args)

	fmt.Printf("Chat test: %d pairs, %d messages per user every %s against %s\n",
		*pairs, *messages, *rate, *url)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	if *metricsURL != "" {
		scraper := loadstats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	prefix := runID()
	users := make([]string, 2*(*pairs))
	clients := make([]*wsclient.Client, 2*(*pairs))

	fmt.Println("\n--- Connect phase ---")
	var wg sync.WaitGroup
	for i := range users {
		users[i] = fmt.Sprintf("%s-%d", prefix, i)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := connectUser(connCtx, *url, users[i], collector)
			if err != nil {
				collector.AddError()
				return
			}
			c.On(protocol.TypeMessage, func(f wsclient.Frame) {
				var msg protocol.DeliveredMsg
				if f.Decode(&msg) != nil {
					return
				}
				if sentAt, ok := parseStamp(msg.Text); ok {
					collector.AddDelivery(time.Since(sentAt))
				}
			})
			clients[i] = c
		}(i)
	}
	wg.Wait()
	fmt.Printf("Connected %d/%d users (%d errors)\n", collector.ConnectionCount(), len(users), collector.ErrorCount())

	// Let the presence set converge before sending.
	time.Sleep(time.Second)

	fmt.Println("\n--- Messaging phase ---")
	for i, c := range clients {
		if c == nil {
			continue
		}
		partner := users[i^1]
		wg.Add(1)
		go func(c *wsclient.Client, self, partner string) {
			defer wg.Done()
			ticker := time.NewTicker(*rate)
			defer ticker.Stop()
			for n := 0; n < *messages; n++ {
				select {
				case <-ctx.Done():
					return
				case <-c.Done():
					collector.AddError()
					return
				case <-ticker.C:
				}
				if err := c.SendMessage(self, partner, stamp(time.Now(), n)); err != nil {
					collector.AddError()
					return
				}
				collector.AddSent()
			}
		}(c, users[i], partner)
	}
	wg.Wait()

	select {
	case <-ctx.Done():
	case <-time.After(*settle):
	}

	fmt.Println("\n--- Cleanup ---")
	for _, c := range clients {
		if c != nil {
			c.Close()
		}
	}
	collector.Report(os.Stdout)
}

// stamp encodes the send time into the message text.
func stamp(t time.Time, seq int) string {
	return fmt.Sprintf("%d|%d", t.UnixNano(), seq)
}

func parseStamp(text string) (time.Time, bool) {
	ns, _, ok := strings.Cut(text, "|")
	if !ok {
		return time.Time{}, false
	}
	v, err := strconv.ParseInt(ns, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, v), true
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/amigochat/realtime/internal/loadstats"
	"github.com/amigochat/realtime/internal/wsclient"
)

// runSaturate opens and identifies the requested number of connections,
// ramping up over a configurable duration, then holds them open while
// counting drops. Every identify triggers a presence broadcast to all open
// connections, so this also exercises presence fan-out at scale.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	metricsURL := fs.String("metrics", "http://localhost:8080/metrics", "Server metrics URL (empty to disable)")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	_ = fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	if *metricsURL != "" {
		scraper := loadstats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	var mu sync.Mutex
	clients := make([]*wsclient.Client, 0, *connections)
	prefix := runID()
	interrupted := false

	fmt.Println("\n--- Ramp-up phase ---")

	interval := *rampUp / time.Duration(*connections)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount, lastTime := 0, time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				current := collector.ConnectionCount()
				rate := float64(current-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					current, *connections, collector.ErrorCount(), rate)
				lastCount, lastTime = current, now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	for launched := 0; launched < *connections && !interrupted; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
		case <-rampTicker.C:
			userID := fmt.Sprintf("%s-%d", prefix, launched)
			launched++
			wg.Add(1)
			sem <- struct{}{}

			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()

				c, err := connectUser(connCtx, *url, userID, collector)
				if err != nil {
					collector.AddError()
					return
				}
				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
	}
	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	dropped := 0
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		mu.Lock()
		initial := len(clients)
		mu.Unlock()
		fmt.Printf("Holding %d connections for %s...\n", initial, *hold)

		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				dropped = countClosed(&mu, clients)
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", initial-dropped, initial, dropped)
			}
		}
		holdTimer.Stop()
		statusTicker.Stop()
		dropped = countClosed(&mu, clients)
	}

	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()

	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report(os.Stdout)
}

func countClosed(mu *sync.Mutex, clients []*wsclient.Client) int {
	mu.Lock()
	defer mu.Unlock()
	closed := 0
	for _, c := range clients {
		select {
		case <-c.Done():
			closed++
		default:
		}
	}
	return closed
}

package loadstats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// snapshot holds the tracked server metrics at one point in time.
type snapshot struct {
	timestamp   time.Time
	connections float64
	onlineUsers float64
	messages    map[string]float64 // by outcome label
	broadcasts  float64
	// histogram _sum and _count, for averages
	routeSum       float64
	routeCount     float64
	broadcastSum   float64
	broadcastCount float64
}

// Scraper periodically fetches the server's /metrics endpoint and keeps the
// snapshots for the final report.
type Scraper struct {
	metricsURL string
	interval   time.Duration

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot immediately and then one per interval until ctx is
// cancelled or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the scraper and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return // server not up yet
	}
	defer resp.Body.Close()

	snap, err := parseSnapshot(resp.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

// parseSnapshot reads the Prometheus text exposition format.
func parseSnapshot(r io.Reader) (snapshot, error) {
	snap := snapshot{timestamp: time.Now(), messages: make(map[string]float64)}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		name, labels, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		switch name {
		case "amigo_connections_total":
			snap.connections = value
		case "amigo_online_users":
			snap.onlineUsers = value
		case "amigo_messages_total":
			snap.messages[labels["outcome"]] += value
		case "amigo_presence_broadcasts_total":
			snap.broadcasts = value
		case "amigo_route_latency_seconds_sum":
			snap.routeSum = value
		case "amigo_route_latency_seconds_count":
			snap.routeCount = value
		case "amigo_presence_broadcast_seconds_sum":
			snap.broadcastSum = value
		case "amigo_presence_broadcast_seconds_count":
			snap.broadcastCount = value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits `name{k="v",...} value` into its parts.
func parseMetricLine(line string) (name string, labels map[string]string, value float64, ok bool) {
	rest := line
	if open := strings.IndexByte(line, '{'); open != -1 {
		closing := strings.IndexByte(line[open:], '}')
		if closing == -1 {
			return "", nil, 0, false
		}
		name = line[:open]
		labels = parseLabels(line[open+1 : open+closing])
		rest = line[open+closing+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", nil, 0, false
		}
		name, rest = fields[0], strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", nil, 0, false
	}
	return name, labels, v, true
}

func parseLabels(s string) map[string]string {
	labels := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		labels[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return labels
}

// Report writes initial, final, delta and peak values for the tracked
// gauges and counters, and histogram averages over the run.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := make([]snapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	rows := []struct {
		label   string
		extract func(snapshot) float64
	}{
		{"Connections", func(s snapshot) float64 { return s.connections }},
		{"Online Users", func(s snapshot) float64 { return s.onlineUsers }},
		{"Broadcasts", func(s snapshot) float64 { return s.broadcasts }},
		{"Delivered", func(s snapshot) float64 { return s.messages["delivered"] }},
		{"Dropped", func(s snapshot) float64 { return s.messages["dropped"] }},
		{"Rate Limited", func(s snapshot) float64 { return s.messages["rate_limited"] }},
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, row := range rows {
		initial, final := row.extract(first), row.extract(last)
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			row.label, initial, final, final-initial, peakValue(snaps, row.extract))
	}

	fmt.Fprintln(w)
	printHistogramAvg(w, "Route Latency", first.routeSum, first.routeCount, last.routeSum, last.routeCount)
	printHistogramAvg(w, "Broadcast", first.broadcastSum, first.broadcastCount, last.broadcastSum, last.broadcastCount)
}

func printHistogramAvg(w io.Writer, label string, sumFirst, countFirst, sumLast, countLast float64) {
	deltaSum := sumLast - sumFirst
	deltaCount := countLast - countFirst
	if deltaCount > 0 {
		fmt.Fprintf(w, "  %-16s avg: %.4fs  (%.0f observations)\n", label, deltaSum/deltaCount, deltaCount)
	} else {
		fmt.Fprintf(w, "  %-16s avg: N/A  (no observations)\n", label)
	}
}

func peakValue(snaps []snapshot, extract func(snapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}

// Package loadstats aggregates client-side measurements from a load run and
// samples the server's Prometheus endpoint while it runs.
package loadstats

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Collector aggregates metrics from many load clients. All methods are
// goroutine-safe.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	deliveryLatency  []time.Duration
	presenceLatency  []time.Duration
	errors           int
	connections      int
	sent             int
	delivered        int
	rateLimited      int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a server metrics scraper; Report includes its summary.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection and its handshake latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddSent counts one send-intent written by a client.
func (c *Collector) AddSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// AddDelivery records a message received by its recipient, d after it was
// sent.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.deliveryLatency = append(c.deliveryLatency, d)
	c.delivered++
	c.mu.Unlock()
}

// AddPresence records how long an identify took to show up in a
// presence_update.
func (c *Collector) AddPresence(d time.Duration) {
	c.mu.Lock()
	c.presenceLatency = append(c.presenceLatency, d)
	c.mu.Unlock()
}

// AddRateLimited counts one rate_limited frame.
func (c *Collector) AddRateLimited() {
	c.mu.Lock()
	c.rateLimited++
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report writes a summary of the run to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}
	if c.sent > 0 {
		fmt.Fprintf(w, "Sent:         %d\n", c.sent)
		fmt.Fprintf(w, "Delivered:    %d (%.2f%%)\n", c.delivered, float64(c.delivered)/float64(c.sent)*100)
		fmt.Fprintf(w, "Rate limited: %d\n", c.rateLimited)
	}

	for _, section := range []struct {
		label string
		data  []time.Duration
	}{
		{"Connect Latency", c.connectLatencies},
		{"Presence Latency", c.presenceLatency},
		{"Delivery Latency", c.deliveryLatency},
	} {
		if len(section.data) > 0 {
			fmt.Fprintf(w, "\n--- %s ---\n", section.label)
			fmt.Fprintln(w, Summarize(section.data))
		}
	}

	if c.scraper != nil {
		c.scraper.Report(w)
	}
	fmt.Fprintln(w)
}

// Summary is a percentile digest of a latency sample.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.N,
	)
}

// Summarize computes avg, p50, p95, p99 and max. It sorts durations in place.
func Summarize(durations []time.Duration) Summary {
	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	return Summary{
		N:   n,
		Avg: lo.Sum(durations) / time.Duration(n),
		P50: durations[n/2],
		P95: durations[int(math.Ceil(float64(n)*0.95))-1],
		P99: durations[int(math.Ceil(float64(n)*0.99))-1],
		Max: durations[n-1],
	}
}

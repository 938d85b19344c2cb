// Package metrics keeps live pipeline counters. Counters are in-process
// only; durable run totals live in the collect_runs table.
package metrics

import (
	"sync"
	"time"

	"github.com/gauravfs-14/socflow/internal/globaltime"
)

// SourceCounters is the per-source tally of record outcomes.
type SourceCounters struct {
	Collected    int64 `json:"collected"`
	Inserted     int64 `json:"inserted"`
	Deduplicated int64 `json:"deduplicated"`
	Rejected     int64 `json:"rejected"`
	Retried      int64 `json:"retried"`
	Failed       int64 `json:"failed"`
}

func (c *SourceCounters) add(other SourceCounters) {
	c.Collected += other.Collected
	c.Inserted += other.Inserted
	c.Deduplicated += other.Deduplicated
	c.Rejected += other.Rejected
	c.Retried += other.Retried
	c.Failed += other.Failed
}

// Snapshot is a point-in-time copy safe to serve while collection runs.
type Snapshot struct {
	StartedAt       time.Time                 `json:"started_at"`
	UptimeSeconds   float64                   `json:"uptime_seconds"`
	Totals          SourceCounters            `json:"totals"`
	PerSource       map[string]SourceCounters `json:"per_source"`
	InsertsInWindow int64                     `json:"inserts_in_window"`
	WindowSeconds   float64                   `json:"window_seconds"`
	InsertsPerSec   float64                   `json:"inserts_per_sec"`
}

// Aggregator accumulates counters from concurrent source workers and
// derives insert throughput over a trailing window.
type Aggregator struct {
	mu        sync.Mutex
	startedAt time.Time
	perSource map[string]*SourceCounters
	window    time.Duration
	inserts   []time.Time
}

func NewAggregator(window time.Duration) *Aggregator {
	if window <= 0 {
		window = time.Minute
	}
	return &Aggregator{
		startedAt: globaltime.UTC(),
		perSource: make(map[string]*SourceCounters),
		window:    window,
	}
}

func (a *Aggregator) counters(source string) *SourceCounters {
	c, ok := a.perSource[source]
	if !ok {
		c = &SourceCounters{}
		a.perSource[source] = c
	}
	return c
}

func (a *Aggregator) AddCollected(source string, n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counters(source).Collected += n
}

func (a *Aggregator) AddInserted(source string, n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counters(source).Inserted += n
	now := globaltime.UTC()
	for range n {
		a.inserts = append(a.inserts, now)
	}
	a.pruneLocked(now)
}

func (a *Aggregator) AddDeduplicated(source string, n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counters(source).Deduplicated += n
}

func (a *Aggregator) AddRejected(source string, n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counters(source).Rejected += n
}

func (a *Aggregator) AddRetried(source string, n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counters(source).Retried += n
}

func (a *Aggregator) AddFailed(source string, n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counters(source).Failed += n
}

func (a *Aggregator) pruneLocked(now time.Time) {
	cutoff := now.Add(-a.window)
	idx := 0
	for idx < len(a.inserts) && a.inserts[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		a.inserts = append(a.inserts[:0], a.inserts[idx:]...)
	}
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := globaltime.UTC()
	a.pruneLocked(now)

	snap := Snapshot{
		StartedAt:       a.startedAt,
		UptimeSeconds:   globaltime.Since(a.startedAt).Seconds(),
		PerSource:       make(map[string]SourceCounters, len(a.perSource)),
		InsertsInWindow: int64(len(a.inserts)),
		WindowSeconds:   a.window.Seconds(),
	}
	for source, c := range a.perSource {
		snap.PerSource[source] = *c
		snap.Totals.add(*c)
	}
	if snap.WindowSeconds > 0 {
		snap.InsertsPerSec = float64(snap.InsertsInWindow) / snap.WindowSeconds
	}
	return snap
}

// Reset clears all counters and the throughput window.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startedAt = globaltime.UTC()
	a.perSource = make(map[string]*SourceCounters)
	a.inserts = nil
}

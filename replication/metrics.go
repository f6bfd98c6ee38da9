package replication

import (
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/caio/go-tdigest/v4"

	"github.com/INLOpen/gomsync/core"
)

// Metrics holds the replication counters and the tick duration digest.
// The counters are unpublished until Publish is called so several
// pipelines can coexist in one process.
type Metrics struct {
	FullTransactions    expvar.Int
	PartialTransactions expvar.Int
	SkippedEmpty        expvar.Int
	Vetoed              expvar.Int
	EncodeErrors        expvar.Int
	BytesSent           expvar.Int
	SessionsReached     expvar.Int
	SendFailures        expvar.Int
	Ticks               expvar.Int

	mu            sync.Mutex
	tickDurations *tdigest.TDigest
}

// NewMetrics creates a zeroed Metrics.
func NewMetrics() (*Metrics, error) {
	td, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}
	return &Metrics{tickDurations: td}, nil
}

// ObserveTick records the wall time of one scheduler tick.
func (m *Metrics) ObserveTick(d time.Duration) {
	m.Ticks.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.tickDurations.AddWeighted(float64(d)/float64(time.Millisecond), 1)
}

// TickQuantile returns the q-quantile of observed tick durations in
// milliseconds, or 0 before the first tick.
func (m *Metrics) TickQuantile(q float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tickDurations.Count() == 0 {
		return 0
	}
	return m.tickDurations.Quantile(q)
}

func (m *Metrics) countTransaction(r BroadcastResult) {
	if r.Level == core.LevelFull {
		m.FullTransactions.Add(1)
	} else {
		m.PartialTransactions.Add(1)
	}
	m.BytesSent.Add(int64(r.FrameBytes) * int64(r.Sessions))
	m.SessionsReached.Add(int64(r.Sessions))
	m.SendFailures.Add(int64(r.Failures))
}

// Publish exposes the metrics as an expvar map under name. It reports
// false if the name is already taken.
func (m *Metrics) Publish(name string) bool {
	if expvar.Get(name) != nil {
		return false
	}
	vars := new(expvar.Map).Init()
	vars.Set("transactions_full", &m.FullTransactions)
	vars.Set("transactions_partial", &m.PartialTransactions)
	vars.Set("transactions_skipped_empty", &m.SkippedEmpty)
	vars.Set("transactions_vetoed", &m.Vetoed)
	vars.Set("encode_errors", &m.EncodeErrors)
	vars.Set("bytes_sent", &m.BytesSent)
	vars.Set("sessions_reached", &m.SessionsReached)
	vars.Set("send_failures", &m.SendFailures)
	vars.Set("ticks", &m.Ticks)
	vars.Set("tick_duration_ms", expvar.Func(func() any {
		return map[string]float64{
			"p50": m.TickQuantile(0.50),
			"p90": m.TickQuantile(0.90),
			"p99": m.TickQuantile(0.99),
		}
	}))
	expvar.Publish(name, vars)
	return true
}

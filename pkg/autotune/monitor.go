// Package autotune watches per-stage shard latency distributions and emits
// hotspot signals when the p95 crosses a stage's threshold. It only ever
// observes and suggests; acting on a signal is the orchestrator's decision.
package autotune

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"

	"github.com/loomworks/shardloom/pkg/events"
	"github.com/loomworks/shardloom/pkg/shard"
)

const (
	// DefaultMinSamples is how many completions a stage needs before its
	// p95 is considered meaningful.
	DefaultMinSamples = 16

	// DefaultCooldown spaces out repeated signals for the same stage.
	DefaultCooldown = time.Minute

	// DefaultWindows is the number of rotated histogram windows kept; the
	// merged view covers roughly windows * rotate interval of history.
	DefaultWindows = 5

	// DefaultRotateInterval is the window rotation period used by Run when
	// the caller has no preference.
	DefaultRotateInterval = 30 * time.Second

	histMinValue = 1                                       // 1µs
	histMaxValue = int64(10 * time.Minute / time.Microsecond) // 10m in µs
	histSigFigs  = 3
)

// Monitor tracks rolling shard latency histograms per stage.
type Monitor struct {
	bus        *events.Bus
	log        *zap.Logger
	minSamples int64
	cooldown   time.Duration

	mu     sync.Mutex
	stages map[string]*stageWindow
}

type stageWindow struct {
	hist       *hdrhistogram.WindowedHistogram
	threshold  time.Duration
	lastSignal time.Time

	slowestShard    string
	slowestDuration time.Duration
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithMinSamples(n int64) Option {
	return func(m *Monitor) { m.minSamples = n }
}

func WithCooldown(d time.Duration) Option {
	return func(m *Monitor) { m.cooldown = d }
}

func NewMonitor(bus *events.Bus, log *zap.Logger, opts ...Option) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Monitor{
		bus:        bus,
		log:        log,
		minSamples: DefaultMinSamples,
		cooldown:   DefaultCooldown,
		stages:     make(map[string]*stageWindow),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record folds one shard completion latency into the stage's rolling window
// and emits a hotspot signal when the merged p95 exceeds the stage threshold.
func (m *Monitor) Record(jobID string, stage shard.StageSpec, shardID string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.stages[stage.ID]
	if w == nil {
		w = &stageWindow{
			hist:      hdrhistogram.NewWindowed(DefaultWindows, histMinValue, histMaxValue, histSigFigs),
			threshold: stage.HotspotP95,
		}
		m.stages[stage.ID] = w
	}
	if stage.HotspotP95 > 0 {
		w.threshold = stage.HotspotP95
	}

	us := d.Microseconds()
	if us < histMinValue {
		us = histMinValue
	}
	if us > histMaxValue {
		us = histMaxValue
	}
	if err := w.hist.Current.RecordValue(us); err != nil {
		m.log.Debug("latency sample discarded", zap.String("stage_id", stage.ID), zap.Error(err))
	}
	if d > w.slowestDuration {
		w.slowestDuration = d
		w.slowestShard = shardID
	}

	merged := w.hist.Merge()
	if merged.TotalCount() < m.minSamples {
		return
	}
	p95 := time.Duration(merged.ValueAtQuantile(95)) * time.Microsecond
	if w.threshold <= 0 || p95 <= w.threshold {
		return
	}
	now := time.Now()
	if now.Sub(w.lastSignal) < m.cooldown {
		return
	}
	w.lastSignal = now

	m.log.Info("stage latency hotspot",
		zap.String("job_id", jobID),
		zap.String("stage_id", stage.ID),
		zap.Duration("p95", p95),
		zap.Duration("threshold", w.threshold),
		zap.String("slowest_shard", w.slowestShard))
	if m.bus != nil {
		m.bus.Publish(jobID, events.TypeAutotuneSignal, events.AutotuneEvent{
			StageID:         stage.ID,
			SignalType:      "hotspot_p95",
			MetricValue:     p95.Seconds(),
			SuggestedAction: "split",
			ShardID:         w.slowestShard,
			SplitFactor:     4,
		})
	}
}

// P95 returns the merged p95 latency for a stage, or zero when the stage has
// no samples yet.
func (m *Monitor) P95(stageID string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.stages[stageID]
	if w == nil {
		return 0
	}
	merged := w.hist.Merge()
	if merged.TotalCount() == 0 {
		return 0
	}
	return time.Duration(merged.ValueAtQuantile(95)) * time.Microsecond
}

// Rotate advances every stage's histogram window, aging out old samples and
// resetting the slowest-shard marker.
func (m *Monitor) Rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.stages {
		w.hist.Rotate()
		w.slowestShard = ""
		w.slowestDuration = 0
	}
}

// Run rotates windows on the given interval until done is closed.
func (m *Monitor) Run(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRotateInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.Rotate()
		}
	}
}

package autotune

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/loomworks/shardloom/pkg/events"
	"github.com/loomworks/shardloom/pkg/shard"
)

func testStage(threshold time.Duration) shard.StageSpec {
	return shard.StageSpec{
		ID:         "stage-a",
		Executor:   "copy",
		Strategy:   "by-count",
		HotspotP95: threshold,
	}
}

func collectSignals(t *testing.T) (*events.Bus, *events.ChanSink) {
	t.Helper()
	sink := events.NewChanSink(256)
	bus := events.NewBus(256, nil, sink)
	t.Cleanup(func() { _ = bus.Close() })
	return bus, sink
}

// drainSignals closes the bus and returns the autotune records it delivered.
func drainSignals(bus *events.Bus, sink *events.ChanSink) []events.Record {
	_ = bus.Close()
	var out []events.Record
	for {
		select {
		case rec := <-sink.C:
			if rec.Type == events.TypeAutotuneSignal {
				out = append(out, rec)
			}
		default:
			return out
		}
	}
}

func TestHotspotSignalEmitted(t *testing.T) {
	bus, sink := collectSignals(t)
	m := NewMonitor(bus, nil, WithMinSamples(8))

	stage := testStage(100 * time.Millisecond)
	for i := 0; i < 20; i++ {
		m.Record("job-1", stage, "slow-shard", 500*time.Millisecond)
	}
	signals := drainSignals(bus, sink)
	if len(signals) == 0 {
		t.Fatal("expected a hotspot signal")
	}

	var payload events.AutotuneEvent
	if err := json.Unmarshal(signals[0].Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.SignalType != "hotspot_p95" {
		t.Fatalf("signal type = %q", payload.SignalType)
	}
	if payload.StageID != "stage-a" {
		t.Fatalf("stage id = %q", payload.StageID)
	}
	if payload.ShardID != "slow-shard" {
		t.Fatalf("slowest shard = %q", payload.ShardID)
	}
	if payload.SuggestedAction != "split" {
		t.Fatalf("suggested action = %q", payload.SuggestedAction)
	}
	if payload.MetricValue < 0.1 {
		t.Fatalf("metric value %f should exceed the threshold", payload.MetricValue)
	}
}

func TestNoSignalUnderThreshold(t *testing.T) {
	bus, sink := collectSignals(t)
	m := NewMonitor(bus, nil, WithMinSamples(8))

	stage := testStage(time.Second)
	for i := 0; i < 50; i++ {
		m.Record("job-1", stage, "shard", 10*time.Millisecond)
	}
	if signals := drainSignals(bus, sink); len(signals) != 0 {
		t.Fatalf("no signal expected under threshold, got %d", len(signals))
	}
}

func TestNoSignalBeforeMinSamples(t *testing.T) {
	bus, sink := collectSignals(t)
	m := NewMonitor(bus, nil, WithMinSamples(100))

	stage := testStage(time.Millisecond)
	for i := 0; i < 50; i++ {
		m.Record("job-1", stage, "shard", time.Second)
	}
	if signals := drainSignals(bus, sink); len(signals) != 0 {
		t.Fatalf("signal fired before enough samples: %d", len(signals))
	}
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	bus, sink := collectSignals(t)
	m := NewMonitor(bus, nil, WithMinSamples(4), WithCooldown(time.Hour))

	stage := testStage(time.Millisecond)
	for i := 0; i < 100; i++ {
		m.Record("job-1", stage, "shard", time.Second)
	}
	if signals := drainSignals(bus, sink); len(signals) != 1 {
		t.Fatalf("expected exactly one signal within the cooldown, got %d", len(signals))
	}
}

func TestP95Reporting(t *testing.T) {
	m := NewMonitor(nil, nil)
	if m.P95("missing") != 0 {
		t.Fatal("p95 of an unknown stage should be zero")
	}

	stage := testStage(time.Hour)
	for i := 0; i < 100; i++ {
		m.Record("job-1", stage, "shard", 50*time.Millisecond)
	}
	p95 := m.P95("stage-a")
	if p95 < 40*time.Millisecond || p95 > 60*time.Millisecond {
		t.Fatalf("p95 = %v, expected ~50ms", p95)
	}
}

func TestRotateAgesOutSamples(t *testing.T) {
	m := NewMonitor(nil, nil)
	stage := testStage(time.Hour)
	for i := 0; i < 10; i++ {
		m.Record("job-1", stage, "shard", time.Second)
	}
	for i := 0; i < DefaultWindows+1; i++ {
		m.Rotate()
	}
	if got := m.P95("stage-a"); got != 0 {
		t.Fatalf("p95 = %v after rotating out all windows, expected 0", got)
	}
}

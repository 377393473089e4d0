package bitrate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dantte-lp/ristbond/internal/config"
	"github.com/dantte-lp/ristbond/internal/telemetry"
)

type fakeEncoder struct {
	mu              sync.Mutex
	kbps            int
	setCalls        int
	forceKeyCalls   int
	setErr          error
	forceKeyErr     error
}

func (f *fakeEncoder) SetBitrateKbps(ctx context.Context, kbps int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	if f.setErr != nil {
		return f.setErr
	}
	f.kbps = kbps
	return nil
}

func (f *fakeEncoder) ForceKeyframe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceKeyCalls++
	return f.forceKeyErr
}

func (f *fakeEncoder) lastKbps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kbps
}

func (f *fakeEncoder) setCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setCalls
}

func snapshotWith(lossFrac, rttMS float64) telemetry.Snapshot {
	const totalSent = 10000
	rtx := uint64(lossFrac * totalSent)
	return telemetry.Snapshot{
		SampledAt: time.Now(),
		Sessions: map[int]telemetry.SessionStats{
			0: {
				SentOriginalPackets:      totalSent,
				SentRetransmittedPackets: rtx,
				RRPacketsReceived:        totalSent,
				RRHaveReport:             true,
				RoundTripTime:            time.Duration(rttMS) * time.Millisecond,
			},
		},
	}
}

func testConfig() config.BitrateControllerConfig {
	return config.BitrateControllerConfig{
		TargetLossPct: 1.0,
		TargetRTTMS:   100,
		MinKbps:       500,
		MaxKbps:       8000,
		StepKbps:      500,
		TickInterval:  10 * time.Millisecond,
		RateLimit:     0,
	}
}

func TestController_DecreasesOnHighLoss(t *testing.T) {
	enc := &fakeEncoder{}
	snap := snapshotWith(0.05, 50) // 5% loss >> target_loss_pct of 1%
	c := New(testConfig(), TelemetrySourceFunc(func() telemetry.Snapshot { return snap }), WithEncoder(enc))
	c.mu.Lock()
	c.currentKbps = 4000
	c.mu.Unlock()

	c.tick(context.Background())

	if got := enc.lastKbps(); got != 3500 {
		t.Fatalf("encoder bitrate = %v, want 3500 (decreased by step_kbps)", got)
	}
}

func TestController_IncreasesOnLowLossAndRTT(t *testing.T) {
	enc := &fakeEncoder{}
	snap := snapshotWith(0.0, 20) // no loss, well under 0.8*target_rtt_ms
	c := New(testConfig(), TelemetrySourceFunc(func() telemetry.Snapshot { return snap }), WithEncoder(enc))
	c.mu.Lock()
	c.currentKbps = 4000
	c.mu.Unlock()

	c.tick(context.Background())

	if got := enc.lastKbps(); got != 4500 {
		t.Fatalf("encoder bitrate = %v, want 4500 (increased by step_kbps)", got)
	}
}

func TestController_HoldsInDeadband(t *testing.T) {
	enc := &fakeEncoder{}
	// loss between 0.5*target and target, rtt between 0.8*target and target: deadband.
	snap := snapshotWith(0.007, 90)
	c := New(testConfig(), TelemetrySourceFunc(func() telemetry.Snapshot { return snap }), WithEncoder(enc))
	c.mu.Lock()
	c.currentKbps = 4000
	c.mu.Unlock()

	c.tick(context.Background())

	if got := enc.setCallCount(); got != 0 {
		t.Fatalf("SetBitrateKbps called %d times, want 0 (deadband should hold)", got)
	}
}

func TestController_ClampsToMax(t *testing.T) {
	enc := &fakeEncoder{}
	snap := snapshotWith(0.0, 20)
	cfg := testConfig()
	c := New(cfg, TelemetrySourceFunc(func() telemetry.Snapshot { return snap }), WithEncoder(enc))
	c.mu.Lock()
	c.currentKbps = cfg.MaxKbps // at ceiling, would try to increase past it
	c.mu.Unlock()

	c.tick(context.Background())

	if got := enc.setCallCount(); got != 0 {
		t.Fatalf("SetBitrateKbps called %d times, want 0 (already at max, write should be skipped)", got)
	}
}

func TestController_RateLimitBlocksRapidChanges(t *testing.T) {
	enc := &fakeEncoder{}
	snap := snapshotWith(0.05, 50)
	cfg := testConfig()
	cfg.RateLimit = time.Hour

	fixedNow := time.Now()
	c := New(cfg, TelemetrySourceFunc(func() telemetry.Snapshot { return snap }), WithEncoder(enc), WithClock(func() time.Time { return fixedNow }))
	c.mu.Lock()
	c.currentKbps = 4000
	c.lastChangeAt = fixedNow.Add(-time.Minute) // well inside the 1h rate limit window
	c.mu.Unlock()

	c.tick(context.Background())

	if got := enc.setCallCount(); got != 0 {
		t.Fatalf("SetBitrateKbps called %d times, want 0 (rate limited)", got)
	}
}

func TestController_NoReportHoldsBitrate(t *testing.T) {
	enc := &fakeEncoder{}
	snap := telemetry.Snapshot{Sessions: map[int]telemetry.SessionStats{
		0: {SentOriginalPackets: 1000, RRHaveReport: false},
	}}
	c := New(testConfig(), TelemetrySourceFunc(func() telemetry.Snapshot { return snap }), WithEncoder(enc))
	c.mu.Lock()
	c.currentKbps = 4000
	c.mu.Unlock()

	c.tick(context.Background())

	if got := enc.setCallCount(); got != 0 {
		t.Fatalf("SetBitrateKbps called %d times, want 0 (no authoritative receiver report)", got)
	}
}

func TestController_NoEncoderIsNoOp(t *testing.T) {
	snap := snapshotWith(0.05, 50)
	c := New(testConfig(), TelemetrySourceFunc(func() telemetry.Snapshot { return snap }))

	c.tick(context.Background()) // must not panic
}

func TestController_LargeDecreaseForcesKeyframe(t *testing.T) {
	enc := &fakeEncoder{}
	snap := snapshotWith(0.05, 50)
	cfg := testConfig()
	cfg.DownscaleKeyunit = true
	cfg.DownscaleRatio = 1.05 // any decrease at all exceeds this tiny ratio
	cfg.StepKbps = 3000

	c := New(cfg, TelemetrySourceFunc(func() telemetry.Snapshot { return snap }), WithEncoder(enc))
	c.mu.Lock()
	c.currentKbps = 4000
	c.mu.Unlock()

	c.tick(context.Background())

	if got := enc.forceKeyCalls; got != 1 {
		t.Fatalf("ForceKeyframe called %d times, want 1", got)
	}
}

func TestController_ValidateHandlesRequiresEncoder(t *testing.T) {
	c := New(testConfig(), TelemetrySourceFunc(func() telemetry.Snapshot { return telemetry.Snapshot{} }))
	if err := c.ValidateHandles(); !errors.Is(err, ErrNoEncoder) {
		t.Fatalf("ValidateHandles() = %v, want ErrNoEncoder", err)
	}
}

type fakeDispatcherHandle struct {
	weights           []float64
	setWeightsCalls   int
	autoBalanceOff    bool
}

func (f *fakeDispatcherHandle) SetWeights(w []float64) error {
	f.setWeightsCalls++
	f.weights = w
	return nil
}
func (f *fakeDispatcherHandle) GetWeights() []float64 { return f.weights }
func (f *fakeDispatcherHandle) DisableAutoBalance()   { f.autoBalanceOff = true }

func TestController_CoordinationDisablesAutoBalanceOnce(t *testing.T) {
	enc := &fakeEncoder{}
	disp := &fakeDispatcherHandle{weights: []float64{0.5, 0.5}}
	snap := telemetry.Snapshot{
		SampledAt: time.Now(),
		Sessions: map[int]telemetry.SessionStats{
			0: {SentOriginalPackets: 1000, RRPacketsReceived: 1000, RRHaveReport: true},
			1: {SentOriginalPackets: 1000, SentRetransmittedPackets: 100, RRPacketsReceived: 900, RRHaveReport: true},
		},
	}
	c := New(testConfig(), TelemetrySourceFunc(func() telemetry.Snapshot { return snap }), WithEncoder(enc), WithDispatcher(disp))
	c.mu.Lock()
	c.currentKbps = 4000
	c.mu.Unlock()

	c.tick(context.Background())

	if !disp.autoBalanceOff {
		t.Fatal("DisableAutoBalance should be called once a dispatcher handle coordinates")
	}
	if disp.setWeightsCalls != 1 {
		t.Fatalf("SetWeights called %d times, want 1", disp.setWeightsCalls)
	}
	if disp.weights[0] <= disp.weights[1] {
		t.Fatalf("session 0 has no loss and should outweigh lossy session 1: %v", disp.weights)
	}
}

func TestController_RunStopsOnCancel(t *testing.T) {
	enc := &fakeEncoder{}
	snap := snapshotWith(0.0, 0)
	cfg := testConfig()
	cfg.TickInterval = 5 * time.Millisecond
	c := New(cfg, TelemetrySourceFunc(func() telemetry.Snapshot { return snap }), WithEncoder(enc))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

// Package bitrate implements the adaptive encoder bitrate control loop: a
// slower periodic tick that drives the upstream encoder toward the largest
// bitrate the bonded links can sustain without exceeding target loss or
// RTT, coordinating with the dispatcher so the two loops do not fight.
package bitrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dantte-lp/ristbond/internal/config"
	"github.com/dantte-lp/ristbond/internal/telemetry"
)

// Direction describes the outcome of one control tick.
type Direction int

const (
	// DirectionHold means the bitrate was left unchanged (deadband, rate
	// limit, or missing telemetry).
	DirectionHold Direction = iota
	// DirectionIncrease means the bitrate was raised by step_kbps.
	DirectionIncrease
	// DirectionDecrease means the bitrate was lowered by step_kbps.
	DirectionDecrease
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case DirectionIncrease:
		return "increase"
	case DirectionDecrease:
		return "decrease"
	default:
		return "hold"
	}
}

// ErrNoEncoder indicates the controller has no Encoder attached; ticks are a
// no-op rather than a panic.
var ErrNoEncoder = errors.New("bitrate: no encoder attached")

// TelemetrySource supplies the same per-session counters the dispatcher
// consumes, scoped to whatever senders the controller should aggregate over.
type TelemetrySource interface {
	Fetch() telemetry.Snapshot
}

// TelemetrySourceFunc adapts a plain function to TelemetrySource.
type TelemetrySourceFunc func() telemetry.Snapshot

// Fetch implements TelemetrySource.
func (f TelemetrySourceFunc) Fetch() telemetry.Snapshot { return f() }

// DispatcherHandle is the narrow seam the controller uses to coordinate with
// the dispatcher: disable its own rebalancing once a controller takes over,
// and optionally push a coordinated weight vector on the same tick.
type DispatcherHandle interface {
	SetWeights(weights []float64) error
	GetWeights() []float64
	DisableAutoBalance()
}

// MetricsSink receives bitrate observability updates.
type MetricsSink interface {
	SetBitrateKbps(kbps float64)
	IncBitrateClamped()
	IncBitrateDecrease()
	IncBitrateIncrease()
}

// Controller runs the periodic bitrate-adaptation loop described in the
// bitrate controller data model.
type Controller struct {
	cfg     config.BitrateControllerConfig
	logger  *slog.Logger
	clock   func() time.Time
	metrics MetricsSink

	telemetry  TelemetrySource
	encoder    telemetry.Encoder
	dispatcher DispatcherHandle

	mu            sync.Mutex
	currentKbps   int
	lastChangeAt  time.Time
	coordinated   bool
}

// Option configures optional Controller parameters.
type Option func(*Controller)

// WithLogger attaches a structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.clock = now
		}
	}
}

// WithMetrics attaches a MetricsSink. If nil, metrics export is skipped.
func WithMetrics(sink MetricsSink) Option {
	return func(c *Controller) {
		c.metrics = sink
	}
}

// WithEncoder attaches the upstream encoder handle.
func WithEncoder(enc telemetry.Encoder) Option {
	return func(c *Controller) {
		c.encoder = enc
	}
}

// WithDispatcher attaches a Dispatcher coordination handle. Per spec, this
// disables the dispatcher's own rebalancing the first time a tick runs with
// it configured, to avoid two controllers fighting over the same links.
func WithDispatcher(d DispatcherHandle) Option {
	return func(c *Controller) {
		c.dispatcher = d
	}
}

// New constructs a Controller seeded at cfg.MinKbps.
func New(cfg config.BitrateControllerConfig, telemetrySource TelemetrySource, opts ...Option) *Controller {
	c := &Controller{
		cfg:         cfg,
		logger:      slog.Default(),
		clock:       time.Now,
		telemetry:   telemetrySource,
		currentKbps: cfg.MinKbps,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CurrentKbps returns the controller's current committed bitrate target.
func (c *Controller) CurrentKbps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentKbps
}

// Run starts the periodic control loop. It blocks until ctx is cancelled.
// Per spec §5, the ticker is offset from the dispatcher's rebalance ticker
// by ~250ms so the two loops' reads do not resonate.
func (c *Controller) Run(ctx context.Context) error {
	const tickerOffset = 250 * time.Millisecond

	timer := time.NewTimer(tickerOffset)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
	}

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		c.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// tick runs exactly one control-loop iteration, per the bitrate controller
// data model's six numbered steps.
func (c *Controller) tick(ctx context.Context) {
	if c.encoder == nil {
		return
	}
	if c.telemetry == nil {
		return
	}

	snap := c.telemetry.Fetch()

	if c.dispatcher != nil && !c.coordinated {
		c.dispatcher.DisableAutoBalance()
		c.coordinated = true
	}

	if !snap.AnyHaveReport() {
		c.logger.Warn("bitrate: no session has an authoritative receiver report this tick, holding")
		return
	}

	lossPct := snap.AggregateLossPct()
	rttMS := snap.AggregateRTTMillis(false)

	direction := c.direction(lossPct, rttMS)

	c.mu.Lock()
	elapsedSinceChange := c.clock().Sub(c.lastChangeAt)
	rateLimited := !c.lastChangeAt.IsZero() && elapsedSinceChange < c.cfg.RateLimit
	current := c.currentKbps
	c.mu.Unlock()

	if direction == DirectionHold || rateLimited {
		return
	}

	candidate := current
	switch direction {
	case DirectionIncrease:
		candidate += c.cfg.StepKbps
	case DirectionDecrease:
		candidate -= c.cfg.StepKbps
	}

	clamped := clampKbps(candidate, c.cfg.MinKbps, c.cfg.MaxKbps)
	if clamped == current {
		return
	}
	wasClamped := clamped != candidate

	if direction == DirectionDecrease && c.cfg.DownscaleKeyunit &&
		float64(current)/float64(clamped) >= c.cfg.DownscaleRatio {
		if err := c.encoder.ForceKeyframe(ctx); err != nil {
			c.logger.Warn("bitrate: force keyframe failed", slog.Any("error", err))
		}
	}

	if err := c.encoder.SetBitrateKbps(ctx, clamped); err != nil {
		c.logger.Warn("bitrate: set bitrate failed", slog.Any("error", err))
		return
	}

	now := c.clock()
	c.mu.Lock()
	c.currentKbps = clamped
	c.lastChangeAt = now
	c.mu.Unlock()

	c.logger.Info("bitrate: adjusted",
		slog.String("direction", direction.String()),
		slog.Int("kbps", clamped),
		slog.Float64("loss_pct", lossPct),
		slog.Float64("rtt_ms", rttMS))

	if c.metrics != nil {
		c.metrics.SetBitrateKbps(float64(clamped))
		if wasClamped {
			c.metrics.IncBitrateClamped()
		}
		switch direction {
		case DirectionIncrease:
			c.metrics.IncBitrateIncrease()
		case DirectionDecrease:
			c.metrics.IncBitrateDecrease()
		}
	}

	if c.dispatcher != nil {
		c.pushCoordinatedWeights(snap)
	}
}

// direction classifies the current loss/RTT sample against the configured
// targets, per the bitrate controller data model's step 2.
func (c *Controller) direction(lossPct, rttMS float64) Direction {
	rttBreached := c.cfg.RTTOnlyMargin > 0 && rttMS > (1+c.cfg.RTTOnlyMargin)*c.cfg.TargetRTTMS
	if lossPct > c.cfg.TargetLossPct || rttBreached {
		return DirectionDecrease
	}
	if lossPct < 0.5*c.cfg.TargetLossPct && rttMS < 0.8*c.cfg.TargetRTTMS {
		return DirectionIncrease
	}
	return DirectionHold
}

// pushCoordinatedWeights derives a simple loss-derived weight vector (each
// session's share is 1/(1 + rtx/original), then normalized) from the same
// snapshot already fetched this tick and applies it
// via the attached Dispatcher handle. Errors are logged; the previous
// weight vector remains in force.
func (c *Controller) pushCoordinatedWeights(snap telemetry.Snapshot) {
	existing := c.dispatcher.GetWeights()
	if len(existing) == 0 {
		return
	}

	weights := make([]float64, len(existing))
	var sum float64
	for i := range existing {
		stats, ok := snap.Sessions[i]
		share := 1.0
		if ok && stats.SentOriginalPackets > 0 {
			loss := float64(stats.SentRetransmittedPackets) / float64(stats.SentOriginalPackets)
			share = 1.0 / (1.0 + loss)
		}
		weights[i] = share
		sum += share
	}
	if sum <= 0 {
		return
	}
	for i := range weights {
		weights[i] /= sum
	}

	if err := c.dispatcher.SetWeights(weights); err != nil {
		c.logger.Warn("bitrate: coordinated SetWeights failed", slog.Any("error", err))
	}
}

// clampKbps bounds v to [min, max].
func clampKbps(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// ValidateHandles reports whether the controller has the minimum handles
// needed to run a meaningful tick, for early-startup diagnostics rather
// than silent no-ops in production.
func (c *Controller) ValidateHandles() error {
	if c.encoder == nil {
		return fmt.Errorf("bitrate: validate: %w", ErrNoEncoder)
	}
	return nil
}

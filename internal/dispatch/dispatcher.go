// Package dispatch implements the per-packet bonding dispatcher: it routes
// each incoming buffer to exactly one attached output link, continuously
// adapting per-link weights from telemetry, and optionally duplicates key
// units onto a second link.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dantte-lp/ristbond/internal/config"
	"github.com/dantte-lp/ristbond/internal/link"
	"github.com/dantte-lp/ristbond/internal/telemetry"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrNoLinkedOutput indicates Push was called with zero outputs attached.
	ErrNoLinkedOutput = errors.New("dispatch: no output attached")

	// ErrAllLinksFailed indicates the buffer was dropped: either no attached
	// link is eligible (every link is Failed, or still inside its Probation
	// warm-up window), or every eligible output's Send failed for it.
	ErrAllLinksFailed = errors.New("dispatch: all links failed")
)

// -------------------------------------------------------------------------
// Buffer & Output Contracts
// -------------------------------------------------------------------------

// Buffer is one routable unit of RTP payload.
type Buffer struct {
	// Data is the raw packet bytes, forwarded unmodified.
	Data []byte
	// Size is the byte length used for DRR deficit accounting; callers MAY
	// set this independently of len(Data) if Data is a reference to a
	// pooled buffer.
	Size int
	// KeyUnit is true when this buffer carries (or completes) a key frame;
	// such buffers are candidates for secondary-link duplication.
	KeyUnit bool
}

// Output is one attached downstream path: a transport sender plus the
// link bookkeeping the dispatcher maintains for it.
type Output struct {
	Sender telemetry.Sender
	Link   *link.Link
}

// Handle identifies a previously attached Output for RemoveOutput.
type Handle int

// MetricsEnvelope is the structured observability snapshot built on demand
// by Envelope and served as JSON by the admin GET /v1/links endpoint.
// Envelope fills the weights, EWMAs, health, commit time and knob values;
// it does not populate SelectedIndex, PacketsForward or PacketsDropped,
// which stay zero.
type MetricsEnvelope struct {
	SelectedIndex  int       `json:"selected_index"`
	Weights        []float64 `json:"weights"`
	EWMADelivered  []float64 `json:"ewma_delivered_pps"`
	EWMARtxRate    []float64 `json:"ewma_rtx_rate"`
	EWMARttMillis  []float64 `json:"ewma_rtt_ms"`
	Health         []string  `json:"health"`
	CommittedAt    time.Time `json:"committed_at"`
	PacketsForward uint64    `json:"packets_forwarded_total"`
	PacketsDropped uint64    `json:"packets_dropped_total"`
	RtxPenalty     float64   `json:"ewma_rtx_penalty"`
	RttPenalty     float64   `json:"ewma_rtt_penalty"`
	ProbeRatio     float64   `json:"probe_ratio"`
	ProbeBoost     float64   `json:"probe_boost"`
}

// WeightsChangedEvent is delivered to subscribers when adaptation commits a
// new weight vector.
type WeightsChangedEvent struct {
	Weights     []float64
	CommittedAt time.Time
}

// Unsubscribe removes a previously registered subscriber callback.
type Unsubscribe func()

// -------------------------------------------------------------------------
// Dispatcher
// -------------------------------------------------------------------------

// MetricsSink receives per-cycle observability updates. internal/metrics.Collector
// satisfies this interface.
type MetricsSink interface {
	SetLinkWeight(index int, peer string, weight float64)
	SetLinkEWMA(index int, peer string, deliveredPPS, rtxRate, rttMS float64)
	SetLinkHealth(index int, peer string, current string, all []string)
	IncPacketsForwarded(index int, peer string)
	IncPacketsDuplicated(index int, peer string)
	IncPacketsDropped()
	IncWeightsChanged()
	IncFailover(index int, peer string)
}

var allHealthNames = []string{
	link.HealthUnknown.String(),
	link.HealthProbation.String(),
	link.HealthHealthy.String(),
	link.HealthDegraded.String(),
	link.HealthFailed.String(),
}

// Dispatcher routes buffers across bonded links and adapts their weights.
//
// Push is safe to call concurrently with itself and with the rebalance
// goroutine started by Run: the hot path only ever reads an
// atomic.Pointer snapshot of the committed weight vector, never the mutex
// guarding link/output bookkeeping.
type Dispatcher struct {
	cfg     config.DispatcherConfig
	logger  *slog.Logger
	clock   func() time.Time
	alloc   *link.IndexAllocator
	sched   Scheduler
	metrics MetricsSink

	mu      sync.RWMutex
	outputs map[int]*Output
	// order lists currently attached handles in stable position order. The
	// scheduler's weight/debt/deficit arrays are indexed by position in
	// order, not by the (possibly sparse, since IndexAllocator reuses freed
	// handles) handle value itself.
	order []int

	weights     atomic.Pointer[[]float64]
	lastCommit  atomic.Pointer[time.Time]
	probeCursor int
	lastProbeAt time.Time

	dupTokens     float64
	dupLastRefill time.Time

	autoBalance atomic.Bool

	subMu sync.Mutex
	subs  map[int]func(WeightsChangedEvent)
	subID int
}

// Option configures optional Dispatcher parameters.
type Option func(*Dispatcher)

// WithLogger attaches a structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.clock = now
		}
	}
}

// WithMetrics attaches a MetricsSink. If nil, metrics export is skipped.
func WithMetrics(sink MetricsSink) Option {
	return func(d *Dispatcher) {
		d.metrics = sink
	}
}

// New constructs a Dispatcher using the scheduler named in cfg.Scheduler.
func New(cfg config.DispatcherConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:     cfg,
		logger:  slog.Default(),
		clock:   time.Now,
		alloc:   link.NewIndexAllocator(),
		outputs: make(map[int]*Output),
		subs:    make(map[int]func(WeightsChangedEvent)),
	}
	d.sched = newScheduler(cfg)
	d.autoBalance.Store(cfg.AutoBalance)

	empty := []float64{}
	d.weights.Store(&empty)
	zero := time.Time{}
	d.lastCommit.Store(&zero)

	for _, opt := range opts {
		opt(d)
	}
	return d
}

func newScheduler(cfg config.DispatcherConfig) Scheduler {
	if cfg.Scheduler == config.SchedulerDRR {
		return NewDRRScheduler(0, cfg.QuantumBytes)
	}
	return NewSWRRScheduler(0)
}

// -------------------------------------------------------------------------
// Output Management
// -------------------------------------------------------------------------

// AddOutput attaches a new output path. The returned Handle identifies it
// for RemoveOutput. New links start in Probation.
func (d *Dispatcher) AddOutput(sender telemetry.Sender, peer, local netip.Addr) (Handle, error) {
	idx, err := d.alloc.Allocate()
	if err != nil {
		return 0, fmt.Errorf("dispatch: add output: %w", err)
	}

	l := link.NewLink(idx, peer, local, d.cfg.EWMAAlpha)
	l.Health = link.HealthProbation
	l.ProbationUntil = d.clock().Add(d.cfg.HealthWarmup)

	d.mu.Lock()
	d.outputs[idx] = &Output{Sender: sender, Link: l}
	d.order = append(d.order, idx)
	n := len(d.order)
	d.mu.Unlock()

	d.sched.Reset(n)
	d.logger.Info("output attached", slog.Int("link_index", idx), slog.String("peer", peer.String()))
	return Handle(idx), nil
}

// RemoveOutput detaches a previously attached output. Pending scheduler
// state is cleared and remaining weights are renormalized on the next
// rebalance cycle.
func (d *Dispatcher) RemoveOutput(h Handle) {
	idx := int(h)

	d.mu.Lock()
	out, ok := d.outputs[idx]
	if ok {
		delete(d.outputs, idx)
		for i, h := range d.order {
			if h == idx {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
	}
	n := len(d.order)
	d.mu.Unlock()

	if !ok {
		return
	}

	d.alloc.Release(idx)
	d.sched.Reset(n)
	d.logger.Info("output detached", slog.Int("link_index", idx), slog.String("peer", out.Link.PeerAddr.String()))
}

// -------------------------------------------------------------------------
// Weight Access
// -------------------------------------------------------------------------

// SetWeights forces an externally driven weight vector (e.g., from the
// Bitrate Controller or the admin API) and resets SWRR selection debt.
func (d *Dispatcher) SetWeights(weights []float64) error {
	d.mu.RLock()
	n := len(d.outputs)
	d.mu.RUnlock()

	if len(weights) != n {
		return fmt.Errorf("dispatch: set weights: got %d values, want %d", len(weights), n)
	}
	var sum float64
	for _, w := range weights {
		if w < 0 {
			return fmt.Errorf("dispatch: set weights: negative weight %v", w)
		}
		sum += w
	}

	cp := append([]float64(nil), weights...)
	if sum > 0 {
		for i := range cp {
			cp[i] /= sum
		}
	}
	d.weights.Store(&cp)
	d.sched.Reset(n)

	now := d.clock()
	d.lastCommit.Store(&now)
	d.notifySubscribers(WeightsChangedEvent{Weights: cp, CommittedAt: now})
	return nil
}

// GetWeights returns the current normalized weight vector.
func (d *Dispatcher) GetWeights() []float64 {
	p := d.weights.Load()
	if p == nil {
		return nil
	}
	return append([]float64(nil), *p...)
}

// DisableAutoBalance stops the rebalance loop from committing its own
// weight-recomputation cycles. Per spec, the Bitrate Controller calls this
// the first time it coordinates with a Dispatcher, so the two adaptation
// loops do not fight over the same weight vector. Health tracking and
// metrics export are unaffected.
func (d *Dispatcher) DisableAutoBalance() {
	d.autoBalance.Store(false)
}

// EnableAutoBalance resumes dispatcher-driven weight recomputation.
func (d *Dispatcher) EnableAutoBalance() {
	d.autoBalance.Store(true)
}

// -------------------------------------------------------------------------
// Subscription
// -------------------------------------------------------------------------

// Subscribe registers a callback for weights_changed notifications. Per
// spec, the callback is invoked on its own goroutine per event and MUST
// NOT call back into the Dispatcher synchronously.
func (d *Dispatcher) Subscribe(cb func(WeightsChangedEvent)) Unsubscribe {
	d.subMu.Lock()
	id := d.subID
	d.subID++
	d.subs[id] = cb
	d.subMu.Unlock()

	return func() {
		d.subMu.Lock()
		delete(d.subs, id)
		d.subMu.Unlock()
	}
}

// notifySubscribers takes a short-lived snapshot of the subscriber list
// under the lock, then dispatches each callback on its own goroutine so a
// slow or misbehaving subscriber cannot stall the rebalance loop.
func (d *Dispatcher) notifySubscribers(ev WeightsChangedEvent) {
	d.subMu.Lock()
	snapshot := make([]func(WeightsChangedEvent), 0, len(d.subs))
	for _, cb := range d.subs {
		snapshot = append(snapshot, cb)
	}
	d.subMu.Unlock()

	for _, cb := range snapshot {
		go cb(ev)
	}
}

// -------------------------------------------------------------------------
// Push (datapath)
// -------------------------------------------------------------------------

// Push routes one buffer to exactly one output, duplicating key units onto
// a second eligible link when configured. Non-blocking beyond per-buffer
// selection arithmetic and a single forward call.
func (d *Dispatcher) Push(ctx context.Context, buf Buffer) error {
	d.mu.RLock()
	n := len(d.order)
	if n == 0 {
		d.mu.RUnlock()
		return ErrNoLinkedOutput
	}

	outs := make([]*Output, n)
	for i, h := range d.order {
		outs[i] = d.outputs[h]
	}
	d.mu.RUnlock()

	weights := d.GetWeights()
	if len(weights) != n {
		weights = make([]float64, n)
		for i := range weights {
			weights[i] = 1.0 / float64(n)
		}
	}

	now := d.clock()
	eligible := make([]bool, n)
	anyEligible := false
	for i, out := range outs {
		if out == nil {
			continue
		}
		eligible[i] = out.Link.Eligible(now)
		anyEligible = anyEligible || eligible[i]
	}
	if !anyEligible {
		if d.metrics != nil {
			d.metrics.IncPacketsDropped()
		}
		return ErrAllLinksFailed
	}

	sent := false
	for attempt := 0; attempt < n; attempt++ {
		idx, ok := d.sched.Select(weights, eligible, buf.Size)
		if !ok {
			break
		}
		out := outs[idx]
		if out == nil {
			eligible[idx] = false
			continue
		}
		if err := out.Sender.Send(ctx, buf.Data); err != nil {
			d.logger.Warn("send failed, retrying next-best output",
				slog.Int("link_index", idx), slog.Any("error", err))
			eligible[idx] = false
			continue
		}
		if d.metrics != nil {
			d.metrics.IncPacketsForwarded(out.Link.Index, out.Link.PeerAddr.String())
		}
		sent = true

		if buf.KeyUnit && d.cfg.DuplicateKeyframes {
			d.maybeDuplicate(ctx, idx, outs, eligible, weights, now, buf)
		}
		break
	}

	if !sent {
		if d.metrics != nil {
			d.metrics.IncPacketsDropped()
		}
		return ErrAllLinksFailed
	}
	return nil
}

// maybeDuplicate emits a copy of a key-unit buffer onto the single
// next-best eligible link, subject to the dup token bucket, excluding the
// primary index and any link in Probation.
func (d *Dispatcher) maybeDuplicate(ctx context.Context, primary int, outs []*Output, eligible []bool, weights []float64, now time.Time, buf Buffer) {
	if !d.refillDupTokens(now) {
		return
	}

	best := -1
	for i, out := range outs {
		if i == primary || out == nil || !eligible[i] {
			continue
		}
		if out.Link.Health == link.HealthProbation {
			continue
		}
		if best == -1 || weights[i] > weights[best] {
			best = i
		}
	}
	if best == -1 {
		return
	}

	if err := outs[best].Sender.Send(ctx, buf.Data); err != nil {
		d.logger.Warn("duplicate send failed", slog.Int("link_index", best), slog.Any("error", err))
		return
	}
	d.dupTokens--
	if d.metrics != nil {
		d.metrics.IncPacketsDuplicated(outs[best].Link.Index, outs[best].Link.PeerAddr.String())
	}
}

// refillDupTokens tops up the duplication token bucket based on elapsed
// time and reports whether at least one token is available.
func (d *Dispatcher) refillDupTokens(now time.Time) bool {
	if d.dupLastRefill.IsZero() {
		d.dupLastRefill = now
		d.dupTokens = float64(d.cfg.DupBudgetPPS)
	}
	elapsed := now.Sub(d.dupLastRefill).Seconds()
	if elapsed > 0 {
		d.dupTokens += elapsed * float64(d.cfg.DupBudgetPPS)
		if max := float64(d.cfg.DupBudgetPPS); d.dupTokens > max {
			d.dupTokens = max
		}
		d.dupLastRefill = now
	}
	return d.dupTokens >= 1
}

// -------------------------------------------------------------------------
// Rebalance Loop
// -------------------------------------------------------------------------

// Run drives the periodic weight recomputation and metrics export from a
// single loop on the calling goroutine. It blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	rebalanceTicker := time.NewTicker(d.cfg.RebalanceInterval)
	defer rebalanceTicker.Stop()

	metricsTicker := time.NewTicker(d.cfg.MetricsExportInterval)
	defer metricsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-rebalanceTicker.C:
			d.rebalance()
		case <-metricsTicker.C:
			d.exportMetrics()
		}
	}
}

// rebalance runs one weight-recomputation cycle and commits the result if
// it clears the hysteresis gate.
func (d *Dispatcher) rebalance() {
	d.mu.RLock()
	n := len(d.order)
	links := make([]*link.Link, n)
	senders := make(map[int]telemetry.Sender, n)
	for i, h := range d.order {
		out := d.outputs[h]
		links[i] = out.Link
		senders[out.Link.Index] = out.Sender
	}
	d.mu.RUnlock()

	if n == 0 {
		return
	}

	snap := telemetry.Fetch(senders)
	now := d.clock()

	probeIdx := -1
	if d.cfg.ProbeRatio > 0 && now.Sub(d.lastProbeAt) >= d.cfg.ProbePeriod {
		probeIdx = d.probeCursor % n
		d.probeCursor++
		d.lastProbeAt = now
	}

	result := recomputeWeights(links, snap, d.cfg, now, probeIdx)

	for _, idx := range result.FailedThisCycle {
		if d.metrics != nil {
			d.metrics.IncFailover(links[idx].Index, links[idx].PeerAddr.String())
		}
	}

	if !d.autoBalance.Load() {
		return
	}

	// With no receiver report from any session, the committed weights stay
	// frozen until a report arrives.
	if !snap.AnyHaveReport() {
		return
	}

	prev := d.GetWeights()
	if !d.shouldCommit(prev, result.Weights, now) {
		return
	}

	d.weights.Store(&result.Weights)
	d.sched.Reset(n)
	d.lastCommit.Store(&now)
	if d.metrics != nil {
		d.metrics.IncWeightsChanged()
	}
	d.notifySubscribers(WeightsChangedEvent{Weights: result.Weights, CommittedAt: now})
}

// shouldCommit applies the hysteresis gate: a proposed vector is discarded
// if every |Δweight| is below switch_threshold, or if the last commit
// happened less than min_hold ago.
func (d *Dispatcher) shouldCommit(prev, proposed []float64, now time.Time) bool {
	if len(prev) != len(proposed) {
		return true
	}

	lastCommit := d.lastCommit.Load()
	if lastCommit != nil && !lastCommit.IsZero() && now.Sub(*lastCommit) < d.cfg.MinHold {
		return false
	}

	var maxDelta float64
	for i := range proposed {
		delta := proposed[i] - prev[i]
		if delta < 0 {
			delta = -delta
		}
		if delta > maxDelta {
			maxDelta = delta
		}
	}
	return maxDelta >= d.cfg.SwitchThreshold
}

// exportMetrics pushes the current observability envelope to the
// configured MetricsSink.
func (d *Dispatcher) exportMetrics() {
	if d.metrics == nil {
		return
	}

	d.mu.RLock()
	links := make([]*link.Link, 0, len(d.outputs))
	for _, out := range d.outputs {
		links = append(links, out.Link)
	}
	d.mu.RUnlock()

	for _, l := range links {
		d.metrics.SetLinkWeight(l.Index, l.PeerAddr.String(), l.CurrentWeight)
		d.metrics.SetLinkEWMA(l.Index, l.PeerAddr.String(),
			l.EWMADeliveredPPS.Value(), l.EWMARtxRate.Value(), l.EWMARttMS.Value())
		d.metrics.SetLinkHealth(l.Index, l.PeerAddr.String(), l.Health.String(), allHealthNames)
	}
}

// TelemetrySnapshot fetches a fresh telemetry.Snapshot across every
// attached output's Sender, for use as a bitrate.TelemetrySource. It calls
// each Sender's Stats() exactly once and does not block the datapath.
func (d *Dispatcher) TelemetrySnapshot() telemetry.Snapshot {
	d.mu.RLock()
	senders := make(map[int]telemetry.Sender, len(d.outputs))
	for idx, out := range d.outputs {
		senders[idx] = out.Sender
	}
	d.mu.RUnlock()
	return telemetry.Fetch(senders)
}

// Envelope builds a snapshot MetricsEnvelope for the admin API's link
// listing and health-change detection.
func (d *Dispatcher) Envelope() MetricsEnvelope {
	d.mu.RLock()
	links := make([]*link.Link, len(d.order))
	for i, h := range d.order {
		links[i] = d.outputs[h].Link
	}
	d.mu.RUnlock()

	env := MetricsEnvelope{
		Weights:       make([]float64, len(links)),
		EWMADelivered: make([]float64, len(links)),
		EWMARtxRate:   make([]float64, len(links)),
		EWMARttMillis: make([]float64, len(links)),
		Health:        make([]string, len(links)),
		RtxPenalty:    d.cfg.EWMARtxPenalty,
		RttPenalty:    d.cfg.EWMARttPenalty,
		ProbeRatio:    d.cfg.ProbeRatio,
		ProbeBoost:    d.cfg.ProbeBoost,
	}
	if p := d.lastCommit.Load(); p != nil {
		env.CommittedAt = *p
	}
	for i, l := range links {
		if l == nil {
			continue
		}
		env.Weights[i] = l.CurrentWeight
		env.EWMADelivered[i] = l.EWMADeliveredPPS.Value()
		env.EWMARtxRate[i] = l.EWMARtxRate.Value()
		env.EWMARttMillis[i] = l.EWMARttMS.Value()
		env.Health[i] = l.Health.String()
	}
	return env
}

// Package link models a single bonded output path: its adapted weight,
// selection-scheduler bookkeeping, EWMA-filtered telemetry, and health
// state. A Link is exclusively owned by a dispatch.Dispatcher; nothing
// outside that owner mutates it directly.
package link

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"sync"
	"time"
)

// EpsilonFloor is the smallest share CapacityEstimate divides by, guarding
// against division by a zero or near-zero weight.
const EpsilonFloor = 1e-3

// Counters holds the raw, monotonically increasing values a Link's session
// reports. Deltas against a previous sample drive EWMA updates.
type Counters struct {
	SentOriginal      uint64
	SentRetransmitted uint64
	RRPacketsReceived uint64
	RRFractionLost    float64
	RTT               time.Duration
	RRHaveReport      bool
	SampledAt         time.Time
}

// Delta computes a saturating delta between two counter samples. A detected
// decrease (counter wrap or session restart) resets rather than producing a
// spurious negative/huge spike: Delta returns ok=false in that case, and the
// caller MUST treat this tick as "no sample" for that counter.
func (c Counters) Delta(prev Counters) (originalDelta, rtxDelta, rrDelta uint64, dt time.Duration, ok bool) {
	if prev.SampledAt.IsZero() {
		return 0, 0, 0, 0, false
	}
	dt = c.SampledAt.Sub(prev.SampledAt)
	if dt <= 0 {
		return 0, 0, 0, 0, false
	}
	if c.SentOriginal < prev.SentOriginal ||
		c.SentRetransmitted < prev.SentRetransmitted ||
		c.RRPacketsReceived < prev.RRPacketsReceived {
		return 0, 0, 0, 0, false
	}
	return c.SentOriginal - prev.SentOriginal,
		c.SentRetransmitted - prev.SentRetransmitted,
		c.RRPacketsReceived - prev.RRPacketsReceived,
		dt, true
}

// EWMA is a minimal exponentially weighted moving average filter, in the
// style of the decay-and-threshold accounting used elsewhere in this
// lineage for penalty tracking: a single float64 plus an Update step.
type EWMA struct {
	value     float64
	alpha     float64
	hasSample bool
}

// NewEWMA creates an EWMA filter with the given smoothing factor alpha in
// (0, 1]. Larger alpha weights recent samples more heavily.
func NewEWMA(alpha float64) EWMA {
	return EWMA{alpha: alpha}
}

// Update folds a new sample into the filter and returns the updated value.
// The first sample seeds the filter directly (no warm-up transient).
func (e *EWMA) Update(sample float64) float64 {
	if !e.hasSample {
		e.value = sample
		e.hasSample = true
		return e.value
	}
	e.value += e.alpha * (sample - e.value)
	return e.value
}

// Value returns the current filtered value without updating it.
func (e EWMA) Value() float64 { return e.value }

// Link is the per-output runtime state described by the data model: weight,
// scheduler bookkeeping (SWRR debt, DRR deficit), EWMA-filtered telemetry,
// and health. All mutation happens on the dispatcher's single rebalance
// goroutine or datapath goroutine as documented per field; Link itself
// performs no locking.
type Link struct {
	Index int

	// PeerAddr/LocalAddr are descriptive only, carried for
	// observability and admin listing.
	PeerAddr  netip.Addr
	LocalAddr netip.Addr

	// CurrentWeight is written by the rebalance goroutine and read by
	// metrics export and the admin envelope. Callers needing lock-free hot-path access should read it
	// via the Dispatcher's atomic weight-vector snapshot instead of this
	// field directly; this field is the rebalance goroutine's working copy.
	CurrentWeight float64

	// SelectionDebt is owned by the datapath (SWRR).
	SelectionDebt float64
	// DeficitBytes is owned by the datapath (DRR).
	DeficitBytes int64

	EWMADeliveredPPS EWMA
	EWMARtxRate      EWMA
	EWMARttMS        EWMA

	PrevCounters Counters

	ProbationUntil time.Time
	LastSuccessAt  time.Time
	FailedSince    time.Time

	Health Health
}

// NewLink constructs a Link with Unknown health and zeroed bookkeeping.
// The caller is responsible for setting an initial weight via the
// dispatcher's weight vector once attached.
func NewLink(index int, peer, local netip.Addr, alpha float64) *Link {
	return &Link{
		Index:            index,
		PeerAddr:         peer,
		LocalAddr:        local,
		Health:           HealthUnknown,
		EWMADeliveredPPS: NewEWMA(alpha),
		EWMARtxRate:      NewEWMA(alpha),
		EWMARttMS:        NewEWMA(alpha),
	}
}

// Eligible reports whether the link may carry non-duplicated, non-probing
// traffic: it must not be Failed, and if Probation, its warm-up window must
// have elapsed.
func (l *Link) Eligible(now time.Time) bool {
	if l.Health == HealthFailed {
		return false
	}
	if l.Health == HealthProbation && now.Before(l.ProbationUntil) {
		return false
	}
	return true
}

// CapacityEstimate computes cap_est = ewma.delivered_pps / max(epsilonShare,
// current_weight), normalizing out the already-allocated share so the
// estimate approximates true path capacity rather than source rate.
func (l *Link) CapacityEstimate(epsilonShare float64) float64 {
	denom := math.Max(epsilonShare, l.CurrentWeight)
	return l.EWMADeliveredPPS.Value() / denom
}

// -------------------------------------------------------------------------
// IndexAllocator — stable output index allocation
// -------------------------------------------------------------------------

// ErrIndexExhausted indicates the allocator's free-slot and counter space
// has been exhausted. In practice this never happens (int overflow only).
var ErrIndexExhausted = errors.New("link index allocator exhausted")

// IndexAllocator assigns stable ordinal indices to attached outputs "in
// request order" (spec §6): the first AddOutput call gets 0, the second
// gets 1, and so on, with freed indices (from RemoveOutput) reused before
// the counter advances further, so a long-running process with churn does
// not grow indices without bound.
type IndexAllocator struct {
	mu        sync.Mutex
	next      int
	free      []int
	allocated map[int]struct{}
}

// NewIndexAllocator creates an allocator starting from index 0.
func NewIndexAllocator() *IndexAllocator {
	return &IndexAllocator{allocated: make(map[int]struct{})}
}

// Allocate returns the next stable index in request order, preferring a
// freed slot over growing the counter.
func (a *IndexAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx int
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if a.next < 0 {
			return 0, fmt.Errorf("allocate link index: %w", ErrIndexExhausted)
		}
		idx = a.next
		a.next++
	}
	a.allocated[idx] = struct{}{}
	return idx, nil
}

// Release makes idx available for future allocation. A no-op if idx was not
// allocated.
func (a *IndexAllocator) Release(idx int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.allocated[idx]; !ok {
		return
	}
	delete(a.allocated, idx)
	a.free = append(a.free, idx)
}

// IsAllocated reports whether idx is currently in use.
func (a *IndexAllocator) IsAllocated(idx int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.allocated[idx]
	return ok
}

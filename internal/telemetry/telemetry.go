// Package telemetry models the read-only statistics contract exposed by the
// (out-of-scope, externally implemented) RIST transport sender: a per-session
// counter snapshot that the dispatcher and bitrate controller consume to
// estimate delivered capacity, loss, and RTT.
package telemetry

import (
	"context"
	"time"
)

// SessionStats is the per-session counter set a transport sender exposes.
// All counter fields are monotonic for the life of the session; consumers
// compute deltas rather than reading them as instantaneous rates.
type SessionStats struct {
	// SentOriginalPackets is the count of original (non-retransmitted)
	// packets sent on this session.
	SentOriginalPackets uint64
	// SentRetransmittedPackets is the count of retransmitted packets sent.
	SentRetransmittedPackets uint64
	// RoundTripTime is the most recently measured RTT for this session.
	RoundTripTime time.Duration
	// RRPacketsReceived is the cumulative count of packets the receiver has
	// acknowledged via receiver reports.
	RRPacketsReceived uint64
	// RRFractionLost is the most recent receiver-reported loss fraction in
	// [0, 1].
	RRFractionLost float64
	// RRHaveReport is false when no authoritative receiver report has been
	// received for this session since the previous sample; when false,
	// receiver-based capacity estimation MUST be disabled for this session
	// in the current tick (fall back to sender-side counters).
	RRHaveReport bool
}

// Snapshot is an immutable, timestamped view over every attached session's
// stats plus daemon-computed aggregates. Snapshot values are never mutated
// after construction; Fetch always returns a fresh one.
type Snapshot struct {
	// Sessions maps a link index to that link's stats at SampledAt.
	Sessions map[int]SessionStats
	// SampledAt is the wall-clock time the snapshot was assembled. Because
	// Fetch MUST NOT block the sender's datapath, SampledAt MAY lag the
	// true current time if the sender's stats are cached/stale.
	SampledAt time.Time
}

// AggregateLossPct computes 100 × Σ sent_rtx / Σ sent_original across every
// session in the snapshot, as a percentage. Returns 0 if no original
// packets were sent.
func (s Snapshot) AggregateLossPct() float64 {
	var origSum, rtxSum uint64
	for _, st := range s.Sessions {
		origSum += st.SentOriginalPackets
		rtxSum += st.SentRetransmittedPackets
	}
	if origSum == 0 {
		return 0
	}
	return 100 * float64(rtxSum) / float64(origSum)
}

// AggregateRTTMillis returns the aggregate RTT in milliseconds across every
// session, either the max (default, conservative) or the traffic-weighted
// mean depending on weighted.
func (s Snapshot) AggregateRTTMillis(weighted bool) float64 {
	if len(s.Sessions) == 0 {
		return 0
	}
	if !weighted {
		var maxMS float64
		for _, st := range s.Sessions {
			if ms := float64(st.RoundTripTime.Milliseconds()); ms > maxMS {
				maxMS = ms
			}
		}
		return maxMS
	}

	var weightedSum, totalTraffic float64
	for _, st := range s.Sessions {
		traffic := float64(st.SentOriginalPackets + st.SentRetransmittedPackets)
		weightedSum += traffic * float64(st.RoundTripTime.Milliseconds())
		totalTraffic += traffic
	}
	if totalTraffic == 0 {
		return 0
	}
	return weightedSum / totalTraffic
}

// AnyHaveReport reports whether at least one session has an authoritative
// receiver report this tick. When false for every session, the bitrate
// controller MUST hold its current value rather than increase (spec §4.3
// Safety) and the dispatcher's rebalance MUST freeze weights (spec §9 Open
// Question #2).
func (s Snapshot) AnyHaveReport() bool {
	for _, st := range s.Sessions {
		if st.RRHaveReport {
			return true
		}
	}
	return false
}

// Sender is the external transport-sender contract (spec §6): a read-only
// structured statistics source plus a non-blocking Send path. Implementations
// live outside this module's scope; this interface is the seam.
type Sender interface {
	// Stats returns the current counter snapshot for this session. MUST
	// never block the sender's datapath; MAY return stale values.
	Stats() SessionStats
	// Send forwards buf on this session's underlying transport. MUST
	// preserve buf's ordering relative to other Send calls on the same
	// Sender.
	Send(ctx context.Context, buf []byte) error
}

// Encoder is the upstream encoder contract (spec §6) the Bitrate Controller
// drives. Units are always kbps at this boundary; adapters for bps-native
// encoders scale before calling through.
type Encoder interface {
	// SetBitrateKbps applies a new target bitrate.
	SetBitrateKbps(ctx context.Context, kbps int) error
	// ForceKeyframe requests an immediate key unit, used to let the decoder
	// refresh quickly after a large downward bitrate step.
	ForceKeyframe(ctx context.Context) error
}

// Fetch assembles a Snapshot from the given indexed senders. It calls each
// Sender's Stats() exactly once; callers needing freshness guarantees
// should call Fetch itself periodically rather than caching the result.
func Fetch(senders map[int]Sender) Snapshot {
	sessions := make(map[int]SessionStats, len(senders))
	for idx, s := range senders {
		sessions[idx] = s.Stats()
	}
	return Snapshot{Sessions: sessions, SampledAt: time.Now()}
}

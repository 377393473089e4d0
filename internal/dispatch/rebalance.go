package dispatch

import (
	"math"
	"time"

	"github.com/dantte-lp/ristbond/internal/config"
	"github.com/dantte-lp/ristbond/internal/link"
	"github.com/dantte-lp/ristbond/internal/telemetry"
)

// rebalanceResult is the outcome of one weight-recomputation cycle.
type rebalanceResult struct {
	// Weights is the new normalized, clamped, ε-mixed weight vector,
	// indexed the same as the links slice passed in.
	Weights []float64
	// FailedThisCycle lists links whose health transitioned into Failed
	// during this cycle (for failover counter emission).
	FailedThisCycle []int
}

// recomputeWeights implements the weight recomputation algorithm (steps
// 1-9; hysteresis and commit are applied by the caller, which alone knows
// the previously-committed vector and its commit timestamp). It mutates
// each link's EWMAs, PrevCounters, and Health in place.
//
// probeIndex is the position in links of the link boosted this cycle (the caller advances a
// round-robin counter across calls); -1 disables probing.
func recomputeWeights(
	links []*link.Link,
	snap telemetry.Snapshot,
	cfg config.DispatcherConfig,
	now time.Time,
	probeIndex int,
) rebalanceResult {
	n := len(links)
	scores := make([]float64, n)
	var failed []int

	for i, l := range links {
		stats, haveStats := snap.Sessions[l.Index]

		cur := link.Counters{SampledAt: snap.SampledAt}
		if haveStats {
			cur = link.Counters{
				SentOriginal:      stats.SentOriginalPackets,
				SentRetransmitted: stats.SentRetransmittedPackets,
				RRPacketsReceived: stats.RRPacketsReceived,
				SampledAt:         snap.SampledAt,
			}
		}

		origD, rtxD, rrD, dt, ok := cur.Delta(l.PrevCounters)

		event := link.EventNoProgress
		if ok && dt > 0 {
			if haveStats && stats.RRHaveReport {
				deliveredPPS := float64(rrD) / dt.Seconds()
				l.EWMADeliveredPPS.Update(deliveredPPS)
			} else if haveStats {
				// No receiver report this tick: fall back to the sender-side
				// original-packet rate.
				l.EWMADeliveredPPS.Update(float64(origD) / dt.Seconds())
			}
			rtxRate := float64(rtxD) / math.Max(1, float64(origD))
			l.EWMARtxRate.Update(rtxRate)
			if haveStats {
				l.EWMARttMS.Update(float64(stats.RoundTripTime.Milliseconds()))
			}

			if rtxRate > degradedRtxThreshold {
				event = link.EventSampleDegraded
			} else {
				event = link.EventSampleOK
			}
			l.LastSuccessAt = now
		} else if now.Sub(l.LastSuccessAt) >= cfg.FailoverTimeout && !l.LastSuccessAt.IsZero() {
			event = link.EventFailoverTimeout
		} else if l.Health == link.HealthProbation && now.After(l.ProbationUntil) {
			event = link.EventWarmupElapsed
		}

		res := link.ApplyHealthEvent(l.Health, event)
		if res.Changed {
			l.Health = res.NewState
			if res.NewState == link.HealthProbation {
				l.ProbationUntil = now.Add(cfg.HealthWarmup)
			}
			if res.NewState == link.HealthFailed {
				l.FailedSince = now
				failed = append(failed, i)
			}
		}

		l.PrevCounters = cur

		scores[i] = scoreLink(l, cfg)
	}

	eligible := make([]bool, n)
	for i, l := range links {
		eligible[i] = l.Eligible(now)
	}

	if probeIndex >= 0 && probeIndex < n && eligible[probeIndex] {
		scores[probeIndex] *= 1 + cfg.ProbeBoost
	}

	weights := normalize(scores, eligible)
	weights = clampShares(weights, eligible, cfg.MaxLinkShare)
	weights = epsilonMix(weights, eligible, cfg.ProbeRatio)

	for i, l := range links {
		l.CurrentWeight = weights[i]
	}

	return rebalanceResult{Weights: weights, FailedThisCycle: failed}
}

// degradedRtxThreshold is the retransmit-rate fraction above which a link
// is marked Degraded (spec: "e.g., rtx_rate > 2%").
const degradedRtxThreshold = 0.02

// scoreLink computes the raw per-link score under the configured strategy.
func scoreLink(l *link.Link, cfg config.DispatcherConfig) float64 {
	capEst := l.CapacityEstimate(link.EpsilonFloor)

	switch cfg.Strategy {
	case config.StrategyAIMD:
		return aimdScore(l, cfg)
	default: // config.StrategyEWMA
		rtt := math.Max(0.1, l.EWMARttMS.Value()/50)
		return math.Sqrt(math.Max(1, capEst)) *
			(1 / (1 + cfg.EWMARtxPenalty*l.EWMARtxRate.Value())) *
			(1 / (1 + cfg.EWMARttPenalty*rtt))
	}
}

// aimdScore applies additive-increase / multiplicative-decrease to the
// link's prior committed weight, treated as the raw score input to
// renormalization.
func aimdScore(l *link.Link, cfg config.DispatcherConfig) float64 {
	const (
		additiveStep       = 0.02
		multiplicativeHalf = 0.5
	)
	prev := l.CurrentWeight
	if prev <= 0 {
		prev = 1.0 / 8 // seed for a link that has never been weighted
	}
	if l.EWMARtxRate.Value() > degradedRtxThreshold {
		return prev * multiplicativeHalf
	}
	return prev + additiveStep
}

// normalize divides each eligible score by their sum so weights sum to 1.
// Ineligible links receive weight 0.
func normalize(scores []float64, eligible []bool) []float64 {
	out := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		if eligible[i] {
			sum += s
		}
	}
	if sum <= 0 {
		return out
	}
	for i, s := range scores {
		if eligible[i] {
			out[i] = s / sum
		}
	}
	return out
}

// clampShares caps any weight above maxShare and redistributes the excess
// waterfilling-style across the remaining eligible, uncapped links. It
// iterates because redistributing excess can itself push another link
// above the cap.
func clampShares(weights []float64, eligible []bool, maxShare float64) []float64 {
	out := append([]float64(nil), weights...)

	eligibleCount := 0
	soleIdx := -1
	for i, e := range eligible {
		if e {
			eligibleCount++
			soleIdx = i
		}
	}
	if eligibleCount == 1 {
		// A single eligible link carries the whole stream; max_link_share
		// must not starve it of the traffic it has nowhere else to go.
		out[soleIdx] = 1.0
		return out
	}

	capped := make([]bool, len(out))

	for pass := 0; pass < len(out)+1; pass++ {
		var excess float64
		newlyCapped := false
		for i, w := range out {
			if eligible[i] && !capped[i] && w > maxShare {
				excess += w - maxShare
				out[i] = maxShare
				capped[i] = true
				newlyCapped = true
			}
		}
		if excess <= 0 {
			break
		}

		var room float64
		for i := range out {
			if eligible[i] && !capped[i] {
				room += maxShare - out[i]
			}
		}
		if room <= 0 {
			// No uncapped link has any headroom; the excess has nowhere to
			// go. Leave it undistributed rather than loop forever.
			break
		}
		for i := range out {
			if eligible[i] && !capped[i] {
				share := (maxShare - out[i]) / room
				out[i] += excess * share
			}
		}
		if !newlyCapped {
			break
		}
	}

	return out
}

// epsilonMix blends in a uniform floor over eligible links so no eligible
// link's weight collapses to (near) zero, per spec step 9.
func epsilonMix(weights []float64, eligible []bool, probeRatio float64) []float64 {
	n := 0
	for _, e := range eligible {
		if e {
			n++
		}
	}
	if n == 0 {
		return weights
	}

	out := make([]float64, len(weights))
	floor := probeRatio / float64(n)
	for i, w := range weights {
		if !eligible[i] {
			continue
		}
		out[i] = (1-probeRatio)*w + floor
	}
	return out
}

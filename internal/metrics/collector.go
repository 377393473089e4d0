// Package ristmetrics exposes Prometheus metrics for the dispatcher and
// bitrate controller.
package ristmetrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "ristbond"
	subsystem = "bond"
)

// Label names.
const (
	labelLink   = "link_index"
	labelPeer   = "peer_addr"
	labelHealth = "health"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Bonding Metrics
// -------------------------------------------------------------------------

// Collector holds every Prometheus metric exported by the dispatcher and
// bitrate controller.
//
//   - Per-link gauges track weight, EWMA estimates, and health state.
//   - Per-link counters track packets forwarded and duplicated, and failover
//     events.
//   - Dispatcher-wide counters track dropped packets and weight recomputation.
//   - Bitrate gauges/counters track the current target and clamp events.
type Collector struct {
	// LinkWeight is the current normalized selection weight per link.
	LinkWeight *prometheus.GaugeVec

	// LinkEWMADeliveredPPS is the smoothed delivered-packets-per-second
	// estimate per link.
	LinkEWMADeliveredPPS *prometheus.GaugeVec

	// LinkEWMARtxRate is the smoothed retransmit-rate estimate per link.
	LinkEWMARtxRate *prometheus.GaugeVec

	// LinkEWMARttMillis is the smoothed RTT estimate per link, in milliseconds.
	LinkEWMARttMillis *prometheus.GaugeVec

	// LinkHealth is a 0/1 gauge, one series per (link, health) pair, set to 1
	// for the link's current health state and 0 for all others.
	LinkHealth *prometheus.GaugeVec

	// PacketsForwarded counts packets the dispatcher selected this link for.
	PacketsForwarded *prometheus.CounterVec

	// PacketsDuplicated counts keyframe packets duplicated onto this link as
	// a secondary destination.
	PacketsDuplicated *prometheus.CounterVec

	// PacketsDropped counts packets Push dropped with ErrAllLinksFailed: no
	// eligible link existed, or every eligible output's Send failed.
	PacketsDropped prometheus.Counter

	// WeightsChangedTotal counts rebalance cycles that produced a new weight
	// vector (i.e., the hysteresis gate did not hold the previous vector).
	WeightsChangedTotal prometheus.Counter

	// FailoverTotal counts link health transitions into Failed.
	FailoverTotal *prometheus.CounterVec

	// BitrateKbps is the current encoder bitrate target.
	BitrateKbps prometheus.Gauge

	// BitrateClampedTotal counts control ticks where the computed bitrate
	// was clamped to min_kbps or max_kbps.
	BitrateClampedTotal prometheus.Counter

	// BitrateDecreaseTotal counts control ticks that decreased the bitrate.
	BitrateDecreaseTotal prometheus.Counter

	// BitrateIncreaseTotal counts control ticks that increased the bitrate.
	BitrateIncreaseTotal prometheus.Counter
}

// NewCollector creates a Collector with every metric registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.LinkWeight,
		c.LinkEWMADeliveredPPS,
		c.LinkEWMARtxRate,
		c.LinkEWMARttMillis,
		c.LinkHealth,
		c.PacketsForwarded,
		c.PacketsDuplicated,
		c.PacketsDropped,
		c.WeightsChangedTotal,
		c.FailoverTotal,
		c.BitrateKbps,
		c.BitrateClampedTotal,
		c.BitrateDecreaseTotal,
		c.BitrateIncreaseTotal,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	linkLabels := []string{labelLink, labelPeer}
	healthLabels := []string{labelLink, labelPeer, labelHealth}

	return &Collector{
		LinkWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "link_weight",
			Help:      "Current normalized selection weight for the link.",
		}, linkLabels),

		LinkEWMADeliveredPPS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "link_ewma_delivered_pps",
			Help:      "Smoothed delivered-packets-per-second estimate for the link.",
		}, linkLabels),

		LinkEWMARtxRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "link_ewma_rtx_rate",
			Help:      "Smoothed retransmit-rate estimate for the link.",
		}, linkLabels),

		LinkEWMARttMillis: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "link_ewma_rtt_ms",
			Help:      "Smoothed RTT estimate for the link, in milliseconds.",
		}, linkLabels),

		LinkHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "link_health",
			Help:      "1 for the link's current health state, 0 otherwise.",
		}, healthLabels),

		PacketsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_forwarded_total",
			Help:      "Total packets forwarded via this link as primary destination.",
		}, linkLabels),

		PacketsDuplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_duplicated_total",
			Help:      "Total keyframe packets duplicated onto this link.",
		}, linkLabels),

		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total packets dropped because no link was eligible or every send failed.",
		}),

		WeightsChangedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "weights_changed_total",
			Help:      "Total rebalance cycles that produced a new weight vector.",
		}),

		FailoverTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failover_total",
			Help:      "Total link health transitions into Failed.",
		}, linkLabels),

		BitrateKbps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bitrate_kbps",
			Help:      "Current encoder bitrate target, in kbps.",
		}),

		BitrateClampedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bitrate_clamped_total",
			Help:      "Total control ticks where the computed bitrate was clamped.",
		}),

		BitrateDecreaseTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bitrate_decrease_total",
			Help:      "Total control ticks that decreased the bitrate.",
		}),

		BitrateIncreaseTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bitrate_increase_total",
			Help:      "Total control ticks that increased the bitrate.",
		}),
	}
}

// -------------------------------------------------------------------------
// Link Gauges
// -------------------------------------------------------------------------

// SetLinkWeight records the current weight for a link.
func (c *Collector) SetLinkWeight(index int, peer string, weight float64) {
	c.LinkWeight.WithLabelValues(strconv.Itoa(index), peer).Set(weight)
}

// SetLinkEWMA records the current EWMA estimates for a link.
func (c *Collector) SetLinkEWMA(index int, peer string, deliveredPPS, rtxRate, rttMS float64) {
	labels := []string{strconv.Itoa(index), peer}
	c.LinkEWMADeliveredPPS.WithLabelValues(labels...).Set(deliveredPPS)
	c.LinkEWMARtxRate.WithLabelValues(labels...).Set(rtxRate)
	c.LinkEWMARttMillis.WithLabelValues(labels...).Set(rttMS)
}

// SetLinkHealth sets the 1/0 indicator series for a link's current health,
// given the full enumeration of possible health state names.
func (c *Collector) SetLinkHealth(index int, peer string, current string, all []string) {
	for _, h := range all {
		v := 0.0
		if h == current {
			v = 1.0
		}
		c.LinkHealth.WithLabelValues(strconv.Itoa(index), peer, h).Set(v)
	}
}

// -------------------------------------------------------------------------
// Counters
// -------------------------------------------------------------------------

// IncPacketsForwarded increments the forwarded-packet counter for a link.
func (c *Collector) IncPacketsForwarded(index int, peer string) {
	c.PacketsForwarded.WithLabelValues(strconv.Itoa(index), peer).Inc()
}

// IncPacketsDuplicated increments the duplicated-packet counter for a link.
func (c *Collector) IncPacketsDuplicated(index int, peer string) {
	c.PacketsDuplicated.WithLabelValues(strconv.Itoa(index), peer).Inc()
}

// IncPacketsDropped increments the all-links-failed drop counter.
func (c *Collector) IncPacketsDropped() {
	c.PacketsDropped.Inc()
}

// IncWeightsChanged increments the weights-changed counter.
func (c *Collector) IncWeightsChanged() {
	c.WeightsChangedTotal.Inc()
}

// IncFailover increments the failover counter for a link.
func (c *Collector) IncFailover(index int, peer string) {
	c.FailoverTotal.WithLabelValues(strconv.Itoa(index), peer).Inc()
}

// -------------------------------------------------------------------------
// Bitrate
// -------------------------------------------------------------------------

// SetBitrateKbps records the current encoder bitrate target.
func (c *Collector) SetBitrateKbps(kbps float64) {
	c.BitrateKbps.Set(kbps)
}

// IncBitrateClamped increments the clamp-event counter.
func (c *Collector) IncBitrateClamped() {
	c.BitrateClampedTotal.Inc()
}

// IncBitrateDecrease increments the decrease-event counter.
func (c *Collector) IncBitrateDecrease() {
	c.BitrateDecreaseTotal.Inc()
}

// IncBitrateIncrease increments the increase-event counter.
func (c *Collector) IncBitrateIncrease() {
	c.BitrateIncreaseTotal.Inc()
}

// Package config manages ristbond daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables, layered on top of built-in
// defaults. Validation rejects out-of-range values without mutating the
// config being loaded.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete ristbond configuration.
type Config struct {
	Admin    AdminConfig             `koanf:"admin"`
	Metrics  MetricsConfig           `koanf:"metrics"`
	Log      LogConfig               `koanf:"log"`
	Dispatch DispatcherConfig        `koanf:"dispatcher"`
	Bitrate  BitrateControllerConfig `koanf:"bitrate"`
	Links    []LinkConfig            `koanf:"links"`
}

// LinkConfig describes one declarative bonded link from the configuration
// file. Each entry attaches an output to the dispatcher on daemon startup
// and SIGHUP reload, mirroring the teacher's declarative SessionConfig.
type LinkConfig struct {
	// Peer is the remote endpoint's IP address for this link.
	Peer string `koanf:"peer"`
	// Local is the local endpoint's IP address for this link (optional).
	Local string `koanf:"local"`
	// Transport names a sender implementation for this link (e.g. "udp").
	// Neither this package nor the daemon interprets it: the daemon builds
	// a UDP RISTSender for every link.
	Transport string `koanf:"transport"`
}

// LinkKey returns a unique identifier for the link based on (peer, local).
// Used for diffing links on SIGHUP reload.
func (lc LinkConfig) LinkKey() string {
	return lc.Peer + "|" + lc.Local
}

// PeerAddr parses Peer as a netip.Addr.
func (lc LinkConfig) PeerAddr() (netip.Addr, error) {
	if lc.Peer == "" {
		return netip.Addr{}, fmt.Errorf("link peer: %w", ErrInvalidLinkPeer)
	}
	addr, err := netip.ParseAddr(lc.Peer)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse link peer %q: %w", lc.Peer, err)
	}
	return addr, nil
}

// LocalAddr parses Local as a netip.Addr. An empty Local is valid and
// returns the zero netip.Addr, leaving the choice to the sender factory.
func (lc LinkConfig) LocalAddr() (netip.Addr, error) {
	if lc.Local == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(lc.Local)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse link local %q: %w", lc.Local, err)
	}
	return addr, nil
}

// AdminConfig holds the admin/control HTTP surface configuration.
type AdminConfig struct {
	// Addr is the admin HTTP listen address (e.g., "127.0.0.1:7780").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// Scheduler names the per-packet selection algorithm.
type Scheduler string

const (
	// SchedulerSWRR selects Smooth Weighted Round Robin.
	SchedulerSWRR Scheduler = "swrr"
	// SchedulerDRR selects Deficit Round Robin.
	SchedulerDRR Scheduler = "drr"
)

// Strategy names the weight-adaptation law.
type Strategy string

const (
	// StrategyEWMA selects the EWMA capacity-estimate scoring law.
	StrategyEWMA Strategy = "ewma"
	// StrategyAIMD selects the additive-increase/multiplicative-decrease law.
	StrategyAIMD Strategy = "aimd"
)

// DispatcherConfig holds every tunable named in the dispatcher data model.
type DispatcherConfig struct {
	Scheduler    Scheduler `koanf:"scheduler"`
	QuantumBytes int       `koanf:"quantum_bytes"`

	AutoBalance         bool          `koanf:"auto_balance"`
	RebalanceInterval   time.Duration `koanf:"rebalance_interval"`
	Strategy            Strategy      `koanf:"strategy"`
	WeightsSeed         []float64     `koanf:"weights_seed"`

	ProbeRatio  float64       `koanf:"probe_ratio"`
	ProbeBoost  float64       `koanf:"probe_boost"`
	ProbePeriod time.Duration `koanf:"probe_period"`

	MaxLinkShare   float64 `koanf:"max_link_share"`
	EWMAAlpha      float64 `koanf:"ewma_alpha"`
	EWMARtxPenalty float64 `koanf:"ewma_rtx_penalty"`
	EWMARttPenalty float64 `koanf:"ewma_rtt_penalty"`

	MinHold            time.Duration `koanf:"min_hold"`
	SwitchThreshold    float64       `koanf:"switch_threshold"`
	HealthWarmup       time.Duration `koanf:"health_warmup"`
	FailoverTimeout    time.Duration `koanf:"failover_timeout"`

	DuplicateKeyframes bool `koanf:"duplicate_keyframes"`
	DupBudgetPPS       int  `koanf:"dup_budget_pps"`

	MetricsExportInterval time.Duration `koanf:"metrics_export_interval"`
}

// BitrateControllerConfig holds every tunable named in the bitrate
// controller data model.
type BitrateControllerConfig struct {
	TargetLossPct float64 `koanf:"target_loss_pct"`
	TargetRTTMS   float64 `koanf:"target_rtt_ms"`

	MinKbps  int `koanf:"min_kbps"`
	MaxKbps  int `koanf:"max_kbps"`
	StepKbps int `koanf:"step_kbps"`

	TickInterval time.Duration `koanf:"tick_interval"`
	RateLimit    time.Duration `koanf:"rate_limit"`

	DownscaleKeyunit   bool    `koanf:"downscale_keyunit"`
	DownscaleRatio     float64 `koanf:"downscale_ratio"`
	// RTTOnlyMargin resolves spec Open Question #3: a configurable margin
	// for downscaling on pure RTT growth without loss. 0 disables the
	// RTT-only decrease clause entirely.
	RTTOnlyMargin float64 `koanf:"rtt_only_margin"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the defaults named
// throughout the data model (spec §3), chosen as the conservative starting
// point for production deployments.
func DefaultConfig() *Config {
	return &Config{
		Admin: AdminConfig{
			Addr: "127.0.0.1:7780",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Dispatch: DispatcherConfig{
			Scheduler:             SchedulerSWRR,
			QuantumBytes:          1200,
			AutoBalance:           true,
			RebalanceInterval:     500 * time.Millisecond,
			Strategy:              StrategyEWMA,
			ProbeRatio:            0.06,
			ProbeBoost:            0.12,
			ProbePeriod:           800 * time.Millisecond,
			MaxLinkShare:          0.70,
			EWMAAlpha:             0.3,
			EWMARtxPenalty:        2.0,
			EWMARttPenalty:        1.0,
			MinHold:               1000 * time.Millisecond,
			SwitchThreshold:       0.01,
			HealthWarmup:          2 * time.Second,
			FailoverTimeout:       3 * time.Second,
			DuplicateKeyframes:    false,
			DupBudgetPPS:          5,
			MetricsExportInterval: 1 * time.Second,
		},
		Bitrate: BitrateControllerConfig{
			TargetLossPct:    1.0,
			TargetRTTMS:      100,
			MinKbps:          500,
			MaxKbps:          8000,
			StepKbps:         500,
			TickInterval:     750 * time.Millisecond,
			RateLimit:        1200 * time.Millisecond,
			DownscaleKeyunit: true,
			DownscaleRatio:   1.5,
			RTTOnlyMargin:    0,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for ristbond configuration.
// Variables are named RISTBOND_<section>_<key>, e.g. RISTBOND_ADMIN_ADDR.
const envPrefix = "RISTBOND_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (RISTBOND_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	RISTBOND_ADMIN_ADDR         -> admin.addr
//	RISTBOND_METRICS_ADDR       -> metrics.addr
//	RISTBOND_DISPATCHER_SCHEDULER -> dispatcher.scheduler
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms RISTBOND_ADMIN_ADDR -> admin.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	// Only the first underscore separates section from key, so multi-word
	// keys such as DISPATCHER_QUANTUM_BYTES map to dispatcher.quantum_bytes.
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"admin.addr":                        d.Admin.Addr,
		"metrics.addr":                      d.Metrics.Addr,
		"metrics.path":                      d.Metrics.Path,
		"log.level":                         d.Log.Level,
		"log.format":                        d.Log.Format,
		"dispatcher.scheduler":              string(d.Dispatch.Scheduler),
		"dispatcher.quantum_bytes":          d.Dispatch.QuantumBytes,
		"dispatcher.auto_balance":           d.Dispatch.AutoBalance,
		"dispatcher.rebalance_interval":     d.Dispatch.RebalanceInterval.String(),
		"dispatcher.strategy":               string(d.Dispatch.Strategy),
		"dispatcher.probe_ratio":            d.Dispatch.ProbeRatio,
		"dispatcher.probe_boost":            d.Dispatch.ProbeBoost,
		"dispatcher.probe_period":           d.Dispatch.ProbePeriod.String(),
		"dispatcher.max_link_share":         d.Dispatch.MaxLinkShare,
		"dispatcher.ewma_alpha":             d.Dispatch.EWMAAlpha,
		"dispatcher.ewma_rtx_penalty":       d.Dispatch.EWMARtxPenalty,
		"dispatcher.ewma_rtt_penalty":       d.Dispatch.EWMARttPenalty,
		"dispatcher.min_hold":               d.Dispatch.MinHold.String(),
		"dispatcher.switch_threshold":       d.Dispatch.SwitchThreshold,
		"dispatcher.health_warmup":          d.Dispatch.HealthWarmup.String(),
		"dispatcher.failover_timeout":       d.Dispatch.FailoverTimeout.String(),
		"dispatcher.duplicate_keyframes":    d.Dispatch.DuplicateKeyframes,
		"dispatcher.dup_budget_pps":         d.Dispatch.DupBudgetPPS,
		"dispatcher.metrics_export_interval": d.Dispatch.MetricsExportInterval.String(),
		"bitrate.target_loss_pct":           d.Bitrate.TargetLossPct,
		"bitrate.target_rtt_ms":             d.Bitrate.TargetRTTMS,
		"bitrate.min_kbps":                  d.Bitrate.MinKbps,
		"bitrate.max_kbps":                  d.Bitrate.MaxKbps,
		"bitrate.step_kbps":                 d.Bitrate.StepKbps,
		"bitrate.tick_interval":             d.Bitrate.TickInterval.String(),
		"bitrate.rate_limit":                d.Bitrate.RateLimit.String(),
		"bitrate.downscale_keyunit":         d.Bitrate.DownscaleKeyunit,
		"bitrate.downscale_ratio":           d.Bitrate.DownscaleRatio,
		"bitrate.rtt_only_margin":           d.Bitrate.RTTOnlyMargin,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors. Each corresponds to a range named in spec §3/§6.
var (
	ErrEmptyAdminAddr        = errors.New("admin.addr must not be empty")
	ErrInvalidScheduler      = errors.New("dispatcher.scheduler must be swrr or drr")
	ErrInvalidStrategy       = errors.New("dispatcher.strategy must be ewma or aimd")
	ErrInvalidRebalance      = errors.New("dispatcher.rebalance_interval must be in [100ms, 10s]")
	ErrInvalidProbeRatio     = errors.New("dispatcher.probe_ratio must be in [0.04, 0.10]")
	ErrInvalidProbeBoost     = errors.New("dispatcher.probe_boost must be in [0.08, 0.15]")
	ErrInvalidProbePeriod    = errors.New("dispatcher.probe_period must be in [500ms, 1500ms]")
	ErrInvalidMaxLinkShare   = errors.New("dispatcher.max_link_share must be in (0, 1]")
	ErrInvalidEWMAAlpha      = errors.New("dispatcher.ewma_alpha must be in (0, 1]")
	ErrInvalidSwitchThresh   = errors.New("dispatcher.switch_threshold must be > 0")
	ErrInvalidQuantumBytes   = errors.New("dispatcher.quantum_bytes must be > 0")
	ErrInvalidDupBudget      = errors.New("dispatcher.dup_budget_pps must be >= 0")
	ErrInvalidBitrateRange   = errors.New("bitrate.min_kbps must be > 0 and <= max_kbps")
	ErrInvalidStepKbps       = errors.New("bitrate.step_kbps must be > 0")
	ErrInvalidTargetLossPct  = errors.New("bitrate.target_loss_pct must be >= 0")
	ErrInvalidTickInterval   = errors.New("bitrate.tick_interval must be > 0")
	ErrInvalidRateLimit      = errors.New("bitrate.rate_limit must be >= 0")
	ErrInvalidRTTOnlyMargin  = errors.New("bitrate.rtt_only_margin must be >= 0")
	ErrInvalidLinkPeer       = errors.New("links[].peer must be a non-empty IP address")
	ErrDuplicateLinkKey      = errors.New("duplicate link key (peer, local)")
)

// Validate checks the configuration for logical errors, returning the first
// one encountered. The config passed in is never mutated by Validate; a
// rejected Load leaves any previously-applied configuration untouched.
func Validate(cfg *Config) error {
	if cfg.Admin.Addr == "" {
		return ErrEmptyAdminAddr
	}

	if err := validateDispatcher(cfg.Dispatch); err != nil {
		return err
	}

	if err := validateBitrate(cfg.Bitrate); err != nil {
		return err
	}

	if err := validateLinks(cfg.Links); err != nil {
		return err
	}

	return nil
}

func validateLinks(links []LinkConfig) error {
	seen := make(map[string]struct{}, len(links))
	for i, lc := range links {
		if _, err := lc.PeerAddr(); err != nil {
			return fmt.Errorf("links[%d]: %w", i, err)
		}
		if _, err := lc.LocalAddr(); err != nil {
			return fmt.Errorf("links[%d]: %w", i, err)
		}
		key := lc.LinkKey()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("links[%d] key %q: %w", i, key, ErrDuplicateLinkKey)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func validateDispatcher(d DispatcherConfig) error {
	if d.Scheduler != SchedulerSWRR && d.Scheduler != SchedulerDRR {
		return fmt.Errorf("%q: %w", d.Scheduler, ErrInvalidScheduler)
	}
	if d.Strategy != StrategyEWMA && d.Strategy != StrategyAIMD {
		return fmt.Errorf("%q: %w", d.Strategy, ErrInvalidStrategy)
	}
	if d.RebalanceInterval < 100*time.Millisecond || d.RebalanceInterval > 10*time.Second {
		return fmt.Errorf("%v: %w", d.RebalanceInterval, ErrInvalidRebalance)
	}
	if d.ProbeRatio < 0.04 || d.ProbeRatio > 0.10 {
		return fmt.Errorf("%v: %w", d.ProbeRatio, ErrInvalidProbeRatio)
	}
	if d.ProbeBoost < 0.08 || d.ProbeBoost > 0.15 {
		return fmt.Errorf("%v: %w", d.ProbeBoost, ErrInvalidProbeBoost)
	}
	if d.ProbePeriod < 500*time.Millisecond || d.ProbePeriod > 1500*time.Millisecond {
		return fmt.Errorf("%v: %w", d.ProbePeriod, ErrInvalidProbePeriod)
	}
	if d.MaxLinkShare <= 0 || d.MaxLinkShare > 1 {
		return fmt.Errorf("%v: %w", d.MaxLinkShare, ErrInvalidMaxLinkShare)
	}
	if d.EWMAAlpha <= 0 || d.EWMAAlpha > 1 {
		return fmt.Errorf("%v: %w", d.EWMAAlpha, ErrInvalidEWMAAlpha)
	}
	if d.SwitchThreshold <= 0 {
		return fmt.Errorf("%v: %w", d.SwitchThreshold, ErrInvalidSwitchThresh)
	}
	if d.Scheduler == SchedulerDRR && d.QuantumBytes <= 0 {
		return fmt.Errorf("%v: %w", d.QuantumBytes, ErrInvalidQuantumBytes)
	}
	if d.DupBudgetPPS < 0 {
		return fmt.Errorf("%v: %w", d.DupBudgetPPS, ErrInvalidDupBudget)
	}
	return nil
}

func validateBitrate(b BitrateControllerConfig) error {
	if b.MinKbps <= 0 || b.MinKbps > b.MaxKbps {
		return fmt.Errorf("min=%d max=%d: %w", b.MinKbps, b.MaxKbps, ErrInvalidBitrateRange)
	}
	if b.StepKbps <= 0 {
		return fmt.Errorf("%v: %w", b.StepKbps, ErrInvalidStepKbps)
	}
	if b.TargetLossPct < 0 {
		return fmt.Errorf("%v: %w", b.TargetLossPct, ErrInvalidTargetLossPct)
	}
	if b.TickInterval <= 0 {
		return fmt.Errorf("%v: %w", b.TickInterval, ErrInvalidTickInterval)
	}
	if b.RateLimit < 0 {
		return fmt.Errorf("%v: %w", b.RateLimit, ErrInvalidRateLimit)
	}
	if b.RTTOnlyMargin < 0 {
		return fmt.Errorf("%v: %w", b.RTTOnlyMargin, ErrInvalidRTTOnlyMargin)
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

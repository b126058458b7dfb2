// Package config holds the tunables of the replication layer and the
// dedicated server. Values come from Default, optionally overlaid by a YAML
// file, and are checked by Validate before use.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/automoto/replica/shared/netconfig"
	"gopkg.in/yaml.v3"
)

// SyncConfig contains the state synchronizer settings
type SyncConfig struct {
	TickRate int `yaml:"tick_rate"`

	// Bandwidth
	BandwidthLimit int `yaml:"bandwidth_limit"` // Max bytes per snapshot per client, 0 = unlimited

	// Interpolation
	InterpolationDelay float64 `yaml:"interpolation_delay"` // Seconds behind the estimated server time
	Interpolation      string  `yaml:"interpolation"`       // linear, cubic or hermite
	MaxSnapshots       int     `yaml:"max_snapshots"`

	// Prediction
	PredictionEnabled  bool    `yaml:"prediction"`
	ReconcileEpsilon   float64 `yaml:"reconcile_epsilon"`
	Correction         string  `yaml:"correction"` // snap or smooth
	CorrectionDuration float64 `yaml:"correction_duration"`

	// Delta compression
	DeltaCompression   bool    `yaml:"delta_compression"`
	DeltaMinSimilarity float64 `yaml:"delta_min_similarity"`
	BaselineWindow     int     `yaml:"baseline_window"` // Max snapshot distance to a usable baseline

	// Lag compensation
	HistoryDuration     float64 `yaml:"history_duration"`
	HistoryCleanupTicks int     `yaml:"history_cleanup_ticks"`
}

// NetworkConfig contains per-connection transport settings
type NetworkConfig struct {
	Reliable     bool    `yaml:"reliable"`
	Timeout      float64 `yaml:"timeout"`
	PingInterval float64 `yaml:"ping_interval"`
	MinRTO       float64 `yaml:"min_rto"`
	MaxRetries   int     `yaml:"max_retries"`
	MaxPayload   int     `yaml:"max_payload"`
}

// InterestConfig sizes the relevancy grid
type InterestConfig struct {
	WorldSize     float64 `yaml:"world_size"`
	CellSize      int     `yaml:"cell_size"`
	DefaultRadius float64 `yaml:"default_radius"` // Region radius given to new clients
}

// ServerConfig contains dedicated server settings
type ServerConfig struct {
	Addr         string `yaml:"addr"`
	Name         string `yaml:"name"`
	Metrics      bool   `yaml:"metrics"`
	DemoObjects  int    `yaml:"demo_objects"`
	LogVerbosity int    `yaml:"log_verbosity"`
}

type Config struct {
	Sync     SyncConfig     `yaml:"sync"`
	Network  NetworkConfig  `yaml:"network"`
	Interest InterestConfig `yaml:"interest"`
	Server   ServerConfig   `yaml:"server"`
}

// Default returns a configuration suitable for a LAN deployment.
func Default() Config {
	return Config{
		Sync: SyncConfig{
			TickRate:            20,
			BandwidthLimit:      16 * 1024,
			InterpolationDelay:  0.1,
			Interpolation:       netconfig.InterpLinear.String(),
			MaxSnapshots:        32,
			PredictionEnabled:   true,
			ReconcileEpsilon:    0.01,
			Correction:          netconfig.CorrectionSnap.String(),
			CorrectionDuration:  0.1,
			DeltaCompression:    true,
			DeltaMinSimilarity:  0.5,
			BaselineWindow:      32,
			HistoryDuration:     1,
			HistoryCleanupTicks: 20,
		},
		Network: NetworkConfig{
			Reliable:     true,
			Timeout:      10,
			PingInterval: 1,
			MinRTO:       0.2,
			MaxRetries:   10,
			MaxPayload:   1 << 20,
		},
		Interest: InterestConfig{
			WorldSize:     4096,
			CellSize:      64,
			DefaultRadius: 500,
		},
		Server: ServerConfig{
			Addr:         ":7373",
			Name:         "replica",
			Metrics:      true,
			DemoObjects:  16,
			LogVerbosity: 1,
		},
	}
}

// MinBandwidthLimit is the smallest non-zero limit that still fits a
// snapshot header and one small object.
const MinBandwidthLimit = 64

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	s := c.Sync
	check(s.TickRate > 0, "sync.tick_rate must be positive, got %d", s.TickRate)
	check(s.BandwidthLimit == 0 || s.BandwidthLimit >= MinBandwidthLimit,
		"sync.bandwidth_limit must be 0 or at least %d, got %d", MinBandwidthLimit, s.BandwidthLimit)
	check(s.InterpolationDelay >= 0, "sync.interpolation_delay must not be negative")
	if _, err := netconfig.ParseInterpolationMode(s.Interpolation); err != nil {
		errs = append(errs, fmt.Errorf("sync.interpolation: %w", err))
	}
	check(s.MaxSnapshots >= 2, "sync.max_snapshots must be at least 2, got %d", s.MaxSnapshots)
	check(s.ReconcileEpsilon >= 0, "sync.reconcile_epsilon must not be negative")
	if _, err := netconfig.ParseCorrectionMode(s.Correction); err != nil {
		errs = append(errs, fmt.Errorf("sync.correction: %w", err))
	}
	check(s.CorrectionDuration >= 0, "sync.correction_duration must not be negative")
	check(s.DeltaMinSimilarity >= 0 && s.DeltaMinSimilarity <= 1,
		"sync.delta_min_similarity must be within [0,1], got %v", s.DeltaMinSimilarity)
	check(s.BaselineWindow > 0 && s.BaselineWindow <= 64,
		"sync.baseline_window must be within [1,64], got %d", s.BaselineWindow)
	check(s.HistoryDuration > 0, "sync.history_duration must be positive")
	check(s.HistoryCleanupTicks > 0, "sync.history_cleanup_ticks must be positive")

	n := c.Network
	check(n.Timeout >= 0, "network.timeout must not be negative")
	check(n.PingInterval >= 0, "network.ping_interval must not be negative")
	check(n.MinRTO > 0, "network.min_rto must be positive")
	check(n.MaxRetries > 0, "network.max_retries must be positive")
	check(n.MaxPayload >= 1024, "network.max_payload must be at least 1024, got %d", n.MaxPayload)

	i := c.Interest
	check(i.WorldSize > 0, "interest.world_size must be positive")
	check(i.CellSize > 0, "interest.cell_size must be positive")
	check(i.DefaultRadius >= 0, "interest.default_radius must not be negative")

	check(c.Server.DemoObjects >= 0, "server.demo_objects must not be negative")

	return errors.Join(errs...)
}

// Parse overlays YAML data onto the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads a YAML file. An empty path returns the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// InterpolationMode returns the parsed interpolation mode.
func (s SyncConfig) InterpolationMode() netconfig.InterpolationMode {
	m, _ := netconfig.ParseInterpolationMode(s.Interpolation)
	return m
}

// CorrectionMode returns the parsed correction mode.
func (s SyncConfig) CorrectionMode() netconfig.CorrectionMode {
	m, _ := netconfig.ParseCorrectionMode(s.Correction)
	return m
}

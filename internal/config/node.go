package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/staffetta/internal/estimator"
	"github.com/banshee-data/staffetta/internal/mac"
	"github.com/banshee-data/staffetta/internal/serialmux"
)

// DefaultConfigPath is the path to the canonical node defaults file.
const DefaultConfigPath = "config/node.defaults.json"

// NodeConfig is the JSON configuration of one node or of every node in a
// simulation. Fields left out of the file fall back to the deployed
// defaults through the Get* accessors, so partial configs are safe.
type NodeConfig struct {
	// Identity
	NodeID       *int `json:"node_id,omitempty"`
	SinkID       *int `json:"sink_id,omitempty"`
	SinkRangeEnd *int `json:"sink_range_end,omitempty"`

	// Protocol variant
	GradientMode     *string `json:"gradient_mode,omitempty"` // "none", "queue" or "edc"
	DynamicDutyCycle *bool   `json:"dynamic_duty_cycle,omitempty"`
	FastForward      *bool   `json:"fast_forward,omitempty"`
	Select           *bool   `json:"select,omitempty"`
	CheckCRC         *bool   `json:"check_crc,omitempty"`
	Budget           *int    `json:"budget,omitempty"`
	FixedWakeups     *int    `json:"fixed_wakeups,omitempty"`
	InitialPackets   *int    `json:"initial_packets,omitempty"`

	// Timing, duration strings like "3ms"
	Period      *string `json:"period,omitempty"`
	Backoff     *string `json:"backoff,omitempty"`
	StrobeWait  *string `json:"strobe_wait,omitempty"`
	Strobe      *string `json:"strobe,omitempty"`
	ByteTimeout *string `json:"byte_timeout,omitempty"`
	TxWait      *string `json:"tx_wait,omitempty"`

	// Wake scheduling and reporting. Bundle switches to the bundle schedule
	// and its report cadence; the report fields still override it.
	Bundle           *bool   `json:"bundle,omitempty"`
	ScaleByDutyCycle *bool   `json:"scale_by_duty_cycle,omitempty"`
	ReportEvery      *string `json:"report_every,omitempty"`
	FirstReport      *string `json:"first_report,omitempty"`
	ReportJitter     *string `json:"report_jitter,omitempty"`
	Seed             *int64  `json:"seed,omitempty"`

	// Radio bridge serial line
	Serial *serialmux.PortOptions `json:"serial,omitempty"`
}

// EmptyNodeConfig returns a NodeConfig with all fields set to nil.
func EmptyNodeConfig() *NodeConfig {
	return &NodeConfig{}
}

// LoadNodeConfig loads a NodeConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyNodeConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents. Panics if the file cannot
// be loaded, intended for test setup.
func MustLoadDefaultConfig() *NodeConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadNodeConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *NodeConfig) Validate() error {
	for name, v := range map[string]*int{
		"node_id":        c.NodeID,
		"sink_id":        c.SinkID,
		"sink_range_end": c.SinkRangeEnd,
	} {
		if v != nil && (*v < 0 || *v > 254) {
			return fmt.Errorf("%s must be between 0 and 254, got %d", name, *v)
		}
	}

	if c.GradientMode != nil {
		if _, err := estimator.ParseMode(*c.GradientMode); err != nil {
			return fmt.Errorf("invalid gradient_mode: %w", err)
		}
	}

	if c.Budget != nil && *c.Budget <= 0 {
		return fmt.Errorf("budget must be positive, got %d", *c.Budget)
	}
	if c.FixedWakeups != nil && *c.FixedWakeups <= 0 {
		return fmt.Errorf("fixed_wakeups must be positive, got %d", *c.FixedWakeups)
	}
	if c.InitialPackets != nil && *c.InitialPackets < 0 {
		return fmt.Errorf("initial_packets must be non-negative, got %d", *c.InitialPackets)
	}

	for name, v := range map[string]*string{
		"period":        c.Period,
		"backoff":       c.Backoff,
		"strobe_wait":   c.StrobeWait,
		"strobe":        c.Strobe,
		"byte_timeout":  c.ByteTimeout,
		"tx_wait":       c.TxWait,
		"report_every":  c.ReportEvery,
		"first_report":  c.FirstReport,
		"report_jitter": c.ReportJitter,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, *v)
		}
	}

	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("invalid serial options: %w", err)
		}
	}

	return nil
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func getInt(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func getBool(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// GetNodeID returns the node id or 0 when unset.
func (c *NodeConfig) GetNodeID() int { return getInt(c.NodeID, 0) }

// GetSinkID returns the sink id or the default of 1.
func (c *NodeConfig) GetSinkID() int { return getInt(c.SinkID, 1) }

// GetGradientMode returns the gradient mode or the default EDC mode.
func (c *NodeConfig) GetGradientMode() estimator.Mode {
	if c.GradientMode == nil {
		return estimator.ModeExpectedDutyCycle
	}
	m, err := estimator.ParseMode(*c.GradientMode)
	if err != nil {
		return estimator.ModeExpectedDutyCycle
	}
	return m
}

// GetSerial returns the radio bridge serial options, normalized.
func (c *NodeConfig) GetSerial() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	if n, err := opts.Normalize(); err == nil {
		return n
	}
	return opts
}

// ToMAC converts the configuration to an engine configuration for node id.
// A non-zero id overrides node_id. The resulting id must be in 1..254.
func (c *NodeConfig) ToMAC(id int) (mac.Config, error) {
	if id == 0 {
		id = c.GetNodeID()
	}
	if id < 1 || id > 254 {
		return mac.Config{}, fmt.Errorf("invalid node id %d: must be between 1 and 254", id)
	}
	def := mac.DefaultConfig(byte(id))
	t := def.Timing

	return mac.Config{
		NodeID:           byte(id),
		SinkID:           byte(c.GetSinkID()),
		SinkRangeEnd:     byte(getInt(c.SinkRangeEnd, 0)),
		Mode:             c.GetGradientMode(),
		DynamicDutyCycle: getBool(c.DynamicDutyCycle, def.DynamicDutyCycle),
		FastForward:      getBool(c.FastForward, def.FastForward),
		Select:           getBool(c.Select, def.Select),
		CheckCRC:         getBool(c.CheckCRC, def.CheckCRC),
		Budget:           uint32(getInt(c.Budget, int(def.Budget))),
		FixedWakeups:     uint32(getInt(c.FixedWakeups, int(def.FixedWakeups))),
		InitialPackets:   getInt(c.InitialPackets, def.InitialPackets),
		Timing: mac.Timing{
			Period:      getDuration(c.Period, t.Period),
			Backoff:     getDuration(c.Backoff, t.Backoff),
			StrobeWait:  getDuration(c.StrobeWait, t.StrobeWait),
			Strobe:      getDuration(c.Strobe, t.Strobe),
			ByteTimeout: getDuration(c.ByteTimeout, t.ByteTimeout),
			TxWait:      getDuration(c.TxWait, t.TxWait),
			Settle:      t.Settle,
			OscWait:     t.OscWait,
		},
	}, nil
}

// ToRunner converts the scheduling fields to a runner configuration.
func (c *NodeConfig) ToRunner() mac.RunnerConfig {
	def := mac.DefaultRunnerConfig()
	if getBool(c.Bundle, false) {
		def = mac.BundleRunnerConfig()
	}
	rc := mac.RunnerConfig{
		Bundle:           def.Bundle,
		ScaleByDutyCycle: getBool(c.ScaleByDutyCycle, def.ScaleByDutyCycle),
		ReportEvery:      getDuration(c.ReportEvery, def.ReportEvery),
		FirstReport:      getDuration(c.FirstReport, def.FirstReport),
		ReportJitter:     getDuration(c.ReportJitter, def.ReportJitter),
	}
	if c.Seed != nil {
		rc.Seed = *c.Seed
	}
	return rc
}

// Package config loads and validates the configuration surface consumed by
// the pipeline core (spec §6). Loading follows the same file-then-env-then-
// validate shape as the log capture service this module was grounded on:
// LoadConfig reads YAML, applyDefaults fills anything unset, environment
// variables override, and ValidateConfig runs last.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// IPv4Delta configures the neighborhood search radius for each IPv4 octet
// position when generating anonymized segments (spec §4.3.2).
type IPv4Delta struct {
	OneDigit   int `yaml:"one_digit"`
	TwoDigit   int `yaml:"two_digit"`
	ThreeDigit int `yaml:"three_digit"`
}

// DedupConfig controls the Dedup stage.
type DedupConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AnonConfig controls the Anon stage.
type AnonConfig struct {
	Enabled         bool      `yaml:"enabled"`
	IPv4Delta       IPv4Delta `yaml:"ipv4_delta"`
	IPv6HextetDelta int       `yaml:"ipv6_hextet_delta"`
	EmitReport      bool      `yaml:"emit_report"`
	ReportPath      string    `yaml:"report_path"`
}

// MaskPreserve is the per-content-type preservation policy table (spec
// §4.4.3 / §6).
type MaskPreserve struct {
	Handshake         bool `yaml:"handshake"`
	Alert             bool `yaml:"alert"`
	ChangeCipherSpec  bool `yaml:"change_cipher_spec"`
	Heartbeat         bool `yaml:"heartbeat"`
	ApplicationData   bool `yaml:"application_data"`
}

// MaskConfig controls the Mask stage. The zero value selects the enhanced,
// TLS-analysis-driven masker (spec §9's open question resolves in favor of
// the enhanced path as default); set UseBasicMasker to opt into the basic
// fallback path instead, which runs no TLS analysis and zeroes every TCP
// payload byte of packets other than SYN/FIN/RST control packets.
type MaskConfig struct {
	Enabled             bool         `yaml:"enabled"`
	Preserve            MaskPreserve `yaml:"preserve"`
	UseBasicMasker      bool         `yaml:"use_basic_masker"`
	TsharkPath          string       `yaml:"tshark_path"`
	UseEnhancedAnalyzer bool         `yaml:"use_enhanced_analyzer"`
}

// Config is the complete configuration surface consumed by the pipeline.
type Config struct {
	Dedup     DedupConfig `yaml:"dedup"`
	Anon      AnonConfig  `yaml:"anon"`
	Mask      MaskConfig  `yaml:"mask"`
	OutputDir string      `yaml:"output_dir"`
}

// ValidationError reports a configuration that the core refuses to run
// with (spec §7, "Configuration invalid").
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid configuration: " + e.Reason }

// Default returns a Config with the documented defaults: all three stages
// enabled, and the mask preservation table matching §6 of the spec.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a YAML configuration file, applies defaults for anything left
// unset, layers environment-variable overrides on top, and validates the
// result. An empty path skips the file read and returns defaults with
// environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Dedup.Enabled == false && cfg.Anon.Enabled == false && cfg.Mask.Enabled == false {
		cfg.Dedup.Enabled = true
		cfg.Anon.Enabled = true
		cfg.Mask.Enabled = true
	}
	if cfg.Anon.IPv4Delta == (IPv4Delta{}) {
		cfg.Anon.IPv4Delta = IPv4Delta{OneDigit: 3, TwoDigit: 5, ThreeDigit: 20}
	}
	if cfg.Anon.IPv6HextetDelta == 0 {
		cfg.Anon.IPv6HextetDelta = 0x1000
	}
	if cfg.Anon.ReportPath == "" {
		cfg.Anon.ReportPath = "ip_mapping_report.json"
	}

	// Mask preservation defaults: everything but application-data payload
	// is preserved whole, matching spec §6's default table. Since the zero
	// value of bool is false, only flip handshake/alert/ccs/heartbeat on
	// when the whole preserve block was left unset.
	if !cfg.Mask.Preserve.Handshake && !cfg.Mask.Preserve.Alert &&
		!cfg.Mask.Preserve.ChangeCipherSpec && !cfg.Mask.Preserve.Heartbeat &&
		!cfg.Mask.Preserve.ApplicationData {
		cfg.Mask.Preserve.Handshake = true
		cfg.Mask.Preserve.Alert = true
		cfg.Mask.Preserve.ChangeCipherSpec = true
		cfg.Mask.Preserve.Heartbeat = true
		cfg.Mask.Preserve.ApplicationData = false
	}
}

func applyEnvironmentOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("PKTMASK_DEDUP_ENABLED"); ok {
		cfg.Dedup.Enabled = parseBool(v, cfg.Dedup.Enabled)
	}
	if v, ok := os.LookupEnv("PKTMASK_ANON_ENABLED"); ok {
		cfg.Anon.Enabled = parseBool(v, cfg.Anon.Enabled)
	}
	if v, ok := os.LookupEnv("PKTMASK_MASK_ENABLED"); ok {
		cfg.Mask.Enabled = parseBool(v, cfg.Mask.Enabled)
	}
	if v, ok := os.LookupEnv("PKTMASK_OUTPUT_DIR"); ok {
		cfg.OutputDir = v
	}
	if v, ok := os.LookupEnv("PKTMASK_TSHARK_PATH"); ok {
		cfg.Mask.TsharkPath = v
	}
	if v, ok := os.LookupEnv("PKTMASK_MASK_USE_ENHANCED_ANALYZER"); ok {
		cfg.Mask.UseEnhancedAnalyzer = parseBool(v, cfg.Mask.UseEnhancedAnalyzer)
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}

// Validate checks that the configuration is runnable, matching the
// "Configuration invalid" row of spec §7: no stages enabled, or Anon deltas
// out of range, refuse to start. Unknown options are rejected earlier, by
// Load's strict YAML decoding.
func Validate(cfg *Config) error {
	if !cfg.Dedup.Enabled && !cfg.Anon.Enabled && !cfg.Mask.Enabled {
		return &ValidationError{Reason: "no stage enabled"}
	}
	if cfg.Anon.Enabled {
		d := cfg.Anon.IPv4Delta
		if d.OneDigit < 0 || d.TwoDigit < 0 || d.ThreeDigit < 0 {
			return &ValidationError{Reason: "ipv4_delta values must be non-negative"}
		}
		if cfg.Anon.IPv6HextetDelta < 0 || cfg.Anon.IPv6HextetDelta > 0xFFFF {
			return &ValidationError{Reason: "ipv6_hextet_delta out of range"}
		}
	}
	return nil
}

// Package config loads the rdmd daemon's YAML configuration (spec §6),
// grounded on the coordinator's LoadConfig/DefaultConfig pattern
// (coordinator/cfg.go in the teacher repo).
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/efa-rdm/rdmcore/internal/logging"
	"github.com/efa-rdm/rdmcore/pkg/rdm"
)

// Config is the top-level rdmd configuration file shape.
type Config struct {
	Logging logging.Config `yaml:"logging"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Endpoint rdm.Config    `yaml:"endpoint"`

	// HostIDFile is the absolute path to a file containing an EC2
	// instance-id-like string (spec §6, SPEC_FULL.md Configuration
	// section; original_source/prov/efa/src/efa_env.h: "the 16 hex
	// characters starting at the 4th character"). Best-effort: a
	// missing or malformed file leaves Endpoint.HostID at its default.
	HostIDFile string `yaml:"host_id_file"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig mirrors the teacher's DefaultConfig pattern.
func DefaultConfig() *Config {
	return &Config{
		Metrics:  MetricsConfig{ListenAddr: "[::1]:9100"},
		Endpoint: rdm.DefaultConfig(),
	}
}

// LoadConfig reads and parses the YAML configuration file at path,
// starting from DefaultConfig, then applies the best-effort host-id
// parse (spec §6).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.HostIDFile != "" {
		if id, ok := parseHostID(cfg.HostIDFile); ok {
			cfg.Endpoint.HostID = id
		}
	}
	return cfg, nil
}

// parseHostID implements the best-effort host-id convention spec §6
// describes: take the 16 hex characters starting at the 4th character
// of the file's content and parse them as a big-endian uint64. Any
// failure (missing file, too short, not hex) is swallowed; the caller
// falls back to the zero host id.
func parseHostID(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	s := strings.TrimSpace(string(data))
	const start, length = 3, 16
	if len(s) < start+length {
		return 0, false
	}
	hexStr := s[start : start+length]
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != 8 {
		return 0, false
	}
	var id uint64
	for _, b := range raw {
		id = id<<8 | uint64(b)
	}
	return id, true
}

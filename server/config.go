package server

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's startup configuration. Every field except DataDir
// has a flag equivalent in cmd/mooreactor; a YAML file sets the same knobs
// (plus data_dir) for deployments that would rather not script a flag line.
type Config struct {
	DBPath                string `yaml:"db"`
	Port                  int    `yaml:"port"`
	CheckpointIntervalSec int    `yaml:"checkpoint_interval"`
	RPCAddr               string `yaml:"rpc_addr"`
	DataDir               string `yaml:"data_dir"`
}

// DefaultConfig mirrors the flag defaults in cmd/mooreactor.
func DefaultConfig() Config {
	return Config{
		DBPath:                "Test.db",
		Port:                  7777,
		CheckpointIntervalSec: 300,
	}
}

// LoadConfig reads a YAML config file over the defaults. Unknown keys are
// rejected so a typo'd knob fails loudly at startup instead of silently
// running with a default.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, fmt.Errorf("config %s: port %d out of range", path, cfg.Port)
	}
	return cfg, nil
}

// NewServerFromConfig builds a Server the same way NewServer does, honoring
// an explicit data_dir when the config sets one.
func NewServerFromConfig(cfg Config) (*Server, error) {
	srv, err := NewServer(cfg.DBPath, cfg.Port, cfg.CheckpointIntervalSec, cfg.RPCAddr)
	if err != nil {
		return nil, err
	}
	if cfg.DataDir != "" {
		srv.dataDir = cfg.DataDir
	}
	return srv, nil
}

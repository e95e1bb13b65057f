package server

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.yaml")
	body := "db: world.db\nport: 8888\ncheckpoint_interval: 60\nrpc_addr: \":7778\"\ndata_dir: /var/lib/moo\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DBPath != "world.db" || cfg.Port != 8888 || cfg.CheckpointIntervalSec != 60 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.RPCAddr != ":7778" || cfg.DataDir != "/var/lib/moo" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadConfigPartialKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.yaml")
	if err := os.WriteFile(path, []byte("port: 9999\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	def := DefaultConfig()
	if cfg.Port != 9999 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.DBPath != def.DBPath || cfg.CheckpointIntervalSec != def.CheckpointIntervalSec {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.yaml")
	if err := os.WriteFile(path, []byte("prot: 9999\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected unknown-key error")
	}
}

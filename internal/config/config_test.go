package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 || cfg.ProximityThresholdM != 500 || cfg.ETARefreshSeconds != 30 {
		t.Fatalf("defaults: %+v", cfg)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := "port: 9090\nproximityThresholdM: 250\noracleBaseUrl: http://oracle.internal\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 7070 {
		t.Fatalf("env should override file, port=%d", cfg.Port)
	}
	if cfg.ProximityThresholdM != 250 {
		t.Fatalf("file value lost, threshold=%v", cfg.ProximityThresholdM)
	}
	if cfg.OracleBaseURL != "http://oracle.internal" {
		t.Fatalf("oracle url: %s", cfg.OracleBaseURL)
	}
}

func TestLoadMissingFileIsFine(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("defaults expected, got %+v", cfg)
	}
}

func TestLoadBadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("port: [not a number"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	var c *Config
	if c.GetMaxResults() != DefaultMaxResults {
		t.Errorf("max results: got %d", c.GetMaxResults())
	}
	if c.GetRemoteTimeout() != DefaultRemoteTimeout {
		t.Errorf("remote timeout: got %v", c.GetRemoteTimeout())
	}
	if c.GetDefaultProtection() != "r" {
		t.Errorf("default protection: got %q", c.GetDefaultProtection())
	}
}

func TestSnapshotChunkSizeRounding(t *testing.T) {
	n := 100003
	c := &Config{SnapshotChunkSize: &n}
	if got := c.GetSnapshotChunkSize(); got != 100000 {
		t.Errorf("expected 100000, got %d", got)
	}
	small := 10
	c.SnapshotChunkSize = &small
	if got := c.GetSnapshotChunkSize(); got != 4096 {
		t.Errorf("expected 4096, got %d", got)
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	max := 42
	in := &Config{
		Aliases:       map[string][]string{"next": {"n"}},
		MaxResults:    &max,
		RemoteTimeout: "250ms",
	}
	if err := SaveConfigTo(in, path); err != nil {
		t.Fatal(err)
	}
	out, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if out.GetMaxResults() != 42 {
		t.Errorf("max results: got %d", out.GetMaxResults())
	}
	if out.GetRemoteTimeout() != 250*time.Millisecond {
		t.Errorf("remote timeout: got %v", out.GetRemoteTimeout())
	}
	if len(out.Aliases["next"]) != 1 || out.Aliases["next"][0] != "n" {
		t.Errorf("aliases: got %v", out.Aliases)
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MEMSCAN_CONFIG_DIR", dir)
	c := LoadConfig()
	if c == nil {
		t.Fatal("nil config")
	}
	if _, err := os.Stat(filepath.Join(dir, configFile)); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if c.GetMaxResults() != DefaultMaxResults {
		t.Errorf("max results: got %d", c.GetMaxResults())
	}
}

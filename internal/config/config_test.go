package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CPTESTING_CONFIG", filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Logging.Level != "info" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Processing.ParallelJobs < 1 {
		t.Fatalf("expected at least one worker, got %d", cfg.Processing.ParallelJobs)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"database": {"driver": "sqlite3"}, "server": {"http_addr": ":18080"}}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "sqlite3" || cfg.Server.HTTPAddr != ":18080" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Server.GRPCAddr != ":9090" {
		t.Fatalf("defaults should survive partial files, got %q", cfg.Server.GRPCAddr)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	for name, data := range map[string]string{
		"driver.json":  `{"database": {"driver": "postgres"}}`,
		"unknown.json": `{"raw_processing": {}}`,
		"reader.json":  `{"admission": {"header_reader": "exif"}}`,
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadFile(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := ExpandUser("~/x/config.json")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "x/config.json") {
		t.Fatalf("got %s", got)
	}
	if got, _ := ExpandUser("/abs"); got != "/abs" {
		t.Fatalf("absolute paths must pass through, got %s", got)
	}
}

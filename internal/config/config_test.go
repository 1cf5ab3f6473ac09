package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadEngineConfig_FillsDefaults(t *testing.T) {
	path := writeConfig(t, "data_dir: /var/lib/tableforge\n")
	cfg, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TablePageSize != 1024 {
		t.Fatalf("table_page_size = %d, want 1024", cfg.TablePageSize)
	}
	if cfg.VCPageSize != 4096 {
		t.Fatalf("vc_page_size = %d, want 4096", cfg.VCPageSize)
	}
	if cfg.DefaultMergePolicy != "abort" {
		t.Fatalf("default_merge_policy = %q, want abort", cfg.DefaultMergePolicy)
	}
	if cfg.MaintenanceCron == "" {
		t.Fatal("expected a default maintenance_cron")
	}
}

func TestLoadEngineConfig_HonoursExplicitValues(t *testing.T) {
	path := writeConfig(t, `
data_dir: /data/tableforge
default_merge_policy: prefer-source
maintenance_cron: "0 0 * * * *"
`)
	cfg, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultMergePolicy != "prefer-source" {
		t.Fatalf("default_merge_policy = %q, want prefer-source", cfg.DefaultMergePolicy)
	}
	if cfg.MaintenanceCron != "0 0 * * * *" {
		t.Fatalf("maintenance_cron = %q", cfg.MaintenanceCron)
	}
}

func TestLoadEngineConfig_RejectsMissingDataDir(t *testing.T) {
	path := writeConfig(t, "default_merge_policy: abort\n")
	if _, err := LoadEngineConfig(path); err == nil {
		t.Fatal("expected error for missing data_dir")
	}
}

func TestLoadEngineConfig_RejectsUnknownMergePolicy(t *testing.T) {
	path := writeConfig(t, "data_dir: /d\ndefault_merge_policy: whatever\n")
	if _, err := LoadEngineConfig(path); err == nil {
		t.Fatal("expected error for unknown merge policy")
	}
}

func TestLoadEngineConfig_MissingFile(t *testing.T) {
	if _, err := LoadEngineConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

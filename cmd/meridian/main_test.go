package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigPath(t *testing.T) {
	t.Setenv("MERIDIAN_CONFIG", "")
	if got := configPath(); got != "meridian.yaml" {
		t.Errorf("configPath() = %q, want default", got)
	}
	t.Setenv("MERIDIAN_CONFIG", "/etc/meridian/gateway.yaml")
	if got := configPath(); got != "/etc/meridian/gateway.yaml" {
		t.Errorf("configPath() = %q", got)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	if err := run(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("run() with a missing file should fail")
	}

	path := filepath.Join(t.TempDir(), "meridian.yaml")
	doc := "rules:\n  - id: r\n    pattern: /x\n    service: nowhere\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	err := run(path)
	if err == nil || !strings.Contains(err.Error(), "validation") {
		t.Errorf("run() error = %v, want a validation error", err)
	}
}

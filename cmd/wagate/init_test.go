package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/nugget/wagate/internal/config"
)

func TestRunInitFreshDirectory(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "sessions"))
	if err != nil {
		t.Errorf("expected sessions directory: %v", err)
	} else if !info.IsDir() {
		t.Error("sessions is not a directory")
	}

	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}

	// The shipped example must parse as a valid config.
	var cfg config.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("example config does not parse: %v", err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("example port = %d, want 8080", cfg.Listen.Port)
	}

	if !strings.Contains(buf.String(), "config.yaml") {
		t.Errorf("output does not mention config.yaml: %q", buf.String())
	}
}

func TestRunInitPreservesExistingConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("listen:\n  port: 9999\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "9999") {
		t.Error("existing config.yaml was overwritten")
	}
}

func TestRunVersionText(t *testing.T) {
	var buf bytes.Buffer
	if err := runVersion(&buf, "text"); err != nil {
		t.Fatalf("runVersion: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "wagate") {
		t.Errorf("version output missing program name: %q", out)
	}
	if !strings.Contains(out, "go_version") {
		t.Errorf("version output missing go_version: %q", out)
	}
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	err := run(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, []string{"-bogus"})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	err := run(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, []string{"frobnicate"})
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	var buf bytes.Buffer
	if err := run(context.Background(), &buf, &bytes.Buffer{}, nil); err != nil {
		t.Fatalf("run with no args: %v", err)
	}
	if !strings.Contains(buf.String(), "Usage:") {
		t.Errorf("expected usage text, got %q", buf.String())
	}
}

package chroniclevault

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("chroniclevault", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Backend != BackendDirtree {
		t.Fatalf("expected default backend dirtree, got %q", cfg.Backend)
	}
	if cfg.ChunkSize != 100 {
		t.Fatalf("expected default chunk size 100, got %d", cfg.ChunkSize)
	}
	if cfg.LocalLimit != 0 {
		t.Fatalf("expected zero local limit, got %d", cfg.LocalLimit)
	}
	if len(cfg.Args) != 0 {
		t.Fatalf("expected no positional args, got %v", cfg.Args)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	fs := flag.NewFlagSet("chroniclevault", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{
		"-root", "/saves",
		"-backend", "sqlite",
		"-db", "/saves/custom.db",
		"-chunk-size", "50",
		"-local-limit", "25",
		"-username", "Robin",
		"show", "save-a",
	})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Root != "/saves" {
		t.Fatalf("expected root override, got %q", cfg.Root)
	}
	if cfg.Backend != BackendSQLite {
		t.Fatalf("expected sqlite backend, got %q", cfg.Backend)
	}
	if cfg.DBPath != "/saves/custom.db" {
		t.Fatalf("expected db override, got %q", cfg.DBPath)
	}
	if cfg.ChunkSize != 50 || cfg.LocalLimit != 25 {
		t.Fatalf("expected sizing overrides, got %d/%d", cfg.ChunkSize, cfg.LocalLimit)
	}
	if cfg.Username != "Robin" {
		t.Fatalf("expected username override, got %q", cfg.Username)
	}
	if len(cfg.Args) != 2 || cfg.Args[0] != "show" || cfg.Args[1] != "save-a" {
		t.Fatalf("expected positional args, got %v", cfg.Args)
	}
}

func TestParseConfigEnv(t *testing.T) {
	t.Setenv("CHRONICLEVAULT_BACKEND", "sqlite")
	t.Setenv("CHRONICLEVAULT_CHUNK_SIZE", "77")

	fs := flag.NewFlagSet("chroniclevault", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Backend != BackendSQLite {
		t.Fatalf("expected env backend, got %q", cfg.Backend)
	}
	if cfg.ChunkSize != 77 {
		t.Fatalf("expected env chunk size, got %d", cfg.ChunkSize)
	}
}

func TestRunRejectsUnknownBackend(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Root:       dir,
		Backend:    "cloud",
		GrantsPath: filepath.Join(dir, "grants.json"),
		Args:       []string{"show", "save-a"},
	}
	if err := Run(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestRunCommitShowRoundTrip(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	state := map[string]any{
		"history": []map[string]string{{"text": "opening scene"}},
	}
	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	if err := os.WriteFile(statePath, data, 0o644); err != nil {
		t.Fatalf("write state file: %v", err)
	}

	cfg := Config{
		Root:       filepath.Join(dir, "saves"),
		Backend:    BackendDirtree,
		ChunkSize:  100,
		GrantsPath: filepath.Join(dir, "grants.json"),
	}

	cfg.Args = []string{"commit", "save-a", statePath}
	if err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("commit: %v", err)
	}

	cfg.Args = []string{"show", "save-a"}
	if err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("show: %v", err)
	}

	cfg.Args = []string{"delete", "save-a"}
	if err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestRunRemembersRoot(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Root:       filepath.Join(dir, "saves"),
		Backend:    BackendDirtree,
		GrantsPath: filepath.Join(dir, "grants.json"),
		Args:       []string{"delete", "save-a"},
	}
	if err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// A later run without -root reuses the remembered one.
	cfg.Root = ""
	if err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("run without root: %v", err)
	}
}

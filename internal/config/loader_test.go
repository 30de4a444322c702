package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTmp(t *testing.T, dir, name, contents string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	p := writeTmp(t, dir, "gateway.yaml", `
gateway:
  host: 0.0.0.0
  port: 9000
llm:
  model_name: claude-test
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Host != "0.0.0.0" || cfg.Gateway.Port != 9000 {
		t.Fatalf("gateway override not applied: %+v", cfg.Gateway)
	}
	if cfg.Memory.MinImportance != 6 {
		t.Fatalf("expected default min_importance retained, got %d", cfg.Memory.MinImportance)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeTmp(t, dir, "policy.yaml", `
policy:
  allow:
    - "read_*"
  deny:
    - "shell_exec"
`)
	p := writeTmp(t, dir, "main.yaml", `
include: policy.yaml
gateway:
  port: 4000
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 4000 {
		t.Fatalf("expected override to win over include, got %d", cfg.Gateway.Port)
	}
	if len(cfg.Policy.Allow) != 1 || cfg.Policy.Allow[0] != "read_*" {
		t.Fatalf("expected included policy merged, got %+v", cfg.Policy)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("include: b.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("include: a.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(a); err == nil {
		t.Fatal("expected include cycle error, got nil")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	p := writeTmp(t, dir, "bad.yaml", `
gateway:
  bogus_field: true
`)
	if _, err := Load(p); err == nil {
		t.Fatal("expected strict decode to reject unknown field")
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("CONDUIT_TEST_MODEL", "env-model")
	dir := t.TempDir()
	p := writeTmp(t, dir, "env.yaml", `
llm:
  model_name: ${CONDUIT_TEST_MODEL}
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.ModelName != "env-model" {
		t.Fatalf("expected env expansion, got %q", cfg.LLM.ModelName)
	}
}

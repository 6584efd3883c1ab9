package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeAccountsYAML(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "accounts.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write accounts.yaml: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeAccountsYAML(t, dir, `
balancer: round_robin
accounts:
  - id: acc-1
    enabled: true
    core_size: 4
    weight: 1
    token: shh
  - id: acc-2
    enabled: false
    core_size: 2
    token: shh2
`)

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Balancer != "round_robin" {
		t.Fatalf("Balancer = %q, want round_robin", cfg.Balancer)
	}
	if len(cfg.Accounts) != 2 {
		t.Fatalf("len(Accounts) = %d, want 2", len(cfg.Accounts))
	}
	if cfg.Accounts[0].EffectiveCoreSize() != 4 {
		t.Fatalf("EffectiveCoreSize = %d, want 4", cfg.Accounts[0].EffectiveCoreSize())
	}
}

func TestLoad_DefaultsBalancer(t *testing.T) {
	dir := t.TempDir()
	path := writeAccountsYAML(t, dir, `
accounts:
  - id: acc-1
    token: shh
`)
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Balancer != "best_wait_idle" {
		t.Fatalf("Balancer default = %q, want best_wait_idle", cfg.Balancer)
	}
}

func TestLoad_RejectsMissingToken(t *testing.T) {
	dir := t.TempDir()
	path := writeAccountsYAML(t, dir, `
accounts:
  - id: acc-1
    enabled: true
`)
	if _, err := Load(path, nil); err == nil {
		t.Fatal("expected validation error for missing token")
	}
}

func TestLoad_RejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	path := writeAccountsYAML(t, dir, `
accounts:
  - id: acc-1
    token: a
  - id: acc-1
    token: b
`)
	if _, err := Load(path, nil); err == nil {
		t.Fatal("expected error for duplicate account id")
	}
}

func TestEffectiveCoreSize_ClampsBounds(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{0, 1},
		{-5, 1},
		{1, 1},
		{12, 12},
		{100, 12},
	}
	for _, tc := range cases {
		a := AccountConfig{CoreSize: tc.in}
		if got := a.EffectiveCoreSize(); got != tc.want {
			t.Errorf("EffectiveCoreSize(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestLiveConfig_ReloadMergesExistingAccountsOnly(t *testing.T) {
	dir := t.TempDir()
	path := writeAccountsYAML(t, dir, `
accounts:
  - id: acc-1
    enabled: true
    core_size: 4
    token: shh
`)
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	lc := NewLiveConfig(cfg, path, nil)

	// Disable acc-1 and add a new account in the file.
	writeAccountsYAML(t, dir, `
accounts:
  - id: acc-1
    enabled: false
    core_size: 8
    token: shh
  - id: acc-2
    enabled: true
    core_size: 2
    token: shh2
`)
	if err := lc.ReloadFromFile(); err != nil {
		t.Fatalf("ReloadFromFile: %v", err)
	}

	snap := lc.Snapshot()
	if len(snap.Accounts) != 1 {
		t.Fatalf("expected account set to stay at 1 (no runtime add), got %d", len(snap.Accounts))
	}
	if snap.Accounts[0].Enabled {
		t.Fatal("expected acc-1 enabled=false after reload")
	}
	if snap.Accounts[0].CoreSize != 8 {
		t.Fatalf("CoreSize = %d, want 8", snap.Accounts[0].CoreSize)
	}
}

func TestAccountConfig_MaxRunDurationOrDefault(t *testing.T) {
	a := AccountConfig{}
	if got := a.MaxRunDurationOrDefault(1); got != 1 {
		t.Fatalf("expected default fallback, got %v", got)
	}
	a.MaxRunDuration = "2m"
	if got := a.MaxRunDurationOrDefault(1); got.String() != "2m0s" {
		t.Fatalf("expected parsed 2m, got %v", got)
	}
	a.MaxRunDuration = "not-a-duration"
	if got := a.MaxRunDurationOrDefault(5); got != 5 {
		t.Fatalf("expected fallback on parse error, got %v", got)
	}
}

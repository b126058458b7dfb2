package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/automoto/replica/shared/netconfig"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
sync:
  tick_rate: 60
  interpolation: hermite
  correction: smooth
interest:
  default_radius: 42
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Sync.TickRate != 60 || cfg.Interest.DefaultRadius != 42 {
		t.Fatalf("expected overrides, got %+v", cfg)
	}
	if cfg.Sync.InterpolationMode() != netconfig.InterpHermite || cfg.Sync.CorrectionMode() != netconfig.CorrectionSmooth {
		t.Fatalf("unexpected modes %s %s", cfg.Sync.InterpolationMode(), cfg.Sync.CorrectionMode())
	}
	if cfg.Sync.BaselineWindow != Default().Sync.BaselineWindow {
		t.Fatal("expected untouched fields to keep their defaults")
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Sync.TickRate = 0
	cfg.Sync.Interpolation = "bezier"
	cfg.Sync.BandwidthLimit = 10
	cfg.Network.MaxRetries = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"tick_rate", "interpolation", "bandwidth_limit", "max_retries"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	if err != nil || cfg.Server.Addr != Default().Server.Addr {
		t.Fatalf("expected defaults for empty path, got %+v %v", cfg.Server, err)
	}

	path := filepath.Join(t.TempDir(), "replica.yaml")
	if err := os.WriteFile(path, []byte("server:\n  name: arena\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(path)
	if err != nil || cfg.Server.Name != "arena" {
		t.Fatalf("expected loaded name, got %q %v", cfg.Server.Name, err)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected missing file to fail")
	}
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("sync: [\n"), 0o644)
	if _, err := Load(bad); err == nil {
		t.Fatal("expected malformed yaml to fail")
	}
}

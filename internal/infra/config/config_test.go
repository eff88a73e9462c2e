package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrDefaultMissingFileReturnsDefaults(t *testing.T) {
	cfg, loadedFromFile, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if loadedFromFile {
		t.Fatalf("expected loadedFromFile false for a missing path")
	}
	if cfg.Server.ListenAddr != DefaultAppConfig().Server.ListenAddr {
		t.Fatalf("expected default listen addr, got %q", cfg.Server.ListenAddr)
	}
}

func TestLoadFromYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	yaml := `
environment: PROD
server:
  listen_addr: ":9000"
ticket_store:
  max_per_remote: 5
  expiry: 20s
reservation:
  minimum_lead: 1h
  claim_window: 10m
postgres:
  dsn: postgres://fleet@db:5432/fleet
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != EnvProd {
		t.Fatalf("expected environment prod, got %q", cfg.Environment)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Fatalf("expected overridden listen addr, got %q", cfg.Server.ListenAddr)
	}
	if cfg.TicketStore.MaxPerRemote != 5 {
		t.Fatalf("expected overridden max_per_remote 5, got %d", cfg.TicketStore.MaxPerRemote)
	}
	if cfg.TicketStore.Expiry != 20*time.Second {
		t.Fatalf("expected overridden expiry 20s, got %s", cfg.TicketStore.Expiry)
	}
	if cfg.Postgres.DSN != "postgres://fleet@db:5432/fleet" {
		t.Fatalf("expected overridden dsn, got %q", cfg.Postgres.DSN)
	}
	// Fields left unset in the YAML should still carry their defaults.
	if cfg.Telemetry.OTLPEndpoint != DefaultAppConfig().Telemetry.OTLPEndpoint {
		t.Fatalf("expected default otlp endpoint to survive partial override, got %q", cfg.Telemetry.OTLPEndpoint)
	}
}

func TestNormaliseDerivesSweepIntervalsWhenUnset(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.TicketStore.Expiry = 10 * time.Second
	cfg.TicketStore.SweepInterval = 0
	cfg.Reservation.ClaimWindow = time.Hour
	cfg.Reservation.ExpirySweep = 0

	cfg.normalise()

	if cfg.TicketStore.SweepInterval != 5*time.Second {
		t.Fatalf("expected derived sweep interval 5s, got %s", cfg.TicketStore.SweepInterval)
	}
	if cfg.Reservation.ExpirySweep != 30*time.Minute {
		t.Fatalf("expected derived expiry sweep 30m, got %s", cfg.Reservation.ExpirySweep)
	}
}

func TestValidateRejectsUnknownEnvironment(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Environment = "staging-ish"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for unknown environment")
	}
}

func TestValidateRejectsZeroTicketStoreCapacity(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.TicketStore.MaxPerRemote = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for non-positive max_per_remote")
	}
}

func TestValidateAllowsEmptyPostgresDSN(t *testing.T) {
	// An empty DSN means "no postgres configured" to cmd/fleetd, which
	// falls back to the in-memory store; it must not fail validation.
	cfg := DefaultAppConfig()
	cfg.Postgres.DSN = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected empty postgres dsn to be valid, got %v", err)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_MODE", "Prod")
	t.Setenv("FLEET_LISTEN_ADDR", ":7070")
	t.Setenv("FLEET_POSTGRES_DSN", "postgres://override@db:5432/fleet")
	t.Setenv("FLEET_TICKET_MAX_PER_REMOTE", "9")

	cfg := DefaultAppConfig()
	cfg.applyEnvOverrides()

	if cfg.Environment != EnvProd {
		t.Fatalf("expected environment overridden to prod, got %q", cfg.Environment)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Fatalf("expected listen addr overridden, got %q", cfg.Server.ListenAddr)
	}
	if cfg.Postgres.DSN != "postgres://override@db:5432/fleet" {
		t.Fatalf("expected dsn overridden, got %q", cfg.Postgres.DSN)
	}
	if cfg.TicketStore.MaxPerRemote != 9 {
		t.Fatalf("expected max_per_remote overridden to 9, got %d", cfg.TicketStore.MaxPerRemote)
	}
}

package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("VENUE_AUTHORITY", "0xA0000000000000000000000000000000000000A0")
	t.Setenv("TAKER_FEE_BPS", "7")
	t.Setenv("ORDER_SLOTS", "8")
	t.Setenv("LIQ_TIME_UNIT_SEC", "30")
	t.Setenv("API_CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("CHAIN_ID", "42")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Venue.Authority != common.HexToAddress("0xA0000000000000000000000000000000000000A0") {
		t.Errorf("authority = %s", cfg.Venue.Authority.Hex())
	}
	if cfg.Venue.TakerFeeBps != 7 || cfg.Venue.MakerRebateBps != 2 {
		t.Errorf("fees = %+v", cfg.Venue)
	}
	if cfg.Venue.OrderSlots != 8 || cfg.Liquidity.TimeUnit != 30*time.Second {
		t.Errorf("slots=%d unit=%v", cfg.Venue.OrderSlots, cfg.Liquidity.TimeUnit)
	}
	if len(cfg.API.AllowedOrigins) != 2 || cfg.Venue.ChainID.Int64() != 42 {
		t.Errorf("origins=%v chain=%v", cfg.API.AllowedOrigins, cfg.Venue.ChainID)
	}
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("REFERRAL_BPS=3\nPEBBLE_PATH=/tmp/ledger-test\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// godotenv does not override variables already set
	t.Setenv("PEBBLE_PATH", "/srv/ledger")
	os.Unsetenv("REFERRAL_BPS")
	t.Cleanup(func() { os.Unsetenv("REFERRAL_BPS") })

	cfg, err := LoadFromEnv(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Venue.ReferralBps != 3 {
		t.Errorf("referral bps = %d, want 3", cfg.Venue.ReferralBps)
	}
	if cfg.Storage.PebblePath != "/srv/ledger" {
		t.Errorf("pebble path = %s", cfg.Storage.PebblePath)
	}
}

func TestLoadFromEnvRejectsGarbage(t *testing.T) {
	t.Setenv("TAKER_FEE_BPS", "70000")
	t.Setenv("VENUE_AUTHORITY", "alice")
	if _, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadFromEnvScoringInterval(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.env")

	t.Setenv("LIQ_TIME_UNIT_SEC", "60")
	t.Setenv("SCORING_INTERVAL_SEC", "30")
	if _, err := LoadFromEnv(missing); err == nil {
		t.Error("interval shorter than time unit accepted")
	}

	t.Setenv("SCORING_INTERVAL_SEC", "0")
	cfg, err := LoadFromEnv(missing)
	if err != nil {
		t.Fatalf("disabled scorer rejected: %v", err)
	}
	if cfg.Liquidity.ScoringInterval != 0 {
		t.Errorf("interval = %v", cfg.Liquidity.ScoringInterval)
	}

	t.Setenv("SCORING_INTERVAL_SEC", "120")
	t.Setenv("LIQ_TIME_UNIT_SEC", "0")
	if _, err := LoadFromEnv(missing); err == nil {
		t.Error("zero time unit accepted")
	}
}

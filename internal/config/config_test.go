package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"worktally/internal/config"
)

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
serve:
  addr: ":9000"
auth:
  static_token: sekrit
cache:
  staleness: 2m
currency:
  symbol: "$"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Serve.Addr != ":9000" {
		t.Errorf("addr = %q", cfg.Serve.Addr)
	}
	if cfg.Serve.BasePath != "/api/v1" {
		t.Errorf("base path default not applied: %q", cfg.Serve.BasePath)
	}
	if cfg.Auth.StaticToken != "sekrit" {
		t.Errorf("static token = %q", cfg.Auth.StaticToken)
	}
	if cfg.Cache.Staleness.Std() != 2*time.Minute {
		t.Errorf("staleness = %s", cfg.Cache.Staleness.Std())
	}
	if cfg.Currency.Symbol != "$" {
		t.Errorf("symbol = %q", cfg.Currency.Symbol)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	if _, err := config.FromYAML([]byte(`serve: {addr: ""}`)); err == nil {
		t.Error("empty addr accepted")
	}
	if _, err := config.FromYAML([]byte(`cache: {staleness: -5s}`)); err == nil {
		t.Error("negative staleness accepted")
	}
}

func TestGenerateDefaultParses(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("generated default does not parse: %v", err)
	}
	if cfg.Cache.Staleness.Std() != 30*time.Second {
		t.Errorf("staleness = %s, want 30s", cfg.Cache.Staleness.Std())
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if cfg.Serve.Addr != ":8088" {
		t.Errorf("default addr = %q", cfg.Serve.Addr)
	}

	if err := os.WriteFile(filepath.Join(dir, "worktally.yml"), []byte("currency: {symbol: €}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Currency.Symbol != "€" {
		t.Errorf("symbol = %q", cfg.Currency.Symbol)
	}
}

package main

import (
	"context"
	"path/filepath"
	"testing"

	"kasirinaja/offline/internal/config"
)

func TestValidateConfigRejectsUnknownStore(t *testing.T) {
	if err := validateConfig(config.Config{LocalStore: "leveldb"}); err == nil {
		t.Fatalf("expected unknown store to be rejected")
	}
}

func TestValidateConfigRequiresDatabaseURLForPostgres(t *testing.T) {
	if err := validateConfig(config.Config{LocalStore: "postgres"}); err == nil {
		t.Fatalf("expected missing DATABASE_URL to be rejected")
	}
}

func TestValidateConfigRequiresBaseURLWithToken(t *testing.T) {
	err := validateConfig(config.Config{LocalStore: "memory", AccessToken: "tok"})
	if err == nil {
		t.Fatalf("expected token without base url to be rejected")
	}
	if err := validateConfig(config.Config{LocalStore: "memory", AccessToken: "tok", APIBaseURL: "https://api.example.test"}); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestOpenStoreSQLite(t *testing.T) {
	cfg := config.Config{LocalStore: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "agent.db")}
	ls, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := ls.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

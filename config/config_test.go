package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.defaults()

	if cfg.Port != 4000 {
		t.Fatalf("Port = %d", cfg.Port)
	}
	if cfg.SyncPath != "/channel" {
		t.Fatalf("SyncPath = %q", cfg.SyncPath)
	}
	if cfg.MongoURL() != "mongodb://localhost:27017/livesync" {
		t.Fatalf("MongoURL = %q", cfg.MongoURL())
	}
	addr, pw, err := cfg.RedisAddr()
	if err != nil {
		t.Fatal(err)
	}
	if addr != "localhost:6379" || pw != "" {
		t.Fatalf("redis = %q / %q", addr, pw)
	}
	if cfg.Session.Secret != InsecureSessionSecret {
		t.Fatalf("Secret = %q", cfg.Session.Secret)
	}
	if cfg.Session.TTL != 30*24*time.Hour {
		t.Fatalf("TTL = %v", cfg.Session.TTL)
	}
}

func TestMongoURLExplicitWins(t *testing.T) {
	cfg := &Config{Mongo: MongoConfig{URL: "mongodb://db0.example.com/prod", Host: "other"}}
	cfg.defaults()
	if got := cfg.MongoURL(); got != "mongodb://db0.example.com/prod" {
		t.Fatalf("MongoURL = %q", got)
	}
}

func TestRedisURLWithPassword(t *testing.T) {
	cfg := &Config{Redis: RedisConfig{URL: "redis://:s3cret@cache.example.com:6380"}}
	cfg.defaults()
	addr, pw, err := cfg.RedisAddr()
	if err != nil {
		t.Fatal(err)
	}
	if addr != "cache.example.com:6380" {
		t.Fatalf("addr = %q", addr)
	}
	if pw != "s3cret" {
		t.Fatalf("password = %q", pw)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livesync.yaml")
	body := `
port: 8080
local: true
data_dir: /var/lib/livesync
session:
  secret: file-secret
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8080 || !cfg.Local || cfg.DataDir != "/var/lib/livesync" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Session.Secret != "file-secret" {
		t.Fatalf("Secret = %q", cfg.Session.Secret)
	}
	// Unset fields still take defaults.
	if cfg.Mongo.Database != "livesync" {
		t.Fatalf("Database = %q", cfg.Mongo.Database)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("PORT", "9001")
	t.Setenv("NO_REDIS", "1")
	t.Setenv("MONGO_HOST", "db1")
	t.Setenv("SESSION_SECRET", "prod-secret")

	cfg := FromEnv()
	if cfg.Port != 9001 {
		t.Fatalf("Port = %d", cfg.Port)
	}
	if !cfg.Local {
		t.Fatal("Local = false")
	}
	if cfg.MongoURL() != "mongodb://db1:27017/livesync" {
		t.Fatalf("MongoURL = %q", cfg.MongoURL())
	}
	if cfg.Session.Secret != "prod-secret" {
		t.Fatalf("Secret = %q", cfg.Session.Secret)
	}
}

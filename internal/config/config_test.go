package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestMustLoadPathDefaults(t *testing.T) {
	path := writeConfig(t, `
env: "dev"
jwt:
  secret: "s3cret"
`)

	cfg := MustLoadPath(path)

	if cfg.Env != "dev" {
		t.Errorf("expected env dev, got %q", cfg.Env)
	}
	if cfg.ApiPort != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.ApiPort)
	}
	if cfg.Storage != StoragePostgres {
		t.Errorf("expected default storage postgres, got %q", cfg.Storage)
	}
	if cfg.JWT.TokenTTL != 24*time.Hour {
		t.Errorf("expected default token ttl 24h, got %s", cfg.JWT.TokenTTL)
	}
	if cfg.Ledger.MaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", cfg.Ledger.MaxRetries)
	}
	maxAmount, err := cfg.Ledger.MaxAmount()
	if err != nil {
		t.Fatalf("unexpected max amount error: %v", err)
	}
	if maxAmount.String() != "1000000" {
		t.Errorf("expected max amount 1000000, got %s", maxAmount)
	}
	if cfg.Kafka.Topic != "wallet.transfers" {
		t.Errorf("expected default topic, got %q", cfg.Kafka.Topic)
	}
	if cfg.Outbox.PollInterval != time.Second {
		t.Errorf("expected default poll interval 1s, got %s", cfg.Outbox.PollInterval)
	}
	if cfg.HTTPServer.Timeout != 5*time.Second {
		t.Errorf("expected default http timeout 5s, got %s", cfg.HTTPServer.Timeout)
	}
}

func TestMustLoadPathOverrides(t *testing.T) {
	path := writeConfig(t, `
env: "prod"
api_port: 9090
storage: "memory"
jwt:
  secret: "s3cret"
ledger:
  max_transfer_amount: "500.50"
postgres:
  host: "db"
  port: "5432"
  user: "wallet"
  pass: "pw"
  db: "wallet"
kafka:
  brokers: ["k1:9092", "k2:9092"]
`)

	cfg := MustLoadPath(path)

	if cfg.ApiPort != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.ApiPort)
	}
	if cfg.Storage != StorageMemory {
		t.Errorf("expected memory storage, got %q", cfg.Storage)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("expected 2 brokers, got %v", cfg.Kafka.Brokers)
	}
	if got, want := cfg.Postgres.URL(), "postgres://wallet:pw@db:5432/wallet?sslmode=disable"; got != want {
		t.Errorf("expected url %q, got %q", want, got)
	}
}

func TestMustLoadPathPanics(t *testing.T) {
	cases := map[string]string{
		"missing file": filepath.Join(t.TempDir(), "nope.yaml"),
		"bad storage": writeConfig(t, `
storage: "sqlite"
jwt:
  secret: "s3cret"
`),
		"bad max amount": writeConfig(t, `
jwt:
  secret: "s3cret"
ledger:
  max_transfer_amount: "lots"
`),
		"zero max amount": writeConfig(t, `
jwt:
  secret: "s3cret"
ledger:
  max_transfer_amount: "0"
`),
		"negative max amount": writeConfig(t, `
jwt:
  secret: "s3cret"
ledger:
  max_transfer_amount: "-10.00"
`),
		"negative max retries": writeConfig(t, `
jwt:
  secret: "s3cret"
ledger:
  max_retries: -1
`),
		"negative poll interval": writeConfig(t, `
jwt:
  secret: "s3cret"
outbox:
  poll_interval: -1s
`),
		"negative batch size": writeConfig(t, `
jwt:
  secret: "s3cret"
outbox:
  batch_size: -5
`),
	}

	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("expected panic")
				}
			}()
			MustLoadPath(path)
		})
	}
}

// Zero in a file falls back to the default, so zero can only arrive through
// the environment.
func TestMustLoadPathRejectsZeroFromEnv(t *testing.T) {
	cases := map[string][2]string{
		"poll interval": {"OUTBOX_POLL_INTERVAL", "0s"},
		"batch size":    {"OUTBOX_BATCH_SIZE", "0"},
		"max retries":   {"LEDGER_MAX_RETRIES", "0"},
		"max amount":    {"LEDGER_MAX_TRANSFER_AMOUNT", "0.00"},
	}

	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "s3cret")
			t.Setenv(kv[0], kv[1])
			defer func() {
				if recover() == nil {
					t.Errorf("expected panic for %s=%s", kv[0], kv[1])
				}
			}()
			MustLoadPath("")
		})
	}
}

package config

import (
	"flag"
	"fmt"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/shopspring/decimal"
	"os"
	"time"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Env        string     `yaml:"env" env:"ENV" env-default:"local" env-description:"Environment"`
	ApiPort    int        `yaml:"api_port" env:"API_PORT" env-default:"8080"`
	ApiHost    string     `yaml:"api_host" env:"API_HOST" env-default:"localhost"`
	Storage    string     `yaml:"storage" env:"STORAGE" env-default:"postgres"`
	HTTPServer HTTPServer `yaml:"http_server"`
	JWT        JWT        `yaml:"jwt"`
	Ledger     Ledger     `yaml:"ledger"`
	Postgres   Postgres   `yaml:"postgres"`
	Redis      Redis      `yaml:"redis"`
	Kafka      Kafka      `yaml:"kafka"`
	Outbox     Outbox     `yaml:"outbox"`
}

type HTTPServer struct {
	Timeout     time.Duration `yaml:"timeout" env:"HTTP_TIMEOUT" env-default:"5s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" env-default:"60s"`
}

type JWT struct {
	Secret   string        `yaml:"secret" env:"JWT_SECRET" env-required:"true"`
	TokenTTL time.Duration `yaml:"token_ttl" env:"JWT_TOKEN_TTL" env-default:"24h"`
}

type Ledger struct {
	MaxTransferAmount string `yaml:"max_transfer_amount" env:"LEDGER_MAX_TRANSFER_AMOUNT" env-default:"1000000.00"`
	MaxRetries        int    `yaml:"max_retries" env:"LEDGER_MAX_RETRIES" env-default:"3"`
}

// MaxAmount parses MaxTransferAmount.
func (l Ledger) MaxAmount() (decimal.Decimal, error) {
	return decimal.NewFromString(l.MaxTransferAmount)
}

type Postgres struct {
	Host string `yaml:"host" env:"POSTGRES_HOST" env-default:"localhost"`
	Port string `yaml:"port" env:"POSTGRES_PORT" env-default:"5433"`
	User string `yaml:"user" env:"POSTGRES_USER" env-default:"test"`
	Pass string `yaml:"pass" env:"POSTGRES_PASS" env-default:"12345"`
	Db   string `yaml:"db" env:"POSTGRES_DB" env-default:"test_db"`
}

func (p Postgres) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", p.User, p.Pass, p.Host, p.Port, p.Db)
}

// Redis is optional: an empty Addr disables transfer idempotency keys.
type Redis struct {
	Addr           string        `yaml:"addr" env:"REDIS_ADDR"`
	Password       string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB             int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl" env:"REDIS_IDEMPOTENCY_TTL" env-default:"24h"`
}

// Kafka is optional: no brokers means the outbox processor is not started.
type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:","`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC" env-default:"wallet.transfers"`
}

type Outbox struct {
	PollInterval time.Duration `yaml:"poll_interval" env:"OUTBOX_POLL_INTERVAL" env-default:"1s"`
	BatchSize    int           `yaml:"batch_size" env:"OUTBOX_BATCH_SIZE" env-default:"100"`
}

func MustLoad() *Config {
	return MustLoadPath(fetchConfigPath())
}

// MustLoadPath reads the config file at path. An empty path reads the
// environment only.
func MustLoadPath(path string) *Config {
	var cfg Config

	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			panic("Failed to read config from env: " + err.Error())
		}
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			panic("config file does not exist: " + path)
		}

		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			panic("Failed to read config: " + err.Error())
		}
	}

	if cfg.Storage != StoragePostgres && cfg.Storage != StorageMemory {
		panic("unknown storage: " + cfg.Storage)
	}

	maxAmount, err := cfg.Ledger.MaxAmount()
	if err != nil {
		panic("invalid ledger.max_transfer_amount: " + err.Error())
	}
	if !maxAmount.IsPositive() {
		panic("ledger.max_transfer_amount must be positive: " + cfg.Ledger.MaxTransferAmount)
	}
	if cfg.Ledger.MaxRetries < 1 {
		panic(fmt.Sprintf("ledger.max_retries must be at least 1: %d", cfg.Ledger.MaxRetries))
	}

	if cfg.Outbox.PollInterval <= 0 {
		panic("outbox.poll_interval must be positive: " + cfg.Outbox.PollInterval.String())
	}
	if cfg.Outbox.BatchSize <= 0 {
		panic(fmt.Sprintf("outbox.batch_size must be positive: %d", cfg.Outbox.BatchSize))
	}

	return &cfg
}

func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}

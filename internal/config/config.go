package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type DB struct {
	URL             string        `env:"DATABASE_URL,required"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"16"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"8"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"1h"`
	ConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"15m"`
}

type HTTP struct {
	Port string `env:"PORT" envDefault:"8080"`
}

// Kafka carries chain tasks when BootstrapServers is set. Without it the
// service chains through an in-process queue.
type Kafka struct {
	BootstrapServers string `env:"KAFKA_BOOTSTRAP_SERVERS"`
	ChainTopic       string `env:"KAFKA_CHAIN_TOPIC" envDefault:"ledger.chain-tasks"`
	ChainGroup       string `env:"KAFKA_CHAIN_GROUP" envDefault:"ledger-chain-processor"`
}

func (k Kafka) Enabled() bool {
	return k.BootstrapServers != ""
}

type Chain struct {
	Workers          int           `env:"CHAIN_WORKERS" envDefault:"2"`
	QueueSize        int           `env:"CHAIN_QUEUE_SIZE" envDefault:"1024"`
	BacklogThreshold time.Duration `env:"CHAIN_BACKLOG_THRESHOLD" envDefault:"1m"`
	SweepInterval    time.Duration `env:"CHAIN_SWEEP_INTERVAL" envDefault:"30s"`
	SweepBatch       int           `env:"CHAIN_SWEEP_BATCH" envDefault:"500"`
	SweepRate        float64       `env:"CHAIN_SWEEP_RATE" envDefault:"200"`
}

type Redis struct {
	URL      string        `env:"REDIS_URL"`
	LeaseTTL time.Duration `env:"SWEEPER_LEASE_TTL" envDefault:"45s"`
}

type Ledger struct {
	MaxTxRetries int `env:"LEDGER_MAX_TX_RETRIES" envDefault:"3"`
}

type Config struct {
	DB     DB
	HTTP   HTTP
	Kafka  Kafka
	Chain  Chain
	Redis  Redis
	Ledger Ledger

	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	MigrationsPath string `env:"MIGRATIONS_PATH" envDefault:"file://db/migrations"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

type Config struct {
	HTTP      HTTP      `yaml:"http"`
	Log       Log       `yaml:"log"`
	Queue     Queue     `yaml:"queue"`
	Postgres  Postgres  `yaml:"postgres"`
	Redis     Redis     `yaml:"redis"`
	Kafka     Kafka     `yaml:"kafka"`
	Fanout    Fanout    `yaml:"fanout"`
	RateLimit RateLimit `yaml:"rate_limit"`
	// Seed is only read from the YAML file and only applied to the memory store.
	Seed Seed `yaml:"seed"`

	location *time.Location
}

type HTTP struct {
	Port string `yaml:"port" env:"PORT" env-default:"8080"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type Queue struct {
	Timezone        string `yaml:"timezone" env:"FACILITY_TIMEZONE" env-default:"UTC"`
	SingleOccupancy bool   `yaml:"single_occupancy" env:"CLINIC_SINGLE_OCCUPANCY" env-default:"true"`
	StoreBackend    string `yaml:"store_backend" env:"STORE_BACKEND" env-default:"postgres"`
	SequenceBackend string `yaml:"sequence_backend" env:"SEQUENCE_BACKEND" env-default:"postgres"`
}

type Postgres struct {
	DSN string `yaml:"dsn" env:"DB_DSN"`
}

type Redis struct {
	Addr           string        `yaml:"addr" env:"REDIS_ADDR"`
	Password       string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB             int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	SequenceKeyTTL time.Duration `yaml:"sequence_key_ttl" env:"SEQUENCE_KEY_TTL" env-default:"48h"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl" env:"IDEMPOTENCY_TTL" env-default:"24h"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:","`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC" env-default:"clinic-queue.ticket-events"`
}

type Fanout struct {
	Buffer           int `yaml:"buffer" env:"FANOUT_BUFFER" env-default:"256"`
	SubscriberBuffer int `yaml:"subscriber_buffer" env:"SUBSCRIBER_BUFFER" env-default:"16"`
}

type RateLimit struct {
	PerMinute       int `yaml:"per_minute" env:"RATE_LIMIT_PER_MIN" env-default:"120"`
	Burst           int `yaml:"burst" env:"RATE_LIMIT_BURST" env-default:"30"`
	ClinicPerMinute int `yaml:"clinic_per_minute" env:"CLINIC_RATE_LIMIT_PER_MIN" env-default:"600"`
	ClinicBurst     int `yaml:"clinic_burst" env:"CLINIC_RATE_LIMIT_BURST" env-default:"120"`
}

type Seed struct {
	Clinics  []SeedClinic  `yaml:"clinics"`
	Patients []SeedPatient `yaml:"patients"`
}

type SeedClinic struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Inactive bool   `yaml:"inactive"`
}

type SeedPatient struct {
	ID       string `yaml:"id"`
	FullName string `yaml:"full_name"`
}

// Load reads the YAML file named by QUEUE_CONFIG (or config.yaml when it
// exists) and then applies environment overrides.
func Load() (*Config, error) {
	cfg := &Config{}

	path := os.Getenv("QUEUE_CONFIG")
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}

	if path != "" {
		// ReadConfig applies env overrides after the file.
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.Queue.StoreBackend = strings.ToLower(strings.TrimSpace(c.Queue.StoreBackend))
	c.Queue.SequenceBackend = strings.ToLower(strings.TrimSpace(c.Queue.SequenceBackend))

	switch c.Queue.StoreBackend {
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return errors.New("DB_DSN is required for the postgres store")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.Queue.StoreBackend)
	}

	switch c.Queue.SequenceBackend {
	case BackendPostgres:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("REDIS_ADDR is required for the redis sequence backend")
		}
	default:
		return fmt.Errorf("unknown sequence backend %q", c.Queue.SequenceBackend)
	}

	loc, err := time.LoadLocation(c.Queue.Timezone)
	if err != nil {
		return fmt.Errorf("facility timezone: %w", err)
	}
	c.location = loc

	for _, clinic := range c.Seed.Clinics {
		if clinic.ID == "" {
			return errors.New("seed clinic without id")
		}
	}
	for _, patient := range c.Seed.Patients {
		if patient.ID == "" {
			return errors.New("seed patient without id")
		}
	}
	return nil
}

// Location is the facility time zone service days are computed in.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}

func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

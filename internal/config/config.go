// Package config assembles the relay's settings from built-in defaults, an
// optional YAML file, a .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads Go duration strings from YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type Config struct {
	Environment string `yaml:"environment"`

	Server struct {
		Addr           string  `yaml:"addr"`
		RateLimitRPS   float64 `yaml:"rate_limit_rps"`
		RateLimitBurst int     `yaml:"rate_limit_burst"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Relay struct {
		SendBuffer     int      `yaml:"send_buffer"`
		RateLimitRPS   float64  `yaml:"rate_limit_rps"`
		RateLimitBurst int      `yaml:"rate_limit_burst"`
		PersistTimeout Duration `yaml:"persist_timeout"`
	} `yaml:"relay"`

	Presence struct {
		HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`
		SweepInterval    Duration `yaml:"sweep_interval"`
	} `yaml:"presence"`

	Store struct {
		Backend     string `yaml:"backend"`
		PostgresDSN string `yaml:"postgres_dsn"`
		PebblePath  string `yaml:"pebble_path"`
	} `yaml:"store"`

	Events struct {
		Backend       string `yaml:"backend"`
		AMQPURL       string `yaml:"amqp_url"`
		Exchange      string `yaml:"exchange"`
		NATSURL       string `yaml:"nats_url"`
		SubjectPrefix string `yaml:"subject_prefix"`
		AuditKey      string `yaml:"audit_key"`
	} `yaml:"events"`

	Tracing struct {
		Endpoint    string `yaml:"endpoint"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"tracing"`

	Debug struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"debug"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	var c Config
	c.Environment = "development"
	c.Server.Addr = ":8083"
	c.Server.RateLimitRPS = 20
	c.Server.RateLimitBurst = 40
	c.Log.Level = "info"
	c.Log.Format = "text"
	c.Relay.SendBuffer = 64
	c.Relay.RateLimitRPS = 30
	c.Relay.RateLimitBurst = 60
	c.Relay.PersistTimeout = Duration(2 * time.Second)
	c.Presence.HeartbeatTimeout = Duration(90 * time.Second)
	c.Presence.SweepInterval = Duration(15 * time.Second)
	c.Store.Backend = "memory"
	c.Store.PebblePath = "data/relay"
	c.Events.Backend = "none"
	c.Events.Exchange = "relay.events"
	c.Events.SubjectPrefix = "relay"
	c.Events.AuditKey = "audit.events"
	c.Tracing.ServiceName = "chat-relay"
	return c
}

// Load builds the effective configuration. path may be empty; a missing
// .env file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(c *Config) error {
	c.Environment = getEnv("RELAY_ENV", c.Environment)
	c.Server.Addr = getEnv("SERVER_ADDR", c.Server.Addr)
	if port, ok := os.LookupEnv("PORT"); ok && port != "" {
		c.Server.Addr = ":" + port
	}
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Store.Backend = getEnv("STORE_BACKEND", c.Store.Backend)
	c.Store.PostgresDSN = getEnv("DATABASE_URL", c.Store.PostgresDSN)
	c.Store.PebblePath = getEnv("PEBBLE_PATH", c.Store.PebblePath)
	c.Events.Backend = getEnv("EVENTS_BACKEND", c.Events.Backend)
	c.Events.AMQPURL = getEnv("RABBITMQ_URL", c.Events.AMQPURL)
	c.Events.Exchange = getEnv("EVENTS_EXCHANGE", c.Events.Exchange)
	c.Events.NATSURL = getEnv("NATS_URL", c.Events.NATSURL)
	c.Events.SubjectPrefix = getEnv("EVENTS_SUBJECT_PREFIX", c.Events.SubjectPrefix)
	c.Events.AuditKey = getEnv("AUDIT_ROUTING_KEY", c.Events.AuditKey)
	c.Tracing.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Tracing.Endpoint)
	c.Tracing.ServiceName = getEnv("OTEL_SERVICE_NAME", c.Tracing.ServiceName)

	var errs []error
	setInt := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if v, ok := lookup(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	setDuration := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	setFloat("HTTP_RATE_LIMIT_RPS", &c.Server.RateLimitRPS)
	setInt("HTTP_RATE_LIMIT_BURST", &c.Server.RateLimitBurst)
	setInt("RELAY_SEND_BUFFER", &c.Relay.SendBuffer)
	setFloat("RELAY_RATE_LIMIT_RPS", &c.Relay.RateLimitRPS)
	setInt("RELAY_RATE_LIMIT_BURST", &c.Relay.RateLimitBurst)
	setDuration("RELAY_PERSIST_TIMEOUT", &c.Relay.PersistTimeout)
	setDuration("PRESENCE_HEARTBEAT_TIMEOUT", &c.Presence.HeartbeatTimeout)
	setDuration("PRESENCE_SWEEP_INTERVAL", &c.Presence.SweepInterval)
	setBool("DEBUG_ENABLED", &c.Debug.Enabled)
	return errors.Join(errs...)
}

// Validate rejects settings the relay cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case "memory", "pebble":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	switch c.Events.Backend {
	case "none", "amqp", "nats":
	default:
		errs = append(errs, fmt.Errorf("unknown events backend %q", c.Events.Backend))
	}
	if c.Store.Backend == "pebble" && c.Store.PebblePath == "" {
		errs = append(errs, errors.New("store.pebble_path is required for the pebble backend"))
	}
	if c.Relay.SendBuffer <= 0 {
		errs = append(errs, errors.New("relay.send_buffer must be positive"))
	}
	if c.Relay.PersistTimeout <= 0 {
		errs = append(errs, errors.New("relay.persist_timeout must be positive"))
	}
	if c.Presence.HeartbeatTimeout <= 0 {
		errs = append(errs, errors.New("presence.heartbeat_timeout must be positive"))
	}
	if c.Presence.SweepInterval <= 0 {
		errs = append(errs, errors.New("presence.sweep_interval must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func lookup(key string) (string, bool) {
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return "", false
	}
	return strings.TrimSpace(val), true
}

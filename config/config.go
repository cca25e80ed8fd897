package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Live       LiveConfig       `yaml:"live"`
	Transfer   TransferConfig   `yaml:"transfer"`
	Shifts     []ShiftConfig    `yaml:"shifts"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Log        LogConfig        `yaml:"log"`
}

// WorkerPoolConfig holds the configuration for the stop alert worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for web push notifications.
// Stop alerts are disabled when the keys are empty.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // "postgres" or "sqlite"
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogQueries             bool   `yaml:"log_queries"`
}

// MQTTConfig holds the telemetry broker configuration.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// IngestConfig controls how telemetry is turned into transitions.
type IngestConfig struct {
	Workers             int           `yaml:"workers"`
	QueueSize           int           `yaml:"queue_size"`
	ManualWindowSeconds int           `yaml:"manual_window_seconds"`
	ManualWindow        time.Duration `yaml:"-"`
	Timezone            string        `yaml:"timezone"`
}

// LiveConfig controls live view fan-out.
type LiveConfig struct {
	Parallelism        int           `yaml:"parallelism"`
	PushTimeoutSeconds int           `yaml:"push_timeout_seconds"`
	PushTimeout        time.Duration `yaml:"-"`
}

// TransferConfig holds the file transfer settings shared by all controllers.
type TransferConfig struct {
	Port           int           `yaml:"port"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	Timeout        time.Duration `yaml:"-"`
	LocalIP        string        `yaml:"local_ip"` // advertised in PORT; derived from the control connection when empty
	// ActiveMachines names the machines whose controllers only accept
	// active-mode data connections. Applied to the directory at startup.
	ActiveMachines []string `yaml:"active_machines"`
}

// ShiftConfig describes one named shift. End before Start means the shift
// runs past midnight.
type ShiftConfig struct {
	Name  string `yaml:"name"`
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// LogConfig selects the log level and handler format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Load reads the configuration from the given path. Values from the
// environment (and a .env file, when present) override the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	applyEnv(&cfg)
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		"DATABASE_DSN":  &cfg.Database.DSN,
		"MQTT_BROKER":   &cfg.MQTT.Broker,
		"MQTT_USERNAME": &cfg.MQTT.Username,
		"MQTT_PASSWORD": &cfg.MQTT.Password,
		"LOG_LEVEL":     &cfg.Log.Level,
	}
	for key, target := range overrides {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*target = v
		}
	}
}

func (cfg *Config) applyDefaults() error {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 30
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "cnc-monitor"
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "+/data"
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}

	if cfg.Ingest.Workers <= 0 {
		log.Printf("ingest.workers is not set or invalid; defaulting to 4")
		cfg.Ingest.Workers = 4
	}
	if cfg.Ingest.QueueSize <= 0 {
		cfg.Ingest.QueueSize = 64
	}
	if cfg.Ingest.ManualWindowSeconds <= 0 {
		cfg.Ingest.ManualWindowSeconds = 360
	}
	cfg.Ingest.ManualWindow = time.Duration(cfg.Ingest.ManualWindowSeconds) * time.Second
	if cfg.Ingest.Timezone == "" {
		cfg.Ingest.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(cfg.Ingest.Timezone); err != nil {
		return fmt.Errorf("invalid ingest.timezone %q: %w", cfg.Ingest.Timezone, err)
	}

	if cfg.Live.Parallelism <= 0 {
		cfg.Live.Parallelism = 8
	}
	if cfg.Live.PushTimeoutSeconds <= 0 {
		cfg.Live.PushTimeoutSeconds = 10
	}
	cfg.Live.PushTimeout = time.Duration(cfg.Live.PushTimeoutSeconds) * time.Second

	if cfg.Transfer.Port <= 0 {
		cfg.Transfer.Port = 21
	}
	if cfg.Transfer.TimeoutSeconds <= 0 {
		cfg.Transfer.TimeoutSeconds = 10
	}
	cfg.Transfer.Timeout = time.Duration(cfg.Transfer.TimeoutSeconds) * time.Second

	for i, s := range cfg.Shifts {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("shifts[%d]: name is required", i)
		}
		for _, v := range []string{s.Start, s.End} {
			if _, err := time.Parse("15:04", v); err != nil {
				return fmt.Errorf("shift %q: invalid time %q, want HH:MM", s.Name, v)
			}
		}
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return nil
}

// Location returns the plant's time zone. Load has already validated it.
func (cfg *Config) Location() *time.Location {
	loc, err := time.LoadLocation(cfg.Ingest.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

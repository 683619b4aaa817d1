package config

import (
	"fmt"
	"os"
	"time"

	"github.com/FairForge/drcore/internal/consistency"
	"github.com/FairForge/drcore/internal/database"
	"github.com/FairForge/drcore/internal/failover"
	"github.com/FairForge/drcore/internal/health"
	"github.com/FairForge/drcore/internal/replication"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Topology    TopologyConfig    `yaml:"topology"`
	Health      health.Config     `yaml:"health"`
	Replication ReplicationConfig `yaml:"replication"`
	Failover    failover.Config   `yaml:"failover"`
	Consistency ConsistencyConfig `yaml:"consistency"`
	Database    database.Config   `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Auth        AuthConfig        `yaml:"auth"`
	Events      EventConfig       `yaml:"events"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" validate:"gte=1,lte=65535"`
	LogLevel        string        `yaml:"log_level" validate:"oneof=debug info warn error"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	// HealthRate is the probe rate accepted per region, HealthBurst its bucket
	HealthRate  float64 `yaml:"health_rate" validate:"gt=0"`
	HealthBurst int     `yaml:"health_burst" validate:"gte=1"`
}

type TopologyConfig struct {
	Path  string `yaml:"path" validate:"required"`
	Watch bool   `yaml:"watch"`
}

type ReplicationConfig struct {
	StalenessBound time.Duration            `yaml:"staleness_bound" validate:"gt=0"`
	Poller         replication.PollerConfig `yaml:"poller"`
}

// Coordinator returns the coordinator part of the replication config
func (c ReplicationConfig) Coordinator() replication.Config {
	return replication.Config{StalenessBound: c.StalenessBound}
}

type ConsistencyConfig struct {
	Enabled         bool                `yaml:"enabled"`
	MaxChecksums    int                 `yaml:"max_checksums" validate:"gte=1"`
	WatermarkMargin time.Duration       `yaml:"watermark_margin" validate:"gte=0"`
	CaptureInterval time.Duration       `yaml:"capture_interval" validate:"gt=0"`
	DSNs            map[string]string   `yaml:"dsns"`
	Tables          []consistency.Table `yaml:"tables" validate:"dive"`
}

// Auditor returns the auditor part of the consistency config
func (c ConsistencyConfig) Auditor() consistency.Config {
	return consistency.Config{
		MaxChecksums:    c.MaxChecksums,
		WatermarkMargin: c.WatermarkMargin,
		CaptureInterval: c.CaptureInterval,
	}
}

// RedisConfig enables the shared routing store when Addr is set
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix"`
}

// AuthConfig holds the HS256 secret operator tokens are signed with. An
// empty secret disables the override endpoints.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type EventConfig struct {
	HistorySize int `yaml:"history_size" validate:"gte=1"`
	BufferSize  int `yaml:"buffer_size" validate:"gte=1"`
}

// Default returns a configuration with every component's defaults
func Default() Config {
	poller := replication.DefaultPollerConfig()
	audit := consistency.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Port:            8080,
			LogLevel:        "info",
			ShutdownTimeout: 30 * time.Second,
			HealthRate:      10,
			HealthBurst:     20,
		},
		Topology: TopologyConfig{
			Path:  "topology.yaml",
			Watch: true,
		},
		Health: health.DefaultConfig(),
		Replication: ReplicationConfig{
			StalenessBound: replication.DefaultConfig().StalenessBound,
			Poller:         poller,
		},
		Failover: failover.DefaultConfig(),
		Consistency: ConsistencyConfig{
			MaxChecksums:    audit.MaxChecksums,
			WatermarkMargin: audit.WatermarkMargin,
			CaptureInterval: audit.CaptureInterval,
		},
		Redis: RedisConfig{Prefix: "drcore:routing:"},
		Auth:  AuthConfig{Issuer: "drcore"},
		Events: EventConfig{
			HistorySize: 1000,
			BufferSize:  1000,
		},
	}
}

var validate = validator.New()

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Consistency.Enabled && len(c.Consistency.Tables) == 0 {
		return fmt.Errorf("invalid config: consistency audit enabled without tables")
	}
	return nil
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	LoadFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

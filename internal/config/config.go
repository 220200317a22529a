// Package config loads server configuration from a YAML file with
// environment overrides. A .env file in the working directory is
// honored, so local setups can keep the arm code out of the config
// file and out of the shell history.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/openecu/tunegate/internal/ecu"
)

// Duration decodes YAML strings like "15m" into a time.Duration.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// EngineConfig selects one protocol variant and its transport.
type EngineConfig struct {
	ID        string `yaml:"id"`
	Transport string `yaml:"transport"` // "bench" or "none"
}

// Config is the full server configuration.
type Config struct {
	ListenAddr   string          `yaml:"listen_addr"`
	ArmCode      string          `yaml:"arm_code"`
	SafetyLevel  ecu.SafetyLevel `yaml:"safety_level"`
	SessionTTL   Duration        `yaml:"session_ttl"`
	MaxSessions  int             `yaml:"max_sessions"`
	JournalPath  string          `yaml:"journal_path"`
	CatalogueDir string          `yaml:"catalogue_dir"`
	LogLevel     string          `yaml:"log_level"`
	Engines      []EngineConfig  `yaml:"engines"`
}

// Default returns the configuration used when no file is given: all
// three bench variants, SIMULATE, journal in the working directory.
func Default() Config {
	return Config{
		ListenAddr:  ":8775",
		SafetyLevel: ecu.LevelSimulate,
		SessionTTL:  Duration(15 * time.Minute),
		MaxSessions: 1,
		JournalPath: "tunegate.db",
		LogLevel:    "info",
		Engines: []EngineConfig{
			{ID: "uds-gen3", Transport: "bench"},
			{ID: "kwp-classic", Transport: "bench"},
			{ID: "ssm-flat4", Transport: "bench"},
		},
	}
}

// Load reads the config file (optional), applies .env and environment
// overrides, and validates the result. An empty path keeps defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	// .env is optional; absence is not an error.
	_ = godotenv.Load()
	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TUNEGATE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("TUNEGATE_ARM_CODE"); v != "" {
		cfg.ArmCode = v
	}
	if v := os.Getenv("TUNEGATE_SAFETY_LEVEL"); v != "" {
		cfg.SafetyLevel = ecu.SafetyLevel(v)
	}
	if v := os.Getenv("TUNEGATE_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SessionTTL = Duration(d)
		}
	}
	if v := os.Getenv("TUNEGATE_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessions = n
		}
	}
	if v := os.Getenv("TUNEGATE_JOURNAL_PATH"); v != "" {
		cfg.JournalPath = v
	}
	if v := os.Getenv("TUNEGATE_CATALOGUE_DIR"); v != "" {
		cfg.CatalogueDir = v
	}
	if v := os.Getenv("TUNEGATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func (c Config) validate() error {
	if c.ArmCode == "" {
		return fmt.Errorf("arm_code is required (set TUNEGATE_ARM_CODE or arm_code in the config file)")
	}
	if _, err := ecu.ParseSafetyLevel(string(c.SafetyLevel)); err != nil {
		return fmt.Errorf("safety_level: %w", err)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive, got %s", c.SessionTTL.Std())
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive, got %d", c.MaxSessions)
	}
	if len(c.Engines) == 0 {
		return fmt.Errorf("at least one engine must be configured")
	}
	for _, e := range c.Engines {
		if e.ID == "" {
			return fmt.Errorf("engine entries need an id")
		}
		switch e.Transport {
		case "bench", "none":
		default:
			return fmt.Errorf("engine %q: unknown transport %q", e.ID, e.Transport)
		}
	}
	return nil
}

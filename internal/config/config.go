package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config models trackline.yml.
type Config struct {
	Service struct {
		ID string `yaml:"id"`
	} `yaml:"service"`
	Server struct {
		Addr           string   `yaml:"addr"`
		BasePath       string   `yaml:"base_path"`
		RequestTimeout Duration `yaml:"request_timeout"`
	} `yaml:"server"`
	Auth struct {
		Required               bool `yaml:"required"`
		AllowLegacyActorHeader bool `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Actors struct {
		DefaultAuditorID  string `yaml:"default_auditor_id"`
		ExternalAuditorID string `yaml:"external_auditor_id"`
	} `yaml:"actors"`
	Lifecycle struct {
		StrictTransitions          bool `yaml:"strict_transitions"`
		ConfirmOverwritesCreatedBy bool `yaml:"confirm_overwrites_created_by"`
	} `yaml:"lifecycle"`
	Risk struct {
		HighThreshold   float64 `yaml:"high_threshold"`
		MediumThreshold float64 `yaml:"medium_threshold"`
	} `yaml:"risk"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Duration is a time.Duration written as "15s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.ID == "" {
		return fmt.Errorf("config.service.id is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.RequestTimeout < 0 {
		return fmt.Errorf("config.server.request_timeout must not be negative")
	}
	if _, err := uuid.Parse(c.Actors.DefaultAuditorID); err != nil {
		return fmt.Errorf("config.actors.default_auditor_id is not a valid identifier: %q", c.Actors.DefaultAuditorID)
	}
	if _, err := uuid.Parse(c.Actors.ExternalAuditorID); err != nil {
		return fmt.Errorf("config.actors.external_auditor_id is not a valid identifier: %q", c.Actors.ExternalAuditorID)
	}
	if c.Actors.DefaultAuditorID == c.Actors.ExternalAuditorID {
		return fmt.Errorf("config.actors default and external auditor must differ")
	}
	if c.Risk.MediumThreshold < 0 || c.Risk.HighThreshold > 100 || c.Risk.MediumThreshold >= c.Risk.HighThreshold {
		return fmt.Errorf("config.risk thresholds must satisfy 0 <= medium < high <= 100")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config.log.format %q is not one of console, json", c.Log.Format)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "trackline.yml")
}

// GenerateDefault returns default config YAML with fresh auditor identities.
func GenerateDefault(serviceID string) string {
	return fmt.Sprintf(defaultTemplate, serviceID, uuid.NewString(), uuid.NewString())
}

// Default returns the built-in configuration. Its auditor identities are
// fixed so that a workspace without a config file stays stable across runs.
func Default() *Config {
	cfg, err := FromYAML([]byte(fmt.Sprintf(defaultTemplate, "trackline", DefaultAuditorID, DefaultExternalAuditorID)))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// RequestTimeout returns the per-request deadline, zero meaning none.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeout)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	// Opt-out booleans default to on when the key is absent.
	cfg.Lifecycle.StrictTransitions = true
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Risk.HighThreshold == 0 && cfg.Risk.MediumThreshold == 0 {
		cfg.Risk.HighThreshold = 70
		cfg.Risk.MediumThreshold = 30
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const (
	DefaultAuditorID         = "2f1c6b1e-4c0b-4d61-9a43-6a4f0d3b8c21"
	DefaultExternalAuditorID = "8d7e2a90-15f3-4b7c-b6a2-0c9e5f4d1a77"
)

const defaultTemplate = `service:
  id: %s

server:
  addr: 127.0.0.1:8080
  base_path: /api
  request_timeout: 15s

auth:
  required: false
  allow_legacy_actor_header: true

actors:
  # Assignee of delegate-auditor.
  default_auditor_id: %s
  # Assignee of delegate-external-auditor.
  external_auditor_id: %s

lifecycle:
  strict_transitions: true
  confirm_overwrites_created_by: false

risk:
  high_threshold: 70
  medium_threshold: 30

log:
  level: info
  format: console
`

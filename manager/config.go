package manager

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultMaxRetries       = 3
	defaultTimeout          = 30 * time.Second
	defaultFailureThreshold = 3
)

// ServerConfig describes one registered worker. Configs are immutable once
// registered; re-registering an id replaces the config wholesale.
type ServerConfig struct {
	ID      string            `json:"id" yaml:"id"`
	Name    string            `json:"name" yaml:"name"`
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args" yaml:"args"`
	Env     map[string]string `json:"env" yaml:"env"`
	Enabled bool              `json:"enabled" yaml:"enabled"`

	// MaxRetries bounds retry attempts after the first try; execute performs
	// at most MaxRetries+1 tries.
	MaxRetries int `json:"maxRetries" yaml:"maxRetries"`

	// Timeout bounds each individual call on the worker.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// HealthCheckInterval enables a background prober when positive.
	HealthCheckInterval time.Duration `json:"healthCheckInterval" yaml:"healthCheckInterval"`

	// FailureThreshold is how many consecutive exhausted-retry failures
	// escalate degraded to unavailable.
	FailureThreshold int `json:"failureThreshold" yaml:"failureThreshold"`

	// AuthSecret, when set, makes the default client factory mint a signed
	// launch token into the worker's environment.
	AuthSecret string `json:"authSecret" yaml:"authSecret"`
}

// withDefaults fills the zero values a caller left unset.
func (c ServerConfig) withDefaults() ServerConfig {
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	return c
}

func (c ServerConfig) validate() error {
	if c.ID == "" {
		return fmt.Errorf("server config requires an id")
	}
	if c.Command == "" {
		return fmt.Errorf("server config %q requires a command", c.ID)
	}
	return nil
}

// duration accepts "30s"-style strings in both YAML and JSON config files.
type duration time.Duration

func (d *duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

// fileServer is the on-disk shape of one server entry.
type fileServer struct {
	Name                string            `json:"name" yaml:"name"`
	Command             string            `json:"command" yaml:"command"`
	Args                []string          `json:"args" yaml:"args"`
	Env                 map[string]string `json:"env" yaml:"env"`
	Enabled             *bool             `json:"enabled" yaml:"enabled"`
	MaxRetries          *int              `json:"maxRetries" yaml:"maxRetries"`
	Timeout             duration          `json:"timeout" yaml:"timeout"`
	HealthCheckInterval duration          `json:"healthCheckInterval" yaml:"healthCheckInterval"`
	FailureThreshold    int               `json:"failureThreshold" yaml:"failureThreshold"`
	AuthSecret          string            `json:"authSecret" yaml:"authSecret"`
}

// configFile is the on-disk configuration: a map of server ids to entries.
type configFile struct {
	Servers map[string]fileServer `json:"servers" yaml:"servers"`
}

// LoadConfig reads server definitions from a JSON or YAML file, selected by
// extension (.yaml/.yml versus anything else).
func LoadConfig(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var file configFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	configs := make([]ServerConfig, 0, len(file.Servers))
	for id, entry := range file.Servers {
		cfg := ServerConfig{
			ID:                  id,
			Name:                entry.Name,
			Command:             entry.Command,
			Args:                entry.Args,
			Env:                 entry.Env,
			Enabled:             true,
			MaxRetries:          defaultMaxRetries,
			Timeout:             time.Duration(entry.Timeout),
			HealthCheckInterval: time.Duration(entry.HealthCheckInterval),
			FailureThreshold:    entry.FailureThreshold,
			AuthSecret:          entry.AuthSecret,
		}
		if entry.Enabled != nil {
			cfg.Enabled = *entry.Enabled
		}
		if entry.MaxRetries != nil {
			cfg.MaxRetries = *entry.MaxRetries
		}
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

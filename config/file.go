package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile loads a Caseplane configuration YAML document from disk. Values not
// present in the document keep their defaults. Environment variables are not
// consulted; combine with FromEnv via Apply when both sources are wanted.
func LoadFile(path string) (Settings, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv("CASEPLANE_CONFIG")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		path = "config/caseplane.yaml"
	}

	bytes, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return Settings{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// Validate performs semantic validation on the loaded configuration.
func (s Settings) Validate() error {
	raw := strings.TrimSpace(s.Messaging.URL)
	if raw == "" {
		return fmt.Errorf("messaging url required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("messaging url: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("messaging url scheme %q: want ws or wss", parsed.Scheme)
	}
	if s.Messaging.DialTimeout < 0 || s.Messaging.WriteTimeout < 0 {
		return fmt.Errorf("messaging timeouts must be >=0")
	}
	if s.Messaging.ReadLimit < 0 {
		return fmt.Errorf("messaging readLimit must be >=0")
	}
	return nil
}

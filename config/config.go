// Package config centralises runtime configuration helpers for Caseplane services.
package config

import (
	"os"
	"strings"
	"time"
)

// Environment identifies the runtime environment where Caseplane operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Credentials captures the account used to authenticate against the message service.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MessagingSettings aggregates transport and credential configuration for the
// distributed message service shared by cooperating Caseplane nodes.
type MessagingSettings struct {
	URL          string        `yaml:"url"`
	Credentials  Credentials   `yaml:"credentials"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	PingInterval time.Duration `yaml:"pingInterval"`
	ReadLimit    int64         `yaml:"readLimit"`
}

// TelemetryConfig configures OTLP metric export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings contains the Caseplane configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment       `yaml:"environment"`
	Messaging   MessagingSettings `yaml:"messaging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// Default returns the default Caseplane configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Messaging: MessagingSettings{
			URL:          "ws://localhost:61616/events",
			Credentials:  Credentials{Username: "", Password: ""},
			DialTimeout:  10 * time.Second,
			WriteTimeout: 5 * time.Second,
			PingInterval: 20 * time.Second,
			ReadLimit:    2 * 1024 * 1024,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "",
			ServiceName:  "caseplane",
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("CASEPLANE_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("CASEPLANE_MESSAGING_URL")); v != "" {
		cfg.Messaging.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("CASEPLANE_MESSAGING_USERNAME")); v != "" {
		cfg.Messaging.Credentials.Username = v
	}
	if v := strings.TrimSpace(os.Getenv("CASEPLANE_MESSAGING_PASSWORD")); v != "" {
		cfg.Messaging.Credentials.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("CASEPLANE_MESSAGING_DIAL_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Messaging.DialTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("CASEPLANE_MESSAGING_WRITE_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Messaging.WriteTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("CASEPLANE_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("CASEPLANE_SERVICE_NAME")); v != "" {
		cfg.Telemetry.ServiceName = v
	}
	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithMessagingEndpoint overrides the message service URL.
func WithMessagingEndpoint(url string) Option {
	url = strings.TrimSpace(url)
	return func(s *Settings) {
		if url != "" {
			s.Messaging.URL = url
		}
	}
}

// WithMessagingCredentials overrides the message service account.
func WithMessagingCredentials(username, password string) Option {
	return func(s *Settings) {
		s.Messaging.Credentials = Credentials{
			Username: strings.TrimSpace(username),
			Password: password,
		}
	}
}

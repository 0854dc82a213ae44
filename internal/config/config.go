package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const (
	BackendGremlin = "gremlin"
	BackendMemory  = "memory"
)

type Config struct {
	Port    string `mapstructure:"PORT"`
	Env     string `mapstructure:"ENV"`
	BaseURL string `mapstructure:"BASE_URL"`

	GraphBackend      string `mapstructure:"GRAPH_BACKEND"`
	GraphHost         string `mapstructure:"GRAPH_HOST"`
	GraphPort         int    `mapstructure:"GRAPH_PORT"`
	GraphEnableSSL    bool   `mapstructure:"GRAPH_ENABLE_SSL"`
	GraphUsername     string `mapstructure:"GRAPH_USERNAME"`
	GraphPassword     string `mapstructure:"GRAPH_PASSWORD"`
	GraphPoolSize     int    `mapstructure:"GRAPH_POOL_SIZE"`
	GraphMaxInProcess int    `mapstructure:"GRAPH_MAX_IN_PROCESS"`

	SchemaPath  string `mapstructure:"FHIR_SCHEMA_PATH"`
	FHIRVersion string `mapstructure:"FHIR_VERSION"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("BASE_URL", "http://localhost:8000")
	v.SetDefault("GRAPH_BACKEND", BackendGremlin)
	v.SetDefault("GRAPH_HOST", "localhost")
	v.SetDefault("GRAPH_PORT", 8182)
	v.SetDefault("GRAPH_ENABLE_SSL", false)
	v.SetDefault("GRAPH_POOL_SIZE", 16)
	v.SetDefault("GRAPH_MAX_IN_PROCESS", 64)
	v.SetDefault("FHIR_VERSION", "6.0.0-ballot3")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("BASE_URL")
	v.BindEnv("GRAPH_BACKEND")
	v.BindEnv("GRAPH_HOST")
	v.BindEnv("GRAPH_PORT")
	v.BindEnv("GRAPH_ENABLE_SSL")
	v.BindEnv("GRAPH_USERNAME")
	v.BindEnv("GRAPH_PASSWORD")
	v.BindEnv("GRAPH_POOL_SIZE")
	v.BindEnv("GRAPH_MAX_IN_PROCESS")
	v.BindEnv("FHIR_SCHEMA_PATH")
	v.BindEnv("FHIR_VERSION")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.SchemaPath == "" {
		cfg.SchemaPath = defaultSchemaPath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultSchemaPath places fhir.schema.json next to the running binary,
// falling back to the working directory when the executable path is unknown.
func defaultSchemaPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "fhir.schema.json"
	}
	return filepath.Join(filepath.Dir(exe), "fhir.schema.json")
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// GremlinEndpoint is the websocket URL of the graph backend.
func (c *Config) GremlinEndpoint() string {
	scheme := "ws"
	if c.GraphEnableSSL {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/gremlin", scheme, c.GraphHost, c.GraphPort)
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.GraphBackend != BackendGremlin && c.GraphBackend != BackendMemory {
		return fmt.Errorf("GRAPH_BACKEND must be %q or %q, got %q", BackendGremlin, BackendMemory, c.GraphBackend)
	}
	if c.GraphPort < 1 || c.GraphPort > 65535 {
		return fmt.Errorf("GRAPH_PORT must be in 1..65535, got %d", c.GraphPort)
	}
	if c.GraphPoolSize < 1 {
		return fmt.Errorf("GRAPH_POOL_SIZE must be at least 1, got %d", c.GraphPoolSize)
	}
	if c.GraphMaxInProcess < 1 {
		return fmt.Errorf("GRAPH_MAX_IN_PROCESS must be at least 1, got %d", c.GraphMaxInProcess)
	}
	if c.GraphPassword != "" && c.GraphUsername == "" {
		return fmt.Errorf("GRAPH_USERNAME is required when GRAPH_PASSWORD is set")
	}
	if c.FHIRVersion == "" {
		return fmt.Errorf("FHIR_VERSION must not be empty")
	}
	return nil
}

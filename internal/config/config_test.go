package config

import (
	"os"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("GRAPH_HOST")
	os.Unsetenv("GRAPH_PORT")
	os.Unsetenv("GRAPH_BACKEND")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.GraphHost != "localhost" {
		t.Errorf("expected default graph host localhost, got %s", cfg.GraphHost)
	}
	if cfg.GraphPort != 8182 {
		t.Errorf("expected default graph port 8182, got %d", cfg.GraphPort)
	}
	if cfg.GraphPoolSize != 16 {
		t.Errorf("expected default pool size 16, got %d", cfg.GraphPoolSize)
	}
	if cfg.GraphMaxInProcess != 64 {
		t.Errorf("expected default max-in-process 64, got %d", cfg.GraphMaxInProcess)
	}
	if cfg.FHIRVersion != "6.0.0-ballot3" {
		t.Errorf("expected default fhir version 6.0.0-ballot3, got %s", cfg.FHIRVersion)
	}
	if cfg.SchemaPath == "" {
		t.Error("expected a derived schema path, got empty")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	os.Setenv("GRAPH_HOST", "graph.internal")
	os.Setenv("GRAPH_PORT", "9999")
	os.Setenv("GRAPH_ENABLE_SSL", "true")
	defer func() {
		os.Unsetenv("GRAPH_HOST")
		os.Unsetenv("GRAPH_PORT")
		os.Unsetenv("GRAPH_ENABLE_SSL")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.GraphHost != "graph.internal" {
		t.Errorf("expected graph host graph.internal, got %s", cfg.GraphHost)
	}
	if cfg.GraphPort != 9999 {
		t.Errorf("expected graph port 9999, got %d", cfg.GraphPort)
	}
	if got := cfg.GremlinEndpoint(); got != "wss://graph.internal:9999/gremlin" {
		t.Errorf("expected wss endpoint, got %s", got)
	}
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	os.Setenv("GRAPH_BACKEND", "neo4j")
	defer os.Unsetenv("GRAPH_BACKEND")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown GRAPH_BACKEND")
	}
}

func TestConfig_Validate(t *testing.T) {
	base := Config{
		GraphBackend:      BackendMemory,
		GraphPort:         8182,
		GraphPoolSize:     16,
		GraphMaxInProcess: 64,
		FHIRVersion:       "6.0.0-ballot3",
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := base
	bad.GraphPoolSize = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for pool size 0")
	}

	bad = base
	bad.GraphPassword = "secret"
	if err := bad.Validate(); err == nil {
		t.Error("expected error for password without username")
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}

func TestConfig_GremlinEndpoint(t *testing.T) {
	c := &Config{GraphHost: "localhost", GraphPort: 8182}
	if got := c.GremlinEndpoint(); got != "ws://localhost:8182/gremlin" {
		t.Errorf("expected ws://localhost:8182/gremlin, got %s", got)
	}
}

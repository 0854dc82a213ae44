package main

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fhirgraph/fhirgraph/internal/config"
)

func TestNewRepo_MemoryBackend(t *testing.T) {
	cfg := &config.Config{GraphBackend: config.BackendMemory}

	repo, cleanup, err := newRepo(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newRepo: %v", err)
	}
	defer cleanup()

	if _, err := repo.CountVertices(context.Background()); err != nil {
		t.Fatalf("count: %v", err)
	}
}

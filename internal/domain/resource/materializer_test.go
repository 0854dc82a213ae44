package resource

import (
	"context"
	"testing"

	"github.com/fhirgraph/fhirgraph/internal/platform/graph"
)

func observationDoc(patientID string) map[string]any {
	return map[string]any{
		"resourceType": "Observation",
		"id":           "obs-1",
		"subject":      map[string]any{"reference": "Patient/" + patientID},
	}
}

func TestMaterializer_CreatesPlaceholderTarget(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	srcID, err := s.repo.AddVertexID(ctx, "Observation", map[string]any{graph.PropID: "obs-1"})
	if err != nil {
		t.Fatalf("add source: %v", err)
	}

	created := s.mat.Materialize(ctx, srcID, observationDoc("p1"), true)
	if created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}

	target, err := s.repo.GetVertexByLabelProperty(ctx, "Patient", graph.PropID, "p1")
	if err != nil {
		t.Fatalf("placeholder lookup: %v", err)
	}
	if !target.IsPlaceholder() {
		t.Fatal("target should be a placeholder")
	}

	exists, err := s.repo.EdgeExists(ctx, graph.RefEdgePrefix+"subject", srcID, target.ID)
	if err != nil || !exists {
		t.Fatalf("edge exists = %v, %v; want true, nil", exists, err)
	}
}

func TestMaterializer_Idempotent(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	srcID, err := s.repo.AddVertexID(ctx, "Observation", map[string]any{graph.PropID: "obs-1"})
	if err != nil {
		t.Fatalf("add source: %v", err)
	}

	doc := observationDoc("p1")
	if created := s.mat.Materialize(ctx, srcID, doc, true); created != 1 {
		t.Fatalf("first pass created = %d, want 1", created)
	}
	if created := s.mat.Materialize(ctx, srcID, doc, true); created != 0 {
		t.Fatalf("second pass created = %d, want 0", created)
	}

	edges, err := s.repo.GetEdgesForVertex(ctx, srcID)
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("edge count = %d, want 1", len(edges))
	}
}

func TestMaterializer_DropsUnresolvedWithoutPlaceholders(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	srcID, err := s.repo.AddVertexID(ctx, "Observation", map[string]any{graph.PropID: "obs-1"})
	if err != nil {
		t.Fatalf("add source: %v", err)
	}

	if created := s.mat.Materialize(ctx, srcID, observationDoc("missing"), false); created != 0 {
		t.Fatalf("created = %d, want 0", created)
	}
	if _, err := s.repo.GetVertexByLabelProperty(ctx, "Patient", graph.PropID, "missing"); err == nil {
		t.Fatal("no Patient vertex should have been created")
	}
}

func TestMaterializer_ResolvesExistingTarget(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	targetID, err := s.repo.AddVertexID(ctx, "Patient", map[string]any{graph.PropID: "p1", graph.PropIsPlaceholder: false})
	if err != nil {
		t.Fatalf("add target: %v", err)
	}
	srcID, err := s.repo.AddVertexID(ctx, "Observation", map[string]any{graph.PropID: "obs-1"})
	if err != nil {
		t.Fatalf("add source: %v", err)
	}

	if created := s.mat.Materialize(ctx, srcID, observationDoc("p1"), false); created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}
	exists, err := s.repo.EdgeExists(ctx, graph.RefEdgePrefix+"subject", srcID, targetID)
	if err != nil || !exists {
		t.Fatalf("edge exists = %v, %v; want true, nil", exists, err)
	}
}

func TestMaterializer_MigrateIncomingRefs(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	oldID, err := s.repo.AddVertexID(ctx, "Patient", map[string]any{graph.PropID: "p1"})
	if err != nil {
		t.Fatalf("add old: %v", err)
	}
	srcID, err := s.repo.AddVertexID(ctx, "Observation", map[string]any{graph.PropID: "obs-1"})
	if err != nil {
		t.Fatalf("add source: %v", err)
	}
	if created := s.mat.Materialize(ctx, srcID, observationDoc("p1"), false); created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}

	newID, err := s.repo.AddVertexID(ctx, "Patient", map[string]any{graph.PropID: "p1"})
	if err != nil {
		t.Fatalf("add new: %v", err)
	}
	s.mat.MigrateIncomingRefs(ctx, oldID, newID)

	exists, err := s.repo.EdgeExists(ctx, graph.RefEdgePrefix+"subject", srcID, newID)
	if err != nil || !exists {
		t.Fatalf("migrated edge exists = %v, %v; want true, nil", exists, err)
	}
}

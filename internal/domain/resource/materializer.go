package resource

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/fhirgraph/fhirgraph/internal/platform/fhir"
	"github.com/fhirgraph/fhirgraph/internal/platform/graph"
)

// Materializer turns the relative references inside a resource body into
// typed edges. It never fails a write: per-reference problems are logged and
// the reference is dropped.
type Materializer struct {
	repo graph.Repo
	log  zerolog.Logger
}

func NewMaterializer(repo graph.Repo, log zerolog.Logger) *Materializer {
	return &Materializer{
		repo: repo,
		log:  log.With().Str("component", "materializer").Logger(),
	}
}

// Materialize creates one edge per relative reference in doc, from the source
// vertex to the target vertex, and returns how many edges were created.
// Existing edges are left alone, so calling twice with the same body returns
// zero the second time.
//
// With allowPlaceholders the target vertex is created as a placeholder when
// the referenced resource does not exist yet; otherwise the reference is
// dropped silently.
func (m *Materializer) Materialize(ctx context.Context, sourceID string, doc map[string]any, allowPlaceholders bool) int {
	created := 0
	for _, ref := range fhir.ParseReferences(doc) {
		targetID, err := m.resolveTarget(ctx, ref, allowPlaceholders)
		if err != nil {
			if !errors.Is(err, graph.ErrNotFound) {
				m.log.Warn().Err(err).
					Str("path", ref.Path).
					Str("target", ref.TargetType+"/"+ref.TargetID).
					Msg("reference target resolution failed, dropping reference")
			}
			continue
		}

		label := graph.RefEdgePrefix + ref.Path
		exists, err := m.repo.EdgeExists(ctx, label, sourceID, targetID)
		if err != nil {
			m.log.Warn().Err(err).Str("path", ref.Path).Msg("edge existence check failed, dropping reference")
			continue
		}
		if exists {
			continue
		}

		err = m.repo.AddEdge(ctx, label, sourceID, targetID, map[string]any{
			graph.EdgePropPath:       ref.Path,
			graph.EdgePropTargetType: ref.TargetType,
			graph.EdgePropTargetID:   ref.TargetID,
		})
		if err != nil {
			m.log.Warn().Err(err).Str("path", ref.Path).Msg("edge creation failed, dropping reference")
			continue
		}
		created++
	}
	return created
}

func (m *Materializer) resolveTarget(ctx context.Context, ref fhir.Reference, allowPlaceholders bool) (string, error) {
	if allowPlaceholders {
		return m.repo.EnsureVertexByProperty(ctx, ref.TargetType, graph.PropID, ref.TargetID, map[string]any{
			graph.PropResourceType:  ref.TargetType,
			graph.PropID:            ref.TargetID,
			graph.PropIsPlaceholder: true,
		})
	}
	return m.repo.GetVertexIDByLabelProperty(ctx, ref.TargetType, graph.PropID, ref.TargetID)
}

// MigrateIncomingRefs re-points reference edges that arrive at oldID so they
// arrive at newID instead. The versioning engine calls this after a new
// version vertex supersedes the old current one; without it, compartment
// traversal from a resource would stop seeing referrers after any update.
func (m *Materializer) MigrateIncomingRefs(ctx context.Context, oldID, newID string) {
	edges, err := m.repo.GetEdgesForVertex(ctx, oldID)
	if err != nil {
		m.log.Warn().Err(err).Str("vertex", oldID).Msg("incoming edge listing failed, references not migrated")
		return
	}
	for _, e := range edges {
		if e.Direction != graph.DirectionIn || len(e.Label) <= len(graph.RefEdgePrefix) || e.Label[:len(graph.RefEdgePrefix)] != graph.RefEdgePrefix {
			continue
		}
		exists, err := m.repo.EdgeExists(ctx, e.Label, e.Other, newID)
		if err != nil || exists {
			continue
		}
		if err := m.repo.AddEdge(ctx, e.Label, e.Other, newID, e.Props); err != nil {
			m.log.Warn().Err(err).Str("label", e.Label).Msg("reference migration failed")
		}
	}
}

package graph

import (
	"context"
	"errors"
	"strconv"
	"time"

	gremlingo "github.com/apache/tinkerpop/gremlin-go/v3/driver"
)

// Versioned vertices are the subset of a label space that carry a versionId
// property; placeholders and non-versioned heads never do.

func (r *GremlinRepo) versionedV(label, fhirID string) *gremlingo.GraphTraversal {
	return r.g.V().HasLabel(label).Has(PropID, fhirID).Has(PropVersionID)
}

func (r *GremlinRepo) GetCurrentVersion(ctx context.Context, label, fhirID string) (*Vertex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := r.versionedV(label, fhirID).Has(PropIsCurrent, true).Limit(1).ValueMap(true).ToList()
	if err != nil {
		return nil, backendErr("current version", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return vertexFromValueMap(rows[0].GetInterface())
}

func (r *GremlinRepo) GetVersion(ctx context.Context, label, fhirID, versionID string) (*Vertex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := r.versionedV(label, fhirID).Has(PropVersionID, versionID).Limit(1).ValueMap(true).ToList()
	if err != nil {
		return nil, backendErr("get version", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return vertexFromValueMap(rows[0].GetInterface())
}

func (r *GremlinRepo) GetVersionHistory(ctx context.Context, label, fhirID string, limit int) ([]*Vertex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := r.versionedV(label, fhirID).ValueMap(true).ToList()
	if err != nil {
		return nil, backendErr("version history", err)
	}
	versions, err := verticesFromResults(rows)
	if err != nil {
		return nil, err
	}
	SortVersionsDesc(versions)
	return ClipVersions(versions, limit), nil
}

func (r *GremlinRepo) GetTypeHistory(ctx context.Context, label string, limit int) ([]*Vertex, error) {
	return r.GetTypeHistorySince(ctx, label, time.Time{}, limit)
}

func (r *GremlinRepo) GetTypeHistorySince(ctx context.Context, label string, since time.Time, limit int) ([]*Vertex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := r.g.V().HasLabel(label).Has(PropVersionID)
	if !since.IsZero() {
		// lastUpdated is fixed-width, so string comparison is chronological.
		t = t.Has(PropLastUpdated, gremlingo.P.Gt(since.UTC().Format(TimeLayout)))
	}
	t = t.Order().By(PropLastUpdated, gremlingo.Order.Desc)
	if limit > 0 {
		t = t.Limit(limit)
	}
	rows, err := t.ValueMap(true).ToList()
	if err != nil {
		return nil, backendErr("type history", err)
	}
	versions, err := verticesFromResults(rows)
	if err != nil {
		return nil, err
	}
	SortVersionsDesc(versions)
	return ClipVersions(versions, limit), nil
}

func (r *GremlinRepo) GetNextVersionNumber(ctx context.Context, label, fhirID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rows, err := r.versionedV(label, fhirID).Values(PropVersionID).ToList()
	if err != nil {
		return 0, backendErr("next version number", err)
	}
	max := 0
	for _, row := range rows {
		if n, err := strconv.Atoi(row.GetString()); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

func (r *GremlinRepo) MarkVersionNonCurrent(ctx context.Context, label, fhirID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := <-r.versionedV(label, fhirID).Has(PropIsCurrent, true).
		Property(gremlingo.Cardinality.Single, PropIsCurrent, false).
		Iterate()
	if err != nil {
		return backendErr("mark non-current", err)
	}
	return nil
}

func (r *GremlinRepo) CreateSupersedesEdge(ctx context.Context, newID, oldID string) error {
	return r.AddEdge(ctx, SupersedesLabel, newID, oldID, nil)
}

func (r *GremlinRepo) CreateVersionedVertex(ctx context.Context, label, fhirID string, props map[string]any) (*VersionRef, error) {
	return r.createVersion(ctx, label, fhirID, props, false)
}

func (r *GremlinRepo) CreateTombstone(ctx context.Context, label, fhirID string) (*VersionRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	next, err := r.GetNextVersionNumber(ctx, label, fhirID)
	if err != nil {
		return nil, err
	}
	if next == 1 {
		return nil, ErrNotFound
	}
	return r.createVersion(ctx, label, fhirID, nil, true)
}

func (r *GremlinRepo) createVersion(ctx context.Context, label, fhirID string, props map[string]any, tombstone bool) (*VersionRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	next, err := r.GetNextVersionNumber(ctx, label, fhirID)
	if err != nil {
		return nil, err
	}

	var oldID string
	if cur, err := r.GetCurrentVersion(ctx, label, fhirID); err == nil {
		oldID = cur.ID
		if err := r.MarkVersionNonCurrent(ctx, label, fhirID); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	all := make(map[string]any, len(props)+6)
	for k, v := range props {
		all[k] = v
	}
	all[PropResourceType] = label
	all[PropID] = fhirID
	all[PropVersionID] = strconv.Itoa(next)
	all[PropLastUpdated] = now.Format(TimeLayout)
	all[PropIsCurrent] = true
	all[PropIsDeleted] = tombstone
	if tombstone {
		delete(all, PropJSON)
	}

	// First version after a dangling reference: upgrade the placeholder in
	// place so edges pointing at it stay valid.
	var graphID string
	if next == 1 {
		if ph, err := r.GetVertexByLabelProperty(ctx, label, PropID, fhirID); err == nil && ph.IsPlaceholder() {
			all[PropIsPlaceholder] = false
			if _, err := r.UpdateVertexProperties(ctx, ph.ID, all); err != nil {
				return nil, err
			}
			graphID = ph.ID
		} else if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if graphID == "" {
		graphID, err = r.AddVertexID(ctx, label, all)
		if err != nil {
			return nil, err
		}
	}

	if oldID != "" {
		if err := r.CreateSupersedesEdge(ctx, graphID, oldID); err != nil {
			return nil, err
		}
	}

	return &VersionRef{
		GraphID:     graphID,
		VersionID:   strconv.Itoa(next),
		LastUpdated: now,
		Supersedes:  oldID,
	}, nil
}

func (r *GremlinRepo) DeleteAllVersions(ctx context.Context, label, fhirID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	res, err := r.g.V().HasLabel(label).Has(PropID, fhirID).Count().Next()
	if err != nil {
		return 0, backendErr("delete all versions", err)
	}
	count, err := res.GetInt()
	if err != nil {
		return 0, backendErr("delete all versions", err)
	}
	if count == 0 {
		return 0, nil
	}
	if err := <-r.g.V().HasLabel(label).Has(PropID, fhirID).Drop().Iterate(); err != nil {
		return 0, backendErr("delete all versions", err)
	}
	return count, nil
}

func (r *GremlinRepo) DeleteVersion(ctx context.Context, label, fhirID, versionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists, err := r.versionedV(label, fhirID).Has(PropVersionID, versionID).HasNext()
	if err != nil {
		return false, backendErr("delete version", err)
	}
	if !exists {
		return false, nil
	}
	if err := <-r.versionedV(label, fhirID).Has(PropVersionID, versionID).Drop().Iterate(); err != nil {
		return false, backendErr("delete version", err)
	}
	return true, nil
}

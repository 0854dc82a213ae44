package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fhirgraph/fhirgraph/internal/platform/fhir"
	"github.com/fhirgraph/fhirgraph/internal/platform/graph"
)

// searchFanout bounds the per-type goroutines of a cross-type search.
const searchFanout = 8

// Persistence is the non-versioned CRUD path: one stable vertex per
// (type, id), properties replaced in place on update.
type Persistence struct {
	repo      graph.Repo
	validator *fhir.Validator
	mat       *Materializer
	log       zerolog.Logger
}

func NewPersistence(repo graph.Repo, validator *fhir.Validator, mat *Materializer, log zerolog.Logger) *Persistence {
	return &Persistence{
		repo:      repo,
		validator: validator,
		mat:       mat,
		log:       log.With().Str("component", "persistence").Logger(),
	}
}

// PersistResult reports a completed non-versioned write.
type PersistResult struct {
	GraphID      string `json:"graphId"`
	FhirID       string `json:"fhirId,omitempty"`
	ResourceType string `json:"resourceType"`
	Materialized int    `json:"materializedReferences"`
}

// ValidateAndPersist validates the body, upserts the resource vertex, and
// optionally materializes its references. expectedType, when non-empty, must
// match the body's resourceType.
func (p *Persistence) ValidateAndPersist(ctx context.Context, body []byte, expectedType string, materializeRefs, allowPlaceholders bool) (*PersistResult, error) {
	doc, resourceType, fhirID, err := p.decodeAndValidate(body, expectedType)
	if err != nil {
		return nil, err
	}

	props := map[string]any{
		graph.PropResourceType:  resourceType,
		graph.PropJSON:          string(body),
		graph.PropIsPlaceholder: false,
	}
	if tokens := identifierTokens(doc); len(tokens) > 0 {
		props[graph.PropIdentifier] = tokens
	}

	var graphID string
	if fhirID != "" {
		props[graph.PropID] = fhirID
		graphID, err = p.repo.UpsertVertexByProperty(ctx, resourceType, graph.PropID, fhirID, props)
	} else {
		graphID, err = p.repo.AddVertexID(ctx, resourceType, props)
	}
	if err != nil {
		return nil, err
	}

	result := &PersistResult{GraphID: graphID, FhirID: fhirID, ResourceType: resourceType}
	if materializeRefs {
		result.Materialized = p.mat.Materialize(ctx, graphID, doc, allowPlaceholders)
	}
	return result, nil
}

// Get returns the stored raw JSON for (type, id). Placeholder vertices read
// as absent.
func (p *Persistence) Get(ctx context.Context, resourceType, fhirID string) (string, error) {
	v, err := p.repo.GetVertexByLabelProperty(ctx, resourceType, graph.PropID, fhirID)
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return "", fmt.Errorf("%s/%s: %w", resourceType, fhirID, ErrNotFound)
		}
		return "", err
	}
	if v.IsPlaceholder() || v.JSON() == "" {
		return "", fmt.Errorf("%s/%s: %w", resourceType, fhirID, ErrNotFound)
	}
	return v.JSON(), nil
}

// Delete drops the vertex for (type, id). This is the hard-delete path; the
// versioned surface tombstones instead.
func (p *Persistence) Delete(ctx context.Context, resourceType, fhirID string) error {
	id, err := p.repo.GetVertexIDByLabelProperty(ctx, resourceType, graph.PropID, fhirID)
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return fmt.Errorf("%s/%s: %w", resourceType, fhirID, ErrNotFound)
		}
		return err
	}
	if _, err := p.repo.DeleteVertex(ctx, id); err != nil {
		return err
	}
	return nil
}

// SearchResult is one label-scoped search hit.
type SearchResult struct {
	GraphID       string `json:"graphId"`
	FhirID        string `json:"fhirId,omitempty"`
	ResourceType  string `json:"resourceType"`
	JSON          string `json:"json,omitempty"`
	IsPlaceholder bool   `json:"isPlaceholder,omitempty"`
}

func searchResultFromVertex(v *graph.Vertex) SearchResult {
	rt := v.StringProp(graph.PropResourceType)
	if rt == "" {
		rt = v.Label
	}
	return SearchResult{
		GraphID:       v.ID,
		FhirID:        v.FHIRID(),
		ResourceType:  rt,
		JSON:          v.JSON(),
		IsPlaceholder: v.IsPlaceholder(),
	}
}

// Search scans one label with equality filters and returns a page plus the
// total match count.
func (p *Persistence) Search(ctx context.Context, resourceType string, filters map[string]any, limit, offset int) ([]SearchResult, int64, error) {
	vertices, err := p.repo.GetVerticesByLabel(ctx, resourceType, filters, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := p.repo.CountVerticesByLabel(ctx, resourceType, filters)
	if err != nil {
		return nil, 0, err
	}
	results := make([]SearchResult, len(vertices))
	for i, v := range vertices {
		results[i] = searchResultFromVertex(v)
	}
	return results, total, nil
}

// SearchAllTypes fans the same filters out over the given resource types, or
// over every supported type when none are given. Results accumulate in type
// order and are clipped to limit at the end; the total is the sum of per-type
// counts.
func (p *Persistence) SearchAllTypes(ctx context.Context, resourceTypes []string, filters map[string]any, limit int) ([]SearchResult, int64, error) {
	if len(resourceTypes) == 0 {
		var err error
		resourceTypes, err = p.validator.ListSupportedTypes()
		if err != nil {
			return nil, 0, err
		}
	}

	perType := make([][]SearchResult, len(resourceTypes))
	counts := make([]int64, len(resourceTypes))

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(searchFanout)
	for i, rt := range resourceTypes {
		i, rt := i, rt
		grp.Go(func() error {
			results, total, err := p.Search(grpCtx, rt, filters, limit, 0)
			if err != nil {
				return err
			}
			perType[i] = results
			counts[i] = total
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, 0, err
	}

	var all []SearchResult
	var total int64
	for i := range resourceTypes {
		all = append(all, perType[i]...)
		total += counts[i]
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (p *Persistence) decodeAndValidate(body []byte, expectedType string) (map[string]any, string, string, error) {
	return decodeResource(p.validator, body, expectedType)
}

// decodeResource parses a resource body, pulls out (resourceType, id), and
// validates against the schema. expectedType, when non-empty, must match the
// body's discriminator.
func decodeResource(validator *fhir.Validator, body []byte, expectedType string) (map[string]any, string, string, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, "", "", fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	resourceType, fhirID, err := validator.ExtractResourceInfo(doc)
	if err != nil {
		if errors.Is(err, fhir.ErrSchemaNotLoaded) {
			return nil, "", "", err
		}
		return nil, "", "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if expectedType != "" && resourceType != expectedType {
		return nil, "", "", fmt.Errorf("%w: body resourceType %q does not match URL type %q", ErrValidation, resourceType, expectedType)
	}
	if err := validator.Validate(doc); err != nil {
		if errors.Is(err, fhir.ErrSchemaNotLoaded) {
			return nil, "", "", err
		}
		return nil, "", "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return doc, resourceType, fhirID, nil
}

// identifierTokens flattens identifier[] into the searchable token forms:
// the bare value and system|value when a system is present.
func identifierTokens(doc map[string]any) []string {
	arr, _ := doc["identifier"].([]any)
	var out []string
	for _, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		value, _ := m["value"].(string)
		if value == "" {
			continue
		}
		out = append(out, value)
		if system, _ := m["system"].(string); system != "" {
			out = append(out, system+"|"+value)
		}
	}
	return out
}

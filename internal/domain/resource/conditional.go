package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/fhirgraph/fhirgraph/internal/platform/fhir"
	"github.com/fhirgraph/fhirgraph/internal/platform/graph"
)

// conditionalProbeLimit is the search page used to classify a conditional
// operation: zero, one, or more-than-one matches. Only multi-delete needs
// the full match set.
const conditionalProbeLimit = 2

// Conditional translates FHIR conditional create/update/delete/patch into
// search-then-mutate flows on the versioned engine.
type Conditional struct {
	repo       graph.Repo
	versioning *Versioning
	validator  *fhir.Validator
	log        zerolog.Logger
}

func NewConditional(repo graph.Repo, versioning *Versioning, validator *fhir.Validator, log zerolog.Logger) *Conditional {
	return &Conditional{
		repo:       repo,
		versioning: versioning,
		validator:  validator,
		log:        log.With().Str("component", "conditional").Logger(),
	}
}

// ParseCriteria turns search query parameters into vertex property filters.
// Only the _id and identifier token parameters participate; zero usable
// criteria is a validation failure.
func ParseCriteria(params url.Values) (map[string]any, error) {
	filters := make(map[string]any)
	if v := params.Get("_id"); v != "" {
		filters[graph.PropID] = v
	}
	if v := params.Get("identifier"); v != "" {
		filters[graph.PropIdentifier] = v
	}
	if len(filters) == 0 {
		return nil, fmt.Errorf("%w: no search criteria provided", ErrValidation)
	}
	return filters, nil
}

// probe runs the conditional search against current, non-deleted versions.
func (c *Conditional) probe(ctx context.Context, resourceType string, criteria map[string]any, limit int) ([]*graph.Vertex, error) {
	filters := map[string]any{
		graph.PropIsCurrent: true,
		graph.PropIsDeleted: false,
	}
	for k, v := range criteria {
		filters[k] = v
	}
	return c.repo.GetVerticesByLabel(ctx, resourceType, filters, limit, 0)
}

// ConditionalResult reports a conditional create or update. Created is false
// when an existing resource satisfied the criteria and no write happened.
type ConditionalResult struct {
	Write    *WriteResult
	Existing *VersionedResource
	Created  bool
}

// Create implements If-None-Exist semantics: no match creates, one match
// returns the existing resource untouched, several matches fail.
func (c *Conditional) Create(ctx context.Context, body []byte, expectedType string, criteria map[string]any) (*ConditionalResult, error) {
	matches, err := c.probe(ctx, expectedType, criteria, conditionalProbeLimit)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		write, err := c.versioning.Create(ctx, body, expectedType)
		if err != nil {
			return nil, err
		}
		return &ConditionalResult{Write: write, Created: true}, nil
	case 1:
		return &ConditionalResult{Existing: versionedFromVertex(matches[0])}, nil
	default:
		return nil, fmt.Errorf("%w: conditional create matched more than one %s", ErrMultipleMatches, expectedType)
	}
}

// Update writes through to the resource selected by the criteria. With no
// match, the body's own id decides whether a create happens; with one match
// the body id, when present, must agree with the matched id.
func (c *Conditional) Update(ctx context.Context, body []byte, expectedType string, criteria map[string]any) (*ConditionalResult, error) {
	matches, err := c.probe(ctx, expectedType, criteria, conditionalProbeLimit)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		doc, _, bodyID, err := decodeResource(c.validator, body, expectedType)
		if err != nil {
			return nil, err
		}
		if bodyID == "" {
			return nil, fmt.Errorf("%w: conditional update matched nothing and no id provided", ErrValidation)
		}
		write, err := c.versioning.createVersion(ctx, expectedType, bodyID, doc)
		if err != nil {
			return nil, err
		}
		return &ConditionalResult{Write: write, Created: write.Created}, nil
	case 1:
		matchedID := matches[0].FHIRID()
		doc, _, bodyID, err := decodeResource(c.validator, body, expectedType)
		if err != nil {
			return nil, err
		}
		if bodyID != "" && bodyID != matchedID {
			return nil, fmt.Errorf("%w: body id %q does not match the selected resource %s/%s", ErrValidation, bodyID, expectedType, matchedID)
		}
		write, err := c.versioning.createVersion(ctx, expectedType, matchedID, doc)
		if err != nil {
			return nil, err
		}
		return &ConditionalResult{Write: write}, nil
	default:
		return nil, fmt.Errorf("%w: conditional update matched more than one %s", ErrMultipleMatches, expectedType)
	}
}

// Delete tombstones the resources selected by the criteria. Single mode
// refuses more than one match; multiple mode tombstones every match.
func (c *Conditional) Delete(ctx context.Context, resourceType string, criteria map[string]any, allowMultiple bool) (int, error) {
	limit := conditionalProbeLimit
	if allowMultiple {
		limit = 0
	}
	matches, err := c.probe(ctx, resourceType, criteria, limit)
	if err != nil {
		return 0, err
	}

	if !allowMultiple {
		switch len(matches) {
		case 0:
			return 0, fmt.Errorf("%w: conditional delete matched no %s", ErrNotFound, resourceType)
		case 1:
		default:
			return 0, fmt.Errorf("%w: conditional delete matched more than one %s", ErrMultipleMatches, resourceType)
		}
	}

	deleted := 0
	for _, v := range matches {
		if _, err := c.versioning.Tombstone(ctx, resourceType, v.FHIRID()); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Patch applies a JSON patch to the single resource selected by the
// criteria, revalidates, and writes the result as a new version.
func (c *Conditional) Patch(ctx context.Context, resourceType string, criteria map[string]any, ops []fhir.PatchOperation) (*ConditionalResult, error) {
	matches, err := c.probe(ctx, resourceType, criteria, conditionalProbeLimit)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: conditional patch matched no %s", ErrNotFound, resourceType)
	case 1:
		write, err := c.applyPatch(ctx, versionedFromVertex(matches[0]), ops)
		if err != nil {
			return nil, err
		}
		return &ConditionalResult{Write: write}, nil
	default:
		return nil, fmt.Errorf("%w: conditional patch matched more than one %s", ErrMultipleMatches, resourceType)
	}
}

// MergePatch is Patch for JSON Merge Patch bodies.
func (c *Conditional) MergePatch(ctx context.Context, resourceType string, criteria map[string]any, patch map[string]any) (*ConditionalResult, error) {
	matches, err := c.probe(ctx, resourceType, criteria, conditionalProbeLimit)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: conditional patch matched no %s", ErrNotFound, resourceType)
	case 1:
		existing := versionedFromVertex(matches[0])
		doc, err := decodeStored(existing)
		if err != nil {
			return nil, err
		}
		write, err := c.writePatched(ctx, existing, fhir.ApplyMergePatch(doc, patch))
		if err != nil {
			return nil, err
		}
		return &ConditionalResult{Write: write}, nil
	default:
		return nil, fmt.Errorf("%w: conditional patch matched more than one %s", ErrMultipleMatches, resourceType)
	}
}

func (c *Conditional) applyPatch(ctx context.Context, existing *VersionedResource, ops []fhir.PatchOperation) (*WriteResult, error) {
	doc, err := decodeStored(existing)
	if err != nil {
		return nil, err
	}
	patched, err := fhir.ApplyJSONPatch(doc, ops)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnprocessable, err)
	}
	return c.writePatched(ctx, existing, patched)
}

func (c *Conditional) writePatched(ctx context.Context, existing *VersionedResource, patched map[string]any) (*WriteResult, error) {
	body, err := json.Marshal(patched)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnprocessable, err)
	}
	return c.versioning.Update(ctx, existing.ResourceType, existing.FhirID, body, "")
}

func decodeStored(existing *VersionedResource) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(existing.JSON), &doc); err != nil {
		return nil, fmt.Errorf("%w: stored resource is not valid JSON: %v", ErrUnprocessable, err)
	}
	return doc, nil
}

package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fhirgraph/fhirgraph/internal/platform/fhir"
	"github.com/fhirgraph/fhirgraph/internal/platform/graph"
)

// Versioning is the version-aware CRUD path. Every write creates a new
// version vertex (or a tombstone); nothing is mutated in place. Writes for
// the same (type, id) are serialized by a keyed lock so two writers cannot
// both observe the same next version number.
type Versioning struct {
	repo      graph.Repo
	validator *fhir.Validator
	mat       *Materializer
	locks     *keyedMutex
	log       zerolog.Logger
}

func NewVersioning(repo graph.Repo, validator *fhir.Validator, mat *Materializer, log zerolog.Logger) *Versioning {
	return &Versioning{
		repo:      repo,
		validator: validator,
		mat:       mat,
		locks:     newKeyedMutex(),
		log:       log.With().Str("component", "versioning").Logger(),
	}
}

// WriteResult reports a completed versioned write.
type WriteResult struct {
	GraphID      string
	ResourceType string
	FhirID       string
	VersionID    string
	LastUpdated  time.Time
	Created      bool
	Materialized int
	JSON         string
}

// VersionedResource is one version as read back from the graph.
type VersionedResource struct {
	GraphID      string
	ResourceType string
	FhirID       string
	VersionID    string
	LastUpdated  string
	JSON         string
	Deleted      bool
}

func versionedFromVertex(v *graph.Vertex) *VersionedResource {
	return &VersionedResource{
		GraphID:      v.ID,
		ResourceType: v.Label,
		FhirID:       v.FHIRID(),
		VersionID:    v.VersionID(),
		LastUpdated:  v.LastUpdated(),
		JSON:         v.JSON(),
		Deleted:      v.IsDeleted(),
	}
}

// Create stores the first or next version of the resource in the body. A
// missing logical id is assigned.
func (s *Versioning) Create(ctx context.Context, body []byte, expectedType string) (*WriteResult, error) {
	doc, resourceType, fhirID, err := decodeResource(s.validator, body, expectedType)
	if err != nil {
		return nil, err
	}
	if fhirID == "" {
		fhirID = uuid.NewString()
	}
	return s.createVersion(ctx, resourceType, fhirID, doc)
}

// Update stores a new version for (type, id). The body's id must match the
// URL id when present; a missing body id is filled in. An If-Match header
// value, when given and when a current version exists, must name the current
// versionId.
func (s *Versioning) Update(ctx context.Context, resourceType, fhirID string, body []byte, ifMatch string) (*WriteResult, error) {
	doc, _, bodyID, err := decodeResource(s.validator, body, resourceType)
	if err != nil {
		return nil, err
	}
	if bodyID != "" && bodyID != fhirID {
		return nil, fmt.Errorf("%w: body id %q does not match URL id %q", ErrValidation, bodyID, fhirID)
	}

	if ifMatch != "" {
		current, err := s.repo.GetCurrentVersion(ctx, resourceType, fhirID)
		switch {
		case err == nil:
			if !fhir.ETagMatches(ifMatch, current.VersionID()) {
				return nil, fmt.Errorf("%w: If-Match %s does not match current version %s", ErrPrecondition, ifMatch, current.VersionID())
			}
		case errors.Is(err, graph.ErrNotFound):
			// No current version, nothing to fail the precondition against.
		default:
			return nil, err
		}
	}

	return s.createVersion(ctx, resourceType, fhirID, doc)
}

func (s *Versioning) createVersion(ctx context.Context, resourceType, fhirID string, doc map[string]any) (*WriteResult, error) {
	doc["id"] = fhirID
	stored, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	props := map[string]any{
		graph.PropJSON:          string(stored),
		graph.PropIsPlaceholder: false,
	}
	if tokens := identifierTokens(doc); len(tokens) > 0 {
		props[graph.PropIdentifier] = tokens
	}

	unlock := s.locks.lock(resourceType, fhirID)
	ref, err := s.repo.CreateVersionedVertex(ctx, resourceType, fhirID, props)
	unlock()
	if err != nil {
		return nil, err
	}

	materialized := s.mat.Materialize(ctx, ref.GraphID, doc, true)
	if ref.Supersedes != "" {
		s.mat.MigrateIncomingRefs(ctx, ref.Supersedes, ref.GraphID)
	}

	return &WriteResult{
		GraphID:      ref.GraphID,
		ResourceType: resourceType,
		FhirID:       fhirID,
		VersionID:    ref.VersionID,
		LastUpdated:  ref.LastUpdated,
		Created:      ref.VersionID == "1",
		Materialized: materialized,
		JSON:         string(stored),
	}, nil
}

// Read returns the current version. A tombstoned resource reads as Gone.
func (s *Versioning) Read(ctx context.Context, resourceType, fhirID string) (*VersionedResource, error) {
	v, err := s.repo.GetCurrentVersion(ctx, resourceType, fhirID)
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return nil, fmt.Errorf("%s/%s: %w", resourceType, fhirID, ErrNotFound)
		}
		return nil, err
	}
	if v.IsDeleted() {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, fhirID, ErrGone)
	}
	return versionedFromVertex(v), nil
}

// VRead returns one specific version; Gone when that version is a tombstone.
func (s *Versioning) VRead(ctx context.Context, resourceType, fhirID, versionID string) (*VersionedResource, error) {
	v, err := s.repo.GetVersion(ctx, resourceType, fhirID, versionID)
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return nil, fmt.Errorf("%s/%s/_history/%s: %w", resourceType, fhirID, versionID, ErrNotFound)
		}
		return nil, err
	}
	if v.IsDeleted() {
		return nil, fmt.Errorf("%s/%s/_history/%s: %w", resourceType, fhirID, versionID, ErrGone)
	}
	return versionedFromVertex(v), nil
}

// Tombstone soft-deletes by writing a deletion marker version. Deleting an
// absent resource is NotFound; deleting an already-deleted one is a conflict.
func (s *Versioning) Tombstone(ctx context.Context, resourceType, fhirID string) (*WriteResult, error) {
	unlock := s.locks.lock(resourceType, fhirID)
	defer unlock()

	current, err := s.repo.GetCurrentVersion(ctx, resourceType, fhirID)
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return nil, fmt.Errorf("%s/%s: %w", resourceType, fhirID, ErrNotFound)
		}
		return nil, err
	}
	if current.IsDeleted() {
		return nil, fmt.Errorf("%w: %s/%s is already deleted", ErrConflict, resourceType, fhirID)
	}

	ref, err := s.repo.CreateTombstone(ctx, resourceType, fhirID)
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return nil, fmt.Errorf("%s/%s: %w", resourceType, fhirID, ErrNotFound)
		}
		return nil, err
	}
	return &WriteResult{
		GraphID:      ref.GraphID,
		ResourceType: resourceType,
		FhirID:       fhirID,
		VersionID:    ref.VersionID,
		LastUpdated:  ref.LastUpdated,
	}, nil
}

// InstanceHistory lists the versions of one resource, newest first.
func (s *Versioning) InstanceHistory(ctx context.Context, resourceType, fhirID string, limit int, since time.Time) ([]fhir.HistoryItem, error) {
	versions, err := s.repo.GetVersionHistory(ctx, resourceType, fhirID, 0)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, fhirID, ErrNotFound)
	}
	versions = filterSince(versions, since)
	versions = graph.ClipVersions(versions, limit)
	return historyItems(versions), nil
}

// TypeHistory lists the version writes of every resource of one type.
func (s *Versioning) TypeHistory(ctx context.Context, resourceType string, limit int, since time.Time) ([]fhir.HistoryItem, error) {
	var (
		versions []*graph.Vertex
		err      error
	)
	if since.IsZero() {
		versions, err = s.repo.GetTypeHistory(ctx, resourceType, limit)
	} else {
		versions, err = s.repo.GetTypeHistorySince(ctx, resourceType, since, limit)
	}
	if err != nil {
		return nil, err
	}
	return historyItems(versions), nil
}

// SystemHistory merges the type histories of every supported type, globally
// sorted newest first and clipped to limit.
func (s *Versioning) SystemHistory(ctx context.Context, limit int, since time.Time) ([]fhir.HistoryItem, error) {
	types, err := s.validator.ListSupportedTypes()
	if err != nil {
		return nil, err
	}

	perType := make([][]*graph.Vertex, len(types))
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(searchFanout)
	for i, rt := range types {
		i, rt := i, rt
		grp.Go(func() error {
			var (
				versions []*graph.Vertex
				err      error
			)
			if since.IsZero() {
				versions, err = s.repo.GetTypeHistory(grpCtx, rt, limit)
			} else {
				versions, err = s.repo.GetTypeHistorySince(grpCtx, rt, since, limit)
			}
			if err != nil {
				return err
			}
			perType[i] = versions
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	var all []*graph.Vertex
	for _, versions := range perType {
		all = append(all, versions...)
	}
	graph.SortVersionsDesc(all)
	all = graph.ClipVersions(all, limit)
	return historyItems(all), nil
}

// PurgeVersions drops every version vertex of (type, id) and reports how
// many were dropped.
func (s *Versioning) PurgeVersions(ctx context.Context, resourceType, fhirID string) (int, error) {
	unlock := s.locks.lock(resourceType, fhirID)
	defer unlock()

	count, err := s.repo.DeleteAllVersions(ctx, resourceType, fhirID)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, fmt.Errorf("%s/%s: %w", resourceType, fhirID, ErrNotFound)
	}
	return count, nil
}

// DeleteVersion removes one non-current version vertex. The current version
// cannot be deleted directly; tombstone it instead.
func (s *Versioning) DeleteVersion(ctx context.Context, resourceType, fhirID, versionID string) error {
	unlock := s.locks.lock(resourceType, fhirID)
	defer unlock()

	v, err := s.repo.GetVersion(ctx, resourceType, fhirID, versionID)
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return fmt.Errorf("%s/%s/_history/%s: %w", resourceType, fhirID, versionID, ErrNotFound)
		}
		return err
	}
	if v.IsCurrent() {
		return fmt.Errorf("%w: version %s is the current version of %s/%s", ErrConflict, versionID, resourceType, fhirID)
	}
	if _, err := s.repo.DeleteVersion(ctx, resourceType, fhirID, versionID); err != nil {
		return err
	}
	return nil
}

// Everything walks the compartment of (type, id): the resource itself first,
// then every reachable resource within maxHops hops, one entry per (type, id)
// and skipping placeholders, superseded versions and tombstones.
func (s *Versioning) Everything(ctx context.Context, resourceType, fhirID string, maxHops, limit int) ([]json.RawMessage, error) {
	root, err := s.Read(ctx, resourceType, fhirID)
	if err != nil {
		return nil, err
	}

	reachable, err := s.repo.Traverse(ctx, root.GraphID, maxHops, "", limit)
	if err != nil {
		return nil, err
	}

	resources := []json.RawMessage{json.RawMessage(root.JSON)}
	seen := map[string]bool{resourceType + "/" + fhirID: true}
	for _, v := range reachable {
		if v.IsPlaceholder() || v.IsDeleted() || v.JSON() == "" {
			continue
		}
		if v.VersionID() != "" && !v.IsCurrent() {
			continue
		}
		key := v.Label + "/" + v.FHIRID()
		if seen[key] {
			continue
		}
		seen[key] = true
		resources = append(resources, json.RawMessage(v.JSON()))
	}
	return resources, nil
}

// Search scans the current, non-deleted versions of one type. criteria are
// property equality filters (id, identifier); superseded versions and
// tombstones never match.
func (s *Versioning) Search(ctx context.Context, resourceType string, criteria map[string]any, limit, offset int) ([]*VersionedResource, int64, error) {
	filters := map[string]any{
		graph.PropIsCurrent: true,
		graph.PropIsDeleted: false,
	}
	for k, v := range criteria {
		filters[k] = v
	}
	vertices, err := s.repo.GetVerticesByLabel(ctx, resourceType, filters, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.CountVerticesByLabel(ctx, resourceType, filters)
	if err != nil {
		return nil, 0, err
	}
	results := make([]*VersionedResource, len(vertices))
	for i, v := range vertices {
		results[i] = versionedFromVertex(v)
	}
	return results, total, nil
}

// SearchAllTypes fans the same criteria out over the given types, or every
// supported type when none are named, clipping the accumulated results to
// limit. The total is the sum of per-type counts.
func (s *Versioning) SearchAllTypes(ctx context.Context, resourceTypes []string, criteria map[string]any, limit int) ([]*VersionedResource, int64, error) {
	if len(resourceTypes) == 0 {
		var err error
		resourceTypes, err = s.validator.ListSupportedTypes()
		if err != nil {
			return nil, 0, err
		}
	}

	perType := make([][]*VersionedResource, len(resourceTypes))
	counts := make([]int64, len(resourceTypes))
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(searchFanout)
	for i, rt := range resourceTypes {
		i, rt := i, rt
		grp.Go(func() error {
			results, total, err := s.Search(grpCtx, rt, criteria, limit, 0)
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

	var all []*VersionedResource
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

func filterSince(versions []*graph.Vertex, since time.Time) []*graph.Vertex {
	if since.IsZero() {
		return versions
	}
	cutoff := since.UTC().Format(graph.TimeLayout)
	kept := versions[:0]
	for _, v := range versions {
		if v.LastUpdated() > cutoff {
			kept = append(kept, v)
		}
	}
	return kept
}

func historyItems(versions []*graph.Vertex) []fhir.HistoryItem {
	items := make([]fhir.HistoryItem, len(versions))
	for i, v := range versions {
		items[i] = fhir.HistoryItem{
			ResourceType: v.Label,
			FhirID:       v.FHIRID(),
			VersionID:    v.VersionID(),
			LastUpdated:  v.LastUpdated(),
			Deleted:      v.IsDeleted(),
		}
		if !v.IsDeleted() && v.JSON() != "" {
			items[i].Resource = json.RawMessage(v.JSON())
		}
	}
	return items
}

// Package graph defines the backend-agnostic property-graph contract the
// resource layer is built on, together with a Gremlin Server implementation
// and an in-memory implementation for tests and single-node development.
//
// The contract deliberately never exposes backend-native edge identifiers:
// some engines use composite edge ids that cannot be round-tripped, so edge
// identity is always (label, outVertexID, inVertexID) and edge existence is
// proved by count.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Property names shared by every resource vertex.
const (
	PropResourceType  = "resourceType"
	PropID            = "id"
	PropJSON          = "json"
	PropVersionID     = "versionId"
	PropLastUpdated   = "lastUpdated"
	PropIsCurrent     = "isCurrent"
	PropIsDeleted     = "isDeleted"
	PropIsPlaceholder = "isPlaceholder"
	PropIdentifier    = "identifier"
)

// Edge labels. Reference edges are "fhir:ref:" + the dotted JSON path of the
// reference field that produced them.
const (
	SupersedesLabel = "supersedes"
	RefEdgePrefix   = "fhir:ref:"
)

// Edge property names for reference edges.
const (
	EdgePropPath       = "path"
	EdgePropTargetType = "targetResourceType"
	EdgePropTargetID   = "targetFhirId"
)

// TimeLayout renders lastUpdated fixed-width UTC so that lexicographic order
// on the backend equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Now renders the current instant in TimeLayout.
func Now() string {
	return time.Now().UTC().Format(TimeLayout)
}

// ErrNotFound reports that a vertex, version, or edge endpoint is absent.
var ErrNotFound = errors.New("graph: not found")

// BackendError wraps a transport or query failure from the graph backend.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("graph backend: %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func backendErr(op string, err error) error {
	return &BackendError{Op: op, Err: err}
}

// Vertex is a materialized vertex: opaque backend id, label, and a plain
// property map. Singleton list values from the backend are unwrapped to
// scalars; genuinely multi-valued properties stay slices.
type Vertex struct {
	ID    string
	Label string
	Props map[string]any
}

// StringProp returns the named property rendered as a string, or "" when the
// property is absent.
func (v *Vertex) StringProp(key string) string {
	val, ok := v.Props[key]
	if !ok || val == nil {
		return ""
	}
	if s, ok := val.(string); ok {
		return s
	}
	return fmt.Sprint(val)
}

// BoolProp returns the named property as a bool; absent or non-bool
// properties read false.
func (v *Vertex) BoolProp(key string) bool {
	val, ok := v.Props[key]
	if !ok {
		return false
	}
	switch b := val.(type) {
	case bool:
		return b
	case string:
		return b == "true"
	default:
		return false
	}
}

func (v *Vertex) FHIRID() string      { return v.StringProp(PropID) }
func (v *Vertex) JSON() string        { return v.StringProp(PropJSON) }
func (v *Vertex) VersionID() string   { return v.StringProp(PropVersionID) }
func (v *Vertex) LastUpdated() string { return v.StringProp(PropLastUpdated) }
func (v *Vertex) IsCurrent() bool     { return v.BoolProp(PropIsCurrent) }
func (v *Vertex) IsDeleted() bool     { return v.BoolProp(PropIsDeleted) }
func (v *Vertex) IsPlaceholder() bool { return v.BoolProp(PropIsPlaceholder) }

// VersionNumber parses versionId; 0 when absent or malformed.
func (v *Vertex) VersionNumber() int {
	n, err := strconv.Atoi(v.VersionID())
	if err != nil {
		return 0
	}
	return n
}

// Edge directions as seen from the vertex the edge list was asked for.
const (
	DirectionOut = "out"
	DirectionIn  = "in"
)

// Edge is one incident edge of a vertex. Other is the backend id of the far
// vertex; no edge id is ever surfaced.
type Edge struct {
	Direction string
	Label     string
	Other     string
	Props     map[string]any
}

// PropertyRef addresses a vertex by (label, key=value) instead of by id.
type PropertyRef struct {
	Label string
	Key   string
	Value any
}

// VersionRef is the outcome of a versioned write.
type VersionRef struct {
	GraphID     string
	VersionID   string
	LastUpdated time.Time
	// Supersedes is the graph id of the previously current vertex, empty on
	// the first version.
	Supersedes string
}

// Repo is the graph API every resource-layer component consumes.
//
// Mutating calls fail with *BackendError on I/O problems. Lookup calls
// return ErrNotFound (possibly wrapped) when the subject is absent.
type Repo interface {
	// Vertex CRUD.
	AddVertex(ctx context.Context, label string, props map[string]any) (*Vertex, error)
	AddVertexID(ctx context.Context, label string, props map[string]any) (string, error)
	GetVertexByID(ctx context.Context, id string) (*Vertex, error)
	UpdateVertexProperties(ctx context.Context, id string, props map[string]any) (bool, error)
	DeleteVertex(ctx context.Context, id string) (bool, error)
	CountVertices(ctx context.Context) (int64, error)
	DropAll(ctx context.Context) (int64, error)

	// Property-addressed vertex ops. Upsert applies props on both branches;
	// Ensure applies createProps only when the vertex is created, which is
	// what placeholder materialization needs.
	UpsertVertexByProperty(ctx context.Context, label, key string, value any, props map[string]any) (string, error)
	EnsureVertexByProperty(ctx context.Context, label, key string, value any, createProps map[string]any) (string, error)
	GetVertexByLabelProperty(ctx context.Context, label, key string, value any) (*Vertex, error)
	GetVertexIDByLabelProperty(ctx context.Context, label, key string, value any) (string, error)

	// Edges.
	AddEdge(ctx context.Context, label, outID, inID string, props map[string]any) error
	AddEdgeByProperty(ctx context.Context, label string, out, in PropertyRef, props map[string]any) error
	EdgeExists(ctx context.Context, label, outID, inID string) (bool, error)
	GetEdgesForVertex(ctx context.Context, id string) ([]Edge, error)

	// Label-scoped search and navigation.
	GetVerticesByLabel(ctx context.Context, label string, filters map[string]any, limit, offset int) ([]*Vertex, error)
	CountVerticesByLabel(ctx context.Context, label string, filters map[string]any) (int64, error)
	GetOutNeighbors(ctx context.Context, id, edgeLabel string, limit int) ([]*Vertex, error)
	GetInNeighbors(ctx context.Context, id, edgeLabel string, limit int) ([]*Vertex, error)
	// Traverse walks simple paths in both directions up to maxHops and
	// returns each reachable vertex once, excluding the start vertex.
	// Supersedes edges are never followed; edgeLabel restricts to one label.
	Traverse(ctx context.Context, id string, maxHops int, edgeLabel string, limit int) ([]*Vertex, error)

	// Versioning primitives.
	GetCurrentVersion(ctx context.Context, label, fhirID string) (*Vertex, error)
	GetVersion(ctx context.Context, label, fhirID, versionID string) (*Vertex, error)
	GetVersionHistory(ctx context.Context, label, fhirID string, limit int) ([]*Vertex, error)
	GetTypeHistory(ctx context.Context, label string, limit int) ([]*Vertex, error)
	GetTypeHistorySince(ctx context.Context, label string, since time.Time, limit int) ([]*Vertex, error)
	GetNextVersionNumber(ctx context.Context, label, fhirID string) (int, error)
	MarkVersionNonCurrent(ctx context.Context, label, fhirID string) error
	CreateSupersedesEdge(ctx context.Context, newID, oldID string) error
	CreateVersionedVertex(ctx context.Context, label, fhirID string, props map[string]any) (*VersionRef, error)
	CreateTombstone(ctx context.Context, label, fhirID string) (*VersionRef, error)
	DeleteAllVersions(ctx context.Context, label, fhirID string) (int, error)
	DeleteVersion(ctx context.Context, label, fhirID, versionID string) (bool, error)
}

// SortVersionsDesc orders version vertices newest-first: lastUpdated desc,
// ties broken by numeric versionId desc.
func SortVersionsDesc(versions []*Vertex) {
	sort.SliceStable(versions, func(i, j int) bool {
		a, b := versions[i], versions[j]
		if a.LastUpdated() != b.LastUpdated() {
			return a.LastUpdated() > b.LastUpdated()
		}
		return a.VersionNumber() > b.VersionNumber()
	})
}

// ClipVersions applies a limit after sorting; limit <= 0 means no limit.
func ClipVersions(versions []*Vertex, limit int) []*Vertex {
	if limit > 0 && len(versions) > limit {
		return versions[:limit]
	}
	return versions
}

// UnwrapSingletons normalizes a property map coming back from a backend that
// wraps every value in a list (Gremlin valueMap): one-element lists become
// scalars, longer lists are preserved.
func UnwrapSingletons(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = unwrapValue(v)
	}
	return out
}

func unwrapValue(v any) any {
	if list, ok := v.([]any); ok && len(list) == 1 {
		return list[0]
	}
	return v
}

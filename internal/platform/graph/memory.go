package graph

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MemoryRepo is a process-local Repo used by tests and by single-node
// development (GRAPH_BACKEND=memory). Lookup order is insertion order, which
// makes "first match" deterministic.
type MemoryRepo struct {
	mu       sync.RWMutex
	seq      int
	vertices map[string]*memVertex
	order    []string
	edges    []*memEdge
}

var _ Repo = (*MemoryRepo)(nil)

type memVertex struct {
	id    string
	label string
	props map[string]any
}

type memEdge struct {
	label string
	out   string
	in    string
	props map[string]any
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{vertices: make(map[string]*memVertex)}
}

func (m *MemoryRepo) snapshot(v *memVertex) *Vertex {
	return &Vertex{ID: v.id, Label: v.label, Props: UnwrapSingletons(copyProps(v.props))}
}

func copyProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		switch s := v.(type) {
		case []any:
			cp := make([]any, len(s))
			copy(cp, s)
			out[k] = cp
		case []string:
			cp := make([]string, len(s))
			copy(cp, s)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// matchValue compares a stored property against a filter value as strings;
// multi-valued properties match when any element matches.
func matchValue(stored, want any) bool {
	ws := fmt.Sprint(want)
	switch s := stored.(type) {
	case []any:
		for _, el := range s {
			if fmt.Sprint(el) == ws {
				return true
			}
		}
		return false
	case []string:
		for _, el := range s {
			if el == ws {
				return true
			}
		}
		return false
	default:
		return fmt.Sprint(stored) == ws
	}
}

func (v *memVertex) matches(filters map[string]any) bool {
	for k, want := range filters {
		stored, ok := v.props[k]
		if !ok || !matchValue(stored, want) {
			return false
		}
	}
	return true
}

func (m *MemoryRepo) addVertexLocked(label string, props map[string]any) *memVertex {
	m.seq++
	v := &memVertex{
		id:    strconv.Itoa(m.seq),
		label: label,
		props: copyProps(props),
	}
	m.vertices[v.id] = v
	m.order = append(m.order, v.id)
	return v
}

func (m *MemoryRepo) deleteVertexLocked(id string) {
	delete(m.vertices, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	// Edges never own vertices; incident edges go with the vertex.
	kept := m.edges[:0]
	for _, e := range m.edges {
		if e.out != id && e.in != id {
			kept = append(kept, e)
		}
	}
	m.edges = kept
}

// findLocked returns vertices with the label whose props match the filters,
// in insertion order.
func (m *MemoryRepo) findLocked(label string, filters map[string]any) []*memVertex {
	var out []*memVertex
	for _, id := range m.order {
		v := m.vertices[id]
		if v == nil || v.label != label {
			continue
		}
		if v.matches(filters) {
			out = append(out, v)
		}
	}
	return out
}

func (m *MemoryRepo) firstLocked(label, key string, value any) *memVertex {
	found := m.findLocked(label, map[string]any{key: value})
	if len(found) == 0 {
		return nil
	}
	return found[0]
}

func (m *MemoryRepo) AddVertex(ctx context.Context, label string, props map[string]any) (*Vertex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(m.addVertexLocked(label, props)), nil
}

func (m *MemoryRepo) AddVertexID(ctx context.Context, label string, props map[string]any) (string, error) {
	v, err := m.AddVertex(ctx, label, props)
	if err != nil {
		return "", err
	}
	return v.ID, nil
}

func (m *MemoryRepo) GetVertexByID(ctx context.Context, id string) (*Vertex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vertices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.snapshot(v), nil
}

func (m *MemoryRepo) UpdateVertexProperties(ctx context.Context, id string, props map[string]any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vertices[id]
	if !ok {
		return false, nil
	}
	for k, val := range copyProps(props) {
		v.props[k] = val
	}
	return true, nil
}

func (m *MemoryRepo) DeleteVertex(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vertices[id]; !ok {
		return false, nil
	}
	m.deleteVertexLocked(id)
	return true, nil
}

func (m *MemoryRepo) CountVertices(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.vertices)), nil
}

func (m *MemoryRepo) DropAll(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := int64(len(m.vertices))
	m.vertices = make(map[string]*memVertex)
	m.order = nil
	m.edges = nil
	return dropped, nil
}

func (m *MemoryRepo) UpsertVertexByProperty(ctx context.Context, label, key string, value any, props map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.firstLocked(label, key, value)
	if v == nil {
		v = m.addVertexLocked(label, map[string]any{key: value})
	}
	for k, val := range copyProps(props) {
		v.props[k] = val
	}
	return v.id, nil
}

func (m *MemoryRepo) EnsureVertexByProperty(ctx context.Context, label, key string, value any, createProps map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := m.firstLocked(label, key, value); v != nil {
		return v.id, nil
	}
	props := copyProps(createProps)
	props[key] = value
	return m.addVertexLocked(label, props).id, nil
}

func (m *MemoryRepo) GetVertexByLabelProperty(ctx context.Context, label, key string, value any) (*Vertex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v := m.firstLocked(label, key, value)
	if v == nil {
		return nil, ErrNotFound
	}
	return m.snapshot(v), nil
}

func (m *MemoryRepo) GetVertexIDByLabelProperty(ctx context.Context, label, key string, value any) (string, error) {
	v, err := m.GetVertexByLabelProperty(ctx, label, key, value)
	if err != nil {
		return "", err
	}
	return v.ID, nil
}

func (m *MemoryRepo) AddEdge(ctx context.Context, label, outID, inID string, props map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vertices[outID]; !ok {
		return fmt.Errorf("out vertex %s: %w", outID, ErrNotFound)
	}
	if _, ok := m.vertices[inID]; !ok {
		return fmt.Errorf("in vertex %s: %w", inID, ErrNotFound)
	}
	m.edges = append(m.edges, &memEdge{label: label, out: outID, in: inID, props: copyProps(props)})
	return nil
}

func (m *MemoryRepo) AddEdgeByProperty(ctx context.Context, label string, out, in PropertyRef, props map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ov := m.firstLocked(out.Label, out.Key, out.Value)
	if ov == nil {
		return fmt.Errorf("out vertex %s[%s=%v]: %w", out.Label, out.Key, out.Value, ErrNotFound)
	}
	iv := m.firstLocked(in.Label, in.Key, in.Value)
	if iv == nil {
		return fmt.Errorf("in vertex %s[%s=%v]: %w", in.Label, in.Key, in.Value, ErrNotFound)
	}
	m.edges = append(m.edges, &memEdge{label: label, out: ov.id, in: iv.id, props: copyProps(props)})
	return nil
}

func (m *MemoryRepo) EdgeExists(ctx context.Context, label, outID, inID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.edges {
		if e.label == label && e.out == outID && e.in == inID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepo) GetEdgesForVertex(ctx context.Context, id string) ([]Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.vertices[id]; !ok {
		return nil, ErrNotFound
	}
	var out []Edge
	for _, e := range m.edges {
		switch id {
		case e.out:
			out = append(out, Edge{Direction: DirectionOut, Label: e.label, Other: e.in, Props: copyProps(e.props)})
		case e.in:
			out = append(out, Edge{Direction: DirectionIn, Label: e.label, Other: e.out, Props: copyProps(e.props)})
		}
	}
	return out, nil
}

func (m *MemoryRepo) GetVerticesByLabel(ctx context.Context, label string, filters map[string]any, limit, offset int) ([]*Vertex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	found := m.findLocked(label, filters)
	if offset > 0 {
		if offset >= len(found) {
			return nil, nil
		}
		found = found[offset:]
	}
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	out := make([]*Vertex, len(found))
	for i, v := range found {
		out[i] = m.snapshot(v)
	}
	return out, nil
}

func (m *MemoryRepo) CountVerticesByLabel(ctx context.Context, label string, filters map[string]any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.findLocked(label, filters))), nil
}

func (m *MemoryRepo) GetOutNeighbors(ctx context.Context, id, edgeLabel string, limit int) ([]*Vertex, error) {
	return m.neighbors(ctx, id, edgeLabel, DirectionOut, limit)
}

func (m *MemoryRepo) GetInNeighbors(ctx context.Context, id, edgeLabel string, limit int) ([]*Vertex, error) {
	return m.neighbors(ctx, id, edgeLabel, DirectionIn, limit)
}

func (m *MemoryRepo) neighbors(ctx context.Context, id, edgeLabel, direction string, limit int) ([]*Vertex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var out []*Vertex
	for _, e := range m.edges {
		if edgeLabel != "" && e.label != edgeLabel {
			continue
		}
		var other string
		if direction == DirectionOut && e.out == id {
			other = e.in
		} else if direction == DirectionIn && e.in == id {
			other = e.out
		} else {
			continue
		}
		if seen[other] {
			continue
		}
		seen[other] = true
		if v, ok := m.vertices[other]; ok {
			out = append(out, m.snapshot(v))
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryRepo) Traverse(ctx context.Context, id string, maxHops int, edgeLabel string, limit int) ([]*Vertex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.vertices[id]; !ok {
		return nil, nil
	}
	visited := map[string]bool{id: true}
	frontier := []string{id}
	var out []*Vertex
	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, vid := range frontier {
			for _, e := range m.edges {
				if edgeLabel != "" {
					if e.label != edgeLabel {
						continue
					}
				} else if e.label == SupersedesLabel {
					continue
				}
				var other string
				switch vid {
				case e.out:
					other = e.in
				case e.in:
					other = e.out
				default:
					continue
				}
				if visited[other] {
					continue
				}
				visited[other] = true
				next = append(next, other)
				if v, ok := m.vertices[other]; ok {
					out = append(out, m.snapshot(v))
					if limit > 0 && len(out) >= limit {
						return out, nil
					}
				}
			}
		}
		frontier = next
	}
	return out, nil
}

// --- versioning primitives ---

func (m *MemoryRepo) versionsLocked(label, fhirID string) []*memVertex {
	var out []*memVertex
	for _, v := range m.findLocked(label, map[string]any{PropID: fhirID}) {
		if _, ok := v.props[PropVersionID]; ok {
			out = append(out, v)
		}
	}
	return out
}

func (m *MemoryRepo) currentLocked(label, fhirID string) *memVertex {
	for _, v := range m.versionsLocked(label, fhirID) {
		if cur, ok := v.props[PropIsCurrent].(bool); ok && cur {
			return v
		}
	}
	return nil
}

func (m *MemoryRepo) GetCurrentVersion(ctx context.Context, label, fhirID string) (*Vertex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v := m.currentLocked(label, fhirID)
	if v == nil {
		return nil, ErrNotFound
	}
	return m.snapshot(v), nil
}

func (m *MemoryRepo) GetVersion(ctx context.Context, label, fhirID, versionID string) (*Vertex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.versionsLocked(label, fhirID) {
		if fmt.Sprint(v.props[PropVersionID]) == versionID {
			return m.snapshot(v), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepo) GetVersionHistory(ctx context.Context, label, fhirID string, limit int) ([]*Vertex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	versions := m.versionsLocked(label, fhirID)
	out := make([]*Vertex, len(versions))
	for i, v := range versions {
		out[i] = m.snapshot(v)
	}
	m.mu.RUnlock()
	SortVersionsDesc(out)
	return ClipVersions(out, limit), nil
}

func (m *MemoryRepo) GetTypeHistory(ctx context.Context, label string, limit int) ([]*Vertex, error) {
	return m.GetTypeHistorySince(ctx, label, time.Time{}, limit)
}

func (m *MemoryRepo) GetTypeHistorySince(ctx context.Context, label string, since time.Time, limit int) ([]*Vertex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sinceStr := ""
	if !since.IsZero() {
		sinceStr = since.UTC().Format(TimeLayout)
	}
	m.mu.RLock()
	var out []*Vertex
	for _, id := range m.order {
		v := m.vertices[id]
		if v == nil || v.label != label {
			continue
		}
		if _, ok := v.props[PropVersionID]; !ok {
			continue
		}
		if sinceStr != "" && fmt.Sprint(v.props[PropLastUpdated]) <= sinceStr {
			continue
		}
		out = append(out, m.snapshot(v))
	}
	m.mu.RUnlock()
	SortVersionsDesc(out)
	return ClipVersions(out, limit), nil
}

func (m *MemoryRepo) nextVersionLocked(label, fhirID string) int {
	max := 0
	for _, v := range m.versionsLocked(label, fhirID) {
		if n, err := strconv.Atoi(fmt.Sprint(v.props[PropVersionID])); err == nil && n > max {
			max = n
		}
	}
	return max + 1
}

func (m *MemoryRepo) GetNextVersionNumber(ctx context.Context, label, fhirID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextVersionLocked(label, fhirID), nil
}

func (m *MemoryRepo) MarkVersionNonCurrent(ctx context.Context, label, fhirID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := m.currentLocked(label, fhirID); v != nil {
		v.props[PropIsCurrent] = false
	}
	return nil
}

func (m *MemoryRepo) CreateSupersedesEdge(ctx context.Context, newID, oldID string) error {
	return m.AddEdge(ctx, SupersedesLabel, newID, oldID, nil)
}

func (m *MemoryRepo) CreateVersionedVertex(ctx context.Context, label, fhirID string, props map[string]any) (*VersionRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createVersionLocked(label, fhirID, props, false)
}

func (m *MemoryRepo) CreateTombstone(ctx context.Context, label, fhirID string) (*VersionRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.versionsLocked(label, fhirID)) == 0 {
		return nil, ErrNotFound
	}
	return m.createVersionLocked(label, fhirID, nil, true)
}

func (m *MemoryRepo) createVersionLocked(label, fhirID string, props map[string]any, tombstone bool) (*VersionRef, error) {
	next := m.nextVersionLocked(label, fhirID)

	var oldID string
	if old := m.currentLocked(label, fhirID); old != nil {
		old.props[PropIsCurrent] = false
		oldID = old.id
	}

	now := time.Now().UTC()
	all := copyProps(props)
	all[PropResourceType] = label
	all[PropID] = fhirID
	all[PropVersionID] = strconv.Itoa(next)
	all[PropLastUpdated] = now.Format(TimeLayout)
	all[PropIsCurrent] = true
	all[PropIsDeleted] = tombstone
	if tombstone {
		delete(all, PropJSON)
	}

	// A placeholder created for a dangling reference is upgraded in place by
	// the first real version so existing edges keep their target.
	var v *memVertex
	if next == 1 {
		if ph := m.firstLocked(label, PropID, fhirID); ph != nil {
			if flag, ok := ph.props[PropIsPlaceholder].(bool); ok && flag {
				all[PropIsPlaceholder] = false
				for k, val := range all {
					ph.props[k] = val
				}
				v = ph
			}
		}
	}
	if v == nil {
		v = m.addVertexLocked(label, all)
	}

	if oldID != "" {
		m.edges = append(m.edges, &memEdge{label: SupersedesLabel, out: v.id, in: oldID})
	}

	return &VersionRef{
		GraphID:     v.id,
		VersionID:   strconv.Itoa(next),
		LastUpdated: now,
		Supersedes:  oldID,
	}, nil
}

func (m *MemoryRepo) DeleteAllVersions(ctx context.Context, label, fhirID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := m.findLocked(label, map[string]any{PropID: fhirID})
	for _, v := range matched {
		m.deleteVertexLocked(v.id)
	}
	return len(matched), nil
}

func (m *MemoryRepo) DeleteVersion(ctx context.Context, label, fhirID, versionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versionsLocked(label, fhirID) {
		if fmt.Sprint(v.props[PropVersionID]) == versionID {
			m.deleteVertexLocked(v.id)
			return true, nil
		}
	}
	return false, nil
}

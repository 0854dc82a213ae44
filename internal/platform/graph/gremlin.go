package graph

import (
	"context"
	"fmt"
	"strconv"

	gremlingo "github.com/apache/tinkerpop/gremlin-go/v3/driver"
	"github.com/rs/zerolog"
)

// GremlinConfig carries the connection settings for a Gremlin Server.
type GremlinConfig struct {
	Endpoint     string // ws(s)://host:port/gremlin
	Username     string
	Password     string
	PoolSize     int
	MaxInProcess int
}

// GremlinRepo implements Repo against an Apache TinkerPop Gremlin Server.
//
// The driver does not thread a context through individual traversals, so
// cancellation is honored at operation entry; an in-flight query runs to
// completion on the server.
type GremlinRepo struct {
	conn *gremlingo.DriverRemoteConnection
	g    *gremlingo.GraphTraversalSource
	log  zerolog.Logger
}

var _ Repo = (*GremlinRepo)(nil)

func NewGremlinRepo(cfg GremlinConfig, log zerolog.Logger) (*GremlinRepo, error) {
	conn, err := gremlingo.NewDriverRemoteConnection(cfg.Endpoint,
		func(settings *gremlingo.DriverRemoteConnectionSettings) {
			if cfg.PoolSize > 0 {
				settings.MaximumConcurrentConnections = cfg.PoolSize
			}
			if cfg.MaxInProcess > 0 {
				settings.NewConnectionThreshold = cfg.MaxInProcess
			}
			if cfg.Username != "" {
				settings.AuthInfo = gremlingo.BasicAuthInfo(cfg.Username, cfg.Password)
			}
		})
	if err != nil {
		return nil, backendErr("connect", err)
	}
	return &GremlinRepo{
		conn: conn,
		g:    gremlingo.Traversal_().WithRemote(conn),
		log:  log.With().Str("component", "graph").Logger(),
	}, nil
}

func (r *GremlinRepo) Close() {
	r.conn.Close()
}

// nativeID maps the portable string id back to the backend's id type.
// JanusGraph and TinkerGraph hand out numeric ids; Neptune hands out strings.
func nativeID(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

// vertexFromValueMap decodes a valueMap(true) row. Token keys (id, label)
// are non-string typed; property keys are strings whose values arrive as
// lists and are unwrapped when single-valued.
func vertexFromValueMap(data any) (*Vertex, error) {
	m, ok := data.(map[any]any)
	if !ok {
		return nil, fmt.Errorf("unexpected value map shape %T", data)
	}
	v := &Vertex{Props: make(map[string]any, len(m))}
	for k, raw := range m {
		if key, isString := k.(string); isString {
			v.Props[key] = unwrapValue(raw)
			continue
		}
		switch fmt.Sprint(k) {
		case "id":
			v.ID = fmt.Sprint(unwrapValue(raw))
		case "label":
			v.Label = fmt.Sprint(unwrapValue(raw))
		}
	}
	return v, nil
}

func verticesFromResults(rows []*gremlingo.Result) ([]*Vertex, error) {
	out := make([]*Vertex, 0, len(rows))
	for _, row := range rows {
		v, err := vertexFromValueMap(row.GetInterface())
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// applyVertexProps chains property steps. Slice values replace any previous
// values with list cardinality; scalars overwrite with single cardinality.
func applyVertexProps(t *gremlingo.GraphTraversal, props map[string]any) *gremlingo.GraphTraversal {
	for k, v := range props {
		switch vals := v.(type) {
		case []string:
			t = t.SideEffect(gremlingo.T__.Properties(k).Drop())
			for _, el := range vals {
				t = t.Property(gremlingo.Cardinality.List, k, el)
			}
		case []any:
			t = t.SideEffect(gremlingo.T__.Properties(k).Drop())
			for _, el := range vals {
				t = t.Property(gremlingo.Cardinality.List, k, el)
			}
		default:
			t = t.Property(gremlingo.Cardinality.Single, k, v)
		}
	}
	return t
}

func applyEdgeProps(t *gremlingo.GraphTraversal, props map[string]any) *gremlingo.GraphTraversal {
	for k, v := range props {
		t = t.Property(k, v)
	}
	return t
}

func (r *GremlinRepo) vertexExists(id string) (bool, error) {
	return r.g.V(nativeID(id)).HasNext()
}

func (r *GremlinRepo) AddVertex(ctx context.Context, label string, props map[string]any) (*Vertex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := applyVertexProps(r.g.AddV(label), props)
	res, err := t.ValueMap(true).Next()
	if err != nil {
		return nil, backendErr("add vertex", err)
	}
	return vertexFromValueMap(res.GetInterface())
}

func (r *GremlinRepo) AddVertexID(ctx context.Context, label string, props map[string]any) (string, error) {
	v, err := r.AddVertex(ctx, label, props)
	if err != nil {
		return "", err
	}
	return v.ID, nil
}

func (r *GremlinRepo) GetVertexByID(ctx context.Context, id string) (*Vertex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := r.g.V(nativeID(id)).ValueMap(true).ToList()
	if err != nil {
		return nil, backendErr("get vertex", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return vertexFromValueMap(rows[0].GetInterface())
}

func (r *GremlinRepo) UpdateVertexProperties(ctx context.Context, id string, props map[string]any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists, err := r.vertexExists(id)
	if err != nil {
		return false, backendErr("update vertex", err)
	}
	if !exists {
		return false, nil
	}
	t := applyVertexProps(r.g.V(nativeID(id)), props)
	if err := <-t.Iterate(); err != nil {
		return false, backendErr("update vertex", err)
	}
	return true, nil
}

func (r *GremlinRepo) DeleteVertex(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists, err := r.vertexExists(id)
	if err != nil {
		return false, backendErr("delete vertex", err)
	}
	if !exists {
		return false, nil
	}
	if err := <-r.g.V(nativeID(id)).Drop().Iterate(); err != nil {
		return false, backendErr("delete vertex", err)
	}
	return true, nil
}

func (r *GremlinRepo) CountVertices(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	res, err := r.g.V().Count().Next()
	if err != nil {
		return 0, backendErr("count vertices", err)
	}
	n, err := res.GetInt()
	if err != nil {
		return 0, backendErr("count vertices", err)
	}
	return int64(n), nil
}

func (r *GremlinRepo) DropAll(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count, err := r.CountVertices(ctx)
	if err != nil {
		return 0, err
	}
	if err := <-r.g.V().Drop().Iterate(); err != nil {
		return 0, backendErr("drop all", err)
	}
	return count, nil
}

func (r *GremlinRepo) UpsertVertexByProperty(ctx context.Context, label, key string, value any, props map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t := r.g.V().Has(label, key, value).Fold().
		Coalesce(gremlingo.T__.Unfold(), gremlingo.T__.AddV(label).Property(key, value))
	t = applyVertexProps(t, props)
	res, err := t.Id().Next()
	if err != nil {
		return "", backendErr("upsert vertex", err)
	}
	return fmt.Sprint(res.GetInterface()), nil
}

func (r *GremlinRepo) EnsureVertexByProperty(ctx context.Context, label, key string, value any, createProps map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	add := gremlingo.T__.AddV(label).Property(key, value)
	add = applyVertexProps(add, createProps)
	res, err := r.g.V().Has(label, key, value).Fold().
		Coalesce(gremlingo.T__.Unfold(), add).
		Id().Next()
	if err != nil {
		return "", backendErr("ensure vertex", err)
	}
	return fmt.Sprint(res.GetInterface()), nil
}

func (r *GremlinRepo) GetVertexByLabelProperty(ctx context.Context, label, key string, value any) (*Vertex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := r.g.V().Has(label, key, value).Limit(1).ValueMap(true).ToList()
	if err != nil {
		return nil, backendErr("get vertex by property", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return vertexFromValueMap(rows[0].GetInterface())
}

func (r *GremlinRepo) GetVertexIDByLabelProperty(ctx context.Context, label, key string, value any) (string, error) {
	v, err := r.GetVertexByLabelProperty(ctx, label, key, value)
	if err != nil {
		return "", err
	}
	return v.ID, nil
}

func (r *GremlinRepo) AddEdge(ctx context.Context, label, outID, inID string, props map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, id := range []string{outID, inID} {
		exists, err := r.vertexExists(id)
		if err != nil {
			return backendErr("add edge", err)
		}
		if !exists {
			return fmt.Errorf("edge endpoint %s: %w", id, ErrNotFound)
		}
	}
	t := r.g.V(nativeID(outID)).AddE(label).To(gremlingo.T__.V(nativeID(inID)))
	t = applyEdgeProps(t, props)
	if err := <-t.Iterate(); err != nil {
		return backendErr("add edge", err)
	}
	return nil
}

func (r *GremlinRepo) AddEdgeByProperty(ctx context.Context, label string, out, in PropertyRef, props map[string]any) error {
	outID, err := r.GetVertexIDByLabelProperty(ctx, out.Label, out.Key, out.Value)
	if err != nil {
		return err
	}
	inID, err := r.GetVertexIDByLabelProperty(ctx, in.Label, in.Key, in.Value)
	if err != nil {
		return err
	}
	return r.AddEdge(ctx, label, outID, inID, props)
}

func (r *GremlinRepo) EdgeExists(ctx context.Context, label, outID, inID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	res, err := r.g.V(nativeID(outID)).OutE(label).InV().HasId(nativeID(inID)).Count().Next()
	if err != nil {
		return false, backendErr("edge exists", err)
	}
	n, err := res.GetInt()
	if err != nil {
		return false, backendErr("edge exists", err)
	}
	return n > 0, nil
}

func (r *GremlinRepo) GetEdgesForVertex(ctx context.Context, id string) ([]Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	exists, err := r.vertexExists(id)
	if err != nil {
		return nil, backendErr("get edges", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	var edges []Edge
	outRows, err := r.g.V(nativeID(id)).OutE().
		Project("label", "other", "props").
		By(gremlingo.T__.Label()).
		By(gremlingo.T__.InV().Id()).
		By(gremlingo.T__.ValueMap()).
		ToList()
	if err != nil {
		return nil, backendErr("get edges", err)
	}
	for _, row := range outRows {
		e, err := edgeFromProjection(row.GetInterface(), DirectionOut)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}

	inRows, err := r.g.V(nativeID(id)).InE().
		Project("label", "other", "props").
		By(gremlingo.T__.Label()).
		By(gremlingo.T__.OutV().Id()).
		By(gremlingo.T__.ValueMap()).
		ToList()
	if err != nil {
		return nil, backendErr("get edges", err)
	}
	for _, row := range inRows {
		e, err := edgeFromProjection(row.GetInterface(), DirectionIn)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, nil
}

func edgeFromProjection(data any, direction string) (Edge, error) {
	m, ok := data.(map[any]any)
	if !ok {
		return Edge{}, fmt.Errorf("unexpected edge projection shape %T", data)
	}
	e := Edge{Direction: direction, Props: map[string]any{}}
	for k, raw := range m {
		switch fmt.Sprint(k) {
		case "label":
			e.Label = fmt.Sprint(raw)
		case "other":
			e.Other = fmt.Sprint(raw)
		case "props":
			if pm, ok := raw.(map[any]any); ok {
				for pk, pv := range pm {
					e.Props[fmt.Sprint(pk)] = unwrapValue(pv)
				}
			}
		}
	}
	return e, nil
}

func (r *GremlinRepo) GetVerticesByLabel(ctx context.Context, label string, filters map[string]any, limit, offset int) ([]*Vertex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := r.g.V().HasLabel(label)
	for k, v := range filters {
		t = t.Has(k, v)
	}
	if offset > 0 || limit > 0 {
		hi := offset + limit
		if limit <= 0 {
			hi = -1
		}
		t = t.Range(offset, hi)
	}
	rows, err := t.ValueMap(true).ToList()
	if err != nil {
		return nil, backendErr("vertices by label", err)
	}
	return verticesFromResults(rows)
}

func (r *GremlinRepo) CountVerticesByLabel(ctx context.Context, label string, filters map[string]any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t := r.g.V().HasLabel(label)
	for k, v := range filters {
		t = t.Has(k, v)
	}
	res, err := t.Count().Next()
	if err != nil {
		return 0, backendErr("count by label", err)
	}
	n, err := res.GetInt()
	if err != nil {
		return 0, backendErr("count by label", err)
	}
	return int64(n), nil
}

func (r *GremlinRepo) GetOutNeighbors(ctx context.Context, id, edgeLabel string, limit int) ([]*Vertex, error) {
	return r.neighbors(ctx, id, edgeLabel, DirectionOut, limit)
}

func (r *GremlinRepo) GetInNeighbors(ctx context.Context, id, edgeLabel string, limit int) ([]*Vertex, error) {
	return r.neighbors(ctx, id, edgeLabel, DirectionIn, limit)
}

func (r *GremlinRepo) neighbors(ctx context.Context, id, edgeLabel, direction string, limit int) ([]*Vertex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := r.g.V(nativeID(id))
	switch {
	case direction == DirectionOut && edgeLabel != "":
		t = t.Out(edgeLabel)
	case direction == DirectionOut:
		t = t.Out()
	case edgeLabel != "":
		t = t.In(edgeLabel)
	default:
		t = t.In()
	}
	t = t.Dedup()
	if limit > 0 {
		t = t.Limit(limit)
	}
	rows, err := t.ValueMap(true).ToList()
	if err != nil {
		return nil, backendErr("neighbors", err)
	}
	return verticesFromResults(rows)
}

func (r *GremlinRepo) Traverse(ctx context.Context, id string, maxHops int, edgeLabel string, limit int) ([]*Vertex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var step *gremlingo.GraphTraversal
	if edgeLabel != "" {
		step = gremlingo.T__.Both(edgeLabel).SimplePath()
	} else {
		step = gremlingo.T__.BothE().HasLabel(gremlingo.P.Neq(SupersedesLabel)).OtherV().SimplePath()
	}
	t := r.g.V(nativeID(id)).Repeat(step).Emit().Times(maxHops).Dedup()
	if limit > 0 {
		t = t.Limit(limit)
	}
	rows, err := t.ValueMap(true).ToList()
	if err != nil {
		return nil, backendErr("traverse", err)
	}
	return verticesFromResults(rows)
}

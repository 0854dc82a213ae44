// Package graphapi exposes the non-versioned graph surface: direct resource
// upserts, reference and neighborhood inspection, and admin operations.
package graphapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fhirgraph/fhirgraph/internal/domain/resource"
	"github.com/fhirgraph/fhirgraph/internal/platform/fhir"
	"github.com/fhirgraph/fhirgraph/internal/platform/graph"
	"github.com/fhirgraph/fhirgraph/pkg/pagination"
)

const (
	defaultTraverseHops  = 2
	maxTraverseHops      = 5
	defaultNeighborLimit = 50
	statsFanout          = 8
)

// Handler serves the /graph endpoint group. Resources written here are
// upserted in place with no version chain; reads and writes identify
// resources by (type, id) exactly like the FHIR surface.
type Handler struct {
	repo        graph.Repo
	persistence *resource.Persistence
	validator   *fhir.Validator
	log         zerolog.Logger
}

func NewHandler(repo graph.Repo, persistence *resource.Persistence, validator *fhir.Validator, log zerolog.Logger) *Handler {
	return &Handler{
		repo:        repo,
		persistence: persistence,
		validator:   validator,
		log:         log.With().Str("component", "graphapi").Logger(),
	}
}

func (h *Handler) Register(g *echo.Group) {
	g.GET("/stats", h.Stats)
	g.GET("/_search", h.SearchAll)
	g.DELETE("", h.Wipe)
	g.DELETE("/", h.Wipe)

	g.GET("/:type", h.Search)
	g.POST("/:type", h.Upsert)
	g.GET("/:type/:id", h.Get)
	g.DELETE("/:type/:id", h.Delete)
	g.GET("/:type/:id/references", h.References)
	g.GET("/:type/:id/neighbors", h.Neighbors)
	g.GET("/:type/:id/traverse", h.Traverse)
}

// Upsert validates and stores a resource, replacing any prior body under the
// same (type, id). materializeReferences builds reference edges for the body;
// allowPlaceholders additionally creates placeholder targets for references
// that do not resolve yet.
func (h *Handler) Upsert(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil || len(body) == 0 {
		return h.writeError(c, fmt.Errorf("%w: empty or unreadable request body", resource.ErrValidation))
	}
	materialize := c.QueryParam("materializeReferences") == "true"
	placeholders := c.QueryParam("allowPlaceholders") == "true"

	result, err := h.persistence.ValidateAndPersist(c.Request().Context(), body, c.Param("type"), materialize, placeholders)
	if err != nil {
		return h.writeError(c, err)
	}

	header := c.Response().Header()
	header.Set("ETag", fhir.WeakETag(result.GraphID))
	if result.FhirID != "" {
		header.Set("Location", "/graph/"+result.ResourceType+"/"+result.FhirID)
	}
	return c.JSON(http.StatusCreated, result)
}

func (h *Handler) Get(c echo.Context) error {
	stored, err := h.persistence.Get(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSONBlob(http.StatusOK, []byte(stored))
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.persistence.Delete(c.Request().Context(), c.Param("type"), c.Param("id")); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ReferenceInfo is one outgoing materialized reference.
type ReferenceInfo struct {
	Path               string `json:"path"`
	TargetResourceType string `json:"targetResourceType"`
	TargetFhirID       string `json:"targetFhirId"`
}

// References lists the outgoing reference edges of a resource, one entry per
// distinct (path, target).
func (h *Handler) References(c echo.Context) error {
	id, err := h.resolveGraphID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	edges, err := h.repo.GetEdgesForVertex(c.Request().Context(), id)
	if err != nil {
		return h.writeError(c, err)
	}

	refs := make([]ReferenceInfo, 0)
	seen := make(map[string]bool)
	for _, e := range edges {
		if e.Direction != graph.DirectionOut || !strings.HasPrefix(e.Label, graph.RefEdgePrefix) {
			continue
		}
		info := ReferenceInfo{
			Path:               stringProp(e.Props, graph.EdgePropPath),
			TargetResourceType: stringProp(e.Props, graph.EdgePropTargetType),
			TargetFhirID:       stringProp(e.Props, graph.EdgePropTargetID),
		}
		key := info.Path + "|" + info.TargetResourceType + "|" + info.TargetFhirID
		if seen[key] {
			continue
		}
		seen[key] = true
		refs = append(refs, info)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"resourceType": c.Param("type"),
		"id":           c.Param("id"),
		"references":   refs,
	})
}

func (h *Handler) Neighbors(c echo.Context) error {
	id, err := h.resolveGraphID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	limit := intParam(c, "limit", defaultNeighborLimit)
	label := c.QueryParam("label")

	var vertices []*graph.Vertex
	switch c.QueryParam("dir") {
	case "in":
		vertices, err = h.repo.GetInNeighbors(c.Request().Context(), id, label, limit)
	case "out", "":
		vertices, err = h.repo.GetOutNeighbors(c.Request().Context(), id, label, limit)
	default:
		return h.writeError(c, fmt.Errorf("%w: dir must be in or out", resource.ErrValidation))
	}
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, vertexSummaries(vertices))
}

func (h *Handler) Traverse(c echo.Context) error {
	id, err := h.resolveGraphID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	hops := intParam(c, "hops", defaultTraverseHops)
	if hops > maxTraverseHops {
		hops = maxTraverseHops
	}
	limit := intParam(c, "limit", defaultNeighborLimit)

	vertices, err := h.repo.Traverse(c.Request().Context(), id, hops, c.QueryParam("label"), limit)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, vertexSummaries(vertices))
}

func (h *Handler) Search(c echo.Context) error {
	pg := pagination.FromContext(c)
	results, total, err := h.persistence.Search(c.Request().Context(), c.Param("type"), searchFilters(c), pg.Limit, pg.Offset)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"total":   total,
		"results": results,
	})
}

func (h *Handler) SearchAll(c echo.Context) error {
	pg := pagination.FromContext(c)
	var types []string
	if raw := c.QueryParam("_type"); raw != "" {
		types = strings.Split(raw, ",")
	}
	results, total, err := h.persistence.SearchAllTypes(c.Request().Context(), types, searchFilters(c), pg.Limit)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"total":   total,
		"results": results,
	})
}

// Stats reports per-type vertex counts and the grand total.
func (h *Handler) Stats(c echo.Context) error {
	types, err := h.validator.ListSupportedTypes()
	if err != nil {
		return h.writeError(c, err)
	}

	counts := make([]int64, len(types))
	grp, grpCtx := errgroup.WithContext(c.Request().Context())
	grp.SetLimit(statsFanout)
	for i, rt := range types {
		i, rt := i, rt
		grp.Go(func() error {
			n, err := h.repo.CountVerticesByLabel(grpCtx, rt, nil)
			if err != nil {
				return err
			}
			counts[i] = n
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return h.writeError(c, err)
	}

	total, err := h.repo.CountVertices(c.Request().Context())
	if err != nil {
		return h.writeError(c, err)
	}

	byType := make(map[string]int64)
	for i, rt := range types {
		if counts[i] > 0 {
			byType[rt] = counts[i]
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"totalVertices": total,
		"byType":        byType,
	})
}

// Wipe drops every vertex and edge. The confirm flag is mandatory.
func (h *Handler) Wipe(c echo.Context) error {
	if c.QueryParam("confirm") != "true" {
		return h.writeError(c, fmt.Errorf("%w: pass confirm=true to wipe the graph", resource.ErrValidation))
	}
	dropped, err := h.repo.DropAll(c.Request().Context())
	if err != nil {
		return h.writeError(c, err)
	}
	h.log.Warn().Int64("dropped", dropped).Msg("graph wiped")
	return c.JSON(http.StatusOK, map[string]any{"droppedVertices": dropped})
}

// --- helpers ---

func (h *Handler) writeError(c echo.Context, err error) error {
	status := resource.StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
	}
	return c.JSON(status, resource.OutcomeFor(err))
}

func (h *Handler) resolveGraphID(c echo.Context) (string, error) {
	id, err := h.repo.GetVertexIDByLabelProperty(c.Request().Context(), c.Param("type"), graph.PropID, c.Param("id"))
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return "", fmt.Errorf("%s/%s: %w", c.Param("type"), c.Param("id"), resource.ErrNotFound)
		}
		return "", err
	}
	return id, nil
}

func searchFilters(c echo.Context) map[string]any {
	filters := make(map[string]any)
	if v := c.QueryParam("_id"); v != "" {
		filters[graph.PropID] = v
	}
	if v := c.QueryParam("identifier"); v != "" {
		filters[graph.PropIdentifier] = v
	}
	return filters
}

func intParam(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func stringProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

// VertexSummary is a neighbor or traversal hit without the raw body.
type VertexSummary struct {
	GraphID       string `json:"graphId"`
	ResourceType  string `json:"resourceType"`
	FhirID        string `json:"fhirId,omitempty"`
	VersionID     string `json:"versionId,omitempty"`
	IsPlaceholder bool   `json:"isPlaceholder,omitempty"`
	IsDeleted     bool   `json:"isDeleted,omitempty"`
}

func vertexSummaries(vertices []*graph.Vertex) []VertexSummary {
	out := make([]VertexSummary, len(vertices))
	for i, v := range vertices {
		out[i] = VertexSummary{
			GraphID:       v.ID,
			ResourceType:  v.Label,
			FhirID:        v.FHIRID(),
			VersionID:     v.VersionID(),
			IsPlaceholder: v.IsPlaceholder(),
			IsDeleted:     v.IsDeleted(),
		}
	}
	return out
}

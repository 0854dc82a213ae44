package resource

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirgraph/fhirgraph/internal/platform/fhir"
	"github.com/fhirgraph/fhirgraph/internal/platform/graph"
	"github.com/fhirgraph/fhirgraph/pkg/pagination"
)

// Content types accepted on write endpoints.
const (
	ContentTypeFHIRJSON   = "application/fhir+json"
	ContentTypeJSON       = "application/json"
	ContentTypeJSONPatch  = "application/json-patch+json"
	ContentTypeMergePatch = "application/merge-patch+json"
)

// everythingMaxHops bounds the compartment traversal of $everything.
const everythingMaxHops = 3

// Handler is the HTTP facade of the FHIR surface. It owns status codes,
// Location/ETag/Last-Modified headers, and OperationOutcome bodies; all
// semantics live in the services underneath.
type Handler struct {
	versioning  *Versioning
	conditional *Conditional
	validator   *fhir.Validator
	baseURL     string
	fhirVersion string
	log         zerolog.Logger
}

func NewHandler(versioning *Versioning, conditional *Conditional, validator *fhir.Validator, baseURL, fhirVersion string, log zerolog.Logger) *Handler {
	return &Handler{
		versioning:  versioning,
		conditional: conditional,
		validator:   validator,
		baseURL:     strings.TrimRight(baseURL, "/"),
		fhirVersion: fhirVersion,
		log:         log.With().Str("component", "fhir-handler").Logger(),
	}
}

// Register wires the FHIR endpoint group. The bundle endpoint (POST at the
// group root) is registered by the bundle package on the same group.
func (h *Handler) Register(g *echo.Group) {
	g.GET("/metadata", h.Metadata)
	g.GET("/_history", h.SystemHistory)
	g.GET("/_search", h.SystemSearch)

	g.GET("/:type", h.SearchType)
	g.POST("/:type", h.Create)
	g.PUT("/:type", h.ConditionalUpdate)
	g.DELETE("/:type", h.ConditionalDelete)
	g.PATCH("/:type", h.ConditionalPatch)
	g.GET("/:type/_history", h.TypeHistory)
	g.POST("/:type/$validate", h.Validate)

	g.GET("/:type/:id", h.Read)
	g.PUT("/:type/:id", h.Update)
	g.DELETE("/:type/:id", h.Delete)
	g.PATCH("/:type/:id", h.Patch)
	g.GET("/:type/:id/$everything", h.Everything)

	g.GET("/:type/:id/_history", h.InstanceHistory)
	g.DELETE("/:type/:id/_history", h.Purge)
	g.GET("/:type/:id/_history/:vid", h.VRead)
	g.DELETE("/:type/:id/_history/:vid", h.DeleteVersion)
}

func (h *Handler) Metadata(c echo.Context) error {
	statement, err := CapabilityStatement(h.validator, h.baseURL, h.fhirVersion)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, statement)
}

func (h *Handler) Create(c echo.Context) error {
	resourceType := c.Param("type")
	body, err := readBody(c)
	if err != nil {
		return h.writeError(c, err)
	}

	if header := c.Request().Header.Get("If-None-Exist"); header != "" {
		return h.conditionalCreate(c, resourceType, body, header)
	}

	write, err := h.versioning.Create(c.Request().Context(), body, resourceType)
	if err != nil {
		return h.writeError(c, err)
	}
	h.setWriteHeaders(c, write)
	return c.JSONBlob(http.StatusCreated, []byte(write.JSON))
}

func (h *Handler) conditionalCreate(c echo.Context, resourceType string, body []byte, header string) error {
	criteria, err := parseIfNoneExist(header)
	if err != nil {
		return h.writeError(c, err)
	}
	result, err := h.conditional.Create(c.Request().Context(), body, resourceType, criteria)
	if err != nil {
		if errors.Is(err, ErrMultipleMatches) {
			return c.JSON(http.StatusPreconditionFailed, fhir.ErrorOutcome(fhir.IssueDuplicate, err.Error()))
		}
		return h.writeError(c, err)
	}
	if result.Created {
		h.setWriteHeaders(c, result.Write)
		return c.JSONBlob(http.StatusCreated, []byte(result.Write.JSON))
	}
	h.setReadHeaders(c, result.Existing)
	return c.JSONBlob(http.StatusOK, []byte(result.Existing.JSON))
}

func (h *Handler) Read(c echo.Context) error {
	resource, err := h.versioning.Read(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	if header := c.Request().Header.Get("If-None-Match"); header != "" && fhir.ETagMatches(header, resource.VersionID) {
		c.Response().Header().Set("ETag", fhir.WeakETag(resource.VersionID))
		return c.NoContent(http.StatusNotModified)
	}
	h.setReadHeaders(c, resource)
	return c.JSONBlob(http.StatusOK, []byte(resource.JSON))
}

func (h *Handler) Update(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return h.writeError(c, err)
	}
	write, err := h.versioning.Update(c.Request().Context(), c.Param("type"), c.Param("id"), body, c.Request().Header.Get("If-Match"))
	if err != nil {
		return h.writeError(c, err)
	}
	h.setWriteHeaders(c, write)
	status := http.StatusOK
	if write.Created {
		status = http.StatusCreated
	}
	return c.JSONBlob(status, []byte(write.JSON))
}

func (h *Handler) Delete(c echo.Context) error {
	if _, err := h.versioning.Tombstone(c.Request().Context(), c.Param("type"), c.Param("id")); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Patch(c echo.Context) error {
	resourceType, fhirID := c.Param("type"), c.Param("id")
	existing, err := h.versioning.Read(c.Request().Context(), resourceType, fhirID)
	if err != nil {
		return h.writeError(c, err)
	}
	body, err := readBody(c)
	if err != nil {
		return h.writeError(c, err)
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(existing.JSON), &doc); err != nil {
		return h.writeError(c, fmt.Errorf("%w: stored resource is not valid JSON: %v", ErrUnprocessable, err))
	}

	patched, err := h.applyPatchBody(c, doc, body)
	if err != nil {
		return h.writeError(c, err)
	}
	next, err := json.Marshal(patched)
	if err != nil {
		return h.writeError(c, fmt.Errorf("%w: %v", ErrUnprocessable, err))
	}

	write, err := h.versioning.Update(c.Request().Context(), resourceType, fhirID, next, c.Request().Header.Get("If-Match"))
	if err != nil {
		return h.writeError(c, err)
	}
	h.setWriteHeaders(c, write)
	return c.JSONBlob(http.StatusOK, []byte(write.JSON))
}

// applyPatchBody dispatches on Content-Type: RFC 6902 for json-patch, RFC
// 7386 for merge-patch.
func (h *Handler) applyPatchBody(c echo.Context, doc map[string]any, body []byte) (map[string]any, error) {
	switch patchContentType(c) {
	case ContentTypeMergePatch:
		patch, err := fhir.ParseMergePatch(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnprocessable, err)
		}
		return fhir.ApplyMergePatch(doc, patch), nil
	default:
		ops, err := fhir.ParseJSONPatch(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnprocessable, err)
		}
		patched, err := fhir.ApplyJSONPatch(doc, ops)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnprocessable, err)
		}
		return patched, nil
	}
}

func (h *Handler) ConditionalUpdate(c echo.Context) error {
	criteria, err := ParseCriteria(c.QueryParams())
	if err != nil {
		return h.writeError(c, err)
	}
	body, err := readBody(c)
	if err != nil {
		return h.writeError(c, err)
	}
	result, err := h.conditional.Update(c.Request().Context(), body, c.Param("type"), criteria)
	if err != nil {
		return h.writeError(c, err)
	}
	h.setWriteHeaders(c, result.Write)
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	return c.JSONBlob(status, []byte(result.Write.JSON))
}

func (h *Handler) ConditionalDelete(c echo.Context) error {
	criteria, err := ParseCriteria(c.QueryParams())
	if err != nil {
		return h.writeError(c, err)
	}
	allowMultiple := c.QueryParam("_multiple") == "true"
	if _, err := h.conditional.Delete(c.Request().Context(), c.Param("type"), criteria, allowMultiple); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ConditionalPatch(c echo.Context) error {
	criteria, err := ParseCriteria(c.QueryParams())
	if err != nil {
		return h.writeError(c, err)
	}
	body, err := readBody(c)
	if err != nil {
		return h.writeError(c, err)
	}

	var result *ConditionalResult
	if patchContentType(c) == ContentTypeMergePatch {
		patch, perr := fhir.ParseMergePatch(body)
		if perr != nil {
			return h.writeError(c, fmt.Errorf("%w: %v", ErrUnprocessable, perr))
		}
		result, err = h.conditional.MergePatch(c.Request().Context(), c.Param("type"), criteria, patch)
	} else {
		ops, perr := fhir.ParseJSONPatch(body)
		if perr != nil {
			return h.writeError(c, fmt.Errorf("%w: %v", ErrUnprocessable, perr))
		}
		result, err = h.conditional.Patch(c.Request().Context(), c.Param("type"), criteria, ops)
	}
	if err != nil {
		return h.writeError(c, err)
	}
	h.setWriteHeaders(c, result.Write)
	return c.JSONBlob(http.StatusOK, []byte(result.Write.JSON))
}

func (h *Handler) SearchType(c echo.Context) error {
	pg := pagination.FromContext(c)
	criteria := searchCriteria(c)
	results, total, err := h.versioning.Search(c.Request().Context(), c.Param("type"), criteria, pg.Limit, pg.Offset)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, searchBundle(results, total, pg, c.Request().URL.Path))
}

func (h *Handler) SystemSearch(c echo.Context) error {
	pg := pagination.FromContext(c)
	criteria := searchCriteria(c)
	var types []string
	if raw := c.QueryParam("_type"); raw != "" {
		types = strings.Split(raw, ",")
	}
	results, total, err := h.versioning.SearchAllTypes(c.Request().Context(), types, criteria, pg.Limit)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, searchBundle(results, total, pg, c.Request().URL.Path))
}

func (h *Handler) InstanceHistory(c echo.Context) error {
	pg := pagination.FromContext(c)
	since, err := parseSince(c.QueryParam("_since"))
	if err != nil {
		return h.writeError(c, err)
	}
	items, err := h.versioning.InstanceHistory(c.Request().Context(), c.Param("type"), c.Param("id"), pg.Limit, since)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, fhir.NewHistoryBundle(items, c.Request().URL.Path))
}

func (h *Handler) TypeHistory(c echo.Context) error {
	pg := pagination.FromContext(c)
	since, err := parseSince(c.QueryParam("_since"))
	if err != nil {
		return h.writeError(c, err)
	}
	items, err := h.versioning.TypeHistory(c.Request().Context(), c.Param("type"), pg.Limit, since)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, fhir.NewHistoryBundle(items, c.Request().URL.Path))
}

func (h *Handler) SystemHistory(c echo.Context) error {
	pg := pagination.FromContext(c)
	since, err := parseSince(c.QueryParam("_since"))
	if err != nil {
		return h.writeError(c, err)
	}
	items, err := h.versioning.SystemHistory(c.Request().Context(), pg.Limit, since)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, fhir.NewHistoryBundle(items, c.Request().URL.Path))
}

func (h *Handler) Purge(c echo.Context) error {
	count, err := h.versioning.PurgeVersions(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, fhir.SuccessOutcome(fmt.Sprintf("deleted %d versions", count)))
}

func (h *Handler) VRead(c echo.Context) error {
	resource, err := h.versioning.VRead(c.Request().Context(), c.Param("type"), c.Param("id"), c.Param("vid"))
	if err != nil {
		return h.writeError(c, err)
	}
	h.setReadHeaders(c, resource)
	return c.JSONBlob(http.StatusOK, []byte(resource.JSON))
}

func (h *Handler) DeleteVersion(c echo.Context) error {
	if err := h.versioning.DeleteVersion(c.Request().Context(), c.Param("type"), c.Param("id"), c.Param("vid")); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Everything(c echo.Context) error {
	pg := pagination.FromContext(c)
	resources, err := h.versioning.Everything(c.Request().Context(), c.Param("type"), c.Param("id"), everythingMaxHops, pg.Limit)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(resources, len(resources), c.Request().URL.Path))
}

// Validate runs schema validation only; nothing is persisted.
func (h *Handler) Validate(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return h.writeError(c, err)
	}
	if _, _, _, err := decodeResource(h.validator, body, c.Param("type")); err != nil {
		if errors.Is(err, fhir.ErrSchemaNotLoaded) {
			return h.writeError(c, err)
		}
		return c.JSON(http.StatusOK, fhir.ErrorOutcome(fhir.IssueInvalid, err.Error()))
	}
	return c.JSON(http.StatusOK, fhir.SuccessOutcome("validation passed"))
}

// --- helpers ---

func (h *Handler) writeError(c echo.Context, err error) error {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
	}
	return c.JSON(status, OutcomeFor(err))
}

func (h *Handler) setWriteHeaders(c echo.Context, write *WriteResult) {
	header := c.Response().Header()
	header.Set("Location", fmt.Sprintf("%s/%s/%s", h.baseURL, write.ResourceType, write.FhirID))
	header.Set("ETag", fhir.WeakETag(write.VersionID))
	header.Set("Last-Modified", fhir.LastModified(write.LastUpdated))
}

func (h *Handler) setReadHeaders(c echo.Context, resource *VersionedResource) {
	header := c.Response().Header()
	header.Set("ETag", fhir.WeakETag(resource.VersionID))
	if t, err := time.Parse(graph.TimeLayout, resource.LastUpdated); err == nil {
		header.Set("Last-Modified", fhir.LastModified(t))
	}
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty request body", ErrValidation)
	}
	return body, nil
}

func patchContentType(c echo.Context) string {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

// parseIfNoneExist decodes the If-None-Exist header, which carries a search
// query string.
func parseIfNoneExist(header string) (map[string]any, error) {
	params, err := url.ParseQuery(header)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid If-None-Exist: %v", ErrValidation, err)
	}
	return ParseCriteria(params)
}

// searchCriteria collects the optional _id / identifier filters of a plain
// search; unlike conditional criteria, zero filters is a full type scan.
func searchCriteria(c echo.Context) map[string]any {
	criteria := make(map[string]any)
	if v := c.QueryParam("_id"); v != "" {
		criteria[graph.PropID] = v
	}
	if v := c.QueryParam("identifier"); v != "" {
		criteria[graph.PropIdentifier] = v
	}
	return criteria
}

func searchBundle(results []*VersionedResource, total int64, pg pagination.Params, path string) *fhir.Bundle {
	resources := make([]json.RawMessage, len(results))
	for i, r := range results {
		resources[i] = json.RawMessage(r.JSON)
	}
	return fhir.NewSearchBundle(resources, int(total), pg.SelfLink(path))
}

func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid _since: %v", ErrValidation, err)
	}
	return t, nil
}

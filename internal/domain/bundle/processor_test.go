package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirgraph/fhirgraph/internal/domain/resource"
	"github.com/fhirgraph/fhirgraph/internal/platform/fhir"
	"github.com/fhirgraph/fhirgraph/internal/platform/graph"
)

const testSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"id": "http://example.com/fhir.schema.json",
	"type": "object",
	"required": ["resourceType"],
	"properties": {
		"resourceType": {"type": "string"}
	},
	"discriminator": {
		"propertyName": "resourceType",
		"mapping": {
			"Patient": "#/definitions/Patient",
			"Observation": "#/definitions/Observation",
			"Encounter": "#/definitions/Encounter"
		}
	}
}`

func newTestProcessor(t *testing.T) (*Processor, *resource.Versioning) {
	t.Helper()
	log := zerolog.Nop()
	repo := graph.NewMemoryRepo()

	path := filepath.Join(t.TempDir(), "fhir.schema.json")
	if err := os.WriteFile(path, []byte(testSchema), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	validator := fhir.NewValidator(path)

	mat := resource.NewMaterializer(repo, log)
	versioning := resource.NewVersioning(repo, validator, mat, log)
	conditional := resource.NewConditional(repo, versioning, validator, log)
	return NewProcessor(versioning, conditional, log), versioning
}

func entry(method, url, body string) fhir.BundleEntry {
	e := fhir.BundleEntry{Request: &fhir.BundleRequest{Method: method, URL: url}}
	if body != "" {
		e.Resource = json.RawMessage(body)
	}
	return e
}

func TestProcessor_Batch(t *testing.T) {
	p, _ := newTestProcessor(t)

	b := &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         fhir.BundleTypeBatch,
		Entry: []fhir.BundleEntry{
			entry(http.MethodPost, "Patient", `{"resourceType":"Patient","id":"p1"}`),
			entry(http.MethodGet, "Patient/missing", ""),
			entry(http.MethodGet, "Patient/p1", ""),
		},
	}
	result, err := p.Process(context.Background(), b)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Bundle.Type != fhir.BundleTypeBatchResponse {
		t.Fatalf("type = %q", result.Bundle.Type)
	}
	entries := result.Bundle.Entry
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Response.Status != "201 Created" {
		t.Fatalf("create status = %q", entries[0].Response.Status)
	}
	if entries[1].Response.Status != "404 Not Found" || entries[1].Response.Outcome == nil {
		t.Fatalf("missing read = %+v, want 404 with outcome", entries[1].Response)
	}
	if entries[2].Response.Status != "200 OK" {
		t.Fatalf("read status = %q", entries[2].Response.Status)
	}
}

func TestProcessor_TransactionOrdersMethods(t *testing.T) {
	p, versioning := newTestProcessor(t)
	ctx := context.Background()

	if _, err := versioning.Create(ctx, []byte(`{"resourceType":"Patient","id":"old"}`), "Patient"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// The GET comes first in the request but must run last, after the POST
	// that creates its target.
	b := &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         fhir.BundleTypeTransaction,
		Entry: []fhir.BundleEntry{
			entry(http.MethodGet, "Patient/p1", ""),
			entry(http.MethodPost, "Patient", `{"resourceType":"Patient","id":"p1"}`),
			entry(http.MethodDelete, "Patient/old", ""),
		},
	}
	result, err := p.Process(ctx, b)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Bundle.Type != fhir.BundleTypeTransactionResponse {
		t.Fatalf("type = %q", result.Bundle.Type)
	}
	entries := result.Bundle.Entry
	if entries[0].Response.Status != "200 OK" {
		t.Fatalf("read status = %q, want 200 (POST must run before GET)", entries[0].Response.Status)
	}
	if entries[1].Response.Status != "201 Created" {
		t.Fatalf("create status = %q", entries[1].Response.Status)
	}
	if entries[2].Response.Status != "204 No Content" {
		t.Fatalf("delete status = %q", entries[2].Response.Status)
	}
}

func TestProcessor_TransactionAbortsOnFailure(t *testing.T) {
	p, versioning := newTestProcessor(t)
	ctx := context.Background()

	b := &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         fhir.BundleTypeTransaction,
		Entry: []fhir.BundleEntry{
			entry(http.MethodPost, "Patient", `{"resourceType":"Patient","id":"p1"}`),
			entry(http.MethodGet, "Patient/missing", ""),
		},
	}
	if _, err := p.Process(ctx, b); !errors.Is(err, resource.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	// The POST before the failing entry still executed; transactions are not
	// rolled back, the caller just gets no response bundle.
	if _, err := versioning.Read(ctx, "Patient", "p1"); err != nil {
		t.Fatalf("read after abort: %v", err)
	}
}

func TestProcessor_FullURLPlacements(t *testing.T) {
	p, _ := newTestProcessor(t)

	e := entry(http.MethodPost, "Patient", `{"resourceType":"Patient","id":"p1"}`)
	e.FullURL = "urn:uuid:11111111-1111-1111-1111-111111111111"
	b := &fhir.Bundle{ResourceType: "Bundle", Type: fhir.BundleTypeTransaction, Entry: []fhir.BundleEntry{e}}

	result, err := p.Process(context.Background(), b)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if placed := result.FullURLs[e.FullURL]; placed != "Patient/p1" {
		t.Fatalf("placement = %q, want Patient/p1", placed)
	}
}

func TestProcessor_ConditionalEntries(t *testing.T) {
	p, versioning := newTestProcessor(t)
	ctx := context.Background()

	seed := `{"resourceType":"Patient","id":"p1","identifier":[{"value":"111"}]}`
	if _, err := versioning.Create(ctx, []byte(seed), "Patient"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	b := &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         fhir.BundleTypeBatch,
		Entry: []fhir.BundleEntry{
			entry(http.MethodPut, "Patient?identifier=111", seed),
			entry(http.MethodDelete, "Patient?identifier=111", ""),
		},
	}
	result, err := p.Process(ctx, b)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Bundle.Entry[0].Response.Status != "200 OK" {
		t.Fatalf("conditional update status = %q", result.Bundle.Entry[0].Response.Status)
	}
	if result.Bundle.Entry[1].Response.Status != "204 No Content" {
		t.Fatalf("conditional delete status = %q", result.Bundle.Entry[1].Response.Status)
	}
}

func TestProcessor_RejectsUnsupported(t *testing.T) {
	p, _ := newTestProcessor(t)
	ctx := context.Background()

	if _, err := p.Process(ctx, &fhir.Bundle{ResourceType: "Bundle", Type: "searchset"}); !errors.Is(err, resource.ErrValidation) {
		t.Fatalf("bundle type err = %v, want ErrValidation", err)
	}
	if _, err := p.Process(ctx, &fhir.Bundle{ResourceType: "Patient", Type: "batch"}); !errors.Is(err, resource.ErrValidation) {
		t.Fatalf("resourceType err = %v, want ErrValidation", err)
	}

	// A type-level GET is a search, which bundles do not support.
	b := &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         fhir.BundleTypeBatch,
		Entry:        []fhir.BundleEntry{entry(http.MethodGet, "Patient", "")},
	}
	result, err := p.Process(ctx, b)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Bundle.Entry[0].Response.Status != "501 Not Implemented" {
		t.Fatalf("search entry status = %q, want 501", result.Bundle.Entry[0].Response.Status)
	}

	// Unknown methods fail the entry.
	b.Entry = []fhir.BundleEntry{entry(http.MethodHead, "Patient/p1", "")}
	result, err = p.Process(ctx, b)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Bundle.Entry[0].Response.Status != "400 Bad Request" {
		t.Fatalf("HEAD entry status = %q, want 400", result.Bundle.Entry[0].Response.Status)
	}
}

func TestHandler_Submit(t *testing.T) {
	p, _ := newTestProcessor(t)
	h := NewHandler(p, zerolog.Nop())
	e := echo.New()
	h.Register(e.Group("/api/fhir/v1"))

	body := `{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [
			{"request": {"method": "POST", "url": "Patient"}, "resource": {"resourceType": "Patient", "id": "p1"}}
		]
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/fhir/v1", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, "application/fhir+json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d\n%s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["type"] != "transaction-response" {
		t.Fatalf("type = %v", out["type"])
	}

	// A transaction with a failing entry collapses to a single outcome.
	failing := `{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [{"request": {"method": "GET", "url": "Patient/missing"}}]
	}`
	req = httptest.NewRequest(http.MethodPost, "/api/fhir/v1", strings.NewReader(failing))
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("failing transaction status = %d, want 400", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if out["resourceType"] != "OperationOutcome" {
		t.Fatalf("body = %v, want OperationOutcome", out)
	}
}

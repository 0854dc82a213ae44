// Package bundle executes FHIR batch and transaction bundles against the
// versioned resource engine.
package bundle

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fhirgraph/fhirgraph/internal/domain/resource"
	"github.com/fhirgraph/fhirgraph/internal/platform/fhir"
	"github.com/fhirgraph/fhirgraph/internal/platform/graph"
)

// Processor runs the entries of a batch or transaction bundle. Batch entries
// are independent: a failed entry becomes a failed response entry. A
// transaction stops at the first failure and reports it as a whole.
type Processor struct {
	versioning  *resource.Versioning
	conditional *resource.Conditional
	log         zerolog.Logger
}

func NewProcessor(versioning *resource.Versioning, conditional *resource.Conditional, log zerolog.Logger) *Processor {
	return &Processor{
		versioning:  versioning,
		conditional: conditional,
		log:         log.With().Str("component", "bundle").Logger(),
	}
}

// Result is a processed bundle: the response bundle plus the fullUrl
// placements of created resources, for callers that want to log or audit
// where each entry landed.
type Result struct {
	Bundle   *fhir.Bundle
	FullURLs map[string]string
}

// Process validates the bundle type and dispatches to batch or transaction
// execution.
func (p *Processor) Process(ctx context.Context, b *fhir.Bundle) (*Result, error) {
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("%w: resourceType must be Bundle", resource.ErrValidation)
	}
	switch b.Type {
	case fhir.BundleTypeBatch:
		return p.processBatch(ctx, b)
	case fhir.BundleTypeTransaction:
		return p.processTransaction(ctx, b)
	default:
		return nil, fmt.Errorf("%w: unsupported bundle type %q", resource.ErrValidation, b.Type)
	}
}

func (p *Processor) processBatch(ctx context.Context, b *fhir.Bundle) (*Result, error) {
	result := &Result{FullURLs: make(map[string]string)}
	entries := make([]fhir.BundleEntry, len(b.Entry))
	for i, entry := range b.Entry {
		response, err := p.processEntry(ctx, entry, result.FullURLs)
		if err != nil {
			entries[i] = failedEntry(err)
			continue
		}
		entries[i] = *response
	}
	result.Bundle = responseBundle(fhir.BundleTypeBatchResponse, entries)
	return result, nil
}

// processTransaction executes entries in FHIR transaction order: deletes,
// then creates, then updates and patches, then reads. The response entries
// keep the request order. Any failure aborts the whole transaction.
func (p *Processor) processTransaction(ctx context.Context, b *fhir.Bundle) (*Result, error) {
	result := &Result{FullURLs: make(map[string]string)}
	entries := make([]fhir.BundleEntry, len(b.Entry))

	for _, idx := range transactionOrder(b.Entry) {
		entry := b.Entry[idx]
		response, err := p.processEntry(ctx, entry, result.FullURLs)
		if err != nil {
			return nil, fmt.Errorf("transaction entry %d (%s %s): %w",
				idx, entryMethod(entry), entryURL(entry), err)
		}
		entries[idx] = *response
	}
	result.Bundle = responseBundle(fhir.BundleTypeTransactionResponse, entries)
	return result, nil
}

// transactionOrder returns entry indices grouped by method: DELETE, POST,
// PUT/PATCH, GET. Within a group the request order is preserved.
func transactionOrder(entries []fhir.BundleEntry) []int {
	rank := func(method string) int {
		switch method {
		case http.MethodDelete:
			return 0
		case http.MethodPost:
			return 1
		case http.MethodPut, http.MethodPatch:
			return 2
		default:
			return 3
		}
	}
	order := make([]int, 0, len(entries))
	for group := 0; group <= 3; group++ {
		for i, e := range entries {
			if rank(entryMethod(e)) == group {
				order = append(order, i)
			}
		}
	}
	return order
}

func (p *Processor) processEntry(ctx context.Context, entry fhir.BundleEntry, fullURLs map[string]string) (*fhir.BundleEntry, error) {
	if entry.Request == nil {
		return nil, fmt.Errorf("%w: bundle entry has no request", resource.ErrValidation)
	}
	resourceType, fhirID, query, err := parseEntryURL(entry.Request.URL)
	if err != nil {
		return nil, err
	}

	switch entry.Request.Method {
	case http.MethodPost:
		return p.entryCreate(ctx, entry, resourceType, fullURLs)
	case http.MethodPut:
		return p.entryUpdate(ctx, entry, resourceType, fhirID, query)
	case http.MethodDelete:
		return p.entryDelete(ctx, resourceType, fhirID, query)
	case http.MethodPatch:
		return p.entryPatch(ctx, entry, resourceType, fhirID, query)
	case http.MethodGet:
		return p.entryRead(ctx, resourceType, fhirID)
	default:
		return nil, fmt.Errorf("%w: method %s not allowed in bundles", resource.ErrValidation, entry.Request.Method)
	}
}

func (p *Processor) entryCreate(ctx context.Context, entry fhir.BundleEntry, resourceType string, fullURLs map[string]string) (*fhir.BundleEntry, error) {
	if len(entry.Resource) == 0 {
		return nil, fmt.Errorf("%w: POST entry has no resource", resource.ErrValidation)
	}
	write, err := p.versioning.Create(ctx, entry.Resource, resourceType)
	if err != nil {
		return nil, err
	}
	if entry.FullURL != "" {
		fullURLs[entry.FullURL] = write.ResourceType + "/" + write.FhirID
	}
	return writeResponseEntry(write, http.StatusCreated), nil
}

func (p *Processor) entryUpdate(ctx context.Context, entry fhir.BundleEntry, resourceType, fhirID string, query url.Values) (*fhir.BundleEntry, error) {
	if len(entry.Resource) == 0 {
		return nil, fmt.Errorf("%w: PUT entry has no resource", resource.ErrValidation)
	}
	if fhirID == "" {
		criteria, err := resource.ParseCriteria(query)
		if err != nil {
			return nil, err
		}
		result, err := p.conditional.Update(ctx, entry.Resource, resourceType, criteria)
		if err != nil {
			return nil, err
		}
		status := http.StatusOK
		if result.Created {
			status = http.StatusCreated
		}
		return writeResponseEntry(result.Write, status), nil
	}

	write, err := p.versioning.Update(ctx, resourceType, fhirID, entry.Resource, "")
	if err != nil {
		return nil, err
	}
	status := http.StatusOK
	if write.Created {
		status = http.StatusCreated
	}
	return writeResponseEntry(write, status), nil
}

func (p *Processor) entryDelete(ctx context.Context, resourceType, fhirID string, query url.Values) (*fhir.BundleEntry, error) {
	if fhirID == "" {
		criteria, err := resource.ParseCriteria(query)
		if err != nil {
			return nil, err
		}
		if _, err := p.conditional.Delete(ctx, resourceType, criteria, false); err != nil {
			return nil, err
		}
	} else if _, err := p.versioning.Tombstone(ctx, resourceType, fhirID); err != nil {
		return nil, err
	}
	return &fhir.BundleEntry{
		Response: &fhir.BundleResponse{Status: statusLine(http.StatusNoContent)},
	}, nil
}

func (p *Processor) entryPatch(ctx context.Context, entry fhir.BundleEntry, resourceType, fhirID string, query url.Values) (*fhir.BundleEntry, error) {
	if len(entry.Resource) == 0 {
		return nil, fmt.Errorf("%w: PATCH entry has no resource", resource.ErrValidation)
	}
	ops, err := fhir.ParseJSONPatch(entry.Resource)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", resource.ErrUnprocessable, err)
	}

	criteria := url.Values{}
	if fhirID != "" {
		criteria.Set("_id", fhirID)
	} else {
		criteria = query
	}
	parsed, err := resource.ParseCriteria(criteria)
	if err != nil {
		return nil, err
	}
	result, err := p.conditional.Patch(ctx, resourceType, parsed, ops)
	if err != nil {
		return nil, err
	}
	return writeResponseEntry(result.Write, http.StatusOK), nil
}

func (p *Processor) entryRead(ctx context.Context, resourceType, fhirID string) (*fhir.BundleEntry, error) {
	if fhirID == "" {
		return nil, fmt.Errorf("%w: search within bundles", resource.ErrNotImplemented)
	}
	read, err := p.versioning.Read(ctx, resourceType, fhirID)
	if err != nil {
		return nil, err
	}
	return &fhir.BundleEntry{
		Resource: []byte(read.JSON),
		Response: &fhir.BundleResponse{
			Status: statusLine(http.StatusOK),
			Etag:   fhir.WeakETag(read.VersionID),
		},
	}, nil
}

// parseEntryURL splits an entry request URL into (type, id, query). Accepted
// shapes are "Type", "Type?query" and "Type/id".
func parseEntryURL(raw string) (string, string, url.Values, error) {
	if raw == "" {
		return "", "", nil, fmt.Errorf("%w: bundle entry has no request URL", resource.ErrValidation)
	}
	u, err := url.Parse(strings.TrimPrefix(raw, "/"))
	if err != nil {
		return "", "", nil, fmt.Errorf("%w: invalid entry URL %q", resource.ErrValidation, raw)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch len(segments) {
	case 1:
		if segments[0] == "" {
			return "", "", nil, fmt.Errorf("%w: invalid entry URL %q", resource.ErrValidation, raw)
		}
		return segments[0], "", u.Query(), nil
	case 2:
		if segments[0] == "" || segments[1] == "" {
			return "", "", nil, fmt.Errorf("%w: invalid entry URL %q", resource.ErrValidation, raw)
		}
		return segments[0], segments[1], u.Query(), nil
	default:
		return "", "", nil, fmt.Errorf("%w: unsupported entry URL %q", resource.ErrValidation, raw)
	}
}

func writeResponseEntry(write *resource.WriteResult, status int) *fhir.BundleEntry {
	return &fhir.BundleEntry{
		Resource: []byte(write.JSON),
		Response: &fhir.BundleResponse{
			Status:       statusLine(status),
			Location:     write.ResourceType + "/" + write.FhirID + "/_history/" + write.VersionID,
			Etag:         fhir.WeakETag(write.VersionID),
			LastModified: write.LastUpdated.UTC().Format(graph.TimeLayout),
		},
	}
}

func failedEntry(err error) fhir.BundleEntry {
	return fhir.BundleEntry{
		Response: &fhir.BundleResponse{
			Status:  statusLine(resource.StatusFor(err)),
			Outcome: resource.OutcomeFor(err),
		},
	}
}

func responseBundle(bundleType string, entries []fhir.BundleEntry) *fhir.Bundle {
	return &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         bundleType,
		Entry:        entries,
	}
}

func statusLine(code int) string {
	return strconv.Itoa(code) + " " + http.StatusText(code)
}

func entryMethod(e fhir.BundleEntry) string {
	if e.Request == nil {
		return ""
	}
	return e.Request.Method
}

func entryURL(e fhir.BundleEntry) string {
	if e.Request == nil {
		return ""
	}
	return e.Request.URL
}

package fhir

import (
	"encoding/json"
	"time"
)

// Bundle types this server produces or accepts.
const (
	BundleTypeBatch               = "batch"
	BundleTypeTransaction         = "transaction"
	BundleTypeBatchResponse       = "batch-response"
	BundleTypeTransactionResponse = "transaction-response"
	BundleTypeSearchset           = "searchset"
	BundleTypeHistory             = "history"
)

// Bundle is the FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status       string           `json:"status"`
	Location     string           `json:"location,omitempty"`
	Etag         string           `json:"etag,omitempty"`
	LastModified string           `json:"lastModified,omitempty"`
	Outcome      *OperationOutcome `json:"outcome,omitempty"`
}

// ParseBundle decodes a request bundle and checks the resourceType
// discriminator.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// NewSearchBundle builds a searchset bundle over raw resource bodies. Only a
// self link is emitted.
func NewSearchBundle(resources []json.RawMessage, total int, selfURL string) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(resources))
	for i, raw := range resources {
		entries[i] = BundleEntry{
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		}
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         BundleTypeSearchset,
		Total:        &total,
		Timestamp:    &now,
		Link:         []BundleLink{{Relation: "self", URL: selfURL}},
		Entry:        entries,
	}
}

// HistoryItem is one version for a history bundle. A tombstone version has
// Deleted=true and no Resource.
type HistoryItem struct {
	ResourceType string
	FhirID       string
	VersionID    string
	LastUpdated  string
	Deleted      bool
	Resource     json.RawMessage
}

// Method reports the HTTP method the history entry represents: DELETE for
// tombstones, POST for version 1, PUT otherwise.
func (h HistoryItem) Method() string {
	switch {
	case h.Deleted:
		return "DELETE"
	case h.VersionID == "1":
		return "POST"
	default:
		return "PUT"
	}
}

// NewHistoryBundle builds a type=history bundle. Items are expected already
// sorted newest-first; tombstone entries carry request.method=DELETE and no
// resource body.
func NewHistoryBundle(items []HistoryItem, selfURL string) *Bundle {
	now := time.Now().UTC()
	total := len(items)
	entries := make([]BundleEntry, len(items))
	for i, item := range items {
		url := item.ResourceType
		if item.Method() != "POST" {
			url = item.ResourceType + "/" + item.FhirID
		}
		entries[i] = BundleEntry{
			Resource: item.Resource,
			Request:  &BundleRequest{Method: item.Method(), URL: url},
			Response: &BundleResponse{
				Status:       historyStatus(item),
				Etag:         WeakETag(item.VersionID),
				LastModified: item.LastUpdated,
			},
		}
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         BundleTypeHistory,
		Total:        &total,
		Timestamp:    &now,
		Link:         []BundleLink{{Relation: "self", URL: selfURL}},
		Entry:        entries,
	}
}

func historyStatus(item HistoryItem) string {
	switch item.Method() {
	case "DELETE":
		return "204 No Content"
	case "POST":
		return "201 Created"
	default:
		return "200 OK"
	}
}

package resource

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/fhirgraph/fhirgraph/internal/platform/fhir"
	"github.com/fhirgraph/fhirgraph/internal/platform/graph"
)

func mrnPatient(id, mrn string) []byte {
	return []byte(`{"resourceType":"Patient","id":"` + id + `","identifier":[{"system":"urn:mrn","value":"` + mrn + `"}]}`)
}

func mrnCriteria(mrn string) map[string]any {
	return map[string]any{graph.PropIdentifier: mrn}
}

func TestParseCriteria(t *testing.T) {
	criteria, err := ParseCriteria(url.Values{"_id": {"p1"}, "identifier": {"urn:mrn|111"}})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if criteria[graph.PropID] != "p1" || criteria[graph.PropIdentifier] != "urn:mrn|111" {
		t.Fatalf("criteria = %v", criteria)
	}

	if _, err := ParseCriteria(url.Values{"name": {"smith"}}); !errors.Is(err, ErrValidation) {
		t.Fatalf("unsupported param err = %v, want ErrValidation", err)
	}
	if _, err := ParseCriteria(url.Values{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty err = %v, want ErrValidation", err)
	}
}

func TestConditionalCreate(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	// No match creates.
	result, err := s.conditional.Create(ctx, mrnPatient("p1", "111"), "Patient", mrnCriteria("111"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !result.Created || result.Write == nil || result.Write.VersionID != "1" {
		t.Fatalf("result = %+v, want created version 1", result)
	}

	// One match returns the existing resource without writing.
	result, err = s.conditional.Create(ctx, mrnPatient("p1", "111"), "Patient", mrnCriteria("111"))
	if err != nil {
		t.Fatalf("repeat create: %v", err)
	}
	if result.Created || result.Existing == nil || result.Existing.FhirID != "p1" {
		t.Fatalf("result = %+v, want existing p1", result)
	}
	if result.Existing.VersionID != "1" {
		t.Fatalf("existing version = %q, want 1 (no new write)", result.Existing.VersionID)
	}

	// More than one match fails.
	if _, err := s.versioning.Create(ctx, mrnPatient("p2", "111"), "Patient"); err != nil {
		t.Fatalf("seed second patient: %v", err)
	}
	if _, err := s.conditional.Create(ctx, mrnPatient("p3", "111"), "Patient", mrnCriteria("111")); !errors.Is(err, ErrMultipleMatches) {
		t.Fatalf("err = %v, want ErrMultipleMatches", err)
	}
}

func TestConditionalUpdate(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	// No match, no body id: rejected.
	_, err := s.conditional.Update(ctx, []byte(`{"resourceType":"Patient"}`), "Patient", mrnCriteria("111"))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}

	// No match, body id present: created under that id.
	result, err := s.conditional.Update(ctx, mrnPatient("p1", "111"), "Patient", mrnCriteria("111"))
	if err != nil {
		t.Fatalf("update-create: %v", err)
	}
	if !result.Created || result.Write.FhirID != "p1" {
		t.Fatalf("result = %+v, want created p1", result)
	}

	// One match, agreeing body id: new version of the matched resource.
	result, err = s.conditional.Update(ctx, mrnPatient("p1", "111"), "Patient", mrnCriteria("111"))
	if err != nil {
		t.Fatalf("update-match: %v", err)
	}
	if result.Created || result.Write.VersionID != "2" {
		t.Fatalf("result = %+v, want version 2", result)
	}

	// One match, conflicting body id: rejected.
	_, err = s.conditional.Update(ctx, mrnPatient("other", "111"), "Patient", mrnCriteria("111"))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("id conflict err = %v, want ErrValidation", err)
	}

	// More than one match: rejected.
	if _, err := s.versioning.Create(ctx, mrnPatient("p2", "111"), "Patient"); err != nil {
		t.Fatalf("seed p2: %v", err)
	}
	_, err = s.conditional.Update(ctx, mrnPatient("p1", "111"), "Patient", mrnCriteria("111"))
	if !errors.Is(err, ErrMultipleMatches) {
		t.Fatalf("err = %v, want ErrMultipleMatches", err)
	}
}

func TestConditionalDelete(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	if _, err := s.conditional.Delete(ctx, "Patient", mrnCriteria("111"), false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no match err = %v, want ErrNotFound", err)
	}

	if _, err := s.versioning.Create(ctx, mrnPatient("p1", "111"), "Patient"); err != nil {
		t.Fatalf("seed p1: %v", err)
	}
	deleted, err := s.conditional.Delete(ctx, "Patient", mrnCriteria("111"), false)
	if err != nil {
		t.Fatalf("single delete: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if _, err := s.versioning.Read(ctx, "Patient", "p1"); !errors.Is(err, ErrGone) {
		t.Fatalf("read after delete err = %v, want ErrGone", err)
	}

	// Two matches in single mode: refused; in multiple mode: both tombstoned.
	if _, err := s.versioning.Create(ctx, mrnPatient("p2", "222"), "Patient"); err != nil {
		t.Fatalf("seed p2: %v", err)
	}
	if _, err := s.versioning.Create(ctx, mrnPatient("p3", "222"), "Patient"); err != nil {
		t.Fatalf("seed p3: %v", err)
	}
	if _, err := s.conditional.Delete(ctx, "Patient", mrnCriteria("222"), false); !errors.Is(err, ErrMultipleMatches) {
		t.Fatalf("err = %v, want ErrMultipleMatches", err)
	}
	deleted, err = s.conditional.Delete(ctx, "Patient", mrnCriteria("222"), true)
	if err != nil {
		t.Fatalf("multi delete: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted = %d, want 2", deleted)
	}
}

func TestConditionalPatch(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	ops := []fhir.PatchOperation{{Op: "add", Path: "/active", Value: true}}

	if _, err := s.conditional.Patch(ctx, "Patient", mrnCriteria("111"), ops); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no match err = %v, want ErrNotFound", err)
	}

	if _, err := s.versioning.Create(ctx, mrnPatient("p1", "111"), "Patient"); err != nil {
		t.Fatalf("seed p1: %v", err)
	}
	result, err := s.conditional.Patch(ctx, "Patient", mrnCriteria("111"), ops)
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if result.Write.VersionID != "2" {
		t.Fatalf("version = %q, want 2", result.Write.VersionID)
	}

	read, err := s.versioning.Read(ctx, "Patient", "p1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc map[string]any
	if err := jsonUnmarshalString(read.JSON, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["active"] != true {
		t.Fatalf("active = %v, want true", doc["active"])
	}

	// A failing test op leaves the resource untouched.
	failing := []fhir.PatchOperation{
		{Op: "test", Path: "/active", Value: false},
		{Op: "remove", Path: "/active"},
	}
	if _, err := s.conditional.Patch(ctx, "Patient", mrnCriteria("111"), failing); !errors.Is(err, ErrUnprocessable) {
		t.Fatalf("failing test err = %v, want ErrUnprocessable", err)
	}
	read, err = s.versioning.Read(ctx, "Patient", "p1")
	if err != nil {
		t.Fatalf("reread: %v", err)
	}
	if read.VersionID != "2" {
		t.Fatalf("version after failed patch = %q, want 2", read.VersionID)
	}

	// More than one match: refused.
	if _, err := s.versioning.Create(ctx, mrnPatient("p2", "111"), "Patient"); err != nil {
		t.Fatalf("seed p2: %v", err)
	}
	if _, err := s.conditional.Patch(ctx, "Patient", mrnCriteria("111"), ops); !errors.Is(err, ErrMultipleMatches) {
		t.Fatalf("err = %v, want ErrMultipleMatches", err)
	}
}

func TestConditionalMergePatch(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	if _, err := s.versioning.Create(ctx, mrnPatient("p1", "111"), "Patient"); err != nil {
		t.Fatalf("seed p1: %v", err)
	}

	result, err := s.conditional.MergePatch(ctx, "Patient", mrnCriteria("111"), map[string]any{"active": true})
	if err != nil {
		t.Fatalf("merge patch: %v", err)
	}
	if result.Write.VersionID != "2" {
		t.Fatalf("version = %q, want 2", result.Write.VersionID)
	}

	var doc map[string]any
	if err := jsonUnmarshalString(result.Write.JSON, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["active"] != true {
		t.Fatalf("active = %v, want true", doc["active"])
	}
}

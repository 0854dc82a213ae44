package fhir

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
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

func writeSchema(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fhir.schema.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	return path
}

// NewTestValidator builds a Validator over a minimal schema document whose
// discriminator lists Patient, Observation and Encounter.
func NewTestValidator(t *testing.T) *Validator {
	t.Helper()
	return NewValidator(writeSchema(t, testSchema))
}

func TestValidator_Validate(t *testing.T) {
	v := NewTestValidator(t)

	if err := v.Validate(map[string]any{"resourceType": "Patient", "id": "p1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := v.Validate(map[string]any{"id": "p1"}); err == nil {
		t.Error("expected validation failure without resourceType")
	}
}

func TestValidator_SchemaNotLoaded(t *testing.T) {
	v := NewValidator(filepath.Join(t.TempDir(), "absent.json"))

	if err := v.Validate(map[string]any{"resourceType": "Patient"}); !errors.Is(err, ErrSchemaNotLoaded) {
		t.Errorf("expected ErrSchemaNotLoaded, got %v", err)
	}
	if _, _, err := v.ExtractResourceInfo(map[string]any{"resourceType": "Patient"}); !errors.Is(err, ErrSchemaNotLoaded) {
		t.Errorf("expected ErrSchemaNotLoaded, got %v", err)
	}
	if _, err := v.ListSupportedTypes(); !errors.Is(err, ErrSchemaNotLoaded) {
		t.Errorf("expected ErrSchemaNotLoaded, got %v", err)
	}
	if v.SchemaLoaded() {
		t.Error("expected SchemaLoaded to report false")
	}
}

func TestValidator_ExtractResourceInfo(t *testing.T) {
	v := NewTestValidator(t)

	rt, id, err := v.ExtractResourceInfo(map[string]any{"resourceType": "Patient", "id": "p1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rt != "Patient" || id != "p1" {
		t.Errorf("got (%q, %q)", rt, id)
	}

	rt, id, err = v.ExtractResourceInfo(map[string]any{"resourceType": "Patient"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rt != "Patient" || id != "" {
		t.Errorf("got (%q, %q)", rt, id)
	}

	if _, _, err := v.ExtractResourceInfo(map[string]any{"id": "p1"}); err == nil {
		t.Error("expected error without resourceType")
	}
	if _, _, err := v.ExtractResourceInfo(map[string]any{"resourceType": ""}); err == nil {
		t.Error("expected error for empty resourceType")
	}
	if _, _, err := v.ExtractResourceInfo(map[string]any{"resourceType": "Patient", "id": 42.0}); err == nil {
		t.Error("expected error for non-string id")
	}
}

func TestValidator_ListSupportedTypes(t *testing.T) {
	v := NewTestValidator(t)

	types, err := v.ListSupportedTypes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"Encounter", "Observation", "Patient"}
	if !reflect.DeepEqual(types, want) {
		t.Errorf("got %v, want %v", types, want)
	}
}

func TestValidator_CircularSchemaCoercedToSuccess(t *testing.T) {
	// A self-referential definition chain; engines that refuse the cycle
	// must still answer Validate with success.
	circular := `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"properties": {"next": {"$ref": "#/definitions/Node"}},
		"definitions": {
			"Node": {
				"type": "object",
				"properties": {"next": {"$ref": "#/definitions/Node"}}
			}
		},
		"discriminator": {"mapping": {"Patient": "#/definitions/Node"}}
	}`
	v := NewValidator(writeSchema(t, circular))

	if err := v.Validate(map[string]any{"resourceType": "Patient"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	types, err := v.ListSupportedTypes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(types) != 1 || types[0] != "Patient" {
		t.Errorf("unexpected types: %v", types)
	}
}

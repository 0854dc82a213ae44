package resource

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

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

func newTestValidator(t *testing.T) *fhir.Validator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fhir.schema.json")
	if err := os.WriteFile(path, []byte(testSchema), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	return fhir.NewValidator(path)
}

type testServices struct {
	repo        *graph.MemoryRepo
	validator   *fhir.Validator
	mat         *Materializer
	persistence *Persistence
	versioning  *Versioning
	conditional *Conditional
}

func jsonUnmarshalString(s string, into *map[string]any) error {
	return json.Unmarshal([]byte(s), into)
}

func newTestServices(t *testing.T) *testServices {
	t.Helper()
	log := zerolog.Nop()
	repo := graph.NewMemoryRepo()
	validator := newTestValidator(t)
	mat := NewMaterializer(repo, log)
	versioning := NewVersioning(repo, validator, mat, log)
	return &testServices{
		repo:        repo,
		validator:   validator,
		mat:         mat,
		persistence: NewPersistence(repo, validator, mat, log),
		versioning:  versioning,
		conditional: NewConditional(repo, versioning, validator, log),
	}
}

package fhir

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrSchemaNotLoaded is returned by every validator call when the FHIR schema
// document could not be read. Create, update and patch operations fail with
// this error until the file is fixed.
var ErrSchemaNotLoaded = fmt.Errorf("fhir schema not loaded")

// Validator owns the FHIR JSON Schema. The schema is read and compiled once,
// lazily, and is immutable afterwards, so a single Validator is shared by all
// request handlers.
type Validator struct {
	path string

	once     sync.Once
	readErr  error
	schema   *jsonschema.Schema
	types    []string
	baseURI  string
	compiled bool
}

// NewValidator creates a Validator over the schema document at path. Nothing
// is read until the first call.
func NewValidator(path string) *Validator {
	return &Validator{path: path}
}

func (v *Validator) load() {
	v.once.Do(func() {
		data, err := os.ReadFile(v.path)
		if err != nil {
			v.readErr = fmt.Errorf("%w: %v", ErrSchemaNotLoaded, err)
			return
		}

		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			v.readErr = fmt.Errorf("%w: %v", ErrSchemaNotLoaded, err)
			return
		}

		v.types = discriminatorTypes(raw)
		v.baseURI = schemaBaseURI(raw)

		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft7
		if err := compiler.AddResource(v.baseURI, strings.NewReader(string(data))); err != nil {
			if !isCircularEngineError(err) {
				v.readErr = fmt.Errorf("%w: %v", ErrSchemaNotLoaded, err)
			}
			return
		}
		schema, err := compiler.Compile(v.baseURI)
		if err != nil {
			// The FHIR schema is self-referential; engines that refuse the
			// cycle still leave us with the type list, and validation is
			// waved through per the circular-reference rule.
			if !isCircularEngineError(err) {
				v.readErr = fmt.Errorf("%w: %v", ErrSchemaNotLoaded, err)
			}
			return
		}
		v.schema = schema
		v.compiled = true
	})
}

// Validate checks the document against the schema. Engine errors caused by
// the schema's own circular references are coerced to success.
func (v *Validator) Validate(doc map[string]any) error {
	v.load()
	if v.readErr != nil {
		return v.readErr
	}
	if !v.compiled {
		return nil
	}
	if err := v.schema.Validate(any(doc)); err != nil {
		if isCircularEngineError(err) {
			return nil
		}
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// ExtractResourceInfo pulls the resourceType discriminator and the optional
// logical id out of a document. resourceType must be a non-empty string; an
// id that is present but not a string is rejected.
func (v *Validator) ExtractResourceInfo(doc map[string]any) (resourceType, fhirID string, err error) {
	v.load()
	if v.readErr != nil {
		return "", "", v.readErr
	}
	rt, ok := doc["resourceType"].(string)
	if !ok || rt == "" {
		return "", "", fmt.Errorf("missing or invalid resourceType")
	}
	if raw, present := doc["id"]; present {
		id, ok := raw.(string)
		if !ok {
			return "", "", fmt.Errorf("Invalid id: must be string")
		}
		fhirID = id
	}
	return rt, fhirID, nil
}

// ListSupportedTypes returns the resource types enumerated by the schema's
// discriminator.mapping, sorted ascending.
func (v *Validator) ListSupportedTypes() ([]string, error) {
	v.load()
	if v.readErr != nil {
		return nil, v.readErr
	}
	return v.types, nil
}

// SchemaLoaded reports whether the schema document was readable.
func (v *Validator) SchemaLoaded() bool {
	v.load()
	return v.readErr == nil
}

func discriminatorTypes(raw map[string]any) []string {
	disc, _ := raw["discriminator"].(map[string]any)
	mapping, _ := disc["mapping"].(map[string]any)
	types := make([]string, 0, len(mapping))
	for t := range mapping {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// schemaBaseURI takes the registration URI from the schema's id, falling
// back to a fixed name when absent.
func schemaBaseURI(raw map[string]any) string {
	for _, key := range []string{"$id", "id"} {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	return "file:///fhir.schema.json"
}

func isCircularEngineError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "circular") ||
		strings.Contains(msg, "cycle") ||
		strings.Contains(msg, "cannot resolve")
}

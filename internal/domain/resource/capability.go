package resource

import (
	"time"

	"github.com/fhirgraph/fhirgraph/internal/platform/fhir"
)

var resourceInteractions = []string{
	"read", "vread", "update", "patch", "delete",
	"history-instance", "history-type", "create", "search-type",
}

var systemInteractions = []string{
	"transaction", "batch", "search-system", "history-system",
}

// CapabilityStatement assembles the server's metadata document from the
// schema's supported type list. The shape is static apart from the type list
// and the advertised FHIR version.
func CapabilityStatement(validator *fhir.Validator, baseURL, fhirVersion string) (map[string]any, error) {
	types, err := validator.ListSupportedTypes()
	if err != nil {
		return nil, err
	}

	rest := make([]map[string]any, 0, len(types))
	for _, resourceType := range types {
		interactions := make([]map[string]any, len(resourceInteractions))
		for i, code := range resourceInteractions {
			interactions[i] = map[string]any{"code": code}
		}
		rest = append(rest, map[string]any{
			"type":              resourceType,
			"interaction":       interactions,
			"versioning":        "versioned",
			"readHistory":       true,
			"conditionalCreate": true,
			"conditionalUpdate": true,
			"conditionalPatch":  true,
			"conditionalDelete": "single",
			"searchParam": []map[string]any{
				{"name": "_id", "type": "token"},
				{"name": "identifier", "type": "token"},
			},
			"operation": []map[string]any{
				{"name": "validate", "definition": "http://hl7.org/fhir/OperationDefinition/Resource-validate"},
			},
		})
	}

	sysInteractions := make([]map[string]any, len(systemInteractions))
	for i, code := range systemInteractions {
		sysInteractions[i] = map[string]any{"code": code}
	}

	return map[string]any{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format(time.RFC3339),
		"kind":         "instance",
		"fhirVersion":  fhirVersion,
		"format":       []string{"application/fhir+json", "application/json"},
		"patchFormat":  []string{"application/json-patch+json"},
		"implementation": map[string]any{
			"description": "FHIR resource server over a property graph",
			"url":         baseURL,
		},
		"rest": []map[string]any{
			{
				"mode":        "server",
				"resource":    rest,
				"interaction": sysInteractions,
			},
		},
	}, nil
}

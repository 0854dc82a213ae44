package fhir

import (
	"fmt"
	"sort"
	"strings"
)

// Reference is one relative reference found in a resource body. Path is the
// dotted/bracketed JSON path of the "reference" string that produced it, for
// example "subject.reference" or "entry[2].item.reference".
type Reference struct {
	Path       string
	TargetType string
	TargetID   string
}

// ParseReferences walks the decoded JSON tree and collects every relative
// reference of the form "Type/id". Absolute URLs, fragment references and
// non-string reference values are ignored. Object keys are visited in sorted
// order so equal trees always yield equal sequences.
func ParseReferences(doc map[string]any) []Reference {
	var refs []Reference
	walkReferences(doc, "", &refs)
	return refs
}

func walkReferences(node any, path string, refs *[]Reference) {
	switch n := node.(type) {
	case map[string]any:
		if raw, ok := n["reference"]; ok {
			if s, isString := raw.(string); isString {
				if targetType, targetID, ok := SplitRelativeReference(s); ok {
					*refs = append(*refs, Reference{
						Path:       joinPath(path, "reference"),
						TargetType: targetType,
						TargetID:   targetID,
					})
				}
			}
		}
		keys := make([]string, 0, len(n))
		for key := range n {
			if key != "reference" {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)
		for _, key := range keys {
			walkReferences(n[key], joinPath(path, key), refs)
		}
	case []any:
		for i, child := range n {
			walkReferences(child, fmt.Sprintf("%s[%d]", path, i), refs)
		}
	}
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

// SplitRelativeReference parses "Type/id" into its two segments. It rejects
// absolute URLs (anything containing "://"), fragment references (leading
// "#"), and strings that are not exactly two non-empty slash-separated
// segments.
func SplitRelativeReference(ref string) (resourceType, id string, ok bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") || strings.Contains(ref, "://") {
		return "", "", false
	}
	parts := strings.Split(ref, "/")
	if len(parts) != 2 {
		return "", "", false
	}
	resourceType = strings.TrimSpace(parts[0])
	id = strings.TrimSpace(parts[1])
	if resourceType == "" || id == "" {
		return "", "", false
	}
	return resourceType, id, true
}

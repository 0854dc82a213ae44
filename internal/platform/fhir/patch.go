package fhir

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// PatchOperation is a single JSON Patch operation (RFC 6902).
type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// ParseJSONPatch decodes a JSON Patch document.
func ParseJSONPatch(data []byte) ([]PatchOperation, error) {
	var ops []PatchOperation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("invalid JSON Patch document: %w", err)
	}
	for i, op := range ops {
		if op.Op == "" {
			return nil, fmt.Errorf("patch operation %d: missing op", i)
		}
	}
	return ops, nil
}

// ApplyJSONPatch applies add, replace, remove and test operations to a copy
// of the document. Unknown operations are skipped. A failing test, or any
// error while applying, fails the whole patch and the original document is
// left untouched.
func ApplyJSONPatch(doc map[string]any, ops []PatchOperation) (map[string]any, error) {
	result := deepCopyMap(doc)
	for i, op := range ops {
		var err error
		switch op.Op {
		case "add":
			err = patchAdd(result, op.Path, op.Value)
		case "replace":
			err = patchReplace(result, op.Path, op.Value)
		case "remove":
			err = patchRemove(result, op.Path)
		case "test":
			err = patchTest(result, op.Path, op.Value)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("patch operation %d (%s %s): %w", i, op.Op, op.Path, err)
		}
	}
	return result, nil
}

// ParseMergePatch decodes a JSON Merge Patch document (RFC 7386).
func ParseMergePatch(data []byte) (map[string]any, error) {
	var patch map[string]any
	if err := json.Unmarshal(data, &patch); err != nil {
		return nil, fmt.Errorf("invalid JSON Merge Patch document: %w", err)
	}
	return patch, nil
}

// ApplyMergePatch applies a JSON Merge Patch to a copy of the document.
func ApplyMergePatch(doc map[string]any, patch map[string]any) map[string]any {
	result := deepCopyMap(doc)
	mergePatch(result, patch)
	return result
}

func mergePatch(target, patch map[string]any) {
	for key, patchVal := range patch {
		if patchVal == nil {
			delete(target, key)
			continue
		}
		if patchMap, ok := patchVal.(map[string]any); ok {
			if targetMap, ok := target[key].(map[string]any); ok {
				mergePatch(targetMap, patchMap)
				continue
			}
			target[key] = deepCopyMap(patchMap)
			continue
		}
		target[key] = deepCopyValue(patchVal)
	}
}

// splitPointer splits a JSON Pointer into segments, stripping the leading
// slash and unescaping ~1 and ~0.
func splitPointer(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("path must start with /")
	}
	segments := strings.Split(path[1:], "/")
	for i, s := range segments {
		s = strings.ReplaceAll(s, "~1", "/")
		s = strings.ReplaceAll(s, "~0", "~")
		segments[i] = s
	}
	return segments, nil
}

// resolveParent walks to the container holding the final path segment and
// returns that container together with the segment.
func resolveParent(doc map[string]any, path string) (parent any, last string, err error) {
	segments, err := splitPointer(path)
	if err != nil {
		return nil, "", err
	}
	var node any = doc
	for _, seg := range segments[:len(segments)-1] {
		switch n := node.(type) {
		case map[string]any:
			child, ok := n[seg]
			if !ok {
				return nil, "", fmt.Errorf("path not found: %s", path)
			}
			node = child
		case []any:
			idx, convErr := strconv.Atoi(seg)
			if convErr != nil || idx < 0 || idx >= len(n) {
				return nil, "", fmt.Errorf("invalid array index %q in %s", seg, path)
			}
			node = n[idx]
		default:
			return nil, "", fmt.Errorf("cannot descend into scalar at %q in %s", seg, path)
		}
	}
	return node, segments[len(segments)-1], nil
}

// setInParent writes value at last inside parent. Array writes reallocate, so
// the grandparent slot has to be rewritten; rewriteParent does that.
func patchAdd(doc map[string]any, path string, value any) error {
	parent, last, err := resolveParent(doc, path)
	if err != nil {
		return err
	}
	switch p := parent.(type) {
	case map[string]any:
		p[last] = deepCopyValue(value)
		return nil
	case []any:
		if last == "-" {
			return rewriteParent(doc, path, append(p, deepCopyValue(value)))
		}
		idx, convErr := strconv.Atoi(last)
		if convErr != nil {
			return fmt.Errorf("invalid array index %q", last)
		}
		if idx < 0 || idx > len(p) {
			return fmt.Errorf("array index %d out of bounds", idx)
		}
		next := make([]any, 0, len(p)+1)
		next = append(next, p[:idx]...)
		next = append(next, deepCopyValue(value))
		next = append(next, p[idx:]...)
		return rewriteParent(doc, path, next)
	default:
		return fmt.Errorf("cannot add to scalar at %s", path)
	}
}

func patchReplace(doc map[string]any, path string, value any) error {
	parent, last, err := resolveParent(doc, path)
	if err != nil {
		return err
	}
	switch p := parent.(type) {
	case map[string]any:
		if _, ok := p[last]; !ok {
			return fmt.Errorf("path not found: %s", path)
		}
		p[last] = deepCopyValue(value)
		return nil
	case []any:
		idx, convErr := strconv.Atoi(last)
		if convErr != nil || idx < 0 || idx >= len(p) {
			return fmt.Errorf("invalid array index %q", last)
		}
		p[idx] = deepCopyValue(value)
		return nil
	default:
		return fmt.Errorf("cannot replace inside scalar at %s", path)
	}
}

func patchRemove(doc map[string]any, path string) error {
	parent, last, err := resolveParent(doc, path)
	if err != nil {
		return err
	}
	switch p := parent.(type) {
	case map[string]any:
		if _, ok := p[last]; !ok {
			return fmt.Errorf("path not found: %s", path)
		}
		delete(p, last)
		return nil
	case []any:
		idx, convErr := strconv.Atoi(last)
		if convErr != nil || idx < 0 || idx >= len(p) {
			return fmt.Errorf("invalid array index %q", last)
		}
		next := make([]any, 0, len(p)-1)
		next = append(next, p[:idx]...)
		next = append(next, p[idx+1:]...)
		return rewriteParent(doc, path, next)
	default:
		return fmt.Errorf("cannot remove from scalar at %s", path)
	}
}

func patchTest(doc map[string]any, path string, expected any) error {
	parent, last, err := resolveParent(doc, path)
	if err != nil {
		return err
	}
	var actual any
	switch p := parent.(type) {
	case map[string]any:
		val, ok := p[last]
		if !ok {
			return fmt.Errorf("path not found: %s", path)
		}
		actual = val
	case []any:
		idx, convErr := strconv.Atoi(last)
		if convErr != nil || idx < 0 || idx >= len(p) {
			return fmt.Errorf("invalid array index %q", last)
		}
		actual = p[idx]
	default:
		return fmt.Errorf("cannot test inside scalar at %s", path)
	}
	if !jsonEqual(actual, expected) {
		return fmt.Errorf("test failed at %s", path)
	}
	return nil
}

// rewriteParent re-stores a reallocated array into the container one level
// above the final segment.
func rewriteParent(doc map[string]any, path string, arr []any) error {
	segments, err := splitPointer(path)
	if err != nil {
		return err
	}
	if len(segments) < 2 {
		return fmt.Errorf("array at document root is not supported")
	}
	holderPath := "/" + strings.Join(segments[:len(segments)-1], "/")
	holder, holderKey, err := resolveParent(doc, holderPath)
	if err != nil {
		return err
	}
	switch h := holder.(type) {
	case map[string]any:
		h[holderKey] = arr
		return nil
	case []any:
		idx, convErr := strconv.Atoi(holderKey)
		if convErr != nil || idx < 0 || idx >= len(h) {
			return fmt.Errorf("invalid array index %q", holderKey)
		}
		h[idx] = arr
		return nil
	default:
		return fmt.Errorf("cannot rewrite parent of %s", path)
	}
}

// jsonEqual compares two decoded JSON values; numbers compare by value so
// that 1 and 1.0 are equal.
func jsonEqual(a, b any) bool {
	an, aok := toFloat(a)
	bn, bok := toFloat(b)
	if aok && bok {
		return an == bn
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, el := range val {
			out[i] = deepCopyValue(el)
		}
		return out
	default:
		return val
	}
}

package fhir

import (
	"reflect"
	"testing"
)

func patient() map[string]any {
	return map[string]any{
		"resourceType": "Patient",
		"id":           "p1",
		"gender":       "male",
		"name": []any{
			map[string]any{"family": "Smith", "given": []any{"Jan"}},
		},
	}
}

func TestApplyJSONPatch_Replace(t *testing.T) {
	doc := patient()
	out, err := ApplyJSONPatch(doc, []PatchOperation{
		{Op: "replace", Path: "/gender", Value: "female"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["gender"] != "female" {
		t.Errorf("expected gender female, got %v", out["gender"])
	}
	if doc["gender"] != "male" {
		t.Error("original document was mutated")
	}
}

func TestApplyJSONPatch_AddAndAppend(t *testing.T) {
	out, err := ApplyJSONPatch(patient(), []PatchOperation{
		{Op: "add", Path: "/active", Value: true},
		{Op: "add", Path: "/name/0/given/-", Value: "Maria"},
		{Op: "add", Path: "/name/0/given/0", Value: "Eva"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["active"] != true {
		t.Errorf("expected active true, got %v", out["active"])
	}
	given := out["name"].([]any)[0].(map[string]any)["given"].([]any)
	want := []any{"Eva", "Jan", "Maria"}
	if !reflect.DeepEqual(given, want) {
		t.Errorf("expected given %v, got %v", want, given)
	}
}

func TestApplyJSONPatch_Remove(t *testing.T) {
	out, err := ApplyJSONPatch(patient(), []PatchOperation{
		{Op: "remove", Path: "/gender"},
		{Op: "remove", Path: "/name/0"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := out["gender"]; ok {
		t.Error("expected gender removed")
	}
	if names := out["name"].([]any); len(names) != 0 {
		t.Errorf("expected empty name array, got %v", names)
	}
}

func TestApplyJSONPatch_TestFailureFailsWholePatch(t *testing.T) {
	_, err := ApplyJSONPatch(patient(), []PatchOperation{
		{Op: "test", Path: "/gender", Value: "unknown"},
		{Op: "replace", Path: "/gender", Value: "other"},
	})
	if err == nil {
		t.Fatal("expected patch to fail")
	}
}

func TestApplyJSONPatch_TestSuccess(t *testing.T) {
	out, err := ApplyJSONPatch(patient(), []PatchOperation{
		{Op: "test", Path: "/gender", Value: "male"},
		{Op: "replace", Path: "/gender", Value: "other"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["gender"] != "other" {
		t.Errorf("expected gender other, got %v", out["gender"])
	}
}

func TestApplyJSONPatch_UnknownOpSkipped(t *testing.T) {
	out, err := ApplyJSONPatch(patient(), []PatchOperation{
		{Op: "frobnicate", Path: "/gender", Value: "x"},
		{Op: "copy", Path: "/x"},
		{Op: "replace", Path: "/gender", Value: "female"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["gender"] != "female" {
		t.Errorf("expected gender female, got %v", out["gender"])
	}
}

func TestApplyJSONPatch_BadPath(t *testing.T) {
	for _, ops := range [][]PatchOperation{
		{{Op: "replace", Path: "/missing", Value: 1}},
		{{Op: "remove", Path: "/name/9"}},
		{{Op: "add", Path: "gender", Value: 1}},
		{{Op: "add", Path: "/name/x", Value: 1}},
	} {
		if _, err := ApplyJSONPatch(patient(), ops); err == nil {
			t.Errorf("expected error for %+v", ops)
		}
	}
}

func TestApplyJSONPatch_AddRemoveRoundTrip(t *testing.T) {
	orig := patient()
	forward := []PatchOperation{
		{Op: "add", Path: "/active", Value: true},
		{Op: "add", Path: "/name/0/given/0", Value: "Eva"},
	}
	inverse := []PatchOperation{
		{Op: "remove", Path: "/name/0/given/0"},
		{Op: "remove", Path: "/active"},
	}

	applied, err := ApplyJSONPatch(orig, forward)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	back, err := ApplyJSONPatch(applied, inverse)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(back, orig) {
		t.Errorf("round trip mismatch: %v vs %v", back, orig)
	}
}

func TestParseJSONPatch(t *testing.T) {
	ops, err := ParseJSONPatch([]byte(`[{"op":"replace","path":"/gender","value":"female"}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ops) != 1 || ops[0].Op != "replace" {
		t.Errorf("unexpected ops: %+v", ops)
	}

	if _, err := ParseJSONPatch([]byte(`{"op":"replace"}`)); err == nil {
		t.Error("expected error for non-array document")
	}
	if _, err := ParseJSONPatch([]byte(`[{"path":"/x"}]`)); err == nil {
		t.Error("expected error for missing op")
	}
}

func TestApplyMergePatch(t *testing.T) {
	out := ApplyMergePatch(patient(), map[string]any{
		"gender": nil,
		"active": true,
		"maritalStatus": map[string]any{
			"text": "married",
		},
	})
	if _, ok := out["gender"]; ok {
		t.Error("expected gender removed by null")
	}
	if out["active"] != true {
		t.Errorf("expected active true, got %v", out["active"])
	}
	ms := out["maritalStatus"].(map[string]any)
	if ms["text"] != "married" {
		t.Errorf("expected nested merge, got %v", ms)
	}
}

package merge

import (
	"testing"
)

func TestChangedFieldsScalars(t *testing.T) {
	before := []byte(`{"name":"Ann","email":"a@x.com","points":0}`)
	after := []byte(`{"name":"Ann","email":"b@x.com","points":100}`)

	paths, err := ChangedFields(before, after)
	if err != nil {
		t.Fatalf("changed fields: %v", err)
	}
	want := []FieldPath{"email", "points"}
	if len(paths) != len(want) {
		t.Fatalf("expected %v, got %v", want, paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, paths)
		}
	}
}

func TestChangedFieldsIdenticalDocuments(t *testing.T) {
	doc := []byte(`{"a":1,"b":{"c":2}}`)
	paths, err := ChangedFields(doc, doc)
	if err != nil {
		t.Fatalf("changed fields: %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("expected no changes, got %v", paths)
	}
}

func TestChangedFieldsMapKeysStayGranular(t *testing.T) {
	before := []byte(`{"seats":{"1":"ann","3":"bob"}}`)
	after := []byte(`{"seats":{"1":"ann","3":"carol","5":"dave"}}`)

	paths, err := ChangedFields(before, after)
	if err != nil {
		t.Fatalf("changed fields: %v", err)
	}
	want := map[FieldPath]bool{"seats[3]": true, "seats[5]": true}
	if len(paths) != len(want) {
		t.Fatalf("expected 2 paths, got %v", paths)
	}
	for _, path := range paths {
		if !want[path] {
			t.Fatalf("unexpected path %q in %v", path, paths)
		}
	}
}

func TestChangedFieldsNestedKeys(t *testing.T) {
	before := []byte(`{"seats":{"3":{"hp":10,"name":"bob"}}}`)
	after := []byte(`{"seats":{"3":{"hp":7,"name":"bob"}}}`)

	paths, err := ChangedFields(before, after)
	if err != nil {
		t.Fatalf("changed fields: %v", err)
	}
	if len(paths) != 1 || paths[0] != "seats[3][hp]" {
		t.Fatalf("expected [seats[3][hp]], got %v", paths)
	}
}

func TestChangedFieldsAddedAndRemoved(t *testing.T) {
	before := []byte(`{"a":1,"b":2}`)
	after := []byte(`{"b":2,"c":3}`)

	paths, err := ChangedFields(before, after)
	if err != nil {
		t.Fatalf("changed fields: %v", err)
	}
	if len(paths) != 2 || paths[0] != "a" || paths[1] != "c" {
		t.Fatalf("expected [a c], got %v", paths)
	}
}

func TestChangedFieldsEmptyInputs(t *testing.T) {
	paths, err := ChangedFields(nil, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("changed fields: %v", err)
	}
	if len(paths) != 1 || paths[0] != "a" {
		t.Fatalf("expected [a], got %v", paths)
	}
}

func TestDisjoint(t *testing.T) {
	a := []FieldPath{"email", "seats[1]"}
	b := []FieldPath{"points", "seats[3]"}
	if !Disjoint(a, b) {
		t.Fatal("expected disjoint sets")
	}

	c := []FieldPath{"seats[1]", "name"}
	if Disjoint(a, c) {
		t.Fatal("expected overlap on seats[1]")
	}

	if !Disjoint(nil, b) || !Disjoint(a, nil) {
		t.Fatal("empty set is disjoint with anything")
	}
}

func TestArraysTreatedAsSingleValue(t *testing.T) {
	before := []byte(`{"tags":["a","b"]}`)
	after := []byte(`{"tags":["a","c"]}`)

	paths, err := ChangedFields(before, after)
	if err != nil {
		t.Fatalf("changed fields: %v", err)
	}
	if len(paths) != 1 || paths[0] != "tags" {
		t.Fatalf("expected [tags], got %v", paths)
	}
}

package models

import (
	"encoding/json"
	"testing"
)

func TestNewIDShapeAndUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if !IsID(id) {
			t.Fatalf("bad id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestCloneWithNewIDs(t *testing.T) {
	src := FeatureSnapshot{
		ID: "a", RefSeq: "r", Max: 10, Type: "mRNA",
		Attributes: map[string][]string{AttrGFFID: {"A"}, "Note": {"x"}},
		Children:   []FeatureSnapshot{{ID: "b", RefSeq: "r", Max: 5, Type: "exon"}},
	}
	n := 0
	cp, mapping := CloneWithNewIDs(src, func() string {
		n++
		return string(rune('0' + n))
	})
	if cp.ID != "1" || cp.Children[0].ID != "2" {
		t.Fatalf("ids = %s %s", cp.ID, cp.Children[0].ID)
	}
	if mapping["a"] != "1" || mapping["b"] != "2" {
		t.Fatalf("mapping = %v", mapping)
	}
	if _, ok := cp.Attributes[AttrGFFID]; ok {
		t.Error("gff_id copied")
	}
	if src.Attributes[AttrGFFID][0] != "A" || src.Children[0].ID != "b" {
		t.Error("source modified")
	}
}

func TestEqualIgnoresChildOrder(t *testing.T) {
	a := FeatureSnapshot{ID: "p", Children: []FeatureSnapshot{{ID: "x", Min: 1}, {ID: "y", Min: 2}}}
	b := FeatureSnapshot{ID: "p", Children: []FeatureSnapshot{{ID: "y", Min: 2}, {ID: "x", Min: 1}}}
	if !a.Equal(b) {
		t.Fatal("snapshots should be equal")
	}
	b.Children[0].Min = 3
	if a.Equal(b) {
		t.Fatal("snapshots should differ")
	}
}

func TestSnapshotJSONFieldNames(t *testing.T) {
	data, err := json.Marshal(FeatureSnapshot{ID: "f", RefSeq: "r", Min: 1, Max: 2, Type: "gene"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"_id":"f","refSeq":"r","min":1,"max":2,"type":"gene"}`
	if string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}
}

func TestRegionOverlaps(t *testing.T) {
	r := Region{Start: 10, End: 20}
	cases := []struct {
		min, max int64
		want     bool
	}{
		{0, 10, false},
		{0, 11, true},
		{19, 30, true},
		{20, 30, false},
		{15, 15, true},
	}
	for _, tc := range cases {
		if got := r.Overlaps(tc.min, tc.max); got != tc.want {
			t.Errorf("Overlaps(%d,%d) = %v", tc.min, tc.max, got)
		}
	}
}

func TestValidationResultSet(t *testing.T) {
	s := Accepted()
	s.Add(ValidationResult{Name: "a", OK: true})
	if !s.OK {
		t.Fatal("expected ok")
	}
	s.Add(ValidationResult{Name: "b", Messages: []string{"bad"}})
	if s.OK || s.Messages() != "bad" {
		t.Fatalf("set = %+v", s)
	}
}

// Package models defines the annotation data model shared by the client store,
// the change log and the collaboration server.
package models

import (
	"maps"
	"slices"
	"sort"
)

// Reserved attribute keys carried over from GFF3 column 9.
const (
	AttrGFFID   = "gff_id"
	AttrGFFName = "gff_name"
)

// Strand of a feature. Zero means the strand is not set.
type Strand int8

const (
	StrandNone    Strand = 0
	StrandForward Strand = 1
	StrandReverse Strand = -1
)

// Valid reports whether s is one of the three allowed values.
func (s Strand) Valid() bool {
	return s == StrandNone || s == StrandForward || s == StrandReverse
}

// Interval is a half-open, 0-based coordinate range [Min, Max).
type Interval struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// Len returns the number of bases covered.
func (i Interval) Len() int64 { return i.Max - i.Min }

// FeatureSnapshot is the serializable form of a feature and its full subtree.
// Children are kept in canonical order (see SortSnapshots).
type FeatureSnapshot struct {
	ID                     string              `json:"_id"`
	RefSeq                 string              `json:"refSeq"`
	Min                    int64               `json:"min"`
	Max                    int64               `json:"max"`
	Type                   string              `json:"type"`
	Strand                 Strand              `json:"strand,omitempty"`
	Attributes             map[string][]string `json:"attributes,omitempty"`
	DiscontinuousLocations []Interval          `json:"discontinuousLocations,omitempty"`
	Children               []FeatureSnapshot   `json:"children,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (f FeatureSnapshot) Clone() FeatureSnapshot {
	cp := f
	cp.Attributes = CloneAttributes(f.Attributes)
	cp.DiscontinuousLocations = slices.Clone(f.DiscontinuousLocations)
	if f.Children != nil {
		cp.Children = make([]FeatureSnapshot, len(f.Children))
		for i, c := range f.Children {
			cp.Children[i] = c.Clone()
		}
	}
	return cp
}

// IDs returns the id of the snapshot followed by every descendant id, depth first.
func (f FeatureSnapshot) IDs() []string {
	out := []string{f.ID}
	for _, c := range f.Children {
		out = append(out, c.IDs()...)
	}
	return out
}

// Walk calls fn for the snapshot and every descendant, parents first.
func (f FeatureSnapshot) Walk(fn func(parentID string, s FeatureSnapshot)) {
	f.walk("", fn)
}

func (f FeatureSnapshot) walk(parentID string, fn func(string, FeatureSnapshot)) {
	fn(parentID, f)
	for _, c := range f.Children {
		c.walk(f.ID, fn)
	}
}

// Find returns the descendant (or the snapshot itself) with the given id.
func (f FeatureSnapshot) Find(id string) (FeatureSnapshot, bool) {
	if f.ID == id {
		return f, true
	}
	for _, c := range f.Children {
		if found, ok := c.Find(id); ok {
			return found, true
		}
	}
	return FeatureSnapshot{}, false
}

// Equal reports deep equality of two snapshots, ignoring nil-vs-empty differences.
func (f FeatureSnapshot) Equal(o FeatureSnapshot) bool {
	if f.ID != o.ID || f.RefSeq != o.RefSeq || f.Min != o.Min || f.Max != o.Max ||
		f.Type != o.Type || f.Strand != o.Strand {
		return false
	}
	if !AttributesEqual(f.Attributes, o.Attributes) {
		return false
	}
	if len(f.DiscontinuousLocations) != len(o.DiscontinuousLocations) {
		return false
	}
	for i := range f.DiscontinuousLocations {
		if f.DiscontinuousLocations[i] != o.DiscontinuousLocations[i] {
			return false
		}
	}
	if len(f.Children) != len(o.Children) {
		return false
	}
	a := slices.Clone(f.Children)
	b := slices.Clone(o.Children)
	SortSnapshots(a)
	SortSnapshots(b)
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// SortSnapshots orders sibling snapshots canonically by (Min, Max, ID).
func SortSnapshots(s []FeatureSnapshot) {
	sort.SliceStable(s, func(i, j int) bool {
		return lessLocation(s[i].Min, s[i].Max, s[i].ID, s[j].Min, s[j].Max, s[j].ID)
	})
}

func lessLocation(aMin, aMax int64, aID string, bMin, bMax int64, bID string) bool {
	if aMin != bMin {
		return aMin < bMin
	}
	if aMax != bMax {
		return aMax < bMax
	}
	return aID < bID
}

// LessLocation is the canonical child ordering used by the store.
func LessLocation(a, b FeatureSnapshot) bool {
	return lessLocation(a.Min, a.Max, a.ID, b.Min, b.Max, b.ID)
}

// CloneAttributes deep-copies an attribute map. Nil stays nil.
func CloneAttributes(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}

// AttributesEqual compares two attribute maps treating nil and empty as equal.
func AttributesEqual(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	return maps.EqualFunc(a, b, func(x, y []string) bool { return slices.Equal(x, y) })
}

// CloneWithNewIDs copies a subtree giving the root and every descendant a
// fresh id from newID. The returned map sends old ids to new ids.
func CloneWithNewIDs(f FeatureSnapshot, newID func() string) (FeatureSnapshot, map[string]string) {
	mapping := make(map[string]string)
	out := cloneRemap(f, newID, mapping)
	return out, mapping
}

func cloneRemap(f FeatureSnapshot, newID func() string, mapping map[string]string) FeatureSnapshot {
	cp := f.Clone()
	cp.ID = newID()
	mapping[f.ID] = cp.ID
	if attrs := cp.Attributes; attrs != nil {
		// gff_id must stay unique within a file, so the copy drops it.
		delete(attrs, AttrGFFID)
		if len(attrs) == 0 {
			cp.Attributes = nil
		}
	}
	for i, c := range f.Children {
		cp.Children[i] = cloneRemap(c, newID, mapping)
	}
	return cp
}

// CheckResult is an advisory finding attached to one or more features.
type CheckResult struct {
	ID      string   `json:"_id"`
	Name    string   `json:"name"`
	Message string   `json:"message"`
	IDs     []string `json:"ids"`
	RefSeq  string   `json:"refSeq"`
	Start   int64    `json:"start"`
	End     int64    `json:"end"`
}

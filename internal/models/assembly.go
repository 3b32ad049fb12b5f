package models

import "slices"

// Backend kinds select which BackendDriver owns an assembly.
const (
	BackendCollaboration = "collaboration"
	BackendMemory        = "memory"
	BackendFile          = "file"
)

// CommonChannel carries assembly-level changes that are not tied to one refSeq.
const CommonChannel = "COMMON"

// RefSeqSnapshot is the serializable form of a reference sequence header.
type RefSeqSnapshot struct {
	ID       string   `json:"_id"`
	Name     string   `json:"name"`
	Aliases  []string `json:"aliases,omitempty"`
	Length   int64    `json:"length"`
	Assembly string   `json:"assembly"`
}

// RefSeqWithData bundles a refSeq header with optional sequence bases.
type RefSeqWithData struct {
	RefSeqSnapshot
	Sequence string `json:"sequence,omitempty"`
}

// AssemblySnapshot is the full serializable state of one assembly.
type AssemblySnapshot struct {
	ID       string            `json:"_id"`
	Name     string            `json:"name"`
	Aliases  []string          `json:"aliases,omitempty"`
	Backend  string            `json:"backend,omitempty"`
	RefSeqs  []RefSeqWithData  `json:"refSeqs"`
	Features []FeatureSnapshot `json:"features,omitempty"`
	Checks   []CheckResult     `json:"checkResults,omitempty"`
}

// Clone returns a deep copy.
func (a AssemblySnapshot) Clone() AssemblySnapshot {
	cp := a
	cp.Aliases = slices.Clone(a.Aliases)
	cp.RefSeqs = make([]RefSeqWithData, len(a.RefSeqs))
	for i, r := range a.RefSeqs {
		r.Aliases = slices.Clone(r.Aliases)
		cp.RefSeqs[i] = r
	}
	if a.Features != nil {
		cp.Features = make([]FeatureSnapshot, len(a.Features))
		for i, f := range a.Features {
			cp.Features[i] = f.Clone()
		}
	}
	cp.Checks = slices.Clone(a.Checks)
	return cp
}

// ChannelName returns the push channel for a refSeq of an assembly.
func ChannelName(assemblyID, refSeqID string) string {
	return assemblyID + "-" + refSeqID
}

// StoreSnapshot is the complete state of a data store, used for digests and
// snapshot-equality checks.
type StoreSnapshot struct {
	Assemblies []AssemblySnapshot `json:"assemblies"`
}

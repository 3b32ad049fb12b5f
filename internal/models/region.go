package models

import "fmt"

// Region is a window on one reference sequence of an assembly.
type Region struct {
	Assembly string `json:"assembly"`
	RefSeq   string `json:"refSeq"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
}

func (r Region) String() string {
	return fmt.Sprintf("[assembly:%s, refSeq:%s, start:%d, end:%d]", r.Assembly, r.RefSeq, r.Start, r.End)
}

// Overlaps reports whether [min, max) intersects the region. An End of zero
// means the region is open-ended.
func (r Region) Overlaps(min, max int64) bool {
	if r.End > 0 && min >= r.End {
		return false
	}
	return max > r.Start || (min == max && min >= r.Start)
}

// SequenceChunk is a slice of sequence bases returned by a backend.
type SequenceChunk struct {
	RefSeq string `json:"refSeq"`
	Start  int64  `json:"start"`
	End    int64  `json:"end"`
	Seq    string `json:"seq"`
}

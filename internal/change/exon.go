package change

import (
	"context"
	"fmt"
	"slices"
	"sort"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/annocollab/internal/apperr"
	"github.com/starford/annocollab/internal/datastore"
	"github.com/starford/annocollab/internal/models"
	"github.com/starford/annocollab/internal/ontology"
)

const (
	TypeMergeExons     = "MergeExonsChange"
	TypeUndoMergeExons = "UndoMergeExonsChange"
	TypeSplitExon      = "SplitExonChange"
	TypeUndoSplitExon  = "UndoSplitExonChange"
)

// AdjacentExons returns the ids of the exons immediately upstream (five prime)
// and downstream (three prime) of exonID among the exon children of parent.
// Either id is empty when there is no such neighbour.
func AdjacentExons(parent models.FeatureSnapshot, exonID string, o ontology.Store) (fivePrime, threePrime string) {
	var exons []models.FeatureSnapshot
	for _, c := range parent.Children {
		if o.IsTypeOf(c.Type, "exon") {
			exons = append(exons, c)
		}
	}
	sort.SliceStable(exons, func(i, j int) bool {
		if exons[i].Min != exons[j].Min {
			return exons[i].Min < exons[j].Min
		}
		return exons[i].Max < exons[j].Max
	})
	if parent.Strand == models.StrandReverse {
		slices.Reverse(exons)
	}
	idx := slices.IndexFunc(exons, func(e models.FeatureSnapshot) bool { return e.ID == exonID })
	if idx < 0 {
		return "", ""
	}
	if idx > 0 {
		fivePrime = exons[idx-1].ID
	}
	if idx < len(exons)-1 {
		threePrime = exons[idx+1].ID
	}
	return fivePrime, threePrime
}

// childOf returns the direct child id of parent, or a domain error.
func childOf(parent models.FeatureSnapshot, id string) (models.FeatureSnapshot, error) {
	for _, c := range parent.Children {
		if c.ID == id {
			return c, nil
		}
	}
	return models.FeatureSnapshot{}, apperr.Domainf("feature %s is not a child of %s", id, parent.ID)
}

func mergeAttributes(into, from map[string][]string) map[string][]string {
	out := models.CloneAttributes(into)
	for k, vals := range from {
		if k == models.AttrGFFID {
			continue
		}
		if out == nil {
			out = make(map[string][]string)
		}
		for _, v := range vals {
			if !slices.Contains(out[k], v) {
				out[k] = append(out[k], v)
			}
		}
	}
	return out
}

// MergeExonsChange joins two neighbouring exons of one transcript. The first
// exon grows to cover both and the second is removed.
type MergeExonsChange struct {
	Base
	FirstExon       models.FeatureSnapshot `json:"firstExon"`
	SecondExon      models.FeatureSnapshot `json:"secondExon"`
	ParentFeatureID string                 `json:"parentFeatureId"`
}

// NewMergeExons builds a MergeExonsChange.
func NewMergeExons(assembly string, first, second models.FeatureSnapshot, parentID string) *MergeExonsChange {
	return &MergeExonsChange{
		Base:            newBase(TypeMergeExons, assembly, first.ID, second.ID),
		FirstExon:       first.Clone(),
		SecondExon:      second.Clone(),
		ParentFeatureID: parentID,
	}
}

func (c *MergeExonsChange) RefSeqID() string { return c.FirstExon.RefSeq }

func (c *MergeExonsChange) Notification() string {
	return fmt.Sprintf("Merged exons %s and %s", c.FirstExon.ID, c.SecondExon.ID)
}

func (c *MergeExonsChange) Validate() error {
	return validateChange(&c.Base, c,
		validation.Field(&c.FirstExon, validation.By(validSnapshot)),
		validation.Field(&c.SecondExon, validation.By(validSnapshot)),
		validation.Field(&c.ParentFeatureID, validation.Required),
	)
}

func (c *MergeExonsChange) lockIDs() []string {
	return []string{c.FirstExon.ID, c.SecondExon.ID, c.ParentFeatureID}
}

func (c *MergeExonsChange) Execute(ctx context.Context, s *datastore.Store) error {
	return execErr(c, s.Transact(ctx, c.lockIDs(), func(tx *datastore.Tx) error {
		parent, err := tx.Feature(c.ParentFeatureID)
		if err != nil {
			return err
		}
		for _, want := range []models.FeatureSnapshot{c.FirstExon, c.SecondExon} {
			cur, err := childOf(parent, want.ID)
			if err != nil {
				return err
			}
			if cur.Min != want.Min || cur.Max != want.Max {
				return conflict(want.ID, "location", fmt.Sprintf("%d-%d", want.Min, want.Max), fmt.Sprintf("%d-%d", cur.Min, cur.Max))
			}
		}
		five, three := AdjacentExons(parent, c.FirstExon.ID, tx.Ontology())
		if c.SecondExon.ID != five && c.SecondExon.ID != three {
			return apperr.Domainf("exons %s and %s are not adjacent", c.FirstExon.ID, c.SecondExon.ID)
		}

		err = tx.UpdateFeature(c.FirstExon.ID, func(f *models.FeatureSnapshot) error {
			f.Min = min(c.FirstExon.Min, c.SecondExon.Min)
			f.Max = max(c.FirstExon.Max, c.SecondExon.Max)
			f.Attributes = mergeAttributes(c.FirstExon.Attributes, c.SecondExon.Attributes)
			return nil
		})
		if err != nil {
			return err
		}
		_, err = tx.DeleteFeature(c.SecondExon.ID)
		return err
	}))
}

func (c *MergeExonsChange) Inverse() Change {
	return &UndoMergeExonsChange{
		Base:            newBase(TypeUndoMergeExons, c.Assembly, c.FirstExon.ID, c.SecondExon.ID),
		FirstExon:       c.FirstExon.Clone(),
		SecondExon:      c.SecondExon.Clone(),
		ParentFeatureID: c.ParentFeatureID,
	}
}

// UndoMergeExonsChange restores the two exons a MergeExonsChange joined.
type UndoMergeExonsChange struct {
	Base
	FirstExon       models.FeatureSnapshot `json:"firstExon"`
	SecondExon      models.FeatureSnapshot `json:"secondExon"`
	ParentFeatureID string                 `json:"parentFeatureId"`
}

func (c *UndoMergeExonsChange) RefSeqID() string { return c.FirstExon.RefSeq }

func (c *UndoMergeExonsChange) Notification() string {
	return fmt.Sprintf("Unmerged exons %s and %s", c.FirstExon.ID, c.SecondExon.ID)
}

func (c *UndoMergeExonsChange) Validate() error {
	return validateChange(&c.Base, c,
		validation.Field(&c.FirstExon, validation.By(validSnapshot)),
		validation.Field(&c.SecondExon, validation.By(validSnapshot)),
		validation.Field(&c.ParentFeatureID, validation.Required),
	)
}

func (c *UndoMergeExonsChange) Execute(ctx context.Context, s *datastore.Store) error {
	ids := []string{c.FirstExon.ID, c.SecondExon.ID, c.ParentFeatureID}
	return execErr(c, s.Transact(ctx, ids, func(tx *datastore.Tx) error {
		wantMin := min(c.FirstExon.Min, c.SecondExon.Min)
		wantMax := max(c.FirstExon.Max, c.SecondExon.Max)
		err := tx.UpdateFeature(c.FirstExon.ID, func(f *models.FeatureSnapshot) error {
			if f.Min != wantMin || f.Max != wantMax {
				return conflict(f.ID, "location", fmt.Sprintf("%d-%d", wantMin, wantMax), fmt.Sprintf("%d-%d", f.Min, f.Max))
			}
			f.Min = c.FirstExon.Min
			f.Max = c.FirstExon.Max
			f.Attributes = models.CloneAttributes(c.FirstExon.Attributes)
			return nil
		})
		if err != nil {
			return err
		}
		return tx.AddFeature(c.Assembly, c.SecondExon, c.ParentFeatureID)
	}))
}

func (c *UndoMergeExonsChange) Inverse() Change {
	return NewMergeExons(c.Assembly, c.FirstExon, c.SecondExon, c.ParentFeatureID)
}

// SplitPoints returns where an exon spanning [min, max) is cut. The left part
// ends at floor(mid) and the right part starts at ceil(mid), with
// mid = min + (max-min)/2. Exons of two bases or fewer are not split.
func SplitPoints(minPos, maxPos int64) (upstream, downstream int64, err error) {
	span := maxPos - minPos
	if span <= 2 {
		return 0, 0, apperr.Domainf("exon %d-%d is too short to split", minPos, maxPos)
	}
	return minPos + span/2, minPos + (span+1)/2, nil
}

// SplitExonChange cuts an exon in two at its midpoint. The left half keeps the
// exon id; the right half gets NewExonID.
type SplitExonChange struct {
	Base
	ExonToBeSplit   models.FeatureSnapshot `json:"exonToBeSplit"`
	ParentFeatureID string                 `json:"parentFeatureId"`
	UpstreamCut     int64                  `json:"upstreamCut"`
	DownstreamCut   int64                  `json:"downstreamCut"`
	NewExonID       string                 `json:"newExonId"`
}

// NewSplitExon builds a SplitExonChange. It fails when the exon is too short
// to split.
func NewSplitExon(assembly string, exon models.FeatureSnapshot, parentID string) (*SplitExonChange, error) {
	up, down, err := SplitPoints(exon.Min, exon.Max)
	if err != nil {
		return nil, err
	}
	newID := models.NewID()
	return &SplitExonChange{
		Base:            newBase(TypeSplitExon, assembly, exon.ID, newID),
		ExonToBeSplit:   exon.Clone(),
		ParentFeatureID: parentID,
		UpstreamCut:     up,
		DownstreamCut:   down,
		NewExonID:       newID,
	}, nil
}

func (c *SplitExonChange) RefSeqID() string { return c.ExonToBeSplit.RefSeq }

func (c *SplitExonChange) Notification() string {
	return fmt.Sprintf("Split exon %s at %d", c.ExonToBeSplit.ID, c.UpstreamCut)
}

func (c *SplitExonChange) Validate() error {
	return validateChange(&c.Base, c,
		validation.Field(&c.ExonToBeSplit, validation.By(validSnapshot)),
		validation.Field(&c.ParentFeatureID, validation.Required),
		validation.Field(&c.NewExonID, validation.Required),
	)
}

func (c *SplitExonChange) rightHalf() models.FeatureSnapshot {
	e := c.ExonToBeSplit
	attrs := models.CloneAttributes(e.Attributes)
	delete(attrs, models.AttrGFFID)
	if len(attrs) == 0 {
		attrs = nil
	}
	return models.FeatureSnapshot{
		ID:         c.NewExonID,
		RefSeq:     e.RefSeq,
		Min:        c.DownstreamCut,
		Max:        e.Max,
		Type:       e.Type,
		Strand:     e.Strand,
		Attributes: attrs,
	}
}

func (c *SplitExonChange) Execute(ctx context.Context, s *datastore.Store) error {
	e := c.ExonToBeSplit
	ids := []string{e.ID, c.NewExonID, c.ParentFeatureID}
	return execErr(c, s.Transact(ctx, ids, func(tx *datastore.Tx) error {
		up, down, err := SplitPoints(e.Min, e.Max)
		if err != nil {
			return err
		}
		if up != c.UpstreamCut || down != c.DownstreamCut {
			return apperr.Domainf("cut points %d/%d do not match exon %d-%d", c.UpstreamCut, c.DownstreamCut, e.Min, e.Max)
		}
		parent, err := tx.ParentOf(e.ID)
		if err != nil {
			return err
		}
		if parent != c.ParentFeatureID {
			return apperr.Domainf("feature %s is not a child of %s", e.ID, c.ParentFeatureID)
		}
		err = tx.UpdateFeature(e.ID, func(f *models.FeatureSnapshot) error {
			if f.Min != e.Min || f.Max != e.Max {
				return conflict(e.ID, "location", fmt.Sprintf("%d-%d", e.Min, e.Max), fmt.Sprintf("%d-%d", f.Min, f.Max))
			}
			f.Max = c.UpstreamCut
			return nil
		})
		if err != nil {
			return err
		}
		return tx.AddFeature(c.Assembly, c.rightHalf(), c.ParentFeatureID)
	}))
}

func (c *SplitExonChange) Inverse() Change {
	return &UndoSplitExonChange{
		Base:            newBase(TypeUndoSplitExon, c.Assembly, c.ExonToBeSplit.ID, c.NewExonID),
		ExonToBeSplit:   c.ExonToBeSplit.Clone(),
		ParentFeatureID: c.ParentFeatureID,
		UpstreamCut:     c.UpstreamCut,
		DownstreamCut:   c.DownstreamCut,
		NewExonID:       c.NewExonID,
	}
}

// UndoSplitExonChange rejoins the halves produced by a SplitExonChange.
type UndoSplitExonChange struct {
	Base
	ExonToBeSplit   models.FeatureSnapshot `json:"exonToBeSplit"`
	ParentFeatureID string                 `json:"parentFeatureId"`
	UpstreamCut     int64                  `json:"upstreamCut"`
	DownstreamCut   int64                  `json:"downstreamCut"`
	NewExonID       string                 `json:"newExonId"`
}

func (c *UndoSplitExonChange) RefSeqID() string { return c.ExonToBeSplit.RefSeq }

func (c *UndoSplitExonChange) Notification() string {
	return fmt.Sprintf("Rejoined exon %s", c.ExonToBeSplit.ID)
}

func (c *UndoSplitExonChange) Validate() error {
	return validateChange(&c.Base, c,
		validation.Field(&c.ExonToBeSplit, validation.By(validSnapshot)),
		validation.Field(&c.NewExonID, validation.Required),
	)
}

func (c *UndoSplitExonChange) Execute(ctx context.Context, s *datastore.Store) error {
	e := c.ExonToBeSplit
	ids := []string{e.ID, c.NewExonID, c.ParentFeatureID}
	return execErr(c, s.Transact(ctx, ids, func(tx *datastore.Tx) error {
		if _, err := tx.DeleteFeature(c.NewExonID); err != nil {
			return err
		}
		return tx.UpdateFeature(e.ID, func(f *models.FeatureSnapshot) error {
			if f.Max != c.UpstreamCut {
				return conflict(e.ID, "end", c.UpstreamCut, f.Max)
			}
			f.Min = e.Min
			f.Max = e.Max
			return nil
		})
	}))
}

func (c *UndoSplitExonChange) Inverse() Change {
	return &SplitExonChange{
		Base:            newBase(TypeSplitExon, c.Assembly, c.ExonToBeSplit.ID, c.NewExonID),
		ExonToBeSplit:   c.ExonToBeSplit.Clone(),
		ParentFeatureID: c.ParentFeatureID,
		UpstreamCut:     c.UpstreamCut,
		DownstreamCut:   c.DownstreamCut,
		NewExonID:       c.NewExonID,
	}
}

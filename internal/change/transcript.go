package change

import (
	"context"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/annocollab/internal/apperr"
	"github.com/starford/annocollab/internal/datastore"
	"github.com/starford/annocollab/internal/models"
)

const (
	TypeMergeTranscripts     = "MergeTranscriptsChange"
	TypeUndoMergeTranscripts = "UndoMergeTranscriptsChange"
)

// MergeTranscriptsChange folds the second transcript of a gene into the first.
// The second transcript's children are copied into the first under fresh ids
// and the second transcript is deleted.
type MergeTranscriptsChange struct {
	Base
	FirstTranscript  models.FeatureSnapshot   `json:"firstTranscript"`
	SecondTranscript models.FeatureSnapshot   `json:"secondTranscript"`
	ParentFeatureID  string                   `json:"parentFeatureId"`
	MergedChildren   []models.FeatureSnapshot `json:"mergedChildren,omitempty"`
}

// NewMergeTranscripts builds a MergeTranscriptsChange. The copies of the
// second transcript's children get their ids here.
func NewMergeTranscripts(assembly string, first, second models.FeatureSnapshot, parentID string) *MergeTranscriptsChange {
	merged := make([]models.FeatureSnapshot, 0, len(second.Children))
	for _, child := range second.Children {
		cp, _ := models.CloneWithNewIDs(child, models.NewID)
		cp.RefSeq = second.RefSeq
		merged = append(merged, cp)
	}
	return &MergeTranscriptsChange{
		Base:             newBase(TypeMergeTranscripts, assembly, first.ID, second.ID),
		FirstTranscript:  first.Clone(),
		SecondTranscript: second.Clone(),
		ParentFeatureID:  parentID,
		MergedChildren:   merged,
	}
}

func (c *MergeTranscriptsChange) RefSeqID() string { return c.FirstTranscript.RefSeq }

func (c *MergeTranscriptsChange) Notification() string {
	return fmt.Sprintf("Merged transcripts %s and %s", c.FirstTranscript.ID, c.SecondTranscript.ID)
}

func (c *MergeTranscriptsChange) Validate() error {
	return validateChange(&c.Base, c,
		validation.Field(&c.FirstTranscript, validation.By(validSnapshot)),
		validation.Field(&c.SecondTranscript, validation.By(validSnapshot)),
		validation.Field(&c.ParentFeatureID, validation.Required),
	)
}

func transcriptLockIDs(first, second models.FeatureSnapshot, merged []models.FeatureSnapshot, parent string) []string {
	ids := append([]string{first.ID, parent}, second.IDs()...)
	for _, m := range merged {
		ids = append(ids, m.IDs()...)
	}
	return ids
}

func (c *MergeTranscriptsChange) Execute(ctx context.Context, s *datastore.Store) error {
	first, second := c.FirstTranscript, c.SecondTranscript
	ids := transcriptLockIDs(first, second, c.MergedChildren, c.ParentFeatureID)
	return execErr(c, s.Transact(ctx, ids, func(tx *datastore.Tx) error {
		o := tx.Ontology()
		for _, t := range []models.FeatureSnapshot{first, second} {
			if !o.IsTypeOf(t.Type, "transcript") {
				return apperr.Domainf("feature %s of type %s is not a transcript", t.ID, t.Type)
			}
			parent, err := tx.ParentOf(t.ID)
			if err != nil {
				return err
			}
			if parent != c.ParentFeatureID {
				return apperr.Domainf("transcripts %s and %s do not share gene %s", first.ID, second.ID, c.ParentFeatureID)
			}
		}

		err := tx.UpdateFeature(first.ID, func(f *models.FeatureSnapshot) error {
			if f.Min != first.Min || f.Max != first.Max {
				return conflict(first.ID, "location", fmt.Sprintf("%d-%d", first.Min, first.Max), fmt.Sprintf("%d-%d", f.Min, f.Max))
			}
			f.Min = min(first.Min, second.Min)
			f.Max = max(first.Max, second.Max)
			return nil
		})
		if err != nil {
			return err
		}
		for _, child := range c.MergedChildren {
			if err := tx.AddFeature(c.Assembly, child, first.ID); err != nil {
				return err
			}
		}
		_, err = tx.DeleteFeature(second.ID)
		return err
	}))
}

func (c *MergeTranscriptsChange) Inverse() Change {
	merged := make([]models.FeatureSnapshot, len(c.MergedChildren))
	for i, m := range c.MergedChildren {
		merged[i] = m.Clone()
	}
	return &UndoMergeTranscriptsChange{
		Base:             newBase(TypeUndoMergeTranscripts, c.Assembly, c.FirstTranscript.ID, c.SecondTranscript.ID),
		FirstTranscript:  c.FirstTranscript.Clone(),
		SecondTranscript: c.SecondTranscript.Clone(),
		ParentFeatureID:  c.ParentFeatureID,
		MergedChildren:   merged,
	}
}

// UndoMergeTranscriptsChange removes the copied children, shrinks the first
// transcript back and restores the second.
type UndoMergeTranscriptsChange struct {
	Base
	FirstTranscript  models.FeatureSnapshot   `json:"firstTranscript"`
	SecondTranscript models.FeatureSnapshot   `json:"secondTranscript"`
	ParentFeatureID  string                   `json:"parentFeatureId"`
	MergedChildren   []models.FeatureSnapshot `json:"mergedChildren,omitempty"`
}

func (c *UndoMergeTranscriptsChange) RefSeqID() string { return c.FirstTranscript.RefSeq }

func (c *UndoMergeTranscriptsChange) Notification() string {
	return fmt.Sprintf("Unmerged transcripts %s and %s", c.FirstTranscript.ID, c.SecondTranscript.ID)
}

func (c *UndoMergeTranscriptsChange) Validate() error {
	return validateChange(&c.Base, c,
		validation.Field(&c.FirstTranscript, validation.By(validSnapshot)),
		validation.Field(&c.SecondTranscript, validation.By(validSnapshot)),
		validation.Field(&c.ParentFeatureID, validation.Required),
	)
}

func (c *UndoMergeTranscriptsChange) Execute(ctx context.Context, s *datastore.Store) error {
	first, second := c.FirstTranscript, c.SecondTranscript
	ids := transcriptLockIDs(first, second, c.MergedChildren, c.ParentFeatureID)
	return execErr(c, s.Transact(ctx, ids, func(tx *datastore.Tx) error {
		for _, child := range c.MergedChildren {
			if _, err := tx.DeleteFeature(child.ID); err != nil {
				return err
			}
		}
		wantMin, wantMax := min(first.Min, second.Min), max(first.Max, second.Max)
		err := tx.UpdateFeature(first.ID, func(f *models.FeatureSnapshot) error {
			if f.Min != wantMin || f.Max != wantMax {
				return conflict(first.ID, "location", fmt.Sprintf("%d-%d", wantMin, wantMax), fmt.Sprintf("%d-%d", f.Min, f.Max))
			}
			f.Min, f.Max = first.Min, first.Max
			return nil
		})
		if err != nil {
			return err
		}
		return tx.AddFeature(c.Assembly, second, c.ParentFeatureID)
	}))
}

func (c *UndoMergeTranscriptsChange) Inverse() Change {
	merged := make([]models.FeatureSnapshot, len(c.MergedChildren))
	for i, m := range c.MergedChildren {
		merged[i] = m.Clone()
	}
	return &MergeTranscriptsChange{
		Base:             newBase(TypeMergeTranscripts, c.Assembly, c.FirstTranscript.ID, c.SecondTranscript.ID),
		FirstTranscript:  c.FirstTranscript.Clone(),
		SecondTranscript: c.SecondTranscript.Clone(),
		ParentFeatureID:  c.ParentFeatureID,
		MergedChildren:   merged,
	}
}

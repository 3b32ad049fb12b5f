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
	TypeAddFeature       = "AddFeatureChange"
	TypeDeleteFeature    = "DeleteFeatureChange"
	TypeDuplicateFeature = "DuplicateFeatureChange"
)

// AddFeatureChange inserts a feature subtree, either under a parent or as a
// top-level feature of its refSeq.
type AddFeatureChange struct {
	Base
	AddedFeature    models.FeatureSnapshot `json:"addedFeature"`
	ParentFeatureID string                 `json:"parentFeatureId,omitempty"`
}

// NewAddFeature builds an AddFeatureChange.
func NewAddFeature(assembly string, f models.FeatureSnapshot, parentID string) *AddFeatureChange {
	return &AddFeatureChange{
		Base:            newBase(TypeAddFeature, assembly, f.ID),
		AddedFeature:    f.Clone(),
		ParentFeatureID: parentID,
	}
}

func (c *AddFeatureChange) RefSeqID() string { return c.AddedFeature.RefSeq }

func (c *AddFeatureChange) Notification() string {
	return fmt.Sprintf("Added %s %s", c.AddedFeature.Type, c.AddedFeature.ID)
}

func (c *AddFeatureChange) Validate() error {
	return validateChange(&c.Base, c,
		validation.Field(&c.AddedFeature, validation.By(validSnapshot)),
	)
}

// Execute inserts the feature. Replaying a change whose feature is already
// present with identical content is a no-op; any other collision fails with
// apperr.ErrAlreadyExists.
func (c *AddFeatureChange) Execute(ctx context.Context, s *datastore.Store) error {
	ids := append(c.AddedFeature.IDs(), c.ParentFeatureID)
	err := s.Transact(ctx, ids, func(tx *datastore.Tx) error {
		if tx.HasFeature(c.AddedFeature.ID) {
			existing, err := tx.Feature(c.AddedFeature.ID)
			if err != nil {
				return err
			}
			parent, _ := tx.ParentOf(c.AddedFeature.ID)
			if parent == c.ParentFeatureID && existing.Equal(c.AddedFeature) {
				return nil
			}
			return fmt.Errorf("feature %s: %w", c.AddedFeature.ID, apperr.ErrAlreadyExists)
		}
		return tx.AddFeature(c.Assembly, c.AddedFeature, c.ParentFeatureID)
	})
	if err != nil {
		return execErr(c, err)
	}
	return nil
}

func (c *AddFeatureChange) Inverse() Change {
	return NewDeleteFeature(c.Assembly, c.AddedFeature, c.ParentFeatureID)
}

// DeleteFeatureChange removes a feature and its descendants. It carries the
// full snapshot so it can be undone, and fails with apperr.ErrConflict when the
// feature was moved or retyped since the snapshot was taken.
type DeleteFeatureChange struct {
	Base
	DeletedFeature  models.FeatureSnapshot `json:"deletedFeature"`
	ParentFeatureID string                 `json:"parentFeatureId,omitempty"`
}

// NewDeleteFeature builds a DeleteFeatureChange from the current snapshot of the feature.
func NewDeleteFeature(assembly string, f models.FeatureSnapshot, parentID string) *DeleteFeatureChange {
	return &DeleteFeatureChange{
		Base:            newBase(TypeDeleteFeature, assembly, f.ID),
		DeletedFeature:  f.Clone(),
		ParentFeatureID: parentID,
	}
}

func (c *DeleteFeatureChange) RefSeqID() string { return c.DeletedFeature.RefSeq }

func (c *DeleteFeatureChange) Notification() string {
	return fmt.Sprintf("Deleted %s %s", c.DeletedFeature.Type, c.DeletedFeature.ID)
}

func (c *DeleteFeatureChange) Validate() error {
	return validateChange(&c.Base, c,
		validation.Field(&c.DeletedFeature, validation.By(validSnapshot)),
	)
}

func (c *DeleteFeatureChange) Execute(ctx context.Context, s *datastore.Store) error {
	// Lock the whole subtree, as stored and as captured, so no transaction on
	// a descendant runs while its ancestor goes away.
	ids := append(s.SubtreeIDs(c.DeletedFeature.ID), c.DeletedFeature.IDs()...)
	ids = append(ids, c.ParentFeatureID)
	want := c.DeletedFeature
	err := s.Transact(ctx, ids, func(tx *datastore.Tx) error {
		cur, err := tx.Feature(want.ID)
		if err != nil {
			return err
		}
		if cur.Min != want.Min || cur.Max != want.Max {
			return conflict(want.ID, "location", fmt.Sprintf("%d-%d", want.Min, want.Max), fmt.Sprintf("%d-%d", cur.Min, cur.Max))
		}
		if cur.Type != want.Type {
			return conflict(want.ID, "type", want.Type, cur.Type)
		}
		_, err = tx.DeleteFeature(want.ID)
		return err
	})
	if err != nil {
		return execErr(c, err)
	}
	return nil
}

func (c *DeleteFeatureChange) Inverse() Change {
	return NewAddFeature(c.Assembly, c.DeletedFeature, c.ParentFeatureID)
}

// DuplicateFeatureChange adds a copy of an existing feature. The copy and every
// descendant carry fresh ids chosen when the change is built.
type DuplicateFeatureChange struct {
	Base
	SourceFeatureID string                 `json:"sourceFeatureId"`
	Duplicate       models.FeatureSnapshot `json:"duplicateFeature"`
	ParentFeatureID string                 `json:"parentFeatureId,omitempty"`
}

// NewDuplicateFeature copies source with fresh ids.
func NewDuplicateFeature(assembly string, source models.FeatureSnapshot, parentID string) *DuplicateFeatureChange {
	dup, _ := models.CloneWithNewIDs(source, models.NewID)
	return &DuplicateFeatureChange{
		Base:            newBase(TypeDuplicateFeature, assembly, dup.ID),
		SourceFeatureID: source.ID,
		Duplicate:       dup,
		ParentFeatureID: parentID,
	}
}

func (c *DuplicateFeatureChange) RefSeqID() string { return c.Duplicate.RefSeq }

func (c *DuplicateFeatureChange) Notification() string {
	return fmt.Sprintf("Duplicated %s %s as %s", c.Duplicate.Type, c.SourceFeatureID, c.Duplicate.ID)
}

func (c *DuplicateFeatureChange) Validate() error {
	return validateChange(&c.Base, c,
		validation.Field(&c.SourceFeatureID, validation.Required),
		validation.Field(&c.Duplicate, validation.By(validSnapshot)),
	)
}

func (c *DuplicateFeatureChange) Execute(ctx context.Context, s *datastore.Store) error {
	ids := append(c.Duplicate.IDs(), c.SourceFeatureID, c.ParentFeatureID)
	err := s.Transact(ctx, ids, func(tx *datastore.Tx) error {
		if !tx.HasFeature(c.SourceFeatureID) {
			return apperr.NotFound("feature", c.SourceFeatureID)
		}
		return tx.AddFeature(c.Assembly, c.Duplicate, c.ParentFeatureID)
	})
	if err != nil {
		return execErr(c, err)
	}
	return nil
}

func (c *DuplicateFeatureChange) Inverse() Change {
	return NewDeleteFeature(c.Assembly, c.Duplicate, c.ParentFeatureID)
}

func validSnapshot(v any) error {
	f, ok := v.(models.FeatureSnapshot)
	if !ok {
		return fmt.Errorf("not a feature snapshot")
	}
	var err error
	f.Walk(func(_ string, s models.FeatureSnapshot) {
		if err != nil {
			return
		}
		switch {
		case s.ID == "":
			err = fmt.Errorf("feature id is required")
		case s.Type == "":
			err = fmt.Errorf("feature %s: type is required", s.ID)
		case s.Min < 0 || s.Max < s.Min:
			err = fmt.Errorf("feature %s: invalid location %d-%d", s.ID, s.Min, s.Max)
		case !s.Strand.Valid():
			err = fmt.Errorf("feature %s: invalid strand", s.ID)
		}
	})
	if err == nil && f.RefSeq == "" {
		err = fmt.Errorf("feature %s: refSeq is required", f.ID)
	}
	return err
}

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
	TypeType             = "TypeChange"
	TypeStrand           = "StrandChange"
	TypeFeatureAttribute = "FeatureAttributeChange"
)

// TypeChange sets the ontology type of a feature.
type TypeChange struct {
	Base
	FeatureID string `json:"featureId"`
	OldType   string `json:"oldType"`
	NewType   string `json:"newType"`
}

// NewType builds a TypeChange.
func NewType(assembly, featureID, oldType, newType string) *TypeChange {
	return &TypeChange{
		Base:      newBase(TypeType, assembly, featureID),
		FeatureID: featureID,
		OldType:   oldType,
		NewType:   newType,
	}
}

func (c *TypeChange) Notification() string {
	return fmt.Sprintf("Type of %s changed from %s to %s", c.FeatureID, c.OldType, c.NewType)
}

func (c *TypeChange) Validate() error {
	return validateChange(&c.Base, c,
		validation.Field(&c.FeatureID, validation.Required),
		validation.Field(&c.OldType, validation.Required),
		validation.Field(&c.NewType, validation.Required),
	)
}

func (c *TypeChange) Execute(ctx context.Context, s *datastore.Store) error {
	return execErr(c, s.Transact(ctx, []string{c.FeatureID}, func(tx *datastore.Tx) error {
		return tx.UpdateFeature(c.FeatureID, func(f *models.FeatureSnapshot) error {
			if f.Type != c.OldType {
				return conflict(c.FeatureID, "type", c.OldType, f.Type)
			}
			f.Type = c.NewType
			return nil
		})
	}))
}

func (c *TypeChange) Inverse() Change {
	return NewType(c.Assembly, c.FeatureID, c.NewType, c.OldType)
}

// StrandChange sets the strand of a single feature. Descendants keep their own strand.
type StrandChange struct {
	Base
	FeatureID string        `json:"featureId"`
	OldStrand models.Strand `json:"oldStrand"`
	NewStrand models.Strand `json:"newStrand"`
}

// NewStrand builds a StrandChange.
func NewStrand(assembly, featureID string, oldStrand, newStrand models.Strand) *StrandChange {
	return &StrandChange{
		Base:      newBase(TypeStrand, assembly, featureID),
		FeatureID: featureID,
		OldStrand: oldStrand,
		NewStrand: newStrand,
	}
}

func (c *StrandChange) Notification() string {
	return fmt.Sprintf("Strand of %s changed from %d to %d", c.FeatureID, c.OldStrand, c.NewStrand)
}

func (c *StrandChange) Validate() error {
	return validateChange(&c.Base, c,
		validation.Field(&c.FeatureID, validation.Required),
		validation.Field(&c.NewStrand, validation.By(func(v any) error {
			if s, _ := v.(models.Strand); !s.Valid() {
				return fmt.Errorf("must be -1, 0 or 1")
			}
			return nil
		})),
	)
}

func (c *StrandChange) Execute(ctx context.Context, s *datastore.Store) error {
	return execErr(c, s.Transact(ctx, []string{c.FeatureID}, func(tx *datastore.Tx) error {
		return tx.UpdateFeature(c.FeatureID, func(f *models.FeatureSnapshot) error {
			if f.Strand != c.OldStrand {
				return conflict(c.FeatureID, "strand", c.OldStrand, f.Strand)
			}
			f.Strand = c.NewStrand
			return nil
		})
	}))
}

func (c *StrandChange) Inverse() Change {
	return NewStrand(c.Assembly, c.FeatureID, c.NewStrand, c.OldStrand)
}

// FeatureAttributeChange replaces the whole attribute map of a feature.
type FeatureAttributeChange struct {
	Base
	FeatureID     string              `json:"featureId"`
	OldAttributes map[string][]string `json:"oldAttributes"`
	NewAttributes map[string][]string `json:"newAttributes"`
}

// NewFeatureAttribute builds a FeatureAttributeChange.
func NewFeatureAttribute(assembly, featureID string, oldAttrs, newAttrs map[string][]string) *FeatureAttributeChange {
	return &FeatureAttributeChange{
		Base:          newBase(TypeFeatureAttribute, assembly, featureID),
		FeatureID:     featureID,
		OldAttributes: models.CloneAttributes(oldAttrs),
		NewAttributes: models.CloneAttributes(newAttrs),
	}
}

func (c *FeatureAttributeChange) Notification() string {
	return fmt.Sprintf("Attributes of %s changed", c.FeatureID)
}

func (c *FeatureAttributeChange) Validate() error {
	return validateChange(&c.Base, c,
		validation.Field(&c.FeatureID, validation.Required),
		validation.Field(&c.NewAttributes, validation.By(func(v any) error {
			attrs, _ := v.(map[string][]string)
			for k := range attrs {
				if k == "" {
					return fmt.Errorf("attribute keys must not be empty")
				}
			}
			return nil
		})),
	)
}

func (c *FeatureAttributeChange) Execute(ctx context.Context, s *datastore.Store) error {
	return execErr(c, s.Transact(ctx, []string{c.FeatureID}, func(tx *datastore.Tx) error {
		return tx.UpdateFeature(c.FeatureID, func(f *models.FeatureSnapshot) error {
			if !models.AttributesEqual(f.Attributes, c.OldAttributes) {
				return fmt.Errorf("attributes of feature %s changed since the edit began: %w", c.FeatureID, apperr.ErrConflict)
			}
			f.Attributes = models.CloneAttributes(c.NewAttributes)
			if len(f.Attributes) == 0 {
				f.Attributes = nil
			}
			return nil
		})
	}))
}

func (c *FeatureAttributeChange) Inverse() Change {
	return NewFeatureAttribute(c.Assembly, c.FeatureID, c.NewAttributes, c.OldAttributes)
}

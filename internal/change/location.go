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
	TypeLocationStart              = "LocationStartChange"
	TypeLocationEnd                = "LocationEndChange"
	TypeDiscontinuousLocationStart = "DiscontinuousLocationStartChange"
	TypeDiscontinuousLocationEnd   = "DiscontinuousLocationEndChange"
)

// LocationStartChange moves the start of a feature, and of its first interval
// when it has several.
type LocationStartChange struct {
	Base
	FeatureID string `json:"featureId"`
	OldStart  int64  `json:"oldStart"`
	NewStart  int64  `json:"newStart"`
}

// NewLocationStart builds a LocationStartChange.
func NewLocationStart(assembly, featureID string, oldStart, newStart int64) *LocationStartChange {
	return &LocationStartChange{
		Base:      newBase(TypeLocationStart, assembly, featureID),
		FeatureID: featureID,
		OldStart:  oldStart,
		NewStart:  newStart,
	}
}

func (c *LocationStartChange) Notification() string {
	return fmt.Sprintf("Start of %s changed from %d to %d", c.FeatureID, c.OldStart, c.NewStart)
}

func (c *LocationStartChange) Validate() error {
	return validateChange(&c.Base, c,
		validation.Field(&c.FeatureID, validation.Required),
		validation.Field(&c.NewStart, validation.Min(int64(0))),
	)
}

func (c *LocationStartChange) Execute(ctx context.Context, s *datastore.Store) error {
	return execErr(c, s.Transact(ctx, []string{c.FeatureID}, func(tx *datastore.Tx) error {
		return tx.UpdateFeature(c.FeatureID, func(f *models.FeatureSnapshot) error {
			if f.Min != c.OldStart {
				return conflict(c.FeatureID, "start", c.OldStart, f.Min)
			}
			f.Min = c.NewStart
			if len(f.DiscontinuousLocations) > 0 {
				f.DiscontinuousLocations[0].Min = c.NewStart
			}
			return nil
		})
	}))
}

func (c *LocationStartChange) Inverse() Change {
	return NewLocationStart(c.Assembly, c.FeatureID, c.NewStart, c.OldStart)
}

// LocationEndChange moves the end of a feature, and of its last interval
// when it has several.
type LocationEndChange struct {
	Base
	FeatureID string `json:"featureId"`
	OldEnd    int64  `json:"oldEnd"`
	NewEnd    int64  `json:"newEnd"`
}

// NewLocationEnd builds a LocationEndChange.
func NewLocationEnd(assembly, featureID string, oldEnd, newEnd int64) *LocationEndChange {
	return &LocationEndChange{
		Base:      newBase(TypeLocationEnd, assembly, featureID),
		FeatureID: featureID,
		OldEnd:    oldEnd,
		NewEnd:    newEnd,
	}
}

func (c *LocationEndChange) Notification() string {
	return fmt.Sprintf("End of %s changed from %d to %d", c.FeatureID, c.OldEnd, c.NewEnd)
}

func (c *LocationEndChange) Validate() error {
	return validateChange(&c.Base, c,
		validation.Field(&c.FeatureID, validation.Required),
		validation.Field(&c.NewEnd, validation.Min(int64(0))),
	)
}

func (c *LocationEndChange) Execute(ctx context.Context, s *datastore.Store) error {
	return execErr(c, s.Transact(ctx, []string{c.FeatureID}, func(tx *datastore.Tx) error {
		return tx.UpdateFeature(c.FeatureID, func(f *models.FeatureSnapshot) error {
			if f.Max != c.OldEnd {
				return conflict(c.FeatureID, "end", c.OldEnd, f.Max)
			}
			f.Max = c.NewEnd
			if n := len(f.DiscontinuousLocations); n > 0 {
				f.DiscontinuousLocations[n-1].Max = c.NewEnd
			}
			return nil
		})
	}))
}

func (c *LocationEndChange) Inverse() Change {
	return NewLocationEnd(c.Assembly, c.FeatureID, c.NewEnd, c.OldEnd)
}

// DiscontinuousLocationStartChange moves the start of one interval of a
// multi-interval feature. Moving the first interval also moves the feature start.
type DiscontinuousLocationStartChange struct {
	Base
	FeatureID string `json:"featureId"`
	Index     int    `json:"index"`
	OldStart  int64  `json:"oldStart"`
	NewStart  int64  `json:"newStart"`
}

// NewDiscontinuousLocationStart builds a DiscontinuousLocationStartChange.
func NewDiscontinuousLocationStart(assembly, featureID string, index int, oldStart, newStart int64) *DiscontinuousLocationStartChange {
	return &DiscontinuousLocationStartChange{
		Base:      newBase(TypeDiscontinuousLocationStart, assembly, featureID),
		FeatureID: featureID,
		Index:     index,
		OldStart:  oldStart,
		NewStart:  newStart,
	}
}

func (c *DiscontinuousLocationStartChange) Notification() string {
	return fmt.Sprintf("Start of location %d of %s changed from %d to %d", c.Index, c.FeatureID, c.OldStart, c.NewStart)
}

func (c *DiscontinuousLocationStartChange) Validate() error {
	return validateChange(&c.Base, c,
		validation.Field(&c.FeatureID, validation.Required),
		validation.Field(&c.Index, validation.Min(0)),
		validation.Field(&c.NewStart, validation.Min(int64(0))),
	)
}

func (c *DiscontinuousLocationStartChange) Execute(ctx context.Context, s *datastore.Store) error {
	return execErr(c, s.Transact(ctx, []string{c.FeatureID}, func(tx *datastore.Tx) error {
		return tx.UpdateFeature(c.FeatureID, func(f *models.FeatureSnapshot) error {
			locs := f.DiscontinuousLocations
			if c.Index < 0 || c.Index >= len(locs) {
				return apperr.Domainf("feature %s has no location %d", c.FeatureID, c.Index)
			}
			if locs[c.Index].Min != c.OldStart {
				return conflict(c.FeatureID, fmt.Sprintf("start of location %d", c.Index), c.OldStart, locs[c.Index].Min)
			}
			locs[c.Index].Min = c.NewStart
			if c.Index == 0 {
				f.Min = c.NewStart
			}
			return nil
		})
	}))
}

func (c *DiscontinuousLocationStartChange) Inverse() Change {
	return NewDiscontinuousLocationStart(c.Assembly, c.FeatureID, c.Index, c.NewStart, c.OldStart)
}

// DiscontinuousLocationEndChange moves the end of one interval of a
// multi-interval feature. Moving the last interval also moves the feature end.
type DiscontinuousLocationEndChange struct {
	Base
	FeatureID string `json:"featureId"`
	Index     int    `json:"index"`
	OldEnd    int64  `json:"oldEnd"`
	NewEnd    int64  `json:"newEnd"`
}

// NewDiscontinuousLocationEnd builds a DiscontinuousLocationEndChange.
func NewDiscontinuousLocationEnd(assembly, featureID string, index int, oldEnd, newEnd int64) *DiscontinuousLocationEndChange {
	return &DiscontinuousLocationEndChange{
		Base:      newBase(TypeDiscontinuousLocationEnd, assembly, featureID),
		FeatureID: featureID,
		Index:     index,
		OldEnd:    oldEnd,
		NewEnd:    newEnd,
	}
}

func (c *DiscontinuousLocationEndChange) Notification() string {
	return fmt.Sprintf("End of location %d of %s changed from %d to %d", c.Index, c.FeatureID, c.OldEnd, c.NewEnd)
}

func (c *DiscontinuousLocationEndChange) Validate() error {
	return validateChange(&c.Base, c,
		validation.Field(&c.FeatureID, validation.Required),
		validation.Field(&c.Index, validation.Min(0)),
		validation.Field(&c.NewEnd, validation.Min(int64(0))),
	)
}

func (c *DiscontinuousLocationEndChange) Execute(ctx context.Context, s *datastore.Store) error {
	return execErr(c, s.Transact(ctx, []string{c.FeatureID}, func(tx *datastore.Tx) error {
		return tx.UpdateFeature(c.FeatureID, func(f *models.FeatureSnapshot) error {
			locs := f.DiscontinuousLocations
			if c.Index < 0 || c.Index >= len(locs) {
				return apperr.Domainf("feature %s has no location %d", c.FeatureID, c.Index)
			}
			if locs[c.Index].Max != c.OldEnd {
				return conflict(c.FeatureID, fmt.Sprintf("end of location %d", c.Index), c.OldEnd, locs[c.Index].Max)
			}
			locs[c.Index].Max = c.NewEnd
			if c.Index == len(locs)-1 {
				f.Max = c.NewEnd
			}
			return nil
		})
	}))
}

func (c *DiscontinuousLocationEndChange) Inverse() Change {
	return NewDiscontinuousLocationEnd(c.Assembly, c.FeatureID, c.Index, c.NewEnd, c.OldEnd)
}

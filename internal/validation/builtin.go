package validation

import (
	"context"
	"fmt"

	"github.com/starford/annocollab/internal/change"
	"github.com/starford/annocollab/internal/datastore"
	"github.com/starford/annocollab/internal/models"
)

// CoreValidation checks the change's own field rules.
type CoreValidation struct{}

func (CoreValidation) Name() string { return "CoreValidation" }

func (v CoreValidation) PreValidate(_ context.Context, c change.Change) (models.ValidationResult, error) {
	if err := change.Validate(c); err != nil {
		return fail(v.Name(), err.Error()), nil
	}
	return pass(v.Name()), nil
}

// ParentChildContainment requires every feature touched by a change to lie
// within its parent and to contain its children.
type ParentChildContainment struct{}

func (ParentChildContainment) Name() string { return "ParentChildContainment" }

func (v ParentChildContainment) PostValidate(_ context.Context, c change.Change, s *datastore.Store) (models.ValidationResult, error) {
	var msgs []string
	for _, id := range c.ChangedIDs() {
		f, ok := s.GetFeature(id)
		if !ok {
			continue
		}
		if parentID, _ := s.ParentOf(id); parentID != "" {
			if p, ok := s.GetFeature(parentID); ok && !contains(p, f) {
				msgs = append(msgs, fmt.Sprintf("%s %s (%d-%d) extends outside its parent %s (%d-%d)",
					f.Type, f.ID, f.Min, f.Max, p.ID, p.Min, p.Max))
			}
		}
		for _, child := range f.Children {
			if !contains(f, child) {
				msgs = append(msgs, fmt.Sprintf("%s %s (%d-%d) extends outside its parent %s (%d-%d)",
					child.Type, child.ID, child.Min, child.Max, f.ID, f.Min, f.Max))
			}
		}
	}
	if len(msgs) > 0 {
		return fail(v.Name(), msgs...), nil
	}
	return pass(v.Name()), nil
}

func contains(parent, child models.FeatureSnapshot) bool {
	return parent.Min <= child.Min && child.Max <= parent.Max
}

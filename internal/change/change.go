// Package change defines the typed, serializable edit operations applied to a
// datastore.Store and exchanged with backends.
//
// Every change is self-describing: it carries its type name, the ids it touches
// and its assembly, and it can produce its own inverse from data captured when
// it was built. Execute is all-or-nothing; a change that fails leaves the store
// untouched.
package change

import (
	"context"
	"fmt"
	"slices"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/annocollab/internal/apperr"
	"github.com/starford/annocollab/internal/datastore"
	"github.com/starford/annocollab/internal/models"
)

// Change is one edit operation.
type Change interface {
	TypeName() string
	ChangedIDs() []string
	AssemblyID() string
	// Notification is a short human-readable summary.
	Notification() string
	Execute(ctx context.Context, s *datastore.Store) error
	// Inverse returns the change that undoes this one. It never reads the store.
	Inverse() Change
}

// Base holds the fields shared by every variant. It is embedded so the JSON
// form stays flat.
type Base struct {
	Type     string   `json:"typeName"`
	Changed  []string `json:"changedIds"`
	Assembly string   `json:"assembly"`
}

func newBase(typeName, assembly string, ids ...string) Base {
	return Base{Type: typeName, Changed: ids, Assembly: assembly}
}

func (b Base) TypeName() string     { return b.Type }
func (b Base) ChangedIDs() []string { return slices.Clone(b.Changed) }
func (b Base) AssemblyID() string   { return b.Assembly }

func (b *Base) validate() error {
	return validation.ValidateStruct(b,
		validation.Field(&b.Type, validation.Required),
		validation.Field(&b.Changed, validation.Required),
		validation.Field(&b.Assembly, validation.Required),
	)
}

// validateChange checks the shared fields and then the variant's own rules.
func validateChange(b *Base, structPtr any, fields ...*validation.FieldRules) error {
	if err := b.validate(); err != nil {
		return err
	}
	return validation.ValidateStruct(structPtr, fields...)
}

// Validate runs the optional field validation of c.
func Validate(c Change) error {
	if v, ok := c.(validation.Validatable); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("change: %s: %w", c.TypeName(), apperr.Domainf("%v", err))
		}
	}
	return nil
}

// RefSeqScoped is implemented by changes that know which refSeq they touch
// without consulting a store.
type RefSeqScoped interface {
	RefSeqID() string
}

// Channel returns the push channel a change belongs to. Feature changes go to
// "<assembly>-<refSeq>"; assembly-level changes go to models.CommonChannel.
// s is consulted for changes that only name feature ids, so call it before
// executing a change that removes features.
func Channel(c Change, s *datastore.Store) string {
	if scoped, ok := c.(RefSeqScoped); ok {
		ref := scoped.RefSeqID()
		if ref == "" {
			return models.CommonChannel
		}
		return models.ChannelName(c.AssemblyID(), ref)
	}
	for _, id := range c.ChangedIDs() {
		if f, ok := s.GetFeature(id); ok {
			return models.ChannelName(c.AssemblyID(), f.RefSeq)
		}
	}
	return models.CommonChannel
}

func conflict(featureID, field string, want, got any) error {
	return fmt.Errorf("%s of feature %s is %v, expected %v: %w", field, featureID, got, want, apperr.ErrConflict)
}

func execErr(c Change, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("change: %s: %w", c.TypeName(), err)
}

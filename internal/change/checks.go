package change

import (
	"context"
	"fmt"
	"slices"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/annocollab/internal/datastore"
	"github.com/starford/annocollab/internal/models"
)

const TypeReplaceCheckResults = "ReplaceCheckResultsChange"

// ReplaceCheckResultsChange swaps the check results attached to a set of features.
type ReplaceCheckResultsChange struct {
	Base
	OldResults []models.CheckResult `json:"oldCheckResults,omitempty"`
	NewResults []models.CheckResult `json:"newCheckResults,omitempty"`
}

// NewReplaceCheckResults builds a ReplaceCheckResultsChange for featureIDs.
func NewReplaceCheckResults(assembly string, featureIDs []string, oldResults, newResults []models.CheckResult) *ReplaceCheckResultsChange {
	return &ReplaceCheckResultsChange{
		Base:       newBase(TypeReplaceCheckResults, assembly, featureIDs...),
		OldResults: cloneChecks(oldResults),
		NewResults: cloneChecks(newResults),
	}
}

func cloneChecks(in []models.CheckResult) []models.CheckResult {
	if in == nil {
		return nil
	}
	out := make([]models.CheckResult, len(in))
	for i, c := range in {
		c.IDs = slices.Clone(c.IDs)
		out[i] = c
	}
	return out
}

func (c *ReplaceCheckResultsChange) RefSeqID() string {
	for _, r := range slices.Concat(c.NewResults, c.OldResults) {
		if r.RefSeq != "" {
			return r.RefSeq
		}
	}
	return ""
}

func (c *ReplaceCheckResultsChange) Notification() string {
	return fmt.Sprintf("%d check results replaced by %d", len(c.OldResults), len(c.NewResults))
}

func (c *ReplaceCheckResultsChange) Validate() error {
	return validateChange(&c.Base, c,
		validation.Field(&c.NewResults, validation.Each(validation.By(func(v any) error {
			r, _ := v.(models.CheckResult)
			if r.ID == "" || r.Name == "" {
				return fmt.Errorf("check result id and name are required")
			}
			return nil
		}))),
	)
}

func (c *ReplaceCheckResultsChange) Execute(ctx context.Context, s *datastore.Store) error {
	remove := make([]string, len(c.OldResults))
	for i, r := range c.OldResults {
		remove[i] = r.ID
	}
	return execErr(c, s.Transact(ctx, c.Changed, func(tx *datastore.Tx) error {
		return tx.ReplaceCheckResults(remove, c.NewResults)
	}))
}

func (c *ReplaceCheckResultsChange) Inverse() Change {
	return NewReplaceCheckResults(c.Assembly, c.Changed, c.NewResults, c.OldResults)
}

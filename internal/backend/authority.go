// Package backend implements the BackendDriver variants an assembly can be
// bound to: an in-process memory authority, a local GFF3/FASTA directory and
// the collaboration server.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/starford/annocollab/internal/change"
	"github.com/starford/annocollab/internal/datastore"
	"github.com/starford/annocollab/internal/models"
)

// authority is an authoritative copy of the data held in its own store.
// Submitted changes are executed against it; a change that does not apply is
// rejected.
type authority struct {
	name     string
	store    *datastore.Store
	registry *change.Registry
	logger   *slog.Logger
}

func (a *authority) GetFeatures(_ context.Context, region models.Region) ([]models.FeatureSnapshot, error) {
	feats, err := a.store.FeaturesInRegion(region)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: get features: %w", a.name, err)
	}
	return feats, nil
}

func (a *authority) GetSequence(_ context.Context, region models.Region) (models.SequenceChunk, error) {
	chunk, err := a.store.Sequence(region)
	if err != nil {
		return models.SequenceChunk{}, fmt.Errorf("backend: %s: get sequence: %w", a.name, err)
	}
	return chunk, nil
}

func (a *authority) GetRefSeqs(_ context.Context, assemblyID string) ([]models.RefSeqSnapshot, error) {
	refs, err := a.store.RefSeqs(assemblyID)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: get refSeqs: %w", a.name, err)
	}
	return refs, nil
}

// apply executes op against the authority store. A change that fails is
// reported as a rejected result, not as an error.
func (a *authority) apply(ctx context.Context, op datastore.Operation) (change.Change, models.ValidationResultSet, error) {
	c, err := a.asChange(op)
	if err != nil {
		return nil, models.ValidationResultSet{}, err
	}
	if err := c.Execute(ctx, a.store); err != nil {
		a.logger.Info("backend: change rejected",
			slog.String("backend", a.name),
			slog.String("change", c.TypeName()),
			slog.String("error", err.Error()),
		)
		return c, models.Rejected(a.name, err.Error()), nil
	}
	return c, models.Accepted(), nil
}

// asChange returns op as a change. Operations that are not changes are sent
// through the registry, the same way they would travel over the wire.
func (a *authority) asChange(op datastore.Operation) (change.Change, error) {
	if c, ok := op.(change.Change); ok {
		return c, nil
	}
	raw, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: encode %s: %w", a.name, op.TypeName(), err)
	}
	c, err := a.registry.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: %w", a.name, err)
	}
	return c, nil
}

// Store exposes the authority's own copy of the data.
func (a *authority) Store() *datastore.Store { return a.store }

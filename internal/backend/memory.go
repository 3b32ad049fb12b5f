package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/starford/annocollab/internal/change"
	"github.com/starford/annocollab/internal/datastore"
	"github.com/starford/annocollab/internal/models"
)

// MemoryDriver is an in-process authority seeded with whole assemblies. It
// accepts every change that applies cleanly to its own copy.
type MemoryDriver struct {
	authority
	submitted atomic.Int64
}

// NewMemoryDriver seeds a MemoryDriver. A nil registry uses change.NewRegistry.
func NewMemoryDriver(registry *change.Registry, logger *slog.Logger, seed ...models.AssemblySnapshot) (*MemoryDriver, error) {
	if registry == nil {
		registry = change.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	store := datastore.New(datastore.WithLogger(logger), datastore.WithDefaultBackend(models.BackendMemory))
	for _, a := range seed {
		a.Backend = models.BackendMemory
		if err := store.AddAssembly(context.Background(), a); err != nil {
			return nil, fmt.Errorf("backend: memory: seed %s: %w", a.ID, err)
		}
	}
	return &MemoryDriver{authority: authority{
		name:     models.BackendMemory,
		store:    store,
		registry: registry,
		logger:   logger,
	}}, nil
}

func (d *MemoryDriver) SubmitChange(ctx context.Context, op datastore.Operation) (models.ValidationResultSet, error) {
	d.submitted.Add(1)
	_, res, err := d.apply(ctx, op)
	return res, err
}

// Submitted counts the changes received so far.
func (d *MemoryDriver) Submitted() int64 { return d.submitted.Load() }

var _ datastore.BackendDriver = (*MemoryDriver)(nil)

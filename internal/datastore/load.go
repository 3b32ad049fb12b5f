package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/starford/annocollab/internal/apperr"
	"github.com/starford/annocollab/internal/models"
)

// Operation is the wire-level view of a change that drivers need to submit it.
// Implementations must marshal to the change JSON form.
type Operation interface {
	TypeName() string
	ChangedIDs() []string
	AssemblyID() string
}

// BackendDriver is the per-assembly adapter to the authoritative source of data.
type BackendDriver interface {
	GetFeatures(ctx context.Context, region models.Region) ([]models.FeatureSnapshot, error)
	GetSequence(ctx context.Context, region models.Region) (models.SequenceChunk, error)
	GetRefSeqs(ctx context.Context, assemblyID string) ([]models.RefSeqSnapshot, error)
	SubmitChange(ctx context.Context, op Operation) (models.ValidationResultSet, error)
}

// GetBackendDriver returns the driver owning assemblyID. Assemblies that are not
// loaded yet, or do not name a backend, use the default backend.
func (s *Store) GetBackendDriver(assemblyID string) (BackendDriver, error) {
	d, _, err := s.driverFor(assemblyID)
	return d, err
}

func (s *Store) driverFor(assemblyID string) (BackendDriver, string, error) {
	s.mu.RLock()
	kind := s.defaultBackend
	if a, ok := s.assemblies[assemblyID]; ok && a.backend != "" {
		kind = a.backend
	}
	d := s.drivers[kind]
	s.mu.RUnlock()
	if d == nil {
		return nil, kind, fmt.Errorf("datastore: no driver for backend %q: %w", kind, apperr.ErrNotFound)
	}
	return d, kind, nil
}

// LoadRefSeq makes sure the refSeq headers and sequence bases for each region
// are present, fetching what is missing from the owning driver.
func (s *Store) LoadRefSeq(ctx context.Context, regions []models.Region) error {
	for _, region := range regions {
		d, err := s.ensureRefSeqs(ctx, region)
		if err != nil {
			return err
		}
		if _, err := s.Sequence(region); err == nil {
			continue
		} else if !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		chunk, err := d.GetSequence(ctx, region)
		if err != nil {
			return fmt.Errorf("datastore: load sequence %s: %w", region, err)
		}
		s.addChunk(chunk)
	}
	return nil
}

// LoadFeatures fetches the features of each region and merges them into the
// store. Features already present by id are left alone.
func (s *Store) LoadFeatures(ctx context.Context, regions []models.Region) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, region := range regions {
		g.Go(func() error {
			return s.loadRegion(gctx, region)
		})
	}
	return g.Wait()
}

func (s *Store) loadRegion(ctx context.Context, region models.Region) error {
	d, err := s.ensureRefSeqs(ctx, region)
	if err != nil {
		return err
	}
	features, err := d.GetFeatures(ctx, region)
	if err != nil {
		return fmt.Errorf("datastore: load features %s: %w", region, err)
	}
	added := 0
	for _, f := range features {
		err := s.Transact(ctx, f.IDs(), func(tx *Tx) error {
			if tx.HasFeature(f.ID) {
				return nil
			}
			added++
			return tx.AddFeature(region.Assembly, f, "")
		})
		if err != nil {
			return fmt.Errorf("datastore: merge feature %s: %w", f.ID, err)
		}
	}
	s.logger.Debug("datastore: region loaded",
		slog.String("region", region.String()),
		slog.Int("received", len(features)),
		slog.Int("added", added),
	)
	return nil
}

// ensureRefSeqs loads the assembly record and refSeq headers for region if the
// refSeq is not known yet.
func (s *Store) ensureRefSeqs(ctx context.Context, region models.Region) (BackendDriver, error) {
	d, kind, err := s.driverFor(region.Assembly)
	if err != nil {
		return nil, err
	}
	if _, ok := s.RefSeq(region.RefSeq); ok {
		return d, nil
	}
	refSeqs, err := d.GetRefSeqs(ctx, region.Assembly)
	if err != nil {
		return nil, fmt.Errorf("datastore: load refSeqs of %s: %w", region.Assembly, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assemblies[region.Assembly]
	if !ok {
		a = &assembly{id: region.Assembly, name: region.Assembly, backend: kind}
		s.assemblies[a.id] = a
	}
	for _, r := range refSeqs {
		if _, exists := s.refSeqs[r.ID]; exists {
			continue
		}
		s.insertRefSeqLocked(a, models.RefSeqWithData{RefSeqSnapshot: r})
	}
	if _, ok := s.refSeqs[region.RefSeq]; !ok {
		return nil, apperr.NotFound("refSeq", region.RefSeq)
	}
	return d, nil
}

func (s *Store) addChunk(c models.SequenceChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refSeqs[c.RefSeq]
	if !ok {
		return
	}
	r.chunks = append(r.chunks, c)
}

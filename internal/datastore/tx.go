package datastore

import (
	"context"
	"fmt"
	"slices"

	"github.com/starford/annocollab/internal/apperr"
	"github.com/starford/annocollab/internal/models"
	"github.com/starford/annocollab/internal/ontology"
)

// Tx is a unit of work over the store. Every primitive records how to undo
// itself; if the transaction function returns an error the journal is replayed
// backwards and the store is left exactly as it was.
type Tx struct {
	s      *Store
	undo   []func()
	events []Event
}

// Transact runs fn while holding the per-feature locks for ids. Assembly-level
// work passes no ids and relies on the store lock held by each primitive.
func (s *Store) Transact(ctx context.Context, ids []string, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("datastore: transact: %w", err)
	}
	release := s.locks.lock(ids)
	defer release()

	tx := &Tx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	s.events.publish(tx.events)
	return nil
}

func (tx *Tx) rollback() {
	if len(tx.undo) == 0 {
		return
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.events = nil
}

func (tx *Tx) record(undo func(), kind EventKind, id string) {
	tx.undo = append(tx.undo, undo)
	tx.events = append(tx.events, Event{Kind: kind, ID: id})
}

// Ontology returns the store ontology.
func (tx *Tx) Ontology() ontology.Store {
	return tx.s.ontology
}

// Feature returns a copy of a feature subtree.
func (tx *Tx) Feature(id string) (models.FeatureSnapshot, error) {
	f, ok := tx.s.GetFeature(id)
	if !ok {
		return models.FeatureSnapshot{}, apperr.NotFound("feature", id)
	}
	return f, nil
}

// ParentOf returns the parent id of a feature ("" when top-level).
func (tx *Tx) ParentOf(id string) (string, error) {
	p, ok := tx.s.ParentOf(id)
	if !ok {
		return "", apperr.NotFound("feature", id)
	}
	return p, nil
}

// HasFeature reports whether id is loaded.
func (tx *Tx) HasFeature(id string) bool {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	_, ok := tx.s.features[id]
	return ok
}

// Assembly returns the snapshot of a loaded assembly.
func (tx *Tx) Assembly(id string) (models.AssemblySnapshot, error) {
	a, ok := tx.s.Assembly(id)
	if !ok {
		return models.AssemblySnapshot{}, apperr.NotFound("assembly", id)
	}
	return a, nil
}

// RefSeq returns a refSeq header.
func (tx *Tx) RefSeq(id string) (models.RefSeqSnapshot, error) {
	r, ok := tx.s.RefSeq(id)
	if !ok {
		return models.RefSeqSnapshot{}, apperr.NotFound("refSeq", id)
	}
	return r, nil
}

// AddFeature inserts a feature subtree under parentID, or as a top-level
// feature of its refSeq when parentID is empty. assemblyID may be empty, in
// which case the refSeq's assembly is used.
func (tx *Tx) AddFeature(assemblyID string, f models.FeatureSnapshot, parentID string) error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	asm, err := s.checkInsertLocked(assemblyID, f, parentID)
	if err != nil {
		return err
	}
	s.insertLocked(asm, f, parentID)
	id := f.ID
	tx.record(func() { s.removeLocked(id) }, FeatureAdded, id)
	return nil
}

// DeleteFeature removes a feature and all its descendants and returns the
// removed subtree.
func (tx *Tx) DeleteFeature(id string) (models.FeatureSnapshot, error) {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.features[id]
	if !ok {
		return models.FeatureSnapshot{}, apperr.NotFound("feature", id)
	}
	snap := s.subtreeLocked(id)
	asm, parent := n.assembly, n.parent
	s.removeLocked(id)
	tx.record(func() {
		// A concurrent transaction may have removed the parent, refSeq or
		// assembly since; the subtree then stays deleted with them.
		if _, err := s.checkInsertLocked(asm, snap, parent); err != nil {
			s.logger.Warn("datastore: feature not restored", "feature", id, "error", err)
			return
		}
		s.insertLocked(asm, snap, parent)
	}, FeatureDeleted, id)
	return snap, nil
}

// UpdateFeature edits the scalar fields of one feature. fn receives a copy it
// may modify; id, refSeq and children cannot change. fn runs under the store
// write lock and must not call back into the store.
func (tx *Tx) UpdateFeature(id string, fn func(f *models.FeatureSnapshot) error) error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.features[id]
	if !ok {
		return apperr.NotFound("feature", id)
	}
	next := n.fields
	next.Attributes = models.CloneAttributes(n.fields.Attributes)
	next.DiscontinuousLocations = slices.Clone(n.fields.DiscontinuousLocations)
	if err := fn(&next); err != nil {
		return err
	}
	next.ID = n.fields.ID
	next.RefSeq = n.fields.RefSeq
	next.Children = nil
	if err := s.checkFieldsLocked(next); err != nil {
		return err
	}

	prev := n.fields
	n.fields = next
	s.resortOwnerLocked(id)
	tx.record(func() {
		if cur, ok := s.features[id]; ok {
			cur.fields = prev
			s.resortOwnerLocked(id)
		}
	}, FeatureUpdated, id)
	return nil
}

// AddAssembly inserts an assembly with its refSeqs, features and check results.
func (tx *Tx) AddAssembly(a models.AssemblySnapshot) error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.insertAssemblyLocked(a); err != nil {
		return err
	}
	id := a.ID
	tx.record(func() { s.removeAssemblyLocked(id) }, AssemblyAdded, id)
	return nil
}

// DeleteAssembly removes an assembly and everything it owns, returning the
// snapshot needed to restore it.
func (tx *Tx) DeleteAssembly(id string) (models.AssemblySnapshot, error) {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assemblies[id]; !ok {
		return models.AssemblySnapshot{}, apperr.NotFound("assembly", id)
	}
	snap := s.assemblySnapshotLocked(id)
	s.removeAssemblyLocked(id)
	tx.record(func() {
		if err := s.insertAssemblyLocked(snap); err != nil {
			s.logger.Error("datastore: restore assembly", "assembly", id, "error", err)
		}
	}, AssemblyDeleted, id)
	return snap, nil
}

// AddRefSeq adds a refSeq header (and optionally its full sequence) to a
// loaded assembly.
func (tx *Tx) AddRefSeq(r models.RefSeqSnapshot, sequence string) error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assemblies[r.Assembly]
	if !ok {
		return apperr.NotFound("assembly", r.Assembly)
	}
	if _, ok := s.refSeqs[r.ID]; ok {
		return fmt.Errorf("datastore: refSeq %q: %w", r.ID, apperr.ErrAlreadyExists)
	}
	s.insertRefSeqLocked(a, models.RefSeqWithData{RefSeqSnapshot: r, Sequence: sequence})
	id, asm := r.ID, r.Assembly
	tx.record(func() {
		delete(s.refSeqs, id)
		if a, ok := s.assemblies[asm]; ok {
			a.refSeqs = slices.DeleteFunc(a.refSeqs, func(x string) bool { return x == id })
		}
	}, RefSeqUpdated, id)
	return nil
}

// SetAssemblyAliases replaces the alias list of an assembly and returns the old one.
func (tx *Tx) SetAssemblyAliases(id string, aliases []string) ([]string, error) {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assemblies[id]
	if !ok {
		return nil, apperr.NotFound("assembly", id)
	}
	old := a.aliases
	a.aliases = slices.Clone(aliases)
	tx.record(func() {
		if a, ok := s.assemblies[id]; ok {
			a.aliases = old
		}
	}, AssemblyUpdated, id)
	return slices.Clone(old), nil
}

// SetRefSeqAliases replaces the alias list of a refSeq and returns the old one.
func (tx *Tx) SetRefSeqAliases(id string, aliases []string) ([]string, error) {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.refSeqs[id]
	if !ok {
		return nil, apperr.NotFound("refSeq", id)
	}
	old := r.header.Aliases
	r.header.Aliases = slices.Clone(aliases)
	tx.record(func() {
		if r, ok := s.refSeqs[id]; ok {
			r.header.Aliases = old
		}
	}, RefSeqUpdated, id)
	return slices.Clone(old), nil
}

// ReplaceCheckResults drops the results with the given ids and stores add.
func (tx *Tx) ReplaceCheckResults(remove []string, add []models.CheckResult) error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range add {
		if c.ID == "" {
			return apperr.Domainf("check result without id")
		}
	}
	var removed []models.CheckResult
	for _, id := range remove {
		if c, ok := s.checks[id]; ok {
			removed = append(removed, c)
			delete(s.checks, id)
		}
	}
	var replaced []models.CheckResult
	for _, c := range add {
		if prev, ok := s.checks[c.ID]; ok {
			replaced = append(replaced, prev)
		}
		c.IDs = slices.Clone(c.IDs)
		s.checks[c.ID] = c
	}
	tx.record(func() {
		for _, c := range add {
			delete(s.checks, c.ID)
		}
		for _, c := range replaced {
			s.checks[c.ID] = c
		}
		for _, c := range removed {
			s.checks[c.ID] = c
		}
	}, ChecksReplaced, "")
	return nil
}

// AddFeature is a single-primitive transaction around Tx.AddFeature.
func (s *Store) AddFeature(ctx context.Context, assemblyID string, f models.FeatureSnapshot, parentID string) error {
	return s.Transact(ctx, append(f.IDs(), parentID), func(tx *Tx) error {
		return tx.AddFeature(assemblyID, f, parentID)
	})
}

// DeleteFeature is a single-primitive transaction around Tx.DeleteFeature.
func (s *Store) DeleteFeature(ctx context.Context, id string) error {
	return s.Transact(ctx, s.SubtreeIDs(id), func(tx *Tx) error {
		_, err := tx.DeleteFeature(id)
		return err
	})
}

// AddAssembly is a single-primitive transaction around Tx.AddAssembly.
func (s *Store) AddAssembly(ctx context.Context, a models.AssemblySnapshot) error {
	return s.Transact(ctx, nil, func(tx *Tx) error {
		return tx.AddAssembly(a)
	})
}

// DeleteAssembly is a single-primitive transaction around Tx.DeleteAssembly.
func (s *Store) DeleteAssembly(ctx context.Context, id string) error {
	return s.Transact(ctx, s.FeatureIDs(id), func(tx *Tx) error {
		_, err := tx.DeleteAssembly(id)
		return err
	})
}

// AddRefSeq is a single-primitive transaction around Tx.AddRefSeq.
func (s *Store) AddRefSeq(ctx context.Context, r models.RefSeqSnapshot, sequence string) error {
	return s.Transact(ctx, nil, func(tx *Tx) error {
		return tx.AddRefSeq(r, sequence)
	})
}

// AddCheckResults stores check results, replacing any with the same id.
func (s *Store) AddCheckResults(ctx context.Context, results []models.CheckResult) error {
	return s.Transact(ctx, nil, func(tx *Tx) error {
		return tx.ReplaceCheckResults(nil, results)
	})
}

func (s *Store) checkFieldsLocked(f models.FeatureSnapshot) error {
	if f.Min < 0 || f.Min > f.Max {
		return apperr.Domainf("feature %q has invalid location %d-%d", f.ID, f.Min, f.Max)
	}
	if !f.Strand.Valid() {
		return apperr.Domainf("feature %q has invalid strand %d", f.ID, f.Strand)
	}
	if r, ok := s.refSeqs[f.RefSeq]; ok && r.header.Length > 0 && f.Max > r.header.Length {
		return apperr.Domainf("feature %q ends at %d, past the end of %s (%d)", f.ID, f.Max, r.header.Name, r.header.Length)
	}
	if n := len(f.DiscontinuousLocations); n > 0 {
		first, last := f.DiscontinuousLocations[0], f.DiscontinuousLocations[n-1]
		if first.Min != f.Min || last.Max != f.Max {
			return apperr.Domainf("feature %q spans %d-%d but its locations span %d-%d", f.ID, f.Min, f.Max, first.Min, last.Max)
		}
	}
	prev := int64(-1)
	for _, loc := range f.DiscontinuousLocations {
		if loc.Min > loc.Max || loc.Min < prev {
			return apperr.Domainf("feature %q has unordered or overlapping locations", f.ID)
		}
		prev = loc.Max
	}
	return nil
}

func (s *Store) checkInsertLocked(assemblyID string, f models.FeatureSnapshot, parentID string) (string, error) {
	r, ok := s.refSeqs[f.RefSeq]
	if !ok {
		return "", apperr.NotFound("refSeq", f.RefSeq)
	}
	if assemblyID == "" {
		assemblyID = r.header.Assembly
	}
	if _, ok := s.assemblies[assemblyID]; !ok {
		return "", apperr.NotFound("assembly", assemblyID)
	}
	if r.header.Assembly != assemblyID {
		return "", apperr.Domainf("refSeq %q does not belong to assembly %q", f.RefSeq, assemblyID)
	}
	if parentID != "" {
		p, ok := s.features[parentID]
		if !ok {
			return "", apperr.NotFound("feature", parentID)
		}
		if p.fields.RefSeq != f.RefSeq {
			return "", apperr.Domainf("feature %q is on %s but its parent is on %s", f.ID, f.RefSeq, p.fields.RefSeq)
		}
	}

	seen := make(map[string]struct{})
	var err error
	f.Walk(func(_ string, c models.FeatureSnapshot) {
		if err != nil {
			return
		}
		switch {
		case c.ID == "":
			err = apperr.Domainf("feature without id")
		case c.RefSeq != "" && c.RefSeq != f.RefSeq:
			err = apperr.Domainf("feature %q is on %s but its root is on %s", c.ID, c.RefSeq, f.RefSeq)
		}
		if err != nil {
			return
		}
		if _, dup := seen[c.ID]; dup {
			err = fmt.Errorf("datastore: feature %q: %w", c.ID, apperr.ErrAlreadyExists)
			return
		}
		seen[c.ID] = struct{}{}
		if _, exists := s.features[c.ID]; exists {
			err = fmt.Errorf("datastore: feature %q: %w", c.ID, apperr.ErrAlreadyExists)
			return
		}
		c.RefSeq = f.RefSeq
		c.Children = nil
		err = s.checkFieldsLocked(c)
	})
	return assemblyID, err
}

func (s *Store) insertLocked(asm string, f models.FeatureSnapshot, parentID string) {
	fields := f
	fields.Attributes = models.CloneAttributes(f.Attributes)
	fields.DiscontinuousLocations = slices.Clone(f.DiscontinuousLocations)
	fields.Children = nil
	n := &node{fields: fields, assembly: asm, parent: parentID}
	s.features[f.ID] = n
	for _, c := range f.Children {
		c.RefSeq = f.RefSeq
		s.insertLocked(asm, c, f.ID)
	}
	if parentID != "" {
		p := s.features[parentID]
		p.children = s.sortedInsert(p.children, f.ID)
		return
	}
	r := s.refSeqs[f.RefSeq]
	r.features = s.sortedInsert(r.features, f.ID)
}

func (s *Store) removeLocked(id string) {
	n, ok := s.features[id]
	if !ok {
		return
	}
	drop := func(list []string) []string {
		return slices.DeleteFunc(list, func(x string) bool { return x == id })
	}
	if n.parent != "" {
		if p, ok := s.features[n.parent]; ok {
			p.children = drop(p.children)
		}
	} else if r, ok := s.refSeqs[n.fields.RefSeq]; ok {
		r.features = drop(r.features)
	}
	s.forgetLocked(id)
}

func (s *Store) forgetLocked(id string) {
	n := s.features[id]
	for _, c := range n.children {
		s.forgetLocked(c)
	}
	delete(s.features, id)
}

func (s *Store) insertRefSeqLocked(a *assembly, r models.RefSeqWithData) {
	h := r.RefSeqSnapshot
	h.Assembly = a.id
	h.Aliases = slices.Clone(h.Aliases)
	if h.Length == 0 {
		h.Length = int64(len(r.Sequence))
	}
	rs := &refSeq{header: h}
	if r.Sequence != "" {
		rs.chunks = []models.SequenceChunk{{RefSeq: h.ID, Start: 0, End: int64(len(r.Sequence)), Seq: r.Sequence}}
	}
	s.refSeqs[h.ID] = rs
	a.refSeqs = append(a.refSeqs, h.ID)
}

func (s *Store) insertAssemblyLocked(snap models.AssemblySnapshot) error {
	if snap.ID == "" {
		return apperr.Domainf("assembly without id")
	}
	if _, ok := s.assemblies[snap.ID]; ok {
		return fmt.Errorf("datastore: assembly %q: %w", snap.ID, apperr.ErrAlreadyExists)
	}
	for _, r := range snap.RefSeqs {
		if _, ok := s.refSeqs[r.ID]; ok {
			return fmt.Errorf("datastore: refSeq %q: %w", r.ID, apperr.ErrAlreadyExists)
		}
	}

	a := &assembly{
		id:      snap.ID,
		name:    snap.Name,
		aliases: slices.Clone(snap.Aliases),
		backend: snap.Backend,
	}
	s.assemblies[a.id] = a
	for _, r := range snap.RefSeqs {
		s.insertRefSeqLocked(a, r)
	}
	for _, f := range snap.Features {
		if _, err := s.checkInsertLocked(a.id, f, ""); err != nil {
			s.removeAssemblyLocked(a.id)
			return err
		}
		s.insertLocked(a.id, f, "")
	}
	for _, c := range snap.Checks {
		c.IDs = slices.Clone(c.IDs)
		s.checks[c.ID] = c
	}
	return nil
}

func (s *Store) removeAssemblyLocked(id string) {
	a, ok := s.assemblies[id]
	if !ok {
		return
	}
	for _, rid := range a.refSeqs {
		r := s.refSeqs[rid]
		for _, fid := range slices.Clone(r.features) {
			s.removeLocked(fid)
		}
		for cid, c := range s.checks {
			if c.RefSeq == rid {
				delete(s.checks, cid)
			}
		}
		delete(s.refSeqs, rid)
	}
	delete(s.assemblies, id)
}

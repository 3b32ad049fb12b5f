// Package datastore is the in-process source of truth for everything a client
// (or the collaboration server) currently has loaded: assemblies, reference
// sequences, the feature forest and check results.
//
// Features live in an arena indexed by id. Each node keeps a parent back-reference
// and an ordered list of child ids; ownership is the parent's child list or the
// refSeq's top-level list, never both. Mutations go through Transact, which takes
// per-feature-id locks and journals every primitive so a failed change leaves
// no partial state behind.
package datastore

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"sync"

	"github.com/starford/annocollab/internal/apperr"
	"github.com/starford/annocollab/internal/checksum"
	"github.com/starford/annocollab/internal/models"
	"github.com/starford/annocollab/internal/ontology"
)

type node struct {
	fields   models.FeatureSnapshot // Children is always nil here
	assembly string
	parent   string
	children []string
}

type refSeq struct {
	header   models.RefSeqSnapshot
	features []string
	chunks   []models.SequenceChunk
}

type assembly struct {
	id      string
	name    string
	aliases []string
	backend string
	refSeqs []string
}

// Store holds the loaded annotation state.
type Store struct {
	mu         sync.RWMutex
	assemblies map[string]*assembly
	refSeqs    map[string]*refSeq
	features   map[string]*node
	checks     map[string]models.CheckResult

	locks  *lockTable
	events *eventHub

	drivers        map[string]BackendDriver
	defaultBackend string
	ontology       ontology.Store
	files          FileReader
	logger         *slog.Logger
}

// FileReader gives changes that import data access to files by path.
type FileReader interface {
	Read(path string) ([]byte, error)
}

type osFiles struct{}

func (osFiles) Read(path string) ([]byte, error) { return os.ReadFile(path) }

// Option configures a Store.
type Option func(*Store)

// WithDriver registers the driver used for assemblies of the given backend kind.
func WithDriver(kind string, d BackendDriver) Option {
	return func(s *Store) {
		s.drivers[kind] = d
	}
}

// WithDefaultBackend sets the backend kind used for assemblies that do not name one.
func WithDefaultBackend(kind string) Option {
	return func(s *Store) {
		s.defaultBackend = kind
	}
}

// WithOntology sets the ontology consulted by structural changes.
func WithOntology(o ontology.Store) Option {
	return func(s *Store) {
		s.ontology = o
	}
}

// WithFiles sets where file-backed changes read their input. The default reads
// from the local file system.
func WithFiles(r FileReader) Option {
	return func(s *Store) {
		s.files = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		assemblies:     make(map[string]*assembly),
		refSeqs:        make(map[string]*refSeq),
		features:       make(map[string]*node),
		checks:         make(map[string]models.CheckResult),
		locks:          newLockTable(),
		events:         newEventHub(),
		drivers:        make(map[string]BackendDriver),
		defaultBackend: models.BackendCollaboration,
		ontology:       ontology.Default(),
		files:          osFiles{},
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ontology returns the ontology used to classify feature types.
func (s *Store) Ontology() ontology.Store {
	return s.ontology
}

// Files returns the reader used by file-backed changes.
func (s *Store) Files() FileReader {
	return s.files
}

// Logger returns the store logger.
func (s *Store) Logger() *slog.Logger {
	return s.logger
}

// GetFeature returns a copy of the feature and its subtree.
func (s *Store) GetFeature(id string) (models.FeatureSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.features[id]; !ok {
		return models.FeatureSnapshot{}, false
	}
	return s.subtreeLocked(id), true
}

// SubtreeIDs returns id followed by the ids of its loaded descendants, or nil
// when id is not loaded. Deletions lock this set.
func (s *Store) SubtreeIDs(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.features[id]; !ok {
		return nil
	}
	var out []string
	var walk func(string)
	walk = func(fid string) {
		out = append(out, fid)
		for _, c := range s.features[fid].children {
			walk(c)
		}
	}
	walk(id)
	return out
}

// FeatureIDs returns the ids of every loaded feature of an assembly.
func (s *Store) FeatureIDs(assemblyID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, n := range s.features {
		if n.assembly == assemblyID {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// ParentOf returns the parent id of a feature, or "" for top-level features.
func (s *Store) ParentOf(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.features[id]
	if !ok {
		return "", false
	}
	return n.parent, true
}

// AssemblyOf returns the assembly id owning a feature.
func (s *Store) AssemblyOf(featureID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.features[featureID]
	if !ok {
		return "", false
	}
	return n.assembly, true
}

// HasAssembly reports whether an assembly is loaded.
func (s *Store) HasAssembly(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.assemblies[id]
	return ok
}

// AssemblyIDs returns the ids of all loaded assemblies in sorted order.
func (s *Store) AssemblyIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.assemblies))
	for id := range s.assemblies {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Assembly returns the full snapshot of one assembly.
func (s *Store) Assembly(id string) (models.AssemblySnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.assemblies[id]; !ok {
		return models.AssemblySnapshot{}, false
	}
	return s.assemblySnapshotLocked(id), true
}

// RefSeqs returns the refSeq headers of an assembly in load order.
func (s *Store) RefSeqs(assemblyID string) ([]models.RefSeqSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assemblies[assemblyID]
	if !ok {
		return nil, apperr.NotFound("assembly", assemblyID)
	}
	out := make([]models.RefSeqSnapshot, 0, len(a.refSeqs))
	for _, id := range a.refSeqs {
		h := s.refSeqs[id].header
		h.Aliases = slices.Clone(h.Aliases)
		out = append(out, h)
	}
	return out, nil
}

// RefSeq returns one refSeq header.
func (s *Store) RefSeq(id string) (models.RefSeqSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.refSeqs[id]
	if !ok {
		return models.RefSeqSnapshot{}, false
	}
	h := r.header
	h.Aliases = slices.Clone(h.Aliases)
	return h, true
}

// FeaturesInRegion returns the top-level features of a refSeq overlapping region.
func (s *Store) FeaturesInRegion(region models.Region) ([]models.FeatureSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.refSeqs[region.RefSeq]
	if !ok {
		return nil, apperr.NotFound("refSeq", region.RefSeq)
	}
	var out []models.FeatureSnapshot
	for _, id := range r.features {
		f := s.features[id].fields
		if region.Overlaps(f.Min, f.Max) {
			out = append(out, s.subtreeLocked(id))
		}
	}
	return out, nil
}

// Sequence returns the loaded bases for region.
func (s *Store) Sequence(region models.Region) (models.SequenceChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.refSeqs[region.RefSeq]
	if !ok {
		return models.SequenceChunk{}, apperr.NotFound("refSeq", region.RefSeq)
	}
	end := region.End
	if end <= 0 || end > r.header.Length {
		end = r.header.Length
	}
	if region.Start < 0 || region.Start > end {
		return models.SequenceChunk{}, fmt.Errorf("datastore: bad sequence range %d-%d: %w", region.Start, end, apperr.ErrInvalid)
	}
	for _, c := range r.chunks {
		if c.Start <= region.Start && c.End >= end {
			return models.SequenceChunk{
				RefSeq: region.RefSeq,
				Start:  region.Start,
				End:    end,
				Seq:    c.Seq[region.Start-c.Start : end-c.Start],
			}, nil
		}
	}
	return models.SequenceChunk{}, apperr.NotFound("sequence", region.String())
}

// CheckResults returns all check results that mention featureID.
func (s *Store) CheckResults(featureID string) []models.CheckResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CheckResult
	for _, c := range s.checks {
		if slices.Contains(c.IDs, featureID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns the complete store state in canonical order.
func (s *Store) Snapshot() models.StoreSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.assemblies))
	for id := range s.assemblies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snap := models.StoreSnapshot{Assemblies: make([]models.AssemblySnapshot, 0, len(ids))}
	for _, id := range ids {
		snap.Assemblies = append(snap.Assemblies, s.assemblySnapshotLocked(id))
	}
	return snap
}

// Digest is a content hash of Snapshot. Two stores with equal digests hold the
// same data.
func (s *Store) Digest() string {
	d, err := checksum.SumJSON(s.Snapshot())
	if err != nil {
		// Snapshot only holds JSON-safe types.
		panic(err)
	}
	return d
}

// Subscribe registers an observer for store events. The returned function
// removes the subscription.
func (s *Store) Subscribe() (<-chan Event, func()) {
	return s.events.subscribe()
}

func (s *Store) subtreeLocked(id string) models.FeatureSnapshot {
	n := s.features[id]
	out := n.fields
	out.Attributes = models.CloneAttributes(n.fields.Attributes)
	out.DiscontinuousLocations = slices.Clone(n.fields.DiscontinuousLocations)
	out.Children = nil
	for _, c := range n.children {
		out.Children = append(out.Children, s.subtreeLocked(c))
	}
	return out
}

func (s *Store) assemblySnapshotLocked(id string) models.AssemblySnapshot {
	a := s.assemblies[id]
	snap := models.AssemblySnapshot{
		ID:      a.id,
		Name:    a.name,
		Aliases: slices.Clone(a.aliases),
		Backend: a.backend,
		RefSeqs: make([]models.RefSeqWithData, 0, len(a.refSeqs)),
	}
	for _, rid := range a.refSeqs {
		r := s.refSeqs[rid]
		h := r.header
		h.Aliases = slices.Clone(h.Aliases)
		data := models.RefSeqWithData{RefSeqSnapshot: h}
		for _, c := range r.chunks {
			if c.Start == 0 && c.End == h.Length {
				data.Sequence = c.Seq
			}
		}
		snap.RefSeqs = append(snap.RefSeqs, data)
		for _, fid := range r.features {
			snap.Features = append(snap.Features, s.subtreeLocked(fid))
		}
	}
	var checks []models.CheckResult
	for _, c := range s.checks {
		if _, ok := s.refSeqs[c.RefSeq]; ok && slices.Contains(a.refSeqs, c.RefSeq) {
			checks = append(checks, c)
		}
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].ID < checks[j].ID })
	snap.Checks = checks
	return snap
}

// sortedInsert places id into list keeping canonical child order.
func (s *Store) sortedInsert(list []string, id string) []string {
	f := s.features[id].fields
	i := sort.Search(len(list), func(i int) bool {
		o := s.features[list[i]].fields
		return !models.LessLocation(o, f)
	})
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = id
	return list
}

func (s *Store) resortOwnerLocked(id string) {
	n := s.features[id]
	less := func(a, b string) int {
		fa, fb := s.features[a].fields, s.features[b].fields
		switch {
		case models.LessLocation(fa, fb):
			return -1
		case models.LessLocation(fb, fa):
			return 1
		}
		return 0
	}
	if n.parent != "" {
		p := s.features[n.parent]
		slices.SortStableFunc(p.children, less)
		return
	}
	r := s.refSeqs[n.fields.RefSeq]
	slices.SortStableFunc(r.features, less)
}

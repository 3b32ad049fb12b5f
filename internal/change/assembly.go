package change

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/annocollab/internal/apperr"
	"github.com/starford/annocollab/internal/checksum"
	"github.com/starford/annocollab/internal/datastore"
	"github.com/starford/annocollab/internal/fasta"
	"github.com/starford/annocollab/internal/gff3"
	"github.com/starford/annocollab/internal/models"
)

const (
	TypeAddAssembly         = "AddAssemblyChange"
	TypeAddAssemblyFromFile = "AddAssemblyFromFileChange"
	TypeDeleteAssembly      = "DeleteAssemblyChange"
	TypeAddAssemblyAliases  = "AddAssemblyAliasesChange"
	TypeAddRefSeqAliases    = "AddRefSeqAliasesChange"
)

// AddAssemblyChange creates an assembly from inline data.
type AddAssemblyChange struct {
	Base
	AssemblyName string                   `json:"assemblyName"`
	Aliases      []string                 `json:"aliases,omitempty"`
	Backend      string                   `json:"backend,omitempty"`
	RefSeqs      []models.RefSeqWithData  `json:"refSeqs"`
	Features     []models.FeatureSnapshot `json:"features,omitempty"`
	CheckResults []models.CheckResult     `json:"checkResults,omitempty"`
}

// NewAddAssembly builds an AddAssemblyChange for a new assembly id.
func NewAddAssembly(name, backend string, refSeqs []models.RefSeqWithData) *AddAssemblyChange {
	id := models.NewID()
	return &AddAssemblyChange{
		Base:         newBase(TypeAddAssembly, id, id),
		AssemblyName: name,
		Backend:      backend,
		RefSeqs:      slices.Clone(refSeqs),
	}
}

// AddAssemblyFromSnapshot builds the change that recreates snap exactly.
func AddAssemblyFromSnapshot(snap models.AssemblySnapshot) *AddAssemblyChange {
	snap = snap.Clone()
	return &AddAssemblyChange{
		Base:         newBase(TypeAddAssembly, snap.ID, snap.ID),
		AssemblyName: snap.Name,
		Aliases:      snap.Aliases,
		Backend:      snap.Backend,
		RefSeqs:      snap.RefSeqs,
		Features:     snap.Features,
		CheckResults: snap.Checks,
	}
}

func (c *AddAssemblyChange) snapshot() models.AssemblySnapshot {
	return models.AssemblySnapshot{
		ID:       c.Assembly,
		Name:     c.AssemblyName,
		Aliases:  c.Aliases,
		Backend:  c.Backend,
		RefSeqs:  c.RefSeqs,
		Features: c.Features,
		Checks:   c.CheckResults,
	}.Clone()
}

func (c *AddAssemblyChange) RefSeqID() string { return "" }

func (c *AddAssemblyChange) Notification() string {
	return fmt.Sprintf("Added assembly %s", c.AssemblyName)
}

func (c *AddAssemblyChange) Validate() error {
	return validateChange(&c.Base, c,
		validation.Field(&c.AssemblyName, validation.Required),
		validation.Field(&c.RefSeqs, validation.Each(validation.By(func(v any) error {
			r, _ := v.(models.RefSeqWithData)
			if r.ID == "" || r.Name == "" {
				return fmt.Errorf("refSeq id and name are required")
			}
			if r.Length < 0 {
				return fmt.Errorf("refSeq %s has negative length", r.Name)
			}
			return nil
		}))),
		validation.Field(&c.Features, validation.Each(validation.By(validSnapshot))),
	)
}

func (c *AddAssemblyChange) Execute(ctx context.Context, s *datastore.Store) error {
	return execErr(c, s.Transact(ctx, nil, func(tx *datastore.Tx) error {
		return tx.AddAssembly(c.snapshot())
	}))
}

func (c *AddAssemblyChange) Inverse() Change {
	return NewDeleteAssembly(c.snapshot())
}

// AddAssemblyFromFileChange creates an assembly by reading a FASTA file and an
// optional GFF3 file when it executes. Ids are derived from the assembly id so
// every replica that executes the change produces the same store content.
type AddAssemblyFromFileChange struct {
	Base
	AssemblyName string `json:"assemblyName"`
	Backend      string `json:"backend,omitempty"`
	FastaPath    string `json:"fastaPath,omitempty"`
	GFF3Path     string `json:"gff3Path,omitempty"`
}

// NewAddAssemblyFromFile builds an AddAssemblyFromFileChange for a new assembly id.
func NewAddAssemblyFromFile(name, fastaPath, gff3Path string) *AddAssemblyFromFileChange {
	return NewAddAssemblyFromFileWithID(models.NewID(), name, models.BackendCollaboration, fastaPath, gff3Path)
}

// NewAddAssemblyFromFileWithID is NewAddAssemblyFromFile for a caller-chosen
// assembly id and backend. Loading the same files under the same id always
// yields the same feature and refSeq ids.
func NewAddAssemblyFromFileWithID(id, name, backend, fastaPath, gff3Path string) *AddAssemblyFromFileChange {
	return &AddAssemblyFromFileChange{
		Base:         newBase(TypeAddAssemblyFromFile, id, id),
		AssemblyName: name,
		Backend:      backend,
		FastaPath:    fastaPath,
		GFF3Path:     gff3Path,
	}
}

func (c *AddAssemblyFromFileChange) RefSeqID() string { return "" }

func (c *AddAssemblyFromFileChange) Notification() string {
	return fmt.Sprintf("Added assembly %s from file", c.AssemblyName)
}

func (c *AddAssemblyFromFileChange) Validate() error {
	return validateChange(&c.Base, c,
		validation.Field(&c.AssemblyName, validation.Required),
		validation.Field(&c.FastaPath, validation.When(c.GFF3Path == "", validation.Required)),
	)
}

func (c *AddAssemblyFromFileChange) Execute(ctx context.Context, s *datastore.Store) error {
	snap, err := c.load(ctx, s.Files())
	if err != nil {
		return execErr(c, err)
	}
	return execErr(c, s.Transact(ctx, nil, func(tx *datastore.Tx) error {
		return tx.AddAssembly(snap)
	}))
}

// Inverse deletes the assembly by id. The returned change carries only the
// assembly header, so its own inverse recreates an empty assembly; replicas
// that need the content replay the inline AddAssemblyChange the server logs.
func (c *AddAssemblyFromFileChange) Inverse() Change {
	return NewDeleteAssembly(models.AssemblySnapshot{ID: c.Assembly, Name: c.AssemblyName, Backend: c.Backend})
}

func (c *AddAssemblyFromFileChange) derivedID(kind, key string) string {
	return checksum.Sum([]byte(c.Assembly + "/" + kind + "/" + key))[:24]
}

func (c *AddAssemblyFromFileChange) load(ctx context.Context, files datastore.FileReader) (models.AssemblySnapshot, error) {
	snap := models.AssemblySnapshot{ID: c.Assembly, Name: c.AssemblyName, Backend: c.Backend}

	var records []fasta.Record
	if c.FastaPath != "" {
		data, err := files.Read(c.FastaPath)
		if err != nil {
			return snap, fmt.Errorf("read %s: %w", c.FastaPath, err)
		}
		if records, err = fasta.ReadAll(ctx, bytes.NewReader(data)); err != nil {
			return snap, err
		}
	}

	var doc *gff3.Document
	if c.GFF3Path != "" {
		data, err := files.Read(c.GFF3Path)
		if err != nil {
			return snap, fmt.Errorf("read %s: %w", c.GFF3Path, err)
		}
		n := 0
		doc, err = gff3.Parse(ctx, bytes.NewReader(data), func() string {
			n++
			return c.derivedID("feature", fmt.Sprint(n))
		})
		if err != nil {
			return snap, err
		}
		records = append(records, doc.Sequences...)
	}

	refIDs := make(map[string]string)
	for _, r := range records {
		if _, dup := refIDs[r.ID]; dup {
			continue
		}
		id := c.derivedID("refSeq", r.ID)
		refIDs[r.ID] = id
		snap.RefSeqs = append(snap.RefSeqs, models.RefSeqWithData{
			RefSeqSnapshot: models.RefSeqSnapshot{ID: id, Name: r.ID, Length: int64(len(r.Seq)), Assembly: c.Assembly},
			Sequence:       r.Seq,
		})
	}
	if doc == nil {
		if len(snap.RefSeqs) == 0 {
			return snap, apperr.Domainf("%s contains no sequences", c.FastaPath)
		}
		return snap, nil
	}

	names := make([]string, 0, len(doc.SequenceRegions))
	for name := range doc.SequenceRegions {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if _, ok := refIDs[name]; ok {
			continue
		}
		id := c.derivedID("refSeq", name)
		refIDs[name] = id
		snap.RefSeqs = append(snap.RefSeqs, models.RefSeqWithData{
			RefSeqSnapshot: models.RefSeqSnapshot{ID: id, Name: name, Length: doc.SequenceRegions[name], Assembly: c.Assembly},
		})
	}
	for _, f := range doc.Features {
		id, ok := refIDs[f.RefSeq]
		if !ok {
			return snap, apperr.Domainf("feature on unknown sequence %q", f.RefSeq)
		}
		snap.Features = append(snap.Features, withRefSeq(f, id))
	}
	if len(snap.RefSeqs) == 0 {
		return snap, apperr.Domainf("no sequences found for assembly %s", c.AssemblyName)
	}
	return snap, nil
}

func withRefSeq(f models.FeatureSnapshot, refSeq string) models.FeatureSnapshot {
	f.RefSeq = refSeq
	for i, c := range f.Children {
		f.Children[i] = withRefSeq(c, refSeq)
	}
	return f
}

// DeleteAssemblyChange removes an assembly with all its refSeqs, features and
// check results. It carries a full snapshot so it can be undone.
type DeleteAssemblyChange struct {
	Base
	Snapshot models.AssemblySnapshot `json:"assemblySnapshot"`
}

// NewDeleteAssembly builds a DeleteAssemblyChange.
func NewDeleteAssembly(snap models.AssemblySnapshot) *DeleteAssemblyChange {
	return &DeleteAssemblyChange{
		Base:     newBase(TypeDeleteAssembly, snap.ID, snap.ID),
		Snapshot: snap.Clone(),
	}
}

func (c *DeleteAssemblyChange) RefSeqID() string { return "" }

func (c *DeleteAssemblyChange) Notification() string {
	return fmt.Sprintf("Deleted assembly %s", c.Snapshot.Name)
}

func (c *DeleteAssemblyChange) Validate() error {
	return c.Base.validate()
}

func (c *DeleteAssemblyChange) Execute(ctx context.Context, s *datastore.Store) error {
	return execErr(c, s.Transact(ctx, s.FeatureIDs(c.Assembly), func(tx *datastore.Tx) error {
		_, err := tx.DeleteAssembly(c.Assembly)
		return err
	}))
}

func (c *DeleteAssemblyChange) Inverse() Change {
	return AddAssemblyFromSnapshot(c.Snapshot)
}

// AddAssemblyAliasesChange replaces the alias list of an assembly.
type AddAssemblyAliasesChange struct {
	Base
	OldAliases []string `json:"oldAliases,omitempty"`
	Aliases    []string `json:"aliases"`
}

// NewAddAssemblyAliases builds an AddAssemblyAliasesChange.
func NewAddAssemblyAliases(assembly string, oldAliases, aliases []string) *AddAssemblyAliasesChange {
	return &AddAssemblyAliasesChange{
		Base:       newBase(TypeAddAssemblyAliases, assembly, assembly),
		OldAliases: slices.Clone(oldAliases),
		Aliases:    slices.Clone(aliases),
	}
}

func (c *AddAssemblyAliasesChange) RefSeqID() string { return "" }

func (c *AddAssemblyAliasesChange) Notification() string {
	return fmt.Sprintf("Aliases of assembly %s set to %v", c.Assembly, c.Aliases)
}

func (c *AddAssemblyAliasesChange) Validate() error {
	return validateChange(&c.Base, c,
		validation.Field(&c.Aliases, validation.Each(validation.Required)),
	)
}

func (c *AddAssemblyAliasesChange) Execute(ctx context.Context, s *datastore.Store) error {
	return execErr(c, s.Transact(ctx, nil, func(tx *datastore.Tx) error {
		a, err := tx.Assembly(c.Assembly)
		if err != nil {
			return err
		}
		if !slices.Equal(a.Aliases, c.OldAliases) {
			return fmt.Errorf("aliases of assembly %s are %v, expected %v: %w", c.Assembly, a.Aliases, c.OldAliases, apperr.ErrConflict)
		}
		_, err = tx.SetAssemblyAliases(c.Assembly, c.Aliases)
		return err
	}))
}

func (c *AddAssemblyAliasesChange) Inverse() Change {
	return NewAddAssemblyAliases(c.Assembly, c.Aliases, c.OldAliases)
}

// RefSeqAliases is the alias edit for one refSeq.
type RefSeqAliases struct {
	RefSeq     string   `json:"refSeq"`
	OldAliases []string `json:"oldAliases,omitempty"`
	Aliases    []string `json:"aliases"`
}

// AddRefSeqAliasesChange replaces the alias lists of one or more refSeqs.
type AddRefSeqAliasesChange struct {
	Base
	RefSeqAliases []RefSeqAliases `json:"refSeqAliases"`
}

// NewAddRefSeqAliases builds an AddRefSeqAliasesChange.
func NewAddRefSeqAliases(assembly string, edits []RefSeqAliases) *AddRefSeqAliasesChange {
	ids := make([]string, 0, len(edits))
	cp := make([]RefSeqAliases, len(edits))
	for i, e := range edits {
		ids = append(ids, e.RefSeq)
		cp[i] = RefSeqAliases{RefSeq: e.RefSeq, OldAliases: slices.Clone(e.OldAliases), Aliases: slices.Clone(e.Aliases)}
	}
	return &AddRefSeqAliasesChange{
		Base:          newBase(TypeAddRefSeqAliases, assembly, ids...),
		RefSeqAliases: cp,
	}
}

func (c *AddRefSeqAliasesChange) RefSeqID() string { return "" }

func (c *AddRefSeqAliasesChange) Notification() string {
	return fmt.Sprintf("Aliases of %d reference sequences updated", len(c.RefSeqAliases))
}

func (c *AddRefSeqAliasesChange) Validate() error {
	return validateChange(&c.Base, c,
		validation.Field(&c.RefSeqAliases, validation.Required, validation.Each(validation.By(func(v any) error {
			e, _ := v.(RefSeqAliases)
			if e.RefSeq == "" {
				return fmt.Errorf("refSeq is required")
			}
			return nil
		}))),
	)
}

func (c *AddRefSeqAliasesChange) Execute(ctx context.Context, s *datastore.Store) error {
	return execErr(c, s.Transact(ctx, nil, func(tx *datastore.Tx) error {
		for _, e := range c.RefSeqAliases {
			r, err := tx.RefSeq(e.RefSeq)
			if err != nil {
				return err
			}
			if r.Assembly != c.Assembly {
				return apperr.Domainf("refSeq %s does not belong to assembly %s", e.RefSeq, c.Assembly)
			}
			if !slices.Equal(r.Aliases, e.OldAliases) {
				return fmt.Errorf("aliases of refSeq %s are %v, expected %v: %w", e.RefSeq, r.Aliases, e.OldAliases, apperr.ErrConflict)
			}
			if _, err := tx.SetRefSeqAliases(e.RefSeq, e.Aliases); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (c *AddRefSeqAliasesChange) Inverse() Change {
	swapped := make([]RefSeqAliases, len(c.RefSeqAliases))
	for i, e := range c.RefSeqAliases {
		swapped[i] = RefSeqAliases{RefSeq: e.RefSeq, OldAliases: e.Aliases, Aliases: e.OldAliases}
	}
	return NewAddRefSeqAliases(c.Assembly, swapped)
}

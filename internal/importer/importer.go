// Package importer turns FASTA and GFF3 files dropped into the import
// directory into assemblies on the collaboration server.
//
// Files are paired by path without extension: genome.fa and genome.gff3 form
// one assembly named "genome". Each pair gets a stable assembly id derived
// from its path, and its combined checksum is recorded in the change log so
// unchanged files are never imported twice. A changed pair replaces the
// assembly it produced before.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/starford/annocollab/internal/backend"
	"github.com/starford/annocollab/internal/change"
	"github.com/starford/annocollab/internal/changelog"
	"github.com/starford/annocollab/internal/checksum"
	"github.com/starford/annocollab/internal/datastore"
	"github.com/starford/annocollab/internal/metrics"
	"github.com/starford/annocollab/internal/models"
	"github.com/starford/annocollab/internal/server"
	"github.com/starford/annocollab/internal/storage"
)

// Import results.
const (
	ResultImported  = "imported"
	ResultUnchanged = "unchanged"
	ResultFailed    = "failed"
)

var (
	fastaExts = []string{".fa", ".fasta", ".fna"}
	gff3Exts  = []string{".gff3", ".gff"}
)

// Submitter applies changes as the authority.
type Submitter interface {
	Apply(ctx context.Context, c change.Change, user server.User) (backend.SubmitResponse, error)
	Store() *datastore.Store
}

// Importer scans and watches one directory.
type Importer struct {
	root     string
	files    storage.Provider
	log      changelog.Log
	svc      Submitter
	metrics  *metrics.Metrics
	logger   *slog.Logger
	user     server.User
	debounce time.Duration
}

// Option configures an Importer.
type Option func(*Importer)

// WithMetrics counts imported files in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(im *Importer) { im.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(im *Importer) { im.logger = l }
}

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) Option {
	return func(im *Importer) { im.debounce = d }
}

// New creates an importer for the directory root, read through files.
func New(root string, files storage.Provider, log changelog.Log, svc Submitter, opts ...Option) *Importer {
	im := &Importer{
		root:     root,
		files:    files,
		log:      log,
		svc:      svc,
		logger:   slog.Default(),
		user:     server.User{Token: "importer", Name: "Importer"},
		debounce: 500 * time.Millisecond,
	}
	for _, o := range opts {
		o(im)
	}
	return im
}

// fileSet is one FASTA/GFF3 pair. Either path may be empty, not both.
type fileSet struct {
	key      string
	fasta    string
	gff3     string
	checksum string
}

func (s fileSet) name() string { return path.Base(s.key) }

// AssemblyID returns the assembly id the import of key produces.
func AssemblyID(key string) string {
	return checksum.Sum([]byte("import/" + key))[:24]
}

func keyOf(p string) string {
	p = filepath.ToSlash(p)
	return strings.TrimSuffix(p, path.Ext(p))
}

// group pairs files by key, in key order.
func group(metas []storage.FileMeta) []fileSet {
	sets := make(map[string]*fileSet)
	sums := make(map[string][2]string)
	for _, m := range metas {
		key := keyOf(m.Path)
		s := sets[key]
		if s == nil {
			s = &fileSet{key: key}
			sets[key] = s
		}
		cs := sums[key]
		switch {
		case storage.HasExt(m.Path, fastaExts...):
			s.fasta, cs[0] = filepath.ToSlash(m.Path), m.Checksum
		case storage.HasExt(m.Path, gff3Exts...):
			s.gff3, cs[1] = filepath.ToSlash(m.Path), m.Checksum
		}
		sums[key] = cs
	}
	out := make([]fileSet, 0, len(sets))
	for key, s := range sets {
		cs := sums[key]
		s.checksum = checksum.Sum([]byte(cs[0] + "/" + cs[1]))
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// Scan imports every new or changed file pair under the root. Failures of
// single pairs are logged and counted; the scan goes on.
func (im *Importer) Scan(ctx context.Context) error {
	metas, err := im.files.List("", slices.Concat(fastaExts, gff3Exts)...)
	if err != nil {
		return fmt.Errorf("importer: scan: %w", err)
	}
	var errs []error
	for _, set := range group(metas) {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := im.importSet(ctx, set)
		im.metrics.Imported(result)
		if err != nil {
			im.logger.Warn("importer: import failed",
				slog.String("key", set.key),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (im *Importer) importSet(ctx context.Context, set fileSet) (string, error) {
	prev, err := im.log.ImportChecksum(ctx, set.key)
	if err != nil {
		return ResultFailed, fmt.Errorf("importer: %s: %w", set.key, err)
	}
	if prev == set.checksum {
		return ResultUnchanged, nil
	}

	id := AssemblyID(set.key)
	if old, ok := im.svc.Store().Assembly(id); ok {
		if _, err := im.svc.Apply(ctx, change.NewDeleteAssembly(old), im.user); err != nil {
			return ResultFailed, fmt.Errorf("importer: replace %s: %w", set.key, err)
		}
	}
	add := change.NewAddAssemblyFromFileWithID(id, set.name(), models.BackendCollaboration, set.fasta, set.gff3)
	if _, err := im.svc.Apply(ctx, add, im.user); err != nil {
		return ResultFailed, fmt.Errorf("importer: %s: %w", set.key, err)
	}
	err = im.log.RecordImport(ctx, changelog.ImportRecord{
		Path:       set.key,
		Checksum:   set.checksum,
		Assembly:   id,
		ImportedAt: time.Now().UTC(),
	})
	if err != nil {
		return ResultFailed, fmt.Errorf("importer: record %s: %w", set.key, err)
	}
	im.logger.Info("importer: assembly imported",
		slog.String("key", set.key),
		slog.String("assembly", id),
		slog.String("fasta", set.fasta),
		slog.String("gff3", set.gff3),
	)
	return ResultImported, nil
}

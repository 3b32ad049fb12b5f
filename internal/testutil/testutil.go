// Package testutil provides shared test fixtures: a small gene model, a sandboxed
// import directory and a throwaway change log database.
package testutil

import (
	"os"
	"strings"
	"testing"

	"github.com/starford/annocollab/internal/changelog"
	"github.com/starford/annocollab/internal/models"
	"github.com/starford/annocollab/internal/storage"
)

// Fixture ids.
const (
	AssemblyID = "asm1"
	RefSeqID   = "ctgA"
	GeneID     = "gene1"
	MRNA1      = "mrna1"
	MRNA2      = "mrna2"
	Exon1      = "exon1"
	Exon2      = "exon2"
	Exon3      = "exon3"
	CDS1       = "cds1"
	Exon2A     = "exon2a"
	Exon2B     = "exon2b"
	RefSeqLen  = 1000
)

func feature(id, typ string, min, max int64, children ...models.FeatureSnapshot) models.FeatureSnapshot {
	return models.FeatureSnapshot{
		ID:       id,
		RefSeq:   RefSeqID,
		Min:      min,
		Max:      max,
		Type:     typ,
		Strand:   models.StrandForward,
		Children: children,
	}
}

// Gene returns a forward-strand gene with two transcripts:
//
//	gene1  [100,600)
//	  mrna1 [100,600): exon1 [100,200) exon2 [300,400) exon3 [500,600) cds1 [150,550)
//	  mrna2 [100,600): exon2a [100,250) exon2b [450,600)
func Gene() models.FeatureSnapshot {
	g := feature(GeneID, "gene", 100, 600,
		feature(MRNA1, "mRNA", 100, 600,
			feature(Exon1, "exon", 100, 200),
			feature(Exon2, "exon", 300, 400),
			feature(Exon3, "exon", 500, 600),
			feature(CDS1, "CDS", 150, 550),
		),
		feature(MRNA2, "mRNA", 100, 600,
			feature(Exon2A, "exon", 100, 250),
			feature(Exon2B, "exon", 450, 600),
		),
	)
	g.Attributes = map[string][]string{models.AttrGFFID: {"G1"}, "Name": {"alpha"}}
	return g
}

// Sequence returns the deterministic bases of the fixture refSeq.
func Sequence() string {
	return strings.Repeat("ACGT", RefSeqLen/4)
}

// Assembly returns a one-refSeq assembly carrying Gene.
func Assembly(backend string) models.AssemblySnapshot {
	return models.AssemblySnapshot{
		ID:      AssemblyID,
		Name:    "Test assembly",
		Backend: backend,
		RefSeqs: []models.RefSeqWithData{{
			RefSeqSnapshot: models.RefSeqSnapshot{
				ID:       RefSeqID,
				Name:     RefSeqID,
				Length:   RefSeqLen,
				Assembly: AssemblyID,
			},
			Sequence: Sequence(),
		}},
		Features: []models.FeatureSnapshot{Gene()},
	}
}

// Region returns the region covering the whole fixture refSeq.
func Region() models.Region {
	return models.Region{Assembly: AssemblyID, RefSeq: RefSeqID, Start: 0, End: RefSeqLen}
}

// TestChangelog opens a change log in a temporary SQLite file.
func TestChangelog(t *testing.T) *changelog.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "annocollab-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := changelog.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestDir creates a temporary directory with a storage.Provider.
func TestDir(t *testing.T) (string, storage.Provider) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, store
}

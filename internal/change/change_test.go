package change

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/annocollab/internal/apperr"
	"github.com/starford/annocollab/internal/datastore"
	"github.com/starford/annocollab/internal/models"
	"github.com/starford/annocollab/internal/testutil"
)

func newStore(t *testing.T) *datastore.Store {
	t.Helper()
	s := datastore.New()
	if err := s.AddAssembly(context.Background(), testutil.Assembly(models.BackendMemory)); err != nil {
		t.Fatalf("AddAssembly: %v", err)
	}
	// A spliced CDS so the discontinuous location changes have something to edit.
	cds := models.FeatureSnapshot{
		ID: "cds2", RefSeq: testutil.RefSeqID, Min: 150, Max: 400, Type: "CDS", Strand: models.StrandForward,
		DiscontinuousLocations: []models.Interval{{Min: 150, Max: 200}, {Min: 300, Max: 400}},
	}
	if err := s.AddFeature(context.Background(), testutil.AssemblyID, cds, testutil.MRNA1); err != nil {
		t.Fatalf("AddFeature: %v", err)
	}
	return s
}

func feature(t *testing.T, s *datastore.Store, id string) models.FeatureSnapshot {
	t.Helper()
	f, ok := s.GetFeature(id)
	if !ok {
		t.Fatalf("feature %s not found", id)
	}
	return f
}

// variants builds one change of every kind against the fixture store.
func variants(t *testing.T, s *datastore.Store) []Change {
	t.Helper()
	asm := testutil.AssemblyID
	gene := feature(t, s, testutil.GeneID)
	exon2 := feature(t, s, testutil.Exon2)
	split, err := NewSplitExon(asm, exon2, testutil.MRNA1)
	if err != nil {
		t.Fatal(err)
	}
	newExon := models.FeatureSnapshot{ID: models.NewID(), RefSeq: testutil.RefSeqID, Min: 410, Max: 450, Type: "exon", Strand: models.StrandForward}

	dir := t.TempDir()
	fastaPath := filepath.Join(dir, "g.fa")
	gffPath := filepath.Join(dir, "g.gff3")
	if err := os.WriteFile(fastaPath, []byte(">chr1\nACGTACGTAC\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	gff := "chr1\tt\tgene\t2\t8\t.\t+\t.\tID=g\nchr1\tt\tmRNA\t2\t8\t.\t+\t.\tID=m;Parent=g\n"
	if err := os.WriteFile(gffPath, []byte(gff), 0o644); err != nil {
		t.Fatal(err)
	}

	return []Change{
		NewAddFeature(asm, newExon, testutil.MRNA1),
		NewDeleteFeature(asm, feature(t, s, testutil.MRNA2), testutil.GeneID),
		NewDuplicateFeature(asm, feature(t, s, testutil.MRNA2), testutil.GeneID),
		NewLocationStart(asm, testutil.Exon2, 300, 310),
		NewLocationEnd(asm, testutil.Exon2, 400, 390),
		NewLocationStart(asm, "cds2", 150, 140),
		NewLocationEnd(asm, "cds2", 400, 420),
		NewDiscontinuousLocationStart(asm, "cds2", 1, 300, 310),
		NewDiscontinuousLocationEnd(asm, "cds2", 1, 400, 380),
		NewType(asm, testutil.CDS1, "CDS", "exon"),
		NewStrand(asm, testutil.Exon1, models.StrandForward, models.StrandReverse),
		NewFeatureAttribute(asm, testutil.GeneID, gene.Attributes, map[string][]string{"Note": {"edited"}}),
		NewMergeExons(asm, feature(t, s, testutil.Exon1), exon2, testutil.MRNA1),
		split,
		NewMergeTranscripts(asm, feature(t, s, testutil.MRNA1), feature(t, s, testutil.MRNA2), testutil.GeneID),
		NewAddAssembly("second", models.BackendMemory, []models.RefSeqWithData{{
			RefSeqSnapshot: models.RefSeqSnapshot{ID: "chr9", Name: "chr9", Length: 4},
			Sequence:       "ACGT",
		}}),
		NewAddAssemblyFromFile("from file", fastaPath, gffPath),
		NewDeleteAssembly(mustAssembly(t, s)),
		NewAddAssemblyAliases(asm, nil, []string{"hg-test"}),
		NewAddRefSeqAliases(asm, []RefSeqAliases{{RefSeq: testutil.RefSeqID, Aliases: []string{"chrA"}}}),
		NewReplaceCheckResults(asm, []string{testutil.CDS1}, nil, []models.CheckResult{{
			ID: "chk1", Name: "MissingStopCodonCheck", Message: "no stop", IDs: []string{testutil.CDS1}, RefSeq: testutil.RefSeqID, Start: 540, End: 550,
		}}),
	}
}

func mustAssembly(t *testing.T, s *datastore.Store) models.AssemblySnapshot {
	t.Helper()
	a, ok := s.Assembly(testutil.AssemblyID)
	if !ok {
		t.Fatal("assembly missing")
	}
	return a
}

func TestInverseRoundTrip(t *testing.T) {
	ctx := context.Background()
	base := newStore(t)
	for _, c := range variants(t, base) {
		t.Run(c.TypeName(), func(t *testing.T) {
			s := newStore(t)
			before := s.Digest()
			if err := c.Execute(ctx, s); err != nil {
				t.Fatalf("Execute: %v", err)
			}
			after := s.Digest()
			if after == before {
				t.Fatal("Execute did not change the store")
			}
			inv := c.Inverse()
			if err := inv.Execute(ctx, s); err != nil {
				t.Fatalf("inverse Execute: %v", err)
			}
			if s.Digest() != before {
				t.Fatal("store differs after change and inverse")
			}
			if c.TypeName() == TypeAddAssemblyFromFile {
				// Covered by TestAddAssemblyFromFileInverseIsFixed.
				return
			}
			if err := inv.Inverse().Execute(ctx, s); err != nil {
				t.Fatalf("redo Execute: %v", err)
			}
			if s.Digest() != after {
				t.Fatal("redo did not reproduce the change")
			}
		})
	}
}

func TestJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	base := newStore(t)
	for _, c := range variants(t, base) {
		t.Run(c.TypeName(), func(t *testing.T) {
			raw, err := Encode(c)
			if err != nil {
				t.Fatal(err)
			}
			decoded, err := reg.Decode(raw)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if decoded.TypeName() != c.TypeName() || decoded.AssemblyID() != c.AssemblyID() {
				t.Fatalf("decoded header %s/%s", decoded.TypeName(), decoded.AssemblyID())
			}
			again, _ := Encode(decoded)
			if !bytes.Equal(raw, again) {
				t.Fatalf("re-encoded form differs:\n%s\n%s", raw, again)
			}
			if err := Validate(decoded); err != nil {
				t.Fatalf("Validate: %v", err)
			}

			a, b := newStore(t), newStore(t)
			if err := c.Execute(ctx, a); err != nil {
				t.Fatal(err)
			}
			if err := decoded.Execute(ctx, b); err != nil {
				t.Fatal(err)
			}
			if a.Digest() != b.Digest() {
				t.Fatal("decoded change produced different state")
			}
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := NewRegistry().Decode([]byte(`{"typeName":"NopeChange"}`))
	if !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("err = %v", err)
	}
}

func TestAddFeatureReplay(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	f := models.FeatureSnapshot{ID: "new1", RefSeq: testutil.RefSeqID, Min: 700, Max: 800, Type: "gene"}
	c := NewAddFeature(testutil.AssemblyID, f, "")
	if err := c.Execute(ctx, s); err != nil {
		t.Fatal(err)
	}
	digest := s.Digest()
	if err := c.Execute(ctx, s); err != nil {
		t.Fatalf("identical replay: %v", err)
	}
	if s.Digest() != digest {
		t.Fatal("replay changed the store")
	}
	f.Max = 900
	err := NewAddFeature(testutil.AssemblyID, f, "").Execute(ctx, s)
	if !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Fatalf("differing replay err = %v", err)
	}
}

func TestSplitPoints(t *testing.T) {
	cases := []struct {
		min, max   int64
		up, down   int64
		shouldFail bool
	}{
		{100, 200, 150, 150, false},
		{100, 201, 150, 151, false},
		{10, 13, 11, 12, false},
		{0, 3, 1, 2, false},
		{10, 12, 0, 0, true},
		{5, 6, 0, 0, true},
		{5, 5, 0, 0, true},
	}
	for _, tc := range cases {
		up, down, err := SplitPoints(tc.min, tc.max)
		if tc.shouldFail {
			var de apperr.DomainError
			if !errors.As(err, &de) {
				t.Errorf("SplitPoints(%d,%d) err = %v, want DomainError", tc.min, tc.max, err)
			}
			continue
		}
		if err != nil || up != tc.up || down != tc.down {
			t.Errorf("SplitPoints(%d,%d) = %d,%d,%v", tc.min, tc.max, up, down, err)
		}
	}
}

func TestSplitExonHalves(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	c, err := NewSplitExon(testutil.AssemblyID, feature(t, s, testutil.Exon2), testutil.MRNA1)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Execute(ctx, s); err != nil {
		t.Fatal(err)
	}
	left := feature(t, s, testutil.Exon2)
	right := feature(t, s, c.NewExonID)
	if left.Min != 300 || left.Max != 350 || right.Min != 350 || right.Max != 400 {
		t.Fatalf("halves = %d-%d, %d-%d", left.Min, left.Max, right.Min, right.Max)
	}
	if p, _ := s.ParentOf(c.NewExonID); p != testutil.MRNA1 {
		t.Errorf("new exon parent = %s", p)
	}
}

func TestSplitExonTooShort(t *testing.T) {
	tiny := models.FeatureSnapshot{ID: "e", RefSeq: testutil.RefSeqID, Min: 10, Max: 11, Type: "exon"}
	if _, err := NewSplitExon(testutil.AssemblyID, tiny, testutil.MRNA1); err == nil {
		t.Fatal("expected error for one-base exon")
	}
}

func TestLocationConflict(t *testing.T) {
	s := newStore(t)
	before := s.Digest()
	err := NewLocationStart(testutil.AssemblyID, testutil.Exon2, 123, 310).Execute(context.Background(), s)
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("err = %v", err)
	}
	if s.Digest() != before {
		t.Fatal("store changed on conflict")
	}
}

func TestOuterLocationsFollowFeatureBounds(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	loose := models.FeatureSnapshot{
		ID: "cds9", RefSeq: testutil.RefSeqID, Min: 140, Max: 400, Type: "CDS", Strand: models.StrandForward,
		DiscontinuousLocations: []models.Interval{{Min: 150, Max: 200}, {Min: 300, Max: 400}},
	}
	if err := NewAddFeature(testutil.AssemblyID, loose, testutil.MRNA1).Execute(ctx, s); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("feature starting before its first location: err = %v", err)
	}

	// Moving the feature start carries the first location, both ways.
	before := s.Digest()
	c := NewLocationStart(testutil.AssemblyID, "cds2", 150, 160)
	if err := c.Execute(ctx, s); err != nil {
		t.Fatal(err)
	}
	if f := feature(t, s, "cds2"); f.Min != 160 || f.DiscontinuousLocations[0].Min != 160 {
		t.Fatalf("after start change: min=%d locations=%v", f.Min, f.DiscontinuousLocations)
	}
	if err := c.Inverse().Execute(ctx, s); err != nil {
		t.Fatal(err)
	}
	if s.Digest() != before {
		t.Fatalf("inverse did not restore: %+v", feature(t, s, "cds2"))
	}

	// A start past the end of the first location is rejected.
	if err := NewLocationStart(testutil.AssemblyID, "cds2", 150, 250).Execute(ctx, s); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("start past first location: err = %v", err)
	}
}

func TestMergeExonsRequiresAdjacency(t *testing.T) {
	s := newStore(t)
	before := s.Digest()
	c := NewMergeExons(testutil.AssemblyID, feature(t, s, testutil.Exon1), feature(t, s, testutil.Exon3), testutil.MRNA1)
	err := c.Execute(context.Background(), s)
	var de apperr.DomainError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DomainError", err)
	}
	if s.Digest() != before {
		t.Fatal("store changed")
	}
}

func TestAdjacentExonsReverseStrand(t *testing.T) {
	parent := testutil.Gene().Children[0]
	parent.Strand = models.StrandReverse
	five, three := AdjacentExons(parent, testutil.Exon2, newStore(t).Ontology())
	if five != testutil.Exon3 || three != testutil.Exon1 {
		t.Fatalf("five=%s three=%s", five, three)
	}
}

func TestMergeTranscriptsRejectsNonTranscripts(t *testing.T) {
	s := newStore(t)
	c := NewMergeTranscripts(testutil.AssemblyID, feature(t, s, testutil.Exon1), feature(t, s, testutil.Exon2), testutil.MRNA1)
	var de apperr.DomainError
	if err := c.Execute(context.Background(), s); !errors.As(err, &de) {
		t.Fatalf("err = %v", err)
	}
}

func TestMergeTranscriptsCopiesChildren(t *testing.T) {
	s := newStore(t)
	c := NewMergeTranscripts(testutil.AssemblyID, feature(t, s, testutil.MRNA1), feature(t, s, testutil.MRNA2), testutil.GeneID)
	if err := c.Execute(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.GetFeature(testutil.MRNA2); ok {
		t.Fatal("second transcript still present")
	}
	if _, ok := s.GetFeature(testutil.Exon2A); ok {
		t.Fatal("original child ids must not be reused")
	}
	m := feature(t, s, testutil.MRNA1)
	if len(m.Children) != 5+2 {
		t.Fatalf("merged transcript has %d children", len(m.Children))
	}
}

func TestChannel(t *testing.T) {
	s := newStore(t)
	want := models.ChannelName(testutil.AssemblyID, testutil.RefSeqID)
	if got := Channel(NewLocationStart(testutil.AssemblyID, testutil.Exon1, 100, 90), s); got != want {
		t.Errorf("location channel = %s", got)
	}
	if got := Channel(NewAddAssemblyAliases(testutil.AssemblyID, nil, []string{"x"}), s); got != models.CommonChannel {
		t.Errorf("alias channel = %s", got)
	}
}

func TestDeleteGeneWaitsForExonEdit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	del := NewDeleteFeature(testutil.AssemblyID, feature(t, s, testutil.GeneID), "")

	started := make(chan struct{})
	release := make(chan struct{})
	edit := make(chan error, 1)
	go func() {
		edit <- s.Transact(ctx, []string{testutil.Exon1, testutil.MRNA1}, func(tx *datastore.Tx) error {
			if _, err := tx.DeleteFeature(testutil.Exon1); err != nil {
				return err
			}
			close(started)
			<-release
			return errors.New("abort")
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() { done <- del.Execute(ctx, s) }()
	select {
	case err := <-done:
		t.Fatalf("gene deleted while an exon transaction was open: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	if err := <-edit; err == nil || err.Error() != "abort" {
		t.Fatalf("edit err = %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("delete gene: %v", err)
	}
	if _, ok := s.GetFeature(testutil.Exon1); ok {
		t.Error("exon survived gene deletion")
	}
	if err := del.Inverse().Execute(ctx, s); err != nil {
		t.Fatal(err)
	}
	if !feature(t, s, testutil.GeneID).Equal(del.DeletedFeature) {
		t.Error("gene not restored with the rolled back exon")
	}
}

func TestDeleteAssemblyLocksItsFeatures(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	del := NewDeleteAssembly(mustAssembly(t, s))

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.Transact(ctx, []string{testutil.Exon2}, func(tx *datastore.Tx) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() { done <- del.Execute(ctx, s) }()
	select {
	case err := <-done:
		t.Fatalf("assembly deleted while a feature transaction was open: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if s.HasAssembly(testutil.AssemblyID) {
		t.Error("assembly still loaded")
	}
}

func TestAddAssemblyFromFileInverseIsFixed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "g.fa"), []byte(">chr1\nACGTACGTAC\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := NewAddAssemblyFromFile("from file", filepath.Join(dir, "g.fa"), "")
	before, err := Encode(c.Inverse())
	if err != nil {
		t.Fatal(err)
	}

	s := newStore(t)
	if err := c.Execute(ctx, s); err != nil {
		t.Fatal(err)
	}
	after, err := Encode(c.Inverse())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("Execute changed the inverse:\n%s\n%s", before, after)
	}

	// A decoded copy undoes the original just as well.
	raw, err := Encode(c)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := NewRegistry().Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if err := decoded.Inverse().Execute(ctx, s); err != nil {
		t.Fatal(err)
	}
	if s.HasAssembly(c.AssemblyID()) {
		t.Error("assembly survived the inverse of a decoded copy")
	}
}

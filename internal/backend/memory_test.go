package backend

import (
	"context"
	"testing"

	"github.com/starford/annocollab/internal/change"
	"github.com/starford/annocollab/internal/models"
	"github.com/starford/annocollab/internal/testutil"
)

func TestMemoryDriverServesSeed(t *testing.T) {
	ctx := context.Background()
	d, err := NewMemoryDriver(nil, nil, testutil.Assembly(""))
	if err != nil {
		t.Fatal(err)
	}
	refs, err := d.GetRefSeqs(ctx, testutil.AssemblyID)
	if err != nil || len(refs) != 1 || refs[0].ID != testutil.RefSeqID {
		t.Fatalf("refSeqs = %+v, %v", refs, err)
	}
	feats, err := d.GetFeatures(ctx, models.Region{Assembly: testutil.AssemblyID, RefSeq: testutil.RefSeqID, Start: 0, End: 50})
	if err != nil || len(feats) != 0 {
		t.Fatalf("features outside the gene = %+v, %v", feats, err)
	}
	feats, _ = d.GetFeatures(ctx, testutil.Region())
	if len(feats) != 1 || !feats[0].Equal(testutil.Gene()) {
		t.Fatalf("features = %+v", feats)
	}
	seq, err := d.GetSequence(ctx, models.Region{Assembly: testutil.AssemblyID, RefSeq: testutil.RefSeqID, Start: 2, End: 6})
	if err != nil || seq.Seq != "GTAC" {
		t.Fatalf("sequence = %+v, %v", seq, err)
	}
}

func TestMemoryDriverAppliesAndRejects(t *testing.T) {
	ctx := context.Background()
	d, err := NewMemoryDriver(nil, nil, testutil.Assembly(""))
	if err != nil {
		t.Fatal(err)
	}
	ok, err := d.SubmitChange(ctx, change.NewLocationStart(testutil.AssemblyID, testutil.Exon1, 100, 120))
	if err != nil || !ok.OK {
		t.Fatalf("submit = %+v, %v", ok, err)
	}
	if f, _ := d.Store().GetFeature(testutil.Exon1); f.Min != 120 {
		t.Errorf("authority min = %d", f.Min)
	}
	stale, err := d.SubmitChange(ctx, change.NewLocationStart(testutil.AssemblyID, testutil.Exon1, 100, 130))
	if err != nil {
		t.Fatal(err)
	}
	if stale.OK {
		t.Fatal("stale change accepted")
	}
	if d.Submitted() != 2 {
		t.Errorf("submitted = %d", d.Submitted())
	}
}

package fasta

import (
	"context"
	"strings"
	"testing"
)

func TestReadAll(t *testing.T) {
	in := ">ctgA first contig\nacgt\nACGT\n\n>ctgB\nTTTT\n"
	recs, err := ReadAll(context.Background(), strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0].ID != "ctgA" || recs[0].Description != "first contig" || recs[0].Seq != "ACGTACGT" {
		t.Errorf("rec0 = %+v", recs[0])
	}
	if recs[1].ID != "ctgB" || recs[1].Seq != "TTTT" {
		t.Errorf("rec1 = %+v", recs[1])
	}
}

func TestDataBeforeHeader(t *testing.T) {
	if _, err := ReadAll(context.Background(), strings.NewReader("ACGT\n>x\nA\n")); err == nil {
		t.Fatal("expected error")
	}
}

func TestScanHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ReadAll(ctx, strings.NewReader(">x\nA\n")); err == nil {
		t.Fatal("expected context error")
	}
}

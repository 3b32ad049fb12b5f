package changelog

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	f, err := os.CreateTemp("", "annocollab-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	db, err := Open(f.Name())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func entry(channel, typeName string) Entry {
	return Entry{
		Channel:   channel,
		UserToken: "tok",
		UserName:  "ann",
		TypeName:  typeName,
		Change:    json.RawMessage(`{"typeName":"` + typeName + `"}`),
	}
}

func TestSchemaCreation(t *testing.T) {
	db := testDB(t)
	var count int
	if err := db.conn.QueryRow(`SELECT count(*) FROM changes`).Scan(&count); err != nil {
		t.Fatalf("changes table missing: %v", err)
	}
	if err := db.conn.QueryRow(`SELECT count(*) FROM imports`).Scan(&count); err != nil {
		t.Fatalf("imports table missing: %v", err)
	}
}

func TestSequencesArePerChannel(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	want := []struct {
		channel string
		seq     int64
	}{
		{"asm1-ctgA", 1}, {"asm1-ctgA", 2}, {"COMMON", 1}, {"asm1-ctgA", 3}, {"COMMON", 2},
	}
	for _, w := range want {
		seq, err := db.Append(ctx, entry(w.channel, "TypeChange"))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if seq != w.seq {
			t.Errorf("%s seq = %d, want %d", w.channel, seq, w.seq)
		}
	}

	got, err := db.Since(ctx, "asm1-ctgA", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Seq != 2 || got[1].Seq != 3 {
		t.Fatalf("since = %+v", got)
	}
	if string(got[0].Change) != `{"typeName":"TypeChange"}` || got[0].UserName != "ann" {
		t.Errorf("entry = %+v", got[0])
	}

	last, err := db.LastSeq(ctx, "COMMON")
	if err != nil || last != 2 {
		t.Errorf("LastSeq = %d, %v", last, err)
	}
	if last, _ := db.LastSeq(ctx, "nope"); last != 0 {
		t.Errorf("LastSeq of unknown channel = %d", last)
	}
}

func TestSinceLimit(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	for range 5 {
		if _, err := db.Append(ctx, entry("c", "TypeChange")); err != nil {
			t.Fatal(err)
		}
	}
	got, err := db.Since(ctx, "c", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Seq != 2 {
		t.Fatalf("since = %+v", got)
	}
}

func TestConcurrentAppendsGetDistinctSequences(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	var wg sync.WaitGroup
	seqs := make(chan int64, 20)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := db.Append(ctx, entry("c", "TypeChange"))
			if err != nil {
				t.Error(err)
				return
			}
			seqs <- seq
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for s := range seqs {
		if seen[s] {
			t.Fatalf("sequence %d allocated twice", s)
		}
		seen[s] = true
	}
	if len(seen) != 20 {
		t.Fatalf("got %d sequences", len(seen))
	}
}

func TestReplayInAppendOrder(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	types := []string{"AddAssemblyChange", "AddFeatureChange", "TypeChange"}
	channels := []string{"COMMON", "asm1-ctgA", "asm1-ctgA"}
	for i := range types {
		if _, err := db.Append(ctx, entry(channels[i], types[i])); err != nil {
			t.Fatal(err)
		}
	}
	var got []string
	err := db.Replay(ctx, func(e Entry) error {
		got = append(got, e.TypeName)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := range types {
		if got[i] != types[i] {
			t.Fatalf("replay order = %v", got)
		}
	}
}

func TestImportRecords(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	if cs, err := db.ImportChecksum(ctx, "a.gff3"); err != nil || cs != "" {
		t.Fatalf("ImportChecksum of unknown = %q, %v", cs, err)
	}
	if err := db.RecordImport(ctx, ImportRecord{Path: "a.gff3", Checksum: "1", Assembly: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordImport(ctx, ImportRecord{Path: "a.gff3", Checksum: "2", Assembly: "y"}); err != nil {
		t.Fatal(err)
	}
	if cs, _ := db.ImportChecksum(ctx, "a.gff3"); cs != "2" {
		t.Errorf("checksum = %q, want 2", cs)
	}
	recs, err := db.Imports(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Assembly != "y" {
		t.Fatalf("imports = %+v", recs)
	}
}

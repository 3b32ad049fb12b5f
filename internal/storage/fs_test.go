package storage

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func tempRoot(t *testing.T) *FS {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestWriteAndRead(t *testing.T) {
	s := tempRoot(t)
	content := []byte(">ctgA\nACGT\n")
	if err := s.Write("genome.fa", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("genome.fa")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
}

func TestWriteCreatesSubdirs(t *testing.T) {
	s := tempRoot(t)
	if err := s.Write("a/b/c.gff3", []byte("deep")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("a/b/c.gff3")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "deep" {
		t.Errorf("content = %q", got)
	}
}

func TestAppendCreatesAndExtends(t *testing.T) {
	s := tempRoot(t)
	if err := s.Append("journal.jsonl", []byte("{\"a\":1}\n")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append("journal.jsonl", []byte("{\"a\":2}\n")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, _ := s.Read("journal.jsonl")
	if string(got) != "{\"a\":1}\n{\"a\":2}\n" {
		t.Errorf("content = %q", got)
	}
}

func TestAppendKeepsEarlierContent(t *testing.T) {
	s := tempRoot(t)
	if err := s.Write("j/journal.jsonl", []byte("first\n")); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Append("j/journal.jsonl", []byte("line\n")); err != nil {
				t.Errorf("Append: %v", err)
			}
		}()
	}
	wg.Wait()
	got, err := s.Read("j/journal.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	want := "first\n" + strings.Repeat("line\n", 20)
	if string(got) != want {
		t.Errorf("content = %q", got)
	}
	if err := s.Append("../escape.jsonl", []byte("x")); err == nil {
		t.Error("append outside the root accepted")
	}
}

func TestListFiltersByExtension(t *testing.T) {
	s := tempRoot(t)
	_ = s.Write("a.gff3", []byte("a"))
	_ = s.Write("sub/b.GFF3", []byte("b"))
	_ = s.Write("sub/b.fa", []byte("b"))
	_ = s.Write("readme.txt", []byte("no"))

	items, err := s.List("", ".gff3")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("len = %d, want 2", len(items))
	}
	all, _ := s.List("")
	if len(all) != 4 {
		t.Errorf("unfiltered len = %d, want 4", len(all))
	}
	for _, it := range items {
		if it.Checksum == "" || it.Size != 1 {
			t.Errorf("meta = %+v", it)
		}
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempRoot(t)

	cases := []string{
		"../../etc/passwd",
		"../outside.fa",
		"/etc/shadow",
	}
	for _, p := range cases {
		if _, err := s.Read(p); err == nil {
			t.Errorf("expected error for path %q", p)
		}
		if err := s.Write(p, []byte("x")); err == nil {
			t.Errorf("expected error for write to %q", p)
		}
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	s := tempRoot(t)
	_ = s.Write("atomic.fa", []byte("original content"))

	updated := []byte("updated content")
	if err := s.Write("atomic.fa", updated); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := s.Read("atomic.fa")
	if string(got) != string(updated) {
		t.Errorf("expected updated content, got %q", got)
	}

	matches, _ := filepath.Glob(filepath.Join(s.Root(), ".annocollab-tmp-*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	_, err := NewFS("/tmp/annocollab-does-not-exist-" + t.Name())
	if err == nil {
		t.Error("expected error for non-existent dir")
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	f, _ := os.CreateTemp("", "annocollab-test-*")
	_ = f.Close()
	defer os.Remove(f.Name())
	_, err := NewFS(f.Name())
	if err == nil {
		t.Error("expected error when root is a file")
	}
}

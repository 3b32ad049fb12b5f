// Package fasta reads FASTA sequence files.
package fasta

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
)

// Record is one sequence of a FASTA file.
type Record struct {
	ID          string
	Description string
	Seq         string
}

// maxLine allows very long single-line sequences.
const maxLine = 64 * 1024 * 1024

// Scan parses FASTA from r and calls emit once per record. It stops early when
// ctx is done or emit returns an error.
func Scan(ctx context.Context, r io.Reader, emit func(Record) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)

	var (
		rec  Record
		seq  = make([]byte, 0, 1<<16)
		open bool
	)
	flush := func() error {
		if !open {
			return nil
		}
		rec.Seq = string(bytes.ToUpper(seq))
		return emit(rec)
	}

	for sc.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := sc.Bytes()
		if len(line) == 0 || line[0] == ';' {
			continue
		}
		if line[0] == '>' {
			if err := flush(); err != nil {
				return err
			}
			rec = parseHeader(line[1:])
			seq = seq[:0]
			open = true
			continue
		}
		if !open {
			return fmt.Errorf("fasta: sequence data before first header")
		}
		seq = append(seq, bytes.TrimSpace(line)...)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("fasta: scan: %w", err)
	}
	return flush()
}

// ReadAll parses every record of r.
func ReadAll(ctx context.Context, r io.Reader) ([]Record, error) {
	var out []Record
	err := Scan(ctx, r, func(rec Record) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}

func parseHeader(hdr []byte) Record {
	hdr = bytes.TrimSpace(hdr)
	if i := bytes.IndexAny(hdr, " \t"); i >= 0 {
		return Record{ID: string(hdr[:i]), Description: string(bytes.TrimSpace(hdr[i+1:]))}
	}
	return Record{ID: string(hdr)}
}

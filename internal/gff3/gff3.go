// Package gff3 reads GFF3 annotation files into feature snapshots.
//
// Coordinates are converted from GFF3's 1-based closed intervals to 0-based
// half-open ones. Lines sharing an ID become one feature with discontinuous
// locations. A trailing ##FASTA section is parsed with package fasta.
package gff3

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/starford/annocollab/internal/fasta"
	"github.com/starford/annocollab/internal/models"
)

// Document is the parsed content of a GFF3 file.
type Document struct {
	// SequenceRegions maps seqid to the length declared by ##sequence-region.
	SequenceRegions map[string]int64
	// Features holds top-level features with nested children. RefSeq is the
	// GFF3 seqid.
	Features []models.FeatureSnapshot
	// Sequences holds the embedded ##FASTA section, if any.
	Sequences []fasta.Record
}

type entry struct {
	snap     models.FeatureSnapshot
	gffID    string
	parent   string
	locs     []models.Interval
	children []*entry
}

// Parse reads a GFF3 document. newID supplies the store id for each feature.
func Parse(ctx context.Context, r io.Reader, newID func() string) (*Document, error) {
	doc := &Document{SequenceRegions: make(map[string]int64)}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var (
		entries []*entry
		byGFFID = make(map[string]*entry)
		lineNo  int
	)
	for sc.Scan() {
		lineNo++
		if lineNo%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		line := sc.Text()
		switch {
		case strings.TrimSpace(line) == "":
			continue
		case strings.HasPrefix(line, "##FASTA"):
			var b strings.Builder
			for sc.Scan() {
				b.WriteString(sc.Text())
				b.WriteByte('\n')
			}
			if err := sc.Err(); err != nil {
				return nil, fmt.Errorf("gff3: scan: %w", err)
			}
			recs, err := fasta.ReadAll(ctx, strings.NewReader(b.String()))
			if err != nil {
				return nil, fmt.Errorf("gff3: embedded fasta: %w", err)
			}
			doc.Sequences = recs
			return doc, link(doc, entries, byGFFID)
		case strings.HasPrefix(line, "##sequence-region"):
			fields := strings.Fields(line)
			if len(fields) == 4 {
				end, err := strconv.ParseInt(fields[3], 10, 64)
				if err != nil {
					return nil, fmt.Errorf("gff3: line %d: bad sequence-region end: %w", lineNo, err)
				}
				doc.SequenceRegions[fields[1]] = end
			}
			continue
		case strings.HasPrefix(line, "#"):
			continue
		}

		e, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("gff3: line %d: %w", lineNo, err)
		}
		if e.gffID != "" {
			if prev, ok := byGFFID[e.gffID]; ok {
				prev.locs = append(prev.locs, models.Interval{Min: e.snap.Min, Max: e.snap.Max})
				prev.snap.Min = min(prev.snap.Min, e.snap.Min)
				prev.snap.Max = max(prev.snap.Max, e.snap.Max)
				continue
			}
			byGFFID[e.gffID] = e
		}
		e.snap.ID = newID()
		e.locs = []models.Interval{{Min: e.snap.Min, Max: e.snap.Max}}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("gff3: scan: %w", err)
	}
	return doc, link(doc, entries, byGFFID)
}

func parseLine(line string) (*entry, error) {
	cols := strings.Split(line, "\t")
	if len(cols) != 9 {
		return nil, fmt.Errorf("expected 9 columns, got %d", len(cols))
	}
	start, err := strconv.ParseInt(cols[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad start %q", cols[3])
	}
	end, err := strconv.ParseInt(cols[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad end %q", cols[4])
	}
	if start < 1 || end < start {
		return nil, fmt.Errorf("bad location %d-%d", start, end)
	}
	var strand models.Strand
	switch cols[6] {
	case "+":
		strand = models.StrandForward
	case "-":
		strand = models.StrandReverse
	case ".", "?":
	default:
		return nil, fmt.Errorf("bad strand %q", cols[6])
	}

	e := &entry{snap: models.FeatureSnapshot{
		RefSeq: unescape(cols[0]),
		Min:    start - 1,
		Max:    end,
		Type:   cols[2],
		Strand: strand,
	}}
	if cols[8] == "." || cols[8] == "" {
		return e, nil
	}
	attrs := make(map[string][]string)
	for _, kv := range strings.Split(cols[8], ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("bad attribute %q", kv)
		}
		var vals []string
		for _, part := range strings.Split(v, ",") {
			vals = append(vals, unescape(part))
		}
		switch k {
		case "ID":
			e.gffID = vals[0]
			attrs[models.AttrGFFID] = vals
		case "Name":
			attrs[models.AttrGFFName] = vals
		case "Parent":
			e.parent = vals[0]
		default:
			attrs[unescape(k)] = vals
		}
	}
	if len(attrs) > 0 {
		e.snap.Attributes = attrs
	}
	return e, nil
}

func link(doc *Document, entries []*entry, byGFFID map[string]*entry) error {
	var roots []*entry
	for _, e := range entries {
		if e.parent == "" {
			roots = append(roots, e)
			continue
		}
		p, ok := byGFFID[e.parent]
		if !ok {
			return fmt.Errorf("gff3: feature %q references unknown parent %q", e.gffID, e.parent)
		}
		p.children = append(p.children, e)
	}
	for _, e := range roots {
		doc.Features = append(doc.Features, e.build())
	}
	models.SortSnapshots(doc.Features)
	return nil
}

func (e *entry) build() models.FeatureSnapshot {
	s := e.snap
	if len(e.locs) > 1 {
		locs := e.locs
		sort.Slice(locs, func(i, j int) bool { return locs[i].Min < locs[j].Min })
		s.DiscontinuousLocations = locs
	}
	for _, c := range e.children {
		s.Children = append(s.Children, c.build())
	}
	models.SortSnapshots(s.Children)
	return s
}

func unescape(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	u, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return u
}

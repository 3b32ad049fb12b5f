// Package ontology answers "is this feature type a kind of that one" questions
// for structural edits. Only the is_a relation is modelled.
package ontology

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store is the narrow view of an ontology consumed by changes and validators.
type Store interface {
	IsTypeOf(term, ancestor string) bool
}

//go:embed terms.yaml
var defaultTerms []byte

type termFile struct {
	Terms []struct {
		Name string   `yaml:"name"`
		IsA  []string `yaml:"is_a"`
	} `yaml:"terms"`
}

// Static is an immutable in-memory is_a graph.
type Static struct {
	parents map[string][]string
}

var (
	defaultOnce sync.Once
	defaultSet  *Static
)

// Default returns the built-in Sequence Ontology subset.
func Default() *Static {
	defaultOnce.Do(func() {
		s, err := Parse(defaultTerms)
		if err != nil {
			panic(fmt.Sprintf("ontology: built-in terms: %v", err))
		}
		defaultSet = s
	})
	return defaultSet
}

// Load reads a term file from disk.
func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ontology: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds an ontology from YAML of the form
//
//	terms:
//	  - name: mRNA
//	    is_a: [transcript]
func Parse(data []byte) (*Static, error) {
	var f termFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("ontology: parse: %w", err)
	}
	s := &Static{parents: make(map[string][]string, len(f.Terms))}
	for _, t := range f.Terms {
		if t.Name == "" {
			return nil, fmt.Errorf("ontology: term without name")
		}
		s.parents[t.Name] = append(s.parents[t.Name], t.IsA...)
	}
	for name, ps := range s.parents {
		for _, p := range ps {
			if _, ok := s.parents[p]; !ok {
				return nil, fmt.Errorf("ontology: term %q is_a unknown term %q", name, p)
			}
		}
	}
	return s, nil
}

// IsTypeOf reports whether term equals ancestor or reaches it through is_a.
func (s *Static) IsTypeOf(term, ancestor string) bool {
	seen := make(map[string]bool)
	var walk func(string) bool
	walk = func(t string) bool {
		if t == ancestor {
			return true
		}
		if seen[t] {
			return false
		}
		seen[t] = true
		for _, p := range s.parents[t] {
			if walk(p) {
				return true
			}
		}
		return false
	}
	return walk(term)
}

// Known reports whether term is defined.
func (s *Static) Known(term string) bool {
	_, ok := s.parents[term]
	return ok
}

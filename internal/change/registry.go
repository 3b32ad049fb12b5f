package change

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/starford/annocollab/internal/apperr"
)

// Registry maps type names to variant constructors. It is the only way a
// change is rebuilt from its JSON form.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]func() Change
}

// NewRegistry returns a registry that knows every built-in variant.
func NewRegistry() *Registry {
	r := &Registry{ctors: make(map[string]func() Change)}
	r.Register(TypeAddFeature, func() Change { return &AddFeatureChange{} })
	r.Register(TypeDeleteFeature, func() Change { return &DeleteFeatureChange{} })
	r.Register(TypeDuplicateFeature, func() Change { return &DuplicateFeatureChange{} })
	r.Register(TypeLocationStart, func() Change { return &LocationStartChange{} })
	r.Register(TypeLocationEnd, func() Change { return &LocationEndChange{} })
	r.Register(TypeDiscontinuousLocationStart, func() Change { return &DiscontinuousLocationStartChange{} })
	r.Register(TypeDiscontinuousLocationEnd, func() Change { return &DiscontinuousLocationEndChange{} })
	r.Register(TypeType, func() Change { return &TypeChange{} })
	r.Register(TypeStrand, func() Change { return &StrandChange{} })
	r.Register(TypeFeatureAttribute, func() Change { return &FeatureAttributeChange{} })
	r.Register(TypeMergeExons, func() Change { return &MergeExonsChange{} })
	r.Register(TypeUndoMergeExons, func() Change { return &UndoMergeExonsChange{} })
	r.Register(TypeSplitExon, func() Change { return &SplitExonChange{} })
	r.Register(TypeUndoSplitExon, func() Change { return &UndoSplitExonChange{} })
	r.Register(TypeMergeTranscripts, func() Change { return &MergeTranscriptsChange{} })
	r.Register(TypeUndoMergeTranscripts, func() Change { return &UndoMergeTranscriptsChange{} })
	r.Register(TypeAddAssembly, func() Change { return &AddAssemblyChange{} })
	r.Register(TypeAddAssemblyFromFile, func() Change { return &AddAssemblyFromFileChange{} })
	r.Register(TypeDeleteAssembly, func() Change { return &DeleteAssemblyChange{} })
	r.Register(TypeAddAssemblyAliases, func() Change { return &AddAssemblyAliasesChange{} })
	r.Register(TypeAddRefSeqAliases, func() Change { return &AddRefSeqAliasesChange{} })
	r.Register(TypeReplaceCheckResults, func() Change { return &ReplaceCheckResultsChange{} })
	return r
}

// Register adds or replaces the constructor for typeName. ctor must return a
// pointer to a zero value that json can decode into.
func (r *Registry) Register(typeName string, ctor func() Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[typeName] = ctor
}

// Known returns the registered type names in sorted order.
func (r *Registry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Decode rebuilds a change from its JSON form.
func (r *Registry) Decode(raw []byte) (Change, error) {
	var head struct {
		TypeName string `json:"typeName"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("change: decode: %w", apperr.Domainf("malformed change: %v", err))
	}
	r.mu.RLock()
	ctor, ok := r.ctors[head.TypeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("change: decode: %w", apperr.Domainf("unknown change type %q", head.TypeName))
	}
	c := ctor()
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("change: decode %s: %w", head.TypeName, apperr.Domainf("malformed change: %v", err))
	}
	return c, nil
}

// Encode returns the JSON form of c.
func Encode(c Change) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("change: encode %s: %w", c.TypeName(), err)
	}
	return data, nil
}

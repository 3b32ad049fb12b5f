// Package validation runs named checks before a change is applied (pre) and
// against the store after it was applied (post). A failing post check makes
// the change manager roll the change back.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/starford/annocollab/internal/change"
	"github.com/starford/annocollab/internal/datastore"
	"github.com/starford/annocollab/internal/models"
)

// Validator is anything registered with a Registry. It should also implement
// PreValidator, PostValidator or both.
type Validator interface {
	Name() string
}

// PreValidator inspects a change before it touches the store.
type PreValidator interface {
	Validator
	PreValidate(ctx context.Context, c change.Change) (models.ValidationResult, error)
}

// PostValidator inspects the store after a change was applied.
type PostValidator interface {
	Validator
	PostValidate(ctx context.Context, c change.Change, s *datastore.Store) (models.ValidationResult, error)
}

// Registry holds validators in registration order.
type Registry struct {
	mu         sync.RWMutex
	validators []Validator
	logger     *slog.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// NewDefaultRegistry builds a registry with the built-in validators.
func NewDefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(CoreValidation{})
	r.Register(ParentChildContainment{})
	return r
}

// Register appends a validator.
func (r *Registry) Register(v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators = append(r.validators, v)
}

func (r *Registry) snapshot() []Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Validator(nil), r.validators...)
}

// PreValidate runs every PreValidator and aggregates the results.
func (r *Registry) PreValidate(ctx context.Context, c change.Change) models.ValidationResultSet {
	set := models.Accepted()
	for _, v := range r.snapshot() {
		pv, ok := v.(PreValidator)
		if !ok {
			continue
		}
		res, err := pv.PreValidate(ctx, c)
		set.Add(r.settle(v, res, err))
	}
	return set
}

// PostValidate runs every PostValidator and aggregates the results.
func (r *Registry) PostValidate(ctx context.Context, c change.Change, s *datastore.Store) models.ValidationResultSet {
	set := models.Accepted()
	for _, v := range r.snapshot() {
		pv, ok := v.(PostValidator)
		if !ok {
			continue
		}
		res, err := pv.PostValidate(ctx, c, s)
		set.Add(r.settle(v, res, err))
	}
	return set
}

// settle turns a validator error into a failed result.
func (r *Registry) settle(v Validator, res models.ValidationResult, err error) models.ValidationResult {
	if err != nil {
		r.logger.Error("validation: validator failed", slog.String("validator", v.Name()), slog.String("error", err.Error()))
		return models.ValidationResult{Name: v.Name(), Messages: []string{fmt.Sprintf("validator error: %v", err)}}
	}
	if res.Name == "" {
		res.Name = v.Name()
	}
	return res
}

func pass(name string) models.ValidationResult {
	return models.ValidationResult{Name: name, OK: true}
}

func fail(name string, msgs ...string) models.ValidationResult {
	return models.ValidationResult{Name: name, Messages: msgs}
}

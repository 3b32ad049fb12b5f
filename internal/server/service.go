// Package server implements the collaboration server: the remote authority
// that validates, applies, sequences and broadcasts changes for every client.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/annocollab/internal/apperr"
	"github.com/starford/annocollab/internal/backend"
	"github.com/starford/annocollab/internal/change"
	"github.com/starford/annocollab/internal/changelog"
	"github.com/starford/annocollab/internal/datastore"
	"github.com/starford/annocollab/internal/metrics"
	"github.com/starford/annocollab/internal/models"
	"github.com/starford/annocollab/internal/push"
	"github.com/starford/annocollab/internal/validation"
)

// Result labels recorded per applied change.
const (
	resultAccepted    = "accepted"
	resultPreInvalid  = "pre_invalid"
	resultFailed      = "execute_failed"
	resultPostInvalid = "post_invalid"
	resultLogFailed   = "log_failed"
)

// User identifies the author of a submission.
type User struct {
	Token string
	Name  string
}

// Service coordinates the authoritative store, the change log and the push broker.
type Service struct {
	store      *datastore.Store
	registry   *change.Registry
	validators *validation.Registry
	log        changelog.Log
	broker     *push.Broker
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// mu orders apply+append against reads that report a channel sequence, so
	// a client never sees a snapshot older or newer than the sequence it gets.
	mu sync.RWMutex
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records applied changes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a new collaboration service.
func NewService(store *datastore.Store, registry *change.Registry, validators *validation.Registry, log changelog.Log, broker *push.Broker, opts ...Option) *Service {
	s := &Service{
		store:      store,
		registry:   registry,
		validators: validators,
		log:        log,
		broker:     broker,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.validators == nil {
		s.validators = validation.NewRegistry(s.logger)
	}
	return s
}

// Store returns the authoritative store.
func (s *Service) Store() *datastore.Store { return s.store }

// Restore rebuilds the store by executing every logged change in order.
func (s *Service) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	err := s.log.Replay(ctx, func(e changelog.Entry) error {
		c, err := s.registry.Decode(e.Change)
		if err != nil {
			return fmt.Errorf("entry %d: %w", e.ID, err)
		}
		if err := c.Execute(ctx, s.store); err != nil {
			return fmt.Errorf("entry %d: %w", e.ID, err)
		}
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("server: restore: %w", err)
	}
	s.logger.Info("server: store restored from change log", slog.Int("changes", n))
	return nil
}

// Submit decodes raw and applies it on behalf of user.
func (s *Service) Submit(ctx context.Context, raw []byte, user User) (backend.SubmitResponse, error) {
	c, err := s.registry.Decode(raw)
	if err != nil {
		return backend.SubmitResponse{}, fmt.Errorf("server: %w", err)
	}
	return s.Apply(ctx, c, user)
}

// Apply validates c, executes it against the authoritative store, appends it
// to the change log and broadcasts it. A change that fails at any step leaves
// the store as it was.
func (s *Service) Apply(ctx context.Context, c change.Change, user User) (backend.SubmitResponse, error) {
	if res := s.validators.PreValidate(ctx, c); !res.OK {
		s.metrics.Applied(c.TypeName(), resultPreInvalid)
		return backend.SubmitResponse{}, fmt.Errorf("server: %s: %s: %w", c.TypeName(), res.Messages(), apperr.ErrInvalid)
	}
	if err := ctx.Err(); err != nil {
		return backend.SubmitResponse{}, fmt.Errorf("server: %s: %w", c.TypeName(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	channel := change.Channel(c, s.store)
	if err := c.Execute(ctx, s.store); err != nil {
		s.metrics.Applied(c.TypeName(), resultFailed)
		return backend.SubmitResponse{}, fmt.Errorf("server: %w", err)
	}

	bg := context.WithoutCancel(ctx)
	if res := s.validators.PostValidate(bg, c, s.store); !res.OK {
		s.undoLocked(bg, c)
		s.metrics.Applied(c.TypeName(), resultPostInvalid)
		return backend.SubmitResponse{}, fmt.Errorf("server: %s: %s: %w", c.TypeName(), res.Messages(), apperr.ErrInvalid)
	}

	logged := s.normalize(c)
	raw, err := change.Encode(logged)
	if err == nil {
		var seq int64
		seq, err = s.log.Append(bg, changelog.Entry{
			Channel:   channel,
			UserToken: user.Token,
			UserName:  user.Name,
			TypeName:  logged.TypeName(),
			Change:    raw,
			CreatedAt: time.Now().UTC(),
		})
		if err == nil {
			s.broker.Publish(push.Message{
				ChangeSequence: seq,
				UserToken:      user.Token,
				Channel:        channel,
				ChangeInfo:     raw,
				UserName:       user.Name,
			})
			s.metrics.Applied(c.TypeName(), resultAccepted)
			s.logger.Info("server: change accepted",
				slog.String("type", c.TypeName()),
				slog.String("channel", channel),
				slog.Int64("seq", seq),
				slog.String("user", user.Name),
			)
			return backend.SubmitResponse{OK: true, Sequences: map[string]int64{channel: seq}}, nil
		}
	}
	s.undoLocked(bg, c)
	s.metrics.Applied(c.TypeName(), resultLogFailed)
	return backend.SubmitResponse{}, fmt.Errorf("server: log %s: %w", c.TypeName(), err)
}

// normalize replaces file imports with the inline assembly they produced, so
// the logged change can be replayed by clients that cannot read server files.
func (s *Service) normalize(c change.Change) change.Change {
	if _, ok := c.(*change.AddAssemblyFromFileChange); !ok {
		return c
	}
	snap, ok := s.store.Assembly(c.AssemblyID())
	if !ok {
		return c
	}
	return change.AddAssemblyFromSnapshot(snap)
}

func (s *Service) undoLocked(ctx context.Context, c change.Change) {
	if err := c.Inverse().Execute(ctx, s.store); err != nil {
		s.logger.Error("server: undo failed, store may diverge from change log",
			slog.String("type", c.TypeName()),
			slog.String("error", err.Error()),
		)
	}
}

// Assemblies returns the assemblies of the store without features or bases.
func (s *Service) Assemblies() []models.AssemblySnapshot {
	ids := s.store.AssemblyIDs()
	out := make([]models.AssemblySnapshot, 0, len(ids))
	for _, id := range ids {
		snap, ok := s.store.Assembly(id)
		if !ok {
			continue
		}
		for i := range snap.RefSeqs {
			snap.RefSeqs[i].Sequence = ""
		}
		snap.Features = nil
		snap.Checks = nil
		out = append(out, snap)
	}
	return out
}

// RefSeqs returns the refSeqs of an assembly with the current COMMON sequence.
func (s *Service) RefSeqs(ctx context.Context, assemblyID string) ([]models.RefSeqSnapshot, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs, err := s.store.RefSeqs(assemblyID)
	if err != nil {
		return nil, 0, fmt.Errorf("server: refSeqs: %w", err)
	}
	seq, err := s.log.LastSeq(ctx, models.CommonChannel)
	if err != nil {
		return nil, 0, fmt.Errorf("server: refSeqs: %w", err)
	}
	return refs, seq, nil
}

// Features returns the features overlapping region with the current sequence
// of the region's channel.
func (s *Service) Features(ctx context.Context, region models.Region) ([]models.FeatureSnapshot, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.store.RefSeq(region.RefSeq)
	if !ok {
		return nil, 0, fmt.Errorf("server: features: %w", apperr.NotFound("refSeq", region.RefSeq))
	}
	feats, err := s.store.FeaturesInRegion(region)
	if err != nil {
		return nil, 0, fmt.Errorf("server: features: %w", err)
	}
	if feats == nil {
		feats = []models.FeatureSnapshot{}
	}
	seq, err := s.log.LastSeq(ctx, models.ChannelName(ref.Assembly, ref.ID))
	if err != nil {
		return nil, 0, fmt.Errorf("server: features: %w", err)
	}
	return feats, seq, nil
}

// Sequence returns the bases of region.
func (s *Service) Sequence(region models.Region) (models.SequenceChunk, error) {
	chunk, err := s.store.Sequence(region)
	if err != nil {
		return models.SequenceChunk{}, fmt.Errorf("server: sequence: %w", err)
	}
	return chunk, nil
}

// Changes returns the logged messages of channel after since, in order.
func (s *Service) Changes(ctx context.Context, channel string, since int64, limit int) ([]push.Message, error) {
	entries, err := s.log.Since(ctx, channel, since, limit)
	if err != nil {
		return nil, fmt.Errorf("server: changes: %w", err)
	}
	out := make([]push.Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, push.Message{
			ChangeSequence: e.Seq,
			UserToken:      e.UserToken,
			Channel:        e.Channel,
			ChangeInfo:     e.Change,
			UserName:       e.UserName,
		})
	}
	return out, nil
}

// Package session wires one client: a store, its backend drivers, the change
// manager and the push subscription that replays other users' changes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/starford/annocollab/internal/backend"
	"github.com/starford/annocollab/internal/change"
	"github.com/starford/annocollab/internal/changemanager"
	"github.com/starford/annocollab/internal/datastore"
	"github.com/starford/annocollab/internal/metrics"
	"github.com/starford/annocollab/internal/models"
	"github.com/starford/annocollab/internal/notify"
	"github.com/starford/annocollab/internal/ontology"
	"github.com/starford/annocollab/internal/storage"
	"github.com/starford/annocollab/internal/validation"
)

// Config selects the backends of a session.
type Config struct {
	// ServerURL is the collaboration server API root, e.g. http://host:8080/api.
	// Empty means no collaboration backend; new assemblies then default to memory.
	ServerURL      string
	AuthToken      string
	UserName       string
	HistorySize    int
	ReconnectDelay time.Duration

	// LocalDir holds the files of LocalAssemblies and their journals.
	LocalDir        string
	LocalAssemblies []backend.LocalAssembly
}

// Session is one connected client.
type Session struct {
	store    *datastore.Store
	manager  *changemanager.Manager
	registry *change.Registry
	collab   *backend.CollaborationDriver
	memory   *backend.MemoryDriver
	files    *backend.LocalFileDriver
	token    string
	logger   *slog.Logger
}

type options struct {
	logger   *slog.Logger
	notifier notify.Notifier
	metrics  *metrics.Metrics
	ontology ontology.Store
	seed     []models.AssemblySnapshot
}

// Option configures a Session.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithNotifier adds n to the notification targets. Notifications are always logged.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithMetrics records submissions in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithOntology sets the ontology used by the store.
func WithOntology(s ontology.Store) Option {
	return func(o *options) { o.ontology = s }
}

// WithMemoryAssemblies seeds the in-process memory backend.
func WithMemoryAssemblies(seed ...models.AssemblySnapshot) Option {
	return func(o *options) { o.seed = append(o.seed, seed...) }
}

// New builds a session. Local-file assemblies are loaded here; the
// collaboration server is not contacted until Sync or a region load.
func New(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	var notifier notify.Notifier = notify.NewLogger(o.logger)
	if o.notifier != nil {
		notifier = notify.Multi{notifier, o.notifier}
	}

	s := &Session{
		registry: change.NewRegistry(),
		token:    uuid.NewString(),
		logger:   o.logger,
	}

	memory, err := backend.NewMemoryDriver(s.registry, o.logger, o.seed...)
	if err != nil {
		return nil, fmt.Errorf("session: memory backend: %w", err)
	}
	s.memory = memory
	storeOpts := []datastore.Option{
		datastore.WithLogger(o.logger),
		datastore.WithDriver(models.BackendMemory, memory),
		datastore.WithDefaultBackend(models.BackendMemory),
	}
	if o.ontology != nil {
		storeOpts = append(storeOpts, datastore.WithOntology(o.ontology))
	}

	if cfg.ServerURL != "" {
		collabOpts := []backend.CollaborationOption{
			backend.WithUser(s.token, cfg.UserName),
			backend.WithNotifier(notifier),
			backend.WithLogger(o.logger),
		}
		if cfg.AuthToken != "" {
			collabOpts = append(collabOpts, backend.WithAuthToken(cfg.AuthToken))
		}
		if cfg.ReconnectDelay > 0 {
			collabOpts = append(collabOpts, backend.WithReconnectDelay(cfg.ReconnectDelay))
		}
		collab, err := backend.NewCollaborationDriver(cfg.ServerURL, s.registry, collabOpts...)
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		s.collab = collab
		storeOpts = append(storeOpts,
			datastore.WithDriver(models.BackendCollaboration, collab),
			datastore.WithDefaultBackend(models.BackendCollaboration),
		)
	}

	if len(cfg.LocalAssemblies) > 0 {
		fs, err := storage.NewFS(cfg.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("session: local dir: %w", err)
		}
		fd, err := backend.NewLocalFileDriver(ctx, fs, s.registry, o.logger, cfg.LocalAssemblies...)
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		s.files = fd
		storeOpts = append(storeOpts, datastore.WithDriver(models.BackendFile, fd))
	}

	s.store = datastore.New(storeOpts...)
	mgrOpts := []changemanager.Option{
		changemanager.WithLogger(o.logger),
		changemanager.WithNotifier(notifier),
		changemanager.WithMetrics(o.metrics),
	}
	if cfg.HistorySize > 0 {
		mgrOpts = append(mgrOpts, changemanager.WithHistorySize(cfg.HistorySize))
	}
	s.manager = changemanager.New(s.store, validation.NewDefaultRegistry(o.logger), mgrOpts...)

	if s.collab != nil {
		s.collab.SetRemoteHandler(func(ctx context.Context, c change.Change) error {
			return s.manager.Submit(ctx, c, changemanager.Replay)
		}, s.store.HasAssembly)
	}

	if err := s.register(ctx, s.memory.Store(), models.BackendMemory); err != nil {
		return nil, err
	}
	if s.files != nil {
		if err := s.register(ctx, s.files.Store(), models.BackendFile); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// register adds the assembly and refSeq headers of an in-process authority.
func (s *Session) register(ctx context.Context, src *datastore.Store, kind string) error {
	for _, id := range src.AssemblyIDs() {
		snap, ok := src.Assembly(id)
		if !ok {
			continue
		}
		snap.Backend = kind
		if err := s.addHeader(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

// addHeader adds an assembly without features or bases; they are fetched per
// region by the owning driver.
func (s *Session) addHeader(ctx context.Context, snap models.AssemblySnapshot) error {
	if s.store.HasAssembly(snap.ID) {
		return nil
	}
	for i := range snap.RefSeqs {
		snap.RefSeqs[i].Sequence = ""
	}
	snap.Features = nil
	snap.Checks = nil
	err := s.store.Transact(ctx, nil, func(tx *datastore.Tx) error {
		return tx.AddAssembly(snap)
	})
	if err != nil {
		return fmt.Errorf("session: register assembly %s: %w", snap.ID, err)
	}
	return nil
}

// Sync registers the assemblies the collaboration server knows about.
func (s *Session) Sync(ctx context.Context) error {
	if s.collab == nil {
		return nil
	}
	asms, err := s.collab.GetAssemblies(ctx)
	if err != nil {
		return fmt.Errorf("session: sync: %w", err)
	}
	for _, a := range asms {
		a.Backend = models.BackendCollaboration
		if err := s.addHeader(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// Run keeps the push subscription alive until ctx is cancelled. Without a
// collaboration backend it just waits.
func (s *Session) Run(ctx context.Context) error {
	if s.collab == nil {
		<-ctx.Done()
		return nil
	}
	err := s.collab.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// LoadRegion makes the bases and features of region available in the store.
func (s *Session) LoadRegion(ctx context.Context, region models.Region) error {
	regions := []models.Region{region}
	if err := s.store.LoadRefSeq(ctx, regions); err != nil {
		return fmt.Errorf("session: load region: %w", err)
	}
	if err := s.store.LoadFeatures(ctx, regions); err != nil {
		return fmt.Errorf("session: load region: %w", err)
	}
	return nil
}

// Store returns the client store.
func (s *Session) Store() *datastore.Store { return s.store }

// Manager returns the change manager.
func (s *Session) Manager() *changemanager.Manager { return s.manager }

// Registry returns the change registry.
func (s *Session) Registry() *change.Registry { return s.registry }

// UserToken identifies this session's submissions on the server.
func (s *Session) UserToken() string { return s.token }

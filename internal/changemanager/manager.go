// Package changemanager runs changes through the submission pipeline:
// pre-validation, local apply, post-validation, remote submission and undo
// history. Failures after the local apply are rolled back with the change's
// inverse.
package changemanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/starford/annocollab/internal/apperr"
	"github.com/starford/annocollab/internal/change"
	"github.com/starford/annocollab/internal/datastore"
	"github.com/starford/annocollab/internal/metrics"
	"github.com/starford/annocollab/internal/notify"
	"github.com/starford/annocollab/internal/validation"
)

// DefaultHistorySize bounds the undo history when no size is configured.
const DefaultHistorySize = 50

// SubmitOptions tune one submission. Nil fields default to true.
type SubmitOptions struct {
	SubmitToBackend *bool
	AddToRecents    *bool
}

// Bool returns a pointer to b for SubmitOptions fields.
func Bool(b bool) *bool { return &b }

func (o SubmitOptions) submitToBackend() bool {
	return o.SubmitToBackend == nil || *o.SubmitToBackend
}

func (o SubmitOptions) addToRecents() bool {
	return o.AddToRecents == nil || *o.AddToRecents
}

// Replay is the option set for changes received from peers: apply locally,
// never echo back and never make them undoable here.
var Replay = SubmitOptions{SubmitToBackend: Bool(false), AddToRecents: Bool(false)}

// Manager owns the undo history of one client session. It is safe for
// concurrent use; concurrent submissions are not serialized against each other.
type Manager struct {
	store      *datastore.Store
	validators *validation.Registry
	notifier   notify.Notifier
	logger     *slog.Logger
	metrics    *metrics.Metrics
	maxRecent  int

	mu     sync.Mutex
	recent []change.Change
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier sets where user-facing messages go.
func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) {
		m.notifier = n
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics records submission outcomes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithHistorySize bounds the undo history. The oldest entries are dropped.
func WithHistorySize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRecent = n
		}
	}
}

// New creates a Manager applying changes to store.
func New(store *datastore.Store, validators *validation.Registry, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		validators: validators,
		maxRecent:  DefaultHistorySize,
	}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.notifier == nil {
		m.notifier = notify.NewLogger(m.logger)
	}
	if m.validators == nil {
		m.validators = validation.NewRegistry(m.logger)
	}
	return m
}

// Store returns the store the manager applies changes to.
func (m *Manager) Store() *datastore.Store { return m.store }

// Submit runs c through the pipeline. Every failure is reported to the
// notifier and returned; the store is left as it was before the call.
func (m *Manager) Submit(ctx context.Context, c change.Change, opts SubmitOptions) error {
	start := time.Now()
	outcome, err := m.submit(ctx, c, opts)
	m.metrics.Submission(outcome, time.Since(start).Seconds())

	attrs := []any{
		slog.String("change", c.TypeName()),
		slog.String("assembly", c.AssemblyID()),
		slog.String("outcome", outcome),
	}
	if err != nil {
		m.logger.Warn("changemanager: submission failed", append(attrs, slog.String("error", err.Error()))...)
		return err
	}
	m.logger.Debug("changemanager: submission recorded", attrs...)
	return nil
}

func (m *Manager) submit(ctx context.Context, c change.Change, opts SubmitOptions) (string, error) {
	pre := m.validators.PreValidate(ctx, c)
	if !pre.OK {
		msg := pre.Messages()
		m.notifier.Notify(notify.Error, "Pre-validation failed: "+msg)
		return metrics.OutcomePreInvalid, fmt.Errorf("changemanager: %s: pre-validation: %s: %w", c.TypeName(), msg, apperr.ErrInvalid)
	}

	if err := c.Execute(ctx, m.store); err != nil {
		m.notifier.Notify(notify.Error, err.Error())
		return metrics.OutcomeExecuteFailed, fmt.Errorf("changemanager: apply: %w", err)
	}

	// From here the change is applied; rollback and bookkeeping must finish
	// even if the caller gives up.
	bg := context.WithoutCancel(ctx)

	post := m.validators.PostValidate(ctx, c, m.store)
	if !post.OK {
		msg := post.Messages()
		if err := m.rollback(bg, c); err != nil {
			return metrics.OutcomeRollbackFailed, err
		}
		m.notifier.Notify(notify.Error, "Post-validation failed, change reverted: "+msg)
		return metrics.OutcomePostInvalid, fmt.Errorf("changemanager: %s: post-validation: %s: %w", c.TypeName(), msg, apperr.ErrInvalid)
	}

	if opts.submitToBackend() {
		if err := m.submitRemote(ctx, c); err != nil {
			if rbErr := m.rollback(bg, c); rbErr != nil {
				return metrics.OutcomeRollbackFailed, errors.Join(err, rbErr)
			}
			m.notifier.Notify(notify.Error, "Change rejected by backend: "+err.Error())
			return metrics.OutcomeRejected, err
		}
	}

	if opts.addToRecents() {
		m.push(c)
	}
	if opts.submitToBackend() {
		m.notifier.Notify(notify.Success, c.Notification())
	}
	return metrics.OutcomeAccepted, nil
}

func (m *Manager) submitRemote(ctx context.Context, c change.Change) error {
	d, err := m.store.GetBackendDriver(c.AssemblyID())
	if err != nil {
		return fmt.Errorf("changemanager: %s: %w", c.TypeName(), err)
	}
	res, err := d.SubmitChange(ctx, c)
	if err != nil {
		return fmt.Errorf("changemanager: submit %s: %w", c.TypeName(), err)
	}
	if !res.OK {
		return fmt.Errorf("changemanager: submit %s: %w", c.TypeName(), apperr.RejectedError{Detail: res.Messages()})
	}
	return nil
}

// rollback applies the inverse of c directly to the store. The inverse is not
// validated again: it restores a state that was accepted before.
func (m *Manager) rollback(ctx context.Context, c change.Change) error {
	inv := c.Inverse()
	if err := inv.Execute(ctx, m.store); err != nil {
		m.logger.Error("changemanager: rollback failed",
			slog.String("change", c.TypeName()),
			slog.String("inverse", inv.TypeName()),
			slog.String("error", err.Error()),
		)
		m.notifier.Notify(notify.Error, "Could not revert "+c.TypeName()+": "+err.Error())
		return fmt.Errorf("changemanager: rollback %s: %w", c.TypeName(), err)
	}
	return nil
}

func (m *Manager) push(c change.Change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = append(m.recent, c)
	if over := len(m.recent) - m.maxRecent; over > 0 {
		m.recent = slices.Delete(m.recent, 0, over)
	}
}

func (m *Manager) pop() (change.Change, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.recent) == 0 {
		return nil, false
	}
	last := m.recent[len(m.recent)-1]
	m.recent[len(m.recent)-1] = nil
	m.recent = m.recent[:len(m.recent)-1]
	return last, true
}

// Revert submits the inverse of c without adding it to the undo history.
func (m *Manager) Revert(ctx context.Context, c change.Change, submitToBackend bool) error {
	return m.Submit(ctx, c.Inverse(), SubmitOptions{
		SubmitToBackend: Bool(submitToBackend),
		AddToRecents:    Bool(false),
	})
}

// RevertLastChange undoes the most recent recorded change. An empty history is
// reported to the notifier and is not an error. When the undo itself fails the
// change goes back on the history.
func (m *Manager) RevertLastChange(ctx context.Context) error {
	last, ok := m.pop()
	if !ok {
		m.notifier.Notify(notify.Info, "No changes to undo")
		m.logger.Debug("changemanager: no changes to undo")
		return nil
	}
	if err := m.Revert(ctx, last, true); err != nil {
		m.push(last)
		return err
	}
	return nil
}

// RecentChanges returns the undo history, oldest first.
func (m *Manager) RecentChanges() []change.Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.recent)
}

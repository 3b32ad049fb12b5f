package changemanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/starford/annocollab/internal/apperr"
	"github.com/starford/annocollab/internal/change"
	"github.com/starford/annocollab/internal/datastore"
	"github.com/starford/annocollab/internal/metrics"
	"github.com/starford/annocollab/internal/models"
	"github.com/starford/annocollab/internal/notify"
	"github.com/starford/annocollab/internal/testutil"
	"github.com/starford/annocollab/internal/validation"
)

type stubDriver struct {
	submitted atomic.Int32
	result    models.ValidationResultSet
	err       error
}

func (d *stubDriver) GetFeatures(context.Context, models.Region) ([]models.FeatureSnapshot, error) {
	return nil, nil
}

func (d *stubDriver) GetSequence(_ context.Context, r models.Region) (models.SequenceChunk, error) {
	return models.SequenceChunk{RefSeq: r.RefSeq}, nil
}

func (d *stubDriver) GetRefSeqs(context.Context, string) ([]models.RefSeqSnapshot, error) {
	return nil, nil
}

func (d *stubDriver) SubmitChange(context.Context, datastore.Operation) (models.ValidationResultSet, error) {
	d.submitted.Add(1)
	return d.result, d.err
}

type failingPost struct{}

func (failingPost) Name() string { return "AlwaysInvalid" }

func (failingPost) PostValidate(context.Context, change.Change, *datastore.Store) (models.ValidationResult, error) {
	return models.ValidationResult{Name: "AlwaysInvalid", Messages: []string{"stubbed failure"}}, nil
}

type fixture struct {
	store    *datastore.Store
	driver   *stubDriver
	notes    *notify.Recorder
	manager  *Manager
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, validators *validation.Registry) *fixture {
	t.Helper()
	d := &stubDriver{result: models.Accepted()}
	s := datastore.New(datastore.WithDriver(models.BackendMemory, d), datastore.WithDefaultBackend(models.BackendMemory))
	if err := s.AddAssembly(context.Background(), testutil.Assembly(models.BackendMemory)); err != nil {
		t.Fatal(err)
	}
	if validators == nil {
		validators = validation.NewDefaultRegistry(nil)
	}
	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	notes := &notify.Recorder{}
	m := New(s, validators, WithNotifier(notes), WithMetrics(mt))
	return &fixture{store: s, driver: d, notes: notes, manager: m, registry: reg, metrics: mt}
}

func TestSubmitRecordsAndUndoes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	before := f.store.Digest()

	changes := []change.Change{
		change.NewLocationStart(testutil.AssemblyID, testutil.Exon1, 100, 110),
		change.NewLocationEnd(testutil.AssemblyID, testutil.Exon3, 600, 590),
		change.NewType(testutil.AssemblyID, testutil.CDS1, "CDS", "exon"),
	}
	var digests []string
	for _, c := range changes {
		digests = append(digests, f.store.Digest())
		if err := f.manager.Submit(ctx, c, SubmitOptions{}); err != nil {
			t.Fatalf("Submit %s: %v", c.TypeName(), err)
		}
	}
	if got := len(f.manager.RecentChanges()); got != len(changes) {
		t.Fatalf("recent = %d, want %d", got, len(changes))
	}
	if got := f.driver.submitted.Load(); got != int32(len(changes)) {
		t.Errorf("driver saw %d submissions", got)
	}

	for i := len(changes) - 1; i >= 0; i-- {
		if err := f.manager.RevertLastChange(ctx); err != nil {
			t.Fatalf("RevertLastChange: %v", err)
		}
		if got := len(f.manager.RecentChanges()); got != i {
			t.Fatalf("recent = %d after undo, want %d", got, i)
		}
		if got := f.store.Digest(); got != digests[i] {
			t.Fatalf("store after undo %d does not match state before change", i)
		}
	}
	if f.store.Digest() != before {
		t.Fatal("store not restored")
	}

	// Undo on an empty history only notifies.
	if err := f.manager.RevertLastChange(ctx); err != nil {
		t.Fatalf("empty undo: %v", err)
	}
	last, _ := f.notes.Last()
	if last.Text != "No changes to undo" {
		t.Errorf("last notification = %q", last.Text)
	}
	if got := promtest.ToFloat64(f.metrics.Submissions.WithLabelValues(metrics.OutcomeAccepted)); got != 6 {
		t.Errorf("accepted submissions = %v, want 6", got)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.manager = New(f.store, validation.NewRegistry(nil), WithNotifier(f.notes), WithHistorySize(2))

	start := int64(100)
	for i := range 3 {
		next := start + int64(i+1)
		c := change.NewLocationStart(testutil.AssemblyID, testutil.Exon1, next-1, next)
		if err := f.manager.Submit(ctx, c, SubmitOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	recent := f.manager.RecentChanges()
	if len(recent) != 2 {
		t.Fatalf("recent = %d, want 2", len(recent))
	}
	if got := recent[0].(*change.LocationStartChange).NewStart; got != 102 {
		t.Errorf("oldest kept change sets start %d, want 102", got)
	}
}

func TestPreValidationFailureLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t, nil)
	before := f.store.Digest()

	err := f.manager.Submit(context.Background(), change.NewType(testutil.AssemblyID, testutil.Exon1, "exon", ""), SubmitOptions{})
	if !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if f.store.Digest() != before {
		t.Error("store changed")
	}
	if f.driver.submitted.Load() != 0 {
		t.Error("driver reached")
	}
}

func TestApplyFailureIsReported(t *testing.T) {
	f := newFixture(t, nil)
	err := f.manager.Submit(context.Background(), change.NewLocationStart(testutil.AssemblyID, testutil.Exon1, 999, 120), SubmitOptions{})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	last, ok := f.notes.Last()
	if !ok || last.Level != notify.Error {
		t.Errorf("notification = %+v", last)
	}
	if len(f.manager.RecentChanges()) != 0 {
		t.Error("failed change recorded")
	}
}

func TestPostValidationRollbackNeverReachesDriver(t *testing.T) {
	validators := validation.NewRegistry(nil)
	validators.Register(failingPost{})
	f := newFixture(t, validators)
	before := f.store.Digest()

	c := change.NewMergeExons(testutil.AssemblyID, mustFeature(t, f.store, testutil.Exon1), mustFeature(t, f.store, testutil.Exon2), testutil.MRNA1)
	err := f.manager.Submit(context.Background(), c, SubmitOptions{})
	if !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if f.store.Digest() != before {
		t.Fatal("store not rolled back")
	}
	if f.driver.submitted.Load() != 0 {
		t.Fatal("change reached the driver")
	}
	if len(f.manager.RecentChanges()) != 0 {
		t.Error("change recorded")
	}
}

func TestRemoteRejectionRollsBack(t *testing.T) {
	for name, d := range map[string]*stubDriver{
		"not ok":          {result: models.Rejected("Server", "nope")},
		"transport error": {err: errors.New("connection refused")},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.store = datastore.New(datastore.WithDriver(models.BackendMemory, d))
			if err := f.store.AddAssembly(context.Background(), testutil.Assembly(models.BackendMemory)); err != nil {
				t.Fatal(err)
			}
			f.manager = New(f.store, validation.NewDefaultRegistry(nil), WithNotifier(f.notes), WithMetrics(f.metrics))
			before := f.store.Digest()

			err := f.manager.Submit(context.Background(), change.NewStrand(testutil.AssemblyID, testutil.Exon1, models.StrandForward, models.StrandReverse), SubmitOptions{})
			if err == nil {
				t.Fatal("expected rejection")
			}
			if d.submitted.Load() != 1 {
				t.Errorf("driver saw %d submissions, want 1", d.submitted.Load())
			}
			if f.store.Digest() != before {
				t.Fatal("store not rolled back")
			}
			if len(f.manager.RecentChanges()) != 0 {
				t.Fatal("rejected change recorded")
			}
			if got := promtest.ToFloat64(f.metrics.Submissions.WithLabelValues(metrics.OutcomeRejected)); got != 1 {
				t.Errorf("rejected = %v", got)
			}
		})
	}
}

func TestReplaySkipsBackendAndHistory(t *testing.T) {
	f := newFixture(t, nil)
	c := change.NewLocationEnd(testutil.AssemblyID, testutil.Exon1, 200, 210)
	if err := f.manager.Submit(context.Background(), c, Replay); err != nil {
		t.Fatal(err)
	}
	if f.driver.submitted.Load() != 0 {
		t.Error("replayed change sent to backend")
	}
	if len(f.manager.RecentChanges()) != 0 {
		t.Error("replayed change recorded")
	}
	if got := mustFeature(t, f.store, testutil.Exon1).Max; got != 210 {
		t.Errorf("max = %d", got)
	}
}

func TestRevertSkipsHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	before := f.store.Digest()
	c := change.NewStrand(testutil.AssemblyID, testutil.Exon2, models.StrandForward, models.StrandReverse)
	if err := f.manager.Submit(ctx, c, SubmitOptions{AddToRecents: Bool(false)}); err != nil {
		t.Fatal(err)
	}
	if err := f.manager.Revert(ctx, c, false); err != nil {
		t.Fatal(err)
	}
	if f.store.Digest() != before {
		t.Error("revert did not restore the store")
	}
	if len(f.manager.RecentChanges()) != 0 {
		t.Error("history not empty")
	}
	if f.driver.submitted.Load() != 1 {
		t.Errorf("driver saw %d submissions, want 1", f.driver.submitted.Load())
	}
}

func TestConcurrentEditAndDeleteOfOneFeature(t *testing.T) {
	for range 20 {
		f := newFixture(t, nil)
		ctx := context.Background()
		exon := mustFeature(t, f.store, testutil.Exon1)

		edit := change.NewLocationStart(testutil.AssemblyID, testutil.Exon1, 100, 120)
		del := change.NewDeleteFeature(testutil.AssemblyID, exon, testutil.MRNA1)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, c := range []change.Change{edit, del} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = f.manager.Submit(ctx, c, SubmitOptions{})
			}()
		}
		wg.Wait()

		if (errs[0] == nil) == (errs[1] == nil) {
			t.Fatalf("want exactly one winner, got edit=%v delete=%v", errs[0], errs[1])
		}
		got, exists := f.store.GetFeature(testutil.Exon1)
		switch {
		case errs[0] == nil:
			if !exists || got.Min != 120 {
				t.Fatalf("edit won but exon1 = %+v (exists %v)", got, exists)
			}
			if !errors.Is(errs[1], apperr.ErrConflict) {
				t.Errorf("delete err = %v", errs[1])
			}
		default:
			if exists {
				t.Fatal("delete won but exon1 still present")
			}
			if !errors.Is(errs[0], apperr.ErrNotFound) {
				t.Errorf("edit err = %v", errs[0])
			}
		}
		parent := mustFeature(t, f.store, testutil.MRNA1)
		if len(parent.Children) != 3 && len(parent.Children) != 4 {
			t.Fatalf("mrna1 has %d children", len(parent.Children))
		}
		if len(f.manager.RecentChanges()) != 1 {
			t.Fatalf("recent = %d", len(f.manager.RecentChanges()))
		}
	}
}

func TestCanceledContextBeforeApply(t *testing.T) {
	f := newFixture(t, nil)
	before := f.store.Digest()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.manager.Submit(ctx, change.NewType(testutil.AssemblyID, testutil.Exon1, "exon", "CDS"), SubmitOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if f.store.Digest() != before {
		t.Error("store changed")
	}
}

func mustFeature(t *testing.T, s *datastore.Store, id string) models.FeatureSnapshot {
	t.Helper()
	f, ok := s.GetFeature(id)
	if !ok {
		t.Fatalf("feature %s missing", id)
	}
	return f
}

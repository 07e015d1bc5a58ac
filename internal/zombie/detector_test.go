package zombie

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/milvaion/milvaion/internal/config"
	"github.com/milvaion/milvaion/internal/domain"
	"github.com/milvaion/milvaion/internal/tracking"
)

type markCall struct {
	occurrenceID string
	expected     domain.OccurrenceStatus
}

type fakeStore struct {
	candidates []*domain.Occurrence
	listErr    error
	markWon    bool
	markErr    error
	marks      []markCall
	lastChange domain.StatusChange
	lastLog    domain.LogEntry
}

func (f *fakeStore) ListZombieCandidates(context.Context, time.Time, int, int) ([]*domain.Occurrence, error) {
	return f.candidates, f.listErr
}

func (f *fakeStore) MarkZombie(_ context.Context, occurrenceID string, expected domain.OccurrenceStatus, _ time.Time, change domain.StatusChange, logEntry domain.LogEntry, _ int) (bool, error) {
	f.marks = append(f.marks, markCall{occurrenceID: occurrenceID, expected: expected})
	f.lastChange = change
	f.lastLog = logEntry
	return f.markWon, f.markErr
}

type fakeJobStore struct {
	jobs map[string]*domain.Job
}

func (f *fakeJobStore) FindByID(_ context.Context, jobID string) (*domain.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeJobStore) SetAutoDisableState(context.Context, string, domain.AutoDisableState) error {
	return nil
}

func (f *fakeJobStore) ResetFailureCount(context.Context, string) error { return nil }

type fakeRemover struct{ removed []string }

func (f *fakeRemover) Remove(_ context.Context, jobID string) error {
	f.removed = append(f.removed, jobID)
	return nil
}

type fakeRunningSet struct{ completed []string }

func (f *fakeRunningSet) MarkCompleted(_ context.Context, jobID string) error {
	f.completed = append(f.completed, jobID)
	return nil
}

type fakeCounter struct{ decremented []string }

func (f *fakeCounter) DecrConsumer(_ context.Context, class, kind string) error {
	f.decremented = append(f.decremented, class+"/"+kind)
	return nil
}

type fakeSink struct{ offered []domain.FailedOccurrence }

func (f *fakeSink) Offer(fo domain.FailedOccurrence) { f.offered = append(f.offered, fo) }

type detectorFixture struct {
	detector *Detector
	store    *fakeStore
	running  *fakeRunningSet
	failures *fakeSink
}

func newDetectorFixture(t *testing.T) *detectorFixture {
	t.Helper()

	f := &detectorFixture{
		store:    &fakeStore{markWon: true},
		running:  &fakeRunningSet{},
		failures: &fakeSink{},
	}

	finalizer := tracking.NewFinalizer(
		config.AutoDisableConfig{Enabled: true, Threshold: 5, WindowMinutes: 60},
		&fakeJobStore{jobs: map[string]*domain.Job{
			"j1": {ID: "j1", Name: "nightly", WorkerClass: "reports", JobKind: "report.build"},
		}},
		&fakeRemover{}, &fakeRemover{}, f.running, &fakeCounter{}, f.failures,
	)

	cfg := config.ZombieConfig{Enabled: true, SweepIntervalSeconds: 300, DefaultTimeoutMinutes: 10}
	detector, err := NewDetector(cfg, 500, f.store, finalizer)
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	f.detector = detector
	return f
}

func TestDetector_ReapsSilentOccurrence(t *testing.T) {
	f := newDetectorFixture(t)
	f.store.candidates = []*domain.Occurrence{
		{ID: "occ-1", JobID: "j1", JobName: "nightly", Status: domain.StatusRunning,
			CreatedAt: time.Now().UTC().Add(-time.Hour)},
	}

	if err := f.detector.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(f.store.marks) != 1 {
		t.Fatalf("marked %d occurrences, want 1", len(f.store.marks))
	}
	mark := f.store.marks[0]
	if mark.occurrenceID != "occ-1" {
		t.Fatalf("marked %q, want occ-1", mark.occurrenceID)
	}
	// The update is fenced on the status the candidate was listed with.
	if mark.expected != domain.StatusRunning {
		t.Fatalf("fence status = %s, want Running", mark.expected)
	}
	if f.store.lastChange.To != domain.StatusUnknown.String() {
		t.Fatalf("status change to %q, want Unknown", f.store.lastChange.To)
	}
	if f.store.lastLog.Level != domain.LogLevelError || f.store.lastLog.Category != "ZombieDetector" {
		t.Fatalf("log entry = %+v", f.store.lastLog)
	}

	// Winner settles coordination state and feeds the review queue.
	if len(f.running.completed) != 1 || f.running.completed[0] != "j1" {
		t.Fatalf("running completions = %v, want [j1]", f.running.completed)
	}
	if len(f.failures.offered) != 1 {
		t.Fatalf("offered %d failures, want 1", len(f.failures.offered))
	}
	fo := f.failures.offered[0]
	if fo.Status != domain.StatusUnknown || fo.OccurrenceID != "occ-1" {
		t.Fatalf("failed occurrence = %+v", fo)
	}
	if fo.Exception == nil || *fo.Exception != "Zombie occurrence detected" {
		t.Fatalf("exception = %v", fo.Exception)
	}
}

func TestDetector_LostRaceRunsNoSideEffects(t *testing.T) {
	f := newDetectorFixture(t)
	f.store.markWon = false
	f.store.candidates = []*domain.Occurrence{
		{ID: "occ-1", JobID: "j1", Status: domain.StatusRunning,
			CreatedAt: time.Now().UTC().Add(-time.Hour)},
	}

	if err := f.detector.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(f.running.completed) != 0 || len(f.failures.offered) != 0 {
		t.Fatal("loser of the marking race ran settlement side effects")
	}
}

func TestDetector_MarkErrorDoesNotStopSweep(t *testing.T) {
	f := newDetectorFixture(t)
	f.store.markErr = errors.New("deadlock detected")
	f.store.candidates = []*domain.Occurrence{
		{ID: "occ-1", JobID: "j1", Status: domain.StatusRunning},
		{ID: "occ-2", JobID: "j1", Status: domain.StatusQueued},
	}

	if err := f.detector.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(f.store.marks) != 2 {
		t.Fatalf("marked %d candidates, want both despite errors", len(f.store.marks))
	}
	if len(f.failures.offered) != 0 {
		t.Fatal("errored mark still ran settlement")
	}
}

func TestDetector_ListErrorSurfaces(t *testing.T) {
	f := newDetectorFixture(t)
	f.store.listErr = errors.New("connection refused")

	if err := f.detector.sweep(context.Background()); err == nil {
		t.Fatal("expected sweep error")
	}
}

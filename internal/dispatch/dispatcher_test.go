package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/milvaion/milvaion/internal/config"
	"github.com/milvaion/milvaion/internal/coordination"
	"github.com/milvaion/milvaion/internal/domain"
)

type fakeSchedule struct {
	due     []coordination.ScheduleEntry
	updated map[string]time.Time
	removed []string
}

func (f *fakeSchedule) Due(context.Context, time.Time, int64) ([]coordination.ScheduleEntry, error) {
	return f.due, nil
}

func (f *fakeSchedule) Update(_ context.Context, jobID string, at time.Time) error {
	if f.updated == nil {
		f.updated = map[string]time.Time{}
	}
	f.updated[jobID] = at
	return nil
}

func (f *fakeSchedule) Remove(_ context.Context, jobID string) error {
	f.removed = append(f.removed, jobID)
	return nil
}

type fakeCache struct {
	jobs map[string]*coordination.CachedJob
	puts []coordination.CachedJob
}

func (f *fakeCache) GetBulk(_ context.Context, jobIDs []string) (map[string]*coordination.CachedJob, error) {
	out := map[string]*coordination.CachedJob{}
	for _, id := range jobIDs {
		if j, ok := f.jobs[id]; ok {
			out[id] = j
		}
	}
	return out, nil
}

func (f *fakeCache) Put(_ context.Context, job coordination.CachedJob, _ time.Duration) error {
	f.puts = append(f.puts, job)
	return nil
}

type fakeJobSource struct {
	jobs map[string]*domain.Job
}

func (f *fakeJobSource) FindByIDs(_ context.Context, jobIDs []string) (map[string]*domain.Job, error) {
	out := map[string]*domain.Job{}
	for _, id := range jobIDs {
		if j, ok := f.jobs[id]; ok {
			out[id] = j
		}
	}
	return out, nil
}

type fakeRunning struct {
	markOK    bool
	marked    []string
	completed []string
}

func (f *fakeRunning) TryMarkRunning(_ context.Context, jobID string) (bool, error) {
	f.marked = append(f.marked, jobID)
	return f.markOK, nil
}

func (f *fakeRunning) MarkCompleted(_ context.Context, jobID string) error {
	f.completed = append(f.completed, jobID)
	return nil
}

type fakeRegistry struct {
	class       *domain.WorkerClass
	capacity    int
	incremented []string
}

func (f *fakeRegistry) GetWorker(context.Context, string) (*domain.WorkerClass, error) {
	return f.class, nil
}

func (f *fakeRegistry) Capacity(context.Context, string) (int, error) {
	return f.capacity, nil
}

func (f *fakeRegistry) IncrConsumer(_ context.Context, class, kind string) error {
	f.incremented = append(f.incremented, class+"/"+kind)
	return nil
}

type fakeOccurrences struct {
	insertErr error
	inserted  []*domain.Occurrence
	stranded  []*domain.Occurrence
	mutated   map[string]*domain.Occurrence
}

func (f *fakeOccurrences) Insert(_ context.Context, occ *domain.Occurrence) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, occ)
	return nil
}

func (f *fakeOccurrences) Mutate(_ context.Context, occurrenceID string, fn func(*domain.Occurrence) (bool, error)) (*domain.Occurrence, error) {
	occ := f.find(occurrenceID)
	if occ == nil {
		return nil, domain.ErrOccurrenceNotFound
	}
	copied := *occ
	changed, err := fn(&copied)
	if err != nil {
		return nil, err
	}
	if changed {
		if f.mutated == nil {
			f.mutated = map[string]*domain.Occurrence{}
		}
		f.mutated[occurrenceID] = &copied
		*occ = copied
	}
	return &copied, nil
}

func (f *fakeOccurrences) find(id string) *domain.Occurrence {
	for _, occ := range f.inserted {
		if occ.ID == id {
			return occ
		}
	}
	for _, occ := range f.stranded {
		if occ.ID == id {
			return occ
		}
	}
	return nil
}

func (f *fakeOccurrences) ListStranded(context.Context, time.Time) ([]*domain.Occurrence, error) {
	return f.stranded, nil
}

type published struct {
	topic string
	key   string
	value []byte
}

type fakePublisher struct {
	err       error
	published []published
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, published{topic: topic, key: key, value: value})
	return nil
}

type fakeCron struct {
	next time.Time
	err  error
}

func (f *fakeCron) Next(string, time.Time) (time.Time, error) {
	return f.next, f.err
}

type fakeLease struct {
	acquireOK bool
	extendOK  bool
	released  int
}

func (f *fakeLease) Acquire(context.Context) (bool, error) { return f.acquireOK, nil }
func (f *fakeLease) Extend(context.Context) (bool, error)  { return f.extendOK, nil }
func (f *fakeLease) Release(context.Context) (bool, error) { f.released++; return true, nil }
func (f *fakeLease) Owner() string                         { return "node-test" }

type dispatcherFixture struct {
	dispatcher  *Dispatcher
	schedule    *fakeSchedule
	cache       *fakeCache
	jobs        *fakeJobSource
	running     *fakeRunning
	registry    *fakeRegistry
	occurrences *fakeOccurrences
	publisher   *fakePublisher
	cron        *fakeCron
	lease       *fakeLease
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()

	f := &dispatcherFixture{
		schedule:    &fakeSchedule{},
		cache:       &fakeCache{jobs: map[string]*coordination.CachedJob{}},
		jobs:        &fakeJobSource{jobs: map[string]*domain.Job{}},
		running:     &fakeRunning{markOK: true},
		registry:    &fakeRegistry{class: &domain.WorkerClass{Name: "reports"}, capacity: 4},
		occurrences: &fakeOccurrences{},
		publisher:   &fakePublisher{},
		cron:        &fakeCron{next: time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)},
		lease:       &fakeLease{acquireOK: true, extendOK: true},
	}

	outbox := NewOutboxBridge(f.publisher, f.occurrences, f.jobs, "milvaion.job", 500)
	cfg := config.DispatcherConfig{
		Enabled:                true,
		PollingIntervalSeconds: 1,
		BatchSize:              100,
		LeaseTTLSeconds:        600,
	}

	d, err := NewDispatcher(cfg, time.Hour, f.schedule, f.cache, f.jobs, f.running,
		f.registry, f.occurrences, outbox, f.cron, f.lease)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	f.dispatcher = d
	return f
}

func recurringJob(id string) *coordination.CachedJob {
	cron := "*/5 * * * *"
	return &coordination.CachedJob{
		ID:               id,
		Name:             "job-" + id,
		WorkerClass:      "reports",
		JobKind:          "report.build",
		IsActive:         true,
		ConcurrentPolicy: domain.ConcurrentQueue,
		CronExpression:   &cron,
		Version:          1,
	}
}

func scheduleEntry(jobID string) coordination.ScheduleEntry {
	return coordination.ScheduleEntry{JobID: jobID, FiresAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func TestDispatcher_RecurringJobDispatchedAndRescheduled(t *testing.T) {
	f := newDispatcherFixture(t)
	job := recurringJob("j1")
	f.cache.jobs["j1"] = job
	f.schedule.due = []coordination.ScheduleEntry{scheduleEntry("j1")}

	if err := f.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(f.occurrences.inserted) != 1 {
		t.Fatalf("inserted %d occurrences, want 1", len(f.occurrences.inserted))
	}
	occ := f.occurrences.inserted[0]
	if occ.JobID != "j1" || occ.Status != domain.StatusQueued {
		t.Fatalf("occurrence = %+v, want Queued for j1", occ)
	}
	if occ.ID == "" {
		t.Fatal("occurrence id not assigned")
	}

	if len(f.publisher.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(f.publisher.published))
	}
	p := f.publisher.published[0]
	if p.topic != "milvaion.job.reports" {
		t.Fatalf("topic = %q, want milvaion.job.reports", p.topic)
	}
	if p.key != "j1" {
		t.Fatalf("key = %q, want j1 (per-job partition ordering)", p.key)
	}

	next, ok := f.schedule.updated["j1"]
	if !ok {
		t.Fatal("recurring job not rescheduled")
	}
	if !next.Equal(f.cron.next) {
		t.Fatalf("rescheduled at %v, want %v", next, f.cron.next)
	}
	if len(f.schedule.removed) != 0 {
		t.Fatalf("schedule entries removed: %v", f.schedule.removed)
	}
	if len(f.registry.incremented) != 1 || f.registry.incremented[0] != "reports/report.build" {
		t.Fatalf("consumer counter increments = %v", f.registry.incremented)
	}
}

func TestDispatcher_OneShotJobRetiredAfterDispatch(t *testing.T) {
	f := newDispatcherFixture(t)
	job := recurringJob("j1")
	job.CronExpression = nil
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	job.ExecuteAt = &at
	f.cache.jobs["j1"] = job
	f.schedule.due = []coordination.ScheduleEntry{scheduleEntry("j1")}

	if err := f.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(f.publisher.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(f.publisher.published))
	}
	if len(f.schedule.removed) != 1 || f.schedule.removed[0] != "j1" {
		t.Fatalf("removed = %v, want [j1]", f.schedule.removed)
	}
	if len(f.schedule.updated) != 0 {
		t.Fatalf("one-shot job rescheduled: %v", f.schedule.updated)
	}
}

func TestDispatcher_SkipPolicyCoalescesFiring(t *testing.T) {
	f := newDispatcherFixture(t)
	job := recurringJob("j1")
	job.ConcurrentPolicy = domain.ConcurrentSkip
	f.cache.jobs["j1"] = job
	f.schedule.due = []coordination.ScheduleEntry{scheduleEntry("j1")}
	f.running.markOK = false

	if err := f.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(f.occurrences.inserted) != 0 {
		t.Fatalf("inserted %d occurrences, want 0", len(f.occurrences.inserted))
	}
	if len(f.publisher.published) != 0 {
		t.Fatalf("published %d messages, want 0", len(f.publisher.published))
	}
	// The firing is skipped, not the schedule: the next cron slot still lands.
	if _, ok := f.schedule.updated["j1"]; !ok {
		t.Fatal("skipped job not rescheduled")
	}
}

func TestDispatcher_InactiveJobUnscheduled(t *testing.T) {
	f := newDispatcherFixture(t)
	job := recurringJob("j1")
	job.IsActive = false
	f.cache.jobs["j1"] = job
	f.schedule.due = []coordination.ScheduleEntry{scheduleEntry("j1")}

	if err := f.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(f.schedule.removed) != 1 || f.schedule.removed[0] != "j1" {
		t.Fatalf("removed = %v, want [j1]", f.schedule.removed)
	}
	if len(f.occurrences.inserted) != 0 || len(f.publisher.published) != 0 {
		t.Fatal("inactive job dispatched")
	}
}

func TestDispatcher_OrphanedScheduleEntryRemoved(t *testing.T) {
	f := newDispatcherFixture(t)
	f.schedule.due = []coordination.ScheduleEntry{scheduleEntry("gone")}

	if err := f.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(f.schedule.removed) != 1 || f.schedule.removed[0] != "gone" {
		t.Fatalf("removed = %v, want [gone]", f.schedule.removed)
	}
}

func TestDispatcher_NoWorkerKeepsEntryForNextTick(t *testing.T) {
	f := newDispatcherFixture(t)
	job := recurringJob("j1")
	job.ConcurrentPolicy = domain.ConcurrentSkip
	f.cache.jobs["j1"] = job
	f.schedule.due = []coordination.ScheduleEntry{scheduleEntry("j1")}
	f.registry.class = nil

	if err := f.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(f.occurrences.inserted) != 0 || len(f.publisher.published) != 0 {
		t.Fatal("dispatched without a live worker class")
	}
	if len(f.schedule.removed) != 0 || len(f.schedule.updated) != 0 {
		t.Fatal("schedule entry touched; the firing must retry next tick")
	}
	// The speculative running mark must not leak.
	if len(f.running.completed) != 1 || f.running.completed[0] != "j1" {
		t.Fatalf("running mark completions = %v, want [j1]", f.running.completed)
	}
}

func TestDispatcher_PublishFailureMarksUnknownAndKeepsEntry(t *testing.T) {
	f := newDispatcherFixture(t)
	job := recurringJob("j1")
	f.cache.jobs["j1"] = job
	f.schedule.due = []coordination.ScheduleEntry{scheduleEntry("j1")}
	f.publisher.err = errors.New("broker unreachable")

	if err := f.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(f.occurrences.inserted) != 1 {
		t.Fatalf("inserted %d occurrences, want 1", len(f.occurrences.inserted))
	}
	occ := f.occurrences.inserted[0]
	if occ.Status != domain.StatusUnknown {
		t.Fatalf("status after publish failure = %s, want Unknown", occ.Status)
	}
	if occ.Exception == nil || *occ.Exception != "dispatch publish failed" {
		t.Fatalf("exception = %v, want dispatch publish failed", occ.Exception)
	}
	if len(f.schedule.removed) != 0 || len(f.schedule.updated) != 0 {
		t.Fatal("schedule entry touched; publish failures retry next tick")
	}
}

func TestDispatcher_SkipPolicyPublishFailureReleasesMark(t *testing.T) {
	f := newDispatcherFixture(t)
	job := recurringJob("j1")
	job.ConcurrentPolicy = domain.ConcurrentSkip
	f.cache.jobs["j1"] = job
	f.schedule.due = []coordination.ScheduleEntry{scheduleEntry("j1")}
	f.publisher.err = errors.New("broker unreachable")

	if err := f.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// The occurrence is terminal Unknown, so no status message will ever
	// release the mark; the dispatcher must do it or the job never fires
	// again.
	if len(f.running.completed) != 1 || f.running.completed[0] != "j1" {
		t.Fatalf("running mark completions = %v, want [j1]", f.running.completed)
	}

	// A later tick with a healthy broker dispatches normally.
	f.publisher.err = nil
	if err := f.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if len(f.publisher.published) != 1 {
		t.Fatalf("published %d messages after broker recovery, want 1", len(f.publisher.published))
	}
}

func TestDispatcher_SkipPolicyInsertFailureReleasesMark(t *testing.T) {
	f := newDispatcherFixture(t)
	job := recurringJob("j1")
	job.ConcurrentPolicy = domain.ConcurrentSkip
	f.cache.jobs["j1"] = job
	f.schedule.due = []coordination.ScheduleEntry{scheduleEntry("j1")}
	f.occurrences.insertErr = errors.New("catalog unavailable")

	if err := f.dispatcher.tick(context.Background()); err == nil {
		t.Fatal("tick succeeded despite insert failure")
	}

	if len(f.running.completed) != 1 || f.running.completed[0] != "j1" {
		t.Fatalf("running mark completions = %v, want [j1]", f.running.completed)
	}
}

func TestDispatcher_SkipPolicyDuplicateInsertReleasesMark(t *testing.T) {
	f := newDispatcherFixture(t)
	job := recurringJob("j1")
	job.ConcurrentPolicy = domain.ConcurrentSkip
	f.cache.jobs["j1"] = job
	f.schedule.due = []coordination.ScheduleEntry{scheduleEntry("j1")}
	f.occurrences.insertErr = domain.ErrDuplicateOccurrence

	if err := f.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(f.running.completed) != 1 || f.running.completed[0] != "j1" {
		t.Fatalf("running mark completions = %v, want [j1]", f.running.completed)
	}
}

func TestDispatcher_DuplicateOccurrenceSwallowed(t *testing.T) {
	f := newDispatcherFixture(t)
	f.cache.jobs["j1"] = recurringJob("j1")
	f.schedule.due = []coordination.ScheduleEntry{scheduleEntry("j1")}
	f.occurrences.insertErr = domain.ErrDuplicateOccurrence

	if err := f.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(f.publisher.published) != 0 {
		t.Fatal("published despite duplicate occurrence")
	}
	// Still rescheduled; the duplicate only loses this firing.
	if _, ok := f.schedule.updated["j1"]; !ok {
		t.Fatal("job not rescheduled after duplicate insert")
	}
}

func TestDispatcher_CacheMissBackfilledFromCatalog(t *testing.T) {
	f := newDispatcherFixture(t)
	cron := "*/5 * * * *"
	f.jobs.jobs["j1"] = &domain.Job{
		ID:               "j1",
		Name:             "catalog-job",
		WorkerClass:      "reports",
		JobKind:          "report.build",
		IsActive:         true,
		ConcurrentPolicy: domain.ConcurrentQueue,
		CronExpression:   &cron,
		Version:          3,
	}
	f.schedule.due = []coordination.ScheduleEntry{scheduleEntry("j1")}

	if err := f.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(f.publisher.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(f.publisher.published))
	}
	if len(f.cache.puts) != 1 || f.cache.puts[0].ID != "j1" {
		t.Fatalf("cache puts = %v, want re-cache of j1", f.cache.puts)
	}
	if f.occurrences.inserted[0].JobVersion != 3 {
		t.Fatalf("job version pinned = %d, want 3", f.occurrences.inserted[0].JobVersion)
	}
}

func TestDispatcher_FollowerWithoutLeaseDoesNothing(t *testing.T) {
	f := newDispatcherFixture(t)
	f.cache.jobs["j1"] = recurringJob("j1")
	f.schedule.due = []coordination.ScheduleEntry{scheduleEntry("j1")}
	f.lease.acquireOK = false

	if err := f.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(f.occurrences.inserted) != 0 || len(f.publisher.published) != 0 {
		t.Fatal("follower dispatched without holding the lease")
	}
}

func TestDispatcher_LostLeaseDemotesLeader(t *testing.T) {
	f := newDispatcherFixture(t)
	f.cache.jobs["j1"] = recurringJob("j1")
	f.schedule.due = []coordination.ScheduleEntry{scheduleEntry("j1")}

	if err := f.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if !f.dispatcher.leader {
		t.Fatal("dispatcher did not take leadership")
	}

	f.lease.extendOK = false
	f.schedule.due = []coordination.ScheduleEntry{scheduleEntry("j1")}
	before := len(f.publisher.published)

	if err := f.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if f.dispatcher.leader {
		t.Fatal("dispatcher kept leadership after failed extend")
	}
	if len(f.publisher.published) != before {
		t.Fatal("demoted leader still dispatched")
	}
}

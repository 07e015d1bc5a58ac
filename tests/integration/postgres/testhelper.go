package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/milvaion/milvaion/internal/catalog"
	"github.com/milvaion/milvaion/internal/config"
	"github.com/milvaion/milvaion/internal/domain"
)

// SetupCatalog connects to the test database, applies the embedded
// migrations, and truncates all tables on cleanup. The suite skips itself
// when MILVAION_TEST_DB_DSN is unset.
func SetupCatalog(t *testing.T) *catalog.Store {
	t.Helper()

	cfg, err := config.LoadTestConfig()
	require.NoError(t, err)
	if cfg.DatabaseDSN == "" {
		t.Skip("set MILVAION_TEST_DB_DSN to run catalog integration tests")
	}

	store, err := catalog.New(context.Background(), catalog.Config{
		DSN:         cfg.DatabaseDSN,
		AutoMigrate: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = store.Pool().Exec(context.Background(),
			"TRUNCATE TABLE failed_occurrences, occurrences, jobs CASCADE")
		store.Close()
	})
	return store
}

// newRecurringJob returns a valid cron job ready for Create.
func newRecurringJob(t *testing.T, name string) *domain.Job {
	t.Helper()

	id, err := uuid.NewV7()
	require.NoError(t, err)

	cron := "*/5 * * * *"
	now := time.Now().UTC()
	return &domain.Job{
		ID:               id.String(),
		Name:             name,
		Owner:            "integration",
		WorkerClass:      "reports",
		JobKind:          "report.build",
		CronExpression:   &cron,
		IsActive:         true,
		ConcurrentPolicy: domain.ConcurrentQueue,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
		CreatedBy:        "integration",
	}
}

// newQueuedOccurrence returns an occurrence row for the given job, as the
// dispatcher would insert it.
func newQueuedOccurrence(t *testing.T, job *domain.Job) *domain.Occurrence {
	t.Helper()

	id, err := uuid.NewV7()
	require.NoError(t, err)

	now := time.Now().UTC()
	return &domain.Occurrence{
		ID:         id.String(),
		JobID:      job.ID,
		JobVersion: job.Version,
		JobName:    job.Name,
		Status:     domain.StatusQueued,
		StatusChanges: []domain.StatusChange{
			{To: domain.StatusQueued.String(), Timestamp: now, Reason: "dispatched"},
		},
		Logs: []domain.LogEntry{
			{Timestamp: now, Level: domain.LogLevelInfo, Category: "Dispatcher", Message: "dispatched"},
		},
		CreatedAt: now,
	}
}

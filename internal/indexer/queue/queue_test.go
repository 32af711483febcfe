package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/chaincontest/indexer-core/internal/telemetry"
)

type testPayload struct {
	Foo string `json:"foo"`
}

// TestPublishDedupeKeyReturnsExistingJobID reproduces the at-least-once /
// dedupe contract: a second publish with the same dedupeKey is a noop that
// resolves to the job already on record.
func TestPublishDedupeKeyReturnsExistingJobID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := New(db, nil, nil)

	mock.ExpectExec("INSERT INTO queue_jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id FROM queue_jobs WHERE queue_name=\\$1 AND dedupe_key=\\$2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing-job"))

	id, err := q.Publish(context.Background(), QueueMilestone, testPayload{Foo: "bar"}, PublishOptions{DedupeKey: "dk-1"})
	require.NoError(t, err)
	require.Equal(t, "existing-job", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPublishSingletonKeyReturnsExistingNonTerminalJob covers the
// singleton-key contract: only one non-terminal job per singletonKey may
// exist concurrently.
func TestPublishSingletonKeyReturnsExistingNonTerminalJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := New(db, nil, nil)

	mock.ExpectExec("INSERT INTO queue_jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id FROM queue_jobs WHERE queue_name=\\$1 AND singleton_key=\\$2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing-job"))

	id, err := q.Publish(context.Background(), QueueReconcile, testPayload{Foo: "bar"}, PublishOptions{SingletonKey: "c-1:1"})
	require.NoError(t, err)
	require.Equal(t, "existing-job", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestExecuteSuccessMarksCompleted covers the happy-path job lifecycle.
func TestExecuteSuccessMarksCompleted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := New(db, nil, nil)
	w := (&workerLoop{queue: q, queueName: QueueMilestone, concurrency: 1}).
		withHandler(func(ctx context.Context, job Job) error { return nil })

	mock.ExpectExec("UPDATE queue_jobs SET state=\\$1 WHERE id=\\$2").WillReturnResult(sqlmock.NewResult(0, 1))

	w.execute(context.Background(), Job{ID: "j-1", Attempt: 0, RetryLimit: 5})
	require.NoError(t, mock.ExpectationsWereMet())
	require.False(t, q.getLastSuccess(QueueMilestone).IsZero())
}

// TestExecuteSkippedMarksCompletedWithoutRerunningEffect covers the
// ErrSkipped redelivery path the milestone and reconciliation processors
// take for an already-processed job.
func TestExecuteSkippedMarksCompletedWithoutRerunningEffect(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := New(db, nil, nil)
	w := (&workerLoop{queue: q, queueName: QueueMilestone, concurrency: 1}).
		withHandler(func(ctx context.Context, job Job) error { return ErrSkipped })

	mock.ExpectExec("UPDATE queue_jobs SET state=\\$1 WHERE id=\\$2").WillReturnResult(sqlmock.NewResult(0, 1))

	w.execute(context.Background(), Job{ID: "j-1", Attempt: 0, RetryLimit: 5})
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestExecuteRetryBelowLimitIncrementsAttempt covers the retrying
// transition: a handler error below the retry limit reschedules the job
// with attempt+1.
func TestExecuteRetryBelowLimitIncrementsAttempt(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := New(db, nil, nil)
	w := (&workerLoop{queue: q, queueName: QueueMilestone, concurrency: 1}).
		withHandler(func(ctx context.Context, job Job) error { return errors.New("transient") })

	mock.ExpectExec("UPDATE queue_jobs SET state='retry', attempt=\\$1, available_at=\\$2 WHERE id=\\$3").
		WithArgs(1, sqlmock.AnyArg(), "j-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w.execute(context.Background(), Job{ID: "j-1", Attempt: 0, RetryLimit: 5, QueueName: QueueMilestone})
	require.NoError(t, mock.ExpectationsWereMet())
}

func (w *workerLoop) withHandler(h Handler) *workerLoop {
	w.handler = h
	return w
}

// TestExecuteRetryExhaustedMarksFailed covers retry-budget exhaustion.
func TestExecuteRetryExhaustedMarksFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := New(db, nil, nil)
	w := (&workerLoop{queue: q, queueName: QueueMilestone, concurrency: 1}).
		withHandler(func(ctx context.Context, job Job) error { return errors.New("boom") })

	mock.ExpectExec("UPDATE queue_jobs SET state='failed', attempt=\\$1 WHERE id=\\$2").
		WithArgs(5, "j-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w.execute(context.Background(), Job{ID: "j-1", Attempt: 4, RetryLimit: 5, QueueName: QueueMilestone})
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestExecuteDeferralReschedulesWithoutConsumingAttempt reproduces scenario
// S6: a paused-contest defer must not increment attempts or mutate the
// ledger, only reschedule availability.
func TestExecuteDeferralReschedulesWithoutConsumingAttempt(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := New(db, nil, nil)
	w := (&workerLoop{queue: q, queueName: QueueMilestone, concurrency: 1}).
		withHandler(func(ctx context.Context, job Job) error { return &Deferral{After: 30 * time.Second} })

	mock.ExpectExec("UPDATE queue_jobs SET state='retry', available_at=\\$1 WHERE id=\\$2").
		WithArgs(sqlmock.AnyArg(), "j-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w.execute(context.Background(), Job{ID: "j-1", Attempt: 0, RetryLimit: 5, QueueName: QueueMilestone})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDepthQueriesByQueueName(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := New(db, nil, nil)
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"pending", "failed"}).AddRow(3, 1))

	pending, failed, err := q.Depth(context.Background(), QueueMilestone)
	require.NoError(t, err)
	require.Equal(t, 3, pending)
	require.Equal(t, 1, failed)
}

// TestRefreshSnapshotsPublishesDepthAndLastSuccess covers the health
// snapshot's queue-depth wiring: a refresh cycle pulls the queue's depth,
// records it in the attached SnapshotStore, and sets the depth/last-success
// gauges.
func TestRefreshSnapshotsPublishesDepthAndLastSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewWithRegistry(reg)
	q := New(db, metrics, nil)
	store := telemetry.NewSnapshotStore()
	q.AttachSnapshots(store)
	q.recordSuccess(QueueMilestone, time.Now())

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"pending", "failed"}).AddRow(2, 1))

	q.refreshSnapshots(context.Background(), []string{QueueMilestone})
	require.NoError(t, mock.ExpectationsWereMet())

	snap := store.Snapshot("live", nil)
	require.Len(t, snap.Queues, 1)
	require.Equal(t, QueueMilestone, snap.Queues[0].Name)
	require.Equal(t, 2, snap.Queues[0].Pending)
	require.Equal(t, 1, snap.Queues[0].Failed)
	require.NotNil(t, snap.Queues[0].LastSuccessAt)
}

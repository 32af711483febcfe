// Package queue implements the durable, pg-boss-like job dispatcher and
// queue: at-least-once delivery with dedupe and singleton keys,
// bounded-concurrency workers, and exponential retry backoff.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chaincontest/indexer-core/internal/apperr"
	"github.com/chaincontest/indexer-core/internal/telemetry"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Queue names, fixed by the producer/consumer wire contract.
const (
	QueueMilestone = "indexer.milestone"
	QueueReconcile = "indexer.reconcile"
)

// State is a QueueJob's lifecycle state.
type State string

const (
	StateCreated   State = "created"
	StateActive    State = "active"
	StateRetry     State = "retry"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is what a registered handler receives for one delivery.
type Job struct {
	ID           string
	QueueName    string
	Payload      json.RawMessage
	Attempt      int
	RetryLimit   int
	CreatedOn    time.Time
	SingletonKey string
}

// Outcome is the classification a handler's result is recorded under.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeDeferred Outcome = "deferred"
)

// Handler processes one delivered job. Returning a *Deferral republishes the
// same effect at a later time without counting against the retry budget
// (the milestone processor's pause-defer path). Returning ErrSkipped
// records an at-least-once redelivery of an already-completed effect as
// success without re-running the side effect. Any other error is retried
// up to the job's retry limit.
type Handler func(ctx context.Context, job Job) error

// Deferral is returned by a Handler to defer redelivery without consuming a
// retry attempt.
type Deferral struct {
	After time.Duration
}

func (d *Deferral) Error() string { return fmt.Sprintf("deferred for %s", d.After) }

// ErrSkipped marks a job as an idempotent no-op redelivery.
var ErrSkipped = errors.New("job skipped: effect already applied")

// PermanentError marks a handler failure that must never be retried (for
// example a payload that fails schema validation): the job moves straight
// to failed, bypassing the retry budget.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// PublishOptions controls one Publish call.
type PublishOptions struct {
	DedupeKey    string
	StartAfter   time.Time
	SingletonKey string
	Priority     int
	RetryLimit   int
}

// WorkerOptions controls one RegisterWorker call.
type WorkerOptions struct {
	Concurrency int
}

// Queue is the Postgres-backed durable job dispatcher.
type Queue struct {
	db           *sql.DB
	metrics      *telemetry.Metrics
	log          *logrus.Entry
	pollInterval time.Duration

	mu      sync.Mutex
	workers map[string]*workerLoop

	snapshots        *telemetry.SnapshotStore
	snapshotInterval time.Duration
	snapshotCancel   context.CancelFunc
	snapshotDone     chan struct{}

	lastSuccessMu sync.Mutex
	lastSuccess   map[string]time.Time
}

// New constructs a Queue.
func New(db *sql.DB, metrics *telemetry.Metrics, log *logrus.Entry) *Queue {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Queue{
		db: db, metrics: metrics, log: log, pollInterval: time.Second,
		workers: make(map[string]*workerLoop), snapshotInterval: 5 * time.Second,
		lastSuccess: make(map[string]time.Time),
	}
}

// AttachSnapshots wires a SnapshotStore that Start keeps refreshed with each
// registered queue's depth and last-success time, for the control plane's
// GET /v1/tasks/status health endpoint.
func (q *Queue) AttachSnapshots(store *telemetry.SnapshotStore) {
	q.snapshots = store
}

// Name satisfies the application's lifecycle-managed Service contract.
func (q *Queue) Name() string { return "job-queue" }

// Start launches every registered worker's poll loop, plus the
// snapshot-refresh loop if a SnapshotStore was attached.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	queueNames := make([]string, 0, len(q.workers))
	for name, w := range q.workers {
		w.start(ctx)
		queueNames = append(queueNames, name)
	}
	q.mu.Unlock()

	if q.snapshots != nil {
		runCtx, cancel := context.WithCancel(ctx)
		q.snapshotCancel = cancel
		q.snapshotDone = make(chan struct{})
		go q.runSnapshotLoop(runCtx, queueNames)
	}
	return nil
}

// Stop cancels and drains every worker loop and the snapshot loop, bounded
// by ctx.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	workers := make([]*workerLoop, 0, len(q.workers))
	for _, w := range q.workers {
		workers = append(workers, w)
	}
	q.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
	if q.snapshotCancel != nil {
		q.snapshotCancel()
	}
	done := make(chan struct{})
	go func() {
		for _, w := range workers {
			w.wg.Wait()
		}
		if q.snapshotDone != nil {
			<-q.snapshotDone
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runSnapshotLoop periodically refreshes the attached SnapshotStore and the
// QueueDepth/QueueLastSuccessUnix gauges from each registered queue's depth.
func (q *Queue) runSnapshotLoop(ctx context.Context, queueNames []string) {
	defer close(q.snapshotDone)
	ticker := time.NewTicker(q.snapshotInterval)
	defer ticker.Stop()
	q.refreshSnapshots(ctx, queueNames)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.refreshSnapshots(ctx, queueNames)
		}
	}
}

func (q *Queue) refreshSnapshots(ctx context.Context, queueNames []string) {
	for _, name := range queueNames {
		pending, failed, err := q.Depth(ctx, name)
		if err != nil {
			q.log.WithError(err).WithField("queue", name).Warn("refresh queue snapshot failed")
			continue
		}
		lastSuccess := q.getLastSuccess(name)
		snap := telemetry.QueueSnapshot{Name: name, Pending: pending, Failed: failed}
		if !lastSuccess.IsZero() {
			t := lastSuccess
			snap.LastSuccessAt = &t
		}
		q.snapshots.UpdateQueue(snap)
		if q.metrics != nil {
			q.metrics.QueueDepth.WithLabelValues(name).Set(float64(pending))
			if !lastSuccess.IsZero() {
				q.metrics.QueueLastSuccessUnix.WithLabelValues(name).Set(float64(lastSuccess.Unix()))
			}
		}
	}
}

func (q *Queue) recordSuccess(queueName string, at time.Time) {
	q.lastSuccessMu.Lock()
	defer q.lastSuccessMu.Unlock()
	q.lastSuccess[queueName] = at
}

func (q *Queue) getLastSuccess(queueName string) time.Time {
	q.lastSuccessMu.Lock()
	defer q.lastSuccessMu.Unlock()
	return q.lastSuccess[queueName]
}

// Publish enqueues a job. A second publish with the same dedupeKey is a
// noop that returns the existing job's id. A singletonKey with a
// non-terminal job already outstanding is also a noop, returning that job's
// id instead of creating a duplicate.
func (q *Queue) Publish(ctx context.Context, queueName string, payload interface{}, opts PublishOptions) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInputInvalid, "marshal job payload", err)
	}

	startAfter := opts.StartAfter
	if startAfter.IsZero() {
		startAfter = time.Now()
	}
	retryLimit := opts.RetryLimit
	if retryLimit <= 0 {
		retryLimit = 5
	}

	id := uuid.NewString()
	var dedupeKey, singletonKey sql.NullString
	if opts.DedupeKey != "" {
		dedupeKey = sql.NullString{String: opts.DedupeKey, Valid: true}
	}
	if opts.SingletonKey != "" {
		singletonKey = sql.NullString{String: opts.SingletonKey, Valid: true}
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, queue_name, payload, attempt, retry_limit, enqueued_at, available_at, singleton_key, dedupe_key, priority, state)
		VALUES ($1, $2, $3, 0, $4, now(), $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING
	`, id, queueName, body, retryLimit, startAfter, singletonKey, dedupeKey, opts.Priority, StateCreated)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "insert queue job", err)
	}

	existingID, err := q.findConflicting(ctx, queueName, opts)
	if err != nil {
		return "", err
	}
	if existingID != "" && existingID != id {
		// The insert lost the race (or was a logical noop against an
		// already-outstanding singleton); the caller's delivery is still
		// exactly-once because it is the existing job that will run.
		return existingID, nil
	}
	return id, nil
}

func (q *Queue) findConflicting(ctx context.Context, queueName string, opts PublishOptions) (string, error) {
	if opts.DedupeKey != "" {
		var id string
		err := q.db.QueryRowContext(ctx, `SELECT id FROM queue_jobs WHERE queue_name=$1 AND dedupe_key=$2 ORDER BY enqueued_at ASC LIMIT 1`,
			queueName, opts.DedupeKey).Scan(&id)
		if err != nil && err != sql.ErrNoRows {
			return "", apperr.Wrap(apperr.KindInternal, "lookup dedupe job", err)
		}
		if id != "" || opts.SingletonKey == "" {
			return id, nil
		}
	}
	if opts.SingletonKey != "" {
		var id string
		err := q.db.QueryRowContext(ctx, `
			SELECT id FROM queue_jobs
			WHERE queue_name=$1 AND singleton_key=$2 AND state IN ('created','retry','active')
			ORDER BY enqueued_at ASC LIMIT 1
		`, queueName, opts.SingletonKey).Scan(&id)
		if err != nil && err != sql.ErrNoRows {
			return "", apperr.Wrap(apperr.KindInternal, "lookup singleton job", err)
		}
		return id, nil
	}
	return "", nil
}

// RequeueByDedupeKey resets an existing job matched by (queueName,dedupeKey)
// back to retry/available-now, for a manual control-plane redelivery. It
// reports whether a matching job was found; callers fall back to Publish
// when the dedupe window has expired and no job remains.
func (q *Queue) RequeueByDedupeKey(ctx context.Context, queueName, dedupeKey string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_jobs SET state='retry', available_at=now()
		WHERE queue_name=$1 AND dedupe_key=$2
	`, queueName, dedupeKey)
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, "requeue job by dedupe key", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, "rows affected", err)
	}
	return n > 0, nil
}

// RegisterWorker attaches handler to queueName at the given concurrency.
// Call before Start.
func (q *Queue) RegisterWorker(queueName string, handler Handler, opts WorkerOptions) {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.workers[queueName] = &workerLoop{
		queue:       q,
		queueName:   queueName,
		handler:     handler,
		concurrency: concurrency,
	}
}

// Depth returns the pending+delayed and failed job counts for a queue, for
// the telemetry health snapshot.
func (q *Queue) Depth(ctx context.Context, queueName string) (pending, failed int, err error) {
	err = q.db.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE state IN ('created','retry')),
			count(*) FILTER (WHERE state = 'failed')
		FROM queue_jobs WHERE queue_name = $1
	`, queueName).Scan(&pending, &failed)
	if err != nil {
		return 0, 0, apperr.Wrap(apperr.KindInternal, "queue depth", err)
	}
	return pending, failed, nil
}

// workerLoop polls one queue, claims up to concurrency jobs per tick via
// SELECT ... FOR UPDATE SKIP LOCKED, and runs each handler in its own
// goroutine.
type workerLoop struct {
	queue       *Queue
	queueName   string
	handler     Handler
	concurrency int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (w *workerLoop) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(runCtx)
	}()
}

func (w *workerLoop) stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *workerLoop) run(ctx context.Context) {
	ticker := time.NewTicker(w.queue.pollInterval)
	defer ticker.Stop()
	sem := make(chan struct{}, w.concurrency)
	var inflight sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			inflight.Wait()
			return
		case <-ticker.C:
			jobs, err := w.claim(ctx)
			if err != nil {
				w.queue.log.WithError(err).WithField("queue", w.queueName).Warn("claim jobs failed")
				continue
			}
			for _, job := range jobs {
				job := job
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					inflight.Wait()
					return
				}
				inflight.Add(1)
				go func() {
					defer inflight.Done()
					defer func() { <-sem }()
					w.execute(ctx, job)
				}()
			}
		}
	}
}

func (w *workerLoop) claim(ctx context.Context) ([]Job, error) {
	rows, err := w.queue.db.QueryContext(ctx, `
		WITH claimed AS (
			SELECT id FROM queue_jobs
			WHERE queue_name = $1 AND state IN ('created','retry') AND available_at <= now()
			ORDER BY priority DESC, enqueued_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE queue_jobs SET state = 'active'
		WHERE id IN (SELECT id FROM claimed)
		RETURNING id, payload, attempt, retry_limit, enqueued_at, singleton_key
	`, w.queueName, w.concurrency)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "claim queue jobs", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var singleton sql.NullString
		if err := rows.Scan(&j.ID, &j.Payload, &j.Attempt, &j.RetryLimit, &j.CreatedOn, &singleton); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan queue job", err)
		}
		j.QueueName = w.queueName
		j.SingletonKey = singleton.String
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (w *workerLoop) execute(ctx context.Context, job Job) {
	start := time.Now()
	err := w.handler(ctx, job)

	var deferral *Deferral
	var permanent *PermanentError
	switch {
	case err == nil:
		w.finish(ctx, job, StateCompleted)
		w.queue.recordSuccess(w.queueName, time.Now())
		w.record(OutcomeSuccess, "", start)
	case errors.Is(err, ErrSkipped):
		w.finish(ctx, job, StateCompleted)
		w.record(OutcomeSkipped, "", start)
	case errors.As(err, &deferral):
		after := deferral.After
		if after <= 0 {
			after = 30 * time.Second
		}
		w.defer_(ctx, job, after)
		w.record(OutcomeDeferred, "", start)
	case errors.As(err, &permanent):
		w.finish(ctx, job, StateFailed)
		w.record(OutcomeFailure, reasonOf(permanent.Err), start)
	default:
		w.retryOrFail(ctx, job, err)
		w.record(OutcomeFailure, reasonOf(err), start)
	}
}

func (w *workerLoop) finish(ctx context.Context, job Job, state State) {
	_, err := w.queue.db.ExecContext(ctx, `UPDATE queue_jobs SET state=$1 WHERE id=$2`, state, job.ID)
	if err != nil {
		w.queue.log.WithError(err).WithField("job_id", job.ID).Error("finish job: update state")
	}
}

func (w *workerLoop) defer_(ctx context.Context, job Job, after time.Duration) {
	_, err := w.queue.db.ExecContext(ctx, `
		UPDATE queue_jobs SET state='retry', available_at=$1 WHERE id=$2
	`, time.Now().Add(after), job.ID)
	if err != nil {
		w.queue.log.WithError(err).WithField("job_id", job.ID).Error("defer job: update available_at")
	}
}

func (w *workerLoop) retryOrFail(ctx context.Context, job Job, handlerErr error) {
	attempt := job.Attempt + 1
	if attempt < job.RetryLimit {
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		if backoff > 5*time.Minute {
			backoff = 5 * time.Minute
		}
		_, err := w.queue.db.ExecContext(ctx, `
			UPDATE queue_jobs SET state='retry', attempt=$1, available_at=$2 WHERE id=$3
		`, attempt, time.Now().Add(backoff), job.ID)
		if err != nil {
			w.queue.log.WithError(err).WithField("job_id", job.ID).Error("retry job: update state")
		}
		if w.queue.metrics != nil {
			w.queue.metrics.JobRetryTotal.WithLabelValues(w.queueName, reasonOf(handlerErr)).Inc()
		}
		return
	}

	_, err := w.queue.db.ExecContext(ctx, `
		UPDATE queue_jobs SET state='failed', attempt=$1 WHERE id=$2
	`, attempt, job.ID)
	if err != nil {
		w.queue.log.WithError(err).WithField("job_id", job.ID).Error("fail job: update state")
	}
}

func (w *workerLoop) record(outcome Outcome, reason string, start time.Time) {
	if w.queue.metrics == nil {
		return
	}
	w.queue.metrics.JobResultTotal.WithLabelValues(w.queueName, string(outcome)).Inc()
	w.queue.metrics.JobDurationMs.WithLabelValues(w.queueName).Observe(float64(time.Since(start).Milliseconds()))
}

func reasonOf(err error) string {
	if serr, ok := apperr.As(err); ok {
		return string(serr.Kind)
	}
	return "unknown"
}

// Package milestone implements the ledger-backed milestone state machine:
// idempotent side effects keyed by idempotencyKey, driven by jobs
// delivered from the "indexer.milestone" queue.
package milestone

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/chaincontest/indexer-core/internal/apperr"
	"github.com/chaincontest/indexer-core/internal/indexer/event"
	"github.com/chaincontest/indexer-core/internal/indexer/queue"
	"github.com/sirupsen/logrus"
)

// Status is one MilestoneExecution's lifecycle state.
type Status string

const (
	StatusPending        Status = "pending"
	StatusInProgress     Status = "in_progress"
	StatusRetrying       Status = "retrying"
	StatusSucceeded      Status = "succeeded"
	StatusNeedsAttention Status = "needs_attention"
)

// allowedTransitions is the milestone state DAG. A transition absent from
// its source's edge set is an ORDER_VIOLATION.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending:        {StatusPending: true, StatusInProgress: true, StatusNeedsAttention: true},
	StatusInProgress:     {StatusInProgress: true, StatusSucceeded: true, StatusRetrying: true, StatusNeedsAttention: true},
	StatusRetrying:       {StatusRetrying: true, StatusInProgress: true, StatusSucceeded: true, StatusNeedsAttention: true},
	StatusNeedsAttention: {StatusNeedsAttention: true, StatusInProgress: true, StatusRetrying: true},
	StatusSucceeded:      {StatusSucceeded: true},
}

// CheckTransition returns an ORDER_VIOLATION apperr if from->to is not a
// permitted edge of the state machine.
func CheckTransition(from, to Status) error {
	if allowedTransitions[from][to] {
		return nil
	}
	return apperr.OrderViolation(string(from), string(to))
}

// ErrAlreadyProcessed names the case of a ledger row that already succeeded
// for an idempotencyKey. Processor.Handle does not return it: it reports
// that case as queue.ErrSkipped, which the worker records as a success
// without re-running the side effect.
var ErrAlreadyProcessed = errors.New("milestone already processed")

// LastError is the structured shape persisted in milestone_executions.last_error.
type LastError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	At      string `json:"at"`
}

// ActorContext records who/what triggered a manual retry, when applicable.
type ActorContext struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Execution is one MilestoneExecution ledger row.
type Execution struct {
	IdempotencyKey    string
	JobID             string
	ContestID         string
	ChainID           int
	Milestone         event.MilestoneKind
	SourceTxHash      string
	SourceLogIndex    int64
	SourceBlockNumber uint64
	Status            Status
	Attempts          int
	Payload           json.RawMessage
	LastError         *LastError
	ActorContext      *ActorContext
	CompletedAt       *time.Time
}

// ModeChecker answers whether a contest's stream is paused. The control
// plane's in-memory mode registry implements it, and Processor consults it.
type ModeChecker interface {
	IsPaused(contestID string, chainID int) bool
}

// Validator is the external schema-validation runtime, consumed as a black
// box that answers yes/no about a payload.
type Validator interface {
	Validate(payload json.RawMessage) error
}

// NoopValidator accepts every payload; useful where the schema-validation
// runtime is not wired into a given deployment (it remains an external
// collaborator).
type NoopValidator struct{}

func (NoopValidator) Validate(payload json.RawMessage) error { return nil }

// SideEffect applies the business-visible outcome of a milestone (contest
// state update, notification dispatch) inside the same transaction as the
// ledger transition. Implementations are external collaborators; Noop is
// supplied for environments without one configured.
type SideEffect interface {
	Apply(ctx context.Context, tx *sql.Tx, payload event.MilestonePayload) error
}

// NoopSideEffect performs no business mutation; useful for tests and for
// deployments that only want the durable ledger without a wired contest
// application.
type NoopSideEffect struct{}

func (NoopSideEffect) Apply(ctx context.Context, tx *sql.Tx, payload event.MilestonePayload) error {
	return nil
}

// wirePayload is the permissive parser's wire shape: it accepts either a
// top-level milestone payload or one nested under sourceEvent. A stricter
// parser that rejects the nested form outright is not implemented.
type wirePayload struct {
	event.MilestonePayload
	SourceEvent *event.MilestonePayload `json:"sourceEvent,omitempty"`
}

// ParsePayload decodes a queue job's raw payload into a MilestonePayload,
// accepting either shape.
func ParsePayload(raw json.RawMessage) (event.MilestonePayload, error) {
	var wire wirePayload
	if err := json.Unmarshal(raw, &wire); err != nil {
		return event.MilestonePayload{}, apperr.Wrap(apperr.KindInputInvalid, "malformed milestone payload", err)
	}
	if wire.SourceEvent != nil {
		return *wire.SourceEvent, nil
	}
	return wire.MilestonePayload, nil
}

// Store is the Postgres repository backing the milestone_executions table.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Get loads the ledger row for idempotencyKey, if any.
func (s *Store) Get(ctx context.Context, idempotencyKey string) (Execution, bool, error) {
	return getExecution(ctx, s.db, idempotencyKey)
}

func getExecution(ctx context.Context, q querier, idempotencyKey string) (Execution, bool, error) {
	var e Execution
	var jobID, lastErr, actorCtx sql.NullString
	var completedAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT idempotency_key, job_id, contest_id, chain_id, milestone, source_tx_hash, source_log_index,
		       source_block_number, status, attempts, payload, last_error, actor_context, completed_at
		FROM milestone_executions WHERE idempotency_key = $1
	`, idempotencyKey).Scan(&e.IdempotencyKey, &jobID, &e.ContestID, &e.ChainID, &e.Milestone, &e.SourceTxHash,
		&e.SourceLogIndex, &e.SourceBlockNumber, &e.Status, &e.Attempts, &e.Payload, &lastErr, &actorCtx, &completedAt)
	if err == sql.ErrNoRows {
		return Execution{}, false, nil
	}
	if err != nil {
		return Execution{}, false, apperr.Wrap(apperr.KindInternal, "load milestone execution", err)
	}
	e.JobID = jobID.String
	if lastErr.Valid {
		var le LastError
		if jsonErr := json.Unmarshal([]byte(lastErr.String), &le); jsonErr == nil {
			e.LastError = &le
		}
	}
	if actorCtx.Valid {
		var ac ActorContext
		if jsonErr := json.Unmarshal([]byte(actorCtx.String), &ac); jsonErr == nil {
			e.ActorContext = &ac
		}
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, true, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// upsertPending inserts a new pending ledger row, or returns the existing
// row unchanged if idempotencyKey already has one (the upsert is only ever
// the identity's first write; every subsequent transition goes through
// transition()).
func upsertPending(ctx context.Context, q querier, payload event.MilestonePayload, jobID string, idempotencyKey string) (Execution, error) {
	body, _ := json.Marshal(payload.Payload)
	_, err := q.ExecContext(ctx, `
		INSERT INTO milestone_executions
			(idempotency_key, job_id, contest_id, chain_id, milestone, source_tx_hash, source_log_index,
			 source_block_number, status, attempts, payload, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10,now(),now())
		ON CONFLICT (idempotency_key) DO NOTHING
	`, idempotencyKey, jobID, payload.ContestID, payload.ChainID, payload.Milestone, payload.SourceTxHash,
		payload.SourceLogIndex, uint64(payload.SourceBlockNumber), StatusPending, body)
	if err != nil {
		return Execution{}, apperr.Wrap(apperr.KindInternal, "upsert milestone execution", err)
	}
	e, ok, err := getExecution(ctx, q, idempotencyKey)
	if err != nil {
		return Execution{}, err
	}
	if !ok {
		return Execution{}, apperr.Internal("milestone execution missing after upsert", nil)
	}
	return e, nil
}

// transition moves the ledger row to `to`, validating the DAG, and persists
// attempts/lastError/completedAt.
func transition(ctx context.Context, q querier, idempotencyKey string, from, to Status, attempts int, lastErr *LastError, completed bool) error {
	if err := CheckTransition(from, to); err != nil {
		return err
	}
	var lastErrJSON interface{}
	if lastErr != nil {
		b, _ := json.Marshal(lastErr)
		lastErrJSON = b
	}
	var completedAt interface{}
	if completed {
		completedAt = time.Now()
	}
	_, err := q.ExecContext(ctx, `
		UPDATE milestone_executions
		SET status=$1, attempts=$2, last_error=$3, completed_at=COALESCE($4, completed_at), updated_at=now()
		WHERE idempotency_key=$5
	`, to, attempts, lastErrJSON, completedAt, idempotencyKey)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "transition milestone execution", err)
	}
	return nil
}

// Processor drives the milestone state machine for jobs delivered on
// "indexer.milestone".
type Processor struct {
	db         *sql.DB
	store      *Store
	validator  Validator
	mode       ModeChecker
	sideEffect SideEffect
	log        *logrus.Entry
	retryLimit int
}

// NewProcessor constructs a Processor.
func NewProcessor(db *sql.DB, validator Validator, mode ModeChecker, sideEffect SideEffect, retryLimit int, log *logrus.Entry) *Processor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if sideEffect == nil {
		sideEffect = NoopSideEffect{}
	}
	if retryLimit <= 0 {
		retryLimit = 5
	}
	return &Processor{db: db, store: NewStore(db), validator: validator, mode: mode, sideEffect: sideEffect, retryLimit: retryLimit, log: log}
}

// Handle implements queue.Handler for the milestone queue.
func (p *Processor) Handle(ctx context.Context, job queue.Job) error {
	payload, err := ParsePayload(job.Payload)
	if err != nil {
		return &queue.PermanentError{Err: err}
	}

	if p.validator != nil {
		if err := p.validator.Validate(payload.Payload); err != nil {
			return &queue.PermanentError{Err: apperr.Wrap(apperr.KindInputInvalid, "milestone payload failed schema validation", err)}
		}
	}

	idempotencyKey := payload.IdempotencyKey()

	if p.mode != nil && p.mode.IsPaused(payload.ContestID, payload.ChainID) {
		p.log.WithFields(logrus.Fields{"contest_id": payload.ContestID, "chain_id": payload.ChainID, "idempotency_key": idempotencyKey}).
			Info("milestone deferred: contest paused")
		return &queue.Deferral{After: 30 * time.Second}
	}

	existing, ok, err := p.store.Get(ctx, idempotencyKey)
	if err != nil {
		return err
	}
	if ok && existing.Status == StatusSucceeded {
		return queue.ErrSkipped
	}

	return p.runTransaction(ctx, job, payload, idempotencyKey, existing, ok)
}

func (p *Processor) runTransaction(ctx context.Context, job queue.Job, payload event.MilestonePayload, idempotencyKey string, existing Execution, existed bool) (err error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "begin milestone transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	current := existing
	if !existed {
		current, err = upsertPending(ctx, tx, payload, job.ID, idempotencyKey)
		if err != nil {
			return err
		}
	}
	if current.Status == StatusSucceeded {
		return queue.ErrSkipped
	}

	inProgress := StatusInProgress
	if current.Attempts > 0 {
		inProgress = StatusRetrying
	}
	if err = transition(ctx, tx, idempotencyKey, current.Status, inProgress, current.Attempts, nil, false); err != nil {
		return err
	}

	if sideErr := p.sideEffect.Apply(ctx, tx, payload); sideErr != nil {
		attempts := current.Attempts + 1
		lastErr := &LastError{Kind: string(apperr.KindOf(sideErr)), Message: sideErr.Error(), At: time.Now().UTC().Format(time.RFC3339)}
		next := StatusRetrying
		if attempts >= p.retryLimit {
			next = StatusNeedsAttention
		}
		if transErr := transition(ctx, tx, idempotencyKey, inProgress, next, attempts, lastErr, false); transErr != nil {
			return transErr
		}
		return sideErr
	}

	return transition(ctx, tx, idempotencyKey, inProgress, StatusSucceeded, current.Attempts+1, nil, true)
}

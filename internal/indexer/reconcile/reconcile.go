// Package reconcile implements the reconciliation processor (component
// C10): discrepancy detection between a replayed block range and its
// previously-persisted baseline, followed by notification fan-out.
package reconcile

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/chaincontest/indexer-core/internal/apperr"
	"github.com/chaincontest/indexer-core/internal/indexer/event"
	"github.com/chaincontest/indexer-core/internal/indexer/queue"
	"github.com/sirupsen/logrus"
)

// Status is a ReconciliationReportLedger's lifecycle state.
type Status string

const (
	StatusPendingReview   Status = "pending_review"
	StatusInReview        Status = "in_review"
	StatusResolved        Status = "resolved"
	StatusNeedsAttention  Status = "needs_attention"
)

func (s Status) terminal() bool { return s == StatusResolved || s == StatusNeedsAttention }
func (s Status) active() bool   { return s == StatusPendingReview || s == StatusInReview }

// DiscrepancyKind classifies one entry in a report's symmetric difference.
type DiscrepancyKind string

const (
	DiscrepancyMissingEvent    DiscrepancyKind = "missing_event"
	DiscrepancyPayloadMismatch DiscrepancyKind = "payload_mismatch"
)

// Discrepancy is one disagreement between the replayed batch and the
// baseline previously persisted for the same range.
type Discrepancy struct {
	TxHash   string          `json:"txHash"`
	LogIndex int64           `json:"logIndex"`
	Kind     DiscrepancyKind `json:"kind"`
	Detail   string          `json:"detail,omitempty"`
}

// Notification is one dispatched alert describing outstanding discrepancies.
type Notification struct {
	Channel string `json:"channel"`
	Target  string `json:"target"`
	Template string `json:"template"`
}

// ReportPayload is what the replay engine enqueues on indexer.reconcile.
type ReportPayload struct {
	ReportID       string           `json:"reportId"`
	ContestID      string           `json:"contestId"`
	ChainID        int              `json:"chainId"`
	RangeFromBlock uint64           `json:"rangeFromBlock"`
	RangeToBlock   uint64           `json:"rangeToBlock"`
	Actor          string           `json:"actor"`
	Reason         string           `json:"reason"`
	ReplayedEvents []event.Envelope `json:"replayedEvents"`
	BaselineEvents []event.Envelope `json:"baselineEvents,omitempty"`
	HasBaseline    bool             `json:"hasBaseline"`
}

// IdempotencyKey computes H(reportId,contestId,chainId).
func (p ReportPayload) IdempotencyKey() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", p.ReportID, p.ContestID, p.ChainID)))
	return hex.EncodeToString(h[:])
}

// ParsePayload decodes a queue job's raw payload into a ReportPayload.
func ParsePayload(raw []byte) (ReportPayload, error) {
	var p ReportPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ReportPayload{}, apperr.Wrap(apperr.KindInputInvalid, "malformed reconciliation payload", err)
	}
	if p.ReportID == "" || p.ContestID == "" {
		return ReportPayload{}, apperr.InputInvalid("reportId/contestId", "must be non-empty")
	}
	return p, nil
}

// NotificationDispatcher fans discrepancy alerts out to an external channel
// (email, webhook, in-app). The production wiring targets whatever
// messaging surface the control plane operators monitor; tests supply an
// in-memory fake.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, report ReportPayload, discrepancies []Discrepancy) ([]Notification, error)
}

// NoopNotificationDispatcher sends nothing; used where no channel is wired.
type NoopNotificationDispatcher struct{}

func (NoopNotificationDispatcher) Dispatch(ctx context.Context, report ReportPayload, discrepancies []Discrepancy) ([]Notification, error) {
	return nil, nil
}

// Ledger mirrors one reconciliation_report_ledgers row.
type Ledger struct {
	IdempotencyKey string
	ReportID       string
	JobID          string
	ContestID      string
	ChainID        int
	RangeFromBlock uint64
	RangeToBlock   uint64
	Status         Status
	Attempts       int
	Differences    []Discrepancy
	Notifications  []Notification
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Store is the Postgres repository backing reconciliation_report_ledgers.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Get loads the ledger row for idempotencyKey, if any.
func (s *Store) Get(ctx context.Context, idempotencyKey string) (Ledger, bool, error) {
	return getLedger(ctx, s.db, idempotencyKey)
}

func getLedger(ctx context.Context, q querier, idempotencyKey string) (Ledger, bool, error) {
	var l Ledger
	var differences, notifications []byte
	err := q.QueryRowContext(ctx, `
		SELECT idempotency_key, report_id, job_id, contest_id, chain_id, range_from_block, range_to_block,
		       status, attempts, differences, notifications
		FROM reconciliation_report_ledgers WHERE idempotency_key = $1
	`, idempotencyKey).Scan(&l.IdempotencyKey, &l.ReportID, &l.JobID, &l.ContestID, &l.ChainID,
		&l.RangeFromBlock, &l.RangeToBlock, &l.Status, &l.Attempts, &differences, &notifications)
	if err == sql.ErrNoRows {
		return Ledger{}, false, nil
	}
	if err != nil {
		return Ledger{}, false, apperr.Wrap(apperr.KindInternal, "load reconciliation ledger", err)
	}
	json.Unmarshal(differences, &l.Differences)
	json.Unmarshal(notifications, &l.Notifications)
	return l, true, nil
}

func upsertPendingReview(ctx context.Context, q querier, p ReportPayload, jobID, idempotencyKey string) (Ledger, error) {
	body, _ := json.Marshal(p)
	_, err := q.ExecContext(ctx, `
		INSERT INTO reconciliation_report_ledgers
			(idempotency_key, report_id, job_id, contest_id, chain_id, range_from_block, range_to_block,
			 status, attempts, differences, notifications, payload, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,'[]','[]',$9,now(),now())
		ON CONFLICT (idempotency_key) DO NOTHING
	`, idempotencyKey, p.ReportID, jobID, p.ContestID, p.ChainID, p.RangeFromBlock, p.RangeToBlock, StatusPendingReview, body)
	if err != nil {
		return Ledger{}, apperr.Wrap(apperr.KindInternal, "upsert reconciliation ledger", err)
	}
	l, ok, err := getLedger(ctx, q, idempotencyKey)
	if err != nil {
		return Ledger{}, err
	}
	if !ok {
		return Ledger{}, apperr.Internal("reconciliation ledger missing after upsert", nil)
	}
	return l, nil
}

func transitionTo(ctx context.Context, q querier, idempotencyKey string, to Status, differences []Discrepancy, notifications []Notification, attempts int) error {
	diffBody, _ := json.Marshal(differences)
	notifBody, _ := json.Marshal(notifications)
	_, err := q.ExecContext(ctx, `
		UPDATE reconciliation_report_ledgers
		SET status=$1, attempts=$2, differences=$3, notifications=$4,
		    completed_at = CASE WHEN $1 IN ('resolved','needs_attention') THEN now() ELSE completed_at END,
		    updated_at=now()
		WHERE idempotency_key=$5
	`, to, attempts, diffBody, notifBody, idempotencyKey)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "transition reconciliation ledger", err)
	}
	return nil
}

// Processor drives the reconciliation state machine for jobs delivered on
// "indexer.reconcile".
type Processor struct {
	db       *sql.DB
	store    *Store
	dispatch NotificationDispatcher
	log      *logrus.Entry
}

// NewProcessor constructs a Processor.
func NewProcessor(db *sql.DB, dispatch NotificationDispatcher, log *logrus.Entry) *Processor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if dispatch == nil {
		dispatch = NoopNotificationDispatcher{}
	}
	return &Processor{db: db, store: NewStore(db), dispatch: dispatch, log: log}
}

// Handle implements queue.Handler for the reconciliation queue.
func (p *Processor) Handle(ctx context.Context, job queue.Job) error {
	payload, err := ParsePayload(job.Payload)
	if err != nil {
		return &queue.PermanentError{Err: err}
	}

	idempotencyKey := payload.IdempotencyKey()

	existing, ok, err := p.store.Get(ctx, idempotencyKey)
	if err != nil {
		return err
	}
	if ok && existing.Status.active() {
		return queue.ErrSkipped
	}

	return p.runTransaction(ctx, job, payload, idempotencyKey)
}

func (p *Processor) runTransaction(ctx context.Context, job queue.Job, payload ReportPayload, idempotencyKey string) (err error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "begin reconciliation transaction", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	ledger, err := upsertPendingReview(ctx, tx, payload, job.ID, idempotencyKey)
	if err != nil {
		return err
	}

	if !payload.HasBaseline {
		err = transitionTo(ctx, tx, idempotencyKey, StatusResolved, nil, nil, ledger.Attempts)
		return err
	}

	discrepancies := Diff(payload.BaselineEvents, payload.ReplayedEvents)

	var notifications []Notification
	if len(discrepancies) > 0 {
		notifications, err = p.dispatch.Dispatch(ctx, payload, discrepancies)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "dispatch reconciliation notifications", err)
		}
	}

	next := StatusResolved
	if len(discrepancies) > 0 {
		next = StatusNeedsAttention
	}
	return transitionTo(ctx, tx, idempotencyKey, next, discrepancies, notifications, ledger.Attempts)
}

// Diff computes the symmetric difference between baseline and replayed
// events, keyed by (txHash,logIndex): an entry present in
// only one side is missing_event; an entry present in both with differing
// payload bytes is payload_mismatch.
func Diff(baseline, replayed []event.Envelope) []Discrepancy {
	byKey := func(evs []event.Envelope) map[event.EnvelopeKey]event.Envelope {
		m := make(map[event.EnvelopeKey]event.Envelope, len(evs))
		for _, e := range evs {
			m[e.Key()] = e
		}
		return m
	}
	baseSet := byKey(baseline)
	replaySet := byKey(replayed)

	var out []Discrepancy
	for key, b := range baseSet {
		r, ok := replaySet[key]
		if !ok {
			out = append(out, Discrepancy{TxHash: key.TxHash, LogIndex: key.LogIndex, Kind: DiscrepancyMissingEvent, Detail: "present in baseline, absent from replay"})
			continue
		}
		if string(b.Payload) != string(r.Payload) {
			out = append(out, Discrepancy{TxHash: key.TxHash, LogIndex: key.LogIndex, Kind: DiscrepancyPayloadMismatch, Detail: "payload differs between baseline and replay"})
		}
	}
	for key := range replaySet {
		if _, ok := baseSet[key]; !ok {
			out = append(out, Discrepancy{TxHash: key.TxHash, LogIndex: key.LogIndex, Kind: DiscrepancyMissingEvent, Detail: "present in replay, absent from baseline"})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TxHash != out[j].TxHash {
			return out[i].TxHash < out[j].TxHash
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out
}

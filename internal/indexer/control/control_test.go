package control

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/chaincontest/indexer-core/internal/indexer/event"
	"github.com/chaincontest/indexer-core/internal/indexer/milestone"
	"github.com/chaincontest/indexer-core/internal/indexer/queue"
	"github.com/chaincontest/indexer-core/internal/indexer/registry"
	"github.com/stretchr/testify/require"
)

// TestModeRegistryPauseResume covers the in-memory mode registry the
// milestone processor consults directly.
func TestModeRegistryPauseResume(t *testing.T) {
	m := NewModeRegistry()
	require.False(t, m.IsPaused("c-1", 1))
	m.set("c-1", 1, true)
	require.True(t, m.IsPaused("c-1", 1))
	m.set("c-1", 1, false)
	require.False(t, m.IsPaused("c-1", 1))
}

// TestModeRegistryPreloadSeedsFromSnapshot covers startup wiring: a stream
// already paused in the database starts paused in memory.
func TestModeRegistryPreloadSeedsFromSnapshot(t *testing.T) {
	m := NewModeRegistry()
	m.Preload([]registry.Stream{
		{ContestID: "c-1", ChainID: 1, State: registry.StatePaused},
		{ContestID: "c-2", ChainID: 1, State: registry.StateLive},
	})
	require.True(t, m.IsPaused("c-1", 1))
	require.False(t, m.IsPaused("c-2", 1))
}

// TestReplayRejectsNonNumericRange covers the 400 path for a malformed
// fromBlock/toBlock pair before any stream lookup occurs.
func TestReplayRejectsNonNumericRange(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := registry.New(&emptyStore{}, nil)
	plane := New(reg, nil, NewModeRegistry(), nil, nil, nil, nil, nil, nil)

	_, err = plane.Replay(context.Background(), ReplayRequest{ContestID: "c-1", ChainID: 1, FromBlock: "oops", ToBlock: "100"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

type emptyStore struct{}

func (emptyStore) ListTrackedStreams(ctx context.Context) ([]registry.Stream, error) { return nil, nil }

// TestRetryRejectsMalformedTxHash covers input validation ahead of any
// ledger lookup.
func TestRetryRejectsMalformedTxHash(t *testing.T) {
	plane := New(nil, nil, NewModeRegistry(), nil, nil, nil, nil, nil, nil)
	err := plane.Retry(context.Background(), RetryRequest{
		ContestID: "c-1", ChainID: 1, Milestone: event.MilestoneSettled,
		SourceTxHash: "not-a-hash", SourceLogIndex: 0, Actor: "ops",
	})
	require.Error(t, err)
}

// TestRetryRequeuesExistingJobWithoutDuplicatingLedger reproduces scenario
// S5: retry finds the existing ledger row and requeues the existing job
// rather than publishing a new one.
func TestRetryRequeuesExistingJobWithoutDuplicatingLedger(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	req := RetryRequest{
		ContestID: "c-1", ChainID: 1, Milestone: event.MilestoneSettled,
		SourceTxHash: "0x" + repeat("d", 64), SourceLogIndex: 12, Actor: "ops", Reason: "investigation",
	}
	key := req.idempotencyKey()

	rows := sqlmock.NewRows([]string{
		"idempotency_key", "job_id", "contest_id", "chain_id", "milestone", "source_tx_hash", "source_log_index",
		"source_block_number", "status", "attempts", "payload", "last_error", "actor_context", "completed_at",
	}).AddRow(key, "job-0", "c-1", 1, event.MilestoneSettled, req.SourceTxHash, 12, 0, milestone.StatusRetrying, 1, []byte(`{}`), nil, nil, nil)
	mock.ExpectQuery("SELECT idempotency_key, job_id, contest_id").WillReturnRows(rows)
	mock.ExpectExec("UPDATE queue_jobs SET state='retry', available_at=now()").
		WithArgs(queue.QueueMilestone, key).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO control_audit_log").WillReturnResult(sqlmock.NewResult(0, 1))

	ms := milestone.NewStore(db)
	q := queue.New(db, nil, nil)
	audit := NewPostgresAuditStore(db)
	plane := New(nil, nil, NewModeRegistry(), audit, ms, q, nil, nil, nil)

	err = plane.Retry(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}

// Package writer implements the transactional event/cursor writer (component
// C5): the single critical-section write path for ingested batches.
package writer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/chaincontest/indexer-core/internal/apperr"
	"github.com/chaincontest/indexer-core/internal/indexer/event"
	"github.com/sirupsen/logrus"
)

// Status is the outcome of a WriteBatch call.
type Status string

const (
	StatusApplied Status = "applied"
	StatusNoop    Status = "noop"
)

// Options controls cursor-advance behavior for one WriteBatch call.
type Options struct {
	// AdvanceCursor advances the persisted cursor to the batch's last event.
	// The replay engine passes false so a bounded re-ingestion never moves
	// the live cursor.
	AdvanceCursor bool
	// AllowRegression permits the cursor to move backwards by skipping the
	// monotonic check. The regressed write is not marked as a reorg: events
	// keep the reorg flag they arrive with and nothing else records it.
	// Ordinary ticks never set this.
	AllowRegression bool
}

// Result is what WriteBatch returns.
type Result struct {
	Status         Status
	CursorHeight   uint64
	CursorLogIndex int64
	CursorHash     string
	Inserted       int
}

// Writer owns the single critical-section write path.
type Writer struct {
	db  *sql.DB
	log *logrus.Entry
}

// New constructs a Writer.
func New(db *sql.DB, log *logrus.Entry) *Writer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Writer{db: db, log: log}
}

// WriteBatch inserts events and conditionally advances the cursor inside a
// single read-committed transaction. Duplicate events are a per-row noop.
// A batch of zero events returns StatusNoop without touching the cursor.
func (w *Writer) WriteBatch(ctx context.Context, contestID string, chainID int, contractAddress string, events []event.Envelope, opts Options) (Result, error) {
	if len(events) == 0 {
		return Result{Status: StatusNoop}, nil
	}

	for i := 1; i < len(events); i++ {
		if events[i].Cursor.Less(events[i-1].Cursor) {
			return Result{}, apperr.New(apperr.KindInputInvalid, "batch events must be sorted by cursor").
				WithDetails("index", i)
		}
	}

	var result Result
	err := withTx(ctx, w.db, func(tx *sql.Tx) error {
		inserted := 0
		for _, e := range events {
			n, err := insertEvent(ctx, tx, contestID, chainID, e)
			if err != nil {
				return err
			}
			inserted += n
		}
		result.Inserted = inserted

		if !opts.AdvanceCursor {
			result.Status = StatusApplied
			return nil
		}

		last := events[len(events)-1]
		advanced, applied, err := advanceCursor(ctx, tx, contestID, chainID, contractAddress, last, opts.AllowRegression, w.log)
		if err != nil {
			return err
		}
		result = advanced
		if !applied && inserted == 0 {
			result.Status = StatusNoop
		} else {
			result.Status = StatusApplied
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// insertEvent inserts one event row; a duplicate (chainId,txHash,logIndex)
// key is a noop, not an error, returning 0 rows affected.
func insertEvent(ctx context.Context, tx *sql.Tx, contestID string, chainID int, e event.Envelope) (int, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInputInvalid, "marshal event payload", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ingestion_events (contest_id, chain_id, tx_hash, log_index, block_number, event_type, payload, reorg_flag, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, to_timestamp($9))
		ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING
	`, contestID, chainID, e.TxHash, e.LogIndex, uint64(e.BlockNumber), string(e.Type), payload, e.ReorgFlag, e.DerivedAt.Timestamp)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "insert event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "rows affected", err)
	}
	return int(n), nil
}

// advanceCursor conditionally moves ingestion_cursors forward. A write with
// cursor <= stored cursor is a noop, not an error. The case of the same
// block with a lower log index is logged at INFO, since reorg replay may
// legitimately reinsert earlier indices; other noops are not logged.
func advanceCursor(ctx context.Context, tx *sql.Tx, contestID string, chainID int, contractAddress string, last event.Envelope, allowRegression bool, log *logrus.Entry) (Result, bool, error) {
	var storedHeight uint64
	var storedLogIndex int64
	var storedHash sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT cursor_height, cursor_log_index, cursor_hash FROM ingestion_cursors
		WHERE chain_id = $1 AND contract_address = $2 FOR UPDATE
	`, chainID, contractAddress).Scan(&storedHeight, &storedLogIndex, &storedHash)

	hasStored := true
	if err == sql.ErrNoRows {
		hasStored = false
	} else if err != nil {
		return Result{}, false, apperr.Wrap(apperr.KindInternal, "load cursor", err)
	}

	newCursor := last.Cursor
	stored := event.Cursor{BlockNumber: event.BlockNumber(storedHeight), LogIndex: storedLogIndex}

	if hasStored && !allowRegression {
		if newCursor.LessEqual(stored) {
			if newCursor.BlockNumber == stored.BlockNumber && newCursor.LogIndex < stored.LogIndex {
				log.WithFields(logrus.Fields{
					"contest_id": contestID, "chain_id": chainID,
					"stored_log_index": stored.LogIndex, "new_log_index": newCursor.LogIndex,
				}).Info("cursor advance: lower log index at same block treated as replay noop")
			}
			return Result{CursorHeight: storedHeight, CursorLogIndex: storedLogIndex, CursorHash: storedHash.String}, false, nil
		}
	}

	cursorHash := last.DerivedAt.BlockHash
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ingestion_cursors (contest_id, chain_id, contract_address, cursor_height, cursor_log_index, cursor_hash, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (chain_id, contract_address) DO UPDATE SET
			cursor_height = EXCLUDED.cursor_height,
			cursor_log_index = EXCLUDED.cursor_log_index,
			cursor_hash = EXCLUDED.cursor_hash,
			updated_at = now()
	`, contestID, chainID, contractAddress, uint64(newCursor.BlockNumber), newCursor.LogIndex, cursorHash)
	if err != nil {
		return Result{}, false, apperr.Wrap(apperr.KindInternal, "advance cursor", err)
	}

	return Result{CursorHeight: uint64(newCursor.BlockNumber), CursorLogIndex: newCursor.LogIndex, CursorHash: cursorHash}, true, nil
}

// ReadCursor returns the persisted cursor for a stream's contract, or a
// zero Cursor and false when no cursor has been written yet.
func ReadCursor(ctx context.Context, db *sql.DB, chainID int, contractAddress string) (event.Cursor, bool, error) {
	var height uint64
	var logIndex int64
	err := db.QueryRowContext(ctx, `
		SELECT cursor_height, cursor_log_index FROM ingestion_cursors
		WHERE chain_id = $1 AND contract_address = $2
	`, chainID, contractAddress).Scan(&height, &logIndex)
	if err == sql.ErrNoRows {
		return event.Cursor{}, false, nil
	}
	if err != nil {
		return event.Cursor{}, false, fmt.Errorf("read cursor: %w", err)
	}
	return event.Cursor{BlockNumber: event.BlockNumber(height), LogIndex: logIndex}, true, nil
}

// ReadCursor reads this writer's own database for the given stream's
// persisted cursor, satisfying the liveloop and replay engine's WriterClient
// dependency directly on *Writer.
func (w *Writer) ReadCursor(ctx context.Context, chainID int, contractAddress string) (event.Cursor, bool, error) {
	return ReadCursor(ctx, w.db, chainID, contractAddress)
}

// withTx is a package-local counterpart of database.WithTx that runs fn in a
// read-committed transaction and wraps a begin failure as an INTERNAL
// apperr.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "begin tx", err)
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
	return fn(tx)
}

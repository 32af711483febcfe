// Package control implements the manual control surface: pause, resume,
// retry, and replay, each audited, plus the in-memory mode registry
// the milestone processor consults before running a side effect.
package control

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/chaincontest/indexer-core/internal/apperr"
	"github.com/chaincontest/indexer-core/internal/httputil"
	"github.com/chaincontest/indexer-core/internal/indexer/event"
	"github.com/chaincontest/indexer-core/internal/indexer/milestone"
	"github.com/chaincontest/indexer-core/internal/indexer/queue"
	"github.com/chaincontest/indexer-core/internal/indexer/registry"
	"github.com/chaincontest/indexer-core/internal/indexer/replay"
	"github.com/chaincontest/indexer-core/internal/telemetry"
	"github.com/sirupsen/logrus"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Mode is a stream's control-plane-visible operating mode.
type Mode string

const (
	ModeLive   Mode = "live"
	ModePaused Mode = "paused"
)

// ModeRegistry is the in-memory pause/resume state the milestone processor
// consults on every job. It is the live source of truth;
// ingestion_streams.state is its durable mirror.
type ModeRegistry struct {
	mu     sync.RWMutex
	paused map[registry.Key]bool
}

// NewModeRegistry constructs an empty ModeRegistry (everything live).
func NewModeRegistry() *ModeRegistry {
	return &ModeRegistry{paused: make(map[registry.Key]bool)}
}

// IsPaused implements milestone.ModeChecker.
func (m *ModeRegistry) IsPaused(contestID string, chainID int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused[registry.Key{ContestID: contestID, ChainID: chainID}]
}

func (m *ModeRegistry) set(contestID string, chainID int, paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := registry.Key{ContestID: contestID, ChainID: chainID}
	if paused {
		m.paused[key] = true
	} else {
		delete(m.paused, key)
	}
}

// Preload seeds the registry from the stream snapshot at startup, so a
// stream already paused in the database starts paused in memory too.
func (m *ModeRegistry) Preload(streams []registry.Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range streams {
		m.paused[s.Key()] = s.State == registry.StatePaused
	}
}

// Mode summarizes the registry for the health snapshot: "paused" if any
// tracked stream is currently paused, "live" otherwise.
func (m *ModeRegistry) Mode() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, paused := range m.paused {
		if paused {
			return "paused"
		}
	}
	return "live"
}

// AuditEntry is one row of control_audit_log.
type AuditEntry struct {
	ContestID string
	ChainID   int
	Action    string
	Actor     string
	Reason    string
	Details   map[string]interface{}
}

// AuditStore persists control-plane actions.
type AuditStore interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// PostgresAuditStore writes to control_audit_log.
type PostgresAuditStore struct {
	db *sql.DB
}

// NewPostgresAuditStore constructs a PostgresAuditStore.
func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (s *PostgresAuditStore) Record(ctx context.Context, entry AuditEntry) error {
	body, _ := json.Marshal(entry.Details)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO control_audit_log (contest_id, chain_id, action, actor, reason, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, entry.ContestID, entry.ChainID, entry.Action, entry.Actor, entry.Reason, body)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "write audit log entry", err)
	}
	return nil
}

// StreamStateStore is the durable mirror of a stream's control-plane state.
type StreamStateStore interface {
	SetState(ctx context.Context, contestID string, chainID int, state registry.StreamState) error
}

// PostgresStreamStateStore updates ingestion_streams.state.
type PostgresStreamStateStore struct {
	db *sql.DB
}

// NewPostgresStreamStateStore constructs a PostgresStreamStateStore.
func NewPostgresStreamStateStore(db *sql.DB) *PostgresStreamStateStore {
	return &PostgresStreamStateStore{db: db}
}

func (s *PostgresStreamStateStore) SetState(ctx context.Context, contestID string, chainID int, state registry.StreamState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ingestion_streams SET state=$1, updated_at=now() WHERE contest_id=$2 AND chain_id=$3
	`, state, contestID, chainID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "update stream state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "rows affected", err)
	}
	if n == 0 {
		return apperr.NotFound("ingestion_stream", fmt.Sprintf("%s/%d", contestID, chainID))
	}
	return nil
}

// Plane wires the control operations together.
type Plane struct {
	reg         *registry.Registry
	streamState StreamStateStore
	mode        *ModeRegistry
	audit       AuditStore
	milestones  *milestone.Store
	queue       *queue.Queue
	replay      *replay.Engine
	snapshots   *telemetry.SnapshotStore
	log         *logrus.Entry
}

// New constructs a Plane.
func New(reg *registry.Registry, streamState StreamStateStore, mode *ModeRegistry, audit AuditStore, milestones *milestone.Store, q *queue.Queue, replayEngine *replay.Engine, snapshots *telemetry.SnapshotStore, log *logrus.Entry) *Plane {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Plane{reg: reg, streamState: streamState, mode: mode, audit: audit, milestones: milestones, queue: q, replay: replayEngine, snapshots: snapshots, log: log}
}

// Pause sets a stream to paused, durably and in the mode registry consulted
// by the milestone processor.
func (p *Plane) Pause(ctx context.Context, contestID string, chainID int, actor, reason string) error {
	if err := p.streamState.SetState(ctx, contestID, chainID, registry.StatePaused); err != nil {
		return err
	}
	p.mode.set(contestID, chainID, true)
	return p.audit.Record(ctx, AuditEntry{ContestID: contestID, ChainID: chainID, Action: "pause", Actor: actor, Reason: reason})
}

// Resume sets a stream back to live.
func (p *Plane) Resume(ctx context.Context, contestID string, chainID int, actor, reason string) error {
	if err := p.streamState.SetState(ctx, contestID, chainID, registry.StateLive); err != nil {
		return err
	}
	p.mode.set(contestID, chainID, false)
	return p.audit.Record(ctx, AuditEntry{ContestID: contestID, ChainID: chainID, Action: "resume", Actor: actor, Reason: reason})
}

// RetryRequest is the POST /v1/tasks/milestones/actions/retry body.
type RetryRequest struct {
	ContestID      string              `json:"contestId"`
	ChainID        int                 `json:"chainId"`
	Milestone      event.MilestoneKind `json:"milestone"`
	SourceTxHash   string              `json:"sourceTxHash"`
	SourceLogIndex int64               `json:"sourceLogIndex"`
	Actor          string              `json:"actor"`
	Reason         string              `json:"reason,omitempty"`
}

func (r RetryRequest) idempotencyKey() string {
	return event.MilestonePayload{
		ContestID: r.ContestID, ChainID: r.ChainID, Milestone: r.Milestone,
		SourceTxHash: r.SourceTxHash, SourceLogIndex: r.SourceLogIndex,
	}.IdempotencyKey()
}

// Retry requeues an existing milestone job for redelivery. Calling it twice
// with an identical body is idempotent on the ledger: the second call finds
// the same row and requeues the same underlying job rather than creating a
// new one.
func (p *Plane) Retry(ctx context.Context, req RetryRequest) error {
	if req.ContestID == "" || req.ChainID < 0 || req.Actor == "" {
		return apperr.InputInvalid("contestId/chainId/actor", "required")
	}
	if !txHashPattern.MatchString(req.SourceTxHash) {
		return apperr.InputInvalid("sourceTxHash", "must be a 32-byte hex string")
	}
	if req.SourceLogIndex < 0 {
		return apperr.InputInvalid("sourceLogIndex", "must be >= 0")
	}

	key := req.idempotencyKey()
	execution, ok, err := p.milestones.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("milestone_execution", key)
	}

	requeued, err := p.queue.RequeueByDedupeKey(ctx, queue.QueueMilestone, key)
	if err != nil {
		return err
	}
	if !requeued {
		payload := event.MilestonePayload{
			ContestID: req.ContestID, ChainID: req.ChainID, Milestone: req.Milestone,
			SourceTxHash: req.SourceTxHash, SourceLogIndex: req.SourceLogIndex,
			SourceBlockNumber: event.BlockNumber(execution.SourceBlockNumber), Payload: execution.Payload,
		}
		if _, err := p.queue.Publish(ctx, queue.QueueMilestone, payload, queue.PublishOptions{DedupeKey: key}); err != nil {
			return err
		}
	}

	return p.audit.Record(ctx, AuditEntry{
		ContestID: req.ContestID, ChainID: req.ChainID, Action: "retry", Actor: req.Actor, Reason: req.Reason,
		Details: map[string]interface{}{"idempotencyKey": key, "milestone": req.Milestone},
	})
}

// ModeRequest is the POST /v1/tasks/milestones/actions/mode body.
type ModeRequest struct {
	ContestID string `json:"contestId"`
	ChainID   int    `json:"chainId"`
	Mode      Mode   `json:"mode"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason,omitempty"`
}

// SetMode validates and applies a mode change, used by the HTTP handler.
func (p *Plane) SetMode(ctx context.Context, req ModeRequest) (Mode, error) {
	switch req.Mode {
	case ModeLive:
		if err := p.Resume(ctx, req.ContestID, req.ChainID, req.Actor, req.Reason); err != nil {
			return "", err
		}
	case ModePaused:
		if err := p.Pause(ctx, req.ContestID, req.ChainID, req.Actor, req.Reason); err != nil {
			return "", err
		}
	default:
		return "", apperr.InputInvalid("mode", `must be "live" or "paused"`)
	}
	return req.Mode, nil
}

// ReplayRequest is the POST /v1/indexer/replays body. fromBlock/toBlock
// arrive as numeric strings to preserve 64-bit precision across the JSON
// boundary.
type ReplayRequest struct {
	ContestID string `json:"contestId"`
	ChainID   int    `json:"chainId"`
	FromBlock string `json:"fromBlock"`
	ToBlock   string `json:"toBlock"`
	Reason    string `json:"reason"`
	Actor     string `json:"actor,omitempty"`
}

// ReplayResponse is the 202 body for POST /v1/indexer/replays.
type ReplayResponse struct {
	JobID          string `json:"jobId"`
	ScheduledRange [2]string `json:"scheduledRange"`
}

// Replay validates and runs a bounded replay.
func (p *Plane) Replay(ctx context.Context, req ReplayRequest) (ReplayResponse, error) {
	from, err := strconv.ParseUint(req.FromBlock, 10, 64)
	if err != nil {
		return ReplayResponse{}, apperr.InputInvalid("fromBlock", "must be a numeric string")
	}
	to, err := strconv.ParseUint(req.ToBlock, 10, 64)
	if err != nil {
		return ReplayResponse{}, apperr.InputInvalid("toBlock", "must be a numeric string")
	}
	if to < from {
		return ReplayResponse{}, apperr.InputInvalid("toBlock", "must be >= fromBlock")
	}

	stream, ok := p.reg.Get(req.ContestID, req.ChainID)
	if !ok {
		return ReplayResponse{}, apperr.NotFound("ingestion_stream", fmt.Sprintf("%s/%d", req.ContestID, req.ChainID))
	}

	actor := req.Actor
	if actor == "" {
		actor = "control-plane"
	}

	jobID, err := p.replay.Replay(ctx, stream, from, to, req.Reason, actor)
	if err != nil {
		return ReplayResponse{}, err
	}
	if err := p.audit.Record(ctx, AuditEntry{ContestID: req.ContestID, ChainID: req.ChainID, Action: "replay", Actor: actor, Reason: req.Reason}); err != nil {
		return ReplayResponse{}, err
	}

	return ReplayResponse{JobID: jobID, ScheduledRange: [2]string{req.FromBlock, req.ToBlock}}, nil
}

// StreamSummary is one row of GET /v1/indexer/status.
type StreamSummary struct {
	ContestID   string `json:"contestId"`
	ChainID     int    `json:"chainId"`
	State       string `json:"state"`
	ActiveRPC   string `json:"activeRpc,omitempty"`
	ErrorStreak int    `json:"errorStreak"`
	LagBlocks   int64  `json:"lagBlocks"`
}

// Status returns a summary of every tracked stream.
func (p *Plane) Status(ctx context.Context) []StreamSummary {
	streams := p.reg.List()
	out := make([]StreamSummary, 0, len(streams))
	for _, s := range streams {
		out = append(out, StreamSummary{
			ContestID: s.ContestID, ChainID: s.ChainID, State: string(s.State),
			ActiveRPC: s.ActiveRPC, ErrorStreak: s.ErrorStreak, LagBlocks: s.LagBlocks,
		})
	}
	return out
}

// TaskStatus returns the accumulated queue health snapshot.
func (p *Plane) TaskStatus() telemetry.HealthSnapshot {
	return p.snapshots.Snapshot(p.mode.Mode(), nil)
}

// HealthResponse is the GET /healthz body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Reasons   []string  `json:"reasons"`
	Timestamp time.Time `json:"timestamp"`
}

// Healthz pings the database and reports process health.
func (p *Plane) Healthz(ctx context.Context, db *sql.DB) HealthResponse {
	reasons := []string{}
	status := "ok"
	if err := db.PingContext(ctx); err != nil {
		status = "degraded"
		reasons = append(reasons, "database unreachable: "+err.Error())
	}
	return HealthResponse{Status: status, Reasons: reasons, Timestamp: time.Now()}
}

// RegisterRoutes mounts every control-plane endpoint on mux.
func (p *Plane) RegisterRoutes(mux *http.ServeMux, db *sql.DB) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := p.Healthz(r.Context(), db)
		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, status, resp)
	})

	mux.Handle("/metrics", telemetry.Handler())

	mux.HandleFunc("/v1/indexer/status", httputil.HandleNoBody(p.log, func(r *http.Request) ([]StreamSummary, error) {
		return p.Status(r.Context()), nil
	}))

	mux.HandleFunc("/v1/indexer/replays", httputil.HandleJSON(p.log, http.StatusAccepted, func(r *http.Request, req *ReplayRequest) (ReplayResponse, error) {
		return p.Replay(r.Context(), *req)
	}))

	mux.HandleFunc("/v1/tasks/status", httputil.HandleNoBody(p.log, func(r *http.Request) (telemetry.HealthSnapshot, error) {
		return p.TaskStatus(), nil
	}))

	mux.HandleFunc("/v1/tasks/milestones/actions/retry", httputil.HandleJSON(p.log, http.StatusAccepted, func(r *http.Request, req *RetryRequest) (struct{}, error) {
		return struct{}{}, p.Retry(r.Context(), *req)
	}))

	mux.HandleFunc("/v1/tasks/milestones/actions/mode", httputil.HandleJSON(p.log, http.StatusOK, func(r *http.Request, req *ModeRequest) (map[string]Mode, error) {
		mode, err := p.SetMode(r.Context(), *req)
		if err != nil {
			return nil, err
		}
		return map[string]Mode{"mode": mode}, nil
	}))
}

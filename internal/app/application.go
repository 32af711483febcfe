// Package app builds the indexer core's root object: every component from
// C1 through C12 wired once, by reference, behind the system.Manager
// lifecycle cmd/indexercore drives. Nothing here is a singleton global;
// cmd/indexercore constructs exactly one Application and passes it down.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chaincontest/indexer-core/internal/apperr"
	"github.com/chaincontest/indexer-core/internal/config"
	"github.com/chaincontest/indexer-core/internal/indexer/control"
	"github.com/chaincontest/indexer-core/internal/indexer/event"
	"github.com/chaincontest/indexer-core/internal/indexer/gateway"
	"github.com/chaincontest/indexer-core/internal/indexer/liveloop"
	"github.com/chaincontest/indexer-core/internal/indexer/milestone"
	"github.com/chaincontest/indexer-core/internal/indexer/queue"
	"github.com/chaincontest/indexer-core/internal/indexer/reconcile"
	"github.com/chaincontest/indexer-core/internal/indexer/registry"
	"github.com/chaincontest/indexer-core/internal/indexer/replay"
	"github.com/chaincontest/indexer-core/internal/indexer/rpcpool"
	"github.com/chaincontest/indexer-core/internal/indexer/writer"
	"github.com/chaincontest/indexer-core/internal/platform/database"
	"github.com/chaincontest/indexer-core/internal/platform/migrations"
	"github.com/chaincontest/indexer-core/internal/platform/system"
	"github.com/chaincontest/indexer-core/internal/telemetry"
)

// Application is the root object: every per-component constructor call the
// process makes, wired once and held by reference. It has no ambient
// globals; every field here is passed explicitly to whatever needs it.
type Application struct {
	Config *config.Config
	DB     *sql.DB
	Log    *logrus.Entry

	Metrics   *telemetry.Metrics
	Snapshots *telemetry.SnapshotStore

	Registry *registry.Registry
	RPCPool  *rpcpool.Pool
	Gateway  *gateway.Gateway
	Writer   *writer.Writer
	Queue    *queue.Queue

	MilestoneStore     *milestone.Store
	MilestoneProcessor *milestone.Processor
	ReconcileStore     *reconcile.Store
	ReconcileProcessor *reconcile.Processor
	ReplayEngine       *replay.Engine
	ReplayScheduler    *replay.Scheduler
	LiveLoop           *liveloop.Loop

	Mode         *control.ModeRegistry
	Audit        *control.PostgresAuditStore
	StreamState  *control.PostgresStreamStateStore
	ControlPlane *control.Plane

	httpServer *http.Server
	manager    *system.Manager
}

// New opens the database, applies migrations, and constructs every
// component in dependency order, attaching each long-running one to the
// root system.Manager. It does not start anything; call Run for that.
func New(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*Application, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrations.Apply(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	a := &Application{Config: cfg, DB: db, Log: log}

	a.Metrics = telemetry.New()
	a.Snapshots = telemetry.NewSnapshotStore()

	store := registry.NewPostgresStore(db)
	a.Registry = registry.New(store, log.WithField("component", "registry"))
	a.Registry.Reload(ctx)

	var rpcConfigs []rpcpool.Config
	for _, chain := range cfg.RPCs {
		endpoints := make([]rpcpool.Endpoint, 0, len(chain.Endpoints))
		for _, ep := range chain.Endpoints {
			enabled := true
			if ep.Enabled != nil {
				enabled = *ep.Enabled
			}
			endpoints = append(endpoints, rpcpool.Endpoint{
				ID:       ep.ID,
				URL:      ep.URL,
				Priority: ep.Priority,
				Enabled:  enabled,
			})
		}
		failureThreshold := cfg.RPCFailureThreshold
		cooldown := cfg.RPCCooldown
		rpcConfigs = append(rpcConfigs, rpcpool.Config{
			ChainID:          chain.ChainID,
			Endpoints:        endpoints,
			FailureThreshold: failureThreshold,
			Cooldown:         cooldown,
		})
	}
	a.RPCPool = rpcpool.New(rpcConfigs, a.Metrics, log.WithField("component", "rpcpool"))

	a.Gateway = gateway.New(a.RPCPool, &gateway.HTTPJSONRPCClient{}, cfg.MaxBatchSize, log.WithField("component", "gateway"))
	a.Writer = writer.New(db, log.WithField("component", "writer"))
	a.Queue = queue.New(db, a.Metrics, log.WithField("component", "queue"))
	a.Queue.AttachSnapshots(a.Snapshots)

	a.Mode = control.NewModeRegistry()
	a.Mode.Preload(a.Registry.List())
	a.Audit = control.NewPostgresAuditStore(db)
	a.StreamState = control.NewPostgresStreamStateStore(db)

	a.MilestoneStore = milestone.NewStore(db)
	a.MilestoneProcessor = milestone.NewProcessor(db, milestone.NoopValidator{}, a.Mode, milestone.NoopSideEffect{}, 5, log.WithField("component", "milestone"))
	a.Queue.RegisterWorker(queue.QueueMilestone, a.MilestoneProcessor.Handle, queue.WorkerOptions{Concurrency: 5})

	a.ReconcileStore = reconcile.NewStore(db)
	a.ReconcileProcessor = reconcile.NewProcessor(db, reconcile.NoopNotificationDispatcher{}, log.WithField("component", "reconcile"))
	a.Queue.RegisterWorker(queue.QueueReconcile, a.ReconcileProcessor.Handle, queue.WorkerOptions{Concurrency: 2})

	baseline := replay.NewPostgresBaselineReader(db)
	a.ReplayEngine = replay.New(a.Gateway, a.Writer, baseline, a.Queue, log.WithField("component", "replay"))
	a.ReplayScheduler = replay.NewScheduler(a.ReplayEngine, &gatewayHeadResolver{gw: a.Gateway, reg: a.Registry}, log.WithField("component", "replay-scheduler"))

	a.LiveLoop = liveloop.New(
		a.Registry,
		a.Gateway,
		a.Writer,
		&milestonePublisher{q: a.Queue},
		&autoPauseStore{streamState: a.StreamState, audit: a.Audit, mode: a.Mode},
		a.Metrics,
		liveloop.Config{
			PollInterval: cfg.PollInterval,
			MaxBatchSize: cfg.MaxBatchSize,
		},
		log.WithField("component", "liveloop"),
	)

	a.ControlPlane = control.New(a.Registry, a.StreamState, a.Mode, a.Audit, a.MilestoneStore, a.Queue, a.ReplayEngine, a.Snapshots, log.WithField("component", "control"))

	mux := http.NewServeMux()
	a.ControlPlane.RegisterRoutes(mux, db)
	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.manager = system.NewManager(log.WithField("component", "system-manager"))
	a.manager.Register(a.Queue)
	a.manager.Register(a.LiveLoop)
	a.manager.Register(a.ReplayScheduler)
	a.manager.Register(&registryRefresher{reg: a.Registry, interval: cfg.RegistryRefreshInterval})
	a.manager.Register(&httpService{server: a.httpServer, log: log.WithField("component", "http")})

	return a, nil
}

// Run starts every registered component and blocks until ctx is cancelled,
// then stops everything in reverse, bounded by a fixed shutdown grace
// period so a wedged component cannot hang the process forever.
func (a *Application) Run(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	a.Log.Info("shutdown signal received, draining")

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*a.Config.PollInterval)
	defer cancel()
	return a.manager.Stop(stopCtx)
}

// Close releases resources Run does not own (the database pool stays open
// across the manager's own Stop so in-flight transactions can commit).
func (a *Application) Close() error {
	return a.DB.Close()
}

// publisher is the subset of *queue.Queue's Publish call milestonePublisher
// depends on, matching the real method signature so *queue.Queue satisfies
// it directly while keeping the adapter's singleton-key logic independently
// testable against a fake.
type publisher interface {
	Publish(ctx context.Context, queueName string, payload interface{}, opts queue.PublishOptions) (string, error)
}

// milestonePublisher adapts the queue to liveloop.MilestonePublisher.
// Milestone jobs for the same (contestId,chainId) share a singleton key so
// they serialize against each other; different contests never contend.
type milestonePublisher struct {
	q publisher
}

func (m *milestonePublisher) PublishMilestone(ctx context.Context, payload event.MilestonePayload, dedupeKey string) error {
	singletonKey := fmt.Sprintf("%s:%d", payload.ContestID, payload.ChainID)
	_, err := m.q.Publish(ctx, queue.QueueMilestone, payload, queue.PublishOptions{
		DedupeKey:    dedupeKey,
		SingletonKey: singletonKey,
	})
	return err
}

// autoPauseStore adapts control's durable stream-state store and audit log
// to liveloop.StreamStore, so a stream the live loop pauses after repeated
// failures leaves the same durable and audited trail a manual pause through
// the control plane does.
type autoPauseStore struct {
	streamState *control.PostgresStreamStateStore
	audit       *control.PostgresAuditStore
	mode        *control.ModeRegistry
}

func (s *autoPauseStore) Pause(ctx context.Context, contestID string, chainID int, reason string) error {
	if err := s.streamState.SetState(ctx, contestID, chainID, registry.StatePaused); err != nil {
		return err
	}
	s.mode.Preload([]registry.Stream{{ContestID: contestID, ChainID: chainID, State: registry.StatePaused}})
	return s.audit.Record(ctx, control.AuditEntry{
		ContestID: contestID, ChainID: chainID, Action: "auto-pause", Actor: "live-ingestion-loop", Reason: reason,
	})
}

// gatewayHeadResolver answers a scheduled replay's chain-head lookup by
// issuing a pull limited to one event against the first tracked stream on
// that chain, ignoring the events, and reading back the latest block the
// gateway reports.
type gatewayHeadResolver struct {
	gw  *gateway.Gateway
	reg *registry.Registry
}

func (r *gatewayHeadResolver) HeadBlock(ctx context.Context, chainID int) (uint64, error) {
	for _, s := range r.reg.List() {
		if s.ChainID != chainID {
			continue
		}
		result, err := r.gw.PullEvents(ctx, gateway.PullRequest{Stream: s, Limit: 1})
		if err != nil {
			return 0, err
		}
		return result.LatestBlock, nil
	}
	return 0, apperr.NotFound("chain", fmt.Sprintf("%d", chainID))
}

// registryRefresher drives the registry's staleness-bounded reload on a
// fixed tick, matching the registry's own ensureFresh(maxAge) contract.
type registryRefresher struct {
	reg      *registry.Registry
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func (r *registryRefresher) Name() string { return "registry-refresher" }

func (r *registryRefresher) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	interval := r.interval
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.reg.EnsureFresh(runCtx, interval)
			}
		}
	}()
	return nil
}

func (r *registryRefresher) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// httpService wraps the control plane's *http.Server as a system.Service so
// it shuts down through the same bounded-drain path as every other
// long-running component.
type httpService struct {
	server *http.Server
	log    *logrus.Entry
}

func (h *httpService) Name() string { return "http-control-plane" }

func (h *httpService) Start(ctx context.Context) error {
	ln := h.server.Addr
	go func() {
		h.log.WithField("addr", ln).Info("control plane listening")
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.log.WithError(err).Error("http control plane stopped unexpectedly")
		}
	}()
	return nil
}

func (h *httpService) Stop(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// Package liveloop implements the per-stream live ingestion loop (component
// C6): pull -> write -> dispatch milestones, on a per-stream ticker with
// backoff and pause-after-errorStreak failure handling.
package liveloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chaincontest/indexer-core/internal/indexer/event"
	"github.com/chaincontest/indexer-core/internal/indexer/gateway"
	"github.com/chaincontest/indexer-core/internal/indexer/registry"
	"github.com/chaincontest/indexer-core/internal/indexer/writer"
	"github.com/chaincontest/indexer-core/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// GatewayClient is the subset of the chain gateway the loop depends on.
type GatewayClient interface {
	PullEvents(ctx context.Context, req gateway.PullRequest) (gateway.PullResult, error)
}

// WriterClient is the subset of the ingestion writer the loop depends on.
type WriterClient interface {
	WriteBatch(ctx context.Context, contestID string, chainID int, contractAddress string, events []event.Envelope, opts writer.Options) (writer.Result, error)
	ReadCursor(ctx context.Context, chainID int, contractAddress string) (event.Cursor, bool, error)
}

// MilestonePublisher is the subset of the job dispatcher the loop
// depends on to fan out milestone-driving events.
type MilestonePublisher interface {
	PublishMilestone(ctx context.Context, payload event.MilestonePayload, dedupeKey string) error
}

// StreamStore lets the loop persist pause transitions triggered by its own
// failure policy, per the data model's invariant that state transitions to
// paused may originate from the live loop.
type StreamStore interface {
	Pause(ctx context.Context, contestID string, chainID int, reason string) error
}

// Config tunes the loop's scheduling behavior.
type Config struct {
	PollInterval           time.Duration
	MaxBatchSize           int
	StreamFailureThreshold int
	MaxBackoff             time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 6 * time.Second
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 200
	}
	if c.StreamFailureThreshold <= 0 {
		c.StreamFailureThreshold = 10
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	return c
}

// Loop runs one ticker-driven worker per tracked stream.
type Loop struct {
	reg       *registry.Registry
	gw        GatewayClient
	wr        WriterClient
	publisher MilestonePublisher
	streams   StreamStore
	metrics   *telemetry.Metrics
	cfg       Config
	log       *logrus.Entry

	mu      sync.Mutex
	workers map[registry.Key]*streamWorker
}

// New constructs a Loop.
func New(reg *registry.Registry, gw GatewayClient, wr WriterClient, publisher MilestonePublisher, streams StreamStore, metrics *telemetry.Metrics, cfg Config, log *logrus.Entry) *Loop {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Loop{
		reg: reg, gw: gw, wr: wr, publisher: publisher, streams: streams,
		metrics: metrics, cfg: cfg.withDefaults(), log: log,
		workers: make(map[registry.Key]*streamWorker),
	}
}

// Name satisfies the application's lifecycle-managed Service contract.
func (l *Loop) Name() string { return "live-ingestion-loop" }

// Start subscribes to the registry so the worker set tracks every reload:
// new streams start a ticker, removed/paused streams stop theirs.
func (l *Loop) Start(ctx context.Context) error {
	l.reg.Subscribe(func(streams []registry.Stream) {
		l.reconcile(ctx, streams)
	})
	return nil
}

// Stop cancels and waits for every running stream worker, bounded by the
// caller's context.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	workers := make([]*streamWorker, 0, len(l.workers))
	for _, w := range l.workers {
		workers = append(workers, w)
	}
	l.workers = make(map[registry.Key]*streamWorker)
	l.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}

	done := make(chan struct{})
	go func() {
		for _, w := range workers {
			w.wg.Wait()
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

func (l *Loop) reconcile(ctx context.Context, streams []registry.Stream) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[registry.Key]bool, len(streams))
	for _, s := range streams {
		seen[s.Key()] = true
		if s.State != registry.StateLive {
			if w, ok := l.workers[s.Key()]; ok {
				w.stop()
				delete(l.workers, s.Key())
			}
			continue
		}
		if _, ok := l.workers[s.Key()]; ok {
			continue
		}
		w := newStreamWorker(ctx, l, s)
		l.workers[s.Key()] = w
		w.start()
	}

	for k, w := range l.workers {
		if !seen[k] {
			w.stop()
			delete(l.workers, k)
		}
	}
}

// streamWorker owns one stream's single-threaded ticker: its own tick may
// never overlap its own next tick, enforced by using a simple for/select loop
// rather than time.Ticker's lossy fan-out.
type streamWorker struct {
	loop   *Loop
	stream registry.Stream
	cancel context.CancelFunc
	wg     sync.WaitGroup

	errorStreak int
}

func newStreamWorker(ctx context.Context, l *Loop, s registry.Stream) *streamWorker {
	return &streamWorker{loop: l, stream: s}
}

func (w *streamWorker) start() {
	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(runCtx)
	}()
}

func (w *streamWorker) stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *streamWorker) run(ctx context.Context) {
	interval := w.loop.cfg.PollInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			next := w.tickOnce(ctx)
			timer.Reset(next)
		}
	}
}

// tickOnce runs exactly one tick and returns the delay before the next one,
// applying exponential backoff on failure.
func (w *streamWorker) tickOnce(ctx context.Context) time.Duration {
	l := w.loop
	err := Tick(ctx, l.gw, l.wr, l.publisher, l.metrics, w.stream, l.cfg.MaxBatchSize, l.log)
	if err == nil {
		w.errorStreak = 0
		return l.cfg.PollInterval
	}

	w.errorStreak++
	l.log.WithError(err).WithFields(logrus.Fields{
		"contest_id": w.stream.ContestID, "chain_id": w.stream.ChainID, "error_streak": w.errorStreak,
	}).Warn("live ingestion tick failed")

	if w.errorStreak >= l.cfg.StreamFailureThreshold && l.streams != nil {
		if pauseErr := l.streams.Pause(ctx, w.stream.ContestID, w.stream.ChainID, "errorStreak threshold exceeded"); pauseErr != nil {
			l.log.WithError(pauseErr).Error("failed to pause stream after repeated failures")
		}
	}

	backoff := time.Duration(float64(l.cfg.PollInterval) * pow2(w.errorStreak))
	if backoff > l.cfg.MaxBackoff {
		backoff = l.cfg.MaxBackoff
	}
	return backoff
}

func pow2(n int) float64 {
	if n > 20 {
		n = 20
	}
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

// Tick executes a single pull -> write -> dispatch cycle for one stream. It
// is a free function so tests can exercise it without the ticker/goroutine
// scheduling machinery.
func Tick(ctx context.Context, gw GatewayClient, wr WriterClient, publisher MilestonePublisher, metrics *telemetry.Metrics, stream registry.Stream, maxBatch int, log *logrus.Entry) error {
	start := time.Now()

	cur, ok, err := wr.ReadCursor(ctx, stream.ChainID, stream.Addresses.Registrar)
	if err != nil {
		return err
	}
	if !ok {
		cur = event.Cursor{BlockNumber: event.BlockNumber(stream.StartBlock), LogIndex: -1}
	}

	result, err := gw.PullEvents(ctx, gateway.PullRequest{
		Stream: stream,
		Cursor: &cur,
		Limit:  maxBatch,
	})
	if err != nil {
		return err
	}

	writeRes, err := wr.WriteBatch(ctx, stream.ContestID, stream.ChainID, stream.Addresses.Registrar, result.Events, writer.Options{AdvanceCursor: true})
	if err != nil {
		return err
	}

	for _, e := range result.Events {
		milestone, ok := event.MilestoneFor(e.Type)
		if !ok {
			continue
		}
		payload := event.MilestonePayload{
			ContestID:         stream.ContestID,
			ChainID:           stream.ChainID,
			Milestone:         milestone,
			SourceTxHash:      e.TxHash,
			SourceLogIndex:    e.LogIndex,
			SourceBlockNumber: e.BlockNumber,
			Payload:           e.Payload,
		}
		dedupeKey := MilestoneDedupeKey(payload)
		if publisher != nil {
			if pubErr := publisher.PublishMilestone(ctx, payload, dedupeKey); pubErr != nil {
				log.WithError(pubErr).WithField("dedupe_key", dedupeKey).Error("publish milestone failed")
			}
		}
	}

	if metrics != nil {
		chainLabel := fmt.Sprintf("%d", stream.ChainID)
		metrics.IngestionBatchDurationMs.WithLabelValues(stream.ContestID, chainLabel).Observe(float64(time.Since(start).Milliseconds()))
		metrics.IngestionBatchSize.WithLabelValues(stream.ContestID, chainLabel).Observe(float64(len(result.Events)))

		nextCursorBlock := cur.BlockNumber
		if len(result.Events) > 0 {
			nextCursorBlock = event.BlockNumber(writeRes.CursorHeight)
		}
		lag := int64(result.LatestBlock) - int64(nextCursorBlock)
		if lag < 0 {
			lag = 0
		}
		metrics.IngestionLagBlocks.WithLabelValues(stream.ContestID, chainLabel).Set(float64(lag))
	}

	return nil
}

// MilestoneDedupeKey computes the stable dedupe key for a milestone payload,
// shared with the milestone ledger's idempotencyKey for the same fields.
func MilestoneDedupeKey(p event.MilestonePayload) string {
	return p.IdempotencyKey()
}

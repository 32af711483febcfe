package app

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/chaincontest/indexer-core/internal/indexer/control"
	"github.com/chaincontest/indexer-core/internal/indexer/event"
	"github.com/chaincontest/indexer-core/internal/indexer/gateway"
	"github.com/chaincontest/indexer-core/internal/indexer/queue"
	"github.com/chaincontest/indexer-core/internal/indexer/registry"
	"github.com/chaincontest/indexer-core/internal/indexer/rpcpool"
	"github.com/chaincontest/indexer-core/internal/telemetry"
)

type fakePublisher struct {
	queueName string
	payload   interface{}
	opts      queue.PublishOptions
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, payload interface{}, opts queue.PublishOptions) (string, error) {
	f.queueName = queueName
	f.payload = payload
	f.opts = opts
	return "job-1", nil
}

// TestMilestonePublisherUsesContestChainSingletonKey reproduces the
// serialization contract: milestone jobs for the same (contestId,chainId)
// must share a singleton key regardless of which milestone they carry.
func TestMilestonePublisherUsesContestChainSingletonKey(t *testing.T) {
	fake := &fakePublisher{}
	pub := &milestonePublisher{q: fake}

	payload := event.MilestonePayload{ContestID: "c-1", ChainID: 7, Milestone: event.MilestoneSettled}
	err := pub.PublishMilestone(context.Background(), payload, "dk-1")
	require.NoError(t, err)
	require.Equal(t, queue.QueueMilestone, fake.queueName)
	require.Equal(t, "c-1:7", fake.opts.SingletonKey)
	require.Equal(t, "dk-1", fake.opts.DedupeKey)
}

// TestMilestonePublisherSharesSingletonKeyAcrossMilestones confirms two
// different milestone kinds for the same stream still land on the same
// singleton key (the dedupe key differs; the singleton key must not).
func TestMilestonePublisherSharesSingletonKeyAcrossMilestones(t *testing.T) {
	fake := &fakePublisher{}
	pub := &milestonePublisher{q: fake}

	require.NoError(t, pub.PublishMilestone(context.Background(), event.MilestonePayload{ContestID: "c-1", ChainID: 7, Milestone: event.MilestoneSettled}, "dk-settled"))
	firstKey := fake.opts.SingletonKey

	require.NoError(t, pub.PublishMilestone(context.Background(), event.MilestonePayload{ContestID: "c-1", ChainID: 7, Milestone: event.MilestoneRewardReady}, "dk-reward"))
	require.Equal(t, firstKey, fake.opts.SingletonKey)
}

// TestAutoPauseStoreRecordsStateAndAudit reproduces the live loop's
// errorStreak-triggered auto-pause leaving the same durable state
// transition and audit trail a manual pause would.
func TestAutoPauseStoreRecordsStateAndAudit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	streamState := control.NewPostgresStreamStateStore(db)
	audit := control.NewPostgresAuditStore(db)
	mode := control.NewModeRegistry()
	store := &autoPauseStore{streamState: streamState, audit: audit, mode: mode}

	mock.ExpectExec("UPDATE ingestion_streams SET state=\\$1").
		WithArgs(registry.StatePaused, "c-1", 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO control_audit_log").
		WithArgs("c-1", 7, "auto-pause", "live-ingestion-loop", "errorStreak threshold exceeded", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Pause(context.Background(), "c-1", 7, "errorStreak threshold exceeded")
	require.NoError(t, err)
	require.True(t, mode.IsPaused("c-1", 7))
	require.NoError(t, mock.ExpectationsWereMet())
}

type fakeHeadClient struct {
	latest uint64
}

func (f *fakeHeadClient) PullEvents(ctx context.Context, url string, req gateway.PullRequest) (gateway.PullResult, error) {
	return gateway.PullResult{LatestBlock: f.latest}, nil
}

// TestGatewayHeadResolverReadsLatestBlockFromAnyTrackedStream reproduces the
// scheduled-replay path's head lookup: it probes whichever tracked stream
// matches the requested chain and trusts the gateway's LatestBlock.
func TestGatewayHeadResolverReadsLatestBlockFromAnyTrackedStream(t *testing.T) {
	pool := rpcpool.New([]rpcpool.Config{
		{ChainID: 7, Endpoints: []rpcpool.Endpoint{{ID: "p1", URL: "https://p1", Priority: 0, Enabled: true}}, FailureThreshold: 3},
	}, telemetry.NewWithRegistry(prometheus.NewRegistry()), nil)
	gw := gateway.New(pool, &fakeHeadClient{latest: 12345}, 200, nil)

	reg := registry.New(stubStore{streams: []registry.Stream{{ContestID: "c-1", ChainID: 7}}}, nil)
	reg.Reload(context.Background())

	resolver := &gatewayHeadResolver{gw: gw, reg: reg}
	head, err := resolver.HeadBlock(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, uint64(12345), head)
}

// TestGatewayHeadResolverNotFoundForUntrackedChain covers the boundary
// where no tracked stream matches the requested chain.
func TestGatewayHeadResolverNotFoundForUntrackedChain(t *testing.T) {
	reg := registry.New(stubStore{}, nil)
	reg.Reload(context.Background())

	resolver := &gatewayHeadResolver{gw: nil, reg: reg}
	_, err := resolver.HeadBlock(context.Background(), 99)
	require.Error(t, err)
}

type stubStore struct {
	streams []registry.Stream
}

func (s stubStore) ListTrackedStreams(ctx context.Context) ([]registry.Stream, error) {
	return s.streams, nil
}

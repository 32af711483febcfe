package replay

import (
	"context"
	"testing"

	"github.com/chaincontest/indexer-core/internal/indexer/event"
	"github.com/chaincontest/indexer-core/internal/indexer/gateway"
	"github.com/chaincontest/indexer-core/internal/indexer/queue"
	"github.com/chaincontest/indexer-core/internal/indexer/registry"
	"github.com/chaincontest/indexer-core/internal/indexer/writer"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	result gateway.PullResult
}

func (f *fakeGateway) PullEvents(ctx context.Context, req gateway.PullRequest) (gateway.PullResult, error) {
	return f.result, nil
}

type fakeWriter struct {
	events []event.Envelope
	opts   writer.Options
}

func (f *fakeWriter) WriteBatch(ctx context.Context, contestID string, chainID int, contractAddress string, events []event.Envelope, opts writer.Options) (writer.Result, error) {
	f.events = events
	f.opts = opts
	return writer.Result{Status: writer.StatusApplied}, nil
}

type fakeBaseline struct {
	events      []event.Envelope
	hasBaseline bool
}

func (f *fakeBaseline) LoadRange(ctx context.Context, contestID string, chainID int, fromBlock, toBlock uint64) ([]event.Envelope, bool, error) {
	return f.events, f.hasBaseline, nil
}

type fakeQueue struct {
	queueName string
	opts      queue.PublishOptions
	published interface{}
}

func (f *fakeQueue) Publish(ctx context.Context, queueName string, payload interface{}, opts queue.PublishOptions) (string, error) {
	f.queueName = queueName
	f.opts = opts
	f.published = payload
	return "job-1", nil
}

// TestReplayNeverAdvancesCursor covers the replay invariant that a bounded
// replay always writes with AdvanceCursor=false regardless of what the
// gateway returns.
func TestReplayNeverAdvancesCursor(t *testing.T) {
	gw := &fakeGateway{result: gateway.PullResult{Events: []event.Envelope{
		{ChainID: 1, TxHash: "0xa", LogIndex: 0, BlockNumber: 100},
	}}}
	wr := &fakeWriter{}
	baseline := &fakeBaseline{hasBaseline: true}
	q := &fakeQueue{}
	stream := registry.Stream{ContestID: "c-1", ChainID: 1, Addresses: registry.Addresses{Registrar: "0xregistrar"}}

	engine := New(gw, wr, baseline, q, nil)
	reportID, err := engine.Replay(context.Background(), stream, 100, 110, "manual audit", "ops:alice")
	require.NoError(t, err)
	require.NotEmpty(t, reportID)
	require.False(t, wr.opts.AdvanceCursor)
	require.Equal(t, queue.QueueReconcile, q.queueName)
	require.Equal(t, "c-1:1:reconcile", q.opts.SingletonKey)
}

// TestReplayRejectsInvertedRange covers the fromBlock > toBlock edge case.
func TestReplayRejectsInvertedRange(t *testing.T) {
	engine := New(&fakeGateway{}, &fakeWriter{}, &fakeBaseline{}, &fakeQueue{}, nil)
	stream := registry.Stream{ContestID: "c-1", ChainID: 1}
	_, err := engine.Replay(context.Background(), stream, 110, 100, "bad range", "ops:alice")
	require.Error(t, err)
}

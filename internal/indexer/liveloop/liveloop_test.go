package liveloop

import (
	"context"
	"testing"

	"github.com/chaincontest/indexer-core/internal/indexer/event"
	"github.com/chaincontest/indexer-core/internal/indexer/gateway"
	"github.com/chaincontest/indexer-core/internal/indexer/registry"
	"github.com/chaincontest/indexer-core/internal/indexer/writer"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	result gateway.PullResult
	err    error
	calls  int
}

func (f *fakeGateway) PullEvents(ctx context.Context, req gateway.PullRequest) (gateway.PullResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeWriter struct {
	cursor     event.Cursor
	hasCursor  bool
	lastEvents []event.Envelope
	result     writer.Result
	err        error
}

func (f *fakeWriter) ReadCursor(ctx context.Context, chainID int, contractAddress string) (event.Cursor, bool, error) {
	return f.cursor, f.hasCursor, nil
}

func (f *fakeWriter) WriteBatch(ctx context.Context, contestID string, chainID int, contractAddress string, events []event.Envelope, opts writer.Options) (writer.Result, error) {
	f.lastEvents = events
	return f.result, f.err
}

type fakePublisher struct {
	published []event.MilestonePayload
	dedupe    map[string]int
}

func (f *fakePublisher) PublishMilestone(ctx context.Context, payload event.MilestonePayload, dedupeKey string) error {
	if f.dedupe == nil {
		f.dedupe = make(map[string]int)
	}
	f.dedupe[dedupeKey]++
	f.published = append(f.published, payload)
	return nil
}

func evt(block uint64, logIdx int64, txHash string, typ event.Type) event.Envelope {
	return event.Envelope{
		Type:        typ,
		ChainID:     1,
		BlockNumber: event.BlockNumber(block),
		LogIndex:    logIdx,
		TxHash:      txHash,
		Cursor:      event.Cursor{BlockNumber: event.BlockNumber(block), LogIndex: logIdx},
		Payload:     []byte(`{}`),
	}
}

// TestTickColdStart covers a cold-start tick that pulls three events at
// 100#0,100#1,101#0, writes them, and dispatches exactly one "settled"
// milestone for the settlement event in the batch.
func TestTickColdStart(t *testing.T) {
	events := []event.Envelope{
		evt(100, 0, "0xa", event.TypeSettlement),
		evt(100, 1, "0xb", event.TypeRegistration),
		evt(101, 0, "0xc", event.TypeRebalance),
	}
	gw := &fakeGateway{result: gateway.PullResult{Events: events, LatestBlock: 150}}
	wr := &fakeWriter{result: writer.Result{Status: writer.StatusApplied, CursorHeight: 101, CursorLogIndex: 0}}
	pub := &fakePublisher{}
	stream := registry.Stream{ContestID: "c-1", ChainID: 1, Addresses: registry.Addresses{Registrar: "0xregistrar"}}

	err := Tick(context.Background(), gw, wr, pub, nil, stream, 200, nil)
	require.NoError(t, err)
	require.Len(t, wr.lastEvents, 3)
	require.Len(t, pub.published, 1)
	require.Equal(t, event.MilestoneSettled, pub.published[0].Milestone)
}

// TestTickDuplicateDoesNotRepublish covers re-running the same tick
// against a gateway that now returns nothing new (because the writer
// already advanced past it): it must not re-publish any milestone.
func TestTickDuplicateDoesNotRepublish(t *testing.T) {
	gw := &fakeGateway{result: gateway.PullResult{Events: nil, LatestBlock: 150}}
	wr := &fakeWriter{
		cursor:    event.Cursor{BlockNumber: 101, LogIndex: 0},
		hasCursor: true,
		result:    writer.Result{Status: writer.StatusNoop, CursorHeight: 101, CursorLogIndex: 0},
	}
	pub := &fakePublisher{}
	stream := registry.Stream{ContestID: "c-1", ChainID: 1, Addresses: registry.Addresses{Registrar: "0xregistrar"}}

	err := Tick(context.Background(), gw, wr, pub, nil, stream, 200, nil)
	require.NoError(t, err)
	require.Empty(t, pub.published)
}

func TestMilestoneDedupeKeyStableAcrossCalls(t *testing.T) {
	p := event.MilestonePayload{ContestID: "c-1", ChainID: 1, Milestone: event.MilestoneSettled, SourceTxHash: "0xa", SourceLogIndex: 0}
	require.Equal(t, MilestoneDedupeKey(p), MilestoneDedupeKey(p))
	require.Equal(t, p.IdempotencyKey(), MilestoneDedupeKey(p))
}

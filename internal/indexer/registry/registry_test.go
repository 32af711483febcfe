package registry

import (
	"context"
	"errors"
	"testing"
)

type fakeStore struct {
	streams []Stream
	err     error
}

func (f *fakeStore) ListTrackedStreams(ctx context.Context) ([]Stream, error) {
	return f.streams, f.err
}

func TestReloadSwapsSnapshot(t *testing.T) {
	store := &fakeStore{streams: []Stream{
		{ContestID: "c-1", ChainID: 1, State: StateLive},
	}}
	r := New(store, nil)
	r.Reload(context.Background())

	s, ok := r.Get("c-1", 1)
	if !ok {
		t.Fatal("expected stream c-1/1 to be tracked")
	}
	if s.State != StateLive {
		t.Fatalf("expected live state, got %s", s.State)
	}
}

func TestReloadFailureKeepsLastSnapshot(t *testing.T) {
	store := &fakeStore{streams: []Stream{{ContestID: "c-1", ChainID: 1}}}
	r := New(store, nil)
	r.Reload(context.Background())

	store.err = errors.New("db unreachable")
	store.streams = nil
	r.Reload(context.Background())

	if _, ok := r.Get("c-1", 1); !ok {
		t.Fatal("expected last-known snapshot to survive a failed reload")
	}
}

func TestSubscribeReceivesSnapshotImmediatelyAndOnReload(t *testing.T) {
	store := &fakeStore{streams: []Stream{{ContestID: "c-1", ChainID: 1}}}
	r := New(store, nil)
	r.Reload(context.Background())

	var calls int
	var lastLen int
	r.Subscribe(func(streams []Stream) {
		calls++
		lastLen = len(streams)
	})
	if calls != 1 || lastLen != 1 {
		t.Fatalf("expected immediate invocation with 1 stream, got calls=%d len=%d", calls, lastLen)
	}

	store.streams = append(store.streams, Stream{ContestID: "c-2", ChainID: 1})
	r.Reload(context.Background())
	if calls != 2 || lastLen != 2 {
		t.Fatalf("expected second invocation with 2 streams, got calls=%d len=%d", calls, lastLen)
	}
}

func TestEnsureFreshSkipsWhenNotStale(t *testing.T) {
	store := &fakeStore{streams: []Stream{{ContestID: "c-1", ChainID: 1}}}
	r := New(store, nil)
	r.Reload(context.Background())

	store.streams = nil
	r.EnsureFresh(context.Background(), 1<<62) // effectively "never stale"
	if _, ok := r.Get("c-1", 1); !ok {
		t.Fatal("expected EnsureFresh to skip reload when snapshot is fresh")
	}
}

package system

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeService struct {
	name        string
	startErr    error
	stopErr     error
	started     bool
	stopped     bool
	startOrder  *[]string
	stopOrder   *[]string
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	if f.startOrder != nil {
		*f.startOrder = append(*f.startOrder, f.name)
	}
	return nil
}

func (f *fakeService) Stop(ctx context.Context) error {
	f.stopped = true
	if f.stopOrder != nil {
		*f.stopOrder = append(*f.stopOrder, f.name)
	}
	return f.stopErr
}

func TestManagerStartsInOrderStopsInReverse(t *testing.T) {
	var order []string
	a := &fakeService{name: "a", startOrder: &order, stopOrder: &order}
	b := &fakeService{name: "b", startOrder: &order, stopOrder: &order}

	m := NewManager(nil)
	m.Register(a)
	m.Register(b)

	require.NoError(t, m.Start(context.Background()))
	require.Equal(t, []string{"a", "b"}, order)

	order = nil
	require.NoError(t, m.Stop(context.Background()))
	require.Equal(t, []string{"b", "a"}, order)
}

func TestManagerStartFailureStopsWhatAlreadyStarted(t *testing.T) {
	a := &fakeService{name: "a"}
	b := &fakeService{name: "b", startErr: errors.New("boom")}

	m := NewManager(nil)
	m.Register(a)
	m.Register(b)

	err := m.Start(context.Background())
	require.Error(t, err)
	require.True(t, a.started)
	require.True(t, a.stopped)
	require.False(t, b.started)
}

func TestManagerStopCollectsFirstErrorButStopsEveryService(t *testing.T) {
	a := &fakeService{name: "a", stopErr: errors.New("a failed to stop")}
	b := &fakeService{name: "b"}

	m := NewManager(nil)
	m.Register(a)
	m.Register(b)
	require.NoError(t, m.Start(context.Background()))

	err := m.Stop(context.Background())
	require.Error(t, err)
	require.True(t, a.stopped)
	require.True(t, b.stopped)
}

func TestManagerStopWithNoStartedServicesIsNoop(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Stop(context.Background()))
}

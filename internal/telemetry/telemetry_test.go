package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestIngestionLagBlocksGauge(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())
	m.IngestionLagBlocks.WithLabelValues("c-1", "1").Set(42)

	metric := &dto.Metric{}
	if err := m.IngestionLagBlocks.WithLabelValues("c-1", "1").Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if metric.GetGauge().GetValue() != 42 {
		t.Fatalf("expected gauge 42, got %v", metric.GetGauge().GetValue())
	}
}

func TestRPCSwitchCounterIncrements(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())
	m.RPCSwitchTotal.WithLabelValues("1", "p1", "p2").Inc()
	m.RPCSwitchTotal.WithLabelValues("1", "p1", "p2").Inc()

	metric := &dto.Metric{}
	if err := m.RPCSwitchTotal.WithLabelValues("1", "p1", "p2").Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if metric.GetCounter().GetValue() != 2 {
		t.Fatalf("expected counter 2, got %v", metric.GetCounter().GetValue())
	}
}

func TestSnapshotStoreAggregatesQueues(t *testing.T) {
	s := NewSnapshotStore()
	s.UpdateQueue(QueueSnapshot{Name: "indexer.milestone", Pending: 3})
	s.UpdateQueue(QueueSnapshot{Name: "indexer.reconcile", Pending: 1})

	snap := s.Snapshot("live", nil)
	if len(snap.Queues) != 2 {
		t.Fatalf("expected 2 queues, got %d", len(snap.Queues))
	}
	if snap.Mode != "live" {
		t.Fatalf("expected mode live, got %s", snap.Mode)
	}
	if snap.ActiveAlerts == nil {
		t.Fatalf("expected ActiveAlerts to default to empty slice, not nil")
	}
}

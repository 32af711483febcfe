// Package system provides the lifecycle contract every long-running
// component of the indexer core attaches to: a named Start/Stop pair the
// root application drives in sequence at startup and in reverse at
// shutdown. It has no teacher analogue to adapt from directly (the
// retrieved lineage only exposed the consuming interface, not a concrete
// manager), so it is authored fresh in the same shape the rest of the
// codebase expects: bounded, context-aware, safe to call Stop on a
// component that never started.
package system

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Service is one long-running component: a live-ingestion loop, a queue's
// worker pool, or the HTTP control-plane listener.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager starts every registered Service in registration order and stops
// them in reverse, so dependents shut down before their dependencies.
type Manager struct {
	services []Service
	started  []Service
	log      *logrus.Entry
}

// NewManager constructs an empty Manager.
func NewManager(log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{log: log}
}

// Register adds svc to the managed set. Call before Start.
func (m *Manager) Register(svc Service) {
	m.services = append(m.services, svc)
}

// Start starts every registered service in order, stopping whatever already
// started if one of them fails.
func (m *Manager) Start(ctx context.Context) error {
	for _, svc := range m.services {
		m.log.WithField("service", svc.Name()).Info("starting service")
		if err := svc.Start(ctx); err != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			m.stopStarted(stopCtx)
			cancel()
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		m.started = append(m.started, svc)
	}
	return nil
}

// Stop stops every started service in reverse order, collecting (not
// short-circuiting on) individual failures.
func (m *Manager) Stop(ctx context.Context) error {
	return m.stopStarted(ctx)
}

func (m *Manager) stopStarted(ctx context.Context) error {
	var firstErr error
	for i := len(m.started) - 1; i >= 0; i-- {
		svc := m.started[i]
		m.log.WithField("service", svc.Name()).Info("stopping service")
		if err := svc.Stop(ctx); err != nil {
			m.log.WithError(err).WithField("service", svc.Name()).Error("service stop failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("stop %s: %w", svc.Name(), err)
			}
		}
	}
	m.started = nil
	return firstErr
}

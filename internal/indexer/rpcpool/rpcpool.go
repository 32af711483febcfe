// Package rpcpool implements the per-chain RPC endpoint pool: health
// tracking and automatic failover.
package rpcpool

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/chaincontest/indexer-core/internal/apperr"
	"github.com/chaincontest/indexer-core/internal/telemetry"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Endpoint is one RPC URL within a chain's pool.
type Endpoint struct {
	ID            string
	URL           string
	Priority      int
	Enabled       bool
	FailCount     int
	LastSuccessAt time.Time
	CooldownUntil time.Time

	// RateLimitPerSecond bounds outbound calls issued against this endpoint.
	// Zero means unlimited.
	RateLimitPerSecond float64

	limiter *rate.Limiter
}

func (e *Endpoint) cooledDown(now time.Time) bool {
	return e.CooldownUntil.After(now)
}

// SwitchRecord describes an active-endpoint switch emitted by reportFailure.
type SwitchRecord struct {
	ChainID int
	From    string
	To      string
	Reason  string
}

// chainPool is the mutable state for a single chain's endpoint set.
type chainPool struct {
	mu                  sync.Mutex
	endpoints           []*Endpoint
	failureThreshold    int
	cooldown            time.Duration
}

// Pool manages RPC endpoint pools across every configured chain. Only the
// counters/cooldowns mutate; the endpoint list is immutable after
// construction.
type Pool struct {
	mu      sync.RWMutex
	chains  map[int]*chainPool
	metrics *telemetry.Metrics
	log     *logrus.Entry
}

// Config describes one chain's endpoint set at construction time.
type Config struct {
	ChainID             int
	Endpoints           []Endpoint
	FailureThreshold    int
	Cooldown            time.Duration
}

// New constructs a Pool for the given chains.
func New(configs []Config, metrics *telemetry.Metrics, log *logrus.Entry) *Pool {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Pool{chains: make(map[int]*chainPool), metrics: metrics, log: log}
	for _, c := range configs {
		cp := &chainPool{failureThreshold: c.FailureThreshold, cooldown: c.Cooldown}
		for i := range c.Endpoints {
			e := c.Endpoints[i]
			if e.RateLimitPerSecond > 0 {
				e.limiter = rate.NewLimiter(rate.Limit(e.RateLimitPerSecond), int(e.RateLimitPerSecond*2)+1)
			}
			cp.endpoints = append(cp.endpoints, &e)
		}
		sort.SliceStable(cp.endpoints, func(i, j int) bool {
			if cp.endpoints[i].Priority == cp.endpoints[j].Priority {
				return cp.endpoints[i].ID < cp.endpoints[j].ID
			}
			return cp.endpoints[i].Priority < cp.endpoints[j].Priority
		})
		p.chains[c.ChainID] = cp
	}
	return p
}

// Selected identifies the endpoint a caller should use for one call.
type Selected struct {
	EndpointID string
	URL        string
}

// SelectEndpoint returns the enabled endpoint with lowest priority whose
// cooldown has expired. If every endpoint is cooling down, the one with the
// nearest cooldownUntil is returned as a degraded success path, logged at
// warn. Fails with KindChainUnavailable (NO_ENDPOINT_AVAILABLE) when no
// endpoint is enabled at all.
func (p *Pool) SelectEndpoint(chainID int) (Selected, error) {
	cp, ok := p.chain(chainID)
	if !ok {
		return Selected{}, apperr.ChainUnavailable("no endpoint pool configured for chain", 0).WithDetails("chainId", chainID)
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	now := time.Now()
	for _, e := range cp.endpoints {
		if e.Enabled && !e.cooledDown(now) {
			return Selected{EndpointID: e.ID, URL: e.URL}, nil
		}
	}

	var best *Endpoint
	for _, e := range cp.endpoints {
		if !e.Enabled {
			continue
		}
		if best == nil || e.CooldownUntil.Before(best.CooldownUntil) {
			best = e
		}
	}
	if best == nil {
		return Selected{}, apperr.ChainUnavailable("NO_ENDPOINT_AVAILABLE", 1).WithDetails("chainId", chainID)
	}
	p.log.WithFields(logrus.Fields{"chain_id": chainID, "endpoint_id": best.ID}).
		Warn("all endpoints cooling down; using nearest cooldown as degraded success path")
	return Selected{EndpointID: best.ID, URL: best.URL}, nil
}

// Wait blocks until endpointID's outbound call budget admits one more call,
// or ctx is cancelled. Endpoints with no configured rate limit return
// immediately.
func (p *Pool) Wait(ctx context.Context, chainID int, endpointID string) error {
	cp, ok := p.chain(chainID)
	if !ok {
		return nil
	}
	cp.mu.Lock()
	var limiter *rate.Limiter
	for _, e := range cp.endpoints {
		if e.ID == endpointID {
			limiter = e.limiter
			break
		}
	}
	cp.mu.Unlock()
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// ReportSuccess clears the failure streak for an endpoint.
func (p *Pool) ReportSuccess(chainID int, endpointID string) {
	cp, ok := p.chain(chainID)
	if !ok {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for _, e := range cp.endpoints {
		if e.ID == endpointID {
			e.FailCount = 0
			e.LastSuccessAt = time.Now()
			return
		}
	}
}

// ReportFailure increments the failure streak for an endpoint. Once the
// streak reaches the chain's failure threshold, the endpoint enters cooldown
// and a SwitchRecord is returned describing the handoff to the next-priority
// endpoint (nil if no other endpoint is available to switch to).
func (p *Pool) ReportFailure(chainID int, endpointID, reason string) *SwitchRecord {
	cp, ok := p.chain(chainID)
	if !ok {
		return nil
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RPCFailuresTotal.WithLabelValues(strconv.Itoa(chainID), reason).Inc()
	}

	var failed *Endpoint
	for _, e := range cp.endpoints {
		if e.ID == endpointID {
			failed = e
			break
		}
	}
	if failed == nil {
		return nil
	}

	failed.FailCount++
	if failed.FailCount < cp.failureThreshold {
		return nil
	}

	failed.CooldownUntil = time.Now().Add(cp.cooldown)

	now := time.Now()
	var next *Endpoint
	for _, e := range cp.endpoints {
		if e.ID == failed.ID {
			continue
		}
		if e.Enabled && !e.cooledDown(now) {
			if next == nil || e.Priority < next.Priority {
				next = e
			}
		}
	}
	if next == nil {
		return nil
	}

	if p.metrics != nil {
		p.metrics.RPCSwitchTotal.WithLabelValues(strconv.Itoa(chainID), failed.ID, next.ID).Inc()
	}
	return &SwitchRecord{ChainID: chainID, From: failed.ID, To: next.ID, Reason: reason}
}

// Snapshot returns a copy of every endpoint's state for telemetry, grouped by chain.
func (p *Pool) Snapshot() map[int][]Endpoint {
	p.mu.RLock()
	chains := make([]int, 0, len(p.chains))
	for id := range p.chains {
		chains = append(chains, id)
	}
	p.mu.RUnlock()

	out := make(map[int][]Endpoint, len(chains))
	for _, id := range chains {
		cp := p.chains[id]
		cp.mu.Lock()
		list := make([]Endpoint, 0, len(cp.endpoints))
		for _, e := range cp.endpoints {
			list = append(list, *e)
		}
		cp.mu.Unlock()
		out[id] = list
	}
	return out
}

func (p *Pool) chain(chainID int) (*chainPool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp, ok := p.chains[chainID]
	return cp, ok
}


// Copyright 2025 The Ensemble Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pool manages shared A2A client connections with per-endpoint
// admission control and health tracking.
//
// Callers acquire a Lease before talking to a remote agent. Each endpoint
// holds one shared client guarded by a weighted semaphore: up to
// MaxLeasesPerEndpoint leases run concurrently, up to MaxWaiters callers
// queue behind them, and everyone else is rejected with ErrPoolSaturated.
// A background health checker probes each endpoint's agent card, marks
// unreachable endpoints degraded and then down, and keeps them out of
// rotation until a probe succeeds. Idle endpoints are torn down after
// IdleTTL.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2aclient"
	"golang.org/x/sync/semaphore"

	"github.com/ensembleworks/ensemble/pkg/httpclient"
	"github.com/ensembleworks/ensemble/pkg/observability"
)

// AgentCardPath is the well-known path where A2A servers publish their
// agent card.
const AgentCardPath = "/.well-known/agent-card.json"

const (
	defaultMaxLeases  = 4
	defaultMaxWaiters = 16
	defaultIdleTTL    = 5 * time.Minute
	minMaintainTick   = time.Second
)

var (
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrPoolSaturated is returned when an endpoint's wait queue is full.
	ErrPoolSaturated = errors.New("endpoint wait queue is full")

	// ErrEndpointDown is returned without attempting admission while an
	// endpoint is marked down and its next probe is not yet due.
	ErrEndpointDown = errors.New("endpoint is down")
)

// Client is the slice of the A2A client surface leased callers use.
// *a2aclient.Client satisfies it.
type Client interface {
	SendStreamingMessage(ctx context.Context, params *a2a.MessageSendParams) iter.Seq2[a2a.Event, error]
	GetAgentCard(ctx context.Context) (*a2a.AgentCard, error)
	Destroy() error
}

// Dialer creates the shared client for an endpoint.
type Dialer func(ctx context.Context, endpoint string) (Client, error)

// Config configures a Pool.
type Config struct {
	// MaxLeasesPerEndpoint caps concurrent leases per endpoint.
	// Default: 4.
	MaxLeasesPerEndpoint int

	// MaxWaiters caps callers blocked waiting for a lease on one
	// endpoint. Acquire fails with ErrPoolSaturated once the queue is
	// full. Default: 16.
	MaxWaiters int

	// IdleTTL is how long an endpoint with no leases and no waiters is
	// kept before it is evicted and its client destroyed. Default: 5m.
	IdleTTL time.Duration

	// HealthCheck configures endpoint probing.
	HealthCheck HealthCheckConfig

	// HTTPClient performs card fetches and health probes. Default: a
	// retrying client with standard backoff.
	HTTPClient *httpclient.Client

	// Dialer overrides client construction. Default: resolve the agent
	// card at AgentCardPath and build a client from it.
	Dialer Dialer

	// Probe overrides the health probe. Default: fetch the agent card.
	Probe ProbeFunc

	// Metrics receives admission counts, lease gauges and health
	// transitions.
	Metrics observability.Recorder

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Pool hands out leases on shared per-endpoint A2A clients.
type Pool struct {
	maxLeases  int64
	maxWaiters int
	idleTTL    time.Duration
	dial       Dialer
	http       *httpclient.Client
	checker    *HealthChecker
	metrics    observability.Recorder
	logger     *slog.Logger

	mu        sync.Mutex
	endpoints map[string]*endpoint
	closed    bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// endpoint is the pool's per-URL entry: one shared client, its admission
// semaphore, and health bookkeeping.
type endpoint struct {
	url string
	sem *semaphore.Weighted

	// dialMu serializes client construction so a thundering herd dials
	// once.
	dialMu sync.Mutex

	mu        sync.Mutex
	client    Client
	inUse     int
	waiters   int
	lastUsed  time.Time
	evicted   bool
	health    State
	failures  int
	nextProbe time.Time
	backoff   time.Duration
}

// New creates a Pool and starts its maintenance loop.
func New(cfg Config) (*Pool, error) {
	if cfg.MaxLeasesPerEndpoint < 0 {
		return nil, fmt.Errorf("max leases per endpoint must not be negative, got %d", cfg.MaxLeasesPerEndpoint)
	}
	if cfg.MaxWaiters < 0 {
		return nil, fmt.Errorf("max waiters must not be negative, got %d", cfg.MaxWaiters)
	}
	if cfg.IdleTTL < 0 {
		return nil, fmt.Errorf("idle TTL must not be negative, got %s", cfg.IdleTTL)
	}
	if err := cfg.HealthCheck.validate(); err != nil {
		return nil, err
	}

	maxLeases := cfg.MaxLeasesPerEndpoint
	if maxLeases == 0 {
		maxLeases = defaultMaxLeases
	}
	maxWaiters := cfg.MaxWaiters
	if maxWaiters == 0 {
		maxWaiters = defaultMaxWaiters
	}
	idleTTL := cfg.IdleTTL
	if idleTTL == 0 {
		idleTTL = defaultIdleTTL
	}

	p := &Pool{
		maxLeases:  int64(maxLeases),
		maxWaiters: maxWaiters,
		idleTTL:    idleTTL,
		http:       cfg.HTTPClient,
		metrics:    observability.ForRecorder(cfg.Metrics),
		logger:     cfg.Logger,
		endpoints:  make(map[string]*endpoint),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	if p.http == nil {
		p.http = httpclient.New()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.dial = cfg.Dialer
	if p.dial == nil {
		p.dial = p.dialEndpoint
	}

	if !cfg.HealthCheck.Disabled {
		probe := cfg.Probe
		if probe == nil {
			probe = p.probeCard
		}
		p.checker = NewHealthChecker(cfg.HealthCheck, probe, p.metrics, p.logger)
	}

	go p.run()
	return p, nil
}

// Acquire leases a client slot for the endpoint, creating the endpoint
// entry on first use. It blocks while the endpoint is at capacity and the
// wait queue has room; the context bounds the wait.
func (p *Pool) Acquire(ctx context.Context, endpointURL string) (*Lease, error) {
	for {
		ep, err := p.endpoint(endpointURL)
		if err != nil {
			return nil, err
		}
		lease, retry, err := p.acquireFrom(ctx, ep)
		if retry {
			continue
		}
		return lease, err
	}
}

// endpoint returns the entry for url, creating it when absent.
func (p *Pool) endpoint(url string) (*endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	ep, ok := p.endpoints[url]
	if !ok {
		ep = &endpoint{
			url:      url,
			sem:      semaphore.NewWeighted(p.maxLeases),
			lastUsed: time.Now(),
			health:   StateHealthy,
		}
		p.endpoints[url] = ep
	}
	return ep, nil
}

// acquireFrom admits one caller on ep. retry is true when ep was evicted
// between lookup and admission and the caller should start over.
func (p *Pool) acquireFrom(ctx context.Context, ep *endpoint) (lease *Lease, retry bool, err error) {
	now := time.Now()

	ep.mu.Lock()
	if ep.health == StateDown && now.Before(ep.nextProbe) {
		ep.mu.Unlock()
		p.metrics.RecordPoolAdmission(ep.url, "down")
		return nil, false, fmt.Errorf("endpoint %s: %w", ep.url, ErrEndpointDown)
	}
	if !ep.sem.TryAcquire(1) {
		if ep.waiters >= p.maxWaiters {
			ep.mu.Unlock()
			p.metrics.RecordPoolAdmission(ep.url, "rejected")
			return nil, false, fmt.Errorf("endpoint %s: %w", ep.url, ErrPoolSaturated)
		}
		ep.waiters++
		inUse, waiters := ep.inUse, ep.waiters
		ep.mu.Unlock()
		p.metrics.RecordPoolAdmission(ep.url, "queued")
		p.metrics.SetPoolLeases(ep.url, inUse, waiters)

		// Waiters abort on Close so the drain never queues behind them.
		waitCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-p.stopCh:
				cancel()
			case <-waitCtx.Done():
			}
		}()
		acquireErr := ep.sem.Acquire(waitCtx, 1)
		cancel()
		if acquireErr != nil && ctx.Err() == nil {
			acquireErr = ErrPoolClosed
		}

		ep.mu.Lock()
		ep.waiters--
		if acquireErr != nil {
			inUse, waiters = ep.inUse, ep.waiters
			ep.mu.Unlock()
			p.metrics.SetPoolLeases(ep.url, inUse, waiters)
			return nil, false, acquireErr
		}
	} else {
		p.metrics.RecordPoolAdmission(ep.url, "admitted")
	}

	// The semaphore weight is held; every path below must either hand it
	// to a Lease or give it back.
	if ep.evicted {
		ep.mu.Unlock()
		ep.sem.Release(1)
		return nil, true, nil
	}
	ep.inUse++
	ep.lastUsed = time.Now()
	inUse, waiters := ep.inUse, ep.waiters
	ep.mu.Unlock()

	// Taking p.mu under ep.mu would invert the eviction lock order, so
	// the closed check happens here.
	if p.isClosed() {
		p.release(ep)
		return nil, false, ErrPoolClosed
	}
	p.metrics.SetPoolLeases(ep.url, inUse, waiters)

	client, err := p.leasedClient(ctx, ep)
	if err != nil {
		p.release(ep)
		return nil, false, fmt.Errorf("endpoint %s: %w", ep.url, err)
	}
	return &Lease{pool: p, ep: ep, client: client}, false, nil
}

// leasedClient returns ep's shared client, dialing it under dialMu when
// absent. Dial outcomes feed the health state machine.
func (p *Pool) leasedClient(ctx context.Context, ep *endpoint) (Client, error) {
	ep.dialMu.Lock()
	defer ep.dialMu.Unlock()

	ep.mu.Lock()
	client := ep.client
	ep.mu.Unlock()
	if client != nil {
		return client, nil
	}

	client, err := p.dial(ctx, ep.url)
	if p.checker != nil {
		p.checker.record(ep, err, time.Now())
	}
	if err != nil {
		return nil, err
	}

	ep.mu.Lock()
	ep.client = client
	ep.mu.Unlock()
	return client, nil
}

func (p *Pool) release(ep *endpoint) {
	ep.mu.Lock()
	ep.inUse--
	ep.lastUsed = time.Now()
	inUse, waiters := ep.inUse, ep.waiters
	ep.mu.Unlock()
	ep.sem.Release(1)
	p.metrics.SetPoolLeases(ep.url, inUse, waiters)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// dialEndpoint is the default Dialer: fetch the agent card, build a client
// from it.
func (p *Pool) dialEndpoint(ctx context.Context, endpointURL string) (Client, error) {
	card, err := p.resolveCard(ctx, endpointURL)
	if err != nil {
		return nil, err
	}
	client, err := a2aclient.NewFromCard(ctx, card)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return client, nil
}

// resolveCard fetches and decodes the endpoint's well-known agent card
// through the retrying HTTP client.
func (p *Pool) resolveCard(ctx context.Context, endpointURL string) (*a2a.AgentCard, error) {
	url := strings.TrimSuffix(endpointURL, "/") + AgentCardPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build card request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch agent card: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch agent card: unexpected status %d", resp.StatusCode)
	}
	var card a2a.AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, fmt.Errorf("decode agent card: %w", err)
	}
	return &card, nil
}

// probeCard is the default health probe.
func (p *Pool) probeCard(ctx context.Context, endpointURL string) error {
	_, err := p.resolveCard(ctx, endpointURL)
	return err
}

// run is the maintenance loop: due health probes and idle eviction.
func (p *Pool) run() {
	defer close(p.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.stopCh
		cancel()
	}()

	ticker := time.NewTicker(p.tick())
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.maintain(ctx, time.Now())
		}
	}
}

func (p *Pool) tick() time.Duration {
	tick := p.idleTTL / 2
	if p.checker != nil && p.checker.cfg.Interval < tick {
		tick = p.checker.cfg.Interval
	}
	if tick < minMaintainTick {
		tick = minMaintainTick
	}
	return tick
}

// maintain runs one maintenance pass at the given time.
func (p *Pool) maintain(ctx context.Context, now time.Time) {
	if p.checker != nil {
		for _, ep := range p.snapshot() {
			p.checker.checkDue(ctx, ep, now)
		}
	}
	p.evictIdle(now)
}

func (p *Pool) snapshot() []*endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	eps := make([]*endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		eps = append(eps, ep)
	}
	return eps
}

// evictIdle removes endpoints that have been unused for longer than the
// idle TTL and destroys their clients.
func (p *Pool) evictIdle(now time.Time) {
	var victims []Client

	p.mu.Lock()
	for url, ep := range p.endpoints {
		ep.mu.Lock()
		idle := ep.inUse == 0 && ep.waiters == 0 && now.Sub(ep.lastUsed) > p.idleTTL
		if idle {
			ep.evicted = true
			if ep.client != nil {
				victims = append(victims, ep.client)
				ep.client = nil
			}
			delete(p.endpoints, url)
		}
		ep.mu.Unlock()
	}
	p.mu.Unlock()

	for _, c := range victims {
		if err := c.Destroy(); err != nil {
			p.logger.Debug("Failed to destroy evicted client", "error", err)
		}
	}
	if len(victims) > 0 {
		p.logger.Debug("Evicted idle endpoints", "count", len(victims))
	}
}

// Close stops maintenance, waits for outstanding leases to be released,
// and destroys every client. The context bounds the drain.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	eps := make([]*endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		eps = append(eps, ep)
	}
	p.endpoints = make(map[string]*endpoint)
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh

	for _, ep := range eps {
		if err := ep.sem.Acquire(ctx, p.maxLeases); err != nil {
			return fmt.Errorf("drain endpoint %s: %w", ep.url, err)
		}
		ep.mu.Lock()
		ep.evicted = true
		client := ep.client
		ep.client = nil
		ep.mu.Unlock()
		if client != nil {
			_ = client.Destroy()
		}
	}
	return nil
}

// EndpointStats is a point-in-time view of one endpoint.
type EndpointStats struct {
	Endpoint string
	State    State
	InUse    int
	Waiters  int
	LastUsed time.Time
}

// Stats reports every live endpoint, sorted by URL.
func (p *Pool) Stats() []EndpointStats {
	stats := make([]EndpointStats, 0)
	for _, ep := range p.snapshot() {
		ep.mu.Lock()
		stats = append(stats, EndpointStats{
			Endpoint: ep.url,
			State:    ep.health,
			InUse:    ep.inUse,
			Waiters:  ep.waiters,
			LastUsed: ep.lastUsed,
		})
		ep.mu.Unlock()
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Endpoint < stats[j].Endpoint })
	return stats
}

// Lease is a checked-out slot on an endpoint's shared client.
type Lease struct {
	pool     *Pool
	ep       *endpoint
	client   Client
	released atomic.Bool
}

// Client returns the shared A2A client. It is valid until Release.
func (l *Lease) Client() Client { return l.client }

// Endpoint returns the endpoint URL this lease belongs to.
func (l *Lease) Endpoint() string { return l.ep.url }

// Release returns the slot to the pool. Releasing more than once is a
// no-op.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.pool.release(l.ep)
}

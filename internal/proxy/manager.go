package proxy

import (
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/event-pipeline/internal/entity"
	"github.com/user/event-pipeline/pkg/metrics"
)

// FailureThreshold is the number of failures after which an endpoint is
// excluded from selection.
const FailureThreshold = 3

type Strategy string

const (
	RoundRobin Strategy = "round-robin"
	Random     Strategy = "random"
)

// DefaultUserAgents is used when a source configures none.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
}

// Manager handles the rotation of proxies and user agents for one run.
// It only selects and keeps books; callers decide when to rotate.
type Manager struct {
	mu         sync.Mutex
	endpoints  []entity.ProxyEndpoint
	userAgents []string
	strategy   Strategy
	cursor     int
	uaCursor   int
	failures   map[string]int
	failed     map[string]struct{}
	usage      map[string]int
	rng        *rand.Rand
	logger     *zap.Logger
}

type Option func(*Manager)

// WithRand replaces the random source, for deterministic selection.
func WithRand(r *rand.Rand) Option {
	return func(m *Manager) { m.rng = r }
}

func NewManager(endpoints []entity.ProxyEndpoint, userAgents []string, strategy Strategy, logger *zap.Logger, opts ...Option) *Manager {
	if len(userAgents) == 0 {
		userAgents = DefaultUserAgents
	}
	if strategy != Random {
		strategy = RoundRobin
	}
	seed := uint64(time.Now().UnixNano())
	m := &Manager{
		endpoints:  endpoints,
		userAgents: userAgents,
		strategy:   strategy,
		failures:   make(map[string]int),
		failed:     make(map[string]struct{}),
		usage:      make(map[string]int),
		rng:        rand.New(rand.NewPCG(seed, seed>>1)),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ParseEndpoints converts configured proxy strings into endpoints.
func ParseEndpoints(raw []string) ([]entity.ProxyEndpoint, error) {
	out := make([]entity.ProxyEndpoint, 0, len(raw))
	for _, r := range raw {
		ep, err := entity.ParseProxyEndpoint(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

// Len returns the number of configured endpoints.
func (m *Manager) Len() int { return len(m.endpoints) }

// Next returns the next non-failed endpoint. When no endpoint is healthy the
// failed set is cleared and selection starts over. ok is false only when no
// endpoints are configured.
func (m *Manager) Next() (entity.ProxyEndpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.endpoints)
	if n == 0 {
		return entity.ProxyEndpoint{}, false
	}
	healthy := m.healthyLocked()
	if len(healthy) == 0 {
		m.logger.Warn("all proxies failed, resetting failed set", zap.Int("proxies", n))
		m.failed = make(map[string]struct{})
		m.failures = make(map[string]int)
		healthy = m.healthyLocked()
	}

	var idx int
	switch m.strategy {
	case Random:
		idx = healthy[m.rng.IntN(len(healthy))]
	default:
		idx = healthy[0]
		for _, candidate := range healthy {
			if candidate >= m.cursor%n {
				idx = candidate
				break
			}
		}
		m.cursor = idx + 1
	}

	ep := m.endpoints[idx]
	m.usage[ep.Key()]++
	return ep, true
}

// healthyLocked returns the indexes of non-failed endpoints in order.
func (m *Manager) healthyLocked() []int {
	healthy := make([]int, 0, len(m.endpoints))
	for i, ep := range m.endpoints {
		if _, bad := m.failed[ep.Key()]; !bad {
			healthy = append(healthy, i)
		}
	}
	return healthy
}

// MarkFailed records a failure. The endpoint is excluded once its failure
// count reaches FailureThreshold.
func (m *Manager) MarkFailed(ep entity.ProxyEndpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ep.Key()
	m.failures[key]++
	metrics.ProxyFailuresTotal.Inc()
	if m.failures[key] >= FailureThreshold {
		if _, already := m.failed[key]; !already {
			m.logger.Warn("proxy marked as failed", zap.String("proxy", key), zap.Int("failures", m.failures[key]))
		}
		m.failed[key] = struct{}{}
	}
}

// MarkSucceeded clears the failure count of an endpoint.
func (m *Manager) MarkSucceeded(ep entity.ProxyEndpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, ep.Key())
}

// IsFailed reports whether ep is currently excluded.
func (m *Manager) IsFailed(ep entity.ProxyEndpoint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, bad := m.failed[ep.Key()]
	return bad
}

// Usage returns how many times ep has been handed out.
func (m *Manager) Usage(ep entity.ProxyEndpoint) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[ep.Key()]
}

// NextUserAgent returns a user agent using the manager's strategy.
func (m *Manager) NextUserAgent() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.strategy == Random {
		return m.userAgents[m.rng.IntN(len(m.userAgents))]
	}
	ua := m.userAgents[m.uaCursor%len(m.userAgents)]
	m.uaCursor++
	return ua
}

// Rotate returns a fresh identity: the next proxy (if any) and user agent.
func (m *Manager) Rotate() entity.Identity {
	id := entity.Identity{UserAgent: m.NextUserAgent()}
	if ep, ok := m.Next(); ok {
		id.Proxy = &ep
	}
	return id
}

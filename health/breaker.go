package health

import (
	"sync"
	"time"

	"github.com/quantfolio/go-brokers/core"
)

const (
	defaultBreakerThreshold  = 0.5
	defaultBreakerMinSamples = 5
	defaultBreakerCooldown   = 30 * time.Second
)

// BreakerPolicy short-circuits calls to brokers whose success rate over
// the monitor window has collapsed. It is constructed by the host and
// injected wherever upstream calls are made; there is no package-level
// instance.
type BreakerPolicy struct {
	monitor    *Monitor
	threshold  float64
	minSamples int64
	cooldown   time.Duration
	clock      func() time.Time

	mu        sync.Mutex
	openUntil map[core.BrokerType]time.Time
}

type BreakerOption func(*BreakerPolicy)

func WithThreshold(threshold float64) BreakerOption {
	return func(p *BreakerPolicy) {
		if threshold > 0 && threshold <= 1 {
			p.threshold = threshold
		}
	}
}

func WithMinSamples(samples int64) BreakerOption {
	return func(p *BreakerPolicy) {
		if samples > 0 {
			p.minSamples = samples
		}
	}
}

func WithCooldown(cooldown time.Duration) BreakerOption {
	return func(p *BreakerPolicy) {
		if cooldown > 0 {
			p.cooldown = cooldown
		}
	}
}

func WithBreakerClock(clock func() time.Time) BreakerOption {
	return func(p *BreakerPolicy) {
		if clock != nil {
			p.clock = clock
		}
	}
}

func NewBreakerPolicy(monitor *Monitor, opts ...BreakerOption) *BreakerPolicy {
	policy := &BreakerPolicy{
		monitor:    monitor,
		threshold:  defaultBreakerThreshold,
		minSamples: defaultBreakerMinSamples,
		cooldown:   defaultBreakerCooldown,
		clock:      func() time.Time { return time.Now().UTC() },
		openUntil:  map[core.BrokerType]time.Time{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(policy)
	}
	return policy
}

// BeforeCall returns a retryable maintenance error while the breaker
// for the broker is open.
func (p *BreakerPolicy) BeforeCall(broker core.BrokerType) error {
	if p == nil {
		return nil
	}
	now := p.clock()

	p.mu.Lock()
	until, open := p.openUntil[broker]
	if open && now.After(until) {
		delete(p.openUntil, broker)
		open = false
	}
	p.mu.Unlock()

	if open {
		return core.NewBrokerError(core.KindMaintenance, broker, "broker circuit open after repeated failures")
	}
	return nil
}

// AfterCall records the outcome and trips the breaker when the rolling
// success rate falls below the threshold with enough samples.
func (p *BreakerPolicy) AfterCall(broker core.BrokerType, success bool, latency time.Duration) {
	if p == nil {
		return
	}
	if p.monitor != nil {
		p.monitor.Record(broker, success, latency)
	}
	if success || p.monitor == nil {
		return
	}

	state := p.monitor.Health(broker)
	if state.Samples() < p.minSamples || state.SuccessRate >= p.threshold {
		return
	}

	p.mu.Lock()
	p.openUntil[broker] = p.clock().Add(p.cooldown)
	p.mu.Unlock()
}

// Open reports whether the breaker is currently open for a broker.
func (p *BreakerPolicy) Open(broker core.BrokerType) bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	until, open := p.openUntil[broker]
	return open && p.clock().Before(until)
}

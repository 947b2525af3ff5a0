package health

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantfolio/go-brokers/core"
)

const (
	defaultWindowBuckets = 5
	bucketSpan           = time.Minute
)

// bucket holds counters for one minute of traffic. The epoch marks
// which minute the counters belong to; stale buckets are reset lazily
// by the next writer, so no background sweeper is needed.
type bucket struct {
	epoch     atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	latencyMS atomic.Int64
}

type brokerCounters struct {
	buckets []bucket
}

// Monitor tracks per-broker call outcomes over a rolling window of
// one-minute buckets. Record is safe for concurrent use and never
// blocks on a shared mutex.
type Monitor struct {
	window  int
	clock   func() time.Time
	mu      sync.RWMutex
	brokers map[core.BrokerType]*brokerCounters
}

type MonitorOption func(*Monitor)

func WithWindowBuckets(buckets int) MonitorOption {
	return func(m *Monitor) {
		if buckets > 0 {
			m.window = buckets
		}
	}
}

func WithClock(clock func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if clock != nil {
			m.clock = clock
		}
	}
}

func NewMonitor(opts ...MonitorOption) *Monitor {
	monitor := &Monitor{
		window:  defaultWindowBuckets,
		clock:   func() time.Time { return time.Now().UTC() },
		brokers: map[core.BrokerType]*brokerCounters{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(monitor)
	}
	return monitor
}

func (m *Monitor) Record(broker core.BrokerType, success bool, latency time.Duration) {
	if m == nil {
		return
	}
	counters := m.countersFor(broker)
	minute := m.clock().Unix() / int64(bucketSpan/time.Second)
	slot := m.bucketFor(counters, minute)
	if success {
		slot.successes.Add(1)
	} else {
		slot.failures.Add(1)
	}
	slot.latencyMS.Add(latency.Milliseconds())
}

func (m *Monitor) countersFor(broker core.BrokerType) *brokerCounters {
	m.mu.RLock()
	counters, ok := m.brokers[broker]
	m.mu.RUnlock()
	if ok {
		return counters
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if counters, ok = m.brokers[broker]; ok {
		return counters
	}
	counters = &brokerCounters{buckets: make([]bucket, m.window)}
	m.brokers[broker] = counters
	return counters
}

// bucketFor resolves the slot for a minute, resetting it when it still
// carries counts from a previous lap of the ring. The CAS makes sure
// exactly one writer performs the reset.
func (m *Monitor) bucketFor(counters *brokerCounters, minute int64) *bucket {
	slot := &counters.buckets[minute%int64(len(counters.buckets))]
	epoch := slot.epoch.Load()
	if epoch != minute && slot.epoch.CompareAndSwap(epoch, minute) {
		slot.successes.Store(0)
		slot.failures.Store(0)
		slot.latencyMS.Store(0)
	}
	return slot
}

// BrokerHealth is the aggregated view of one broker over the window.
type BrokerHealth struct {
	Broker       core.BrokerType
	Successes    int64
	Failures     int64
	SuccessRate  float64
	AvgLatencyMS int64
}

func (h BrokerHealth) Samples() int64 {
	return h.Successes + h.Failures
}

func (m *Monitor) Health(broker core.BrokerType) BrokerHealth {
	if m == nil {
		return BrokerHealth{Broker: broker, SuccessRate: 1}
	}
	m.mu.RLock()
	counters, ok := m.brokers[broker]
	m.mu.RUnlock()
	if !ok {
		return BrokerHealth{Broker: broker, SuccessRate: 1}
	}
	return m.aggregate(broker, counters)
}

func (m *Monitor) SuccessRate(broker core.BrokerType) float64 {
	return m.Health(broker).SuccessRate
}

// Snapshot aggregates every tracked broker, sorted output is left to
// callers.
func (m *Monitor) Snapshot() []BrokerHealth {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	brokers := make(map[core.BrokerType]*brokerCounters, len(m.brokers))
	for broker, counters := range m.brokers {
		brokers[broker] = counters
	}
	m.mu.RUnlock()

	out := make([]BrokerHealth, 0, len(brokers))
	for broker, counters := range brokers {
		out = append(out, m.aggregate(broker, counters))
	}
	return out
}

func (m *Monitor) aggregate(broker core.BrokerType, counters *brokerCounters) BrokerHealth {
	minute := m.clock().Unix() / int64(bucketSpan/time.Second)
	oldest := minute - int64(len(counters.buckets)) + 1

	health := BrokerHealth{Broker: broker}
	var latencySum int64
	for i := range counters.buckets {
		slot := &counters.buckets[i]
		epoch := slot.epoch.Load()
		if epoch < oldest || epoch > minute {
			continue
		}
		health.Successes += slot.successes.Load()
		health.Failures += slot.failures.Load()
		latencySum += slot.latencyMS.Load()
	}

	samples := health.Samples()
	if samples == 0 {
		health.SuccessRate = 1
		return health
	}
	health.SuccessRate = float64(health.Successes) / float64(samples)
	health.AvgLatencyMS = latencySum / samples
	return health
}

var _ core.HealthRecorder = (*Monitor)(nil)

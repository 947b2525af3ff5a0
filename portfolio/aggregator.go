package portfolio

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/quantfolio/go-brokers/core"
)

const (
	defaultFetchTimeout   = 5 * time.Second
	defaultOverallTimeout = 8 * time.Second
	defaultCacheTTL       = 5 * time.Second
)

// PositionFetcher pulls current holdings from a broker using a valid
// access token. Broker adapters implement it alongside their OAuth
// surface.
type PositionFetcher interface {
	FetchPositions(ctx context.Context, accessToken string) ([]Position, error)
}

type FetcherResolver func(broker core.BrokerType) (PositionFetcher, error)

type TokenSource interface {
	GetValidAccessToken(ctx context.Context, connectionID string) (string, error)
}

type ConnectionSource interface {
	ListActiveConnections(ctx context.Context, userID string) ([]core.Connection, error)
}

// Gate is the circuit-breaker hook around each upstream fetch.
type Gate interface {
	BeforeCall(broker core.BrokerType) error
	AfterCall(broker core.BrokerType, success bool, latency time.Duration)
}

// SnapshotStore persists last-known positions after successful fetches
// and serves them back when no live fetch succeeds.
type SnapshotStore interface {
	SavePositions(ctx context.Context, userID string, connectionID string, positions []Position) error
	ListByUser(ctx context.Context, userID string) ([]Position, error)
}

type Aggregator struct {
	connections    ConnectionSource
	tokens         TokenSource
	fetcherFor     FetcherResolver
	gate           Gate
	snapshots      SnapshotStore
	logger         core.Logger
	clock          func() time.Time
	fetchTimeout   time.Duration
	overallTimeout time.Duration
	cacheTTL       time.Duration
	cache          *resultCache
}

type Option func(*Aggregator)

func WithGate(gate Gate) Option {
	return func(a *Aggregator) {
		a.gate = gate
	}
}

func WithSnapshotStore(store SnapshotStore) Option {
	return func(a *Aggregator) {
		a.snapshots = store
	}
}

func WithLogger(logger core.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(a *Aggregator) {
		if clock != nil {
			a.clock = clock
		}
	}
}

func WithTimeouts(fetch, overall time.Duration) Option {
	return func(a *Aggregator) {
		if fetch > 0 {
			a.fetchTimeout = fetch
		}
		if overall > 0 {
			a.overallTimeout = overall
		}
	}
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(a *Aggregator) {
		if ttl > 0 {
			a.cacheTTL = ttl
		}
	}
}

func NewAggregator(
	connections ConnectionSource,
	tokens TokenSource,
	fetcherFor FetcherResolver,
	opts ...Option,
) (*Aggregator, error) {
	if connections == nil {
		return nil, fmt.Errorf("portfolio: connection source is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("portfolio: token source is required")
	}
	if fetcherFor == nil {
		return nil, fmt.Errorf("portfolio: fetcher resolver is required")
	}

	aggregator := &Aggregator{
		connections:    connections,
		tokens:         tokens,
		fetcherFor:     fetcherFor,
		logger:         glog.Nop(),
		clock:          func() time.Time { return time.Now().UTC() },
		fetchTimeout:   defaultFetchTimeout,
		overallTimeout: defaultOverallTimeout,
		cacheTTL:       defaultCacheTTL,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(aggregator)
	}
	aggregator.cache = newResultCache(aggregator.cacheTTL, aggregator.clock)
	return aggregator, nil
}

type connectionResult struct {
	connection core.Connection
	breakdown  BrokerBreakdown
	err        error
}

// Consolidated fans out one fetch per active connection and merges the
// results. One success with failures yields a partial view; zero
// successes yields a routing failure.
func (a *Aggregator) Consolidated(ctx context.Context, userID string, includeBreakdown bool) (Consolidated, error) {
	if a == nil {
		return Consolidated{}, fmt.Errorf("portfolio: aggregator is nil")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Consolidated{}, core.NewBrokerError(core.KindValidation, core.BrokerTypeUnknown, "user id is required")
	}

	if cached, ok := a.cache.get(userID); ok {
		return shapeResult(cached, includeBreakdown), nil
	}

	connections, err := a.connections.ListActiveConnections(ctx, userID)
	if err != nil {
		return Consolidated{}, err
	}
	if len(connections) == 0 {
		return Consolidated{}, core.NewBrokerError(core.KindNoActiveConnections, core.BrokerTypeUnknown, "")
	}

	fanCtx := ctx
	cancel := func() {}
	if a.overallTimeout > 0 {
		fanCtx, cancel = context.WithTimeout(ctx, a.overallTimeout)
	}
	defer cancel()

	results := make([]connectionResult, len(connections))
	var wg sync.WaitGroup
	for i, connection := range connections {
		wg.Add(1)
		go func(idx int, conn core.Connection) {
			defer wg.Done()
			breakdown, fetchErr := a.fetchOne(fanCtx, userID, conn)
			results[idx] = connectionResult{connection: conn, breakdown: breakdown, err: fetchErr}
		}(i, connection)
	}
	wg.Wait()

	consolidated, err := a.merge(userID, results)
	if err != nil {
		if stale, ok := a.lastKnown(ctx, userID, connections); ok {
			return shapeResult(stale, includeBreakdown), nil
		}
		return Consolidated{}, err
	}

	a.cache.set(userID, consolidated)
	return shapeResult(consolidated, includeBreakdown), nil
}

// lastKnown rebuilds a view from persisted snapshots after every live
// fetch failed. Stale views bypass the cache so recovery shows up on
// the next call.
func (a *Aggregator) lastKnown(ctx context.Context, userID string, connections []core.Connection) (Consolidated, bool) {
	if a.snapshots == nil {
		return Consolidated{}, false
	}
	positions, err := a.snapshots.ListByUser(ctx, userID)
	if err != nil {
		a.logger.Error("position snapshot read failed", "user_id", userID, "error", err.Error())
		return Consolidated{}, false
	}
	if len(positions) == 0 {
		return Consolidated{}, false
	}

	byConnection := map[string]*BrokerBreakdown{}
	for _, position := range positions {
		entry, ok := byConnection[position.ConnectionID]
		if !ok {
			entry = &BrokerBreakdown{ConnectionID: position.ConnectionID, Broker: position.Broker}
			byConnection[position.ConnectionID] = entry
		}
		entry.TotalValue += position.value()
		entry.TotalCost += position.cost()
		entry.Positions = append(entry.Positions, position)
	}

	consolidated := Consolidated{
		UserID:      userID,
		Freshness:   FreshnessStale,
		GeneratedAt: a.clock(),
	}
	for _, entry := range byConnection {
		entry.UnrealizedPnL = entry.TotalValue - entry.TotalCost
		consolidated.TotalValue += entry.TotalValue
		consolidated.TotalCost += entry.TotalCost
		consolidated.Breakdown = append(consolidated.Breakdown, *entry)
	}
	consolidated.UnrealizedPnL = consolidated.TotalValue - consolidated.TotalCost
	sort.Slice(consolidated.Breakdown, func(i, j int) bool {
		left, right := consolidated.Breakdown[i], consolidated.Breakdown[j]
		if left.Broker != right.Broker {
			return left.Broker < right.Broker
		}
		return left.ConnectionID < right.ConnectionID
	})

	failed := map[core.BrokerType]struct{}{}
	for _, connection := range connections {
		if _, seen := failed[connection.Broker]; seen {
			continue
		}
		failed[connection.Broker] = struct{}{}
		consolidated.FailedBrokers = append(consolidated.FailedBrokers, connection.Broker)
	}
	sort.Slice(consolidated.FailedBrokers, func(i, j int) bool {
		return consolidated.FailedBrokers[i] < consolidated.FailedBrokers[j]
	})
	return consolidated, true
}

// Invalidate drops the cached view for a user, e.g. after a
// disconnect.
func (a *Aggregator) Invalidate(userID string) {
	if a != nil {
		a.cache.invalidate(strings.TrimSpace(userID))
	}
}

func (a *Aggregator) fetchOne(ctx context.Context, userID string, connection core.Connection) (BrokerBreakdown, error) {
	if a.gate != nil {
		if gateErr := a.gate.BeforeCall(connection.Broker); gateErr != nil {
			return BrokerBreakdown{}, gateErr
		}
	}

	fetcher, err := a.fetcherFor(connection.Broker)
	if err != nil {
		return BrokerBreakdown{}, err
	}

	token, err := a.tokens.GetValidAccessToken(ctx, connection.ID)
	if err != nil {
		return BrokerBreakdown{}, err
	}

	fetchCtx := ctx
	cancel := func() {}
	if a.fetchTimeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, a.fetchTimeout)
	}
	defer cancel()

	startedAt := time.Now()
	positions, err := fetcher.FetchPositions(fetchCtx, token)
	if a.gate != nil {
		a.gate.AfterCall(connection.Broker, err == nil, time.Since(startedAt))
	}
	if err != nil {
		if fetchCtx.Err() != nil {
			err = core.WrapBrokerError(core.KindRoutingFailed, connection.Broker, fetchCtx.Err())
		}
		return BrokerBreakdown{}, err
	}

	breakdown := BrokerBreakdown{
		ConnectionID: connection.ID,
		Broker:       connection.Broker,
	}
	now := a.clock()
	for _, position := range positions {
		position.ConnectionID = connection.ID
		position.Broker = connection.Broker
		if position.MarketValue == 0 {
			position.MarketValue = position.Quantity * position.LastPrice
		}
		if position.UpdatedAt.IsZero() {
			position.UpdatedAt = now
		}
		breakdown.TotalValue += position.value()
		breakdown.TotalCost += position.cost()
		breakdown.Positions = append(breakdown.Positions, position)
	}
	breakdown.UnrealizedPnL = breakdown.TotalValue - breakdown.TotalCost

	if a.snapshots != nil {
		if saveErr := a.snapshots.SavePositions(ctx, userID, connection.ID, breakdown.Positions); saveErr != nil {
			a.logger.Error("position snapshot save failed",
				"connection_id", connection.ID,
				"broker", connection.Broker.String(),
				"error", saveErr.Error(),
			)
		}
	}
	return breakdown, nil
}

// merge folds per-connection results in a deterministic order so
// floating-point totals do not depend on goroutine completion order.
func (a *Aggregator) merge(userID string, results []connectionResult) (Consolidated, error) {
	sort.SliceStable(results, func(i, j int) bool {
		left, right := results[i].connection, results[j].connection
		if left.Broker != right.Broker {
			return left.Broker < right.Broker
		}
		return left.ID < right.ID
	})

	consolidated := Consolidated{
		UserID:      userID,
		Freshness:   FreshnessFresh,
		GeneratedAt: a.clock(),
	}
	var firstErr error
	failed := map[core.BrokerType]struct{}{}
	successes := 0

	for _, result := range results {
		if result.err != nil {
			if firstErr == nil {
				firstErr = result.err
			}
			failed[result.connection.Broker] = struct{}{}
			a.logger.Error("broker fetch failed",
				"connection_id", result.connection.ID,
				"broker", result.connection.Broker.String(),
				"error", result.err.Error(),
			)
			continue
		}
		successes++
		consolidated.TotalValue += result.breakdown.TotalValue
		consolidated.TotalCost += result.breakdown.TotalCost
		consolidated.Breakdown = append(consolidated.Breakdown, result.breakdown)
	}
	consolidated.UnrealizedPnL = consolidated.TotalValue - consolidated.TotalCost

	if successes == 0 {
		if firstErr != nil {
			return Consolidated{}, core.WrapBrokerError(core.KindRoutingFailed, core.BrokerTypeUnknown, firstErr)
		}
		return Consolidated{}, core.NewBrokerError(core.KindRoutingFailed, core.BrokerTypeUnknown, "all broker fetches failed")
	}
	if len(failed) > 0 {
		consolidated.Freshness = FreshnessPartial
		for broker := range failed {
			consolidated.FailedBrokers = append(consolidated.FailedBrokers, broker)
		}
		sort.Slice(consolidated.FailedBrokers, func(i, j int) bool {
			return consolidated.FailedBrokers[i] < consolidated.FailedBrokers[j]
		})
	}
	return consolidated, nil
}

func shapeResult(consolidated Consolidated, includeBreakdown bool) Consolidated {
	if includeBreakdown {
		return consolidated
	}
	shaped := consolidated
	shaped.Breakdown = nil
	return shaped
}

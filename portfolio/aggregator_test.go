package portfolio

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/quantfolio/go-brokers/core"
)

type stubConnections struct {
	connections []core.Connection
	err         error
}

func (s stubConnections) ListActiveConnections(context.Context, string) ([]core.Connection, error) {
	return s.connections, s.err
}

type stubTokens struct {
	tokens map[string]string
	errs   map[string]error
}

func (s stubTokens) GetValidAccessToken(_ context.Context, connectionID string) (string, error) {
	if err, ok := s.errs[connectionID]; ok {
		return "", err
	}
	return s.tokens[connectionID], nil
}

type stubFetcher struct {
	positions []Position
	err       error
	delay     time.Duration

	mu     sync.Mutex
	tokens []string
}

func (f *stubFetcher) FetchPositions(ctx context.Context, accessToken string) ([]Position, error) {
	f.mu.Lock()
	f.tokens = append(f.tokens, accessToken)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return f.positions, f.err
}

type stubGate struct {
	mu      sync.Mutex
	blocked map[core.BrokerType]error
	calls   []core.BrokerType
}

func (g *stubGate) BeforeCall(broker core.BrokerType) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked[broker]
}

func (g *stubGate) AfterCall(broker core.BrokerType, _ bool, _ time.Duration) {
	g.mu.Lock()
	g.calls = append(g.calls, broker)
	g.mu.Unlock()
}

type captureSnapshots struct {
	mu      sync.Mutex
	saved   map[string][]Position
	err     error
	listErr error
}

func (s *captureSnapshots) SavePositions(_ context.Context, _ string, connectionID string, positions []Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.saved == nil {
		s.saved = map[string][]Position{}
	}
	s.saved[connectionID] = positions
	return nil
}

func (s *captureSnapshots) ListByUser(context.Context, string) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := []Position{}
	for _, positions := range s.saved {
		out = append(out, positions...)
	}
	return out, nil
}

func fetcherTable(fetchers map[core.BrokerType]PositionFetcher) FetcherResolver {
	return func(broker core.BrokerType) (PositionFetcher, error) {
		fetcher, ok := fetchers[broker]
		if !ok {
			return nil, core.NewBrokerError(core.KindRoutingFailed, broker, "broker does not expose positions")
		}
		return fetcher, nil
	}
}

func twoBrokerFixture() (stubConnections, stubTokens, *stubFetcher, *stubFetcher) {
	connections := stubConnections{connections: []core.Connection{
		{ID: "conn-z", UserID: "user-1", Broker: core.BrokerTypeZerodha, Status: core.ConnectionStatusActive},
		{ID: "conn-u", UserID: "user-1", Broker: core.BrokerTypeUpstox, Status: core.ConnectionStatusActive},
	}}
	tokens := stubTokens{tokens: map[string]string{"conn-z": "tok-z", "conn-u": "tok-u"}}
	zerodha := &stubFetcher{positions: []Position{
		{Symbol: "RELIANCE", Exchange: "NSE", Quantity: 10, AvgPrice: 2200, LastPrice: 2400},
	}}
	upstox := &stubFetcher{positions: []Position{
		{Symbol: "TCS", Exchange: "NSE", Quantity: 5, AvgPrice: 3500, LastPrice: 3800},
	}}
	return connections, tokens, zerodha, upstox
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestConsolidatedMergesAcrossBrokers(t *testing.T) {
	connections, tokens, zerodha, upstox := twoBrokerFixture()
	aggregator, err := NewAggregator(connections, tokens, fetcherTable(map[core.BrokerType]PositionFetcher{
		core.BrokerTypeZerodha: zerodha,
		core.BrokerTypeUpstox:  upstox,
	}), WithCacheTTL(time.Nanosecond))
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}

	result, err := aggregator.Consolidated(context.Background(), "user-1", true)
	if err != nil {
		t.Fatalf("consolidated: %v", err)
	}

	// 10*2400 + 5*3800 market value, 10*2200 + 5*3500 cost.
	if !almostEqual(result.TotalValue, 43000) {
		t.Fatalf("total value: %v", result.TotalValue)
	}
	if !almostEqual(result.TotalCost, 39500) {
		t.Fatalf("total cost: %v", result.TotalCost)
	}
	if !almostEqual(result.UnrealizedPnL, 3500) {
		t.Fatalf("unrealized pnl: %v", result.UnrealizedPnL)
	}
	if result.Freshness != FreshnessFresh {
		t.Fatalf("freshness: %v", result.Freshness)
	}
	if len(result.FailedBrokers) != 0 {
		t.Fatalf("failed brokers: %v", result.FailedBrokers)
	}

	if len(result.Breakdown) != 2 {
		t.Fatalf("breakdown entries: %d", len(result.Breakdown))
	}
	// Merge order is broker-alphabetical, independent of completion order.
	if result.Breakdown[0].Broker != core.BrokerTypeUpstox || result.Breakdown[1].Broker != core.BrokerTypeZerodha {
		t.Fatalf("unexpected breakdown order: %v %v", result.Breakdown[0].Broker, result.Breakdown[1].Broker)
	}

	position := result.Breakdown[1].Positions[0]
	if position.ConnectionID != "conn-z" || position.Broker != core.BrokerTypeZerodha {
		t.Fatalf("position attribution: %+v", position)
	}
	if !almostEqual(position.MarketValue, 24000) {
		t.Fatalf("derived market value: %v", position.MarketValue)
	}

	if got := zerodha.tokens; len(got) != 1 || got[0] != "tok-z" {
		t.Fatalf("fetcher received tokens %v", got)
	}
}

func TestConsolidatedTotalsAreOrderIndependent(t *testing.T) {
	baseline := func(connections []core.Connection, slowBroker core.BrokerType) Consolidated {
		t.Helper()
		_, tokens, zerodha, upstox := twoBrokerFixture()
		switch slowBroker {
		case core.BrokerTypeZerodha:
			zerodha.delay = 20 * time.Millisecond
		case core.BrokerTypeUpstox:
			upstox.delay = 20 * time.Millisecond
		}
		aggregator, err := NewAggregator(stubConnections{connections: connections}, tokens, fetcherTable(map[core.BrokerType]PositionFetcher{
			core.BrokerTypeZerodha: zerodha,
			core.BrokerTypeUpstox:  upstox,
		}))
		if err != nil {
			t.Fatalf("new aggregator: %v", err)
		}
		result, err := aggregator.Consolidated(context.Background(), "user-1", true)
		if err != nil {
			t.Fatalf("consolidated: %v", err)
		}
		return result
	}

	connections, _, _, _ := twoBrokerFixture()
	reversed := []core.Connection{connections.connections[1], connections.connections[0]}

	first := baseline(connections.connections, core.BrokerTypeZerodha)
	second := baseline(reversed, core.BrokerTypeUpstox)

	if !almostEqual(first.TotalValue, second.TotalValue) {
		t.Fatalf("total value depends on fan-out order: %v vs %v", first.TotalValue, second.TotalValue)
	}
	if !almostEqual(first.TotalCost, second.TotalCost) {
		t.Fatalf("total cost depends on fan-out order: %v vs %v", first.TotalCost, second.TotalCost)
	}
	if !almostEqual(first.UnrealizedPnL, second.UnrealizedPnL) {
		t.Fatalf("pnl depends on fan-out order: %v vs %v", first.UnrealizedPnL, second.UnrealizedPnL)
	}
	if len(first.Breakdown) != len(second.Breakdown) {
		t.Fatalf("breakdown size differs: %d vs %d", len(first.Breakdown), len(second.Breakdown))
	}
	for i := range first.Breakdown {
		if first.Breakdown[i].Broker != second.Breakdown[i].Broker {
			t.Fatalf("breakdown order differs at %d: %v vs %v", i, first.Breakdown[i].Broker, second.Breakdown[i].Broker)
		}
	}
}

func TestConsolidatedWithoutBreakdown(t *testing.T) {
	connections, tokens, zerodha, upstox := twoBrokerFixture()
	aggregator, _ := NewAggregator(connections, tokens, fetcherTable(map[core.BrokerType]PositionFetcher{
		core.BrokerTypeZerodha: zerodha,
		core.BrokerTypeUpstox:  upstox,
	}))

	result, err := aggregator.Consolidated(context.Background(), "user-1", false)
	if err != nil {
		t.Fatalf("consolidated: %v", err)
	}
	if result.Breakdown != nil {
		t.Fatalf("expected breakdown stripped, got %d entries", len(result.Breakdown))
	}
	if !almostEqual(result.TotalValue, 43000) {
		t.Fatalf("totals must survive shaping: %v", result.TotalValue)
	}
}

func TestConsolidatedPartialOnSingleBrokerFailure(t *testing.T) {
	connections, tokens, zerodha, upstox := twoBrokerFixture()
	upstox.err = core.NewBrokerError(core.KindMaintenance, core.BrokerTypeUpstox, "")

	aggregator, _ := NewAggregator(connections, tokens, fetcherTable(map[core.BrokerType]PositionFetcher{
		core.BrokerTypeZerodha: zerodha,
		core.BrokerTypeUpstox:  upstox,
	}))

	result, err := aggregator.Consolidated(context.Background(), "user-1", true)
	if err != nil {
		t.Fatalf("one healthy broker must still produce a view: %v", err)
	}
	if result.Freshness != FreshnessPartial {
		t.Fatalf("freshness: %v", result.Freshness)
	}
	if len(result.FailedBrokers) != 1 || result.FailedBrokers[0] != core.BrokerTypeUpstox {
		t.Fatalf("failed brokers: %v", result.FailedBrokers)
	}
	if !almostEqual(result.TotalValue, 24000) {
		t.Fatalf("partial totals must only include successes: %v", result.TotalValue)
	}
}

func TestConsolidatedAllBrokersFail(t *testing.T) {
	connections, tokens, zerodha, upstox := twoBrokerFixture()
	zerodha.err = core.NewBrokerError(core.KindMaintenance, core.BrokerTypeZerodha, "")
	upstox.err = core.NewBrokerError(core.KindMaintenance, core.BrokerTypeUpstox, "")

	aggregator, _ := NewAggregator(connections, tokens, fetcherTable(map[core.BrokerType]PositionFetcher{
		core.BrokerTypeZerodha: zerodha,
		core.BrokerTypeUpstox:  upstox,
	}))

	_, err := aggregator.Consolidated(context.Background(), "user-1", true)
	if err == nil {
		t.Fatalf("expected failure when every broker fails")
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.TextCode != core.ErrorCodeRoutingFailed {
		t.Fatalf("expected routing failure, got %v", err)
	}
}

func TestConsolidatedFallsBackToStaleSnapshots(t *testing.T) {
	connections, tokens, zerodha, upstox := twoBrokerFixture()
	snapshots := &captureSnapshots{}
	table := fetcherTable(map[core.BrokerType]PositionFetcher{
		core.BrokerTypeZerodha: zerodha,
		core.BrokerTypeUpstox:  upstox,
	})

	aggregator, err := NewAggregator(connections, tokens, table,
		WithSnapshotStore(snapshots),
		WithCacheTTL(time.Nanosecond),
	)
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}

	if _, err := aggregator.Consolidated(context.Background(), "user-1", true); err != nil {
		t.Fatalf("seed snapshots: %v", err)
	}

	zerodha.err = core.NewBrokerError(core.KindMaintenance, core.BrokerTypeZerodha, "")
	upstox.err = core.NewBrokerError(core.KindMaintenance, core.BrokerTypeUpstox, "")
	time.Sleep(time.Millisecond)

	result, err := aggregator.Consolidated(context.Background(), "user-1", true)
	if err != nil {
		t.Fatalf("expected stale fallback instead of failure: %v", err)
	}
	if result.Freshness != FreshnessStale {
		t.Fatalf("freshness: %v", result.Freshness)
	}
	if !almostEqual(result.TotalValue, 43000) {
		t.Fatalf("stale totals must match last-known view: %v", result.TotalValue)
	}
	if len(result.FailedBrokers) != 2 {
		t.Fatalf("every broker must be listed as failed: %v", result.FailedBrokers)
	}
	if len(result.Breakdown) != 2 || result.Breakdown[0].Broker != core.BrokerTypeUpstox {
		t.Fatalf("stale breakdown must keep deterministic order: %+v", result.Breakdown)
	}

	zerodha.err = nil
	upstox.err = nil
	time.Sleep(time.Millisecond)

	recovered, err := aggregator.Consolidated(context.Background(), "user-1", true)
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if recovered.Freshness != FreshnessFresh {
		t.Fatalf("stale view must not be cached, got %v", recovered.Freshness)
	}
}

func TestConsolidatedNoActiveConnections(t *testing.T) {
	aggregator, _ := NewAggregator(stubConnections{}, stubTokens{}, fetcherTable(nil))

	_, err := aggregator.Consolidated(context.Background(), "user-1", false)
	if err == nil {
		t.Fatalf("expected no-connections failure")
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.TextCode != core.ErrorCodeNoActiveConns {
		t.Fatalf("expected no active connections, got %v", err)
	}
}

func TestConsolidatedRequiresUserID(t *testing.T) {
	aggregator, _ := NewAggregator(stubConnections{}, stubTokens{}, fetcherTable(nil))
	if _, err := aggregator.Consolidated(context.Background(), "  ", false); err == nil {
		t.Fatalf("expected validation failure")
	}
}

func TestConsolidatedCachesWithinTTL(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	connections, tokens, zerodha, upstox := twoBrokerFixture()
	aggregator, _ := NewAggregator(connections, tokens, fetcherTable(map[core.BrokerType]PositionFetcher{
		core.BrokerTypeZerodha: zerodha,
		core.BrokerTypeUpstox:  upstox,
	}), WithCacheTTL(5*time.Second), WithClock(func() time.Time { return now }))

	if _, err := aggregator.Consolidated(context.Background(), "user-1", true); err != nil {
		t.Fatalf("first read: %v", err)
	}
	if _, err := aggregator.Consolidated(context.Background(), "user-1", true); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if calls := len(zerodha.tokens); calls != 1 {
		t.Fatalf("expected cached second read, got %d fetches", calls)
	}

	// A cached full result can still be served without breakdown.
	shaped, err := aggregator.Consolidated(context.Background(), "user-1", false)
	if err != nil {
		t.Fatalf("shaped read: %v", err)
	}
	if shaped.Breakdown != nil {
		t.Fatalf("expected breakdown stripped from cached result")
	}

	now = now.Add(10 * time.Second)
	if _, err := aggregator.Consolidated(context.Background(), "user-1", true); err != nil {
		t.Fatalf("read after expiry: %v", err)
	}
	if calls := len(zerodha.tokens); calls != 2 {
		t.Fatalf("expected refetch after TTL, got %d fetches", calls)
	}
}

func TestInvalidateDropsCachedResult(t *testing.T) {
	connections, tokens, zerodha, upstox := twoBrokerFixture()
	aggregator, _ := NewAggregator(connections, tokens, fetcherTable(map[core.BrokerType]PositionFetcher{
		core.BrokerTypeZerodha: zerodha,
		core.BrokerTypeUpstox:  upstox,
	}), WithCacheTTL(time.Minute))

	if _, err := aggregator.Consolidated(context.Background(), "user-1", true); err != nil {
		t.Fatalf("first read: %v", err)
	}
	aggregator.Invalidate("user-1")
	if _, err := aggregator.Consolidated(context.Background(), "user-1", true); err != nil {
		t.Fatalf("read after invalidate: %v", err)
	}
	if calls := len(zerodha.tokens); calls != 2 {
		t.Fatalf("expected refetch after invalidate, got %d fetches", calls)
	}
}

func TestConsolidatedGateBlocksBroker(t *testing.T) {
	connections, tokens, zerodha, upstox := twoBrokerFixture()
	gate := &stubGate{blocked: map[core.BrokerType]error{
		core.BrokerTypeUpstox: core.NewBrokerError(core.KindMaintenance, core.BrokerTypeUpstox, "broker circuit open"),
	}}

	aggregator, _ := NewAggregator(connections, tokens, fetcherTable(map[core.BrokerType]PositionFetcher{
		core.BrokerTypeZerodha: zerodha,
		core.BrokerTypeUpstox:  upstox,
	}), WithGate(gate))

	result, err := aggregator.Consolidated(context.Background(), "user-1", true)
	if err != nil {
		t.Fatalf("consolidated: %v", err)
	}
	if result.Freshness != FreshnessPartial {
		t.Fatalf("gated broker must degrade to partial: %v", result.Freshness)
	}
	if len(upstox.tokens) != 0 {
		t.Fatalf("gated broker must not be fetched")
	}
	if len(gate.calls) != 1 || gate.calls[0] != core.BrokerTypeZerodha {
		t.Fatalf("only the allowed broker reports an outcome: %v", gate.calls)
	}
}

func TestConsolidatedTokenFailureDegradesToPartial(t *testing.T) {
	connections, _, zerodha, upstox := twoBrokerFixture()
	tokens := stubTokens{
		tokens: map[string]string{"conn-z": "tok-z"},
		errs: map[string]error{
			"conn-u": core.NewBrokerError(core.KindRefreshInvalid, core.BrokerTypeUpstox, ""),
		},
	}

	aggregator, _ := NewAggregator(connections, tokens, fetcherTable(map[core.BrokerType]PositionFetcher{
		core.BrokerTypeZerodha: zerodha,
		core.BrokerTypeUpstox:  upstox,
	}))

	result, err := aggregator.Consolidated(context.Background(), "user-1", true)
	if err != nil {
		t.Fatalf("consolidated: %v", err)
	}
	if result.Freshness != FreshnessPartial || len(result.FailedBrokers) != 1 {
		t.Fatalf("token failure must degrade to partial: %+v", result)
	}
}

func TestConsolidatedSavesSnapshots(t *testing.T) {
	connections, tokens, zerodha, upstox := twoBrokerFixture()
	snapshots := &captureSnapshots{}

	aggregator, _ := NewAggregator(connections, tokens, fetcherTable(map[core.BrokerType]PositionFetcher{
		core.BrokerTypeZerodha: zerodha,
		core.BrokerTypeUpstox:  upstox,
	}), WithSnapshotStore(snapshots))

	if _, err := aggregator.Consolidated(context.Background(), "user-1", true); err != nil {
		t.Fatalf("consolidated: %v", err)
	}

	snapshots.mu.Lock()
	defer snapshots.mu.Unlock()
	if len(snapshots.saved) != 2 {
		t.Fatalf("expected snapshots for both connections, got %d", len(snapshots.saved))
	}
	if positions := snapshots.saved["conn-z"]; len(positions) != 1 || positions[0].Symbol != "RELIANCE" {
		t.Fatalf("unexpected snapshot: %+v", positions)
	}
}

func TestConsolidatedSnapshotFailureIsNonFatal(t *testing.T) {
	connections, tokens, zerodha, upstox := twoBrokerFixture()
	snapshots := &captureSnapshots{err: context.DeadlineExceeded}

	aggregator, _ := NewAggregator(connections, tokens, fetcherTable(map[core.BrokerType]PositionFetcher{
		core.BrokerTypeZerodha: zerodha,
		core.BrokerTypeUpstox:  upstox,
	}), WithSnapshotStore(snapshots))

	result, err := aggregator.Consolidated(context.Background(), "user-1", true)
	if err != nil {
		t.Fatalf("snapshot failures must not fail the read: %v", err)
	}
	if result.Freshness != FreshnessFresh {
		t.Fatalf("freshness: %v", result.Freshness)
	}
}

func TestConsolidatedSlowBrokerTimesOut(t *testing.T) {
	connections, tokens, zerodha, upstox := twoBrokerFixture()
	upstox.delay = 200 * time.Millisecond

	aggregator, _ := NewAggregator(connections, tokens, fetcherTable(map[core.BrokerType]PositionFetcher{
		core.BrokerTypeZerodha: zerodha,
		core.BrokerTypeUpstox:  upstox,
	}), WithTimeouts(20*time.Millisecond, time.Second))

	result, err := aggregator.Consolidated(context.Background(), "user-1", true)
	if err != nil {
		t.Fatalf("timeout on one broker must degrade to partial: %v", err)
	}
	if result.Freshness != FreshnessPartial {
		t.Fatalf("freshness: %v", result.Freshness)
	}
	if len(result.FailedBrokers) != 1 || result.FailedBrokers[0] != core.BrokerTypeUpstox {
		t.Fatalf("failed brokers: %v", result.FailedBrokers)
	}
}

package query

import (
	"context"
	"fmt"
	"testing"

	"github.com/quantfolio/go-brokers/core"
	"github.com/quantfolio/go-brokers/health"
	"github.com/quantfolio/go-brokers/portfolio"
)

type stubConnectionReader struct {
	all    []core.Connection
	active []core.Connection
	err    error
}

func (s stubConnectionReader) ListConnections(_ context.Context, _ string) ([]core.Connection, error) {
	return s.all, s.err
}

func (s stubConnectionReader) ListActiveConnections(_ context.Context, _ string) ([]core.Connection, error) {
	return s.active, s.err
}

type stubCatalogReader struct {
	infos []core.BrokerInfo
}

func (s stubCatalogReader) SupportedBrokers() []core.BrokerInfo { return s.infos }

type stubPortfolioReader struct {
	result portfolio.Consolidated
	err    error

	gotUserID    string
	gotBreakdown bool
}

func (s *stubPortfolioReader) Consolidated(_ context.Context, userID string, includeBreakdown bool) (portfolio.Consolidated, error) {
	s.gotUserID = userID
	s.gotBreakdown = includeBreakdown
	return s.result, s.err
}

type stubHealthReader struct {
	snapshot []health.BrokerHealth
}

func (s stubHealthReader) Snapshot() []health.BrokerHealth { return s.snapshot }

type stubTokenReader struct {
	token string
	err   error
}

func (s stubTokenReader) GetValidAccessToken(_ context.Context, _ string) (string, error) {
	return s.token, s.err
}

func TestListConnectionsQuery(t *testing.T) {
	reader := stubConnectionReader{
		all: []core.Connection{
			{ID: "conn_1", Status: core.ConnectionStatusActive},
			{ID: "conn_2", Status: core.ConnectionStatusDisconnected},
		},
		active: []core.Connection{
			{ID: "conn_1", Status: core.ConnectionStatusActive},
		},
	}
	q := NewListConnectionsQuery(reader)

	all, err := q.Query(context.Background(), ListConnectionsMessage{UserID: "user-1"})
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(all))
	}

	active, err := q.Query(context.Background(), ListConnectionsMessage{UserID: "user-1", ActiveOnly: true})
	if err != nil {
		t.Fatalf("query active: %v", err)
	}
	if len(active) != 1 || active[0].ID != "conn_1" {
		t.Fatalf("unexpected active connections: %#v", active)
	}
}

func TestSupportedBrokersQuery(t *testing.T) {
	q := NewSupportedBrokersQuery(stubCatalogReader{infos: []core.BrokerInfo{
		{Type: core.BrokerTypeZerodha, DisplayName: "Zerodha Kite", Active: true},
	}})

	infos, err := q.Query(context.Background(), SupportedBrokersMessage{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(infos) != 1 || infos[0].Type != core.BrokerTypeZerodha {
		t.Fatalf("unexpected brokers: %#v", infos)
	}
}

func TestConsolidatedPortfolioQuery(t *testing.T) {
	reader := &stubPortfolioReader{result: portfolio.Consolidated{
		UserID:     "user-1",
		TotalValue: 43000,
		Freshness:  portfolio.FreshnessFresh,
	}}
	q := NewConsolidatedPortfolioQuery(reader)

	result, err := q.Query(context.Background(), ConsolidatedPortfolioMessage{
		UserID:           "user-1",
		IncludeBreakdown: true,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.TotalValue != 43000 {
		t.Fatalf("unexpected result: %#v", result)
	}
	if reader.gotUserID != "user-1" || !reader.gotBreakdown {
		t.Fatalf("reader received %q breakdown=%v", reader.gotUserID, reader.gotBreakdown)
	}
}

func TestBrokerHealthQuery(t *testing.T) {
	q := NewBrokerHealthQuery(stubHealthReader{snapshot: []health.BrokerHealth{
		{Broker: core.BrokerTypeUpstox, Successes: 9, Failures: 1, SuccessRate: 0.9},
	}})

	snapshot, err := q.Query(context.Background(), BrokerHealthMessage{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].Broker != core.BrokerTypeUpstox {
		t.Fatalf("unexpected snapshot: %#v", snapshot)
	}
}

func TestAccessTokenQuery(t *testing.T) {
	q := NewAccessTokenQuery(stubTokenReader{token: "access-1"})
	token, err := q.Query(context.Background(), AccessTokenMessage{ConnectionID: "conn_1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if token != "access-1" {
		t.Fatalf("unexpected token: %q", token)
	}

	boom := fmt.Errorf("refresh failed")
	q = NewAccessTokenQuery(stubTokenReader{err: boom})
	if _, err := q.Query(context.Background(), AccessTokenMessage{ConnectionID: "conn_1"}); err != boom {
		t.Fatalf("expected reader error, got %v", err)
	}
}

func TestQueriesRequireReaders(t *testing.T) {
	if _, err := NewListConnectionsQuery(nil).Query(context.Background(), ListConnectionsMessage{UserID: "u"}); err == nil {
		t.Fatalf("expected missing connection reader to fail")
	}
	if _, err := NewSupportedBrokersQuery(nil).Query(context.Background(), SupportedBrokersMessage{}); err == nil {
		t.Fatalf("expected missing catalog reader to fail")
	}
	if _, err := NewConsolidatedPortfolioQuery(nil).Query(context.Background(), ConsolidatedPortfolioMessage{UserID: "u"}); err == nil {
		t.Fatalf("expected missing portfolio reader to fail")
	}
	if _, err := NewBrokerHealthQuery(nil).Query(context.Background(), BrokerHealthMessage{}); err == nil {
		t.Fatalf("expected missing health reader to fail")
	}
	if _, err := NewAccessTokenQuery(nil).Query(context.Background(), AccessTokenMessage{ConnectionID: "c"}); err == nil {
		t.Fatalf("expected missing token reader to fail")
	}
}

func TestQueryMessageValidation(t *testing.T) {
	if err := (ListConnectionsMessage{}).Validate(); err == nil {
		t.Fatalf("expected missing user id to fail")
	}
	if err := (ConsolidatedPortfolioMessage{}).Validate(); err == nil {
		t.Fatalf("expected missing user id to fail")
	}
	if err := (AccessTokenMessage{}).Validate(); err == nil {
		t.Fatalf("expected missing connection id to fail")
	}
	if err := (SupportedBrokersMessage{}).Validate(); err != nil {
		t.Fatalf("validate supported brokers: %v", err)
	}
	if err := (BrokerHealthMessage{}).Validate(); err != nil {
		t.Fatalf("validate health: %v", err)
	}
}

package query

import (
	"context"

	"github.com/quantfolio/go-brokers/core"
	"github.com/quantfolio/go-brokers/health"
	"github.com/quantfolio/go-brokers/portfolio"
)

type ConnectionReader interface {
	ListConnections(ctx context.Context, userID string) ([]core.Connection, error)
	ListActiveConnections(ctx context.Context, userID string) ([]core.Connection, error)
}

type CatalogReader interface {
	SupportedBrokers() []core.BrokerInfo
}

type PortfolioReader interface {
	Consolidated(ctx context.Context, userID string, includeBreakdown bool) (portfolio.Consolidated, error)
}

type HealthReader interface {
	Snapshot() []health.BrokerHealth
}

type TokenReader interface {
	GetValidAccessToken(ctx context.Context, connectionID string) (string, error)
}

type ListConnectionsQuery struct {
	reader ConnectionReader
}

func NewListConnectionsQuery(reader ConnectionReader) *ListConnectionsQuery {
	return &ListConnectionsQuery{reader: reader}
}

func (q *ListConnectionsQuery) Query(ctx context.Context, msg ListConnectionsMessage) ([]core.Connection, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: connection reader is required")
	}
	if msg.ActiveOnly {
		return q.reader.ListActiveConnections(ctx, msg.UserID)
	}
	return q.reader.ListConnections(ctx, msg.UserID)
}

type SupportedBrokersQuery struct {
	reader CatalogReader
}

func NewSupportedBrokersQuery(reader CatalogReader) *SupportedBrokersQuery {
	return &SupportedBrokersQuery{reader: reader}
}

func (q *SupportedBrokersQuery) Query(_ context.Context, _ SupportedBrokersMessage) ([]core.BrokerInfo, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: broker catalog reader is required")
	}
	return q.reader.SupportedBrokers(), nil
}

type ConsolidatedPortfolioQuery struct {
	reader PortfolioReader
}

func NewConsolidatedPortfolioQuery(reader PortfolioReader) *ConsolidatedPortfolioQuery {
	return &ConsolidatedPortfolioQuery{reader: reader}
}

func (q *ConsolidatedPortfolioQuery) Query(ctx context.Context, msg ConsolidatedPortfolioMessage) (portfolio.Consolidated, error) {
	if q == nil || q.reader == nil {
		return portfolio.Consolidated{}, queryDependencyError("query: portfolio reader is required")
	}
	return q.reader.Consolidated(ctx, msg.UserID, msg.IncludeBreakdown)
}

type BrokerHealthQuery struct {
	reader HealthReader
}

func NewBrokerHealthQuery(reader HealthReader) *BrokerHealthQuery {
	return &BrokerHealthQuery{reader: reader}
}

func (q *BrokerHealthQuery) Query(_ context.Context, _ BrokerHealthMessage) ([]health.BrokerHealth, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: health reader is required")
	}
	return q.reader.Snapshot(), nil
}

type AccessTokenQuery struct {
	reader TokenReader
}

func NewAccessTokenQuery(reader TokenReader) *AccessTokenQuery {
	return &AccessTokenQuery{reader: reader}
}

func (q *AccessTokenQuery) Query(ctx context.Context, msg AccessTokenMessage) (string, error) {
	if q == nil || q.reader == nil {
		return "", queryDependencyError("query: token reader is required")
	}
	return q.reader.GetValidAccessToken(ctx, msg.ConnectionID)
}

package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/quantfolio/go-brokers/core"
	"github.com/quantfolio/go-brokers/health"
	"github.com/quantfolio/go-brokers/portfolio"
)

var (
	_ gocmd.Querier[ListConnectionsMessage, []core.Connection]            = (*ListConnectionsQuery)(nil)
	_ gocmd.Querier[SupportedBrokersMessage, []core.BrokerInfo]           = (*SupportedBrokersQuery)(nil)
	_ gocmd.Querier[ConsolidatedPortfolioMessage, portfolio.Consolidated] = (*ConsolidatedPortfolioQuery)(nil)
	_ gocmd.Querier[BrokerHealthMessage, []health.BrokerHealth]           = (*BrokerHealthQuery)(nil)
	_ gocmd.Querier[AccessTokenMessage, string]                           = (*AccessTokenQuery)(nil)
)

package gobrokers

import (
	"fmt"

	brokerscommand "github.com/quantfolio/go-brokers/command"
	brokersquery "github.com/quantfolio/go-brokers/query"
)

// CommandQueryService is the surface the facade wires handlers around.
// *core.Service satisfies it.
type CommandQueryService interface {
	brokerscommand.MutatingService
	brokersquery.ConnectionReader
	brokersquery.CatalogReader
	brokersquery.TokenReader
}

type Commands struct {
	Connect          *brokerscommand.ConnectCommand
	CompleteCallback *brokerscommand.CompleteCallbackCommand
	Refresh          *brokerscommand.RefreshCommand
	Disconnect       *brokerscommand.DisconnectCommand
	RefreshSweep     *brokerscommand.RefreshSweepCommand
}

type Queries struct {
	ListConnections       *brokersquery.ListConnectionsQuery
	SupportedBrokers      *brokersquery.SupportedBrokersQuery
	ConsolidatedPortfolio *brokersquery.ConsolidatedPortfolioQuery
	BrokerHealth          *brokersquery.BrokerHealthQuery
	AccessToken           *brokersquery.AccessTokenQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	portfolioReader brokersquery.PortfolioReader
	healthReader    brokersquery.HealthReader
}

// WithPortfolioReader attaches the consolidated-portfolio query source,
// typically a *portfolio.Aggregator.
func WithPortfolioReader(reader brokersquery.PortfolioReader) FacadeOption {
	return func(options *facadeOptions) {
		options.portfolioReader = reader
	}
}

// WithHealthReader attaches the broker health query source, typically
// a *health.Monitor.
func WithHealthReader(reader brokersquery.HealthReader) FacadeOption {
	return func(options *facadeOptions) {
		options.healthReader = reader
	}
}

func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("brokers: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		Connect:          brokerscommand.NewConnectCommand(service),
		CompleteCallback: brokerscommand.NewCompleteCallbackCommand(service),
		Refresh:          brokerscommand.NewRefreshCommand(service),
		Disconnect:       brokerscommand.NewDisconnectCommand(service),
		RefreshSweep:     brokerscommand.NewRefreshSweepCommand(service),
	}
	facade.queries = Queries{
		ListConnections:       brokersquery.NewListConnectionsQuery(service),
		SupportedBrokers:      brokersquery.NewSupportedBrokersQuery(service),
		ConsolidatedPortfolio: brokersquery.NewConsolidatedPortfolioQuery(cfg.portfolioReader),
		BrokerHealth:          brokersquery.NewBrokerHealthQuery(cfg.healthReader),
		AccessToken:           brokersquery.NewAccessTokenQuery(service),
	}

	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

package query

import (
	"fmt"
	"strings"
)

const (
	TypeListConnections       = "brokers.query.connections.list"
	TypeSupportedBrokers      = "brokers.query.brokers.supported"
	TypeConsolidatedPortfolio = "brokers.query.portfolio.consolidated"
	TypeBrokerHealth          = "brokers.query.health"
	TypeAccessToken           = "brokers.query.token.access"
)

type ListConnectionsMessage struct {
	UserID     string
	ActiveOnly bool
}

func (ListConnectionsMessage) Type() string { return TypeListConnections }

func (m ListConnectionsMessage) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return fmt.Errorf("query: user id is required")
	}
	return nil
}

type SupportedBrokersMessage struct{}

func (SupportedBrokersMessage) Type() string { return TypeSupportedBrokers }

func (SupportedBrokersMessage) Validate() error { return nil }

type ConsolidatedPortfolioMessage struct {
	UserID           string
	IncludeBreakdown bool
}

func (ConsolidatedPortfolioMessage) Type() string { return TypeConsolidatedPortfolio }

func (m ConsolidatedPortfolioMessage) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return fmt.Errorf("query: user id is required")
	}
	return nil
}

type BrokerHealthMessage struct{}

func (BrokerHealthMessage) Type() string { return TypeBrokerHealth }

func (BrokerHealthMessage) Validate() error { return nil }

type AccessTokenMessage struct {
	ConnectionID string
}

func (AccessTokenMessage) Type() string { return TypeAccessToken }

func (m AccessTokenMessage) Validate() error {
	if strings.TrimSpace(m.ConnectionID) == "" {
		return fmt.Errorf("query: connection id is required")
	}
	return nil
}

package portfolio

import (
	"time"

	"github.com/quantfolio/go-brokers/core"
)

// Position is one holding as reported by a broker, attributed to the
// connection it came from.
type Position struct {
	Symbol       string
	Exchange     string
	Quantity     float64
	AvgPrice     float64
	LastPrice    float64
	MarketValue  float64
	ConnectionID string
	Broker       core.BrokerType
	UpdatedAt    time.Time
}

func (p Position) value() float64 {
	if p.MarketValue != 0 {
		return p.MarketValue
	}
	return p.Quantity * p.LastPrice
}

func (p Position) cost() float64 {
	return p.Quantity * p.AvgPrice
}

type Freshness string

const (
	FreshnessFresh   Freshness = "fresh"
	FreshnessPartial Freshness = "partial"
	FreshnessStale   Freshness = "stale"
)

// BrokerBreakdown carries the per-connection slice of a consolidated
// view. Positions keep their broker attribution; nothing is netted
// across brokers.
type BrokerBreakdown struct {
	ConnectionID  string
	Broker        core.BrokerType
	TotalValue    float64
	TotalCost     float64
	UnrealizedPnL float64
	Positions     []Position
}

type Consolidated struct {
	UserID        string
	TotalValue    float64
	TotalCost     float64
	UnrealizedPnL float64
	Freshness     Freshness
	FailedBrokers []core.BrokerType
	Breakdown     []BrokerBreakdown
	GeneratedAt   time.Time
}

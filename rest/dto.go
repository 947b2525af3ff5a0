package rest

import (
	"time"

	"github.com/quantfolio/go-brokers/core"
	"github.com/quantfolio/go-brokers/health"
	"github.com/quantfolio/go-brokers/portfolio"
)

// Wire DTOs. Tokens, encrypted payloads, and key ids are deliberately
// absent from every response shape.

type connectRequestDTO struct {
	Broker      string `json:"broker"`
	RedirectURI string `json:"redirect_uri,omitempty"`
}

type connectResponseDTO struct {
	AuthorizationURL string    `json:"authorization_url"`
	State            string    `json:"state"`
	ExpiresAt        time.Time `json:"expires_at"`
}

type completeCallbackRequestDTO struct {
	Broker      string `json:"broker"`
	Code        string `json:"code"`
	State       string `json:"state"`
	RedirectURI string `json:"redirect_uri,omitempty"`
}

type connectionDTO struct {
	ID                string    `json:"id"`
	Broker            string    `json:"broker"`
	ExternalAccountID string    `json:"external_account_id"`
	Status            string    `json:"status"`
	LastError         string    `json:"last_error,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type callbackCompletionDTO struct {
	Connection        connectionDTO `json:"connection"`
	CredentialVersion int           `json:"credential_version"`
	ExpiresAt         *time.Time    `json:"expires_at,omitempty"`
}

type positionDTO struct {
	Symbol      string  `json:"symbol"`
	Exchange    string  `json:"exchange,omitempty"`
	Quantity    float64 `json:"quantity"`
	AvgPrice    float64 `json:"avg_price"`
	LastPrice   float64 `json:"last_price"`
	MarketValue float64 `json:"market_value"`
	Broker      string  `json:"broker"`
}

type breakdownDTO struct {
	ConnectionID  string        `json:"connection_id"`
	Broker        string        `json:"broker"`
	TotalValue    float64       `json:"total_value"`
	TotalCost     float64       `json:"total_cost"`
	UnrealizedPnL float64       `json:"unrealized_pnl"`
	Positions     []positionDTO `json:"positions"`
}

type consolidatedDTO struct {
	TotalValue    float64        `json:"total_value"`
	TotalCost     float64        `json:"total_cost"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	Freshness     string         `json:"freshness"`
	FailedBrokers []string       `json:"failed_brokers,omitempty"`
	Breakdown     []breakdownDTO `json:"breakdown,omitempty"`
	GeneratedAt   time.Time      `json:"generated_at"`
}

type brokerInfoDTO struct {
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
	Active      bool   `json:"active"`
}

type brokerHealthDTO struct {
	Broker      string  `json:"broker"`
	Successes   int64   `json:"successes"`
	Failures    int64   `json:"failures"`
	SuccessRate float64 `json:"success_rate"`
	AvgLatency  int64   `json:"avg_latency_ms"`
}

func toConnectionDTO(connection core.Connection) connectionDTO {
	return connectionDTO{
		ID:                connection.ID,
		Broker:            connection.Broker.String(),
		ExternalAccountID: connection.ExternalAccountID,
		Status:            string(connection.Status),
		LastError:         connection.LastError,
		CreatedAt:         connection.CreatedAt,
		UpdatedAt:         connection.UpdatedAt,
	}
}

func toCallbackCompletionDTO(completion core.CallbackCompletion) callbackCompletionDTO {
	dto := callbackCompletionDTO{
		Connection:        toConnectionDTO(completion.Connection),
		CredentialVersion: completion.Credential.Version,
	}
	if !completion.Credential.ExpiresAt.IsZero() {
		expiresAt := completion.Credential.ExpiresAt
		dto.ExpiresAt = &expiresAt
	}
	return dto
}

func toConsolidatedDTO(consolidated portfolio.Consolidated) consolidatedDTO {
	dto := consolidatedDTO{
		TotalValue:    consolidated.TotalValue,
		TotalCost:     consolidated.TotalCost,
		UnrealizedPnL: consolidated.UnrealizedPnL,
		Freshness:     string(consolidated.Freshness),
		GeneratedAt:   consolidated.GeneratedAt,
	}
	for _, broker := range consolidated.FailedBrokers {
		dto.FailedBrokers = append(dto.FailedBrokers, broker.String())
	}
	for _, breakdown := range consolidated.Breakdown {
		dto.Breakdown = append(dto.Breakdown, toBreakdownDTO(breakdown))
	}
	return dto
}

func toBreakdownDTO(breakdown portfolio.BrokerBreakdown) breakdownDTO {
	dto := breakdownDTO{
		ConnectionID:  breakdown.ConnectionID,
		Broker:        breakdown.Broker.String(),
		TotalValue:    breakdown.TotalValue,
		TotalCost:     breakdown.TotalCost,
		UnrealizedPnL: breakdown.UnrealizedPnL,
		Positions:     make([]positionDTO, 0, len(breakdown.Positions)),
	}
	for _, position := range breakdown.Positions {
		dto.Positions = append(dto.Positions, positionDTO{
			Symbol:      position.Symbol,
			Exchange:    position.Exchange,
			Quantity:    position.Quantity,
			AvgPrice:    position.AvgPrice,
			LastPrice:   position.LastPrice,
			MarketValue: position.MarketValue,
			Broker:      position.Broker.String(),
		})
	}
	return dto
}

func toBrokerInfoDTO(info core.BrokerInfo) brokerInfoDTO {
	return brokerInfoDTO{
		Type:        info.Type.String(),
		DisplayName: info.DisplayName,
		Active:      info.Active,
	}
}

func toBrokerHealthDTO(state health.BrokerHealth) brokerHealthDTO {
	return brokerHealthDTO{
		Broker:      state.Broker.String(),
		Successes:   state.Successes,
		Failures:    state.Failures,
		SuccessRate: state.SuccessRate,
		AvgLatency:  state.AvgLatencyMS,
	}
}

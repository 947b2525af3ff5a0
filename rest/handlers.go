package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/quantfolio/go-brokers/core"
	"github.com/quantfolio/go-brokers/health"
	"github.com/quantfolio/go-brokers/portfolio"
)

// ConnectionService is the slice of the broker service the HTTP layer
// depends on.
type ConnectionService interface {
	Connect(ctx context.Context, req core.ConnectRequest) (core.BeginAuthResponse, error)
	CompleteCallback(ctx context.Context, req core.CompleteAuthRequest) (core.CallbackCompletion, error)
	Disconnect(ctx context.Context, userID string, connectionID string) error
	ListConnections(ctx context.Context, userID string) ([]core.Connection, error)
	ListActiveConnections(ctx context.Context, userID string) ([]core.Connection, error)
	SupportedBrokers() []core.BrokerInfo
}

// PortfolioReader resolves the cross broker consolidated view.
type PortfolioReader interface {
	Consolidated(ctx context.Context, userID string, includeBreakdown bool) (portfolio.Consolidated, error)
}

// HealthReader exposes per broker health counters.
type HealthReader interface {
	Snapshot() []health.BrokerHealth
}

type Handlers struct {
	service   ConnectionService
	portfolio PortfolioReader
	monitor   HealthReader
	logger    core.Logger
}

func NewHandlers(service ConnectionService, reader PortfolioReader, monitor HealthReader, logger core.Logger) *Handlers {
	return &Handlers{
		service:   service,
		portfolio: reader,
		monitor:   monitor,
		logger:    glog.Ensure(logger),
	}
}

func (h *Handlers) handleConnectInitiate(w http.ResponseWriter, r *http.Request) {
	var body connectRequestDTO
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, r, core.NewBrokerError(core.KindValidation, core.BrokerTypeUnknown, err.Error()))
		return
	}

	broker, err := core.ParseBrokerType(body.Broker)
	if err != nil {
		writeError(w, r, core.NewBrokerError(core.KindValidation, core.BrokerTypeUnknown, err.Error()))
		return
	}

	response, err := h.service.Connect(r.Context(), core.ConnectRequest{
		UserID:      UserIDFromContext(r.Context()),
		Broker:      broker,
		RedirectURI: strings.TrimSpace(body.RedirectURI),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, connectResponseDTO{
		AuthorizationURL: response.AuthorizationURL,
		State:            response.State,
		ExpiresAt:        response.ExpiresAt,
	})
}

func (h *Handlers) handleConnectComplete(w http.ResponseWriter, r *http.Request) {
	var body completeCallbackRequestDTO
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, r, core.NewBrokerError(core.KindValidation, core.BrokerTypeUnknown, err.Error()))
		return
	}

	broker := core.BrokerTypeUnknown
	if strings.TrimSpace(body.Broker) != "" {
		parsed, err := core.ParseBrokerType(body.Broker)
		if err != nil {
			writeError(w, r, core.NewBrokerError(core.KindValidation, core.BrokerTypeUnknown, err.Error()))
			return
		}
		broker = parsed
	}

	completion, err := h.service.CompleteCallback(r.Context(), core.CompleteAuthRequest{
		Broker:      broker,
		Code:        body.Code,
		State:       body.State,
		RedirectURI: strings.TrimSpace(body.RedirectURI),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.logger.Info("broker connected",
		"broker", completion.Connection.Broker.String(),
		"connection_id", completion.Connection.ID,
	)
	writeJSON(w, http.StatusOK, toCallbackCompletionDTO(completion))
}

func (h *Handlers) handleListConnections(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	var (
		connections []core.Connection
		err         error
	)
	if queryFlag(r, "active") {
		connections, err = h.service.ListActiveConnections(r.Context(), userID)
	} else {
		connections, err = h.service.ListConnections(r.Context(), userID)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make([]connectionDTO, 0, len(connections))
	for _, connection := range connections {
		out = append(out, toConnectionDTO(connection))
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": out})
}

func (h *Handlers) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	connectionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := h.service.Disconnect(r.Context(), UserIDFromContext(r.Context()), connectionID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleConsolidatedPortfolio(w http.ResponseWriter, r *http.Request) {
	consolidated, err := h.portfolio.Consolidated(r.Context(), UserIDFromContext(r.Context()), queryFlag(r, "includeBreakdown"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConsolidatedDTO(consolidated))
}

func (h *Handlers) handleSupportedBrokers(w http.ResponseWriter, r *http.Request) {
	infos := h.service.SupportedBrokers()
	out := make([]brokerInfoDTO, 0, len(infos))
	for _, info := range infos {
		out = append(out, toBrokerInfoDTO(info))
	}
	writeJSON(w, http.StatusOK, map[string]any{"brokers": out})
}

func (h *Handlers) handleBrokerHealth(w http.ResponseWriter, r *http.Request) {
	states := h.monitor.Snapshot()
	out := make([]brokerHealthDTO, 0, len(states))
	for _, state := range states {
		out = append(out, toBrokerHealthDTO(state))
	}
	writeJSON(w, http.StatusOK, map[string]any{"brokers": out})
}

func queryFlag(r *http.Request, name string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(name))) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func decodeJSONBody(r *http.Request, target any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

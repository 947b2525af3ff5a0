package zerodha

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quantfolio/go-brokers/core"
	"github.com/quantfolio/go-brokers/portfolio"
)

const (
	defaultLoginURL    = "https://kite.zerodha.com/connect/login"
	defaultAPIBaseURL  = "https://api.kite.trade"
	defaultHTTPTimeout = 30 * time.Second
	kiteVersionHeader  = "3"
	maxResponseBytes   = 1 << 20
	sessionTokenPath   = "/session/token"
	sessionRevokePath  = "/session/token"
	positionsPath      = "/portfolio/positions"
	defaultDisplayName = "Zerodha Kite"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the Kite Connect app credentials. Sessions are daily;
// Kite issues no refresh token and invalidates access tokens around
// the next trading day's start.
type Config struct {
	APIKey      string
	APISecret   string
	LoginURL    string
	APIBaseURL  string
	Active      bool
	SessionTTL  time.Duration
	Now         func() time.Time
	HTTPClient  HTTPDoer
	DisplayName string
}

type Adapter struct {
	cfg        Config
	httpClient HTTPDoer
}

func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("zerodha: api key is required")
	}
	if strings.TrimSpace(cfg.APISecret) == "" {
		return nil, fmt.Errorf("zerodha: api secret is required")
	}

	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.APISecret = strings.TrimSpace(cfg.APISecret)
	if strings.TrimSpace(cfg.LoginURL) == "" {
		cfg.LoginURL = defaultLoginURL
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if strings.TrimSpace(cfg.DisplayName) == "" {
		cfg.DisplayName = defaultDisplayName
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &Adapter{cfg: cfg, httpClient: httpClient}, nil
}

func (a *Adapter) Broker() core.BrokerType {
	return core.BrokerTypeZerodha
}

func (a *Adapter) Info() core.BrokerInfo {
	if a == nil {
		return core.BrokerInfo{Type: core.BrokerTypeZerodha}
	}
	return core.BrokerInfo{
		Type:            core.BrokerTypeZerodha,
		DisplayName:     a.cfg.DisplayName,
		AuthURLTemplate: a.cfg.LoginURL,
		Active:          a.cfg.Active,
	}
}

// BeginAuth builds the Kite Connect login URL. The state rides along as
// a redirect param so the callback can correlate it.
func (a *Adapter) BeginAuth(_ context.Context, req core.BeginAuthRequest) (core.AuthSession, error) {
	if a == nil {
		return core.AuthSession{}, fmt.Errorf("zerodha: adapter is nil")
	}
	state := strings.TrimSpace(req.State)
	if state == "" {
		return core.AuthSession{}, fmt.Errorf("zerodha: oauth state is required")
	}

	values := url.Values{}
	values.Set("v", kiteVersionHeader)
	values.Set("api_key", a.cfg.APIKey)
	values.Set("redirect_params", "state="+url.QueryEscape(state))

	loginURL := a.cfg.LoginURL
	if strings.Contains(loginURL, "?") {
		loginURL += "&" + values.Encode()
	} else {
		loginURL += "?" + values.Encode()
	}

	return core.AuthSession{AuthorizationURL: loginURL, State: state}, nil
}

type sessionPayload struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
	Data      struct {
		UserID      string `json:"user_id"`
		AccessToken string `json:"access_token"`
	} `json:"data"`
}

// Exchange trades the callback's request token for a session using the
// Kite checksum scheme: sha256(api_key + request_token + api_secret).
func (a *Adapter) Exchange(ctx context.Context, req core.ExchangeRequest) (core.ExchangeResult, error) {
	if a == nil {
		return core.ExchangeResult{}, fmt.Errorf("zerodha: adapter is nil")
	}
	requestToken := strings.TrimSpace(req.Code)
	if requestToken == "" {
		return core.ExchangeResult{}, core.NewBrokerError(core.KindValidation, core.BrokerTypeZerodha, "request token is required")
	}

	checksum := sha256.Sum256([]byte(a.cfg.APIKey + requestToken + a.cfg.APISecret))
	form := url.Values{}
	form.Set("api_key", a.cfg.APIKey)
	form.Set("request_token", requestToken)
	form.Set("checksum", hex.EncodeToString(checksum[:]))

	payload, err := a.postSession(ctx, form)
	if err != nil {
		return core.ExchangeResult{}, err
	}

	now := a.cfg.Now().UTC()
	return core.ExchangeResult{
		Tokens: core.TokenSet{
			AccessToken: payload.Data.AccessToken,
			TokenType:   "token",
			ExpiresAt:   now.Add(a.cfg.SessionTTL),
		},
		ExternalAccountID: payload.Data.UserID,
	}, nil
}

// Refresh always fails: Kite sessions cannot be renewed without the
// user logging in again.
func (a *Adapter) Refresh(_ context.Context, _ core.TokenSet) (core.TokenSet, error) {
	return core.TokenSet{}, core.NewBrokerError(
		core.KindRefreshInvalid,
		core.BrokerTypeZerodha,
		"kite sessions expire daily and require a fresh login",
	)
}

func (a *Adapter) Revoke(ctx context.Context, tokens core.TokenSet) error {
	if a == nil {
		return fmt.Errorf("zerodha: adapter is nil")
	}
	accessToken := strings.TrimSpace(tokens.AccessToken)
	if accessToken == "" {
		return nil
	}

	endpoint := fmt.Sprintf("%s%s?api_key=%s&access_token=%s",
		a.cfg.APIBaseURL, sessionRevokePath,
		url.QueryEscape(a.cfg.APIKey), url.QueryEscape(accessToken))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	a.setHeaders(httpReq, accessToken)

	response, err := a.httpClient.Do(httpReq)
	if err != nil {
		return core.WrapBrokerError(core.KindRoutingFailed, core.BrokerTypeZerodha, err)
	}
	defer response.Body.Close()
	io.Copy(io.Discard, io.LimitReader(response.Body, maxResponseBytes))

	// A 403 here means the session was already invalid, which is the
	// state revoke wants anyway.
	if response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	if response.StatusCode == http.StatusForbidden || response.StatusCode == http.StatusUnauthorized {
		return nil
	}
	return core.NewBrokerError(core.KindRoutingFailed, core.BrokerTypeZerodha,
		fmt.Sprintf("session revoke failed (%d)", response.StatusCode))
}

type positionsResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
	Data      struct {
		Net []struct {
			TradingSymbol string  `json:"tradingsymbol"`
			Exchange      string  `json:"exchange"`
			Quantity      float64 `json:"quantity"`
			AveragePrice  float64 `json:"average_price"`
			LastPrice     float64 `json:"last_price"`
		} `json:"net"`
	} `json:"data"`
}

func (a *Adapter) FetchPositions(ctx context.Context, accessToken string) ([]portfolio.Position, error) {
	if a == nil {
		return nil, fmt.Errorf("zerodha: adapter is nil")
	}
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil, core.NewBrokerError(core.KindInvalidCredentials, core.BrokerTypeZerodha, "access token is required")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.APIBaseURL+positionsPath, nil)
	if err != nil {
		return nil, err
	}
	a.setHeaders(httpReq, accessToken)

	response, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.WrapBrokerError(core.KindRoutingFailed, core.BrokerTypeZerodha, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, core.WrapBrokerError(core.KindRoutingFailed, core.BrokerTypeZerodha, err)
	}
	if err := a.classifyStatus(response.StatusCode, body); err != nil {
		return nil, err
	}

	var decoded positionsResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, core.WrapBrokerError(core.KindRoutingFailed, core.BrokerTypeZerodha,
			fmt.Errorf("decode positions response: %w", err))
	}

	positions := make([]portfolio.Position, 0, len(decoded.Data.Net))
	for _, item := range decoded.Data.Net {
		symbol := strings.TrimSpace(item.TradingSymbol)
		if symbol == "" {
			continue
		}
		positions = append(positions, portfolio.Position{
			Symbol:    symbol,
			Exchange:  strings.TrimSpace(item.Exchange),
			Quantity:  item.Quantity,
			AvgPrice:  item.AveragePrice,
			LastPrice: item.LastPrice,
		})
	}
	return positions, nil
}

func (a *Adapter) postSession(ctx context.Context, form url.Values) (sessionPayload, error) {
	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		a.cfg.APIBaseURL+sessionTokenPath,
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return sessionPayload{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("X-Kite-Version", kiteVersionHeader)

	response, err := a.httpClient.Do(httpReq)
	if err != nil {
		return sessionPayload{}, core.WrapBrokerError(core.KindRoutingFailed, core.BrokerTypeZerodha, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return sessionPayload{}, core.WrapBrokerError(core.KindRoutingFailed, core.BrokerTypeZerodha, err)
	}

	var payload sessionPayload
	if decodeErr := json.Unmarshal(body, &payload); decodeErr != nil && response.StatusCode < http.StatusBadRequest {
		return sessionPayload{}, core.WrapBrokerError(core.KindRoutingFailed, core.BrokerTypeZerodha,
			fmt.Errorf("decode session response: %w", decodeErr))
	}

	if response.StatusCode == http.StatusForbidden || response.StatusCode == http.StatusUnauthorized ||
		payload.ErrorType == "TokenException" {
		message := strings.TrimSpace(payload.Message)
		if message == "" {
			message = "kite rejected the request token"
		}
		return sessionPayload{}, core.NewBrokerError(core.KindInvalidCredentials, core.BrokerTypeZerodha, message)
	}
	if response.StatusCode == http.StatusTooManyRequests {
		return sessionPayload{}, core.NewBrokerError(core.KindRateLimited, core.BrokerTypeZerodha, "")
	}
	if response.StatusCode >= http.StatusInternalServerError {
		return sessionPayload{}, core.NewBrokerError(core.KindMaintenance, core.BrokerTypeZerodha,
			fmt.Sprintf("kite unavailable (%d)", response.StatusCode))
	}
	if response.StatusCode >= http.StatusBadRequest {
		return sessionPayload{}, core.NewBrokerError(core.KindRoutingFailed, core.BrokerTypeZerodha,
			fmt.Sprintf("unexpected kite response (%d)", response.StatusCode))
	}
	if strings.TrimSpace(payload.Data.AccessToken) == "" {
		return sessionPayload{}, core.NewBrokerError(core.KindInvalidCredentials, core.BrokerTypeZerodha,
			"session response missing access token")
	}
	return payload, nil
}

func (a *Adapter) classifyStatus(status int, body []byte) error {
	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		return nil
	}

	var payload struct {
		Message   string `json:"message"`
		ErrorType string `json:"error_type"`
	}
	_ = json.Unmarshal(body, &payload)

	switch {
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		message := strings.TrimSpace(payload.Message)
		if message == "" {
			message = "kite session is no longer valid"
		}
		return core.NewBrokerError(core.KindTokenExpired, core.BrokerTypeZerodha, message)
	case status == http.StatusTooManyRequests:
		return core.NewBrokerError(core.KindRateLimited, core.BrokerTypeZerodha, "")
	case status >= http.StatusInternalServerError:
		return core.NewBrokerError(core.KindMaintenance, core.BrokerTypeZerodha,
			fmt.Sprintf("kite unavailable (%d)", status))
	default:
		return core.NewBrokerError(core.KindRoutingFailed, core.BrokerTypeZerodha,
			fmt.Sprintf("unexpected kite response (%d)", status))
	}
}

// Kite uses "token api_key:access_token" instead of a bearer scheme.
func (a *Adapter) setHeaders(req *http.Request, accessToken string) {
	req.Header.Set("X-Kite-Version", kiteVersionHeader)
	req.Header.Set("Authorization", "token "+a.cfg.APIKey+":"+accessToken)
}

var (
	_ core.BrokerAdapter        = (*Adapter)(nil)
	_ portfolio.PositionFetcher = (*Adapter)(nil)
)

package brokers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/quantfolio/go-brokers/core"
	"github.com/quantfolio/go-brokers/portfolio"
)

const (
	defaultTokenRequestTimeout = 30 * time.Second
	maxResponseBodyBytes       = 1 << 20 // 1 MiB
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// OAuth2Config describes a standard authorization-code broker. Upstox,
// AngelOne, and Fyers all fit this shape; Zerodha needs its own
// adapter because of its checksum exchange.
type OAuth2Config struct {
	Broker              core.BrokerType
	DisplayName         string
	AuthURL             string
	TokenURL            string
	PositionsURL        string
	ClientID            string
	ClientSecret        string
	ClientSecretInBody  bool
	DefaultScopes       []string
	Active              bool
	TokenTTL            time.Duration
	TokenRequestTimeout time.Duration
	Now                 func() time.Time
	HTTPClient          HTTPDoer
}

type OAuth2Adapter struct {
	cfg        OAuth2Config
	httpClient HTTPDoer
}

type tokenEndpointPayload struct {
	AccessToken      string
	TokenType        string
	RefreshToken     string
	Scope            string
	ExpiresIn        int64
	ErrorCode        string
	ErrorDescription string
}

func NewOAuth2Adapter(cfg OAuth2Config) (*OAuth2Adapter, error) {
	if err := cfg.Broker.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.AuthURL) == "" {
		return nil, fmt.Errorf("brokers: auth url is required for %q", cfg.Broker)
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, fmt.Errorf("brokers: token url is required for %q", cfg.Broker)
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("brokers: client id is required for %q", cfg.Broker)
	}

	cfg.AuthURL = strings.TrimSpace(cfg.AuthURL)
	cfg.TokenURL = strings.TrimSpace(cfg.TokenURL)
	cfg.PositionsURL = strings.TrimSpace(cfg.PositionsURL)
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	cfg.ClientSecret = strings.TrimSpace(cfg.ClientSecret)
	cfg.DefaultScopes = normalizeScopes(cfg.DefaultScopes)
	if strings.TrimSpace(cfg.DisplayName) == "" {
		cfg.DisplayName = titleCase(cfg.Broker.String())
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.TokenRequestTimeout <= 0 {
		cfg.TokenRequestTimeout = defaultTokenRequestTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.TokenRequestTimeout}
	}

	return &OAuth2Adapter{cfg: cfg, httpClient: httpClient}, nil
}

func (a *OAuth2Adapter) Broker() core.BrokerType {
	if a == nil {
		return core.BrokerTypeUnknown
	}
	return a.cfg.Broker
}

func (a *OAuth2Adapter) Info() core.BrokerInfo {
	if a == nil {
		return core.BrokerInfo{}
	}
	return core.BrokerInfo{
		Type:            a.cfg.Broker,
		DisplayName:     a.cfg.DisplayName,
		AuthURLTemplate: a.cfg.AuthURL,
		Active:          a.cfg.Active,
	}
}

func (a *OAuth2Adapter) BeginAuth(_ context.Context, req core.BeginAuthRequest) (core.AuthSession, error) {
	if a == nil {
		return core.AuthSession{}, fmt.Errorf("brokers: oauth2 adapter is nil")
	}
	state := strings.TrimSpace(req.State)
	if state == "" {
		return core.AuthSession{}, fmt.Errorf("brokers: oauth state is required")
	}

	values := url.Values{}
	values.Set("response_type", "code")
	values.Set("client_id", a.cfg.ClientID)
	if redirectURI := strings.TrimSpace(req.RedirectURI); redirectURI != "" {
		values.Set("redirect_uri", redirectURI)
	}
	if len(a.cfg.DefaultScopes) > 0 {
		values.Set("scope", strings.Join(a.cfg.DefaultScopes, " "))
	}
	values.Set("state", state)

	authURL := a.cfg.AuthURL
	if strings.Contains(authURL, "?") {
		authURL += "&" + values.Encode()
	} else {
		authURL += "?" + values.Encode()
	}

	return core.AuthSession{AuthorizationURL: authURL, State: state}, nil
}

func (a *OAuth2Adapter) Exchange(ctx context.Context, req core.ExchangeRequest) (core.ExchangeResult, error) {
	if a == nil {
		return core.ExchangeResult{}, fmt.Errorf("brokers: oauth2 adapter is nil")
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return core.ExchangeResult{}, core.NewBrokerError(core.KindValidation, a.cfg.Broker, "authorization code is required")
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	if redirectURI := strings.TrimSpace(req.RedirectURI); redirectURI != "" {
		form.Set("redirect_uri", redirectURI)
	}

	token, err := a.fetchToken(ctx, form, core.KindInvalidCredentials)
	if err != nil {
		return core.ExchangeResult{}, err
	}

	now := a.cfg.Now().UTC()
	refreshToken := strings.TrimSpace(token.RefreshToken)
	return core.ExchangeResult{
		Tokens: core.TokenSet{
			AccessToken:  strings.TrimSpace(token.AccessToken),
			RefreshToken: refreshToken,
			TokenType:    normalizeTokenType(token.TokenType),
			ExpiresAt:    a.resolveExpiresAt(now, token.ExpiresIn),
			Scopes:       parseScopeList(token.Scope),
		},
		ExternalAccountID: fmt.Sprintf("%s:%s", a.cfg.Broker, a.cfg.ClientID),
	}, nil
}

func (a *OAuth2Adapter) Refresh(ctx context.Context, tokens core.TokenSet) (core.TokenSet, error) {
	if a == nil {
		return core.TokenSet{}, fmt.Errorf("brokers: oauth2 adapter is nil")
	}
	refreshToken := strings.TrimSpace(tokens.RefreshToken)
	if refreshToken == "" {
		return core.TokenSet{}, core.NewBrokerError(core.KindRefreshInvalid, a.cfg.Broker, "refresh token is required")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	token, err := a.fetchToken(ctx, form, core.KindRefreshInvalid)
	if err != nil {
		return core.TokenSet{}, err
	}

	now := a.cfg.Now().UTC()
	refreshed := tokens
	refreshed.AccessToken = strings.TrimSpace(token.AccessToken)
	refreshed.TokenType = normalizeTokenType(token.TokenType)
	refreshed.ExpiresAt = a.resolveExpiresAt(now, token.ExpiresIn)
	if next := strings.TrimSpace(token.RefreshToken); next != "" {
		refreshed.RefreshToken = next
	}
	if scopes := parseScopeList(token.Scope); len(scopes) > 0 {
		refreshed.Scopes = scopes
	}
	return refreshed, nil
}

func (a *OAuth2Adapter) Revoke(_ context.Context, _ core.TokenSet) error {
	// Most Indian broker APIs expire sessions daily and expose no
	// revocation endpoint; local credential wipe is sufficient.
	return nil
}

func (a *OAuth2Adapter) FetchPositions(ctx context.Context, accessToken string) ([]portfolio.Position, error) {
	if a == nil {
		return nil, fmt.Errorf("brokers: oauth2 adapter is nil")
	}
	if strings.TrimSpace(a.cfg.PositionsURL) == "" {
		return nil, core.NewBrokerError(core.KindValidation, a.cfg.Broker, "positions url is not configured")
	}
	if strings.TrimSpace(accessToken) == "" {
		return nil, core.NewBrokerError(core.KindInvalidCredentials, a.cfg.Broker, "access token is required")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.PositionsURL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+strings.TrimSpace(accessToken))

	response, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.WrapBrokerError(core.KindRoutingFailed, a.cfg.Broker, err)
	}
	defer response.Body.Close()

	body, readErr := readLimitedBody(response.Body)
	if readErr != nil {
		return nil, core.WrapBrokerError(core.KindRoutingFailed, a.cfg.Broker, readErr)
	}
	if err := classifyStatus(response.StatusCode, a.cfg.Broker, core.KindTokenExpired); err != nil {
		return nil, err
	}

	positions, err := parsePositionsPayload(body)
	if err != nil {
		return nil, core.WrapBrokerError(core.KindRoutingFailed, a.cfg.Broker, err)
	}
	return positions, nil
}

func (a *OAuth2Adapter) fetchToken(ctx context.Context, form url.Values, failureKind core.ErrorKind) (tokenEndpointPayload, error) {
	if a.httpClient == nil {
		return tokenEndpointPayload{}, fmt.Errorf("brokers: oauth2 http client is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	values := url.Values{}
	for key, items := range form {
		for _, item := range items {
			values.Add(key, strings.TrimSpace(item))
		}
	}
	values.Set("client_id", a.cfg.ClientID)
	if a.cfg.ClientSecretInBody && a.cfg.ClientSecret != "" {
		values.Set("client_secret", a.cfg.ClientSecret)
	}

	requestCtx := ctx
	cancel := func() {}
	if a.cfg.TokenRequestTimeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, a.cfg.TokenRequestTimeout)
	}
	defer cancel()

	httpReq, err := http.NewRequestWithContext(
		requestCtx,
		http.MethodPost,
		a.cfg.TokenURL,
		strings.NewReader(values.Encode()),
	)
	if err != nil {
		return tokenEndpointPayload{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	if !a.cfg.ClientSecretInBody && a.cfg.ClientSecret != "" {
		httpReq.SetBasicAuth(a.cfg.ClientID, a.cfg.ClientSecret)
	}

	response, err := a.httpClient.Do(httpReq)
	if err != nil {
		return tokenEndpointPayload{}, core.WrapBrokerError(core.KindRoutingFailed, a.cfg.Broker, err)
	}
	defer response.Body.Close()

	body, readErr := readLimitedBody(response.Body)
	if readErr != nil {
		return tokenEndpointPayload{}, core.WrapBrokerError(core.KindRoutingFailed, a.cfg.Broker, readErr)
	}

	payload, parseErr := parseTokenPayload(body, response.Header.Get("Content-Type"))
	if parseErr != nil {
		return tokenEndpointPayload{}, core.WrapBrokerError(core.KindRoutingFailed, a.cfg.Broker,
			fmt.Errorf("decode token response: %w", parseErr))
	}
	if err := classifyStatus(response.StatusCode, a.cfg.Broker, failureKind); err != nil {
		return tokenEndpointPayload{}, err
	}
	if payload.ErrorCode != "" {
		return tokenEndpointPayload{}, core.NewBrokerError(failureKind, a.cfg.Broker, describeTokenError(payload))
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return tokenEndpointPayload{}, core.NewBrokerError(failureKind, a.cfg.Broker, "token endpoint response missing access token")
	}
	return payload, nil
}

// classifyStatus maps upstream HTTP status codes onto the error table.
func classifyStatus(status int, broker core.BrokerType, authKind core.ErrorKind) error {
	switch {
	case status >= http.StatusOK && status < http.StatusMultipleChoices:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return core.NewBrokerError(authKind, broker, fmt.Sprintf("broker rejected the request (%d)", status))
	case status == http.StatusTooManyRequests:
		return core.NewBrokerError(core.KindRateLimited, broker, "")
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway || status == http.StatusGatewayTimeout:
		return core.NewBrokerError(core.KindMaintenance, broker, fmt.Sprintf("broker unavailable (%d)", status))
	default:
		return core.NewBrokerError(core.KindRoutingFailed, broker, fmt.Sprintf("unexpected broker response (%d)", status))
	}
}

func describeTokenError(payload tokenEndpointPayload) string {
	if strings.TrimSpace(payload.ErrorDescription) != "" {
		return strings.TrimSpace(payload.ErrorDescription)
	}
	if strings.TrimSpace(payload.ErrorCode) != "" {
		return strings.TrimSpace(payload.ErrorCode)
	}
	return "unknown error"
}

func parseTokenPayload(body []byte, contentType string) (tokenEndpointPayload, error) {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if strings.Contains(contentType, "json") {
		return parseTokenPayloadJSON(body)
	}
	if strings.Contains(contentType, "x-www-form-urlencoded") || strings.Contains(contentType, "text/plain") {
		return parseTokenPayloadForm(body)
	}
	if payload, err := parseTokenPayloadJSON(body); err == nil {
		return payload, nil
	}
	return parseTokenPayloadForm(body)
}

func parseTokenPayloadJSON(body []byte) (tokenEndpointPayload, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return tokenEndpointPayload{}, fmt.Errorf("empty payload")
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return tokenEndpointPayload{}, err
	}
	return tokenEndpointPayload{
		AccessToken:      readAnyString(decoded["access_token"]),
		TokenType:        readAnyString(decoded["token_type"]),
		RefreshToken:     readAnyString(decoded["refresh_token"]),
		Scope:            readAnyString(decoded["scope"]),
		ExpiresIn:        readAnyInt64(decoded["expires_in"]),
		ErrorCode:        readAnyString(decoded["error"]),
		ErrorDescription: readAnyString(decoded["error_description"]),
	}, nil
}

func parseTokenPayloadForm(body []byte) (tokenEndpointPayload, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return tokenEndpointPayload{}, fmt.Errorf("empty payload")
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return tokenEndpointPayload{}, err
	}
	expiresIn, _ := strconv.ParseInt(strings.TrimSpace(values.Get("expires_in")), 10, 64)
	return tokenEndpointPayload{
		AccessToken:      strings.TrimSpace(values.Get("access_token")),
		TokenType:        strings.TrimSpace(values.Get("token_type")),
		RefreshToken:     strings.TrimSpace(values.Get("refresh_token")),
		Scope:            strings.TrimSpace(values.Get("scope")),
		ExpiresIn:        expiresIn,
		ErrorCode:        strings.TrimSpace(values.Get("error")),
		ErrorDescription: strings.TrimSpace(values.Get("error_description")),
	}, nil
}

type positionsPayload struct {
	Positions []positionPayload `json:"positions"`
	Data      struct {
		Net []positionPayload `json:"net"`
	} `json:"data"`
}

type positionPayload struct {
	Symbol        string  `json:"symbol"`
	TradingSymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"`
	Quantity      float64 `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
}

func parsePositionsPayload(body []byte) ([]portfolio.Position, error) {
	var decoded positionsPayload
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode positions response: %w", err)
	}
	raw := decoded.Positions
	if len(raw) == 0 {
		raw = decoded.Data.Net
	}
	positions := make([]portfolio.Position, 0, len(raw))
	for _, item := range raw {
		symbol := strings.TrimSpace(item.Symbol)
		if symbol == "" {
			symbol = strings.TrimSpace(item.TradingSymbol)
		}
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

func (a *OAuth2Adapter) resolveExpiresAt(now time.Time, expiresIn int64) time.Time {
	ttl := a.cfg.TokenTTL
	if expiresIn > 0 {
		ttl = time.Duration(expiresIn) * time.Second
	}
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func readLimitedBody(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxResponseBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(data)) > maxResponseBodyBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", maxResponseBodyBytes)
	}
	return data, nil
}

func normalizeTokenType(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "bearer"
	}
	return normalized
}

func parseScopeList(value string) []string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return strings.Fields(strings.ReplaceAll(trimmed, ",", " "))
}

func normalizeScopes(input []string) []string {
	if len(input) == 0 {
		return []string{}
	}
	values := make([]string, 0, len(input))
	seen := map[string]struct{}{}
	for _, value := range input {
		normalized := strings.TrimSpace(strings.ToLower(value))
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		values = append(values, normalized)
	}
	sort.Strings(values)
	return values
}

func titleCase(value string) string {
	if value == "" {
		return value
	}
	return strings.ToUpper(value[:1]) + value[1:]
}

func readAnyString(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return strings.TrimSpace(typed.String())
	default:
		if value == nil {
			return ""
		}
		return strings.TrimSpace(fmt.Sprint(value))
	}
}

func readAnyInt64(value any) int64 {
	switch typed := value.(type) {
	case int:
		return int64(typed)
	case int64:
		return typed
	case float64:
		return int64(typed)
	case json.Number:
		if parsed, err := typed.Int64(); err == nil {
			return parsed
		}
	case string:
		if parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}

var (
	_ core.BrokerAdapter        = (*OAuth2Adapter)(nil)
	_ portfolio.PositionFetcher = (*OAuth2Adapter)(nil)
)

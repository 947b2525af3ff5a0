package brokers

import (
	"time"

	"github.com/quantfolio/go-brokers/brokers/zerodha"
	"github.com/quantfolio/go-brokers/core"
)

// AppCredentials is one broker app registration. Brokers without
// credentials are skipped by Builtin, so partial rollouts need no
// special casing.
type AppCredentials struct {
	ClientID     string
	ClientSecret string
	Active       bool
}

// CatalogConfig carries app registrations for the supported brokers.
type CatalogConfig struct {
	Zerodha  AppCredentials
	Upstox   AppCredentials
	AngelOne AppCredentials
	Fyers    AppCredentials

	HTTPClient HTTPDoer
	Now        func() time.Time
}

// Builtin constructs adapters for every broker with configured
// credentials. Zerodha gets its checksum adapter; the rest are
// standard authorization-code brokers.
func Builtin(cfg CatalogConfig) ([]core.BrokerAdapter, error) {
	adapters := make([]core.BrokerAdapter, 0, 4)

	if cfg.Zerodha.ClientID != "" {
		adapter, err := zerodha.New(zerodha.Config{
			APIKey:     cfg.Zerodha.ClientID,
			APISecret:  cfg.Zerodha.ClientSecret,
			Active:     cfg.Zerodha.Active,
			HTTPClient: cfg.HTTPClient,
			Now:        cfg.Now,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}

	if cfg.Upstox.ClientID != "" {
		adapter, err := NewOAuth2Adapter(OAuth2Config{
			Broker:       core.BrokerTypeUpstox,
			DisplayName:  "Upstox",
			AuthURL:      "https://api.upstox.com/v2/login/authorization/dialog",
			TokenURL:     "https://api.upstox.com/v2/login/authorization/token",
			PositionsURL: "https://api.upstox.com/v2/portfolio/short-term-positions",
			ClientID:     cfg.Upstox.ClientID,
			ClientSecret: cfg.Upstox.ClientSecret,
			// Upstox rejects basic auth on the token endpoint.
			ClientSecretInBody: true,
			Active:             cfg.Upstox.Active,
			TokenTTL:           12 * time.Hour,
			HTTPClient:         cfg.HTTPClient,
			Now:                cfg.Now,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}

	if cfg.AngelOne.ClientID != "" {
		adapter, err := NewOAuth2Adapter(OAuth2Config{
			Broker:             core.BrokerTypeAngelOne,
			DisplayName:        "Angel One",
			AuthURL:            "https://smartapi.angelone.in/publisher-login",
			TokenURL:           "https://apiconnect.angelone.in/rest/auth/angelbroking/jwt/v1/generateTokens",
			PositionsURL:       "https://apiconnect.angelone.in/rest/secure/angelbroking/order/v1/getPosition",
			ClientID:           cfg.AngelOne.ClientID,
			ClientSecret:       cfg.AngelOne.ClientSecret,
			ClientSecretInBody: true,
			Active:             cfg.AngelOne.Active,
			TokenTTL:           8 * time.Hour,
			HTTPClient:         cfg.HTTPClient,
			Now:                cfg.Now,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}

	if cfg.Fyers.ClientID != "" {
		adapter, err := NewOAuth2Adapter(OAuth2Config{
			Broker:             core.BrokerTypeFyers,
			DisplayName:        "Fyers",
			AuthURL:            "https://api-t1.fyers.in/api/v3/generate-authcode",
			TokenURL:           "https://api-t1.fyers.in/api/v3/validate-authcode",
			PositionsURL:       "https://api-t1.fyers.in/api/v3/positions",
			ClientID:           cfg.Fyers.ClientID,
			ClientSecret:       cfg.Fyers.ClientSecret,
			ClientSecretInBody: true,
			Active:             cfg.Fyers.Active,
			TokenTTL:           24 * time.Hour,
			HTTPClient:         cfg.HTTPClient,
			Now:                cfg.Now,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}

	return adapters, nil
}

// RegisterBuiltin builds the catalog and registers every adapter.
func RegisterBuiltin(registry core.AdapterRegistry, cfg CatalogConfig) error {
	adapters, err := Builtin(cfg)
	if err != nil {
		return err
	}
	for _, adapter := range adapters {
		if err := registry.Register(adapter); err != nil {
			return err
		}
	}
	return nil
}

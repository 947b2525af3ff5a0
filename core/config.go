package core

import (
	"fmt"
	"strings"
	"time"
)

type OAuthConfig struct {
	StateTTL time.Duration `koanf:"state_ttl" mapstructure:"state_ttl"`
}

type VaultConfig struct {
	RefreshLeadWindow time.Duration `koanf:"refresh_lead_window" mapstructure:"refresh_lead_window"`
}

type AggregationConfig struct {
	FetchTimeout   time.Duration `koanf:"fetch_timeout" mapstructure:"fetch_timeout"`
	OverallTimeout time.Duration `koanf:"overall_timeout" mapstructure:"overall_timeout"`
	CacheTTL       time.Duration `koanf:"cache_ttl" mapstructure:"cache_ttl"`
}

type Config struct {
	ServiceName string            `koanf:"service_name" mapstructure:"service_name"`
	OAuth       OAuthConfig       `koanf:"oauth" mapstructure:"oauth"`
	Vault       VaultConfig       `koanf:"vault" mapstructure:"vault"`
	Aggregation AggregationConfig `koanf:"aggregation" mapstructure:"aggregation"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "brokers",
		OAuth: OAuthConfig{
			StateTTL: defaultOAuthStateTTL,
		},
		Vault: VaultConfig{
			RefreshLeadWindow: DefaultRefreshLeadWindow,
		},
		Aggregation: AggregationConfig{
			FetchTimeout:   5 * time.Second,
			OverallTimeout: 8 * time.Second,
			CacheTTL:       5 * time.Second,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.OAuth.StateTTL < 0 {
		return fmt.Errorf("core: oauth.state_ttl must not be negative")
	}
	if c.Vault.RefreshLeadWindow < 0 {
		return fmt.Errorf("core: vault.refresh_lead_window must not be negative")
	}
	if c.Aggregation.FetchTimeout < 0 || c.Aggregation.OverallTimeout < 0 {
		return fmt.Errorf("core: aggregation timeouts must not be negative")
	}
	if c.Aggregation.OverallTimeout > 0 && c.Aggregation.FetchTimeout > c.Aggregation.OverallTimeout {
		return fmt.Errorf("core: aggregation.fetch_timeout must not exceed aggregation.overall_timeout")
	}
	return nil
}

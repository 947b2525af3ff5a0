package gobrokers

import (
	"github.com/quantfolio/go-brokers/core"
	"github.com/quantfolio/go-brokers/portfolio"
)

type Config = core.Config

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies
type AdapterRegistry = core.AdapterRegistry
type BrokerAdapter = core.BrokerAdapter
type OAuthStateStore = core.OAuthStateStore
type ConnectionLocker = core.ConnectionLocker
type RefreshBackoffScheduler = core.RefreshBackoffScheduler
type RefreshRunOptions = core.RefreshRunOptions
type RefreshRunResult = core.RefreshRunResult
type TokenCipher = core.TokenCipher
type ConnectionStore = core.ConnectionStore
type CredentialStore = core.CredentialStore

type BrokerType = core.BrokerType
type Connection = core.Connection
type Credential = core.Credential

type ConnectRequest = core.ConnectRequest
type CompleteAuthRequest = core.CompleteAuthRequest
type RefreshRequest = core.RefreshRequest

var (
	WithLogger                  = core.WithLogger
	WithLoggerProvider          = core.WithLoggerProvider
	WithMetricsRecorder         = core.WithMetricsRecorder
	WithErrorFactory            = core.WithErrorFactory
	WithErrorMapper             = core.WithErrorMapper
	WithTokenCipher             = core.WithTokenCipher
	WithCredentialCodec         = core.WithCredentialCodec
	WithPersistenceClient       = core.WithPersistenceClient
	WithRepositoryFactory       = core.WithRepositoryFactory
	WithConfigProvider          = core.WithConfigProvider
	WithOptionsResolver         = core.WithOptionsResolver
	WithOAuthStateStore         = core.WithOAuthStateStore
	WithConnectionLocker        = core.WithConnectionLocker
	WithRefreshBackoffScheduler = core.WithRefreshBackoffScheduler
	WithAdapterRegistry         = core.WithAdapterRegistry
	WithConnectionStore         = core.WithConnectionStore
	WithCredentialStore         = core.WithCredentialStore
	WithHealthRecorder          = core.WithHealthRecorder
	WithRefreshJobEnqueuer      = core.WithRefreshJobEnqueuer
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return core.Setup(cfg, opts...)
}

// PositionFetcherResolver adapts the broker registry into the
// portfolio aggregator's fetcher lookup. Adapters that do not expose a
// positions surface resolve to a routing failure for that broker.
func PositionFetcherResolver(registry core.AdapterRegistry) portfolio.FetcherResolver {
	return func(broker core.BrokerType) (portfolio.PositionFetcher, error) {
		adapter, err := registry.Resolve(broker)
		if err != nil {
			return nil, err
		}
		fetcher, ok := adapter.(portfolio.PositionFetcher)
		if !ok {
			return nil, core.NewBrokerError(core.KindRoutingFailed, broker, "broker does not expose positions")
		}
		return fetcher, nil
	}
}

package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// Service coordinates OAuth flows, credential storage, and connection
// lifecycle for every registered broker.
type Service struct {
	config            Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	tokenCipher       TokenCipher
	credentialCodec   CredentialCodec
	persistenceClient any
	repositoryFactory any
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	oauthStateStore   OAuthStateStore
	connectionLocker  ConnectionLocker
	refreshScheduler  RefreshBackoffScheduler
	registry          AdapterRegistry
	connectionStore   ConnectionStore
	credentialStore   CredentialStore
	healthRecorder    HealthRecorder
	refreshEnqueuer   RefreshJobEnqueuer
	clock             Clock
	refreshGuard      *keyedMutex
}

type ServiceDependencies struct {
	Logger           Logger
	LoggerProvider   LoggerProvider
	MetricsRecorder  MetricsRecorder
	ErrorFactory     ErrorFactory
	ErrorMapper      ErrorMapper
	TokenCipher      TokenCipher
	CredentialCodec  CredentialCodec
	ConfigProvider   ConfigProvider
	OptionsResolver  OptionsResolver
	OAuthStateStore  OAuthStateStore
	ConnectionLocker ConnectionLocker
	RefreshScheduler RefreshBackoffScheduler
	Registry         AdapterRegistry
	ConnectionStore  ConnectionStore
	CredentialStore  CredentialStore
	HealthRecorder   HealthRecorder
	RefreshEnqueuer  RefreshJobEnqueuer
}

func NewService(cfg Config, options ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range options {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("brokers", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("brokers"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.registry == nil {
		builder.registry = NewMemoryAdapterRegistry()
	}
	if builder.credentialCodec == nil {
		builder.credentialCodec = JSONCredentialCodec{}
	}
	if builder.connectionLocker == nil {
		builder.connectionLocker = NewMemoryConnectionLocker()
	}
	if builder.refreshScheduler == nil {
		builder.refreshScheduler = ExponentialBackoffScheduler{
			Initial: defaultRefreshInitialBackoff,
			Max:     defaultRefreshMaxBackoff,
		}
	}
	if builder.clock == nil {
		builder.clock = SystemClock
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if builder.oauthStateStore == nil {
		builder.oauthStateStore = NewMemoryOAuthStateStore(finalConfig.OAuth.StateTTL)
	}
	if (builder.connectionStore == nil || builder.credentialStore == nil) && builder.repositoryFactory != nil {
		if storeFactory, ok := builder.repositoryFactory.(RepositoryStoreFactory); ok {
			stores, buildErr := storeFactory.BuildStores(builder.persistenceClient)
			if buildErr != nil {
				return nil, mapBuildError(builder.errorMapper, buildErr)
			}
			if stores != nil {
				if builder.connectionStore == nil {
					builder.connectionStore = stores.ConnectionStore()
				}
				if builder.credentialStore == nil {
					builder.credentialStore = stores.CredentialStore()
				}
			}
		} else if stores, ok := builder.repositoryFactory.(StoreProvider); ok {
			if builder.connectionStore == nil {
				builder.connectionStore = stores.ConnectionStore()
			}
			if builder.credentialStore == nil {
				builder.credentialStore = stores.CredentialStore()
			}
		}
	}

	return &Service{
		config:            finalConfig,
		logger:            logger,
		loggerProvider:    provider,
		metricsRecorder:   builder.metricsRecorder,
		errorFactory:      builder.errorFactory,
		errorMapper:       builder.errorMapper,
		tokenCipher:       builder.tokenCipher,
		credentialCodec:   builder.credentialCodec,
		persistenceClient: builder.persistenceClient,
		repositoryFactory: builder.repositoryFactory,
		configProvider:    builder.configProvider,
		optionsResolver:   builder.optionsResolver,
		oauthStateStore:   builder.oauthStateStore,
		connectionLocker:  builder.connectionLocker,
		refreshScheduler:  builder.refreshScheduler,
		registry:          builder.registry,
		connectionStore:   builder.connectionStore,
		credentialStore:   builder.credentialStore,
		healthRecorder:    builder.healthRecorder,
		refreshEnqueuer:   builder.refreshEnqueuer,
		clock:             builder.clock,
		refreshGuard:      newKeyedMutex(),
	}, nil
}

func Setup(cfg Config, options ...Option) (*Service, error) {
	return NewService(cfg, options...)
}

// StoreProvider exposes pre-built stores to the service constructor.
type StoreProvider interface {
	ConnectionStore() ConnectionStore
	CredentialStore() CredentialStore
}

// RepositoryStoreFactory builds stores from a persistence client.
type RepositoryStoreFactory interface {
	BuildStores(client any) (StoreProvider, error)
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:           s.logger,
		LoggerProvider:   s.loggerProvider,
		MetricsRecorder:  s.metricsRecorder,
		ErrorFactory:     s.errorFactory,
		ErrorMapper:      s.errorMapper,
		TokenCipher:      s.tokenCipher,
		CredentialCodec:  s.credentialCodec,
		ConfigProvider:   s.configProvider,
		OptionsResolver:  s.optionsResolver,
		OAuthStateStore:  s.oauthStateStore,
		ConnectionLocker: s.connectionLocker,
		RefreshScheduler: s.refreshScheduler,
		Registry:         s.registry,
		ConnectionStore:  s.connectionStore,
		CredentialStore:  s.credentialStore,
		HealthRecorder:   s.healthRecorder,
		RefreshEnqueuer:  s.refreshEnqueuer,
	}
}

type ConnectRequest struct {
	UserID      string
	Broker      BrokerType
	RedirectURI string
	Metadata    map[string]any
}

type BeginAuthResponse struct {
	AuthorizationURL string
	State            string
	ExpiresAt        time.Time
}

// Connect begins the OAuth flow for a user and broker. The returned
// state is single-use and expires with the stored session record.
func (s *Service) Connect(ctx context.Context, req ConnectRequest) (response BeginAuthResponse, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"user_id": req.UserID,
		"broker":  req.Broker.String(),
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "connect", err, fields)
	}()

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		err = s.mapError(NewBrokerError(KindValidation, req.Broker, "user id is required"))
		return BeginAuthResponse{}, err
	}
	if validateErr := req.Broker.Validate(); validateErr != nil {
		err = s.mapError(NewBrokerError(KindValidation, BrokerTypeUnknown, validateErr.Error()))
		return BeginAuthResponse{}, err
	}

	adapter, err := s.resolveAdapter(req.Broker)
	if err != nil {
		return BeginAuthResponse{}, err
	}
	if !adapter.Info().Active {
		err = s.mapError(NewBrokerError(KindValidation, req.Broker,
			fmt.Sprintf("broker %q is not accepting new connections", req.Broker)))
		return BeginAuthResponse{}, err
	}

	if s.connectionStore != nil {
		_, found, findErr := s.connectionStore.FindActive(ctx, userID, req.Broker)
		if findErr != nil {
			err = s.mapError(findErr)
			return BeginAuthResponse{}, err
		}
		if found {
			err = s.mapError(NewBrokerError(KindValidation, req.Broker,
				fmt.Sprintf("user already has an active %s connection", req.Broker)))
			return BeginAuthResponse{}, err
		}
	}

	state, err := generateOAuthState()
	if err != nil {
		err = s.mapError(err)
		return BeginAuthResponse{}, err
	}

	session, err := adapter.BeginAuth(ctx, BeginAuthRequest{
		UserID:      userID,
		Broker:      req.Broker,
		RedirectURI: req.RedirectURI,
		State:       state,
		Metadata:    copyAnyMap(req.Metadata),
	})
	if err != nil {
		err = s.mapError(err)
		return BeginAuthResponse{}, err
	}
	if strings.TrimSpace(session.State) == "" {
		session.State = state
	}

	now := s.clock()
	expiresAt := session.ExpiresAt
	ttl := s.config.OAuth.StateTTL
	if ttl <= 0 {
		ttl = defaultOAuthStateTTL
	}
	if expiresAt.IsZero() {
		expiresAt = now.Add(ttl)
	}

	if s.oauthStateStore != nil {
		saveErr := s.oauthStateStore.Save(ctx, OAuthSessionRecord{
			State:       session.State,
			UserID:      userID,
			Broker:      req.Broker,
			RedirectURI: req.RedirectURI,
			Metadata:    copyAnyMap(req.Metadata),
			CreatedAt:   now,
			ExpiresAt:   expiresAt,
		})
		if saveErr != nil {
			err = s.mapError(saveErr)
			return BeginAuthResponse{}, err
		}
	}

	return BeginAuthResponse{
		AuthorizationURL: session.AuthorizationURL,
		State:            session.State,
		ExpiresAt:        expiresAt,
	}, nil
}

type CompleteAuthRequest struct {
	Broker      BrokerType
	Code        string
	State       string
	RedirectURI string
}

type CallbackCompletion struct {
	Connection Connection
	Credential Credential
}

// CompleteCallback redeems an OAuth callback. The state is consumed
// before anything else, so a replayed callback always fails even when
// the first attempt errored downstream.
func (s *Service) CompleteCallback(ctx context.Context, req CompleteAuthRequest) (completion CallbackCompletion, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"broker": req.Broker.String(),
	}
	defer func() {
		if completion.Connection.ID != "" {
			fields["connection_id"] = completion.Connection.ID
		}
		s.observeOperation(ctx, startedAt, "complete_callback", err, fields)
	}()

	record, err := s.consumeCallbackState(ctx, req)
	if err != nil {
		err = s.mapError(err)
		return CallbackCompletion{}, err
	}
	fields["user_id"] = record.UserID

	adapter, err := s.resolveAdapter(req.Broker)
	if err != nil {
		return CallbackCompletion{}, err
	}
	result, err := adapter.Exchange(ctx, ExchangeRequest{
		Code:        req.Code,
		State:       req.State,
		RedirectURI: req.RedirectURI,
	})
	if err != nil {
		err = s.mapError(err)
		return CallbackCompletion{}, err
	}

	connection, err := s.upsertActiveConnection(ctx, record.UserID, req.Broker, result.ExternalAccountID)
	if err != nil {
		err = s.mapError(err)
		return CallbackCompletion{}, err
	}

	credential, err := s.persistTokens(ctx, connection.ID, result.Tokens)
	if err != nil {
		err = s.mapError(err)
		return CallbackCompletion{}, err
	}

	completion = CallbackCompletion{Connection: connection, Credential: credential}
	return completion, nil
}

func (s *Service) consumeCallbackState(ctx context.Context, req CompleteAuthRequest) (OAuthSessionRecord, error) {
	if s == nil || s.oauthStateStore == nil {
		return OAuthSessionRecord{}, NewBrokerError(KindOAuthStateInvalid, req.Broker, "oauth state store is not configured")
	}
	state := strings.TrimSpace(req.State)
	if state == "" {
		return OAuthSessionRecord{}, NewBrokerError(KindOAuthStateInvalid, req.Broker, "oauth state is required")
	}
	if strings.TrimSpace(req.Code) == "" {
		return OAuthSessionRecord{}, NewBrokerError(KindValidation, req.Broker, "authorization code is required")
	}

	record, err := s.oauthStateStore.Consume(ctx, state)
	if err != nil {
		return OAuthSessionRecord{}, WrapBrokerError(KindOAuthStateInvalid, req.Broker, err)
	}
	if record.Broker != req.Broker {
		return OAuthSessionRecord{}, NewBrokerError(KindOAuthStateInvalid, req.Broker, "oauth state broker mismatch")
	}

	savedRedirect := strings.TrimSpace(record.RedirectURI)
	requestRedirect := strings.TrimSpace(req.RedirectURI)
	if savedRedirect != "" && requestRedirect != "" && savedRedirect != requestRedirect {
		return OAuthSessionRecord{}, NewBrokerError(KindOAuthStateInvalid, req.Broker, "oauth state redirect mismatch")
	}
	return record, nil
}

// upsertActiveConnection reactivates an existing row for the pair when
// one exists, otherwise creates a new one. The store's uniqueness
// constraint backs the at-most-one-active invariant under races.
func (s *Service) upsertActiveConnection(ctx context.Context, userID string, broker BrokerType, externalAccountID string) (Connection, error) {
	if s.connectionStore == nil {
		return Connection{}, fmt.Errorf("core: connection store is not configured")
	}

	now := s.clock()
	connections, err := s.connectionStore.ListByUser(ctx, userID)
	if err != nil {
		return Connection{}, err
	}
	for _, existing := range connections {
		if existing.Broker != broker {
			continue
		}
		if existing.Status == ConnectionStatusActive {
			existing.ExternalAccountID = externalAccountID
			existing.UpdatedAt = now
			return s.connectionStore.Update(ctx, existing)
		}
		if transitionErr := existing.TransitionTo(ConnectionStatusActive, "", now); transitionErr != nil {
			continue
		}
		existing.ExternalAccountID = externalAccountID
		return s.connectionStore.Update(ctx, existing)
	}

	return s.connectionStore.Create(ctx, Connection{
		UserID:            userID,
		Broker:            broker,
		ExternalAccountID: externalAccountID,
		Status:            ConnectionStatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
}

func (s *Service) persistTokens(ctx context.Context, connectionID string, tokens TokenSet) (Credential, error) {
	if s.credentialStore == nil {
		return Credential{}, fmt.Errorf("core: credential store is not configured")
	}
	payload, err := s.sealTokens(ctx, tokens)
	if err != nil {
		return Credential{}, err
	}

	now := s.clock()
	credential := Credential{
		ConnectionID:     connectionID,
		EncryptedPayload: payload,
		PayloadFormat:    s.credentialCodec.Format(),
		PayloadVersion:   s.credentialCodec.Version(),
		TokenType:        tokens.TokenType,
		ExpiresAt:        tokens.ExpiresAt,
		Refreshable:      tokens.Refreshable(),
		Status:           CredentialStatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if s.tokenCipher != nil {
		credential.EncryptionKeyID = s.tokenCipher.KeyID()
		credential.EncryptionVersion = s.tokenCipher.Version()
	}
	return s.credentialStore.SaveNewVersion(ctx, credential)
}

func (s *Service) sealTokens(ctx context.Context, tokens TokenSet) ([]byte, error) {
	encoded, err := s.credentialCodec.Encode(tokens)
	if err != nil {
		return nil, err
	}
	if s.tokenCipher == nil {
		return encoded, nil
	}
	return s.tokenCipher.Encrypt(ctx, encoded)
}

func (s *Service) openCredential(ctx context.Context, credential Credential) (TokenSet, error) {
	payload := credential.EncryptedPayload
	if s.tokenCipher != nil {
		decrypted, err := s.tokenCipher.Decrypt(ctx, payload)
		if err != nil {
			return TokenSet{}, err
		}
		payload = decrypted
	}
	return s.credentialCodec.Decode(payload)
}

type RefreshRequest struct {
	Broker       BrokerType
	ConnectionID string
	Tokens       *TokenSet
}

type RefreshResult struct {
	Tokens     TokenSet
	Credential Credential
}

// Refresh exchanges the stored refresh token for new token material
// and persists it as the next credential version.
func (s *Service) Refresh(ctx context.Context, req RefreshRequest) (result RefreshResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"broker":        req.Broker.String(),
		"connection_id": req.ConnectionID,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "refresh", err, fields)
	}()

	connectionID := strings.TrimSpace(req.ConnectionID)
	if connectionID == "" {
		err = s.mapError(fmt.Errorf("core: connection id is required"))
		return RefreshResult{}, err
	}

	broker := req.Broker
	if broker == BrokerTypeUnknown && s.connectionStore != nil {
		connection, loadErr := s.connectionStore.GetByID(ctx, connectionID)
		if loadErr != nil {
			err = s.mapError(loadErr)
			return RefreshResult{}, err
		}
		broker = connection.Broker
		fields["broker"] = broker.String()
	}

	adapter, err := s.resolveAdapter(broker)
	if err != nil {
		return RefreshResult{}, err
	}

	tokens := TokenSet{}
	if req.Tokens != nil {
		tokens = *req.Tokens
	} else {
		stored, found, loadErr := s.credentialStore.GetActive(ctx, connectionID)
		if loadErr != nil {
			err = s.mapError(loadErr)
			return RefreshResult{}, err
		}
		if !found {
			err = s.mapError(NewBrokerError(KindRefreshInvalid, broker, "no active credential to refresh"))
			return RefreshResult{}, err
		}
		tokens, err = s.openCredential(ctx, stored)
		if err != nil {
			err = s.mapError(err)
			return RefreshResult{}, err
		}
	}
	if !tokens.Refreshable() {
		err = s.mapError(NewBrokerError(KindRefreshInvalid, broker, "credential has no refresh token"))
		return RefreshResult{}, err
	}

	refreshed, err := adapter.Refresh(ctx, tokens)
	if err != nil {
		err = s.mapError(err)
		return RefreshResult{}, err
	}
	if strings.TrimSpace(refreshed.RefreshToken) == "" {
		refreshed.RefreshToken = tokens.RefreshToken
	}

	credential, err := s.persistTokens(ctx, connectionID, refreshed)
	if err != nil {
		err = s.mapError(err)
		return RefreshResult{}, err
	}

	result = RefreshResult{Tokens: refreshed, Credential: credential}
	return result, nil
}

// Disconnect revokes a connection the caller owns. Upstream revocation
// is best effort; local credentials are always wiped.
func (s *Service) Disconnect(ctx context.Context, userID string, connectionID string) (err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"user_id":       userID,
		"connection_id": connectionID,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "disconnect", err, fields)
	}()

	if strings.TrimSpace(connectionID) == "" {
		err = s.mapError(fmt.Errorf("core: connection id is required"))
		return err
	}
	if s.connectionStore == nil {
		err = s.mapError(fmt.Errorf("core: connection store is not configured"))
		return err
	}

	connection, err := s.connectionStore.GetByID(ctx, connectionID)
	if err != nil {
		err = s.mapError(WrapBrokerError(KindConnectionNotFound, BrokerTypeUnknown, err))
		return err
	}
	if connection.UserID != strings.TrimSpace(userID) {
		err = s.mapError(NewBrokerError(KindUnauthorized, connection.Broker, "connection belongs to another user"))
		return err
	}
	fields["broker"] = connection.Broker.String()

	if adapter, resolveErr := s.resolveAdapter(connection.Broker); resolveErr == nil && s.credentialStore != nil {
		if stored, found, loadErr := s.credentialStore.GetActive(ctx, connectionID); loadErr == nil && found {
			if tokens, openErr := s.openCredential(ctx, stored); openErr == nil {
				if revokeErr := adapter.Revoke(ctx, tokens); revokeErr != nil {
					s.logError(ctx, "upstream revoke failed", map[string]any{
						"connection_id": connectionID,
						"broker":        connection.Broker.String(),
						"error":         revokeErr.Error(),
					})
				}
			}
		}
	}

	if s.credentialStore != nil {
		if err = s.credentialStore.RevokeActive(ctx, connectionID); err != nil {
			err = s.mapError(err)
			return err
		}
	}

	if transitionErr := connection.TransitionTo(ConnectionStatusDisconnected, "user disconnect", s.clock()); transitionErr != nil {
		err = s.mapError(transitionErr)
		return err
	}
	if _, err = s.connectionStore.Update(ctx, connection); err != nil {
		err = s.mapError(err)
		return err
	}
	return nil
}

func (s *Service) ListConnections(ctx context.Context, userID string) ([]Connection, error) {
	if s == nil || s.connectionStore == nil {
		return nil, fmt.Errorf("core: connection store is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, s.mapError(NewBrokerError(KindValidation, BrokerTypeUnknown, "user id is required"))
	}
	connections, err := s.connectionStore.ListByUser(ctx, userID)
	if err != nil {
		return nil, s.mapError(err)
	}
	return connections, nil
}

func (s *Service) ListActiveConnections(ctx context.Context, userID string) ([]Connection, error) {
	if s == nil || s.connectionStore == nil {
		return nil, fmt.Errorf("core: connection store is not configured")
	}
	connections, err := s.connectionStore.ListActiveByUser(ctx, strings.TrimSpace(userID))
	if err != nil {
		return nil, s.mapError(err)
	}
	return connections, nil
}

func (s *Service) HasActiveConnection(ctx context.Context, userID string, broker BrokerType) (bool, error) {
	if s == nil || s.connectionStore == nil {
		return false, fmt.Errorf("core: connection store is not configured")
	}
	_, found, err := s.connectionStore.FindActive(ctx, strings.TrimSpace(userID), broker)
	if err != nil {
		return false, s.mapError(err)
	}
	return found, nil
}

// SupportedBrokers lists the registered broker catalog.
func (s *Service) SupportedBrokers() []BrokerInfo {
	if s == nil || s.registry == nil {
		return nil
	}
	return s.registry.List()
}

func (s *Service) resolveAdapter(broker BrokerType) (BrokerAdapter, error) {
	if s == nil || s.registry == nil {
		return nil, s.mapError(fmt.Errorf("core: adapter registry unavailable"))
	}
	adapter, err := s.registry.Resolve(broker)
	if err != nil {
		return nil, s.mapError(NewBrokerError(KindValidation, broker,
			fmt.Sprintf("broker %q is not registered", broker)))
	}
	return adapter, nil
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	mapped := s.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

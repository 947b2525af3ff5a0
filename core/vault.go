package core

import (
	"context"
	"strings"
	"sync"
	"time"
)

// keyedMutex hands out one mutex per key so concurrent token requests
// for the same connection serialize without blocking other
// connections.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLockEntry
}

type keyedLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedLockEntry{}}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedLockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// GetValidAccessToken returns an access token with at least the
// configured lead window of validity left, refreshing through the
// broker when needed. N concurrent callers for one connection trigger
// exactly one upstream refresh; the rest re-read the stored result.
func (s *Service) GetValidAccessToken(ctx context.Context, connectionID string) (token string, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"connection_id": connectionID,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "get_valid_access_token", err, fields)
	}()

	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		err = s.mapError(NewBrokerError(KindValidation, BrokerTypeUnknown, "connection id is required"))
		return "", err
	}

	connection, err := s.loadUsableConnection(ctx, connectionID)
	if err != nil {
		err = s.mapError(err)
		return "", err
	}
	fields["broker"] = connection.Broker.String()

	tokens, state, err := s.currentTokenState(ctx, connectionID, connection.Broker)
	if err != nil {
		err = s.mapError(err)
		return "", err
	}
	if !ShouldRefreshToken(state) {
		return tokens.AccessToken, nil
	}
	if !state.HasRefreshToken {
		err = s.mapError(NewBrokerError(KindTokenExpired, connection.Broker, "access token expired and no refresh token is stored"))
		return "", err
	}

	unlock := s.refreshGuard.lock(connectionID)
	defer unlock()

	// Another caller may have refreshed while this one waited on the
	// lock; re-read before going upstream.
	tokens, state, err = s.currentTokenState(ctx, connectionID, connection.Broker)
	if err != nil {
		err = s.mapError(err)
		return "", err
	}
	if !ShouldRefreshToken(state) {
		return tokens.AccessToken, nil
	}

	refreshStarted := time.Now()
	result, refreshErr := s.Refresh(ctx, RefreshRequest{
		Broker:       connection.Broker,
		ConnectionID: connectionID,
		Tokens:       &tokens,
	})
	if s.healthRecorder != nil {
		s.healthRecorder.Record(connection.Broker, refreshErr == nil, time.Since(refreshStarted))
	}
	if refreshErr != nil {
		_ = s.transitionConnectionToErrored(ctx, connectionID, refreshErr)
		if RequiresReauthorization(refreshErr) {
			err = s.mapError(refreshErr)
			return "", err
		}
		err = s.mapError(WrapBrokerError(KindRefreshInvalid, connection.Broker, refreshErr))
		return "", err
	}

	return result.Tokens.AccessToken, nil
}

func (s *Service) loadUsableConnection(ctx context.Context, connectionID string) (Connection, error) {
	if s.connectionStore == nil {
		return Connection{}, NewBrokerError(KindConnectionNotFound, BrokerTypeUnknown, "connection store is not configured")
	}
	connection, err := s.connectionStore.GetByID(ctx, connectionID)
	if err != nil {
		return Connection{}, WrapBrokerError(KindConnectionNotFound, BrokerTypeUnknown, err)
	}
	switch connection.Status {
	case ConnectionStatusActive:
		return connection, nil
	case ConnectionStatusErrored:
		return Connection{}, NewBrokerError(KindRefreshInvalid, connection.Broker, "connection requires reauthorization")
	default:
		return Connection{}, NewBrokerError(KindConnectionNotFound, connection.Broker, "connection is disconnected")
	}
}

func (s *Service) currentTokenState(ctx context.Context, connectionID string, broker BrokerType) (TokenSet, TokenState, error) {
	if s.credentialStore == nil {
		return TokenSet{}, TokenState{}, NewBrokerError(KindRefreshInvalid, broker, "credential store is not configured")
	}
	stored, found, err := s.credentialStore.GetActive(ctx, connectionID)
	if err != nil {
		return TokenSet{}, TokenState{}, err
	}
	if !found {
		return TokenSet{}, TokenState{}, NewBrokerError(KindTokenRevoked, broker, "no active credential for connection")
	}
	tokens, err := s.openCredential(ctx, stored)
	if err != nil {
		return TokenSet{}, TokenState{}, err
	}
	state := ResolveTokenState(s.clock(), tokens, s.config.Vault.RefreshLeadWindow)
	return tokens, state, nil
}

package core

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type testAdapter struct {
	broker     BrokerType
	active     bool
	beginFn    func(ctx context.Context, req BeginAuthRequest) (AuthSession, error)
	exchangeFn func(ctx context.Context, req ExchangeRequest) (ExchangeResult, error)
	refreshFn  func(ctx context.Context, tokens TokenSet) (TokenSet, error)
	revokeFn   func(ctx context.Context, tokens TokenSet) error

	mu       sync.Mutex
	refreshN int
	revokeN  int
}

func newTestAdapter(broker BrokerType) *testAdapter {
	return &testAdapter{broker: broker, active: true}
}

func (a *testAdapter) Broker() BrokerType {
	return a.broker
}

func (a *testAdapter) Info() BrokerInfo {
	return BrokerInfo{
		Type:        a.broker,
		DisplayName: strings.ToUpper(a.broker.String()),
		Active:      a.active,
	}
}

func (a *testAdapter) BeginAuth(ctx context.Context, req BeginAuthRequest) (AuthSession, error) {
	if a.beginFn != nil {
		return a.beginFn(ctx, req)
	}
	return AuthSession{
		AuthorizationURL: fmt.Sprintf("https://auth.%s.test/authorize?state=%s", a.broker, req.State),
		State:            req.State,
	}, nil
}

func (a *testAdapter) Exchange(ctx context.Context, req ExchangeRequest) (ExchangeResult, error) {
	if a.exchangeFn != nil {
		return a.exchangeFn(ctx, req)
	}
	return ExchangeResult{
		Tokens: TokenSet{
			AccessToken:  "access-" + req.Code,
			RefreshToken: "refresh-" + req.Code,
			TokenType:    "bearer",
			ExpiresAt:    time.Now().UTC().Add(time.Hour),
		},
		ExternalAccountID: "acct-1",
	}, nil
}

func (a *testAdapter) Refresh(ctx context.Context, tokens TokenSet) (TokenSet, error) {
	a.mu.Lock()
	a.refreshN++
	a.mu.Unlock()
	if a.refreshFn != nil {
		return a.refreshFn(ctx, tokens)
	}
	refreshed := tokens
	refreshed.AccessToken = fmt.Sprintf("access-refreshed-%d", a.refreshCount())
	refreshed.ExpiresAt = time.Now().UTC().Add(time.Hour)
	return refreshed, nil
}

func (a *testAdapter) Revoke(ctx context.Context, tokens TokenSet) error {
	a.mu.Lock()
	a.revokeN++
	a.mu.Unlock()
	if a.revokeFn != nil {
		return a.revokeFn(ctx, tokens)
	}
	return nil
}

func (a *testAdapter) refreshCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshN
}

func (a *testAdapter) revokeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.revokeN
}

type memoryConnectionStore struct {
	mu   sync.Mutex
	next int
	byID map[string]Connection
}

func newMemoryConnectionStore() *memoryConnectionStore {
	return &memoryConnectionStore{byID: map[string]Connection{}}
}

func (s *memoryConnectionStore) Create(_ context.Context, connection Connection) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if existing.UserID == connection.UserID &&
			existing.Broker == connection.Broker &&
			existing.Status == ConnectionStatusActive &&
			connection.Status == ConnectionStatusActive {
			return Connection{}, fmt.Errorf("duplicate active connection for %s/%s", connection.UserID, connection.Broker)
		}
	}
	s.next++
	if connection.ID == "" {
		connection.ID = fmt.Sprintf("conn_%d", s.next)
	}
	if connection.Status == "" {
		connection.Status = ConnectionStatusActive
	}
	s.byID[connection.ID] = connection
	return connection, nil
}

func (s *memoryConnectionStore) GetByID(_ context.Context, id string) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	connection, ok := s.byID[id]
	if !ok {
		return Connection{}, fmt.Errorf("connection %q not found", id)
	}
	return connection, nil
}

func (s *memoryConnectionStore) Update(_ context.Context, connection Connection) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[connection.ID]; !ok {
		return Connection{}, fmt.Errorf("connection %q not found", connection.ID)
	}
	s.byID[connection.ID] = connection
	return connection, nil
}

func (s *memoryConnectionStore) FindActive(_ context.Context, userID string, broker BrokerType) (Connection, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, connection := range s.byID {
		if connection.UserID == userID && connection.Broker == broker && connection.Status == ConnectionStatusActive {
			return connection, true, nil
		}
	}
	return Connection{}, false, nil
}

func (s *memoryConnectionStore) ListByUser(_ context.Context, userID string) ([]Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Connection{}
	for _, connection := range s.byID {
		if connection.UserID == userID {
			out = append(out, connection)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryConnectionStore) ListActiveByUser(ctx context.Context, userID string) ([]Connection, error) {
	all, err := s.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := []Connection{}
	for _, connection := range all {
		if connection.Status == ConnectionStatusActive {
			out = append(out, connection)
		}
	}
	return out, nil
}

type memoryCredentialStore struct {
	mu           sync.Mutex
	next         int
	byConnection map[string][]Credential
}

func newMemoryCredentialStore() *memoryCredentialStore {
	return &memoryCredentialStore{byConnection: map[string][]Credential{}}
}

func (s *memoryCredentialStore) SaveNewVersion(_ context.Context, credential Credential) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.byConnection[credential.ConnectionID]
	for i := range versions {
		if versions[i].Status == CredentialStatusActive {
			versions[i].Status = CredentialStatusExpired
		}
	}
	s.next++
	credential.ID = fmt.Sprintf("cred_%d", s.next)
	credential.Version = len(versions) + 1
	credential.Status = CredentialStatusActive
	s.byConnection[credential.ConnectionID] = append(versions, credential)
	return credential, nil
}

func (s *memoryCredentialStore) GetActive(_ context.Context, connectionID string) (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.byConnection[connectionID]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Status == CredentialStatusActive {
			return versions[i], true, nil
		}
	}
	return Credential{}, false, nil
}

func (s *memoryCredentialStore) RevokeActive(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.byConnection[connectionID]
	for i := range versions {
		if versions[i].Status == CredentialStatusActive {
			versions[i].Status = CredentialStatusRevoked
		}
	}
	return nil
}

func (s *memoryCredentialStore) ListExpiring(_ context.Context, before time.Time, limit int) ([]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Credential{}
	for _, versions := range s.byConnection {
		for _, credential := range versions {
			if credential.Status != CredentialStatusActive {
				continue
			}
			if credential.ExpiresAt.IsZero() || credential.ExpiresAt.After(before) {
				continue
			}
			out = append(out, credential)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryCredentialStore) versionCount(connectionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byConnection[connectionID])
}

type testCipher struct{}

func (testCipher) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("test cipher: plaintext is required")
	}
	return []byte("enc:" + base64.StdEncoding.EncodeToString(plaintext)), nil
}

func (testCipher) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	value := string(ciphertext)
	if !strings.HasPrefix(value, "enc:") {
		return nil, fmt.Errorf("test cipher: invalid ciphertext")
	}
	return base64.StdEncoding.DecodeString(strings.TrimPrefix(value, "enc:"))
}

func (testCipher) KeyID() string { return "test-key" }

func (testCipher) Version() int { return 1 }

type captureEnqueuer struct {
	mu   sync.Mutex
	jobs []RefreshJob
	err  error
}

func (e *captureEnqueuer) EnqueueRefresh(_ context.Context, job RefreshJob) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.jobs = append(e.jobs, job)
	return nil
}

func (e *captureEnqueuer) enqueued() []RefreshJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]RefreshJob(nil), e.jobs...)
}

type testServiceEnv struct {
	service     *Service
	adapter     *testAdapter
	connections *memoryConnectionStore
	credentials *memoryCredentialStore
	enqueuer    *captureEnqueuer
}

func newTestService(t interface{ Fatalf(string, ...any) }, broker BrokerType, extra ...Option) testServiceEnv {
	adapter := newTestAdapter(broker)
	registry := NewMemoryAdapterRegistry()
	if err := registry.Register(adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}

	connections := newMemoryConnectionStore()
	credentials := newMemoryCredentialStore()
	enqueuer := &captureEnqueuer{}

	options := []Option{
		WithAdapterRegistry(registry),
		WithConnectionStore(connections),
		WithCredentialStore(credentials),
		WithTokenCipher(testCipher{}),
		WithRefreshJobEnqueuer(enqueuer),
		WithRefreshBackoffScheduler(ExponentialBackoffScheduler{
			Initial: time.Millisecond,
			Max:     2 * time.Millisecond,
		}),
	}
	options = append(options, extra...)

	service, err := NewService(DefaultConfig(), options...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return testServiceEnv{
		service:     service,
		adapter:     adapter,
		connections: connections,
		credentials: credentials,
		enqueuer:    enqueuer,
	}
}

func (env testServiceEnv) connect(t interface{ Fatalf(string, ...any) }, userID string) (BeginAuthResponse, CallbackCompletion) {
	ctx := context.Background()
	begin, err := env.service.Connect(ctx, ConnectRequest{UserID: userID, Broker: env.adapter.broker})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	completion, err := env.service.CompleteCallback(ctx, CompleteAuthRequest{
		Broker: env.adapter.broker,
		Code:   "code-1",
		State:  begin.State,
	})
	if err != nil {
		t.Fatalf("complete callback: %v", err)
	}
	return begin, completion
}

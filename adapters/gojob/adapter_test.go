package gojob

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/quantfolio/go-brokers/core"
)

func TestToExecutionMessage(t *testing.T) {
	expiresAt := time.Date(2026, 8, 28, 15, 30, 0, 0, time.UTC)
	msg := ToExecutionMessage(core.RefreshJob{
		ConnectionID: "conn_1",
		Broker:       core.BrokerTypeUpstox,
		ExpiresAt:    expiresAt,
	})

	if msg.JobID != JobIDRefresh {
		t.Fatalf("job id: %q", msg.JobID)
	}
	if msg.IdempotencyKey != "brokers.refresh::conn_1" {
		t.Fatalf("idempotency key: %q", msg.IdempotencyKey)
	}
	if msg.DedupPolicy != job.DeduplicationPolicy("drop") {
		t.Fatalf("dedup policy: %q", msg.DedupPolicy)
	}
	if msg.Parameters["connection_id"] != "conn_1" || msg.Parameters["broker"] != "upstox" {
		t.Fatalf("parameters: %v", msg.Parameters)
	}
	if msg.Parameters["expires_at"] != "2026-08-28T15:30:00Z" {
		t.Fatalf("expires_at: %v", msg.Parameters["expires_at"])
	}

	noExpiry := ToExecutionMessage(core.RefreshJob{ConnectionID: "conn_2"})
	if _, ok := noExpiry.Parameters["expires_at"]; ok {
		t.Fatalf("zero expiry must not be serialized")
	}
}

func TestFromExecutionMessageRoundTrip(t *testing.T) {
	original := core.RefreshJob{
		ConnectionID: "conn_1",
		Broker:       core.BrokerTypeZerodha,
		ExpiresAt:    time.Date(2026, 8, 28, 15, 30, 0, 0, time.UTC),
	}

	recovered, err := FromExecutionMessage(ToExecutionMessage(original))
	if err != nil {
		t.Fatalf("from message: %v", err)
	}
	if recovered.ConnectionID != original.ConnectionID || recovered.Broker != original.Broker {
		t.Fatalf("round trip: %+v", recovered)
	}
	if !recovered.ExpiresAt.Equal(original.ExpiresAt) {
		t.Fatalf("expires at: %v", recovered.ExpiresAt)
	}
}

func TestFromExecutionMessageRejectsBadPayloads(t *testing.T) {
	if _, err := FromExecutionMessage(nil); err == nil {
		t.Fatalf("expected nil message to fail")
	}
	if _, err := FromExecutionMessage(&job.ExecutionMessage{JobID: "other.job"}); err == nil {
		t.Fatalf("expected foreign job id to fail")
	}
	if _, err := FromExecutionMessage(&job.ExecutionMessage{
		JobID:      JobIDRefresh,
		Parameters: map[string]any{"broker": "upstox"},
	}); err == nil {
		t.Fatalf("expected missing connection id to fail")
	}

	// An unknown broker string degrades to the zero broker rather than
	// failing the whole delivery.
	recovered, err := FromExecutionMessage(&job.ExecutionMessage{
		JobID:      JobIDRefresh,
		Parameters: map[string]any{"connection_id": "conn_1", "broker": "acme"},
	})
	if err != nil {
		t.Fatalf("from message: %v", err)
	}
	if recovered.Broker != core.BrokerTypeUnknown {
		t.Fatalf("broker: %q", recovered.Broker)
	}
}

type stubQueueEnqueuer struct {
	last *job.ExecutionMessage
	err  error
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) (queue.EnqueueReceipt, error) {
	s.last = msg
	return queue.EnqueueReceipt{}, s.err
}

func TestRefreshEnqueuer(t *testing.T) {
	enqueuer := &stubQueueEnqueuer{}
	adapter := NewRefreshEnqueuer(enqueuer)

	err := adapter.EnqueueRefresh(context.Background(), core.RefreshJob{
		ConnectionID: "conn_1",
		Broker:       core.BrokerTypeFyers,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if enqueuer.last == nil || enqueuer.last.JobID != JobIDRefresh {
		t.Fatalf("expected mapped go-job message")
	}

	if err := adapter.EnqueueRefresh(context.Background(), core.RefreshJob{}); err == nil {
		t.Fatalf("expected missing connection id to fail")
	}
	if err := NewRefreshEnqueuer(nil).EnqueueRefresh(context.Background(), core.RefreshJob{ConnectionID: "c"}); err == nil {
		t.Fatalf("expected missing enqueuer to fail")
	}
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nacked   bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nacked = true
	s.nackOpts = opts
	return nil
}

type workerAdapter struct {
	broker    core.BrokerType
	refreshFn func(ctx context.Context, tokens core.TokenSet) (core.TokenSet, error)
}

func (a *workerAdapter) Broker() core.BrokerType { return a.broker }

func (a *workerAdapter) Info() core.BrokerInfo {
	return core.BrokerInfo{Type: a.broker, DisplayName: a.broker.String(), Active: true}
}

func (a *workerAdapter) BeginAuth(_ context.Context, req core.BeginAuthRequest) (core.AuthSession, error) {
	return core.AuthSession{
		AuthorizationURL: "https://auth.test/authorize?state=" + req.State,
		State:            req.State,
	}, nil
}

func (a *workerAdapter) Exchange(_ context.Context, req core.ExchangeRequest) (core.ExchangeResult, error) {
	return core.ExchangeResult{
		Tokens: core.TokenSet{
			AccessToken:  "access-" + req.Code,
			RefreshToken: "refresh-" + req.Code,
			TokenType:    "bearer",
			ExpiresAt:    time.Now().UTC().Add(time.Hour),
		},
		ExternalAccountID: "acct-1",
	}, nil
}

func (a *workerAdapter) Refresh(ctx context.Context, tokens core.TokenSet) (core.TokenSet, error) {
	if a.refreshFn != nil {
		return a.refreshFn(ctx, tokens)
	}
	refreshed := tokens
	refreshed.AccessToken = "access-refreshed"
	refreshed.ExpiresAt = time.Now().UTC().Add(time.Hour)
	return refreshed, nil
}

func (a *workerAdapter) Revoke(context.Context, core.TokenSet) error { return nil }

type memConnStore struct {
	mu   sync.Mutex
	next int
	byID map[string]core.Connection
}

func newMemConnStore() *memConnStore {
	return &memConnStore{byID: map[string]core.Connection{}}
}

func (s *memConnStore) Create(_ context.Context, connection core.Connection) (core.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	if connection.ID == "" {
		connection.ID = fmt.Sprintf("conn_%d", s.next)
	}
	s.byID[connection.ID] = connection
	return connection, nil
}

func (s *memConnStore) GetByID(_ context.Context, id string) (core.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	connection, ok := s.byID[id]
	if !ok {
		return core.Connection{}, fmt.Errorf("connection %q not found", id)
	}
	return connection, nil
}

func (s *memConnStore) Update(_ context.Context, connection core.Connection) (core.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[connection.ID] = connection
	return connection, nil
}

func (s *memConnStore) FindActive(_ context.Context, userID string, broker core.BrokerType) (core.Connection, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, connection := range s.byID {
		if connection.UserID == userID && connection.Broker == broker && connection.Status == core.ConnectionStatusActive {
			return connection, true, nil
		}
	}
	return core.Connection{}, false, nil
}

func (s *memConnStore) ListByUser(_ context.Context, userID string) ([]core.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.Connection{}
	for _, connection := range s.byID {
		if connection.UserID == userID {
			out = append(out, connection)
		}
	}
	return out, nil
}

func (s *memConnStore) ListActiveByUser(ctx context.Context, userID string) ([]core.Connection, error) {
	all, err := s.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := []core.Connection{}
	for _, connection := range all {
		if connection.Status == core.ConnectionStatusActive {
			out = append(out, connection)
		}
	}
	return out, nil
}

type memCredStore struct {
	mu           sync.Mutex
	next         int
	byConnection map[string][]core.Credential
}

func newMemCredStore() *memCredStore {
	return &memCredStore{byConnection: map[string][]core.Credential{}}
}

func (s *memCredStore) SaveNewVersion(_ context.Context, credential core.Credential) (core.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.byConnection[credential.ConnectionID]
	for i := range versions {
		if versions[i].Status == core.CredentialStatusActive {
			versions[i].Status = core.CredentialStatusExpired
		}
	}
	s.next++
	credential.ID = fmt.Sprintf("cred_%d", s.next)
	credential.Version = len(versions) + 1
	credential.Status = core.CredentialStatusActive
	s.byConnection[credential.ConnectionID] = append(versions, credential)
	return credential, nil
}

func (s *memCredStore) GetActive(_ context.Context, connectionID string) (core.Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.byConnection[connectionID]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Status == core.CredentialStatusActive {
			return versions[i], true, nil
		}
	}
	return core.Credential{}, false, nil
}

func (s *memCredStore) RevokeActive(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.byConnection[connectionID]
	for i := range versions {
		if versions[i].Status == core.CredentialStatusActive {
			versions[i].Status = core.CredentialStatusRevoked
		}
	}
	return nil
}

type plainCipher struct{}

func (plainCipher) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	return []byte("enc:" + base64.StdEncoding.EncodeToString(plaintext)), nil
}

func (plainCipher) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	value := strings.TrimPrefix(string(ciphertext), "enc:")
	return base64.StdEncoding.DecodeString(value)
}

func (plainCipher) KeyID() string { return "test-key" }

func (plainCipher) Version() int { return 1 }

func newWorkerService(t *testing.T, adapter *workerAdapter) (*core.Service, string) {
	t.Helper()
	registry := core.NewMemoryAdapterRegistry()
	if err := registry.Register(adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}

	service, err := core.NewService(core.DefaultConfig(),
		core.WithAdapterRegistry(registry),
		core.WithConnectionStore(newMemConnStore()),
		core.WithCredentialStore(newMemCredStore()),
		core.WithTokenCipher(plainCipher{}),
		core.WithRefreshBackoffScheduler(core.ExponentialBackoffScheduler{
			Initial: time.Millisecond,
			Max:     2 * time.Millisecond,
		}),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx := context.Background()
	begin, err := service.Connect(ctx, core.ConnectRequest{UserID: "user-1", Broker: adapter.broker})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	completion, err := service.CompleteCallback(ctx, core.CompleteAuthRequest{
		Broker: adapter.broker,
		Code:   "code-1",
		State:  begin.State,
	})
	if err != nil {
		t.Fatalf("complete callback: %v", err)
	}
	return service, completion.Connection.ID
}

func TestRefreshRunnerAcksOnSuccess(t *testing.T) {
	adapter := &workerAdapter{broker: core.BrokerTypeUpstox}
	service, connectionID := newWorkerService(t, adapter)
	runner := NewRefreshRunner(service, core.RefreshRunOptions{MaxAttempts: 2})

	delivery := &stubQueueDelivery{msg: ToExecutionMessage(core.RefreshJob{
		ConnectionID: connectionID,
		Broker:       core.BrokerTypeUpstox,
	})}
	if err := runner.Handle(context.Background(), delivery); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !delivery.acked || delivery.nacked {
		t.Fatalf("expected ack, got %+v", delivery)
	}
}

func TestRefreshRunnerDeadLettersUnrecoverableFailures(t *testing.T) {
	adapter := &workerAdapter{
		broker: core.BrokerTypeUpstox,
		refreshFn: func(context.Context, core.TokenSet) (core.TokenSet, error) {
			return core.TokenSet{}, core.NewBrokerError(core.KindTokenRevoked, core.BrokerTypeUpstox, "")
		},
	}
	service, connectionID := newWorkerService(t, adapter)
	runner := NewRefreshRunner(service, core.RefreshRunOptions{MaxAttempts: 3})

	delivery := &stubQueueDelivery{msg: ToExecutionMessage(core.RefreshJob{
		ConnectionID: connectionID,
		Broker:       core.BrokerTypeUpstox,
	})}
	if err := runner.Handle(context.Background(), delivery); err == nil {
		t.Fatalf("expected handle to surface the failure")
	}
	if delivery.acked {
		t.Fatalf("failed refresh must not ack")
	}
	if !delivery.nacked || delivery.nackOpts.Disposition != queue.NackDispositionDeadLetter {
		t.Fatalf("expected dead letter, got %+v", delivery.nackOpts)
	}
}

func TestRefreshRunnerDeadLettersMalformedPayloads(t *testing.T) {
	adapter := &workerAdapter{broker: core.BrokerTypeUpstox}
	service, _ := newWorkerService(t, adapter)
	runner := NewRefreshRunner(service, core.RefreshRunOptions{})

	delivery := &stubQueueDelivery{msg: &job.ExecutionMessage{JobID: "other.job"}}
	if err := runner.Handle(context.Background(), delivery); err == nil {
		t.Fatalf("expected malformed payload to fail")
	}
	if !delivery.nacked || delivery.nackOpts.Disposition != queue.NackDispositionDeadLetter {
		t.Fatalf("expected dead letter, got %+v", delivery.nackOpts)
	}
}

func TestRefreshRunnerRequiresConfiguration(t *testing.T) {
	if err := (&RefreshRunner{}).Handle(context.Background(), &stubQueueDelivery{}); err == nil {
		t.Fatalf("expected unconfigured runner to fail")
	}

	adapter := &workerAdapter{broker: core.BrokerTypeUpstox}
	service, _ := newWorkerService(t, adapter)
	runner := NewRefreshRunner(service, core.RefreshRunOptions{})
	if err := runner.Handle(context.Background(), nil); err == nil {
		t.Fatalf("expected nil delivery to fail")
	}
}

package core

import (
	"context"
	"time"

	"github.com/goliatone/go-logger/glog"
)

// Logger aliases keep the rest of the module decoupled from the
// logging package import path.
type (
	Logger         = glog.Logger
	LoggerProvider = glog.LoggerProvider
	FieldsLogger   = glog.FieldsLogger
)

// TokenSet is the plaintext token material returned by a broker.
// It only lives in memory; persistence always goes through a
// CredentialCodec and TokenCipher first.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	Scopes       []string
	Raw          map[string]any
}

func (t TokenSet) Refreshable() bool {
	return t.RefreshToken != ""
}

// ActiveCredential is the decrypted view of the newest active
// credential version for a connection.
type ActiveCredential struct {
	ConnectionID string
	Version      int
	Tokens       TokenSet
	Status       CredentialStatus
}

type BeginAuthRequest struct {
	UserID      string
	Broker      BrokerType
	RedirectURI string
	State       string
	Metadata    map[string]any
}

type AuthSession struct {
	AuthorizationURL string
	State            string
	ExpiresAt        time.Time
}

type ExchangeRequest struct {
	Code        string
	State       string
	RedirectURI string
}

type ExchangeResult struct {
	Tokens            TokenSet
	ExternalAccountID string
	Metadata          map[string]any
}

// BrokerAdapter is the per-broker strategy. Implementations are
// registered in an AdapterRegistry and resolved by BrokerType; the
// service never switches on concrete broker values.
type BrokerAdapter interface {
	Broker() BrokerType
	Info() BrokerInfo
	BeginAuth(ctx context.Context, req BeginAuthRequest) (AuthSession, error)
	Exchange(ctx context.Context, req ExchangeRequest) (ExchangeResult, error)
	Refresh(ctx context.Context, tokens TokenSet) (TokenSet, error)
	Revoke(ctx context.Context, tokens TokenSet) error
}

type AdapterRegistry interface {
	Register(adapter BrokerAdapter) error
	Resolve(broker BrokerType) (BrokerAdapter, error)
	List() []BrokerInfo
}

type ConnectionStore interface {
	Create(ctx context.Context, connection Connection) (Connection, error)
	GetByID(ctx context.Context, id string) (Connection, error)
	Update(ctx context.Context, connection Connection) (Connection, error)
	FindActive(ctx context.Context, userID string, broker BrokerType) (Connection, bool, error)
	ListByUser(ctx context.Context, userID string) ([]Connection, error)
	ListActiveByUser(ctx context.Context, userID string) ([]Connection, error)
}

type CredentialStore interface {
	// SaveNewVersion persists the credential as the next version for its
	// connection and marks prior active versions expired, atomically.
	SaveNewVersion(ctx context.Context, credential Credential) (Credential, error)
	GetActive(ctx context.Context, connectionID string) (Credential, bool, error)
	RevokeActive(ctx context.Context, connectionID string) error
}

// TokenCipher seals and opens credential payloads. The envelope format
// is owned by the implementation; stores treat payloads as opaque.
type TokenCipher interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
	KeyID() string
	Version() int
}

type CredentialCodec interface {
	Format() string
	Version() int
	Encode(tokens TokenSet) ([]byte, error)
	Decode(payload []byte) (TokenSet, error)
}

// OAuthSessionRecord is a pending authorization flow keyed by its
// state value. Records are single-use: Consume deletes them.
type OAuthSessionRecord struct {
	State       string
	UserID      string
	Broker      BrokerType
	RedirectURI string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Metadata    map[string]any
}

type OAuthStateStore interface {
	Save(ctx context.Context, record OAuthSessionRecord) error
	Consume(ctx context.Context, state string) (OAuthSessionRecord, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// RefreshJob asks a background worker to refresh one connection's
// credential ahead of its expiry.
type RefreshJob struct {
	ConnectionID string
	Broker       BrokerType
	ExpiresAt    time.Time
}

type RefreshJobEnqueuer interface {
	EnqueueRefresh(ctx context.Context, job RefreshJob) error
}

// HealthRecorder receives upstream call outcomes. The portfolio
// aggregator and token vault both feed it.
type HealthRecorder interface {
	Record(broker BrokerType, success bool, latency time.Duration)
}

type Clock func() time.Time

func SystemClock() time.Time {
	return time.Now().UTC()
}

package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type connectionRecord struct {
	bun.BaseModel `bun:"table:broker_connections,alias:bc"`

	ID                string     `bun:"id,pk"`
	UserID            string     `bun:"user_id,notnull"`
	Broker            string     `bun:"broker,notnull"`
	ExternalAccountID string     `bun:"external_account_id,notnull"`
	Status            string     `bun:"status,notnull"`
	LastError         string     `bun:"last_error"`
	CreatedAt         time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	DeletedAt         *time.Time `bun:"deleted_at,soft_delete"`
}

type credentialRecord struct {
	bun.BaseModel `bun:"table:broker_credentials,alias:bcr"`

	ID                string     `bun:"id,pk"`
	ConnectionID      string     `bun:"connection_id,notnull"`
	Version           int        `bun:"version,notnull"`
	EncryptedPayload  []byte     `bun:"encrypted_payload,notnull"`
	PayloadFormat     string     `bun:"payload_format,notnull"`
	PayloadVersion    int        `bun:"payload_version,notnull"`
	TokenType         string     `bun:"token_type,notnull"`
	ExpiresAt         *time.Time `bun:"expires_at,nullzero"`
	Refreshable       bool       `bun:"refreshable,notnull"`
	Status            string     `bun:"status,notnull"`
	EncryptionKeyID   string     `bun:"encryption_key_id,notnull"`
	EncryptionVersion int        `bun:"encryption_version,notnull"`
	CreatedAt         time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type positionSnapshotRecord struct {
	bun.BaseModel `bun:"table:broker_position_snapshots,alias:bps"`

	ID           string    `bun:"id,pk"`
	UserID       string    `bun:"user_id,notnull"`
	ConnectionID string    `bun:"connection_id,notnull"`
	Broker       string    `bun:"broker,notnull"`
	Symbol       string    `bun:"symbol,notnull"`
	Exchange     string    `bun:"exchange"`
	Quantity     float64   `bun:"quantity,notnull"`
	AvgPrice     float64   `bun:"avg_price,notnull"`
	LastPrice    float64   `bun:"last_price,notnull"`
	MarketValue  float64   `bun:"market_value,notnull"`
	CapturedAt   time.Time `bun:"captured_at,nullzero,notnull"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

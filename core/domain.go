package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidBrokerType                 = errors.New("core: invalid broker type")
	ErrInvalidConnectionStatusTransition = errors.New("core: invalid connection status transition")
	ErrInvalidCredentialStatusTransition = errors.New("core: invalid credential status transition")
)

// BrokerType identifies an upstream broker. BrokerTypeUnknown is the
// explicit sentinel used when no broker context is available; error
// paths must never substitute a real broker for it.
type BrokerType string

const (
	BrokerTypeUnknown  BrokerType = ""
	BrokerTypeZerodha  BrokerType = "zerodha"
	BrokerTypeUpstox   BrokerType = "upstox"
	BrokerTypeAngelOne BrokerType = "angelone"
	BrokerTypeFyers    BrokerType = "fyers"
)

// BrokerInfo carries per-broker catalog metadata surfaced by the
// supported-brokers listing and consulted before initiating a flow.
type BrokerInfo struct {
	Type            BrokerType
	DisplayName     string
	AuthURLTemplate string
	Active          bool
}

func ParseBrokerType(value string) (BrokerType, error) {
	normalized := BrokerType(strings.TrimSpace(strings.ToLower(value)))
	switch normalized {
	case BrokerTypeZerodha, BrokerTypeUpstox, BrokerTypeAngelOne, BrokerTypeFyers:
		return normalized, nil
	}
	return BrokerTypeUnknown, fmt.Errorf("%w: %q", ErrInvalidBrokerType, value)
}

func (b BrokerType) Validate() error {
	_, err := ParseBrokerType(string(b))
	return err
}

func (b BrokerType) String() string {
	return string(b)
}

type ConnectionStatus string

const (
	ConnectionStatusActive       ConnectionStatus = "active"
	ConnectionStatusErrored      ConnectionStatus = "errored"
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
)

// Connection binds a user to one broker account. Stores enforce at
// most one active connection per (UserID, Broker).
type Connection struct {
	ID                string
	UserID            string
	Broker            BrokerType
	ExternalAccountID string
	Status            ConnectionStatus
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (c *Connection) TransitionTo(status ConnectionStatus, reason string, now time.Time) error {
	if c == nil {
		return nil
	}
	if c.Status == status {
		c.UpdatedAt = now
		if strings.TrimSpace(reason) != "" {
			c.LastError = strings.TrimSpace(reason)
		}
		return nil
	}
	if !connectionTransitionAllowed(c.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidConnectionStatusTransition, c.Status, status)
	}
	c.Status = status
	c.UpdatedAt = now
	if strings.TrimSpace(reason) != "" {
		c.LastError = strings.TrimSpace(reason)
	}
	if status == ConnectionStatusActive {
		c.LastError = ""
	}
	return nil
}

func connectionTransitionAllowed(current, next ConnectionStatus) bool {
	allowed := map[ConnectionStatus]map[ConnectionStatus]struct{}{
		ConnectionStatusActive: {
			ConnectionStatusErrored:      {},
			ConnectionStatusDisconnected: {},
		},
		ConnectionStatusErrored: {
			ConnectionStatusActive:       {},
			ConnectionStatusDisconnected: {},
		},
		ConnectionStatusDisconnected: {
			ConnectionStatusActive: {},
		},
	}
	_, ok := allowed[current][next]
	return ok
}

type CredentialStatus string

const (
	CredentialStatusActive  CredentialStatus = "active"
	CredentialStatusRevoked CredentialStatus = "revoked"
	CredentialStatusExpired CredentialStatus = "expired"
)

// Credential is the persisted, encrypted form of a broker token set.
// Plaintext tokens only exist in memory as ActiveCredential.
type Credential struct {
	ID                string
	ConnectionID      string
	Version           int
	EncryptedPayload  []byte
	PayloadFormat     string
	PayloadVersion    int
	TokenType         string
	ExpiresAt         time.Time
	Refreshable       bool
	Status            CredentialStatus
	EncryptionKeyID   string
	EncryptionVersion int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (c *Credential) TransitionTo(status CredentialStatus, now time.Time) error {
	if c == nil {
		return nil
	}
	if c.Status == status {
		c.UpdatedAt = now
		return nil
	}
	if !credentialTransitionAllowed(c.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidCredentialStatusTransition, c.Status, status)
	}
	c.Status = status
	c.UpdatedAt = now
	return nil
}

func credentialTransitionAllowed(current, next CredentialStatus) bool {
	allowed := map[CredentialStatus]map[CredentialStatus]struct{}{
		CredentialStatusActive: {
			CredentialStatusRevoked: {},
			CredentialStatusExpired: {},
		},
		CredentialStatusExpired: {
			CredentialStatusActive:  {},
			CredentialStatusRevoked: {},
		},
		CredentialStatusRevoked: {},
	}
	_, ok := allowed[current][next]
	return ok
}

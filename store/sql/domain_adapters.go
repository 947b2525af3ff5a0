package sqlstore

import (
	"time"

	"github.com/quantfolio/go-brokers/core"
	"github.com/quantfolio/go-brokers/portfolio"
)

func newConnectionRecord(connection core.Connection, now time.Time) *connectionRecord {
	record := &connectionRecord{
		ID:                connection.ID,
		UserID:            connection.UserID,
		Broker:            connection.Broker.String(),
		ExternalAccountID: connection.ExternalAccountID,
		Status:            string(connection.Status),
		LastError:         connection.LastError,
		CreatedAt:         connection.CreatedAt,
		UpdatedAt:         connection.UpdatedAt,
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}
	return record
}

func (r *connectionRecord) toDomain() core.Connection {
	if r == nil {
		return core.Connection{}
	}
	return core.Connection{
		ID:                r.ID,
		UserID:            r.UserID,
		Broker:            core.BrokerType(r.Broker),
		ExternalAccountID: r.ExternalAccountID,
		Status:            core.ConnectionStatus(r.Status),
		LastError:         r.LastError,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func newCredentialRecord(credential core.Credential, version int, now time.Time) *credentialRecord {
	record := &credentialRecord{
		ID:                credential.ID,
		ConnectionID:      credential.ConnectionID,
		Version:           version,
		EncryptedPayload:  append([]byte(nil), credential.EncryptedPayload...),
		PayloadFormat:     credential.PayloadFormat,
		PayloadVersion:    credential.PayloadVersion,
		TokenType:         credential.TokenType,
		Refreshable:       credential.Refreshable,
		Status:            string(credential.Status),
		EncryptionKeyID:   credential.EncryptionKeyID,
		EncryptionVersion: credential.EncryptionVersion,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if !credential.ExpiresAt.IsZero() {
		expiresAt := credential.ExpiresAt
		record.ExpiresAt = &expiresAt
	}
	return record
}

func (r *credentialRecord) toDomain() core.Credential {
	if r == nil {
		return core.Credential{}
	}
	credential := core.Credential{
		ID:                r.ID,
		ConnectionID:      r.ConnectionID,
		Version:           r.Version,
		EncryptedPayload:  append([]byte(nil), r.EncryptedPayload...),
		PayloadFormat:     r.PayloadFormat,
		PayloadVersion:    r.PayloadVersion,
		TokenType:         r.TokenType,
		Refreshable:       r.Refreshable,
		Status:            core.CredentialStatus(r.Status),
		EncryptionKeyID:   r.EncryptionKeyID,
		EncryptionVersion: r.EncryptionVersion,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.ExpiresAt != nil {
		credential.ExpiresAt = *r.ExpiresAt
	}
	return credential
}

func newPositionSnapshotRecord(userID string, connectionID string, position portfolio.Position, now time.Time) *positionSnapshotRecord {
	capturedAt := position.UpdatedAt
	if capturedAt.IsZero() {
		capturedAt = now
	}
	return &positionSnapshotRecord{
		UserID:       userID,
		ConnectionID: connectionID,
		Broker:       position.Broker.String(),
		Symbol:       position.Symbol,
		Exchange:     position.Exchange,
		Quantity:     position.Quantity,
		AvgPrice:     position.AvgPrice,
		LastPrice:    position.LastPrice,
		MarketValue:  position.MarketValue,
		CapturedAt:   capturedAt,
		CreatedAt:    now,
	}
}

func (r *positionSnapshotRecord) toDomain() portfolio.Position {
	if r == nil {
		return portfolio.Position{}
	}
	return portfolio.Position{
		Symbol:       r.Symbol,
		Exchange:     r.Exchange,
		Quantity:     r.Quantity,
		AvgPrice:     r.AvgPrice,
		LastPrice:    r.LastPrice,
		MarketValue:  r.MarketValue,
		ConnectionID: r.ConnectionID,
		Broker:       core.BrokerType(r.Broker),
		UpdatedAt:    r.CapturedAt,
	}
}

package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/quantfolio/go-brokers/core"
	"github.com/uptrace/bun"
)

type CredentialStore struct {
	db   *bun.DB
	repo repository.Repository[*credentialRecord]
}

// SaveNewVersion rotates the connection's credential: inside one
// transaction the prior active version flips to expired and the new
// payload is inserted with the next version number.
func (s *CredentialStore) SaveNewVersion(ctx context.Context, credential core.Credential) (core.Credential, error) {
	if s == nil || s.repo == nil || s.db == nil {
		return core.Credential{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	trimmedConnectionID := strings.TrimSpace(credential.ConnectionID)
	if trimmedConnectionID == "" {
		return core.Credential{}, fmt.Errorf("sqlstore: connection id is required")
	}
	if len(credential.EncryptedPayload) == 0 {
		return core.Credential{}, fmt.Errorf("sqlstore: encrypted payload is required")
	}

	credential.ConnectionID = trimmedConnectionID
	if strings.TrimSpace(string(credential.Status)) == "" {
		credential.Status = core.CredentialStatusActive
	}
	if strings.TrimSpace(credential.ID) == "" {
		credential.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	var created core.Credential
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		nextVersion, versionErr := s.nextVersion(ctx, tx, trimmedConnectionID)
		if versionErr != nil {
			return versionErr
		}

		if credential.Status == core.CredentialStatusActive {
			_, updateErr := tx.NewUpdate().
				Model((*credentialRecord)(nil)).
				Set("status = ?", string(core.CredentialStatusExpired)).
				Set("updated_at = ?", now).
				Where("connection_id = ?", trimmedConnectionID).
				Where("status = ?", string(core.CredentialStatusActive)).
				Exec(ctx)
			if updateErr != nil {
				return updateErr
			}
		}

		record := newCredentialRecord(credential, nextVersion, now)
		inserted, createErr := s.repo.CreateTx(ctx, tx, record)
		if createErr != nil {
			return createErr
		}
		created = inserted.toDomain()
		return nil
	})
	if err != nil {
		return core.Credential{}, err
	}

	return created, nil
}

func (s *CredentialStore) GetActive(ctx context.Context, connectionID string) (core.Credential, bool, error) {
	if s == nil || s.repo == nil {
		return core.Credential{}, false, fmt.Errorf("sqlstore: credential store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("connection_id", "=", strings.TrimSpace(connectionID)),
		repository.SelectBy("status", "=", string(core.CredentialStatusActive)),
		repository.OrderBy("version DESC"),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Credential{}, false, err
	}
	if len(records) == 0 {
		return core.Credential{}, false, nil
	}
	return records[0].toDomain(), true, nil
}

func (s *CredentialStore) RevokeActive(ctx context.Context, connectionID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: credential store is not configured")
	}
	trimmedConnectionID := strings.TrimSpace(connectionID)
	if trimmedConnectionID == "" {
		return fmt.Errorf("sqlstore: connection id is required")
	}

	_, err := s.db.NewUpdate().
		Model((*credentialRecord)(nil)).
		Set("status = ?", string(core.CredentialStatusRevoked)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("connection_id = ?", trimmedConnectionID).
		Where("status = ?", string(core.CredentialStatusActive)).
		Exec(ctx)
	return err
}

// ListExpiring feeds the refresh sweep with active credentials whose
// expiry falls before the cutoff.
func (s *CredentialStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]core.Credential, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: credential store is not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("status", "=", string(core.CredentialStatusActive)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.expires_at IS NOT NULL").
				Where("?TableAlias.expires_at <= ?", before.UTC())
		}),
		repository.OrderBy("expires_at ASC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}

	out := make([]core.Credential, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *CredentialStore) nextVersion(ctx context.Context, tx bun.Tx, connectionID string) (int, error) {
	var maxVersion int
	if err := tx.NewSelect().
		Model((*credentialRecord)(nil)).
		ColumnExpr("COALESCE(MAX(version), 0)").
		Where("?TableAlias.connection_id = ?", connectionID).
		Scan(ctx, &maxVersion); err != nil {
		return 0, err
	}
	return maxVersion + 1, nil
}

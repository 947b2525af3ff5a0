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

type ConnectionStore struct {
	db   *bun.DB
	repo repository.Repository[*connectionRecord]
}

func (s *ConnectionStore) Create(ctx context.Context, connection core.Connection) (core.Connection, error) {
	if s == nil || s.repo == nil {
		return core.Connection{}, fmt.Errorf("sqlstore: connection store is not configured")
	}
	if strings.TrimSpace(connection.UserID) == "" {
		return core.Connection{}, fmt.Errorf("sqlstore: user id is required")
	}
	if err := connection.Broker.Validate(); err != nil {
		return core.Connection{}, err
	}
	if strings.TrimSpace(string(connection.Status)) == "" {
		connection.Status = core.ConnectionStatusActive
	}
	if strings.TrimSpace(connection.ID) == "" {
		connection.ID = uuid.NewString()
	}

	record := newConnectionRecord(connection, time.Now().UTC())
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.Connection{}, err
	}
	return created.toDomain(), nil
}

func (s *ConnectionStore) GetByID(ctx context.Context, id string) (core.Connection, error) {
	if s == nil || s.repo == nil {
		return core.Connection{}, fmt.Errorf("sqlstore: connection store is not configured")
	}
	record, err := s.repo.GetByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return core.Connection{}, err
	}
	return record.toDomain(), nil
}

func (s *ConnectionStore) Update(ctx context.Context, connection core.Connection) (core.Connection, error) {
	if s == nil || s.repo == nil {
		return core.Connection{}, fmt.Errorf("sqlstore: connection store is not configured")
	}
	trimmedID := strings.TrimSpace(connection.ID)
	if trimmedID == "" {
		return core.Connection{}, fmt.Errorf("sqlstore: connection id is required")
	}

	current, err := s.repo.GetByID(ctx, trimmedID)
	if err != nil {
		return core.Connection{}, err
	}
	current.ExternalAccountID = connection.ExternalAccountID
	current.Status = string(connection.Status)
	current.LastError = connection.LastError
	current.UpdatedAt = time.Now().UTC()

	updated, err := s.repo.Update(ctx, current, repository.UpdateByID(trimmedID))
	if err != nil {
		return core.Connection{}, err
	}
	return updated.toDomain(), nil
}

func (s *ConnectionStore) FindActive(ctx context.Context, userID string, broker core.BrokerType) (core.Connection, bool, error) {
	if s == nil || s.repo == nil {
		return core.Connection{}, false, fmt.Errorf("sqlstore: connection store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("user_id", "=", strings.TrimSpace(userID)),
		repository.SelectBy("broker", "=", broker.String()),
		repository.SelectBy("status", "=", string(core.ConnectionStatusActive)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.deleted_at IS NULL")
		}),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Connection{}, false, err
	}
	if len(records) == 0 {
		return core.Connection{}, false, nil
	}
	return records[0].toDomain(), true, nil
}

func (s *ConnectionStore) ListByUser(ctx context.Context, userID string) ([]core.Connection, error) {
	return s.listByUser(ctx, userID, "")
}

func (s *ConnectionStore) ListActiveByUser(ctx context.Context, userID string) ([]core.Connection, error) {
	return s.listByUser(ctx, userID, core.ConnectionStatusActive)
}

func (s *ConnectionStore) listByUser(ctx context.Context, userID string, status core.ConnectionStatus) ([]core.Connection, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: connection store is not configured")
	}
	criteria := []repository.SelectCriteria{
		repository.SelectBy("user_id", "=", strings.TrimSpace(userID)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.deleted_at IS NULL")
		}),
		repository.OrderBy("created_at ASC"),
	}
	if strings.TrimSpace(string(status)) != "" {
		criteria = append(criteria, repository.SelectBy("status", "=", string(status)))
	}

	records, _, err := s.repo.List(ctx, criteria...)
	if err != nil {
		return nil, err
	}

	out := make([]core.Connection, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

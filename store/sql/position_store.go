package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/quantfolio/go-brokers/portfolio"
	"github.com/uptrace/bun"
)

// PositionSnapshotStore keeps the last-known positions per connection.
// Each successful fetch replaces the prior snapshot wholesale.
type PositionSnapshotStore struct {
	db   *bun.DB
	repo repository.Repository[*positionSnapshotRecord]
}

func NewPositionSnapshotStore(db *bun.DB) (*PositionSnapshotStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*positionSnapshotRecord](db, positionSnapshotHandlers())
	return &PositionSnapshotStore{db: db, repo: repo}, nil
}

func (s *PositionSnapshotStore) SavePositions(ctx context.Context, userID string, connectionID string, positions []portfolio.Position) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: position snapshot store is not configured")
	}
	trimmedUserID := strings.TrimSpace(userID)
	trimmedConnectionID := strings.TrimSpace(connectionID)
	if trimmedUserID == "" {
		return fmt.Errorf("sqlstore: user id is required")
	}
	if trimmedConnectionID == "" {
		return fmt.Errorf("sqlstore: connection id is required")
	}

	now := time.Now().UTC()
	records := make([]*positionSnapshotRecord, 0, len(positions))
	for _, position := range positions {
		record := newPositionSnapshotRecord(trimmedUserID, trimmedConnectionID, position, now)
		record.ID = uuid.NewString()
		records = append(records, record)
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*positionSnapshotRecord)(nil)).
			Where("connection_id = ?", trimmedConnectionID).
			Exec(ctx); err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		_, err := tx.NewInsert().Model(&records).Exec(ctx)
		return err
	})
}

func (s *PositionSnapshotStore) ListByConnection(ctx context.Context, connectionID string) ([]portfolio.Position, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: position snapshot store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("connection_id", "=", strings.TrimSpace(connectionID)),
		repository.OrderBy("symbol ASC"),
	)
	if err != nil {
		return nil, err
	}

	out := make([]portfolio.Position, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *PositionSnapshotStore) ListByUser(ctx context.Context, userID string) ([]portfolio.Position, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: position snapshot store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("user_id", "=", strings.TrimSpace(userID)),
		repository.OrderBy("connection_id ASC"),
		repository.OrderBy("symbol ASC"),
	)
	if err != nil {
		return nil, err
	}

	out := make([]portfolio.Position, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

var _ portfolio.SnapshotStore = (*PositionSnapshotStore)(nil)

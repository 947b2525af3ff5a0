package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/quantfolio/go-brokers/core"
)

const connectionCacheKeyPrefix = "go-brokers::connection::v1"

// CachedConnectionStore fronts connection reads with a cache service.
// GetByID is the hot path of the token vault; every write invalidates
// the entry so vault decisions never act on a stale status.
type CachedConnectionStore struct {
	base  core.ConnectionStore
	cache repositorycache.CacheService
}

func NewCachedConnectionStore(
	base core.ConnectionStore,
	cacheService repositorycache.CacheService,
) (*CachedConnectionStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base connection store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: connection cache service is required")
	}
	return &CachedConnectionStore{base: base, cache: cacheService}, nil
}

// ConnectionCacheKey returns the deterministic cache key for a
// connection read: go-brokers::connection::v1::<id> with the id
// URL-path escaped.
func ConnectionCacheKey(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", fmt.Errorf("sqlstore: connection id is required")
	}
	return connectionCacheKeyPrefix + "::" + url.PathEscape(trimmed), nil
}

func (s *CachedConnectionStore) GetByID(ctx context.Context, id string) (core.Connection, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Connection{}, fmt.Errorf("sqlstore: cached connection store is not configured")
	}
	cacheKey, err := ConnectionCacheKey(id)
	if err != nil {
		return core.Connection{}, err
	}

	connection, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.Connection, error) {
		return s.base.GetByID(ctx, strings.TrimSpace(id))
	})
	if err != nil {
		return core.Connection{}, err
	}
	return connection, nil
}

func (s *CachedConnectionStore) Create(ctx context.Context, connection core.Connection) (core.Connection, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Connection{}, fmt.Errorf("sqlstore: cached connection store is not configured")
	}
	created, err := s.base.Create(ctx, connection)
	if err != nil {
		return core.Connection{}, err
	}
	if err := s.invalidate(ctx, created.ID); err != nil {
		return core.Connection{}, err
	}
	return created, nil
}

func (s *CachedConnectionStore) Update(ctx context.Context, connection core.Connection) (core.Connection, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Connection{}, fmt.Errorf("sqlstore: cached connection store is not configured")
	}
	updated, err := s.base.Update(ctx, connection)
	if err != nil {
		return core.Connection{}, err
	}
	if err := s.invalidate(ctx, updated.ID); err != nil {
		return core.Connection{}, err
	}
	return updated, nil
}

// List and lookup queries go straight to the base store; caching them
// would require user-level invalidation for little gain.
func (s *CachedConnectionStore) FindActive(ctx context.Context, userID string, broker core.BrokerType) (core.Connection, bool, error) {
	if s == nil || s.base == nil {
		return core.Connection{}, false, fmt.Errorf("sqlstore: cached connection store is not configured")
	}
	return s.base.FindActive(ctx, userID, broker)
}

func (s *CachedConnectionStore) ListByUser(ctx context.Context, userID string) ([]core.Connection, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached connection store is not configured")
	}
	return s.base.ListByUser(ctx, userID)
}

func (s *CachedConnectionStore) ListActiveByUser(ctx context.Context, userID string) ([]core.Connection, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached connection store is not configured")
	}
	return s.base.ListActiveByUser(ctx, userID)
}

func (s *CachedConnectionStore) invalidate(ctx context.Context, id string) error {
	cacheKey, err := ConnectionCacheKey(id)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

var _ core.ConnectionStore = (*CachedConnectionStore)(nil)

package core

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultOAuthStateTTL = 10 * time.Minute

// MemoryOAuthStateStore keeps pending flows in memory. Consume deletes
// the record before inspecting expiry, so a state can never be
// redeemed twice regardless of outcome.
type MemoryOAuthStateStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   Clock
	entries map[string]OAuthSessionRecord
}

func NewMemoryOAuthStateStore(ttl time.Duration) *MemoryOAuthStateStore {
	if ttl <= 0 {
		ttl = defaultOAuthStateTTL
	}
	return &MemoryOAuthStateStore{
		ttl:     ttl,
		clock:   SystemClock,
		entries: map[string]OAuthSessionRecord{},
	}
}

// WithClock overrides time resolution, for tests.
func (s *MemoryOAuthStateStore) WithClock(clock Clock) *MemoryOAuthStateStore {
	if s != nil && clock != nil {
		s.clock = clock
	}
	return s
}

func (s *MemoryOAuthStateStore) Save(_ context.Context, record OAuthSessionRecord) error {
	if s == nil {
		return fmt.Errorf("core: oauth state store is not configured")
	}
	state := strings.TrimSpace(record.State)
	if state == "" {
		return fmt.Errorf("core: oauth state is required")
	}

	now := s.clock()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = record.CreatedAt.Add(s.ttl)
	}

	s.mu.Lock()
	s.entries[state] = cloneOAuthSessionRecord(record)
	s.mu.Unlock()

	return nil
}

func (s *MemoryOAuthStateStore) Consume(_ context.Context, state string) (OAuthSessionRecord, error) {
	if s == nil {
		return OAuthSessionRecord{}, fmt.Errorf("core: oauth state store is not configured")
	}
	state = strings.TrimSpace(state)
	if state == "" {
		return OAuthSessionRecord{}, fmt.Errorf("core: oauth state is required")
	}

	s.mu.Lock()
	record, ok := s.entries[state]
	if ok {
		delete(s.entries, state)
	}
	s.mu.Unlock()

	if !ok {
		return OAuthSessionRecord{}, fmt.Errorf("core: oauth state not found")
	}
	if !record.ExpiresAt.IsZero() && s.clock().After(record.ExpiresAt) {
		return OAuthSessionRecord{}, fmt.Errorf("core: oauth state expired")
	}

	return cloneOAuthSessionRecord(record), nil
}

func generateOAuthState() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("core: generate oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func cloneOAuthSessionRecord(record OAuthSessionRecord) OAuthSessionRecord {
	cloned := record
	if record.Metadata == nil {
		cloned.Metadata = map[string]any{}
	} else {
		cloned.Metadata = copyAnyMap(record.Metadata)
	}
	return cloned
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

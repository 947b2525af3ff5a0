package core

import (
	"strings"
	"time"
)

const DefaultRefreshLeadWindow = 5 * time.Minute

// TokenState captures the lifecycle flags derived from a token set at
// a point in time.
type TokenState struct {
	ExpiresAt       time.Time
	HasAccessToken  bool
	HasRefreshToken bool
	IsExpired       bool
	IsExpiringSoon  bool
}

// ResolveTokenState evaluates expiry and refreshability for a token
// set. A zero ExpiresAt means the token never expires.
func ResolveTokenState(now time.Time, tokens TokenSet, leadWindow time.Duration) TokenState {
	if now.IsZero() {
		now = time.Now().UTC()
	} else {
		now = now.UTC()
	}
	if leadWindow <= 0 {
		leadWindow = DefaultRefreshLeadWindow
	}

	state := TokenState{
		HasAccessToken:  strings.TrimSpace(tokens.AccessToken) != "",
		HasRefreshToken: strings.TrimSpace(tokens.RefreshToken) != "",
	}
	if tokens.ExpiresAt.IsZero() {
		return state
	}
	expiresAt := tokens.ExpiresAt.UTC()
	state.ExpiresAt = expiresAt
	if !expiresAt.After(now) {
		state.IsExpired = true
		return state
	}
	state.IsExpiringSoon = !expiresAt.After(now.Add(leadWindow))
	return state
}

// ShouldRefreshToken reports whether a refresh must happen before the
// access token is handed out.
func ShouldRefreshToken(state TokenState) bool {
	if !state.HasAccessToken {
		return state.HasRefreshToken
	}
	return state.IsExpired || state.IsExpiringSoon
}

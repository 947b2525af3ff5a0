package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	CredentialPayloadFormatJSONV1 = "token_set_json"
	CredentialPayloadVersionV1    = 1
)

// JSONCredentialCodec serializes token sets for encryption at rest.
type JSONCredentialCodec struct{}

func (JSONCredentialCodec) Format() string {
	return CredentialPayloadFormatJSONV1
}

func (JSONCredentialCodec) Version() int {
	return CredentialPayloadVersionV1
}

type jsonTokenPayload struct {
	AccessToken  string         `json:"access_token,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	TokenType    string         `json:"token_type,omitempty"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
	Scopes       []string       `json:"scopes,omitempty"`
	Raw          map[string]any `json:"raw,omitempty"`
}

func (JSONCredentialCodec) Encode(tokens TokenSet) ([]byte, error) {
	if strings.TrimSpace(tokens.AccessToken) == "" {
		return nil, fmt.Errorf("core: credential payload requires an access token")
	}
	payload := jsonTokenPayload{
		AccessToken:  strings.TrimSpace(tokens.AccessToken),
		RefreshToken: strings.TrimSpace(tokens.RefreshToken),
		TokenType:    strings.TrimSpace(tokens.TokenType),
		ExpiresAt:    timePointer(tokens.ExpiresAt),
		Scopes:       append([]string(nil), tokens.Scopes...),
		Raw:          copyAnyMap(tokens.Raw),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("core: encode credential payload: %w", err)
	}
	return encoded, nil
}

func (JSONCredentialCodec) Decode(payload []byte) (TokenSet, error) {
	if len(payload) == 0 {
		return TokenSet{}, fmt.Errorf("core: credential payload is empty")
	}
	decoded := jsonTokenPayload{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return TokenSet{}, fmt.Errorf("core: decode credential payload: %w", err)
	}
	tokens := TokenSet{
		AccessToken:  strings.TrimSpace(decoded.AccessToken),
		RefreshToken: strings.TrimSpace(decoded.RefreshToken),
		TokenType:    strings.TrimSpace(decoded.TokenType),
		Scopes:       append([]string(nil), decoded.Scopes...),
		Raw:          copyAnyMap(decoded.Raw),
	}
	if decoded.ExpiresAt != nil {
		tokens.ExpiresAt = decoded.ExpiresAt.UTC()
	}
	return tokens, nil
}

func timePointer(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	clone := value.UTC()
	return &clone
}

var _ CredentialCodec = JSONCredentialCodec{}

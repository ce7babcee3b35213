package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	CredentialPayloadFormatJSONV1 = "credential_json"
	CredentialPayloadVersionV1    = 1
)

type JSONCredentialCodec struct{}

func (JSONCredentialCodec) Format() string {
	return CredentialPayloadFormatJSONV1
}

type jsonCredentialPayload struct {
	Version      int        `json:"version"`
	TokenType    string     `json:"token_type,omitempty"`
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	Scope        []string   `json:"scope,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func (JSONCredentialCodec) Encode(credential Credential) ([]byte, error) {
	if strings.TrimSpace(credential.AccessToken) == "" {
		return nil, fmt.Errorf("core: credential access token is required")
	}
	encoded, err := json.Marshal(jsonCredentialPayload{
		Version:      CredentialPayloadVersionV1,
		TokenType:    strings.TrimSpace(credential.TokenType),
		AccessToken:  strings.TrimSpace(credential.AccessToken),
		RefreshToken: strings.TrimSpace(credential.RefreshToken),
		Scope:        append([]string(nil), credential.Scope...),
		ExpiresAt:    cloneTimePointer(credential.ExpiresAt),
	})
	if err != nil {
		return nil, fmt.Errorf("core: encode credential payload: %w", err)
	}
	return encoded, nil
}

func (JSONCredentialCodec) Decode(payload []byte) (Credential, error) {
	if len(payload) == 0 {
		return Credential{}, fmt.Errorf("core: credential payload is empty")
	}
	decoded := jsonCredentialPayload{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Credential{}, fmt.Errorf("core: decode credential payload: %w", err)
	}
	if decoded.Version != CredentialPayloadVersionV1 {
		return Credential{}, fmt.Errorf("core: unsupported credential payload version %d", decoded.Version)
	}
	return Credential{
		TokenType:    decoded.TokenType,
		AccessToken:  decoded.AccessToken,
		RefreshToken: decoded.RefreshToken,
		Scope:        append([]string(nil), decoded.Scope...),
		ExpiresAt:    cloneTimePointer(decoded.ExpiresAt),
	}, nil
}

func cloneTimePointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := value.UTC()
	return &clone
}

var _ CredentialCodec = JSONCredentialCodec{}

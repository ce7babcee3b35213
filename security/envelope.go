package security

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	envelopePrefix    = "gateway.secret.v1:"
	envelopeAlgorithm = "aes-256-gcm"
)

type envelope struct {
	KeyID      string `json:"kid"`
	Version    int    `json:"ver"`
	Algorithm  string `json:"alg"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// EnvelopeMetadata describes a sealed value without opening it.
type EnvelopeMetadata struct {
	KeyID     string
	Version   int
	Algorithm string
}

// ParseEnvelopeMetadata reads the key id and version a value was sealed with.
func ParseEnvelopeMetadata(ciphertext []byte) (EnvelopeMetadata, error) {
	env, err := decodeEnvelope(ciphertext)
	if err != nil {
		return EnvelopeMetadata{}, err
	}
	return EnvelopeMetadata{
		KeyID:     env.KeyID,
		Version:   env.Version,
		Algorithm: env.Algorithm,
	}, nil
}

func encodeEnvelope(env envelope) ([]byte, error) {
	env.KeyID = strings.TrimSpace(env.KeyID)
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("security: encode envelope: %w", err)
	}
	return append([]byte(envelopePrefix), data...), nil
}

func decodeEnvelope(ciphertext []byte) (envelope, error) {
	if len(ciphertext) == 0 {
		return envelope{}, fmt.Errorf("security: ciphertext is required")
	}
	payload, ok := strings.CutPrefix(string(ciphertext), envelopePrefix)
	if !ok {
		return envelope{}, fmt.Errorf("security: invalid ciphertext envelope prefix")
	}
	parsed := envelope{}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return envelope{}, fmt.Errorf("security: decode envelope: %w", err)
	}
	parsed.KeyID = strings.TrimSpace(parsed.KeyID)
	parsed.Algorithm = strings.ToLower(strings.TrimSpace(parsed.Algorithm))
	if parsed.Algorithm != envelopeAlgorithm {
		return envelope{}, fmt.Errorf("security: unsupported envelope algorithm %q", parsed.Algorithm)
	}
	if parsed.Ciphertext == "" {
		return envelope{}, fmt.Errorf("security: envelope ciphertext is required")
	}
	return parsed, nil
}

func decodeField(name, value string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("security: decode %s: %w", name, err)
	}
	return decoded, nil
}

package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/goliatone/go-integration-gateway/core"
)

const defaultKeyID = "app-key"

type Option func(*AppKeySecretProvider)

// AppKeySecretProvider seals credentials with AES-256-GCM under an application
// key. Values sealed under a retired key can still be opened, new values always
// use the active key.
type AppKeySecretProvider struct {
	key     []byte
	keyID   string
	version int
	retired map[string][]byte
}

func WithKeyID(id string) Option {
	return func(provider *AppKeySecretProvider) {
		trimmed := strings.TrimSpace(id)
		if trimmed != "" {
			provider.keyID = trimmed
		}
	}
}

func WithVersion(version int) Option {
	return func(provider *AppKeySecretProvider) {
		if version > 0 {
			provider.version = version
		}
	}
}

// WithRetiredKey keeps a previous key available for decryption only.
func WithRetiredKey(id string, keyMaterial []byte) Option {
	return func(provider *AppKeySecretProvider) {
		trimmed := strings.TrimSpace(id)
		material := bytes.TrimSpace(keyMaterial)
		if trimmed == "" || len(material) == 0 {
			return
		}
		if provider.retired == nil {
			provider.retired = map[string][]byte{}
		}
		provider.retired[trimmed] = normalizeKey(material)
	}
}

func NewAppKeySecretProvider(keyMaterial []byte, opts ...Option) (*AppKeySecretProvider, error) {
	key := bytes.TrimSpace(keyMaterial)
	if len(key) == 0 {
		return nil, fmt.Errorf("security: key material is required")
	}
	provider := &AppKeySecretProvider{
		key:     normalizeKey(key),
		keyID:   defaultKeyID,
		version: 1,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(provider)
	}
	delete(provider.retired, provider.keyID)
	return provider, nil
}

func NewAppKeySecretProviderFromString(key string, opts ...Option) (*AppKeySecretProvider, error) {
	return NewAppKeySecretProvider([]byte(key), opts...)
}

// NewAppKeySecretProviderFromConfig builds the provider from the security
// section. Key material may be base64 encoded.
func NewAppKeySecretProviderFromConfig(cfg core.SecurityConfig) (*AppKeySecretProvider, error) {
	if strings.TrimSpace(cfg.AppKey) == "" {
		return nil, fmt.Errorf("security: app_key is required")
	}
	opts := []Option{WithKeyID(cfg.KeyID)}
	for _, id := range slices.Sorted(maps.Keys(cfg.RetiredKeys)) {
		opts = append(opts, WithRetiredKey(id, decodeKeyMaterial(cfg.RetiredKeys[id])))
	}
	return NewAppKeySecretProvider(decodeKeyMaterial(cfg.AppKey), opts...)
}

func (p *AppKeySecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	gcm, err := newGCM(p.key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, []byte(p.keyID))
	return encodeEnvelope(envelope{
		KeyID:      p.keyID,
		Version:    p.version,
		Algorithm:  envelopeAlgorithm,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	})
}

func (p *AppKeySecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	parsed, err := decodeEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	key, err := p.keyFor(parsed)
	if err != nil {
		return nil, err
	}

	nonce, err := decodeField("nonce", parsed.Nonce)
	if err != nil {
		return nil, err
	}
	payload, err := decodeField("ciphertext payload", parsed.Ciphertext)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("security: invalid nonce length")
	}
	plaintext, err := gcm.Open(nil, nonce, payload, []byte(parsed.KeyID))
	if err != nil {
		return nil, fmt.Errorf("security: decrypt payload: %w", err)
	}
	return plaintext, nil
}

func (p *AppKeySecretProvider) keyFor(env envelope) ([]byte, error) {
	if env.KeyID == p.keyID {
		if env.Version > 0 && env.Version != p.version {
			return nil, fmt.Errorf("security: key version mismatch: got %d want %d", env.Version, p.version)
		}
		return p.key, nil
	}
	if key, ok := p.retired[env.KeyID]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("security: unknown key id %q", env.KeyID)
}

func (p *AppKeySecretProvider) KeyID() string {
	if p == nil {
		return ""
	}
	return p.keyID
}

func (p *AppKeySecretProvider) Version() int {
	if p == nil {
		return 0
	}
	return p.version
}

func (p *AppKeySecretProvider) Metadata() (string, int) {
	return p.KeyID(), p.Version()
}

// NeedsReseal reports whether a sealed value was produced by a key other than
// the active one.
func (p *AppKeySecretProvider) NeedsReseal(ciphertext []byte) bool {
	meta, err := ParseEnvelopeMetadata(ciphertext)
	if err != nil {
		return false
	}
	return meta.KeyID != p.KeyID() || (meta.Version > 0 && meta.Version != p.Version())
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return gcm, nil
}

func decodeKeyMaterial(value string) []byte {
	trimmed := strings.TrimSpace(value)
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil && len(decoded) == 32 {
		return decoded
	}
	return []byte(trimmed)
}

func normalizeKey(value []byte) []byte {
	if len(value) == 32 {
		key := make([]byte, len(value))
		copy(key, value)
		return key
	}
	sum := sha256.Sum256(value)
	key := make([]byte, len(sum))
	copy(key, sum[:])
	return key
}

var (
	_ core.SecretProvider         = (*AppKeySecretProvider)(nil)
	_ core.SecretMetadataProvider = (*AppKeySecretProvider)(nil)
)

package providers

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"strings"
)

// HMACSignature describes how a provider signs webhook bodies.
type HMACSignature struct {
	Header   string
	Prefix   string
	Hash     func() hash.Hash
	Encoding string // hex | base64
}

func SHA256Hex(header string, prefix string) HMACSignature {
	return HMACSignature{Header: header, Prefix: prefix, Hash: sha256.New, Encoding: "hex"}
}

func SHA1Hex(header string, prefix string) HMACSignature {
	return HMACSignature{Header: header, Prefix: prefix, Hash: sha1.New, Encoding: "hex"}
}

// Verify recomputes the HMAC of body and compares it with the header value
// in constant time. Any missing or malformed input yields false.
func (s HMACSignature) Verify(body []byte, headers map[string]string, secret string) bool {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return false
	}
	header := strings.TrimSpace(HeaderValue(headers, s.Header))
	if header == "" {
		return false
	}
	if prefix := strings.TrimSpace(s.Prefix); prefix != "" {
		if !strings.HasPrefix(header, prefix) {
			return false
		}
		header = strings.TrimSpace(strings.TrimPrefix(header, prefix))
	}
	if header == "" {
		return false
	}

	hashFn := s.Hash
	if hashFn == nil {
		hashFn = sha256.New
	}
	mac := hmac.New(hashFn, []byte(secret))
	_, _ = mac.Write(body)
	// The header text is compared with the canonical encoding, so case or
	// padding variants of a valid signature do not verify.
	return subtle.ConstantTimeCompare([]byte(header), []byte(s.encode(mac.Sum(nil)))) == 1
}

func (s HMACSignature) encode(sum []byte) string {
	if strings.EqualFold(strings.TrimSpace(s.Encoding), "base64") {
		return base64.StdEncoding.Strict().EncodeToString(sum)
	}
	return hex.EncodeToString(sum)
}

// Sign returns the header value a provider would send for body. Tests and
// local tooling use it to produce valid deliveries.
func (s HMACSignature) Sign(body []byte, secret string) string {
	hashFn := s.Hash
	if hashFn == nil {
		hashFn = sha256.New
	}
	mac := hmac.New(hashFn, []byte(strings.TrimSpace(secret)))
	_, _ = mac.Write(body)
	return strings.TrimSpace(s.Prefix) + s.encode(mac.Sum(nil))
}

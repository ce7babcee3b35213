package providers

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
)

const DefaultDeliveryIDBucket = 5 * time.Minute

// HeaderValue looks up a header case-insensitively.
func HeaderValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	if value, ok := headers[key]; ok {
		return value
	}
	for candidate, value := range headers {
		if strings.EqualFold(candidate, key) {
			return value
		}
	}
	return ""
}

// ParsePayload decodes a JSON object body. Numbers are kept as json.Number
// so large ids keep their exact digits.
func ParsePayload(raw []byte) (core.Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("providers: payload is empty")
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var payload core.Payload
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("providers: decode payload: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("providers: payload must be a JSON object")
	}
	if decoder.More() {
		return nil, fmt.Errorf("providers: payload has trailing data")
	}
	return payload, nil
}

// Lookup walks a dotted path through nested objects.
func Lookup(payload core.Payload, path string) (any, bool) {
	var current any = map[string]any(payload)
	for _, part := range strings.Split(path, ".") {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = object[part]
		if !ok || current == nil {
			return nil, false
		}
	}
	return current, true
}

// LookupString returns the first non-empty scalar found at paths.
func LookupString(payload core.Payload, paths ...string) string {
	for _, path := range paths {
		value, ok := Lookup(payload, path)
		if !ok {
			continue
		}
		if text := scalarString(value); text != "" {
			return text
		}
	}
	return ""
}

func scalarString(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return typed.String()
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case bool:
		return strconv.FormatBool(typed)
	default:
		return ""
	}
}

// DeriveDeliveryID builds a stable id for deliveries without a delivery
// header. Identical payloads received within the same bucket share an id, so
// provider retries still dedupe.
func DeriveDeliveryID(provider string, payload core.Payload, receivedAt time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = DefaultDeliveryIDBucket
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		canonical = []byte(fmt.Sprint(payload))
	}
	window := receivedAt.UTC().Truncate(bucket).Unix()

	digest := sha256.New()
	_, _ = digest.Write([]byte(core.NormalizeProvider(provider)))
	_, _ = digest.Write([]byte{0})
	_, _ = digest.Write(canonical)
	_, _ = digest.Write([]byte{0})
	_, _ = digest.Write([]byte(strconv.FormatInt(window, 10)))
	return "derived-" + hex.EncodeToString(digest.Sum(nil))[:32]
}

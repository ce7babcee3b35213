// Package consumer delivers envelopes to the downstream HTTP consumer.
package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/providers"
)

const (
	HeaderDeliveryID     = "X-Gateway-Delivery-Id"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderProvider       = "X-Gateway-Provider"
	HeaderSignature      = "X-Gateway-Signature"

	defaultTimeout       = 10 * time.Second
	maxResponseBodyBytes = 64 << 10
)

var envelopeSignature = providers.SHA256Hex(HeaderSignature, "sha256=")

// HTTPConsumer POSTs each envelope as JSON. Any non-2xx answer is a delivery
// failure; the queue transport decides whether to retry.
type HTTPConsumer struct {
	URL           string
	Client        providers.HTTPDoer
	SigningSecret string
	Headers       map[string]string
	Timeout       time.Duration
}

func NewHTTPConsumer(cfg core.ConsumerConfig, client providers.HTTPDoer) (*HTTPConsumer, error) {
	target := strings.TrimSpace(cfg.URL)
	parsed, err := url.Parse(target)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("consumer: invalid url %q", target)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPConsumer{
		URL:           parsed.String(),
		Client:        client,
		SigningSecret: strings.TrimSpace(cfg.SigningSecret),
		Headers:       map[string]string{},
		Timeout:       timeout,
	}, nil
}

func (c *HTTPConsumer) Deliver(ctx context.Context, envelope core.DeliveryEnvelope) error {
	if c == nil || c.Client == nil {
		return fmt.Errorf("consumer: http consumer is not configured")
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("consumer: encode envelope: %w", err)
	}

	requestCtx := ctx
	cancel := func() {}
	if c.Timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("consumer: create request: %w", err)
	}
	for key, value := range c.Headers {
		if strings.TrimSpace(key) != "" {
			req.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDeliveryID, envelope.DeliveryID)
	req.Header.Set(HeaderIdempotencyKey, envelope.DedupID())
	req.Header.Set(HeaderProvider, envelope.Provider)
	if c.SigningSecret != "" {
		req.Header.Set(HeaderSignature, envelopeSignature.Sign(body, c.SigningSecret))
	}

	res, err := c.Client.Do(req)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "consumer: deliver envelope").
			WithCode(http.StatusBadGateway).
			WithMetadata(map[string]any{"delivery_id": envelope.DeliveryID})
	}
	defer res.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(res.Body, maxResponseBodyBytes))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return goerrors.New(
			fmt.Sprintf("consumer: status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet))),
			goerrors.CategoryExternal,
		).WithCode(http.StatusBadGateway).WithMetadata(map[string]any{
			"delivery_id": envelope.DeliveryID,
			"status_code": res.StatusCode,
		})
	}
	return nil
}

// VerifyEnvelope checks the signature header a consumer receives.
func VerifyEnvelope(body []byte, headers map[string]string, secret string) bool {
	return envelopeSignature.Verify(body, headers, secret)
}

var _ core.Consumer = (*HTTPConsumer)(nil)

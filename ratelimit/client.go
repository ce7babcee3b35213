package ratelimit

import (
	"errors"
	"net/http"
)

type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client wraps the provider HTTP client. Calls to a throttled host fail
// fast with a rate_limited error instead of reaching the provider.
type Client struct {
	next   Doer
	policy *AdaptivePolicy
}

// NewClient wraps next, falling back to http.DefaultClient.
func NewClient(next Doer, policy *AdaptivePolicy) *Client {
	if next == nil {
		next = http.DefaultClient
	}
	if policy == nil {
		policy = NewAdaptivePolicy(NewMemoryStateStore())
	}
	return &Client{next: next, policy: policy}
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	host := req.URL.Host
	if err := c.policy.BeforeCall(ctx, host); err != nil {
		var throttled ThrottledError
		if errors.As(err, &throttled) {
			return nil, throttled.ToServiceError()
		}
		return nil, err
	}
	response, err := c.next.Do(req)
	if err != nil {
		return nil, err
	}
	if err := c.policy.AfterCall(ctx, host, response.StatusCode, response.Header); err != nil {
		response.Body.Close()
		return nil, err
	}
	return response, nil
}

// Package ratelimit tracks provider API rate limit headers and refuses
// outbound provider calls while a host is throttled.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-integration-gateway/core"

	goerrors "github.com/goliatone/go-errors"
	lru "github.com/hashicorp/golang-lru/v2"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

const defaultStateCapacity = 1024

// State is the last known budget of one provider host.
type State struct {
	Host           string
	Limit          int
	Remaining      int
	ResetAt        *time.Time
	RetryAfter     *time.Duration
	ThrottledUntil *time.Time
	LastStatus     int
	Attempts       int
	UpdatedAt      time.Time
}

type StateStore interface {
	Get(ctx context.Context, host string) (State, error)
	Upsert(ctx context.Context, state State) error
}

type ThrottledError struct {
	Host       string
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf("ratelimit: host %q throttled for %s", e.Host, e.RetryAfter)
}

// ToServiceError maps the throttle onto the rate_limited text code.
func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{"host": e.Host}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.Wrap(e, goerrors.CategoryRateLimit, e.Error()).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.ErrorRateLimited).
		WithMetadata(metadata)
}

type AdaptivePolicy struct {
	Store          StateStore
	Now            func() time.Time
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func NewAdaptivePolicy(store StateStore) *AdaptivePolicy {
	return &AdaptivePolicy{
		Store:          store,
		Now:            func() time.Time { return time.Now().UTC() },
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
	}
}

// BeforeCall returns a ThrottledError while host is inside a throttle
// window or has spent its budget until the advertised reset.
func (p *AdaptivePolicy) BeforeCall(ctx context.Context, host string) error {
	if p == nil || p.Store == nil {
		return nil
	}
	host = normalizeHost(host)
	state, err := p.Store.Get(ctx, host)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil
		}
		return err
	}

	now := p.now()
	if until := state.ThrottledUntil; until != nil && now.Before(*until) {
		return ThrottledError{Host: host, RetryAfter: until.Sub(now)}
	}
	if state.Remaining == 0 && state.ResetAt != nil && now.Before(*state.ResetAt) {
		return ThrottledError{Host: host, RetryAfter: state.ResetAt.Sub(now)}
	}
	return nil
}

// AfterCall records the budget headers of a provider reply. A 429, or a
// spent budget, opens a throttle window from Retry-After or from an
// exponential backoff when the provider sent no hint.
func (p *AdaptivePolicy) AfterCall(ctx context.Context, host string, status int, headers http.Header) error {
	if p == nil || p.Store == nil {
		return nil
	}
	host = normalizeHost(host)
	now := p.now()
	state, err := p.Store.Get(ctx, host)
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		return err
	}
	if errors.Is(err, ErrStateNotFound) {
		state = State{Host: host}
	}
	state.LastStatus = status
	state.UpdatedAt = now

	limit, hasLimit := parseHeaderInt(headers, "X-RateLimit-Limit")
	if hasLimit {
		state.Limit = limit
	}
	remaining, hasRemaining := parseHeaderInt(headers, "X-RateLimit-Remaining")
	if hasRemaining {
		state.Remaining = remaining
	}
	resetAt, hasResetAt := parseHeaderResetAt(headers)
	if hasResetAt {
		state.ResetAt = &resetAt
	}

	retryAfter, hasRetryAfter := parseRetryAfter(headers, now)
	if hasRetryAfter {
		state.RetryAfter = &retryAfter
	} else {
		state.RetryAfter = nil
	}

	if isThrottledResponse(status, state.Remaining, hasRemaining || hasResetAt || hasLimit || hasRetryAfter) {
		state.Attempts++
		delay := retryAfter
		if !hasRetryAfter {
			delay = p.nextBackoff(state.Attempts)
		}
		until := now.Add(delay)
		state.ThrottledUntil = &until
		return p.Store.Upsert(ctx, state)
	}

	state.Attempts = 0
	state.ThrottledUntil = nil
	return p.Store.Upsert(ctx, state)
}

func (p *AdaptivePolicy) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *AdaptivePolicy) nextBackoff(attempt int) time.Duration {
	return core.ExponentialBackoff{Initial: p.InitialBackoff, Max: p.MaxBackoff}.NextDelay(attempt)
}

func isThrottledResponse(status int, remaining int, hasBudgetHeaders bool) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	if status >= http.StatusInternalServerError {
		return false
	}
	return remaining == 0 && hasBudgetHeaders
}

func parseRetryAfter(headers http.Header, now time.Time) (time.Duration, bool) {
	raw := strings.TrimSpace(headers.Get("Retry-After"))
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if retryAt, err := http.ParseTime(raw); err == nil && retryAt.After(now) {
		return retryAt.Sub(now), true
	}
	return 0, false
}

func parseHeaderInt(headers http.Header, key string) (int, bool) {
	value := strings.TrimSpace(headers.Get(key))
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func parseHeaderResetAt(headers http.Header) (time.Time, bool) {
	unix, ok := parseHeaderInt(headers, "X-RateLimit-Reset")
	if !ok || unix <= 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(unix), 0).UTC(), true
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

// MemoryStateStore keeps the most recently seen hosts in an LRU.
type MemoryStateStore struct {
	mu    sync.Mutex
	items *lru.Cache[string, State]
}

func NewMemoryStateStore() *MemoryStateStore {
	items, _ := lru.New[string, State](defaultStateCapacity)
	return &MemoryStateStore{items: items}
}

func (s *MemoryStateStore) Get(_ context.Context, host string) (State, error) {
	if s == nil || s.items == nil {
		return State{}, fmt.Errorf("ratelimit: state store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.items.Get(normalizeHost(host))
	if !ok {
		return State{}, ErrStateNotFound
	}
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil || s.items == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	state.Host = normalizeHost(state.Host)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items.Add(state.Host, state)
	return nil
}

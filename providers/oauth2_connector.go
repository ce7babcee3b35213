package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
)

const (
	defaultTokenTTL          = time.Hour
	maxProviderResponseBytes = 1 << 20 // 1 MiB
	accountPlaceholder       = "{account}"
	webhookIDPlaceholder     = "{id}"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenResponse is a decoded token endpoint reply. Raw keeps provider
// specific fields such as team or installation ids.
type TokenResponse struct {
	AccessToken      string
	TokenType        string
	RefreshToken     string
	Scope            string
	ExpiresIn        int64
	ErrorCode        string
	ErrorDescription string
	Raw              map[string]any
}

// Account describes who a token belongs to and which resources it can see.
type Account struct {
	ExternalAccountID   string
	ExternalAccountType string
	Resources           []core.Resource
}

// AccountResolver looks up the account behind a freshly exchanged token.
type AccountResolver func(ctx context.Context, client HTTPDoer, token TokenResponse) (Account, error)

type OAuth2Config struct {
	Provider           string
	AuthorizeURL       string
	TokenURL           string
	RevokeURL          string
	HooksURL           string
	WebhookURL         string
	WebhookSecret      string
	HookEvents         []string
	ClientID           string
	ClientSecret       string
	ClientSecretInBody bool
	Scopes             []string
	TokenTTL           time.Duration
	ResolveAccount     AccountResolver
	Now                func() time.Time
	HTTPClient         HTTPDoer
}

// OAuth2Connector implements the authorization code flow plus optional token
// revocation and webhook registration for providers that follow RFC 6749.
type OAuth2Connector struct {
	cfg        OAuth2Config
	httpClient HTTPDoer
}

func NewOAuth2Connector(cfg OAuth2Config) (*OAuth2Connector, error) {
	cfg.Provider = core.NormalizeProvider(cfg.Provider)
	if cfg.Provider == "" {
		return nil, fmt.Errorf("providers: provider name is required")
	}
	cfg.AuthorizeURL = strings.TrimSpace(cfg.AuthorizeURL)
	cfg.TokenURL = strings.TrimSpace(cfg.TokenURL)
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	cfg.ClientSecret = strings.TrimSpace(cfg.ClientSecret)
	if cfg.AuthorizeURL == "" || cfg.TokenURL == "" {
		return nil, fmt.Errorf("providers: authorize and token urls are required for provider %q", cfg.Provider)
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("providers: client id is required for provider %q", cfg.Provider)
	}
	cfg.RevokeURL = strings.TrimSpace(cfg.RevokeURL)
	cfg.HooksURL = strings.TrimSpace(cfg.HooksURL)
	cfg.WebhookURL = strings.TrimSpace(cfg.WebhookURL)
	cfg.Scopes = normalizeScopes(cfg.Scopes)
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time {
			return time.Now().UTC()
		}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OAuth2Connector{cfg: cfg, httpClient: httpClient}, nil
}

func (c *OAuth2Connector) Provider() string {
	return c.cfg.Provider
}

func (c *OAuth2Connector) AuthorizeURL(state string, redirectURI string) (string, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return "", fmt.Errorf("providers: oauth state is required")
	}
	values := url.Values{}
	values.Set("response_type", "code")
	values.Set("client_id", c.cfg.ClientID)
	if redirectURI = strings.TrimSpace(redirectURI); redirectURI != "" {
		values.Set("redirect_uri", redirectURI)
	}
	if len(c.cfg.Scopes) > 0 {
		values.Set("scope", strings.Join(c.cfg.Scopes, " "))
	}
	values.Set("state", state)

	authURL := c.cfg.AuthorizeURL
	if strings.Contains(authURL, "?") {
		return authURL + "&" + values.Encode(), nil
	}
	return authURL + "?" + values.Encode(), nil
}

func (c *OAuth2Connector) ExchangeCode(ctx context.Context, code string, redirectURI string) (core.Grant, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return core.Grant{}, core.NewError(core.ErrorBadInput, "authorization code is required")
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	if redirectURI = strings.TrimSpace(redirectURI); redirectURI != "" {
		form.Set("redirect_uri", redirectURI)
	}
	token, err := c.fetchToken(ctx, form)
	if err != nil {
		return core.Grant{}, err
	}

	account := Account{ExternalAccountType: "user"}
	if c.cfg.ResolveAccount != nil {
		account, err = c.cfg.ResolveAccount(ctx, c.httpClient, token)
		if err != nil {
			return core.Grant{}, fmt.Errorf("providers: resolve %s account: %w", c.cfg.Provider, err)
		}
	}
	if strings.TrimSpace(account.ExternalAccountID) == "" {
		account.ExternalAccountID = readAnyString(token.Raw["user_id"])
	}
	return core.Grant{
		Credential:          c.credentialFrom(token, core.Credential{}),
		ExternalAccountID:   strings.TrimSpace(account.ExternalAccountID),
		ExternalAccountType: strings.TrimSpace(account.ExternalAccountType),
		Resources:           append([]core.Resource(nil), account.Resources...),
	}, nil
}

func (c *OAuth2Connector) Refresh(ctx context.Context, credential core.Credential) (core.Credential, error) {
	if !credential.Refreshable() {
		return core.Credential{}, core.NewError(core.ErrorBadInput, "refresh token is required")
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", credential.RefreshToken)
	token, err := c.fetchToken(ctx, form)
	if err != nil {
		return core.Credential{}, err
	}
	return c.credentialFrom(token, credential), nil
}

// Revoke is a no-op for providers without a revocation endpoint.
func (c *OAuth2Connector) Revoke(ctx context.Context, credential core.Credential) error {
	if c.cfg.RevokeURL == "" {
		return nil
	}
	token := strings.TrimSpace(credential.AccessToken)
	if token == "" {
		token = strings.TrimSpace(credential.RefreshToken)
	}
	if token == "" {
		return nil
	}
	form := url.Values{}
	form.Set("token", token)
	form.Set("client_id", c.cfg.ClientID)
	if c.cfg.ClientSecretInBody && c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if !c.cfg.ClientSecretInBody && c.cfg.ClientSecret != "" {
		req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	}
	_, err = c.do(req, nil)
	return err
}

// RegisterWebhook subscribes the gateway to the connection's events. It
// returns an empty id when the provider needs no per-connection hook.
func (c *OAuth2Connector) RegisterWebhook(ctx context.Context, credential core.Credential, conn core.Connection) (string, error) {
	if c.cfg.HooksURL == "" || c.cfg.WebhookURL == "" {
		return "", nil
	}
	body, err := json.Marshal(map[string]any{
		"url":    c.cfg.WebhookURL,
		"secret": c.cfg.WebhookSecret,
		"events": append([]string(nil), c.cfg.HookEvents...),
		"active": true,
	})
	if err != nil {
		return "", err
	}
	endpoint := strings.ReplaceAll(c.cfg.HooksURL, accountPlaceholder, url.PathEscape(conn.ExternalAccountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential.AccessToken)

	var decoded map[string]any
	if _, err := c.do(req, &decoded); err != nil {
		return "", err
	}
	id := readAnyString(decoded["id"])
	if id == "" {
		return "", fmt.Errorf("providers: %s webhook response missing id", c.cfg.Provider)
	}
	return id, nil
}

func (c *OAuth2Connector) DeregisterWebhook(ctx context.Context, credential core.Credential, conn core.Connection) error {
	if c.cfg.HooksURL == "" || strings.TrimSpace(conn.WebhookID) == "" {
		return nil
	}
	endpoint := strings.ReplaceAll(c.cfg.HooksURL, accountPlaceholder, url.PathEscape(conn.ExternalAccountID))
	if strings.Contains(endpoint, webhookIDPlaceholder) {
		endpoint = strings.ReplaceAll(endpoint, webhookIDPlaceholder, url.PathEscape(conn.WebhookID))
	} else {
		endpoint = strings.TrimRight(endpoint, "/") + "/" + url.PathEscape(conn.WebhookID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+credential.AccessToken)
	status, err := c.do(req, nil)
	if status == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *OAuth2Connector) credentialFrom(token TokenResponse, previous core.Credential) core.Credential {
	now := c.cfg.Now().UTC()
	ttl := c.cfg.TokenTTL
	if token.ExpiresIn > 0 {
		ttl = time.Duration(token.ExpiresIn) * time.Second
	}
	var expiresAt *time.Time
	if token.ExpiresIn > 0 || strings.TrimSpace(token.RefreshToken) != "" || previous.Refreshable() {
		value := now.Add(ttl)
		expiresAt = &value
	}
	refreshToken := strings.TrimSpace(token.RefreshToken)
	if refreshToken == "" {
		refreshToken = previous.RefreshToken
	}
	scopes := parseScopeList(token.Scope)
	if len(scopes) == 0 {
		scopes = append([]string(nil), previous.Scope...)
	}
	if len(scopes) == 0 {
		scopes = append([]string(nil), c.cfg.Scopes...)
	}
	return core.Credential{
		AccessToken:  strings.TrimSpace(token.AccessToken),
		RefreshToken: refreshToken,
		TokenType:    normalizeTokenType(token.TokenType),
		Scope:        scopes,
		ExpiresAt:    expiresAt,
	}
}

func (c *OAuth2Connector) fetchToken(ctx context.Context, form url.Values) (TokenResponse, error) {
	values := url.Values{}
	for key, items := range form {
		for _, item := range items {
			values.Add(key, strings.TrimSpace(item))
		}
	}
	values.Set("client_id", c.cfg.ClientID)
	if c.cfg.ClientSecretInBody && c.cfg.ClientSecret != "" {
		values.Set("client_secret", c.cfg.ClientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(values.Encode()))
	if err != nil {
		return TokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if !c.cfg.ClientSecretInBody && c.cfg.ClientSecret != "" {
		req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("providers: token request failed: %w", err)
	}
	defer response.Body.Close()

	body, err := readLimited(response.Body)
	if err != nil {
		return TokenResponse{}, err
	}
	payload, parseErr := parseTokenPayload(body, response.Header.Get("Content-Type"))
	if response.StatusCode >= http.StatusInternalServerError {
		return TokenResponse{}, fmt.Errorf("providers: token endpoint unavailable (%d)", response.StatusCode)
	}
	if parseErr != nil {
		return TokenResponse{}, fmt.Errorf("providers: decode token response: %w", parseErr)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices || payload.ErrorCode != "" {
		return TokenResponse{}, core.NewError(core.ErrorBadInput, "token endpoint rejected the request: "+describeTokenError(payload)).
			WithMetadata(map[string]any{"provider": c.cfg.Provider, "status": response.StatusCode})
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return TokenResponse{}, fmt.Errorf("providers: token endpoint response missing access token")
	}
	return payload, nil
}

// do sends req and decodes a JSON reply into out when out is non-nil. It
// returns the status code even when the call fails.
func (c *OAuth2Connector) do(req *http.Request, out any) (int, error) {
	return DoJSON(c.httpClient, req, out)
}

// DoJSON executes req and decodes a JSON body into out. Non-2xx replies are
// errors.
func DoJSON(client HTTPDoer, req *http.Request, out any) (int, error) {
	req.Header.Set("Accept", "application/json")
	response, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("providers: %s %s failed: %w", req.Method, req.URL.Path, err)
	}
	defer response.Body.Close()
	body, err := readLimited(response.Body)
	if err != nil {
		return response.StatusCode, err
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return response.StatusCode, fmt.Errorf("providers: %s %s returned %d", req.Method, req.URL.Path, response.StatusCode)
	}
	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		decoder := json.NewDecoder(bytes.NewReader(body))
		decoder.UseNumber()
		if err := decoder.Decode(out); err != nil {
			return response.StatusCode, fmt.Errorf("providers: decode %s response: %w", req.URL.Path, err)
		}
	}
	return response.StatusCode, nil
}

func readLimited(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxProviderResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("providers: read response: %w", err)
	}
	if int64(len(data)) > maxProviderResponseBytes {
		return nil, fmt.Errorf("providers: response exceeds %d bytes", maxProviderResponseBytes)
	}
	return data, nil
}

func describeTokenError(payload TokenResponse) string {
	if strings.TrimSpace(payload.ErrorDescription) != "" {
		return strings.TrimSpace(payload.ErrorDescription)
	}
	if strings.TrimSpace(payload.ErrorCode) != "" {
		return strings.TrimSpace(payload.ErrorCode)
	}
	return "unknown error"
}

func parseTokenPayload(body []byte, contentType string) (TokenResponse, error) {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.Contains(contentType, "json"):
		return parseTokenPayloadJSON(body)
	case strings.Contains(contentType, "x-www-form-urlencoded"), strings.Contains(contentType, "text/plain"):
		return parseTokenPayloadForm(body)
	}
	if payload, err := parseTokenPayloadJSON(body); err == nil {
		return payload, nil
	}
	return parseTokenPayloadForm(body)
}

func parseTokenPayloadJSON(body []byte) (TokenResponse, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return TokenResponse{}, fmt.Errorf("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var decoded map[string]any
	if err := decoder.Decode(&decoded); err != nil {
		return TokenResponse{}, err
	}
	return TokenResponse{
		AccessToken:      readAnyString(decoded["access_token"]),
		TokenType:        readAnyString(decoded["token_type"]),
		RefreshToken:     readAnyString(decoded["refresh_token"]),
		Scope:            readAnyString(decoded["scope"]),
		ExpiresIn:        readAnyInt64(decoded["expires_in"]),
		ErrorCode:        readAnyString(decoded["error"]),
		ErrorDescription: readAnyString(decoded["error_description"]),
		Raw:              decoded,
	}, nil
}

func parseTokenPayloadForm(body []byte) (TokenResponse, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return TokenResponse{}, fmt.Errorf("empty payload")
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return TokenResponse{}, err
	}
	raw := make(map[string]any, len(values))
	for key := range values {
		raw[key] = values.Get(key)
	}
	expiresIn, _ := strconv.ParseInt(strings.TrimSpace(values.Get("expires_in")), 10, 64)
	return TokenResponse{
		AccessToken:      strings.TrimSpace(values.Get("access_token")),
		TokenType:        strings.TrimSpace(values.Get("token_type")),
		RefreshToken:     strings.TrimSpace(values.Get("refresh_token")),
		Scope:            strings.TrimSpace(values.Get("scope")),
		ExpiresIn:        expiresIn,
		ErrorCode:        strings.TrimSpace(values.Get("error")),
		ErrorDescription: strings.TrimSpace(values.Get("error_description")),
		Raw:              raw,
	}, nil
}

func normalizeTokenType(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "bearer"
	}
	return normalized
}

func parseScopeList(value string) []string {
	return normalizeScopes(strings.Fields(strings.ReplaceAll(value, ",", " ")))
}

func normalizeScopes(input []string) []string {
	values := make([]string, 0, len(input))
	seen := map[string]struct{}{}
	for _, value := range input {
		normalized := strings.TrimSpace(value)
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		values = append(values, normalized)
	}
	return values
}

func readAnyString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return typed.String()
	default:
		return strings.TrimSpace(fmt.Sprint(value))
	}
}

func readAnyInt64(value any) int64 {
	switch typed := value.(type) {
	case int:
		return int64(typed)
	case int64:
		return typed
	case float64:
		return int64(typed)
	case json.Number:
		if parsed, err := typed.Int64(); err == nil {
			return parsed
		}
		if parsed, err := typed.Float64(); err == nil {
			return int64(parsed)
		}
	case string:
		if parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}

var (
	_ core.ProviderConnector = (*OAuth2Connector)(nil)
	_ core.WebhookRegistrar  = (*OAuth2Connector)(nil)
)

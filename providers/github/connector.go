package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/providers"
)

const (
	AuthorizeURL = "https://github.com/login/oauth/authorize"
	TokenURL     = "https://github.com/login/oauth/access_token"
	APIBaseURL   = "https://api.github.com"
)

type user struct {
	ID    any    `json:"id"`
	Login string `json:"login"`
	Type  string `json:"type"`
}

type repository struct {
	ID       any    `json:"id"`
	FullName string `json:"full_name"`
}

// NewConnector builds the OAuth connector. Repository hooks are registered
// per account through HooksURL, e.g. https://api.github.com/repos/{account}/hooks.
func NewConnector(cfg core.ProviderConfig, apiBaseURL string, client providers.HTTPDoer) (*providers.OAuth2Connector, error) {
	if strings.TrimSpace(cfg.AuthorizeURL) == "" {
		cfg.AuthorizeURL = AuthorizeURL
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		cfg.TokenURL = TokenURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"repo", "read:user"}
	}
	if strings.TrimSpace(apiBaseURL) == "" {
		apiBaseURL = APIBaseURL
	}
	apiBaseURL = strings.TrimRight(apiBaseURL, "/")

	return providers.NewOAuth2Connector(providers.OAuth2Config{
		Provider:      ProviderName,
		AuthorizeURL:  cfg.AuthorizeURL,
		TokenURL:      cfg.TokenURL,
		RevokeURL:     cfg.RevokeURL,
		HooksURL:      cfg.HooksURL,
		WebhookURL:    cfg.WebhookURL,
		WebhookSecret: cfg.WebhookSecret,
		HookEvents:    []string{"push", "pull_request", "check_suite"},
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		Scopes:        cfg.Scopes,
		HTTPClient:    client,
		ResolveAccount: func(ctx context.Context, client providers.HTTPDoer, token providers.TokenResponse) (providers.Account, error) {
			return resolveAccount(ctx, client, apiBaseURL, token.AccessToken)
		},
	})
}

func resolveAccount(ctx context.Context, client providers.HTTPDoer, apiBaseURL string, accessToken string) (providers.Account, error) {
	var me user
	if err := getJSON(ctx, client, apiBaseURL+"/user", accessToken, &me); err != nil {
		return providers.Account{}, err
	}
	account := providers.Account{
		ExternalAccountID:   fmt.Sprint(me.ID),
		ExternalAccountType: strings.ToLower(strings.TrimSpace(me.Type)),
	}
	if account.ExternalAccountType == "" {
		account.ExternalAccountType = "user"
	}

	var repos []repository
	if err := getJSON(ctx, client, apiBaseURL+"/user/repos?per_page=100", accessToken, &repos); err != nil {
		return providers.Account{}, err
	}
	for _, repo := range repos {
		account.Resources = append(account.Resources, core.Resource{
			Provider:           ProviderName,
			ExternalResourceID: fmt.Sprint(repo.ID),
			DisplayName:        repo.FullName,
		})
	}
	return account, nil
}

func getJSON(ctx context.Context, client providers.HTTPDoer, endpoint string, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	_, err = providers.DoJSON(client, req, out)
	return err
}

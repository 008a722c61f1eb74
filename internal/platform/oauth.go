package platform

import (
	"strings"

	"golang.org/x/oauth2"
)

// OAuthConfig describes the app's installation flow. Scopes are the bot
// scopes requested at install time.
type OAuthConfig struct {
	ClientID    string
	BaseURL     string
	RedirectURL string
	Scopes      []string
}

// AuthorizeURL builds the platform's authorization URL for the install
// link. The platform puts bot scopes in a non-standard "scope" parameter,
// which oauth2 handles since the scopes are joined the same way.
func AuthorizeURL(cfg OAuthConfig, state string) string {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://slack.com"
	}
	conf := &oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: cfg.RedirectURL,
		Scopes:      cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  baseURL + "/oauth/v2/authorize",
			TokenURL: baseURL + "/api/oauth.v2.access",
		},
	}
	return conf.AuthCodeURL(state)
}

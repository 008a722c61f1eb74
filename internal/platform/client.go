// Package platform is the HTTP client for the chat platform's web API:
// identity checks, channel metadata, joining, message posting, and the
// OAuth v2 code/refresh exchanges.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type APIError struct {
	Code   string
	Status int
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("platform api error: %s (status %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("platform api error: status %d", e.Status)
}

// Codes the platform returns when a bot credential is dead or rotated out.
var credentialDeadCodes = map[string]bool{
	"token_expired":    true,
	"invalid_auth":     true,
	"token_revoked":    true,
	"account_inactive": true,
}

func IsCredentialExpired(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && credentialDeadCodes[apiErr.Code]
}

func IsChannelNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "channel_not_found"
}

func IsNotInChannel(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "not_in_channel"
}

type Identity struct {
	UserID        string
	WorkspaceID   string
	WorkspaceName string
}

type Channel struct {
	ID         string
	Name       string
	IsPrivate  bool
	IsArchived bool
	IsMember   bool
}

type Credential struct {
	Token        string
	RefreshToken string
	ExpiresIn    int64
}

type OAuthGrant struct {
	WorkspaceID   string
	WorkspaceName string
	BotUserID     string
	Scopes        string
	Credential    Credential
}

type ClientOptions struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	UserAgent    string
}

type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	userAgent    string
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://slack.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 12 * time.Second}
	}
	return &Client{
		baseURL:      baseURL,
		clientID:     strings.TrimSpace(opts.ClientID),
		clientSecret: strings.TrimSpace(opts.ClientSecret),
		httpClient:   httpClient,
		userAgent:    strings.TrimSpace(opts.UserAgent),
	}
}

// AuthTest is the cheap identity check used to validate that a credential is
// still accepted.
func (c *Client) AuthTest(ctx context.Context, credential string) (Identity, error) {
	var resp struct {
		apiResponse
		UserID string `json:"user_id"`
		TeamID string `json:"team_id"`
		Team   string `json:"team"`
	}
	if err := c.callForm(ctx, "/api/auth.test", credential, url.Values{}, &resp); err != nil {
		return Identity{}, err
	}
	return Identity{
		UserID:        resp.UserID,
		WorkspaceID:   resp.TeamID,
		WorkspaceName: resp.Team,
	}, nil
}

// ChannelInfo fetches channel metadata. A channel_not_found error is also
// what the platform returns for channels the credential cannot see at all.
func (c *Client) ChannelInfo(ctx context.Context, credential, channelID string) (Channel, error) {
	form := url.Values{}
	form.Set("channel", channelID)
	var resp struct {
		apiResponse
		Channel struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			IsPrivate  bool   `json:"is_private"`
			IsArchived bool   `json:"is_archived"`
			IsMember   bool   `json:"is_member"`
		} `json:"channel"`
	}
	if err := c.callForm(ctx, "/api/conversations.info", credential, form, &resp); err != nil {
		return Channel{}, err
	}
	return Channel{
		ID:         resp.Channel.ID,
		Name:       resp.Channel.Name,
		IsPrivate:  resp.Channel.IsPrivate,
		IsArchived: resp.Channel.IsArchived,
		IsMember:   resp.Channel.IsMember,
	}, nil
}

// JoinChannel joins a public channel. Private channels reject this with an
// error; they require an explicit invite.
func (c *Client) JoinChannel(ctx context.Context, credential, channelID string) error {
	form := url.Values{}
	form.Set("channel", channelID)
	var resp apiResponse
	return c.callForm(ctx, "/api/conversations.join", credential, form, &resp)
}

// PostMessage posts text to a channel and returns the platform's message
// identifier.
func (c *Client) PostMessage(ctx context.Context, credential, channelID, text string) (string, error) {
	form := url.Values{}
	form.Set("channel", channelID)
	form.Set("text", text)
	var resp struct {
		apiResponse
		TS string `json:"ts"`
	}
	if err := c.callForm(ctx, "/api/chat.postMessage", credential, form, &resp); err != nil {
		return "", err
	}
	return resp.TS, nil
}

// RefreshCredential exchanges a refresh token for a rotated bot credential.
func (c *Client) RefreshCredential(ctx context.Context, refreshToken string) (Credential, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	resp, err := c.oauthAccess(ctx, form)
	if err != nil {
		return Credential{}, err
	}
	return resp.credential(), nil
}

// ExchangeCode completes the OAuth authorization-code flow and returns the
// installed workspace's grant.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (OAuthGrant, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("code", code)
	if redirectURI != "" {
		form.Set("redirect_uri", redirectURI)
	}
	resp, err := c.oauthAccess(ctx, form)
	if err != nil {
		return OAuthGrant{}, err
	}
	if resp.AccessToken == "" || resp.Team.ID == "" {
		return OAuthGrant{}, &APIError{Code: "incomplete_grant", Status: http.StatusOK}
	}
	return OAuthGrant{
		WorkspaceID:   resp.Team.ID,
		WorkspaceName: resp.Team.Name,
		BotUserID:     resp.BotUserID,
		Scopes:        resp.Scope,
		Credential:    resp.credential(),
	}, nil
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type oauthAccessResponse struct {
	apiResponse
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	BotUserID    string `json:"bot_user_id"`
	Team         struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"team"`
}

func (r *oauthAccessResponse) credential() Credential {
	return Credential{
		Token:        r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresIn:    r.ExpiresIn,
	}
}

func (c *Client) oauthAccess(ctx context.Context, form url.Values) (*oauthAccessResponse, error) {
	var resp oauthAccessResponse
	if err := c.callForm(ctx, "/api/oauth.v2.access", "", form, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type okChecker interface {
	ok() (bool, string)
}

func (r apiResponse) ok() (bool, string) {
	return r.OK, r.Error
}

func (c *Client) callForm(ctx context.Context, path, credential string, form url.Values, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Code: parseErrorCode(body)}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return err
	}
	if checker, isChecker := dst.(okChecker); isChecker {
		if ok, code := checker.ok(); !ok {
			return &APIError{Status: resp.StatusCode, Code: code}
		}
	}
	return nil
}

func parseErrorCode(body []byte) string {
	var parsed apiResponse
	if json.Unmarshal(body, &parsed) == nil {
		return parsed.Error
	}
	return ""
}

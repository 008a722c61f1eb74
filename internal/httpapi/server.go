// Package httpapi exposes the relay over HTTP: the per-user webhook, the
// legacy shared-secret webhook, the installation flow, and health.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alertops/alertrelay/internal/alertrelay"
	"github.com/alertops/alertrelay/internal/platform"
)

const oauthStateTTL = 10 * time.Minute

type ServerConfig struct {
	// BaseURL is the externally visible base used to build per-user webhook
	// URLs, the OAuth redirect, and the reinstall link.
	BaseURL           string
	PlatformBaseURL   string
	ClientID          string
	Scopes            []string
	LegacyBearerToken string
	// AdminUserID receives alerts posted to the legacy webhook.
	AdminUserID  string
	MaxBodyBytes int64
}

// CodeExchanger is the credential-issuance collaborator completing the
// OAuth authorization-code flow.
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (platform.OAuthGrant, error)
}

type Server struct {
	store     *alertrelay.Store
	deliverer *alertrelay.Deliverer
	exchanger CodeExchanger
	cfg       ServerConfig
	logger    *slog.Logger

	stateMu     sync.Mutex
	oauthStates map[string]time.Time
	nowFn       func() time.Time
}

func NewServer(store *alertrelay.Store, deliverer *alertrelay.Deliverer, exchanger CodeExchanger, cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:       store,
		deliverer:   deliverer,
		exchanger:   exchanger,
		cfg:         cfg,
		logger:      logger,
		oauthStates: map[string]time.Time{},
		nowFn:       time.Now,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Availability over fail-fast: a panicking handler must not take the
	// process down, and pending state corrections get one save attempt.
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("handler panic", "path", r.URL.Path, "panic", recovered)
			if err := s.store.ForceSave(); err != nil {
				s.logger.Warn("post-panic save failed", "error", err)
			}
			writeError(w, http.StatusInternalServerError, "internal_error")
		}
	}()

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.store.Health())
	case r.URL.Path == "/legacy-webhook" && r.Method == http.MethodPost:
		s.handleLegacyWebhook(w, r)
	case strings.HasPrefix(r.URL.Path, "/webhook/") && r.Method == http.MethodPost:
		token := strings.TrimPrefix(r.URL.Path, "/webhook/")
		if token == "" || strings.Contains(token, "/") {
			writeError(w, http.StatusNotFound, "token_not_found")
			return
		}
		s.handleWebhook(w, r, token)
	case r.URL.Path == "/install" && r.Method == http.MethodGet:
		s.handleInstall(w, r)
	case r.URL.Path == "/oauth_redirect" && r.Method == http.MethodGet:
		s.handleOAuthRedirect(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found")
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, token string) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	alert, err := alertrelay.ParseAlert(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_payload")
		return
	}
	result, err := s.deliverer.Deliver(r.Context(), token, alert)
	if err != nil {
		s.writeDeliveryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleLegacyWebhook accepts the pre-token alert format: one shared bearer
// secret, routed to the statically configured admin user.
func (s *Server) handleLegacyWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.LegacyBearerToken == "" || s.cfg.AdminUserID == "" {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") ||
		strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")) != s.cfg.LegacyBearerToken {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	token, err := s.store.Token(s.cfg.AdminUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	s.handleWebhook(w, r, token)
}

var installPage = template.Must(template.New("install").Parse(`<!doctype html>
<html><body>
<p><a href="{{.AuthorizeURL}}">Add to your workspace</a></p>
</body></html>
`))

var installedPage = template.Must(template.New("installed").Parse(`<!doctype html>
<html><body>
<p>Workspace {{.WorkspaceName}} installed.</p>
</body></html>
`))

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	state, err := s.newOAuthState()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	authorizeURL := platform.AuthorizeURL(platform.OAuthConfig{
		ClientID:    s.cfg.ClientID,
		BaseURL:     s.cfg.PlatformBaseURL,
		RedirectURL: s.redirectURL(),
		Scopes:      s.cfg.Scopes,
	}, state)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = installPage.Execute(w, map[string]string{"AuthorizeURL": authorizeURL})
}

func (s *Server) handleOAuthRedirect(w http.ResponseWriter, r *http.Request) {
	if denied := strings.TrimSpace(r.URL.Query().Get("error")); denied != "" {
		writeError(w, http.StatusBadRequest, "authorization_denied")
		return
	}
	state := strings.TrimSpace(r.URL.Query().Get("state"))
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if state == "" || code == "" || !s.consumeOAuthState(state) {
		writeError(w, http.StatusBadRequest, "invalid_oauth_state")
		return
	}
	grant, err := s.exchanger.ExchangeCode(r.Context(), code, s.redirectURL())
	if err != nil {
		s.logger.Warn("oauth exchange failed", "error", err)
		writeError(w, http.StatusBadGateway, "oauth_exchange_failed")
		return
	}

	installedAt := s.nowFn().UTC()
	var expiresAt int64
	if grant.Credential.ExpiresIn > 0 {
		expiresAt = installedAt.Unix() + grant.Credential.ExpiresIn
	}
	err = s.store.Update("record installation", func(doc *alertrelay.Document) {
		inst := alertrelay.Installation{
			WorkspaceID:   grant.WorkspaceID,
			WorkspaceName: grant.WorkspaceName,
			BotCredential: alertrelay.BotCredential{
				Token:        grant.Credential.Token,
				RefreshToken: grant.Credential.RefreshToken,
				ExpiresAt:    expiresAt,
			},
			InstalledAt: installedAt,
			Scopes:      grant.Scopes,
		}
		if existing, ok := doc.Installations[grant.WorkspaceID]; ok {
			inst.InstalledAt = existing.InstalledAt
		}
		doc.Installations[grant.WorkspaceID] = inst
	})
	if err != nil {
		s.logger.Warn("failed to persist installation", "workspace", grant.WorkspaceID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	s.logger.Info("workspace installed", "workspace", grant.WorkspaceID)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = installedPage.Execute(w, map[string]string{"WorkspaceName": grant.WorkspaceName})
}

// WebhookURL is the per-user inbound address embedding the opaque token.
func (s *Server) WebhookURL(token string) string {
	return s.cfg.BaseURL + "/webhook/" + token
}

func (s *Server) redirectURL() string {
	return s.cfg.BaseURL + "/oauth_redirect"
}

func (s *Server) reinstallURL() string {
	return s.cfg.BaseURL + "/install"
}

func (s *Server) writeDeliveryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alertrelay.ErrBadPayload):
		writeError(w, http.StatusBadRequest, "bad_payload")
	case errors.Is(err, alertrelay.ErrUnknownToken):
		writeError(w, http.StatusNotFound, "token_not_found")
	case errors.Is(err, alertrelay.ErrUserNotConfigured):
		writeError(w, http.StatusNotFound, "user_not_configured")
	case errors.Is(err, alertrelay.ErrCredentialExpired):
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":         "token_expired",
			"reinstall_url": s.reinstallURL(),
		})
	case errors.Is(err, alertrelay.ErrNotConfigured):
		writeError(w, http.StatusNotFound, "not_configured")
	case errors.Is(err, alertrelay.ErrPrivateChannel):
		writeError(w, http.StatusNotFound, "private_channel")
	case errors.Is(err, alertrelay.ErrChannelNotFound):
		writeError(w, http.StatusNotFound, "channel_not_found")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

func (s *Server) newOAuthState() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	state := hex.EncodeToString(buf[:])
	now := s.nowFn()
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for existing, createdAt := range s.oauthStates {
		if now.Sub(createdAt) > oauthStateTTL {
			delete(s.oauthStates, existing)
		}
	}
	s.oauthStates[state] = now
	return state, nil
}

func (s *Server) consumeOAuthState(state string) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	createdAt, ok := s.oauthStates[state]
	if !ok {
		return false
	}
	delete(s.oauthStates, state)
	return s.nowFn().Sub(createdAt) <= oauthStateTTL
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_payload")
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// Package oauth keeps OAuth-backed provider credentials usable without ever
// blocking serving traffic. Silent refreshes run inline under a per-provider
// lock, interactive re-authorization always runs on a background task.
package oauth

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/yaoapp/gou/http"
	"github.com/yaoapp/kun/log"
	"github.com/yaoapp/relay/token"
)

// Auth error codes
const (
	CodeInvalidToken   = "AUTH_INVALID_TOKEN"
	CodeMissing        = "AUTH_MISSING"
	CodePreflightFatal = "AUTH_PREFLIGHT_FATAL"
)

// Error an authentication failure surfaced to the transport layer
type Error struct {
	Code       string `json:"code"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// ProviderConfig the OAuth endpoints and client credentials of one provider
type ProviderConfig struct {
	TokenFile    string `json:"tokenFile"`
	TokenURL     string `json:"tokenURL"`
	AuthorizeURL string `json:"authorizeURL,omitempty"`
	ClientID     string `json:"clientID,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Options controls how far a single EnsureValid / recovery call may go
type Options struct {
	OpenBrowser    bool // allow launching the interactive flow
	ForceReacquire bool // drop the current token even if it still looks valid
	AllowBlocking  bool // allow waiting for an interactive flow to finish
}

// RefreshFunc exchanges a refresh token for a new token snapshot
type RefreshFunc func(ctx context.Context, cfg *ProviderConfig, refreshToken string) (*token.Snapshot, error)

// Manager serializes credential state transitions per provider id
type Manager struct {
	skewMS  int64
	browser string // command used to open the interactive flow, OAUTH_BROWSER

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	inflight map[string]bool // background re-auth in progress per provider id

	refresh RefreshFunc
	nowMS   func() int64
}

// New creates a lifecycle manager. browser is the command used for interactive
// re-authorization, empty disables the interactive path entirely.
func New(browser string) *Manager {
	return &Manager{
		skewMS:   token.DefaultSkewMS,
		browser:  browser,
		locks:    map[string]*sync.Mutex{},
		inflight: map[string]bool{},
		refresh:  refreshViaTokenEndpoint,
		nowMS:    func() int64 { return time.Now().UnixMilli() },
	}
}

// providerLock returns the mutex owned by providerID, creating it on first use.
// Refresh and interactive re-auth for the same provider take the same lock.
func (m *Manager) providerLock(providerID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lock, has := m.locks[providerID]; has {
		return lock
	}
	lock := &sync.Mutex{}
	m.locks[providerID] = lock
	return lock
}

// EnsureValid is the pre-dispatch preflight. In silent mode it refreshes an
// expiring or expired token when a refresh token exists and returns the usable
// snapshot. It never opens a browser unless opts.OpenBrowser is set.
func (m *Manager) EnsureValid(ctx context.Context, providerID string, cfg *ProviderConfig, opts Options) (*token.Snapshot, error) {
	if cfg == nil || cfg.TokenFile == "" {
		return nil, &Error{Code: CodeMissing, StatusCode: 401, Message: "no token file configured for provider " + providerID}
	}

	lock := m.providerLock(providerID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock, a concurrent refresh may have updated the file
	// while this caller was waiting
	snapshot, err := token.Read(cfg.TokenFile)
	if err != nil {
		return nil, &Error{Code: CodeMissing, StatusCode: 401, Message: err.Error()}
	}

	state := token.EvaluateWithSkew(snapshot, m.nowMS(), m.skewMS)

	if !opts.ForceReacquire {
		switch state.Status {
		case token.StatusValid, token.StatusAPIKeyOnly:
			return snapshot, nil
		case token.StatusExpiring, token.StatusExpired, token.StatusRefreshOnly:
			// fall through to refresh
		default:
			return nil, &Error{Code: CodePreflightFatal, StatusCode: 401, Message: fmt.Sprintf("provider %s credential is %s", providerID, state.Status)}
		}
	}

	if !state.HasRefreshToken || state.NoRefresh {
		if opts.OpenBrowser {
			m.launchInteractive(providerID, cfg)
		}
		return nil, &Error{Code: CodeInvalidToken, StatusCode: 401, Message: fmt.Sprintf("provider %s token is %s and cannot be refreshed", providerID, state.Status)}
	}

	refreshed, err := m.refresh(ctx, cfg, snapshot.RefreshToken)
	if err != nil {
		log.Error("[OAuth] refresh failed for provider %s: %v", providerID, err)
		return nil, &Error{Code: CodeInvalidToken, StatusCode: 401, Message: fmt.Sprintf("refresh failed: %v", err)}
	}

	// Providers may rotate the refresh token, keep the old one when they don't
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = snapshot.RefreshToken
	}
	if refreshed.ProjectID == "" {
		refreshed.ProjectID = snapshot.ProjectID
	}

	if err := refreshed.Persist(cfg.TokenFile); err != nil {
		log.Error("[OAuth] failed to persist refreshed token for provider %s: %v", providerID, err)
	}

	log.Trace("[OAuth] refreshed token for provider %s, expires_at=%d", providerID, refreshed.ExpiresAt)
	return refreshed, nil
}

// HandleUpstreamInvalidToken arbitrates recovery after a 401-class upstream
// failure. Returns true when the caller should replay the request exactly
// once. With AllowBlocking=false (the serving path) an interactive flow is
// scheduled in the background and false is returned so an external router can
// fail over immediately.
func (m *Manager) HandleUpstreamInvalidToken(ctx context.Context, providerID string, cfg *ProviderConfig, cause error, opts Options) bool {
	if cfg == nil || cfg.TokenFile == "" {
		return false
	}

	snapshot, err := token.Read(cfg.TokenFile)
	if err != nil {
		return false
	}
	state := token.EvaluateWithSkew(snapshot, m.nowMS(), m.skewMS)

	// A silent refresh is still worth attempting, the upstream may have
	// rejected a token that was revoked before its recorded expiry
	if state.HasRefreshToken && !state.NoRefresh {
		if _, err := m.EnsureValid(ctx, providerID, cfg, Options{ForceReacquire: true}); err == nil {
			return true
		}
	}

	if m.ShouldTriggerInteractive(providerID, cause) {
		if opts.AllowBlocking {
			m.runInteractive(providerID, cfg)
			_, err := token.Read(cfg.TokenFile)
			return err == nil
		}
		m.launchInteractive(providerID, cfg)
	}
	return false
}

// ShouldTriggerInteractive reports whether the failure indicates a credential
// that only a human can repair
func (m *Manager) ShouldTriggerInteractive(providerID string, err error) bool {
	if err == nil || m.browser == "" {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"401", "invalid_token", "invalid_grant", "token expired", "unauthorized", "auth_invalid_token"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// launchInteractive schedules a background interactive re-auth attempt. At
// most one attempt runs per provider id at any time.
func (m *Manager) launchInteractive(providerID string, cfg *ProviderConfig) {
	if m.browser == "" || cfg.AuthorizeURL == "" {
		return
	}

	m.mu.Lock()
	if m.inflight[providerID] {
		m.mu.Unlock()
		return
	}
	m.inflight[providerID] = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.inflight, providerID)
			m.mu.Unlock()
		}()
		m.runInteractive(providerID, cfg)
	}()
}

// runInteractive opens the provider's authorize URL with the configured
// browser command and waits for it to exit. Holds the provider lock so a
// concurrent refresh cannot race the re-authorization.
func (m *Manager) runInteractive(providerID string, cfg *ProviderConfig) {
	lock := m.providerLock(providerID)
	lock.Lock()
	defer lock.Unlock()

	log.Info("[OAuth] starting interactive re-authorization for provider %s", providerID)
	cmd := exec.Command(m.browser, cfg.AuthorizeURL)
	if err := cmd.Run(); err != nil {
		log.Error("[OAuth] interactive re-authorization failed for provider %s: %v", providerID, err)
	}
}

// refreshViaTokenEndpoint exchanges the refresh token at the provider's token
// endpoint using a standard OAuth 2.0 form post
func refreshViaTokenEndpoint(ctx context.Context, cfg *ProviderConfig, refreshToken string) (*token.Snapshot, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token endpoint not configured")
	}

	params := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}
	if cfg.ClientID != "" {
		params["client_id"] = cfg.ClientID
	}
	if cfg.ClientSecret != "" {
		params["client_secret"] = cfg.ClientSecret
	}
	if cfg.Scope != "" {
		params["scope"] = cfg.Scope
	}

	req := http.New(cfg.TokenURL).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "Relay-OAuth-Client/1.0")

	resp := req.Post(params)
	if resp == nil {
		return nil, fmt.Errorf("failed to make token request: no response")
	}

	if resp.Code != 200 {
		if data, ok := resp.Data.(map[string]interface{}); ok {
			if desc, has := data["error_description"]; has {
				return nil, fmt.Errorf("%v", desc)
			}
			if errName, has := data["error"]; has {
				return nil, fmt.Errorf("%v", errName)
			}
		}
		return nil, fmt.Errorf("token request failed with status %d", resp.Code)
	}

	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected token response type %T", resp.Data)
	}

	accessToken := cast.ToString(data["access_token"])
	if accessToken == "" {
		return nil, fmt.Errorf("no access token in response")
	}

	snapshot := &token.Snapshot{
		AccessToken:  accessToken,
		RefreshToken: cast.ToString(data["refresh_token"]),
		Scope:        cast.ToString(data["scope"]),
	}

	// expires_in (seconds) is the standard field, expires_at (ms) wins if set
	if expiresAt := cast.ToInt64(data["expires_at"]); expiresAt > 0 {
		snapshot.ExpiresAt = expiresAt
	} else if expiresIn := cast.ToInt64(data["expires_in"]); expiresIn > 0 {
		snapshot.ExpiresAt = time.Now().UnixMilli() + expiresIn*1000
	}

	return snapshot, nil
}

// Package token reads and evaluates provider credential files. A credential
// file is either an API-key record or an OAuth token record with access_token,
// refresh_token and an absolute expiry in milliseconds.
package token

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-jwt/jwt/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cast"
)

// DefaultSkewMS is the window before expiry in which a token is reported as
// expiring and should be refreshed ahead of use.
const DefaultSkewMS int64 = 60_000

// ErrNotFound the token file does not exist
var ErrNotFound = errors.New("token file not found")

// ErrParse the token file exists but is not valid JSON
var ErrParse = errors.New("token file malformed")

// Status the lifecycle status of a credential
type Status string

// Credential status values
const (
	StatusValid       Status = "valid"
	StatusExpiring    Status = "expiring"
	StatusExpired     Status = "expired"
	StatusMissing     Status = "missing"
	StatusAPIKeyOnly  Status = "apikey-only"
	StatusRefreshOnly Status = "refresh-only"
)

// Snapshot a single read of a token file. Multi-field access always goes
// through one snapshot, never through repeated reads of the file.
type Snapshot struct {
	AccessToken  string
	RefreshToken string
	APIKey       string
	ExpiresAt    int64 // ms since epoch, 0 when unknown
	ProjectID    string
	Email        string
	Scope        string
	NoRefresh    bool
	Path         string
}

// State the evaluated status of a snapshot at a point in time
type State struct {
	Status          Status `json:"status"`
	ExpiresAt       int64  `json:"expires_at"`
	MsUntilExpiry   int64  `json:"ms_until_expiry"`
	HasAccessToken  bool   `json:"has_access_token"`
	HasRefreshToken bool   `json:"has_refresh_token"`
	HasAPIKey       bool   `json:"has_api_key"`
	NoRefresh       bool   `json:"no_refresh"`
}

// Read loads and parses the token file at path. The file is read exactly once
// per call so concurrent refreshes can never produce a torn snapshot.
func Read(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read token file %s: %w", path, err)
	}

	var data map[string]interface{}
	if err := jsoniter.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}

	return parse(data, path), nil
}

// parse maps the recognized token-file fields onto a snapshot
func parse(data map[string]interface{}, path string) *Snapshot {
	s := &Snapshot{Path: path}

	s.AccessToken = cast.ToString(data["access_token"])
	if s.AccessToken == "" {
		s.AccessToken = cast.ToString(data["AccessToken"])
	}

	s.RefreshToken = cast.ToString(data["refresh_token"])
	s.APIKey = cast.ToString(data["api_key"])
	s.ExpiresAt = cast.ToInt64(data["expires_at"])
	s.Email = cast.ToString(data["email"])
	s.Scope = cast.ToString(data["scope"])
	s.NoRefresh = cast.ToBool(data["no_refresh"])

	s.ProjectID = cast.ToString(data["project_id"])
	if s.ProjectID == "" {
		s.ProjectID = cast.ToString(data["projectId"])
	}
	if s.ProjectID == "" {
		if projects, ok := data["projects"].([]interface{}); ok && len(projects) > 0 {
			if project, ok := projects[0].(map[string]interface{}); ok {
				s.ProjectID = cast.ToString(project["projectId"])
			}
		}
	}

	// Some providers omit expires_at but issue JWT access tokens, take the
	// exp claim without verifying the signature
	if s.ExpiresAt == 0 && s.AccessToken != "" {
		s.ExpiresAt = jwtExpiryMS(s.AccessToken)
	}

	return s
}

// jwtExpiryMS returns the exp claim of a JWT access token in ms, 0 when the
// token is not a parsable JWT or carries no expiry
func jwtExpiryMS(accessToken string) int64 {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return 0
	}
	exp := cast.ToFloat64(claims["exp"])
	if exp <= 0 {
		return 0
	}
	return int64(exp * 1000)
}

// Evaluate reports the status of a snapshot at nowMS. Pure, performs no I/O.
func Evaluate(s *Snapshot, nowMS int64) State {
	return EvaluateWithSkew(s, nowMS, DefaultSkewMS)
}

// EvaluateWithSkew is Evaluate with a caller-chosen expiring window
func EvaluateWithSkew(s *Snapshot, nowMS int64, skewMS int64) State {
	state := State{}
	if s == nil {
		state.Status = StatusMissing
		return state
	}

	state.ExpiresAt = s.ExpiresAt
	state.HasAccessToken = s.AccessToken != ""
	state.HasRefreshToken = s.RefreshToken != ""
	state.HasAPIKey = s.APIKey != ""
	state.NoRefresh = s.NoRefresh
	if s.ExpiresAt > 0 {
		state.MsUntilExpiry = s.ExpiresAt - nowMS
	}

	switch {
	case !state.HasAccessToken && state.HasAPIKey:
		state.Status = StatusAPIKeyOnly
	case !state.HasAccessToken && state.HasRefreshToken:
		state.Status = StatusRefreshOnly
	case !state.HasAccessToken:
		state.Status = StatusMissing
	case s.ExpiresAt > 0 && state.MsUntilExpiry <= 0:
		state.Status = StatusExpired
	case s.ExpiresAt > 0 && state.MsUntilExpiry <= skewMS:
		state.Status = StatusExpiring
	default:
		state.Status = StatusValid
	}
	return state
}

// Persist writes the snapshot back to path atomically (temp file + rename),
// used by the OAuth lifecycle manager after a refresh
func (s *Snapshot) Persist(path string) error {
	data := map[string]interface{}{}
	if s.AccessToken != "" {
		data["access_token"] = s.AccessToken
	}
	if s.RefreshToken != "" {
		data["refresh_token"] = s.RefreshToken
	}
	if s.APIKey != "" {
		data["api_key"] = s.APIKey
	}
	if s.ExpiresAt > 0 {
		data["expires_at"] = s.ExpiresAt
	}
	if s.ProjectID != "" {
		data["project_id"] = s.ProjectID
	}
	if s.Email != "" {
		data["email"] = s.Email
	}
	if s.Scope != "" {
		data["scope"] = s.Scope
	}
	if s.NoRefresh {
		data["no_refresh"] = true
	}

	raw, err := jsoniter.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".token-*")
	if err != nil {
		return fmt.Errorf("failed to create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close token file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

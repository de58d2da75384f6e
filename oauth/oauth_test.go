package oauth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/yaoapp/relay/token"
)

func writeToken(t *testing.T, dir string, expiresAt int64, refreshToken string) string {
	t.Helper()
	path := filepath.Join(dir, "token.json")
	content := fmt.Sprintf(`{"access_token":"old-at","refresh_token":"%s","expires_at":%d}`, refreshToken, expiresAt)
	assert.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func newTestManager(refresh RefreshFunc) *Manager {
	m := New("")
	if refresh != nil {
		m.refresh = refresh
	}
	return m
}

func TestEnsureValid(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UnixMilli()

	t.Run("Valid Token Passes Through", func(t *testing.T) {
		path := writeToken(t, t.TempDir(), now+3600_000, "rt")
		m := newTestManager(func(ctx context.Context, cfg *ProviderConfig, rt string) (*token.Snapshot, error) {
			t.Fatal("refresh must not be called for a valid token")
			return nil, nil
		})
		snapshot, err := m.EnsureValid(ctx, "p1", &ProviderConfig{TokenFile: path}, Options{})
		assert.NoError(t, err)
		assert.Equal(t, "old-at", snapshot.AccessToken)
	})

	t.Run("Expired Token Is Refreshed", func(t *testing.T) {
		path := writeToken(t, t.TempDir(), now-1000, "rt")
		m := newTestManager(func(ctx context.Context, cfg *ProviderConfig, rt string) (*token.Snapshot, error) {
			assert.Equal(t, "rt", rt)
			return &token.Snapshot{AccessToken: "new-at", ExpiresAt: now + 3600_000}, nil
		})
		snapshot, err := m.EnsureValid(ctx, "p1", &ProviderConfig{TokenFile: path}, Options{})
		assert.NoError(t, err)
		assert.Equal(t, "new-at", snapshot.AccessToken)
		// refresh token preserved when the provider does not rotate it
		assert.Equal(t, "rt", snapshot.RefreshToken)

		// and the refreshed token was persisted
		reread, err := token.Read(path)
		assert.NoError(t, err)
		assert.Equal(t, "new-at", reread.AccessToken)
	})

	t.Run("Refresh Failure Yields Invalid Token Error", func(t *testing.T) {
		path := writeToken(t, t.TempDir(), now-1000, "rt")
		m := newTestManager(func(ctx context.Context, cfg *ProviderConfig, rt string) (*token.Snapshot, error) {
			return nil, errors.New("invalid_grant")
		})
		_, err := m.EnsureValid(ctx, "p1", &ProviderConfig{TokenFile: path}, Options{})
		assert.Error(t, err)
		var authErr *Error
		assert.ErrorAs(t, err, &authErr)
		assert.Equal(t, CodeInvalidToken, authErr.Code)
		assert.Equal(t, 401, authErr.StatusCode)
	})

	t.Run("Expired Without Refresh Token", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "token.json")
		content := fmt.Sprintf(`{"access_token":"old-at","expires_at":%d}`, now-1000)
		assert.NoError(t, os.WriteFile(path, []byte(content), 0600))

		m := newTestManager(nil)
		_, err := m.EnsureValid(ctx, "p1", &ProviderConfig{TokenFile: path}, Options{})
		var authErr *Error
		assert.ErrorAs(t, err, &authErr)
		assert.Equal(t, CodeInvalidToken, authErr.Code)
	})

	t.Run("Missing Token File", func(t *testing.T) {
		m := newTestManager(nil)
		_, err := m.EnsureValid(ctx, "p1", &ProviderConfig{TokenFile: filepath.Join(t.TempDir(), "nope.json")}, Options{})
		var authErr *Error
		assert.ErrorAs(t, err, &authErr)
		assert.Equal(t, CodeMissing, authErr.Code)
	})

	t.Run("Concurrent Callers Share One Refresh", func(t *testing.T) {
		path := writeToken(t, t.TempDir(), now-1000, "rt")
		var calls int
		var callMu sync.Mutex
		m := newTestManager(func(ctx context.Context, cfg *ProviderConfig, rt string) (*token.Snapshot, error) {
			callMu.Lock()
			calls++
			callMu.Unlock()
			time.Sleep(20 * time.Millisecond)
			return &token.Snapshot{AccessToken: "new-at", RefreshToken: "rt", ExpiresAt: time.Now().UnixMilli() + 3600_000}, nil
		})

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				snapshot, err := m.EnsureValid(ctx, "p1", &ProviderConfig{TokenFile: path}, Options{})
				assert.NoError(t, err)
				assert.Equal(t, "new-at", snapshot.AccessToken)
			}()
		}
		wg.Wait()

		// The first caller refreshes, the rest re-read the persisted token
		// under the lock and find it already valid
		callMu.Lock()
		assert.Equal(t, 1, calls)
		callMu.Unlock()
	})
}

func TestHandleUpstreamInvalidToken(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UnixMilli()

	t.Run("Silent Refresh Enables Replay", func(t *testing.T) {
		path := writeToken(t, t.TempDir(), now+3600_000, "rt")
		m := newTestManager(func(ctx context.Context, cfg *ProviderConfig, rt string) (*token.Snapshot, error) {
			return &token.Snapshot{AccessToken: "new-at", ExpiresAt: now + 3600_000}, nil
		})
		replay := m.HandleUpstreamInvalidToken(ctx, "p1", &ProviderConfig{TokenFile: path},
			errors.New("HTTP 401 unauthorized"), Options{AllowBlocking: false})
		assert.True(t, replay)
	})

	t.Run("No Refresh Token Means No Replay", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "token.json")
		assert.NoError(t, os.WriteFile(path, []byte(`{"access_token":"old-at"}`), 0600))

		m := newTestManager(nil)
		replay := m.HandleUpstreamInvalidToken(ctx, "p1", &ProviderConfig{TokenFile: path},
			errors.New("HTTP 401 unauthorized"), Options{AllowBlocking: false})
		assert.False(t, replay)
	})

	t.Run("Failed Refresh Means No Replay", func(t *testing.T) {
		path := writeToken(t, t.TempDir(), now+3600_000, "rt")
		m := newTestManager(func(ctx context.Context, cfg *ProviderConfig, rt string) (*token.Snapshot, error) {
			return nil, errors.New("invalid_grant")
		})
		replay := m.HandleUpstreamInvalidToken(ctx, "p1", &ProviderConfig{TokenFile: path},
			errors.New("HTTP 401 unauthorized"), Options{AllowBlocking: false})
		assert.False(t, replay)
	})
}

func TestShouldTriggerInteractive(t *testing.T) {
	m := New("open")
	assert.True(t, m.ShouldTriggerInteractive("p1", errors.New("HTTP 401 unauthorized")))
	assert.True(t, m.ShouldTriggerInteractive("p1", errors.New("invalid_grant")))
	assert.False(t, m.ShouldTriggerInteractive("p1", errors.New("connection refused")))
	assert.False(t, m.ShouldTriggerInteractive("p1", nil))

	// no browser configured disables the interactive path
	silent := New("")
	assert.False(t, silent.ShouldTriggerInteractive("p1", errors.New("HTTP 401 unauthorized")))
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"

	"github.com/yaoapp/relay/codec"
	"github.com/yaoapp/relay/oauth"
)

func okCompletion() string {
	return `{"id":"chatcmpl-1","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"ok"}}]}`
}

func testRuntime() *Runtime {
	return &Runtime{RequestID: "req-1", EntryEndpoint: "/v1/chat/completions"}
}

func TestDispatchBuffered(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		var gotAccept, gotContentType string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAccept = r.Header.Get("Accept")
			gotContentType = r.Header.Get("Content-Type")
			fmt.Fprint(w, okCompletion())
		}))
		defer server.Close()

		tr := New(nil, Options{})
		profile := &ServiceProfile{Key: "p", BaseURL: server.URL, Endpoint: "/chat/completions"}
		result, err := tr.Dispatch(ctx, profile, testRuntime(), codec.Payload{"model": "m"})
		assert.NoError(t, err)
		assert.Equal(t, 200, result.StatusCode)
		assert.Equal(t, "chatcmpl-1", result.Payload["id"])
		assert.Equal(t, "application/json", gotAccept)
		assert.Equal(t, "application/json", gotContentType)
	})

	t.Run("Non 2xx Normalized", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(429)
			fmt.Fprint(w, `{"error":{"code":"rate_limited","message":"slow down"}}`)
		}))
		defer server.Close()

		tr := New(nil, Options{})
		profile := &ServiceProfile{Key: "p", BaseURL: server.URL, Endpoint: "/chat/completions"}
		_, err := tr.Dispatch(ctx, profile, testRuntime(), codec.Payload{"model": "m"})

		var upstream *UpstreamError
		assert.ErrorAs(t, err, &upstream)
		assert.Equal(t, 429, upstream.StatusCode)
		assert.Equal(t, "rate_limited", upstream.Code)
		assert.Equal(t, "slow down", upstream.Message)
		assert.Equal(t, "rate_limited", upstream.Response.Data.Error.Code)
	})

	t.Run("Default Retry Limit Surfaces 500", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				w.WriteHeader(500)
				return
			}
			fmt.Fprint(w, okCompletion())
		}))
		defer server.Close()

		tr := New(nil, Options{})
		profile := &ServiceProfile{Key: "p", BaseURL: server.URL, Endpoint: "/chat/completions"}
		_, err := tr.Dispatch(ctx, profile, testRuntime(), codec.Payload{"model": "m"})

		var upstream *UpstreamError
		assert.ErrorAs(t, err, &upstream)
		assert.Equal(t, 500, upstream.StatusCode)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("Configured Retries Recover From 500", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				w.WriteHeader(502)
				return
			}
			fmt.Fprint(w, okCompletion())
		}))
		defer server.Close()

		tr := New(nil, Options{Retries: 2})
		profile := &ServiceProfile{Key: "p", BaseURL: server.URL, Endpoint: "/chat/completions"}
		result, err := tr.Dispatch(ctx, profile, testRuntime(), codec.Payload{"model": "m"})
		assert.NoError(t, err)
		assert.Equal(t, "chatcmpl-1", result.Payload["id"])
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("4xx Not Retried", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(400)
		}))
		defer server.Close()

		tr := New(nil, Options{Retries: 3})
		profile := &ServiceProfile{Key: "p", BaseURL: server.URL, Endpoint: "/chat/completions"}
		_, err := tr.Dispatch(ctx, profile, testRuntime(), codec.Payload{"model": "m"})
		assert.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})
}

func writeOAuthToken(t *testing.T, expiresAt int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token.json")
	content := fmt.Sprintf(`{"access_token":"at-1","refresh_token":"rt","expires_at":%d}`, expiresAt)
	assert.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDispatchOAuthRecovery(t *testing.T) {
	ctx := context.Background()

	t.Run("401 Then 200 Replays Once", func(t *testing.T) {
		var calls int32
		tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"access_token":"at-2","expires_in":3600}`)
		}))
		defer tokenServer.Close()

		var authSeen []string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authSeen = append(authSeen, r.Header.Get("Authorization"))
			if atomic.AddInt32(&calls, 1) == 1 {
				w.WriteHeader(401)
				fmt.Fprint(w, `{"error":{"message":"invalid_token"}}`)
				return
			}
			fmt.Fprint(w, okCompletion())
		}))
		defer server.Close()

		tokenPath := writeOAuthToken(t, time.Now().UnixMilli()+3600_000)
		tr := New(oauth.New(""), Options{})
		profile := &ServiceProfile{
			Key: "p", BaseURL: server.URL, Endpoint: "/chat/completions",
			Auth: &oauth.ProviderConfig{TokenFile: tokenPath, TokenURL: tokenServer.URL},
		}
		result, err := tr.Dispatch(ctx, profile, testRuntime(), codec.Payload{"model": "m"})
		assert.NoError(t, err)
		assert.Equal(t, "chatcmpl-1", result.Payload["id"])
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

		// replay carried the refreshed credential
		assert.Equal(t, "Bearer at-1", authSeen[0])
		assert.Equal(t, "Bearer at-2", authSeen[1])
	})

	t.Run("401 Then 401 Fails Once", func(t *testing.T) {
		var calls int32
		tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"access_token":"at-2","expires_in":3600}`)
		}))
		defer tokenServer.Close()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(401)
		}))
		defer server.Close()

		tokenPath := writeOAuthToken(t, time.Now().UnixMilli()+3600_000)
		tr := New(oauth.New(""), Options{})
		profile := &ServiceProfile{
			Key: "p", BaseURL: server.URL, Endpoint: "/chat/completions",
			Auth: &oauth.ProviderConfig{TokenFile: tokenPath, TokenURL: tokenServer.URL},
		}
		_, err := tr.Dispatch(ctx, profile, testRuntime(), codec.Payload{"model": "m"})

		var upstream *UpstreamError
		assert.ErrorAs(t, err, &upstream)
		assert.Equal(t, 401, upstream.StatusCode)
		// one original call, one replay, never a third
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("Expired Token Refreshed Before Dispatch", func(t *testing.T) {
		tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"access_token":"fresh","expires_in":3600}`)
		}))
		defer tokenServer.Close()

		var gotAuth string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			fmt.Fprint(w, okCompletion())
		}))
		defer server.Close()

		tokenPath := writeOAuthToken(t, time.Now().UnixMilli()-1000)
		tr := New(oauth.New(""), Options{})
		profile := &ServiceProfile{
			Key: "p", BaseURL: server.URL, Endpoint: "/chat/completions",
			Auth: &oauth.ProviderConfig{TokenFile: tokenPath, TokenURL: tokenServer.URL},
		}
		_, err := tr.Dispatch(ctx, profile, testRuntime(), codec.Payload{"model": "m"})
		assert.NoError(t, err)
		assert.Equal(t, "Bearer fresh", gotAuth)
	})
}

func TestDispatchSSE(t *testing.T) {
	ctx := context.Background()

	t.Run("Anthropic Family Streams", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
		}))
		defer server.Close()

		tr := New(nil, Options{})
		profile := &ServiceProfile{Key: "p", Family: FamilyAnthropic, BaseURL: server.URL, Endpoint: "/messages"}
		result, err := tr.Dispatch(ctx, profile, testRuntime(), codec.Payload{"model": "m", "stream": true})
		assert.NoError(t, err)
		assert.True(t, result.SSE)

		raw, err := io.ReadAll(result.Stream)
		assert.NoError(t, err)
		assert.Contains(t, string(raw), "message_stop")
		assert.NoError(t, result.Stream.Close())
	})

	t.Run("Idle Timeout Terminates Stream", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			flusher := w.(http.Flusher)
			fmt.Fprint(w, "data: first\n\n")
			flusher.Flush()
			time.Sleep(500 * time.Millisecond)
			fmt.Fprint(w, "data: late\n\n")
		}))
		defer server.Close()

		tr := New(nil, Options{StreamIdleTimeoutMS: 100})
		profile := &ServiceProfile{Key: "p", Family: FamilyAnthropic, BaseURL: server.URL, Endpoint: "/messages"}
		result, err := tr.Dispatch(ctx, profile, testRuntime(), codec.Payload{"model": "m", "stream": true})
		assert.NoError(t, err)

		_, err = io.ReadAll(result.Stream)
		assert.ErrorIs(t, err, ErrStreamTimeout)
		result.Stream.Close()
	})

	t.Run("Buffered By Default For OpenAI Family", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "application/json", r.Header.Get("Accept"))
			fmt.Fprint(w, okCompletion())
		}))
		defer server.Close()

		tr := New(nil, Options{})
		profile := &ServiceProfile{Key: "p", Family: FamilyOpenAI, BaseURL: server.URL, Endpoint: "/chat/completions"}
		result, err := tr.Dispatch(ctx, profile, testRuntime(), codec.Payload{"model": "m", "stream": true})
		assert.NoError(t, err)
		assert.False(t, result.SSE)
	})
}

func TestResolveURL(t *testing.T) {
	tr := New(nil, Options{})

	t.Run("Absolute Endpoint Wins", func(t *testing.T) {
		rt := &Runtime{AbsoluteEndpoint: "https://a.example/v1/chat"}
		url, err := tr.resolveURL(&ServiceProfile{BaseURL: "https://b.example", Endpoint: "/x"}, rt, "")
		assert.NoError(t, err)
		assert.Equal(t, "https://a.example/v1/chat", url)
	})

	t.Run("Runtime Base Beats Service", func(t *testing.T) {
		rt := &Runtime{BaseURL: "https://a.example", Endpoint: "/chat"}
		url, err := tr.resolveURL(&ServiceProfile{BaseURL: "https://b.example", Endpoint: "/x"}, rt, "")
		assert.NoError(t, err)
		assert.Equal(t, "https://a.example/chat", url)
	})

	t.Run("Service Defaults", func(t *testing.T) {
		url, err := tr.resolveURL(&ServiceProfile{BaseURL: "https://b.example/", Endpoint: "/chat"}, &Runtime{}, "")
		assert.NoError(t, err)
		assert.Equal(t, "https://b.example/chat", url)
	})

	t.Run("Family Override Redirects", func(t *testing.T) {
		url, err := tr.resolveURL(&ServiceProfile{BaseURL: "https://b.example", Endpoint: "/chat"}, &Runtime{}, "/chat/retrieve")
		assert.NoError(t, err)
		assert.Equal(t, "https://b.example/chat/retrieve", url)
	})

	t.Run("Strict Mode Fails Fast", func(t *testing.T) {
		strict := New(nil, Options{StrictDefaults: true})
		_, err := strict.resolveURL(&ServiceProfile{Key: "p", BaseURL: "https://b.example"}, &Runtime{}, "")
		assert.Error(t, err)
	})

	t.Run("Missing Base Fails", func(t *testing.T) {
		_, err := tr.resolveURL(&ServiceProfile{Key: "p", Endpoint: "/chat"}, &Runtime{}, "")
		assert.Error(t, err)
	})
}

func TestPrepareBody(t *testing.T) {

	t.Run("GLM Assistant Content Coerced", func(t *testing.T) {
		body := codec.Payload{
			"messages": []interface{}{
				map[string]interface{}{"role": "assistant", "content": []interface{}{
					map[string]interface{}{"type": "text", "text": "hi"},
				}},
				map[string]interface{}{"role": "user", "content": []interface{}{
					map[string]interface{}{"type": "text", "text": "keep"},
				}},
			},
		}
		out, override := prepareBody(FamilyGLM, body, testRuntime())
		assert.Empty(t, override)

		assistant := out["messages"].([]interface{})[0].(map[string]interface{})
		content, isString := assistant["content"].(string)
		assert.True(t, isString)
		var parsed []interface{}
		assert.NoError(t, jsoniter.UnmarshalFromString(content, &parsed))

		user := out["messages"].([]interface{})[1].(map[string]interface{})
		_, isString = user["content"].(string)
		assert.False(t, isString)
	})

	t.Run("IFlow Web Search Redirects", func(t *testing.T) {
		body := codec.Payload{
			"_metadata": map[string]interface{}{"iflowWebSearch": true},
			"data":      map[string]interface{}{"query": "golang"},
		}
		out, override := prepareBody(FamilyIFlow, body, testRuntime())
		assert.Equal(t, "/chat/retrieve", override)
		assert.Equal(t, "golang", out["query"])
	})

	t.Run("Internal Fields Stripped", func(t *testing.T) {
		body := codec.Payload{"model": "m", "__sse_responses": 1, "_metadata": map[string]interface{}{}}
		out, _ := prepareBody(FamilyOpenAI, body, testRuntime())
		assert.NotContains(t, out, "__sse_responses")
		assert.NotContains(t, out, "_metadata")
		assert.Contains(t, out, "model")
	})
}

func TestDispatchBodyMode(t *testing.T) {
	ctx := context.Background()

	t.Run("Stream Flag Cleared For Buffered Dispatch", func(t *testing.T) {
		var received codec.Payload
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, _ := io.ReadAll(r.Body)
			jsoniter.Unmarshal(raw, &received)
			// an upstream that honors the body flag would stream here
			if _, has := received["stream"]; has {
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprint(w, "data: {\"id\":\"chatcmpl-1\"}\n\n")
				return
			}
			fmt.Fprint(w, okCompletion())
		}))
		defer server.Close()

		tr := New(nil, Options{})
		profile := &ServiceProfile{Key: "p", BaseURL: server.URL, Endpoint: "/chat/completions"}
		result, err := tr.Dispatch(ctx, profile, testRuntime(), codec.Payload{"model": "m", "stream": true})
		assert.NoError(t, err)
		assert.False(t, result.SSE)
		assert.Equal(t, "chatcmpl-1", result.Payload["id"])
		_, has := received["stream"]
		assert.False(t, has)
	})

	t.Run("Stream Flag Kept For SSE Dispatch", func(t *testing.T) {
		var received codec.Payload
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, _ := io.ReadAll(r.Body)
			jsoniter.Unmarshal(raw, &received)
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
		}))
		defer server.Close()

		tr := New(nil, Options{})
		profile := &ServiceProfile{Key: "p", Family: FamilyAnthropic, BaseURL: server.URL, Endpoint: "/messages"}
		result, err := tr.Dispatch(ctx, profile, testRuntime(), codec.Payload{"model": "m", "stream": true})
		assert.NoError(t, err)
		assert.True(t, result.SSE)
		assert.Equal(t, true, received["stream"])
		result.Stream.Close()
	})

	t.Run("Default Model Injected", func(t *testing.T) {
		var received codec.Payload
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, _ := io.ReadAll(r.Body)
			jsoniter.Unmarshal(raw, &received)
			fmt.Fprint(w, okCompletion())
		}))
		defer server.Close()

		tr := New(nil, Options{})
		profile := &ServiceProfile{Key: "p", BaseURL: server.URL, Endpoint: "/chat/completions", Model: "gpt-4o-mini"}
		_, err := tr.Dispatch(ctx, profile, testRuntime(), codec.Payload{"messages": []interface{}{}})
		assert.NoError(t, err)
		assert.Equal(t, "gpt-4o-mini", received["model"])
	})

	t.Run("Request Model Wins Over Default", func(t *testing.T) {
		var received codec.Payload
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, _ := io.ReadAll(r.Body)
			jsoniter.Unmarshal(raw, &received)
			fmt.Fprint(w, okCompletion())
		}))
		defer server.Close()

		tr := New(nil, Options{})
		profile := &ServiceProfile{Key: "p", BaseURL: server.URL, Endpoint: "/chat/completions", Model: "gpt-4o-mini"}
		_, err := tr.Dispatch(ctx, profile, testRuntime(), codec.Payload{"model": "m"})
		assert.NoError(t, err)
		assert.Equal(t, "m", received["model"])
	})
}

func TestDispatchSnapshots(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, okCompletion())
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "snapshots.jsonl")
	tr := New(nil, Options{SnapshotPath: path})
	profile := &ServiceProfile{Key: "p", BaseURL: server.URL, Endpoint: "/chat/completions"}

	rt := testRuntime()
	rt.InboundHeaders = map[string]string{"x-request-id": "cli-1"}
	_, err := tr.Dispatch(context.Background(), profile, rt, codec.Payload{"model": "m"})
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		raw, readErr := os.ReadFile(path)
		return readErr == nil && countLines(raw) == 2
	}, time.Second, 10*time.Millisecond)

	raw, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Contains(t, string(raw), `"clientRequestId":"cli-1"`)
	assert.Contains(t, string(raw), `"phase":"request"`)
	assert.Contains(t, string(raw), `"phase":"response"`)
}

func TestSnapshotWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.jsonl")
	w := NewSnapshotWriter(path)
	w.Write(SnapshotEnvelope{Phase: "request", RequestID: "r1", URL: "https://x"})
	w.Write(SnapshotEnvelope{Phase: "response", RequestID: "r1"})

	// writes are async
	assert.Eventually(t, func() bool {
		raw, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		return len(raw) > 0 && countLines(raw) == 2
	}, time.Second, 10*time.Millisecond)

	// nil writer is a no-op
	var none *SnapshotWriter
	assert.NotPanics(t, func() { none.Write(SnapshotEnvelope{Phase: "request"}) })
}

func countLines(raw []byte) int {
	n := 0
	for _, b := range raw {
		if b == '\n' {
			n++
		}
	}
	return n
}

func TestUpstreamErrorShape(t *testing.T) {
	err := newUpstreamError(503, []byte(`not json`))
	assert.Equal(t, "HTTP_503", err.Code)
	assert.Equal(t, "not json", err.Message)
	assert.True(t, err.Retryable())
	assert.False(t, err.AuthFailure())

	var asErr error = err
	var target *UpstreamError
	assert.True(t, errors.As(asErr, &target))
}

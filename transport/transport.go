package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cast"
	"github.com/yaoapp/kun/log"

	"github.com/yaoapp/relay/codec"
	"github.com/yaoapp/relay/oauth"
	"github.com/yaoapp/relay/token"
)

// ErrStreamTimeout an SSE stream stalled past the idle timeout
var ErrStreamTimeout = errors.New("stream idle timeout")

// Options process-wide transport configuration, populated from the
// environment at startup
type Options struct {
	TimeoutMS              int
	Retries                int
	StreamIdleTimeoutMS    int
	StreamHeadersTimeoutMS int
	UAMode                 string
	StrictDefaults         bool // fail fast when a base URL or endpoint is missing
	SnapshotPath           string
	HeaderOverrides        map[string]string
}

// Result one dispatch outcome: a parsed JSON payload in buffered mode or a
// live body in SSE mode
type Result struct {
	StatusCode int
	Payload    codec.Payload
	Stream     io.ReadCloser
	SSE        bool
}

// Transport owns the shared HTTP client and the dispatch state machine
type Transport struct {
	client    *http.Client
	auth      *oauth.Manager
	opts      Options
	snapshots *SnapshotWriter
}

// New creates a transport. auth may be nil when no provider uses OAuth.
func New(auth *oauth.Manager, opts Options) *Transport {
	return &Transport{
		// per-call deadlines come from contexts, the client itself never
		// times out so SSE streams can run long
		client:    &http.Client{},
		auth:      auth,
		opts:      opts,
		snapshots: NewSnapshotWriter(opts.SnapshotPath),
	}
}

// Dispatch performs the single upstream call for one request: OAuth
// preflight, header construction, the POST itself, one OAuth recovery replay
// on 401 and the 5xx retry loop
func (t *Transport) Dispatch(ctx context.Context, profile *ServiceProfile, rt *Runtime, body codec.Payload) (*Result, error) {
	family := rt.family(profile)

	prepared, endpointOverride := prepareBody(family, body, rt)
	sse := WantsUpstreamSSE(family, prepared, rt)

	// the body flag must agree with the selected mode, a buffered call with
	// stream true would come back as SSE and fail JSON parsing
	if sse {
		prepared["stream"] = true
	} else {
		delete(prepared, "stream")
	}

	if profile != nil && profile.Model != "" && cast.ToString(prepared["model"]) == "" {
		prepared["model"] = profile.Model
	}

	url, err := t.resolveURL(profile, rt, endpointOverride)
	if err != nil {
		return nil, err
	}

	authorization, apiKey, err := t.preflight(ctx, profile)
	if err != nil {
		return nil, err
	}
	headers := t.buildHeaders(profile, rt, sse, authorization, apiKey)

	payload, err := jsoniter.Marshal(prepared)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}

	t.snapshots.Write(SnapshotEnvelope{
		Phase:           "request",
		RequestID:       rt.RequestID,
		Data:            prepared,
		Headers:         headers,
		URL:             url,
		EntryEndpoint:   rt.EntryEndpoint,
		ClientRequestID: rt.inbound("x-request-id"),
		ProviderKey:     rt.ProviderKey,
		ProviderID:      rt.ProviderID,
	})

	attempts := t.retries(profile)
	recovered := false

	for attempt := 1; ; attempt++ {
		result, err := t.do(ctx, profile, url, headers, payload, sse)
		if err == nil {
			t.snapshots.Write(SnapshotEnvelope{
				Phase:           "response",
				RequestID:       rt.RequestID,
				Data:            result.Payload,
				URL:             url,
				ClientRequestID: rt.inbound("x-request-id"),
				ProviderKey:     rt.ProviderKey,
				ProviderID:      rt.ProviderID,
			})
			return result, nil
		}

		var upstream *UpstreamError
		if errors.As(err, &upstream) {
			// one OAuth recovery, then exactly one replay with fresh headers
			if upstream.AuthFailure() && !recovered && t.auth != nil && profile != nil && profile.Auth != nil {
				recovered = true
				if t.auth.HandleUpstreamInvalidToken(ctx, providerID(profile), profile.Auth, upstream, oauth.Options{}) {
					log.Info("[Transport] replaying request %s after credential recovery", rt.RequestID)
					authorization, apiKey, preErr := t.preflight(ctx, profile)
					if preErr == nil {
						headers = t.buildHeaders(profile, rt, sse, authorization, apiKey)
						continue
					}
				}
			}
			if upstream.Retryable() && attempt < attempts {
				backoff := time.Duration(min64(int64(500*attempt), 2000)) * time.Millisecond
				log.Warn("[Transport] upstream %d on %s, retrying in %s (attempt %d/%d)",
					upstream.StatusCode, url, backoff, attempt, attempts)
				select {
				case <-time.After(backoff):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}

		t.snapshots.Write(SnapshotEnvelope{
			Phase:           "error",
			RequestID:       rt.RequestID,
			Data:            err.Error(),
			URL:             url,
			ClientRequestID: rt.inbound("x-request-id"),
			ProviderKey:     rt.ProviderKey,
			ProviderID:      rt.ProviderID,
		})
		return nil, err
	}
}

// preflight runs the OAuth check and resolves the credential pair to attach
func (t *Transport) preflight(ctx context.Context, profile *ServiceProfile) (authorization, apiKey string, err error) {
	if profile == nil || profile.Auth == nil || t.auth == nil {
		return "", "", nil
	}
	snapshot, err := t.auth.EnsureValid(ctx, providerID(profile), profile.Auth, oauth.Options{})
	if err != nil {
		return "", "", err
	}
	return credentialPair(snapshot)
}

// credentialPair picks the header form for a token snapshot
func credentialPair(snapshot *token.Snapshot) (authorization, apiKey string, err error) {
	switch {
	case snapshot == nil:
		return "", "", nil
	case snapshot.AccessToken != "":
		return "Bearer " + snapshot.AccessToken, "", nil
	case snapshot.APIKey != "":
		return "", snapshot.APIKey, nil
	default:
		return "", "", &oauth.Error{Code: oauth.CodeMissing, StatusCode: 401, Message: "credential has no usable token"}
	}
}

func (t *Transport) buildHeaders(profile *ServiceProfile, rt *Runtime, sse bool, authorization, apiKey string) map[string]string {
	apiKeyHeader := ""
	if rt.family(profile) == FamilyAnthropic {
		apiKeyHeader = "x-api-key"
	}
	return BuildHeaders(profile, rt, HeaderOptions{
		Overrides:     t.opts.HeaderOverrides,
		SSE:           sse,
		UAMode:        t.opts.UAMode,
		Authorization: authorization,
		APIKeyHeader:  apiKeyHeader,
		APIKey:        apiKey,
	})
}

// resolveURL applies the endpoint precedence: runtime absolute endpoint, then
// runtime base+endpoint, then configured overrides, then the service defaults
func (t *Transport) resolveURL(profile *ServiceProfile, rt *Runtime, endpointOverride string) (string, error) {
	if rt != nil && rt.AbsoluteEndpoint != "" && endpointOverride == "" {
		return rt.AbsoluteEndpoint, nil
	}

	base := ""
	endpoint := endpointOverride
	if rt != nil {
		base = rt.BaseURL
		if endpoint == "" {
			endpoint = rt.Endpoint
		}
	}
	if base == "" && profile != nil {
		base = profile.BaseURL
	}
	if endpoint == "" && profile != nil {
		endpoint = profile.Endpoint
	}

	if base == "" || endpoint == "" {
		if t.opts.StrictDefaults {
			return "", fmt.Errorf("no upstream endpoint resolvable for provider %s", providerID(profile))
		}
		if base == "" {
			return "", fmt.Errorf("no upstream base URL for provider %s", providerID(profile))
		}
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/"), nil
}

// do performs one POST attempt
func (t *Transport) do(ctx context.Context, profile *ServiceProfile, url string, headers map[string]string, body []byte, sse bool) (*Result, error) {
	if sse {
		return t.doSSE(ctx, profile, url, headers, body)
	}
	return t.doBuffered(ctx, profile, url, headers, body)
}

func (t *Transport) doBuffered(ctx context.Context, profile *ServiceProfile, url string, headers map[string]string, body []byte) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout(profile))
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	setHeaders(req, headers)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream transport: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream transport: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newUpstreamError(resp.StatusCode, raw)
	}

	var payload codec.Payload
	if err := jsoniter.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("upstream returned invalid JSON: %w", err)
	}
	return &Result{StatusCode: resp.StatusCode, Payload: payload}, nil
}

// doSSE opens the upstream stream, enforcing the time-to-first-byte and the
// per-chunk idle timeouts
func (t *Transport) doSSE(ctx context.Context, profile *ServiceProfile, url string, headers map[string]string, body []byte) (*Result, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	setHeaders(req, headers)

	// headers timeout: cancel unless the response line arrives in time
	headersTimer := time.AfterFunc(t.streamHeadersTimeout(profile), cancel)
	resp, err := t.client.Do(req)
	headersTimer.Stop()
	if err != nil {
		cancel()
		if streamCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: no response headers within %s", ErrStreamTimeout, t.streamHeadersTimeout(profile))
		}
		return nil, fmt.Errorf("upstream transport: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		cancel()
		return nil, newUpstreamError(resp.StatusCode, raw)
	}

	stream := newIdleTimeoutReader(resp.Body, t.streamIdleTimeout(profile), cancel)
	return &Result{StatusCode: resp.StatusCode, Stream: stream, SSE: true}, nil
}

func setHeaders(req *http.Request, headers map[string]string) {
	for name, value := range headers {
		req.Header.Set(name, value)
	}
}

func (t *Transport) timeout(profile *ServiceProfile) time.Duration {
	return msDuration(pick(profile.timeoutMS(), t.opts.TimeoutMS, DefaultTimeoutMS))
}

func (t *Transport) retries(profile *ServiceProfile) int {
	return pick(profile.retriesCount(), t.opts.Retries, DefaultRetries)
}

func (t *Transport) streamIdleTimeout(profile *ServiceProfile) time.Duration {
	return msDuration(pick(profile.streamIdleMS(), t.opts.StreamIdleTimeoutMS, DefaultStreamIdleTimeoutMS))
}

func (t *Transport) streamHeadersTimeout(profile *ServiceProfile) time.Duration {
	return msDuration(pick(profile.streamHeadersMS(), t.opts.StreamHeadersTimeoutMS, DefaultStreamHeadersTimeoutMS))
}

func (p *ServiceProfile) timeoutMS() int {
	if p == nil {
		return 0
	}
	return p.TimeoutMS
}

func (p *ServiceProfile) retriesCount() int {
	if p == nil {
		return 0
	}
	return p.Retries
}

func (p *ServiceProfile) streamIdleMS() int {
	if p == nil {
		return 0
	}
	return p.StreamIdleTimeoutMS
}

func (p *ServiceProfile) streamHeadersMS() int {
	if p == nil {
		return 0
	}
	return p.StreamHeadersTimeoutMS
}

func providerID(profile *ServiceProfile) string {
	if profile == nil {
		return ""
	}
	if profile.ID != "" {
		return profile.ID
	}
	return profile.Key
}

// pick returns the first positive value
func pick(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// idleTimeoutReader cancels the stream when no chunk arrives within the idle
// window
type idleTimeoutReader struct {
	body     io.ReadCloser
	timer    *time.Timer
	idle     time.Duration
	cancel   context.CancelFunc
	timedOut atomic.Bool
}

func newIdleTimeoutReader(body io.ReadCloser, idle time.Duration, cancel context.CancelFunc) *idleTimeoutReader {
	r := &idleTimeoutReader{body: body, idle: idle, cancel: cancel}
	r.timer = time.AfterFunc(idle, func() {
		r.timedOut.Store(true)
		cancel()
	})
	return r
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if err != nil && r.timedOut.Load() {
		return n, ErrStreamTimeout
	}
	r.timer.Reset(r.idle)
	return n, err
}

func (r *idleTimeoutReader) Close() error {
	r.timer.Stop()
	r.cancel()
	return r.body.Close()
}

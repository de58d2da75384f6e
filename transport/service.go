// Package transport produces the single HTTP call to the upstream provider:
// endpoint resolution, header construction with provider-family quirks, OAuth
// preflight and 401 recovery, buffered JSON or SSE streaming, and the retry
// loop for 5xx responses.
package transport

import (
	"github.com/yaoapp/relay/oauth"
)

// Provider families with dedicated header or body behavior
const (
	FamilyOpenAI      = "openai"
	FamilyAnthropic   = "anthropic"
	FamilyGemini      = "gemini"
	FamilyIFlow       = "iflow"
	FamilyGLM         = "glm"
	FamilyAntigravity = "antigravity"
)

// Defaults applied when neither the service profile nor the environment sets
// a value
const (
	DefaultTimeoutMS              = 500_000
	DefaultRetries                = 1 // attempts, so no retry by default
	DefaultStreamIdleTimeoutMS    = 120_000
	DefaultStreamHeadersTimeoutMS = 30_000
	DefaultUserAgent              = "relay/1.0"
)

// ServiceProfile per-provider static configuration. Rebuilt whenever external
// configuration is injected, read-only during dispatch.
type ServiceProfile struct {
	Key      string `json:"key"`
	ID       string `json:"id"`
	Family   string `json:"family"`
	Protocol string `json:"protocol"`

	BaseURL   string            `json:"baseURL"`
	Endpoint  string            `json:"endpoint"`
	Model     string            `json:"model,omitempty"`
	UserAgent string            `json:"userAgent,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`

	TimeoutMS              int `json:"timeoutMS,omitempty"`
	Retries                int `json:"retries,omitempty"`
	StreamIdleTimeoutMS    int `json:"streamIdleTimeoutMS,omitempty"`
	StreamHeadersTimeoutMS int `json:"streamHeadersTimeoutMS,omitempty"`

	Auth *oauth.ProviderConfig `json:"auth,omitempty"`
}

// Runtime per-request annotation block written by the server preprocessor and
// read here. Never injected into the wire body.
type Runtime struct {
	RequestID string
	RouteName string

	ProviderKey string
	ProviderID  string
	Family      string
	Protocol    string

	// endpoint overrides, absolute wins over base+endpoint wins over the
	// service profile
	AbsoluteEndpoint string
	BaseURL          string
	Endpoint         string

	Headers        map[string]string // runtime-profile headers
	InboundHeaders map[string]string // lower-cased client header names
	UserAgent      string
	Originator     string

	EntryEndpoint string
	Stream        bool
}

// family returns the effective provider family for the request
func (rt *Runtime) family(profile *ServiceProfile) string {
	if rt != nil && rt.Family != "" {
		return rt.Family
	}
	if profile != nil {
		return profile.Family
	}
	return ""
}

// inbound returns a lower-cased inbound header value
func (rt *Runtime) inbound(name string) string {
	if rt == nil || rt.InboundHeaders == nil {
		return ""
	}
	return rt.InboundHeaders[name]
}

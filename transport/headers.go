package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// UAModeCodex activates deterministic session-id synthesis and the
// anthropic-* session header aliases
const UAModeCodex = "codex"

// HeaderOptions per-dispatch inputs to header construction
type HeaderOptions struct {
	Overrides     map[string]string // user/provider configuration, highest priority
	SSE           bool
	UAMode        string
	Authorization string // full value, e.g. "Bearer <token>"
	APIKeyHeader  string // set together with APIKey for x-api-key style auth
	APIKey        string
	NowMS         func() int64
}

// BuildHeaders assembles the outbound header set for one dispatch attempt.
// Slot priority is configuration overrides, then runtime-profile headers,
// then inbound client headers, then service-profile defaults, then the
// hard-coded defaults. Accept is owned by the stream-mode selector and any
// inbound Accept is discarded.
func BuildHeaders(profile *ServiceProfile, rt *Runtime, opts HeaderOptions) map[string]string {
	family := rt.family(profile)
	headers := map[string]string{"Content-Type": "application/json"}

	if profile != nil {
		for name, value := range profile.Headers {
			headers[name] = value
		}
	}
	if rt != nil {
		for name, value := range rt.Headers {
			headers[name] = value
		}
	}
	for name, value := range opts.Overrides {
		headers[name] = value
	}

	headers["User-Agent"] = resolveUserAgent(profile, rt, opts.Overrides, family)

	// The stream-mode selector owns Accept
	if opts.SSE {
		headers["Accept"] = "text/event-stream"
	} else {
		headers["Accept"] = "application/json"
	}

	// originator is forwarded, never synthesized
	originator := opts.Overrides["originator"]
	if originator == "" && rt != nil {
		originator = rt.Originator
		if originator == "" {
			originator = rt.inbound("originator")
		}
	}
	if originator != "" {
		headers["originator"] = originator
	}

	applySessionHeaders(headers, rt, opts.UAMode)

	switch family {
	case FamilyGemini:
		// Gemini validates its client headers and rejects session metadata
		delete(headers, "originator")
		delete(headers, "session_id")
		delete(headers, "conversation_id")
		headers["X-Goog-Api-Client"] = "gl-go/relay"
		headers["Client-Metadata"] = "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI"
		headers["Accept-Encoding"] = "gzip, deflate, br"
	case FamilyAntigravity:
		delete(headers, "session_id")
		delete(headers, "conversation_id")
	}

	if opts.Authorization != "" {
		headers["Authorization"] = opts.Authorization
	} else if opts.APIKey != "" {
		name := opts.APIKeyHeader
		if name == "" {
			name = "x-api-key"
		}
		headers[name] = opts.APIKey
	}

	if family == FamilyIFlow {
		signIFlow(headers, opts.NowMS)
	}

	return headers
}

// resolveUserAgent applies the per-family UA priority. iFlow validates UA
// strings, so the service/profile UA beats the inbound one there.
func resolveUserAgent(profile *ServiceProfile, rt *Runtime, overrides map[string]string, family string) string {
	config := overrides["User-Agent"]
	inbound := ""
	service := ""
	if rt != nil {
		inbound = rt.UserAgent
		if inbound == "" {
			inbound = rt.inbound("user-agent")
		}
	}
	if profile != nil {
		service = profile.UserAgent
	}

	var order []string
	if family == FamilyIFlow {
		order = []string{config, service, inbound}
	} else {
		order = []string{config, inbound, service}
	}
	for _, candidate := range order {
		if candidate != "" {
			return candidate
		}
	}
	return DefaultUserAgent
}

// applySessionHeaders forwards session_id / conversation_id from the inbound
// request. Codex UA mode additionally honors the anthropic-* aliases and
// synthesizes deterministic ids when nothing was forwarded.
func applySessionHeaders(headers map[string]string, rt *Runtime, uaMode string) {
	if rt == nil {
		return
	}

	session := rt.inbound("session_id")
	conversation := rt.inbound("conversation_id")

	if uaMode == UAModeCodex {
		if session == "" {
			session = rt.inbound("anthropic-session-id")
		}
		if conversation == "" {
			conversation = rt.inbound("anthropic-conversation-id")
		}
		if session == "" && rt.RequestID != "" {
			session = synthesizeSessionID("sess", rt.RequestID, rt.RouteName)
		}
		if conversation == "" && rt.RequestID != "" {
			conversation = synthesizeSessionID("conv", rt.RequestID, rt.RouteName)
		}
	}

	if session != "" {
		headers["session_id"] = session
	}
	if conversation != "" {
		headers["conversation_id"] = conversation
	}
}

// synthesizeSessionID builds the deterministic codex_cli id, hashing when the
// literal form exceeds 64 bytes
func synthesizeSessionID(kind, requestID, routeName string) string {
	id := fmt.Sprintf("codex_cli_%s_%s", kind, requestID)
	if routeName != "" {
		id += "_" + routeName
	}
	if len(id) > 64 {
		sum := sha256.Sum256([]byte(id))
		id = hex.EncodeToString(sum[:])
	}
	return id
}

// signIFlow computes the request signature some iFlow models verify:
// HMAC-SHA256 keyed by the bearer token over "<UA>:<sessionId>:<timestamp>",
// lowercase hex
func signIFlow(headers map[string]string, nowMS func() int64) {
	authorization := headers["Authorization"]
	if !strings.HasPrefix(authorization, "Bearer ") {
		return
	}
	key := strings.TrimPrefix(authorization, "Bearer ")

	if nowMS == nil {
		nowMS = func() int64 { return time.Now().UnixMilli() }
	}
	timestamp := fmt.Sprintf("%d", nowMS())
	payload := fmt.Sprintf("%s:%s:%s", headers["User-Agent"], headers["session_id"], timestamp)

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(payload))

	headers["x-iflow-signature"] = hex.EncodeToString(mac.Sum(nil))
	headers["x-iflow-timestamp"] = timestamp
}

package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cast"
	"github.com/yaoapp/kun/log"

	"github.com/yaoapp/relay/codec"
	"github.com/yaoapp/relay/oauth"
	"github.com/yaoapp/relay/transport"
)

// handle runs the full per-request pipeline for every protocol endpoint
func (s *Server) handle(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.replyError(c, nil, http.StatusBadRequest, "BAD_REQUEST", "failed to read request body")
		return
	}

	var payload codec.Payload
	if err := jsoniter.Unmarshal(raw, &payload); err != nil {
		s.replyError(c, nil, http.StatusBadRequest, "BAD_REQUEST", "request body is not valid JSON")
		return
	}

	ctx := s.newContext(c, payload)

	profile, canonical, err := s.orch.PrepareIncoming(payload, ctx)
	if err != nil {
		status, code := classifyIncoming(err)
		s.replyError(c, ctx, status, code, err.Error())
		return
	}

	service := s.serviceFor(profile)
	if service == nil {
		s.replyError(c, ctx, http.StatusInternalServerError, "NO_PROVIDER",
			"no provider configured for profile "+profile.ID)
		return
	}

	// cross-protocol upstream: the canonical body is re-expressed in the
	// provider's wire form before dispatch
	body := canonical
	if profile.OutgoingProtocol == codec.ProtocolAnthropicMessages {
		body, err = codec.RequestToAnthropic(canonical)
		if err != nil {
			s.replyError(c, ctx, http.StatusInternalServerError, "CODEC_ERROR", err.Error())
			return
		}
		// a raw upstream stream is only forwardable when the client speaks
		// the same protocol, otherwise the response is buffered and re-emitted
		body["stream"] = ctx.Stream && profile.IncomingProtocol == codec.ProtocolAnthropicMessages
	}

	rt := s.newRuntime(c, ctx, profile, service)
	result, err := s.transport.Dispatch(c.Request.Context(), service, rt, body)
	if err != nil {
		s.replyDispatchError(c, ctx, err)
		return
	}

	if result.SSE {
		s.relayStream(c, ctx, result)
		return
	}

	upstream := result.Payload
	if profile.OutgoingProtocol == codec.ProtocolAnthropicMessages {
		upstream, err = codec.ResponseFromAnthropic(upstream)
		if err != nil {
			s.replyError(c, ctx, http.StatusBadGateway, "CODEC_ERROR", err.Error())
			return
		}
	}

	// cross-protocol streaming: buffer the upstream completion and emit the
	// synthetic Anthropic event sequence
	if ctx.Stream && profile.IncomingProtocol == codec.ProtocolAnthropicMessages {
		s.orch.Bindings().Take(ctx.RequestID)
		s.synthesizeStream(c, ctx, upstream)
		return
	}

	_, converted, err := s.orch.PrepareOutgoing(upstream, ctx)
	if err != nil {
		s.replyError(c, ctx, http.StatusBadGateway, "CODEC_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, converted)
}

// newContext builds the conversion context from the inbound request
func (s *Server) newContext(c *gin.Context, payload codec.Payload) *codec.Context {
	ctx := &codec.Context{
		RequestID:     uuid.NewString(),
		Endpoint:      c.Request.URL.Path,
		EntryEndpoint: c.Request.URL.Path,
		Stream:        cast.ToBool(payload["stream"]),
	}
	if id := c.GetHeader("x-conversion-profile"); id != "" {
		ctx.SetMeta("conversionProfileId", id)
	}
	return ctx
}

// newRuntime captures the per-request annotations transport reads
func (s *Server) newRuntime(c *gin.Context, ctx *codec.Context, profile *codec.Profile, service *transport.ServiceProfile) *transport.Runtime {
	inbound := map[string]string{}
	for name, values := range c.Request.Header {
		if len(values) > 0 {
			inbound[strings.ToLower(name)] = values[0]
		}
	}

	return &transport.Runtime{
		RequestID:      ctx.RequestID,
		RouteName:      profile.ID,
		ProviderKey:    service.Key,
		ProviderID:     service.ID,
		Family:         service.Family,
		Protocol:       service.Protocol,
		InboundHeaders: inbound,
		UserAgent:      c.Request.UserAgent(),
		Originator:     c.GetHeader("originator"),
		EntryEndpoint:  ctx.EntryEndpoint,
		Stream:         ctx.Stream,
	}
}

// serviceFor resolves the provider a conversion profile targets via its
// options.provider key
func (s *Server) serviceFor(profile *codec.Profile) *transport.ServiceProfile {
	key := ""
	if profile.Options != nil {
		key = cast.ToString(profile.Options["provider"])
	}
	return s.providers.Resolve(key)
}

// relayStream forwards a same-protocol upstream SSE body to the client
// untouched
func (s *Server) relayStream(c *gin.Context, ctx *codec.Context, result *transport.Result) {
	defer result.Stream.Close()
	s.orch.Bindings().Take(ctx.RequestID)

	s.sseHeaders(c)
	flusher, _ := c.Writer.(http.Flusher)

	buf := make([]byte, 4096)
	for {
		n, err := result.Stream.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				s.writeStreamError(c, err)
			}
			return
		}
	}
}

// synthesizeStream emits the synthetic Anthropic event sequence built from a
// buffered completion
func (s *Server) synthesizeStream(c *gin.Context, ctx *codec.Context, upstream codec.Payload) {
	var schemas map[string]map[string]interface{}
	if m, ok := ctx.Metadata["toolSchemas"].(map[string]map[string]interface{}); ok {
		schemas = m
	}

	events, err := codec.ToAnthropicEvents(upstream, schemas)
	if err != nil {
		s.replyError(c, ctx, http.StatusBadGateway, "CODEC_ERROR", err.Error())
		return
	}

	s.sseHeaders(c)
	flusher, _ := c.Writer.(http.Flusher)
	for _, event := range events {
		if _, err := c.Writer.Write(event.Encode()); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
}

// writeStreamError emits a terminal error event on an already-open stream
func (s *Server) writeStreamError(c *gin.Context, err error) {
	event := codec.StreamEvent{Type: "error", Data: codec.Payload{
		"type":  "error",
		"error": codec.Payload{"type": "upstream_error", "message": err.Error()},
	}}
	c.Writer.Write(event.Encode())
	if flusher, ok := c.Writer.(http.Flusher); ok {
		flusher.Flush()
	}
}

// replyDispatchError maps transport failures onto the normalized client shape
func (s *Server) replyDispatchError(c *gin.Context, ctx *codec.Context, err error) {
	var authErr *oauth.Error
	if errors.As(err, &authErr) {
		s.replyError(c, ctx, authErr.StatusCode, authErr.Code, authErr.Message)
		return
	}

	var upstream *transport.UpstreamError
	if errors.As(err, &upstream) {
		payload := gin.H{
			"statusCode": upstream.StatusCode,
			"code":       upstream.Code,
			"message":    upstream.Message,
		}
		if upstream.Response != nil {
			payload["response"] = upstream.Response
		}
		s.reply(c, ctx, upstream.StatusCode, payload)
		return
	}

	if errors.Is(err, transport.ErrStreamTimeout) {
		s.replyError(c, ctx, http.StatusGatewayTimeout, "STREAM_TIMEOUT", err.Error())
		return
	}
	s.replyError(c, ctx, http.StatusBadGateway, "UPSTREAM_TRANSPORT", err.Error())
}

// classifyIncoming separates resolution failures from validation failures
func classifyIncoming(err error) (int, string) {
	if errors.Is(err, codec.ErrNoProfile) {
		return http.StatusNotFound, "NO_PROFILE"
	}
	return http.StatusBadRequest, "BAD_REQUEST"
}

func (s *Server) replyError(c *gin.Context, ctx *codec.Context, status int, code, message string) {
	s.reply(c, ctx, status, gin.H{
		"statusCode": status,
		"code":       code,
		"message":    message,
		"response": gin.H{
			"data": gin.H{"error": gin.H{"code": code, "message": message}},
		},
	})
}

func (s *Server) reply(c *gin.Context, ctx *codec.Context, status int, payload gin.H) {
	if ctx != nil {
		s.orch.Bindings().Take(ctx.RequestID)
		log.Trace("[Server] request %s failed with %d", ctx.RequestID, status)
	}
	c.JSON(status, payload)
}

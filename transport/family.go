package transport

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cast"

	"github.com/yaoapp/relay/codec"
)

// WantsUpstreamSSE decides whether the upstream call is opened as an SSE
// stream. The default is buffered JSON, Anthropic-family upstreams follow the
// stream flag on the body.
func WantsUpstreamSSE(family string, body codec.Payload, rt *Runtime) bool {
	switch family {
	case FamilyAnthropic:
		return cast.ToBool(body["stream"])
	default:
		return false
	}
}

// prepareBody applies family body quirks and strips internal metadata fields.
// Returns the body to transmit and an endpoint override when the family
// redirects the request.
func prepareBody(family string, body codec.Payload, rt *Runtime) (codec.Payload, string) {
	// iFlow web search posts the search payload to a dedicated endpoint
	if family == FamilyIFlow && cast.ToBool(metaField(body, "iflowWebSearch")) {
		if data := mapOfValue(body["data"]); data != nil {
			return data, "/chat/retrieve"
		}
	}

	stripInternalFields(body)

	if family == FamilyGLM {
		coerceGLMAssistantContent(body)
	}
	return body, ""
}

// coerceGLMAssistantContent flattens assistant array content into JSON
// strings, GLM rejects array content on assistant messages
func coerceGLMAssistantContent(body codec.Payload) {
	for _, item := range listOfValue(body["messages"]) {
		message := mapOfValue(item)
		if message == nil || cast.ToString(message["role"]) != "assistant" {
			continue
		}
		if _, isString := message["content"].(string); isString || message["content"] == nil {
			continue
		}
		if encoded, err := jsoniter.MarshalToString(message["content"]); err == nil {
			message["content"] = encoded
		}
	}
}

// stripInternalFields removes metadata side-channel keys before transmission
func stripInternalFields(body codec.Payload) {
	for key := range body {
		if len(key) >= 2 && key[:2] == "__" {
			delete(body, key)
		}
	}
	delete(body, "_metadata")
	delete(body, "metadata")
}

// metaField reads a key from the body's metadata side-channel before it is
// stripped
func metaField(body codec.Payload, key string) interface{} {
	for _, holder := range []string{"_metadata", "metadata"} {
		if meta := mapOfValue(body[holder]); meta != nil {
			if value, has := meta[key]; has {
				return value
			}
		}
	}
	return nil
}

func mapOfValue(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func listOfValue(v interface{}) []interface{} {
	l, _ := v.([]interface{})
	return l
}

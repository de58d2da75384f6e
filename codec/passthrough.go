package codec

import (
	"strings"
)

// PassthroughCodec forwards OpenAI Chat payloads unchanged except for two
// hygiene passes: tool_calls arguments are always re-serialized to JSON
// strings (some clients send them as objects) and internal metadata keys are
// stripped before the payload leaves the process
type PassthroughCodec struct{}

// Name returns the codec identifier
func (c *PassthroughCodec) Name() string {
	return CodecOpenAIOpenAI
}

// ConvertRequest normalizes an inbound chat request in place
func (c *PassthroughCodec) ConvertRequest(payload Payload, profile *Profile, ctx *Context) (Payload, error) {
	schemas := ToolSchemas(listOf(payload["tools"]), "name", "parameters")
	if len(schemas) > 0 && ctx != nil {
		ctx.SetMeta("toolSchemas", schemas)
	}
	stripInternalKeys(payload)
	normalizeToolCallArguments(payload)
	return payload, nil
}

// ConvertResponse strips internal keys from the upstream response
func (c *PassthroughCodec) ConvertResponse(payload Payload, profile *Profile, ctx *Context) (Payload, error) {
	stripInternalKeys(payload)
	return payload, nil
}

// normalizeToolCallArguments forces every tool_calls[].function.arguments in
// the message history into JSON-string form
func normalizeToolCallArguments(payload Payload) {
	for _, item := range listOf(payload["messages"]) {
		message := mapOf(item)
		if message == nil {
			continue
		}
		for _, raw := range listOf(message["tool_calls"]) {
			call := mapOf(raw)
			fn := mapOf(call["function"])
			if fn == nil {
				continue
			}
			if _, isString := fn["arguments"].(string); isString {
				continue
			}
			fn["arguments"] = MarshalArguments(CoerceArguments(fn["arguments"]))
		}
	}
}

// stripInternalKeys removes keys prefixed __ or _metadata at the top level
// and inside each message
func stripInternalKeys(payload Payload) {
	stripKeys(payload)
	for _, item := range listOf(payload["messages"]) {
		if message := mapOf(item); message != nil {
			stripKeys(message)
		}
	}
}

func stripKeys(m Payload) {
	for key := range m {
		if strings.HasPrefix(key, "__") || strings.HasPrefix(key, "_metadata") {
			delete(m, key)
		}
	}
}

package codec

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cast"
)

// AnthropicCodec converts between the Anthropic Messages wire form and the
// canonical OpenAI Chat form
type AnthropicCodec struct{}

// Name returns the codec identifier
func (c *AnthropicCodec) Name() string {
	return CodecAnthropicOpenAI
}

// ConvertRequest turns an Anthropic Messages request into canonical OpenAI
// Chat form
func (c *AnthropicCodec) ConvertRequest(payload Payload, profile *Profile, ctx *Context) (Payload, error) {
	out := Payload{}
	copyScalars(out, payload, "model", "temperature", "top_p", "stream")
	if v, has := payload["max_tokens"]; has {
		out["max_tokens"] = v
	}
	if v, has := payload["stop_sequences"]; has {
		out["stop"] = v
	}

	// Tool schemas drive argument normalization on both directions of this
	// request's lifetime
	schemas := ToolSchemas(listOf(payload["tools"]), "name", "input_schema")
	if len(schemas) > 0 && ctx != nil {
		ctx.SetMeta("toolSchemas", schemas)
	}

	messages := []interface{}{}
	if system := flattenSystem(payload["system"]); system != "" {
		messages = append(messages, Payload{"role": "system", "content": system})
	}

	lastText := map[string]string{} // role → previous emitted text, for dedup
	for _, item := range listOf(payload["messages"]) {
		message := mapOf(item)
		if message == nil {
			continue
		}
		converted, err := c.convertMessage(message, schemas, lastText)
		if err != nil {
			return nil, err
		}
		messages = append(messages, converted...)
	}
	out["messages"] = messages

	if tools := listOf(payload["tools"]); len(tools) > 0 {
		out["tools"] = anthropicToolsToOpenAI(tools)
	}
	if choice, has := payload["tool_choice"]; has {
		out["tool_choice"] = anthropicToolChoiceToOpenAI(choice)
	}

	return out, nil
}

// convertMessage walks one Anthropic message's content blocks and emits the
// equivalent canonical messages
func (c *AnthropicCodec) convertMessage(message Payload, schemas map[string]map[string]interface{}, lastText map[string]string) ([]interface{}, error) {
	role := cast.ToString(message["role"])
	out := []interface{}{}

	if content, ok := message["content"].(string); ok {
		if text := strings.TrimSpace(content); text != "" && text != lastText[role] {
			lastText[role] = text
			out = append(out, Payload{"role": role, "content": content})
		}
		return out, nil
	}

	var texts []string
	var toolCalls []interface{}

	for _, item := range listOf(message["content"]) {
		block := mapOf(item)
		if block == nil {
			continue
		}
		switch cast.ToString(block["type"]) {
		case "tool_use":
			call := anthropicToolUseToCall(block, schemas)
			if call != nil {
				toolCalls = append(toolCalls, call)
			}
		case "tool_result":
			out = append(out, Payload{
				"role":         "tool",
				"tool_call_id": cast.ToString(block["tool_use_id"]),
				"content":      stringifyContent(block["content"]),
			})
		default:
			if text := blockText(block); text != "" {
				texts = append(texts, text)
			}
		}
	}

	if len(texts) > 0 {
		text := strings.Join(texts, "\n")
		if strings.TrimSpace(text) != lastText[role] {
			lastText[role] = strings.TrimSpace(text)
			out = append(out, Payload{"role": role, "content": text})
		}
	}
	if len(toolCalls) > 0 {
		out = append(out, Payload{"role": "assistant", "content": "", "tool_calls": toolCalls})
	}
	return out, nil
}

// anthropicToolUseToCall converts one tool_use block into a canonical
// tool_calls entry. Returns nil when the arguments normalize away to nothing.
func anthropicToolUseToCall(block Payload, schemas map[string]map[string]interface{}) Payload {
	name := cast.ToString(block["name"])
	args := CoerceArguments(block["input"])
	if schema, has := schemas[strings.ToLower(name)]; has {
		args = NormalizeArguments(args, schema)
	}
	if len(args) == 0 {
		return nil
	}
	return Payload{
		"id":   cast.ToString(block["id"]),
		"type": "function",
		"function": Payload{
			"name":      name,
			"arguments": MarshalArguments(args),
		},
	}
}

// ConvertResponse turns a canonical OpenAI chat completion back into an
// Anthropic Messages response
func (c *AnthropicCodec) ConvertResponse(payload Payload, profile *Profile, ctx *Context) (Payload, error) {
	var schemas map[string]map[string]interface{}
	if ctx != nil {
		if m, ok := ctx.Metadata["toolSchemas"].(map[string]map[string]interface{}); ok {
			schemas = m
		}
	}
	return ResponseToAnthropic(payload, schemas)
}

// ResponseToAnthropic converts a canonical OpenAI chat completion into the
// Anthropic Messages response shape. Exported because the transport also
// needs the reverse direction when the upstream speaks Anthropic.
func ResponseToAnthropic(payload Payload, schemas map[string]map[string]interface{}) (Payload, error) {
	choices := listOf(payload["choices"])
	if len(choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}
	choice := mapOf(choices[0])
	message := mapOf(choice["message"])
	if message == nil {
		return nil, fmt.Errorf("response choice has no message")
	}

	blocks := []interface{}{}

	switch content := message["content"].(type) {
	case string:
		if content != "" {
			blocks = append(blocks, Payload{"type": "text", "text": content})
		}
	case []interface{}:
		for _, item := range content {
			if text := blockText(mapOf(item)); text != "" {
				blocks = append(blocks, Payload{"type": "text", "text": text})
			}
		}
	}

	if reasoning := cast.ToString(message["reasoning_content"]); reasoning != "" {
		blocks = append(blocks, Payload{"type": "text", "text": reasoning})
	}

	toolCalls := listOf(message["tool_calls"])
	if fc := mapOf(message["function_call"]); fc != nil {
		// legacy single function_call
		toolCalls = append(toolCalls, Payload{"type": "function", "function": fc})
	}

	hasToolUse := false
	for _, item := range toolCalls {
		block := callToToolUse(mapOf(item), schemas)
		if block != nil {
			blocks = append(blocks, block)
			hasToolUse = true
		}
	}

	// Anthropic requires at least one content block
	if len(blocks) == 0 {
		blocks = append(blocks, Payload{"type": "text", "text": ""})
	}

	stopReason := finishReasonToStopReason(cast.ToString(choice["finish_reason"]))
	if hasToolUse {
		stopReason = "tool_use"
	}

	out := Payload{
		"id":            cast.ToString(payload["id"]),
		"type":          "message",
		"role":          "assistant",
		"model":         cast.ToString(payload["model"]),
		"content":       blocks,
		"stop_reason":   stopReason,
		"stop_sequence": nil,
	}

	if usage := mapOf(payload["usage"]); usage != nil {
		out["usage"] = Payload{
			"input_tokens":  cast.ToInt(usage["prompt_tokens"]),
			"output_tokens": cast.ToInt(usage["completion_tokens"]),
			"total_tokens":  cast.ToInt(usage["total_tokens"]),
		}
	}
	return out, nil
}

// callToToolUse converts one canonical tool_calls entry into a tool_use
// block. With a declared schema an unsatisfiable input drops the block,
// without one a non-empty object is kept as-is. Empty input is never emitted.
func callToToolUse(call Payload, schemas map[string]map[string]interface{}) Payload {
	if call == nil {
		return nil
	}
	fn := mapOf(call["function"])
	if fn == nil {
		return nil
	}
	name := cast.ToString(fn["name"])
	if name == "" {
		return nil
	}

	args := CoerceArguments(fn["arguments"])
	if schema, has := schemas[strings.ToLower(name)]; has {
		args = NormalizeArguments(args, schema)
	}
	if len(args) == 0 {
		return nil
	}

	id := cast.ToString(call["id"])
	if id == "" {
		id = "toolu_" + name
	}
	return Payload{"type": "tool_use", "id": id, "name": name, "input": args}
}

// RequestToAnthropic converts a canonical OpenAI Chat request into the
// Anthropic Messages wire form, used when the upstream provider speaks
// Anthropic
func RequestToAnthropic(payload Payload) (Payload, error) {
	out := Payload{}
	copyScalars(out, payload, "model", "temperature", "top_p", "stream")

	maxTokens := cast.ToInt(payload["max_tokens"])
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	out["max_tokens"] = maxTokens

	switch stop := payload["stop"].(type) {
	case string:
		out["stop_sequences"] = []interface{}{stop}
	case []interface{}:
		out["stop_sequences"] = stop
	}

	var system []string
	messages := []interface{}{}
	pendingResults := map[string]bool{}

	for _, item := range listOf(payload["messages"]) {
		message := mapOf(item)
		if message == nil {
			continue
		}
		role := cast.ToString(message["role"])
		switch role {
		case "system":
			system = append(system, stringifyContent(message["content"]))
		case "tool":
			id := cast.ToString(message["tool_call_id"])
			pendingResults[id] = true
			messages = append(messages, Payload{
				"role": "user",
				"content": []interface{}{Payload{
					"type":        "tool_result",
					"tool_use_id": id,
					"content":     stringifyContent(message["content"]),
				}},
			})
		case "assistant":
			blocks := []interface{}{}
			if text := stringifyContent(message["content"]); text != "" {
				blocks = append(blocks, Payload{"type": "text", "text": text})
			}
			for _, tc := range listOf(message["tool_calls"]) {
				call := mapOf(tc)
				fn := mapOf(call["function"])
				if fn == nil {
					continue
				}
				input := CoerceArguments(fn["arguments"])
				if len(input) == 0 {
					continue
				}
				blocks = append(blocks, Payload{
					"type":  "tool_use",
					"id":    cast.ToString(call["id"]),
					"name":  cast.ToString(fn["name"]),
					"input": input,
				})
			}
			if len(blocks) > 0 {
				messages = append(messages, Payload{"role": "assistant", "content": blocks})
			}
		default:
			messages = append(messages, Payload{
				"role": "user",
				"content": []interface{}{
					Payload{"type": "text", "text": stringifyContent(message["content"])},
				},
			})
		}
	}

	if len(system) > 0 {
		out["system"] = strings.Join(system, "\n")
	}
	out["messages"] = messages

	if tools := listOf(payload["tools"]); len(tools) > 0 {
		converted := []interface{}{}
		for _, item := range tools {
			tool := mapOf(item)
			fn := mapOf(tool["function"])
			if fn == nil {
				continue
			}
			entry := Payload{"name": cast.ToString(fn["name"])}
			if desc := cast.ToString(fn["description"]); desc != "" {
				entry["description"] = desc
			}
			if params := mapOf(fn["parameters"]); params != nil {
				entry["input_schema"] = params
			}
			converted = append(converted, entry)
		}
		if len(converted) > 0 {
			out["tools"] = converted
		}
	}

	if choice, has := payload["tool_choice"]; has {
		out["tool_choice"] = openAIToolChoiceToAnthropic(choice)
	}

	return out, nil
}

// ResponseFromAnthropic converts an Anthropic Messages response into the
// canonical OpenAI chat completion shape
func ResponseFromAnthropic(payload Payload) (Payload, error) {
	var texts []string
	toolCalls := []interface{}{}

	for _, item := range listOf(payload["content"]) {
		block := mapOf(item)
		if block == nil {
			continue
		}
		switch cast.ToString(block["type"]) {
		case "tool_use":
			args := CoerceArguments(block["input"])
			toolCalls = append(toolCalls, Payload{
				"id":   cast.ToString(block["id"]),
				"type": "function",
				"function": Payload{
					"name":      cast.ToString(block["name"]),
					"arguments": MarshalArguments(args),
				},
			})
		default:
			if text := blockText(block); text != "" {
				texts = append(texts, text)
			}
		}
	}

	message := Payload{"role": "assistant", "content": strings.Join(texts, "")}
	finishReason := stopReasonToFinishReason(cast.ToString(payload["stop_reason"]))
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
		finishReason = "tool_calls"
	}

	out := Payload{
		"id":     cast.ToString(payload["id"]),
		"object": "chat.completion",
		"model":  cast.ToString(payload["model"]),
		"choices": []interface{}{Payload{
			"index":         0,
			"message":       message,
			"finish_reason": finishReason,
		}},
	}

	if usage := mapOf(payload["usage"]); usage != nil {
		input := cast.ToInt(usage["input_tokens"])
		output := cast.ToInt(usage["output_tokens"])
		out["usage"] = Payload{
			"prompt_tokens":     input,
			"completion_tokens": output,
			"total_tokens":      input + output,
		}
	}
	return out, nil
}

// flattenSystem turns the Anthropic system field (string or text-block list)
// into one string
func flattenSystem(v interface{}) string {
	switch system := v.(type) {
	case string:
		return system
	case []interface{}:
		var parts []string
		for _, item := range system {
			if text := blockText(mapOf(item)); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// blockText extracts the text from a typed content block, descending into
// nested message blocks
func blockText(block Payload) string {
	if block == nil {
		return ""
	}
	switch cast.ToString(block["type"]) {
	case "text", "input_text", "output_text":
		return cast.ToString(block["text"])
	case "message":
		return stringifyContent(block["content"])
	}
	// untyped {text: ...} blocks show up in some agent histories
	if text, ok := block["text"].(string); ok {
		return text
	}
	return ""
}

// stringifyContent flattens a message content value (string, block list or
// arbitrary JSON) into a plain string
func stringifyContent(v interface{}) string {
	switch content := v.(type) {
	case nil:
		return ""
	case string:
		return content
	case []interface{}:
		var parts []string
		for _, item := range content {
			if text := blockText(mapOf(item)); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	default:
		s, err := jsoniter.MarshalToString(content)
		if err != nil {
			return fmt.Sprintf("%v", content)
		}
		return s
	}
}

// anthropicToolsToOpenAI converts {name, description, input_schema} tool
// declarations into OpenAI function tools
func anthropicToolsToOpenAI(tools []interface{}) []interface{} {
	out := []interface{}{}
	for _, item := range tools {
		tool := mapOf(item)
		if tool == nil {
			continue
		}
		fn := Payload{"name": cast.ToString(tool["name"])}
		if desc := cast.ToString(tool["description"]); desc != "" {
			fn["description"] = desc
		}
		if schema := mapOf(tool["input_schema"]); schema != nil {
			fn["parameters"] = schema
		}
		out = append(out, Payload{"type": "function", "function": fn})
	}
	return out
}

// anthropicToolChoiceToOpenAI maps an Anthropic tool_choice onto the OpenAI
// form, defaulting unknowns to auto
func anthropicToolChoiceToOpenAI(choice interface{}) interface{} {
	switch v := choice.(type) {
	case string:
		if v == "auto" || v == "none" {
			return v
		}
	case map[string]interface{}:
		switch cast.ToString(v["type"]) {
		case "auto", "none":
			return cast.ToString(v["type"])
		case "any":
			return "required"
		case "tool":
			return Payload{"type": "function", "function": Payload{"name": cast.ToString(v["name"])}}
		}
	}
	return "auto"
}

// openAIToolChoiceToAnthropic is the reverse mapping
func openAIToolChoiceToAnthropic(choice interface{}) interface{} {
	switch v := choice.(type) {
	case string:
		switch v {
		case "none":
			return Payload{"type": "none"}
		case "required":
			return Payload{"type": "any"}
		}
	case map[string]interface{}:
		if fn := mapOf(v["function"]); fn != nil {
			return Payload{"type": "tool", "name": cast.ToString(fn["name"])}
		}
	}
	return Payload{"type": "auto"}
}

// finishReasonToStopReason maps OpenAI finish reasons onto Anthropic stop
// reasons
func finishReasonToStopReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "content_filter":
		return "end_turn"
	default:
		return "end_turn"
	}
}

// stopReasonToFinishReason is the reverse mapping
func stopReasonToFinishReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "stop_sequence":
		return "stop"
	default:
		return "stop"
	}
}

// copyScalars copies the listed keys when present
func copyScalars(dst, src Payload, keys ...string) {
	for _, key := range keys {
		if v, has := src[key]; has && v != nil {
			dst[key] = v
		}
	}
}

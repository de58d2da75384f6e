package codec

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

// ResponsesCodec converts between the OpenAI Responses wire form and the
// canonical OpenAI Chat form
type ResponsesCodec struct{}

// Name returns the codec identifier
func (c *ResponsesCodec) Name() string {
	return CodecResponsesOpenAI
}

// ConvertRequest flattens a Responses request (instructions, input items)
// into the canonical message list
func (c *ResponsesCodec) ConvertRequest(payload Payload, profile *Profile, ctx *Context) (Payload, error) {
	out := Payload{}
	copyScalars(out, payload, "model", "temperature", "top_p", "stream")
	if v, has := payload["max_output_tokens"]; has {
		out["max_tokens"] = v
	}

	// Responses declares tools flat: {type, name, description, parameters}
	schemas := ToolSchemas(listOf(payload["tools"]), "name", "parameters")
	if len(schemas) > 0 && ctx != nil {
		ctx.SetMeta("toolSchemas", schemas)
	}

	messages := []interface{}{}
	if instructions := cast.ToString(payload["instructions"]); instructions != "" {
		messages = append(messages, Payload{"role": "system", "content": instructions})
	}

	switch input := payload["input"].(type) {
	case string:
		messages = append(messages, Payload{"role": "user", "content": input})
	case []interface{}:
		for _, raw := range input {
			item := mapOf(raw)
			if item == nil {
				continue
			}
			converted := c.convertInputItem(item, schemas)
			if converted != nil {
				messages = append(messages, converted)
			}
		}
	}
	out["messages"] = messages

	if tools := listOf(payload["tools"]); len(tools) > 0 {
		out["tools"] = responsesToolsToChat(tools)
	}
	if choice, has := payload["tool_choice"]; has {
		out["tool_choice"] = choice
	}
	return out, nil
}

// convertInputItem maps one Responses input item onto a canonical message
func (c *ResponsesCodec) convertInputItem(item Payload, schemas map[string]map[string]interface{}) Payload {
	itemType := cast.ToString(item["type"])
	// Items without a type but with a role are plain messages
	if itemType == "" && item["role"] != nil {
		itemType = "message"
	}

	switch itemType {
	case "message":
		role := cast.ToString(item["role"])
		if role == "" {
			role = "user"
		}
		return Payload{"role": role, "content": stringifyContent(item["content"])}

	case "function_call":
		name := cast.ToString(item["name"])
		args := CoerceArguments(item["arguments"])
		if schema, has := schemas[strings.ToLower(name)]; has {
			args = NormalizeArguments(args, schema)
		}
		if len(args) == 0 {
			return nil
		}
		return Payload{
			"role":    "assistant",
			"content": "",
			"tool_calls": []interface{}{Payload{
				"id":   cast.ToString(item["call_id"]),
				"type": "function",
				"function": Payload{
					"name":      name,
					"arguments": MarshalArguments(args),
				},
			}},
		}

	case "function_call_output":
		return Payload{
			"role":         "tool",
			"tool_call_id": cast.ToString(item["call_id"]),
			"content":      stringifyContent(item["output"]),
		}
	}
	return nil
}

// ConvertResponse rebuilds the Responses output array from a canonical chat
// completion
func (c *ResponsesCodec) ConvertResponse(payload Payload, profile *Profile, ctx *Context) (Payload, error) {
	var schemas map[string]map[string]interface{}
	if ctx != nil {
		if m, ok := ctx.Metadata["toolSchemas"].(map[string]map[string]interface{}); ok {
			schemas = m
		}
	}

	choices := listOf(payload["choices"])
	if len(choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}
	choice := mapOf(choices[0])
	message := mapOf(choice["message"])
	if message == nil {
		return nil, fmt.Errorf("response choice has no message")
	}

	output := []interface{}{}

	var texts []string
	switch content := message["content"].(type) {
	case string:
		if content != "" {
			texts = append(texts, content)
		}
	case []interface{}:
		for _, item := range content {
			if text := blockText(mapOf(item)); text != "" {
				texts = append(texts, text)
			}
		}
	}
	if reasoning := cast.ToString(message["reasoning_content"]); reasoning != "" {
		texts = append(texts, reasoning)
	}
	if len(texts) > 0 {
		blocks := []interface{}{}
		for _, text := range texts {
			blocks = append(blocks, Payload{"type": "output_text", "text": text})
		}
		output = append(output, Payload{
			"type":    "message",
			"role":    "assistant",
			"status":  "completed",
			"content": blocks,
		})
	}

	toolCalls := listOf(message["tool_calls"])
	if fc := mapOf(message["function_call"]); fc != nil {
		toolCalls = append(toolCalls, Payload{"type": "function", "function": fc})
	}
	for _, raw := range toolCalls {
		call := mapOf(raw)
		fn := mapOf(call["function"])
		if fn == nil {
			continue
		}
		name := cast.ToString(fn["name"])
		args := CoerceArguments(fn["arguments"])
		if schema, has := schemas[strings.ToLower(name)]; has {
			args = NormalizeArguments(args, schema)
		}
		if len(args) == 0 {
			continue
		}
		output = append(output, Payload{
			"type":      "function_call",
			"id":        "fc_" + cast.ToString(call["id"]),
			"call_id":   cast.ToString(call["id"]),
			"name":      name,
			"arguments": MarshalArguments(args),
			"status":    "completed",
		})
	}

	out := Payload{
		"id":     cast.ToString(payload["id"]),
		"object": "response",
		"model":  cast.ToString(payload["model"]),
		"status": "completed",
		"output": output,
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

// responsesToolsToChat converts flat Responses tool declarations into the
// nested chat form
func responsesToolsToChat(tools []interface{}) []interface{} {
	out := []interface{}{}
	for _, item := range tools {
		tool := mapOf(item)
		if tool == nil {
			continue
		}
		// already nested (a chat-form declaration slipped through)
		if fn := mapOf(tool["function"]); fn != nil {
			out = append(out, tool)
			continue
		}
		fn := Payload{"name": cast.ToString(tool["name"])}
		if desc := cast.ToString(tool["description"]); desc != "" {
			fn["description"] = desc
		}
		if params := mapOf(tool["parameters"]); params != nil {
			fn["parameters"] = params
		}
		out = append(out, Payload{"type": "function", "function": fn})
	}
	return out
}

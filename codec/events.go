package codec

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/spf13/cast"
)

// StreamEvent one SSE event in the Anthropic Messages stream format
type StreamEvent struct {
	Type string
	Data Payload
}

// Encode renders the event as an SSE frame
func (e StreamEvent) Encode() []byte {
	data, err := jsoniter.Marshal(e.Data)
	if err != nil {
		data = []byte("{}")
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Type, data))
}

// ToAnthropicEvents turns a buffered OpenAI chat completion into the
// synthetic Anthropic SSE event sequence a streaming client expects: tool_use
// blocks first with their full arguments in one input_json_delta, then the
// text block, then the closing delta/stop pair. stop_reason is tool_use
// whenever a tool_use block was emitted, regardless of the upstream finish
// reason.
func ToAnthropicEvents(payload Payload, schemas map[string]map[string]interface{}) ([]StreamEvent, error) {
	choices := listOf(payload["choices"])
	if len(choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}
	choice := mapOf(choices[0])
	message := mapOf(choice["message"])
	if message == nil {
		return nil, fmt.Errorf("response choice has no message")
	}

	messageID := cast.ToString(payload["id"])
	if messageID == "" {
		messageID = "msg_" + gonanoid.Must(24)
	}
	model := cast.ToString(payload["model"])

	usage := mapOf(payload["usage"])
	inputTokens := cast.ToInt(usage["prompt_tokens"])
	outputTokens := cast.ToInt(usage["completion_tokens"])

	events := []StreamEvent{{
		Type: "message_start",
		Data: Payload{
			"type": "message_start",
			"message": Payload{
				"id":            messageID,
				"type":          "message",
				"role":          "assistant",
				"model":         model,
				"content":       []interface{}{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         Payload{"input_tokens": inputTokens, "output_tokens": 0},
			},
		},
	}}

	index := 0
	hasToolUse := false

	toolCalls := listOf(message["tool_calls"])
	if fc := mapOf(message["function_call"]); fc != nil {
		toolCalls = append(toolCalls, Payload{"type": "function", "function": fc})
	}
	for _, raw := range toolCalls {
		block := callToToolUse(mapOf(raw), schemas)
		if block == nil {
			continue
		}
		hasToolUse = true
		events = append(events,
			StreamEvent{Type: "content_block_start", Data: Payload{
				"type":  "content_block_start",
				"index": index,
				"content_block": Payload{
					"type":  "tool_use",
					"id":    block["id"],
					"name":  block["name"],
					"input": Payload{},
				},
			}},
			StreamEvent{Type: "content_block_delta", Data: Payload{
				"type":  "content_block_delta",
				"index": index,
				"delta": Payload{
					"type":         "input_json_delta",
					"partial_json": MarshalArguments(mapOf(block["input"])),
				},
			}},
			StreamEvent{Type: "content_block_stop", Data: Payload{
				"type":  "content_block_stop",
				"index": index,
			}},
		)
		index++
	}

	text := stringifyContent(message["content"])
	if reasoning := cast.ToString(message["reasoning_content"]); reasoning != "" {
		if text != "" {
			text += "\n"
		}
		text += reasoning
	}
	if text != "" {
		events = append(events,
			StreamEvent{Type: "content_block_start", Data: Payload{
				"type":          "content_block_start",
				"index":         index,
				"content_block": Payload{"type": "text", "text": ""},
			}},
			StreamEvent{Type: "content_block_delta", Data: Payload{
				"type":  "content_block_delta",
				"index": index,
				"delta": Payload{"type": "text_delta", "text": text},
			}},
			StreamEvent{Type: "content_block_stop", Data: Payload{
				"type":  "content_block_stop",
				"index": index,
			}},
		)
	}

	stopReason := finishReasonToStopReason(cast.ToString(choice["finish_reason"]))
	if hasToolUse {
		stopReason = "tool_use"
	}

	events = append(events,
		StreamEvent{Type: "message_delta", Data: Payload{
			"type":  "message_delta",
			"delta": Payload{"stop_reason": stopReason, "stop_sequence": nil},
			"usage": Payload{"output_tokens": outputTokens},
		}},
		StreamEvent{Type: "message_stop", Data: Payload{"type": "message_stop"}},
	)

	if usage != nil {
		events = append(events, StreamEvent{Type: "message_stream_complete", Data: Payload{
			"type": "message_stream_complete",
			"usage": Payload{
				"input_tokens":  inputTokens,
				"output_tokens": outputTokens,
				"total_tokens":  cast.ToInt(usage["total_tokens"]),
			},
		}})
	}

	return events, nil
}

package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToAnthropicEvents(t *testing.T) {

	t.Run("Text Only", func(t *testing.T) {
		payload := anthropicRequest(t, `{
			"id": "chatcmpl-1",
			"model": "gpt-4o",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "hello"}}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4}
		}`)
		events, err := ToAnthropicEvents(payload, nil)
		assert.NoError(t, err)

		types := []string{}
		for _, e := range events {
			types = append(types, e.Type)
		}
		assert.Equal(t, []string{
			"message_start",
			"content_block_start", "content_block_delta", "content_block_stop",
			"message_delta", "message_stop", "message_stream_complete",
		}, types)

		delta := mapOf(events[2].Data["delta"])
		assert.Equal(t, "text_delta", delta["type"])
		assert.Equal(t, "hello", delta["text"])

		stop := mapOf(events[4].Data["delta"])
		assert.Equal(t, "end_turn", stop["stop_reason"])
	})

	t.Run("Tool Calls Come First And Force Tool Use", func(t *testing.T) {
		payload := anthropicRequest(t, `{
			"id": "chatcmpl-2",
			"model": "gpt-4o",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {
				"role": "assistant",
				"content": "running it",
				"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "Bash", "arguments": "{\"command\": \"ls\"}"}}]
			}}]
		}`)
		events, err := ToAnthropicEvents(payload, nil)
		assert.NoError(t, err)

		// tool_use block at index 0, text block at index 1
		start := mapOf(events[1].Data["content_block"])
		assert.Equal(t, "tool_use", start["type"])
		assert.Equal(t, 0, events[1].Data["index"])

		delta := mapOf(events[2].Data["delta"])
		assert.Equal(t, "input_json_delta", delta["type"])
		assert.JSONEq(t, `{"command": "ls"}`, delta["partial_json"].(string))

		textStart := mapOf(events[4].Data["content_block"])
		assert.Equal(t, "text", textStart["type"])
		assert.Equal(t, 1, events[4].Data["index"])

		stop := mapOf(events[7].Data["delta"])
		assert.Equal(t, "tool_use", stop["stop_reason"])
	})

	t.Run("Encode Produces SSE Frame", func(t *testing.T) {
		event := StreamEvent{Type: "message_stop", Data: Payload{"type": "message_stop"}}
		frame := string(event.Encode())
		assert.Contains(t, frame, "event: message_stop\n")
		assert.Contains(t, frame, `data: {"type":"message_stop"}`)
		assert.Contains(t, frame, "\n\n")
	})
}

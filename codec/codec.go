// Package codec owns the conversion-profile table and the bidirectional
// protocol converters between OpenAI Chat Completions, OpenAI Responses and
// Anthropic Messages. OpenAI Chat is the canonical in-memory shape, every
// codec converts inbound requests to it and converts responses back to the
// inbound protocol.
package codec

import (
	"errors"

	"github.com/spf13/cast"
)

// Wire protocol identifiers
const (
	ProtocolOpenAIChat        = "openai-chat"
	ProtocolOpenAIResponses   = "openai-responses"
	ProtocolAnthropicMessages = "anthropic-messages"
)

// Codec identifiers
const (
	CodecOpenAIOpenAI    = "openai-openai"
	CodecAnthropicOpenAI = "anthropic-openai"
	CodecResponsesOpenAI = "responses-openai"
)

// ErrNoProfile no conversion profile could be resolved for the request
var ErrNoProfile = errors.New("no conversion profile resolvable")

// Payload a decoded JSON document
type Payload = map[string]interface{}

// Context per-request conversion metadata. Created on inbound arrival and
// carried through the pipeline, only the creator mutates it.
type Context struct {
	RequestID      string
	Endpoint       string // inbound endpoint path
	EntryEndpoint  string
	TargetProtocol string
	Stream         bool
	Metadata       map[string]interface{}
}

// MetaString returns a string metadata value, empty when absent
func (c *Context) MetaString(key string) string {
	if c == nil || c.Metadata == nil {
		return ""
	}
	return cast.ToString(c.Metadata[key])
}

// SetMeta records a metadata value, allocating the map on first use
func (c *Context) SetMeta(key string, value interface{}) {
	if c.Metadata == nil {
		c.Metadata = map[string]interface{}{}
	}
	c.Metadata[key] = value
}

// Codec converts requests and responses for one protocol pair
type Codec interface {
	Name() string
	ConvertRequest(payload Payload, profile *Profile, ctx *Context) (Payload, error)
	ConvertResponse(payload Payload, profile *Profile, ctx *Context) (Payload, error)
}

// Factory builds a codec instance for a profile
type Factory func(profile *Profile) (Codec, error)

// mapOf returns v as a payload map, nil when it is anything else
func mapOf(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

// listOf returns v as a list, nil when it is anything else
func listOf(v interface{}) []interface{} {
	l, _ := v.([]interface{})
	return l
}

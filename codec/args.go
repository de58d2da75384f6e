package codec

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/kaptinlin/jsonrepair"
	"github.com/spf13/cast"
)

// Tool arguments arrive in every shape agents manage to produce: objects,
// JSON strings, JSON5-ish strings, fenced markdown blocks, key=value lines,
// arrays of fragments. CoerceArguments turns any of them into a flat object,
// NormalizeArguments then reconciles that object with the declared tool
// schema. A tool call whose input ends up empty is never emitted downstream.

// wrapper keys agents like to nest the real arguments under
var wrapperKeys = map[string]bool{
	"input":      true,
	"args":       true,
	"arguments":  true,
	"parameters": true,
	"data":       true,
	"payload":    true,
}

// synonym renames applied when the schema declares the target field and the
// arguments carry one of the aliases instead
var fieldSynonyms = map[string][]string{
	"file_path":  {"filepath", "file", "path"},
	"pattern":    {"query", "regex", "_raw"},
	"glob":       {"include"},
	"old_string": {"old", "from", "before"},
	"new_string": {"new", "to", "after"},
	"command":    {"cmd", "script"},
	"content":    {"text", "body"},
}

var (
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	keyValueRe   = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_.-]*)\s*[:=]\s*(.*?)\s*$`)
)

// CoerceArguments turns a raw tool_use input or tool_calls arguments value
// into an argument object. Never returns nil.
func CoerceArguments(raw interface{}) map[string]interface{} {
	args := coerceValue(raw)

	// Unwrap single-key nesting like {"input": {...}} until a real object
	// surfaces. Re-coerce string values on the way down.
	for len(args) == 1 {
		var key string
		var value interface{}
		for k, v := range args {
			key, value = k, v
		}
		if !wrapperKeys[key] {
			break
		}
		args = coerceValue(value)
	}
	return args
}

func coerceValue(raw interface{}) map[string]interface{} {
	switch v := raw.(type) {
	case nil:
		return map[string]interface{}{}
	case map[string]interface{}:
		return v
	case string:
		return coerceString(v)
	case []interface{}:
		return coerceList(v)
	default:
		return map[string]interface{}{"_raw": fmt.Sprintf("%v", v)}
	}
}

// coerceString recovers an argument object from a string, trying strict JSON
// first and degrading through repair strategies
func coerceString(s string) map[string]interface{} {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return map[string]interface{}{}
	}

	if args, ok := parseJSONValue(trimmed); ok {
		return args
	}

	// Fenced ```json``` block or an embedded {...} / [...] substring
	if candidate := extractJSONCandidate(trimmed); candidate != "" {
		if args, ok := parseJSONValue(candidate); ok {
			return args
		}
		if repaired, err := jsonrepair.JSONRepair(candidate); err == nil {
			if args, ok := parseJSONValue(repaired); ok {
				return args
			}
		}
	}

	// JSON5-ish input: single quotes, bareword keys, trailing commas
	if repaired, err := jsonrepair.JSONRepair(trimmed); err == nil {
		if args, ok := parseJSONValue(repaired); ok {
			return args
		}
	}

	if args := parseKeyValueLines(trimmed); len(args) > 0 {
		return args
	}

	return map[string]interface{}{"_raw": s}
}

// parseJSONValue parses s and coerces the result into an argument object
func parseJSONValue(s string) (map[string]interface{}, bool) {
	var value interface{}
	if err := jsoniter.UnmarshalFromString(s, &value); err != nil {
		return nil, false
	}
	switch v := value.(type) {
	case map[string]interface{}:
		return v, true
	case []interface{}:
		return coerceList(v), true
	default:
		return nil, false
	}
}

// extractJSONCandidate pulls the most promising JSON fragment out of prose
func extractJSONCandidate(s string) string {
	if m := fencedJSONRe.FindStringSubmatch(s); len(m) == 2 {
		return strings.TrimSpace(m[1])
	}
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(s, pair[0])
		end := strings.LastIndex(s, pair[1])
		if start >= 0 && end > start {
			return s[start : end+1]
		}
	}
	return ""
}

// parseKeyValueLines reads `key=value` or `key: value` lines into a flat object
func parseKeyValueLines(s string) map[string]interface{} {
	args := map[string]interface{}{}
	for _, line := range strings.Split(s, "\n") {
		m := keyValueRe.FindStringSubmatch(line)
		if m == nil {
			return map[string]interface{}{} // any non-matching line disqualifies the format
		}
		args[m[1]] = strings.Trim(m[2], `"'`)
	}
	return args
}

// coerceList merges an array of argument fragments into one object. Objects
// shallow-merge first-writer-wins, an array of primitives contributes its
// first element as _raw.
func coerceList(list []interface{}) map[string]interface{} {
	if len(list) == 0 {
		return map[string]interface{}{}
	}

	merged := map[string]interface{}{}
	sawObject := false
	for _, item := range list {
		if obj, ok := item.(map[string]interface{}); ok {
			sawObject = true
			for k, v := range obj {
				if _, exists := merged[k]; !exists {
					merged[k] = v
				}
			}
		}
	}
	if sawObject {
		return merged
	}
	return map[string]interface{}{"_raw": cast.ToString(list[0])}
}

// NormalizeArguments reconciles coerced arguments with the declared tool
// schema: synonymous fields are renamed onto schema names, unknown fields are
// dropped when the schema is closed, and nil is returned when a required
// field is still missing afterwards (the caller drops the tool call).
func NormalizeArguments(args map[string]interface{}, schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return args
	}

	// work on a copy, the input may alias the client's parsed request
	copied := make(map[string]interface{}, len(args))
	for k, v := range args {
		copied[k] = v
	}
	args = copied

	properties := mapOf(schema["properties"])

	// Rename synonyms onto schema field names
	for target, aliases := range fieldSynonyms {
		if _, declared := properties[target]; !declared {
			continue
		}
		if _, present := args[target]; present {
			continue
		}
		for _, alias := range aliases {
			if value, has := args[alias]; has {
				args[target] = value
				delete(args, alias)
				break
			}
		}
	}

	// A closed schema drops everything it does not declare
	if allowed, ok := schema["additionalProperties"].(bool); ok && !allowed && properties != nil {
		for key := range args {
			if _, declared := properties[key]; !declared {
				delete(args, key)
			}
		}
	}

	for _, field := range cast.ToStringSlice(schema["required"]) {
		if _, has := args[field]; !has {
			return nil
		}
	}
	return args
}

// MarshalArguments serializes an argument object into the JSON string form
// required by tool_calls[].function.arguments
func MarshalArguments(args map[string]interface{}) string {
	s, err := jsoniter.MarshalToString(args)
	if err != nil {
		return "{}"
	}
	return s
}

// ToolSchemas builds the transient tool-name → JSON-schema map used to
// normalize tool arguments during one conversion call. Names are lower-cased.
func ToolSchemas(tools []interface{}, nameKey, schemaKey string) map[string]map[string]interface{} {
	schemas := map[string]map[string]interface{}{}
	for _, item := range tools {
		tool := mapOf(item)
		if tool == nil {
			continue
		}
		// OpenAI nests the declaration under "function"
		if fn := mapOf(tool["function"]); fn != nil {
			tool = fn
		}
		name := cast.ToString(tool[nameKey])
		if name == "" {
			continue
		}
		if schema := mapOf(tool[schemaKey]); schema != nil {
			schemas[strings.ToLower(name)] = schema
		}
	}
	return schemas
}

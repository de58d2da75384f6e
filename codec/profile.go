package codec

import (
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cast"
)

// Profile one conversion profile: a protocol pair, the codec that translates
// between them, and the optional schemas that bracket the conversion
type Profile struct {
	ID                      string                 `json:"-"`
	IncomingProtocol        string                 `json:"incomingProtocol"`
	OutgoingProtocol        string                 `json:"outgoingProtocol"`
	Codec                   string                 `json:"codec"`
	InputSchema             string                 `json:"inputSchema,omitempty"`
	CanonicalRequestSchema  string                 `json:"canonicalRequestSchema,omitempty"`
	CanonicalResponseSchema string                 `json:"canonicalResponseSchema,omitempty"`
	ProviderResponseSchema  string                 `json:"providerResponseSchema,omitempty"`
	ClientResponseSchema    string                 `json:"clientResponseSchema,omitempty"`
	Trace                   bool                   `json:"trace,omitempty"`
	Options                 map[string]interface{} `json:"options,omitempty"`
}

// Default reports whether the profile is flagged as the default via
// options.default
func (p *Profile) Default() bool {
	if p == nil || p.Options == nil {
		return false
	}
	return cast.ToBool(p.Options["default"])
}

// Table the profile file contents. Order preserves the document order of the
// profiles object so the last-resort fallback is deterministic.
type Table struct {
	Profiles         map[string]*Profile
	Order            []string
	EndpointBindings map[string]string
}

// LoadTable reads and parses the profile file. Relative schema paths inside
// the file are resolved against the file's own directory.
func LoadTable(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("profile file %s not found", path)
		}
		return nil, fmt.Errorf("failed to read profile file %s: %w", path, err)
	}

	table, err := parseTable(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse profile file %s: %w", path, err)
	}

	if len(table.Profiles) == 0 {
		return nil, fmt.Errorf("profile file %s defines no profiles", path)
	}

	base := filepath.Dir(path)
	for _, profile := range table.Profiles {
		profile.InputSchema = resolveSchemaPath(base, profile.InputSchema)
		profile.CanonicalRequestSchema = resolveSchemaPath(base, profile.CanonicalRequestSchema)
		profile.CanonicalResponseSchema = resolveSchemaPath(base, profile.CanonicalResponseSchema)
		profile.ProviderResponseSchema = resolveSchemaPath(base, profile.ProviderResponseSchema)
		profile.ClientResponseSchema = resolveSchemaPath(base, profile.ClientResponseSchema)
	}

	for _, profile := range table.Profiles {
		if err := profile.validate(); err != nil {
			return nil, fmt.Errorf("profile %s: %w", profile.ID, err)
		}
	}

	for endpoint, id := range table.EndpointBindings {
		if _, has := table.Profiles[id]; !has {
			return nil, fmt.Errorf("endpoint binding %s references unknown profile %s", endpoint, id)
		}
	}

	return table, nil
}

// parseTable decodes the document with an iterator so the insertion order of
// the profiles object survives into Order
func parseTable(raw []byte) (*Table, error) {
	table := &Table{
		Profiles:         map[string]*Profile{},
		EndpointBindings: map[string]string{},
	}

	iter := jsoniter.ParseBytes(jsoniter.ConfigCompatibleWithStandardLibrary, raw)
	ok := iter.ReadMapCB(func(iter *jsoniter.Iterator, field string) bool {
		switch field {
		case "profiles":
			return iter.ReadMapCB(func(iter *jsoniter.Iterator, id string) bool {
				profile := &Profile{ID: id}
				iter.ReadVal(profile)
				if iter.Error != nil {
					return false
				}
				table.Profiles[id] = profile
				table.Order = append(table.Order, id)
				return true
			})
		case "endpointBindings":
			iter.ReadVal(&table.EndpointBindings)
		default:
			iter.Skip()
		}
		return iter.Error == nil
	})

	if !ok || (iter.Error != nil && iter.Error.Error() != "EOF") {
		return nil, fmt.Errorf("invalid JSON: %v", iter.Error)
	}
	return table, nil
}

func (p *Profile) validate() error {
	valid := map[string]bool{
		ProtocolOpenAIChat:        true,
		ProtocolOpenAIResponses:   true,
		ProtocolAnthropicMessages: true,
	}
	if !valid[p.IncomingProtocol] {
		return fmt.Errorf("unknown incoming protocol %q", p.IncomingProtocol)
	}
	if !valid[p.OutgoingProtocol] {
		return fmt.Errorf("unknown outgoing protocol %q", p.OutgoingProtocol)
	}
	if p.Codec == "" {
		return fmt.Errorf("codec not set")
	}
	return nil
}

// resolveSchemaPath joins a relative schema path onto the profile file's
// directory, absolute paths pass through
func resolveSchemaPath(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// DefaultProfile returns the profile flagged options.default=true, or the
// first profile in document order when none is flagged, or nil
func (t *Table) DefaultProfile() *Profile {
	for _, id := range t.Order {
		if t.Profiles[id].Default() {
			return t.Profiles[id]
		}
	}
	if len(t.Order) > 0 {
		return t.Profiles[t.Order[0]]
	}
	return nil
}

package transport

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
)

// ProviderTable the providers file contents: service profiles by key plus
// the key served when a conversion profile names no provider
type ProviderTable struct {
	Providers map[string]*ServiceProfile `json:"providers"`
	Default   string                     `json:"default,omitempty"`
}

// LoadProviders reads and validates the providers file
func LoadProviders(path string) (*ProviderTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("providers file %s not found", path)
		}
		return nil, fmt.Errorf("failed to read providers file %s: %w", path, err)
	}

	table := &ProviderTable{}
	if err := jsoniter.Unmarshal(raw, table); err != nil {
		return nil, fmt.Errorf("failed to parse providers file %s: %w", path, err)
	}
	if len(table.Providers) == 0 {
		return nil, fmt.Errorf("providers file %s defines no providers", path)
	}

	for key, profile := range table.Providers {
		if profile.Key == "" {
			profile.Key = key
		}
		if profile.ID == "" {
			profile.ID = key
		}
	}

	if table.Default != "" {
		if _, has := table.Providers[table.Default]; !has {
			return nil, fmt.Errorf("default provider %s not defined", table.Default)
		}
	}
	return table, nil
}

// Resolve returns the service profile for a provider key, falling back to
// the table default
func (t *ProviderTable) Resolve(key string) *ServiceProfile {
	if profile, has := t.Providers[key]; has {
		return profile
	}
	if t.Default != "" {
		return t.Providers[t.Default]
	}
	return nil
}

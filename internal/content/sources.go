package content

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/grimoire/pkg/types"
)

// SourcesConfig is the on-disk schema of the provider registry
// (sources.yaml). Each provider declares which entity types it serves
// (endpoints) and how filter names map onto its query parameters.
type SourcesConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes one upstream content API.
type ProviderConfig struct {
	// Name identifies the provider; recorded as Entity.SourceAPI.
	Name string `yaml:"name"`

	// BaseURL is the API root, e.g. https://api.open5e.com.
	BaseURL string `yaml:"base_url"`

	// Endpoints maps entity types to the provider's list endpoints.
	// A type missing here means the provider does not serve it.
	Endpoints map[string]string `yaml:"endpoints"`

	// Params maps filter keys (base name, or base name with a _min,
	// _max or _in suffix) to the provider's query parameter names, per
	// entity type. Filters with no mapping are not pushed upstream.
	// Set filters require the _in key; the base-name mapping is an
	// exact-match parameter and cannot carry a comma list.
	Params map[string]map[string]string `yaml:"params,omitempty"`
}

// Validate checks the provider config for the mistakes a hand-edited
// YAML file is likely to contain.
func (p *ProviderConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if p.BaseURL == "" {
		return fmt.Errorf("provider %q: base_url is required", p.Name)
	}
	if len(p.Endpoints) == 0 {
		return fmt.Errorf("provider %q: at least one endpoint is required", p.Name)
	}
	for typeName := range p.Endpoints {
		if !types.EntityType(typeName).Valid() {
			return fmt.Errorf("provider %q: unknown entity type %q in endpoints", p.Name, typeName)
		}
	}
	return nil
}

// LoadSources reads and validates a sources.yaml file.
func LoadSources(path string) (*SourcesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("content: failed to read sources config %q: %w", path, err)
	}

	var cfg SourcesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("content: failed to parse sources config %q: %w", path, err)
	}

	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("content: sources config %q declares no providers", path)
	}
	for i := range cfg.Providers {
		if err := cfg.Providers[i].Validate(); err != nil {
			return nil, fmt.Errorf("content: %w", err)
		}
	}

	return &cfg, nil
}

// DefaultSources returns the built-in registry used when no sources.yaml
// is configured: the Open5e API, which serves all five entity types.
func DefaultSources() *SourcesConfig {
	return &SourcesConfig{
		Providers: []ProviderConfig{
			{
				Name:    "open5e",
				BaseURL: "https://api.open5e.com",
				Endpoints: map[string]string{
					string(types.TypeSpell):           "/spells/",
					string(types.TypeCreature):        "/monsters/",
					string(types.TypeEquipment):       "/weapons/",
					string(types.TypeCharacterOption): "/classes/",
					string(types.TypeRule):            "/sections/",
				},
				Params: map[string]map[string]string{
					string(types.TypeSpell): {
						"level":         "level_int",
						"level_min":     "level_int__gte",
						"level_max":     "level_int__lte",
						"school":        "school__iexact",
						"dnd_class":     "dnd_class__icontains",
						"concentration": "concentration",
					},
					string(types.TypeCreature): {
						"challenge_rating":     "cr",
						"challenge_rating_min": "cr__gte",
						"challenge_rating_max": "cr__lte",
						"creature_type":        "type__iexact",
						"size":                 "size__iexact",
					},
					string(types.TypeEquipment): {
						"category": "category__iexact",
					},
				},
			},
		},
	}
}

// Package voices loads the voice catalog, including the maintenance flags that
// take a voice out of rotation while the provider repairs it.
package voices

import (
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.yaml.in/yaml/v3"
)

const catalogSchemaURL = "voices.schema.json"

// catalogSchema validates the YAML catalog before it is decoded.
const catalogSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["voices"],
  "properties": {
    "voices": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "provider": {"type": "string"},
          "maintenance": {"type": "boolean"},
          "supports_diacritics": {"type": "boolean"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var compiledCatalogSchema = jsonschema.MustCompileString(catalogSchemaURL, catalogSchema)

// Voice describes one synthetic voice. SupportsDiacritics is nil when the
// catalog does not say.
type Voice struct {
	ID                 string `json:"id"                            yaml:"id"`
	Name               string `json:"name"                          yaml:"name"`
	Provider           string `json:"provider"                      yaml:"provider"`
	Maintenance        bool   `json:"maintenance"                   yaml:"maintenance"`
	SupportsDiacritics *bool  `json:"supports_diacritics,omitempty" yaml:"supports_diacritics"`
}

// DiacriticsSupported reports whether the voice can take diacritized text.
// Voices default to yes.
func (v Voice) DiacriticsSupported() bool {
	return v.SupportsDiacritics == nil || *v.SupportsDiacritics
}

// Catalog is an immutable set of voices keyed by ID.
type Catalog struct {
	voices map[string]Voice
	order  []string
}

// NewCatalog builds a catalog from a list of voices.
func NewCatalog(list []Voice) *Catalog {
	catalog := &Catalog{voices: make(map[string]Voice, len(list))}

	for _, voice := range list {
		if _, seen := catalog.voices[voice.ID]; !seen {
			catalog.order = append(catalog.order, voice.ID)
		}

		catalog.voices[voice.ID] = voice
	}

	return catalog
}

// UnderMaintenance reports whether the voice is flagged unavailable. Unknown
// voices are not flagged; the provider decides whether it accepts them.
func (c *Catalog) UnderMaintenance(voiceID string) bool {
	voice, ok := c.voices[voiceID]

	return ok && voice.Maintenance
}

// SupportsDiacritics reports whether diacritization should be requested for
// the voice. Unknown voices are assumed to support it.
func (c *Catalog) SupportsDiacritics(voiceID string) bool {
	voice, ok := c.voices[voiceID]

	return !ok || voice.DiacriticsSupported()
}

// Get returns the voice with the given ID.
func (c *Catalog) Get(voiceID string) (Voice, bool) {
	voice, ok := c.voices[voiceID]

	return voice, ok
}

// List returns the voices in catalog order.
func (c *Catalog) List() []Voice {
	list := make([]Voice, 0, len(c.order))
	for _, id := range c.order {
		list = append(list, c.voices[id])
	}

	return list
}

type catalogFile struct {
	Voices []Voice `yaml:"voices"`
}

// LoadAndValidate loads the catalog file and validates it against the schema.
func LoadAndValidate(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("voices: failed to read catalog: %w", err)
	}

	return Parse(data)
}

// Parse validates and decodes catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var raw any

	err := yaml.Unmarshal(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("voices: invalid YAML: %w", err)
	}

	err = compiledCatalogSchema.Validate(raw)
	if err != nil {
		return nil, fmt.Errorf("voices: catalog validation failed: %w", err)
	}

	var file catalogFile

	err = yaml.Unmarshal(data, &file)
	if err != nil {
		return nil, fmt.Errorf("voices: failed to unmarshal catalog: %w", err)
	}

	return NewCatalog(file.Voices), nil
}

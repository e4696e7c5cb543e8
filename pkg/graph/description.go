package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Node is one entry of a declarative object relationship description. The
// same shape is used for top-level objects, children and lookups; which keys
// are required depends on the position of the node in the tree.
type Node struct {
	// Top-level object name; Object is accepted as an alias
	Parent string `json:"parent,omitempty" yaml:"parent,omitempty"`
	Object string `json:"object,omitempty" yaml:"object,omitempty"`

	// Child entries
	ChildObject       string `json:"childObject,omitempty" yaml:"childObject,omitempty"`
	ParentMappedField string `json:"parentMappedField,omitempty" yaml:"parentMappedField,omitempty"`
	Sequence          int    `json:"sequence,omitempty" yaml:"sequence,omitempty"`

	// Lookup entries
	LookupObject      string `json:"lookupObject,omitempty" yaml:"lookupObject,omitempty"`
	LookupMappedField string `json:"lookupMappedField,omitempty" yaml:"lookupMappedField,omitempty"`

	Keys            []string `json:"keys,omitempty" yaml:"keys,omitempty"`
	ExternalIDField string   `json:"externalIdField,omitempty" yaml:"externalIdField,omitempty"`
	Where           string   `json:"where,omitempty" yaml:"where,omitempty"`
	Refresh         bool     `json:"refresh,omitempty" yaml:"refresh,omitempty"`
	BatchSize       int      `json:"batchSize,omitempty" yaml:"batchSize,omitempty"`

	UnmappedFields []string            `json:"unmappedFields,omitempty" yaml:"unmappedFields,omitempty"`
	MaskedFields   []string            `json:"maskedFields,omitempty" yaml:"maskedFields,omitempty"`
	FieldMapping   []map[string]string `json:"fieldMapping,omitempty" yaml:"fieldMapping,omitempty"`
	DefaultValues  []map[string]string `json:"defaultValues,omitempty" yaml:"defaultValues,omitempty"`
	Nullable       []string            `json:"nullable,omitempty" yaml:"nullable,omitempty"`

	Children []Node `json:"children,omitempty" yaml:"children,omitempty"`
	Lookups  []Node `json:"lookups,omitempty" yaml:"lookups,omitempty"`
}

// Description is the root of a relationship description: an ordered list of
// top-level objects.
type Description []Node

// ParseDescription decodes a description. ext selects the format: ".yaml" and
// ".yml" are YAML, anything else is JSON.
func ParseDescription(data []byte, ext string) (Description, error) {
	var desc Description
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &desc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	default:
		if err := json.Unmarshal(data, &desc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return desc, nil
}

// LoadFile reads a description file and builds its graph.
func LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading mapping file: %w", err)
	}
	desc, err := ParseDescription(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("error parsing mapping file %s: %w", path, err)
	}
	g, err := Build(desc)
	if err != nil {
		return nil, fmt.Errorf("invalid mapping file %s: %w", path, err)
	}
	return g, nil
}

func mergePairs(list []map[string]string) map[string]string {
	if len(list) == 0 {
		return nil
	}
	out := make(map[string]string)
	for _, m := range list {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

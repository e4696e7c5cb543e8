package common

// FieldDirectives holds the per-object field mapping overrides of a mapping
// description.
type FieldDirectives struct {
	// Unmapped fields are never carried to the target.
	Unmapped []string `json:"unmappedFields,omitempty" yaml:"unmappedFields,omitempty"`

	// Masked fields pass through the masker before being carried.
	Masked []string `json:"maskedFields,omitempty" yaml:"maskedFields,omitempty"`

	// FieldMapping renames source fields to target fields. When present only
	// the listed fields are carried.
	FieldMapping map[string]string `json:"fieldMapping,omitempty" yaml:"fieldMapping,omitempty"`

	// DefaultValues are applied last and always win.
	DefaultValues map[string]string `json:"defaultValues,omitempty" yaml:"defaultValues,omitempty"`

	// Nullable fields are written as explicit nulls when the source value is empty.
	Nullable []string `json:"nullable,omitempty" yaml:"nullable,omitempty"`
}

// IsUnmapped reports whether field is excluded from mapping
func (d FieldDirectives) IsUnmapped(field string) bool {
	return contains(d.Unmapped, field)
}

// IsMasked reports whether field must be masked
func (d FieldDirectives) IsMasked(field string) bool {
	return contains(d.Masked, field)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

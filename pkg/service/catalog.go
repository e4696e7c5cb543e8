package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
)

// Side selects the source or target data service
type Side int

const (
	Source Side = iota
	Target
)

func (s Side) String() string {
	if s == Target {
		return "target"
	}
	return "source"
}

// ObjectMetadata is the describe result of one object, indexed for mapping.
type ObjectMetadata struct {
	Object string
	Types  map[string]FieldType

	// Primitive lists the carried non-reference fields in describe order.
	Primitive []string
	// References lists the reference-typed fields.
	References []string
	// ReferenceTargets maps each reference field to the objects it may point at.
	ReferenceTargets map[string][]string

	Creatable map[string]bool
	Updatable map[string]bool

	SubtypeIDToName map[string]string
	SubtypeNameToID map[string]string

	// Schemaless is set when the fields were adopted from the source side.
	Schemaless bool
}

// Type returns the type of field, defaulting to string
func (m *ObjectMetadata) Type(field string) FieldType {
	if t, ok := m.Types[field]; ok {
		return t
	}
	return TypeString
}

// Has reports whether field is queryable on this object
func (m *ObjectMetadata) Has(field string) bool {
	_, ok := m.Types[field]
	return ok
}

// Fields returns every queryable field name, sorted
func (m *ObjectMetadata) Fields() []string {
	out := make([]string, 0, len(m.Types))
	for f := range m.Types {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// NonUpdatable returns the fields that can be set on create but not on update.
func (m *ObjectMetadata) NonUpdatable() []string {
	var out []string
	for f := range m.Creatable {
		if !m.Updatable[f] {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// FieldSet compares the fields of one object on both sides.
type FieldSet struct {
	Object     string
	Common     []string
	SourceOnly []string
	TargetOnly []string
}

// Contains reports whether field exists on both sides
func (f *FieldSet) Contains(field string) bool {
	i := sort.SearchStrings(f.Common, field)
	return i < len(f.Common) && f.Common[i] == field
}

// Drifted reports whether the two sides disagree on fields
func (f *FieldSet) Drifted() bool {
	return len(f.SourceOnly) > 0 || len(f.TargetOnly) > 0
}

// Catalog caches object metadata for both sides of a run. It is safe for
// concurrent use.
type Catalog struct {
	services     [2]DataService
	systemFields map[string]bool

	mu    sync.Mutex
	cache map[Side]map[string]*ObjectMetadata
}

// NewCatalog creates a catalog over the source and target services.
// systemFields are never reported as queryable.
func NewCatalog(source, target DataService, systemFields []string) *Catalog {
	sys := make(map[string]bool, len(systemFields))
	for _, f := range systemFields {
		sys[strings.ToLower(f)] = true
	}
	return &Catalog{
		services:     [2]DataService{source, target},
		systemFields: sys,
		cache: map[Side]map[string]*ObjectMetadata{
			Source: {},
			Target: {},
		},
	}
}

// Metadata returns the metadata of object on one side, describing it once.
func (c *Catalog) Metadata(ctx context.Context, side Side, object string) (*ObjectMetadata, error) {
	c.mu.Lock()
	if m, ok := c.cache[side][object]; ok {
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()

	desc, err := c.services[side].Describe(ctx, object)
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s on %s: %w", object, side, err)
	}
	m := c.index(desc)
	if desc.Schemaless && side == Target {
		if err := c.adopt(ctx, m); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.cache[side][object]; ok {
		return existing, nil
	}
	c.cache[side][object] = m
	return m, nil
}

func (c *Catalog) index(desc *Description) *ObjectMetadata {
	m := &ObjectMetadata{
		Object:           desc.Object,
		Types:            make(map[string]FieldType, len(desc.Fields)),
		ReferenceTargets: make(map[string][]string),
		Creatable:        make(map[string]bool),
		Updatable:        make(map[string]bool),
		SubtypeIDToName:  make(map[string]string, len(desc.Subtypes)),
		SubtypeNameToID:  make(map[string]string, len(desc.Subtypes)),
	}
	for _, f := range desc.Fields {
		if f.Calculated || c.systemFields[strings.ToLower(f.Name)] {
			continue
		}
		m.Types[f.Name] = f.Type
		if f.Creatable {
			m.Creatable[f.Name] = true
		}
		if f.Updatable {
			m.Updatable[f.Name] = true
		}
		switch {
		case f.Name == common.IDField || f.Type == TypeID:
		case f.Type == TypeReference:
			m.References = append(m.References, f.Name)
			m.ReferenceTargets[f.Name] = f.ReferenceTargets
		default:
			m.Primitive = append(m.Primitive, f.Name)
		}
	}
	for _, s := range desc.Subtypes {
		m.SubtypeIDToName[s.ID] = s.Name
		m.SubtypeNameToID[s.Name] = s.ID
	}
	return m
}

// adopt gives a schemaless target object the fields of its source object,
// all of them writable.
func (c *Catalog) adopt(ctx context.Context, m *ObjectMetadata) error {
	src, err := c.Metadata(ctx, Source, m.Object)
	if errors.Is(err, ErrUnknownObject) {
		return nil
	}
	if err != nil {
		return err
	}
	m.Schemaless = true
	for f, t := range src.Types {
		if f == common.IDField {
			continue
		}
		m.Types[f] = t
		m.Creatable[f] = true
		m.Updatable[f] = true
	}
	m.Primitive = append([]string(nil), src.Primitive...)
	m.References = append([]string(nil), src.References...)
	for f, targets := range src.ReferenceTargets {
		m.ReferenceTargets[f] = targets
	}
	return nil
}

// CommonFields returns the fields of object present on both sides, and those
// present on one side only.
func (c *Catalog) CommonFields(ctx context.Context, object string) (*FieldSet, error) {
	src, err := c.Metadata(ctx, Source, object)
	if err != nil {
		return nil, err
	}
	tgt, err := c.Metadata(ctx, Target, object)
	if err != nil {
		return nil, err
	}

	set := &FieldSet{Object: object}
	for _, f := range src.Fields() {
		if f == common.IDField {
			continue
		}
		if tgt.Has(f) {
			set.Common = append(set.Common, f)
		} else {
			set.SourceOnly = append(set.SourceOnly, f)
		}
	}
	for _, f := range tgt.Fields() {
		if f != common.IDField && !src.Has(f) {
			set.TargetOnly = append(set.TargetOnly, f)
		}
	}
	return set, nil
}

// Compare returns the field sets of every object, in the given order.
func (c *Catalog) Compare(ctx context.Context, objects []string) ([]*FieldSet, error) {
	out := make([]*FieldSet, 0, len(objects))
	for _, o := range objects {
		set, err := c.CommonFields(ctx, o)
		if err != nil {
			return nil, err
		}
		out = append(out, set)
	}
	return out, nil
}

package common

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/spf13/cast"
)

// IDField is the logical name of the record identifier field.
const IDField = "Id"

// SubtypeField carries the record sub-type identifier.
const SubtypeField = "RecordTypeId"

// Record is one row of an object type, either read from a data service or
// shaped for a write. ID is empty until the record exists on that side.
type Record struct {
	Type   string
	ID     string
	Fields map[string]interface{}

	// FieldsToNull lists fields that must be written as explicit nulls.
	FieldsToNull []string
}

// NewRecord creates an empty record of the given type
func NewRecord(objectType string) *Record {
	return &Record{Type: objectType, Fields: make(map[string]interface{})}
}

// Get returns a field value. The identifier is addressable as IDField.
func (r *Record) Get(field string) interface{} {
	if field == IDField {
		if r.ID == "" {
			return nil
		}
		return r.ID
	}
	return r.Fields[field]
}

// Set stores a field value
func (r *Record) Set(field string, value interface{}) {
	if r.Fields == nil {
		r.Fields = make(map[string]interface{})
	}
	r.Fields[field] = value
}

// Unset removes a field so it is omitted from the write.
func (r *Record) Unset(field string) {
	delete(r.Fields, field)
}

// SetNull marks a field as an explicit null
func (r *Record) SetNull(field string) {
	delete(r.Fields, field)
	for _, f := range r.FieldsToNull {
		if f == field {
			return
		}
	}
	r.FieldsToNull = append(r.FieldsToNull, field)
}

// ClearNull drops an explicit null for the field, if any.
func (r *Record) ClearNull(field string) {
	out := r.FieldsToNull[:0]
	for _, f := range r.FieldsToNull {
		if f != field {
			out = append(out, f)
		}
	}
	r.FieldsToNull = out
}

// IsNull reports whether the field will be written as an explicit null
func (r *Record) IsNull(field string) bool {
	for _, f := range r.FieldsToNull {
		if f == field {
			return true
		}
	}
	return false
}

// FieldNames returns the populated field names in sorted order
func (r *Record) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a copy that shares no maps or slices with r.
func (r *Record) Clone() *Record {
	c := &Record{Type: r.Type, ID: r.ID, Fields: make(map[string]interface{}, len(r.Fields))}
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	if len(r.FieldsToNull) > 0 {
		c.FieldsToNull = append([]string(nil), r.FieldsToNull...)
	}
	return c
}

// IsEmpty reports whether a field value counts as absent: nil or the empty string.
func IsEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []byte:
		return len(t) == 0
	}
	return false
}

// StringValue renders a field value in its wire string form
func StringValue(v interface{}) string {
	if d, ok := v.(Decimal); ok {
		return string(d)
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}

// Decimal is an exact decimal number kept in its canonical string form.
type Decimal string

// ParseDecimal validates s as a decimal number
func ParseDecimal(s string) (Decimal, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return "", fmt.Errorf("invalid decimal %q", s)
	}
	if r.IsInt() {
		return Decimal(r.Num().String()), nil
	}
	return Decimal(s), nil
}

// String implements fmt.Stringer
func (d Decimal) String() string {
	return string(d)
}

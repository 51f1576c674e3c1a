// Package schema describes stream record shapes and detects drift between them.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Field describes one column of a stream's record shape.
type Field struct {
	Name     string
	Type     string
	Nullable bool
}

// Descriptor is a structurally comparable description of a stream's record
// shape plus its ordered key columns. Descriptors are immutable once
// constructed; two descriptors are interchangeable iff Equal reports true.
type Descriptor struct {
	Fields []Field
	Keys   []string
}

// Diff reports which parts of a descriptor changed relative to another.
type Diff struct {
	Shape bool
	Keys  bool
}

// Any returns true if any part differs.
func (d Diff) Any() bool {
	return d.Shape || d.Keys
}

// Reason returns a short label for observability events.
func (d Diff) Reason() string {
	switch {
	case d.Shape && d.Keys:
		return "shape-and-keys-changed"
	case d.Shape:
		return "shape-changed"
	case d.Keys:
		return "keys-changed"
	default:
		return "unchanged"
	}
}

// Compare returns which parts of other differ from d.
func (d *Descriptor) Compare(other *Descriptor) Diff {
	return Diff{
		Shape: !fieldsEqual(d.Fields, other.Fields),
		Keys:  !keysEqual(d.Keys, other.Keys),
	}
}

// Equal reports whether both the record shape and the key columns match.
func (d *Descriptor) Equal(other *Descriptor) bool {
	return !d.Compare(other).Any()
}

// Field returns the field with the given name, if present.
func (d *Descriptor) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func fieldsEqual(a, b []Field) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func keysEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// jsonSchema is the subset of JSON Schema that stream schemas use.
type jsonSchema struct {
	Type       typeList                  `json:"type"`
	Properties map[string]json.RawMessage `json:"properties"`
	Required   []string                  `json:"required"`
}

type jsonProperty struct {
	Type typeList `json:"type"`
}

// typeList accepts both "string" and ["string","null"] forms.
type typeList []string

func (t *typeList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = typeList{single}
		return nil
	}
	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return fmt.Errorf("schema type must be a string or list of strings")
	}
	*t = multi
	return nil
}

func (t typeList) primary() string {
	for _, v := range t {
		if v != "null" {
			return v
		}
	}
	return "string"
}

func (t typeList) nullable() bool {
	for _, v := range t {
		if v == "null" {
			return true
		}
	}
	return false
}

// FromJSON builds a Descriptor from a JSON-Schema-shaped stream schema and an
// ordered key-column list. Field order is normalized (sorted by name) so that
// equality is stable regardless of property ordering in the wire message.
func FromJSON(raw json.RawMessage, keys []string) (*Descriptor, error) {
	var js jsonSchema
	if err := json.Unmarshal(raw, &js); err != nil {
		return nil, fmt.Errorf("parse stream schema: %w", err)
	}
	if len(js.Properties) == 0 {
		return nil, fmt.Errorf("stream schema has no properties")
	}

	required := make(map[string]bool, len(js.Required))
	for _, name := range js.Required {
		required[name] = true
	}

	fields := make([]Field, 0, len(js.Properties))
	for name, rawProp := range js.Properties {
		var prop jsonProperty
		if err := json.Unmarshal(rawProp, &prop); err != nil {
			return nil, fmt.Errorf("parse property %q: %w", name, err)
		}
		fields = append(fields, Field{
			Name:     name,
			Type:     prop.Type.primary(),
			Nullable: prop.Type.nullable() || !required[name],
		})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })

	desc := &Descriptor{Fields: fields}
	if len(keys) > 0 {
		desc.Keys = append(desc.Keys, keys...)
	}

	for _, key := range desc.Keys {
		if _, ok := desc.Field(key); !ok {
			return nil, fmt.Errorf("key column %q is not a schema property", key)
		}
	}

	return desc, nil
}

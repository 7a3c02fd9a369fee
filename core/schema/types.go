package schema

import (
	"fmt"
	"sort"
)

// Document represents one record's payload fields as decoded JSON values.
type Document map[string]any

// Field defines a single field of an entity or relation type.
type Field struct {
	Name        string `json:"name"`
	Spec        *Spec  `json:"spec"`
	PrimaryKey  bool   `json:"primary_key,omitempty"`
	InstanceKey bool   `json:"instance_key,omitempty"`
	Index       bool   `json:"index,omitempty"`
	Default     any    `json:"default,omitempty"`

	// DefaultFactory takes precedence over Default when both are set.
	DefaultFactory func() any `json:"-"`
}

// EntityType is a named record schema with exactly one string primary key.
type EntityType struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`

	keyField string
}

// NewEntityType validates and constructs an entity type definition.
func NewEntityType(name string, fields []Field) (*EntityType, error) {
	if name == "" {
		return nil, fmt.Errorf("entity type requires a name")
	}
	keyField := ""
	for _, field := range fields {
		if field.InstanceKey {
			return nil, fmt.Errorf("entity type %s: instance keys are exclusive to relations", name)
		}
		if !field.PrimaryKey {
			continue
		}
		if keyField != "" {
			return nil, fmt.Errorf("entity type %s: multiple primary key fields (%s, %s)", name, keyField, field.Name)
		}
		if prim, ok := field.Spec.ScalarPrimitive(); !ok || prim != PrimitiveStr || field.Spec.IsNullable() {
			return nil, fmt.Errorf("entity type %s: primary key field %s must be a required str", name, field.Name)
		}
		keyField = field.Name
	}
	if keyField == "" {
		return nil, fmt.Errorf("entity type %s: exactly one primary key field is required", name)
	}
	if err := validateFields(name, fields); err != nil {
		return nil, err
	}
	return &EntityType{Name: name, Fields: fields, keyField: keyField}, nil
}

// KeyField returns the name of the primary key field.
func (t *EntityType) KeyField() string { return t.keyField }

// PayloadFields returns the non-identity fields in declaration order.
func (t *EntityType) PayloadFields() []Field {
	out := make([]Field, 0, len(t.Fields))
	for _, field := range t.Fields {
		if !field.PrimaryKey {
			out = append(out, field)
		}
	}
	return out
}

// Field returns the named field definition.
func (t *EntityType) Field(name string) (Field, bool) {
	for _, field := range t.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return Field{}, false
}

// Spec returns the canonical typed_dict spec for the whole type, the shape
// persisted in the schema registry and compared for drift.
func (t *EntityType) Spec() *Spec {
	fields := make(map[string]*Spec, len(t.Fields))
	for _, field := range t.Fields {
		fields[field.Name] = field.Spec
	}
	return TypedDict(t.Name, fields)
}

// RelationType is a typed edge schema between two entity types. A keyed
// relation declares one instance-key field, which lets multiple relation
// instances exist per endpoint pair.
type RelationType struct {
	Name   string      `json:"name"`
	Left   *EntityType `json:"-"`
	Right  *EntityType `json:"-"`
	Fields []Field     `json:"fields"`

	instanceKeyField string
}

// NewRelationType validates and constructs a relation type definition.
func NewRelationType(name string, left, right *EntityType, fields []Field) (*RelationType, error) {
	if name == "" {
		return nil, fmt.Errorf("relation type requires a name")
	}
	if left == nil || right == nil {
		return nil, fmt.Errorf("relation type %s: both endpoint types are required", name)
	}
	instanceKey := ""
	for _, field := range fields {
		if field.PrimaryKey {
			return nil, fmt.Errorf("relation type %s: primary keys are exclusive to entities", name)
		}
		if !field.InstanceKey {
			continue
		}
		if instanceKey != "" {
			return nil, fmt.Errorf("relation type %s: multiple instance key fields (%s, %s)", name, instanceKey, field.Name)
		}
		if prim, ok := field.Spec.ScalarPrimitive(); !ok || prim != PrimitiveStr || field.Spec.IsNullable() {
			return nil, fmt.Errorf("relation type %s: instance key field %s must be a required str", name, field.Name)
		}
		instanceKey = field.Name
	}
	if err := validateFields(name, fields); err != nil {
		return nil, err
	}
	return &RelationType{Name: name, Left: left, Right: right, Fields: fields, instanceKeyField: instanceKey}, nil
}

// Keyed reports whether the relation declares an instance-key field.
func (t *RelationType) Keyed() bool { return t.instanceKeyField != "" }

// InstanceKeyField returns the instance-key field name, empty for unkeyed
// relations.
func (t *RelationType) InstanceKeyField() string { return t.instanceKeyField }

// PayloadFields returns the attribute fields excluding the instance key.
func (t *RelationType) PayloadFields() []Field {
	out := make([]Field, 0, len(t.Fields))
	for _, field := range t.Fields {
		if !field.InstanceKey {
			out = append(out, field)
		}
	}
	return out
}

// Field returns the named field definition.
func (t *RelationType) Field(name string) (Field, bool) {
	for _, field := range t.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return Field{}, false
}

// Spec returns the canonical typed_dict spec for the relation's attributes.
func (t *RelationType) Spec() *Spec {
	fields := make(map[string]*Spec, len(t.Fields))
	for _, field := range t.Fields {
		fields[field.Name] = field.Spec
	}
	return TypedDict(t.Name, fields)
}

func validateFields(typeName string, fields []Field) error {
	seen := make(map[string]bool, len(fields))
	for _, field := range fields {
		if field.Name == "" {
			return fmt.Errorf("type %s: field with empty name", typeName)
		}
		if seen[field.Name] {
			return fmt.Errorf("type %s: duplicate field %s", typeName, field.Name)
		}
		seen[field.Name] = true
		if field.Spec == nil {
			return fmt.Errorf("type %s: field %s has no spec", typeName, field.Name)
		}
		if err := field.Spec.validate(); err != nil {
			return fmt.Errorf("type %s: field %s: %w", typeName, field.Name, err)
		}
	}
	return nil
}

// SortedFieldNames returns the field names of a document in lexicographic
// order, the iteration order used for canonical payload encoding.
func SortedFieldNames(doc Document) []string {
	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Package schema provides the foundational types for describing ontology
// data: canonical type-spec trees, entity and relation type definitions,
// drift detection, and payload validation. The type spec is the authoritative
// schema description; every persisted row references the version of the spec
// it was written under.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// SpecKind identifies the node kind of a type-spec tree.
type SpecKind string

// Supported spec node kinds.
const (
	SpecKindPrimitive SpecKind = "primitive"
	SpecKindList      SpecKind = "list"
	SpecKindDict      SpecKind = "dict"
	SpecKindUnion     SpecKind = "union"
	SpecKindTypedDict SpecKind = "typed_dict"
	SpecKindRef       SpecKind = "ref"
)

// PrimitiveName identifies a primitive spec type.
type PrimitiveName string

// Supported primitive names.
const (
	PrimitiveStr      PrimitiveName = "str"
	PrimitiveInt      PrimitiveName = "int"
	PrimitiveFloat    PrimitiveName = "float"
	PrimitiveBool     PrimitiveName = "bool"
	PrimitiveDatetime PrimitiveName = "datetime"
	PrimitiveJSON     PrimitiveName = "json"
	PrimitiveNone     PrimitiveName = "none"
)

// Spec is one node of a canonical type-spec tree. Exactly the fields relevant
// to the node's Kind are populated. Recursive types are broken with a ref
// node carrying the referenced typed_dict's name; there is no object graph,
// only a tree with named back-edges.
type Spec struct {
	Kind SpecKind `json:"kind"`

	// Name holds the primitive name for primitive nodes, the type name for
	// typed_dict nodes, and the referenced type name for ref nodes.
	Name string `json:"name,omitempty"`

	Elem    *Spec            `json:"elem,omitempty"`    // list element
	Key     *Spec            `json:"key,omitempty"`     // dict key
	Value   *Spec            `json:"value,omitempty"`   // dict value
	Members []*Spec          `json:"members,omitempty"` // union members, canonically sorted
	Fields  map[string]*Spec `json:"fields,omitempty"`  // typed_dict fields
}

// Primitive returns a primitive spec node.
func Primitive(name PrimitiveName) *Spec {
	return &Spec{Kind: SpecKindPrimitive, Name: string(name)}
}

// List returns a list spec node with the given element spec.
func List(elem *Spec) *Spec {
	return &Spec{Kind: SpecKindList, Elem: elem}
}

// Dict returns a dict spec node with the given key and value specs.
func Dict(key, value *Spec) *Spec {
	return &Spec{Kind: SpecKindDict, Key: key, Value: value}
}

// Union returns a union spec node. Members are stored sorted by their
// canonical JSON so that structurally identical unions serialise identically
// regardless of declaration order.
func Union(members ...*Spec) *Spec {
	sorted := make([]*Spec, len(members))
	copy(sorted, members)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Canonical() < sorted[j].Canonical()
	})
	return &Spec{Kind: SpecKindUnion, Members: sorted}
}

// Optional returns union[spec, none], the canonical encoding of a nullable
// field.
func Optional(spec *Spec) *Spec {
	return Union(spec, Primitive(PrimitiveNone))
}

// TypedDict returns a named structured spec node.
func TypedDict(name string, fields map[string]*Spec) *Spec {
	return &Spec{Kind: SpecKindTypedDict, Name: name, Fields: fields}
}

// Ref returns a back-edge node referencing a named typed_dict.
func Ref(name string) *Spec {
	return &Spec{Kind: SpecKindRef, Name: name}
}

// Canonical returns the canonical JSON encoding of the spec tree: object keys
// sorted lexicographically, union members in canonical order. Two specs are
// interchangeable for storage purposes iff their canonical encodings match.
func (s *Spec) Canonical() string {
	b, err := json.Marshal(s.canonicalValue())
	if err != nil {
		// canonicalValue only emits maps, slices and strings
		panic(fmt.Sprintf("schema: canonical encoding failed: %v", err))
	}
	return string(b)
}

// canonicalValue builds a plain value whose JSON encoding is deterministic.
// encoding/json sorts map keys, which gives the lexicographic key order the
// canonical form requires.
func (s *Spec) canonicalValue() any {
	m := map[string]any{"kind": string(s.Kind)}
	switch s.Kind {
	case SpecKindPrimitive, SpecKindRef:
		m["name"] = s.Name
	case SpecKindList:
		m["elem"] = s.Elem.canonicalValue()
	case SpecKindDict:
		m["key"] = s.Key.canonicalValue()
		m["value"] = s.Value.canonicalValue()
	case SpecKindUnion:
		members := make([]any, len(s.Members))
		for i, member := range s.Members {
			members[i] = member.canonicalValue()
		}
		m["members"] = members
	case SpecKindTypedDict:
		m["name"] = s.Name
		fields := make(map[string]any, len(s.Fields))
		for name, field := range s.Fields {
			fields[name] = field.canonicalValue()
		}
		m["fields"] = fields
	}
	return m
}

// Fingerprint returns the stable SHA-256 fingerprint of the canonical
// encoding, hex encoded. It is the drift-detection hash stored alongside
// every schema version.
func (s *Spec) Fingerprint() string {
	sum := sha256.Sum256([]byte(s.Canonical()))
	return hex.EncodeToString(sum[:])
}

// Equal reports structural equality between two spec trees. Ref nodes are
// resolved via a visited set of name pairs: two back-edges are equal iff they
// reference typed dicts that have already been found equal on the current
// path, which terminates comparison of recursive types.
func (s *Spec) Equal(other *Spec) bool {
	return specEqual(s, other, map[[2]string]bool{})
}

func specEqual(a, b *Spec, visited map[[2]string]bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case SpecKindPrimitive:
		return a.Name == b.Name
	case SpecKindRef:
		return a.Name == b.Name
	case SpecKindList:
		return specEqual(a.Elem, b.Elem, visited)
	case SpecKindDict:
		return specEqual(a.Key, b.Key, visited) && specEqual(a.Value, b.Value, visited)
	case SpecKindUnion:
		if len(a.Members) != len(b.Members) {
			return false
		}
		for i := range a.Members {
			if !specEqual(a.Members[i], b.Members[i], visited) {
				return false
			}
		}
		return true
	case SpecKindTypedDict:
		pair := [2]string{a.Name, b.Name}
		if visited[pair] {
			return true
		}
		if a.Name != b.Name || len(a.Fields) != len(b.Fields) {
			return false
		}
		visited[pair] = true
		for name, fieldA := range a.Fields {
			fieldB, ok := b.Fields[name]
			if !ok || !specEqual(fieldA, fieldB, visited) {
				return false
			}
		}
		return true
	}
	return false
}

// IsNullable reports whether the spec admits a null value, i.e. it is the
// none primitive or a union containing it.
func (s *Spec) IsNullable() bool {
	if s.Kind == SpecKindPrimitive && s.Name == string(PrimitiveNone) {
		return true
	}
	if s.Kind == SpecKindUnion {
		for _, member := range s.Members {
			if member.Kind == SpecKindPrimitive && member.Name == string(PrimitiveNone) {
				return true
			}
		}
	}
	return false
}

// IsList reports whether the spec is a list, possibly behind an optional
// wrapper. The query layer uses this to gate existential predicates.
func (s *Spec) IsList() bool {
	if s.Kind == SpecKindList {
		return true
	}
	if s.Kind == SpecKindUnion {
		for _, member := range s.Members {
			if member.Kind == SpecKindList {
				return true
			}
		}
	}
	return false
}

// ScalarPrimitive returns the primitive name if the spec is a bare primitive
// or optional[primitive], and false otherwise. Backends use this to classify
// fields that can live in typed scalar columns.
func (s *Spec) ScalarPrimitive() (PrimitiveName, bool) {
	switch s.Kind {
	case SpecKindPrimitive:
		if s.Name == string(PrimitiveNone) || s.Name == string(PrimitiveJSON) {
			return "", false
		}
		return PrimitiveName(s.Name), true
	case SpecKindUnion:
		if len(s.Members) != 2 {
			return "", false
		}
		var nonNull *Spec
		sawNull := false
		for _, member := range s.Members {
			if member.Kind == SpecKindPrimitive && member.Name == string(PrimitiveNone) {
				sawNull = true
			} else {
				nonNull = member
			}
		}
		if !sawNull || nonNull == nil {
			return "", false
		}
		return nonNull.ScalarPrimitive()
	}
	return "", false
}

// ParseSpec decodes a canonical JSON spec tree.
func ParseSpec(data []byte) (*Spec, error) {
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode type spec: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Spec) validate() error {
	switch s.Kind {
	case SpecKindPrimitive:
		switch PrimitiveName(s.Name) {
		case PrimitiveStr, PrimitiveInt, PrimitiveFloat, PrimitiveBool, PrimitiveDatetime, PrimitiveJSON, PrimitiveNone:
			return nil
		}
		return fmt.Errorf("unknown primitive %q", s.Name)
	case SpecKindList:
		if s.Elem == nil {
			return fmt.Errorf("list spec missing element")
		}
		return s.Elem.validate()
	case SpecKindDict:
		if s.Key == nil || s.Value == nil {
			return fmt.Errorf("dict spec missing key or value")
		}
		if err := s.Key.validate(); err != nil {
			return err
		}
		return s.Value.validate()
	case SpecKindUnion:
		if len(s.Members) < 2 {
			return fmt.Errorf("union spec requires at least two members")
		}
		for _, member := range s.Members {
			if err := member.validate(); err != nil {
				return err
			}
		}
		return nil
	case SpecKindTypedDict:
		if s.Name == "" {
			return fmt.Errorf("typed_dict spec requires a name")
		}
		for _, field := range s.Fields {
			if err := field.validate(); err != nil {
				return err
			}
		}
		return nil
	case SpecKindRef:
		if s.Name == "" {
			return fmt.Errorf("ref spec requires a name")
		}
		return nil
	}
	return fmt.Errorf("unknown spec kind %q", s.Kind)
}

package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// NormalizeDocument validates a payload document against a type's fields and
// returns its canonical form: defaults applied, scalars coerced to their
// JSON-stable representations, unknown fields rejected. The canonical form is
// what delta reconciliation compares and what backends persist as
// fields_json.
func NormalizeDocument(typeName string, fields []Field, doc Document) (Document, error) {
	out := make(Document, len(fields))
	for name := range doc {
		if !hasField(fields, name) {
			return nil, fmt.Errorf("type %s: unknown field %s", typeName, name)
		}
	}
	for _, field := range fields {
		value, present := doc[field.Name]
		if !present || value == nil {
			switch {
			case present && value == nil:
				// explicit null, checked against the spec below
			case field.DefaultFactory != nil:
				value = field.DefaultFactory()
			case field.Default != nil:
				value = field.Default
			default:
				value = nil
			}
		}
		normalized, err := NormalizeValue(field.Spec, value)
		if err != nil {
			return nil, fmt.Errorf("type %s: field %s: %w", typeName, field.Name, err)
		}
		out[field.Name] = normalized
	}
	return out, nil
}

func hasField(fields []Field, name string) bool {
	for _, field := range fields {
		if field.Name == name {
			return true
		}
	}
	return false
}

// NormalizeValue validates a single value against a spec and returns its
// canonical representation: integers as int64, floats as float64, datetimes
// as RFC 3339 UTC strings, lists in element order, dicts and typed dicts as
// plain maps. The rules mirror the SQL comparison semantics so that equality
// over canonical JSON matches equality in either backend.
func NormalizeValue(spec *Spec, value any) (any, error) {
	switch spec.Kind {
	case SpecKindPrimitive:
		return normalizePrimitive(PrimitiveName(spec.Name), value)
	case SpecKindList:
		if value == nil {
			return nil, fmt.Errorf("expected list, got null")
		}
		items, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("expected list, got %T", value)
		}
		out := make([]any, len(items))
		for i, item := range items {
			normalized, err := NormalizeValue(spec.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("list element %d: %w", i, err)
			}
			out[i] = normalized
		}
		return out, nil
	case SpecKindDict:
		if value == nil {
			return nil, fmt.Errorf("expected dict, got null")
		}
		entries, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected dict, got %T", value)
		}
		out := make(map[string]any, len(entries))
		for key, entry := range entries {
			normalized, err := NormalizeValue(spec.Value, entry)
			if err != nil {
				return nil, fmt.Errorf("dict entry %q: %w", key, err)
			}
			out[key] = normalized
		}
		return out, nil
	case SpecKindUnion:
		var firstErr error
		for _, member := range spec.Members {
			normalized, err := NormalizeValue(member, value)
			if err == nil {
				return normalized, nil
			}
			if firstErr == nil {
				firstErr = err
			}
		}
		return nil, fmt.Errorf("value matches no union member: %w", firstErr)
	case SpecKindTypedDict:
		if value == nil {
			return nil, fmt.Errorf("expected %s, got null", spec.Name)
		}
		entries, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected %s, got %T", spec.Name, value)
		}
		out := make(map[string]any, len(spec.Fields))
		for key := range entries {
			if _, known := spec.Fields[key]; !known {
				return nil, fmt.Errorf("%s: unknown field %q", spec.Name, key)
			}
		}
		for key, fieldSpec := range spec.Fields {
			normalized, err := NormalizeValue(fieldSpec, entries[key])
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", spec.Name, key, err)
			}
			out[key] = normalized
		}
		return out, nil
	case SpecKindRef:
		// Back-edges accept any decoded JSON value; structural validation of
		// recursive payloads stops at the ref boundary.
		return value, nil
	}
	return nil, fmt.Errorf("unknown spec kind %q", spec.Kind)
}

func normalizePrimitive(name PrimitiveName, value any) (any, error) {
	switch name {
	case PrimitiveNone:
		if value == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("expected null, got %T", value)
	case PrimitiveStr:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected str, got %T", value)
		}
		return s, nil
	case PrimitiveBool:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", value)
		}
		return b, nil
	case PrimitiveInt:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			if v == float64(int64(v)) {
				return int64(v), nil
			}
			return nil, fmt.Errorf("expected int, got fractional %v", v)
		case json.Number:
			i, err := v.Int64()
			if err != nil {
				return nil, fmt.Errorf("expected int, got %q", v.String())
			}
			return i, nil
		}
		return nil, fmt.Errorf("expected int, got %T", value)
	case PrimitiveFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return nil, fmt.Errorf("expected float, got %q", v.String())
			}
			return f, nil
		}
		return nil, fmt.Errorf("expected float, got %T", value)
	case PrimitiveDatetime:
		switch v := value.(type) {
		case time.Time:
			return v.UTC().Format(time.RFC3339Nano), nil
		case string:
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, fmt.Errorf("expected RFC 3339 datetime, got %q", v)
			}
			return t.UTC().Format(time.RFC3339Nano), nil
		}
		return nil, fmt.Errorf("expected datetime, got %T", value)
	case PrimitiveJSON:
		return value, nil
	}
	return nil, fmt.Errorf("unknown primitive %q", name)
}

// CanonicalJSON marshals a canonical document deterministically. Map keys are
// sorted by encoding/json; values are expected to already be normalized.
func CanonicalJSON(doc Document) (string, error) {
	b, err := json.Marshal(map[string]any(doc))
	if err != nil {
		return "", fmt.Errorf("failed to encode canonical payload: %w", err)
	}
	return string(b), nil
}

// DocumentsEqual compares two canonical documents by their canonical JSON.
func DocumentsEqual(a, b Document) bool {
	ja, errA := CanonicalJSON(a)
	jb, errB := CanonicalJSON(b)
	if errA != nil || errB != nil {
		return false
	}
	return ja == jb
}

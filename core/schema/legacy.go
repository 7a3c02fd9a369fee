package schema

import (
	"fmt"
	"strings"
)

// SynthesizeLegacySpec builds a type spec from the bounded legacy string
// grammar used by stored types that predate spec trees:
//
//	type     = primitive | "list[" type "]" | "dict[" type "," type "]" | "optional[" type "]"
//	primitive = "str" | "int" | "float" | "bool" | "datetime" | "json"
//
// A stored type whose legacy string cannot be synthesised is treated as
// drifted by the caller.
func SynthesizeLegacySpec(legacy string) (*Spec, error) {
	spec, rest, err := parseLegacy(strings.TrimSpace(legacy))
	if err != nil {
		return nil, fmt.Errorf("cannot synthesise spec from legacy type %q: %w", legacy, err)
	}
	if rest != "" {
		return nil, fmt.Errorf("cannot synthesise spec from legacy type %q: trailing input %q", legacy, rest)
	}
	return spec, nil
}

func parseLegacy(input string) (*Spec, string, error) {
	switch {
	case strings.HasPrefix(input, "list["):
		elem, rest, err := parseLegacy(input[len("list["):])
		if err != nil {
			return nil, "", err
		}
		rest, err = expect(rest, "]")
		if err != nil {
			return nil, "", err
		}
		return List(elem), rest, nil
	case strings.HasPrefix(input, "dict["):
		key, rest, err := parseLegacy(input[len("dict["):])
		if err != nil {
			return nil, "", err
		}
		rest, err = expect(rest, ",")
		if err != nil {
			return nil, "", err
		}
		value, rest, err := parseLegacy(strings.TrimLeft(rest, " "))
		if err != nil {
			return nil, "", err
		}
		rest, err = expect(rest, "]")
		if err != nil {
			return nil, "", err
		}
		return Dict(key, value), rest, nil
	case strings.HasPrefix(input, "optional["):
		inner, rest, err := parseLegacy(input[len("optional["):])
		if err != nil {
			return nil, "", err
		}
		rest, err = expect(rest, "]")
		if err != nil {
			return nil, "", err
		}
		return Optional(inner), rest, nil
	}

	end := strings.IndexAny(input, ",]")
	name := input
	rest := ""
	if end >= 0 {
		name = input[:end]
		rest = input[end:]
	}
	switch PrimitiveName(name) {
	case PrimitiveStr, PrimitiveInt, PrimitiveFloat, PrimitiveBool, PrimitiveDatetime, PrimitiveJSON:
		return Primitive(PrimitiveName(name)), rest, nil
	}
	return nil, "", fmt.Errorf("unknown legacy primitive %q", name)
}

func expect(input, token string) (string, error) {
	if !strings.HasPrefix(input, token) {
		return "", fmt.Errorf("expected %q at %q", token, input)
	}
	return input[len(token):], nil
}

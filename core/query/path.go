// Package query defines the typed predicate language shared by every
// backend: field proxies, path-addressed comparisons, existential list
// predicates, and the in-process evaluator whose semantics the SQL compilers
// mirror exactly. Both execution paths are exercised by one parity suite.
package query

import (
	"fmt"
	"regexp"
	"strings"
)

// pathSegment is the grammar of one dot-separated path segment.
var pathSegment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Path addresses a nested JSON field starting at the payload root.
type Path struct {
	segments []string
}

// ParsePath validates a dot-separated path against the segment grammar.
func ParsePath(raw string) (Path, error) {
	if raw == "" {
		return Path{}, fmt.Errorf("field path cannot be empty")
	}
	segments := strings.Split(raw, ".")
	for _, segment := range segments {
		if !pathSegment.MatchString(segment) {
			return Path{}, fmt.Errorf("invalid path segment %q in %q", segment, raw)
		}
	}
	return Path{segments: segments}, nil
}

// Segments returns the path segments in order.
func (p Path) Segments() []string { return p.segments }

// Root returns the first segment, the field name at the payload root.
func (p Path) Root() string {
	if len(p.segments) == 0 {
		return ""
	}
	return p.segments[0]
}

// Rest returns the path below the root field.
func (p Path) Rest() []string {
	if len(p.segments) <= 1 {
		return nil
	}
	return p.segments[1:]
}

// Child extends the path by one validated segment.
func (p Path) Child(segment string) (Path, error) {
	if !pathSegment.MatchString(segment) {
		return Path{}, fmt.Errorf("invalid path segment %q", segment)
	}
	extended := make([]string, 0, len(p.segments)+1)
	extended = append(extended, p.segments...)
	extended = append(extended, segment)
	return Path{segments: extended}, nil
}

// String renders the dotted path.
func (p Path) String() string { return strings.Join(p.segments, ".") }

// JSONPath renders the path as a SQL json_extract path expression.
func (p Path) JSONPath() string { return "$." + strings.Join(p.segments, ".") }

// IsZero reports whether the path is empty.
func (p Path) IsZero() bool { return len(p.segments) == 0 }

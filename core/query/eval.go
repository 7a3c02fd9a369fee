package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lexiupon/ontologia/core/schema"
)

// Evaluator evaluates predicate trees against decoded payload documents.
// Its semantics are the reference the SQL compilers must match: missing keys
// resolve to null, null never compares true except through IsNull, and
// existential predicates are false for null, empty or non-list values.
type Evaluator struct {
	// Endpoint resolves endpoint predicates for relation documents. Nil
	// endpoints make EndpointComparison nodes an execution error.
	Endpoint func(cmp *EndpointComparison, doc schema.Document) (bool, error)
}

// Lookup resolves a path inside a document. Missing keys and traversals
// through non-objects yield nil.
func Lookup(doc schema.Document, path Path) any {
	var current any = map[string]any(doc)
	for _, segment := range path.Segments() {
		object, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = object[segment]
	}
	return current
}

// Eval evaluates an expression against one document.
func (e *Evaluator) Eval(expr Expression, doc schema.Document) (bool, error) {
	if expr == nil {
		return true, nil
	}
	if err := expr.Err(); err != nil {
		return false, err
	}
	switch node := expr.(type) {
	case *Comparison:
		return evalComparison(Lookup(doc, node.Path), node.Op, node.Value), nil
	case *ExistsComparison:
		items, ok := Lookup(doc, node.ListPath).([]any)
		if !ok {
			return false, nil
		}
		for _, item := range items {
			object, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if evalComparison(Lookup(object, node.ItemPath), node.Op, node.Value) {
				return true, nil
			}
		}
		return false, nil
	case *EndpointComparison:
		if e.Endpoint == nil {
			return false, fmt.Errorf("endpoint predicate is not supported in this context")
		}
		return e.Endpoint(node, doc)
	case *And:
		for _, operand := range node.Operands {
			ok, err := e.Eval(operand, doc)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case *Or:
		for _, operand := range node.Operands {
			ok, err := e.Eval(operand, doc)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case *Not:
		ok, err := e.Eval(node.Operand, doc)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
	return false, fmt.Errorf("unknown expression type %T", expr)
}

// evalComparison applies one scalar comparison with SQL-mirroring null
// semantics.
func evalComparison(value any, op Op, operand any) bool {
	switch op {
	case OpIsNull:
		return value == nil
	case OpIsNotNull:
		return value != nil
	case OpIsTrue:
		b, ok := value.(bool)
		return ok && b
	case OpIsFalse:
		b, ok := value.(bool)
		return ok && !b
	}
	if value == nil {
		return false
	}
	switch op {
	case OpEq:
		result, ok := compareValues(value, operand)
		return ok && result == 0
	case OpNeq:
		result, ok := compareValues(value, operand)
		return ok && result != 0
	case OpGt:
		result, ok := compareValues(value, operand)
		return ok && result > 0
	case OpGte:
		result, ok := compareValues(value, operand)
		return ok && result >= 0
	case OpLt:
		result, ok := compareValues(value, operand)
		return ok && result < 0
	case OpLte:
		result, ok := compareValues(value, operand)
		return ok && result <= 0
	case OpIn:
		values, ok := operand.([]any)
		if !ok {
			return false
		}
		for _, candidate := range values {
			if result, comparable := compareValues(value, candidate); comparable && result == 0 {
				return true
			}
		}
		return false
	case OpStartsWith:
		s, okS := value.(string)
		prefix, okP := operand.(string)
		return okS && okP && strings.HasPrefix(s, prefix)
	case OpEndsWith:
		s, okS := value.(string)
		suffix, okP := operand.(string)
		return okS && okP && strings.HasSuffix(s, suffix)
	case OpContains:
		s, okS := value.(string)
		sub, okP := operand.(string)
		return okS && okP && strings.Contains(s, sub)
	}
	return false
}

// compareValues orders two scalars, promoting numerics to float64. The
// second result is false for incomparable types, which makes the comparison
// false, matching SQL type-mismatch behaviour.
func compareValues(a, b any) (int, bool) {
	if fa, okA := asFloat(a); okA {
		if fb, okB := asFloat(b); okB {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	if sa, okA := a.(string); okA {
		if sb, okB := b.(string); okB {
			return strings.Compare(sa, sb), true
		}
		return 0, false
	}
	if ba, okA := a.(bool); okA {
		if bb, okB := b.(bool); okB {
			if ba == bb {
				return 0, true
			}
			if !ba {
				return -1, true
			}
			return 1, true
		}
	}
	return 0, false
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	}
	return 0, false
}

// AggregateDocs computes one scalar aggregate over documents, mirroring SQL
// aggregate null handling: null values are excluded, and aggregates over an
// empty input return nil (count returns 0).
func AggregateDocs(op string, path Path, docs []schema.Document) any {
	switch op {
	case "count":
		return int64(len(docs))
	case "avg_len":
		var sum, n float64
		for _, doc := range docs {
			items, ok := Lookup(doc, path).([]any)
			if !ok {
				continue
			}
			sum += float64(len(items))
			n++
		}
		if n == 0 {
			return nil
		}
		return sum / n
	}
	var values []float64
	for _, doc := range docs {
		if f, ok := asFloat(Lookup(doc, path)); ok {
			values = append(values, f)
		}
	}
	if len(values) == 0 {
		return nil
	}
	switch op {
	case "sum":
		total := 0.0
		for _, v := range values {
			total += v
		}
		return total
	case "avg":
		total := 0.0
		for _, v := range values {
			total += v
		}
		return total / float64(len(values))
	case "min":
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min
	case "max":
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	}
	return nil
}

// SortDocs orders documents by the given keys, nulls first for ascending keys
// and last for descending keys, with a stable tie-break left to the caller's
// input order.
func SortDocs(docs []schema.Document, keys []struct {
	Path Path
	Desc bool
}) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, key := range keys {
			a := Lookup(docs[i], key.Path)
			b := Lookup(docs[j], key.Path)
			if a == nil && b == nil {
				continue
			}
			if a == nil {
				return !key.Desc
			}
			if b == nil {
				return key.Desc
			}
			result, ok := compareValues(a, b)
			if !ok || result == 0 {
				continue
			}
			if key.Desc {
				return result > 0
			}
			return result < 0
		}
		return false
	})
}

package query

import (
	"fmt"

	"github.com/lexiupon/ontologia/core/schema"
)

// Op enumerates the comparison operators of the predicate language.
type Op string

// Supported comparison operators.
const (
	OpEq         Op = "eq"
	OpNeq        Op = "neq"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpIn         Op = "in"
	OpStartsWith Op = "startswith"
	OpEndsWith   Op = "endswith"
	OpContains   Op = "contains"
	OpIsNull     Op = "is_null"
	OpIsNotNull  Op = "is_not_null"
	OpIsTrue     Op = "is_true"
	OpIsFalse    Op = "is_false"
)

// EndpointSide names a relation endpoint in an endpoint predicate.
type EndpointSide string

// Relation endpoint sides.
const (
	SideLeft  EndpointSide = "left"
	SideRight EndpointSide = "right"
)

// Expression is a node of the predicate AST. Expressions compose with And,
// Or and Not, and carry construction errors forward so that an invalid
// predicate surfaces as a Validation error at execution instead of silently
// filtering nothing.
type Expression interface {
	// Err returns the construction error attached to this subtree, if any.
	Err() error
	isExpression()
}

// Comparison is a scalar predicate over a path-addressed field.
type Comparison struct {
	Path  Path
	Op    Op
	Value any

	buildErr error
}

func (c *Comparison) isExpression() {}

// Err returns the construction error, if any.
func (c *Comparison) Err() error { return c.buildErr }

// ExistsComparison is an existential predicate over a list field: it holds
// when at least one list item's inner path satisfies the comparison. Null
// lists, empty lists and non-list values never satisfy it.
type ExistsComparison struct {
	ListPath Path
	ItemPath Path
	Op       Op
	Value    any

	buildErr error
}

func (c *ExistsComparison) isExpression() {}

// Err returns the construction error, if any.
func (c *ExistsComparison) Err() error { return c.buildErr }

// EndpointComparison is a predicate over a relation endpoint's entity
// fields. It compiles to an existence check against the endpoint type's
// state under the outer query's temporal mode.
type EndpointComparison struct {
	Side  EndpointSide
	Path  Path
	Op    Op
	Value any

	buildErr error
}

func (c *EndpointComparison) isExpression() {}

// Err returns the construction error, if any.
func (c *EndpointComparison) Err() error { return c.buildErr }

// And is the conjunction of its operands.
type And struct{ Operands []Expression }

func (a *And) isExpression() {}

// Err returns the first construction error among the operands.
func (a *And) Err() error { return firstErr(a.Operands) }

// Or is the disjunction of its operands.
type Or struct{ Operands []Expression }

func (o *Or) isExpression() {}

// Err returns the first construction error among the operands.
func (o *Or) Err() error { return firstErr(o.Operands) }

// Not negates its operand.
type Not struct{ Operand Expression }

func (n *Not) isExpression() {}

// Err returns the operand's construction error.
func (n *Not) Err() error {
	if n.Operand == nil {
		return fmt.Errorf("not: missing operand")
	}
	return n.Operand.Err()
}

func firstErr(operands []Expression) error {
	for _, operand := range operands {
		if operand == nil {
			return fmt.Errorf("nil operand in boolean expression")
		}
		if err := operand.Err(); err != nil {
			return err
		}
	}
	return nil
}

// NewAnd composes expressions with logical AND.
func NewAnd(operands ...Expression) Expression { return &And{Operands: operands} }

// NewOr composes expressions with logical OR.
func NewOr(operands ...Expression) Expression { return &Or{Operands: operands} }

// NewNot negates an expression.
func NewNot(operand Expression) Expression { return &Not{Operand: operand} }

// FieldProxy is an immutable reference to a payload field path. Comparison
// methods return AST nodes; Path and Index extend the reference into nested
// JSON structures.
type FieldProxy struct {
	path     Path
	side     EndpointSide // empty for root fields
	buildErr error
}

// Field returns a proxy for a root payload field.
func Field(name string) FieldProxy {
	path, err := ParsePath(name)
	return FieldProxy{path: path, buildErr: err}
}

// Left returns a proxy addressing the left endpoint entity of a relation.
func Left(name string) FieldProxy {
	proxy := Field(name)
	proxy.side = SideLeft
	return proxy
}

// Right returns a proxy addressing the right endpoint entity of a relation.
func Right(name string) FieldProxy {
	proxy := Field(name)
	proxy.side = SideRight
	return proxy
}

// Path extends the proxy with a validated dotted sub-path.
func (f FieldProxy) Path(sub string) FieldProxy {
	if f.buildErr != nil {
		return f
	}
	subPath, err := ParsePath(sub)
	if err != nil {
		f.buildErr = err
		return f
	}
	for _, segment := range subPath.Segments() {
		f.path, _ = f.path.Child(segment)
	}
	return f
}

// Index extends the proxy by one key segment, the f["a"]["b"] form.
func (f FieldProxy) Index(segment string) FieldProxy {
	if f.buildErr != nil {
		return f
	}
	extended, err := f.path.Child(segment)
	if err != nil {
		f.buildErr = err
		return f
	}
	f.path = extended
	return f
}

func (f FieldProxy) compare(op Op, value any) Expression {
	err := f.buildErr
	if err == nil {
		err = checkComparisonValue(op, value)
	}
	if f.side != "" {
		return &EndpointComparison{Side: f.side, Path: f.path, Op: op, Value: value, buildErr: err}
	}
	return &Comparison{Path: f.path, Op: op, Value: value, buildErr: err}
}

// checkComparisonValue rejects predicate values that have dedicated
// operators: equality with null must use IsNull/IsNotNull, equality with a
// boolean must use IsTrue/IsFalse. This keeps tri-valued null semantics out
// of user predicates.
func checkComparisonValue(op Op, value any) error {
	if op != OpEq && op != OpNeq {
		return nil
	}
	if value == nil {
		return fmt.Errorf("comparison with null is not allowed; use IsNull or IsNotNull")
	}
	if _, ok := value.(bool); ok {
		return fmt.Errorf("comparison with a boolean constant is not allowed; use IsTrue or IsFalse")
	}
	return nil
}

// Eq returns path == value. Null and boolean constants are rejected.
func (f FieldProxy) Eq(value any) Expression { return f.compare(OpEq, value) }

// Neq returns path != value. Null and boolean constants are rejected.
func (f FieldProxy) Neq(value any) Expression { return f.compare(OpNeq, value) }

// Gt returns path > value.
func (f FieldProxy) Gt(value any) Expression { return f.compare(OpGt, value) }

// Gte returns path >= value.
func (f FieldProxy) Gte(value any) Expression { return f.compare(OpGte, value) }

// Lt returns path < value.
func (f FieldProxy) Lt(value any) Expression { return f.compare(OpLt, value) }

// Lte returns path <= value.
func (f FieldProxy) Lte(value any) Expression { return f.compare(OpLte, value) }

// In returns path IN values. An empty slice yields an empty result, not an
// error.
func (f FieldProxy) In(values []any) Expression { return f.compare(OpIn, values) }

// StartsWith returns a string prefix predicate.
func (f FieldProxy) StartsWith(prefix string) Expression { return f.compare(OpStartsWith, prefix) }

// EndsWith returns a string suffix predicate.
func (f FieldProxy) EndsWith(suffix string) Expression { return f.compare(OpEndsWith, suffix) }

// Contains returns a substring predicate.
func (f FieldProxy) Contains(sub string) Expression { return f.compare(OpContains, sub) }

// IsNull returns the only accepted null predicate.
func (f FieldProxy) IsNull() Expression { return f.compare(OpIsNull, nil) }

// IsNotNull returns the non-null predicate.
func (f FieldProxy) IsNotNull() Expression { return f.compare(OpIsNotNull, nil) }

// IsTrue returns the boolean-true predicate.
func (f FieldProxy) IsTrue() Expression { return f.compare(OpIsTrue, nil) }

// IsFalse returns the boolean-false predicate.
func (f FieldProxy) IsFalse() Expression { return f.compare(OpIsFalse, nil) }

// AnyPath returns a proxy for an existential predicate over the items of a
// list field: Field("tags").AnyPath("inner.path").Eq(v) holds when any list
// item's inner path equals v. Endpoint proxies do not support AnyPath.
func (f FieldProxy) AnyPath(itemPath string) ExistsProxy {
	proxy := ExistsProxy{listPath: f.path, buildErr: f.buildErr}
	if proxy.buildErr == nil && f.side != "" {
		proxy.buildErr = fmt.Errorf("AnyPath is not supported on endpoint proxies")
	}
	if proxy.buildErr == nil {
		parsed, err := ParsePath(itemPath)
		if err != nil {
			proxy.buildErr = err
		} else {
			proxy.itemPath = parsed
		}
	}
	return proxy
}

// ExistsProxy is the existential counterpart of FieldProxy: its comparisons
// produce ExistsComparison nodes.
type ExistsProxy struct {
	listPath Path
	itemPath Path
	buildErr error
}

func (e ExistsProxy) compare(op Op, value any) Expression {
	err := e.buildErr
	if err == nil {
		err = checkComparisonValue(op, value)
	}
	return &ExistsComparison{ListPath: e.listPath, ItemPath: e.itemPath, Op: op, Value: value, buildErr: err}
}

// Eq returns an existential equality predicate.
func (e ExistsProxy) Eq(value any) Expression { return e.compare(OpEq, value) }

// Neq returns an existential inequality predicate.
func (e ExistsProxy) Neq(value any) Expression { return e.compare(OpNeq, value) }

// Gt returns an existential greater-than predicate.
func (e ExistsProxy) Gt(value any) Expression { return e.compare(OpGt, value) }

// Gte returns an existential greater-or-equal predicate.
func (e ExistsProxy) Gte(value any) Expression { return e.compare(OpGte, value) }

// Lt returns an existential less-than predicate.
func (e ExistsProxy) Lt(value any) Expression { return e.compare(OpLt, value) }

// Lte returns an existential less-or-equal predicate.
func (e ExistsProxy) Lte(value any) Expression { return e.compare(OpLte, value) }

// Contains returns an existential substring predicate.
func (e ExistsProxy) Contains(sub string) Expression { return e.compare(OpContains, sub) }

// SpecResolver resolves the spec of a root payload field for build-time type
// checks. Builders supply one per queried type.
type SpecResolver func(rootField string) (*schema.Spec, bool)

// Validate walks the expression tree and reports construction errors and
// type misuse: unknown root fields and AnyPath on non-list fields.
func Validate(expr Expression, resolve SpecResolver, endpointResolve map[EndpointSide]SpecResolver) error {
	if expr == nil {
		return nil
	}
	if err := expr.Err(); err != nil {
		return err
	}
	switch node := expr.(type) {
	case *Comparison:
		if resolve != nil {
			if _, ok := resolve(node.Path.Root()); !ok {
				return fmt.Errorf("unknown field %q", node.Path.Root())
			}
		}
	case *ExistsComparison:
		if resolve != nil {
			spec, ok := resolve(node.ListPath.Root())
			if !ok {
				return fmt.Errorf("unknown field %q", node.ListPath.Root())
			}
			// AnyPath on a nested path inside a structured field cannot be
			// classified statically; only root list fields are checked.
			if len(node.ListPath.Segments()) == 1 && !spec.IsList() {
				return fmt.Errorf("AnyPath requires a list field, %q is not one", node.ListPath.Root())
			}
		}
	case *EndpointComparison:
		if endpointResolve == nil {
			return fmt.Errorf("endpoint predicate on a non-relation query")
		}
		resolveSide, ok := endpointResolve[node.Side]
		if !ok || resolveSide == nil {
			return fmt.Errorf("endpoint predicate on unsupported side %q", node.Side)
		}
		if _, ok := resolveSide(node.Path.Root()); !ok {
			return fmt.Errorf("unknown %s endpoint field %q", node.Side, node.Path.Root())
		}
	case *And:
		for _, operand := range node.Operands {
			if err := Validate(operand, resolve, endpointResolve); err != nil {
				return err
			}
		}
	case *Or:
		for _, operand := range node.Operands {
			if err := Validate(operand, resolve, endpointResolve); err != nil {
				return err
			}
		}
	case *Not:
		return Validate(node.Operand, resolve, endpointResolve)
	}
	return nil
}

package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalSortsKeysAndUnionMembers(t *testing.T) {
	a := Union(Primitive(PrimitiveStr), Primitive(PrimitiveNone))
	b := Union(Primitive(PrimitiveNone), Primitive(PrimitiveStr))
	assert.Equal(t, a.Canonical(), b.Canonical())
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestCanonicalRoundTrip(t *testing.T) {
	spec := TypedDict("Customer", map[string]*Spec{
		"name":  Primitive(PrimitiveStr),
		"tags":  List(Primitive(PrimitiveStr)),
		"extra": Dict(Primitive(PrimitiveStr), Primitive(PrimitiveJSON)),
		"age":   Optional(Primitive(PrimitiveInt)),
	})
	parsed, err := ParseSpec([]byte(spec.Canonical()))
	require.NoError(t, err)
	assert.True(t, spec.Equal(parsed))
	assert.Equal(t, spec.Fingerprint(), parsed.Fingerprint())
}

func TestEqualResolvesRecursiveRefs(t *testing.T) {
	a := TypedDict("Node", map[string]*Spec{
		"value":    Primitive(PrimitiveStr),
		"children": List(Ref("Node")),
	})
	b := TypedDict("Node", map[string]*Spec{
		"value":    Primitive(PrimitiveStr),
		"children": List(Ref("Node")),
	})
	assert.True(t, a.Equal(b))

	c := TypedDict("Node", map[string]*Spec{
		"value":    Primitive(PrimitiveInt),
		"children": List(Ref("Node")),
	})
	assert.False(t, a.Equal(c))
}

func TestScalarPrimitiveClassification(t *testing.T) {
	prim, ok := Primitive(PrimitiveInt).ScalarPrimitive()
	assert.True(t, ok)
	assert.Equal(t, PrimitiveInt, prim)

	prim, ok = Optional(Primitive(PrimitiveFloat)).ScalarPrimitive()
	assert.True(t, ok)
	assert.Equal(t, PrimitiveFloat, prim)

	_, ok = List(Primitive(PrimitiveStr)).ScalarPrimitive()
	assert.False(t, ok)
	_, ok = Primitive(PrimitiveJSON).ScalarPrimitive()
	assert.False(t, ok)
}

func TestSynthesizeLegacySpec(t *testing.T) {
	spec, err := SynthesizeLegacySpec("list[dict[str, optional[int]]]")
	require.NoError(t, err)
	expected := List(Dict(Primitive(PrimitiveStr), Optional(Primitive(PrimitiveInt))))
	assert.True(t, spec.Equal(expected))

	_, err = SynthesizeLegacySpec("list[unknown]")
	assert.Error(t, err)
	_, err = SynthesizeLegacySpec("list[str")
	assert.Error(t, err)
	_, err = SynthesizeLegacySpec("str]")
	assert.Error(t, err)
}

func TestDiffSpecs(t *testing.T) {
	stored := TypedDict("Customer", map[string]*Spec{
		"name": Primitive(PrimitiveStr),
		"age":  Primitive(PrimitiveInt),
	})
	current := TypedDict("Customer", map[string]*Spec{
		"name":  Primitive(PrimitiveStr),
		"age":   Primitive(PrimitiveFloat),
		"email": Primitive(PrimitiveStr),
	})
	diff := DiffSpecs("entity", "Customer", stored, current)
	assert.False(t, diff.Empty())
	assert.Equal(t, []string{"email"}, diff.Added)
	assert.Empty(t, diff.Removed)
	require.Len(t, diff.Changed, 1)
	assert.Equal(t, "age", diff.Changed[0].Name)

	same := DiffSpecs("entity", "Customer", current, current)
	assert.True(t, same.Empty())

	failed := DiffSpecs("entity", "Customer", nil, current)
	assert.True(t, failed.SynthesisFailed)
	assert.False(t, failed.Empty())
}

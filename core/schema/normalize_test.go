package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func customerType(t *testing.T) *EntityType {
	t.Helper()
	entity, err := NewEntityType("Customer", []Field{
		{Name: "id", Spec: Primitive(PrimitiveStr), PrimaryKey: true},
		{Name: "name", Spec: Primitive(PrimitiveStr)},
		{Name: "active", Spec: Primitive(PrimitiveBool), Default: true},
		{Name: "age", Spec: Optional(Primitive(PrimitiveInt))},
		{Name: "tags", Spec: List(Primitive(PrimitiveStr)), DefaultFactory: func() any { return []any{} }},
	})
	require.NoError(t, err)
	return entity
}

func TestNormalizeDocumentAppliesDefaults(t *testing.T) {
	entity := customerType(t)
	doc, err := NormalizeDocument(entity.Name, entity.PayloadFields(), Document{"name": "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "Alice", doc["name"])
	assert.Equal(t, true, doc["active"])
	assert.Nil(t, doc["age"])
	assert.Equal(t, []any{}, doc["tags"])
}

func TestNormalizeDocumentRejectsUnknownFields(t *testing.T) {
	entity := customerType(t)
	_, err := NormalizeDocument(entity.Name, entity.PayloadFields(), Document{"name": "Alice", "bogus": 1})
	assert.ErrorContains(t, err, "unknown field")
}

func TestNormalizeDocumentCoercesScalars(t *testing.T) {
	entity := customerType(t)
	doc, err := NormalizeDocument(entity.Name, entity.PayloadFields(), Document{
		"name": "Alice",
		"age":  float64(30), // decoded JSON numbers arrive as float64
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30), doc["age"])

	_, err = NormalizeDocument(entity.Name, entity.PayloadFields(), Document{
		"name": "Alice",
		"age":  30.5,
	})
	assert.Error(t, err)
}

func TestDocumentsEqualAfterRoundTrip(t *testing.T) {
	a := Document{"n": int64(5), "s": "x", "l": []any{int64(1), int64(2)}}
	b := Document{"n": float64(5), "s": "x", "l": []any{float64(1), float64(2)}}
	assert.True(t, DocumentsEqual(a, b))

	c := Document{"n": int64(5), "s": "x", "l": []any{int64(2), int64(1)}}
	assert.False(t, DocumentsEqual(a, c), "list order is significant")
}

func TestEntityTypeRequiresSingleStringKey(t *testing.T) {
	_, err := NewEntityType("Broken", []Field{
		{Name: "name", Spec: Primitive(PrimitiveStr)},
	})
	assert.Error(t, err)

	_, err = NewEntityType("Broken", []Field{
		{Name: "a", Spec: Primitive(PrimitiveStr), PrimaryKey: true},
		{Name: "b", Spec: Primitive(PrimitiveStr), PrimaryKey: true},
	})
	assert.Error(t, err)

	_, err = NewEntityType("Broken", []Field{
		{Name: "id", Spec: Primitive(PrimitiveInt), PrimaryKey: true},
	})
	assert.Error(t, err)
}

func TestRelationInstanceKeys(t *testing.T) {
	person := customerType(t)
	company := customerType(t)
	keyed, err := NewRelationType("Employment", person, company, []Field{
		{Name: "stint_id", Spec: Primitive(PrimitiveStr), InstanceKey: true},
		{Name: "role", Spec: Primitive(PrimitiveStr)},
	})
	require.NoError(t, err)
	assert.True(t, keyed.Keyed())

	_, err = NewRelationInstance(keyed, "p1", "c1", "", Document{"role": "Eng"})
	assert.Error(t, err, "empty instance key is the unkeyed sentinel and must be rejected")

	inst, err := NewRelationInstance(keyed, "p1", "c1", "a", Document{"role": "Eng"})
	require.NoError(t, err)
	doc, err := inst.Normalize()
	require.NoError(t, err)
	_, present := doc["stint_id"]
	assert.False(t, present, "instance key is identity, not payload")

	unkeyed, err := NewRelationType("WorksAt", person, company, []Field{
		{Name: "role", Spec: Primitive(PrimitiveStr)},
	})
	require.NoError(t, err)
	_, err = NewRelationInstance(unkeyed, "p1", "c1", "x", Document{"role": "Eng"})
	assert.Error(t, err)
}

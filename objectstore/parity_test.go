package objectstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lexiupon/ontologia/core/query"
	"github.com/lexiupon/ontologia/core/repository"
	"github.com/lexiupon/ontologia/core/schema"
	"github.com/lexiupon/ontologia/core/session"
	"github.com/lexiupon/ontologia/sqlite"
)

// The parity suite runs identical scenarios against the SQL compiler and
// the in-process evaluator; both execution paths must agree on every
// predicate, temporal mode and aggregate.

func parityTypes(t *testing.T) *schema.EntityType {
	t.Helper()
	order, err := schema.NewEntityType("Order", []schema.Field{
		{Name: "id", Spec: schema.Primitive(schema.PrimitiveStr), PrimaryKey: true},
		{Name: "region", Spec: schema.Primitive(schema.PrimitiveStr)},
		{Name: "amount", Spec: schema.Primitive(schema.PrimitiveFloat)},
		{Name: "flagged", Spec: schema.Primitive(schema.PrimitiveBool), Default: false},
		{Name: "items", Spec: schema.Optional(schema.List(schema.Dict(schema.Primitive(schema.PrimitiveStr), schema.Primitive(schema.PrimitiveJSON))))},
	})
	require.NoError(t, err)
	return order
}

func paritySessions(t *testing.T) (*session.Session, *session.Session, *schema.EntityType) {
	t.Helper()
	order := parityTypes(t)

	sqlRepo, err := sqlite.Open(filepath.Join(t.TempDir(), "parity.db"), repository.Config{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { sqlRepo.Close() })
	sqlSession, err := session.New(sqlRepo, sqlRepo, session.Options{EntityTypes: []*schema.EntityType{order}})
	require.NoError(t, err)

	objStore, err := Open(context.Background(), NewMemoryClient(), repository.Config{}, zap.NewNop())
	require.NoError(t, err)
	objSession, err := session.New(objStore, objStore, session.Options{EntityTypes: []*schema.EntityType{order}})
	require.NoError(t, err)

	ctx := context.Background()
	for _, s := range []*session.Session{sqlSession, objSession} {
		for _, seed := range []struct {
			key    string
			fields schema.Document
		}{
			{"o1", schema.Document{"region": "eu", "amount": 10.0, "flagged": true,
				"items": []any{map[string]any{"sku": "widget", "qty": float64(2)}}}},
			{"o2", schema.Document{"region": "eu", "amount": 20.0,
				"items": []any{map[string]any{"sku": "gadget", "qty": float64(7)}}}},
			{"o3", schema.Document{"region": "us", "amount": 30.0, "items": []any{}}},
			{"o4", schema.Document{"region": "us", "amount": 40.0}},
		} {
			inst, err := schema.NewEntityInstance(order, seed.key, seed.fields)
			require.NoError(t, err)
			require.NoError(t, s.Ensure(inst))
		}
		_, err := s.Commit(ctx, nil)
		require.NoError(t, err)
	}
	return sqlSession, objSession, order
}

func keysOf(rows []repository.Row) []string {
	keys := make([]string, len(rows))
	for i, row := range rows {
		keys[i] = row.Identity.Key
	}
	return keys
}

func TestPredicateParityAcrossBackends(t *testing.T) {
	ctx := context.Background()
	sqlSession, objSession, order := paritySessions(t)

	predicates := map[string]query.Expression{
		"eq":          query.Field("region").Eq("eu"),
		"neq":         query.Field("region").Neq("eu"),
		"gt":          query.Field("amount").Gt(20.0),
		"gte":         query.Field("amount").Gte(20.0),
		"lt_or":       query.NewOr(query.Field("amount").Lt(15.0), query.Field("region").Eq("us")),
		"not":         query.NewNot(query.Field("region").Eq("eu")),
		"in":          query.Field("region").In([]any{"us", "apac"}),
		"in_empty":    query.Field("region").In([]any{}),
		"startswith":  query.Field("region").StartsWith("e"),
		"endswith":    query.Field("region").EndsWith("u"),
		"contains":    query.Field("region").Contains("s"),
		"is_true":     query.Field("flagged").IsTrue(),
		"is_false":    query.Field("flagged").IsFalse(),
		"is_null":     query.Field("items").IsNull(),
		"is_not_null": query.Field("items").IsNotNull(),
		"exists_eq":   query.Field("items").AnyPath("sku").Eq("gadget"),
		"exists_gt":   query.Field("items").AnyPath("qty").Gt(3),
		"exists_none": query.Field("items").AnyPath("sku").Eq("absent"),
	}

	for name, predicate := range predicates {
		sqlRows, err := sqlSession.Entities(order).Where(predicate).OrderBy("amount", false).Collect(ctx)
		require.NoError(t, err, name)
		objRows, err := objSession.Entities(order).Where(predicate).OrderBy("amount", false).Collect(ctx)
		require.NoError(t, err, name)
		assert.Equal(t, keysOf(sqlRows), keysOf(objRows), name)
	}
}

func TestAggregateParityAcrossBackends(t *testing.T) {
	ctx := context.Background()
	sqlSession, objSession, order := paritySessions(t)

	sqlCount, err := sqlSession.Entities(order).Count(ctx)
	require.NoError(t, err)
	objCount, err := objSession.Entities(order).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, sqlCount, objCount)

	sqlAvg, err := sqlSession.Entities(order).Avg(ctx, "amount")
	require.NoError(t, err)
	objAvg, err := objSession.Entities(order).Avg(ctx, "amount")
	require.NoError(t, err)
	assert.InDelta(t, sqlAvg, objAvg, 0.0001)

	sqlAvgLen, err := sqlSession.Entities(order).AvgLen(ctx, "items")
	require.NoError(t, err)
	objAvgLen, err := objSession.Entities(order).AvgLen(ctx, "items")
	require.NoError(t, err)
	assert.InDelta(t, sqlAvgLen, objAvgLen, 0.0001)

	sqlGroups, err := sqlSession.Entities(order).GroupBy("region").Agg(ctx,
		repository.Aggregate{Op: repository.AggregateSum, Field: "amount", Alias: "total"})
	require.NoError(t, err)
	objGroups, err := objSession.Entities(order).GroupBy("region").Agg(ctx,
		repository.Aggregate{Op: repository.AggregateSum, Field: "amount", Alias: "total"})
	require.NoError(t, err)
	require.Equal(t, len(sqlGroups), len(objGroups))
	for i := range sqlGroups {
		assert.Equal(t, sqlGroups[i]["region"], objGroups[i]["region"])
		assert.InDelta(t, sqlGroups[i]["total"], objGroups[i]["total"], 0.0001)
	}
}

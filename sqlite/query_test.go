package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiupon/ontologia/core/migrate"
	"github.com/lexiupon/ontologia/core/query"
	"github.com/lexiupon/ontologia/core/repository"
	"github.com/lexiupon/ontologia/core/schema"
	"github.com/lexiupon/ontologia/core/session"
)

func orderType(t *testing.T) *schema.EntityType {
	t.Helper()
	entity, err := schema.NewEntityType("Order", []schema.Field{
		{Name: "id", Spec: schema.Primitive(schema.PrimitiveStr), PrimaryKey: true},
		{Name: "region", Spec: schema.Primitive(schema.PrimitiveStr)},
		{Name: "amount", Spec: schema.Primitive(schema.PrimitiveFloat)},
		{Name: "flagged", Spec: schema.Primitive(schema.PrimitiveBool), Default: false},
		{Name: "shipping", Spec: schema.Optional(schema.Dict(schema.Primitive(schema.PrimitiveStr), schema.Primitive(schema.PrimitiveJSON)))},
		{Name: "items", Spec: schema.Optional(schema.List(schema.Dict(schema.Primitive(schema.PrimitiveStr), schema.Primitive(schema.PrimitiveJSON))))},
	})
	require.NoError(t, err)
	return entity
}

func seedOrders(t *testing.T, ctx context.Context, s *session.Session, order *schema.EntityType) {
	t.Helper()
	require.NoError(t, s.Ensure(
		mustEntity(t, order, "o1", schema.Document{
			"region": "eu", "amount": 10.0, "flagged": true,
			"shipping": map[string]any{"city": "Berlin", "zip": "10115"},
			"items": []any{
				map[string]any{"sku": "widget", "qty": float64(2)},
				map[string]any{"sku": "gadget", "qty": float64(1)},
			},
		}),
		mustEntity(t, order, "o2", schema.Document{
			"region": "eu", "amount": 20.0,
			"shipping": map[string]any{"city": "Paris", "zip": "75001"},
			"items":    []any{map[string]any{"sku": "widget", "qty": float64(5)}},
		}),
		mustEntity(t, order, "o3", schema.Document{
			"region": "us", "amount": 30.0,
			"items":  []any{},
		}),
		mustEntity(t, order, "o4", schema.Document{
			"region": "us", "amount": 40.0,
		}),
	))
	_, err := s.Commit(ctx, nil)
	require.NoError(t, err)
}

func TestScalarAndNestedPredicates(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	order := orderType(t)
	s := newTestSession(t, repo, session.Options{EntityTypes: []*schema.EntityType{order}})
	seedOrders(t, ctx, s, order)

	rows, err := s.Entities(order).Where(query.Field("region").Eq("eu")).Collect(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = s.Entities(order).Where(query.Field("shipping").Path("city").Eq("Berlin")).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "o1", rows[0].Identity.Key)

	_, err = s.Entities(order).Where(query.Field("region").Eq(nil)).Collect(ctx)
	assert.Error(t, err, "null equality is rejected; IsNull is the only null predicate")

	rows, err = s.Entities(order).Where(query.Field("flagged").IsTrue()).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "o1", rows[0].Identity.Key)

	rows, err = s.Entities(order).Where(query.Field("shipping").IsNull()).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	rows, err = s.Entities(order).Where(query.Field("region").In([]any{})).Collect(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows, "In([]) yields empty without error")

	rows, err = s.Entities(order).Where(query.Field("shipping").Path("zip").StartsWith("75")).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "o2", rows[0].Identity.Key)

	rows, err = s.Entities(order).
		Where(query.NewOr(query.Field("region").Eq("us"), query.Field("amount").Lt(15.0))).
		Collect(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestExistentialPredicates(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	order := orderType(t)
	s := newTestSession(t, repo, session.Options{EntityTypes: []*schema.EntityType{order}})
	seedOrders(t, ctx, s, order)

	rows, err := s.Entities(order).Where(query.Field("items").AnyPath("sku").Eq("gadget")).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "o1", rows[0].Identity.Key)

	rows, err = s.Entities(order).Where(query.Field("items").AnyPath("qty").Gte(5)).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "o2", rows[0].Identity.Key)

	// Null and empty lists never match.
	rows, err = s.Entities(order).Where(query.Field("items").AnyPath("sku").Eq("widget")).Collect(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestOrderingAndPagination(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	order := orderType(t)
	s := newTestSession(t, repo, session.Options{EntityTypes: []*schema.EntityType{order}})
	seedOrders(t, ctx, s, order)

	rows, err := s.Entities(order).OrderBy("amount", true).Limit(2).Offset(1).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "o3", rows[0].Identity.Key)
	assert.Equal(t, "o2", rows[1].Identity.Key)

	first, err := s.Entities(order).OrderBy("amount", false).First(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "o1", first.Identity.Key)
}

func TestAggregates(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	order := orderType(t)
	s := newTestSession(t, repo, session.Options{EntityTypes: []*schema.EntityType{order}})
	seedOrders(t, ctx, s, order)

	count, err := s.Entities(order).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	countWhere, err := s.Entities(order).CountWhere(ctx, query.Field("region").Eq("eu"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), countWhere)

	sum, err := s.Entities(order).Sum(ctx, "amount")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, sum, 0.001)

	avg, err := s.Entities(order).Avg(ctx, "amount")
	require.NoError(t, err)
	assert.InDelta(t, 25.0, avg, 0.001)

	// o1 has 2 items, o2 has 1, o3 is empty (counts as 0), o4 is null
	// (excluded): (2+1+0)/3 = 1.
	avgLen, err := s.Entities(order).AvgLen(ctx, "items")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, avgLen, 0.001)

	groups, err := s.Entities(order).GroupBy("region").Agg(ctx,
		repository.Aggregate{Op: repository.AggregateSum, Field: "amount", Alias: "total"},
		repository.Aggregate{Op: repository.AggregateCount, Alias: "n"},
	)
	require.NoError(t, err)
	require.Len(t, groups, 2)

	having, err := s.Entities(order).GroupBy("region").
		Having(query.Field("total").Gt(50)).
		Agg(ctx, repository.Aggregate{Op: repository.AggregateSum, Field: "amount", Alias: "total"})
	require.NoError(t, err)
	require.Len(t, having, 1)
	assert.Equal(t, "us", having[0]["region"])
}

func TestTemporalModes(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	customer := customerType(t)
	s := newTestSession(t, repo, session.Options{EntityTypes: []*schema.EntityType{customer}})

	require.NoError(t, s.Ensure(mustEntity(t, customer, "c1", schema.Document{"name": "Alice"})))
	first, err := s.Commit(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.Ensure(mustEntity(t, customer, "c1", schema.Document{"name": "Alicia"})))
	second, err := s.Commit(ctx, nil)
	require.NoError(t, err)
	require.Greater(t, second, first)

	latest, err := s.Entities(customer).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "Alicia", latest[0].Fields["name"])

	asOf, err := s.Entities(customer).AsOf(first).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, asOf, 1)
	assert.Equal(t, "Alice", asOf[0].Fields["name"])

	history, err := s.Entities(customer).WithHistory().Collect(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first, history[0].CommitID)
	assert.Equal(t, second, history[1].CommitID)

	since, err := s.Entities(customer).HistorySince(first).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, second, since[0].CommitID)
}

func TestEndpointPredicates(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	person, company, employment, _ := personCompanyEmployment(t)
	s := newTestSession(t, repo, session.Options{
		EntityTypes:   []*schema.EntityType{person, company},
		RelationTypes: []*schema.RelationType{employment},
	})

	require.NoError(t, s.Ensure(
		mustEntity(t, person, "p1", schema.Document{"name": "Ada"}),
		mustEntity(t, person, "p2", schema.Document{"name": "Grace"}),
		mustEntity(t, company, "c1", schema.Document{"name": "Initech"}),
	))
	e1, err := schema.NewRelationInstance(employment, "p1", "c1", "a", schema.Document{"role": "Eng"})
	require.NoError(t, err)
	e2, err := schema.NewRelationInstance(employment, "p2", "c1", "b", schema.Document{"role": "Mgr"})
	require.NoError(t, err)
	require.NoError(t, s.Ensure(e1, e2))
	_, err = s.Commit(ctx, nil)
	require.NoError(t, err)

	rows, err := s.Relations(employment).Where(query.Left("name").Eq("Ada")).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0].Identity.InstanceKey)

	rows, err = s.Relations(employment).Where(query.Right("name").Eq("Initech")).Collect(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestTraversal(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	person, company, employment, _ := personCompanyEmployment(t)
	s := newTestSession(t, repo, session.Options{
		EntityTypes:   []*schema.EntityType{person, company},
		RelationTypes: []*schema.RelationType{employment},
	})

	require.NoError(t, s.Ensure(
		mustEntity(t, person, "p1", schema.Document{"name": "Ada"}),
		mustEntity(t, person, "p2", schema.Document{"name": "Grace"}),
		mustEntity(t, company, "c1", schema.Document{"name": "Initech"}),
	))
	// Two stints connect p1 to the same company; the traversal still
	// yields the destination once per source.
	e1, err := schema.NewRelationInstance(employment, "p1", "c1", "a", schema.Document{"role": "Eng"})
	require.NoError(t, err)
	e2, err := schema.NewRelationInstance(employment, "p1", "c1", "b", schema.Document{"role": "Mgr"})
	require.NoError(t, err)
	require.NoError(t, s.Ensure(e1, e2))
	_, err = s.Commit(ctx, nil)
	require.NoError(t, err)

	paths, err := s.Entities(person).Via(employment).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, paths, 2)

	byKey := map[string]session.TraversalPath{}
	for _, path := range paths {
		byKey[path.Source.Identity.Key] = path
	}
	hop := byKey["p1"]
	require.NotNil(t, hop.Target)
	assert.Equal(t, "c1", hop.Target.Identity.Key)

	zero := byKey["p2"]
	assert.Nil(t, zero.Relation, "zero-hop sources preserve identity with nil hops")
	assert.Nil(t, zero.Target)
}

func TestMigrationPreviewAndApply(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	customerV1, err := schema.NewEntityType("Customer", []schema.Field{
		{Name: "id", Spec: schema.Primitive(schema.PrimitiveStr), PrimaryKey: true},
		{Name: "name", Spec: schema.Primitive(schema.PrimitiveStr)},
	})
	require.NoError(t, err)

	s1 := newTestSession(t, repo, session.Options{EntityTypes: []*schema.EntityType{customerV1}})
	require.NoError(t, s1.Ensure(mustEntity(t, customerV1, "c1", schema.Document{"name": "Alice"})))
	dataCommit, err := s1.Commit(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dataCommit)

	customerV2, err := schema.NewEntityType("Customer", []schema.Field{
		{Name: "id", Spec: schema.Primitive(schema.PrimitiveStr), PrimaryKey: true},
		{Name: "name", Spec: schema.Primitive(schema.PrimitiveStr)},
		{Name: "tier", Spec: schema.Primitive(schema.PrimitiveStr), Default: "standard"},
	})
	require.NoError(t, err)
	s2 := newTestSession(t, repo, session.Options{EntityTypes: []*schema.EntityType{customerV2}})
	assert.True(t, repository.IsKind(s2.Validate(ctx), repository.KindSchemaOutdated))

	customerKey := repository.TypeKey{Kind: repository.RecordKindEntity, Name: "Customer"}
	preview, _, err := s2.Migrate(ctx, session.MigrateOptions{DryRun: true})
	require.NoError(t, err)
	require.NotNil(t, preview)
	assert.True(t, preview.HasChanges)
	assert.Equal(t, []string{"entity/Customer"}, preview.TypesRequiringUpgraders)
	assert.Equal(t, []string{"entity/Customer@v1"}, preview.MissingUpgraders)
	assert.NotEmpty(t, preview.Token)

	upgraders := map[migrate.UpgraderKey]migrate.Upgrader{
		{TypeKey: customerKey, FromVersion: 1}: func(doc schema.Document) (schema.Document, error) {
			doc["tier"] = "standard"
			return doc, nil
		},
	}

	// A stale token aborts.
	_, _, err = s2.Migrate(ctx, session.MigrateOptions{Token: "bogus", Upgraders: upgraders})
	assert.True(t, repository.IsKind(err, repository.KindMigrationToken))

	_, migrationCommit, err := s2.Migrate(ctx, session.MigrateOptions{Token: preview.Token, Upgraders: upgraders})
	require.NoError(t, err)
	assert.Equal(t, int64(2), migrationCommit)

	require.NoError(t, s2.Validate(ctx))

	// Re-running preview immediately after a successful apply is clean.
	preview2, _, err := s2.Migrate(ctx, session.MigrateOptions{DryRun: true})
	require.NoError(t, err)
	assert.False(t, preview2.HasChanges)

	// Temporal boundary: reads before the activation commit are empty.
	rows, err := s2.Entities(customerV2).AsOf(1).Collect(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = s2.Entities(customerV2).AsOf(2).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "standard", rows[0].Fields["tier"])

	rows, err = s2.Entities(customerV2).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Alice", rows[0].Fields["name"])
}

func TestMissingUpgraderAborts(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	customerV1, err := schema.NewEntityType("Customer", []schema.Field{
		{Name: "id", Spec: schema.Primitive(schema.PrimitiveStr), PrimaryKey: true},
		{Name: "name", Spec: schema.Primitive(schema.PrimitiveStr)},
	})
	require.NoError(t, err)
	s1 := newTestSession(t, repo, session.Options{EntityTypes: []*schema.EntityType{customerV1}})
	require.NoError(t, s1.Ensure(mustEntity(t, customerV1, "c1", schema.Document{"name": "Alice"})))
	_, err = s1.Commit(ctx, nil)
	require.NoError(t, err)

	customerV2, err := schema.NewEntityType("Customer", []schema.Field{
		{Name: "id", Spec: schema.Primitive(schema.PrimitiveStr), PrimaryKey: true},
		{Name: "name", Spec: schema.Primitive(schema.PrimitiveInt)},
	})
	require.NoError(t, err)
	s2 := newTestSession(t, repo, session.Options{EntityTypes: []*schema.EntityType{customerV2}})

	preview, _, err := s2.Migrate(ctx, session.MigrateOptions{DryRun: true})
	require.NoError(t, err)
	_, _, err = s2.Migrate(ctx, session.MigrateOptions{Token: preview.Token})
	assert.True(t, repository.IsKind(err, repository.KindMissingUpgrader))
}

package session

import (
	"context"

	"github.com/lexiupon/ontologia/core/query"
	"github.com/lexiupon/ontologia/core/repository"
	"github.com/lexiupon/ontologia/core/schema"
)

// EntityQuery is the fluent query surface over one entity type. Builders
// are mutable: each step extends the receiver and returns it, and
// terminals compile and execute.
type EntityQuery struct {
	session  *Session
	typ      *schema.EntityType
	pred     query.Expression
	temporal repository.Temporal
	order    []repository.Ordering
	limit    int
	offset   int
}

// Entities starts a query over an entity type bound to the session.
func (s *Session) Entities(t *schema.EntityType) *EntityQuery {
	return &EntityQuery{session: s, typ: t, temporal: repository.Latest()}
}

// Where conjoins a predicate.
func (q *EntityQuery) Where(expr query.Expression) *EntityQuery {
	if q.pred == nil {
		q.pred = expr
	} else {
		q.pred = query.NewAnd(q.pred, expr)
	}
	return q
}

// AsOf reads state as of the given commit.
func (q *EntityQuery) AsOf(commitID int64) *EntityQuery {
	q.temporal = repository.AsOf(commitID)
	return q
}

// WithHistory reads every history row in commit order.
func (q *EntityQuery) WithHistory() *EntityQuery {
	q.temporal = repository.WithHistory()
	return q
}

// HistorySince reads history rows strictly after the given commit.
func (q *EntityQuery) HistorySince(commitID int64) *EntityQuery {
	q.temporal = repository.HistorySince(commitID)
	return q
}

// OrderBy appends a sort key over a payload field.
func (q *EntityQuery) OrderBy(field string, desc bool) *EntityQuery {
	q.order = append(q.order, repository.Ordering{Field: field, Desc: desc})
	return q
}

// Limit caps the result size.
func (q *EntityQuery) Limit(n int) *EntityQuery {
	q.limit = n
	return q
}

// Offset skips the first n results.
func (q *EntityQuery) Offset(n int) *EntityQuery {
	q.offset = n
	return q
}

func (q *EntityQuery) resolver() query.SpecResolver {
	return func(rootField string) (*schema.Spec, bool) {
		field, ok := q.typ.Field(rootField)
		if !ok {
			return nil, false
		}
		return field.Spec, true
	}
}

func (q *EntityQuery) compile() (repository.Query, error) {
	if err := query.Validate(q.pred, q.resolver(), nil); err != nil {
		return repository.Query{}, repository.WrapError(repository.KindValidation, "invalid predicate", err)
	}
	return repository.Query{
		Kind:      repository.RecordKindEntity,
		TypeName:  q.typ.Name,
		Temporal:  q.temporal,
		Predicate: q.pred,
		OrderBy:   q.order,
		Limit:     q.limit,
		Offset:    q.offset,
	}, nil
}

// Collect executes the query and returns the matching rows.
func (q *EntityQuery) Collect(ctx context.Context) ([]repository.Row, error) {
	compiled, err := q.compile()
	if err != nil {
		return nil, err
	}
	if err := q.session.ensureValidated(ctx); err != nil {
		return nil, err
	}
	return q.session.repo.QueryRows(ctx, compiled)
}

// First returns the first matching row, or nil when there is none.
func (q *EntityQuery) First(ctx context.Context) (*repository.Row, error) {
	limited := *q
	limited.limit = 1
	rows, err := limited.Collect(ctx)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (q *EntityQuery) aggregate(ctx context.Context, agg repository.Aggregate) (any, error) {
	compiled, err := q.compile()
	if err != nil {
		return nil, err
	}
	if err := q.session.ensureValidated(ctx); err != nil {
		return nil, err
	}
	rows, err := q.session.repo.QueryGrouped(ctx, repository.GroupedQuery{
		Query: compiled,
		Aggs:  []repository.Aggregate{agg},
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0][agg.Alias], nil
}

// Count returns the number of matching rows.
func (q *EntityQuery) Count(ctx context.Context) (int64, error) {
	value, err := q.aggregate(ctx, repository.Aggregate{Op: repository.AggregateCount, Alias: "count"})
	if err != nil {
		return 0, err
	}
	return toInt64(value), nil
}

// CountWhere is shorthand for Where(pred).Count().
func (q *EntityQuery) CountWhere(ctx context.Context, pred query.Expression) (int64, error) {
	return q.Where(pred).Count(ctx)
}

// Sum aggregates a numeric field over the matching rows.
func (q *EntityQuery) Sum(ctx context.Context, field string) (any, error) {
	return q.aggregate(ctx, repository.Aggregate{Op: repository.AggregateSum, Field: field, Alias: "sum"})
}

// Avg aggregates a numeric field over the matching rows.
func (q *EntityQuery) Avg(ctx context.Context, field string) (any, error) {
	return q.aggregate(ctx, repository.Aggregate{Op: repository.AggregateAvg, Field: field, Alias: "avg"})
}

// Min aggregates a numeric field over the matching rows.
func (q *EntityQuery) Min(ctx context.Context, field string) (any, error) {
	return q.aggregate(ctx, repository.Aggregate{Op: repository.AggregateMin, Field: field, Alias: "min"})
}

// Max aggregates a numeric field over the matching rows.
func (q *EntityQuery) Max(ctx context.Context, field string) (any, error) {
	return q.aggregate(ctx, repository.Aggregate{Op: repository.AggregateMax, Field: field, Alias: "max"})
}

// AvgLen averages the length of a list field; null lists are excluded and
// empty lists contribute zero. All-null input returns nil.
func (q *EntityQuery) AvgLen(ctx context.Context, field string) (any, error) {
	return q.aggregate(ctx, repository.Aggregate{Op: repository.AggregateAvgLen, Field: field, Alias: "avg_len"})
}

// GroupBy starts a grouped aggregation over the dedup view.
func (q *EntityQuery) GroupBy(fields ...string) *GroupedEntityQuery {
	return &GroupedEntityQuery{base: q, groupBy: fields}
}

// Via starts a traversal to the entities connected through the given
// relation type. Traversals are lookup-only; they do not aggregate.
func (q *EntityQuery) Via(rel *schema.RelationType) *Traversal {
	return &Traversal{source: q, relation: rel}
}

// GroupedEntityQuery is the grouped-aggregation terminal stage.
type GroupedEntityQuery struct {
	base    *EntityQuery
	groupBy []string
	having  query.Expression
}

// Having filters groups by an aggregate predicate before materialisation.
func (g *GroupedEntityQuery) Having(expr query.Expression) *GroupedEntityQuery {
	g.having = expr
	return g
}

// Agg computes the named aggregates per group and returns the group rows.
func (g *GroupedEntityQuery) Agg(ctx context.Context, aggs ...repository.Aggregate) ([]map[string]any, error) {
	compiled, err := g.base.compile()
	if err != nil {
		return nil, err
	}
	if err := g.base.session.ensureValidated(ctx); err != nil {
		return nil, err
	}
	return g.base.session.repo.QueryGrouped(ctx, repository.GroupedQuery{
		Query:   compiled,
		GroupBy: g.groupBy,
		Aggs:    aggs,
		Having:  g.having,
	})
}

// RelationQuery is the fluent query surface over one relation type.
// Endpoint predicates are written with query.Left and query.Right proxies.
type RelationQuery struct {
	session  *Session
	typ      *schema.RelationType
	pred     query.Expression
	temporal repository.Temporal
	order    []repository.Ordering
	limit    int
	offset   int
}

// Relations starts a query over a relation type bound to the session.
func (s *Session) Relations(t *schema.RelationType) *RelationQuery {
	return &RelationQuery{session: s, typ: t, temporal: repository.Latest()}
}

// Where conjoins a predicate.
func (q *RelationQuery) Where(expr query.Expression) *RelationQuery {
	if q.pred == nil {
		q.pred = expr
	} else {
		q.pred = query.NewAnd(q.pred, expr)
	}
	return q
}

// AsOf reads state as of the given commit.
func (q *RelationQuery) AsOf(commitID int64) *RelationQuery {
	q.temporal = repository.AsOf(commitID)
	return q
}

// WithHistory reads every history row in commit order.
func (q *RelationQuery) WithHistory() *RelationQuery {
	q.temporal = repository.WithHistory()
	return q
}

// HistorySince reads history rows strictly after the given commit.
func (q *RelationQuery) HistorySince(commitID int64) *RelationQuery {
	q.temporal = repository.HistorySince(commitID)
	return q
}

// OrderBy appends a sort key over an attribute field.
func (q *RelationQuery) OrderBy(field string, desc bool) *RelationQuery {
	q.order = append(q.order, repository.Ordering{Field: field, Desc: desc})
	return q
}

// Limit caps the result size.
func (q *RelationQuery) Limit(n int) *RelationQuery {
	q.limit = n
	return q
}

// Offset skips the first n results.
func (q *RelationQuery) Offset(n int) *RelationQuery {
	q.offset = n
	return q
}

func (q *RelationQuery) compile() (repository.Query, error) {
	resolve := func(rootField string) (*schema.Spec, bool) {
		field, ok := q.typ.Field(rootField)
		if !ok {
			return nil, false
		}
		return field.Spec, true
	}
	endpointResolvers := map[query.EndpointSide]query.SpecResolver{
		query.SideLeft: func(rootField string) (*schema.Spec, bool) {
			field, ok := q.typ.Left.Field(rootField)
			if !ok {
				return nil, false
			}
			return field.Spec, true
		},
		query.SideRight: func(rootField string) (*schema.Spec, bool) {
			field, ok := q.typ.Right.Field(rootField)
			if !ok {
				return nil, false
			}
			return field.Spec, true
		},
	}
	if err := query.Validate(q.pred, resolve, endpointResolvers); err != nil {
		return repository.Query{}, repository.WrapError(repository.KindValidation, "invalid predicate", err)
	}
	return repository.Query{
		Kind:      repository.RecordKindRelation,
		TypeName:  q.typ.Name,
		LeftType:  q.typ.Left.Name,
		RightType: q.typ.Right.Name,
		Temporal:  q.temporal,
		Predicate: q.pred,
		OrderBy:   q.order,
		Limit:     q.limit,
		Offset:    q.offset,
	}, nil
}

// Collect executes the query and returns the matching rows.
func (q *RelationQuery) Collect(ctx context.Context) ([]repository.Row, error) {
	compiled, err := q.compile()
	if err != nil {
		return nil, err
	}
	if err := q.session.ensureValidated(ctx); err != nil {
		return nil, err
	}
	return q.session.repo.QueryRows(ctx, compiled)
}

// First returns the first matching row, or nil when there is none.
func (q *RelationQuery) First(ctx context.Context) (*repository.Row, error) {
	limited := *q
	limited.limit = 1
	rows, err := limited.Collect(ctx)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (q *RelationQuery) aggregate(ctx context.Context, agg repository.Aggregate) (any, error) {
	compiled, err := q.compile()
	if err != nil {
		return nil, err
	}
	if err := q.session.ensureValidated(ctx); err != nil {
		return nil, err
	}
	rows, err := q.session.repo.QueryGrouped(ctx, repository.GroupedQuery{
		Query: compiled,
		Aggs:  []repository.Aggregate{agg},
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0][agg.Alias], nil
}

// Count returns the number of matching rows.
func (q *RelationQuery) Count(ctx context.Context) (int64, error) {
	value, err := q.aggregate(ctx, repository.Aggregate{Op: repository.AggregateCount, Alias: "count"})
	if err != nil {
		return 0, err
	}
	return toInt64(value), nil
}

// CountWhere is shorthand for Where(pred).Count().
func (q *RelationQuery) CountWhere(ctx context.Context, pred query.Expression) (int64, error) {
	return q.Where(pred).Count(ctx)
}

// Sum aggregates a numeric attribute over the matching rows.
func (q *RelationQuery) Sum(ctx context.Context, field string) (any, error) {
	return q.aggregate(ctx, repository.Aggregate{Op: repository.AggregateSum, Field: field, Alias: "sum"})
}

// Avg aggregates a numeric attribute over the matching rows.
func (q *RelationQuery) Avg(ctx context.Context, field string) (any, error) {
	return q.aggregate(ctx, repository.Aggregate{Op: repository.AggregateAvg, Field: field, Alias: "avg"})
}

// Min aggregates a numeric attribute over the matching rows.
func (q *RelationQuery) Min(ctx context.Context, field string) (any, error) {
	return q.aggregate(ctx, repository.Aggregate{Op: repository.AggregateMin, Field: field, Alias: "min"})
}

// Max aggregates a numeric attribute over the matching rows.
func (q *RelationQuery) Max(ctx context.Context, field string) (any, error) {
	return q.aggregate(ctx, repository.Aggregate{Op: repository.AggregateMax, Field: field, Alias: "max"})
}

// AvgLen averages the length of a list attribute; null lists are excluded
// and empty lists contribute zero.
func (q *RelationQuery) AvgLen(ctx context.Context, field string) (any, error) {
	return q.aggregate(ctx, repository.Aggregate{Op: repository.AggregateAvgLen, Field: field, Alias: "avg_len"})
}

// GroupBy starts a grouped aggregation over the dedup view.
func (q *RelationQuery) GroupBy(fields ...string) *GroupedRelationQuery {
	return &GroupedRelationQuery{base: q, groupBy: fields}
}

// GroupedRelationQuery is the grouped-aggregation terminal stage.
type GroupedRelationQuery struct {
	base    *RelationQuery
	groupBy []string
	having  query.Expression
}

// Having filters groups by an aggregate predicate before materialisation.
func (g *GroupedRelationQuery) Having(expr query.Expression) *GroupedRelationQuery {
	g.having = expr
	return g
}

// Agg computes the named aggregates per group and returns the group rows.
func (g *GroupedRelationQuery) Agg(ctx context.Context, aggs ...repository.Aggregate) ([]map[string]any, error) {
	compiled, err := g.base.compile()
	if err != nil {
		return nil, err
	}
	if err := g.base.session.ensureValidated(ctx); err != nil {
		return nil, err
	}
	return g.base.session.repo.QueryGrouped(ctx, repository.GroupedQuery{
		Query:   compiled,
		GroupBy: g.groupBy,
		Aggs:    aggs,
		Having:  g.having,
	})
}

// TraversalPath is one root-tagged traversal result. Zero-hop sources keep
// their identity with nil Relation and Target.
type TraversalPath struct {
	Source   repository.Row
	Relation *repository.Row
	Target   *repository.Row
}

// Traversal resolves entities connected to a source query through one
// relation type. The source type must be one of the relation's endpoints;
// the traversal follows the relation towards the opposite endpoint.
type Traversal struct {
	source   *EntityQuery
	relation *schema.RelationType
}

// Collect evaluates the traversal: source entities are resolved first, then
// relations of the hop type filtered to the resolved source keys, then the
// destination entities. A destination appears once per source regardless of
// how many relation instances connect them.
func (t *Traversal) Collect(ctx context.Context) ([]TraversalPath, error) {
	sources, err := t.source.Collect(ctx)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, nil
	}

	forward := t.relation.Left.Name == t.source.typ.Name
	if !forward && t.relation.Right.Name != t.source.typ.Name {
		return nil, repository.NewErrorf(repository.KindValidation,
			"relation %s does not connect entity type %s", t.relation.Name, t.source.typ.Name)
	}

	sourceKeys := make([]string, 0, len(sources))
	for _, source := range sources {
		sourceKeys = append(sourceKeys, source.Identity.Key)
	}

	relQuery := repository.Query{
		Kind:      repository.RecordKindRelation,
		TypeName:  t.relation.Name,
		LeftType:  t.relation.Left.Name,
		RightType: t.relation.Right.Name,
		Temporal:  t.source.temporal,
	}
	targetType := t.relation.Right
	if forward {
		relQuery.LeftKeys = sourceKeys
	} else {
		relQuery.RightKeys = sourceKeys
		targetType = t.relation.Left
	}
	relations, err := t.source.session.repo.QueryRows(ctx, relQuery)
	if err != nil {
		return nil, err
	}

	targetKeySet := make(map[string]bool)
	for _, rel := range relations {
		if forward {
			targetKeySet[rel.Identity.RightKey] = true
		} else {
			targetKeySet[rel.Identity.LeftKey] = true
		}
	}
	targetKeys := make([]string, 0, len(targetKeySet))
	for key := range targetKeySet {
		targetKeys = append(targetKeys, key)
	}
	targets := make(map[string]repository.Row)
	if len(targetKeys) > 0 {
		targetRows, err := t.source.session.repo.QueryRows(ctx, repository.Query{
			Kind:     repository.RecordKindEntity,
			TypeName: targetType.Name,
			Temporal: t.source.temporal,
			Keys:     targetKeys,
		})
		if err != nil {
			return nil, err
		}
		for _, row := range targetRows {
			targets[row.Identity.Key] = row
		}
	}

	var paths []TraversalPath
	for _, source := range sources {
		seen := make(map[string]bool)
		hops := 0
		for i := range relations {
			rel := relations[i]
			sourceKey, targetKey := rel.Identity.LeftKey, rel.Identity.RightKey
			if !forward {
				sourceKey, targetKey = targetKey, sourceKey
			}
			if sourceKey != source.Identity.Key || seen[targetKey] {
				continue
			}
			target, ok := targets[targetKey]
			if !ok {
				continue
			}
			seen[targetKey] = true
			hops++
			paths = append(paths, TraversalPath{Source: source, Relation: &relations[i], Target: &target})
		}
		if hops == 0 {
			paths = append(paths, TraversalPath{Source: source})
		}
	}
	return paths, nil
}

func toInt64(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

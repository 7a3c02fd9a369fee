package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lexiupon/ontologia/core/query"
	"github.com/lexiupon/ontologia/core/repository"
	"github.com/lexiupon/ontologia/core/schema"
)

// quoteIdentifier safely quotes an identifier for use in SQL.
func quoteIdentifier(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// typedColumn maps one scalar payload field onto a typed partition column.
type typedColumn struct {
	field   string
	name    string
	sqlType string
}

// typedColumns classifies the scalar fields of a typed_dict spec into typed
// partition columns. Non-scalar and mixed-union fields stay in fields_json.
func typedColumns(spec *schema.Spec) []typedColumn {
	if spec == nil || spec.Kind != schema.SpecKindTypedDict {
		return nil
	}
	var columns []typedColumn
	for _, field := range schema.SortedFieldNames(specFieldsAsDocument(spec)) {
		prim, ok := spec.Fields[field].ScalarPrimitive()
		if !ok {
			continue
		}
		sqlType := "TEXT"
		switch prim {
		case schema.PrimitiveInt, schema.PrimitiveBool:
			sqlType = "INTEGER"
		case schema.PrimitiveFloat:
			sqlType = "REAL"
		}
		columns = append(columns, typedColumn{field: field, name: "f_" + field, sqlType: sqlType})
	}
	return columns
}

func specFieldsAsDocument(spec *schema.Spec) schema.Document {
	doc := make(schema.Document, len(spec.Fields))
	for name := range spec.Fields {
		doc[name] = nil
	}
	return doc
}

// scalarColumnValue converts a canonical payload value into its typed
// column representation.
func scalarColumnValue(value any) any {
	if b, ok := value.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return value
}

// partitionTable names the per-(type, version) data table.
func partitionTable(key repository.TypeKey, version int64) string {
	return fmt.Sprintf("%s_%s_v%d", key.Kind, key.Name, version)
}

// layout describes the current partition of a type.
type layout struct {
	table      string
	versionID  int64
	activation int64
	typed      []typedColumn
}

type dbRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *Repository) layoutFor(ctx context.Context, runner dbRunner, key repository.TypeKey) (layout, bool, error) {
	var out layout
	err := runner.QueryRowContext(ctx,
		`SELECT table_name, schema_version_id, activation_commit_id FROM type_layout_catalog WHERE kind = ? AND name = ?`,
		string(key.Kind), key.Name).Scan(&out.table, &out.versionID, &out.activation)
	if err == sql.ErrNoRows {
		return layout{}, false, nil
	}
	if err != nil {
		return layout{}, false, repository.WrapError(repository.KindStorageIO, "failed to read layout catalog", err)
	}
	var specJSON string
	err = runner.QueryRowContext(ctx,
		`SELECT schema_json FROM schema_registry WHERE kind = ? AND name = ?`,
		string(key.Kind), key.Name).Scan(&specJSON)
	if err != nil {
		return layout{}, false, repository.WrapError(repository.KindStorageIO, "failed to read schema registry", err)
	}
	spec, err := parseStoredSpec(specJSON)
	if err == nil {
		out.typed = typedColumns(spec)
	}
	return out, true, nil
}

// scanSpec describes the table a query compiles against.
type scanSpec struct {
	table      string
	entity     bool
	historyTab bool // history tables carry the type-name column and a row id
	typed      map[string]typedColumn
}

func (s scanSpec) identityColumns() []string {
	if s.entity {
		return []string{"entity_key"}
	}
	return []string{"left_key", "right_key", "instance_key"}
}

// compiler translates one predicate tree into SQL over the chosen table.
type compiler struct {
	scan       scanSpec
	upperBound int64
	leftType   string
	rightType  string
	args       []any
}

// accessor renders the SQL expression addressing a payload path.
func (c *compiler) accessor(path query.Path) string {
	if column, ok := c.scan.typed[path.Root()]; ok && len(path.Segments()) == 1 {
		return "t." + quoteIdentifier(column.name)
	}
	return fmt.Sprintf("json_extract(t.fields_json, '%s')", path.JSONPath())
}

// typedBool reports whether the path resolves to a typed INTEGER column (an
// int or bool field) and returns its SQL accessor.
func (c *compiler) typedBool(path query.Path) (string, bool) {
	column, ok := c.scan.typed[path.Root()]
	if ok && len(path.Segments()) == 1 && column.sqlType == "INTEGER" {
		return "t." + quoteIdentifier(column.name), true
	}
	return "", false
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

func (c *compiler) compile(expr query.Expression) (string, error) {
	if expr == nil {
		return "", nil
	}
	if err := expr.Err(); err != nil {
		return "", repository.WrapError(repository.KindValidation, "invalid predicate", err)
	}
	switch node := expr.(type) {
	case *query.Comparison:
		return c.compileComparison("t.fields_json", c.accessor(node.Path), node.Path, node.Op, node.Value)
	case *query.ExistsComparison:
		return c.compileExists(node)
	case *query.EndpointComparison:
		return c.compileEndpoint(node)
	case *query.And:
		return c.compileBoolean(node.Operands, "AND", "1=1")
	case *query.Or:
		return c.compileBoolean(node.Operands, "OR", "1=0")
	case *query.Not:
		inner, err := c.compile(node.Operand)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("NOT (%s)", inner), nil
	}
	return "", repository.NewErrorf(repository.KindValidation, "unsupported expression type %T", expr)
}

func (c *compiler) compileBoolean(operands []query.Expression, op, empty string) (string, error) {
	if len(operands) == 0 {
		return empty, nil
	}
	clauses := make([]string, 0, len(operands))
	for _, operand := range operands {
		clause, err := c.compile(operand)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}
	return "(" + strings.Join(clauses, " "+op+" ") + ")", nil
}

// compileComparison renders one scalar comparison. jsonSource is the JSON
// column the path reads from, used for type probes on booleans and nulls.
func (c *compiler) compileComparison(jsonSource, accessor string, path query.Path, op query.Op, value any) (string, error) {
	jsonPath := path.JSONPath()
	switch op {
	case query.OpEq:
		c.args = append(c.args, value)
		return fmt.Sprintf("%s = ?", accessor), nil
	case query.OpNeq:
		c.args = append(c.args, value)
		return fmt.Sprintf("%s != ?", accessor), nil
	case query.OpGt:
		c.args = append(c.args, value)
		return fmt.Sprintf("%s > ?", accessor), nil
	case query.OpGte:
		c.args = append(c.args, value)
		return fmt.Sprintf("%s >= ?", accessor), nil
	case query.OpLt:
		c.args = append(c.args, value)
		return fmt.Sprintf("%s < ?", accessor), nil
	case query.OpLte:
		c.args = append(c.args, value)
		return fmt.Sprintf("%s <= ?", accessor), nil
	case query.OpIn:
		values, ok := value.([]any)
		if !ok {
			return "", repository.NewError(repository.KindValidation, "In requires a slice of values")
		}
		if len(values) == 0 {
			return "1=0", nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
		c.args = append(c.args, values...)
		return fmt.Sprintf("%s IN (%s)", accessor, placeholders), nil
	case query.OpStartsWith:
		c.args = append(c.args, escapeLike(value.(string))+"%")
		return fmt.Sprintf(`%s LIKE ? ESCAPE '\'`, accessor), nil
	case query.OpEndsWith:
		c.args = append(c.args, "%"+escapeLike(value.(string)))
		return fmt.Sprintf(`%s LIKE ? ESCAPE '\'`, accessor), nil
	case query.OpContains:
		c.args = append(c.args, "%"+escapeLike(value.(string))+"%")
		return fmt.Sprintf(`%s LIKE ? ESCAPE '\'`, accessor), nil
	case query.OpIsNull:
		return fmt.Sprintf("%s IS NULL", accessor), nil
	case query.OpIsNotNull:
		return fmt.Sprintf("%s IS NOT NULL", accessor), nil
	case query.OpIsTrue:
		if column, ok := c.typedBool(path); ok {
			return fmt.Sprintf("%s = 1", column), nil
		}
		return fmt.Sprintf("json_type(%s, '%s') = 'true'", jsonSource, jsonPath), nil
	case query.OpIsFalse:
		if column, ok := c.typedBool(path); ok {
			return fmt.Sprintf("%s = 0", column), nil
		}
		return fmt.Sprintf("json_type(%s, '%s') = 'false'", jsonSource, jsonPath), nil
	}
	return "", repository.NewErrorf(repository.KindValidation, "unsupported operator %q", op)
}

// compileExists renders an existential list predicate with json_each. The
// array-type probe keeps null, scalar and object values out of the scan.
func (c *compiler) compileExists(node *query.ExistsComparison) (string, error) {
	listPath := node.ListPath.JSONPath()
	itemAccessor := fmt.Sprintf("json_extract(je.value, '%s')", node.ItemPath.JSONPath())
	probe := fmt.Sprintf("json_type(t.fields_json, '%s') = 'array'", listPath)

	inner := &compiler{scan: c.scan, upperBound: c.upperBound}
	clause, err := inner.compileComparison("je.value", itemAccessor, node.ItemPath, node.Op, node.Value)
	if err != nil {
		return "", err
	}
	c.args = append(c.args, inner.args...)
	return fmt.Sprintf("(%s AND EXISTS (SELECT 1 FROM json_each(t.fields_json, '%s') je WHERE %s))",
		probe, listPath, clause), nil
}

// compileEndpoint renders an endpoint predicate as an existence check over
// the endpoint entity's state under the outer temporal window.
func (c *compiler) compileEndpoint(node *query.EndpointComparison) (string, error) {
	endpointType := c.leftType
	keyColumn := "t.left_key"
	if node.Side == query.SideRight {
		endpointType = c.rightType
		keyColumn = "t.right_key"
	}
	if endpointType == "" {
		return "", repository.NewError(repository.KindValidation, "endpoint predicate on a non-relation query")
	}

	inner := &compiler{scan: scanSpec{table: "entity_history", entity: true, historyTab: true}}
	accessor := fmt.Sprintf("json_extract(ep.fields_json, '%s')", node.Path.JSONPath())
	clause, err := inner.compileComparison("ep.fields_json", accessor, node.Path, node.Op, node.Value)
	if err != nil {
		return "", err
	}

	c.args = append(c.args, endpointType, c.upperBound, c.upperBound)
	c.args = append(c.args, inner.args...)
	return fmt.Sprintf(`EXISTS (SELECT 1 FROM entity_history ep
		WHERE ep.entity_type = ? AND ep.entity_key = %s AND ep.commit_id <= ?
		AND ep.commit_id = (SELECT MAX(ep2.commit_id) FROM entity_history ep2
			WHERE ep2.entity_type = ep.entity_type AND ep2.entity_key = ep.entity_key AND ep2.commit_id <= ?)
		AND %s)`, keyColumn, clause), nil
}

// buildScan compiles a repository query into a full SELECT over the chosen
// source table, returning SQL and its ordered arguments.
func (r *Repository) buildScan(ctx context.Context, q repository.Query, head int64, currentVersion int64, includeOrder bool) (string, []any, error) {
	key := repository.TypeKey{Kind: q.Kind, Name: q.TypeName}

	scan := scanSpec{
		table:      "entity_history",
		entity:     q.Kind == repository.RecordKindEntity,
		historyTab: true,
		typed:      map[string]typedColumn{},
	}
	if !scan.entity {
		scan.table = "relation_history"
	}

	dedup := q.Temporal.Kind == repository.TemporalLatest || q.Temporal.Kind == repository.TemporalAsOf
	upper := head
	if q.Temporal.Kind == repository.TemporalAsOf && q.Temporal.CommitID < upper {
		upper = q.Temporal.CommitID
	}

	// Current-state reads on an engine v2 store consult the current
	// partition, with scalar predicates rewritten to typed columns.
	if r.engine >= 2 && dedup {
		if partition, found, err := r.layoutFor(ctx, r.db, key); err != nil {
			return "", nil, err
		} else if found {
			scan.table = partition.table
			scan.historyTab = false
			for _, column := range partition.typed {
				scan.typed[column.field] = column
			}
		}
	}

	comp := &compiler{scan: scan, upperBound: upper, leftType: q.LeftType, rightType: q.RightType}

	var where []string
	if scan.historyTab {
		if scan.entity {
			where = append(where, "t.entity_type = ?")
		} else {
			where = append(where, "t.relation_type = ?")
		}
		comp.args = append(comp.args, q.TypeName)
	}

	switch q.Temporal.Kind {
	case repository.TemporalLatest, repository.TemporalAsOf, repository.TemporalWithHistory:
		where = append(where, "t.commit_id <= ?")
		comp.args = append(comp.args, upper)
	case repository.TemporalHistorySince:
		where = append(where, "t.commit_id > ? AND t.commit_id <= ?")
		comp.args = append(comp.args, q.Temporal.CommitID, head)
	}

	if dedup {
		typeFilter := ""
		if scan.historyTab {
			if scan.entity {
				typeFilter = "t2.entity_type = t.entity_type AND "
			} else {
				typeFilter = "t2.relation_type = t.relation_type AND "
			}
		}
		identityMatch := "t2.entity_key = t.entity_key"
		if !scan.entity {
			identityMatch = "t2.left_key = t.left_key AND t2.right_key = t.right_key AND t2.instance_key = t.instance_key"
		}
		where = append(where, fmt.Sprintf(
			"t.commit_id = (SELECT MAX(t2.commit_id) FROM %s t2 WHERE %s%s AND t2.commit_id <= ?)",
			quoteIdentifier(scan.table), typeFilter, identityMatch))
		comp.args = append(comp.args, upper)

		// Typed reads expose only rows written under the current schema
		// version; pre-migration rows are invisible unless rewritten.
		where = append(where, "t.schema_version_id = ?")
		comp.args = append(comp.args, currentVersion)
	}

	appendKeys := func(column string, keys []string) {
		if len(keys) == 0 {
			return
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
		where = append(where, fmt.Sprintf("t.%s IN (%s)", column, placeholders))
		for _, key := range keys {
			comp.args = append(comp.args, key)
		}
	}
	appendKeys("entity_key", q.Keys)
	appendKeys("left_key", q.LeftKeys)
	appendKeys("right_key", q.RightKeys)

	if q.Predicate != nil {
		clause, err := comp.compile(q.Predicate)
		if err != nil {
			return "", nil, err
		}
		if clause != "" {
			where = append(where, clause)
		}
	}

	columns := append([]string{}, scan.identityColumns()...)
	columns = append(columns, "commit_id", "schema_version_id", "fields_json")
	for i, column := range columns {
		columns[i] = "t." + quoteIdentifier(column)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(quoteIdentifier(scan.table))
	sb.WriteString(" t WHERE ")
	sb.WriteString(strings.Join(where, " AND "))

	if includeOrder {
		var orderBy []string
		for _, ordering := range q.OrderBy {
			path, err := query.ParsePath(ordering.Field)
			if err != nil {
				return "", nil, repository.WrapError(repository.KindValidation, "invalid ordering field", err)
			}
			direction := "ASC"
			if ordering.Desc {
				direction = "DESC"
			}
			orderBy = append(orderBy, comp.accessor(path)+" "+direction)
		}
		if !dedup {
			orderBy = append(orderBy, "t.commit_id ASC")
		}
		for _, column := range scan.identityColumns() {
			orderBy = append(orderBy, "t."+quoteIdentifier(column)+" ASC")
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(orderBy, ", "))

		if q.Limit > 0 || q.Offset > 0 {
			limit := q.Limit
			if limit == 0 {
				limit = -1
			}
			sb.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, q.Offset))
		}
	}
	return sb.String(), comp.args, nil
}

// QueryRows executes a temporal scan.
func (r *Repository) QueryRows(ctx context.Context, q repository.Query) ([]repository.Row, error) {
	head, err := r.Head(ctx)
	if err != nil {
		return nil, err
	}
	if head.CommitID == 0 {
		return nil, nil
	}
	key := repository.TypeKey{Kind: q.Kind, Name: q.TypeName}
	version, found, err := r.CurrentSchemaVersion(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if q.Temporal.Kind == repository.TemporalAsOf && q.Temporal.CommitID < version.ActivationCommitID {
		r.logger.Debug("as-of commit precedes schema activation; returning empty result",
			zap.String("type", key.String()),
			zap.Int64("as_of", q.Temporal.CommitID),
			zap.Int64("activation", version.ActivationCommitID),
			zap.String("diagnostic", "commit_before_activation"))
		return nil, nil
	}

	sqlText, args, err := r.buildScan(ctx, q, head.CommitID, version.VersionID, true)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("executing scan", zap.String("sql", sqlText), zap.Any("args", args))

	rows, err := r.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		r.logger.Error("scan failed", zap.Error(err), zap.String("sql", sqlText))
		return nil, repository.WrapError(repository.KindStorageIO, "failed to execute scan", err)
	}
	defer rows.Close()
	return scanResultRows(rows, q)
}

func scanResultRows(rows *sql.Rows, q repository.Query) ([]repository.Row, error) {
	var out []repository.Row
	for rows.Next() {
		var row repository.Row
		var fieldsJSON string
		if q.Kind == repository.RecordKindEntity {
			var key string
			if err := rows.Scan(&key, &row.CommitID, &row.SchemaVersionID, &fieldsJSON); err != nil {
				return nil, repository.WrapError(repository.KindStorageIO, "failed to scan result row", err)
			}
			row.Identity = repository.EntityIdentity(q.TypeName, key)
		} else {
			var leftKey, rightKey, instanceKey string
			if err := rows.Scan(&leftKey, &rightKey, &instanceKey, &row.CommitID, &row.SchemaVersionID, &fieldsJSON); err != nil {
				return nil, repository.WrapError(repository.KindStorageIO, "failed to scan result row", err)
			}
			row.Identity = repository.RelationIdentity(q.TypeName, leftKey, rightKey, instanceKey)
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &row.Fields); err != nil {
			return nil, repository.WrapError(repository.KindStorageIO, "corrupt fields_json", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, repository.WrapError(repository.KindStorageIO, "failed to read result rows", err)
	}
	return out, nil
}

// QueryGrouped executes aggregates over the dedup view as SQL, with the
// having predicate applied in-process by the shared evaluator so its
// semantics match the object-store backend exactly.
func (r *Repository) QueryGrouped(ctx context.Context, q repository.GroupedQuery) ([]map[string]any, error) {
	head, err := r.Head(ctx)
	if err != nil {
		return nil, err
	}
	key := repository.TypeKey{Kind: q.Query.Kind, Name: q.Query.TypeName}
	version, found, err := r.CurrentSchemaVersion(ctx, key)
	emptyScalar := func() []map[string]any {
		if len(q.GroupBy) > 0 {
			return nil
		}
		row := make(map[string]any, len(q.Aggs))
		for _, agg := range q.Aggs {
			if agg.Op == repository.AggregateCount {
				row[agg.Alias] = int64(0)
			} else {
				row[agg.Alias] = nil
			}
		}
		return []map[string]any{row}
	}
	if err != nil {
		return nil, err
	}
	if head.CommitID == 0 || !found {
		return emptyScalar(), nil
	}
	if q.Query.Temporal.Kind == repository.TemporalAsOf && q.Query.Temporal.CommitID < version.ActivationCommitID {
		return emptyScalar(), nil
	}

	inner, args, err := r.buildScan(ctx, q.Query, head.CommitID, version.VersionID, false)
	if err != nil {
		return nil, err
	}

	var selects, groupCols []string
	for _, field := range q.GroupBy {
		path, err := query.ParsePath(field)
		if err != nil {
			return nil, repository.WrapError(repository.KindValidation, "invalid group key", err)
		}
		expr := fmt.Sprintf("json_extract(g.fields_json, '%s')", path.JSONPath())
		selects = append(selects, fmt.Sprintf("%s AS %s", expr, quoteIdentifier(field)))
		groupCols = append(groupCols, expr)
	}
	for _, agg := range q.Aggs {
		expr, err := aggregateSQL(agg)
		if err != nil {
			return nil, err
		}
		selects = append(selects, fmt.Sprintf("%s AS %s", expr, quoteIdentifier(agg.Alias)))
	}

	sqlText := fmt.Sprintf("SELECT %s FROM (%s) g", strings.Join(selects, ", "), inner)
	if len(groupCols) > 0 {
		sqlText += " GROUP BY " + strings.Join(groupCols, ", ") + " ORDER BY " + strings.Join(groupCols, ", ")
	}
	r.logger.Debug("executing grouped scan", zap.String("sql", sqlText), zap.Any("args", args))

	rows, err := r.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		r.logger.Error("grouped scan failed", zap.Error(err), zap.String("sql", sqlText))
		return nil, repository.WrapError(repository.KindStorageIO, "failed to execute grouped scan", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, repository.WrapError(repository.KindStorageIO, "failed to read group columns", err)
	}
	evaluator := &query.Evaluator{}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, repository.WrapError(repository.KindStorageIO, "failed to scan group row", err)
		}
		row := make(map[string]any, len(columns))
		for i, column := range columns {
			if b, ok := values[i].([]byte); ok {
				row[column] = string(b)
			} else {
				row[column] = values[i]
			}
		}
		if q.Having != nil {
			ok, err := evaluator.Eval(q.Having, schema.Document(row))
			if err != nil {
				return nil, repository.WrapError(repository.KindValidation, "invalid having predicate", err)
			}
			if !ok {
				continue
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, repository.WrapError(repository.KindStorageIO, "failed to read group rows", err)
	}
	if len(q.GroupBy) == 0 && len(out) == 0 {
		return emptyScalar(), nil
	}
	return out, nil
}

func aggregateSQL(agg repository.Aggregate) (string, error) {
	if agg.Op == repository.AggregateCount {
		return "COUNT(*)", nil
	}
	path, err := query.ParsePath(agg.Field)
	if err != nil {
		return "", repository.WrapError(repository.KindValidation, "invalid aggregate field", err)
	}
	jsonPath := path.JSONPath()
	switch agg.Op {
	case repository.AggregateSum:
		return fmt.Sprintf("SUM(json_extract(g.fields_json, '%s'))", jsonPath), nil
	case repository.AggregateAvg:
		return fmt.Sprintf("AVG(json_extract(g.fields_json, '%s'))", jsonPath), nil
	case repository.AggregateMin:
		return fmt.Sprintf("MIN(json_extract(g.fields_json, '%s'))", jsonPath), nil
	case repository.AggregateMax:
		return fmt.Sprintf("MAX(json_extract(g.fields_json, '%s'))", jsonPath), nil
	case repository.AggregateAvgLen:
		// Null and non-array values stay out of the average; empty arrays
		// contribute zero.
		return fmt.Sprintf(
			"AVG(CASE WHEN json_type(g.fields_json, '%s') = 'array' THEN json_array_length(g.fields_json, '%s') END)",
			jsonPath, jsonPath), nil
	}
	return "", repository.NewErrorf(repository.KindValidation, "unsupported aggregate %q", agg.Op)
}

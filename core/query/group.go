package query

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lexiupon/ontologia/core/schema"
)

// GroupAggregate names one aggregate output of a grouped query.
type GroupAggregate struct {
	Op    string // count, sum, avg, min, max, avg_len
	Path  Path
	Alias string
}

// GroupDocs groups documents by the given key paths, computes the named
// aggregates per group, applies the having predicate over the resulting
// rows, and returns the groups ordered by their key values. This is the
// in-process grouped-aggregation engine the object-store backend uses; the
// SQL backend mirrors its semantics with GROUP BY.
func GroupDocs(docs []schema.Document, groupBy []Path, aggs []GroupAggregate, having Expression) ([]map[string]any, error) {
	type group struct {
		keyJSON string
		keys    map[string]any
		docs    []schema.Document
	}
	groups := make(map[string]*group)
	order := make([]string, 0)
	for _, doc := range docs {
		keys := make(map[string]any, len(groupBy))
		for _, path := range groupBy {
			keys[path.String()] = Lookup(doc, path)
		}
		encoded, err := json.Marshal(keys)
		if err != nil {
			return nil, fmt.Errorf("failed to encode group key: %w", err)
		}
		keyJSON := string(encoded)
		g, ok := groups[keyJSON]
		if !ok {
			g = &group{keyJSON: keyJSON, keys: keys}
			groups[keyJSON] = g
			order = append(order, keyJSON)
		}
		g.docs = append(g.docs, doc)
	}
	sort.Strings(order)
	sort.SliceStable(order, func(i, j int) bool {
		a, b := groups[order[i]].keys, groups[order[j]].keys
		for _, path := range groupBy {
			av, bv := a[path.String()], b[path.String()]
			if av == nil || bv == nil {
				if (av == nil) != (bv == nil) {
					return av == nil
				}
				continue
			}
			if c, ok := compareValues(av, bv); ok && c != 0 {
				return c < 0
			}
		}
		return false
	})

	evaluator := &Evaluator{}
	results := make([]map[string]any, 0, len(order))
	for _, keyJSON := range order {
		g := groups[keyJSON]
		row := make(map[string]any, len(g.keys)+len(aggs))
		for name, value := range g.keys {
			row[name] = value
		}
		for _, agg := range aggs {
			row[agg.Alias] = AggregateDocs(agg.Op, agg.Path, g.docs)
		}
		if having != nil {
			ok, err := evaluator.Eval(having, schema.Document(row))
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		results = append(results, row)
	}
	return results, nil
}

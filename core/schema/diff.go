package schema

import "sort"

// FieldChange describes one changed field in a type diff.
type FieldChange struct {
	Name   string `json:"name"`
	Stored string `json:"stored"`  // canonical JSON of the stored spec
	Current string `json:"current"` // canonical JSON of the code spec
}

// TypeDiff is the structured drift report for one type.
type TypeDiff struct {
	Kind    string        `json:"kind"` // "entity" or "relation"
	Name    string        `json:"name"`
	Added   []string      `json:"added,omitempty"`
	Removed []string      `json:"removed,omitempty"`
	Changed []FieldChange `json:"changed,omitempty"`

	// SynthesisFailed marks a legacy stored type whose spec could not be
	// reconstructed; the type is drifted regardless of field comparison.
	SynthesisFailed bool `json:"synthesis_failed,omitempty"`
}

// Empty reports whether the diff carries no changes.
func (d TypeDiff) Empty() bool {
	return !d.SynthesisFailed && len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffSpecs compares a stored typed_dict spec against the current code spec
// and returns the per-field drift report. Both specs must be typed_dict
// nodes; the comparison is field-wise structural equality.
func DiffSpecs(kind, name string, stored, current *Spec) TypeDiff {
	diff := TypeDiff{Kind: kind, Name: name}
	if stored == nil {
		diff.SynthesisFailed = true
		return diff
	}
	for fieldName, currentSpec := range current.Fields {
		storedSpec, ok := stored.Fields[fieldName]
		if !ok {
			diff.Added = append(diff.Added, fieldName)
			continue
		}
		if !storedSpec.Equal(currentSpec) {
			diff.Changed = append(diff.Changed, FieldChange{
				Name:    fieldName,
				Stored:  storedSpec.Canonical(),
				Current: currentSpec.Canonical(),
			})
		}
	}
	for fieldName := range stored.Fields {
		if _, ok := current.Fields[fieldName]; !ok {
			diff.Removed = append(diff.Removed, fieldName)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Slice(diff.Changed, func(i, j int) bool { return diff.Changed[i].Name < diff.Changed[j].Name })
	return diff
}

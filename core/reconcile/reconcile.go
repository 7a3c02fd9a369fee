// Package reconcile turns an ordered batch of declared intents into the
// minimal set of change records: inserts for unseen identities, appended
// versions for changed payloads, and nothing at all for intents whose
// payload already matches current state.
package reconcile

import (
	"context"

	"github.com/lexiupon/ontologia/core/repository"
	"github.com/lexiupon/ontologia/core/schema"
)

// Intent is one normalized declared state for one identity.
type Intent struct {
	Identity repository.Identity
	TypeKey  repository.TypeKey
	Fields   schema.Document
}

// Plan reconciles intents against current state read through the repository
// under the caller's lease snapshot.
//
// Duplicate identities within the batch collapse to the last intent, at the
// position of the first occurrence; superseded intermediates produce no
// change. Equality is canonical JSON over the normalized payload, which
// excludes identity fields and the instance key by construction.
func Plan(ctx context.Context, repo repository.Repository, intents []Intent, versions map[repository.TypeKey]int64, maxBatchSize int) ([]repository.Change, error) {
	if len(intents) == 0 {
		return nil, nil
	}

	order := make([]string, 0, len(intents))
	latest := make(map[string]Intent, len(intents))
	for _, intent := range intents {
		key := intent.Identity.String()
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		latest[key] = intent
	}

	identities := make([]repository.Identity, 0, len(order))
	for _, key := range order {
		identities = append(identities, latest[key].Identity)
	}
	current, err := repo.CurrentRows(ctx, identities)
	if err != nil {
		return nil, err
	}

	changes := make([]repository.Change, 0, len(order))
	for _, key := range order {
		intent := latest[key]
		versionID := versions[intent.TypeKey]
		row, exists := current[key]
		if !exists {
			changes = append(changes, repository.Change{
				Identity:        intent.Identity,
				Operation:       repository.OperationInsert,
				Fields:          intent.Fields,
				SchemaVersionID: versionID,
			})
			continue
		}
		if schema.DocumentsEqual(row.Fields, intent.Fields) {
			continue
		}
		changes = append(changes, repository.Change{
			Identity:        intent.Identity,
			Operation:       repository.OperationUpdateVersion,
			Fields:          intent.Fields,
			SchemaVersionID: versionID,
		})
	}

	if len(changes) > maxBatchSize {
		return nil, repository.NewErrorf(repository.KindBatchSizeExceeded,
			"delta of %d changes exceeds max batch size %d", len(changes), maxBatchSize).
			WithDetails(map[string]any{"changes": len(changes), "max_batch_size": maxBatchSize})
	}
	return changes, nil
}

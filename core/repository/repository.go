package repository

import (
	"context"
	"time"

	"github.com/lexiupon/ontologia/core/query"
)

// TemporalKind selects the temporal read semantics of a query.
type TemporalKind string

// Supported temporal modes.
const (
	TemporalLatest       TemporalKind = "latest"
	TemporalAsOf         TemporalKind = "as_of"
	TemporalWithHistory  TemporalKind = "with_history"
	TemporalHistorySince TemporalKind = "history_since"
)

// Temporal is a temporal mode with its boundary commit where applicable.
type Temporal struct {
	Kind     TemporalKind `json:"kind"`
	CommitID int64        `json:"commit_id,omitempty"`
}

// Latest reads current state with per-identity deduplication.
func Latest() Temporal { return Temporal{Kind: TemporalLatest} }

// AsOf reads state as of the given commit with per-identity deduplication.
func AsOf(commitID int64) Temporal { return Temporal{Kind: TemporalAsOf, CommitID: commitID} }

// WithHistory reads every history row in commit order.
func WithHistory() Temporal { return Temporal{Kind: TemporalWithHistory} }

// HistorySince reads history rows strictly after the given commit.
func HistorySince(commitID int64) Temporal {
	return Temporal{Kind: TemporalHistorySince, CommitID: commitID}
}

// Ordering names one sort key of a query.
type Ordering struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// AggregateOp enumerates scalar aggregate operations.
type AggregateOp string

// Supported aggregates. AvgLen averages list lengths, excluding null lists
// and counting empty lists as zero.
const (
	AggregateCount  AggregateOp = "count"
	AggregateSum    AggregateOp = "sum"
	AggregateAvg    AggregateOp = "avg"
	AggregateMin    AggregateOp = "min"
	AggregateMax    AggregateOp = "max"
	AggregateAvgLen AggregateOp = "avg_len"
)

// Aggregate names one aggregate output column.
type Aggregate struct {
	Op    AggregateOp `json:"op"`
	Field string      `json:"field,omitempty"`
	Alias string      `json:"alias"`
}

// Query is the backend-neutral scan request the compiler produces. Scoping
// to the current schema version is the backend's responsibility: typed reads
// only ever see rows written under the type's current version.
type Query struct {
	Kind     RecordKind `json:"kind"`
	TypeName string     `json:"type_name"`

	// LeftType and RightType name the endpoint entity types of a relation
	// query; endpoint predicates resolve against them under the outer
	// temporal mode.
	LeftType  string `json:"left_type,omitempty"`
	RightType string `json:"right_type,omitempty"`

	Temporal  Temporal         `json:"temporal"`
	Predicate query.Expression `json:"-"`

	// Identity filters, used by traversals and current-row resolution.
	Keys      []string `json:"keys,omitempty"`       // entity keys
	LeftKeys  []string `json:"left_keys,omitempty"`  // relation left endpoint keys
	RightKeys []string `json:"right_keys,omitempty"` // relation right endpoint keys

	OrderBy []Ordering `json:"order_by,omitempty"`
	Limit   int        `json:"limit,omitempty"` // 0 = unlimited
	Offset  int        `json:"offset,omitempty"`
}

// GroupedQuery is a grouped aggregation request.
type GroupedQuery struct {
	Query     Query            `json:"query"`
	GroupBy   []string         `json:"group_by"`
	Aggs      []Aggregate      `json:"aggs"`
	Having    query.Expression `json:"-"`
}

// WriteLease is the scoped exclusive ownership token required for commits.
// It must be released on all exit paths.
type WriteLease interface {
	// OwnerID identifies the lease holder.
	OwnerID() string
	// ExpiresAt returns the current expiry instant, accounting for renewals.
	ExpiresAt() time.Time
	// Guard returns a LeaseExpired error when now is inside the safety
	// margin (a third of the TTL) before expiry, or the lease was lost.
	Guard() error
	// Release relinquishes the lease. Safe to call more than once.
	Release(ctx context.Context) error
}

// Repository is the contract shared by the transactional and object-store
// backends: open, read head, append commits under lock plus CAS, and query
// current or historical state.
type Repository interface {
	// Head returns the latest committed state pointer; commit id 0 means
	// the store is empty.
	Head(ctx context.Context) (Head, error)

	// BeginWrite acquires the mutually exclusive write lease, retrying with
	// jittered backoff until the configured lock timeout.
	BeginWrite(ctx context.Context, ownerID string) (WriteLease, error)

	// AppendCommit atomically persists one commit under the lease, checking
	// schema drift for every touched type. Returns the new commit id.
	AppendCommit(ctx context.Context, lease WriteLease, req AppendRequest) (int64, error)

	// CurrentRows resolves the current row for each identity, or omits
	// identities with no current row. Used by delta reconciliation under
	// the lease snapshot.
	CurrentRows(ctx context.Context, identities []Identity) (map[string]Row, error)

	// QueryRows executes a scan with the query's temporal semantics.
	QueryRows(ctx context.Context, q Query) ([]Row, error)

	// QueryGrouped executes a grouped aggregation over the dedup view.
	QueryGrouped(ctx context.Context, q GroupedQuery) ([]map[string]any, error)

	// CurrentSchemaVersion returns the current stored version for a type,
	// or ok=false when the type has never been registered.
	CurrentSchemaVersion(ctx context.Context, key TypeKey) (SchemaVersion, bool, error)

	// SchemaVersions lists every stored version of a type, ascending.
	SchemaVersions(ctx context.Context, key TypeKey) ([]SchemaVersion, error)

	// ListCommits returns up to limit commits with id greater than sinceID,
	// ascending.
	ListCommits(ctx context.Context, limit int, sinceID int64) ([]Commit, error)

	// GetCommit returns one commit by id.
	GetCommit(ctx context.Context, id int64) (Commit, error)

	// ListCommitChanges returns the change records of one commit.
	ListCommitChanges(ctx context.Context, id int64) ([]Change, error)

	// Close releases backend resources.
	Close() error
}

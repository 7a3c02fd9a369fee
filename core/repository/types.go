package repository

import (
	"fmt"
	"time"

	"github.com/lexiupon/ontologia/core/schema"
)

// RecordKind distinguishes entity records from relation records.
type RecordKind string

// Supported record kinds.
const (
	RecordKindEntity   RecordKind = "entity"
	RecordKindRelation RecordKind = "relation"
)

// Operation is the change operation recorded in a commit.
type Operation string

// Supported change operations. Logical updates append a new row; nothing is
// mutated in place.
const (
	OperationInsert        Operation = "insert"
	OperationUpdateVersion Operation = "update_version"
)

// Identity uniquely names a record for upsert and versioning purposes.
// Entities use (TypeName, Key); relations use (TypeName, LeftKey, RightKey,
// InstanceKey) with InstanceKey = "" as the unkeyed sentinel.
type Identity struct {
	Kind        RecordKind `json:"kind"`
	TypeName    string     `json:"type_name"`
	Key         string     `json:"key,omitempty"`
	LeftKey     string     `json:"left_key,omitempty"`
	RightKey    string     `json:"right_key,omitempty"`
	InstanceKey string     `json:"instance_key,omitempty"`
}

// EntityIdentity returns the identity of an entity record.
func EntityIdentity(typeName, key string) Identity {
	return Identity{Kind: RecordKindEntity, TypeName: typeName, Key: key}
}

// RelationIdentity returns the identity of a relation record.
func RelationIdentity(typeName, leftKey, rightKey, instanceKey string) Identity {
	return Identity{
		Kind:        RecordKindRelation,
		TypeName:    typeName,
		LeftKey:     leftKey,
		RightKey:    rightKey,
		InstanceKey: instanceKey,
	}
}

// String renders a stable map key for the identity.
func (i Identity) String() string {
	if i.Kind == RecordKindEntity {
		return fmt.Sprintf("entity/%s/%s", i.TypeName, i.Key)
	}
	return fmt.Sprintf("relation/%s/%s/%s/%s", i.TypeName, i.LeftKey, i.RightKey, i.InstanceKey)
}

// TypeKey names a type within a kind, the unit of schema versioning.
type TypeKey struct {
	Kind RecordKind `json:"kind"`
	Name string     `json:"name"`
}

// String renders a stable map key for the type.
func (k TypeKey) String() string { return string(k.Kind) + "/" + k.Name }

// Change is one change record inside a commit.
type Change struct {
	Identity        Identity        `json:"identity"`
	Operation       Operation       `json:"operation"`
	Fields          schema.Document `json:"fields"`
	SchemaVersionID int64           `json:"schema_version_id"`
}

// Commit is the atomic, ordered unit of persistence. IDs are monotonic;
// the first commit is 1 and an empty store reads as head 0.
type Commit struct {
	ID        int64             `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	RuntimeID string            `json:"runtime_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Row is an immutable materialisation of an identity's state at a commit.
type Row struct {
	Identity        Identity        `json:"identity"`
	CommitID        int64           `json:"commit_id"`
	SchemaVersionID int64           `json:"schema_version_id"`
	Fields          schema.Document `json:"fields"`
}

// Head is the authoritative pointer to the latest committed state.
type Head struct {
	CommitID     int64  `json:"commit_id"`
	ManifestPath string `json:"manifest_path,omitempty"`
}

// SchemaVersion is one stored version of a type's spec.
type SchemaVersion struct {
	TypeKey            TypeKey      `json:"type_key"`
	VersionID          int64        `json:"version_id"`
	Spec               *schema.Spec `json:"spec"`
	Hash               string       `json:"hash"`
	CreatedAt          time.Time    `json:"created_at"`
	RuntimeID          string       `json:"runtime_id"`
	Reason             string       `json:"reason"`
	ActivationCommitID int64        `json:"activation_commit_id"`
}

// VersionRegistration describes a new schema version to persist atomically
// with a commit (migration apply, or initial registration).
type VersionRegistration struct {
	TypeKey TypeKey      `json:"type_key"`
	Version int64        `json:"version"`
	Spec    *schema.Spec `json:"spec"`
	Reason  string       `json:"reason"`
}

// AppendRequest is the payload of one atomic commit attempt.
type AppendRequest struct {
	Changes  []Change          `json:"changes"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// ExpectedVersions is the writer's cached version per touched type.
	// The backend re-reads the registry under the lease and aborts with
	// SchemaOutdated on mismatch.
	ExpectedVersions map[TypeKey]int64 `json:"expected_versions,omitempty"`

	// RegisterVersions carries schema versions to create in the same atomic
	// unit, used by migration apply and initial registration.
	RegisterVersions []VersionRegistration `json:"register_versions,omitempty"`
}

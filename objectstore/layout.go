package objectstore

import (
	"fmt"
	"time"

	"github.com/lexiupon/ontologia/core/repository"
)

// Object keys of the control plane. The head object is the sole source of
// truth; everything under meta/indices is advisory and repairable from the
// manifest chain.
const (
	headKey      = "meta/head.json"
	writeLockKey = "meta/locks/ontology_write.json"
	registryKey  = "meta/schema/registry.json"
	typesKey     = "meta/schema/types.json"
	droppedKey   = "meta/schema/dropped.json"
)

func versionsKey(key repository.TypeKey) string {
	return fmt.Sprintf("meta/schema/versions/%s/%s.json", key.Kind, key.Name)
}

func indexKey(key repository.TypeKey) string {
	return fmt.Sprintf("meta/indices/%s/%s.json", key.Kind, key.Name)
}

func commitPrefix(commitID int64, attempt string) string {
	return fmt.Sprintf("commits/%d-%s", commitID, attempt)
}

func manifestKey(commitID int64, attempt string) string {
	return commitPrefix(commitID, attempt) + "/manifest.json"
}

func dataFileKey(commitID int64, attempt string, kind repository.RecordKind, typeName string, version int64) string {
	plural := "entities"
	if kind == repository.RecordKindRelation {
		plural = "relations"
	}
	return fmt.Sprintf("%s/%s/%s/v%d.parquet", commitPrefix(commitID, attempt), plural, typeName, version)
}

func snapshotKey(kind repository.RecordKind, typeName string, minCommit, maxCommit int64) string {
	return fmt.Sprintf("snapshots/%ss/%s-%d-%d.parquet", kind, typeName, minCommit, maxCommit)
}

// headObject is the authoritative latest-state pointer.
type headObject struct {
	CommitID     int64  `json:"commit_id"`
	ManifestPath string `json:"manifest_path,omitempty"`
	UpdatedAt    string `json:"updated_at"`
	RuntimeID    string `json:"runtime_id"`
}

// lockObject is the write-lease record.
type lockObject struct {
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at"`
	ExpiresAt  string `json:"expires_at"`
	LeaseTTLMs int64  `json:"lease_ttl_ms"`
}

func (l lockObject) expired(now time.Time) bool {
	expiresAt, err := time.Parse(time.RFC3339Nano, l.ExpiresAt)
	if err != nil {
		return true
	}
	return !expiresAt.After(now)
}

// manifestFile is one data file referenced by a commit manifest.
type manifestFile struct {
	Kind            repository.RecordKind `json:"kind"`
	TypeName        string                `json:"type_name"`
	Path            string                `json:"path"`
	RowCount        int                   `json:"row_count"`
	SchemaVersionID int64                 `json:"schema_version_id"`
	ContentSHA256   string                `json:"content_sha256"`
}

// manifest is the audit record of one commit. Manifests form the
// authoritative chain through ParentManifestPath.
type manifest struct {
	CommitID           int64             `json:"commit_id"`
	ParentCommitID     int64             `json:"parent_commit_id"`
	ParentManifestPath string            `json:"parent_manifest_path,omitempty"`
	CreatedAt          string            `json:"created_at"`
	RuntimeID          string            `json:"runtime_id"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Files              []manifestFile    `json:"files"`

	// Changes preserves the change records for commit inspection; the
	// parquet files remain the data of record.
	Changes []repository.Change `json:"changes,omitempty"`
}

// indexEntry points at one data file covering a commit range for a type.
type indexEntry struct {
	MinCommitID     int64  `json:"min_commit_id"`
	MaxCommitID     int64  `json:"max_commit_id"`
	Path            string `json:"path"`
	SchemaVersionID int64  `json:"schema_version_id,omitempty"`
}

// typeIndex is the advisory per-type file index.
type typeIndex struct {
	MaxIndexedCommit int64        `json:"max_indexed_commit"`
	Entries          []indexEntry `json:"entries"`
}

// registryObject is the schema registry: the current version per type.
type registryObject struct {
	Types map[string]registryEntry `json:"types"`
}

type registryEntry struct {
	Kind             repository.RecordKind `json:"kind"`
	Name             string                `json:"name"`
	CurrentVersionID int64                 `json:"current_version_id"`
	SpecJSON         string                `json:"spec_json"`
}

// versionsObject lists every version of one type.
type versionsObject struct {
	Versions []versionRecord `json:"versions"`
}

type versionRecord struct {
	VersionID          int64  `json:"schema_version_id"`
	SpecJSON           string `json:"spec_json"`
	Hash               string `json:"schema_hash"`
	CreatedAt          string `json:"created_at"`
	RuntimeID          string `json:"runtime_id"`
	Reason             string `json:"reason"`
	ActivationCommitID int64  `json:"activation_commit_id"`
}

// typesObject enumerates every known type, the worklist of the best-effort
// index update after head CAS.
type typesObject struct {
	Types []repository.TypeKey `json:"types"`
}

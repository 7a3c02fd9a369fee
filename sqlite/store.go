// Package sqlite implements the repository protocol and the event-bus store
// on a SQLite database: append-only history tables, a lock row with lease
// takeover, schema registry and version partitions, and claim transactions
// under BEGIN IMMEDIATE.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"github.com/lexiupon/ontologia/core/bus"
	"github.com/lexiupon/ontologia/core/repository"
	"github.com/lexiupon/ontologia/core/schema"
)

// engineVersion is the storage engine generation written into new stores.
// Version 2 adds per-(type, schema version) partition tables with typed
// scalar columns; stores without engine metadata are treated as version 1.
const engineVersion = 2

// writeLockName is the single ontology-wide lock row.
const writeLockName = "ontology_write"

// writeLeaseTTL bounds how long a crashed writer blocks takeover.
const writeLeaseTTL = 30 * time.Second

// Repository is the transactional backend. One value implements both the
// repository protocol and the event-bus store; everything shares the same
// database handle and therefore the same transactional guarantees.
type Repository struct {
	db     *sql.DB
	cfg    repository.Config
	logger *zap.Logger
	policy bus.Policy
	engine int
}

var _ repository.Repository = (*Repository)(nil)
var _ bus.Store = (*Repository)(nil)

// Open opens or creates a SQLite-backed repository at the given path. A
// store that predates engine metadata is detected as engine version 1 and
// served without partition tables.
func Open(path string, cfg repository.Config, logger *zap.Logger) (*Repository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.Normalized()
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, repository.WrapError(repository.KindStorageIO, "failed to open database", err)
	}
	repo := &Repository{
		db:     db,
		cfg:    cfg,
		logger: logger,
		policy: bus.Policy{
			MaxAttempts: cfg.EventMaxAttempts,
			BackoffBase: cfg.EventBackoffBase,
			BackoffMax:  cfg.EventBackoffMax,
		},
	}
	if err := repo.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// Close releases the database handle.
func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) bootstrap() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS commits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TEXT NOT NULL,
			runtime_id TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS entity_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			entity_key TEXT NOT NULL,
			fields_json TEXT NOT NULL,
			operation TEXT NOT NULL,
			commit_id INTEGER NOT NULL REFERENCES commits(id),
			schema_version_id INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entity_history_identity
			ON entity_history(entity_type, entity_key, commit_id DESC)`,
		`CREATE TABLE IF NOT EXISTS relation_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			relation_type TEXT NOT NULL,
			left_key TEXT NOT NULL,
			right_key TEXT NOT NULL,
			instance_key TEXT NOT NULL DEFAULT '',
			fields_json TEXT NOT NULL,
			operation TEXT NOT NULL,
			commit_id INTEGER NOT NULL REFERENCES commits(id),
			schema_version_id INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relation_history_identity
			ON relation_history(relation_type, left_key, right_key, instance_key, commit_id DESC)`,
		`CREATE TABLE IF NOT EXISTS schema_registry (
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			schema_json TEXT NOT NULL,
			current_version_id INTEGER NOT NULL,
			PRIMARY KEY (kind, name)
		)`,
		`CREATE TABLE IF NOT EXISTS schema_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			schema_version_id INTEGER NOT NULL,
			schema_json TEXT NOT NULL,
			schema_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			runtime_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			activation_commit_id INTEGER NOT NULL,
			UNIQUE (kind, name, schema_version_id)
		)`,
		`CREATE TABLE IF NOT EXISTS locks (
			lock_name TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			acquired_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS storage_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS type_layout_catalog (
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			schema_version_id INTEGER NOT NULL,
			table_name TEXT NOT NULL,
			activation_commit_id INTEGER NOT NULL,
			PRIMARY KEY (kind, name)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			priority INTEGER NOT NULL DEFAULT 100,
			root_event_id TEXT NOT NULL,
			chain_depth INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_claim
			ON events(namespace, type, priority DESC, created_at ASC, id ASC)`,
		`CREATE TABLE IF NOT EXISTS event_claims (
			event_id TEXT NOT NULL,
			handler_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			claimed_at INTEGER NOT NULL,
			lease_until INTEGER NOT NULL,
			ack_at INTEGER,
			attempts INTEGER NOT NULL DEFAULT 0,
			available_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			dead_lettered_at INTEGER,
			PRIMARY KEY (event_id, handler_id)
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			event_id TEXT NOT NULL,
			handler_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			event_type TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			last_error TEXT NOT NULL,
			root_event_id TEXT NOT NULL,
			chain_depth INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			last_heartbeat INTEGER NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}'
		)`,
	}
	for _, statement := range statements {
		if _, err := r.db.Exec(statement); err != nil {
			return repository.WrapError(repository.KindStorageIO, "failed to create control-plane tables", err)
		}
	}

	var stored string
	err := r.db.QueryRow(`SELECT value FROM storage_meta WHERE key = 'engine_version'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		var commitCount int
		if err := r.db.QueryRow(`SELECT COUNT(*) FROM commits`).Scan(&commitCount); err != nil {
			return repository.WrapError(repository.KindStorageIO, "failed to inspect store", err)
		}
		if commitCount > 0 {
			// Pre-existing data without engine metadata: a legacy v1 store.
			r.engine = 1
			return nil
		}
		if _, err := r.db.Exec(`INSERT INTO storage_meta(key, value) VALUES ('engine_version', ?)`,
			fmt.Sprintf("%d", engineVersion)); err != nil {
			return repository.WrapError(repository.KindStorageIO, "failed to stamp engine version", err)
		}
		r.engine = engineVersion
	case err != nil:
		return repository.WrapError(repository.KindStorageIO, "failed to read engine version", err)
	default:
		fmt.Sscanf(stored, "%d", &r.engine)
		if r.engine == 0 {
			r.engine = 1
		}
	}
	return nil
}

// EngineVersion reports the storage engine generation of the opened store.
func (r *Repository) EngineVersion() int { return r.engine }

// Head returns the latest commit id; 0 for an empty store.
func (r *Repository) Head(ctx context.Context) (repository.Head, error) {
	var head int64
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM commits`).Scan(&head); err != nil {
		return repository.Head{}, repository.WrapError(repository.KindStorageIO, "failed to read head", err)
	}
	return repository.Head{CommitID: head}, nil
}

// writeLease is the lease over the locks row.
type writeLease struct {
	repo      *Repository
	ownerID   string
	expiresAt time.Time
	released  bool
}

func (l *writeLease) OwnerID() string      { return l.ownerID }
func (l *writeLease) ExpiresAt() time.Time { return l.expiresAt }

func (l *writeLease) Guard() error {
	margin := writeLeaseTTL / 3
	if l.released || !time.Now().Before(l.expiresAt.Add(-margin)) {
		return repository.NewError(repository.KindLeaseExpired, "write lease expired or inside safety margin")
	}
	return nil
}

func (l *writeLease) Release(ctx context.Context) error {
	if l.released {
		return nil
	}
	l.released = true
	_, err := l.repo.db.ExecContext(ctx,
		`DELETE FROM locks WHERE lock_name = ? AND owner_id = ?`, writeLockName, l.ownerID)
	if err != nil {
		return repository.WrapError(repository.KindStorageIO, "failed to release write lease", err)
	}
	return nil
}

// BeginWrite acquires the ontology-wide write lease with jittered backoff.
// An expired holder is taken over conditionally against the observed row.
func (r *Repository) BeginWrite(ctx context.Context, ownerID string) (repository.WriteLease, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = r.cfg.LockTimeout

	var lease *writeLease
	attempt := func() error {
		acquired, expiresAt, err := r.tryAcquireLock(ctx, ownerID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !acquired {
			return fmt.Errorf("lock held")
		}
		lease = &writeLease{repo: r, ownerID: ownerID, expiresAt: expiresAt}
		return nil
	}
	if err := backoff.Retry(attempt, backoff.WithContext(policy, ctx)); err != nil {
		var structured *repository.Error
		if errors.As(err, &structured) {
			return nil, structured
		}
		return nil, repository.NewErrorf(repository.KindLockContention,
			"could not acquire write lock within %s", r.cfg.LockTimeout)
	}
	return lease, nil
}

func (r *Repository) tryAcquireLock(ctx context.Context, ownerID string) (bool, time.Time, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, time.Time{}, repository.WrapError(repository.KindStorageIO, "failed to begin lock transaction", err)
	}
	defer tx.Rollback()

	now := time.Now()
	expiresAt := now.Add(writeLeaseTTL)

	var holder string
	var holderExpires int64
	err = tx.QueryRowContext(ctx,
		`SELECT owner_id, expires_at FROM locks WHERE lock_name = ?`, writeLockName).
		Scan(&holder, &holderExpires)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO locks(lock_name, owner_id, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
			writeLockName, ownerID, now.UnixMilli(), expiresAt.UnixMilli()); err != nil {
			return false, time.Time{}, repository.WrapError(repository.KindStorageIO, "failed to insert lock row", err)
		}
	case err != nil:
		return false, time.Time{}, repository.WrapError(repository.KindStorageIO, "failed to read lock row", err)
	case holder == ownerID || holderExpires <= now.UnixMilli():
		// Re-entry by owner, or takeover of an expired holder, conditional
		// on the observed row.
		result, err := tx.ExecContext(ctx,
			`UPDATE locks SET owner_id = ?, acquired_at = ?, expires_at = ?
			 WHERE lock_name = ? AND owner_id = ? AND expires_at = ?`,
			ownerID, now.UnixMilli(), expiresAt.UnixMilli(), writeLockName, holder, holderExpires)
		if err != nil {
			return false, time.Time{}, repository.WrapError(repository.KindStorageIO, "failed to take over lock", err)
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			return false, time.Time{}, nil
		}
	default:
		return false, time.Time{}, nil
	}

	if err := tx.Commit(); err != nil {
		return false, time.Time{}, repository.WrapError(repository.KindStorageIO, "failed to commit lock acquisition", err)
	}
	return true, expiresAt, nil
}

// AppendCommit atomically persists one commit: drift check under the lease,
// commit row, history rows, current-partition rows (engine v2), and any
// schema version registrations, all inside one immediate transaction.
func (r *Repository) AppendCommit(ctx context.Context, lease repository.WriteLease, req repository.AppendRequest) (int64, error) {
	wl, ok := lease.(*writeLease)
	if !ok || wl.repo != r {
		return 0, repository.NewError(repository.KindInvalidExecutionContext, "lease does not belong to this repository")
	}
	if err := wl.Guard(); err != nil {
		return 0, err
	}
	if len(req.Changes) == 0 && len(req.RegisterVersions) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, repository.WrapError(repository.KindStorageIO, "failed to begin commit transaction", err)
	}
	defer tx.Rollback()

	// Drift check: the registry's current version per touched type must
	// still match the writer's cache.
	for key, expected := range req.ExpectedVersions {
		var current int64
		err := tx.QueryRowContext(ctx,
			`SELECT current_version_id FROM schema_registry WHERE kind = ? AND name = ?`,
			string(key.Kind), key.Name).Scan(&current)
		if err == sql.ErrNoRows {
			current = 0
		} else if err != nil {
			return 0, repository.WrapError(repository.KindStorageIO, "failed to read schema registry", err)
		}
		if current != expected {
			return 0, repository.NewErrorf(repository.KindSchemaOutdated,
				"type %s moved from version %d to %d since validation", key.String(), expected, current).
				WithDetails(map[string]any{"type": key.String(), "expected": expected, "current": current})
		}
	}

	var head int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM commits`).Scan(&head); err != nil {
		return 0, repository.WrapError(repository.KindStorageIO, "failed to read head", err)
	}

	var commitID int64
	if len(req.Changes) > 0 {
		metadata, err := json.Marshal(req.Metadata)
		if err != nil {
			return 0, repository.WrapError(repository.KindValidation, "unencodable commit metadata", err)
		}
		result, err := tx.ExecContext(ctx,
			`INSERT INTO commits(created_at, runtime_id, metadata_json) VALUES (?, ?, ?)`,
			time.Now().UTC().Format(time.RFC3339Nano), wl.ownerID, string(metadata))
		if err != nil {
			return 0, repository.WrapError(repository.KindStorageIO, "failed to insert commit", err)
		}
		commitID, err = result.LastInsertId()
		if err != nil {
			return 0, repository.WrapError(repository.KindStorageIO, "failed to read commit id", err)
		}
	}

	activation := commitID
	if activation == 0 {
		activation = head + 1
	}

	for _, registration := range req.RegisterVersions {
		if err := r.registerVersion(ctx, tx, registration, wl.ownerID, activation); err != nil {
			return 0, err
		}
	}

	for _, change := range req.Changes {
		if err := r.insertChange(ctx, tx, commitID, change); err != nil {
			return 0, err
		}
	}

	if err := wl.Guard(); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, repository.WrapError(repository.KindStorageIO, "failed to commit transaction", err)
	}
	return commitID, nil
}

func (r *Repository) registerVersion(ctx context.Context, tx *sql.Tx, registration repository.VersionRegistration, runtimeID string, activation int64) error {
	specJSON := registration.Spec.Canonical()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_versions(kind, name, schema_version_id, schema_json, schema_hash, created_at, runtime_id, reason, activation_commit_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(registration.TypeKey.Kind), registration.TypeKey.Name, registration.Version,
		specJSON, registration.Spec.Fingerprint(),
		time.Now().UTC().Format(time.RFC3339Nano), runtimeID, registration.Reason, activation); err != nil {
		return repository.WrapError(repository.KindStorageIO, "failed to insert schema version", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_registry(kind, name, schema_json, current_version_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT(kind, name) DO UPDATE SET schema_json = excluded.schema_json, current_version_id = excluded.current_version_id`,
		string(registration.TypeKey.Kind), registration.TypeKey.Name, specJSON, registration.Version); err != nil {
		return repository.WrapError(repository.KindStorageIO, "failed to update schema registry", err)
	}
	if r.engine >= 2 {
		if err := r.createPartition(ctx, tx, registration, activation); err != nil {
			return err
		}
	}
	return nil
}

// createPartition creates the per-(type, version) data table with typed
// scalar columns and points the layout catalog at it.
func (r *Repository) createPartition(ctx context.Context, tx *sql.Tx, registration repository.VersionRegistration, activation int64) error {
	table := partitionTable(registration.TypeKey, registration.Version)
	columns := []string{
		"commit_id INTEGER NOT NULL",
		"schema_version_id INTEGER NOT NULL",
	}
	if registration.TypeKey.Kind == repository.RecordKindEntity {
		columns = append(columns, "entity_key TEXT NOT NULL")
	} else {
		columns = append(columns,
			"left_key TEXT NOT NULL", "right_key TEXT NOT NULL", "instance_key TEXT NOT NULL DEFAULT ''")
	}
	columns = append(columns, "fields_json TEXT NOT NULL")
	for _, column := range typedColumns(registration.Spec) {
		columns = append(columns, fmt.Sprintf("%s %s", quoteIdentifier(column.name), column.sqlType))
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (%s)`, quoteIdentifier(table), strings.Join(columns, ", "))); err != nil {
		return repository.WrapError(repository.KindStorageIO, "failed to create partition table", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO type_layout_catalog(kind, name, schema_version_id, table_name, activation_commit_id) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(kind, name) DO UPDATE SET schema_version_id = excluded.schema_version_id,
		 table_name = excluded.table_name, activation_commit_id = excluded.activation_commit_id`,
		string(registration.TypeKey.Kind), registration.TypeKey.Name, registration.Version, table, activation); err != nil {
		return repository.WrapError(repository.KindStorageIO, "failed to update layout catalog", err)
	}
	return nil
}

func (r *Repository) insertChange(ctx context.Context, tx *sql.Tx, commitID int64, change repository.Change) error {
	fieldsJSON, err := schema.CanonicalJSON(change.Fields)
	if err != nil {
		return repository.WrapError(repository.KindValidation, "unencodable change payload", err)
	}
	identity := change.Identity
	if identity.Kind == repository.RecordKindEntity {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entity_history(entity_type, entity_key, fields_json, operation, commit_id, schema_version_id)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			identity.TypeName, identity.Key, fieldsJSON, string(change.Operation), commitID, change.SchemaVersionID); err != nil {
			return repository.WrapError(repository.KindStorageIO, "failed to insert entity history row", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO relation_history(relation_type, left_key, right_key, instance_key, fields_json, operation, commit_id, schema_version_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			identity.TypeName, identity.LeftKey, identity.RightKey, identity.InstanceKey,
			fieldsJSON, string(change.Operation), commitID, change.SchemaVersionID); err != nil {
			return repository.WrapError(repository.KindStorageIO, "failed to insert relation history row", err)
		}
	}
	if r.engine >= 2 {
		return r.insertPartitionRow(ctx, tx, commitID, change, fieldsJSON)
	}
	return nil
}

func (r *Repository) insertPartitionRow(ctx context.Context, tx *sql.Tx, commitID int64, change repository.Change, fieldsJSON string) error {
	key := repository.TypeKey{Kind: change.Identity.Kind, Name: change.Identity.TypeName}
	layout, found, err := r.layoutFor(ctx, tx, key)
	if err != nil {
		return err
	}
	if !found || layout.versionID != change.SchemaVersionID {
		// Writes always target the current partition; a version mismatch
		// here would have been caught by the drift check.
		return repository.NewErrorf(repository.KindSchemaOutdated,
			"no current partition for %s at version %d", key.String(), change.SchemaVersionID)
	}

	columns := []string{"commit_id", "schema_version_id"}
	values := []any{commitID, change.SchemaVersionID}
	if change.Identity.Kind == repository.RecordKindEntity {
		columns = append(columns, "entity_key")
		values = append(values, change.Identity.Key)
	} else {
		columns = append(columns, "left_key", "right_key", "instance_key")
		values = append(values, change.Identity.LeftKey, change.Identity.RightKey, change.Identity.InstanceKey)
	}
	columns = append(columns, "fields_json")
	values = append(values, fieldsJSON)
	for _, column := range layout.typed {
		columns = append(columns, column.name)
		values = append(values, scalarColumnValue(change.Fields[column.field]))
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	quoted := make([]string, len(columns))
	for i, column := range columns {
		quoted[i] = quoteIdentifier(column)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		quoteIdentifier(layout.table), strings.Join(quoted, ", "), placeholders), values...); err != nil {
		return repository.WrapError(repository.KindStorageIO, "failed to insert partition row", err)
	}
	return nil
}

// CurrentRows resolves the latest row per identity from the history tables.
func (r *Repository) CurrentRows(ctx context.Context, identities []repository.Identity) (map[string]repository.Row, error) {
	out := make(map[string]repository.Row, len(identities))
	for _, identity := range identities {
		var fieldsJSON string
		var commitID, versionID int64
		var err error
		if identity.Kind == repository.RecordKindEntity {
			err = r.db.QueryRowContext(ctx,
				`SELECT fields_json, commit_id, schema_version_id FROM entity_history
				 WHERE entity_type = ? AND entity_key = ? ORDER BY commit_id DESC, id DESC LIMIT 1`,
				identity.TypeName, identity.Key).Scan(&fieldsJSON, &commitID, &versionID)
		} else {
			err = r.db.QueryRowContext(ctx,
				`SELECT fields_json, commit_id, schema_version_id FROM relation_history
				 WHERE relation_type = ? AND left_key = ? AND right_key = ? AND instance_key = ?
				 ORDER BY commit_id DESC, id DESC LIMIT 1`,
				identity.TypeName, identity.LeftKey, identity.RightKey, identity.InstanceKey).
				Scan(&fieldsJSON, &commitID, &versionID)
		}
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, repository.WrapError(repository.KindStorageIO, "failed to resolve current row", err)
		}
		var fields schema.Document
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return nil, repository.WrapError(repository.KindStorageIO, "corrupt fields_json", err)
		}
		out[identity.String()] = repository.Row{
			Identity:        identity,
			CommitID:        commitID,
			SchemaVersionID: versionID,
			Fields:          fields,
		}
	}
	return out, nil
}

// CurrentSchemaVersion returns the registry's current version for a type.
func (r *Repository) CurrentSchemaVersion(ctx context.Context, key repository.TypeKey) (repository.SchemaVersion, bool, error) {
	var versionID int64
	err := r.db.QueryRowContext(ctx,
		`SELECT current_version_id FROM schema_registry WHERE kind = ? AND name = ?`,
		string(key.Kind), key.Name).Scan(&versionID)
	if err == sql.ErrNoRows {
		return repository.SchemaVersion{}, false, nil
	}
	if err != nil {
		return repository.SchemaVersion{}, false, repository.WrapError(repository.KindStorageIO, "failed to read schema registry", err)
	}
	version, err := r.schemaVersionRow(ctx, key, versionID)
	if err != nil {
		return repository.SchemaVersion{}, false, err
	}
	return version, true, nil
}

func (r *Repository) schemaVersionRow(ctx context.Context, key repository.TypeKey, versionID int64) (repository.SchemaVersion, error) {
	var specJSON, hash, createdAt, runtimeID, reason string
	var activation int64
	err := r.db.QueryRowContext(ctx,
		`SELECT schema_json, schema_hash, created_at, runtime_id, reason, activation_commit_id
		 FROM schema_versions WHERE kind = ? AND name = ? AND schema_version_id = ?`,
		string(key.Kind), key.Name, versionID).
		Scan(&specJSON, &hash, &createdAt, &runtimeID, &reason, &activation)
	if err != nil {
		return repository.SchemaVersion{}, repository.WrapError(repository.KindStorageIO, "failed to read schema version", err)
	}
	version := repository.SchemaVersion{
		TypeKey:            key,
		VersionID:          versionID,
		Hash:               hash,
		RuntimeID:          runtimeID,
		Reason:             reason,
		ActivationCommitID: activation,
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		version.CreatedAt = t
	}
	spec, err := parseStoredSpec(specJSON)
	if err != nil {
		r.logger.Warn("stored schema spec could not be decoded; treating type as drifted",
			zap.String("type", key.String()), zap.Error(err))
	} else {
		version.Spec = spec
	}
	return version, nil
}

// parseStoredSpec decodes a stored spec tree, falling back to the bounded
// legacy string grammar for pre-spec stores. A nil result means synthesis
// failed, which downstream treats as drift.
func parseStoredSpec(stored string) (*schema.Spec, error) {
	if strings.HasPrefix(strings.TrimSpace(stored), "{") {
		return schema.ParseSpec([]byte(stored))
	}
	return schema.SynthesizeLegacySpec(stored)
}

// SchemaVersions lists every stored version of a type, ascending.
func (r *Repository) SchemaVersions(ctx context.Context, key repository.TypeKey) ([]repository.SchemaVersion, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT schema_version_id FROM schema_versions WHERE kind = ? AND name = ? ORDER BY schema_version_id ASC`,
		string(key.Kind), key.Name)
	if err != nil {
		return nil, repository.WrapError(repository.KindStorageIO, "failed to list schema versions", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, repository.WrapError(repository.KindStorageIO, "failed to scan schema version", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, repository.WrapError(repository.KindStorageIO, "failed to list schema versions", err)
	}
	versions := make([]repository.SchemaVersion, 0, len(ids))
	for _, id := range ids {
		version, err := r.schemaVersionRow(ctx, key, id)
		if err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	return versions, nil
}

// ListCommits returns up to limit commits after sinceID, ascending.
func (r *Repository) ListCommits(ctx context.Context, limit int, sinceID int64) ([]repository.Commit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, created_at, runtime_id, metadata_json FROM commits WHERE id > ? ORDER BY id ASC LIMIT ?`,
		sinceID, limit)
	if err != nil {
		return nil, repository.WrapError(repository.KindStorageIO, "failed to list commits", err)
	}
	defer rows.Close()
	var commits []repository.Commit
	for rows.Next() {
		commit, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		commits = append(commits, commit)
	}
	if err := rows.Err(); err != nil {
		return nil, repository.WrapError(repository.KindStorageIO, "failed to list commits", err)
	}
	return commits, nil
}

// GetCommit returns one commit by id.
func (r *Repository) GetCommit(ctx context.Context, id int64) (repository.Commit, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, created_at, runtime_id, metadata_json FROM commits WHERE id = ?`, id)
	if err != nil {
		return repository.Commit{}, repository.WrapError(repository.KindStorageIO, "failed to read commit", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return repository.Commit{}, repository.NewErrorf(repository.KindStorageIO, "commit %d does not exist", id)
	}
	return scanCommit(rows)
}

func scanCommit(rows *sql.Rows) (repository.Commit, error) {
	var commit repository.Commit
	var createdAt, metadataJSON string
	if err := rows.Scan(&commit.ID, &createdAt, &commit.RuntimeID, &metadataJSON); err != nil {
		return repository.Commit{}, repository.WrapError(repository.KindStorageIO, "failed to scan commit", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		commit.CreatedAt = t
	}
	if err := json.Unmarshal([]byte(metadataJSON), &commit.Metadata); err != nil {
		commit.Metadata = nil
	}
	return commit, nil
}

// ListCommitChanges returns the change records of one commit.
func (r *Repository) ListCommitChanges(ctx context.Context, id int64) ([]repository.Change, error) {
	var changes []repository.Change
	entityRows, err := r.db.QueryContext(ctx,
		`SELECT entity_type, entity_key, fields_json, operation, schema_version_id
		 FROM entity_history WHERE commit_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, repository.WrapError(repository.KindStorageIO, "failed to list entity changes", err)
	}
	defer entityRows.Close()
	for entityRows.Next() {
		var typeName, key, fieldsJSON, operation string
		var versionID int64
		if err := entityRows.Scan(&typeName, &key, &fieldsJSON, &operation, &versionID); err != nil {
			return nil, repository.WrapError(repository.KindStorageIO, "failed to scan entity change", err)
		}
		var fields schema.Document
		json.Unmarshal([]byte(fieldsJSON), &fields)
		changes = append(changes, repository.Change{
			Identity:        repository.EntityIdentity(typeName, key),
			Operation:       repository.Operation(operation),
			Fields:          fields,
			SchemaVersionID: versionID,
		})
	}
	if err := entityRows.Err(); err != nil {
		return nil, repository.WrapError(repository.KindStorageIO, "failed to list entity changes", err)
	}

	relationRows, err := r.db.QueryContext(ctx,
		`SELECT relation_type, left_key, right_key, instance_key, fields_json, operation, schema_version_id
		 FROM relation_history WHERE commit_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, repository.WrapError(repository.KindStorageIO, "failed to list relation changes", err)
	}
	defer relationRows.Close()
	for relationRows.Next() {
		var typeName, leftKey, rightKey, instanceKey, fieldsJSON, operation string
		var versionID int64
		if err := relationRows.Scan(&typeName, &leftKey, &rightKey, &instanceKey, &fieldsJSON, &operation, &versionID); err != nil {
			return nil, repository.WrapError(repository.KindStorageIO, "failed to scan relation change", err)
		}
		var fields schema.Document
		json.Unmarshal([]byte(fieldsJSON), &fields)
		changes = append(changes, repository.Change{
			Identity:        repository.RelationIdentity(typeName, leftKey, rightKey, instanceKey),
			Operation:       repository.Operation(operation),
			Fields:          fields,
			SchemaVersionID: versionID,
		})
	}
	if err := relationRows.Err(); err != nil {
		return nil, repository.WrapError(repository.KindStorageIO, "failed to list relation changes", err)
	}
	return changes, nil
}

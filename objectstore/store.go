package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexiupon/ontologia/core/bus"
	"github.com/lexiupon/ontologia/core/query"
	"github.com/lexiupon/ontologia/core/repository"
	"github.com/lexiupon/ontologia/core/schema"
)

// headCASRetries bounds how often a writer re-reads head and retries the
// compare-and-swap before surfacing HeadMismatch.
const headCASRetries = 5

// Store is the object-store backend. One value implements both the
// repository protocol and the event-bus store. The head object is the sole
// linearisation token; indices are advisory and repaired from the manifest
// chain.
type Store struct {
	client ObjectClient
	cfg    repository.Config
	logger *zap.Logger
	policy bus.Policy
}

var _ repository.Repository = (*Store)(nil)
var _ bus.Store = (*Store)(nil)

// Open opens or initialises a repository over an object client. First use
// creates the head object at commit 0.
func Open(ctx context.Context, client ObjectClient, cfg repository.Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.Normalized()
	store := &Store{
		client: client,
		cfg:    cfg,
		logger: logger,
		policy: bus.Policy{
			MaxAttempts: cfg.EventMaxAttempts,
			BackoffBase: cfg.EventBackoffBase,
			BackoffMax:  cfg.EventBackoffMax,
		},
	}
	_, _, found, err := client.Get(ctx, headKey)
	if err != nil {
		return nil, err
	}
	if !found {
		initial := headObject{CommitID: 0, UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano)}
		if err := store.putJSON(ctx, headKey, initial, PutCondition{IfNoneMatch: true}); err != nil && err != ErrPrecondition {
			return nil, err
		}
	}
	return store, nil
}

// Close releases nothing; the object client owns the connections.
func (s *Store) Close() error { return nil }

func (s *Store) putJSON(ctx context.Context, key string, value any, cond PutCondition) error {
	data, err := json.Marshal(value)
	if err != nil {
		return repository.WrapError(repository.KindValidation, "unencodable object", err)
	}
	if _, err := s.client.Put(ctx, key, data, cond); err != nil {
		return err
	}
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, out any) (etag string, found bool, err error) {
	data, etag, found, err := s.client.Get(ctx, key)
	if err != nil || !found {
		return "", found, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return "", false, repository.WrapError(repository.KindStorageIO,
			fmt.Sprintf("corrupt control object %s", key), err)
	}
	return etag, true, nil
}

// Head reads the authoritative latest-state pointer.
func (s *Store) Head(ctx context.Context) (repository.Head, error) {
	head, _, err := s.readHead(ctx)
	if err != nil {
		return repository.Head{}, err
	}
	return repository.Head{CommitID: head.CommitID, ManifestPath: head.ManifestPath}, nil
}

func (s *Store) readHead(ctx context.Context) (headObject, string, error) {
	var head headObject
	etag, found, err := s.getJSON(ctx, headKey, &head)
	if err != nil {
		return headObject{}, "", err
	}
	if !found {
		return headObject{}, "", repository.NewError(repository.KindStorageIO, "head object is missing")
	}
	return head, etag, nil
}

// objectLease is the lock-object lease with background keep-alive at a
// third of the TTL. Renewal failure marks the lease unsafe; every
// subsequent Guard fails with LeaseExpired.
type objectLease struct {
	store   *Store
	ownerID string
	ttl     time.Duration

	mu        sync.Mutex
	expiresAt time.Time
	etag      string
	unsafe    bool
	released  bool

	cancel context.CancelFunc
	done   chan struct{}
}

func (l *objectLease) OwnerID() string { return l.ownerID }

func (l *objectLease) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

func (l *objectLease) Guard() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	margin := l.ttl / 3
	if l.released || l.unsafe || !leaseClock().Before(l.expiresAt.Add(-margin)) {
		return repository.NewError(repository.KindLeaseExpired, "write lease expired or inside safety margin")
	}
	return nil
}

func (l *objectLease) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	etag := l.etag
	l.mu.Unlock()

	l.cancel()
	<-l.done
	if err := l.store.client.Delete(ctx, writeLockKey, etag); err != nil && err != ErrPrecondition && err != ErrNotFound {
		return err
	}
	return nil
}

// keepAlive renews the lock object at a third of the TTL with a
// conditional overwrite verifying ownership.
func (l *objectLease) keepAlive(ctx context.Context) {
	defer close(l.done)
	interval := l.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := leaseClock()
			renewed := lockObject{
				OwnerID:    l.ownerID,
				AcquiredAt: now.UTC().Format(time.RFC3339Nano),
				ExpiresAt:  now.Add(l.ttl).UTC().Format(time.RFC3339Nano),
				LeaseTTLMs: l.ttl.Milliseconds(),
			}
			data, _ := json.Marshal(renewed)
			l.mu.Lock()
			etag := l.etag
			l.mu.Unlock()
			newEtag, err := l.store.client.Put(ctx, writeLockKey, data, PutCondition{IfMatch: etag})
			l.mu.Lock()
			if err != nil {
				l.unsafe = true
				l.mu.Unlock()
				l.store.logger.Warn("lease renewal failed; marking lease unsafe", zap.Error(err))
				return
			}
			l.etag = newEtag
			l.expiresAt = now.Add(l.ttl)
			l.mu.Unlock()
		}
	}
}

// BeginWrite acquires the lock object: conditional create when absent,
// conditional replace when the holder's lease expired, jittered backoff
// otherwise, bounded by the lock timeout.
func (s *Store) BeginWrite(ctx context.Context, ownerID string) (repository.WriteLease, error) {
	ttl := s.cfg.S3LeaseTTL
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = s.cfg.S3LockTimeout

	var etag string
	attempt := func() error {
		now := leaseClock()
		lock := lockObject{
			OwnerID:    ownerID,
			AcquiredAt: now.UTC().Format(time.RFC3339Nano),
			ExpiresAt:  now.Add(ttl).UTC().Format(time.RFC3339Nano),
			LeaseTTLMs: ttl.Milliseconds(),
		}
		data, _ := json.Marshal(lock)

		newEtag, err := s.client.Put(ctx, writeLockKey, data, PutCondition{IfNoneMatch: true})
		if err == nil {
			etag = newEtag
			return nil
		}
		if err != ErrPrecondition {
			return backoff.Permanent(err)
		}

		var holder lockObject
		holderEtag, found, err := s.getJSON(ctx, writeLockKey, &holder)
		if err != nil {
			return backoff.Permanent(err)
		}
		if found && holder.expired(now) {
			newEtag, err := s.client.Put(ctx, writeLockKey, data, PutCondition{IfMatch: holderEtag})
			if err == nil {
				etag = newEtag
				return nil
			}
			if err != ErrPrecondition {
				return backoff.Permanent(err)
			}
		}
		return fmt.Errorf("lock held by %s", holder.OwnerID)
	}
	if err := backoff.Retry(attempt, backoff.WithContext(policy, ctx)); err != nil {
		if structured, ok := err.(*repository.Error); ok {
			return nil, structured
		}
		return nil, repository.NewErrorf(repository.KindLockContention,
			"could not acquire write lock within %s", s.cfg.S3LockTimeout)
	}

	keepAliveCtx, cancel := context.WithCancel(context.Background())
	lease := &objectLease{
		store:     s,
		ownerID:   ownerID,
		ttl:       ttl,
		expiresAt: leaseClock().Add(ttl),
		etag:      etag,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go lease.keepAlive(keepAliveCtx)
	return lease, nil
}

// AppendCommit runs the object-store write protocol: parquet files and the
// manifest are written under a fresh attempt prefix, the lease-expiry guard
// runs, and the head CAS is the linearisation point. Once the CAS succeeds
// the commit is successful regardless of the best-effort index update.
func (s *Store) AppendCommit(ctx context.Context, lease repository.WriteLease, req repository.AppendRequest) (int64, error) {
	ol, ok := lease.(*objectLease)
	if !ok || ol.store != s {
		return 0, repository.NewError(repository.KindInvalidExecutionContext, "lease does not belong to this repository")
	}
	if err := ol.Guard(); err != nil {
		return 0, err
	}
	if len(req.Changes) == 0 && len(req.RegisterVersions) == 0 {
		return 0, nil
	}

	// Drift check under the lease.
	registry, _, err := s.readRegistry(ctx)
	if err != nil {
		return 0, err
	}
	for key, expected := range req.ExpectedVersions {
		current := int64(0)
		if entry, ok := registry.Types[key.String()]; ok {
			current = entry.CurrentVersionID
		}
		if current != expected {
			return 0, repository.NewErrorf(repository.KindSchemaOutdated,
				"type %s moved from version %d to %d since validation", key.String(), expected, current).
				WithDetails(map[string]any{"type": key.String(), "expected": expected, "current": current})
		}
	}

	if len(req.Changes) == 0 {
		// Registration-only: no commit, registry metadata only. Activation
		// is the next commit id.
		head, _, err := s.readHead(ctx)
		if err != nil {
			return 0, err
		}
		if err := s.applyRegistrations(ctx, req.RegisterVersions, ol.ownerID, head.CommitID+1); err != nil {
			return 0, err
		}
		return 0, nil
	}

	var committed int64
	var committedManifestPath string
	casAttempt := 0
	for {
		casAttempt++
		head, headEtag, err := s.readHead(ctx)
		if err != nil {
			return 0, err
		}
		nextCommitID := head.CommitID + 1
		attemptID := uuid.NewString()[:8]

		rows := make([]repository.Row, 0, len(req.Changes))
		for _, change := range req.Changes {
			rows = append(rows, repository.Row{
				Identity:        change.Identity,
				CommitID:        nextCommitID,
				SchemaVersionID: change.SchemaVersionID,
				Fields:          change.Fields,
			})
		}

		files, err := s.writeDataFiles(ctx, nextCommitID, attemptID, rows)
		if err != nil {
			return 0, err
		}

		manifestPath := manifestKey(nextCommitID, attemptID)
		commitManifest := manifest{
			CommitID:           nextCommitID,
			ParentCommitID:     head.CommitID,
			ParentManifestPath: head.ManifestPath,
			CreatedAt:          time.Now().UTC().Format(time.RFC3339Nano),
			RuntimeID:          ol.ownerID,
			Metadata:           req.Metadata,
			Files:              files,
			Changes:            req.Changes,
		}
		if err := s.putJSON(ctx, manifestPath, commitManifest, PutCondition{}); err != nil {
			return 0, err
		}

		if err := ol.Guard(); err != nil {
			// Orphan attempt files are ignored by all readers.
			return 0, err
		}

		newHead := headObject{
			CommitID:     nextCommitID,
			ManifestPath: manifestPath,
			UpdatedAt:    time.Now().UTC().Format(time.RFC3339Nano),
			RuntimeID:    ol.ownerID,
		}
		err = s.putJSON(ctx, headKey, newHead, PutCondition{IfMatch: headEtag})
		if err == ErrPrecondition {
			if casAttempt >= headCASRetries {
				return 0, repository.NewError(repository.KindHeadMismatch,
					"head moved concurrently and the retry budget is exhausted")
			}
			s.logger.Debug("head CAS lost; retrying from a fresh head",
				zap.Int64("attempted_commit", nextCommitID), zap.Int("attempt", casAttempt))
			sleep := time.Duration(casAttempt) * 50 * time.Millisecond
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(sleep):
			}
			continue
		}
		if err != nil {
			return 0, err
		}
		committed = nextCommitID
		committedManifestPath = manifestPath
		break
	}

	// Post-CAS success rule: everything below is best-effort.
	if len(req.RegisterVersions) > 0 {
		if err := s.applyRegistrations(ctx, req.RegisterVersions, ol.ownerID, committed); err != nil {
			s.logger.Warn("best-effort registry update failed after committed head CAS", zap.Error(err))
		}
	}
	s.updateIndices(ctx, committed, committedManifestPath, req.Changes)
	return committed, nil
}

// writeDataFiles groups rows by (kind, type, version) and writes one
// parquet file each under the attempt prefix.
func (s *Store) writeDataFiles(ctx context.Context, commitID int64, attemptID string, rows []repository.Row) ([]manifestFile, error) {
	type fileGroup struct {
		kind     repository.RecordKind
		typeName string
		version  int64
		rows     []repository.Row
	}
	groups := make(map[string]*fileGroup)
	var order []string
	for _, row := range rows {
		groupKey := fmt.Sprintf("%s/%s/%d", row.Identity.Kind, row.Identity.TypeName, row.SchemaVersionID)
		group, ok := groups[groupKey]
		if !ok {
			group = &fileGroup{kind: row.Identity.Kind, typeName: row.Identity.TypeName, version: row.SchemaVersionID}
			groups[groupKey] = group
			order = append(order, groupKey)
		}
		group.rows = append(group.rows, row)
	}
	sort.Strings(order)

	files := make([]manifestFile, 0, len(order))
	for _, groupKey := range order {
		group := groups[groupKey]
		data, contentHash, err := encodeRows(group.kind, group.rows)
		if err != nil {
			return nil, err
		}
		path := dataFileKey(commitID, attemptID, group.kind, group.typeName, group.version)
		if _, err := s.client.Put(ctx, path, data, PutCondition{}); err != nil {
			return nil, err
		}
		files = append(files, manifestFile{
			Kind:            group.kind,
			TypeName:        group.typeName,
			Path:            path,
			RowCount:        len(group.rows),
			SchemaVersionID: group.version,
			ContentSHA256:   contentHash,
		})
	}
	return files, nil
}

func (s *Store) readRegistry(ctx context.Context) (registryObject, string, error) {
	registry := registryObject{Types: map[string]registryEntry{}}
	etag, _, err := s.getJSON(ctx, registryKey, &registry)
	if err != nil {
		return registryObject{}, "", err
	}
	if registry.Types == nil {
		registry.Types = map[string]registryEntry{}
	}
	return registry, etag, nil
}

// applyRegistrations updates the registry, per-type version lists and the
// known-types object.
func (s *Store) applyRegistrations(ctx context.Context, registrations []repository.VersionRegistration, runtimeID string, activation int64) error {
	registry, _, err := s.readRegistry(ctx)
	if err != nil {
		return err
	}
	for _, registration := range registrations {
		specJSON := registration.Spec.Canonical()
		registry.Types[registration.TypeKey.String()] = registryEntry{
			Kind:             registration.TypeKey.Kind,
			Name:             registration.TypeKey.Name,
			CurrentVersionID: registration.Version,
			SpecJSON:         specJSON,
		}
		var versions versionsObject
		if _, _, err := s.getJSON(ctx, versionsKey(registration.TypeKey), &versions); err != nil {
			return err
		}
		versions.Versions = append(versions.Versions, versionRecord{
			VersionID:          registration.Version,
			SpecJSON:           specJSON,
			Hash:               registration.Spec.Fingerprint(),
			CreatedAt:          time.Now().UTC().Format(time.RFC3339Nano),
			RuntimeID:          runtimeID,
			Reason:             registration.Reason,
			ActivationCommitID: activation,
		})
		if err := s.putJSON(ctx, versionsKey(registration.TypeKey), versions, PutCondition{}); err != nil {
			return err
		}
	}
	if err := s.putJSON(ctx, registryKey, registry, PutCondition{}); err != nil {
		return err
	}

	var types typesObject
	if _, _, err := s.getJSON(ctx, typesKey, &types); err != nil {
		return err
	}
	known := make(map[string]bool, len(types.Types))
	for _, key := range types.Types {
		known[key.String()] = true
	}
	for _, registration := range registrations {
		if !known[registration.TypeKey.String()] {
			types.Types = append(types.Types, registration.TypeKey)
			known[registration.TypeKey.String()] = true
		}
	}
	sort.Slice(types.Types, func(i, j int) bool { return types.Types[i].String() < types.Types[j].String() })
	return s.putJSON(ctx, typesKey, types, PutCondition{})
}

// updateIndices is the best-effort step 8 of the write protocol: touched
// types append an entry for the new file paths, untouched types only bump
// their watermark. Gap repair runs opportunistically inside ensureIndex.
func (s *Store) updateIndices(ctx context.Context, committed int64, manifestPath string, changes []repository.Change) {
	var types typesObject
	if _, _, err := s.getJSON(ctx, typesKey, &types); err != nil {
		s.logger.Warn("best-effort index update skipped; cannot read types", zap.Error(err))
		return
	}
	touched := make(map[string]bool)
	for _, change := range changes {
		touched[repository.TypeKey{Kind: change.Identity.Kind, Name: change.Identity.TypeName}.String()] = true
	}
	for _, key := range types.Types {
		if _, err := s.ensureIndex(ctx, key, committed, manifestPath, true); err != nil {
			s.logger.Warn("best-effort index update failed; manifest chain remains authoritative",
				zap.String("type", key.String()), zap.Error(err))
		}
	}
}

// ensureIndex returns the type's index repaired up to head. Missing entries
// are synthesised by walking the manifest chain backwards from head until a
// commit the index already covers. When persist is set the repaired index
// is written back best-effort.
func (s *Store) ensureIndex(ctx context.Context, key repository.TypeKey, headCommitID int64, headManifestPath string, persist bool) (typeIndex, error) {
	var index typeIndex
	if _, _, err := s.getJSON(ctx, indexKey(key), &index); err != nil {
		return typeIndex{}, err
	}
	if index.MaxIndexedCommit >= headCommitID {
		return index, nil
	}

	// Walk the authoritative chain for the uncovered range.
	var repaired []indexEntry
	manifestPath := headManifestPath
	for manifestPath != "" {
		var m manifest
		_, found, err := s.getJSON(ctx, manifestPath, &m)
		if err != nil {
			return typeIndex{}, err
		}
		if !found {
			return typeIndex{}, repository.NewErrorf(repository.KindStorageIO,
				"manifest chain broken at %s", manifestPath)
		}
		if m.CommitID <= index.MaxIndexedCommit {
			break
		}
		for _, file := range m.Files {
			if file.Kind == key.Kind && file.TypeName == key.Name {
				repaired = append(repaired, indexEntry{
					MinCommitID:     m.CommitID,
					MaxCommitID:     m.CommitID,
					Path:            file.Path,
					SchemaVersionID: file.SchemaVersionID,
				})
			}
		}
		manifestPath = m.ParentManifestPath
	}
	// The walk collected newest-first; keep entries ascending.
	for i, j := 0, len(repaired)-1; i < j; i, j = i+1, j-1 {
		repaired[i], repaired[j] = repaired[j], repaired[i]
	}
	index.Entries = append(index.Entries, repaired...)
	index.MaxIndexedCommit = headCommitID

	if persist {
		if err := s.putJSON(ctx, indexKey(key), index, PutCondition{}); err != nil {
			s.logger.Warn("failed to persist repaired index", zap.String("type", key.String()), zap.Error(err))
		}
	}
	return index, nil
}

// CurrentSchemaVersion reads the registry's current version for a type.
func (s *Store) CurrentSchemaVersion(ctx context.Context, key repository.TypeKey) (repository.SchemaVersion, bool, error) {
	registry, _, err := s.readRegistry(ctx)
	if err != nil {
		return repository.SchemaVersion{}, false, err
	}
	entry, ok := registry.Types[key.String()]
	if !ok {
		return repository.SchemaVersion{}, false, nil
	}
	versions, err := s.SchemaVersions(ctx, key)
	if err != nil {
		return repository.SchemaVersion{}, false, err
	}
	for _, version := range versions {
		if version.VersionID == entry.CurrentVersionID {
			return version, true, nil
		}
	}
	return repository.SchemaVersion{}, false, repository.NewErrorf(repository.KindStorageIO,
		"registry points %s at version %d but the version record is missing", key.String(), entry.CurrentVersionID)
}

// SchemaVersions lists every stored version of a type, ascending.
func (s *Store) SchemaVersions(ctx context.Context, key repository.TypeKey) ([]repository.SchemaVersion, error) {
	var stored versionsObject
	if _, _, err := s.getJSON(ctx, versionsKey(key), &stored); err != nil {
		return nil, err
	}
	versions := make([]repository.SchemaVersion, 0, len(stored.Versions))
	for _, record := range stored.Versions {
		version := repository.SchemaVersion{
			TypeKey:            key,
			VersionID:          record.VersionID,
			Hash:               record.Hash,
			RuntimeID:          record.RuntimeID,
			Reason:             record.Reason,
			ActivationCommitID: record.ActivationCommitID,
		}
		if t, err := time.Parse(time.RFC3339Nano, record.CreatedAt); err == nil {
			version.CreatedAt = t
		}
		if spec, err := parseStoredSpec(record.SpecJSON); err == nil {
			version.Spec = spec
		} else {
			s.logger.Warn("stored schema spec could not be decoded; treating type as drifted",
				zap.String("type", key.String()), zap.Error(err))
		}
		versions = append(versions, version)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].VersionID < versions[j].VersionID })
	return versions, nil
}

// parseStoredSpec decodes a stored spec, falling back to the legacy string
// grammar; nil means synthesis failed and the type reads as drifted.
func parseStoredSpec(stored string) (*schema.Spec, error) {
	if strings.HasPrefix(strings.TrimSpace(stored), "{") {
		return schema.ParseSpec([]byte(stored))
	}
	return schema.SynthesizeLegacySpec(stored)
}

// loadTypeRows resolves the data files of a type overlapping the commit
// window and decodes their rows, filtered to the window.
func (s *Store) loadTypeRows(ctx context.Context, key repository.TypeKey, head repository.Head, lower, upper int64) ([]repository.Row, error) {
	index, err := s.ensureIndex(ctx, key, head.CommitID, head.ManifestPath, true)
	if err != nil {
		return nil, err
	}
	var rows []repository.Row
	for _, entry := range index.Entries {
		if entry.MaxCommitID <= lower || entry.MinCommitID > upper {
			continue
		}
		data, _, found, err := s.client.Get(ctx, entry.Path)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, repository.NewErrorf(repository.KindStorageIO,
				"indexed data file %s is missing", entry.Path)
		}
		decoded, err := decodeRows(key.Kind, data)
		if err != nil {
			return nil, err
		}
		for _, row := range decoded {
			if row.CommitID > lower && row.CommitID <= upper {
				rows = append(rows, row)
			}
		}
	}
	return rows, nil
}

// QueryRows executes a temporal scan: columnar load, then window, dedup,
// predicate, order and pagination through the shared in-process engine.
func (s *Store) QueryRows(ctx context.Context, q repository.Query) ([]repository.Row, error) {
	head, err := s.Head(ctx)
	if err != nil {
		return nil, err
	}
	if head.CommitID == 0 {
		return nil, nil
	}
	key := repository.TypeKey{Kind: q.Kind, Name: q.TypeName}
	version, found, err := s.CurrentSchemaVersion(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if q.Temporal.Kind == repository.TemporalAsOf && q.Temporal.CommitID < version.ActivationCommitID {
		s.logger.Debug("as-of commit precedes schema activation; returning empty result",
			zap.String("type", key.String()),
			zap.Int64("as_of", q.Temporal.CommitID),
			zap.Int64("activation", version.ActivationCommitID),
			zap.String("diagnostic", "commit_before_activation"))
		return nil, nil
	}

	lower := int64(0)
	upper := head.CommitID
	switch q.Temporal.Kind {
	case repository.TemporalAsOf:
		if q.Temporal.CommitID < upper {
			upper = q.Temporal.CommitID
		}
	case repository.TemporalHistorySince:
		lower = q.Temporal.CommitID
	}

	rows, err := s.loadTypeRows(ctx, key, head, lower, upper)
	if err != nil {
		return nil, err
	}

	dedup := q.Temporal.Kind == repository.TemporalLatest || q.Temporal.Kind == repository.TemporalAsOf
	if dedup {
		latest := make(map[string]repository.Row, len(rows))
		for _, row := range rows {
			identityKey := row.Identity.String()
			if current, ok := latest[identityKey]; !ok || row.CommitID > current.CommitID {
				latest[identityKey] = row
			}
		}
		rows = rows[:0]
		for _, row := range latest {
			// Typed reads expose only rows written under the current
			// schema version.
			if row.SchemaVersionID == version.VersionID {
				rows = append(rows, row)
			}
		}
	}

	rows = filterIdentity(rows, q)
	if q.Predicate != nil {
		filtered := rows[:0]
		for _, row := range rows {
			ok, err := s.evalPredicate(ctx, q, head, row)
			if err != nil {
				return nil, err
			}
			if ok {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}

	sortRows(rows, q, dedup)
	if q.Offset > 0 {
		if q.Offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[q.Offset:]
		}
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

// evalPredicate evaluates one row through the shared evaluator, resolving
// endpoint predicates against the endpoint entity's state under the outer
// temporal mode.
func (s *Store) evalPredicate(ctx context.Context, q repository.Query, head repository.Head, row repository.Row) (bool, error) {
	evaluator := &query.Evaluator{
		Endpoint: func(cmp *query.EndpointComparison, _ schema.Document) (bool, error) {
			endpointType := q.LeftType
			endpointKey := row.Identity.LeftKey
			if cmp.Side == query.SideRight {
				endpointType = q.RightType
				endpointKey = row.Identity.RightKey
			}
			if endpointType == "" {
				return false, repository.NewError(repository.KindValidation,
					"endpoint predicate on a non-relation query")
			}
			endpointRows, err := s.QueryRows(ctx, repository.Query{
				Kind:     repository.RecordKindEntity,
				TypeName: endpointType,
				Temporal: q.Temporal,
				Keys:     []string{endpointKey},
			})
			if err != nil || len(endpointRows) == 0 {
				return false, err
			}
			inner := &query.Evaluator{}
			return inner.Eval(&query.Comparison{Path: cmp.Path, Op: cmp.Op, Value: cmp.Value}, endpointRows[0].Fields)
		},
	}
	return evaluator.Eval(q.Predicate, row.Fields)
}

func filterIdentity(rows []repository.Row, q repository.Query) []repository.Row {
	match := func(values []string, value string) bool {
		if len(values) == 0 {
			return true
		}
		for _, candidate := range values {
			if candidate == value {
				return true
			}
		}
		return false
	}
	if len(q.Keys) == 0 && len(q.LeftKeys) == 0 && len(q.RightKeys) == 0 {
		return rows
	}
	filtered := rows[:0]
	for _, row := range rows {
		if q.Kind == repository.RecordKindEntity {
			if match(q.Keys, row.Identity.Key) {
				filtered = append(filtered, row)
			}
			continue
		}
		if match(q.LeftKeys, row.Identity.LeftKey) && match(q.RightKeys, row.Identity.RightKey) {
			filtered = append(filtered, row)
		}
	}
	return filtered
}

// sortRows orders results: requested keys first, then the deterministic
// tie-break (commit order for history modes, identity always).
func sortRows(rows []repository.Row, q repository.Query, dedup bool) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, ordering := range q.OrderBy {
			path, err := query.ParsePath(ordering.Field)
			if err != nil {
				continue
			}
			a := query.Lookup(rows[i].Fields, path)
			b := query.Lookup(rows[j].Fields, path)
			result := compareAny(a, b)
			if result == 0 {
				continue
			}
			if ordering.Desc {
				return result > 0
			}
			return result < 0
		}
		if !dedup && rows[i].CommitID != rows[j].CommitID {
			return rows[i].CommitID < rows[j].CommitID
		}
		return rows[i].Identity.String() < rows[j].Identity.String()
	})
}

func compareAny(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// QueryGrouped runs the scan and aggregates in-process with the shared
// grouping engine.
func (s *Store) QueryGrouped(ctx context.Context, q repository.GroupedQuery) ([]map[string]any, error) {
	scan := q.Query
	scan.Limit = 0
	scan.Offset = 0
	scan.OrderBy = nil
	rows, err := s.QueryRows(ctx, scan)
	if err != nil {
		return nil, err
	}
	docs := make([]schema.Document, len(rows))
	for i, row := range rows {
		docs[i] = row.Fields
	}
	groupBy := make([]query.Path, 0, len(q.GroupBy))
	for _, field := range q.GroupBy {
		path, err := query.ParsePath(field)
		if err != nil {
			return nil, repository.WrapError(repository.KindValidation, "invalid group key", err)
		}
		groupBy = append(groupBy, path)
	}
	aggs := make([]query.GroupAggregate, 0, len(q.Aggs))
	for _, agg := range q.Aggs {
		var path query.Path
		if agg.Field != "" {
			parsed, err := query.ParsePath(agg.Field)
			if err != nil {
				return nil, repository.WrapError(repository.KindValidation, "invalid aggregate field", err)
			}
			path = parsed
		}
		aggs = append(aggs, query.GroupAggregate{Op: string(agg.Op), Path: path, Alias: agg.Alias})
	}
	groups, err := query.GroupDocs(docs, groupBy, aggs, q.Having)
	if err != nil {
		return nil, err
	}
	// Scalar aggregates over an empty input still produce one row, matching
	// SQL aggregate semantics on the other backend.
	if len(groupBy) == 0 && len(groups) == 0 {
		row := make(map[string]any, len(aggs))
		for _, agg := range aggs {
			if agg.Op == "count" {
				row[agg.Alias] = int64(0)
			} else {
				row[agg.Alias] = nil
			}
		}
		groups = append(groups, row)
	}
	return groups, nil
}

// CurrentRows resolves the latest row per identity.
func (s *Store) CurrentRows(ctx context.Context, identities []repository.Identity) (map[string]repository.Row, error) {
	head, err := s.Head(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]repository.Row, len(identities))
	if head.CommitID == 0 {
		return out, nil
	}
	byType := make(map[repository.TypeKey][]repository.Identity)
	for _, identity := range identities {
		key := repository.TypeKey{Kind: identity.Kind, Name: identity.TypeName}
		byType[key] = append(byType[key], identity)
	}
	for key, members := range byType {
		rows, err := s.loadTypeRows(ctx, key, head, 0, head.CommitID)
		if err != nil {
			return nil, err
		}
		latest := make(map[string]repository.Row, len(rows))
		for _, row := range rows {
			identityKey := row.Identity.String()
			if current, ok := latest[identityKey]; !ok || row.CommitID > current.CommitID {
				latest[identityKey] = row
			}
		}
		for _, identity := range members {
			if row, ok := latest[identity.String()]; ok {
				out[identity.String()] = row
			}
		}
	}
	return out, nil
}

// ListCommits walks the manifest chain and returns commits after sinceID,
// ascending.
func (s *Store) ListCommits(ctx context.Context, limit int, sinceID int64) ([]repository.Commit, error) {
	if limit <= 0 {
		limit = 100
	}
	manifests, err := s.walkChain(ctx, sinceID)
	if err != nil {
		return nil, err
	}
	commits := make([]repository.Commit, 0, len(manifests))
	for _, m := range manifests {
		commits = append(commits, manifestCommit(m))
		if len(commits) == limit {
			break
		}
	}
	return commits, nil
}

// GetCommit returns one commit by id from the manifest chain.
func (s *Store) GetCommit(ctx context.Context, id int64) (repository.Commit, error) {
	m, err := s.findManifest(ctx, id)
	if err != nil {
		return repository.Commit{}, err
	}
	return manifestCommit(m), nil
}

// ListCommitChanges returns the change records of one commit.
func (s *Store) ListCommitChanges(ctx context.Context, id int64) ([]repository.Change, error) {
	m, err := s.findManifest(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Changes, nil
}

func manifestCommit(m manifest) repository.Commit {
	commit := repository.Commit{ID: m.CommitID, RuntimeID: m.RuntimeID, Metadata: m.Metadata}
	if t, err := time.Parse(time.RFC3339Nano, m.CreatedAt); err == nil {
		commit.CreatedAt = t
	}
	return commit
}

// walkChain returns manifests with commit id greater than sinceID in
// ascending order, walking backwards from head.
func (s *Store) walkChain(ctx context.Context, sinceID int64) ([]manifest, error) {
	head, _, err := s.readHead(ctx)
	if err != nil {
		return nil, err
	}
	var manifests []manifest
	manifestPath := head.ManifestPath
	for manifestPath != "" {
		var m manifest
		_, found, err := s.getJSON(ctx, manifestPath, &m)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, repository.NewErrorf(repository.KindStorageIO, "manifest chain broken at %s", manifestPath)
		}
		if m.CommitID <= sinceID {
			break
		}
		manifests = append(manifests, m)
		manifestPath = m.ParentManifestPath
	}
	for i, j := 0, len(manifests)-1; i < j; i, j = i+1, j-1 {
		manifests[i], manifests[j] = manifests[j], manifests[i]
	}
	return manifests, nil
}

func (s *Store) findManifest(ctx context.Context, id int64) (manifest, error) {
	manifests, err := s.walkChain(ctx, id-1)
	if err != nil {
		return manifest{}, err
	}
	for _, m := range manifests {
		if m.CommitID == id {
			return m, nil
		}
	}
	return manifest{}, repository.NewErrorf(repository.KindStorageIO, "commit %d does not exist", id)
}

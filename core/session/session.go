// Package session provides the programmatic façade of the engine: a FIFO
// intent queue, schema validation with version caching, delta commits, the
// typed query builder, migration entry points, and the reactive event loop.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/asaidimu/go-events"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexiupon/ontologia/core/bus"
	"github.com/lexiupon/ontologia/core/migrate"
	"github.com/lexiupon/ontologia/core/reconcile"
	"github.com/lexiupon/ontologia/core/repository"
	"github.com/lexiupon/ontologia/core/schema"
)

// NotificationType names an in-process lifecycle notification.
type NotificationType string

// Lifecycle notifications published on the session's observability bus.
// These are in-process observer hooks, unrelated to the durable event bus.
const (
	NotificationCommitApplied   NotificationType = "commit.applied"
	NotificationSchemaMigrated  NotificationType = "schema.migrated"
	NotificationEventEnqueued   NotificationType = "event.enqueued"
	NotificationSessionStarted  NotificationType = "session.started"
	NotificationSessionStopped  NotificationType = "session.stopped"
)

// Notification is one lifecycle observation.
type Notification struct {
	Type    NotificationType `json:"type"`
	At      time.Time        `json:"at"`
	Details map[string]any   `json:"details,omitempty"`
}

// Options parameterises a session.
type Options struct {
	Namespace        string
	EntityTypes      []*schema.EntityType
	RelationTypes    []*schema.RelationType
	InstanceMetadata map[string]string
	Config           repository.Config
	Logger           *zap.Logger
}

// Session owns an intent queue and a cached current-version map, and is the
// single entry point for ensure/commit/validate/query/migrate/run.
type Session struct {
	repo   repository.Repository
	store  bus.Store
	cfg    repository.Config
	logger *zap.Logger

	namespace string
	runtimeID string
	metadata  map[string]string
	types     migrate.TypeSet

	mu        sync.Mutex
	queue     []reconcile.Intent
	versions  map[repository.TypeKey]int64
	validated bool
	loop      *bus.Loop

	notifications *events.TypedEventBus[Notification]
}

// New constructs a session over an opened repository and its event store.
func New(repo repository.Repository, store bus.Store, opts Options) (*Session, error) {
	if repo == nil {
		return nil, fmt.Errorf("session requires a repository")
	}
	cfg := opts.Config.Normalized()
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = cfg.DefaultNamespace
	}
	notifications, err := events.NewTypedEventBus[Notification](events.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("could not initialize notification bus: %w", err)
	}
	return &Session{
		repo:          repo,
		store:         store,
		cfg:           cfg,
		logger:        logger,
		namespace:     namespace,
		runtimeID:     uuid.NewString(),
		metadata:      opts.InstanceMetadata,
		types:         migrate.TypeSet{Entities: opts.EntityTypes, Relations: opts.RelationTypes},
		versions:      make(map[repository.TypeKey]int64),
		notifications: notifications,
	}, nil
}

// RuntimeID identifies this session instance.
func (s *Session) RuntimeID() string { return s.runtimeID }

// Namespace returns the event-bus namespace this session operates in.
func (s *Session) Namespace() string { return s.namespace }

// Notifications exposes the in-process observability bus.
func (s *Session) Notifications() *events.TypedEventBus[Notification] { return s.notifications }

func (s *Session) notify(notificationType NotificationType, details map[string]any) {
	s.notifications.Emit(string(notificationType), Notification{
		Type:    notificationType,
		At:      time.Now().UTC(),
		Details: details,
	})
}

// Ensure validates items and appends them to the intent queue. Items may be
// entity or relation instances, pointers to them, or slices of either;
// strings and byte slices are rejected. An empty call is a no-op.
func (s *Session) Ensure(items ...any) error {
	intents, err := s.toIntents(items)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.queue = append(s.queue, intents...)
	s.mu.Unlock()
	return nil
}

// QueueLen reports the number of pending intents.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Discard drops every pending intent, the error-path counterpart of Close.
func (s *Session) Discard() {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
}

func (s *Session) toIntents(items []any) ([]reconcile.Intent, error) {
	intents := make([]reconcile.Intent, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case nil:
			return nil, repository.NewError(repository.KindValidation, "cannot ensure nil")
		case string, []byte:
			return nil, repository.NewError(repository.KindValidation,
				"strings and byte slices are not valid intents")
		case schema.EntityInstance:
			intent, err := s.entityIntent(v)
			if err != nil {
				return nil, err
			}
			intents = append(intents, intent)
		case *schema.EntityInstance:
			intent, err := s.entityIntent(*v)
			if err != nil {
				return nil, err
			}
			intents = append(intents, intent)
		case schema.RelationInstance:
			intent, err := s.relationIntent(v)
			if err != nil {
				return nil, err
			}
			intents = append(intents, intent)
		case *schema.RelationInstance:
			intent, err := s.relationIntent(*v)
			if err != nil {
				return nil, err
			}
			intents = append(intents, intent)
		case []schema.EntityInstance:
			for _, inst := range v {
				intent, err := s.entityIntent(inst)
				if err != nil {
					return nil, err
				}
				intents = append(intents, intent)
			}
		case []schema.RelationInstance:
			for _, inst := range v {
				intent, err := s.relationIntent(inst)
				if err != nil {
					return nil, err
				}
				intents = append(intents, intent)
			}
		case []schema.Instance:
			for _, inst := range v {
				nested, err := s.toIntents([]any{inst})
				if err != nil {
					return nil, err
				}
				intents = append(intents, nested...)
			}
		case []any:
			nested, err := s.toIntents(v)
			if err != nil {
				return nil, err
			}
			intents = append(intents, nested...)
		default:
			return nil, repository.NewErrorf(repository.KindValidation,
				"cannot ensure value of type %T", item)
		}
	}
	return intents, nil
}

func (s *Session) entityIntent(inst schema.EntityInstance) (reconcile.Intent, error) {
	if inst.Type == nil || inst.Key == "" {
		return reconcile.Intent{}, repository.NewError(repository.KindValidation,
			"entity intent requires a type and a non-empty key")
	}
	if !s.boundEntity(inst.Type.Name) {
		return reconcile.Intent{}, repository.NewErrorf(repository.KindValidation,
			"entity type %s is not bound to this session", inst.Type.Name)
	}
	fields, err := inst.Normalize()
	if err != nil {
		return reconcile.Intent{}, repository.WrapError(repository.KindValidation, "invalid entity intent", err)
	}
	return reconcile.Intent{
		Identity: repository.EntityIdentity(inst.Type.Name, inst.Key),
		TypeKey:  repository.TypeKey{Kind: repository.RecordKindEntity, Name: inst.Type.Name},
		Fields:   fields,
	}, nil
}

func (s *Session) relationIntent(inst schema.RelationInstance) (reconcile.Intent, error) {
	if inst.Type == nil {
		return reconcile.Intent{}, repository.NewError(repository.KindValidation,
			"relation intent requires a type")
	}
	if !s.boundRelation(inst.Type.Name) {
		return reconcile.Intent{}, repository.NewErrorf(repository.KindValidation,
			"relation type %s is not bound to this session", inst.Type.Name)
	}
	if inst.LeftKey == "" || inst.RightKey == "" {
		return reconcile.Intent{}, repository.NewError(repository.KindValidation,
			"relation intent requires non-empty endpoint keys")
	}
	if inst.Type.Keyed() && inst.InstanceKey == "" {
		return reconcile.Intent{}, repository.NewErrorf(repository.KindValidation,
			"relation type %s requires a non-empty instance key", inst.Type.Name)
	}
	if !inst.Type.Keyed() && inst.InstanceKey != "" {
		return reconcile.Intent{}, repository.NewErrorf(repository.KindValidation,
			"relation type %s does not declare an instance key", inst.Type.Name)
	}
	fields, err := inst.Normalize()
	if err != nil {
		return reconcile.Intent{}, repository.WrapError(repository.KindValidation, "invalid relation intent", err)
	}
	return reconcile.Intent{
		Identity: repository.RelationIdentity(inst.Type.Name, inst.LeftKey, inst.RightKey, inst.InstanceKey),
		TypeKey:  repository.TypeKey{Kind: repository.RecordKindRelation, Name: inst.Type.Name},
		Fields:   fields,
	}, nil
}

func (s *Session) boundEntity(name string) bool {
	for _, entity := range s.types.Entities {
		if entity.Name == name {
			return true
		}
	}
	return false
}

func (s *Session) boundRelation(name string) bool {
	for _, relation := range s.types.Relations {
		if relation.Name == name {
			return true
		}
	}
	return false
}

// Validate compares the session's code schema against the stored registry.
// Unregistered types get an initial version; drifted types abort with a
// SchemaOutdated error carrying the structured per-type diff. On success
// the current version per type is cached for commits.
func (s *Session) Validate(ctx context.Context) error {
	var drifted []schema.TypeDiff
	var registrations []repository.VersionRegistration
	versions := make(map[repository.TypeKey]int64)

	for _, key := range s.types.TypeKeys() {
		currentSpec, _ := s.types.SpecOf(key)
		stored, found, err := s.repo.CurrentSchemaVersion(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			registrations = append(registrations, repository.VersionRegistration{
				TypeKey: key,
				Version: 1,
				Spec:    currentSpec,
				Reason:  "initial registration",
			})
			versions[key] = 1
			continue
		}
		diff := schema.DiffSpecs(string(key.Kind), key.Name, stored.Spec, currentSpec)
		if !diff.Empty() {
			drifted = append(drifted, diff)
			continue
		}
		versions[key] = stored.VersionID
	}

	if len(drifted) > 0 {
		return repository.NewError(repository.KindSchemaOutdated,
			"stored schema differs from code schema; run a migration").
			WithDetails(map[string]any{"diffs": drifted})
	}

	if len(registrations) > 0 {
		lease, err := s.repo.BeginWrite(ctx, s.runtimeID)
		if err != nil {
			return err
		}
		_, err = s.repo.AppendCommit(ctx, lease, repository.AppendRequest{
			RegisterVersions: registrations,
		})
		releaseErr := lease.Release(ctx)
		if err != nil {
			return err
		}
		if releaseErr != nil {
			s.logger.Warn("failed to release registration lease", zap.Error(releaseErr))
		}
	}

	s.mu.Lock()
	s.versions = versions
	s.validated = true
	s.mu.Unlock()
	return nil
}

// Commit reconciles the queued intents into a delta and persists it
// atomically. An empty delta produces no commit and returns 0; if an event
// is supplied it is enqueued regardless, so event-only commits are possible.
// The intent queue is cleared on success and retained on failure.
func (s *Session) Commit(ctx context.Context, event *bus.Event) (int64, error) {
	if err := s.ensureValidated(ctx); err != nil {
		return 0, err
	}

	s.mu.Lock()
	intents := s.queue
	versions := s.versions
	s.mu.Unlock()

	if len(intents) == 0 {
		if event != nil {
			if err := s.enqueue(ctx, *event); err != nil {
				return 0, err
			}
		}
		return 0, nil
	}

	lease, err := s.repo.BeginWrite(ctx, s.runtimeID)
	if err != nil {
		return 0, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if releaseErr := lease.Release(releaseCtx); releaseErr != nil {
			s.logger.Warn("failed to release write lease", zap.Error(releaseErr))
		}
	}()

	changes, err := reconcile.Plan(ctx, s.repo, intents, versions, s.cfg.MaxBatchSize)
	if err != nil {
		return 0, err
	}
	if len(changes) == 0 {
		s.Discard()
		if event != nil {
			if err := s.enqueue(ctx, *event); err != nil {
				return 0, err
			}
		}
		return 0, nil
	}

	expected := make(map[repository.TypeKey]int64)
	for _, change := range changes {
		key := repository.TypeKey{Kind: change.Identity.Kind, Name: change.Identity.TypeName}
		expected[key] = versions[key]
	}

	commitID, err := s.repo.AppendCommit(ctx, lease, repository.AppendRequest{
		Changes:          changes,
		Metadata:         s.metadata,
		ExpectedVersions: expected,
	})
	if err != nil {
		return 0, err
	}
	s.Discard()
	if event != nil {
		if err := s.enqueue(ctx, *event); err != nil {
			return commitID, err
		}
	}
	s.notify(NotificationCommitApplied, map[string]any{
		"commit_id": commitID,
		"changes":   len(changes),
	})
	return commitID, nil
}

func (s *Session) ensureValidated(ctx context.Context) error {
	s.mu.Lock()
	validated := s.validated
	s.mu.Unlock()
	if validated {
		return nil
	}
	return s.Validate(ctx)
}

// NewEvent builds a root event in the session namespace.
func (s *Session) NewEvent(eventType string, payload map[string]any) bus.Event {
	return bus.NewRootEvent(s.namespace, eventType, payload)
}

func (s *Session) enqueue(ctx context.Context, event bus.Event) error {
	if s.store == nil {
		return repository.NewError(repository.KindInvalidExecutionContext,
			"this repository has no event store")
	}
	if event.Namespace == "" {
		event.Namespace = s.namespace
	}
	if err := s.store.Enqueue(ctx, event); err != nil {
		return err
	}
	s.notify(NotificationEventEnqueued, map[string]any{
		"event_id":   event.ID,
		"event_type": event.Type,
	})
	return nil
}

// Migrate previews or applies schema evolution. With DryRun it returns the
// preview and no commit; otherwise it applies the plan and returns the
// migration commit id (0 when there was nothing to do).
func (s *Session) Migrate(ctx context.Context, opts MigrateOptions) (*migrate.Preview, int64, error) {
	planner := migrate.NewPlanner(s.repo, s.types, s.logger)
	if opts.DryRun {
		preview, err := planner.Preview(ctx, opts.Upgraders)
		return preview, 0, err
	}
	commitID, err := planner.Apply(ctx, migrate.ApplyOptions{
		Token:     opts.Token,
		Upgraders: opts.Upgraders,
		Force:     opts.Force,
		Metadata:  opts.Metadata,
		OwnerID:   s.runtimeID,
	})
	if err != nil {
		return nil, 0, err
	}
	// Stored versions advanced; force re-validation before the next commit.
	s.mu.Lock()
	s.validated = false
	s.mu.Unlock()
	if commitID > 0 {
		s.notify(NotificationSchemaMigrated, map[string]any{"commit_id": commitID})
	}
	return nil, commitID, nil
}

// MigrateOptions parameterises Migrate.
type MigrateOptions struct {
	DryRun    bool
	Token     string
	Upgraders map[migrate.UpgraderKey]migrate.Upgrader
	Force     bool
	Metadata  map[string]string
}

// ListCommits returns up to limit commits after sinceID, ascending.
func (s *Session) ListCommits(ctx context.Context, limit int, sinceID int64) ([]repository.Commit, error) {
	return s.repo.ListCommits(ctx, limit, sinceID)
}

// GetCommit returns one commit by id.
func (s *Session) GetCommit(ctx context.Context, id int64) (repository.Commit, error) {
	return s.repo.GetCommit(ctx, id)
}

// ListCommitChanges returns the change records of one commit.
func (s *Session) ListCommitChanges(ctx context.Context, id int64) ([]repository.Change, error) {
	return s.repo.ListCommitChanges(ctx, id)
}

// PurgeEvents garbage-collects every event older than the configured
// retention, whatever the state of its claims, scoped to the session
// namespace.
func (s *Session) PurgeEvents(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, repository.NewError(repository.KindInvalidExecutionContext,
			"this repository has no event store")
	}
	cutoff := time.Now().UTC().Add(-s.cfg.EventRetention)
	return s.store.PurgeExpired(ctx, s.namespace, cutoff)
}

// Run enters the event loop with the given handlers and schedules.
// maxIterations 0 runs until Stop or context cancellation.
func (s *Session) Run(ctx context.Context, handlers []bus.Handler, schedules []*bus.Schedule, maxIterations int) error {
	if s.store == nil {
		return repository.NewError(repository.KindInvalidExecutionContext,
			"this repository has no event store")
	}
	if err := s.ensureValidated(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	if s.loop != nil {
		s.mu.Unlock()
		return repository.NewError(repository.KindInvalidExecutionContext,
			"session is already running")
	}
	loop := bus.NewLoop(s.store, s, s.namespace, s.runtimeID, s.cfg, s.logger)
	s.loop = loop
	s.mu.Unlock()

	s.notify(NotificationSessionStarted, map[string]any{"session_id": s.runtimeID})
	err := loop.Run(ctx, handlers, schedules, maxIterations)
	s.mu.Lock()
	s.loop = nil
	s.mu.Unlock()
	s.notify(NotificationSessionStopped, map[string]any{"session_id": s.runtimeID})
	return err
}

// Stop requests a graceful exit of a running loop.
func (s *Session) Stop() {
	s.mu.Lock()
	loop := s.loop
	s.mu.Unlock()
	if loop != nil {
		loop.Stop()
	}
}

// Close commits pending intents and releases nothing else; pair with
// Discard on error paths, mirroring context-manager semantics.
func (s *Session) Close(ctx context.Context) error {
	if s.QueueLen() == 0 {
		return nil
	}
	_, err := s.Commit(ctx, nil)
	return err
}

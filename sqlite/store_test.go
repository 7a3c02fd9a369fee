package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lexiupon/ontologia/core/bus"
	"github.com/lexiupon/ontologia/core/repository"
	"github.com/lexiupon/ontologia/core/schema"
	"github.com/lexiupon/ontologia/core/session"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "onto.db"), repository.Config{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func customerType(t *testing.T) *schema.EntityType {
	t.Helper()
	entity, err := schema.NewEntityType("Customer", []schema.Field{
		{Name: "id", Spec: schema.Primitive(schema.PrimitiveStr), PrimaryKey: true},
		{Name: "name", Spec: schema.Primitive(schema.PrimitiveStr)},
		{Name: "age", Spec: schema.Optional(schema.Primitive(schema.PrimitiveInt))},
		{Name: "tags", Spec: schema.Optional(schema.List(schema.Primitive(schema.PrimitiveStr)))},
	})
	require.NoError(t, err)
	return entity
}

func personCompanyEmployment(t *testing.T) (*schema.EntityType, *schema.EntityType, *schema.RelationType, *schema.RelationType) {
	t.Helper()
	person, err := schema.NewEntityType("Person", []schema.Field{
		{Name: "id", Spec: schema.Primitive(schema.PrimitiveStr), PrimaryKey: true},
		{Name: "name", Spec: schema.Optional(schema.Primitive(schema.PrimitiveStr))},
	})
	require.NoError(t, err)
	company, err := schema.NewEntityType("Company", []schema.Field{
		{Name: "id", Spec: schema.Primitive(schema.PrimitiveStr), PrimaryKey: true},
		{Name: "name", Spec: schema.Optional(schema.Primitive(schema.PrimitiveStr))},
	})
	require.NoError(t, err)
	employment, err := schema.NewRelationType("Employment", person, company, []schema.Field{
		{Name: "stint_id", Spec: schema.Primitive(schema.PrimitiveStr), InstanceKey: true},
		{Name: "role", Spec: schema.Primitive(schema.PrimitiveStr)},
	})
	require.NoError(t, err)
	worksAt, err := schema.NewRelationType("WorksAt", person, company, []schema.Field{
		{Name: "role", Spec: schema.Primitive(schema.PrimitiveStr)},
	})
	require.NoError(t, err)
	return person, company, employment, worksAt
}

func newTestSession(t *testing.T, repo *Repository, opts session.Options) *session.Session {
	t.Helper()
	s, err := session.New(repo, repo, opts)
	require.NoError(t, err)
	return s
}

func mustEntity(t *testing.T, typ *schema.EntityType, key string, fields schema.Document) schema.EntityInstance {
	t.Helper()
	inst, err := schema.NewEntityInstance(typ, key, fields)
	require.NoError(t, err)
	return inst
}

func TestDeltaNoop(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	customer := customerType(t)
	s := newTestSession(t, repo, session.Options{EntityTypes: []*schema.EntityType{customer}})

	require.NoError(t, s.Ensure(mustEntity(t, customer, "c1", schema.Document{"name": "Alice"})))
	commitID, err := s.Commit(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), commitID)

	require.NoError(t, s.Ensure(mustEntity(t, customer, "c1", schema.Document{"name": "Alice"})))
	commitID, err = s.Commit(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), commitID, "unchanged payload reconciles to an empty delta")

	head, err := repo.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head.CommitID)
}

func TestEmptyEnsureIsNoop(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	customer := customerType(t)
	s := newTestSession(t, repo, session.Options{EntityTypes: []*schema.EntityType{customer}})

	require.NoError(t, s.Ensure())
	require.NoError(t, s.Ensure([]schema.EntityInstance{}))
	commitID, err := s.Commit(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), commitID)

	assert.Error(t, s.Ensure("a string"))
	assert.Error(t, s.Ensure([]byte("bytes")))
}

func TestKeyedRelationMultiplicity(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	person, company, employment, worksAt := personCompanyEmployment(t)
	s := newTestSession(t, repo, session.Options{
		EntityTypes:   []*schema.EntityType{person, company},
		RelationTypes: []*schema.RelationType{employment, worksAt},
	})

	a, err := schema.NewRelationInstance(employment, "p1", "c1", "a", schema.Document{"role": "Eng"})
	require.NoError(t, err)
	b, err := schema.NewRelationInstance(employment, "p1", "c1", "b", schema.Document{"role": "Mgr"})
	require.NoError(t, err)
	require.NoError(t, s.Ensure(a, b))
	commitID, err := s.Commit(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), commitID)

	count, err := s.Relations(employment).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// The unkeyed schema collapses the same pair to one identity.
	u1, err := schema.NewRelationInstance(worksAt, "p1", "c1", "", schema.Document{"role": "Eng"})
	require.NoError(t, err)
	u2, err := schema.NewRelationInstance(worksAt, "p1", "c1", "", schema.Document{"role": "Mgr"})
	require.NoError(t, err)
	require.NoError(t, s.Ensure(u1, u2))
	_, err = s.Commit(ctx, nil)
	require.NoError(t, err)

	count, err = s.Relations(worksAt).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestEventOnlyCommit(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	customer := customerType(t)
	s := newTestSession(t, repo, session.Options{EntityTypes: []*schema.EntityType{customer}})

	event := s.NewEvent("report.requested", map[string]any{"scope": "all"})
	commitID, err := s.Commit(ctx, &event)
	require.NoError(t, err)
	assert.Equal(t, int64(0), commitID)

	head, err := repo.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), head.CommitID, "event-only commit produces no commit row")

	stored, found, err := repo.GetEvent(ctx, s.Namespace(), event.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "report.requested", stored.Type)
	assert.Equal(t, event.ID, stored.RootEventID)
	assert.Equal(t, 0, stored.ChainDepth)
}

func TestSchemaDriftDetection(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	customer := customerType(t)
	s := newTestSession(t, repo, session.Options{EntityTypes: []*schema.EntityType{customer}})
	require.NoError(t, s.Validate(ctx))

	changed, err := schema.NewEntityType("Customer", []schema.Field{
		{Name: "id", Spec: schema.Primitive(schema.PrimitiveStr), PrimaryKey: true},
		{Name: "name", Spec: schema.Primitive(schema.PrimitiveInt)},
	})
	require.NoError(t, err)
	drifted := newTestSession(t, repo, session.Options{EntityTypes: []*schema.EntityType{changed}})
	err = drifted.Validate(ctx)
	assert.True(t, repository.IsKind(err, repository.KindSchemaOutdated))
}

func TestLockContentionAndTakeover(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	lease, err := repo.BeginWrite(ctx, "writer-1")
	require.NoError(t, err)

	short := repo.cfg
	short.LockTimeout = 200 * time.Millisecond
	repo.cfg = short
	_, err = repo.BeginWrite(ctx, "writer-2")
	assert.True(t, repository.IsKind(err, repository.KindLockContention))

	require.NoError(t, lease.Release(ctx))
	lease2, err := repo.BeginWrite(ctx, "writer-2")
	require.NoError(t, err)
	require.NoError(t, lease2.Release(ctx))

	// An expired holder is taken over conditionally.
	_, err = repo.db.Exec(`INSERT INTO locks(lock_name, owner_id, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
		writeLockName, "crashed", time.Now().Add(-time.Hour).UnixMilli(), time.Now().Add(-time.Minute).UnixMilli())
	require.NoError(t, err)
	lease3, err := repo.BeginWrite(ctx, "writer-3")
	require.NoError(t, err)
	require.NoError(t, lease3.Release(ctx))
}

func TestBatchSizeExceeded(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	customer := customerType(t)
	s := newTestSession(t, repo, session.Options{
		EntityTypes: []*schema.EntityType{customer},
		Config:      repository.Config{MaxBatchSize: 2},
	})

	require.NoError(t, s.Ensure(
		mustEntity(t, customer, "a", schema.Document{"name": "a"}),
		mustEntity(t, customer, "b", schema.Document{"name": "b"}),
		mustEntity(t, customer, "c", schema.Document{"name": "c"}),
	))
	_, err := s.Commit(ctx, nil)
	assert.True(t, repository.IsKind(err, repository.KindBatchSizeExceeded))

	head, err := repo.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), head.CommitID, "no commit is persisted past the batch cap")
}

func TestCommitInspection(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	customer := customerType(t)
	s := newTestSession(t, repo, session.Options{
		EntityTypes:      []*schema.EntityType{customer},
		InstanceMetadata: map[string]string{"source": "test"},
	})

	require.NoError(t, s.Ensure(mustEntity(t, customer, "c1", schema.Document{"name": "Alice"})))
	_, err := s.Commit(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.Ensure(mustEntity(t, customer, "c1", schema.Document{"name": "Alicia"})))
	_, err = s.Commit(ctx, nil)
	require.NoError(t, err)

	commits, err := s.ListCommits(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, int64(1), commits[0].ID)
	assert.Equal(t, "test", commits[0].Metadata["source"])

	commit, err := s.GetCommit(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), commit.ID)

	changes, err := s.ListCommitChanges(ctx, 2)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, repository.OperationUpdateVersion, changes[0].Operation)
	assert.Equal(t, "c1", changes[0].Identity.Key)

	since, err := s.ListCommits(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, int64(2), since[0].ID)
}

func TestSessionCloseCommitsQueue(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	customer := customerType(t)
	s := newTestSession(t, repo, session.Options{EntityTypes: []*schema.EntityType{customer}})

	require.NoError(t, s.Ensure(mustEntity(t, customer, "c1", schema.Document{"name": "Alice"})))
	require.NoError(t, s.Close(ctx))
	head, err := repo.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head.CommitID)

	// Discard is the error-path counterpart.
	require.NoError(t, s.Ensure(mustEntity(t, customer, "c2", schema.Document{"name": "Bob"})))
	s.Discard()
	require.NoError(t, s.Close(ctx))
	head, err = repo.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head.CommitID)
}

func TestBusClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	cfg := repository.Config{EventMaxAttempts: 2, EventBackoffBase: time.Millisecond, EventBackoffMax: 2 * time.Millisecond}.Normalized()
	repo.policy = bus.Policy{MaxAttempts: cfg.EventMaxAttempts, BackoffBase: cfg.EventBackoffBase, BackoffMax: cfg.EventBackoffMax}

	event := bus.NewRootEvent("ns", "order.placed", map[string]any{"order_id": "o1"})
	require.NoError(t, repo.Enqueue(ctx, event))
	require.NoError(t, repo.Enqueue(ctx, event), "duplicate ids are ignored")

	claimed, err := repo.Claim(ctx, bus.ClaimRequest{
		Namespace: "ns", HandlerID: "h1", SessionID: "s1",
		Types: []string{"order.placed"}, Limit: 10, Lease: time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, event.ID, claimed[0].Event.ID)

	// A second claim while leased finds nothing.
	again, err := repo.Claim(ctx, bus.ClaimRequest{
		Namespace: "ns", HandlerID: "h1", SessionID: "s2",
		Types: []string{"order.placed"}, Limit: 10, Lease: time.Minute,
	})
	require.NoError(t, err)
	assert.Empty(t, again)

	// Another handler claims independently.
	other, err := repo.Claim(ctx, bus.ClaimRequest{
		Namespace: "ns", HandlerID: "h2", SessionID: "s1",
		Types: []string{"order.placed"}, Limit: 10, Lease: time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, other, 1)
	require.NoError(t, repo.Ack(ctx, "ns", event.ID, "h2"))

	// First failure backs off; second exhausts the budget and dead-letters.
	outcome, err := repo.Release(ctx, "ns", event.ID, "h1", "boom")
	require.NoError(t, err)
	assert.False(t, outcome.DeadLettered)
	assert.Equal(t, 1, outcome.Attempts)

	time.Sleep(110 * time.Millisecond) // past backoff + jitter
	reclaimed, err := repo.Claim(ctx, bus.ClaimRequest{
		Namespace: "ns", HandlerID: "h1", SessionID: "s1",
		Types: []string{"order.placed"}, Limit: 10, Lease: time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	outcome, err = repo.Release(ctx, "ns", event.ID, "h1", "boom again")
	require.NoError(t, err)
	assert.True(t, outcome.DeadLettered)
	assert.Equal(t, 2, outcome.Attempts)

	letters, err := repo.ListDeadLetters(ctx, "ns", 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "h1", letters[0].HandlerID)
	assert.Equal(t, event.ID, letters[0].EventID)
	assert.Equal(t, event.RootEventID, letters[0].RootEventID)

	// The synthetic audit event carries the failed event's lineage.
	synthetic, err := repo.Claim(ctx, bus.ClaimRequest{
		Namespace: "ns", HandlerID: "h3", SessionID: "s1",
		Types: []string{bus.DeadLetterEventType}, Limit: 10, Lease: time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, synthetic, 1)
	assert.Equal(t, event.RootEventID, synthetic[0].Event.RootEventID)
	assert.Equal(t, event.ChainDepth+1, synthetic[0].Event.ChainDepth)
}

func TestReleaseSessionClaims(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	event := bus.NewRootEvent("ns", "tick", nil)
	require.NoError(t, repo.Enqueue(ctx, event))
	claimed, err := repo.Claim(ctx, bus.ClaimRequest{
		Namespace: "ns", HandlerID: "h1", SessionID: "dying",
		Types: []string{"tick"}, Limit: 1, Lease: time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, repo.ReleaseSessionClaims(ctx, "ns", "dying"))
	reclaimed, err := repo.Claim(ctx, bus.ClaimRequest{
		Namespace: "ns", HandlerID: "h1", SessionID: "next",
		Types: []string{"tick"}, Limit: 1, Lease: time.Minute,
	})
	require.NoError(t, err)
	assert.Len(t, reclaimed, 1, "released claims count no attempt and are immediately reclaimable")
	assert.Equal(t, 0, reclaimed[0].Claim.Attempts)
}

func TestPurgeExpiredEvents(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	old := bus.NewRootEvent("ns", "tick", nil)
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	fresh := bus.NewRootEvent("ns", "tick", nil)
	require.NoError(t, repo.Enqueue(ctx, old))
	require.NoError(t, repo.Enqueue(ctx, fresh))

	purged, err := repo.PurgeExpired(ctx, "ns", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, found, err := repo.GetEvent(ctx, "ns", fresh.ID)
	require.NoError(t, err)
	assert.True(t, found)
}

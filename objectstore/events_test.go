package objectstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lexiupon/ontologia/core/bus"
	"github.com/lexiupon/ontologia/core/repository"
)

func openEventStore(t *testing.T) *Store {
	t.Helper()
	client := NewMemoryClient()
	cfg := repository.Config{
		EventMaxAttempts: 2,
		EventBackoffBase: time.Millisecond,
		EventBackoffMax:  2 * time.Millisecond,
	}
	store, err := Open(context.Background(), client, cfg, zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestObjectClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openEventStore(t)

	event := bus.NewRootEvent("ns", "order.placed", map[string]any{"order_id": "o1"})
	require.NoError(t, store.Enqueue(ctx, event))
	require.NoError(t, store.Enqueue(ctx, event), "duplicate ids are ignored")

	claimed, err := store.Claim(ctx, bus.ClaimRequest{
		Namespace: "ns", HandlerID: "h1", SessionID: "s1",
		Types: []string{"order.placed"}, Limit: 10, Lease: time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// The claim is leased; a concurrent session cannot take it.
	again, err := store.Claim(ctx, bus.ClaimRequest{
		Namespace: "ns", HandlerID: "h1", SessionID: "s2",
		Types: []string{"order.placed"}, Limit: 10, Lease: time.Minute,
	})
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, store.Ack(ctx, "ns", event.ID, "h1"))
	after, err := store.Claim(ctx, bus.ClaimRequest{
		Namespace: "ns", HandlerID: "h1", SessionID: "s1",
		Types: []string{"order.placed"}, Limit: 10, Lease: time.Minute,
	})
	require.NoError(t, err)
	assert.Empty(t, after, "acked is terminal")
}

func TestObjectReleaseBackoffAndDeadLetter(t *testing.T) {
	ctx := context.Background()
	store := openEventStore(t)

	event := bus.NewRootEvent("ns", "poison", nil)
	require.NoError(t, store.Enqueue(ctx, event))

	claimed, err := store.Claim(ctx, bus.ClaimRequest{
		Namespace: "ns", HandlerID: "h1", SessionID: "s1",
		Types: []string{"poison"}, Limit: 1, Lease: time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	outcome, err := store.Release(ctx, "ns", event.ID, "h1", "boom")
	require.NoError(t, err)
	assert.False(t, outcome.DeadLettered)
	assert.Equal(t, 1, outcome.Attempts)

	time.Sleep(110 * time.Millisecond)
	reclaimed, err := store.Claim(ctx, bus.ClaimRequest{
		Namespace: "ns", HandlerID: "h1", SessionID: "s1",
		Types: []string{"poison"}, Limit: 1, Lease: time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 1, reclaimed[0].Claim.Attempts)

	outcome, err = store.Release(ctx, "ns", event.ID, "h1", "boom again")
	require.NoError(t, err)
	assert.True(t, outcome.DeadLettered)

	letters, err := store.ListDeadLetters(ctx, "ns", 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, event.RootEventID, letters[0].RootEventID)

	// The synthetic audit event preserves lineage.
	synthetic, err := store.Claim(ctx, bus.ClaimRequest{
		Namespace: "ns", HandlerID: "auditor", SessionID: "s1",
		Types: []string{bus.DeadLetterEventType}, Limit: 1, Lease: time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, synthetic, 1)
	assert.Equal(t, event.RootEventID, synthetic[0].Event.RootEventID)
	assert.Equal(t, event.ChainDepth+1, synthetic[0].Event.ChainDepth)
}

func TestObjectClaimOrdering(t *testing.T) {
	ctx := context.Background()
	store := openEventStore(t)

	low := bus.NewRootEvent("ns", "tick", nil)
	low.Priority = 10
	high := bus.NewRootEvent("ns", "tick", nil)
	high.Priority = 200
	require.NoError(t, store.Enqueue(ctx, low))
	require.NoError(t, store.Enqueue(ctx, high))

	claimed, err := store.Claim(ctx, bus.ClaimRequest{
		Namespace: "ns", HandlerID: "h1", SessionID: "s1",
		Types: []string{"tick"}, Limit: 1, Lease: time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, high.ID, claimed[0].Event.ID, "higher priority is consumed first")
}

func TestObjectSessionClaimRelease(t *testing.T) {
	ctx := context.Background()
	store := openEventStore(t)

	event := bus.NewRootEvent("ns", "tick", nil)
	require.NoError(t, store.Enqueue(ctx, event))
	claimed, err := store.Claim(ctx, bus.ClaimRequest{
		Namespace: "ns", HandlerID: "h1", SessionID: "dying",
		Types: []string{"tick"}, Limit: 1, Lease: time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, store.ReleaseSessionClaims(ctx, "ns", "dying"))
	reclaimed, err := store.Claim(ctx, bus.ClaimRequest{
		Namespace: "ns", HandlerID: "h1", SessionID: "next",
		Types: []string{"tick"}, Limit: 1, Lease: time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 0, reclaimed[0].Claim.Attempts, "no attempt is counted")
}

func TestObjectPurgeExpired(t *testing.T) {
	ctx := context.Background()
	store := openEventStore(t)

	old := bus.NewRootEvent("ns", "tick", nil)
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	fresh := bus.NewRootEvent("ns", "tick", nil)
	require.NoError(t, store.Enqueue(ctx, old))
	require.NoError(t, store.Enqueue(ctx, fresh))

	purged, err := store.PurgeExpired(ctx, "ns", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, found, err := store.GetEvent(ctx, "ns", fresh.ID)
	require.NoError(t, err)
	assert.True(t, found)
	_, found, err = store.GetEvent(ctx, "ns", old.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

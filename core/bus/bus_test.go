package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimStateDerivation(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	claimed := Claim{LeaseUntil: future}
	assert.Equal(t, StateClaimed, claimed.State(now))

	backoff := Claim{LeaseUntil: past, AvailableAt: future}
	assert.Equal(t, StateBackoff, backoff.State(now))

	reclaimable := Claim{LeaseUntil: past, AvailableAt: past}
	assert.Equal(t, StateReclaimable, reclaimable.State(now))

	acked := Claim{LeaseUntil: future, AckAt: &now}
	assert.Equal(t, StateAcked, acked.State(now))

	dead := Claim{LeaseUntil: future, AckAt: &now, DeadLetteredAt: &now}
	assert.Equal(t, StateDeadLettered, dead.State(now), "dead-letter wins over ack")
}

func TestPolicyBackoffBounds(t *testing.T) {
	policy := Policy{MaxAttempts: 5, BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}
	now := time.Now()

	// attempts is the post-increment count: the first failure backs off
	// min(base*2^1, max), the second min(base*2^2, max).
	first := policy.NextAvailableAt(now, 1).Sub(now)
	assert.GreaterOrEqual(t, first, 200*time.Millisecond)
	assert.Less(t, first, 200*time.Millisecond+jitterWindow)

	second := policy.NextAvailableAt(now, 2).Sub(now)
	assert.GreaterOrEqual(t, second, 400*time.Millisecond)
	assert.Less(t, second, 400*time.Millisecond+jitterWindow)

	capped := policy.NextAvailableAt(now, 50).Sub(now)
	assert.Less(t, capped, time.Second+jitterWindow)

	assert.False(t, policy.Exhausted(4))
	assert.True(t, policy.Exhausted(5))
}

func TestDeriveInheritsLineage(t *testing.T) {
	root := NewRootEvent("ns", "order.placed", map[string]any{"order_id": "o1"})
	assert.Equal(t, root.ID, root.RootEventID)
	assert.Equal(t, 0, root.ChainDepth)

	child, err := Derive(root, "payment.completed", map[string]any{"order_id": "o1"}, 10)
	require.NoError(t, err)
	assert.Equal(t, root.ID, child.RootEventID)
	assert.Equal(t, 1, child.ChainDepth)
	assert.NotEqual(t, root.ID, child.ID)

	grandchild, err := Derive(child, "order.fulfilled", nil, 10)
	require.NoError(t, err)
	assert.Equal(t, root.ID, grandchild.RootEventID)
	assert.Equal(t, 2, grandchild.ChainDepth)
}

func TestDeriveRejectsExcessiveChainDepth(t *testing.T) {
	root := NewRootEvent("ns", "a", nil)
	child, err := Derive(root, "b", nil, 1)
	require.NoError(t, err)
	_, err = Derive(child, "c", nil, 1)
	assert.Error(t, err)
}

func TestDeadLetterEventPreservesLineage(t *testing.T) {
	root := NewRootEvent("ns", "a", nil)
	child, err := Derive(root, "b", nil, 10)
	require.NoError(t, err)

	letter := DeadLetterEvent(child, "handler-1", 5, "boom")
	assert.Equal(t, DeadLetterEventType, letter.Type)
	assert.Equal(t, root.ID, letter.RootEventID)
	assert.Equal(t, child.ChainDepth+1, letter.ChainDepth)
	assert.Equal(t, child.ID, letter.Payload["event_id"])
	assert.Equal(t, 5, letter.Payload["attempts"])
}

func TestScheduleDeterministicEventIDs(t *testing.T) {
	schedule := &Schedule{Name: "nightly", Cron: "0 2 * * *", EventType: "report.generate"}
	require.NoError(t, schedule.Compile())

	tick := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	a := schedule.EventAt("ns", tick)
	b := schedule.EventAt("ns", tick)
	assert.Equal(t, a.ID, b.ID, "same tick must produce the same id across sessions")
	assert.Equal(t, a.ID, a.RootEventID)
	assert.Equal(t, 0, a.ChainDepth)

	next := schedule.EventAt("ns", schedule.Next(tick))
	assert.NotEqual(t, a.ID, next.ID)
}

func TestScheduleRejectsInvalidCron(t *testing.T) {
	schedule := &Schedule{Name: "bad", Cron: "not a cron", EventType: "x"}
	assert.Error(t, schedule.Compile())
}

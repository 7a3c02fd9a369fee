package sqlite

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiupon/ontologia/core/bus"
	"github.com/lexiupon/ontologia/core/repository"
	"github.com/lexiupon/ontologia/core/schema"
	"github.com/lexiupon/ontologia/core/session"
)

func loopConfig() repository.Config {
	return repository.Config{
		EventPollInterval:        5 * time.Millisecond,
		SessionHeartbeatInterval: 50 * time.Millisecond,
		MaxEventChainDepth:       10,
	}
}

// namespaceEvents reads the event table directly; tests live in the backend
// package precisely to observe storage state.
func namespaceEvents(t *testing.T, repo *Repository, namespace string) map[string]bus.Event {
	t.Helper()
	rows, err := repo.db.Query(
		`SELECT id, type, root_event_id, chain_depth FROM events WHERE namespace = ?`, namespace)
	require.NoError(t, err)
	defer rows.Close()
	out := map[string]bus.Event{}
	for rows.Next() {
		var event bus.Event
		require.NoError(t, rows.Scan(&event.ID, &event.Type, &event.RootEventID, &event.ChainDepth))
		out[event.Type] = event
	}
	require.NoError(t, rows.Err())
	return out
}

func TestEventChaining(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	customer := customerType(t)
	s := newTestSession(t, repo, session.Options{
		EntityTypes: []*schema.EntityType{customer},
		Config:      loopConfig(),
	})

	root := s.NewEvent("order.placed", map[string]any{"order_id": "o1"})
	_, err := s.Commit(ctx, &root)
	require.NoError(t, err)

	handlers := []bus.Handler{
		{
			ID: "payments", EventType: "order.placed", Priority: 10,
			Fn: func(ctx context.Context, hctx bus.HandlerContext) error {
				if err := hctx.Emit("payment.completed", map[string]any{"order_id": "o1"}); err != nil {
					return err
				}
				_, err := hctx.Commit(ctx)
				return err
			},
		},
		{
			ID: "fulfilment", EventType: "payment.completed", Priority: 5,
			Fn: func(ctx context.Context, hctx bus.HandlerContext) error {
				return hctx.Emit("order.fulfilled", map[string]any{"order_id": "o1"})
			},
		},
	}

	require.NoError(t, s.Run(ctx, handlers, nil, 5))

	events := namespaceEvents(t, repo, s.Namespace())
	placed, ok := events["order.placed"]
	require.True(t, ok)
	payment, ok := events["payment.completed"]
	require.True(t, ok)
	fulfilled, ok := events["order.fulfilled"]
	require.True(t, ok)

	assert.Equal(t, 0, placed.ChainDepth)
	assert.Equal(t, 1, payment.ChainDepth)
	assert.Equal(t, 2, fulfilled.ChainDepth)
	assert.Equal(t, placed.ID, payment.RootEventID)
	assert.Equal(t, placed.ID, fulfilled.RootEventID)
}

func TestEventChainDepthLimit(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	customer := customerType(t)
	cfg := loopConfig()
	cfg.MaxEventChainDepth = 1
	s := newTestSession(t, repo, session.Options{
		EntityTypes: []*schema.EntityType{customer},
		Config:      cfg,
	})

	root := s.NewEvent("order.placed", nil)
	_, err := s.Commit(ctx, &root)
	require.NoError(t, err)

	handlers := []bus.Handler{
		{
			ID: "payments", EventType: "order.placed",
			Fn: func(ctx context.Context, hctx bus.HandlerContext) error {
				return hctx.Emit("payment.completed", nil)
			},
		},
		{
			ID: "fulfilment", EventType: "payment.completed",
			Fn: func(ctx context.Context, hctx bus.HandlerContext) error {
				// Depth 2 exceeds the limit of 1; the emit must fail.
				err := hctx.Emit("order.fulfilled", nil)
				assert.True(t, repository.IsKind(err, repository.KindEventLoopLimit))
				return nil
			},
		},
	}

	require.NoError(t, s.Run(ctx, handlers, nil, 5))
	events := namespaceEvents(t, repo, s.Namespace())
	assert.Contains(t, events, "payment.completed")
	assert.NotContains(t, events, "order.fulfilled")
}

func TestHandlerEnsureCommitsState(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	customer := customerType(t)
	s := newTestSession(t, repo, session.Options{
		EntityTypes: []*schema.EntityType{customer},
		Config:      loopConfig(),
	})

	root := s.NewEvent("customer.signup", map[string]any{"id": "c9", "name": "Niner"})
	_, err := s.Commit(ctx, &root)
	require.NoError(t, err)

	handlers := []bus.Handler{{
		ID: "onboarding", EventType: "customer.signup",
		Fn: func(ctx context.Context, hctx bus.HandlerContext) error {
			event := hctx.Event()
			inst, err := schema.NewEntityInstance(customer, event.Payload["id"].(string), schema.Document{
				"name": event.Payload["name"],
			})
			if err != nil {
				return err
			}
			if err := hctx.Ensure(inst); err != nil {
				return err
			}
			commitID, err := hctx.Commit(ctx)
			if err != nil {
				return err
			}
			assert.Greater(t, commitID, int64(0))
			return nil
		},
	}}

	require.NoError(t, s.Run(ctx, handlers, nil, 3))

	rows, err := s.Entities(customer).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Niner", rows[0].Fields["name"])
}

func TestHandlerFailureDiscardsAndRetries(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	customer := customerType(t)
	cfg := loopConfig()
	cfg.EventMaxAttempts = 2
	cfg.EventBackoffBase = time.Millisecond
	cfg.EventBackoffMax = 2 * time.Millisecond
	s := newTestSession(t, repo, session.Options{
		EntityTypes: []*schema.EntityType{customer},
		Config:      cfg,
	})
	repo.policy = bus.Policy{MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond}

	root := s.NewEvent("poison", nil)
	_, err := s.Commit(ctx, &root)
	require.NoError(t, err)

	attempts := 0
	handlers := []bus.Handler{{
		ID: "boom", EventType: "poison",
		Fn: func(ctx context.Context, hctx bus.HandlerContext) error {
			attempts++
			if err := hctx.Emit("should.not.exist", nil); err != nil {
				return err
			}
			return assert.AnError
		},
	}}

	// Enough iterations for the attempt, the backoff window and the retry.
	require.NoError(t, s.Run(ctx, handlers, nil, 60))
	assert.Equal(t, 2, attempts)

	events := namespaceEvents(t, repo, s.Namespace())
	assert.NotContains(t, events, "should.not.exist", "buffered emits are discarded on failure")
	assert.Contains(t, events, bus.DeadLetterEventType)

	letters, err := repo.ListDeadLetters(ctx, s.Namespace(), 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, root.ID, letters[0].EventID)
}

func TestScheduleEmission(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a minute boundary")
	}
	ctx := context.Background()
	repo := openTestRepo(t)
	customer := customerType(t)
	s := newTestSession(t, repo, session.Options{
		EntityTypes: []*schema.EntityType{customer},
		Config:      loopConfig(),
	})

	var seen atomic.Int32
	handlers := []bus.Handler{{
		ID: "ticker", EventType: "minute.tick",
		Fn: func(ctx context.Context, hctx bus.HandlerContext) error {
			seen.Add(1)
			assert.Equal(t, 0, hctx.Event().ChainDepth)
			return nil
		},
	}}
	schedules := []*bus.Schedule{{
		Name: "every-minute", Cron: "* * * * *", EventType: "minute.tick",
	}}

	runCtx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(runCtx, handlers, schedules, 0)
	}()

	deadline := time.After(70 * time.Second)
	for seen.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("schedule did not fire within its window")
		case <-time.After(50 * time.Millisecond):
		}
	}
	s.Stop()
	<-done
	assert.GreaterOrEqual(t, seen.Load(), int32(1))
}

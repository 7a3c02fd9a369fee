package bus

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lexiupon/ontologia/core/repository"
)

// HandlerContext is the collaborator handed to each handler invocation. The
// session layer implements it: Ensure feeds the handler-local intent queue,
// Emit buffers derived events, and Commit performs a lease-aware commit that
// promotes buffered emits on success.
type HandlerContext interface {
	// Event returns the event being processed.
	Event() Event
	// LeaseUntil returns the claim lease expiry for this invocation.
	LeaseUntil() time.Time
	// Ensure declares intents, mirroring the session Ensure surface.
	Ensure(items ...any) error
	// Emit buffers a derived event; it is enqueued only when the handler
	// succeeds (or earlier, on an explicit Commit).
	Emit(eventType string, payload map[string]any) error
	// Commit reconciles and persists queued intents; a zero commit id means
	// the delta was empty. Inside the lease safety margin it fails with
	// LeaseExpired so another session's takeover cannot double-process.
	Commit(ctx context.Context) (int64, error)
}

// HandlerFunc is the body of a reactive handler.
type HandlerFunc func(ctx context.Context, hctx HandlerContext) error

// Handler subscribes a callable to one event type. Handlers are explicit
// registry values; ordering within an iteration is by priority descending,
// then handler id ascending.
type Handler struct {
	ID        string
	EventType string
	Priority  int
	Fn        HandlerFunc
}

// Dispatcher executes one handler invocation against one claimed event. The
// session layer implements it and owns intent/emit buffering; the loop owns
// claim bookkeeping (ack on nil, release on error).
type Dispatcher interface {
	Dispatch(ctx context.Context, handler Handler, claimed Claimed) error
}

// Loop is the cooperative single-threaded reactive engine of one session.
type Loop struct {
	store      Store
	dispatcher Dispatcher
	cfg        repository.Config
	logger     *zap.Logger

	namespace string
	sessionID string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewLoop constructs an event loop bound to a session.
func NewLoop(store Store, dispatcher Dispatcher, namespace, sessionID string, cfg repository.Config, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg.Normalized(),
		logger:     logger,
		namespace:  namespace,
		sessionID:  sessionID,
		stopCh:     make(chan struct{}),
	}
}

// Stop requests a graceful exit: the loop finishes the current handler,
// releases claims owned by the session, and returns.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Run registers the session and processes events until Stop, context
// cancellation, or maxIterations (0 = unbounded). Outstanding claims are
// released and the session record removed on every exit path.
func (l *Loop) Run(ctx context.Context, handlers []Handler, schedules []*Schedule, maxIterations int) error {
	now := time.Now().UTC()
	info := SessionInfo{
		SessionID:     l.sessionID,
		Namespace:     l.namespace,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	if err := l.store.RegisterSession(ctx, info); err != nil {
		return err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.store.ReleaseSessionClaims(cleanupCtx, l.namespace, l.sessionID); err != nil {
			l.logger.Warn("failed to release session claims on exit", zap.Error(err))
		}
		if err := l.store.RemoveSession(cleanupCtx, l.namespace, l.sessionID); err != nil {
			l.logger.Warn("failed to remove session on exit", zap.Error(err))
		}
	}()

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go l.heartbeat(heartbeatCtx)

	for _, schedule := range schedules {
		if err := schedule.Compile(); err != nil {
			return repository.WrapError(repository.KindValidation, "invalid schedule", err)
		}
	}

	ordered := make([]Handler, len(handlers))
	copy(ordered, handlers)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	lastTick := time.Now()
	for iteration := 0; maxIterations == 0 || iteration < maxIterations; iteration++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return nil
		default:
		}

		lastTick = l.fireSchedules(ctx, schedules, lastTick)
		l.runIteration(ctx, ordered)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return nil
		case <-time.After(l.cfg.EventPollInterval):
		}
	}
	return nil
}

// runIteration claims and dispatches one batch per handler, bounded by the
// per-handler claim limit and the aggregate per-iteration cap.
func (l *Loop) runIteration(ctx context.Context, handlers []Handler) {
	processed := 0
	for _, handler := range handlers {
		if processed >= l.cfg.MaxEventsPerIteration {
			return
		}
		limit := l.cfg.EventClaimLimit
		if remaining := l.cfg.MaxEventsPerIteration - processed; remaining < limit {
			limit = remaining
		}
		claimed, err := l.store.Claim(ctx, ClaimRequest{
			Namespace: l.namespace,
			HandlerID: handler.ID,
			SessionID: l.sessionID,
			Types:     []string{handler.EventType},
			Limit:     limit,
			Lease:     l.cfg.EventClaimLease,
		})
		if err != nil {
			l.logger.Warn("claim failed", zap.String("handler", handler.ID), zap.Error(err))
			continue
		}
		for _, item := range claimed {
			processed++
			if err := l.dispatcher.Dispatch(ctx, handler, item); err != nil {
				l.logger.Debug("handler failed, releasing claim",
					zap.String("handler", handler.ID),
					zap.String("event", item.Event.ID),
					zap.Error(err))
				outcome, releaseErr := l.store.Release(ctx, l.namespace, item.Event.ID, handler.ID, err.Error())
				if releaseErr != nil {
					l.logger.Warn("release failed", zap.String("event", item.Event.ID), zap.Error(releaseErr))
				} else if outcome.DeadLettered {
					l.logger.Warn("claim dead-lettered",
						zap.String("event", item.Event.ID),
						zap.String("handler", handler.ID),
						zap.Int("attempts", outcome.Attempts))
				}
				continue
			}
			if err := l.store.Ack(ctx, l.namespace, item.Event.ID, handler.ID); err != nil {
				l.logger.Warn("ack failed", zap.String("event", item.Event.ID), zap.Error(err))
			}
		}
	}
}

// fireSchedules enqueues one root event per schedule tick in (since, now].
// Event ids are deterministic per tick, so concurrent sessions enqueue at
// most one copy.
func (l *Loop) fireSchedules(ctx context.Context, schedules []*Schedule, since time.Time) time.Time {
	now := time.Now()
	for _, schedule := range schedules {
		for tick := schedule.Next(since); !tick.After(now); tick = schedule.Next(tick) {
			event := schedule.EventAt(l.namespace, tick)
			if err := l.store.Enqueue(ctx, event); err != nil {
				l.logger.Warn("schedule emission failed",
					zap.String("schedule", schedule.Name), zap.Error(err))
				break
			}
		}
	}
	return now
}

func (l *Loop) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SessionHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case at := <-ticker.C:
			if err := l.store.Heartbeat(ctx, l.namespace, l.sessionID, at.UTC()); err != nil {
				l.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

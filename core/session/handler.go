package session

import (
	"context"
	"time"

	"github.com/lexiupon/ontologia/core/bus"
	"github.com/lexiupon/ontologia/core/reconcile"
	"github.com/lexiupon/ontologia/core/repository"
)

// handlerContext implements bus.HandlerContext for one handler invocation.
// Intents accumulate in a handler-local queue and emitted events are
// buffered; both reach storage only through a successful Commit, or the
// buffered emits through handler success.
type handlerContext struct {
	session    *Session
	event      bus.Event
	leaseUntil time.Time

	queue []reconcile.Intent
	emits []bus.Event
}

// Event returns the event being processed.
func (h *handlerContext) Event() bus.Event { return h.event }

// LeaseUntil returns the claim lease expiry.
func (h *handlerContext) LeaseUntil() time.Time { return h.leaseUntil }

// Ensure validates intents into the handler-local queue.
func (h *handlerContext) Ensure(items ...any) error {
	intents, err := h.session.toIntents(items)
	if err != nil {
		return err
	}
	h.queue = append(h.queue, intents...)
	return nil
}

// Emit buffers a derived event, enforcing the chain-depth bound at emit
// time. The event is enqueued when the handler succeeds or on an explicit
// Commit, whichever comes first.
func (h *handlerContext) Emit(eventType string, payload map[string]any) error {
	derived, err := bus.Derive(h.event, eventType, payload, h.session.cfg.MaxEventChainDepth)
	if err != nil {
		return err
	}
	h.emits = append(h.emits, derived)
	return nil
}

// Commit performs a lease-aware commit of the handler-local queue. Inside
// the lease safety margin it fails with LeaseExpired instead of writing:
// the claim may already have been taken over by another session, and
// writing past the margin could double-apply the handler's effects.
// On success the buffered emits are promoted to the durable queue.
func (h *handlerContext) Commit(ctx context.Context) (int64, error) {
	margin := h.session.cfg.EventClaimLease / 3
	if !time.Now().Before(h.leaseUntil.Add(-margin)) {
		return 0, repository.NewError(repository.KindLeaseExpired,
			"claim lease is inside its safety margin; handler will be retried").
			WithDetails(map[string]any{
				"event_id":    h.event.ID,
				"lease_until": h.leaseUntil,
			})
	}

	s := h.session
	if err := s.ensureValidated(ctx); err != nil {
		return 0, err
	}

	var commitID int64
	if len(h.queue) > 0 {
		lease, err := s.repo.BeginWrite(ctx, s.runtimeID)
		if err != nil {
			return 0, err
		}
		commitID, err = s.commitIntents(ctx, lease, h.queue)
		releaseErr := lease.Release(ctx)
		if err != nil {
			return 0, err
		}
		if releaseErr != nil {
			s.logger.Warn("failed to release handler commit lease")
		}
		h.queue = nil
	}

	if err := h.flushEmits(ctx); err != nil {
		return commitID, err
	}
	return commitID, nil
}

// flushEmits promotes buffered emits to the durable queue.
func (h *handlerContext) flushEmits(ctx context.Context) error {
	for len(h.emits) > 0 {
		event := h.emits[0]
		if err := h.session.enqueue(ctx, event); err != nil {
			return err
		}
		h.emits = h.emits[1:]
	}
	return nil
}

// commitIntents reconciles and appends one batch under an already held
// lease. A zero return means the delta was empty.
func (s *Session) commitIntents(ctx context.Context, lease repository.WriteLease, intents []reconcile.Intent) (int64, error) {
	s.mu.Lock()
	versions := s.versions
	s.mu.Unlock()

	changes, err := reconcile.Plan(ctx, s.repo, intents, versions, s.cfg.MaxBatchSize)
	if err != nil {
		return 0, err
	}
	if len(changes) == 0 {
		return 0, nil
	}
	expected := make(map[repository.TypeKey]int64)
	for _, change := range changes {
		key := repository.TypeKey{Kind: change.Identity.Kind, Name: change.Identity.TypeName}
		expected[key] = versions[key]
	}
	return s.repo.AppendCommit(ctx, lease, repository.AppendRequest{
		Changes:          changes,
		Metadata:         s.metadata,
		ExpectedVersions: expected,
	})
}

// Dispatch implements bus.Dispatcher: it runs one handler against one
// claimed event. On failure the handler-local intents and buffered emits
// are discarded and the error propagates so the loop releases the claim;
// on success any emits not yet promoted by an explicit Commit are enqueued.
func (s *Session) Dispatch(ctx context.Context, handler bus.Handler, claimed bus.Claimed) error {
	hctx := &handlerContext{
		session:    s,
		event:      claimed.Event,
		leaseUntil: claimed.Claim.LeaseUntil,
	}
	if err := handler.Fn(ctx, hctx); err != nil {
		return err
	}
	return hctx.flushEmits(ctx)
}

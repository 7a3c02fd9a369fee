package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lexiupon/ontologia/core/bus"
	"github.com/lexiupon/ontologia/core/repository"
)

// Enqueue persists an event. Duplicate ids are ignored, which makes
// deterministic scheduled emission race-safe across sessions.
func (r *Repository) Enqueue(ctx context.Context, event bus.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return repository.WrapError(repository.KindValidation, "unencodable event payload", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events(id, namespace, type, payload, created_at, priority, root_event_id, chain_depth)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Namespace, event.Type, string(payload),
		event.CreatedAt.UnixMilli(), event.Priority, event.RootEventID, event.ChainDepth)
	if err != nil {
		return repository.WrapError(repository.KindStorageIO, "failed to enqueue event", err)
	}
	return nil
}

// Claim atomically selects and leases up to req.Limit candidate events in a
// single transaction, in (priority DESC, created_at ASC, id ASC) order.
func (r *Repository) Claim(ctx context.Context, req bus.ClaimRequest) ([]bus.Claimed, error) {
	if req.Limit <= 0 || len(req.Types) == 0 {
		return nil, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, repository.WrapError(repository.KindStorageIO, "failed to begin claim transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	nowMs := now.UnixMilli()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(req.Types)), ",")
	args := []any{req.HandlerID, req.Namespace}
	for _, eventType := range req.Types {
		args = append(args, eventType)
	}
	args = append(args, nowMs, nowMs, req.Limit)

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		`SELECT e.id, e.type, e.payload, e.created_at, e.priority, e.root_event_id, e.chain_depth,
		        COALESCE(c.attempts, 0), COALESCE(c.last_error, '')
		 FROM events e
		 LEFT JOIN event_claims c ON c.event_id = e.id AND c.handler_id = ?
		 WHERE e.namespace = ? AND e.type IN (%s)
		   AND (c.event_id IS NULL
		        OR (c.ack_at IS NULL AND c.dead_lettered_at IS NULL
		            AND c.lease_until <= ? AND c.available_at <= ?))
		 ORDER BY e.priority DESC, e.created_at ASC, e.id ASC
		 LIMIT ?`, placeholders), args...)
	if err != nil {
		return nil, repository.WrapError(repository.KindStorageIO, "failed to select claim candidates", err)
	}

	type candidate struct {
		event     bus.Event
		attempts  int
		lastError string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		var payload string
		var createdAt int64
		if err := rows.Scan(&c.event.ID, &c.event.Type, &payload, &createdAt,
			&c.event.Priority, &c.event.RootEventID, &c.event.ChainDepth, &c.attempts, &c.lastError); err != nil {
			rows.Close()
			return nil, repository.WrapError(repository.KindStorageIO, "failed to scan claim candidate", err)
		}
		c.event.Namespace = req.Namespace
		c.event.CreatedAt = time.UnixMilli(createdAt).UTC()
		json.Unmarshal([]byte(payload), &c.event.Payload)
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, repository.WrapError(repository.KindStorageIO, "failed to read claim candidates", err)
	}
	rows.Close()

	leaseUntil := now.Add(req.Lease)
	var claimed []bus.Claimed
	for _, c := range candidates {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_claims(event_id, handler_id, session_id, claimed_at, lease_until, attempts, available_at, last_error)
			 VALUES (?, ?, ?, ?, ?, ?, 0, NULLIF(?, ''))
			 ON CONFLICT(event_id, handler_id) DO UPDATE SET
			   session_id = excluded.session_id,
			   claimed_at = excluded.claimed_at,
			   lease_until = excluded.lease_until`,
			c.event.ID, req.HandlerID, req.SessionID, nowMs, leaseUntil.UnixMilli(), c.attempts, c.lastError); err != nil {
			return nil, repository.WrapError(repository.KindStorageIO, "failed to record claim", err)
		}
		claim := bus.Claim{
			EventID:    c.event.ID,
			HandlerID:  req.HandlerID,
			SessionID:  req.SessionID,
			ClaimedAt:  now,
			LeaseUntil: leaseUntil,
			Attempts:   c.attempts,
			LastError:  c.lastError,
		}
		claimed = append(claimed, bus.Claimed{Event: c.event, Claim: claim})
	}
	if err := tx.Commit(); err != nil {
		return nil, repository.WrapError(repository.KindStorageIO, "failed to commit claims", err)
	}
	return claimed, nil
}

// Ack marks a claim terminal-successful.
func (r *Repository) Ack(ctx context.Context, namespace, eventID, handlerID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE event_claims SET ack_at = ? WHERE event_id = ? AND handler_id = ? AND dead_lettered_at IS NULL`,
		time.Now().UnixMilli(), eventID, handlerID)
	if err != nil {
		return repository.WrapError(repository.KindStorageIO, "failed to ack claim", err)
	}
	return nil
}

// Release records a failed attempt; exhaustion of the attempt budget
// dead-letters the claim, appends the audit row and enqueues the synthetic
// dead-letter event with preserved lineage.
func (r *Repository) Release(ctx context.Context, namespace, eventID, handlerID, handlerErr string) (bus.ReleaseOutcome, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return bus.ReleaseOutcome{}, repository.WrapError(repository.KindStorageIO, "failed to begin release transaction", err)
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRowContext(ctx,
		`SELECT attempts FROM event_claims WHERE event_id = ? AND handler_id = ? AND ack_at IS NULL AND dead_lettered_at IS NULL`,
		eventID, handlerID).Scan(&attempts)
	if err == sql.ErrNoRows {
		return bus.ReleaseOutcome{}, nil
	}
	if err != nil {
		return bus.ReleaseOutcome{}, repository.WrapError(repository.KindStorageIO, "failed to read claim", err)
	}

	now := time.Now().UTC()
	attempts++

	if r.policy.Exhausted(attempts) {
		event, found, err := r.getEventTx(ctx, tx, namespace, eventID)
		if err != nil {
			return bus.ReleaseOutcome{}, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE event_claims SET attempts = ?, lease_until = ?, last_error = ?, dead_lettered_at = ?
			 WHERE event_id = ? AND handler_id = ?`,
			attempts, now.UnixMilli(), handlerErr, now.UnixMilli(), eventID, handlerID); err != nil {
			return bus.ReleaseOutcome{}, repository.WrapError(repository.KindStorageIO, "failed to dead-letter claim", err)
		}
		if found {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO dead_letters(event_id, handler_id, namespace, event_type, attempts, last_error, root_event_id, chain_depth, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				eventID, handlerID, namespace, event.Type, attempts, handlerErr,
				event.RootEventID, event.ChainDepth, now.UnixMilli()); err != nil {
				return bus.ReleaseOutcome{}, repository.WrapError(repository.KindStorageIO, "failed to append dead letter", err)
			}
			synthetic := bus.DeadLetterEvent(event, handlerID, attempts, handlerErr)
			payload, _ := json.Marshal(synthetic.Payload)
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO events(id, namespace, type, payload, created_at, priority, root_event_id, chain_depth)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				synthetic.ID, synthetic.Namespace, synthetic.Type, string(payload),
				synthetic.CreatedAt.UnixMilli(), synthetic.Priority, synthetic.RootEventID, synthetic.ChainDepth); err != nil {
				return bus.ReleaseOutcome{}, repository.WrapError(repository.KindStorageIO, "failed to enqueue dead-letter event", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return bus.ReleaseOutcome{}, repository.WrapError(repository.KindStorageIO, "failed to commit release", err)
		}
		r.logger.Warn("event dead-lettered",
			zap.String("event_id", eventID), zap.String("handler_id", handlerID), zap.Int("attempts", attempts))
		return bus.ReleaseOutcome{DeadLettered: true, Attempts: attempts}, nil
	}

	availableAt := r.policy.NextAvailableAt(now, attempts)
	if _, err := tx.ExecContext(ctx,
		`UPDATE event_claims SET attempts = ?, lease_until = ?, available_at = ?, last_error = ?
		 WHERE event_id = ? AND handler_id = ?`,
		attempts, now.UnixMilli(), availableAt.UnixMilli(), handlerErr, eventID, handlerID); err != nil {
		return bus.ReleaseOutcome{}, repository.WrapError(repository.KindStorageIO, "failed to release claim", err)
	}
	if err := tx.Commit(); err != nil {
		return bus.ReleaseOutcome{}, repository.WrapError(repository.KindStorageIO, "failed to commit release", err)
	}
	return bus.ReleaseOutcome{Attempts: attempts, AvailableAt: availableAt}, nil
}

// GetEvent fetches one event by id.
func (r *Repository) GetEvent(ctx context.Context, namespace, eventID string) (bus.Event, bool, error) {
	return r.getEventTx(ctx, r.db, namespace, eventID)
}

func (r *Repository) getEventTx(ctx context.Context, runner dbRunner, namespace, eventID string) (bus.Event, bool, error) {
	var event bus.Event
	var payload string
	var createdAt int64
	err := runner.QueryRowContext(ctx,
		`SELECT id, namespace, type, payload, created_at, priority, root_event_id, chain_depth
		 FROM events WHERE namespace = ? AND id = ?`, namespace, eventID).
		Scan(&event.ID, &event.Namespace, &event.Type, &payload, &createdAt,
			&event.Priority, &event.RootEventID, &event.ChainDepth)
	if err == sql.ErrNoRows {
		return bus.Event{}, false, nil
	}
	if err != nil {
		return bus.Event{}, false, repository.WrapError(repository.KindStorageIO, "failed to read event", err)
	}
	event.CreatedAt = time.UnixMilli(createdAt).UTC()
	json.Unmarshal([]byte(payload), &event.Payload)
	return event, true, nil
}

// ListDeadLetters returns the newest dead-letter audit rows.
func (r *Repository) ListDeadLetters(ctx context.Context, namespace string, limit int) ([]bus.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT event_id, handler_id, namespace, event_type, attempts, last_error, root_event_id, chain_depth, created_at
		 FROM dead_letters WHERE namespace = ? ORDER BY created_at DESC LIMIT ?`, namespace, limit)
	if err != nil {
		return nil, repository.WrapError(repository.KindStorageIO, "failed to list dead letters", err)
	}
	defer rows.Close()
	var out []bus.DeadLetter
	for rows.Next() {
		var letter bus.DeadLetter
		var createdAt int64
		if err := rows.Scan(&letter.EventID, &letter.HandlerID, &letter.Namespace, &letter.EventType,
			&letter.Attempts, &letter.LastError, &letter.RootEventID, &letter.ChainDepth, &createdAt); err != nil {
			return nil, repository.WrapError(repository.KindStorageIO, "failed to scan dead letter", err)
		}
		letter.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, repository.WrapError(repository.KindStorageIO, "failed to list dead letters", err)
	}
	return out, nil
}

// RegisterSession registers or refreshes a session record.
func (r *Repository) RegisterSession(ctx context.Context, info bus.SessionInfo) error {
	metadata, err := json.Marshal(info.Metadata)
	if err != nil {
		return repository.WrapError(repository.KindValidation, "unencodable session metadata", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, namespace, started_at, last_heartbeat, metadata_json) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET last_heartbeat = excluded.last_heartbeat`,
		info.SessionID, info.Namespace, info.StartedAt.UnixMilli(), info.LastHeartbeat.UnixMilli(), string(metadata))
	if err != nil {
		return repository.WrapError(repository.KindStorageIO, "failed to register session", err)
	}
	return nil
}

// Heartbeat refreshes a session's liveness timestamp.
func (r *Repository) Heartbeat(ctx context.Context, namespace, sessionID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_heartbeat = ? WHERE namespace = ? AND session_id = ?`,
		at.UnixMilli(), namespace, sessionID)
	if err != nil {
		return repository.WrapError(repository.KindStorageIO, "failed to heartbeat session", err)
	}
	return nil
}

// ReleaseSessionClaims makes every live claim owned by the session
// reclaimable without counting an attempt.
func (r *Repository) ReleaseSessionClaims(ctx context.Context, namespace, sessionID string) error {
	now := time.Now().UnixMilli()
	_, err := r.db.ExecContext(ctx,
		`UPDATE event_claims SET lease_until = ?, available_at = ?
		 WHERE session_id = ? AND ack_at IS NULL AND dead_lettered_at IS NULL`,
		now, now, sessionID)
	if err != nil {
		return repository.WrapError(repository.KindStorageIO, "failed to release session claims", err)
	}
	return nil
}

// RemoveSession deletes a session record.
func (r *Repository) RemoveSession(ctx context.Context, namespace, sessionID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE namespace = ? AND session_id = ?`, namespace, sessionID)
	if err != nil {
		return repository.WrapError(repository.KindStorageIO, "failed to remove session", err)
	}
	return nil
}

// PurgeExpired removes events older than the cutoff together with their
// claims. The dead-letter audit is append-only and is never purged here.
func (r *Repository) PurgeExpired(ctx context.Context, namespace string, cutoff time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, repository.WrapError(repository.KindStorageIO, "failed to begin purge transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM event_claims WHERE event_id IN
		   (SELECT id FROM events WHERE namespace = ? AND created_at < ?)`,
		namespace, cutoff.UnixMilli()); err != nil {
		return 0, repository.WrapError(repository.KindStorageIO, "failed to purge claims", err)
	}
	result, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE namespace = ? AND created_at < ?`, namespace, cutoff.UnixMilli())
	if err != nil {
		return 0, repository.WrapError(repository.KindStorageIO, "failed to purge events", err)
	}
	purged, _ := result.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, repository.WrapError(repository.KindStorageIO, "failed to commit purge", err)
	}
	return int(purged), nil
}

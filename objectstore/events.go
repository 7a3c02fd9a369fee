package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lexiupon/ontologia/core/bus"
	"github.com/lexiupon/ontologia/core/repository"
)

// Event-bus object keys: one object per record, coordinated with
// per-object conditional writes.
func eventObjectKey(namespace string, createdAt time.Time, id string) string {
	return fmt.Sprintf("events/%s/%s_%s.json", namespace, createdAt.UTC().Format("20060102T150405.000000000Z"), id)
}

func claimObjectKey(namespace, eventID, handlerID string) string {
	return fmt.Sprintf("claims/%s/%s/%s.json", namespace, eventID, handlerID)
}

func deadLetterObjectKey(namespace, eventID, handlerID string) string {
	return fmt.Sprintf("dead_letters/%s/%s/%s.json", namespace, eventID, handlerID)
}

func sessionObjectKey(namespace, sessionID string) string {
	return fmt.Sprintf("sessions/%s/%s.json", namespace, sessionID)
}

// Enqueue creates the event object conditionally; losing the race means an
// identical event (same id) already exists, which is success.
func (s *Store) Enqueue(ctx context.Context, event bus.Event) error {
	// Ids are embedded in keys, so identical ids map to identical keys
	// only when the creation instant matches too (deterministic schedule
	// emission). Guard against duplicate ids under other timestamps.
	existing, err := s.findEventKey(ctx, event.Namespace, event.ID)
	if err != nil {
		return err
	}
	if existing != "" {
		return nil
	}
	err = s.putJSONConditional(ctx, eventObjectKey(event.Namespace, event.CreatedAt, event.ID), event)
	if err == ErrPrecondition {
		return nil
	}
	return err
}

func (s *Store) putJSONConditional(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return repository.WrapError(repository.KindValidation, "unencodable object", err)
	}
	if _, err := s.client.Put(ctx, key, data, PutCondition{IfNoneMatch: true}); err != nil {
		return err
	}
	return nil
}

func (s *Store) findEventKey(ctx context.Context, namespace, eventID string) (string, error) {
	keys, err := s.client.List(ctx, "events/"+namespace+"/")
	if err != nil {
		return "", err
	}
	suffix := "_" + eventID + ".json"
	for _, key := range keys {
		if strings.HasSuffix(key, suffix) {
			return key, nil
		}
	}
	return "", nil
}

// Claim scans the namespace's events in arrival order, orders the
// claimable candidates by (priority DESC, created_at ASC, id ASC), and
// acquires up to the limit with per-object CAS, skipping conflicts.
func (s *Store) Claim(ctx context.Context, req bus.ClaimRequest) ([]bus.Claimed, error) {
	if req.Limit <= 0 || len(req.Types) == 0 {
		return nil, nil
	}
	wanted := make(map[string]bool, len(req.Types))
	for _, eventType := range req.Types {
		wanted[eventType] = true
	}
	keys, err := s.client.List(ctx, "events/"+req.Namespace+"/")
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	type candidate struct {
		event     bus.Event
		claim     bus.Claim
		claimEtag string
		hasClaim  bool
	}
	var candidates []candidate
	for _, key := range keys {
		var event bus.Event
		if _, found, err := s.getJSON(ctx, key, &event); err != nil || !found {
			if err != nil {
				return nil, err
			}
			continue
		}
		if !wanted[event.Type] {
			continue
		}
		var claim bus.Claim
		claimEtag, hasClaim, err := s.getJSON(ctx, claimObjectKey(req.Namespace, event.ID, req.HandlerID), &claim)
		if err != nil {
			return nil, err
		}
		if hasClaim {
			state := claim.State(now)
			if state != bus.StateReclaimable {
				continue
			}
		}
		candidates = append(candidates, candidate{event: event, claim: claim, claimEtag: claimEtag, hasClaim: hasClaim})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].event, candidates[j].event
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	leaseUntil := now.Add(req.Lease)
	var claimed []bus.Claimed
	for _, c := range candidates {
		if len(claimed) == req.Limit {
			break
		}
		claim := bus.Claim{
			EventID:    c.event.ID,
			HandlerID:  req.HandlerID,
			SessionID:  req.SessionID,
			ClaimedAt:  now,
			LeaseUntil: leaseUntil,
			Attempts:   c.claim.Attempts,
			LastError:  c.claim.LastError,
		}
		data, err := json.Marshal(claim)
		if err != nil {
			return nil, repository.WrapError(repository.KindValidation, "unencodable claim", err)
		}
		cond := PutCondition{IfNoneMatch: true}
		if c.hasClaim {
			cond = PutCondition{IfMatch: c.claimEtag}
		}
		if _, err := s.client.Put(ctx, claimObjectKey(req.Namespace, c.event.ID, req.HandlerID), data, cond); err != nil {
			if err == ErrPrecondition {
				// Another session won this claim; skip it.
				continue
			}
			return nil, err
		}
		claimed = append(claimed, bus.Claimed{Event: c.event, Claim: claim})
	}
	return claimed, nil
}

// Ack marks a claim terminal-successful with a conditional overwrite.
func (s *Store) Ack(ctx context.Context, namespace, eventID, handlerID string) error {
	key := claimObjectKey(namespace, eventID, handlerID)
	var claim bus.Claim
	etag, found, err := s.getJSON(ctx, key, &claim)
	if err != nil {
		return err
	}
	if !found || claim.DeadLetteredAt != nil {
		return nil
	}
	now := time.Now().UTC()
	claim.AckAt = &now
	data, _ := json.Marshal(claim)
	if _, err := s.client.Put(ctx, key, data, PutCondition{IfMatch: etag}); err != nil && err != ErrPrecondition {
		return err
	}
	return nil
}

// Release records a failed attempt; exhausting the budget dead-letters the
// claim, writes the audit object and enqueues the synthetic dead-letter
// event with preserved lineage.
func (s *Store) Release(ctx context.Context, namespace, eventID, handlerID, handlerErr string) (bus.ReleaseOutcome, error) {
	key := claimObjectKey(namespace, eventID, handlerID)
	var claim bus.Claim
	etag, found, err := s.getJSON(ctx, key, &claim)
	if err != nil {
		return bus.ReleaseOutcome{}, err
	}
	if !found || claim.AckAt != nil || claim.DeadLetteredAt != nil {
		return bus.ReleaseOutcome{}, nil
	}

	now := time.Now().UTC()
	claim.Attempts++
	claim.LeaseUntil = now
	claim.LastError = handlerErr

	if s.policy.Exhausted(claim.Attempts) {
		claim.DeadLetteredAt = &now
		data, _ := json.Marshal(claim)
		if _, err := s.client.Put(ctx, key, data, PutCondition{IfMatch: etag}); err != nil && err != ErrPrecondition {
			return bus.ReleaseOutcome{}, err
		}

		eventKey, err := s.findEventKey(ctx, namespace, eventID)
		if err != nil {
			return bus.ReleaseOutcome{}, err
		}
		var event bus.Event
		if eventKey != "" {
			if _, _, err := s.getJSON(ctx, eventKey, &event); err != nil {
				return bus.ReleaseOutcome{}, err
			}
			letter := bus.DeadLetter{
				EventID:     eventID,
				HandlerID:   handlerID,
				Namespace:   namespace,
				EventType:   event.Type,
				Attempts:    claim.Attempts,
				LastError:   handlerErr,
				RootEventID: event.RootEventID,
				ChainDepth:  event.ChainDepth,
				CreatedAt:   now,
			}
			if err := s.putJSONConditional(ctx, deadLetterObjectKey(namespace, eventID, handlerID), letter); err != nil && err != ErrPrecondition {
				return bus.ReleaseOutcome{}, err
			}
			synthetic := bus.DeadLetterEvent(event, handlerID, claim.Attempts, handlerErr)
			if err := s.Enqueue(ctx, synthetic); err != nil {
				return bus.ReleaseOutcome{}, err
			}
		}
		s.logger.Warn("event dead-lettered",
			zap.String("event_id", eventID), zap.String("handler_id", handlerID), zap.Int("attempts", claim.Attempts))
		return bus.ReleaseOutcome{DeadLettered: true, Attempts: claim.Attempts}, nil
	}

	claim.AvailableAt = s.policy.NextAvailableAt(now, claim.Attempts)
	data, _ := json.Marshal(claim)
	if _, err := s.client.Put(ctx, key, data, PutCondition{IfMatch: etag}); err != nil && err != ErrPrecondition {
		return bus.ReleaseOutcome{}, err
	}
	return bus.ReleaseOutcome{Attempts: claim.Attempts, AvailableAt: claim.AvailableAt}, nil
}

// GetEvent fetches one event by id.
func (s *Store) GetEvent(ctx context.Context, namespace, eventID string) (bus.Event, bool, error) {
	key, err := s.findEventKey(ctx, namespace, eventID)
	if err != nil || key == "" {
		return bus.Event{}, false, err
	}
	var event bus.Event
	_, found, err := s.getJSON(ctx, key, &event)
	return event, found, err
}

// ListDeadLetters returns the newest dead-letter audit records.
func (s *Store) ListDeadLetters(ctx context.Context, namespace string, limit int) ([]bus.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	keys, err := s.client.List(ctx, "dead_letters/"+namespace+"/")
	if err != nil {
		return nil, err
	}
	var letters []bus.DeadLetter
	for _, key := range keys {
		var letter bus.DeadLetter
		if _, found, err := s.getJSON(ctx, key, &letter); err != nil {
			return nil, err
		} else if found {
			letters = append(letters, letter)
		}
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i].CreatedAt.After(letters[j].CreatedAt) })
	if len(letters) > limit {
		letters = letters[:limit]
	}
	return letters, nil
}

// RegisterSession writes or refreshes the session object.
func (s *Store) RegisterSession(ctx context.Context, info bus.SessionInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return repository.WrapError(repository.KindValidation, "unencodable session", err)
	}
	if _, err := s.client.Put(ctx, sessionObjectKey(info.Namespace, info.SessionID), data, PutCondition{}); err != nil {
		return err
	}
	return nil
}

// Heartbeat refreshes the session object's liveness timestamp.
func (s *Store) Heartbeat(ctx context.Context, namespace, sessionID string, at time.Time) error {
	key := sessionObjectKey(namespace, sessionID)
	var info bus.SessionInfo
	_, found, err := s.getJSON(ctx, key, &info)
	if err != nil {
		return err
	}
	if !found {
		info = bus.SessionInfo{SessionID: sessionID, Namespace: namespace, StartedAt: at}
	}
	info.LastHeartbeat = at
	data, _ := json.Marshal(info)
	if _, err := s.client.Put(ctx, key, data, PutCondition{}); err != nil {
		return err
	}
	return nil
}

// ReleaseSessionClaims makes every live claim of the session reclaimable
// without counting an attempt.
func (s *Store) ReleaseSessionClaims(ctx context.Context, namespace, sessionID string) error {
	keys, err := s.client.List(ctx, "claims/"+namespace+"/")
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, key := range keys {
		var claim bus.Claim
		etag, found, err := s.getJSON(ctx, key, &claim)
		if err != nil {
			return err
		}
		if !found || claim.SessionID != sessionID || claim.AckAt != nil || claim.DeadLetteredAt != nil {
			continue
		}
		claim.LeaseUntil = now
		claim.AvailableAt = now
		data, _ := json.Marshal(claim)
		if _, err := s.client.Put(ctx, key, data, PutCondition{IfMatch: etag}); err != nil && err != ErrPrecondition {
			return err
		}
	}
	return nil
}

// RemoveSession deletes the session object.
func (s *Store) RemoveSession(ctx context.Context, namespace, sessionID string) error {
	return s.client.Delete(ctx, sessionObjectKey(namespace, sessionID), "")
}

// PurgeExpired removes events older than the cutoff together with their
// claims; dead-letter audit objects are retained.
func (s *Store) PurgeExpired(ctx context.Context, namespace string, cutoff time.Time) (int, error) {
	keys, err := s.client.List(ctx, "events/"+namespace+"/")
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, key := range keys {
		var event bus.Event
		_, found, err := s.getJSON(ctx, key, &event)
		if err != nil {
			return purged, err
		}
		if !found || !event.CreatedAt.Before(cutoff) {
			continue
		}
		claimKeys, err := s.client.List(ctx, "claims/"+namespace+"/"+event.ID+"/")
		if err != nil {
			return purged, err
		}
		for _, claimKey := range claimKeys {
			if err := s.client.Delete(ctx, claimKey, ""); err != nil {
				return purged, err
			}
		}
		if err := s.client.Delete(ctx, key, ""); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

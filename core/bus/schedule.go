package bus

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Schedule emits a fresh root event every time its cron expression matches.
// Multi-session coordination relies on the claim primitive plus
// deterministic event ids: every session that observes the same tick
// computes the same event id, and Enqueue deduplicates by id, so a tick
// fires once per namespace no matter how many sessions race it.
type Schedule struct {
	Name      string         `json:"name"`
	Cron      string         `json:"cron"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Priority  int            `json:"priority,omitempty"`

	parsed cron.Schedule
}

// scheduleNamespace seeds the deterministic per-tick event ids.
var scheduleNamespace = uuid.MustParse("8f1c9a52-7f0e-4f7a-9a63-0d2f6c1f4b11")

// Compile parses the standard 5-field cron expression.
func (s *Schedule) Compile() error {
	if s.Name == "" {
		return fmt.Errorf("schedule requires a name")
	}
	parsed, err := cron.ParseStandard(s.Cron)
	if err != nil {
		return fmt.Errorf("schedule %s: invalid cron expression %q: %w", s.Name, s.Cron, err)
	}
	s.parsed = parsed
	return nil
}

// Next returns the first fire time strictly after t.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.parsed.Next(t)
}

// EventAt builds the root event for one tick. The id is a UUIDv5 of the
// schedule name and the tick instant, identical across sessions.
func (s *Schedule) EventAt(namespace string, tick time.Time) Event {
	id := uuid.NewSHA1(scheduleNamespace, []byte(fmt.Sprintf("%s|%d", s.Name, tick.Unix()))).String()
	priority := s.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	return Event{
		ID:          id,
		Namespace:   namespace,
		Type:        s.EventType,
		Payload:     s.Payload,
		CreatedAt:   tick.UTC(),
		Priority:    priority,
		RootEventID: id,
		ChainDepth:  0,
	}
}

// Package events publishes dialogue lifecycle events on a watermill bus.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Type names a lifecycle event.
type Type string

const (
	TypeAttemptCycle    Type = "attempt.cycle"
	TypeAttemptTerminal Type = "attempt.terminal"
	TypeGateRule        Type = "gate.rule"
	TypeGateJudgment    Type = "gate.judgment"
	TypeReviewRequested Type = "review.requested"
	TypeRecordPersisted Type = "record.persisted"
)

// Event is the envelope published for every lifecycle step.
type Event struct {
	Type       Type           `json:"type"`
	DialogueID string         `json:"dialogue_id"`
	Time       time.Time      `json:"time"`
	Data       map[string]any `json:"data,omitempty"`
}

func New(t Type, dialogueID string, data map[string]any) Event {
	return Event{Type: t, DialogueID: dialogueID, Time: time.Now().UTC(), Data: data}
}

// Parse decodes an event payload.
func Parse(payload []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(payload, &e)
	return e, err
}

// Publisher accepts lifecycle events. Publishing is best effort for callers:
// a failed publish never changes a dialogue's outcome.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

var _ Publisher = Nop{}

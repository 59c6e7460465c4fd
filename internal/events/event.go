// Package events fans transcript and capture events out to subscribers.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event.
type Type string

const (
	TypePartial        Type = "partial_transcript"
	TypeFinal          Type = "final_transcript"
	TypeCaptureStarted Type = "capture_started"
	TypeCaptureStopped Type = "capture_stopped"
	TypeCaptureError   Type = "capture_error"
	TypeStreamError    Type = "stream_error"
)

// Sources of a final transcript.
const (
	SourceStream = "stream"
	SourceFile   = "file"
)

// Event is published for every transcript update and capture lifecycle change.
type Event struct {
	ID         string  `json:"id"`
	Type       Type    `json:"eventType"`
	SessionID  string  `json:"sessionId"`
	Timestamp  int64   `json:"timestamp"`
	Text       string  `json:"text,omitempty"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Source     string  `json:"source,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// NewEvent stamps an event with an id and the current time in milliseconds.
func NewEvent(typ Type, sessionID string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      typ,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Publisher delivers events to one destination.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

// Publish delivers ev to every publisher and joins their errors.
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

// Publish drops ev.
func (Discard) Publish(context.Context, Event) error { return nil }

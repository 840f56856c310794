package authcore

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// EventType names a domain event. One bus topic per type.
type EventType string

const (
	EventLoginSucceeded EventType = "login_succeeded"
	EventLoginFailed    EventType = "login_failed"
	EventAccountLocked  EventType = "account_locked"
	EventLogout         EventType = "logout"
	EventTokenRevoked   EventType = "token_revoked"
	EventOTPEnrolled    EventType = "otp_enrolled"
	EventTheftDetected  EventType = "session_theft_detected"
)

// DomainEvent is the append-only record the core announces to the fleet.
// Emission is fire-and-forget: the core never waits for acknowledgment.
type DomainEvent struct {
	Type      EventType         `json:"type"`
	SubjectID string            `json:"subject_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// EventSink delivers events to a bus. Emit should be safe for concurrent use
// and return an error only for delivery failures the dispatcher may retry.
type EventSink interface {
	Emit(ctx context.Context, event DomainEvent) error
}

// NoOpSink discards events.
type NoOpSink struct{}

// Emit discards the event.
func (NoOpSink) Emit(context.Context, DomainEvent) error { return nil }

// ChannelSink buffers events on a channel. Intended for tests and in-process
// consumers.
type ChannelSink struct {
	events chan DomainEvent
}

// NewChannelSink creates a ChannelSink with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan DomainEvent, buffer)}
}

// Emit delivers the event or blocks until ctx is done.
func (s *ChannelSink) Emit(ctx context.Context, event DomainEvent) error {
	select {
	case s.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events exposes the receive side.
func (s *ChannelSink) Events() <-chan DomainEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line. Useful for piping the event
// stream to a log shipper.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONWriterSink wraps w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

// Emit marshals and writes the event followed by a newline.
func (s *JSONWriterSink) Emit(_ context.Context, event DomainEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.writer.Write(data); err != nil {
		return err
	}
	_, err = s.writer.Write([]byte("\n"))
	return err
}

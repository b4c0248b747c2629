package agent

import (
	"context"
	"strings"
	"sync"

	"github.com/haasonsaas/toolchat/pkg/models"
)

// EventSink receives the ordered events of a turn. An error from Emit
// aborts the turn; the admission slot is still released.
type EventSink interface {
	Emit(ctx context.Context, e models.Event) error
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(ctx context.Context, e models.Event) error

// Emit calls f(ctx, e).
func (f SinkFunc) Emit(ctx context.Context, e models.Event) error {
	return f(ctx, e)
}

// BufferSink records events in memory.
type BufferSink struct {
	mu     sync.Mutex
	events []models.Event
}

// Emit records e.
func (s *BufferSink) Emit(ctx context.Context, e models.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (s *BufferSink) Events() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Text concatenates the content of all token events.
func (s *BufferSink) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, e := range s.events {
		if e.Type == models.EventToken {
			b.WriteString(e.Content)
		}
	}
	return b.String()
}

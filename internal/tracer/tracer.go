// Package tracer records a timeline of turn-scoped events (model requests,
// tool dispatches, approval decisions) for `--resume` replay and
// post-mortem debugging, independent of whether OpenTelemetry export is
// configured.
package tracer

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// EventType categorizes a recorded event.
type EventType string

const (
	EventTurnStart     EventType = "turn.start"
	EventTurnEnd       EventType = "turn.end"
	EventModelRequest  EventType = "model.request"
	EventModelResponse EventType = "model.response"
	EventToolStart     EventType = "tool.start"
	EventToolEnd       EventType = "tool.end"
	EventToolError     EventType = "tool.error"
	EventApprovalAsk   EventType = "approval.required"
	EventApprovalDone  EventType = "approval.decided"
)

// Event is one entry in a turn's timeline.
type Event struct {
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	TurnID     string                 `json:"turn_id,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Name       string                 `json:"name,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Duration   time.Duration          `json:"duration_ns,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// Tracer stores a bounded, in-memory timeline of turn events and can
// forward each event onto a secondary sink (typically an OpenTelemetry
// span emitter) without blocking the caller.
type Tracer struct {
	mu      sync.RWMutex
	events  []Event
	byTurn  map[string][]int
	maxSize int
}

// New returns a Tracer holding at most maxSize events, evicting the oldest
// on overflow. maxSize <= 0 defaults to 5000.
func New(maxSize int) *Tracer {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &Tracer{byTurn: make(map[string][]int), maxSize: maxSize}
}

// Record appends ev to the timeline, stamping Timestamp if unset.
func (t *Tracer) Record(ev Event) error {
	if ev.Type == "" {
		return errors.New("tracer: event type is required")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.events) >= t.maxSize {
		t.evictOldestLocked()
	}
	idx := len(t.events)
	t.events = append(t.events, ev)
	if ev.TurnID != "" {
		t.byTurn[ev.TurnID] = append(t.byTurn[ev.TurnID], idx)
	}
	return nil
}

// ByTurn returns every event recorded for turnID, in recorded order.
func (t *Tracer) ByTurn(turnID string) []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idxs := t.byTurn[turnID]
	out := make([]Event, 0, len(idxs))
	for _, i := range idxs {
		if i < len(t.events) {
			out = append(out, t.events[i])
		}
	}
	return out
}

// Recent returns up to limit of the most recently recorded events, newest
// first. limit <= 0 returns everything.
func (t *Tracer) Recent(limit int) []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := len(t.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, limit)
	for i := 0; i < limit; i++ {
		out[i] = t.events[n-1-i]
	}
	return out
}

// evictOldestLocked drops the single oldest event. Called with mu held.
func (t *Tracer) evictOldestLocked() {
	if len(t.events) == 0 {
		return
	}
	t.events = t.events[1:]
	// Rebuild the turn index; evicting from the front is rare relative to
	// recording, so a full rebuild keeps the common path allocation-free.
	t.byTurn = make(map[string][]int, len(t.byTurn))
	for i, ev := range t.events {
		if ev.TurnID != "" {
			t.byTurn[ev.TurnID] = append(t.byTurn[ev.TurnID], i)
		}
	}
}

// Summary reports per-type counts across the whole retained timeline, most
// frequent first, for a compact diagnostics dump.
func (t *Tracer) Summary() []TypeCount {
	t.mu.RLock()
	defer t.mu.RUnlock()
	counts := map[EventType]int{}
	for _, ev := range t.events {
		counts[ev.Type]++
	}
	out := make([]TypeCount, 0, len(counts))
	for typ, n := range counts {
		out = append(out, TypeCount{Type: typ, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

// TypeCount pairs an EventType with its occurrence count.
type TypeCount struct {
	Type  EventType
	Count int
}

func (tc TypeCount) String() string {
	return fmt.Sprintf("%s: %d", tc.Type, tc.Count)
}

// Bus is the one-directional, non-blocking channel the turn engine
// publishes lifecycle events on for optional observer goroutines (the
// in-memory Tracer, the metrics HTTP listener) to consume. A full channel
// drops the event and logs at debug level rather than stalling a turn:
// observability must never become a second way for a prompt to fail.
type Bus struct {
	ch     chan Event
	logger *slog.Logger
}

// NewBus returns a Bus buffering up to capacity events. capacity <= 0
// defaults to 256. A nil logger disables the drop-warning log line.
func NewBus(capacity int, logger *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{ch: make(chan Event, capacity), logger: logger}
}

// Publish stamps ev's timestamp if unset and attempts a non-blocking send.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.ch <- ev:
	default:
		if b.logger != nil {
			b.logger.Debug("tracer: event dropped, bus full", "type", ev.Type, "turn_id", ev.TurnID)
		}
	}
}

// Events returns the receive side, for a consumer goroutine to range over.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Close closes the underlying channel. Callers must stop publishing before
// calling Close.
func (b *Bus) Close() {
	close(b.ch)
}

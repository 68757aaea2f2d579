package events

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// Publisher mirrors events somewhere durable. Bus is the Redis implementation.
type Publisher interface {
	Publish(ctx context.Context, conversationID string, e Event) error
}

// Hub routes a conversation's events to whichever writers are attached to it
// right now, plus an optional publisher.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]map[int]Sink
	nextID    int
	publisher Publisher
	logger    *zap.Logger
}

// NewHub creates a hub. publisher may be nil.
func NewHub(publisher Publisher, logger *zap.Logger) *Hub {
	return &Hub{
		subs:      make(map[string]map[int]Sink),
		publisher: publisher,
		logger:    logger,
	}
}

// Attach subscribes s to a conversation until the returned func is called.
func (h *Hub) Attach(conversationID string, s Sink) (detach func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	if h.subs[conversationID] == nil {
		h.subs[conversationID] = make(map[int]Sink)
	}
	h.subs[conversationID][id] = s

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[conversationID], id)
		if len(h.subs[conversationID]) == 0 {
			delete(h.subs, conversationID)
		}
	}
}

// Open implements Opener.
func (h *Hub) Open(_ context.Context, conversationID string) (Sink, error) {
	return &hubSink{hub: h, conversationID: conversationID}, nil
}

type hubSink struct {
	hub            *Hub
	conversationID string
}

// Emit is best effort: a failing subscriber or publisher is logged, never fatal.
func (s *hubSink) Emit(ctx context.Context, e Event) error {
	h := s.hub
	if h.publisher != nil {
		if err := h.publisher.Publish(ctx, s.conversationID, e); err != nil {
			h.logger.Warn("publish event failed",
				zap.String("conversation", s.conversationID),
				zap.String("type", string(e.Type)),
				zap.Error(err))
		}
	}

	h.mu.RLock()
	targets := make([]Sink, 0, len(h.subs[s.conversationID]))
	for _, sub := range h.subs[s.conversationID] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.Emit(ctx, e); err != nil {
			h.logger.Debug("subscriber emit failed",
				zap.String("conversation", s.conversationID),
				zap.Error(err))
		}
	}
	return nil
}

// NDJSONWriter writes one JSON object per line and flushes after each.
// Safe for concurrent use.
type NDJSONWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
	w   io.Writer
}

// NewNDJSONWriter wraps w, typically an http.ResponseWriter.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{enc: json.NewEncoder(w), w: w}
}

func (n *NDJSONWriter) Emit(_ context.Context, e Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enc.Encode(e); err != nil {
		return err
	}
	if f, ok := n.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Open implements Opener so a Recorder can stand in for a Hub.
func (r *Recorder) Open(context.Context, string) (Sink, error) { return r, nil }

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

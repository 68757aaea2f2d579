package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/consensus/internal/events"
	"github.com/nidhogg/consensus/internal/lease"
	"github.com/nidhogg/consensus/internal/store"
	"github.com/nidhogg/consensus/internal/workflow"
)

// UserHeader carries the opaque caller identity.
const UserHeader = "X-User-ID"

const anonymousUser = "anonymous"

// ConversationReader reads persisted conversations.
type ConversationReader interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
}

// Replayer replays a conversation's mirrored event stream. events.Bus is the
// Redis implementation.
type Replayer interface {
	Replay(ctx context.Context, conversationID, lastID string, fn func(id string, e events.Event) error) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	base          context.Context
	ctrl          *workflow.Controller
	conversations ConversationReader
	hub           *events.Hub
	replayer      Replayer
	logger        *zap.Logger
}

// NewHandler creates a new API handler. Runs use base rather than the request
// context so a dropped client does not abort them; cancel base on shutdown.
// replayer may be nil when Redis is not configured.
func NewHandler(
	base context.Context,
	ctrl *workflow.Controller,
	conversations ConversationReader,
	hub *events.Hub,
	replayer Replayer,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		base:          base,
		ctrl:          ctrl,
		conversations: conversations,
		hub:           hub,
		replayer:      replayer,
		logger:        logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", UserHeader},
		ExposedHeaders:   []string{"X-Conversation-ID"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Post("/consensus", h.startConsensus)

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", h.getConversation)
			r.Post("/resume", h.resumeConversation)
			r.Get("/events", h.replayEvents)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func userID(r *http.Request) string {
	if u := r.Header.Get(UserHeader); u != "" {
		return u
	}
	return anonymousUser
}

func (h *Handler) startConsensus(w http.ResponseWriter, r *http.Request) {
	var req workflow.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	req.UserID = userID(r)

	st, err := h.ctrl.Start(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, workflow.ErrInvalidRequest) {
			status = http.StatusBadRequest
		} else {
			h.logger.Error("start consensus failed", zap.Error(err))
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	h.streamRun(w, r, st.ConversationID)
}

func (h *Handler) resumeConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := h.ctrl.Load(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if st.Phase.Terminal() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": workflow.ErrAlreadyComplete.Error(), "phase": string(st.Phase)})
		return
	}

	h.streamRun(w, r, id)
}

// countingSink remembers whether anything reached the client.
type countingSink struct {
	events.Sink
	n atomic.Int64
}

func (c *countingSink) Emit(ctx context.Context, e events.Event) error {
	c.n.Add(1)
	return c.Sink.Emit(ctx, e)
}

// streamRun attaches the response to the conversation's events and drives
// the workflow until it stops.
func (h *Handler) streamRun(w http.ResponseWriter, r *http.Request, conversationID string) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Conversation-ID", conversationID)

	sink := &countingSink{Sink: events.NewNDJSONWriter(w)}
	detach := h.hub.Attach(conversationID, sink)
	defer detach()

	err := h.ctrl.Run(h.base, conversationID)
	if err == nil {
		return
	}

	if sink.n.Load() == 0 {
		switch {
		case errors.Is(err, lease.ErrHeld), errors.Is(err, workflow.ErrAlreadyComplete):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
	}
	h.logger.Warn("run interrupted", zap.String("conversation", conversationID), zap.Error(err))
	sink.Emit(r.Context(), events.Event{
		Type: events.TypeError,
		Data: events.ErrorData{Message: "Run interrupted: " + err.Error() + ". Resume the conversation to continue."},
	})
}

type conversationResponse struct {
	*store.Conversation
	Phase workflow.Phase `json:"phase,omitempty"`
}

func (h *Handler) getConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.conversations.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	resp := conversationResponse{Conversation: c}
	if st, err := h.ctrl.Load(r.Context(), id); err == nil {
		resp.Phase = st.Phase
	}
	writeJSON(w, http.StatusOK, resp)
}

type replayedEvent struct {
	ID string `json:"id"`
	events.Event
}

func (h *Handler) replayEvents(w http.ResponseWriter, r *http.Request) {
	if h.replayer == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "event replay requires redis"})
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.conversations.GetConversation(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	err := h.replayer.Replay(r.Context(), id, r.URL.Query().Get("after"), func(streamID string, e events.Event) error {
		if err := enc.Encode(replayedEvent{ID: streamID, Event: e}); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		h.logger.Debug("replay stopped", zap.String("conversation", id), zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

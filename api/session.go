package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/lexchat/lexchat/internal/chat"
	"github.com/lexchat/lexchat/internal/log"
)

// Request validation bounds.
const (
	MaxSystemPromptLength = 10_000
	MaxRequestBody        = 1 << 20 // request bodies are text; 1 MiB is plenty
)

// SessionHandler serves the session endpoints.
type SessionHandler struct {
	manager *chat.Manager
	logger  log.Logger
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(manager *chat.Manager, logger log.Logger) *SessionHandler {
	return &SessionHandler{manager: manager, logger: logger}
}

// RegisterRoutes registers session routes on the given mux.
func (h *SessionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", h.list)
	mux.HandleFunc("POST /api/sessions", h.create)
	mux.HandleFunc("GET /api/sessions/{id}", h.get)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.remove)
	mux.HandleFunc("POST /api/sessions/{id}/messages", h.send)
	mux.HandleFunc("POST /api/sessions/{id}/retry", h.retry)
	mux.HandleFunc("POST /api/sessions/{id}/context", h.addContext)
}

// SessionSummary is the list-view shape of a session.
type SessionSummary struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	MessageCount int    `json:"message_count"`
	CanRetry     bool   `json:"can_retry"`
}

func summarize(s *chat.Session) SessionSummary {
	return SessionSummary{
		ID:           s.ID().String(),
		State:        string(s.State()),
		MessageCount: len(s.Messages()),
		CanRetry:     s.CanRetry(),
	}
}

// list returns all live sessions.
func (h *SessionHandler) list(w http.ResponseWriter, _ *http.Request) {
	sessions := h.manager.List()
	summaries := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, summarize(s))
	}
	writeJSON(h.logger, w, http.StatusOK, map[string]any{
		"sessions": summaries,
		"total":    len(summaries),
	})
}

// CreateSessionRequest is the request body for creating a session.
type CreateSessionRequest struct {
	SystemPrompt string `json:"system_prompt"`
}

// create registers a new session.
func (h *SessionHandler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if len(req.SystemPrompt) > MaxSystemPromptLength {
		writeError(h.logger, w, http.StatusBadRequest, "INVALID_REQUEST",
			fmt.Sprintf("system_prompt too long (max %d characters)", MaxSystemPromptLength))
		return
	}

	sess := h.manager.Create(req.SystemPrompt)
	writeJSON(h.logger, w, http.StatusCreated, summarize(sess))
}

// SessionDetail is the single-session view, including the conversation.
type SessionDetail struct {
	SessionSummary
	Messages    []chat.Message `json:"messages"`
	PartialText string         `json:"partial_text,omitempty"`
	Error       *ErrorDetail   `json:"error,omitempty"`
	Ready       bool           `json:"ready"`
}

// ErrorDetail is the serialized form of a classified failure.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// get returns the conversation snapshot and status.
func (h *SessionHandler) get(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	detail := SessionDetail{
		SessionSummary: summarize(sess),
		Messages:       sess.Messages(),
		PartialText:    sess.PartialText(),
		Ready:          sess.Ready(),
	}
	if lastErr := sess.LastError(); lastErr != nil {
		detail.Error = &ErrorDetail{Kind: string(lastErr.Kind), Message: lastErr.Message}
	}
	writeJSON(h.logger, w, http.StatusOK, detail)
}

// remove clears and unregisters a session.
func (h *SessionHandler) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(h.logger, w, r)
	if !ok {
		return
	}
	if !h.manager.Remove(id) {
		writeError(h.logger, w, http.StatusNotFound, "SESSION_NOT_FOUND", "unknown session id")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SendRequest is the request body for sending user text.
type SendRequest struct {
	Text string `json:"text"`
}

// send streams a generation call as SSE events: zero or more "chunk" events,
// then exactly one "done" or "error".
func (h *SessionHandler) send(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req SendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	h.stream(w, r, sess, func(fn chat.StreamFunc) error {
		return sess.Send(r.Context(), req.Text, fn)
	})
}

// retry re-sends the last attempted message. Fails with 409 when the retry
// preconditions do not hold, so callers never mistake a no-op for a resend.
func (h *SessionHandler) retry(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if !sess.CanRetry() {
		writeError(h.logger, w, http.StatusConflict, "NOTHING_TO_RETRY",
			"no failed message eligible for retry")
		return
	}

	h.stream(w, r, sess, func(fn chat.StreamFunc) error {
		return sess.Retry(r.Context(), fn)
	})
}

// ContextRequest is the request body for externally produced content
// (OCR output, document analysis).
type ContextRequest struct {
	Text string `json:"text"`
}

// addContext injects external content as a model turn. Content that
// sanitizes to nothing is dropped silently, reported via "applied": false.
func (h *SessionHandler) addContext(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req ContextRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	before := len(sess.Messages())
	if err := sess.AddMessage(req.Text); err != nil {
		var cerr *chat.Error
		if errors.As(err, &cerr) {
			writeError(h.logger, w, statusForKind(cerr.Kind), "SESSION_BUSY", cerr.Message)
			return
		}
		writeError(h.logger, w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(h.logger, w, http.StatusOK, map[string]any{
		"applied": len(sess.Messages()) > before,
	})
}

// lookup resolves the {id} path segment to a live session, writing the
// error response itself on failure.
func (h *SessionHandler) lookup(w http.ResponseWriter, r *http.Request) (*chat.Session, bool) {
	id, ok := parseID(h.logger, w, r)
	if !ok {
		return nil, false
	}
	sess, found := h.manager.Get(id)
	if !found {
		writeError(h.logger, w, http.StatusNotFound, "SESSION_NOT_FOUND", "unknown session id")
		return nil, false
	}
	return sess, true
}

func parseID(logger log.Logger, w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(logger, w, http.StatusBadRequest, "INVALID_SESSION_ID", "session id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, MaxRequestBody))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// SSEChunkData is the payload of "chunk" events.
type SSEChunkData struct {
	Text string `json:"text"`
}

// SSEDoneData is the payload of the terminal "done" event.
type SSEDoneData struct {
	Response  string `json:"response"`
	SessionID string `json:"sessionId"`
}

// SSEErrorData is the payload of the terminal "error" event.
type SSEErrorData struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	CanRetry bool   `json:"canRetry"`
}

// stream runs a generation call and relays it as SSE.
func (h *SessionHandler) stream(w http.ResponseWriter, r *http.Request, sess *chat.Session, run func(chat.StreamFunc) error) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("streaming not supported")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Chunks arrive from the generation goroutine; SSE writes must not
	// interleave with the terminal event write below.
	var mu sync.Mutex
	var full string

	err := run(func(_ context.Context, c chat.Chunk) error {
		if c.Final {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		full += c.Text
		h.writeSSEEvent(w, flusher, "chunk", SSEChunkData{Text: c.Text})
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		cerr := chat.Classify(err)
		h.logger.Error("stream failed",
			"session_id", sess.ID().String(),
			"kind", cerr.Kind,
			"error", cerr.Message)
		h.writeSSEEvent(w, flusher, "error", SSEErrorData{
			Kind:     string(cerr.Kind),
			Message:  cerr.Message,
			CanRetry: sess.CanRetry(),
		})
		return
	}

	h.writeSSEEvent(w, flusher, "done", SSEDoneData{
		Response:  full,
		SessionID: sess.ID().String(),
	})
	h.logger.Info("SSE stream completed",
		"session_id", sess.ID().String(),
		"response_len", len(full))
}

// writeSSEEvent writes one named event with a JSON payload.
func (h *SessionHandler) writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal SSE payload", "event", event, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}

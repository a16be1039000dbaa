package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/RichardoC/listing-designer/internal/models"
	"github.com/RichardoC/listing-designer/internal/reply"
)

// TurnHandler runs one conversational turn.
type TurnHandler interface {
	HandleTurn(ctx context.Context, threadID, input string) (reply.Reply, error)
}

// Store is the read side of the conversation store.
type Store interface {
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	GetConversationHistory(ctx context.Context, threadID string, limit int) ([]models.Message, error)
}

type Handler struct {
	turns         TurnHandler
	store         Store
	logger        *zap.Logger
	maxInputChars int
}

func NewHandler(turns TurnHandler, store Store, logger *zap.Logger, maxInputChars int) *Handler {
	return &Handler{
		turns:         turns,
		store:         store,
		logger:        logger,
		maxInputChars: maxInputChars,
	}
}

type ChatRequest struct {
	UserInput string `json:"user_input"`
	ThreadID  string `json:"thread_id,omitempty"`
}

type ThreadResponse struct {
	Thread    *models.Thread `json:"thread"`
	ActiveJob *models.Job    `json:"active_job,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Routes registers the handlers on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/chat", h.HandleChat)
	mux.HandleFunc("/api/messages", h.GetMessages)
	mux.HandleFunc("/api/threads", h.GetThread)
}

func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	input := strings.TrimSpace(req.UserInput)
	switch {
	case input == "":
		h.writeError(w, http.StatusBadRequest, "user_input is required")
		return
	case utf8.RuneCountInString(input) > h.maxInputChars:
		h.writeError(w, http.StatusBadRequest, "user_input is too long")
		return
	}

	resp, err := h.turns.HandleTurn(r.Context(), strings.TrimSpace(req.ThreadID), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	threadID, ok := h.threadParam(w, r)
	if !ok {
		return
	}
	if _, err := h.store.GetThread(r.Context(), threadID); err != nil {
		h.fail(w, r, err)
		return
	}

	messages, err := h.store.GetConversationHistory(r.Context(), threadID, 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messages)
}

func (h *Handler) GetThread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	threadID, ok := h.threadParam(w, r)
	if !ok {
		return
	}

	thread, err := h.store.GetThread(r.Context(), threadID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := ThreadResponse{Thread: thread}
	if thread.ActiveJobID != "" {
		job, err := h.store.GetJob(r.Context(), thread.ActiveJobID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		resp.ActiveJob = job
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) threadParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.URL.Query().Get("thread_id"))
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "thread_id is required")
		return "", false
	}
	return id, true
}

// fail maps the store's error taxonomy onto HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		h.writeError(w, http.StatusBadRequest, "invalid request")
	case errors.Is(err, models.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "thread not found")
	default:
		h.logger.Error("request failed",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

// Package server provides the HTTP surface for the chat service.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/graph"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/model"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/phone"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/store"
	logx "github.com/tabeebnagorik-debug/safai-chatbot-cursor/pkg/logger"
)

// FallbackReply is returned to the caller when a turn fails internally. The
// failure itself is logged; the customer only sees an apology.
const FallbackReply = "Sorry, something went wrong on our side. Please try again in a moment."

// Handler holds the dependencies shared by all HTTP endpoints.
type Handler struct {
	runner    graph.Runner
	repo      store.Repository
	convRepo  model.ConversationRepository
	messenger *MessengerWebhook
}

// NewHandler creates a Handler. The messenger webhook is optional and its
// routes are only mounted when it is non-nil.
func NewHandler(runner graph.Runner, repo store.Repository, convRepo model.ConversationRepository, messenger *MessengerWebhook) *Handler {
	return &Handler{
		runner:    runner,
		repo:      repo,
		convRepo:  convRepo,
		messenger: messenger,
	}
}

// Router builds the chi router with all routes mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/", h.handleRoot)
	r.Get("/health", h.handleHealth)
	r.Post("/auth/initiate-chat", h.handleInitiateChat)
	r.Post("/chat", h.handleChat)
	r.Get("/sessions/{sessionID}/history", h.handleHistory)
	r.Delete("/sessions/{sessionID}", h.handleDeleteSession)

	if h.messenger != nil {
		r.Get("/webhook/messenger", h.messenger.HandleVerify)
		r.Post("/webhook/messenger", h.messenger.HandleEvent)
	}

	return r
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{
		"service": "safai-chatbot",
		"status":  "running",
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		logx.Error().Err(err).Msg("health check failed")
		Error(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type initiateChatRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type initiateChatResponse struct {
	UserID      string `json:"user_id"`
	SessionID   string `json:"session_id"`
	PhoneNumber string `json:"phone_number"`
}

func (h *Handler) handleInitiateChat(w http.ResponseWriter, r *http.Request) {
	var req initiateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	normalized, err := phone.Normalize(req.PhoneNumber)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid Bangladeshi phone number")
		return
	}

	user, err := h.repo.GetOrCreateUser(r.Context(), normalized)
	if err != nil {
		logx.Error().Err(err).Msg("get or create user failed")
		Error(w, http.StatusInternalServerError, "failed to initiate chat")
		return
	}

	session, err := h.repo.GetOrCreateActiveSession(r.Context(), user.ID)
	if err != nil {
		logx.Error().Err(err).Str("user_id", user.ID).Msg("get or create session failed")
		Error(w, http.StatusInternalServerError, "failed to initiate chat")
		return
	}

	JSON(w, http.StatusOK, initiateChatResponse{
		UserID:      user.ID,
		SessionID:   session.ID,
		PhoneNumber: user.PhoneNumber,
	})
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type chatResponse struct {
	SessionID  string `json:"session_id"`
	Response   string `json:"response"`
	RetryCount int    `json:"retry_count"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		Error(w, http.StatusBadRequest, "message must not be empty")
		return
	}
	if _, err := uuid.Parse(req.SessionID); err != nil {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	session, err := h.repo.GetSession(r.Context(), req.SessionID)
	if err != nil {
		logx.Error().Err(err).Str("session_id", req.SessionID).Msg("session lookup failed")
		Error(w, http.StatusInternalServerError, "failed to process message")
		return
	}
	if session == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	if !session.IsActive {
		Error(w, http.StatusForbidden, "session is no longer active")
		return
	}

	result, err := h.runner.Invoke(r.Context(), model.QueryInput{
		ConversationID: session.ID,
		Query:          req.Message,
	})
	if err != nil {
		logx.Error().Err(err).Str("session_id", session.ID).Msg("turn failed")
		JSON(w, http.StatusInternalServerError, chatResponse{
			SessionID: session.ID,
			Response:  FallbackReply,
		})
		return
	}

	if err := h.repo.TouchSession(r.Context(), session.ID); err != nil {
		logx.Warn().Err(err).Str("session_id", session.ID).Msg("touch session failed")
	}

	JSON(w, http.StatusOK, chatResponse{
		SessionID:  session.ID,
		Response:   result.Answer,
		RetryCount: result.RetryCount,
	})
}

type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := uuid.Parse(sessionID); err != nil {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	session, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		logx.Error().Err(err).Str("session_id", sessionID).Msg("session lookup failed")
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if session == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	history, err := h.convRepo.LoadHistory(r.Context(), sessionID)
	if err != nil {
		logx.Error().Err(err).Str("session_id", sessionID).Msg("load history failed")
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	messages := make([]historyMessage, 0, len(history.Messages))
	for _, m := range history.Messages {
		messages = append(messages, historyMessage{Role: string(m.Role), Content: m.Content})
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"messages":   messages,
	})
}

// handleDeleteSession acknowledges the delete without clearing history. The
// conversation key expires on its own TTL and the session row is kept for
// bookkeeping.
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := uuid.Parse(sessionID); err != nil {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted", "session_id": sessionID})
}

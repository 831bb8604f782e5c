package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/algae514/zerocode-llm-chat/internal/conversation"
	"github.com/algae514/zerocode-llm-chat/internal/models"
	"github.com/algae514/zerocode-llm-chat/internal/session"
)

// maxImportSize bounds the request body accepted by ImportConversation.
const maxImportSize = 32 << 20

type Handler struct {
	repo      *conversation.Repository
	generator session.Generator
	logger    *zap.Logger
}

func NewHandler(repo *conversation.Repository, generator session.Generator, logger *zap.Logger) *Handler {
	return &Handler{
		repo:      repo,
		generator: generator,
		logger:    logger,
	}
}

// Register mounts every API route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/message", h.HandleMessage)
	mux.HandleFunc("/api/conversations", h.GetConversations)
	mux.HandleFunc("/api/messages", h.GetMessages)
	mux.HandleFunc("/api/conversations/delete", h.DeleteConversation)
	mux.HandleFunc("/api/conversations/update", h.UpdateConversation)
	mux.HandleFunc("/api/conversations/export", h.ExportConversation)
	mux.HandleFunc("/api/conversations/import", h.ImportConversation)
}

type MessageRequest struct {
	Content string `json:"content"`
}

type MessageResponse struct {
	Message      *models.Message      `json:"message"`
	Conversation *models.Conversation `json:"conversation"`
}

type CreateConversationRequest struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

type UpdateConversationRequest struct {
	Title string `json:"title"`
}

type ConversationResponse struct {
	Conversation *models.Conversation `json:"conversation"`
	Messages     []models.Message     `json:"messages"`
}

type ImportResponse struct {
	ID string `json:"id"`
}

func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	convID, ok := conversationID(w, r)
	if !ok {
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sess := session.New(h.repo, h.generator, h.logger)
	if err := sess.Load(r.Context(), convID); err != nil {
		h.writeError(w, "Failed to load conversation", err)
		return
	}

	reply, err := sess.Send(r.Context(), req.Content)
	if err != nil {
		h.writeError(w, "Failed to process message", err)
		return
	}

	conv, _ := sess.Current()
	h.writeJSON(w, http.StatusOK, MessageResponse{Message: reply, Conversation: conv})
}

func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		conversations, err := h.repo.List(r.Context())
		if err != nil {
			h.writeError(w, "Failed to get conversations", err)
			return
		}

		h.logger.Debug("Retrieved conversations",
			zap.Int("count", len(conversations)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))

		h.writeJSON(w, http.StatusOK, conversations)

	case http.MethodPost:
		var req CreateConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		conv, err := h.repo.Create(r.Context(), conversation.CreateParams{Title: req.Title, Model: req.Model})
		if err != nil {
			h.writeError(w, "Failed to create conversation", err)
			return
		}

		h.writeJSON(w, http.StatusCreated, conv)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	convID, ok := conversationID(w, r)
	if !ok {
		return
	}

	conv, messages, err := h.repo.Get(r.Context(), convID)
	if err != nil {
		h.writeError(w, "Failed to get messages", err)
		return
	}
	if conv == nil {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}

	h.writeJSON(w, http.StatusOK, ConversationResponse{Conversation: conv, Messages: messages})
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	convID, ok := conversationID(w, r)
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), convID); err != nil {
		h.writeError(w, "Failed to delete conversation", err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) UpdateConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	convID, ok := conversationID(w, r)
	if !ok {
		return
	}

	var req UpdateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.repo.UpdateTitle(r.Context(), convID, req.Title); err != nil {
		h.writeError(w, "Failed to update conversation", err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) ExportConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	convID, ok := conversationID(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := h.repo.ExportTo(r.Context(), convID, &buf); err != nil {
		h.writeError(w, "Failed to export conversation", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "conversation-"+convID+".json"))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.logger.Error("Failed to write export", zap.String("conversationID", convID), zap.Error(err))
	}
}

func (h *Handler) ImportConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := h.repo.ImportFrom(r.Context(), http.MaxBytesReader(w, r.Body, maxImportSize))
	if err != nil {
		h.writeError(w, "Failed to import conversation", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, ImportResponse{ID: id})
}

func conversationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.URL.Query().Get("conversation_id")
	if id == "" {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// writeError maps repository errors to status codes.
func (h *Handler) writeError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		http.Error(w, "Conversation not found", http.StatusNotFound)
	case errors.Is(err, conversation.ErrMalformedImport), errors.Is(err, conversation.ErrInvalidRole):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error(msg, zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

package rag

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/verdemuse/assistant/common/logger"
	"github.com/verdemuse/assistant/orchestrator"
)

const maxChatBody = 1 << 20

// ChatRequest is the body of POST /api/chat/.
type ChatRequest struct {
	Message        *string `json:"message"`
	ConversationID *string `json:"conversation_id"`
	UserID         *string `json:"user_id"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type detailResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("write response: %v", err)
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, detailResponse{Detail: detail})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Welcome to VerdeMuse Intelligent Customer Support API",
		"status":  "online",
		"version": Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "healthy",
		"environment": s.client.config.App.Environment,
	})
}

func decodeChatRequest(r *http.Request) (orchestrator.TurnRequest, error) {
	var body ChatRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxChatBody))
	if err := dec.Decode(&body); err != nil {
		return orchestrator.TurnRequest{}, fmt.Errorf("invalid request body: %v", err)
	}
	if body.Message == nil {
		return orchestrator.TurnRequest{}, errors.New("field required: message")
	}
	if strings.TrimSpace(*body.Message) == "" {
		return orchestrator.TurnRequest{}, errors.New("message must not be empty")
	}
	req := orchestrator.TurnRequest{Message: *body.Message}
	if body.ConversationID != nil {
		req.ConversationID = *body.ConversationID
	}
	if body.UserID != nil {
		req.UserID = *body.UserID
	}
	return req, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	resp, err := s.client.Chat(r.Context(), req)
	if err != nil {
		logger.WithContext(map[string]interface{}{"conversation_id": req.ConversationID}).
			Errorf("chat turn failed: %v", err)
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["conversation_id"]
	msgs := s.client.Memory().GetConversation(r.Context(), id)
	if len(msgs) == 0 {
		writeDetail(w, http.StatusNotFound, "Conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["conversation_id"]
	m := s.client.Memory()
	if _, ok := m.GetConversationMetadata(r.Context(), id); !ok {
		writeDetail(w, http.StatusNotFound, "Conversation not found")
		return
	}
	if !m.DeleteConversation(r.Context(), id) {
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "success", Message: "Conversation deleted"})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["conversation_id"]
	meta, ok := s.client.Memory().GetConversationMetadata(r.Context(), id)
	if !ok {
		writeDetail(w, http.StatusNotFound, "Conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	n := s.client.Memory().CleanupExpiredConversations(r.Context())
	writeJSON(w, http.StatusOK, statusResponse{
		Status:  "success",
		Message: fmt.Sprintf("Cleaned up %d expired conversations", n),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.client.CacheStats())
}

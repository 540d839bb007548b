package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/spy-chat-core/server/internal/agent/model"
	errx "github.com/spy-chat-core/server/internal/core/error"
	logx "github.com/spy-chat-core/server/pkg/logger"
)

// maxWindow caps ?window= on history reads.
const maxWindow = 500

type chatRequest struct {
	Message   string `json:"message"`
	MaxRounds int    `json:"max_rounds,omitempty"`
	// TurnID lets a websocket client match progress frames to this request.
	TurnID string `json:"turn_id,omitempty"`
}

type chatResponse struct {
	PersonaID         string                  `json:"persona_id"`
	PersonaName       string                  `json:"persona_name"`
	Message           string                  `json:"message"`
	Response          string                  `json:"response"`
	ConversationID    string                  `json:"conversation_id"`
	TurnID            string                  `json:"turn_id"`
	TerminationReason model.TerminationReason `json:"termination_reason"`
	Rounds            int                     `json:"rounds"`
	ToolCalls         []model.TraceEntry      `json:"tool_calls"`
	Error             string                  `json:"error,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listPersonas(w http.ResponseWriter, r *http.Request) {
	personas, err := s.personas.ListPersonas(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, personas)
}

func (s *Server) getPersona(w http.ResponseWriter, r *http.Request) {
	p, err := s.personas.GetPersona(r.Context(), chi.URLParam(r, "personaID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) createConversation(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusCreated, map[string]string{"conversation_id": uuid.NewString()})
}

func (s *Server) conversationMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	store := s.runner.Store()

	var (
		msgs []model.Message
		err  error
	)
	if raw := r.URL.Query().Get("window"); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n < 1 || n > maxWindow {
			respondErr(w, errx.Invalid("window must be an integer between 1 and %d", maxWindow))
			return
		}
		msgs, err = store.Window(r.Context(), id, n)
	} else {
		msgs, err = store.Load(r.Context(), id)
	}
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"messages":        msgs,
	})
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, errx.Invalid("malformed request body"))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondErr(w, errx.Invalid("message must not be empty"))
		return
	}
	if req.MaxRounds < 0 {
		respondErr(w, errx.Invalid("max_rounds must be positive"))
		return
	}

	persona, err := s.personas.GetPersona(r.Context(), chi.URLParam(r, "personaID"))
	if err != nil {
		respondErr(w, err)
		return
	}

	conversationID := chi.URLParam(r, "conversationID")
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	res, err := s.runner.RunTurn(r.Context(), model.TurnInput{
		ConversationID: conversationID,
		TurnID:         req.TurnID,
		Persona:        *persona,
		Message:        req.Message,
		MaxRounds:      req.MaxRounds,
	})

	body := chatResponse{
		PersonaID:         persona.ID,
		PersonaName:       persona.Name,
		Message:           req.Message,
		Response:          res.FinalText,
		ConversationID:    res.ConversationID,
		TurnID:            res.TurnID,
		TerminationReason: res.Reason,
		Rounds:            res.Rounds,
		ToolCalls:         res.Trace,
		Error:             res.Error,
	}
	if err != nil {
		status := errx.StatusOf(err)
		if errors.Is(err, errx.ErrDuplicateInvocation) {
			status = http.StatusBadGateway
		}
		logx.Warn().Err(err).Str("conversation_id", conversationID).Int("status", status).Msg("chat turn failed")
		respondJSON(w, status, body)
		return
	}
	respondJSON(w, http.StatusOK, body)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logx.Debug().Err(err).Msg("failed to write response")
	}
}

func respondErr(w http.ResponseWriter, err error) {
	respondJSON(w, errx.StatusOf(err), map[string]string{"error": errx.SafeMessage(err)})
}

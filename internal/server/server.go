// Package server exposes the engine over HTTP. It is thin glue: every
// route decodes a request, calls into the engine or a store, and
// encodes the result. Replies stream as text/plain; disconnecting the
// client cancels generation through the request context.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/hession/vox/internal/config"
	"github.com/hession/vox/internal/engine"
	"github.com/hession/vox/internal/fantasy"
	"github.com/hession/vox/internal/llm"
	"github.com/hession/vox/internal/logger"
	"github.com/hession/vox/internal/prompt"
)

// DefaultConversation is the conversation used when a request does not
// name one.
const DefaultConversation = "default"

// Server routes HTTP traffic to the engine.
type Server struct {
	mu        sync.Mutex
	cfg       *config.Settings
	engine    *engine.Engine
	fantasies *fantasy.Store
}

// New creates the HTTP layer.
func New(cfg *config.Settings, eng *engine.Engine, fantasies *fantasy.Store) *Server {
	return &Server{cfg: cfg, engine: eng, fantasies: fantasies}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handleUpdateSettings)
	mux.HandleFunc("GET /api/fantasies", s.handleListFantasies)
	mux.HandleFunc("POST /api/fantasies", s.handleSaveFantasy)
	mux.HandleFunc("GET /api/fantasies/{id}", s.handleGetFantasy)
	mux.HandleFunc("DELETE /api/fantasies/{id}", s.handleDeleteFantasy)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	return mux
}

// ListenAndServe runs the server on the configured address.
func (s *Server) ListenAndServe() error {
	addr := s.cfg.Server.ListenAddr
	logger.Info("server: listening on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	FantasyID      string `json:"fantasy_id"`
	SystemPrompt   string `json:"system_prompt"`
	UserName       string `json:"user_name"`
	AIName         string `json:"ai_name"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	convID := req.ConversationID
	if convID == "" {
		convID = DefaultConversation
	}
	userName := req.UserName
	if userName == "" {
		userName = "User"
	}
	aiName := req.AIName
	if aiName == "" {
		aiName = "AI"
	}

	systemPrompt := req.SystemPrompt
	var sampling *llm.SamplingConfig
	if req.FantasyID != "" {
		card, err := s.fantasies.Get(req.FantasyID)
		if err != nil {
			writeError(w, http.StatusNotFound, "unknown fantasy")
			return
		}
		systemPrompt = card.SystemPrompt
		if card.UserName != "" && req.UserName == "" {
			userName = card.UserName
		}
		if card.AIName != "" && req.AIName == "" {
			aiName = card.AIName
		}
		if card.Temperature > 0 || card.RepeatPenalty > 0 {
			over := llm.SamplingConfig{
				Temperature:   s.cfg.Model.Temperature,
				TopK:          s.cfg.Model.TopK,
				RepeatPenalty: s.cfg.Model.RepeatPenalty,
				MaxTokens:     s.cfg.Model.MaxResponseTokens,
			}
			if card.Temperature > 0 {
				over.Temperature = card.Temperature
			}
			if card.RepeatPenalty > 0 {
				over.RepeatPenalty = card.RepeatPenalty
			}
			sampling = &over
		}
	}

	sess, err := s.engine.Session(convID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	turn := engine.Turn{
		SystemPrompt: systemPrompt + identityInstruction(userName, aiName),
		Sampling:     sampling,
	}
	reply, err := sess.Chat(r.Context(), fmt.Sprintf("%s: %s", userName, req.Message), turn)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, prompt.ErrPromptOverflow) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, warn := range reply.Warnings {
		w.Header().Add("X-Vox-Warning", warn)
	}

	flusher, _ := w.(http.Flusher)
	stripper := newPrefixStripper(aiName + ":")
	defer reply.Close()
	for {
		chunk, err := reply.Recv()
		if err == io.EOF {
			if tail := stripper.Flush(); tail != "" {
				io.WriteString(w, tail)
			}
			return
		}
		if err != nil {
			// Headers are gone; the truncated stream is the signal.
			logger.Warn("server: stream aborted: %v", err)
			return
		}
		if out := stripper.Feed(chunk); out != "" {
			io.WriteString(w, out)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// identityInstruction is the system note appended to every roleplay
// prompt so the model stays in character and does not echo the user.
func identityInstruction(userName, aiName string) string {
	return fmt.Sprintf("\n[System Note: Roleplay as %s. User is %s. "+
		"Use [brackets] for actions/narration. Write %s's next response only. "+
		"Do NOT repeat the user's dialogue.]", aiName, userName, aiName)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.cfg)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Decode over a copy of the current settings so omitted fields
	// keep their values, then clamp before anything takes effect.
	updated := *s.cfg
	if err := json.NewDecoder(r.Body).Decode(&updated); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings body")
		return
	}
	updated.Clamp()
	if err := updated.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	*s.cfg = updated
	if err := config.Save(s.cfg); err != nil {
		logger.Warn("server: failed to persist settings: %v", err)
	}
	writeJSON(w, http.StatusOK, s.cfg)
}

func (s *Server) handleListFantasies(w http.ResponseWriter, r *http.Request) {
	cards, err := s.fantasies.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cards == nil {
		cards = []*fantasy.Card{}
	}
	writeJSON(w, http.StatusOK, cards)
}

func (s *Server) handleSaveFantasy(w http.ResponseWriter, r *http.Request) {
	var card fantasy.Card
	if err := json.NewDecoder(r.Body).Decode(&card); err != nil {
		writeError(w, http.StatusBadRequest, "invalid fantasy body")
		return
	}
	saved, err := s.fantasies.Save(&card)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleGetFantasy(w http.ResponseWriter, r *http.Request) {
	card, err := s.fantasies.Get(r.PathValue("id"))
	if errors.Is(err, fantasy.ErrCardNotFound) {
		writeError(w, http.StatusNotFound, "fantasy not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleDeleteFantasy(w http.ResponseWriter, r *http.Request) {
	err := s.fantasies.Delete(r.PathValue("id"))
	if errors.Is(err, fantasy.ErrCardNotFound) {
		writeError(w, http.StatusNotFound, "fantasy not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		convID = DefaultConversation
	}
	sess, err := s.engine.Session(convID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess.Stats())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		convID = DefaultConversation
	}
	if err := s.engine.Reset(convID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("server: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

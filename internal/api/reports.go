package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/PairTraceDev/pairtrace-web/internal/db"
	"github.com/PairTraceDev/pairtrace-web/internal/logger"
)

// handleGetSummary returns service-wide entity counts and event-type
// breakdowns.
func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.reports.GetSummary(r.Context())
	if err != nil {
		logger.Ctx(r.Context()).Error("summary query failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to compute summary")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// handleGetUserActivity returns the per-user activity report.
func (s *Server) handleGetUserActivity(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	if email == "" {
		respondError(w, http.StatusBadRequest, "Missing email")
		return
	}

	activity, err := s.reports.GetUserActivity(r.Context(), email)
	if errors.Is(err, db.ErrUserNotFound) {
		respondError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		logger.Ctx(r.Context()).Error("user activity query failed", "email", email, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to compute user activity")
		return
	}
	respondJSON(w, http.StatusOK, activity)
}

// handleGetPairStats returns aggregate pair-programming statistics.
func (s *Server) handleGetPairStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reports.GetPairStats(r.Context())
	if err != nil {
		logger.Ctx(r.Context()).Error("pair stats query failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to compute pair stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// handleGetPairSession returns one pair session with its role-switch
// history.
func (s *Server) handleGetPairSession(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "pairSessionID")

	detail, err := s.reports.GetPairSessionDetail(r.Context(), token)
	if errors.Is(err, db.ErrPairSessionNotFound) {
		respondError(w, http.StatusNotFound, "Pair session not found")
		return
	}
	if err != nil {
		logger.Ctx(r.Context()).Error("pair session query failed", "token", token, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to load pair session")
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

// handleGetTimeline returns the merged chronological timeline of a pair
// session.
func (s *Server) handleGetTimeline(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "pairSessionID")

	timeline, err := s.reports.GetTimeline(r.Context(), token)
	if err != nil {
		logger.Ctx(r.Context()).Error("timeline query failed", "token", token, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to load timeline")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"pair_session_id": token,
		"timeline":        timeline,
	})
}

// handleGetConversation returns a conversation's messages in order.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	conv, err := s.reports.GetConversation(r.Context(), conversationID)
	if err != nil {
		logger.Ctx(r.Context()).Error("conversation query failed", "conversation_id", conversationID, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to load conversation")
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

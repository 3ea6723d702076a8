package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hamlin/arbiter/internal/dispatch"
	"github.com/hamlin/arbiter/internal/model"
	"github.com/hamlin/arbiter/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// submitAttemptRequest is the JSON body for POST /v1/attempts.
type submitAttemptRequest struct {
	SourceCode     string `json:"source_code"`
	LanguageID     int    `json:"language_id"`
	Stdin          string `json:"stdin"`
	ExpectedOutput string `json:"expected_output"`
	ChallengeID    string `json:"challenge_id"`
}

// listAttemptsResponse wraps the paginated list response.
type listAttemptsResponse struct {
	Attempts []*model.Attempt `json:"attempts"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

func (s *Server) handleSubmitAttempt(w http.ResponseWriter, r *http.Request) {
	var req submitAttemptRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.SourceCode == "" {
		s.writeError(w, http.StatusBadRequest, "source_code is required")
		return
	}
	if req.LanguageID <= 0 {
		s.writeError(w, http.StatusBadRequest, "language_id is required")
		return
	}

	a, err := s.dispatcher.SubmitAttempt(r.Context(), dispatch.SubmitParams{
		UserID:         userID(r.Context()),
		SourceCode:     req.SourceCode,
		LanguageID:     req.LanguageID,
		Stdin:          req.Stdin,
		ExpectedOutput: req.ExpectedOutput,
		ChallengeID:    req.ChallengeID,
	})
	if err != nil {
		s.logger.Error("submit attempt", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit attempt")
		return
	}

	// 202: execution continues asynchronously; poll the attempt for the verdict.
	s.writeJSON(w, http.StatusAccepted, a)
}

func (s *Server) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	a, err := s.store.GetAttempt(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "attempt not found")
		return
	}
	if err != nil {
		s.logger.Error("get attempt", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get attempt")
		return
	}

	if a.UserID != userID(r.Context()) {
		s.writeError(w, http.StatusForbidden, "attempt is not owned by caller")
		return
	}

	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	attempts, total, err := s.store.ListAttempts(r.Context(), userID(r.Context()), limit, offset)
	if err != nil {
		s.logger.Error("list attempts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}

	if attempts == nil {
		attempts = []*model.Attempt{}
	}

	s.writeJSON(w, http.StatusOK, listAttemptsResponse{
		Attempts: attempts,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	q := r.URL.Query().Get(key)
	if q == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(q)
	if err != nil {
		return defaultVal
	}
	return v
}

package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hamlin/arbiter/internal/dispatch"
	"github.com/hamlin/arbiter/internal/judge"
	"github.com/hamlin/arbiter/internal/model"
	"github.com/hamlin/arbiter/internal/store"
)

// callbackPayload is the engine-delivered completion notice. Status is kept
// raw because engines deliver either a structured status object or a bare
// status string.
type callbackPayload struct {
	Token  string          `json:"token"`
	Status json.RawMessage `json:"status"`
	Result json.RawMessage `json:"result"`
}

// callbackAck is the acknowledgment body returned for every accepted delivery.
type callbackAck struct {
	Received bool `json:"received"`
}

// handleJudgeCallback receives the engine's asynchronous completion notice.
// Authentication short-circuits before any store access, and every
// authenticated, well-formed delivery is acknowledged with 200 — including
// duplicates and unknown tokens — because engines redeliver until acked.
func (s *Server) handleJudgeCallback(w http.ResponseWriter, r *http.Request) {
	if len(s.callbackSecret) > 0 {
		provided := r.Header.Get("X-Callback-Secret")
		if provided == "" {
			provided = r.URL.Query().Get("secret")
		}
		if subtle.ConstantTimeCompare([]byte(provided), s.callbackSecret) != 1 {
			callbackDeliveries.WithLabelValues("unauthenticated").Inc()
			s.writeError(w, http.StatusUnauthorized, "invalid callback secret")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	var payload callbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		callbackDeliveries.WithLabelValues("malformed").Inc()
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Token == "" {
		callbackDeliveries.WithLabelValues("malformed").Inc()
		s.writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	status, terminal, err := terminalStatusFromPayload(payload.Status)
	if err != nil {
		callbackDeliveries.WithLabelValues("malformed").Inc()
		s.writeError(w, http.StatusBadRequest, "unrecognized status")
		return
	}
	if !terminal {
		// Progress notification; nothing to record yet.
		callbackDeliveries.WithLabelValues("progress").Inc()
		s.writeJSON(w, http.StatusOK, callbackAck{Received: true})
		return
	}

	// Engines that deliver the verdict inline (no result envelope) get the
	// whole payload stored as the result.
	result := payload.Result
	if len(result) == 0 {
		result = body
	}

	applied, err := s.dispatcher.ApplyVerdict(r.Context(), payload.Token, status, result)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Possibly another instance's attempt; ack so the engine stops
		// redelivering, mutate nothing.
		callbackDeliveries.WithLabelValues("unknown_token").Inc()
	case err != nil:
		s.logger.Error("apply callback verdict", "token", payload.Token, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to record verdict")
		return
	case applied:
		callbackDeliveries.WithLabelValues("applied").Inc()
	default:
		callbackDeliveries.WithLabelValues("duplicate").Inc()
	}

	s.writeJSON(w, http.StatusOK, callbackAck{Received: true})
}

// terminalStatusFromPayload interprets the callback's status field: either an
// engine status object with a numeric id, or a bare attempt status string.
func terminalStatusFromPayload(raw json.RawMessage) (status string, terminal bool, err error) {
	if len(raw) == 0 {
		return "", false, errors.New("status is required")
	}

	var engineStatus judge.Status
	if jsonErr := json.Unmarshal(raw, &engineStatus); jsonErr == nil && engineStatus.ID != 0 {
		status, terminal = dispatch.TerminalStatusFor(engineStatus)
		return status, terminal, nil
	}

	var plain string
	if jsonErr := json.Unmarshal(raw, &plain); jsonErr == nil {
		switch plain {
		case model.StatusCompleted:
			return model.StatusCompleted, true, nil
		case model.StatusFailed:
			return model.StatusFailed, true, nil
		case model.StatusQueued, model.StatusProcessing:
			return "", false, nil
		default:
			return "", false, errors.New("unknown status string")
		}
	}

	return "", false, errors.New("unparseable status field")
}

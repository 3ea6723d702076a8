package model

import (
	"encoding/json"
	"time"
)

// Attempt status constants.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no entry: nothing transitions out of them.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusProcessing: true,
		StatusFailed:     true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether a status is absorbing.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Attempt represents one user's request to execute a piece of source code
// through the external judge engine and observe its verdict.
type Attempt struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	SourceCode     string          `json:"source_code"`
	LanguageID     int             `json:"language_id"`
	Stdin          string          `json:"stdin,omitempty"`
	ExpectedOutput string          `json:"expected_output,omitempty"`
	ChallengeID    string          `json:"challenge_id,omitempty"`
	Token          string          `json:"token,omitempty"`
	Status         string          `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	Message        string          `json:"message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

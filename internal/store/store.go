package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hamlin/arbiter/internal/model"
)

// ErrInvalidTransition is returned when an attempt status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// AttemptStats holds aggregate submission statistics.
type AttemptStats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	CountByLanguage map[int]int    `json:"count_by_language"`
}

// Store defines the persistence operations for attempts. It is the sole
// source of truth for attempt status; all cross-request races resolve here
// through conditional updates rather than external locks.
type Store interface {
	CreateAttempt(ctx context.Context, a *model.Attempt) error
	GetAttempt(ctx context.Context, id string) (*model.Attempt, error)
	GetAttemptByToken(ctx context.Context, token string) (*model.Attempt, error)
	ListAttempts(ctx context.Context, userID string, limit, offset int) ([]*model.Attempt, int, error)

	// MarkProcessing records the engine's correlation token and moves the
	// attempt from queued to processing. It fails with ErrInvalidTransition
	// if the attempt has already left the queued state.
	MarkProcessing(ctx context.Context, id, token string) error

	// MarkFailed moves a non-terminal attempt to failed with a human-readable
	// message. It fails with ErrInvalidTransition once the attempt is terminal.
	MarkFailed(ctx context.Context, id, message string) error

	// CompleteByToken applies the terminal status and result to the attempt
	// correlated by token, as a single atomic check-and-set: the update only
	// lands if the attempt is not yet terminal. It returns the attempt as
	// stored after the call and whether this caller's update was applied.
	// An unknown token returns ErrNotFound.
	CompleteByToken(ctx context.Context, token, status string, result json.RawMessage) (*model.Attempt, bool, error)

	// ListStaleProcessing returns attempts stuck in processing whose last
	// update is older than the given cutoff, oldest first.
	ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*model.Attempt, error)

	GetAttemptStats(ctx context.Context) (*AttemptStats, error)
	Close() error
}

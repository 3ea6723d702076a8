package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hamlin/arbiter/internal/judge"
	"github.com/hamlin/arbiter/internal/model"
	"github.com/hamlin/arbiter/internal/store"
)

// retryDelay is the pause between bounded submission retries.
const retryDelay = 500 * time.Millisecond

// Gateway is the outbound interface to the execution engine.
type Gateway interface {
	Submit(ctx context.Context, req judge.SubmissionRequest) (string, error)
	FetchStatus(ctx context.Context, token string) (*judge.Verdict, error)
}

// Dispatcher creates attempts and drives them through the judge gateway.
type Dispatcher struct {
	store   store.Store
	gateway Gateway
	logger  *slog.Logger
	retries int
}

// NewDispatcher creates a Dispatcher. retries is the number of additional
// submission attempts made when the engine is unreachable; zero means fail
// immediately.
func NewDispatcher(s store.Store, g Gateway, logger *slog.Logger, retries int) *Dispatcher {
	if retries < 0 {
		retries = 0
	}
	return &Dispatcher{
		store:   s,
		gateway: g,
		logger:  logger,
		retries: retries,
	}
}

// SubmitParams describes one submission on behalf of a user.
type SubmitParams struct {
	UserID         string
	SourceCode     string
	LanguageID     int
	Stdin          string
	ExpectedOutput string
	ChallengeID    string
}

// SubmitAttempt persists a new queued attempt, dispatches it to the engine,
// and records the outcome. It returns the live attempt without ever blocking
// on the engine's execution time: a gateway failure surfaces only through the
// attempt's own status, never as an error from this method.
func (d *Dispatcher) SubmitAttempt(ctx context.Context, p SubmitParams) (*model.Attempt, error) {
	now := time.Now().UTC()
	a := &model.Attempt{
		ID:             model.NewID(),
		UserID:         p.UserID,
		SourceCode:     p.SourceCode,
		LanguageID:     p.LanguageID,
		Stdin:          p.Stdin,
		ExpectedOutput: p.ExpectedOutput,
		ChallengeID:    p.ChallengeID,
		Status:         model.StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.store.CreateAttempt(ctx, a); err != nil {
		return nil, fmt.Errorf("create attempt: %w", err)
	}

	token, err := d.submitWithRetry(ctx, judge.SubmissionRequest{
		SourceCode:     p.SourceCode,
		LanguageID:     p.LanguageID,
		Stdin:          p.Stdin,
		ExpectedOutput: p.ExpectedOutput,
	})
	if err != nil {
		d.logger.Warn("dispatch failed",
			"attempt_id", a.ID,
			"language_id", p.LanguageID,
			"error", err,
		)
		dispatchOutcomes.WithLabelValues(outcomeFor(err)).Inc()
		if ferr := d.store.MarkFailed(ctx, a.ID, err.Error()); ferr != nil {
			d.logger.Error("mark attempt failed", "attempt_id", a.ID, "error", ferr)
		}
		return d.store.GetAttempt(ctx, a.ID)
	}

	if err := d.store.MarkProcessing(ctx, a.ID, token); err != nil {
		// The engine accepted the submission but the local transition was
		// refused or the store failed; the sweeper can still reconcile by
		// token, so report the attempt as stored.
		d.logger.Error("mark attempt processing", "attempt_id", a.ID, "token", token, "error", err)
		return d.store.GetAttempt(ctx, a.ID)
	}

	dispatchOutcomes.WithLabelValues("dispatched").Inc()
	d.logger.Info("attempt dispatched", "attempt_id", a.ID, "token", token)
	return d.store.GetAttempt(ctx, a.ID)
}

// submitWithRetry calls the gateway, retrying only when the engine was
// unreachable. Rejections are final on first sight.
func (d *Dispatcher) submitWithRetry(ctx context.Context, req judge.SubmissionRequest) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return "", &judge.UnavailableError{Err: ctx.Err()}
			}
		}

		token, err := d.gateway.Submit(ctx, req)
		if err == nil {
			return token, nil
		}
		lastErr = err

		var unavailable *judge.UnavailableError
		if !errors.As(err, &unavailable) {
			return "", err
		}
	}
	return "", lastErr
}

// ApplyVerdict advances the attempt correlated by token to the given terminal
// status, storing result as the verdict payload. It reports whether this call
// was the one that landed the transition; duplicates return false with no
// error, and an unknown token returns store.ErrNotFound.
func (d *Dispatcher) ApplyVerdict(ctx context.Context, token, status string, result json.RawMessage) (bool, error) {
	if !model.Terminal(status) {
		return false, fmt.Errorf("status %q is not terminal", status)
	}

	a, applied, err := d.store.CompleteByToken(ctx, token, status, result)
	if err != nil {
		return false, err
	}
	if applied {
		d.logger.Info("attempt resolved", "attempt_id", a.ID, "token", token, "status", status)
	} else {
		d.logger.Debug("duplicate verdict absorbed", "attempt_id", a.ID, "token", token)
	}
	return applied, nil
}

// TerminalStatusFor maps an engine status to the attempt's terminal status.
// ok is false while the engine is still working on the submission.
func TerminalStatusFor(s judge.Status) (status string, ok bool) {
	if !s.Terminal() {
		return "", false
	}
	switch s.ID {
	case judge.StatusInternalError, judge.StatusExecFormatErr:
		return model.StatusFailed, true
	default:
		// Wrong Answer, TLE, runtime errors and the rest are successful
		// executions from the platform's point of view: the engine ran the
		// code and produced a verdict.
		return model.StatusCompleted, true
	}
}

func outcomeFor(err error) string {
	var rejected *judge.RejectedError
	if errors.As(err, &rejected) {
		return "rejected"
	}
	return "unavailable"
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hamlin/arbiter/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestAttempt(userID string) *model.Attempt {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.Attempt{
		ID:         model.NewID(),
		UserID:     userID,
		SourceCode: `print(1)`,
		LanguageID: 71,
		Stdin:      "1 2",
		Status:     model.StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestCreateAndGetAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := makeTestAttempt("user-1")
	a.ExpectedOutput = "1\n"
	a.ChallengeID = "two-sum"

	if err := s.CreateAttempt(ctx, a); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}

	got, err := s.GetAttempt(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}

	if got.ID != a.ID {
		t.Errorf("ID = %q, want %q", got.ID, a.ID)
	}
	if got.UserID != a.UserID {
		t.Errorf("UserID = %q, want %q", got.UserID, a.UserID)
	}
	if got.SourceCode != a.SourceCode {
		t.Errorf("SourceCode = %q, want %q", got.SourceCode, a.SourceCode)
	}
	if got.LanguageID != a.LanguageID {
		t.Errorf("LanguageID = %d, want %d", got.LanguageID, a.LanguageID)
	}
	if got.Stdin != a.Stdin {
		t.Errorf("Stdin = %q, want %q", got.Stdin, a.Stdin)
	}
	if got.ExpectedOutput != a.ExpectedOutput {
		t.Errorf("ExpectedOutput = %q, want %q", got.ExpectedOutput, a.ExpectedOutput)
	}
	if got.ChallengeID != a.ChallengeID {
		t.Errorf("ChallengeID = %q, want %q", got.ChallengeID, a.ChallengeID)
	}
	if got.Status != model.StatusQueued {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusQueued)
	}
	if got.Token != "" {
		t.Errorf("Token = %q, want empty", got.Token)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil", got.CompletedAt)
	}
}

func TestGetAttemptNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetAttempt(ctx, "nonexistent")
	if err != ErrNotFound {
		t.Errorf("GetAttempt error = %v, want ErrNotFound", err)
	}
}

func TestGetAttemptByToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := makeTestAttempt("user-1")

	if err := s.CreateAttempt(ctx, a); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}
	if err := s.MarkProcessing(ctx, a.ID, "tok-abc"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	got, err := s.GetAttemptByToken(ctx, "tok-abc")
	if err != nil {
		t.Fatalf("GetAttemptByToken: %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("ID = %q, want %q", got.ID, a.ID)
	}
	if got.Status != model.StatusProcessing {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusProcessing)
	}
}

func TestGetAttemptByTokenEmptyOrUnknown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// An empty token must never resolve, even though queued attempts all
	// carry an empty token column.
	a := makeTestAttempt("user-1")
	if err := s.CreateAttempt(ctx, a); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}

	if _, err := s.GetAttemptByToken(ctx, ""); err != ErrNotFound {
		t.Errorf("GetAttemptByToken(\"\") error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetAttemptByToken(ctx, "tok-unknown"); err != ErrNotFound {
		t.Errorf("GetAttemptByToken(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestListAttemptsScopedToUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		a := makeTestAttempt("user-1")
		a.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second).Truncate(time.Second)
		if err := s.CreateAttempt(ctx, a); err != nil {
			t.Fatalf("CreateAttempt[%d]: %v", i, err)
		}
	}
	other := makeTestAttempt("user-2")
	if err := s.CreateAttempt(ctx, other); err != nil {
		t.Fatalf("CreateAttempt other: %v", err)
	}

	attempts, total, err := s.ListAttempts(ctx, "user-1", 2, 0)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(attempts) != 2 {
		t.Errorf("len(attempts) = %d, want 2", len(attempts))
	}
	for _, a := range attempts {
		if a.UserID != "user-1" {
			t.Errorf("listed attempt owned by %q, want user-1", a.UserID)
		}
	}

	attempts2, _, err := s.ListAttempts(ctx, "user-1", 2, 4)
	if err != nil {
		t.Fatalf("ListAttempts page 3: %v", err)
	}
	if len(attempts2) != 1 {
		t.Errorf("len(attempts) page 3 = %d, want 1", len(attempts2))
	}
}

func TestMarkProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := makeTestAttempt("user-1")

	if err := s.CreateAttempt(ctx, a); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}
	if err := s.MarkProcessing(ctx, a.ID, "tok-1"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	got, err := s.GetAttempt(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if got.Token != "tok-1" {
		t.Errorf("Token = %q, want tok-1", got.Token)
	}
	if got.Status != model.StatusProcessing {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusProcessing)
	}
	if !got.UpdatedAt.After(a.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want after %v", got.UpdatedAt, a.UpdatedAt)
	}

	// A second dispatch for the same attempt must not overwrite the token.
	err = s.MarkProcessing(ctx, a.ID, "tok-2")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second MarkProcessing error = %v, want ErrInvalidTransition", err)
	}
	got, _ = s.GetAttempt(ctx, a.ID)
	if got.Token != "tok-1" {
		t.Errorf("Token after refused update = %q, want tok-1", got.Token)
	}
}

func TestMarkProcessingNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.MarkProcessing(ctx, "nonexistent", "tok-1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkProcessing error = %v, want ErrNotFound", err)
	}
}

func TestMarkFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := makeTestAttempt("user-1")

	if err := s.CreateAttempt(ctx, a); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}
	if err := s.MarkFailed(ctx, a.ID, "judge engine unreachable"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	got, err := s.GetAttempt(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusFailed)
	}
	if got.Message != "judge engine unreachable" {
		t.Errorf("Message = %q, want failure reason", got.Message)
	}
	if got.Token != "" {
		t.Errorf("Token = %q, want empty", got.Token)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt = nil, want set on terminal transition")
	}

	// Terminal states are absorbing.
	err = s.MarkFailed(ctx, a.ID, "again")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkFailed on terminal error = %v, want ErrInvalidTransition", err)
	}
	got, _ = s.GetAttempt(ctx, a.ID)
	if got.Message != "judge engine unreachable" {
		t.Errorf("Message after refused update = %q, want original", got.Message)
	}
}

func TestCompleteByTokenFirstWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := makeTestAttempt("user-1")

	if err := s.CreateAttempt(ctx, a); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}
	if err := s.MarkProcessing(ctx, a.ID, "tok-1"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	first := json.RawMessage(`{"stdout":"1\n"}`)
	got, applied, err := s.CompleteByToken(ctx, "tok-1", model.StatusCompleted, first)
	if err != nil {
		t.Fatalf("CompleteByToken: %v", err)
	}
	if !applied {
		t.Fatal("applied = false, want true for first delivery")
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusCompleted)
	}
	if string(got.Result) != string(first) {
		t.Errorf("Result = %s, want %s", got.Result, first)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt = nil, want set")
	}
	firstCompletedAt := *got.CompletedAt

	// Duplicate delivery with different contents: absorbed, nothing changes.
	dup := json.RawMessage(`{"stdout":"stale"}`)
	got2, applied2, err := s.CompleteByToken(ctx, "tok-1", model.StatusFailed, dup)
	if err != nil {
		t.Fatalf("CompleteByToken duplicate: %v", err)
	}
	if applied2 {
		t.Error("applied = true for duplicate delivery, want false")
	}
	if got2.Status != model.StatusCompleted {
		t.Errorf("Status after duplicate = %q, want %q", got2.Status, model.StatusCompleted)
	}
	if string(got2.Result) != string(first) {
		t.Errorf("Result after duplicate = %s, want first delivery retained", got2.Result)
	}
	if !got2.CompletedAt.Equal(firstCompletedAt) {
		t.Errorf("CompletedAt after duplicate = %v, want %v", got2.CompletedAt, firstCompletedAt)
	}
}

func TestCompleteByTokenUnknown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.CompleteByToken(ctx, "tok-unknown", model.StatusCompleted, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteByToken error = %v, want ErrNotFound", err)
	}
}

func TestCompleteByTokenConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := makeTestAttempt("user-1")

	if err := s.CreateAttempt(ctx, a); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}
	if err := s.MarkProcessing(ctx, a.ID, "tok-race"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	appliedCount := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result := json.RawMessage(fmt.Sprintf(`{"worker":%d}`, i))
			_, applied, err := s.CompleteByToken(ctx, "tok-race", model.StatusCompleted, result)
			if err != nil {
				t.Errorf("CompleteByToken[%d]: %v", i, err)
				return
			}
			appliedCount <- applied
		}(i)
	}
	wg.Wait()
	close(appliedCount)

	wins := 0
	for applied := range appliedCount {
		if applied {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}

	got, err := s.GetAttempt(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusCompleted)
	}
	if len(got.Result) == 0 {
		t.Error("Result is empty, want the winning delivery retained")
	}
}

func TestListStaleProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := makeTestAttempt("user-1")
	if err := s.CreateAttempt(ctx, stale); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}
	if err := s.MarkProcessing(ctx, stale.ID, "tok-stale"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	queued := makeTestAttempt("user-1")
	if err := s.CreateAttempt(ctx, queued); err != nil {
		t.Fatalf("CreateAttempt queued: %v", err)
	}

	// Cutoff in the future: the processing attempt qualifies, queued does not.
	got, err := s.ListStaleProcessing(ctx, time.Now().UTC().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStaleProcessing: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(stale) = %d, want 1", len(got))
	}
	if got[0].ID != stale.ID {
		t.Errorf("stale[0].ID = %q, want %q", got[0].ID, stale.ID)
	}

	// Cutoff in the past: nothing is stale yet.
	got, err = s.ListStaleProcessing(ctx, time.Now().UTC().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStaleProcessing past cutoff: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len(stale) = %d, want 0", len(got))
	}
}

func TestGetAttemptStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a1 := makeTestAttempt("user-1")
	a2 := makeTestAttempt("user-1")
	a2.LanguageID = 63
	a3 := makeTestAttempt("user-2")
	for _, a := range []*model.Attempt{a1, a2, a3} {
		if err := s.CreateAttempt(ctx, a); err != nil {
			t.Fatalf("CreateAttempt: %v", err)
		}
	}
	if err := s.MarkProcessing(ctx, a1.ID, "tok-s1"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if _, _, err := s.CompleteByToken(ctx, "tok-s1", model.StatusCompleted, nil); err != nil {
		t.Fatalf("CompleteByToken: %v", err)
	}

	stats, err := s.GetAttemptStats(ctx)
	if err != nil {
		t.Fatalf("GetAttemptStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus[model.StatusCompleted] != 1 {
		t.Errorf("completed count = %d, want 1", stats.CountByStatus[model.StatusCompleted])
	}
	if stats.CountByStatus[model.StatusQueued] != 2 {
		t.Errorf("queued count = %d, want 2", stats.CountByStatus[model.StatusQueued])
	}
	if stats.CountByLanguage[71] != 2 {
		t.Errorf("language 71 count = %d, want 2", stats.CountByLanguage[71])
	}
	if stats.CountByLanguage[63] != 1 {
		t.Errorf("language 63 count = %d, want 1", stats.CountByLanguage[63])
	}
}

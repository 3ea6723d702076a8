package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hamlin/arbiter/internal/model"

	_ "modernc.org/sqlite"
)

const createAttemptsTable = `
CREATE TABLE IF NOT EXISTS attempts (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    source_code     TEXT NOT NULL,
    language_id     INTEGER NOT NULL,
    stdin           TEXT NOT NULL DEFAULT '',
    expected_output TEXT NOT NULL DEFAULT '',
    challenge_id    TEXT NOT NULL DEFAULT '',
    token           TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    result          BLOB,
    message         TEXT NOT NULL DEFAULT '',
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL,
    completed_at    DATETIME
)`

const createTokenIndex = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_token
    ON attempts (token) WHERE token <> ''`

const createUserIndex = `
CREATE INDEX IF NOT EXISTS idx_attempts_user
    ON attempts (user_id, created_at)`

// ErrNotFound is returned when an attempt is not found.
var ErrNotFound = errors.New("attempt not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Each pooled connection to ":memory:" would get its own database, so
	// pin in-memory stores to a single connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createAttemptsTable, createTokenIndex, createUserIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate attempts table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const attemptColumns = `id, user_id, source_code, language_id, stdin, expected_output,
	challenge_id, token, status, result, message, created_at, updated_at, completed_at`

func scanAttempt(row interface{ Scan(...any) error }) (*model.Attempt, error) {
	a := &model.Attempt{}
	var result []byte
	err := row.Scan(
		&a.ID, &a.UserID, &a.SourceCode, &a.LanguageID, &a.Stdin, &a.ExpectedOutput,
		&a.ChallengeID, &a.Token, &a.Status, &result, &a.Message,
		&a.CreatedAt, &a.UpdatedAt, &a.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(result) > 0 {
		a.Result = json.RawMessage(result)
	}
	return a, nil
}

// CreateAttempt inserts a new attempt record.
func (s *SQLiteStore) CreateAttempt(ctx context.Context, a *model.Attempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (
			id, user_id, source_code, language_id, stdin, expected_output,
			challenge_id, token, status, result, message,
			created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.SourceCode, a.LanguageID, a.Stdin, a.ExpectedOutput,
		a.ChallengeID, a.Token, a.Status, []byte(a.Result), a.Message,
		a.CreatedAt, a.UpdatedAt, a.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// GetAttempt retrieves an attempt by ID.
func (s *SQLiteStore) GetAttempt(ctx context.Context, id string) (*model.Attempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

// GetAttemptByToken retrieves an attempt by its engine correlation token.
func (s *SQLiteStore) GetAttemptByToken(ctx context.Context, token string) (*model.Attempt, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE token = ?`, token,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt by token: %w", err)
	}
	return a, nil
}

// ListAttempts returns a paginated list of one user's attempts ordered by
// created_at DESC, along with the total count of that user's attempts.
func (s *SQLiteStore) ListAttempts(ctx context.Context, userID string, limit, offset int) ([]*model.Attempt, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM attempts WHERE user_id = ?", userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count attempts: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate attempts: %w", err)
	}

	return attempts, total, nil
}

// MarkProcessing sets the correlation token and moves the attempt from queued
// to processing in a single conditional update. The status guard makes the
// transition safe against any concurrent writer.
func (s *SQLiteStore) MarkProcessing(ctx context.Context, id, token string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET token = ?, status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		token, model.StatusProcessing, time.Now().UTC(), id, model.StatusQueued,
	)
	if err != nil {
		return fmt.Errorf("mark attempt processing: %w", err)
	}
	return s.checkTransitionApplied(ctx, result, id)
}

// MarkFailed moves a non-terminal attempt to failed with the given message.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id, message string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status = ?, message = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		model.StatusFailed, message, now, now,
		id, model.StatusCompleted, model.StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("mark attempt failed: %w", err)
	}
	return s.checkTransitionApplied(ctx, result, id)
}

// checkTransitionApplied distinguishes a missing row from a refused transition
// after a conditional update matched zero rows.
func (s *SQLiteStore) checkTransitionApplied(ctx context.Context, result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}
	if _, err := s.GetAttempt(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// CompleteByToken applies the terminal status and result to the attempt
// correlated by token. The WHERE clause is the whole concurrency story: only
// one caller can ever observe rowsAffected == 1 for a given token, so the
// first delivery wins and every later one reads back the stored attempt
// unchanged.
func (s *SQLiteStore) CompleteByToken(ctx context.Context, token, status string, result json.RawMessage) (*model.Attempt, bool, error) {
	if token == "" {
		return nil, false, ErrNotFound
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status = ?, result = ?, updated_at = ?, completed_at = ?
		WHERE token = ? AND status NOT IN (?, ?)`,
		status, []byte(result), now, now,
		token, model.StatusCompleted, model.StatusFailed,
	)
	if err != nil {
		return nil, false, fmt.Errorf("complete attempt by token: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("check rows affected: %w", err)
	}

	a, err := s.GetAttemptByToken(ctx, token)
	if err != nil {
		return nil, false, err
	}
	return a, rowsAffected > 0, nil
}

// ListStaleProcessing returns processing attempts whose last update predates
// olderThan, oldest first.
func (s *SQLiteStore) ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*model.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC LIMIT ?`,
		model.StatusProcessing, olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale attempts: %w", err)
	}

	return attempts, nil
}

// GetAttemptStats computes aggregate statistics across all attempts.
func (s *SQLiteStore) GetAttemptStats(ctx context.Context) (*AttemptStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &AttemptStats{
		CountByStatus:   make(map[string]int),
		CountByLanguage: make(map[int]int),
	}

	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM attempts").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count attempts: %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM attempts GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	langRows, err := tx.QueryContext(ctx, "SELECT language_id, COUNT(*) FROM attempts GROUP BY language_id")
	if err != nil {
		return nil, fmt.Errorf("count by language: %w", err)
	}
	defer langRows.Close()
	for langRows.Next() {
		var lang, n int
		if err := langRows.Scan(&lang, &n); err != nil {
			return nil, fmt.Errorf("scan language count: %w", err)
		}
		stats.CountByLanguage[lang] = n
	}
	if err := langRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate language counts: %w", err)
	}

	return stats, nil
}

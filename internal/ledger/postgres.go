package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PostgresStore implements Store on a direct Postgres connection. Each delta
// runs in one transaction: the user row is locked with FOR UPDATE, the
// balance is re-read, the post-image is checked, and the journal row is
// appended before commit. A failed journal insert therefore rolls the
// balance change back.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ApplyDelta(ctx context.Context, userID string, delta int, kind, description, taskID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var balance int
	err = tx.QueryRowContext(ctx,
		`SELECT credits FROM users WHERE id = $1 FOR UPDATE`, userID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock user row: %w", err)
	}

	newBalance := balance + delta
	if newBalance < 0 {
		return 0, ErrInsufficientCredits
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET credits = $1 WHERE id = $2`, newBalance, userID,
	); err != nil {
		return 0, fmt.Errorf("update balance: %w", err)
	}

	var taskRef sql.NullString
	if taskID != "" {
		taskRef = sql.NullString{String: taskID, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_journal (id, user_id, delta, balance_after, kind, description, task_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New().String(), userID, delta, newBalance, kind, description, taskRef,
	); err != nil {
		return 0, fmt.Errorf("append journal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return newBalance, nil
}

func (s *PostgresStore) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := s.db.QueryRowContext(ctx,
		`SELECT credits FROM users WHERE id = $1`, userID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *PostgresStore) Journal(ctx context.Context, userID string, limit int) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, delta, balance_after, kind, description, COALESCE(task_id, ''), created_at
		 FROM credit_journal WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.BalanceAfter, &e.Kind,
			&e.Description, &e.TaskID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

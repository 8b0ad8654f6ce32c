package database

import (
	"context"
	"fmt"

	supabase "github.com/supabase-community/supabase-go"
)

// SupabaseStore implements Store on top of the Supabase REST client.
//
// Tables: search_tasks, search_results, api_log, activity_log. The users and
// credit_journal tables are owned by the ledger package, which talks to
// Postgres directly because it needs transactions.
type SupabaseStore struct {
	client *supabase.Client
}

// NewSupabaseStore creates a store from the project URL and service key.
func NewSupabaseStore(url, key string) (*SupabaseStore, error) {
	if url == "" || key == "" {
		return nil, fmt.Errorf("supabase url and service key must be set")
	}
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &SupabaseStore{client: client}, nil
}

// ============================================================================
// TASK OPERATIONS
// ============================================================================

func (s *SupabaseStore) CreateTask(ctx context.Context, task *Task) (*Task, error) {
	var result []Task
	_, err := s.client.From("search_tasks").
		Insert(task, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("insert returned no row")
	}
	return &result[0], nil
}

func (s *SupabaseStore) GetTask(ctx context.Context, id string) (*Task, error) {
	var tasks []Task
	_, err := s.client.From("search_tasks").
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&tasks)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrNotFound
	}
	return &tasks[0], nil
}

func (s *SupabaseStore) GetTaskByToken(ctx context.Context, token string) (*Task, error) {
	var tasks []Task
	_, err := s.client.From("search_tasks").
		Select("*", "", false).
		Eq("token", token).
		ExecuteTo(&tasks)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrNotFound
	}
	return &tasks[0], nil
}

// terminalStatuses is the postgrest in-list of write-once statuses.
const terminalStatuses = `("completed","failed","stopped","insufficient_credits")`

func (s *SupabaseStore) UpdateTask(ctx context.Context, id string, update *TaskUpdate) error {
	// Terminal status is write-once: a status-bearing update only applies to
	// rows that are not yet terminal. When the row is already terminal the
	// remaining fields still go through with the status left untouched, so a
	// progress flush racing a cancel cannot resurrect the row.
	if update.Status != nil {
		var result []Task
		_, err := s.client.From("search_tasks").
			Update(update, "", "").
			Eq("id", id).
			Not("status", "in", terminalStatuses).
			ExecuteTo(&result)
		if err != nil {
			return err
		}
		if len(result) > 0 {
			return nil
		}
		trimmed := *update
		trimmed.Status = nil
		update = &trimmed
	}

	var result []Task
	_, err := s.client.From("search_tasks").
		Update(update, "", "").
		Eq("id", id).
		ExecuteTo(&result)
	return err
}

func (s *SupabaseStore) ListTasks(ctx context.Context, userID string, page, pageSize int) ([]Task, int, error) {
	if page < 1 {
		page = 1
	}
	from := (page - 1) * pageSize
	to := from + pageSize - 1

	var tasks []Task
	count, err := s.client.From("search_tasks").
		Select("*", "exact", false).
		Eq("user_id", userID).
		Order("created_at", nil).
		Range(from, to, "").
		ExecuteTo(&tasks)
	if err != nil {
		return nil, 0, err
	}
	return tasks, int(count), nil
}

// ============================================================================
// RESULT OPERATIONS
// ============================================================================

func (s *SupabaseStore) InsertResult(ctx context.Context, result *SearchResult) error {
	var out []SearchResult
	_, err := s.client.From("search_results").
		Insert(result, false, "", "", "").
		ExecuteTo(&out)
	return err
}

func (s *SupabaseStore) ListResults(ctx context.Context, taskID string, page, pageSize int) ([]SearchResult, int, error) {
	if page < 1 {
		page = 1
	}
	from := (page - 1) * pageSize
	to := from + pageSize - 1

	var rows []SearchResult
	count, err := s.client.From("search_results").
		Select("*", "exact", false).
		Eq("task_id", taskID).
		Order("created_at", nil).
		Range(from, to, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, 0, err
	}
	return rows, int(count), nil
}

// ============================================================================
// LOG OPERATIONS
// ============================================================================

func (s *SupabaseStore) InsertApiLog(ctx context.Context, entry *ApiLog) error {
	var out []ApiLog
	_, err := s.client.From("api_log").
		Insert(entry, false, "", "", "").
		ExecuteTo(&out)
	return err
}

func (s *SupabaseStore) InsertActivityLog(ctx context.Context, entry *ActivityLog) error {
	var out []ActivityLog
	_, err := s.client.From("activity_log").
		Insert(entry, false, "", "", "").
		ExecuteTo(&out)
	return err
}

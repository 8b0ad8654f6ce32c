package database

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a task lookup misses.
var ErrNotFound = errors.New("not found")

// Store is the abstract persistence surface the pipeline and the read API
// consume. The Supabase client implements it for deployments; MemoryStore
// implements it for tests and local runs without a database.
type Store interface {
	CreateTask(ctx context.Context, task *Task) (*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	GetTaskByToken(ctx context.Context, token string) (*Task, error)
	UpdateTask(ctx context.Context, id string, update *TaskUpdate) error
	ListTasks(ctx context.Context, userID string, page, pageSize int) ([]Task, int, error)

	InsertResult(ctx context.Context, result *SearchResult) error
	ListResults(ctx context.Context, taskID string, page, pageSize int) ([]SearchResult, int, error)

	InsertApiLog(ctx context.Context, entry *ApiLog) error
	InsertActivityLog(ctx context.Context, entry *ActivityLog) error
}

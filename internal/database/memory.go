package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and by local runs without
// a database configured.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	results  map[string][]SearchResult // taskID -> rows
	apiLogs  []ApiLog
	activity []ActivityLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*Task),
		results: make(map[string][]SearchResult),
	}
}

func (m *MemoryStore) CreateTask(ctx context.Context, task *Task) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := *task
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt == "" {
		t.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	m.tasks[t.ID] = &t
	out := t
	return &out, nil
}

func (m *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *t
	return &out, nil
}

func (m *MemoryStore) GetTaskByToken(ctx context.Context, token string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.tasks {
		if t.Token == token {
			out := *t
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateTask(ctx context.Context, id string, update *TaskUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	// Terminal status is write-once: a progress flush racing a cancel (or a
	// finished task) must not resurrect the row.
	if update.Status != nil && !TerminalStatus(t.Status) {
		t.Status = *update.Status
	}
	if update.Progress != nil {
		t.Progress = *update.Progress
	}
	if update.CreditsUsed != nil {
		t.CreditsUsed = *update.CreditsUsed
	}
	if update.ActualCount != nil {
		t.ActualCount = *update.ActualCount
	}
	if update.Logs != nil {
		t.Logs = update.Logs
	}
	if update.Stats != nil {
		t.Stats = update.Stats
	}
	if update.ErrorMessage != nil {
		t.ErrorMessage = *update.ErrorMessage
	}
	if update.CompletedAt != nil {
		t.CompletedAt = update.CompletedAt
	}
	return nil
}

func (m *MemoryStore) ListTasks(ctx context.Context, userID string, page, pageSize int) ([]Task, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []Task
	for _, t := range m.tasks {
		if t.UserID == userID {
			all = append(all, *t)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt > all[j].CreatedAt })

	total := len(all)
	rows := paginate(all, page, pageSize)
	return rows, total, nil
}

func (m *MemoryStore) InsertResult(ctx context.Context, result *SearchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := *result
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt == "" {
		r.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	m.results[r.TaskID] = append(m.results[r.TaskID], r)
	return nil
}

func (m *MemoryStore) ListResults(ctx context.Context, taskID string, page, pageSize int) ([]SearchResult, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := append([]SearchResult(nil), m.results[taskID]...)
	total := len(all)
	rows := paginate(all, page, pageSize)
	return rows, total, nil
}

func (m *MemoryStore) InsertApiLog(ctx context.Context, entry *ApiLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := *entry
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	m.apiLogs = append(m.apiLogs, e)
	return nil
}

func (m *MemoryStore) InsertActivityLog(ctx context.Context, entry *ActivityLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := *entry
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	m.activity = append(m.activity, e)
	return nil
}

// ApiLogs returns a copy of the recorded api log (test helper).
func (m *MemoryStore) ApiLogs() []ApiLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ApiLog(nil), m.apiLogs...)
}

// ActivityLogs returns a copy of the recorded activity log (test helper).
func (m *MemoryStore) ActivityLogs() []ActivityLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ActivityLog(nil), m.activity...)
}

func paginate[T any](rows []T, page, pageSize int) []T {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = len(rows)
	}
	from := (page - 1) * pageSize
	if from >= len(rows) {
		return []T{}
	}
	to := from + pageSize
	if to > len(rows) {
		to = len(rows)
	}
	return rows[from:to]
}

package pipeline

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"time"

	"github.com/leadscope/backend/internal/database"
)

// Log levels.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
	LevelDebug   = "debug"
)

// Log phases, in pipeline order.
const (
	PhaseInit     = "init"
	PhaseApify    = "apify"
	PhaseProcess  = "process"
	PhaseVerify   = "verify"
	PhaseComplete = "complete"
)

// StatsMessage is the synthetic message token of the final log entry; its
// details field carries the full stats object for UIs that want structure
// without parsing prose.
const StatsMessage = "__STATS__"

// LogEntry is one element of a task's persisted log envelope.
type LogEntry struct {
	Timestamp string      `json:"timestamp"`
	Level     string      `json:"level"`
	Phase     string      `json:"phase"`
	Step      int         `json:"step,omitempty"`
	Total     int         `json:"total,omitempty"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}

// fixedSteps pads the progress denominator so init and finalize phases move
// the bar before any record work starts.
const fixedSteps = 10

// persistEvery bounds how many appends may accumulate before the envelope is
// written back to the task row.
const persistEvery = 3

// Tracker owns a running task's log envelope and progress counters. It is
// single-writer: only the driver goroutine that owns the task touches it.
type Tracker struct {
	store      database.Store
	logger     *log.Logger
	taskID     string
	totalSteps int

	step        int
	creditsUsed int
	status      string
	entries     []LogEntry
	unflushed   int
}

func NewTracker(store database.Store, taskID string, requestedCount int) *Tracker {
	return &Tracker{
		store:      store,
		logger:     log.New(log.Writer(), "[Pipeline] ", log.LstdFlags),
		taskID:     taskID,
		totalSteps: requestedCount + fixedSteps,
		status:     database.TaskStatusRunning,
	}
}

// Log appends an entry and persists the envelope when enough appends have
// accumulated.
func (t *Tracker) Log(ctx context.Context, level, phase, message string) {
	t.LogDetails(ctx, level, phase, message, nil)
}

// LogDetails appends an entry carrying a structured details payload.
func (t *Tracker) LogDetails(ctx context.Context, level, phase, message string, details interface{}) {
	t.entries = append(t.entries, LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Phase:     phase,
		Step:      t.step,
		Total:     t.totalSteps,
		Message:   message,
		Details:   details,
	})
	t.unflushed++
	if t.unflushed >= persistEvery {
		t.Flush(ctx)
	}
}

// Advance moves the step counter by n.
func (t *Tracker) Advance(n int) {
	t.step += n
	if t.step > t.totalSteps {
		t.step = t.totalSteps
	}
}

// AddCredits adjusts the task's accumulated spend; refunds pass a negative n.
func (t *Tracker) AddCredits(n int) { t.creditsUsed += n }

// CreditsUsed returns the accumulated spend.
func (t *Tracker) CreditsUsed() int { return t.creditsUsed }

// SetStatus changes the status written on subsequent flushes.
func (t *Tracker) SetStatus(status string) { t.status = status }

// Progress is round(step/totalSteps*100), held below 100 until the task is
// finalized.
func (t *Tracker) Progress() int {
	p := int(math.Round(float64(t.step) / float64(t.totalSteps) * 100))
	if p > 99 && !database.TerminalStatus(t.status) {
		p = 99
	}
	return p
}

// Finish writes the terminal update: a closing __STATS__ entry, progress 100,
// the stats snapshot, completed-at and the final status, all in one write.
func (t *Tracker) Finish(ctx context.Context, status string, stats interface{}, actualCount int, errMsg string) {
	t.status = status
	t.step = t.totalSteps

	level := LevelSuccess
	switch status {
	case database.TaskStatusFailed:
		level = LevelError
	case database.TaskStatusStopped, database.TaskStatusInsufficientCredits:
		level = LevelWarning
	}
	t.entries = append(t.entries, LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Phase:     PhaseComplete,
		Step:      t.step,
		Total:     t.totalSteps,
		Message:   StatsMessage,
		Details:   stats,
	})

	logsRaw, err := json.Marshal(t.entries)
	if err != nil {
		t.logger.Printf("task %s: marshal final envelope: %v", t.taskID, err)
		logsRaw = nil
	}
	statsRaw, err := json.Marshal(stats)
	if err != nil {
		t.logger.Printf("task %s: marshal stats: %v", t.taskID, err)
	}

	progress := 100
	now := time.Now().UTC().Format(time.RFC3339)
	update := &database.TaskUpdate{
		Status:      &status,
		Progress:    &progress,
		CreditsUsed: &t.creditsUsed,
		ActualCount: &actualCount,
		Logs:        logsRaw,
		Stats:       statsRaw,
		CompletedAt: &now,
	}
	if errMsg != "" {
		update.ErrorMessage = &errMsg
	}
	if err := t.store.UpdateTask(ctx, t.taskID, update); err != nil {
		t.logger.Printf("task %s: persist final update: %v", t.taskID, err)
	}
}

// Flush persists the envelope together with status, spend and progress. A
// failed write is logged and swallowed; the next flush retries with the
// accumulated entries.
func (t *Tracker) Flush(ctx context.Context) {
	raw, err := json.Marshal(t.entries)
	if err != nil {
		t.logger.Printf("task %s: marshal log envelope: %v", t.taskID, err)
		return
	}
	progress := t.Progress()
	update := &database.TaskUpdate{
		Status:      &t.status,
		Progress:    &progress,
		CreditsUsed: &t.creditsUsed,
		Logs:        raw,
	}
	if err := t.store.UpdateTask(ctx, t.taskID, update); err != nil {
		t.logger.Printf("task %s: persist log envelope: %v", t.taskID, err)
		return
	}
	t.unflushed = 0
}

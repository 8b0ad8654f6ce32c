package database

import "encoding/json"

// Task statuses as persisted. Internal pipeline states collapse into
// "running"; terminal states persist as themselves and are write-once.
const (
	TaskStatusPending             = "pending"
	TaskStatusRunning             = "running"
	TaskStatusCompleted           = "completed"
	TaskStatusFailed              = "failed"
	TaskStatusStopped             = "stopped"
	TaskStatusInsufficientCredits = "insufficient_credits"
)

// TerminalStatus reports whether a persisted status is final.
func TerminalStatus(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusStopped, TaskStatusInsufficientCredits:
		return true
	}
	return false
}

// Task is one user-submitted search run.
type Task struct {
	ID                 string          `json:"id,omitempty"`
	Token              string          `json:"token"`
	UserID             string          `json:"user_id"`
	Fingerprint        string          `json:"fingerprint"`
	QueryName          string          `json:"query_name"`
	QueryTitle         string          `json:"query_title,omitempty"`
	QueryState         string          `json:"query_state,omitempty"`
	QueryCity          string          `json:"query_city,omitempty"`
	Mode               string          `json:"mode"`
	RequestedCount     int             `json:"requested_count"`
	ActualCount        int             `json:"actual_count"`
	AgeMin             int             `json:"age_min,omitempty"`
	AgeMax             int             `json:"age_max,omitempty"`
	EnableVerification bool            `json:"enable_verification"`
	CreditsUsed        int             `json:"credits_used"`
	Status             string          `json:"status"`
	Progress           int             `json:"progress"`
	Logs               json.RawMessage `json:"logs,omitempty"`
	Stats              json.RawMessage `json:"stats,omitempty"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	CreatedAt          string          `json:"created_at,omitempty"`
	CompletedAt        *string         `json:"completed_at,omitempty"`
}

// SearchResult is one kept record, child of a task.
type SearchResult struct {
	ID                 string `json:"id,omitempty"`
	TaskID             string `json:"task_id"`
	FirstName          string `json:"first_name"`
	LastName           string `json:"last_name"`
	Title              string `json:"title,omitempty"`
	Company            string `json:"company,omitempty"`
	City               string `json:"city,omitempty"`
	State              string `json:"state,omitempty"`
	Country            string `json:"country,omitempty"`
	Email              string `json:"email,omitempty"`
	Phone              string `json:"phone,omitempty"`
	PhoneType          string `json:"phone_type,omitempty"`
	PhoneStatus        string `json:"phone_status"`
	LinkedinURL        string `json:"linkedin_url,omitempty"`
	Age                int    `json:"age,omitempty"`
	Carrier            string `json:"carrier,omitempty"`
	Verified           bool   `json:"verified"`
	VerificationScore  int    `json:"verification_score"`
	VerificationSource string `json:"verification_source,omitempty"`
	DataSource         string `json:"data_source,omitempty"`
	CreatedAt          string `json:"created_at,omitempty"`
}

// ApiLog records one outbound provider or scrape-proxy call.
type ApiLog struct {
	ID         string `json:"id,omitempty"`
	Provider   string `json:"provider"`
	Endpoint   string `json:"endpoint"`
	UserID     string `json:"user_id,omitempty"`
	StatusCode int    `json:"status_code"`
	LatencyMs  int64  `json:"latency_ms"`
	Success    bool   `json:"success"`
	Credits    int    `json:"credits,omitempty"`
	Error      string `json:"error,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// ActivityLog records a user-visible action for auditing.
type ActivityLog struct {
	ID        string `json:"id,omitempty"`
	UserID    string `json:"user_id"`
	Action    string `json:"action"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// TaskUpdate carries the mutable task fields the pipeline persists while
// running. Nil pointers are left untouched.
type TaskUpdate struct {
	Status       *string         `json:"status,omitempty"`
	Progress     *int            `json:"progress,omitempty"`
	CreditsUsed  *int            `json:"credits_used,omitempty"`
	ActualCount  *int            `json:"actual_count,omitempty"`
	Logs         json.RawMessage `json:"logs,omitempty"`
	Stats        json.RawMessage `json:"stats,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CompletedAt  *string         `json:"completed_at,omitempty"`
}

// Package tasks is the lifecycle layer around search tasks: validation,
// credit preview, submission, status polling, cancellation and export. It
// owns the public task token; the pipeline driver owns the row while running.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/leadscope/backend/internal/cache"
	"github.com/leadscope/backend/internal/config"
	"github.com/leadscope/backend/internal/database"
	"github.com/leadscope/backend/internal/ledger"
	"github.com/leadscope/backend/internal/pipeline"
)

var (
	// ErrValidation wraps input problems rejected at the boundary.
	ErrValidation = errors.New("validation failed")
	// ErrForbidden means the caller does not own the task.
	ErrForbidden = errors.New("forbidden")
	// ErrNotReady means an export was requested before the task finished.
	ErrNotReady = errors.New("task not finished")
)

// SubmitParams carries one search request through validation.
type SubmitParams struct {
	UserID             string `json:"-"`
	Name               string `json:"name"`
	Title              string `json:"title"`
	State              string `json:"state"`
	City               string `json:"city"`
	RequestedCount     int    `json:"requested_count"`
	AgeMin             int    `json:"age_min"`
	AgeMax             int    `json:"age_max"`
	Mode               string `json:"mode"`
	EnableVerification bool   `json:"enable_verification"`
}

// Preview is the credit estimate returned before submission.
type Preview struct {
	TotalAvailable   int    `json:"total_available"`
	EstimatedCredits int    `json:"estimated_credits"`
	SearchCredits    int    `json:"search_credits"`
	PerRecordCredits int    `json:"per_record_credits"`
	CanAfford        bool   `json:"can_afford"`
	UserCredits      int    `json:"user_credits"`
	MaxAffordable    int    `json:"max_affordable"`
	CacheHit         bool   `json:"cache_hit"`
	Message          string `json:"message"`
}

// StatusView is the polling surface for one task.
type StatusView struct {
	Token        string          `json:"token"`
	Status       string          `json:"status"`
	Progress     int             `json:"progress"`
	CreditsUsed  int             `json:"credits_used"`
	Stats        json.RawMessage `json:"stats,omitempty"`
	Logs         json.RawMessage `json:"logs,omitempty"`
	CreatedAt    string          `json:"created_at"`
	CompletedAt  *string         `json:"completed_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// ResultPage is one page of task results.
type ResultPage struct {
	Rows       []database.SearchResult `json:"rows"`
	Total      int                     `json:"total"`
	Page       int                     `json:"page"`
	TotalPages int                     `json:"total_pages"`
}

// Service wires task lifecycle to the store, ledger and pipeline driver.
type Service struct {
	cfg    *config.Config
	store  database.Store
	cache  cache.Store
	ledger *ledger.Ledger
	driver *pipeline.Driver
	logger *log.Logger

	// runTask launches the driver for a created task; replaced in tests to
	// run synchronously.
	runTask func(task *database.Task)
}

func NewService(cfg *config.Config, store database.Store, cacheStore cache.Store, led *ledger.Ledger, driver *pipeline.Driver) *Service {
	s := &Service{
		cfg:    cfg,
		store:  store,
		cache:  cacheStore,
		ledger: led,
		driver: driver,
		logger: log.New(log.Writer(), "[Tasks] ", log.LstdFlags),
	}
	s.runTask = func(task *database.Task) {
		go driver.Run(context.Background(), task)
	}
	return s
}

func (s *Service) validate(p *SubmitParams) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if p.RequestedCount < 1 {
		return fmt.Errorf("%w: requested count must be at least 1", ErrValidation)
	}
	if max := s.cfg.Credits.MaxRequestedCount; max > 0 && p.RequestedCount > max {
		return fmt.Errorf("%w: requested count exceeds the maximum of %d", ErrValidation, max)
	}
	switch p.Mode {
	case "":
		p.Mode = pipeline.ModeFuzzy
	case pipeline.ModeFuzzy, pipeline.ModeExact:
	default:
		return fmt.Errorf("%w: mode must be fuzzy or exact", ErrValidation)
	}
	if p.AgeMin < 0 || p.AgeMax < 0 || (p.AgeMax > 0 && p.AgeMin > p.AgeMax) {
		return fmt.Errorf("%w: invalid age window", ErrValidation)
	}
	return nil
}

func (s *Service) perRecordFee(mode string) int {
	if mode == pipeline.ModeExact {
		return s.cfg.Credits.ExactPerRecordFee
	}
	return s.cfg.Credits.PerRecordFee
}

// Preview estimates the credit cost of a submission without creating a task.
func (s *Service) Preview(ctx context.Context, p SubmitParams) (*Preview, error) {
	if err := s.validate(&p); err != nil {
		return nil, err
	}
	balance, err := s.ledger.Balance(ctx, p.UserID)
	if err != nil {
		return nil, err
	}

	baseFee := s.cfg.Credits.BaseFee
	perRecord := s.perRecordFee(p.Mode)

	totalAvailable := p.RequestedCount
	cacheHit := false
	if p.Mode != pipeline.ModeExact {
		fp := pipeline.Fingerprint(p.Name, p.Title, p.State, p.RequestedCount, p.Mode)
		if env, ok, err := s.cache.Get(ctx, pipeline.SearchCacheKey(fp)); err == nil && ok {
			var payload pipeline.SearchPayload
			if json.Unmarshal(env.Payload, &payload) == nil && payload.TotalAvailable > 0 {
				totalAvailable = payload.TotalAvailable
				cacheHit = true
			}
		}
	}

	estimated := baseFee + p.RequestedCount*perRecord
	maxAffordable := 0
	if balance > baseFee && perRecord > 0 {
		maxAffordable = (balance - baseFee) / perRecord
	}
	pv := &Preview{
		TotalAvailable:   totalAvailable,
		EstimatedCredits: estimated,
		SearchCredits:    baseFee,
		PerRecordCredits: perRecord,
		CanAfford:        balance >= estimated,
		UserCredits:      balance,
		MaxAffordable:    maxAffordable,
		CacheHit:         cacheHit,
	}
	if pv.CanAfford {
		pv.Message = fmt.Sprintf("this search will use up to %d credits", estimated)
	} else {
		pv.Message = fmt.Sprintf("you have %d credits; up to %d records are affordable", balance, maxAffordable)
	}
	return pv, nil
}

// Submit validates, pre-checks the base fee, creates the task row and hands
// it to the pipeline driver. A balance that covers only the base fee is
// accepted; the cohort authorization decides the rest.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (string, error) {
	if err := s.validate(&p); err != nil {
		return "", err
	}
	balance, err := s.ledger.Balance(ctx, p.UserID)
	if err != nil {
		return "", err
	}
	if balance < s.cfg.Credits.BaseFee {
		return "", ledger.ErrInsufficientCredits
	}

	task := &database.Task{
		Token:              uuid.New().String(),
		UserID:             p.UserID,
		Fingerprint:        pipeline.Fingerprint(p.Name, p.Title, p.State, p.RequestedCount, p.Mode),
		QueryName:          p.Name,
		QueryTitle:         p.Title,
		QueryState:         p.State,
		QueryCity:          p.City,
		Mode:               p.Mode,
		RequestedCount:     p.RequestedCount,
		AgeMin:             p.AgeMin,
		AgeMax:             p.AgeMax,
		EnableVerification: p.EnableVerification,
		Status:             database.TaskStatusPending,
	}
	created, err := s.store.CreateTask(ctx, task)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	s.recordActivity(ctx, p.UserID, "search_submitted",
		fmt.Sprintf("name=%q mode=%s requested=%d", p.Name, p.Mode, p.RequestedCount))
	s.logger.Printf("task %s submitted by %s: %q (%d requested)", created.ID, p.UserID, p.Name, p.RequestedCount)

	s.runTask(created)
	return created.Token, nil
}

// Status returns the polling view for a task the caller owns.
func (s *Service) Status(ctx context.Context, token, userID string) (*StatusView, error) {
	task, err := s.ownedTask(ctx, token, userID)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		Token:        task.Token,
		Status:       task.Status,
		Progress:     task.Progress,
		CreditsUsed:  task.CreditsUsed,
		Stats:        task.Stats,
		Logs:         task.Logs,
		CreatedAt:    task.CreatedAt,
		CompletedAt:  task.CompletedAt,
		ErrorMessage: task.ErrorMessage,
	}, nil
}

// Results returns one page of persisted results for a task the caller owns.
func (s *Service) Results(ctx context.Context, token, userID string, page, pageSize int) (*ResultPage, error) {
	task, err := s.ownedTask(ctx, token, userID)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	rows, total, err := s.store.ListResults(ctx, task.ID, page, pageSize)
	if err != nil {
		return nil, err
	}
	totalPages := (total + pageSize - 1) / pageSize
	return &ResultPage{Rows: rows, Total: total, Page: page, TotalPages: totalPages}, nil
}

// Cancel flips a pending/running task to stopped. The driver observes the
// flip at its next cohort boundary. Cancelling a finished task is a no-op.
func (s *Service) Cancel(ctx context.Context, token, userID string) error {
	task, err := s.ownedTask(ctx, token, userID)
	if err != nil {
		return err
	}
	if database.TerminalStatus(task.Status) {
		return nil
	}
	status := database.TaskStatusStopped
	if err := s.store.UpdateTask(ctx, task.ID, &database.TaskUpdate{Status: &status}); err != nil {
		return err
	}
	s.recordActivity(ctx, userID, "search_cancelled", fmt.Sprintf("token=%s", token))
	s.logger.Printf("task %s cancelled by %s", task.ID, userID)
	return nil
}

// List returns the caller's tasks, newest first.
func (s *Service) List(ctx context.Context, userID string, page, pageSize int) ([]database.Task, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.store.ListTasks(ctx, userID, page, pageSize)
}

func (s *Service) ownedTask(ctx context.Context, token, userID string) (*database.Task, error) {
	task, err := s.store.GetTaskByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		return nil, ErrForbidden
	}
	return task, nil
}

func (s *Service) recordActivity(ctx context.Context, userID, action, detail string) {
	entry := &database.ActivityLog{UserID: userID, Action: action, Detail: detail}
	if err := s.store.InsertActivityLog(ctx, entry); err != nil {
		s.logger.Printf("activity log write failed: %v", err)
	}
}

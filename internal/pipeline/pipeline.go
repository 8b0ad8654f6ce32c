// Package pipeline is the credit-metered driver for one search task: it
// debits fees through the ledger, acquires a cohort from cache or a provider
// adapter, meters the per-record spend, runs phone verification through the
// batched executor and persists the kept records.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/leadscope/backend/internal/cache"
	"github.com/leadscope/backend/internal/config"
	"github.com/leadscope/backend/internal/database"
	"github.com/leadscope/backend/internal/executor"
	"github.com/leadscope/backend/internal/ledger"
	"github.com/leadscope/backend/internal/monitoring"
	"github.com/leadscope/backend/internal/providers"
	"github.com/leadscope/backend/internal/verify"
)

// Search modes.
const (
	ModeFuzzy = "fuzzy"
	ModeExact = "exact"
)

// Phone statuses persisted on result rows.
const (
	PhoneStatusVerified = "verified"
	PhoneStatusReceived = "received"
	PhoneStatusNoPhone  = "no-phone"
)

// UnavailableMessage is what the submitter sees when the system's own
// provider account runs dry mid-task.
const UnavailableMessage = "system is temporarily unavailable - contact support"

// SearchProvider is the slice of the provider client the driver consumes.
type SearchProvider interface {
	Search(ctx context.Context, name, title, state string, limit int, userID string) *providers.SearchResponse
	ExactSearch(ctx context.Context, name, title, state string, limit int) *providers.SearchResponse
}

// PhoneVerifier runs the two-stage reverse-lookup check for one phone.
type PhoneVerifier interface {
	Verify(ctx context.Context, q verify.Query) (*verify.Outcome, error)
}

// SearchParams is the normalized query stored inside a search cache envelope.
type SearchParams struct {
	Name  string `json:"name"`
	Title string `json:"title,omitempty"`
	State string `json:"state,omitempty"`
	Mode  string `json:"mode"`
}

// SearchPayload is the search-kind cache envelope body. TotalAvailable feeds
// the fulfillment-ratio decision on later hits.
type SearchPayload struct {
	Data           []providers.LeadPerson `json:"data"`
	TotalAvailable int                    `json:"total_available"`
	RequestedCount int                    `json:"requested_count"`
	SearchParams   SearchParams           `json:"search_params"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Stats is the final per-task summary, persisted on the task row and carried
// by the closing __STATS__ log entry.
type Stats struct {
	TotalResults      int            `json:"total_results"`
	ResultsVerified   int            `json:"results_verified"`
	ResultsWithPhone  int            `json:"results_with_phone"`
	ResultsNoPhone    int            `json:"results_no_phone"`
	ExcludedNoContact int            `json:"excluded_no_contact"`
	ExcludedAge       int            `json:"excluded_age"`
	ExcludedError     int            `json:"excluded_error"`
	CreditsSpent      int            `json:"credits_spent"`
	CreditsRefunded   int            `json:"credits_refunded"`
	CacheHit          bool           `json:"cache_hit"`
	Executor          executor.Stats `json:"executor"`
}

// Driver owns the task rows it runs; nothing else mutates them while a run
// is in flight (cancel flips the status through the store, which the driver
// observes at boundaries).
type Driver struct {
	cfg      *config.Config
	store    database.Store
	cache    cache.Store
	ledger   *ledger.Ledger
	provider SearchProvider
	verifier PhoneVerifier
	logger   *log.Logger
}

func NewDriver(cfg *config.Config, store database.Store, cacheStore cache.Store, led *ledger.Ledger, provider SearchProvider, verifier PhoneVerifier) *Driver {
	return &Driver{
		cfg:      cfg,
		store:    store,
		cache:    cacheStore,
		ledger:   led,
		provider: provider,
		verifier: verifier,
		logger:   log.New(log.Writer(), "[Pipeline] ", log.LstdFlags),
	}
}

// Run executes one task to a terminal state. It is meant to be launched in
// its own goroutine by the task lifecycle layer.
func (d *Driver) Run(ctx context.Context, task *database.Task) {
	tr := NewTracker(d.store, task.ID, task.RequestedCount)
	stats := &Stats{}

	tr.Log(ctx, LevelInfo, PhaseInit,
		fmt.Sprintf("search started: %q (%s mode, %d requested)", task.QueryName, task.Mode, task.RequestedCount))
	tr.Advance(1)
	tr.Flush(ctx)

	perRecordFee := d.cfg.Credits.PerRecordFee
	if task.Mode == ModeExact {
		perRecordFee = d.cfg.Credits.ExactPerRecordFee
	}

	// authorize-base
	baseFee := d.cfg.Credits.BaseFee
	if _, err := d.ledger.Deduct(ctx, task.UserID, baseFee, ledger.KindSearchSpend, "base search fee", task.ID); err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			tr.Log(ctx, LevelError, PhaseInit, "not enough credits for the base search fee")
			d.finish(ctx, task, tr, database.TaskStatusInsufficientCredits, stats, 0, "insufficient credits")
			return
		}
		d.failTask(ctx, task, tr, stats, fmt.Sprintf("ledger unavailable: %v", err))
		return
	}
	tr.AddCredits(baseFee)
	stats.CreditsSpent = tr.CreditsUsed()
	tr.Advance(1)
	tr.Log(ctx, LevelInfo, PhaseInit, fmt.Sprintf("base fee charged: %d credits", baseFee))

	if d.cancelled(ctx, task.ID) {
		d.finish(ctx, task, tr, database.TaskStatusStopped, stats, 0, "")
		return
	}

	// acquire-cohort
	cohort, totalAvailable, cacheHit, failMsg := d.acquireCohort(ctx, task, tr)
	if failMsg != "" {
		d.failTask(ctx, task, tr, stats, failMsg)
		return
	}
	stats.CacheHit = cacheHit

	if len(cohort) == 0 {
		if task.Mode == ModeExact {
			if _, err := d.ledger.Refund(ctx, task.UserID, baseFee, "exact search returned no results", task.ID); err != nil {
				d.logger.Printf("task %s: base-fee refund failed: %v", task.ID, err)
			} else {
				tr.AddCredits(-baseFee)
				stats.CreditsRefunded += baseFee
				tr.Log(ctx, LevelInfo, PhaseApify, fmt.Sprintf("no exact matches: refunded base fee of %d credits", baseFee))
			}
		} else {
			tr.Log(ctx, LevelInfo, PhaseApify, "provider returned no results")
		}
		d.finish(ctx, task, tr, database.TaskStatusCompleted, stats, 0, "")
		return
	}

	tr.Log(ctx, LevelSuccess, PhaseApify,
		fmt.Sprintf("cohort acquired: %d of %d available (cache hit: %t)", len(cohort), totalAvailable, cacheHit))
	tr.Advance(1)

	if d.cancelled(ctx, task.ID) {
		d.finish(ctx, task, tr, database.TaskStatusStopped, stats, 0, "")
		return
	}

	// authorize-cohort
	actual := len(cohort)
	if actual > task.RequestedCount {
		actual = task.RequestedCount
	}
	cohort = cohort[:actual]
	required := actual * perRecordFee
	if _, err := d.ledger.Deduct(ctx, task.UserID, required, ledger.KindSearchSpend,
		fmt.Sprintf("per-record fee: %d records x %d credits", actual, perRecordFee), task.ID); err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			tr.Log(ctx, LevelError, PhaseProcess,
				fmt.Sprintf("cohort of %d records needs %d credits; balance is short", actual, required))
			d.finish(ctx, task, tr, database.TaskStatusInsufficientCredits, stats, actual, "insufficient credits")
			return
		}
		d.failTask(ctx, task, tr, stats, fmt.Sprintf("ledger unavailable: %v", err))
		return
	}
	tr.AddCredits(required)
	stats.CreditsSpent = tr.CreditsUsed()
	tr.Advance(1)
	tr.Log(ctx, LevelInfo, PhaseProcess, fmt.Sprintf("%d credits authorized for %d records", required, actual))

	// partition
	rand.Shuffle(len(cohort), func(i, j int) { cohort[i], cohort[j] = cohort[j], cohort[i] })
	var withPhone, withoutPhone []providers.LeadPerson
	for _, p := range cohort {
		if p.PreferredPhone() != nil {
			withPhone = append(withPhone, p)
		} else {
			withoutPhone = append(withoutPhone, p)
		}
	}
	for _, p := range withoutPhone {
		if p.Email == "" {
			stats.ExcludedNoContact++
			tr.Advance(1)
			continue
		}
		d.persistResult(ctx, task, p, nil, PhoneStatusNoPhone, stats)
		stats.ResultsNoPhone++
		tr.Advance(1)
	}
	if stats.ExcludedNoContact > 0 || stats.ResultsNoPhone > 0 {
		tr.Log(ctx, LevelInfo, PhaseProcess,
			fmt.Sprintf("partitioned cohort: %d with phone, %d email-only kept, %d dropped without contact",
				len(withPhone), stats.ResultsNoPhone, stats.ExcludedNoContact))
	}

	// verify-cohort
	if len(withPhone) > 0 {
		if task.EnableVerification {
			if done := d.verifyCohort(ctx, task, tr, withPhone, actual, perRecordFee, stats); done {
				return
			}
		} else {
			for _, p := range withPhone {
				d.persistResult(ctx, task, p, nil, PhoneStatusReceived, stats)
				stats.ResultsWithPhone++
				tr.Advance(1)
			}
		}
	}

	d.finish(ctx, task, tr, database.TaskStatusCompleted, stats, actual, "")
}

// acquireCohort resolves the record set: exact mode always calls the exact
// adapter; fuzzy mode consults the search cache first and falls through to
// the bulk provider, populating the cache for the next caller.
func (d *Driver) acquireCohort(ctx context.Context, task *database.Task, tr *Tracker) (cohort []providers.LeadPerson, totalAvailable int, cacheHit bool, failMsg string) {
	if task.Mode == ModeExact {
		tr.Log(ctx, LevelInfo, PhaseApify, "running exact person search")
		resp := d.provider.ExactSearch(ctx, task.QueryName, task.QueryTitle, task.QueryState, task.RequestedCount)
		if !resp.Success {
			return nil, 0, false, resp.ErrorMessage
		}
		return resp.People, resp.TotalCount, false, ""
	}

	key := SearchCacheKey(task.Fingerprint)
	if env, ok, err := d.cache.Get(ctx, key); err == nil && ok && env.Kind == cache.KindSearch {
		var payload SearchPayload
		if err := json.Unmarshal(env.Payload, &payload); err == nil && payload.TotalAvailable > 0 {
			ratio := float64(len(payload.Data)) / float64(payload.TotalAvailable)
			if ratio >= d.cfg.Search.FulfillmentRatio {
				d.cache.IncrementHit(ctx, key)
				tr.Log(ctx, LevelInfo, PhaseApify,
					fmt.Sprintf("cache hit: %d records cached of %d available", len(payload.Data), payload.TotalAvailable))
				data := append([]providers.LeadPerson(nil), payload.Data...)
				rand.Shuffle(len(data), func(i, j int) { data[i], data[j] = data[j], data[i] })
				if len(data) > task.RequestedCount {
					data = data[:task.RequestedCount]
				}
				return data, payload.TotalAvailable, true, ""
			}
			tr.Log(ctx, LevelDebug, PhaseApify,
				fmt.Sprintf("cache envelope below fulfillment ratio (%d/%d); refreshing", len(payload.Data), payload.TotalAvailable))
		}
	}

	tr.Log(ctx, LevelInfo, PhaseApify, "querying search provider")
	resp := d.provider.Search(ctx, task.QueryName, task.QueryTitle, task.QueryState, task.RequestedCount, task.UserID)
	if !resp.Success {
		return nil, 0, false, resp.ErrorMessage
	}
	total := resp.TotalCount
	if total < len(resp.People) {
		total = len(resp.People)
	}

	payload := SearchPayload{
		Data:           resp.People,
		TotalAvailable: total,
		RequestedCount: task.RequestedCount,
		SearchParams: SearchParams{
			Name:  task.QueryName,
			Title: task.QueryTitle,
			State: task.QueryState,
			Mode:  task.Mode,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := d.cache.Put(ctx, key, cache.KindSearch, payload, d.cfg.Search.CacheTTLDays); err != nil {
		d.logger.Printf("task %s: search cache write failed: %v", task.ID, err)
	}

	data := append([]providers.LeadPerson(nil), resp.People...)
	rand.Shuffle(len(data), func(i, j int) { data[i], data[j] = data[j], data[i] })
	if len(data) > task.RequestedCount {
		data = data[:task.RequestedCount]
	}
	return data, total, false, ""
}

// verifyCohort submits the with-phone partition to the executor, applies
// verification outcomes, and handles the system-account-depleted stop. It
// returns true when it finalized the task itself.
func (d *Driver) verifyCohort(ctx context.Context, task *database.Task, tr *Tracker, people []providers.LeadPerson, actual, perRecordFee int, stats *Stats) bool {
	tr.Log(ctx, LevelInfo, PhaseVerify, fmt.Sprintf("verifying %d phone numbers", len(people)))

	units := make([]executor.Unit[*verify.Outcome], len(people))
	for i, p := range people {
		p := p
		query := verify.Query{
			Phone:     p.PreferredPhone().Sanitized,
			FirstName: p.FirstName,
			LastName:  p.LastName,
			City:      p.City,
			State:     p.State,
			AgeMin:    task.AgeMin,
			AgeMax:    task.AgeMax,
		}
		units[i] = executor.Unit[*verify.Outcome]{
			ID: fmt.Sprintf("unit-%d", i),
			Fn: func(ctx context.Context) (*verify.Outcome, error) {
				return d.verifier.Verify(ctx, query)
			},
		}
	}
	byID := make(map[string]providers.LeadPerson, len(people))
	for i, p := range people {
		byID[fmt.Sprintf("unit-%d", i)] = p
	}

	ec := d.cfg.Executor
	opts := executor.Options{
		BatchSize:       ec.BatchSize,
		BatchDelay:      time.Duration(ec.BatchDelayMs) * time.Millisecond,
		RetryDelay:      time.Duration(ec.RetryDelayMs) * time.Millisecond,
		RetryBatchSize:  ec.RetryBatchSize,
		RetryBatchDelay: time.Duration(ec.RetryBatchDelayMs) * time.Millisecond,
		BackoffBase:     time.Duration(ec.BackoffBaseMs) * time.Millisecond,
		Cancelled:       func() bool { return d.cancelled(ctx, task.ID) },
	}

	res := executor.Run(ctx, units, opts)
	stats.Executor = res.Stats

	for _, s := range res.Successes {
		p := byID[s.ID]
		out := s.Value
		if out.AgeRejected {
			stats.ExcludedAge++
			tr.Advance(1)
			continue
		}
		status := PhoneStatusReceived
		if out.Verified {
			status = PhoneStatusVerified
			stats.ResultsVerified++
		}
		d.persistResult(ctx, task, p, out, status, stats)
		stats.ResultsWithPhone++
		tr.Advance(1)
	}

	for _, f := range res.Failures {
		p := byID[f.ID]
		var apiErr *providers.APIError
		switch {
		case errors.As(f.Err, &apiErr) && apiErr.Kind == providers.KindInsufficientCredits:
			// Handled below through the aborted flag.
			tr.Advance(1)
		case isTransientFailure(f.Err):
			// The record itself was paid for; verification is best effort.
			d.persistResult(ctx, task, p, nil, PhoneStatusReceived, stats)
			stats.ResultsWithPhone++
			tr.Advance(1)
		default:
			stats.ExcludedError++
			tr.Advance(1)
		}
	}

	if res.Stats.Aborted {
		unprocessed := len(res.Unprocessed)
		refund := unprocessed * perRecordFee
		if refund > 0 {
			if _, err := d.ledger.Refund(ctx, task.UserID, refund,
				fmt.Sprintf("refund for %d unprocessed records after provider account depletion", unprocessed), task.ID); err != nil {
				d.logger.Printf("task %s: depletion refund failed: %v", task.ID, err)
			} else {
				tr.AddCredits(-refund)
				stats.CreditsRefunded += refund
			}
		}
		d.logger.Printf("OPERATOR ALERT task %s: system API exhausted during verification; %d units unprocessed, %d credits refunded",
			task.ID, unprocessed, refund)
		tr.Log(ctx, LevelError, PhaseVerify,
			fmt.Sprintf("system API exhausted: stopped with %d records unprocessed, %d credits refunded", unprocessed, refund))
		d.finish(ctx, task, tr, database.TaskStatusStopped, stats, actual, UnavailableMessage)
		return true
	}

	if res.Stats.StoppedDueToCancel {
		tr.Log(ctx, LevelWarning, PhaseVerify, "cancelled: stopping after current cohort")
		d.finish(ctx, task, tr, database.TaskStatusStopped, stats, actual, "")
		return true
	}

	tr.Log(ctx, LevelSuccess, PhaseVerify,
		fmt.Sprintf("verification finished: %d verified of %d with phone", stats.ResultsVerified, stats.ResultsWithPhone))
	return false
}

func isTransientFailure(err error) bool {
	var rle *executor.RateLimitError
	var se *executor.ServerError
	if errors.As(err, &rle) || errors.As(err, &se) {
		return true
	}
	var apiErr *providers.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == providers.KindNetwork ||
			apiErr.Kind == providers.KindRateLimited ||
			apiErr.Kind == providers.KindServerError
	}
	return false
}

// persistResult writes one kept record and its per-profile cache envelope.
func (d *Driver) persistResult(ctx context.Context, task *database.Task, p providers.LeadPerson, out *verify.Outcome, phoneStatus string, stats *Stats) {
	row := &database.SearchResult{
		TaskID:      task.ID,
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		Title:       p.Title,
		Company:     p.OrganizationName,
		City:        p.City,
		State:       p.State,
		Country:     p.Country,
		Email:       p.Email,
		LinkedinURL: p.LinkedinURL,
		PhoneStatus: phoneStatus,
		DataSource:  p.Source,
	}
	if phone := p.PreferredPhone(); phone != nil {
		row.Phone = phone.Sanitized
		row.PhoneType = phone.Type
	}
	if out != nil {
		row.Verified = out.Verified
		row.VerificationScore = out.MatchScore
		row.VerificationSource = out.Source
		if out.PhoneType != "" {
			row.PhoneType = out.PhoneType
		}
		row.Carrier = out.Carrier
		row.Age = out.Age
	}
	if err := d.store.InsertResult(ctx, row); err != nil {
		d.logger.Printf("task %s: result write failed: %v", task.ID, err)
		return
	}
	stats.TotalResults++

	if p.ID != "" {
		if err := d.cache.Put(ctx, PersonCacheKey(p.ID), cache.KindPerson, p, d.cfg.Search.CacheTTLDays); err != nil {
			d.logger.Printf("task %s: person cache write failed: %v", task.ID, err)
		}
	}
}

// cancelled reports whether the task row has been flipped to stopped by a
// cancel call. Polled at phase and cohort boundaries only.
func (d *Driver) cancelled(ctx context.Context, taskID string) bool {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return false
	}
	return task.Status == database.TaskStatusStopped
}

func (d *Driver) failTask(ctx context.Context, task *database.Task, tr *Tracker, stats *Stats, msg string) {
	tr.Log(ctx, LevelError, PhaseComplete, msg)
	d.finish(ctx, task, tr, database.TaskStatusFailed, stats, 0, msg)
}

// finish writes the terminal update. Terminal status is write-once: if a
// cancel already parked the row in a terminal state, that status is kept.
func (d *Driver) finish(ctx context.Context, task *database.Task, tr *Tracker, status string, stats *Stats, actualCount int, errMsg string) {
	if current, err := d.store.GetTask(ctx, task.ID); err == nil && database.TerminalStatus(current.Status) {
		status = current.Status
	}
	stats.CreditsSpent = tr.CreditsUsed()
	tr.Finish(ctx, status, stats, actualCount, errMsg)
	monitoring.TaskFinished(status)
	monitoring.CreditsSpent("spend", tr.CreditsUsed())
	monitoring.CreditsSpent("refund", stats.CreditsRefunded)
	d.logger.Printf("task %s finished: status=%s results=%d credits=%d",
		task.ID, status, stats.TotalResults, tr.CreditsUsed())
}

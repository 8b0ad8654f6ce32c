package tasks

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadscope/backend/internal/cache"
	"github.com/leadscope/backend/internal/config"
	"github.com/leadscope/backend/internal/database"
	"github.com/leadscope/backend/internal/ledger"
	"github.com/leadscope/backend/internal/pipeline"
	"github.com/leadscope/backend/internal/providers"
	"github.com/leadscope/backend/internal/verify"
)

type stubProvider struct {
	resp *providers.SearchResponse
}

func (s *stubProvider) Search(ctx context.Context, name, title, state string, limit int, userID string) *providers.SearchResponse {
	return s.resp
}

func (s *stubProvider) ExactSearch(ctx context.Context, name, title, state string, limit int) *providers.SearchResponse {
	return s.resp
}

type stubVerifier struct{}

func (stubVerifier) Verify(ctx context.Context, q verify.Query) (*verify.Outcome, error) {
	return &verify.Outcome{Verified: true, Source: verify.SourcePrimary, MatchScore: 85}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Credits: config.CreditsConfig{BaseFee: 1, PerRecordFee: 2, ExactPerRecordFee: 10, MaxRequestedCount: 500},
		Executor: config.ExecutorConfig{
			BatchSize: 30, BatchDelayMs: 1, RetryDelayMs: 1,
			RetryBatchSize: 8, RetryBatchDelayMs: 1, BackoffBaseMs: 1,
		},
		Search: config.SearchConfig{CacheTTLDays: 180, FulfillmentRatio: 0.80},
	}
}

type env struct {
	svc      *Service
	store    *database.MemoryStore
	cache    *cache.MemoryStore
	ledgerMS *ledger.MemoryStore
}

// newEnv wires a service whose driver runs synchronously inside Submit.
func newEnv(t *testing.T, cfg *config.Config, provider pipeline.SearchProvider) *env {
	t.Helper()
	e := &env{
		store:    database.NewMemoryStore(),
		cache:    cache.NewMemoryStore(),
		ledgerMS: ledger.NewMemoryStore(),
	}
	led := ledger.New(e.ledgerMS)
	driver := pipeline.NewDriver(cfg, e.store, e.cache, led, provider, stubVerifier{})
	e.svc = NewService(cfg, e.store, e.cache, led, driver)
	e.svc.runTask = func(task *database.Task) {
		driver.Run(context.Background(), task)
	}
	return e
}

func leadPeople(n int) []providers.LeadPerson {
	out := make([]providers.LeadPerson, n)
	for i := range out {
		out[i] = providers.LeadPerson{
			ID:        fmt.Sprintf("p%d", i),
			FirstName: "Lead",
			LastName:  fmt.Sprintf("Person%d", i),
			City:      "Austin",
			State:     "Texas",
			Source:    "search",
			Phones:    []providers.Phone{{Sanitized: fmt.Sprintf("1512555%04d", i), Type: providers.PhoneTypeMobile}},
		}
	}
	return out
}

func TestSubmitValidation(t *testing.T) {
	e := newEnv(t, testConfig(), &stubProvider{})
	e.ledgerMS.SeedUser("user-1", 100)

	cases := []SubmitParams{
		{UserID: "user-1", Name: "", RequestedCount: 10},
		{UserID: "user-1", Name: "John", RequestedCount: 0},
		{UserID: "user-1", Name: "John", RequestedCount: 501},
		{UserID: "user-1", Name: "John", RequestedCount: 10, Mode: "wild"},
		{UserID: "user-1", Name: "John", RequestedCount: 10, AgeMin: 50, AgeMax: 30},
	}
	for i, p := range cases {
		_, err := e.svc.Submit(context.Background(), p)
		assert.ErrorIs(t, err, ErrValidation, "case %d", i)
	}
}

func TestSubmitRejectsBelowBaseFee(t *testing.T) {
	e := newEnv(t, testConfig(), &stubProvider{})
	e.ledgerMS.SeedUser("user-1", 0)

	_, err := e.svc.Submit(context.Background(), SubmitParams{UserID: "user-1", Name: "John", RequestedCount: 5})
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)
}

// Balance of exactly the base fee is accepted; the cohort authorization
// parks the task in insufficient-credits.
func TestSubmitBalanceEqualToBaseFee(t *testing.T) {
	provider := &stubProvider{resp: &providers.SearchResponse{Success: true, People: leadPeople(5), TotalCount: 5}}
	e := newEnv(t, testConfig(), provider)
	e.ledgerMS.SeedUser("user-1", 1)

	token, err := e.svc.Submit(context.Background(), SubmitParams{UserID: "user-1", Name: "John", RequestedCount: 5, EnableVerification: true})
	require.NoError(t, err)

	view, err := e.svc.Status(context.Background(), token, "user-1")
	require.NoError(t, err)
	assert.Equal(t, database.TaskStatusInsufficientCredits, view.Status)
	assert.Equal(t, 1, view.CreditsUsed)
}

func TestSubmitRunsToCompletion(t *testing.T) {
	provider := &stubProvider{resp: &providers.SearchResponse{Success: true, People: leadPeople(3), TotalCount: 3}}
	e := newEnv(t, testConfig(), provider)
	e.ledgerMS.SeedUser("user-1", 100)

	token, err := e.svc.Submit(context.Background(), SubmitParams{
		UserID: "user-1", Name: "John Smith", State: "Texas", RequestedCount: 3, EnableVerification: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	view, err := e.svc.Status(context.Background(), token, "user-1")
	require.NoError(t, err)
	assert.Equal(t, database.TaskStatusCompleted, view.Status)
	assert.Equal(t, 100, view.Progress)
	assert.Equal(t, 7, view.CreditsUsed, "base 1 + 3*2")

	page, err := e.svc.Results(context.Background(), token, "user-1", 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 1, page.TotalPages)

	// The submission left an activity trail.
	logs := e.store.ActivityLogs()
	require.NotEmpty(t, logs)
	assert.Equal(t, "search_submitted", logs[0].Action)
}

func TestStatusOwnership(t *testing.T) {
	provider := &stubProvider{resp: &providers.SearchResponse{Success: true, People: leadPeople(1), TotalCount: 1}}
	e := newEnv(t, testConfig(), provider)
	e.ledgerMS.SeedUser("user-1", 100)

	token, err := e.svc.Submit(context.Background(), SubmitParams{UserID: "user-1", Name: "John", RequestedCount: 1})
	require.NoError(t, err)

	_, err = e.svc.Status(context.Background(), token, "intruder")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = e.svc.Status(context.Background(), "no-such-token", "user-1")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestCancelPendingTask(t *testing.T) {
	e := newEnv(t, testConfig(), &stubProvider{})
	e.ledgerMS.SeedUser("user-1", 100)
	// Suppress the driver so the task stays pending.
	e.svc.runTask = func(*database.Task) {}

	token, err := e.svc.Submit(context.Background(), SubmitParams{UserID: "user-1", Name: "John", RequestedCount: 5})
	require.NoError(t, err)

	require.NoError(t, e.svc.Cancel(context.Background(), token, "user-1"))
	view, err := e.svc.Status(context.Background(), token, "user-1")
	require.NoError(t, err)
	assert.Equal(t, database.TaskStatusStopped, view.Status)

	// Cancelling a terminal task is a no-op, not an error.
	require.NoError(t, e.svc.Cancel(context.Background(), token, "user-1"))
}

func TestPreviewWithCacheHit(t *testing.T) {
	e := newEnv(t, testConfig(), &stubProvider{})
	e.ledgerMS.SeedUser("user-1", 50)

	p := SubmitParams{UserID: "user-1", Name: "John Smith", State: "Texas", RequestedCount: 10}
	fp := pipeline.Fingerprint(p.Name, p.Title, p.State, p.RequestedCount, pipeline.ModeFuzzy)
	payload := pipeline.SearchPayload{Data: leadPeople(10), TotalAvailable: 42}
	require.NoError(t, e.cache.Put(context.Background(), pipeline.SearchCacheKey(fp), cache.KindSearch, payload, 180))

	pv, err := e.svc.Preview(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, pv.CacheHit)
	assert.Equal(t, 42, pv.TotalAvailable)
	assert.Equal(t, 21, pv.EstimatedCredits, "1 base + 10*2")
	assert.True(t, pv.CanAfford)
	assert.Equal(t, 50, pv.UserCredits)
	assert.Equal(t, 24, pv.MaxAffordable, "(50-1)/2")
}

func TestPreviewUnknownUser(t *testing.T) {
	e := newEnv(t, testConfig(), &stubProvider{})
	_, err := e.svc.Preview(context.Background(), SubmitParams{UserID: "ghost", Name: "John", RequestedCount: 5})
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)
}

func TestExportCSV(t *testing.T) {
	e := newEnv(t, testConfig(), &stubProvider{})
	ctx := context.Background()

	task, err := e.store.CreateTask(ctx, &database.Task{
		Token: "tok-12345678", UserID: "user-1", QueryName: "John Smith",
		QueryState: "Texas", Status: database.TaskStatusCompleted,
	})
	require.NoError(t, err)

	require.NoError(t, e.store.InsertResult(ctx, &database.SearchResult{
		TaskID: task.ID, FirstName: "Jane", LastName: `Doe, "JD"`,
		City: "Austin", State: "Texas", Phone: "15125550184",
		PhoneType: "mobile", Carrier: "Verizon", Age: 47,
		PhoneStatus: "verified", DataSource: "search",
		CreatedAt: "2026-08-25T10:00:00Z",
	}))

	data, filename, err := e.svc.ExportCSV(ctx, "tok-12345678", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "leads-tok-1234.csv", filename)
	assert.True(t, bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}), "BOM prefix")

	r := csv.NewReader(bytes.NewReader(data[3:]))
	records, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "fullName", records[0][0])

	assert.Equal(t, "propertyValue", records[0][10])

	row := records[1]
	assert.Equal(t, `Jane Doe, "JD"`, row[0], "quoted cell round-trips")
	assert.Equal(t, "47", row[3])
	assert.Equal(t, "Austin, Texas", row[6])
	assert.Equal(t, "15125550184", row[7])
	assert.Empty(t, row[10])
	assert.Equal(t, "John Smith", row[11])
	assert.Equal(t, "2026-08-25", row[15])
}

func TestExportCSVNotReady(t *testing.T) {
	e := newEnv(t, testConfig(), &stubProvider{})
	_, err := e.store.CreateTask(context.Background(), &database.Task{
		Token: "tok-running", UserID: "user-1", Status: database.TaskStatusRunning,
	})
	require.NoError(t, err)

	_, _, err = e.svc.ExportCSV(context.Background(), "tok-running", "user-1")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestListTasks(t *testing.T) {
	e := newEnv(t, testConfig(), &stubProvider{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := e.store.CreateTask(ctx, &database.Task{
			Token: fmt.Sprintf("tok-%d", i), UserID: "user-1", Status: database.TaskStatusCompleted,
		})
		require.NoError(t, err)
	}
	_, err := e.store.CreateTask(ctx, &database.Task{Token: "other", UserID: "user-2"})
	require.NoError(t, err)

	rows, total, err := e.svc.List(ctx, "user-1", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, rows, 3)
}

func TestValidationErrorWrapping(t *testing.T) {
	e := newEnv(t, testConfig(), &stubProvider{})
	e.ledgerMS.SeedUser("user-1", 100)

	_, err := e.svc.Submit(context.Background(), SubmitParams{UserID: "user-1", RequestedCount: 5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "name is required")
}

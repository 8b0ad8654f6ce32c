// Package verify cross-checks that a phone number belongs to the expected
// person by querying two public reverse-lookup sites through a scraping
// proxy, and scores the match.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/leadscope/backend/internal/circuitbreaker"
	"github.com/leadscope/backend/internal/config"
	"github.com/leadscope/backend/internal/database"
	"github.com/leadscope/backend/internal/monitoring"
	"github.com/leadscope/backend/internal/providers"
)

// Verification sources.
const (
	SourcePrimary  = "primary"
	SourceFallback = "fallback"
	SourceNone     = "none"
)

// Score weights and thresholds.
const (
	scoreName  = 40
	scoreAge   = 30
	scoreState = 20
	scoreCity  = 10

	// verifyThreshold is the single-stage decision bar.
	verifyThreshold = 70
	// acceptThreshold lets a stage short-circuit the two-stage policy.
	acceptThreshold = 60
)

// Query describes the person a phone number is checked against.
type Query struct {
	Phone     string // sanitized, 1XXXXXXXXXX
	FirstName string
	LastName  string
	City      string
	State     string
	AgeMin    int
	AgeMax    int
}

// Outcome is the verification result the driver consumes.
type Outcome struct {
	Verified   bool
	Source     string
	MatchScore int
	PhoneType  string
	Carrier    string
	Age        int
	City       string
	State      string
	// AgeRejected means the extracted age fell outside the caller's window.
	AgeRejected bool
}

// Verifier runs the two-stage lookup policy.
type Verifier struct {
	cfg      config.ProvidersConfig
	retries  int
	http     *http.Client
	store    database.Store
	breakers *circuitbreaker.ProviderBreakers
	logger   *log.Logger
}

func NewVerifier(cfg config.ProvidersConfig, verifyCfg config.VerifyConfig, store database.Store, breakers *circuitbreaker.ProviderBreakers) *Verifier {
	timeout := time.Duration(cfg.ScrapeTimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Verifier{
		cfg:      cfg,
		retries:  verifyCfg.TransportRetries,
		http:     &http.Client{Timeout: timeout},
		store:    store,
		breakers: breakers,
		logger:   log.New(log.Writer(), "[Verify] ", log.LstdFlags),
	}
}

// Verify checks query.Phone against the primary site, then the fallback.
// A stage is accepted when it verified with score >= 60; otherwise the
// higher-scoring outcome wins. An insufficient-credits signal from the
// scraping proxy short-circuits the whole verification with that error.
// Rate-limit and server errors are returned untouched for the executor tier.
func (v *Verifier) Verify(ctx context.Context, query Query) (*Outcome, error) {
	primary, err := v.lookupStage(ctx, "primary", v.breakers.LookupPrimary, query)
	if err != nil {
		return nil, err
	}
	primary.Source = SourcePrimary
	if primary.Verified && primary.MatchScore >= acceptThreshold {
		return primary, nil
	}

	fallback, err := v.lookupStage(ctx, "fallback", v.breakers.LookupFallback, query)
	if err != nil {
		// The primary stage already produced a scored outcome; a fallback
		// insufficient-credits signal still has to stop the task.
		var apiErr *providers.APIError
		if errors.As(err, &apiErr) && apiErr.Kind == providers.KindInsufficientCredits {
			return nil, err
		}
		return primary, nil
	}
	fallback.Source = SourceFallback
	if fallback.Verified && fallback.MatchScore >= acceptThreshold {
		return fallback, nil
	}

	if fallback.MatchScore > primary.MatchScore {
		return fallback, nil
	}
	return primary, nil
}

// lookupStage fetches one site through the proxy and scores the page.
func (v *Verifier) lookupStage(ctx context.Context, site string, breaker *circuitbreaker.CircuitBreaker, query Query) (*Outcome, error) {
	var html string
	fetch := func() error {
		var err error
		html, err = v.fetchPage(ctx, site, query.Phone)
		return err
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = breaker.Execute(fetch)
		if err == nil {
			break
		}
		// Only transport-level failures retry here; 429/5xx belong to the
		// executor's tiered retry.
		var apiErr *providers.APIError
		if errors.As(err, &apiErr) && apiErr.Kind == providers.KindNetwork && attempt < v.retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		return nil, err
	}

	page := ParseLookupPage(html)
	outcome := scorePage(page, query)
	return outcome, nil
}

func (v *Verifier) fetchPage(ctx context.Context, site, phone string) (string, error) {
	provider := "lookup-" + site
	endpoint := fmt.Sprintf("%s/fetch?site=%s&phone=%s", v.cfg.ScrapeProxyURL, url.QueryEscape(site), url.QueryEscape(phone))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+v.cfg.ScrapeToken)

	start := time.Now()
	resp, err := v.http.Do(req)
	elapsed := time.Since(start)
	latency := elapsed.Milliseconds()
	monitoring.ObserveProviderRequest(provider, elapsed.Seconds())
	if err != nil {
		v.recordApiLog(provider, endpoint, 0, latency, false, err.Error())
		monitoring.ProviderError(provider, string(providers.KindNetwork))
		return "", providers.NewNetworkError(provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		v.recordApiLog(provider, endpoint, resp.StatusCode, latency, false, string(msg))
		monitoring.ProviderError(provider, string(providers.ClassifyStatus(resp.StatusCode)))
		return "", providers.NewHTTPError(provider, resp.StatusCode, string(msg))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		v.recordApiLog(provider, endpoint, resp.StatusCode, latency, false, err.Error())
		return "", providers.NewNetworkError(provider, err)
	}
	v.recordApiLog(provider, endpoint, resp.StatusCode, latency, true, "")
	return string(body), nil
}

func (v *Verifier) recordApiLog(provider, endpoint string, status int, latencyMs int64, success bool, errMsg string) {
	if v.store == nil {
		return
	}
	logCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entry := &database.ApiLog{
		Provider:   provider,
		Endpoint:   endpoint,
		StatusCode: status,
		LatencyMs:  latencyMs,
		Success:    success,
		Error:      errMsg,
	}
	if err := v.store.InsertApiLog(logCtx, entry); err != nil {
		v.logger.Printf("api log write failed: %v", err)
	}
}

// scorePage applies the rubric: name first-and-last +40, age in window +30
// (outside the window rejects with the partial score), state +20, city +10.
// verified = name matched and score >= 70.
func scorePage(page LookupPage, query Query) *Outcome {
	outcome := &Outcome{
		Source:    SourceNone,
		PhoneType: page.PhoneType,
		Carrier:   page.Carrier,
		Age:       page.Age,
		City:      page.City,
		State:     page.State,
	}

	nameMatched := query.FirstName != "" && query.LastName != "" &&
		strings.Contains(page.Text, strings.ToLower(query.FirstName)) &&
		strings.Contains(page.Text, strings.ToLower(query.LastName))
	if nameMatched {
		outcome.MatchScore += scoreName
	}

	if page.Age > 0 && query.AgeMin > 0 && query.AgeMax > 0 {
		if page.Age >= query.AgeMin && page.Age <= query.AgeMax {
			outcome.MatchScore += scoreAge
		} else {
			// Hard reject: the person on the page is not in the requested
			// age window, whatever else matched.
			outcome.AgeRejected = true
			return outcome
		}
	}

	if query.State != "" && strings.Contains(page.Text, strings.ToLower(query.State)) {
		outcome.MatchScore += scoreState
	}
	if query.City != "" && strings.Contains(page.Text, strings.ToLower(query.City)) {
		outcome.MatchScore += scoreCity
	}

	outcome.Verified = nameMatched && outcome.MatchScore >= verifyThreshold
	return outcome
}

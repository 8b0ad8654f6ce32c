package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/leadscope/backend/internal/circuitbreaker"
	"github.com/leadscope/backend/internal/config"
	"github.com/leadscope/backend/internal/database"
	"github.com/leadscope/backend/internal/monitoring"
)

// SearchResponse is the common adapter result shape.
type SearchResponse struct {
	Success      bool
	People       []LeadPerson
	TotalCount   int
	ErrorMessage string
}

// Client drives the bulk-search, enrichment and exact-search providers.
type Client struct {
	cfg      config.ProvidersConfig
	http     *http.Client
	store    database.Store
	breakers *circuitbreaker.ProviderBreakers
	logger   *log.Logger

	// pollInterval is shortened by tests.
	pollInterval time.Duration
}

func NewClient(cfg config.ProvidersConfig, store database.Store, breakers *circuitbreaker.ProviderBreakers) *Client {
	timeout := time.Duration(cfg.ScrapeTimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:          cfg,
		http:         &http.Client{Timeout: timeout},
		store:        store,
		breakers:     breakers,
		logger:       log.New(log.Writer(), "[Providers] ", log.LstdFlags),
		pollInterval: 5 * time.Second,
	}
}

// doJSON issues one bearer-authorized call, records an ApiLog row and decodes
// a 2xx body into out. Non-2xx and transport failures come back as *APIError.
func (c *Client) doJSON(ctx context.Context, provider, method, url, token string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	latency := elapsed.Milliseconds()
	monitoring.ObserveProviderRequest(provider, elapsed.Seconds())

	if err != nil {
		c.recordApiLog(provider, url, 0, latency, false, err.Error())
		monitoring.ProviderError(provider, string(KindNetwork))
		return NewNetworkError(provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		c.recordApiLog(provider, url, resp.StatusCode, latency, false, string(msg))
		monitoring.ProviderError(provider, string(ClassifyStatus(resp.StatusCode)))
		return NewHTTPError(provider, resp.StatusCode, string(msg))
	}

	c.recordApiLog(provider, url, resp.StatusCode, latency, true, "")
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Kind: KindUnknown, Provider: provider, Message: "decode response: " + err.Error()}
	}
	return nil
}

func (c *Client) recordApiLog(provider, endpoint string, status int, latencyMs int64, success bool, errMsg string) {
	if c.store == nil {
		return
	}
	entry := &database.ApiLog{
		Provider:   provider,
		Endpoint:   endpoint,
		StatusCode: status,
		LatencyMs:  latencyMs,
		Success:    success,
		Error:      errMsg,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.InsertApiLog(ctx, entry); err != nil {
		c.logger.Printf("api log write failed: %v", err)
	}
}

package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadscope/backend/internal/circuitbreaker"
	"github.com/leadscope/backend/internal/config"
	"github.com/leadscope/backend/internal/database"
)

func TestSanitizePhone(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"(512) 555-0184", "15125550184"},
		{"512-555-0184", "15125550184"},
		{"+1 512 555 0184", "15125550184"},
		{"15125550184", "15125550184"},
		{"555-0184", "5550184"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizePhone(tt.raw), "raw=%q", tt.raw)
	}
}

func TestParseLocation(t *testing.T) {
	city, state, country := ParseLocation("Austin, Texas, United States")
	assert.Equal(t, "Austin", city)
	assert.Equal(t, "Texas", state)
	assert.Equal(t, "United States", country)

	city, state, country = ParseLocation("Texas, United States")
	assert.Empty(t, city)
	assert.Equal(t, "Texas", state)
	assert.Equal(t, "United States", country)

	city, state, country = ParseLocation("Texas")
	assert.Empty(t, city)
	assert.Equal(t, "Texas", state)
	assert.Empty(t, country)
}

func TestPreferredPhone(t *testing.T) {
	p := LeadPerson{Phones: []Phone{
		{Sanitized: "15125550001", Type: PhoneTypeWork},
		{Sanitized: "15125550002", Type: PhoneTypeMobile},
	}}
	got := p.PreferredPhone()
	require.NotNil(t, got)
	assert.Equal(t, "15125550002", got.Sanitized, "mobile wins over work")

	p = LeadPerson{Phones: []Phone{{Sanitized: "15125550001", Type: PhoneTypeWork}}}
	got = p.PreferredPhone()
	require.NotNil(t, got)
	assert.Equal(t, "15125550001", got.Sanitized, "first available when no mobile")

	p = LeadPerson{}
	assert.Nil(t, p.PreferredPhone())
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, KindInsufficientCredits, ClassifyStatus(401))
	assert.Equal(t, KindRateLimited, ClassifyStatus(429))
	assert.Equal(t, KindServerError, ClassifyStatus(503))
	assert.Equal(t, KindBadRequest, ClassifyStatus(404))
}

func newTestClient(t *testing.T, searchURL string) (*Client, *database.MemoryStore) {
	t.Helper()
	store := database.NewMemoryStore()
	cfg := config.ProvidersConfig{
		SearchBaseURL:        searchURL,
		SearchToken:          "test-token",
		EnrichBaseURL:        searchURL,
		EnrichToken:          "test-token",
		ExactBaseURL:         searchURL,
		ExactToken:           "test-token",
		SearchPollSeconds:    5,
		ScrapeTimeoutSeconds: 5,
	}
	c := NewClient(cfg, store, circuitbreaker.NewProviderBreakers())
	c.pollInterval = 10 * time.Millisecond
	return c, store
}

func TestSearchStartPollNormalize(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(map[string]string{"run_id": "run-1"})
		default:
			polls++
			if polls < 2 {
				json.NewEncoder(w).Encode(map[string]interface{}{"status": "RUNNING"})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "SUCCEEDED",
				"total":  60,
				"items": []map[string]interface{}{{
					"id":                  "p1",
					"name":                "John Smith",
					"title":               "Owner",
					"present_raw_address": "Austin, Texas, United States",
					"phone_numbers": []map[string]interface{}{
						{"raw_number": "(512) 555-0184", "type_cd": "mobile", "position": 1},
					},
					"organization": map[string]interface{}{"name": "Smith Roofing"},
				}},
			})
		}
	}))
	defer srv.Close()

	c, store := newTestClient(t, srv.URL)
	resp := c.Search(context.Background(), "John Smith", "Owner", "Texas", 50, "user-1")

	require.True(t, resp.Success, resp.ErrorMessage)
	assert.Equal(t, 60, resp.TotalCount)
	require.Len(t, resp.People, 1)

	p := resp.People[0]
	assert.Equal(t, "John", p.FirstName)
	assert.Equal(t, "Smith", p.LastName)
	assert.Equal(t, "Austin", p.City)
	assert.Equal(t, "Texas", p.State)
	assert.Equal(t, "Smith Roofing", p.OrganizationName)
	require.NotNil(t, p.PreferredPhone())
	assert.Equal(t, "15125550184", p.PreferredPhone().Sanitized)
	assert.Equal(t, PhoneTypeMobile, p.PreferredPhone().Type)

	// Every outbound call left an api_log row.
	assert.GreaterOrEqual(t, len(store.ApiLogs()), 3)
}

func TestSearchProviderDepleted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "account depleted", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	resp := c.Search(context.Background(), "John", "", "", 10, "user-1")
	assert.False(t, resp.Success)
	assert.Equal(t, "search provider account depleted", resp.ErrorMessage)
}

func TestEnrichNormalizesProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/people/p9", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":                  "p9",
			"name":                "Mary Major",
			"email":               "mary@example.com",
			"present_raw_address": "Dallas, Texas, United States",
			"phone_numbers": []map[string]interface{}{
				{"raw_number": "(214) 555-0199", "type_cd": "mobile"},
			},
		})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	person, err := c.Enrich(context.Background(), "p9", "user-1")

	require.NoError(t, err)
	assert.Equal(t, "Mary", person.FirstName)
	assert.Equal(t, "Major", person.LastName)
	assert.Equal(t, "Dallas", person.City)
	assert.Equal(t, "Texas", person.State)
	assert.Equal(t, "enrich", person.Source)
	require.NotNil(t, person.PreferredPhone())
	assert.Equal(t, "12145550199", person.PreferredPhone().Sanitized)
	assert.Equal(t, PhoneTypeMobile, person.PreferredPhone().Type)
}

func TestEnrichSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	_, err := c.Enrich(context.Background(), "p9", "user-1")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, KindRateLimited, apiErr.Kind)
}

func TestExactSearchEnrichesPhones(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/discover":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"total": 1,
				"people": []map[string]interface{}{
					{"id": "x1", "first_name": "Jane", "last_name": "Doe"},
				},
			})
		case "/v1/people/x1/phones":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"id": "x1",
				"phone_numbers": []map[string]interface{}{
					{"raw_number": "512.555.0100", "type_cd": "cell"},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	resp := c.ExactSearch(context.Background(), "Jane Doe", "", "Texas", 5)

	require.True(t, resp.Success, resp.ErrorMessage)
	require.Len(t, resp.People, 1)
	require.NotNil(t, resp.People[0].PreferredPhone())
	assert.Equal(t, "15125550100", resp.People[0].PreferredPhone().Sanitized)
	assert.Equal(t, "exact", resp.People[0].Source)
}

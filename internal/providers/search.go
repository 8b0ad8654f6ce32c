package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// providerPerson is the bulk provider's native record shape.
type providerPerson struct {
	ID           string `json:"id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Name         string `json:"name"`
	Title        string `json:"title"`
	Email        string `json:"email"`
	LinkedinURL  string `json:"linkedin_url"`
	City         string `json:"city"`
	State        string `json:"state"`
	Country      string `json:"country"`
	RawAddress   string `json:"present_raw_address"`
	PhoneNumbers []struct {
		RawNumber       string `json:"raw_number"`
		SanitizedNumber string `json:"sanitized_number"`
		TypeCd          string `json:"type_cd"`
		Position        int    `json:"position"`
	} `json:"phone_numbers"`
	OrganizationName string `json:"organization_name"`
	Organization     *struct {
		Name       string `json:"name"`
		WebsiteURL string `json:"website_url"`
		Industry   string `json:"industry"`
	} `json:"organization"`
}

type searchRunResponse struct {
	RunID string `json:"run_id"`
}

type searchRunStatus struct {
	Status string           `json:"status"` // RUNNING | SUCCEEDED | FAILED
	Error  string           `json:"error"`
	Total  int              `json:"total"`
	Items  []providerPerson `json:"items"`
}

// Search drives the batch-oriented bulk-lookup provider: start a run, then
// poll until it succeeds or the polling window elapses. Failures come back
// as Success=false with a human message rather than an error; the driver
// treats a failed search as a terminal condition, not a retryable unit.
func (c *Client) Search(ctx context.Context, name, title, state string, limit int, userID string) *SearchResponse {
	var runResp searchRunResponse
	startURL := c.cfg.SearchBaseURL + "/v1/search/runs"
	payload := map[string]interface{}{
		"name":  name,
		"title": title,
		"state": state,
		"limit": limit,
	}

	err := c.breakers.Search.Execute(func() error {
		return c.doJSON(ctx, "search", http.MethodPost, startURL, c.cfg.SearchToken, payload, &runResp)
	})
	if err != nil {
		return &SearchResponse{Success: false, ErrorMessage: searchFailureMessage(err)}
	}

	window := time.Duration(c.cfg.SearchPollSeconds) * time.Second
	if window == 0 {
		window = 3 * time.Minute
	}
	deadline := time.Now().Add(window)

	for {
		if time.Now().After(deadline) {
			return &SearchResponse{Success: false, ErrorMessage: "search provider timed out"}
		}
		select {
		case <-ctx.Done():
			return &SearchResponse{Success: false, ErrorMessage: "search cancelled"}
		case <-time.After(c.pollInterval):
		}

		var status searchRunStatus
		pollURL := fmt.Sprintf("%s/v1/search/runs/%s", c.cfg.SearchBaseURL, runResp.RunID)
		if err := c.doJSON(ctx, "search", http.MethodGet, pollURL, c.cfg.SearchToken, nil, &status); err != nil {
			// Transient poll failures are absorbed; the run keeps going upstream.
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Kind == KindInsufficientCredits {
				return &SearchResponse{Success: false, ErrorMessage: "search provider account depleted"}
			}
			continue
		}

		switch status.Status {
		case "SUCCEEDED":
			people := make([]LeadPerson, 0, len(status.Items))
			for _, item := range status.Items {
				people = append(people, normalizeProviderPerson(item, "search"))
			}
			total := status.Total
			if total == 0 {
				total = len(people)
			}
			return &SearchResponse{Success: true, People: people, TotalCount: total}
		case "FAILED":
			msg := status.Error
			if msg == "" {
				msg = "search run failed"
			}
			return &SearchResponse{Success: false, ErrorMessage: msg}
		}
	}
}

// Enrich fills phone and email detail for one profile. One call per profile.
func (c *Client) Enrich(ctx context.Context, providerID, userID string) (*LeadPerson, error) {
	var item providerPerson
	url := fmt.Sprintf("%s/v1/people/%s", c.cfg.EnrichBaseURL, providerID)

	err := c.breakers.Enrich.Execute(func() error {
		return c.doJSON(ctx, "enrich", http.MethodGet, url, c.cfg.EnrichToken, nil, &item)
	})
	if err != nil {
		return nil, err
	}
	person := normalizeProviderPerson(item, "enrich")
	return &person, nil
}

func normalizeProviderPerson(item providerPerson, source string) LeadPerson {
	first, last := item.FirstName, item.LastName
	if first == "" && last == "" {
		first, last = splitName(item.Name)
	}
	full := item.Name
	if full == "" {
		full = first
		if last != "" {
			full += " " + last
		}
	}

	city, state, country := item.City, item.State, item.Country
	if city == "" && state == "" && item.RawAddress != "" {
		city, state, country = ParseLocation(item.RawAddress)
	}

	person := LeadPerson{
		ID:          item.ID,
		FirstName:   first,
		LastName:    last,
		FullName:    full,
		Title:       item.Title,
		Email:       item.Email,
		LinkedinURL: item.LinkedinURL,
		City:        city,
		State:       state,
		Country:     country,
		Source:      source,
	}

	for i, pn := range item.PhoneNumbers {
		sanitized := pn.SanitizedNumber
		if sanitized == "" {
			sanitized = SanitizePhone(pn.RawNumber)
		} else {
			sanitized = SanitizePhone(sanitized)
		}
		if sanitized == "" {
			continue
		}
		position := pn.Position
		if position == 0 {
			position = i
		}
		person.Phones = append(person.Phones, Phone{
			Raw:       pn.RawNumber,
			Sanitized: sanitized,
			Type:      classifyPhoneLabel(pn.TypeCd),
			Position:  position,
		})
	}

	if item.Organization != nil {
		person.Organization = &Organization{
			Name:     item.Organization.Name,
			Website:  item.Organization.WebsiteURL,
			Industry: item.Organization.Industry,
		}
		person.OrganizationName = item.Organization.Name
	}
	if person.OrganizationName == "" {
		person.OrganizationName = item.OrganizationName
	}

	return person
}

func searchFailureMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case KindInsufficientCredits:
			return "search provider account depleted"
		case KindRateLimited:
			return "search provider rate-limited the request"
		case KindNetwork:
			return "search provider unreachable"
		}
	}
	return err.Error()
}

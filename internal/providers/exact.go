package providers

import (
	"context"
	"net/http"
)

// exactDiscoveryResponse is the scrape-based discovery provider's shape.
type exactDiscoveryResponse struct {
	Total  int              `json:"total"`
	People []providerPerson `json:"people"`
}

// ExactSearch wraps the scrape-based discovery provider plus its phone
// enrichment endpoint. From the driver's point of view it behaves like
// Search, at a higher per-record cost; it always bypasses the search cache.
func (c *Client) ExactSearch(ctx context.Context, name, title, state string, limit int) *SearchResponse {
	var discovery exactDiscoveryResponse
	url := c.cfg.ExactBaseURL + "/v1/discover"
	payload := map[string]interface{}{
		"name":  name,
		"title": title,
		"state": state,
		"limit": limit,
	}

	err := c.breakers.Exact.Execute(func() error {
		return c.doJSON(ctx, "exact", http.MethodPost, url, c.cfg.ExactToken, payload, &discovery)
	})
	if err != nil {
		return &SearchResponse{Success: false, ErrorMessage: searchFailureMessage(err)}
	}

	people := make([]LeadPerson, 0, len(discovery.People))
	for _, item := range discovery.People {
		person := normalizeProviderPerson(item, "exact")

		// Discovery records usually arrive without numbers; one enrichment
		// call per contact-less record fills them in. Enrichment failures
		// leave the record phone-less rather than failing the search.
		if len(person.Phones) == 0 && person.ID != "" {
			if enriched := c.exactEnrichPhones(ctx, person.ID); enriched != nil {
				person.Phones = enriched.Phones
				if person.Email == "" {
					person.Email = enriched.Email
				}
			}
		}
		people = append(people, person)
	}

	total := discovery.Total
	if total == 0 {
		total = len(people)
	}
	return &SearchResponse{Success: true, People: people, TotalCount: total}
}

func (c *Client) exactEnrichPhones(ctx context.Context, id string) *LeadPerson {
	var item providerPerson
	url := c.cfg.ExactBaseURL + "/v1/people/" + id + "/phones"

	err := c.breakers.Exact.Execute(func() error {
		return c.doJSON(ctx, "exact", http.MethodGet, url, c.cfg.ExactToken, nil, &item)
	})
	if err != nil {
		c.logger.Printf("exact phone enrichment failed for %s: %v", id, err)
		return nil
	}
	person := normalizeProviderPerson(item, "exact")
	return &person
}

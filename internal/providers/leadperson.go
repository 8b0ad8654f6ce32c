// Package providers wraps the external data providers behind typed adapters.
// Provider-native record shapes are normalized into LeadPerson at this
// boundary and never escape it.
package providers

import "strings"

// Phone types.
const (
	PhoneTypeMobile = "mobile"
	PhoneTypeWork   = "work"
	PhoneTypeOther  = "other"
)

// Phone is one contact number attached to a lead.
type Phone struct {
	Raw       string `json:"raw"`
	Sanitized string `json:"sanitized"`
	Type      string `json:"type"`
	Position  int    `json:"position"`
}

// Organization is the employer detail block when the provider returns one.
type Organization struct {
	Name     string `json:"name"`
	Website  string `json:"website,omitempty"`
	Industry string `json:"industry,omitempty"`
}

// LeadPerson is the canonical in-flight record shared across the pipeline.
type LeadPerson struct {
	ID               string        `json:"id"`
	FirstName        string        `json:"first_name"`
	LastName         string        `json:"last_name"`
	FullName         string        `json:"full_name"`
	Title            string        `json:"title,omitempty"`
	Email            string        `json:"email,omitempty"`
	Phones           []Phone       `json:"phones,omitempty"`
	LinkedinURL      string        `json:"linkedin_url,omitempty"`
	City             string        `json:"city,omitempty"`
	State            string        `json:"state,omitempty"`
	Country          string        `json:"country,omitempty"`
	OrganizationName string        `json:"organization_name,omitempty"`
	Organization     *Organization `json:"organization,omitempty"`
	Source           string        `json:"source"`
}

// PreferredPhone selects the number the pipeline verifies: the first mobile,
// else the first available. Nil when the record has no phone at all.
func (p *LeadPerson) PreferredPhone() *Phone {
	for i := range p.Phones {
		if p.Phones[i].Type == PhoneTypeMobile {
			return &p.Phones[i]
		}
	}
	if len(p.Phones) > 0 {
		return &p.Phones[0]
	}
	return nil
}

// HasContact reports whether the record carries any phone or email.
func (p *LeadPerson) HasContact() bool {
	return len(p.Phones) > 0 || strings.TrimSpace(p.Email) != ""
}

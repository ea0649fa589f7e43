package model

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

// NormalizedLead is a provider-agnostic lead produced by a provider mapper.
type NormalizedLead struct {
	Provider      string          `json:"provider,omitempty"`
	ExternalID    string          `json:"externalId,omitempty"`
	FirstName     string          `json:"firstName,omitempty"`
	LastName      string          `json:"lastName,omitempty"`
	FullName      string          `json:"fullName,omitempty"`
	Title         string          `json:"title,omitempty"`
	Company       string          `json:"company,omitempty"`
	CompanyDomain string          `json:"companyDomain,omitempty"`
	CompanyURL    string          `json:"companyUrl,omitempty"`
	LinkedInURL   string          `json:"linkedinUrl,omitempty"`
	Location      string          `json:"location,omitempty"`
	Email         string          `json:"email,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// DisplayName returns FullName, or first and last name joined.
func (l NormalizedLead) DisplayName() string {
	if n := strings.TrimSpace(l.FullName); n != "" {
		return n
	}
	return strings.TrimSpace(strings.TrimSpace(l.FirstName) + " " + strings.TrimSpace(l.LastName))
}

// HasIdentity reports whether the lead carries any key a persisted Lead can
// be resolved by.
func (l NormalizedLead) HasIdentity() bool {
	return NormalizeEmail(l.Email) != "" ||
		LinkedInKey(l.LinkedInURL) != "" ||
		(l.Provider != "" && strings.TrimSpace(l.ExternalID) != "")
}

// Lead is a persisted, deduplicated lead. Empty strings are stored as NULL.
type Lead struct {
	ID            string    `json:"id"`
	FirstName     string    `json:"first_name,omitempty"`
	LastName      string    `json:"last_name,omitempty"`
	FullName      string    `json:"full_name,omitempty"`
	Title         string    `json:"title,omitempty"`
	Company       string    `json:"company,omitempty"`
	CompanyDomain string    `json:"company_domain,omitempty"`
	CompanyURL    string    `json:"company_url,omitempty"`
	LinkedInURL   string    `json:"linkedin_url,omitempty"`
	Location      string    `json:"location,omitempty"`
	Email         string    `json:"email,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Lead column names, in the order patches are applied.
const (
	ColFirstName     = "first_name"
	ColLastName      = "last_name"
	ColFullName      = "full_name"
	ColTitle         = "title"
	ColCompany       = "company"
	ColCompanyDomain = "company_domain"
	ColCompanyURL    = "company_url"
	ColLinkedInURL   = "linkedin_url"
	ColLocation      = "location"
	ColEmail         = "email"
)

// LeadColumns lists the mutable lead columns.
var LeadColumns = []string{
	ColFirstName, ColLastName, ColFullName, ColTitle, ColCompany,
	ColCompanyDomain, ColCompanyURL, ColLinkedInURL, ColLocation, ColEmail,
}

// Values returns the lead's mutable columns keyed by column name.
func (l *Lead) Values() map[string]string {
	return map[string]string{
		ColFirstName:     l.FirstName,
		ColLastName:      l.LastName,
		ColFullName:      l.FullName,
		ColTitle:         l.Title,
		ColCompany:       l.Company,
		ColCompanyDomain: l.CompanyDomain,
		ColCompanyURL:    l.CompanyURL,
		ColLinkedInURL:   l.LinkedInURL,
		ColLocation:      l.Location,
		ColEmail:         l.Email,
	}
}

// LeadFrom builds an unsaved Lead from a normalized lead, canonicalizing its
// identity keys.
func LeadFrom(n NormalizedLead) Lead {
	return Lead{
		FirstName:     strings.TrimSpace(n.FirstName),
		LastName:      strings.TrimSpace(n.LastName),
		FullName:      n.DisplayName(),
		Title:         strings.TrimSpace(n.Title),
		Company:       strings.TrimSpace(n.Company),
		CompanyDomain: NormalizeDomain(n.CompanyDomain),
		CompanyURL:    strings.TrimSpace(n.CompanyURL),
		LinkedInURL:   CanonicalLinkedInURL(n.LinkedInURL),
		Location:      strings.TrimSpace(n.Location),
		Email:         NormalizeEmail(n.Email),
	}
}

// LeadPatch maps column names to new values.
type LeadPatch map[string]string

// Columns returns the patched columns in LeadColumns order.
func (p LeadPatch) Columns() []string {
	out := make([]string, 0, len(p))
	for _, c := range LeadColumns {
		if _, ok := p[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Without returns a copy of the patch minus col.
func (p LeadPatch) Without(col string) LeadPatch {
	out := make(LeadPatch, len(p))
	for k, v := range p {
		if k != col {
			out[k] = v
		}
	}
	return out
}

// FillMissing returns the patch that adopts incoming values only where
// existing has none. A populated field is never overwritten.
func FillMissing(existing, incoming Lead) LeadPatch {
	patch := LeadPatch{}
	have := existing.Values()
	for col, v := range incoming.Values() {
		if v != "" && have[col] == "" {
			patch[col] = v
		}
	}
	return patch
}

// Apply writes the patch onto l.
func (l *Lead) Apply(p LeadPatch) {
	for col, v := range p {
		switch col {
		case ColFirstName:
			l.FirstName = v
		case ColLastName:
			l.LastName = v
		case ColFullName:
			l.FullName = v
		case ColTitle:
			l.Title = v
		case ColCompany:
			l.Company = v
		case ColCompanyDomain:
			l.CompanyDomain = v
		case ColCompanyURL:
			l.CompanyURL = v
		case ColLinkedInURL:
			l.LinkedInURL = v
		case ColLocation:
			l.Location = v
		case ColEmail:
			l.Email = v
		}
	}
}

// ProviderRef maps a provider's own lead id to a persisted Lead.
type ProviderRef struct {
	Provider   string    `json:"provider"`
	ExternalID string    `json:"external_id"`
	LeadID     string    `json:"lead_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// NormalizeEmail lowercases and trims an email. Values without an @ are
// treated as absent.
func NormalizeEmail(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.Contains(s, "@") {
		return ""
	}
	return s
}

// NormalizeDomain lowercases a domain and strips any scheme, www. prefix and path.
func NormalizeDomain(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(strings.TrimPrefix(s, "https://"), "http://")
	s = strings.TrimPrefix(s, "www.")
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	return s
}

// LinkedInKey reduces a LinkedIn profile URL to host and path: no scheme,
// no www., no query or fragment, no trailing slash, lowercased.
func LinkedInKey(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.TrimPrefix(u.Host, "www.")
	path := strings.TrimRight(u.Path, "/")
	return host + path
}

// CanonicalLinkedInURL is the stored form of a LinkedIn URL.
func CanonicalLinkedInURL(raw string) string {
	key := LinkedInKey(raw)
	if key == "" {
		return ""
	}
	return "https://" + key
}

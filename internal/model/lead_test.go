package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmail(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "jane@acme.com", NormalizeEmail("  Jane@ACME.com "))
	assert.Equal(t, "", NormalizeEmail("not-an-email"))
	assert.Equal(t, "", NormalizeEmail(""))
}

func TestLinkedInKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"https://www.linkedin.com/in/jane-doe/", "linkedin.com/in/jane-doe"},
		{"http://linkedin.com/in/Jane-Doe?trk=abc", "linkedin.com/in/jane-doe"},
		{"linkedin.com/in/jane-doe", "linkedin.com/in/jane-doe"},
		{"www.linkedin.com/in/jane-doe#x", "linkedin.com/in/jane-doe"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LinkedInKey(tt.in), tt.in)
	}
	assert.Equal(t, "https://linkedin.com/in/jane-doe", CanonicalLinkedInURL("www.linkedin.com/in/jane-doe/"))
	assert.Equal(t, "", CanonicalLinkedInURL(""))
}

func TestNormalizeDomain(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "acme.com", NormalizeDomain("https://www.Acme.com/about"))
	assert.Equal(t, "acme.com", NormalizeDomain("acme.com"))
}

func TestLeadFrom(t *testing.T) {
	t.Parallel()
	l := LeadFrom(NormalizedLead{
		FirstName:   " Jane ",
		LastName:    "Doe",
		Email:       "JANE@acme.com",
		LinkedInURL: "linkedin.com/in/jane/",
	})
	assert.Equal(t, "Jane", l.FirstName)
	assert.Equal(t, "Jane Doe", l.FullName)
	assert.Equal(t, "jane@acme.com", l.Email)
	assert.Equal(t, "https://linkedin.com/in/jane", l.LinkedInURL)
}

func TestHasIdentity(t *testing.T) {
	t.Parallel()
	assert.False(t, NormalizedLead{FullName: "Jane"}.HasIdentity())
	assert.False(t, NormalizedLead{ExternalID: "x"}.HasIdentity())
	assert.True(t, NormalizedLead{Provider: "apollo", ExternalID: "x"}.HasIdentity())
	assert.True(t, NormalizedLead{Email: "a@b.co"}.HasIdentity())
	assert.True(t, NormalizedLead{LinkedInURL: "linkedin.com/in/a"}.HasIdentity())
}

func TestFillMissing(t *testing.T) {
	t.Parallel()

	existing := Lead{ID: "l1", Email: "jane@acme.com", Title: "CTO"}
	incoming := Lead{Email: "other@acme.com", Title: "VP", Company: "Acme", Location: "Austin"}

	patch := FillMissing(existing, incoming)
	assert.Equal(t, LeadPatch{ColCompany: "Acme", ColLocation: "Austin"}, patch)
	assert.Equal(t, []string{ColCompany, ColLocation}, patch.Columns())

	existing.Apply(patch)
	assert.Equal(t, "CTO", existing.Title)
	assert.Equal(t, "jane@acme.com", existing.Email)
	assert.Equal(t, "Acme", existing.Company)

	assert.Empty(t, FillMissing(existing, Lead{}))
}

func TestLeadPatchWithout(t *testing.T) {
	t.Parallel()
	p := LeadPatch{ColEmail: "a@b.co", ColTitle: "CEO"}
	q := p.Without(ColEmail)
	assert.Equal(t, LeadPatch{ColTitle: "CEO"}, q)
	assert.Len(t, p, 2)
}

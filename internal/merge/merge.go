// Package merge deduplicates lead batches from several providers.
package merge

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/leadgen-cli/internal/model"
)

// Keys are the identity keys of one lead. Empty keys are absent.
type Keys struct {
	Email      string
	LinkedIn   string
	ExternalID string
	Composite  string
}

// KeysOf derives a lead's normalized identity keys.
func KeysOf(l model.NormalizedLead) Keys {
	k := Keys{
		Email:      model.NormalizeEmail(l.Email),
		LinkedIn:   model.LinkedInKey(l.LinkedInURL),
		ExternalID: strings.ToLower(strings.TrimSpace(l.ExternalID)),
	}
	name := foldText(l.DisplayName())
	org := model.NormalizeDomain(l.CompanyDomain)
	if org == "" {
		org = foldText(l.Company)
	}
	if name != "" && org != "" {
		k.Composite = name + "|" + org
	}
	return k
}

// Merger accumulates leads across batches, rejecting any lead that shares a
// single identity key with one already accepted.
type Merger struct {
	limit     int
	email     map[string]struct{}
	linkedin  map[string]struct{}
	external  map[string]struct{}
	composite map[string]struct{}
	out       []model.NormalizedLead
	dropped   int
}

// NewMerger returns a merger that stops accepting at limit leads. A limit of
// zero or less is unbounded.
func NewMerger(limit int) *Merger {
	return &Merger{
		limit:     limit,
		email:     make(map[string]struct{}),
		linkedin:  make(map[string]struct{}),
		external:  make(map[string]struct{}),
		composite: make(map[string]struct{}),
	}
}

// Full reports whether the limit has been reached.
func (m *Merger) Full() bool {
	return m.limit > 0 && len(m.out) >= m.limit
}

// Add offers one lead and reports whether it was accepted.
func (m *Merger) Add(l model.NormalizedLead) bool {
	if m.Full() {
		return false
	}
	k := KeysOf(l)
	if seen(m.email, k.Email) || seen(m.linkedin, k.LinkedIn) ||
		seen(m.external, k.ExternalID) || seen(m.composite, k.Composite) {
		m.dropped++
		return false
	}
	mark(m.email, k.Email)
	mark(m.linkedin, k.LinkedIn)
	mark(m.external, k.ExternalID)
	mark(m.composite, k.Composite)
	m.out = append(m.out, l)
	return true
}

// AddBatch offers leads in order and returns how many were accepted.
func (m *Merger) AddBatch(leads []model.NormalizedLead) int {
	n := 0
	for _, l := range leads {
		if m.Full() {
			break
		}
		if m.Add(l) {
			n++
		}
	}
	return n
}

// Leads returns the accepted leads in acceptance order.
func (m *Merger) Leads() []model.NormalizedLead { return m.out }

// Duplicates returns how many leads were rejected as duplicates.
func (m *Merger) Duplicates() int { return m.dropped }

// Merge combines ordered batches into at most limit unique leads. Earlier
// batches win.
func Merge(batches [][]model.NormalizedLead, limit int) []model.NormalizedLead {
	m := NewMerger(limit)
	for _, b := range batches {
		if m.Full() {
			break
		}
		m.AddBatch(b)
	}
	return m.Leads()
}

func seen(set map[string]struct{}, key string) bool {
	if key == "" {
		return false
	}
	_, ok := set[key]
	return ok
}

func mark(set map[string]struct{}, key string) {
	if key != "" {
		set[key] = struct{}{}
	}
}

// foldText lowercases, strips accents and collapses whitespace.
func foldText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

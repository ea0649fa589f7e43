// Package persist writes normalized leads into the lead store, resolving
// each one against leads saved by earlier searches.
package persist

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/store"
)

// LeadStore is the subset of store.Store the persister needs.
type LeadStore interface {
	FindLeadByEmail(ctx context.Context, email string) (*model.Lead, error)
	FindLeadByLinkedIn(ctx context.Context, linkedinURL string) (*model.Lead, error)
	FindLeadByProviderRef(ctx context.Context, provider, externalID string) (*model.Lead, error)
	CreateLead(ctx context.Context, l *model.Lead) error
	PatchLead(ctx context.Context, id string, patch model.LeadPatch) error
	CreateProviderRef(ctx context.Context, ref model.ProviderRef) (bool, error)
}

// Stats counts what a Persist call did.
type Stats struct {
	Created        int
	Matched        int
	DroppedFields  int
	RefsCreated    int
	RecoveredRaces int
}

// Persister upserts leads. Concurrent writers may target the same leads;
// unique-constraint collisions are recovered locally.
type Persister struct {
	store LeadStore
	log   *zap.Logger
}

// New creates a Persister backed by st.
func New(st LeadStore) *Persister {
	return &Persister{
		store: st,
		log:   zap.L().With(zap.String("component", "persist")),
	}
}

// Persist saves leads and returns their ids in input order.
func (p *Persister) Persist(ctx context.Context, leads []model.NormalizedLead) ([]string, Stats, error) {
	var stats Stats
	ids := make([]string, len(leads))
	for i, l := range leads {
		id, err := p.persistOne(ctx, l, &stats)
		if err != nil {
			return nil, stats, eris.Wrapf(err, "persist: lead %d of %d", i+1, len(leads))
		}
		ids[i] = id
	}
	p.log.Debug("leads persisted",
		zap.Int("count", len(leads)),
		zap.Int("created", stats.Created),
		zap.Int("matched", stats.Matched),
		zap.Int("dropped_fields", stats.DroppedFields),
		zap.Int("recovered_races", stats.RecoveredRaces),
	)
	return ids, stats, nil
}

func (p *Persister) persistOne(ctx context.Context, n model.NormalizedLead, stats *Stats) (string, error) {
	cand := model.LeadFrom(n)
	ref := model.ProviderRef{Provider: n.Provider, ExternalID: strings.TrimSpace(n.ExternalID)}

	// Nothing to resolve by and nothing unique to collide on.
	if !n.HasIdentity() {
		if err := p.store.CreateLead(ctx, &cand); err != nil {
			return "", err
		}
		stats.Created++
		return cand.ID, nil
	}

	existing, err := p.resolve(ctx, cand, ref)
	if err != nil {
		return "", err
	}

	if existing == nil {
		createErr := p.store.CreateLead(ctx, &cand)
		switch {
		case createErr == nil:
			stats.Created++
			return cand.ID, p.ensureRef(ctx, ref, cand.ID, stats)
		case isUnique(createErr):
			// Another writer created the lead between resolve and insert.
			stats.RecoveredRaces++
			existing, err = p.resolve(ctx, cand, ref)
			if err != nil {
				return "", err
			}
			if existing == nil {
				return "", eris.Wrap(createErr, "persist: lead vanished after unique violation")
			}
		default:
			return "", createErr
		}
	}

	stats.Matched++
	if err := p.patch(ctx, existing.ID, model.FillMissing(*existing, cand), stats); err != nil {
		return "", err
	}
	return existing.ID, p.ensureRef(ctx, ref, existing.ID, stats)
}

// resolve finds an existing lead by email, then LinkedIn URL, then provider ref.
func (p *Persister) resolve(ctx context.Context, cand model.Lead, ref model.ProviderRef) (*model.Lead, error) {
	if cand.Email != "" {
		l, err := p.store.FindLeadByEmail(ctx, cand.Email)
		if err != nil || l != nil {
			return l, err
		}
	}
	if cand.LinkedInURL != "" {
		l, err := p.store.FindLeadByLinkedIn(ctx, cand.LinkedInURL)
		if err != nil || l != nil {
			return l, err
		}
	}
	if ref.Provider != "" && ref.ExternalID != "" {
		return p.store.FindLeadByProviderRef(ctx, ref.Provider, ref.ExternalID)
	}
	return nil, nil
}

// patch applies a fill-missing patch, dropping any field another lead
// already owns and retrying the rest.
func (p *Persister) patch(ctx context.Context, id string, patch model.LeadPatch, stats *Stats) error {
	for len(patch) > 0 {
		err := p.store.PatchLead(ctx, id, patch)
		if err == nil {
			return nil
		}
		uv, ok := store.AsUniqueViolation(err)
		if !ok {
			return err
		}

		before := len(patch)
		if _, known := patch[uv.Field]; uv.Field != "" && known {
			patch = patch.Without(uv.Field)
		} else {
			patch = patch.Without(model.ColEmail).Without(model.ColLinkedInURL)
		}
		if len(patch) == before {
			return err
		}
		stats.DroppedFields += before - len(patch)
		p.log.Debug("dropped colliding lead fields",
			zap.String("lead_id", id),
			zap.String("field", uv.Field),
		)
	}
	return nil
}

func (p *Persister) ensureRef(ctx context.Context, ref model.ProviderRef, leadID string, stats *Stats) error {
	if ref.Provider == "" || ref.ExternalID == "" {
		return nil
	}
	ref.LeadID = leadID
	created, err := p.store.CreateProviderRef(ctx, ref)
	if err != nil && !isUnique(err) {
		return err
	}
	if created {
		stats.RefsCreated++
		return nil
	}
	p.log.Debug("provider ref already exists",
		zap.String("provider", ref.Provider),
		zap.String("external_id", ref.ExternalID),
		zap.String("lead_id", leadID),
	)
	return nil
}

func isUnique(err error) bool {
	_, ok := store.AsUniqueViolation(err)
	return ok
}

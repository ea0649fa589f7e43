// Package httpjob implements lead providers that speak a start, poll and
// fetch HTTP job protocol described entirely by configuration.
package httpjob

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/provider"
	"github.com/sells-group/leadgen-cli/internal/resilience"
)

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		p.http = hc
	}
}

// WithBreakers routes calls through the breaker registered for the
// provider id.
func WithBreakers(sb *resilience.ServiceBreakers) Option {
	return func(p *Provider) {
		p.breakers = sb
	}
}

// WithRetry overrides the retry policy for status and result calls.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(p *Provider) {
		p.retry = cfg
	}
}

// Provider is a steppable lead provider driven by a Spec.
type Provider struct {
	spec     Spec
	http     *http.Client
	limiter  *rate.Limiter
	breakers *resilience.ServiceBreakers
	retry    resilience.RetryConfig
	log      *zap.Logger
}

// New validates spec and builds a provider for it.
func New(spec Spec, opts ...Option) (*Provider, error) {
	spec.applyDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	p := &Provider{
		spec: spec,
		http: &http.Client{
			Timeout: time.Duration(spec.TimeoutSecs) * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.DefaultRetryConfig(),
		log:   zap.L().With(zap.String("component", "httpjob"), zap.String("provider", spec.ID)),
	}
	if spec.RateLimitRPS > 0 {
		burst := int(spec.RateLimitRPS)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(spec.RateLimitRPS), burst)
	}
	for _, opt := range opts {
		opt(p)
	}
	p.retry.OnRetry = resilience.RetryLogger(spec.ID, "poll")
	return p, nil
}

// Adapter returns the provider in the shape its kind declares. One-shot
// specs are not exposed as steppable.
func (p *Provider) Adapter() provider.Adapter {
	if p.spec.Kind == KindOneShot {
		return oneShot{p}
	}
	return p
}

func (p *Provider) ID() string    { return p.spec.ID }
func (p *Provider) Enabled() bool { return p.spec.Enabled }
func (p *Provider) PollInterval() time.Duration {
	return time.Duration(p.spec.PollIntervalMs) * time.Millisecond
}
func (p *Provider) MaxPollAttempts() int { return p.spec.MaxPollAttempts }

// Start submits a job. It is not retried: a timed-out start may still have
// created the job, and the caller owns that ambiguity.
func (p *Provider) Start(ctx context.Context, q model.CanonicalQuery, limit int) (*provider.StartResult, error) {
	body, err := p.requestBody(q, limit)
	if err != nil {
		return nil, err
	}
	resp, err := p.guarded(ctx, func(ctx context.Context) ([]byte, error) {
		return p.call(ctx, p.spec.Start, "", body)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "httpjob: start %s job", p.spec.ID)
	}

	runID := gjson.GetBytes(resp, p.spec.RunIDPath).String()
	if runID == "" {
		return nil, &provider.Error{
			Provider: p.spec.ID,
			Code:     provider.CodeJobFailed,
			Message:  "provider did not return a job id",
		}
	}
	res := &provider.StartResult{ProviderRunID: runID}
	if p.spec.FileNamePath != "" {
		res.FileNameHint = gjson.GetBytes(resp, p.spec.FileNamePath).String()
	}
	p.log.Info("provider job started", zap.String("provider_run_id", runID))
	return res, nil
}

// CheckStatus reads the job's status once. Transient failures are retried.
func (p *Provider) CheckStatus(ctx context.Context, providerRunID string) (*provider.StatusResult, error) {
	resp, err := p.fetch(ctx, p.spec.Status, providerRunID)
	if err != nil {
		return nil, eris.Wrapf(err, "httpjob: status of %s job %s", p.spec.ID, providerRunID)
	}
	return p.parseStatus(resp), nil
}

// FetchLeads reads a finished job's rows. Providers without a results
// endpoint return rows on the status response, which is reused when the
// caller already holds it.
func (p *Provider) FetchLeads(ctx context.Context, req provider.FetchRequest) ([]model.NormalizedLead, error) {
	var resp []byte
	switch {
	case p.spec.Results.Path != "":
		b, err := p.fetch(ctx, p.spec.Results, req.ProviderRunID)
		if err != nil {
			return nil, eris.Wrapf(err, "httpjob: results of %s job %s", p.spec.ID, req.ProviderRunID)
		}
		resp = b
	case req.Status != nil && len(req.Status.Raw) > 0:
		resp = req.Status.Raw
	default:
		b, err := p.fetch(ctx, p.spec.Status, req.ProviderRunID)
		if err != nil {
			return nil, eris.Wrapf(err, "httpjob: results of %s job %s", p.spec.ID, req.ProviderRunID)
		}
		resp = b
	}

	leads, err := p.parseLeads(resp)
	if err != nil {
		return nil, err
	}
	if req.Limit > 0 && len(leads) > req.Limit {
		leads = leads[:req.Limit]
	}
	return leads, nil
}

// Scrape runs the job to completion in-process.
func (p *Provider) Scrape(ctx context.Context, q model.CanonicalQuery, limit int) (*provider.ScrapeResult, error) {
	return provider.AsOneShot(steps{p}).Scrape(ctx, q, limit)
}

// steps hides Scrape so AsOneShot drives the step methods.
type steps struct {
	provider.Steppable
}

// oneShot exposes a synchronous provider: the start response carries the rows.
type oneShot struct {
	p *Provider
}

func (o oneShot) ID() string    { return o.p.ID() }
func (o oneShot) Enabled() bool { return o.p.Enabled() }

func (o oneShot) Scrape(ctx context.Context, q model.CanonicalQuery, limit int) (*provider.ScrapeResult, error) {
	p := o.p
	body, err := p.requestBody(q, limit)
	if err != nil {
		return nil, err
	}
	resp, err := p.guarded(ctx, func(ctx context.Context) ([]byte, error) {
		return p.call(ctx, p.spec.Start, "", body)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "httpjob: scrape %s", p.spec.ID)
	}
	leads, err := p.parseLeads(resp)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(leads) > limit {
		leads = leads[:limit]
	}
	res := &provider.ScrapeResult{Leads: leads}
	if p.spec.RunIDPath != "" {
		res.ProviderRunID = gjson.GetBytes(resp, p.spec.RunIDPath).String()
	}
	if p.spec.FileNamePath != "" {
		res.FileNameHint = gjson.GetBytes(resp, p.spec.FileNamePath).String()
	}
	return res, nil
}

// guarded runs fn through the provider's circuit breaker, if any.
func (p *Provider) guarded(ctx context.Context, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if p.breakers == nil {
		return fn(ctx)
	}
	return resilience.ExecuteVal(ctx, p.breakers.Get(p.spec.ID), fn)
}

// fetch is an idempotent read, retried on transient failures.
func (p *Provider) fetch(ctx context.Context, ep Endpoint, runID string) ([]byte, error) {
	return resilience.DoVal(ctx, p.retry, func(ctx context.Context) ([]byte, error) {
		return p.guarded(ctx, func(ctx context.Context) ([]byte, error) {
			return p.call(ctx, ep, runID, nil)
		})
	})
}

// requestBody builds the start payload. Without a request mapping the
// canonical query is sent as-is with a top-level limit.
func (p *Provider) requestBody(q model.CanonicalQuery, limit int) ([]byte, error) {
	if len(p.spec.Request) == 0 {
		b, err := json.Marshal(q)
		if err != nil {
			return nil, eris.Wrap(err, "httpjob: marshal query")
		}
		return sjson.SetBytes(b, "limit", limit)
	}

	body := []byte("{}")
	var err error
	for _, r := range p.spec.Request {
		path, src := r.Path, r.From
		switch {
		case src == "$limit":
			body, err = sjson.SetBytes(body, path, limit)
		case strings.HasPrefix(src, "="):
			lit := strings.TrimPrefix(src, "=")
			if gjson.Valid(lit) {
				body, err = sjson.SetRawBytes(body, path, []byte(lit))
			} else {
				body, err = sjson.SetBytes(body, path, lit)
			}
		default:
			vals := q.Field(src)
			if len(vals) == 0 {
				continue
			}
			body, err = sjson.SetBytes(body, path, vals)
		}
		if err != nil {
			return nil, eris.Wrapf(err, "httpjob: set request field %s", path)
		}
	}
	return body, nil
}

func (p *Provider) parseStatus(resp []byte) *provider.StatusResult {
	raw := gjson.GetBytes(resp, p.spec.StatusPath).String()
	st := &provider.StatusResult{Status: provider.JobRunning, Raw: json.RawMessage(resp)}
	switch {
	case contains(p.spec.Succeeded, raw):
		st.Status = provider.JobSucceeded
	case contains(p.spec.Failed, raw):
		st.Status = provider.JobFailed
		if p.spec.ErrorMessagePath != "" {
			st.Message = gjson.GetBytes(resp, p.spec.ErrorMessagePath).String()
		}
		if st.Message == "" {
			st.Message = "provider job ended with status " + raw
		}
	}
	return st
}

func (p *Provider) parseLeads(resp []byte) ([]model.NormalizedLead, error) {
	if !gjson.ValidBytes(resp) {
		return nil, eris.Errorf("httpjob: %s returned invalid JSON", p.spec.ID)
	}
	rows := gjson.ParseBytes(resp)
	if p.spec.ResultsPath != "" {
		rows = rows.Get(p.spec.ResultsPath)
	}
	if !rows.Exists() {
		return nil, nil
	}
	if !rows.IsArray() {
		return nil, eris.Errorf("httpjob: %s results are not an array", p.spec.ID)
	}

	var leads []model.NormalizedLead
	rows.ForEach(func(_, row gjson.Result) bool {
		if row.IsObject() {
			leads = append(leads, p.mapRow(row))
		}
		return true
	})
	return leads, nil
}

func (p *Provider) field(row gjson.Result, name string) string {
	path, ok := p.spec.Fields[name]
	if !ok {
		path = name
	}
	return strings.TrimSpace(row.Get(path).String())
}

func (p *Provider) mapRow(row gjson.Result) model.NormalizedLead {
	l := model.NormalizedLead{
		Provider:      p.spec.ID,
		ExternalID:    p.field(row, "externalId"),
		FirstName:     p.field(row, "firstName"),
		LastName:      p.field(row, "lastName"),
		FullName:      p.field(row, "fullName"),
		Title:         p.field(row, "title"),
		Company:       p.field(row, "company"),
		CompanyDomain: p.field(row, "companyDomain"),
		CompanyURL:    p.field(row, "companyUrl"),
		LinkedInURL:   p.field(row, "linkedinUrl"),
		Location:      p.field(row, "location"),
		Email:         p.field(row, "email"),
		Raw:           json.RawMessage(row.Raw),
	}
	if l.ExternalID == "" {
		l.ExternalID = strings.TrimSpace(row.Get("id").String())
	}
	return l
}

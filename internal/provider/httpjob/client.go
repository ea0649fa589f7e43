package httpjob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/leadgen-cli/internal/provider"
	"github.com/sells-group/leadgen-cli/internal/resilience"
)

// APIError is a non-2xx response the provider did not classify.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: api error (status %d): %s", e.Provider, e.StatusCode, truncateBody(e.Body))
}

func truncateBody(s string) string {
	const limit = 300
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

func (p *Provider) url(ep Endpoint, runID string) string {
	path := strings.ReplaceAll(ep.Path, "{run_id}", runID)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return p.spec.BaseURL + path
}

// call sends one request and returns the response body. The rate limiter is
// honored before every attempt.
func (p *Provider) call(ctx context.Context, ep Endpoint, runID string, body []byte) ([]byte, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "httpjob: rate limit wait")
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, ep.Method, p.url(ep, runID), reader)
	if err != nil {
		return nil, eris.Wrap(err, "httpjob: create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if p.spec.APIKey != "" {
		val := p.spec.APIKey
		if !strings.EqualFold(p.spec.AuthScheme, "none") {
			val = p.spec.AuthScheme + " " + val
		}
		req.Header.Set(p.spec.AuthHeader, val)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "httpjob: execute request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "httpjob: read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, p.statusError(resp.StatusCode, data)
	}
	return data, nil
}

// statusError maps a non-2xx response to a provider-declared failure where
// the status code has a stable meaning.
func (p *Provider) statusError(code int, body []byte) error {
	msg := ""
	if p.spec.ErrorMessagePath != "" && gjson.ValidBytes(body) {
		msg = gjson.GetBytes(body, p.spec.ErrorMessagePath).String()
	}
	apiErr := &APIError{Provider: p.spec.ID, StatusCode: code, Body: string(body)}

	declared := func(c provider.ErrorCode, fallback string) error {
		if msg == "" {
			msg = fallback
		}
		return &provider.Error{Provider: p.spec.ID, Code: c, Message: msg, Err: apiErr}
	}
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return declared(provider.CodeInvalidFilters, "provider rejected the search filters")
	case http.StatusUnauthorized, http.StatusForbidden:
		return declared(provider.CodeUnauthorized, "provider credentials were rejected")
	case http.StatusPaymentRequired:
		return declared(provider.CodeQuotaExceeded, "provider quota exceeded")
	}
	if resilience.IsTransientHTTPStatus(code) {
		return resilience.NewTransientError(apiErr, code)
	}
	return apiErr
}

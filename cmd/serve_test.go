package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/provider"
	"github.com/sells-group/leadgen-cli/internal/provider/providertest"
	"github.com/sells-group/leadgen-cli/internal/queue"
	"github.com/sells-group/leadgen-cli/internal/resilience"
	"github.com/sells-group/leadgen-cli/internal/runner"
	"github.com/sells-group/leadgen-cli/internal/store"
)

type jobRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *jobRecorder) Handle(_ context.Context, job *queue.Job) (queue.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, job.ID)
	return queue.Done(), nil
}

func (r *jobRecorder) jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

type downQueue struct{}

func (downQueue) Enqueue(context.Context, string, model.JobPayload) error {
	return eris.New("queue: connection refused")
}

func (downQueue) Exists(context.Context, string) (bool, error) { return false, nil }

type apiFixture struct {
	st       *store.SQLiteStore
	breakers *resilience.ServiceBreakers
	jobs     *jobRecorder
	inline   *queue.Inline
	handler  http.Handler
}

// newAPIFixture serves the API over a temp SQLite store. A nil q runs
// dispatched jobs on the recorder.
func newAPIFixture(t *testing.T, q queue.Queue) *apiFixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	reg := provider.NewRegistry()
	reg.Register(providertest.Returning("apollo"))
	reg.Register(providertest.Returning("pdl"))
	require.NoError(t, reg.SetAlias("leaddb", []string{"apollo", "pdl"}))

	jobs := &jobRecorder{}
	inline := queue.NewInline(context.Background(), jobs, queue.DefaultRetryPolicy())
	d := runner.NewDispatcher(st, q, inline, "development")
	breakers := resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	return &apiFixture{
		st:       st,
		breakers: breakers,
		jobs:     jobs,
		inline:   inline,
		handler:  buildRouter(newAPI(st, reg, breakers, d), []string{"*"}),
	}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, r)
	return rr
}

func (f *apiFixture) create(t *testing.T, kind model.SearchKind) *model.LeadSearch {
	t.Helper()
	ls := &model.LeadSearch{Provider: "apollo", Kind: kind, Query: json.RawMessage(`{"titles":["CTO"]}`), Limit: 10}
	require.NoError(t, f.st.CreateLeadSearch(context.Background(), ls))
	return ls
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, nil)

	rr := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "ok", decode[map[string]any](t, rr)["status"])
}

func TestHealth_ReportsCircuits(t *testing.T) {
	f := newAPIFixture(t, nil)
	_ = f.breakers.Get("apollo").Execute(context.Background(), func(context.Context) error {
		return eris.New("connection reset by peer")
	})
	f.breakers.Get("pdl")

	rr := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Status   string            `json:"status"`
		Circuits map[string]string `json:"circuits"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, map[string]string{"apollo": "open", "pdl": "closed"}, body.Circuits)
}

func TestHealth_StoreDown(t *testing.T) {
	f := newAPIFixture(t, nil)
	require.NoError(t, f.st.Close())

	rr := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestCreateSearch_DispatchesInline(t *testing.T) {
	f := newAPIFixture(t, nil)

	rr := f.do(t, http.MethodPost, "/lead-searches",
		`{"thread_id":"th-1","provider":"leaddb","kind":"LEAD_DB","query":{"titles":["CTO"]},"limit":25}`)
	f.inline.Wait()

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	got := decode[model.LeadSearch](t, rr)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, model.SearchPending, got.Status)
	assert.Equal(t, 25, got.Limit)
	assert.Equal(t, []string{got.ID}, f.jobs.jobs())

	stored, err := f.st.GetLeadSearch(context.Background(), got.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "th-1", stored.ThreadID)
}

func TestCreateSearch_DefaultLimit(t *testing.T) {
	f := newAPIFixture(t, nil)

	rr := f.do(t, http.MethodPost, "/lead-searches", `{"provider":"apollo","kind":"SCRAPER","query":{"keywords":["fintech"]}}`)
	f.inline.Wait()

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, defaultSearchLimit, decode[model.LeadSearch](t, rr).Limit)
}

func TestCreateSearch_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"malformed body", `{"provider":`, "invalid request body"},
		{"missing provider", `{"kind":"LEAD_DB","query":{"titles":["CTO"]}}`, "provider is required"},
		{"bad kind", `{"provider":"apollo","kind":"CRAWL","query":{"titles":["CTO"]}}`, "kind must be"},
		{"empty query", `{"provider":"apollo","kind":"LEAD_DB","query":{}}`, "invalid query"},
		{"missing query", `{"provider":"apollo","kind":"LEAD_DB"}`, "invalid query"},
		{"limit too large", `{"provider":"apollo","kind":"LEAD_DB","query":{"titles":["CTO"]},"limit":100000}`, "limit must be"},
		{"unknown provider", `{"provider":"phantom","kind":"LEAD_DB","query":{"titles":["CTO"]}}`, `unknown provider "phantom"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t, nil)

			rr := f.do(t, http.MethodPost, "/lead-searches", tt.body)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, decode[map[string]string](t, rr)["error"], tt.wantErr)
			assert.Empty(t, f.jobs.jobs())
		})
	}
}

func TestCreateSearch_DispatchFailure(t *testing.T) {
	f := newAPIFixture(t, downQueue{})

	rr := f.do(t, http.MethodPost, "/lead-searches", `{"provider":"apollo","kind":"SCRAPER","query":{"titles":["CTO"]}}`)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decode[map[string]string](t, rr)
	assert.NotEmpty(t, body["id"])

	stored, err := f.st.GetLeadSearch(context.Background(), body["id"])
	require.NoError(t, err)
	assert.NotNil(t, stored)
}

func TestGetSearch(t *testing.T) {
	f := newAPIFixture(t, nil)
	ls := f.create(t, model.KindLeadDB)
	_, err := f.st.CreateRun(context.Background(), ls.ID, "apollo", nil)
	require.NoError(t, err)

	rr := f.do(t, http.MethodGet, "/lead-searches/"+ls.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)

	var got struct {
		ID   string      `json:"id"`
		Runs []model.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, ls.ID, got.ID)
	require.Len(t, got.Runs, 1)
	assert.Equal(t, model.RunRunning, got.Runs[0].Status)
	assert.Equal(t, 1, got.Runs[0].Attempt)
}

func TestGetSearch_NotFound(t *testing.T) {
	f := newAPIFixture(t, nil)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/lead-searches/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/lead-searches/missing/runs", "").Code)
}

func TestListRuns(t *testing.T) {
	f := newAPIFixture(t, nil)
	ls := f.create(t, model.KindLeadDB)

	rr := f.do(t, http.MethodGet, "/lead-searches/"+ls.ID+"/runs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]\n", rr.Body.String())

	_, err := f.st.CreateRun(context.Background(), ls.ID, "apollo", nil)
	require.NoError(t, err)
	_, err = f.st.CreateRun(context.Background(), ls.ID, "pdl", nil)
	require.NoError(t, err)

	rr = f.do(t, http.MethodGet, "/lead-searches/"+ls.ID+"/runs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]model.Run](t, rr), 2)
}

func TestDispatch_Endpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	ls := f.create(t, model.KindScraper)

	rr := f.do(t, http.MethodPost, "/lead-searches/"+ls.ID+"/dispatch", "")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	rr = f.do(t, http.MethodPost, "/lead-searches/"+ls.ID+"/dispatch", "")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	f.inline.Wait()

	assert.Equal(t, []string{ls.ID}, f.jobs.jobs())
}

func TestDispatch_EndpointErrors(t *testing.T) {
	f := newAPIFixture(t, downQueue{})
	ls := f.create(t, model.KindScraper)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/lead-searches/missing/dispatch", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/lead-searches/"+ls.ID+"/dispatch", "").Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newAPIFixture(t, nil)

	r := httptest.NewRequest(http.MethodOptions, "/lead-searches", bytes.NewReader(nil))
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, r)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

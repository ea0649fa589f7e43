package httpjob

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Kind selects which adapter shape a provider exposes.
type Kind string

const (
	KindOneShot   Kind = "one_shot"
	KindSteppable Kind = "steppable"
)

// Endpoint is an HTTP method and a path template. "{run_id}" in the path is
// replaced with the provider's job id.
type Endpoint struct {
	Method string `yaml:"method" mapstructure:"method"`
	Path   string `yaml:"path" mapstructure:"path"`
}

// RequestField sets one request body path. From names a canonical query
// field; "$limit" inserts the lead limit and a value starting with "=" is a
// literal.
type RequestField struct {
	Path string `yaml:"path" mapstructure:"path"`
	From string `yaml:"from" mapstructure:"from"`
}

// Spec describes one HTTP job provider: where its endpoints live, how to
// build a request from canonical filters and where to find things in its
// responses. Paths are gjson/sjson paths.
type Spec struct {
	ID         string `yaml:"id" mapstructure:"id"`
	Kind       Kind   `yaml:"kind" mapstructure:"kind"`
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	APIKey     string `yaml:"api_key" mapstructure:"api_key"`
	AuthHeader string `yaml:"auth_header" mapstructure:"auth_header"` // default Authorization
	AuthScheme string `yaml:"auth_scheme" mapstructure:"auth_scheme"` // default Bearer; "none" sends the bare key

	Start   Endpoint `yaml:"start" mapstructure:"start"`
	Status  Endpoint `yaml:"status" mapstructure:"status"`   // empty for synchronous providers
	Results Endpoint `yaml:"results" mapstructure:"results"` // empty when rows come with the status

	// Request builds the start body, in order. Empty means the canonical
	// query is sent as-is.
	Request []RequestField `yaml:"request" mapstructure:"request"`

	RunIDPath        string   `yaml:"run_id_path" mapstructure:"run_id_path"`
	StatusPath       string   `yaml:"status_path" mapstructure:"status_path"`
	Succeeded        []string `yaml:"succeeded" mapstructure:"succeeded"`
	Failed           []string `yaml:"failed" mapstructure:"failed"`
	ResultsPath      string   `yaml:"results_path" mapstructure:"results_path"`
	FileNamePath     string   `yaml:"file_name_path" mapstructure:"file_name_path"`
	ErrorMessagePath string   `yaml:"error_message_path" mapstructure:"error_message_path"`

	// Fields maps a lead field (email, linkedinUrl, externalId, ...) to a
	// path inside one result row. Unmapped fields are read from the row key
	// of the same name.
	Fields map[string]string `yaml:"fields" mapstructure:"fields"`

	PollIntervalMs  int     `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	MaxPollAttempts int     `yaml:"max_poll_attempts" mapstructure:"max_poll_attempts"`
	RateLimitRPS    float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	TimeoutSecs     int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// leadFields lists the lead fields a row mapping may target.
var leadFields = []string{
	"externalId", "firstName", "lastName", "fullName", "title", "company",
	"companyDomain", "companyUrl", "linkedinUrl", "location", "email",
}

func (s *Spec) applyDefaults() {
	if s.Kind == "" {
		s.Kind = KindSteppable
		if s.Status.Path == "" {
			s.Kind = KindOneShot
		}
	}
	if s.AuthHeader == "" {
		s.AuthHeader = "Authorization"
	}
	if s.AuthScheme == "" {
		s.AuthScheme = "Bearer"
	}
	if s.Start.Method == "" {
		s.Start.Method = "POST"
	}
	if s.Status.Method == "" {
		s.Status.Method = "GET"
	}
	if s.Results.Method == "" {
		s.Results.Method = "GET"
	}
	if s.StatusPath == "" {
		s.StatusPath = "status"
	}
	if len(s.Succeeded) == 0 {
		s.Succeeded = []string{"SUCCEEDED"}
	}
	if len(s.Failed) == 0 {
		s.Failed = []string{"FAILED", "ABORTED", "TIMED-OUT"}
	}
	if s.PollIntervalMs <= 0 {
		s.PollIntervalMs = 60_000
	}
	if s.MaxPollAttempts <= 0 {
		s.MaxPollAttempts = 240
	}
	if s.TimeoutSecs <= 0 {
		s.TimeoutSecs = 60
	}
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")

	// Config loaders may lowercase map keys.
	fields := make(map[string]string, len(s.Fields))
	for f, path := range s.Fields {
		if lf, ok := leadField(f); ok {
			f = lf
		}
		fields[f] = path
	}
	s.Fields = fields
}

// Validate checks that the spec can drive its kind.
func (s *Spec) Validate() error {
	if s.ID == "" {
		return eris.New("httpjob: provider id is required")
	}
	if s.BaseURL == "" {
		return eris.Errorf("httpjob: %s: base_url is required", s.ID)
	}
	if s.Start.Path == "" {
		return eris.Errorf("httpjob: %s: start.path is required", s.ID)
	}
	switch s.Kind {
	case KindOneShot:
	case KindSteppable:
		if s.Status.Path == "" {
			return eris.Errorf("httpjob: %s: steppable providers need status.path", s.ID)
		}
		if s.RunIDPath == "" {
			return eris.Errorf("httpjob: %s: steppable providers need run_id_path", s.ID)
		}
	default:
		return eris.Errorf("httpjob: %s: unknown kind %q", s.ID, s.Kind)
	}
	if s.Status.Path != "" && s.RunIDPath == "" {
		return eris.Errorf("httpjob: %s: status.path needs run_id_path", s.ID)
	}
	for _, r := range s.Request {
		if r.Path == "" || r.From == "" {
			return eris.Errorf("httpjob: %s: request entries need path and from", s.ID)
		}
	}
	for f := range s.Fields {
		if !isLeadField(f) {
			return eris.Errorf("httpjob: %s: unknown lead field %q", s.ID, f)
		}
	}
	return nil
}

func isLeadField(f string) bool {
	lf, ok := leadField(f)
	return ok && lf == f
}

func leadField(f string) (string, bool) {
	for _, lf := range leadFields {
		if strings.EqualFold(lf, f) {
			return lf, true
		}
	}
	return "", false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

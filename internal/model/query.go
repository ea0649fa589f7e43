package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CanonicalQuery is the provider-agnostic filter set every adapter builds
// its own request from.
type CanonicalQuery struct {
	Titles         []string `json:"titles,omitempty"`
	Seniorities    []string `json:"seniorities,omitempty"`
	Departments    []string `json:"departments,omitempty"`
	Industries     []string `json:"industries,omitempty"`
	Locations      []string `json:"locations,omitempty"`
	CompanyDomains []string `json:"companyDomains,omitempty"`
	CompanyNames   []string `json:"companyNames,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
	EmployeeRanges []string `json:"employeeRanges,omitempty"` // "11-50", "5001+"
}

// Field returns the filter values for a canonical field name, or nil if the
// name is unknown or the filter is empty.
func (q CanonicalQuery) Field(name string) []string {
	switch name {
	case "titles":
		return q.Titles
	case "seniorities":
		return q.Seniorities
	case "departments":
		return q.Departments
	case "industries":
		return q.Industries
	case "locations":
		return q.Locations
	case "companyDomains":
		return q.CompanyDomains
	case "companyNames":
		return q.CompanyNames
	case "keywords":
		return q.Keywords
	case "employeeRanges":
		return q.EmployeeRanges
	default:
		return nil
	}
}

// ValidationError reports a canonical query that can never succeed. It is
// fatal for the whole LeadSearch.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return "invalid query: " + e.Message }

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

const maxFilterValues = 100

var queryFields = []string{
	"titles", "seniorities", "departments", "industries", "locations",
	"companyDomains", "companyNames", "keywords", "employeeRanges",
}

func querySchema() map[string]any {
	props := make(map[string]any, len(queryFields))
	for _, f := range queryFields {
		item := map[string]any{"type": "string", "minLength": 1, "maxLength": 200}
		if f == "employeeRanges" {
			item["pattern"] = `^[0-9]+(-[0-9]+|\+)$`
		}
		props[f] = map[string]any{
			"type":     "array",
			"minItems": 1,
			"maxItems": maxFilterValues,
			"items":    item,
		}
	}
	return map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
		"minProperties":        1,
	}
}

var compiledQuerySchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	b, err := json.Marshal(querySchema())
	if err != nil {
		return nil, eris.Wrap(err, "model: marshal query schema")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("query.json", bytes.NewReader(b)); err != nil {
		return nil, eris.Wrap(err, "model: add query schema")
	}
	schema, err := compiler.Compile("query.json")
	if err != nil {
		return nil, eris.Wrap(err, "model: compile query schema")
	}
	return schema, nil
})

// ParseQuery validates raw against the canonical query schema and decodes it.
func ParseQuery(raw json.RawMessage) (CanonicalQuery, error) {
	var q CanonicalQuery
	if len(bytes.TrimSpace(raw)) == 0 {
		return q, &ValidationError{Message: "query is empty"}
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return q, &ValidationError{Message: fmt.Sprintf("query is not valid JSON: %v", err)}
	}

	schema, err := compiledQuerySchema()
	if err != nil {
		return q, err
	}
	if err := schema.Validate(doc); err != nil {
		return q, &ValidationError{Message: describeSchemaError(err)}
	}

	if err := json.Unmarshal(raw, &q); err != nil {
		return q, &ValidationError{Message: err.Error()}
	}
	return q, nil
}

// describeSchemaError flattens a schema failure to its leaf causes.
func describeSchemaError(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}

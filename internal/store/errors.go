package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadgen-cli/internal/model"
)

var (
	// ErrNotFound is returned by updates addressing a missing row.
	ErrNotFound = eris.New("store: not found")
	// ErrSearchTerminal is returned when updating a finished lead search.
	ErrSearchTerminal = eris.New("store: lead search is terminal")
	// ErrExternalRunIDMismatch signals an attempt to overwrite a run's
	// provider job id. It indicates a logic bug and is never retried.
	ErrExternalRunIDMismatch = eris.New("store: external run id mismatch")
)

// UniqueViolationError reports a write that collided with a unique
// constraint. Field is the lead column involved, when known.
type UniqueViolationError struct {
	Table string
	Field string
	Err   error
}

func (e *UniqueViolationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("store: unique violation on %s.%s", e.Table, e.Field)
	}
	return "store: unique violation on " + e.Table
}

func (e *UniqueViolationError) Unwrap() error { return e.Err }

// AsUniqueViolation extracts a UniqueViolationError from err's chain.
func AsUniqueViolation(err error) (*UniqueViolationError, bool) {
	var uv *UniqueViolationError
	if errors.As(err, &uv) {
		return uv, true
	}
	return nil, false
}

const pgUniqueViolation = "23505"

// pgConstraintFields maps unique constraint names to lead columns.
var pgConstraintFields = map[string]string{
	"leads_email_key":        model.ColEmail,
	"leads_linkedin_url_key": model.ColLinkedInURL,
}

// fromPgError converts a Postgres unique violation into *UniqueViolationError
// and returns any other error unchanged.
func fromPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return err
	}
	return &UniqueViolationError{
		Table: pgErr.TableName,
		Field: pgConstraintFields[pgErr.ConstraintName],
		Err:   err,
	}
}

// fromSQLiteError parses "UNIQUE constraint failed: leads.email" style
// messages into *UniqueViolationError.
func fromSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	const marker = "UNIQUE constraint failed: "
	msg := err.Error()
	i := strings.Index(msg, marker)
	if i < 0 {
		return err
	}
	target := msg[i+len(marker):]
	if j := strings.IndexAny(target, " ,("); j >= 0 {
		target = target[:j]
	}
	table, col, _ := strings.Cut(target, ".")
	uv := &UniqueViolationError{Table: table, Err: err}
	if table == "leads" && (col == model.ColEmail || col == model.ColLinkedInURL) {
		uv.Field = col
	}
	return uv
}

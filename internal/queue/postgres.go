package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadgen-cli/internal/db"
	"github.com/sells-group/leadgen-cli/internal/model"
)

// Job row states.
const (
	statusPending = "pending"
	statusRunning = "running"
	statusDone    = "done"
	statusDead    = "dead"
)

const postgresMigration = `
CREATE TABLE IF NOT EXISTS lead_jobs (
	id           TEXT PRIMARY KEY,
	payload      JSONB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	attempt      INTEGER NOT NULL DEFAULT 0,
	run_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	locked_by    TEXT,
	locked_until TIMESTAMPTZ,
	last_error   TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_lead_jobs_ready ON lead_jobs(status, run_at);
`

// PostgresQueue stores jobs in the lead_jobs table. Rows are never deleted,
// so a finished or dead job still blocks re-enqueueing the same search.
type PostgresQueue struct {
	pool db.Pool
}

// NewPostgres creates a queue on pool.
func NewPostgres(pool db.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool}
}

// Migrate creates the lead_jobs table.
func (q *PostgresQueue) Migrate(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "queue: migrate")
}

// Enqueue implements Queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, id string, payload model.JobPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "queue: marshal payload")
	}
	tag, err := q.pool.Exec(ctx,
		`INSERT INTO lead_jobs (id, payload, status, run_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (id) DO NOTHING`,
		id, body, statusPending)
	if err != nil {
		return eris.Wrapf(err, "queue: enqueue %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

// Exists implements Queue.
func (q *PostgresQueue) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := q.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lead_jobs WHERE id = $1)`, id).Scan(&ok)
	return ok, eris.Wrapf(err, "queue: check job %s", id)
}

// claimed is a job row leased to one worker.
type claimed struct {
	id      string
	payload model.JobPayload
	attempt int
}

// claim leases the oldest due job: a pending one whose run_at has passed or
// a running one whose lease expired with its worker.
func (q *PostgresQueue) claim(ctx context.Context, worker string, lease time.Duration) (*claimed, error) {
	var (
		c   claimed
		raw []byte
	)
	err := q.pool.QueryRow(ctx,
		`UPDATE lead_jobs SET status = $1, locked_by = $2, locked_until = $3, updated_at = now()
		 WHERE id = (
			SELECT id FROM lead_jobs
			WHERE (status = $4 AND run_at <= now()) OR (status = $1 AND locked_until < now())
			ORDER BY run_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		 )
		 RETURNING id, payload, attempt`,
		statusRunning, worker, time.Now().Add(lease), statusPending,
	).Scan(&c.id, &raw, &c.attempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: claim job")
	}
	if err := json.Unmarshal(raw, &c.payload); err != nil {
		return nil, eris.Wrapf(err, "queue: decode payload of %s", c.id)
	}
	return &c, nil
}

// checkpoint stores a payload update while the job is leased.
func (q *PostgresQueue) checkpoint(ctx context.Context, id, worker string, payload model.JobPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "queue: marshal payload")
	}
	return q.update(ctx, "checkpoint", id, worker,
		`UPDATE lead_jobs SET payload = $3, updated_at = now() WHERE id = $1 AND locked_by = $2`, body)
}

func (q *PostgresQueue) complete(ctx context.Context, id, worker string) error {
	return q.update(ctx, "complete", id, worker,
		`UPDATE lead_jobs SET status = $3, locked_by = NULL, locked_until = NULL, updated_at = now()
		 WHERE id = $1 AND locked_by = $2`, statusDone)
}

func (q *PostgresQueue) suspend(ctx context.Context, id, worker string, until time.Time, payload model.JobPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "queue: marshal payload")
	}
	return q.update(ctx, "suspend", id, worker,
		`UPDATE lead_jobs SET status = $3, payload = $4, run_at = $5, locked_by = NULL, locked_until = NULL, updated_at = now()
		 WHERE id = $1 AND locked_by = $2`, statusPending, body, until)
}

func (q *PostgresQueue) retry(ctx context.Context, id, worker string, at time.Time, cause error) error {
	return q.update(ctx, "retry", id, worker,
		`UPDATE lead_jobs SET status = $3, attempt = attempt + 1, run_at = $4, last_error = $5,
		     locked_by = NULL, locked_until = NULL, updated_at = now()
		 WHERE id = $1 AND locked_by = $2`, statusPending, at, cause.Error())
}

func (q *PostgresQueue) bury(ctx context.Context, id, worker string, cause error) error {
	return q.update(ctx, "bury", id, worker,
		`UPDATE lead_jobs SET status = $3, attempt = attempt + 1, last_error = $4,
		     locked_by = NULL, locked_until = NULL, updated_at = now()
		 WHERE id = $1 AND locked_by = $2`, statusDead, cause.Error())
}

// update runs a statement guarded by the lease. Zero rows means another
// worker took the job over after our lease expired.
func (q *PostgresQueue) update(ctx context.Context, op, id, worker, sql string, args ...any) error {
	tag, err := q.pool.Exec(ctx, sql, append([]any{id, worker}, args...)...)
	if err != nil {
		return eris.Wrapf(err, "queue: %s %s", op, id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrLeaseLost, "queue: %s %s", op, id)
	}
	return nil
}

// ErrLeaseLost means the job was reclaimed by another worker.
var ErrLeaseLost = eris.New("queue: job lease lost")

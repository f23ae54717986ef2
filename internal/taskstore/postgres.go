package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/v-shaal/arbitageX/internal/model"
)

// Pool abstracts the pgxpool methods the store uses, so tests can substitute
// a pgxmock pool.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	seq           BIGSERIAL,
	kind          TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	parent_id     TEXT NOT NULL DEFAULT '',
	group_id      TEXT NOT NULL DEFAULT '',
	entity_id     TEXT NOT NULL DEFAULT '',
	input         JSONB,
	output        JSONB,
	error         JSONB,
	attempt_count INT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at    TIMESTAMPTZ,
	finished_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS group_claims (
	group_id   TEXT PRIMARY KEY,
	claimed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS research_records (
	id         TEXT PRIMARY KEY,
	seq        BIGSERIAL,
	entity_id  TEXT NOT NULL,
	source_url TEXT NOT NULL DEFAULT '',
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_group_id ON tasks(group_id);
CREATE INDEX IF NOT EXISTS idx_tasks_parent_id ON tasks(parent_id);
CREATE INDEX IF NOT EXISTS idx_records_entity_id ON research_records(entity_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgTaskColumns = `id, kind, status, parent_id, group_id, entity_id, input, output, error, attempt_count, created_at, started_at, finished_at`

func (s *PostgresStore) CreateTask(ctx context.Context, t *model.Task) error {
	if err := model.ValidateInput(t.Kind, t.Input); err != nil {
		return err
	}
	if t.ParentID != "" {
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, t.ParentID,
		).Scan(&exists)
		if err != nil {
			return eris.Wrap(err, "postgres: check parent")
		}
		if !exists {
			return &model.ValidationError{Kind: t.Kind, Msg: "parent task does not exist: " + t.ParentID}
		}
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, kind, status, parent_id, group_id, entity_id, input, attempt_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, string(t.Kind), string(t.Status), t.ParentID, t.GroupID, t.EntityID,
		nullableBytes(t.Input), t.AttemptCount, t.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert task %s", t.ID)
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgTaskColumns+` FROM tasks WHERE id = $1`, id,
	)
	t, err := scanPgTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status model.TaskStatus, output []byte, taskErr *model.TaskError) (*model.Task, error) {
	from := statusFrom(status)
	if len(from) == 0 {
		return nil, &InvalidTransitionError{ID: id, To: status}
	}
	if status == model.StatusCompleted && len(output) == 0 {
		return nil, eris.Errorf("postgres: completed task %s requires output", id)
	}
	if status == model.StatusFailed && taskErr == nil {
		return nil, eris.Errorf("postgres: failed task %s requires error", id)
	}

	var errJSON any
	if taskErr != nil {
		b, err := json.Marshal(taskErr)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal task error")
		}
		errJSON = string(b)
	}

	now := time.Now().UTC()
	var query string
	args := []any{string(status)}
	switch status {
	case model.StatusRunning:
		query = `UPDATE tasks SET status = $1, started_at = $2, attempt_count = attempt_count + 1 WHERE id = $3 AND status = ANY($4)`
		args = append(args, now, id, statusStrings(from))
	case model.StatusCompleted:
		query = `UPDATE tasks SET status = $1, output = $2, finished_at = $3 WHERE id = $4 AND status = ANY($5)`
		args = append(args, nullableBytes(output), now, id, statusStrings(from))
	case model.StatusFailed:
		query = `UPDATE tasks SET status = $1, error = $2, finished_at = $3 WHERE id = $4 AND status = ANY($5)`
		args = append(args, errJSON, now, id, statusStrings(from))
	case model.StatusCancelled:
		query = `UPDATE tasks SET status = $1, finished_at = $2 WHERE id = $3 AND status = ANY($4)`
		args = append(args, now, id, statusStrings(from))
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update status %s", id)
	}
	if tag.RowsAffected() == 0 {
		current, getErr := s.GetTask(ctx, id)
		if getErr != nil {
			return nil, ErrNotFound
		}
		return nil, &InvalidTransitionError{ID: id, From: current.Status, To: status}
	}
	return s.GetTask(ctx, id)
}

func (s *PostgresStore) IncrementAttempt(ctx context.Context, id string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`UPDATE tasks SET attempt_count = attempt_count + 1 WHERE id = $1 RETURNING attempt_count`, id,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return count, eris.Wrapf(err, "postgres: increment attempt %s", id)
}

func (s *PostgresStore) ListByGroup(ctx context.Context, groupID string) ([]model.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+pgTaskColumns+` FROM tasks WHERE group_id = $1 ORDER BY seq`, groupID,
	)
}

func (s *PostgresStore) ListByParent(ctx context.Context, parentID string) ([]model.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+pgTaskColumns+` FROM tasks WHERE parent_id = $1 ORDER BY seq`, parentID,
	)
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	query := `SELECT ` + pgTaskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.Kind != "" {
		query += ` AND kind = ` + arg(string(filter.Kind))
	}
	query += ` ORDER BY seq`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	return s.queryTasks(ctx, query, args...)
}

func (s *PostgresStore) ListRunningSince(ctx context.Context, startedBefore time.Time) ([]model.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+pgTaskColumns+` FROM tasks WHERE status = $1 AND started_at < $2 ORDER BY seq`,
		string(model.StatusRunning), startedBefore,
	)
}

func (s *PostgresStore) ClaimGroup(ctx context.Context, groupID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO group_claims (group_id, claimed_at) VALUES ($1, $2) ON CONFLICT (group_id) DO NOTHING`,
		groupID, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim group %s", groupID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SaveRecords(ctx context.Context, entityID string, records []model.StructuredData) ([]string, error) {
	now := time.Now().UTC()
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal record")
		}
		id := uuid.New().String()
		_, err = s.pool.Exec(ctx,
			`INSERT INTO research_records (id, entity_id, source_url, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
			id, entityID, rec.SourceURL, string(payload), now,
		)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: insert record")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ListRecords returns records for one entity, or every record when entityID
// is empty.
func (s *PostgresStore) ListRecords(ctx context.Context, entityID string) ([]ResearchRecord, error) {
	query := `SELECT id, entity_id, source_url, payload, created_at FROM research_records`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id = $1`
		args = append(args, entityID)
	}
	query += ` ORDER BY seq`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var records []ResearchRecord
	for rows.Next() {
		var r ResearchRecord
		var payload []byte
		if err := rows.Scan(&r.ID, &r.EntityID, &r.SourceURL, &payload, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		if err := json.Unmarshal(payload, &r.Data); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal record payload")
		}
		records = append(records, r)
	}
	return records, eris.Wrap(rows.Err(), "postgres: iterate records")
}

// helpers

func (s *PostgresStore) queryTasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query tasks")
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: iterate tasks")
}

func statusStrings(statuses []model.TaskStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func scanPgTask(row pgx.Row) (*model.Task, error) {
	var t model.Task
	var input, output, errJSON []byte
	var startedAt, finishedAt *time.Time

	err := row.Scan(
		&t.ID, &t.Kind, &t.Status, &t.ParentID, &t.GroupID, &t.EntityID,
		&input, &output, &errJSON, &t.AttemptCount,
		&t.CreatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan task")
	}

	t.Input = input
	t.Output = output
	if len(errJSON) > 0 {
		t.Error = &model.TaskError{}
		if err := json.Unmarshal(errJSON, t.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal task error")
		}
	}
	t.StartedAt = startedAt
	t.FinishedAt = finishedAt
	return &t, nil
}

package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/v-shaal/arbitageX/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	parent_id     TEXT NOT NULL DEFAULT '',
	group_id      TEXT NOT NULL DEFAULT '',
	entity_id     TEXT NOT NULL DEFAULT '',
	input         TEXT,
	output        TEXT,
	error         TEXT,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	started_at    DATETIME,
	finished_at   DATETIME
);

CREATE TABLE IF NOT EXISTS group_claims (
	group_id   TEXT PRIMARY KEY,
	claimed_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS research_records (
	id         TEXT PRIMARY KEY,
	entity_id  TEXT NOT NULL,
	source_url TEXT NOT NULL DEFAULT '',
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_group_id ON tasks(group_id);
CREATE INDEX IF NOT EXISTS idx_tasks_parent_id ON tasks(parent_id);
CREATE INDEX IF NOT EXISTS idx_records_entity_id ON research_records(entity_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const taskColumns = `id, kind, status, parent_id, group_id, entity_id, input, output, error, attempt_count, created_at, started_at, finished_at`

func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	if err := model.ValidateInput(t.Kind, t.Input); err != nil {
		return err
	}
	if t.ParentID != "" {
		var exists bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM tasks WHERE id = ?)`, t.ParentID,
		).Scan(&exists)
		if err != nil {
			return eris.Wrap(err, "sqlite: check parent")
		}
		if !exists {
			return &model.ValidationError{Kind: t.Kind, Msg: "parent task does not exist: " + t.ParentID}
		}
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, kind, status, parent_id, group_id, entity_id, input, attempt_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Kind), string(t.Status), t.ParentID, t.GroupID, t.EntityID,
		nullableBytes(t.Input), t.AttemptCount, t.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert task %s", t.ID)
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id,
	)
	t, err := scanTask(row)
	if err == errNoTaskRow {
		return nil, ErrNotFound
	}
	return t, err
}

// UpdateStatus performs a compare-and-swap status change. The WHERE clause
// restricts the update to the statuses the state machine allows the target
// to be entered from, so a lost race surfaces as InvalidTransitionError.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status model.TaskStatus, output []byte, taskErr *model.TaskError) (*model.Task, error) {
	from := statusFrom(status)
	if len(from) == 0 {
		return nil, &InvalidTransitionError{ID: id, To: status}
	}
	if status == model.StatusCompleted && len(output) == 0 {
		return nil, eris.Errorf("sqlite: completed task %s requires output", id)
	}
	if status == model.StatusFailed && taskErr == nil {
		return nil, eris.Errorf("sqlite: failed task %s requires error", id)
	}

	var errJSON any
	if taskErr != nil {
		b, err := json.Marshal(taskErr)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal task error")
		}
		errJSON = string(b)
	}

	now := time.Now().UTC()
	placeholders := strings.Repeat("?,", len(from))
	placeholders = placeholders[:len(placeholders)-1]

	var query string
	args := []any{string(status)}
	switch status {
	case model.StatusRunning:
		query = `UPDATE tasks SET status = ?, started_at = ?, attempt_count = attempt_count + 1 WHERE id = ? AND status IN (` + placeholders + `)`
		args = append(args, now, id)
	case model.StatusCompleted:
		query = `UPDATE tasks SET status = ?, output = ?, finished_at = ? WHERE id = ? AND status IN (` + placeholders + `)`
		args = append(args, nullableBytes(output), now, id)
	case model.StatusFailed:
		query = `UPDATE tasks SET status = ?, error = ?, finished_at = ? WHERE id = ? AND status IN (` + placeholders + `)`
		args = append(args, errJSON, now, id)
	case model.StatusCancelled:
		query = `UPDATE tasks SET status = ?, finished_at = ? WHERE id = ? AND status IN (` + placeholders + `)`
		args = append(args, now, id)
	}
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update status %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		// Distinguish a missing task from a forbidden transition.
		current, getErr := s.GetTask(ctx, id)
		if getErr != nil {
			return nil, ErrNotFound
		}
		return nil, &InvalidTransitionError{ID: id, From: current.Status, To: status}
	}
	return s.GetTask(ctx, id)
}

func (s *SQLiteStore) IncrementAttempt(ctx context.Context, id string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET attempt_count = attempt_count + 1 WHERE id = ?`, id,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: increment attempt %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	var count int
	err = s.db.QueryRowContext(ctx, `SELECT attempt_count FROM tasks WHERE id = ?`, id).Scan(&count)
	return count, eris.Wrap(err, "sqlite: read attempt count")
}

func (s *SQLiteStore) ListByGroup(ctx context.Context, groupID string) ([]model.Task, error) {
	return s.listWhere(ctx, `group_id = ?`, groupID)
}

func (s *SQLiteStore) ListByParent(ctx context.Context, parentID string) ([]model.Task, error) {
	return s.listWhere(ctx, `parent_id = ?`, parentID)
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	query += ` ORDER BY rowid`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	return s.queryTasks(ctx, query, args...)
}

func (s *SQLiteStore) ListRunningSince(ctx context.Context, startedBefore time.Time) ([]model.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? AND started_at < ? ORDER BY rowid`,
		string(model.StatusRunning), startedBefore,
	)
}

func (s *SQLiteStore) ClaimGroup(ctx context.Context, groupID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_claims (group_id, claimed_at) VALUES (?, ?)`,
		groupID, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim group %s", groupID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) SaveRecords(ctx context.Context, entityID string, records []model.StructuredData) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal record")
		}
		id := uuid.New().String()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO research_records (id, entity_id, source_url, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, entityID, rec.SourceURL, string(payload), now,
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: insert record")
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit records")
	}
	return ids, nil
}

// ListRecords returns records for one entity, or every record when entityID
// is empty.
func (s *SQLiteStore) ListRecords(ctx context.Context, entityID string) ([]ResearchRecord, error) {
	query := `SELECT id, entity_id, source_url, payload, created_at FROM research_records`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close()

	var records []ResearchRecord
	for rows.Next() {
		var r ResearchRecord
		var payload string
		if err := rows.Scan(&r.ID, &r.EntityID, &r.SourceURL, &payload, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		if err := json.Unmarshal([]byte(payload), &r.Data); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal record payload")
		}
		records = append(records, r)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: iterate records")
}

// helpers

func (s *SQLiteStore) listWhere(ctx context.Context, cond string, arg any) ([]model.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE `+cond+` ORDER BY rowid`, arg,
	)
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query tasks")
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: iterate tasks")
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

type scannable interface {
	Scan(dest ...any) error
}

var errNoTaskRow = sql.ErrNoRows

func scanTask(row scannable) (*model.Task, error) {
	var t model.Task
	var input, output, errJSON sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.Kind, &t.Status, &t.ParentID, &t.GroupID, &t.EntityID,
		&input, &output, &errJSON, &t.AttemptCount,
		&t.CreatedAt, &startedAt, &finishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errNoTaskRow
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan task")
	}

	if input.Valid {
		t.Input = []byte(input.String)
	}
	if output.Valid {
		t.Output = []byte(output.String)
	}
	if errJSON.Valid {
		t.Error = &model.TaskError{}
		if err := json.Unmarshal([]byte(errJSON.String), t.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal task error")
		}
	}
	if startedAt.Valid {
		ts := startedAt.Time
		t.StartedAt = &ts
	}
	if finishedAt.Valid {
		ts := finishedAt.Time
		t.FinishedAt = &ts
	}
	return &t, nil
}

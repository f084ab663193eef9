package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ent0n29/taskrouter/internal/session"
)

// Handles resolves the statement handle for ctx. *session.Coordinator
// satisfies it.
type Handles interface {
	DB(ctx context.Context) session.DBTX
}

type PostgresStore struct {
	handles Handles
}

func NewPostgresStore(ctx context.Context, handles Handles) (*PostgresStore, error) {
	db := handles.DB(ctx)
	if db == nil {
		return nil, errors.New("postgres task store needs a database handle")
	}
	if err := initTaskSchema(ctx, db); err != nil {
		return nil, err
	}
	return &PostgresStore{handles: handles}, nil
}

func initTaskSchema(ctx context.Context, db session.DBTX) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			callback_state TEXT NOT NULL DEFAULT 'NONE',
			workbasket_id TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			manual_priority INTEGER NULL,
			reopened BOOLEAN NOT NULL DEFAULT FALSE,
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			transferred BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			modified_at TIMESTAMPTZ NOT NULL,
			claimed_at TIMESTAMPTZ NULL,
			completed_at TIMESTAMPTZ NULL,
			custom_fields JSONB NOT NULL DEFAULT '{}'::jsonb,
			custom_ints JSONB NOT NULL DEFAULT '{}'::jsonb,
			attributes JSONB NOT NULL DEFAULT '{}'::jsonb
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_workbasket_created ON tasks (workbasket_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const taskColumns = `id, external_id, name, note, state, callback_state, workbasket_id, owner,
	priority, manual_priority, reopened, is_read, transferred, created_at, modified_at,
	claimed_at, completed_at, custom_fields, custom_ints, attributes`

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.handles.DB(ctx).QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) GetTaskByExternalID(ctx context.Context, externalID string) (Task, error) {
	row := s.handles.DB(ctx).QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE external_id=$1`, externalID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task by external id: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, task Task) error {
	_, err := s.handles.DB(ctx).Exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20
		)`,
		taskArgs(task)...,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrStoreConflict
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task Task) error {
	tag, err := s.handles.DB(ctx).Exec(ctx,
		`UPDATE tasks SET
			external_id=$2, name=$3, note=$4, state=$5, callback_state=$6, workbasket_id=$7,
			owner=$8, priority=$9, manual_priority=$10, reopened=$11, is_read=$12,
			transferred=$13, created_at=$14, modified_at=$15, claimed_at=$16,
			completed_at=$17, custom_fields=$18, custom_ints=$19, attributes=$20
		  WHERE id=$1`,
		taskArgs(task)...,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *PostgresStore) ListTasksByWorkbasket(ctx context.Context, workbasketID string, states ...State) ([]Task, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(states) == 0 {
		rows, err = s.handles.DB(ctx).Query(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE workbasket_id=$1 ORDER BY created_at, id`,
			workbasketID,
		)
	} else {
		names := make([]string, len(states))
		for i, st := range states {
			names[i] = string(st)
		}
		rows, err = s.handles.DB(ctx).Query(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE workbasket_id=$1 AND state = ANY($2) ORDER BY created_at, id`,
			workbasketID, names,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *PostgresStore) ListTasksByIDs(ctx context.Context, ids []string) ([]Task, error) {
	if len(ids) == 0 {
		return []Task{}, nil
	}
	rows, err := s.handles.DB(ctx).Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("list tasks by id: %w", err)
	}
	found, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Task, len(found))
	for _, task := range found {
		byID[task.ID] = task
	}
	out := make([]Task, 0, len(found))
	for _, id := range ids {
		if task, ok := byID[id]; ok {
			out = append(out, task)
		}
	}
	return out, nil
}

// Close is a no-op; the pool belongs to the session coordinator.
func (s *PostgresStore) Close() error { return nil }

func taskArgs(task Task) []any {
	return []any{
		task.ID,
		task.ExternalID,
		task.Name,
		task.Note,
		string(task.State),
		string(task.CallbackState),
		task.WorkbasketID,
		task.Owner,
		task.Priority,
		task.ManualPriority,
		task.Reopened,
		task.Read,
		task.Transferred,
		task.Created,
		task.Modified,
		task.Claimed,
		task.Completed,
		nonNilStrings(task.CustomFields),
		nonNilInts(task.CustomInts),
		nonNilStrings(task.Attributes),
	}
}

func collectTasks(rows pgx.Rows) ([]Task, error) {
	defer rows.Close()
	out := make([]Task, 0, 16)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		task          Task
		state         string
		callbackState string
	)
	if err := row.Scan(
		&task.ID,
		&task.ExternalID,
		&task.Name,
		&task.Note,
		&state,
		&callbackState,
		&task.WorkbasketID,
		&task.Owner,
		&task.Priority,
		&task.ManualPriority,
		&task.Reopened,
		&task.Read,
		&task.Transferred,
		&task.Created,
		&task.Modified,
		&task.Claimed,
		&task.Completed,
		&task.CustomFields,
		&task.CustomInts,
		&task.Attributes,
	); err != nil {
		return Task{}, err
	}
	task.State = State(state)
	task.CallbackState = CallbackState(callbackState)
	return task, nil
}

func nonNilStrings(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}

func nonNilInts(in map[string]int) map[string]int {
	if in == nil {
		return map[string]int{}
	}
	return in
}

package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/micromdm/nanotask/action"
	"github.com/micromdm/nanotask/engine/storage"
)

const taskColumns = `id, hash_key, task_type, requester, notes, action_notes,
cancelled, approved, approved_by, completed, created_on, approved_on, completed_on`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*storage.Task, error) {
	t := new(storage.Task)
	var (
		requester, notes, actionNotes, approvedBy sql.NullString
		approvedOn, completedOn                   sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.HashKey, &t.TaskType, &requester, &notes, &actionNotes,
		&t.Cancelled, &t.Approved, &approvedBy, &t.Completed,
		&t.CreatedOn, &approvedOn, &completedOn,
	)
	if err != nil {
		return nil, err
	}
	if err = unmarshalNullString(requester, &t.Requester); err != nil {
		return nil, fmt.Errorf("unmarshal requester: %w", err)
	}
	if err = unmarshalNullString(notes, &t.Notes); err != nil {
		return nil, fmt.Errorf("unmarshal notes: %w", err)
	}
	if err = unmarshalNullString(actionNotes, &t.ActionNotes); err != nil {
		return nil, fmt.Errorf("unmarshal action notes: %w", err)
	}
	t.ApprovedBy = approvedBy.String
	t.ApprovedOn = approvedOn.Time
	t.CompletedOn = completedOn.Time
	return t, nil
}

// taskArgs returns the column values of t in taskColumns order.
func taskArgs(t *storage.Task) ([]interface{}, error) {
	requester, err := jsonNullString(t.Requester)
	if err != nil {
		return nil, fmt.Errorf("marshal requester: %w", err)
	}
	notes, err := jsonNullString(t.Notes)
	if err != nil {
		return nil, fmt.Errorf("marshal notes: %w", err)
	}
	actionNotes, err := jsonNullString(t.ActionNotes)
	if err != nil {
		return nil, fmt.Errorf("marshal action notes: %w", err)
	}
	return []interface{}{
		t.ID, t.HashKey, t.TaskType, requester, notes, actionNotes,
		t.Cancelled, t.Approved, sqlNullString(t.ApprovedBy), t.Completed,
		t.CreatedOn, sqlNullTime(t.ApprovedOn), sqlNullTime(t.CompletedOn),
	}, nil
}

func insertAction(ctx context.Context, tx *sql.Tx, a *storage.Action) error {
	tokenFields, err := jsonNullString(a.TokenFields)
	if err != nil {
		return fmt.Errorf("marshal token fields: %w", err)
	}
	autoApprove, err := a.AutoApprove.MarshalText()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO task_actions
    (id, task_id, ord, name, data, cache, state, valid, need_token, token_fields, auto_approve, created_on)
VALUES
    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		a.ID, a.TaskID, a.Order, a.Name,
		sqlNullString(string(a.Data)), sqlNullString(string(a.Cache)), a.State,
		a.Valid, a.NeedToken, tokenFields, string(autoApprove), a.CreatedOn,
	)
	return err
}

// CreateTask implements the storage interface method.
func (s *MySQLStorage) CreateTask(ctx context.Context, t *storage.Task, actions []*storage.Action) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("validating task: %w", err)
	}
	for _, a := range actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("validating action: %w", err)
		}
		if a.TaskID != t.ID {
			return fmt.Errorf("action %s: task id mismatch", a.Name)
		}
	}
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	err = tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		for _, a := range actions {
			if err = insertAction(ctx, tx, a); err != nil {
				return fmt.Errorf("insert action %s: %w", a.Name, err)
			}
		}
		return nil
	})
	if isActiveHashViolation(err) {
		return fmt.Errorf("%w: %v", storage.ErrActiveHashExists, err)
	}
	return err
}

// StoreTask implements the storage interface method.
func (s *MySQLStorage) StoreTask(ctx context.Context, t *storage.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("validating task: %w", err)
	}
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	err = tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var found bool
		err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = ?);`, t.ID).Scan(&found)
		if err != nil {
			return err
		} else if !found {
			return fmt.Errorf("%w: task %s", storage.ErrNotFound, t.ID)
		}
		_, err = tx.ExecContext(
			ctx,
			`UPDATE tasks SET
    hash_key = ?, task_type = ?, requester = ?, notes = ?, action_notes = ?,
    cancelled = ?, approved = ?, approved_by = ?, completed = ?,
    created_on = ?, approved_on = ?, completed_on = ?
WHERE id = ?;`,
			append(args[1:], t.ID)...,
		)
		return err
	})
	if isActiveHashViolation(err) {
		return fmt.Errorf("%w: %v", storage.ErrActiveHashExists, err)
	}
	return err
}

// RetrieveTask implements the storage interface method.
func (s *MySQLStorage) RetrieveTask(ctx context.Context, id string) (*storage.Task, error) {
	if id == "" {
		return nil, storage.ErrMissingTaskID
	}
	t, err := scanTask(s.db.QueryRowContext(
		ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?;`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", storage.ErrNotFound, id)
	}
	return t, err
}

// RetrieveTasks implements the storage interface method.
func (s *MySQLStorage) RetrieveTasks(ctx context.Context, filter *storage.TaskFilter) ([]*storage.Task, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter != nil {
		if filter.TaskType != "" {
			where = append(where, "task_type = ?")
			args = append(args, filter.TaskType)
		}
		if filter.HashKey != "" {
			where = append(where, "hash_key = ?")
			args = append(args, filter.HashKey)
		}
		if filter.ActiveOnly {
			where = append(where, "completed = FALSE AND cancelled = FALSE")
		}
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_on, id;"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ret []*storage.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return ret, err
		}
		ret = append(ret, t)
	}
	return ret, rows.Err()
}

// RetrieveActions implements the storage interface method.
func (s *MySQLStorage) RetrieveActions(ctx context.Context, taskID string) ([]*storage.Action, error) {
	if taskID == "" {
		return nil, storage.ErrMissingTaskID
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, task_id, ord, name, data, cache, state, valid, need_token, token_fields, auto_approve, created_on
FROM task_actions WHERE task_id = ? ORDER BY ord;`,
		taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ret []*storage.Action
	for rows.Next() {
		a := new(storage.Action)
		var (
			data, cache, tokenFields sql.NullString
			autoApprove              string
		)
		err = rows.Scan(
			&a.ID, &a.TaskID, &a.Order, &a.Name, &data, &cache, &a.State,
			&a.Valid, &a.NeedToken, &tokenFields, &autoApprove, &a.CreatedOn,
		)
		if err != nil {
			return ret, err
		}
		if data.Valid {
			a.Data = []byte(data.String)
		}
		if cache.Valid {
			a.Cache = []byte(cache.String)
		}
		if err = unmarshalNullString(tokenFields, &a.TokenFields); err != nil {
			return ret, fmt.Errorf("unmarshal token fields: %w", err)
		}
		var aa action.AutoApprove
		if err = aa.UnmarshalText([]byte(autoApprove)); err != nil {
			return ret, err
		}
		a.AutoApprove = aa
		ret = append(ret, a)
	}
	return ret, rows.Err()
}

// StoreAction implements the storage interface method.
func (s *MySQLStorage) StoreAction(ctx context.Context, a *storage.Action) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("validating action: %w", err)
	}
	tokenFields, err := jsonNullString(a.TokenFields)
	if err != nil {
		return fmt.Errorf("marshal token fields: %w", err)
	}
	autoApprove, err := a.AutoApprove.MarshalText()
	if err != nil {
		return err
	}
	return tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var found bool
		err := tx.QueryRowContext(
			ctx,
			`SELECT EXISTS(SELECT 1 FROM task_actions WHERE task_id = ? AND ord = ?);`,
			a.TaskID, a.Order,
		).Scan(&found)
		if err != nil {
			return err
		} else if !found {
			return fmt.Errorf("%w: action %s/%d", storage.ErrNotFound, a.TaskID, a.Order)
		}
		_, err = tx.ExecContext(
			ctx,
			`UPDATE task_actions SET
    name = ?, data = ?, cache = ?, state = ?, valid = ?, need_token = ?, token_fields = ?, auto_approve = ?
WHERE task_id = ? AND ord = ?;`,
			a.Name, sqlNullString(string(a.Data)), sqlNullString(string(a.Cache)), a.State,
			a.Valid, a.NeedToken, tokenFields, string(autoApprove),
			a.TaskID, a.Order,
		)
		return err
	})
}

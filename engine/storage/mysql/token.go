package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanotask/engine/storage"
)

// StoreToken implements the storage interface method.
func (s *MySQLStorage) StoreToken(ctx context.Context, t *storage.Token) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("validating token: %w", err)
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO task_tokens (token, task_id, created_on, expires) VALUES (?, ?, ?, ?) AS new
ON DUPLICATE KEY UPDATE task_id = new.task_id, created_on = new.created_on, expires = new.expires;`,
		t.Token, t.TaskID, t.CreatedOn, t.Expires,
	)
	return err
}

func scanTokens(rows *sql.Rows) ([]*storage.Token, error) {
	defer rows.Close()
	var ret []*storage.Token
	for rows.Next() {
		t := new(storage.Token)
		if err := rows.Scan(&t.Token, &t.TaskID, &t.CreatedOn, &t.Expires); err != nil {
			return ret, err
		}
		ret = append(ret, t)
	}
	return ret, rows.Err()
}

// RetrieveToken implements the storage interface method.
func (s *MySQLStorage) RetrieveToken(ctx context.Context, token string) (*storage.Token, error) {
	if token == "" {
		return nil, storage.ErrMissingToken
	}
	t := new(storage.Token)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT token, task_id, created_on, expires FROM task_tokens WHERE token = ?;`,
		token,
	).Scan(&t.Token, &t.TaskID, &t.CreatedOn, &t.Expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: token", storage.ErrNotFound)
	}
	return t, err
}

// RetrieveTaskTokens implements the storage interface method.
func (s *MySQLStorage) RetrieveTaskTokens(ctx context.Context, taskID string) ([]*storage.Token, error) {
	if taskID == "" {
		return nil, storage.ErrMissingTaskID
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT token, task_id, created_on, expires FROM task_tokens WHERE task_id = ? ORDER BY created_on;`,
		taskID,
	)
	if err != nil {
		return nil, err
	}
	return scanTokens(rows)
}

// DeleteToken implements the storage interface method.
func (s *MySQLStorage) DeleteToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_tokens WHERE token = ?;`, token)
	return err
}

// DeleteTaskTokens implements the storage interface method.
func (s *MySQLStorage) DeleteTaskTokens(ctx context.Context, taskID string) error {
	if taskID == "" {
		return storage.ErrMissingTaskID
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_tokens WHERE task_id = ?;`, taskID)
	return err
}

// DeleteExpiredTokens implements the storage interface method.
func (s *MySQLStorage) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_tokens WHERE expires <= ?;`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

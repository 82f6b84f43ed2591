package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/micromdm/nanotask/engine/storage"
)

const notificationColumns = `id, task_id, notes, error, acknowledged, created_on`

func scanNotification(row scanner) (*storage.Notification, error) {
	n := new(storage.Notification)
	var notes sql.NullString
	err := row.Scan(&n.ID, &n.TaskID, &notes, &n.Error, &n.Acknowledged, &n.CreatedOn)
	if err != nil {
		return nil, err
	}
	if err = unmarshalNullString(notes, &n.Notes); err != nil {
		return nil, fmt.Errorf("unmarshal notes: %w", err)
	}
	return n, nil
}

// StoreNotification implements the storage interface method.
func (s *MySQLStorage) StoreNotification(ctx context.Context, n *storage.Notification) error {
	if err := n.Validate(); err != nil {
		return fmt.Errorf("validating notification: %w", err)
	}
	notes, err := jsonNullString(n.Notes)
	if err != nil {
		return fmt.Errorf("marshal notes: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO task_notifications (`+notificationColumns+`) VALUES (?, ?, ?, ?, ?, ?) AS new
ON DUPLICATE KEY UPDATE
    task_id = new.task_id,
    notes = new.notes,
    error = new.error,
    acknowledged = new.acknowledged;`,
		n.ID, n.TaskID, notes, n.Error, n.Acknowledged, n.CreatedOn,
	)
	return err
}

// RetrieveNotification implements the storage interface method.
func (s *MySQLStorage) RetrieveNotification(ctx context.Context, id string) (*storage.Notification, error) {
	if id == "" {
		return nil, storage.ErrMissingID
	}
	n, err := scanNotification(s.db.QueryRowContext(
		ctx,
		`SELECT `+notificationColumns+` FROM task_notifications WHERE id = ?;`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: notification %s", storage.ErrNotFound, id)
	}
	return n, err
}

// RetrieveNotifications implements the storage interface method.
func (s *MySQLStorage) RetrieveNotifications(ctx context.Context, filter *storage.NotificationFilter) ([]*storage.Notification, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter != nil {
		if filter.TaskID != "" {
			where = append(where, "task_id = ?")
			args = append(args, filter.TaskID)
		}
		if filter.Error != nil {
			where = append(where, "error = ?")
			args = append(args, *filter.Error)
		}
		if filter.Acknowledged != nil {
			where = append(where, "acknowledged = ?")
			args = append(args, *filter.Acknowledged)
		}
	}
	query := `SELECT ` + notificationColumns + ` FROM task_notifications`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_on, id;"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ret []*storage.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return ret, err
		}
		ret = append(ret, n)
	}
	return ret, rows.Err()
}

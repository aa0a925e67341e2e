package task

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"nisbot/app/core/orchestrator/db"
)

var (
	// ErrStorage marks failures of the underlying database.
	ErrStorage = errors.New("task storage failure")
	// ErrEmptyText is returned when a task without text is created.
	ErrEmptyText = errors.New("task text is required")
)

// Task is one to-do item. Tasks are never updated in place.
type Task struct {
	ID    int64
	Owner int64
	Text  string
}

type Store struct {
	db *db.DB
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

func (s *Store) Create(ctx context.Context, owner int64, text string) (Task, error) {
	if strings.TrimSpace(text) == "" {
		return Task{}, ErrEmptyText
	}
	res, err := s.db.Conn().ExecContext(ctx, `INSERT INTO tasks (owner, text) VALUES (?, ?)`, owner, text)
	if err != nil {
		return Task{}, fmt.Errorf("%w: create task: %w", ErrStorage, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Task{}, fmt.Errorf("%w: read task id: %w", ErrStorage, err)
	}
	return Task{ID: id, Owner: owner, Text: text}, nil
}

// List returns the owner's tasks in insertion order.
func (s *Store) List(ctx context.Context, owner int64) ([]Task, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `SELECT id, owner, text FROM tasks WHERE owner = ? ORDER BY id ASC`, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: list tasks: %w", ErrStorage, err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Owner, &t.Text); err != nil {
			return nil, fmt.Errorf("%w: scan task: %w", ErrStorage, err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list tasks: %w", ErrStorage, err)
	}
	return items, nil
}

// Delete removes the task if it exists. Missing ids are not an error.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.Conn().ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: delete task %d: %w", ErrStorage, id, err)
	}
	return nil
}

// DeleteOwned removes the task only when it belongs to owner. Like Delete,
// a miss is not an error.
func (s *Store) DeleteOwned(ctx context.Context, owner int64, id int64) error {
	if _, err := s.db.Conn().ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND owner = ?`, id, owner); err != nil {
		return fmt.Errorf("%w: delete task %d: %w", ErrStorage, id, err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count tasks: %w", ErrStorage, err)
	}
	return n, nil
}

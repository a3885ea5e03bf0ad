package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("task not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) ListByBoard(ctx context.Context, boardID string) ([]Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.id, t.board_id, t.user_id, u.username, t.content, t.status, t.created_at, t.updated_at
		FROM tasks t
		JOIN users u ON u.id = t.user_id
		WHERE t.board_id = $1
		ORDER BY t.created_at ASC
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []Task{}
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.BoardID, &t.UserID, &t.Username, &t.Content, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

func (r *Repository) Get(ctx context.Context, id string) (Task, error) {
	var t Task
	err := r.db.QueryRowContext(ctx, `
		SELECT id, board_id, user_id, content, status, created_at, updated_at
		FROM tasks
		WHERE id = $1
	`, id).Scan(&t.ID, &t.BoardID, &t.UserID, &t.Content, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("query task: %w", err)
	}

	return t, nil
}

func (r *Repository) Create(ctx context.Context, boardID, userID, content, status string) (Task, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Task{}, fmt.Errorf("generate task id: %w", err)
	}

	now := time.Now().UTC()
	t := Task{
		ID:        id.String(),
		BoardID:   boardID,
		UserID:    userID,
		Content:   content,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, board_id, user_id, content, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, t.ID, t.BoardID, t.UserID, t.Content, t.Status, now)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}

	return t, nil
}

func (r *Repository) Update(ctx context.Context, id, content, status string) (Task, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks
		SET content = $2, status = $3, updated_at = $4
		WHERE id = $1
	`, id, content, status, now)
	if err != nil {
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return Task{}, ErrNotFound
	}

	return r.Get(ctx, id)
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}

	return nil
}

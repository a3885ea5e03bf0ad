package task

import "time"

// Statuses mirror the board columns.
const (
	StatusTodo    = "todo"
	StatusDoing   = "doing"
	StatusDone    = "done"
	StatusStopped = "stopped"
)

func ValidStatus(s string) bool {
	switch s {
	case StatusTodo, StatusDoing, StatusDone, StatusStopped:
		return true
	default:
		return false
	}
}

type Task struct {
	ID        string    `json:"id"`
	BoardID   string    `json:"board_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

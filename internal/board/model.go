package board

import (
	"time"

	"kanban-live/internal/authz"
)

type Board struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Member is a membership joined with the user's display name, as
// returned by the member listing endpoint.
type Member struct {
	UserID   string     `json:"user_id"`
	Username string     `json:"username"`
	Role     authz.Role `json:"-"`
	RoleName string     `json:"role"`
}

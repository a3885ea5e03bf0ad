package board

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kanban-live/internal/authz"
)

var ErrNotFound = errors.New("board not found")

// Repository persists boards and board memberships. It implements
// authz.MembershipStore so the authorization engine and the handlers
// read the same rows.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) ListForUser(ctx context.Context, userID string) ([]Board, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT b.id, b.name, b.created_at, b.updated_at
		FROM boards b
		JOIN board_members m ON m.board_id = b.id
		WHERE m.user_id = $1
		ORDER BY b.created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()

	boards := []Board{}
	for rows.Next() {
		var b Board
		if err := rows.Scan(&b.ID, &b.Name, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		boards = append(boards, b)
	}

	return boards, rows.Err()
}

func (r *Repository) Get(ctx context.Context, id string) (Board, error) {
	var b Board
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, created_at, updated_at
		FROM boards
		WHERE id = $1
	`, id).Scan(&b.ID, &b.Name, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Board{}, ErrNotFound
		}
		return Board{}, fmt.Errorf("query board: %w", err)
	}

	return b, nil
}

// Create inserts the board and its creator's admin membership in one
// transaction, so a board can never exist without an admin.
func (r *Repository) Create(ctx context.Context, name, creatorID string) (Board, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Board{}, fmt.Errorf("generate board id: %w", err)
	}

	now := time.Now().UTC()
	b := Board{ID: id.String(), Name: name, CreatedAt: now, UpdatedAt: now}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Board{}, fmt.Errorf("begin create board tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO boards (id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
	`, b.ID, b.Name, now); err != nil {
		return Board{}, fmt.Errorf("insert board: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO board_members (board_id, user_id, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, b.ID, creatorID, authz.RoleAdmin.String(), now); err != nil {
		return Board{}, fmt.Errorf("insert creator membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Board{}, fmt.Errorf("commit create board tx: %w", err)
	}

	return b, nil
}

func (r *Repository) UpdateName(ctx context.Context, id, name string) (Board, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE boards
		SET name = $2, updated_at = $3
		WHERE id = $1
	`, id, name, now)
	if err != nil {
		return Board{}, fmt.Errorf("update board: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return Board{}, ErrNotFound
	}

	return r.Get(ctx, id)
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM boards WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete board: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}

	return nil
}

// Find implements authz.MembershipStore.
func (r *Repository) Find(ctx context.Context, boardID, userID string) (*authz.Membership, error) {
	var roleName string
	err := r.db.QueryRowContext(ctx, `
		SELECT role
		FROM board_members
		WHERE board_id = $1 AND user_id = $2
	`, boardID, userID).Scan(&roleName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query membership: %w", err)
	}

	role, err := authz.ParseRole(roleName)
	if err != nil {
		return nil, fmt.Errorf("stored membership is corrupt: %w", err)
	}

	return &authz.Membership{BoardID: boardID, UserID: userID, Role: role}, nil
}

// List implements authz.MembershipStore.
func (r *Repository) List(ctx context.Context, boardID string) ([]authz.Membership, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, role
		FROM board_members
		WHERE board_id = $1
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var memberships []authz.Membership
	for rows.Next() {
		var userID, roleName string
		if err := rows.Scan(&userID, &roleName); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		role, err := authz.ParseRole(roleName)
		if err != nil {
			return nil, fmt.Errorf("stored membership is corrupt: %w", err)
		}
		memberships = append(memberships, authz.Membership{BoardID: boardID, UserID: userID, Role: role})
	}

	return memberships, rows.Err()
}

// CountAdmins implements authz.MembershipStore.
func (r *Repository) CountAdmins(ctx context.Context, boardID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM board_members
		WHERE board_id = $1 AND role = $2
	`, boardID, authz.RoleAdmin.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count admins: %w", err)
	}

	return count, nil
}

func (r *Repository) ListMembers(ctx context.Context, boardID string) ([]Member, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.user_id, u.username, m.role
		FROM board_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.board_id = $1
		ORDER BY u.username ASC
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	members := []Member{}
	for rows.Next() {
		var m Member
		var roleName string
		if err := rows.Scan(&m.UserID, &m.Username, &roleName); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		role, err := authz.ParseRole(roleName)
		if err != nil {
			return nil, fmt.Errorf("stored membership is corrupt: %w", err)
		}
		m.Role = role
		m.RoleName = roleName
		members = append(members, m)
	}

	return members, rows.Err()
}

func (r *Repository) AddMember(ctx context.Context, boardID, userID string, role authz.Role) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO board_members (board_id, user_id, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, boardID, userID, role.String(), now)
	if err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}

	return nil
}

func (r *Repository) UpdateMemberRole(ctx context.Context, boardID, userID string, role authz.Role) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE board_members
		SET role = $3, updated_at = $4
		WHERE board_id = $1 AND user_id = $2
	`, boardID, userID, role.String(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update membership role: %w", err)
	}

	return nil
}

func (r *Repository) RemoveMember(ctx context.Context, boardID, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM board_members
		WHERE board_id = $1 AND user_id = $2
	`, boardID, userID)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}

	return nil
}

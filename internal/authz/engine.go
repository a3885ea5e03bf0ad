package authz

import (
	"context"
	"errors"
	"fmt"
)

type Membership struct {
	BoardID string
	UserID  string
	Role    Role
}

// MembershipStore is the narrow read surface the engine needs. Find
// returns (nil, nil) when no membership exists.
type MembershipStore interface {
	Find(ctx context.Context, boardID, userID string) (*Membership, error)
	List(ctx context.Context, boardID string) ([]Membership, error)
	CountAdmins(ctx context.Context, boardID string) (int, error)
}

// Engine answers every membership and role question in the system. The
// HTTP handlers and the websocket gateway share this one implementation
// so their authorization decisions cannot drift apart.
type Engine struct {
	store MembershipStore
}

func NewEngine(store MembershipStore) *Engine {
	return &Engine{store: store}
}

func (e *Engine) RequireMember(ctx context.Context, userID, boardID string) (*Membership, error) {
	membership, err := e.store.Find(ctx, boardID, userID)
	if err != nil {
		return nil, fmt.Errorf("find membership: %w", err)
	}
	if membership == nil {
		return nil, ErrForbidden
	}
	return membership, nil
}

func (e *Engine) RequireWriteCapable(ctx context.Context, userID, boardID string) (*Membership, error) {
	membership, err := e.RequireMember(ctx, userID, boardID)
	if err != nil {
		return nil, err
	}
	if !membership.Role.CanWrite() {
		return nil, ErrForbidden
	}
	return membership, nil
}

func (e *Engine) RequireAdmin(ctx context.Context, userID, boardID string) (*Membership, error) {
	membership, err := e.RequireMember(ctx, userID, boardID)
	if err != nil {
		return nil, err
	}
	if membership.Role != RoleAdmin {
		return nil, ErrForbidden
	}
	return membership, nil
}

// GuardRemoval allows a user to remove themselves, or an admin to remove
// anyone, but never a removal that would leave the board without an admin.
func (e *Engine) GuardRemoval(ctx context.Context, actingUserID, targetUserID, boardID string) error {
	if actingUserID != targetUserID {
		if _, err := e.RequireAdmin(ctx, actingUserID, boardID); err != nil {
			return err
		}
	}

	target, err := e.store.Find(ctx, boardID, targetUserID)
	if err != nil {
		return fmt.Errorf("find target membership: %w", err)
	}
	if target == nil {
		return ErrNotMember
	}

	if target.Role == RoleAdmin {
		admins, err := e.store.CountAdmins(ctx, boardID)
		if err != nil {
			return fmt.Errorf("count admins: %w", err)
		}
		if admins <= 1 {
			return ErrLastAdmin
		}
	}

	return nil
}

// GuardAdd permits only admins to add members. Adding a user who already
// has a membership is a conflict, not an update.
func (e *Engine) GuardAdd(ctx context.Context, actingUserID, targetUserID, boardID string) error {
	if _, err := e.RequireAdmin(ctx, actingUserID, boardID); err != nil {
		return err
	}

	existing, err := e.store.Find(ctx, boardID, targetUserID)
	if err != nil {
		return fmt.Errorf("find target membership: %w", err)
	}
	if existing != nil {
		return ErrAlreadyMember
	}

	return nil
}

// GuardRoleChange permits only admins to change roles. Demoting the sole
// admin is rejected for the same reason removing them is.
func (e *Engine) GuardRoleChange(ctx context.Context, actingUserID, targetUserID, boardID string, newRole Role) error {
	if _, err := e.RequireAdmin(ctx, actingUserID, boardID); err != nil {
		return err
	}

	target, err := e.store.Find(ctx, boardID, targetUserID)
	if err != nil {
		return fmt.Errorf("find target membership: %w", err)
	}
	if target == nil {
		return ErrNotMember
	}

	if target.Role == RoleAdmin && newRole != RoleAdmin {
		admins, err := e.store.CountAdmins(ctx, boardID)
		if err != nil {
			return fmt.Errorf("count admins: %w", err)
		}
		if admins <= 1 {
			return ErrLastAdmin
		}
	}

	return nil
}

var (
	ErrForbidden     = errors.New("insufficient role for this board")
	ErrNotMember     = errors.New("user is not a member of this board")
	ErrAlreadyMember = errors.New("user is already a member of this board")
	ErrLastAdmin     = errors.New("board must keep at least one admin")
)

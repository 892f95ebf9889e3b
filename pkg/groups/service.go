package groups

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/grantline/pkg/observability"
	"github.com/platinummonkey/grantline/pkg/rbac"
)

// PermissionEngine is the part of the permission store the lifecycle
// operations write through. *rbac.Store implements it.
type PermissionEngine interface {
	ApplyRoleTx(ctx context.Context, tx rbac.DBTX, roleKey string, userID int64, scope rbac.Scope) (int, error)
	RevokeGroupScopeTx(ctx context.Context, tx rbac.DBTX, userID, groupID int64) (int, error)
	InvalidateUser(ctx context.Context, userID int64)
}

// Service manages users, groups and membership. Every mutation runs the
// entity write and the matching role seeding or revocation in one
// transaction.
type Service struct {
	db     *sql.DB
	engine PermissionEngine
	logger *observability.Logger
}

// NewService creates a new Service
func NewService(db *sql.DB, engine PermissionEngine, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{db: db, engine: engine, logger: logger}
}

func dbErr(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w", op, rbac.ErrConflict)
		case "23503":
			return fmt.Errorf("%s: %w", op, rbac.ErrNotFound)
		}
	}
	return &rbac.StoreError{Op: op, Err: err}
}

// RegisterUser creates a user and seeds the created_user role globally
func (s *Service) RegisterUser(ctx context.Context, req RegisterUserRequest) (user *User, err error) {
	ctx, span := observability.StartSpan(ctx, "groups.RegisterUser")
	defer func() { observability.EndSpan(span, err) }()

	username := strings.TrimSpace(req.Username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", rbac.ErrInvalidArgument)
	}

	user = &User{Username: username, Email: strings.TrimSpace(req.Email)}
	err = rbac.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO users (username, email) VALUES ($1, $2) RETURNING id, created_at`,
			user.Username, user.Email,
		).Scan(&user.ID, &user.CreatedAt)
		if err != nil {
			return dbErr("create user", err)
		}

		_, err = s.engine.ApplyRoleTx(ctx, tx, rbac.RoleCreatedUser, user.ID, rbac.Global())
		return err
	})
	if err != nil {
		return nil, err
	}

	s.engine.InvalidateUser(ctx, user.ID)
	s.logger.WithField("user_id", user.ID).Info("user registered")
	return user, nil
}

// GetUser retrieves a user by ID
func (s *Service) GetUser(ctx context.Context, id int64) (*User, error) {
	user := &User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, created_at FROM users WHERE id = $1`, id,
	).Scan(&user.ID, &user.Username, &user.Email, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, rbac.ErrNotFound)
	}
	if err != nil {
		return nil, dbErr("get user", err)
	}
	return user, nil
}

// CreateGroup creates a group owned by creatorID, adds the creator as a
// member and seeds the created_group role scoped to the new group
func (s *Service) CreateGroup(ctx context.Context, creatorID int64, req CreateGroupRequest) (group *Group, err error) {
	ctx, span := observability.StartSpan(ctx, "groups.CreateGroup",
		attribute.Int64("user_id", creatorID),
	)
	defer func() { observability.EndSpan(span, err) }()

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", rbac.ErrInvalidArgument)
	}
	if req.ParentID != nil && *req.ParentID <= 0 {
		return nil, fmt.Errorf("%w: parent_id must be positive", rbac.ErrInvalidArgument)
	}

	group = &Group{
		Name:        name,
		Description: req.Description,
		ParentID:    req.ParentID,
		CreatedBy:   creatorID,
	}

	err = rbac.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO groups (name, description, parent_id, created_by)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at, updated_at
		`, group.Name, group.Description, nullInt64(group.ParentID), creatorID,
		).Scan(&group.ID, &group.CreatedAt, &group.UpdatedAt)
		if err != nil {
			return dbErr("create group", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO group_members (group_id, user_id, added_by) VALUES ($1, $2, $2)`,
			group.ID, creatorID,
		)
		if err != nil {
			return dbErr("add group creator", err)
		}

		_, err = s.engine.ApplyRoleTx(ctx, tx, rbac.RoleCreatedGroup, creatorID, rbac.InGroup(group.ID))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.engine.InvalidateUser(ctx, creatorID)
	s.logger.WithFields(map[string]interface{}{
		"group_id": group.ID,
		"user_id":  creatorID,
	}).Info("group created")
	return group, nil
}

// GetGroup retrieves a group by ID
func (s *Service) GetGroup(ctx context.Context, id int64) (*Group, error) {
	group := &Group{}
	var parentID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, parent_id, created_by, created_at, updated_at
		FROM groups
		WHERE id = $1
	`, id).Scan(
		&group.ID, &group.Name, &group.Description, &parentID,
		&group.CreatedBy, &group.CreatedAt, &group.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %d: %w", id, rbac.ErrNotFound)
	}
	if err != nil {
		return nil, dbErr("get group", err)
	}
	if parentID.Valid {
		group.ParentID = &parentID.Int64
	}
	return group, nil
}

// ListUserGroups returns the groups the user belongs to
func (s *Service) ListUserGroups(ctx context.Context, userID int64) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.name, g.description, g.parent_id, g.created_by, g.created_at, g.updated_at
		FROM groups g
		JOIN group_members m ON m.group_id = g.id
		WHERE m.user_id = $1
		ORDER BY g.id
	`, userID)
	if err != nil {
		return nil, dbErr("list user groups", err)
	}
	defer rows.Close()

	groups := []Group{}
	for rows.Next() {
		var g Group
		var parentID sql.NullInt64
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &parentID, &g.CreatedBy, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, dbErr("scan group", err)
		}
		if parentID.Valid {
			g.ParentID = &parentID.Int64
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate groups", err)
	}
	return groups, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

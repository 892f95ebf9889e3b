package groups

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/grantline/pkg/observability"
	"github.com/platinummonkey/grantline/pkg/rbac"
)

// AddMember adds userID to groupID and seeds the add_member role scoped to
// the group
func (s *Service) AddMember(ctx context.Context, groupID, userID, addedBy int64) (member *Member, err error) {
	ctx, span := observability.StartSpan(ctx, "groups.AddMember",
		attribute.Int64("group_id", groupID),
		attribute.Int64("user_id", userID),
	)
	defer func() { observability.EndSpan(span, err) }()

	member = &Member{GroupID: groupID, UserID: userID, AddedBy: &addedBy}
	err = rbac.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO group_members (group_id, user_id, added_by)
			VALUES ($1, $2, $3)
			ON CONFLICT (group_id, user_id) DO NOTHING
			RETURNING joined_at
		`, groupID, userID, addedBy).Scan(&member.JoinedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("user %d is already a member of group %d: %w", userID, groupID, rbac.ErrConflict)
		}
		if err != nil {
			return dbErr("add member", err)
		}

		_, err = s.engine.ApplyRoleTx(ctx, tx, rbac.RoleAddMember, userID, rbac.InGroup(groupID))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.engine.InvalidateUser(ctx, userID)
	s.logger.WithFields(map[string]interface{}{
		"group_id": groupID,
		"user_id":  userID,
		"added_by": addedBy,
	}).Info("member added")
	return member, nil
}

// RemoveMember removes userID from groupID together with every grant the
// user holds scoped to that group. Global grants are kept.
func (s *Service) RemoveMember(ctx context.Context, groupID, userID int64) (err error) {
	ctx, span := observability.StartSpan(ctx, "groups.RemoveMember",
		attribute.Int64("group_id", groupID),
		attribute.Int64("user_id", userID),
	)
	defer func() { observability.EndSpan(span, err) }()

	var revoked int
	err = rbac.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM group_members WHERE group_id = $1 AND user_id = $2`,
			groupID, userID,
		)
		if err != nil {
			return dbErr("remove member", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return dbErr("remove member", err)
		}
		if n == 0 {
			return fmt.Errorf("user %d in group %d: %w", userID, groupID, rbac.ErrNotFound)
		}

		revoked, err = s.engine.RevokeGroupScopeTx(ctx, tx, userID, groupID)
		return err
	})
	if err != nil {
		return err
	}

	s.engine.InvalidateUser(ctx, userID)
	s.logger.WithFields(map[string]interface{}{
		"group_id": groupID,
		"user_id":  userID,
		"revoked":  revoked,
	}).Info("member removed")
	return nil
}

// ListMembers returns the members of a group ordered by join time
func (s *Service) ListMembers(ctx context.Context, groupID int64) ([]Member, error) {
	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.group_id, m.user_id, u.username, m.added_by, m.joined_at
		FROM group_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.group_id = $1
		ORDER BY m.joined_at, m.user_id
	`, groupID)
	if err != nil {
		return nil, dbErr("list members", err)
	}
	defer rows.Close()

	members := []Member{}
	for rows.Next() {
		var m Member
		var addedBy sql.NullInt64
		if err := rows.Scan(&m.GroupID, &m.UserID, &m.Username, &addedBy, &m.JoinedAt); err != nil {
			return nil, dbErr("scan member", err)
		}
		if addedBy.Valid {
			m.AddedBy = &addedBy.Int64
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate members", err)
	}
	return members, nil
}

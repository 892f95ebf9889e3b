package groups

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/grantline/pkg/rbac"
)

type applyCall struct {
	role  string
	user  int64
	scope rbac.Scope
}

type fakeEngine struct {
	applied     []applyCall
	revoked     [][2]int64
	invalidated []int64
	applyErr    error
}

func (f *fakeEngine) ApplyRoleTx(_ context.Context, tx rbac.DBTX, roleKey string, userID int64, scope rbac.Scope) (int, error) {
	if tx == nil {
		return 0, fmt.Errorf("no transaction")
	}
	f.applied = append(f.applied, applyCall{roleKey, userID, scope})
	if f.applyErr != nil {
		return 0, f.applyErr
	}
	return 3, nil
}

func (f *fakeEngine) RevokeGroupScopeTx(_ context.Context, tx rbac.DBTX, userID, groupID int64) (int, error) {
	if tx == nil {
		return 0, fmt.Errorf("no transaction")
	}
	f.revoked = append(f.revoked, [2]int64{userID, groupID})
	return 2, nil
}

func (f *fakeEngine) InvalidateUser(_ context.Context, userID int64) {
	f.invalidated = append(f.invalidated, userID)
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, *fakeEngine) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	engine := &fakeEngine{}
	return NewService(db, engine, nil), mock, engine
}

func TestRegisterUser(t *testing.T) {
	ctx := context.Background()

	t.Run("seeds created_user globally", func(t *testing.T) {
		svc, mock, engine := newTestService(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO users`).
			WithArgs("alice", "alice@example.com").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(5, time.Now()))
		mock.ExpectCommit()

		user, err := svc.RegisterUser(ctx, RegisterUserRequest{Username: " alice ", Email: "alice@example.com"})
		require.NoError(t, err)
		assert.Equal(t, int64(5), user.ID)
		assert.Equal(t, "alice", user.Username)
		assert.Equal(t, []applyCall{{rbac.RoleCreatedUser, 5, rbac.Global()}}, engine.applied)
		assert.Equal(t, []int64{5}, engine.invalidated)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate username", func(t *testing.T) {
		svc, mock, engine := newTestService(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO users`).WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		_, err := svc.RegisterUser(ctx, RegisterUserRequest{Username: "alice"})
		assert.ErrorIs(t, err, rbac.ErrConflict)
		assert.Empty(t, engine.applied)
		assert.Empty(t, engine.invalidated)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("role failure rolls back the user", func(t *testing.T) {
		svc, mock, engine := newTestService(t)
		engine.applyErr = &rbac.StoreError{Op: "apply role access types", Err: fmt.Errorf("boom")}
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO users`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(5, time.Now()))
		mock.ExpectRollback()

		_, err := svc.RegisterUser(ctx, RegisterUserRequest{Username: "alice"})
		assert.True(t, rbac.IsStoreError(err))
		assert.Empty(t, engine.invalidated)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("username required", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.RegisterUser(ctx, RegisterUserRequest{Username: "  "})
		assert.ErrorIs(t, err, rbac.ErrInvalidArgument)
	})
}

func TestCreateGroup(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("creator becomes member and owner", func(t *testing.T) {
		svc, mock, engine := newTestService(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO groups`).
			WithArgs("Team", "", nil, int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(7, now, now))
		mock.ExpectExec(`INSERT INTO group_members`).
			WithArgs(int64(7), int64(5)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		group, err := svc.CreateGroup(ctx, 5, CreateGroupRequest{Name: "Team"})
		require.NoError(t, err)
		assert.Equal(t, int64(7), group.ID)
		assert.Equal(t, int64(5), group.CreatedBy)
		assert.Equal(t, []applyCall{{rbac.RoleCreatedGroup, 5, rbac.InGroup(7)}}, engine.applied)
		assert.Equal(t, []int64{5}, engine.invalidated)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("parent id is stored", func(t *testing.T) {
		svc, mock, _ := newTestService(t)
		parent := int64(3)
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO groups`).
			WithArgs("Child", "sub team", int64(3), int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(8, now, now))
		mock.ExpectExec(`INSERT INTO group_members`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		group, err := svc.CreateGroup(ctx, 5, CreateGroupRequest{Name: "Child", Description: "sub team", ParentID: &parent})
		require.NoError(t, err)
		require.NotNil(t, group.ParentID)
		assert.Equal(t, int64(3), *group.ParentID)
	})

	t.Run("unknown parent", func(t *testing.T) {
		svc, mock, engine := newTestService(t)
		parent := int64(99)
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO groups`).WillReturnError(&pq.Error{Code: "23503"})
		mock.ExpectRollback()

		_, err := svc.CreateGroup(ctx, 5, CreateGroupRequest{Name: "Child", ParentID: &parent})
		assert.ErrorIs(t, err, rbac.ErrNotFound)
		assert.Empty(t, engine.applied)
	})

	t.Run("role failure leaves nothing behind", func(t *testing.T) {
		svc, mock, engine := newTestService(t)
		engine.applyErr = fmt.Errorf("role %q: %w", rbac.RoleCreatedGroup, rbac.ErrNotFound)
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO groups`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(7, now, now))
		mock.ExpectExec(`INSERT INTO group_members`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectRollback()

		_, err := svc.CreateGroup(ctx, 5, CreateGroupRequest{Name: "Team"})
		assert.ErrorIs(t, err, rbac.ErrNotFound)
		assert.Empty(t, engine.invalidated)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("validation", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.CreateGroup(ctx, 5, CreateGroupRequest{Name: ""})
		assert.ErrorIs(t, err, rbac.ErrInvalidArgument)

		zero := int64(0)
		_, err = svc.CreateGroup(ctx, 5, CreateGroupRequest{Name: "x", ParentID: &zero})
		assert.ErrorIs(t, err, rbac.ErrInvalidArgument)
	})
}

func TestAddMember(t *testing.T) {
	ctx := context.Background()

	t.Run("seeds add_member in the group", func(t *testing.T) {
		svc, mock, engine := newTestService(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO group_members .* ON CONFLICT`).
			WithArgs(int64(7), int64(9), int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"joined_at"}).AddRow(time.Now()))
		mock.ExpectCommit()

		member, err := svc.AddMember(ctx, 7, 9, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(9), member.UserID)
		assert.Equal(t, []applyCall{{rbac.RoleAddMember, 9, rbac.InGroup(7)}}, engine.applied)
		assert.Equal(t, []int64{9}, engine.invalidated)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already a member", func(t *testing.T) {
		svc, mock, engine := newTestService(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO group_members`).
			WillReturnRows(sqlmock.NewRows([]string{"joined_at"}))
		mock.ExpectRollback()

		_, err := svc.AddMember(ctx, 7, 9, 5)
		assert.ErrorIs(t, err, rbac.ErrConflict)
		assert.Empty(t, engine.applied)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown group or user", func(t *testing.T) {
		svc, mock, _ := newTestService(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO group_members`).WillReturnError(&pq.Error{Code: "23503"})
		mock.ExpectRollback()

		_, err := svc.AddMember(ctx, 7, 404, 5)
		assert.ErrorIs(t, err, rbac.ErrNotFound)
	})
}

func TestRemoveMember(t *testing.T) {
	ctx := context.Background()

	t.Run("revokes group scope in the same transaction", func(t *testing.T) {
		svc, mock, engine := newTestService(t)
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM group_members`).
			WithArgs(int64(7), int64(9)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, svc.RemoveMember(ctx, 7, 9))
		assert.Equal(t, [][2]int64{{9, 7}}, engine.revoked)
		assert.Equal(t, []int64{9}, engine.invalidated)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not a member", func(t *testing.T) {
		svc, mock, engine := newTestService(t)
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM group_members`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := svc.RemoveMember(ctx, 7, 9)
		assert.ErrorIs(t, err, rbac.ErrNotFound)
		assert.Empty(t, engine.revoked)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func groupRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "description", "parent_id", "created_by", "created_at", "updated_at"})
}

func TestGetGroup(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("found", func(t *testing.T) {
		svc, mock, _ := newTestService(t)
		mock.ExpectQuery(`FROM groups WHERE id = \$1`).
			WithArgs(int64(7)).
			WillReturnRows(groupRows().AddRow(7, "Team", "", nil, 5, now, now))

		group, err := svc.GetGroup(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, "Team", group.Name)
		assert.Nil(t, group.ParentID)
	})

	t.Run("missing", func(t *testing.T) {
		svc, mock, _ := newTestService(t)
		mock.ExpectQuery(`FROM groups WHERE id = \$1`).WillReturnRows(groupRows())

		_, err := svc.GetGroup(ctx, 7)
		assert.ErrorIs(t, err, rbac.ErrNotFound)
	})

	t.Run("store failure", func(t *testing.T) {
		svc, mock, _ := newTestService(t)
		mock.ExpectQuery(`FROM groups`).WillReturnError(fmt.Errorf("connection refused"))

		_, err := svc.GetGroup(ctx, 7)
		assert.True(t, rbac.IsStoreError(err))
	})
}

func TestListMembers(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	svc, mock, _ := newTestService(t)
	mock.ExpectQuery(`FROM groups WHERE id = \$1`).
		WillReturnRows(groupRows().AddRow(7, "Team", "", nil, 5, now, now))
	mock.ExpectQuery(`FROM group_members m JOIN users u`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"group_id", "user_id", "username", "added_by", "joined_at"}).
			AddRow(7, 5, "alice", 5, now).
			AddRow(7, 9, "bob", nil, now))

	members, err := svc.ListMembers(ctx, 7)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "bob", members[1].Username)
	assert.Nil(t, members[1].AddedBy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListUserGroups(t *testing.T) {
	svc, mock, _ := newTestService(t)
	mock.ExpectQuery(`JOIN group_members m`).
		WithArgs(int64(5)).
		WillReturnRows(groupRows().AddRow(7, "Team", "", 3, 5, time.Now(), time.Now()))

	groups, err := svc.ListUserGroups(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.NotNil(t, groups[0].ParentID)
	assert.Equal(t, int64(3), *groups[0].ParentID)
}

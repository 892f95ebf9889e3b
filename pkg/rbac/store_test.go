package rbac

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to create a store over a mock database
func newMockStore(t *testing.T, opts ...Option) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, opts...), mock
}

func expectSupported(mock sqlmock.Sqlmock, resourceKey string, types ...string) {
	rows := sqlmock.NewRows([]string{"access_type"})
	for _, t := range types {
		rows.AddRow(t)
	}
	mock.ExpectQuery(`SELECT rat.access_type FROM resources r`).
		WithArgs(resourceKey).
		WillReturnRows(rows)
}

func expectAnchor(mock sqlmock.Sqlmock, userID int64, resourceKey string, groupID interface{}, anchorID int64) {
	mock.ExpectQuery(`INSERT INTO user_permissions`).
		WithArgs(userID, resourceKey, groupID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(anchorID))
}

func TestParseScopeMatch(t *testing.T) {
	tests := []struct {
		in      string
		want    ScopeMatch
		wantErr bool
	}{
		{"", ScopeMatchExact, false},
		{"exact", ScopeMatchExact, false},
		{"ANY_GROUP", ScopeMatchAnyGroup, false},
		{"any-group", ScopeMatchAnyGroup, false},
		{"loose", ScopeMatchExact, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseScopeMatch(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScopeMatch_Predicate(t *testing.T) {
	assert.Equal(t, "(up.group_id IS NULL OR up.group_id = $3)", ScopeMatchExact.predicate(3))
	assert.Equal(t, "(up.group_id IS NULL OR ($3::BIGINT IS NOT NULL AND up.group_id IS NOT NULL))", ScopeMatchAnyGroup.predicate(3))
}

func TestHasPermission(t *testing.T) {
	ctx := context.Background()

	t.Run("group scope", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT DISTINCT uat.access_type .* up.group_id = \$3`).
			WithArgs(int64(1), "document", int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"access_type"}).AddRow("read").AddRow("write"))

		held, err := store.HasPermission(ctx, 1, "document", InGroup(7))
		require.NoError(t, err)
		assert.Equal(t, []AccessType{AccessRead, AccessWrite}, held.Slice())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("global scope binds null group", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT DISTINCT uat.access_type`).
			WithArgs(int64(1), "document", nil).
			WillReturnRows(sqlmock.NewRows([]string{"access_type"}))

		held, err := store.HasPermission(ctx, 1, "document", Global())
		require.NoError(t, err)
		assert.Empty(t, held)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("any group mode", func(t *testing.T) {
		store, mock := newMockStore(t, WithScopeMatch(ScopeMatchAnyGroup))
		mock.ExpectQuery(`SELECT DISTINCT uat.access_type .* IS NOT NULL AND up.group_id IS NOT NULL`).
			WithArgs(int64(1), "document", int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"access_type"}).AddRow("read"))

		held, err := store.HasPermission(ctx, 1, "document", InGroup(7))
		require.NoError(t, err)
		assert.True(t, held.Contains(AccessRead))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("store error", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT DISTINCT uat.access_type`).
			WillReturnError(fmt.Errorf("connection reset"))

		_, err := store.HasPermission(ctx, 1, "document", Global())
		require.Error(t, err)
		assert.True(t, IsStoreError(err))
	})

	t.Run("cached", func(t *testing.T) {
		store, mock := newMockStore(t, WithCache(NewLRUCache(10, 0, nil)))
		mock.ExpectQuery(`SELECT DISTINCT uat.access_type`).
			WithArgs(int64(1), "document", int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"access_type"}).AddRow("read"))

		first, err := store.HasPermission(ctx, 1, "document", InGroup(7))
		require.NoError(t, err)
		second, err := store.HasPermission(ctx, 1, "document", InGroup(7))
		require.NoError(t, err)

		assert.Equal(t, first, second)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

// writeDuringRead invalidates the user once, right after the read has
// missed, the way a concurrent grant committing mid-query would
type writeDuringRead struct {
	*LRUCache
	fired bool
}

func (c *writeDuringRead) Get(ctx context.Context, userID int64, resourceKey string, scope Scope) (AccessTypeSet, bool) {
	set, ok := c.LRUCache.Get(ctx, userID, resourceKey, scope)
	if !ok && !c.fired {
		c.fired = true
		c.LRUCache.InvalidateUser(ctx, userID)
	}
	return set, ok
}

func TestHasPermission_RevocationDuringReadIsNotCached(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t, WithCache(&writeDuringRead{LRUCache: NewLRUCache(10, 0, nil)}))

	mock.ExpectQuery(`SELECT DISTINCT uat.access_type`).
		WithArgs(int64(1), "document", int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"access_type"}).AddRow("read"))
	mock.ExpectQuery(`SELECT DISTINCT uat.access_type`).
		WithArgs(int64(1), "document", int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"access_type"}))

	before, err := store.HasPermission(ctx, 1, "document", InGroup(7))
	require.NoError(t, err)
	assert.True(t, before.Contains(AccessRead))

	after, err := store.HasPermission(ctx, 1, "document", InGroup(7))
	require.NoError(t, err)
	assert.Empty(t, after)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGrant(t *testing.T) {
	ctx := context.Background()
	key := PermissionKey{UserID: 42, ResourceKey: "document", Scope: InGroup(7)}

	t.Run("vacuous updates write nothing", func(t *testing.T) {
		store, mock := newMockStore(t)

		n, err := store.Grant(ctx, key, []AccessTypeUpdate{{AccessType: AccessRead}})
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("true bit upserts row", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		expectSupported(mock, "document", "read", "write")
		expectAnchor(mock, 42, "document", int64(7), 100)
		mock.ExpectExec(`INSERT INTO user_access_types .* ON CONFLICT \(user_permission_id, access_type\) DO UPDATE`).
			WithArgs(int64(100), "read", true, nil, nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		n, err := store.Grant(ctx, key, []AccessTypeUpdate{
			{AccessType: AccessRead, Permission: Bool(true)},
			{AccessType: AccessWrite},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unchanged row is not counted", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		expectSupported(mock, "document", "read")
		expectAnchor(mock, 42, "document", int64(7), 100)
		mock.ExpectExec(`INSERT INTO user_access_types`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		n, err := store.Grant(ctx, key, []AccessTypeUpdate{{AccessType: AccessRead, Permission: Bool(true)}})
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("false only deletes row that would become empty", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		expectSupported(mock, "document", "read")
		expectAnchor(mock, 42, "document", int64(7), 100)
		mock.ExpectExec(`DELETE FROM user_access_types`).
			WithArgs(int64(100), "read", false, nil, nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		n, err := store.Grant(ctx, key, []AccessTypeUpdate{{AccessType: AccessRead, Permission: Bool(false)}})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("false only updates remaining bits", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		expectSupported(mock, "document", "read")
		expectAnchor(mock, 42, "document", int64(7), 100)
		mock.ExpectExec(`DELETE FROM user_access_types`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`UPDATE user_access_types SET`).
			WithArgs(int64(100), "read", false, nil, nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		n, err := store.Grant(ctx, key, []AccessTypeUpdate{{AccessType: AccessRead, Permission: Bool(false)}})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("undeclared access type", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		expectSupported(mock, "document", "read")
		mock.ExpectRollback()

		_, err := store.Grant(ctx, key, []AccessTypeUpdate{{AccessType: AccessDelete, Permission: Bool(true)}})
		assert.ErrorIs(t, err, ErrInvalidArgument)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown resource", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		expectSupported(mock, "document")
		mock.ExpectRollback()

		_, err := store.Grant(ctx, key, []AccessTypeUpdate{{AccessType: AccessRead, Permission: Bool(true)}})
		assert.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failure rolls back", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		expectSupported(mock, "document", "read", "write")
		expectAnchor(mock, 42, "document", int64(7), 100)
		mock.ExpectExec(`INSERT INTO user_access_types`).
			WithArgs(int64(100), "read", true, nil, nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO user_access_types`).
			WithArgs(int64(100), "write", true, nil, nil).
			WillReturnError(fmt.Errorf("disk full"))
		mock.ExpectRollback()

		n, err := store.Grant(ctx, key, []AccessTypeUpdate{
			{AccessType: AccessRead, Permission: Bool(true)},
			{AccessType: AccessWrite, Permission: Bool(true)},
		})
		require.Error(t, err)
		assert.True(t, IsStoreError(err))
		assert.Equal(t, 0, n)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalidates cached decisions", func(t *testing.T) {
		cache := NewLRUCache(10, 0, nil)
		cache.Set(ctx, 0, 42, "document", InGroup(7), NewAccessTypeSet())
		cache.Set(ctx, 0, 43, "document", InGroup(7), NewAccessTypeSet())

		store, mock := newMockStore(t, WithCache(cache))
		mock.ExpectBegin()
		expectSupported(mock, "document", "read")
		expectAnchor(mock, 42, "document", int64(7), 100)
		mock.ExpectExec(`INSERT INTO user_access_types`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		_, err := store.Grant(ctx, key, []AccessTypeUpdate{{AccessType: AccessRead, Permission: Bool(true)}})
		require.NoError(t, err)

		_, ok := cache.Get(ctx, 42, "document", InGroup(7))
		assert.False(t, ok)
		_, ok = cache.Get(ctx, 43, "document", InGroup(7))
		assert.True(t, ok)
	})
}

func TestRevokeGroupScope(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM user_permissions WHERE user_id = \$1 AND group_id = \$2`).
		WithArgs(int64(42), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	n, err := store.RevokeGroupScope(context.Background(), 42, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListUserPermissions(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{
		"id", "resource_key", "group_id", "access_type", "permission", "set_permission", "set_set_permission",
	}).
		AddRow(1, "group", nil, "create", true, false, false).
		AddRow(2, "document", 7, "read", true, true, false).
		AddRow(2, "document", 7, "write", true, false, false).
		AddRow(3, "task", 7, nil, nil, nil, nil)

	mock.ExpectQuery(`FROM user_permissions up\s+LEFT JOIN user_access_types uat`).
		WithArgs(int64(42), int64(7)).
		WillReturnRows(rows)

	perms, err := store.ListUserPermissions(context.Background(), 42, InGroup(7))
	require.NoError(t, err)
	require.Len(t, perms, 3)

	assert.True(t, perms[0].Scope.IsGlobal())
	assert.Len(t, perms[0].AccessTypes, 1)

	assert.Equal(t, InGroup(7), perms[1].Scope)
	require.Len(t, perms[1].AccessTypes, 2)
	assert.Equal(t, BitPermission|BitSetPermission, perms[1].AccessTypes[0].Bits())

	assert.Empty(t, perms[2].AccessTypes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreErr(t *testing.T) {
	assert.Nil(t, storeErr("op", nil))

	err := storeErr("op", errors.New("boom"))
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "op", se.Op)
	assert.Equal(t, "store: op: boom", err.Error())
}

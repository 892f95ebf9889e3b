package rbac

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRoles_ReferenceDeclaredAccessTypes(t *testing.T) {
	declared := make(map[string]AccessTypeSet)
	for _, res := range DefaultResources {
		declared[res.Key] = NewAccessTypeSet(res.AccessTypes...)
	}

	for _, role := range DefaultRoles {
		for _, rp := range role.Permissions {
			supported, ok := declared[rp.ResourceKey]
			require.True(t, ok, "role %s references unknown resource %s", role.Key, rp.ResourceKey)
			for _, at := range rp.AccessTypes {
				assert.True(t, supported.Contains(at.AccessType), "role %s: %s does not support %s", role.Key, rp.ResourceKey, at.AccessType)
				assert.False(t, at.Bits().IsZero())
			}
		}
	}
}

func TestDefaultRoles_LifecycleKeys(t *testing.T) {
	keys := make([]string, len(DefaultRoles))
	for i, r := range DefaultRoles {
		keys[i] = r.Key
	}
	assert.ElementsMatch(t, []string{RoleCreatedGroup, RoleAddMember, RoleCreatedUser}, keys)
}

func expectResourceSeed(mock sqlmock.Sqlmock) {
	for _, res := range DefaultResources {
		mock.ExpectQuery(`INSERT INTO resources`).
			WithArgs(res.Key, res.DisplayName).
			WillReturnError(&pq.Error{Code: "23505"})
		for _, at := range res.AccessTypes {
			mock.ExpectExec(`INSERT INTO resource_access_types`).
				WithArgs(res.Key, string(at)).
				WillReturnResult(sqlmock.NewResult(0, 0))
		}
	}
}

func expectRoleInsert(mock sqlmock.Sqlmock, role DefaultRole) {
	mock.ExpectQuery(`INSERT INTO roles`).
		WithArgs(role.Key, role.Name).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(1, time.Now(), time.Now()))
}

func expectTemplateWrite(mock sqlmock.Sqlmock, rp RolePermission) {
	types := sqlmock.NewRows([]string{"access_type"})
	for _, res := range DefaultResources {
		if res.Key == rp.ResourceKey {
			for _, at := range res.AccessTypes {
				types.AddRow(string(at))
			}
		}
	}
	mock.ExpectQuery(`SELECT rat.access_type FROM resources r`).
		WithArgs(rp.ResourceKey).
		WillReturnRows(types)
	mock.ExpectQuery(`INSERT INTO role_permissions`).
		WithArgs(rp.RoleKey, rp.ResourceKey).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))
	for range rp.AccessTypes {
		mock.ExpectExec(`INSERT INTO role_access_types`).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec(`DELETE FROM role_access_types`).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestInitializeDefaults_ExistingRolesUntouched(t *testing.T) {
	store, mock := newMockStore(t)

	expectResourceSeed(mock)
	for _, role := range DefaultRoles {
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO roles`).
			WithArgs(role.Key, role.Name).
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()
	}

	require.NoError(t, store.InitializeDefaults(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInitializeDefaults_FailedTemplateIsReseeded(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)
	first := DefaultRoles[0]
	require.NotEmpty(t, first.Permissions)

	// The role row and its template fail together.
	expectResourceSeed(mock)
	mock.ExpectBegin()
	expectRoleInsert(mock, first)
	mock.ExpectQuery(`SELECT rat.access_type FROM resources r`).
		WillReturnError(fmt.Errorf("connection reset"))
	mock.ExpectRollback()

	err := store.InitializeDefaults(ctx)
	require.Error(t, err)
	assert.True(t, IsStoreError(err))
	require.NoError(t, mock.ExpectationsWereMet())

	// The next start finds no role and seeds it in full.
	expectResourceSeed(mock)
	for _, role := range DefaultRoles {
		mock.ExpectBegin()
		expectRoleInsert(mock, role)
		for _, rp := range role.Permissions {
			rp.RoleKey = role.Key
			expectTemplateWrite(mock, rp)
		}
		mock.ExpectCommit()
	}

	require.NoError(t, store.InitializeDefaults(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

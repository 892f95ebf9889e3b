//go:build integration

package groups

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/grantline/pkg/rbac"
	"github.com/platinummonkey/grantline/pkg/storage/postgres"
)

func setupLifecycle(t *testing.T) (*Service, *rbac.Store) {
	t.Helper()
	ctx := context.Background()

	db, cleanup := postgres.SetupTestDatabase(t,
		func(db *sql.DB) error { return rbac.RunMigrations(ctx, db, nil) },
		func(db *sql.DB) error { return RunMigrations(ctx, db, nil) },
	)
	t.Cleanup(cleanup)

	store := rbac.NewStore(db, rbac.WithCache(rbac.NewLRUCache(100, rbac.DefaultCacheTTL, nil)))
	require.NoError(t, store.InitializeDefaults(ctx))
	return NewService(db, store, nil), store
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestIntegration_GroupLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, store := setupLifecycle(t)

	owner, err := svc.RegisterUser(ctx, RegisterUserRequest{Username: uniqueName("owner")})
	require.NoError(t, err)
	member, err := svc.RegisterUser(ctx, RegisterUserRequest{Username: uniqueName("member")})
	require.NoError(t, err)

	held, err := store.HasPermission(ctx, owner.ID, "group", rbac.Global())
	require.NoError(t, err)
	assert.True(t, held.Contains(rbac.AccessCreate), "registered users may create groups")

	group, err := svc.CreateGroup(ctx, owner.ID, CreateGroupRequest{Name: "Team"})
	require.NoError(t, err)

	held, err = store.HasPermission(ctx, owner.ID, "member", rbac.InGroup(group.ID))
	require.NoError(t, err)
	assert.True(t, held.Contains(rbac.AccessCreate))

	// Prime the cache before the membership change.
	held, err = store.HasPermission(ctx, member.ID, "document", rbac.InGroup(group.ID))
	require.NoError(t, err)
	assert.Empty(t, held)

	_, err = svc.AddMember(ctx, group.ID, member.ID, owner.ID)
	require.NoError(t, err)

	held, err = store.HasPermission(ctx, member.ID, "document", rbac.InGroup(group.ID))
	require.NoError(t, err)
	assert.True(t, held.Contains(rbac.AccessRead))

	members, err := svc.ListMembers(ctx, group.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	require.NoError(t, svc.RemoveMember(ctx, group.ID, member.ID))

	held, err = store.HasPermission(ctx, member.ID, "document", rbac.InGroup(group.ID))
	require.NoError(t, err)
	assert.Empty(t, held)

	held, err = store.HasPermission(ctx, member.ID, "group", rbac.Global())
	require.NoError(t, err)
	assert.True(t, held.Contains(rbac.AccessCreate), "global grants survive leaving a group")
}

func TestIntegration_CreateGroupRollsBackWithoutRole(t *testing.T) {
	ctx := context.Background()
	svc, store := setupLifecycle(t)

	owner, err := svc.RegisterUser(ctx, RegisterUserRequest{Username: uniqueName("solo")})
	require.NoError(t, err)
	require.NoError(t, store.DeleteRole(ctx, rbac.RoleCreatedGroup))

	_, err = svc.CreateGroup(ctx, owner.ID, CreateGroupRequest{Name: "Orphan"})
	assert.ErrorIs(t, err, rbac.ErrNotFound)

	groups, err := svc.ListUserGroups(ctx, owner.ID)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

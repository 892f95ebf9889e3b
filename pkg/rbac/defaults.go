package rbac

import (
	"context"
	"errors"
	"fmt"
)

// DefaultResource is a built-in resource and the access types it supports
type DefaultResource struct {
	Key         string
	DisplayName string
	AccessTypes []AccessType
}

// DefaultRole is a built-in lifecycle role template
type DefaultRole struct {
	Key         string
	Name        string
	Permissions []RolePermission
}

var crud = []AccessType{AccessCreate, AccessRead, AccessWrite, AccessDelete}

// DefaultResources are the resources the service itself enforces against
var DefaultResources = []DefaultResource{
	{Key: "group", DisplayName: "Group", AccessTypes: crud},
	{Key: "member", DisplayName: "Group member", AccessTypes: []AccessType{AccessCreate, AccessRead, AccessDelete}},
	{Key: "document", DisplayName: "Document", AccessTypes: crud},
	{Key: "task", DisplayName: "Task", AccessTypes: crud},
	{Key: "role", DisplayName: "Role", AccessTypes: crud},
	{Key: "resource", DisplayName: "Resource", AccessTypes: []AccessType{AccessCreate, AccessRead}},
	{Key: "permission", DisplayName: "Permission", AccessTypes: []AccessType{AccessRead, AccessWrite}},
	{Key: "user", DisplayName: "User", AccessTypes: []AccessType{AccessRead, AccessWrite}},
}

func fullControl(types ...AccessType) []RoleAccessType {
	out := make([]RoleAccessType, len(types))
	for i, t := range types {
		out[i] = RoleAccessType{AccessType: t, Permission: true, SetPermission: true, SetSetPermission: true}
	}
	return out
}

func permissionOnly(types ...AccessType) []RoleAccessType {
	out := make([]RoleAccessType, len(types))
	for i, t := range types {
		out[i] = RoleAccessType{AccessType: t, Permission: true}
	}
	return out
}

// DefaultRoles are the templates applied by the group and user lifecycle
var DefaultRoles = []DefaultRole{
	{
		Key:  RoleCreatedGroup,
		Name: "Group owner",
		Permissions: []RolePermission{
			{ResourceKey: "group", AccessTypes: fullControl(AccessRead, AccessWrite, AccessDelete)},
			{ResourceKey: "member", AccessTypes: fullControl(AccessCreate, AccessRead, AccessDelete)},
			{ResourceKey: "document", AccessTypes: fullControl(crud...)},
			{ResourceKey: "task", AccessTypes: fullControl(crud...)},
		},
	},
	{
		Key:  RoleAddMember,
		Name: "Group member",
		Permissions: []RolePermission{
			{ResourceKey: "group", AccessTypes: permissionOnly(AccessRead)},
			{ResourceKey: "member", AccessTypes: permissionOnly(AccessRead)},
			{ResourceKey: "document", AccessTypes: permissionOnly(AccessCreate, AccessRead)},
			{ResourceKey: "task", AccessTypes: permissionOnly(AccessCreate, AccessRead, AccessWrite)},
		},
	},
	{
		Key:  RoleCreatedUser,
		Name: "Registered user",
		Permissions: []RolePermission{
			{ResourceKey: "group", AccessTypes: permissionOnly(AccessCreate)},
			{ResourceKey: "user", AccessTypes: permissionOnly(AccessRead)},
		},
	},
}

// InitializeDefaults registers the built-in resources and lifecycle roles.
// Existing resources gain any missing access types. Existing roles are left
// as they are so administrator edits survive restarts.
func (s *Store) InitializeDefaults(ctx context.Context) error {
	for _, res := range DefaultResources {
		if _, err := s.RegisterResource(ctx, res.Key, res.DisplayName); err != nil && !errors.Is(err, ErrConflict) {
			return fmt.Errorf("seed resource %q: %w", res.Key, err)
		}
		for _, t := range res.AccessTypes {
			if err := s.DeclareAccessType(ctx, res.Key, t); err != nil {
				return fmt.Errorf("seed access type %s on %q: %w", t, res.Key, err)
			}
		}
	}

	for _, role := range DefaultRoles {
		_, err := s.CreateRoleWithTemplate(ctx, role.Key, role.Name, role.Permissions)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("seed role %q: %w", role.Key, err)
		}
		s.logger.WithField("role", role.Key).Info("seeded default role")
	}
	return nil
}

// AdminResources are the resources that govern the engine itself
var AdminResources = []string{"resource", "role", "permission", "user"}

// GrantAdministrator gives userID full control, delegation included, over
// every admin resource in the global scope. It is the only way to obtain
// admin rights without already holding them.
func (s *Store) GrantAdministrator(ctx context.Context, userID int64) (int, error) {
	written := 0
	for _, res := range DefaultResources {
		if !isAdminResource(res.Key) {
			continue
		}
		updates := make([]AccessTypeUpdate, 0, len(res.AccessTypes))
		for _, t := range res.AccessTypes {
			updates = append(updates, AccessTypeUpdate{
				AccessType:       t,
				Permission:       Bool(true),
				SetPermission:    Bool(true),
				SetSetPermission: Bool(true),
			})
		}
		n, err := s.Grant(ctx, PermissionKey{UserID: userID, ResourceKey: res.Key, Scope: Global()}, updates)
		if err != nil {
			return written, fmt.Errorf("grant administrator on %q: %w", res.Key, err)
		}
		written += n
	}
	s.logger.WithField("user_id", userID).Info("granted administrator")
	return written, nil
}

func isAdminResource(key string) bool {
	for _, k := range AdminResources {
		if k == key {
			return true
		}
	}
	return false
}

// Package groups manages users, groups and group membership.
//
// Each lifecycle event seeds permissions through the rbac role templates in
// the same transaction as the entity write:
//
//	RegisterUser  -> created_user, global
//	CreateGroup   -> created_group, scoped to the new group
//	AddMember     -> add_member, scoped to the group
//	RemoveMember  -> every grant scoped to the group is revoked
//
// If seeding fails the entity write is rolled back with it. Groups may
// record a parent, but permissions never flow between parent and child.
package groups

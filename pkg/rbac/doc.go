// Package rbac provides the permission engine: the capability registry, the
// tri-bit permission store, delegation checks and role templates.
//
// # Overview
//
// A resource (for example "document") declares the access types it supports
// out of a fixed set: create, read, write, delete and other. A user holds
// grants on a resource either globally or scoped to one group. Each grant
// carries three independent bits per access type:
//
//	permission          - the user may perform the access type
//	set_permission      - the user may grant or revoke permission to others
//	set_set_permission  - the user may grant or revoke both delegation bits
//
// A row with all three bits false is never stored. An update that would
// leave a row all-false deletes it.
//
// # Scopes
//
// rbac.Global() and rbac.InGroup(id) are the two scope values. When a check
// names a group, global grants always apply. Whether grants scoped to some
// other group also apply depends on the store's ScopeMatch:
//
//	ScopeMatchExact     - only grants scoped to the queried group (default)
//	ScopeMatchAnyGroup  - any group-scoped grant on the resource
//
// # Checking and granting
//
//	store := rbac.NewStore(db, rbac.WithCache(rbac.NewLRUCache(0, 0, metrics)))
//
//	held, err := store.HasPermission(ctx, userID, "document", rbac.InGroup(7))
//	if held.Contains(rbac.AccessWrite) { ... }
//
//	target := rbac.PermissionKey{UserID: 42, ResourceKey: "document", Scope: rbac.InGroup(7)}
//	updates := []rbac.AccessTypeUpdate{{AccessType: rbac.AccessRead, Permission: rbac.Bool(true)}}
//	written, err := store.DelegatedGrant(ctx, requesterID, target, updates)
//	if errors.Is(err, rbac.ErrForbidden) { ... }
//
// DelegatedGrant checks and writes in one transaction. CanDelegateAll is
// the read-only form of the check.
//
// # Role templates
//
// A role is a named set of per-resource bit patterns. ApplyRole copies the
// pattern onto a user at a scope in one transaction. The lifecycle roles
// created_group, add_member and created_user are seeded by
// InitializeDefaults and applied by the groups package. ReapplyKeep leaves
// access type rows the user already has untouched; ReapplyRefresh
// overwrites them with the template.
//
// # Errors
//
// Operations return ErrNotFound, ErrConflict, ErrInvalidArgument or a
// *StoreError wrapping the database failure. ErrorStatuses maps the
// sentinels to HTTP status codes.
package rbac

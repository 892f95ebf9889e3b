package rbac

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/grantline/pkg/contextkeys"
	"github.com/platinummonkey/grantline/pkg/httputil"
	"github.com/platinummonkey/grantline/pkg/observability"
)

// Handlers provides HTTP handlers for the permission admin API
type Handlers struct {
	store *Store
}

// NewHandlers creates new permission handlers
func NewHandlers(store *Store) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes registers all permission admin routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Capability registry
	router.HandleFunc("/resources", h.RegisterResource).Methods("POST")
	router.HandleFunc("/resources", h.ListResources).Methods("GET")
	router.HandleFunc("/resources/{key}", h.GetResource).Methods("GET")
	router.HandleFunc("/resources/{key}/access-types", h.DeclareAccessType).Methods("POST")

	// Role templates
	router.HandleFunc("/roles", h.CreateRole).Methods("POST")
	router.HandleFunc("/roles", h.ListRoles).Methods("GET")
	router.HandleFunc("/roles/{key}", h.GetRole).Methods("GET")
	router.HandleFunc("/roles/{key}", h.UpdateRole).Methods("PUT")
	router.HandleFunc("/roles/{key}", h.DeleteRole).Methods("DELETE")
	router.HandleFunc("/roles/{key}/permissions", h.GetRoleTemplate).Methods("GET")
	router.HandleFunc("/roles/{key}/permissions/{resource}", h.SetRolePermission).Methods("PUT")
	router.HandleFunc("/roles/{key}/permissions/{resource}", h.RemoveRolePermission).Methods("DELETE")
	router.HandleFunc("/roles/{key}/apply", h.ApplyRole).Methods("POST")

	// User permissions
	router.HandleFunc("/users/{id}/permissions", h.ListUserPermissions).Methods("GET")
	router.HandleFunc("/users/{id}/permissions/{resource}", h.CheckPermission).Methods("GET")
	router.HandleFunc("/users/{id}/permissions/{resource}", h.Grant).Methods("POST")
	router.HandleFunc("/users/{id}/groups/{group_id}/permissions", h.RevokeGroupScope).Methods("DELETE")
}

// writeError maps err to a status code and logs anything that ends up a 500
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if IsStoreError(err) {
		observability.FromContext(r.Context()).WithError(err).Error("permission store failure")
	}
	httputil.WriteMappedError(w, err, ErrorStatuses)
}

// scopeFromQuery reads the optional group_id query parameter
func scopeFromQuery(w http.ResponseWriter, r *http.Request) (Scope, bool) {
	groupID, err := httputil.ParseQueryInt64Ptr(r, "group_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return Scope{}, false
	}
	if groupID != nil && !httputil.RequirePositive(w, *groupID, "group_id") {
		return Scope{}, false
	}
	return ScopeFromPtr(groupID), true
}

func pageFromQuery(w http.ResponseWriter, r *http.Request) (Page, bool) {
	page, limit, ok := httputil.ParsePagingOrError(w, r)
	if !ok {
		return Page{}, false
	}
	return Page{Page: page, Limit: limit}, true
}

// RegisterResource creates a resource and declares its access types
func (h *Handlers) RegisterResource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key         string   `json:"key"`
		DisplayName string   `json:"display_name"`
		AccessTypes []string `json:"access_types"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Key, "key") {
		return
	}

	types := make([]AccessType, 0, len(req.AccessTypes))
	for _, raw := range req.AccessTypes {
		t, err := ParseAccessType(raw)
		if err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		types = append(types, t)
	}

	res, err := h.store.RegisterResourceWithAccessTypes(r.Context(), req.Key, req.DisplayName, types)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, ResourceWithAccessTypes{Resource: *res, AccessTypes: types})
}

// ListResources lists resources, optionally with their access types
func (h *Handlers) ListResources(w http.ResponseWriter, r *http.Request) {
	page, ok := pageFromQuery(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("with_access_types") == "true" {
		result, err := h.store.ListResourcesWithAccessTypes(r.Context(), page)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		httputil.WriteSuccess(w, result)
		return
	}

	result, err := h.store.ListResources(r.Context(), page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// GetResource returns one resource with its supported access types
func (h *Handlers) GetResource(w http.ResponseWriter, r *http.Request) {
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}

	res, err := h.store.GetResource(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	types, err := h.store.SupportedAccessTypes(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, ResourceWithAccessTypes{Resource: *res, AccessTypes: types.Slice()})
}

// DeclareAccessType adds a supported access type to a resource
func (h *Handlers) DeclareAccessType(w http.ResponseWriter, r *http.Request) {
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}
	var req struct {
		AccessType string `json:"access_type"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	accessType, err := ParseAccessType(req.AccessType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.store.DeclareAccessType(r.Context(), key, accessType); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// CreateRole creates a role template
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key  string `json:"value_key"`
		Name string `json:"name"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Key, "value_key") {
		return
	}

	role, err := h.store.CreateRole(r.Context(), req.Key, req.Name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, role)
}

// ListRoles lists roles
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	page, ok := pageFromQuery(w, r)
	if !ok {
		return
	}
	result, err := h.store.ListRoles(r.Context(), page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// GetRole retrieves a specific role
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}
	role, err := h.store.GetRole(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// UpdateRole renames a role
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Name, "name") {
		return
	}

	role, err := h.store.UpdateRole(r.Context(), key, req.Name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// DeleteRole deletes a role template
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}
	if err := h.store.DeleteRole(r.Context(), key); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GetRoleTemplate returns the role's per-resource bit patterns
func (h *Handlers) GetRoleTemplate(w http.ResponseWriter, r *http.Request) {
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}
	template, err := h.store.GetRoleTemplate(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, template)
}

// SetRolePermission replaces the role's bit pattern for one resource
func (h *Handlers) SetRolePermission(w http.ResponseWriter, r *http.Request) {
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}
	resource, ok := httputil.ParsePathStringOrError(w, r, "resource")
	if !ok {
		return
	}
	var req struct {
		AccessTypes []RoleAccessType `json:"access_types"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	rp, err := h.store.SetRolePermission(r.Context(), key, resource, req.AccessTypes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, rp)
}

// RemoveRolePermission drops the role's grant for one resource
func (h *Handlers) RemoveRolePermission(w http.ResponseWriter, r *http.Request) {
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}
	resource, ok := httputil.ParsePathStringOrError(w, r, "resource")
	if !ok {
		return
	}
	if err := h.store.RemoveRolePermission(r.Context(), key, resource); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ApplyRole seeds a role onto a user at an optional group scope
func (h *Handlers) ApplyRole(w http.ResponseWriter, r *http.Request) {
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}
	var req struct {
		UserID  int64  `json:"user_id"`
		GroupID *int64 `json:"group_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequirePositive(w, req.UserID, "user_id") {
		return
	}
	if req.GroupID != nil && !httputil.RequirePositive(w, *req.GroupID, "group_id") {
		return
	}

	written, err := h.store.ApplyRole(r.Context(), key, req.UserID, ScopeFromPtr(req.GroupID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]int{"updated": written})
}

// ListUserPermissions lists a user's anchors and bits
func (h *Handlers) ListUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	scope, ok := scopeFromQuery(w, r)
	if !ok {
		return
	}

	perms, err := h.store.ListUserPermissions(r.Context(), userID, scope)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if perms == nil {
		perms = []UserPermission{}
	}
	httputil.WriteSuccess(w, perms)
}

// CheckPermission returns the access types the user holds on a resource
func (h *Handlers) CheckPermission(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	resource, ok := httputil.ParsePathStringOrError(w, r, "resource")
	if !ok {
		return
	}
	scope, ok := scopeFromQuery(w, r)
	if !ok {
		return
	}

	held, err := h.store.HasPermission(r.Context(), userID, resource, scope)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"user_id":      userID,
		"resource":     resource,
		"group_id":     scope,
		"access_types": held,
	})
}

// Grant applies bit updates to a user's permission on a resource. The caller
// must be able to delegate every update.
func (h *Handlers) Grant(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := contextkeys.GetUserID(r.Context())
	if !ok {
		httputil.WritePreconditionFailed(w, "authenticated identity required")
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	resource, ok := httputil.ParsePathStringOrError(w, r, "resource")
	if !ok {
		return
	}
	var req struct {
		GroupID *int64             `json:"group_id"`
		Updates []AccessTypeUpdate `json:"updates"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.GroupID != nil && !httputil.RequirePositive(w, *req.GroupID, "group_id") {
		return
	}

	ctx := r.Context()
	key := PermissionKey{UserID: userID, ResourceKey: resource, Scope: ScopeFromPtr(req.GroupID)}

	written, err := h.store.DelegatedGrant(ctx, requesterID, key, req.Updates)
	if errors.Is(err, ErrForbidden) {
		observability.FromContext(ctx).WithFields(map[string]interface{}{
			"target_user": userID,
			"resource":    resource,
			"scope":       key.Scope.String(),
		}).Info("grant denied")
		httputil.WriteForbidden(w, "insufficient delegation rights")
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]int{"updated": written})
}

// RevokeGroupScope removes every grant the user holds in one group
func (h *Handlers) RevokeGroupScope(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	groupID, ok := httputil.ParsePathInt64OrError(w, r, "group_id")
	if !ok {
		return
	}

	removed, err := h.store.RevokeGroupScope(r.Context(), userID, groupID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]int{"removed": removed})
}

package groups

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/grantline/pkg/contextkeys"
	"github.com/platinummonkey/grantline/pkg/httputil"
	"github.com/platinummonkey/grantline/pkg/observability"
	"github.com/platinummonkey/grantline/pkg/rbac"
)

// TokenIssuer signs access tokens for newly registered users
type TokenIssuer interface {
	SignToken(userID int64) (string, error)
}

// Handlers provides HTTP handlers for users, groups and membership
type Handlers struct {
	service *Service
	tokens  TokenIssuer
}

// NewHandlers creates new group handlers. tokens may be nil, in which case
// registration does not return a token.
func NewHandlers(service *Service, tokens TokenIssuer) *Handlers {
	return &Handlers{service: service, tokens: tokens}
}

// RegisterPublicRoutes registers routes that run without an identity
func (h *Handlers) RegisterPublicRoutes(router *mux.Router) {
	router.HandleFunc("/register", h.RegisterUser).Methods("POST")
}

// RegisterRoutes registers the identity-protected routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/users/{id}", h.GetUser).Methods("GET")
	router.HandleFunc("/users/{id}/groups", h.ListUserGroups).Methods("GET")

	router.HandleFunc("/groups", h.CreateGroup).Methods("POST")
	router.HandleFunc("/groups/{group_id}", h.GetGroup).Methods("GET")
	router.HandleFunc("/groups/{group_id}/members", h.ListMembers).Methods("GET")
	router.HandleFunc("/groups/{group_id}/members", h.AddMember).Methods("POST")
	router.HandleFunc("/groups/{group_id}/members/{user_id}", h.RemoveMember).Methods("DELETE")
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if rbac.IsStoreError(err) {
		observability.FromContext(r.Context()).WithError(err).Error("group store failure")
	}
	httputil.WriteMappedError(w, err, rbac.ErrorStatuses)
}

func requireCaller(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := contextkeys.GetUserID(r.Context())
	if !ok {
		httputil.WritePreconditionFailed(w, "no identity in request context")
		return 0, false
	}
	return userID, true
}

// RegisterUser handles POST /register
func (h *Handlers) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterUserRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Username, "username") {
		return
	}

	user, err := h.service.RegisterUser(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := struct {
		User  *User  `json:"user"`
		Token string `json:"token,omitempty"`
	}{User: user}

	if h.tokens != nil {
		token, err := h.tokens.SignToken(user.ID)
		if err != nil {
			observability.FromContext(r.Context()).WithError(err).Error("failed to sign token")
			httputil.WriteInternalError(w)
			return
		}
		resp.Token = token
	}

	httputil.WriteCreated(w, resp)
}

// GetUser handles GET /users/{id}
func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, user)
}

// ListUserGroups handles GET /users/{id}/groups
func (h *Handlers) ListUserGroups(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	groups, err := h.service.ListUserGroups(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, groups)
}

// CreateGroup handles POST /groups. The caller becomes the group owner.
func (h *Handlers) CreateGroup(w http.ResponseWriter, r *http.Request) {
	callerID, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req CreateGroupRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Name, "name") {
		return
	}

	group, err := h.service.CreateGroup(r.Context(), callerID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, group)
}

// GetGroup handles GET /groups/{group_id}
func (h *Handlers) GetGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathInt64OrError(w, r, "group_id")
	if !ok {
		return
	}
	group, err := h.service.GetGroup(r.Context(), groupID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, group)
}

// ListMembers handles GET /groups/{group_id}/members
func (h *Handlers) ListMembers(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathInt64OrError(w, r, "group_id")
	if !ok {
		return
	}
	members, err := h.service.ListMembers(r.Context(), groupID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, members)
}

// AddMember handles POST /groups/{group_id}/members
func (h *Handlers) AddMember(w http.ResponseWriter, r *http.Request) {
	callerID, ok := requireCaller(w, r)
	if !ok {
		return
	}
	groupID, ok := httputil.ParsePathInt64OrError(w, r, "group_id")
	if !ok {
		return
	}

	var req struct {
		UserID int64 `json:"user_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequirePositive(w, req.UserID, "user_id") {
		return
	}

	member, err := h.service.AddMember(r.Context(), groupID, req.UserID, callerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, member)
}

// RemoveMember handles DELETE /groups/{group_id}/members/{user_id}
func (h *Handlers) RemoveMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathInt64OrError(w, r, "group_id")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}

	if err := h.service.RemoveMember(r.Context(), groupID, userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

package groups

import "time"

// User is a registered account
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Group is a tenant boundary that permissions can be scoped to
type Group struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// ParentID is recorded for callers that organize groups in a tree.
	// Permission checks never look at it.
	ParentID  *int64    `json:"parent_id,omitempty"`
	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Member is a user's membership in a group
type Member struct {
	GroupID  int64     `json:"group_id"`
	UserID   int64     `json:"user_id"`
	Username string    `json:"username,omitempty"`
	AddedBy  *int64    `json:"added_by,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
}

// RegisterUserRequest is the input to RegisterUser
type RegisterUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// CreateGroupRequest is the input to CreateGroup
type CreateGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ParentID    *int64 `json:"parent_id,omitempty"`
}

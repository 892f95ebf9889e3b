package rbac

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// AccessType represents a capability kind that can be granted on a resource
type AccessType string

const (
	AccessCreate AccessType = "create"
	AccessRead   AccessType = "read"
	AccessWrite  AccessType = "write"
	AccessDelete AccessType = "delete"
	// AccessOther is the catch-all for capabilities that do not fit the CRUD set
	AccessOther AccessType = "other"
)

// AllAccessTypes returns every known access type in declaration order
func AllAccessTypes() []AccessType {
	return []AccessType{AccessCreate, AccessRead, AccessWrite, AccessDelete, AccessOther}
}

// Valid reports whether the access type is one of the known kinds
func (a AccessType) Valid() bool {
	switch a {
	case AccessCreate, AccessRead, AccessWrite, AccessDelete, AccessOther:
		return true
	}
	return false
}

// ParseAccessType parses a case-insensitive access type name
func ParseAccessType(s string) (AccessType, error) {
	a := AccessType(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("%w: unknown access type %q", ErrInvalidArgument, s)
	}
	return a, nil
}

// AccessTypeSet is an unordered set of access types
type AccessTypeSet map[AccessType]struct{}

// NewAccessTypeSet creates a set holding the given access types
func NewAccessTypeSet(types ...AccessType) AccessTypeSet {
	s := make(AccessTypeSet, len(types))
	for _, t := range types {
		s[t] = struct{}{}
	}
	return s
}

// Add inserts an access type into the set
func (s AccessTypeSet) Add(t AccessType) {
	s[t] = struct{}{}
}

// Contains reports whether t is in the set
func (s AccessTypeSet) Contains(t AccessType) bool {
	_, ok := s[t]
	return ok
}

// ContainsAll reports whether s is a superset of required.
// An empty requirement is always satisfied.
func (s AccessTypeSet) ContainsAll(required AccessTypeSet) bool {
	for t := range required {
		if !s.Contains(t) {
			return false
		}
	}
	return true
}

// Slice returns the members sorted by name
func (s AccessTypeSet) Slice() []AccessType {
	out := make([]AccessType, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted members as plain strings
func (s AccessTypeSet) Strings() []string {
	types := s.Slice()
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

// MarshalJSON encodes the set as a sorted JSON array
func (s AccessTypeSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

// UnmarshalJSON decodes a JSON array of access type names
func (s *AccessTypeSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	set := make(AccessTypeSet, len(names))
	for _, name := range names {
		t, err := ParseAccessType(name)
		if err != nil {
			return err
		}
		set.Add(t)
	}
	*s = set
	return nil
}

// AccessBits holds the three orthogonal capabilities a user can hold for
// one access type: the permission itself and the two delegation levels.
type AccessBits uint8

const (
	// BitPermission means the user holds the access type
	BitPermission AccessBits = 1 << iota
	// BitSetPermission means the user may grant BitPermission to others
	BitSetPermission
	// BitSetSetPermission means the user may grant BitSetPermission and BitSetSetPermission
	BitSetSetPermission
)

// BitsOf packs the three boolean columns into AccessBits
func BitsOf(permission, setPermission, setSetPermission bool) AccessBits {
	var b AccessBits
	if permission {
		b |= BitPermission
	}
	if setPermission {
		b |= BitSetPermission
	}
	if setSetPermission {
		b |= BitSetSetPermission
	}
	return b
}

// Has reports whether every bit in flag is set
func (b AccessBits) Has(flag AccessBits) bool {
	return b&flag == flag
}

// IsZero reports whether no bit is set
func (b AccessBits) IsZero() bool {
	return b == 0
}

func (b AccessBits) String() string {
	if b == 0 {
		return "none"
	}
	var parts []string
	if b.Has(BitPermission) {
		parts = append(parts, "permission")
	}
	if b.Has(BitSetPermission) {
		parts = append(parts, "set_permission")
	}
	if b.Has(BitSetSetPermission) {
		parts = append(parts, "set_set_permission")
	}
	return strings.Join(parts, "|")
}

// Scope is either global or bound to exactly one group
type Scope struct {
	groupID int64
	scoped  bool
}

// Global returns the scope that applies everywhere
func Global() Scope {
	return Scope{}
}

// InGroup returns the scope bound to the given group
func InGroup(groupID int64) Scope {
	return Scope{groupID: groupID, scoped: true}
}

// ScopeFromPtr converts an optional group id into a Scope
func ScopeFromPtr(groupID *int64) Scope {
	if groupID == nil {
		return Global()
	}
	return InGroup(*groupID)
}

// GroupID returns the group the scope is bound to, if any
func (s Scope) GroupID() (int64, bool) {
	return s.groupID, s.scoped
}

// IsGlobal reports whether the scope is global
func (s Scope) IsGlobal() bool {
	return !s.scoped
}

// Ptr returns the group id as a pointer, nil for global scope
func (s Scope) Ptr() *int64 {
	if !s.scoped {
		return nil
	}
	id := s.groupID
	return &id
}

func (s Scope) String() string {
	if !s.scoped {
		return "global"
	}
	return "group:" + strconv.FormatInt(s.groupID, 10)
}

// nullable returns the scope as a query argument
func (s Scope) nullable() sql.NullInt64 {
	return sql.NullInt64{Int64: s.groupID, Valid: s.scoped}
}

// scopeFromNull converts a scanned group_id column into a Scope
func scopeFromNull(n sql.NullInt64) Scope {
	if !n.Valid {
		return Global()
	}
	return InGroup(n.Int64)
}

// MarshalJSON encodes the scope as its group id, or null when global
func (s Scope) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Ptr())
}

// UnmarshalJSON decodes a group id or null
func (s *Scope) UnmarshalJSON(data []byte) error {
	var id *int64
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	*s = ScopeFromPtr(id)
	return nil
}

// Resource represents a named thing capabilities are granted against
type Resource struct {
	ID          int64     `json:"id"`
	Key         string    `json:"key"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// ResourceWithAccessTypes is a resource together with the access types it supports
type ResourceWithAccessTypes struct {
	Resource
	AccessTypes []AccessType `json:"access_types"`
}

// Page selects a window of a listing. Page is 1-based.
type Page struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

func (p Page) normalized() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	return p
}

func (p Page) offset() int {
	return (p.Page - 1) * p.Limit
}

// PageResult is one page of a listing plus the total number of items
type PageResult[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
}

// PermissionKey identifies a user permission anchor
type PermissionKey struct {
	UserID      int64  `json:"user_id"`
	ResourceKey string `json:"resource"`
	Scope       Scope  `json:"group_id"`
}

// UserPermission is the anchor row for a user's grants on one resource in one scope
type UserPermission struct {
	ID          int64            `json:"id"`
	UserID      int64            `json:"user_id"`
	ResourceKey string           `json:"resource"`
	Scope       Scope            `json:"group_id"`
	AccessTypes []UserAccessType `json:"access_types"`
}

// UserAccessType holds the three bits granted for one access type
type UserAccessType struct {
	UserPermissionID int64      `json:"-"`
	AccessType       AccessType `json:"access_type"`
	Permission       bool       `json:"permission"`
	SetPermission    bool       `json:"set_permission"`
	SetSetPermission bool       `json:"set_set_permission"`
}

// Bits returns the row's bits packed as AccessBits
func (u UserAccessType) Bits() AccessBits {
	return BitsOf(u.Permission, u.SetPermission, u.SetSetPermission)
}

// AccessTypeUpdate changes the bits for one access type. A nil field is
// left untouched.
type AccessTypeUpdate struct {
	AccessType       AccessType `json:"access_type"`
	Permission       *bool      `json:"permission,omitempty"`
	SetPermission    *bool      `json:"set_permission,omitempty"`
	SetSetPermission *bool      `json:"set_set_permission,omitempty"`
}

// IsVacuous reports whether the update specifies no field at all
func (u AccessTypeUpdate) IsVacuous() bool {
	return u.Permission == nil && u.SetPermission == nil && u.SetSetPermission == nil
}

// anyTrue reports whether at least one supplied field is true
func (u AccessTypeUpdate) anyTrue() bool {
	return isTrue(u.Permission) || isTrue(u.SetPermission) || isTrue(u.SetSetPermission)
}

func isTrue(b *bool) bool {
	return b != nil && *b
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

// Bool returns a pointer to v, for building AccessTypeUpdate literals
func Bool(v bool) *bool {
	return &v
}

// nonVacuous filters out updates that specify nothing
func nonVacuous(updates []AccessTypeUpdate) []AccessTypeUpdate {
	out := make([]AccessTypeUpdate, 0, len(updates))
	for _, u := range updates {
		if !u.IsVacuous() {
			out = append(out, u)
		}
	}
	return out
}

// Role is a named bundle of default grants applied on lifecycle events
type Role struct {
	ID        int64     `json:"id"`
	Key       string    `json:"value_key"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Lifecycle role keys
const (
	RoleCreatedGroup = "created_group"
	RoleAddMember    = "add_member"
	RoleCreatedUser  = "created_user"
)

// RolePermission is a role's grant pattern for one resource
type RolePermission struct {
	ID          int64            `json:"id"`
	RoleKey     string           `json:"role"`
	ResourceKey string           `json:"resource"`
	AccessTypes []RoleAccessType `json:"access_types"`
}

// RoleAccessType is the bit pattern copied into a UserAccessType when the role is applied
type RoleAccessType struct {
	AccessType       AccessType `json:"access_type"`
	Permission       bool       `json:"permission"`
	SetPermission    bool       `json:"set_permission"`
	SetSetPermission bool       `json:"set_set_permission"`
}

// Bits returns the row's bits packed as AccessBits
func (r RoleAccessType) Bits() AccessBits {
	return BitsOf(r.Permission, r.SetPermission, r.SetSetPermission)
}

package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/grantline/pkg/observability"
)

// ReapplyPolicy decides what applying a role does to access type rows the
// user already has
type ReapplyPolicy int

const (
	// ReapplyKeep leaves existing rows untouched, so re-applying an edited
	// role does not change users who already received it
	ReapplyKeep ReapplyPolicy = iota
	// ReapplyRefresh overwrites existing rows with the template's bits
	ReapplyRefresh
)

// ParseReapplyPolicy parses "keep" or "refresh"
func ParseReapplyPolicy(s string) (ReapplyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "keep":
		return ReapplyKeep, nil
	case "refresh":
		return ReapplyRefresh, nil
	}
	return ReapplyKeep, fmt.Errorf("%w: unknown role reapply policy %q", ErrInvalidArgument, s)
}

func (p ReapplyPolicy) String() string {
	if p == ReapplyRefresh {
		return "refresh"
	}
	return "keep"
}

// PlannedAccess is one access type row a role application writes
type PlannedAccess struct {
	AccessType AccessType
	Bits       AccessBits
}

// PlannedGrant is the set of rows a role application writes for one resource
type PlannedGrant struct {
	ResourceKey string
	AccessTypes []PlannedAccess
}

// RolePlan is the ordered list of writes applying a role performs
type RolePlan struct {
	RoleKey string
	Grants  []PlannedGrant
}

// CreateRole creates a role template
func (s *Store) CreateRole(ctx context.Context, key, name string) (*Role, error) {
	return createRole(ctx, s.db, key, name)
}

// CreateRoleWithTemplate creates a role and its whole template in one
// transaction, so a failure leaves no partial role behind
func (s *Store) CreateRoleWithTemplate(ctx context.Context, key, name string, permissions []RolePermission) (*Role, error) {
	for _, rp := range permissions {
		if err := checkRoleAccessTypes(rp.AccessTypes); err != nil {
			return nil, err
		}
	}

	var role *Role
	err := RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		if role, err = createRole(ctx, tx, key, name); err != nil {
			return err
		}
		for _, rp := range permissions {
			if _, err := setRolePermission(ctx, tx, role.Key, rp.ResourceKey, rp.AccessTypes); err != nil {
				return fmt.Errorf("role %q on %q: %w", role.Key, rp.ResourceKey, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

func createRole(ctx context.Context, q DBTX, key, name string) (*Role, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: role key is required", ErrInvalidArgument)
	}
	if name == "" {
		name = key
	}

	query := `
		INSERT INTO roles (value_key, name)
		VALUES ($1, $2)
		RETURNING id, created_at, updated_at
	`

	role := &Role{Key: key, Name: name}
	if err := q.QueryRowContext(ctx, query, key, name).Scan(&role.ID, &role.CreatedAt, &role.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("role %q: %w", key, ErrConflict)
		}
		return nil, storeErr("create role", err)
	}
	return role, nil
}

// GetRole retrieves a role by key
func (s *Store) GetRole(ctx context.Context, key string) (*Role, error) {
	query := `SELECT id, value_key, name, created_at, updated_at FROM roles WHERE value_key = $1`

	var role Role
	err := s.reader.QueryRowContext(ctx, query, key).Scan(&role.ID, &role.Key, &role.Name, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get role", err)
	}
	return &role, nil
}

// ListRoles returns a page of roles in creation order
func (s *Store) ListRoles(ctx context.Context, page Page) (*PageResult[Role], error) {
	page = page.normalized()

	var total int64
	if err := s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM roles`).Scan(&total); err != nil {
		return nil, storeErr("count roles", err)
	}

	query := `
		SELECT id, value_key, name, created_at, updated_at
		FROM roles
		ORDER BY id ASC
		LIMIT $1 OFFSET $2
	`

	rows, err := s.reader.QueryContext(ctx, query, page.Limit, page.offset())
	if err != nil {
		return nil, storeErr("list roles", err)
	}
	defer rows.Close()

	items := []Role{}
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Key, &role.Name, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, storeErr("scan role", err)
		}
		items = append(items, role)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate roles", err)
	}

	return &PageResult[Role]{Items: items, Total: total, Page: page.Page, Limit: page.Limit}, nil
}

// UpdateRole renames a role
func (s *Store) UpdateRole(ctx context.Context, key, name string) (*Role, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidArgument)
	}

	query := `
		UPDATE roles SET name = $2, updated_at = NOW()
		WHERE value_key = $1
		RETURNING id, value_key, name, created_at, updated_at
	`

	var role Role
	err := s.db.QueryRowContext(ctx, query, key, name).Scan(&role.ID, &role.Key, &role.Name, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("update role", err)
	}
	return &role, nil
}

// DeleteRole deletes a role and its template. Grants already applied to
// users are kept.
func (s *Store) DeleteRole(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM roles WHERE value_key = $1`, key)
	if err != nil {
		return storeErr("delete role", err)
	}
	n, err := rowsAffected(res, "delete role")
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("role %q: %w", key, ErrNotFound)
	}
	return nil
}

// SetRolePermission replaces the role's bit pattern for one resource
func (s *Store) SetRolePermission(ctx context.Context, roleKey, resourceKey string, accessTypes []RoleAccessType) (*RolePermission, error) {
	if err := checkRoleAccessTypes(accessTypes); err != nil {
		return nil, err
	}

	var rp *RolePermission
	err := RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := requireRole(ctx, tx, roleKey); err != nil {
			return err
		}
		var err error
		rp, err = setRolePermission(ctx, tx, roleKey, resourceKey, accessTypes)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rp, nil
}

// checkRoleAccessTypes rejects empty templates, all-false rows and duplicates
func checkRoleAccessTypes(accessTypes []RoleAccessType) error {
	if len(accessTypes) == 0 {
		return fmt.Errorf("%w: at least one access type is required", ErrInvalidArgument)
	}
	seen := make(map[AccessType]bool, len(accessTypes))
	for _, at := range accessTypes {
		if at.Bits().IsZero() {
			return fmt.Errorf("%w: access type %q has no bit set", ErrInvalidArgument, at.AccessType)
		}
		if seen[at.AccessType] {
			return fmt.Errorf("%w: access type %q listed twice", ErrInvalidArgument, at.AccessType)
		}
		seen[at.AccessType] = true
	}
	return nil
}

// setRolePermission writes one resource's template rows. The caller owns the
// transaction and has checked the role exists.
func setRolePermission(ctx context.Context, tx DBTX, roleKey, resourceKey string, accessTypes []RoleAccessType) (*RolePermission, error) {
	types := make([]AccessType, len(accessTypes))
	for i, at := range accessTypes {
		types[i] = at.AccessType
	}
	if err := validateDeclared(ctx, tx, resourceKey, types); err != nil {
		return nil, err
	}

	rp := &RolePermission{RoleKey: roleKey, ResourceKey: resourceKey, AccessTypes: accessTypes}

	anchorQuery := `
		INSERT INTO role_permissions (role_key, resource_key)
		VALUES ($1, $2)
		ON CONFLICT (role_key, resource_key) DO UPDATE SET role_key = EXCLUDED.role_key
		RETURNING id
	`
	if err := tx.QueryRowContext(ctx, anchorQuery, roleKey, resourceKey).Scan(&rp.ID); err != nil {
		return nil, storeErr("upsert role permission", err)
	}

	upsertQuery := `
		INSERT INTO role_access_types (role_permission_id, access_type, permission, set_permission, set_set_permission)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (role_permission_id, access_type) DO UPDATE SET
			permission = EXCLUDED.permission,
			set_permission = EXCLUDED.set_permission,
			set_set_permission = EXCLUDED.set_set_permission
	`
	names := make([]string, len(accessTypes))
	for i, at := range accessTypes {
		names[i] = string(at.AccessType)
		if _, err := tx.ExecContext(ctx, upsertQuery, rp.ID, names[i], at.Permission, at.SetPermission, at.SetSetPermission); err != nil {
			return nil, storeErr("upsert role access type", err)
		}
	}

	pruneQuery := `DELETE FROM role_access_types WHERE role_permission_id = $1 AND access_type <> ALL($2)`
	if _, err := tx.ExecContext(ctx, pruneQuery, rp.ID, pq.Array(names)); err != nil {
		return nil, storeErr("prune role access types", err)
	}
	return rp, nil
}

// RemoveRolePermission drops the role's grant for one resource
func (s *Store) RemoveRolePermission(ctx context.Context, roleKey, resourceKey string) error {
	query := `DELETE FROM role_permissions WHERE role_key = $1 AND resource_key = $2`

	res, err := s.db.ExecContext(ctx, query, roleKey, resourceKey)
	if err != nil {
		return storeErr("remove role permission", err)
	}
	n, err := rowsAffected(res, "remove role permission")
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("role %q permission on %q: %w", roleKey, resourceKey, ErrNotFound)
	}
	return nil
}

// GetRoleTemplate returns every resource grant the role carries
func (s *Store) GetRoleTemplate(ctx context.Context, roleKey string) ([]RolePermission, error) {
	plan, err := planRole(ctx, s.reader, roleKey)
	if err != nil {
		return nil, err
	}

	out := make([]RolePermission, 0, len(plan.Grants))
	for _, g := range plan.Grants {
		rp := RolePermission{RoleKey: roleKey, ResourceKey: g.ResourceKey, AccessTypes: make([]RoleAccessType, 0, len(g.AccessTypes))}
		for _, a := range g.AccessTypes {
			rp.AccessTypes = append(rp.AccessTypes, RoleAccessType{
				AccessType:       a.AccessType,
				Permission:       a.Bits.Has(BitPermission),
				SetPermission:    a.Bits.Has(BitSetPermission),
				SetSetPermission: a.Bits.Has(BitSetSetPermission),
			})
		}
		out = append(out, rp)
	}
	return out, nil
}

// PlanRole reads the role template into the writes applying it would perform
func (s *Store) PlanRole(ctx context.Context, roleKey string) (*RolePlan, error) {
	return planRole(ctx, s.reader, roleKey)
}

func requireRole(ctx context.Context, q DBTX, roleKey string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM roles WHERE value_key = $1`, roleKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("role %q: %w", roleKey, ErrNotFound)
	}
	if err != nil {
		return storeErr("get role", err)
	}
	return nil
}

func planRole(ctx context.Context, q DBTX, roleKey string) (*RolePlan, error) {
	query := `
		SELECT rp.resource_key, rat.access_type, rat.permission, rat.set_permission, rat.set_set_permission
		FROM roles r
		LEFT JOIN role_permissions rp ON rp.role_key = r.value_key
		LEFT JOIN role_access_types rat ON rat.role_permission_id = rp.id
		WHERE r.value_key = $1
		ORDER BY rp.id, rat.access_type
	`

	rows, err := q.QueryContext(ctx, query, roleKey)
	if err != nil {
		return nil, storeErr("query role template", err)
	}
	defer rows.Close()

	found := false
	plan := &RolePlan{RoleKey: roleKey}
	for rows.Next() {
		found = true
		var (
			resourceKey, accessType sql.NullString
			p, sp, ssp              sql.NullBool
		)
		if err := rows.Scan(&resourceKey, &accessType, &p, &sp, &ssp); err != nil {
			return nil, storeErr("scan role template", err)
		}
		if !resourceKey.Valid {
			continue
		}

		if n := len(plan.Grants); n == 0 || plan.Grants[n-1].ResourceKey != resourceKey.String {
			plan.Grants = append(plan.Grants, PlannedGrant{ResourceKey: resourceKey.String})
		}
		if accessType.Valid {
			bits := BitsOf(p.Bool, sp.Bool, ssp.Bool)
			if bits.IsZero() {
				continue
			}
			g := &plan.Grants[len(plan.Grants)-1]
			g.AccessTypes = append(g.AccessTypes, PlannedAccess{AccessType: AccessType(accessType.String), Bits: bits})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate role template", err)
	}
	if !found {
		return nil, fmt.Errorf("role %q: %w", roleKey, ErrNotFound)
	}
	return plan, nil
}

// execute writes the plan for the user at scope and returns the number of
// access type rows written
func (p *RolePlan) execute(ctx context.Context, tx DBTX, userID int64, scope Scope, policy ReapplyPolicy) (int, error) {
	onConflict := `DO NOTHING`
	if policy == ReapplyRefresh {
		onConflict = `DO UPDATE SET
				permission = EXCLUDED.permission,
				set_permission = EXCLUDED.set_permission,
				set_set_permission = EXCLUDED.set_set_permission
			WHERE (user_access_types.permission, user_access_types.set_permission, user_access_types.set_set_permission)
				IS DISTINCT FROM (EXCLUDED.permission, EXCLUDED.set_permission, EXCLUDED.set_set_permission)`
	}

	query := `
		INSERT INTO user_access_types (user_permission_id, access_type, permission, set_permission, set_set_permission)
		SELECT $1, t.access_type, t.permission, t.set_permission, t.set_set_permission
		FROM UNNEST($2::TEXT[], $3::BOOLEAN[], $4::BOOLEAN[], $5::BOOLEAN[])
			AS t(access_type, permission, set_permission, set_set_permission)
		ON CONFLICT (user_permission_id, access_type) ` + onConflict

	written := 0
	for _, g := range p.Grants {
		if len(g.AccessTypes) == 0 {
			continue
		}

		anchorID, err := upsertAnchor(ctx, tx, userID, g.ResourceKey, scope)
		if err != nil {
			return 0, err
		}

		names := make([]string, len(g.AccessTypes))
		perm := make([]bool, len(g.AccessTypes))
		setPerm := make([]bool, len(g.AccessTypes))
		setSetPerm := make([]bool, len(g.AccessTypes))
		for i, a := range g.AccessTypes {
			names[i] = string(a.AccessType)
			perm[i] = a.Bits.Has(BitPermission)
			setPerm[i] = a.Bits.Has(BitSetPermission)
			setSetPerm[i] = a.Bits.Has(BitSetSetPermission)
		}

		res, err := tx.ExecContext(ctx, query, anchorID, pq.Array(names), pq.Array(perm), pq.Array(setPerm), pq.Array(setSetPerm))
		if err != nil {
			return 0, storeErr("apply role access types", err)
		}
		n, err := rowsAffected(res, "apply role access types")
		if err != nil {
			return 0, err
		}
		written += n
	}
	return written, nil
}

// ApplyRole seeds the role's template onto the user at scope in one
// transaction and returns the number of access type rows written
func (s *Store) ApplyRole(ctx context.Context, roleKey string, userID int64, scope Scope) (written int, err error) {
	err = RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		n, err := s.ApplyRoleTx(ctx, tx, roleKey, userID, scope)
		written = n
		return err
	})
	if err != nil {
		return 0, err
	}

	s.InvalidateUser(ctx, userID)
	return written, nil
}

// ApplyRoleTx is ApplyRole inside a caller-owned transaction. The caller
// must call InvalidateUser after commit.
func (s *Store) ApplyRoleTx(ctx context.Context, tx DBTX, roleKey string, userID int64, scope Scope) (written int, err error) {
	ctx, span := observability.StartSpan(ctx, "rbac.ApplyRole",
		attribute.String("role", roleKey),
		attribute.Int64("user_id", userID),
		attribute.String("scope", scope.String()),
	)
	defer func() {
		s.metrics.RecordRoleApplication(roleKey, err)
		observability.EndSpan(span, err)
	}()

	plan, err := planRole(ctx, tx, roleKey)
	if err != nil {
		return 0, err
	}

	written, err = plan.execute(ctx, tx, userID, scope, s.reapply)
	if err != nil {
		return 0, err
	}

	s.logger.WithFields(map[string]interface{}{
		"role":    roleKey,
		"user_id": userID,
		"scope":   scope.String(),
		"written": written,
		"policy":  s.reapply.String(),
	}).Debug("role applied")
	return written, nil
}

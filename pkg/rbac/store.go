package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/grantline/pkg/observability"
)

// ScopeMatch selects how a stored group scope is compared with a queried group
type ScopeMatch int

const (
	// ScopeMatchExact matches a stored scope when it is global or equal to the queried group
	ScopeMatchExact ScopeMatch = iota
	// ScopeMatchAnyGroup matches every group-scoped grant on the resource as
	// soon as a group is queried. Kept for deployments that relied on it.
	ScopeMatchAnyGroup
)

// ParseScopeMatch parses "exact" or "any_group"
func ParseScopeMatch(s string) (ScopeMatch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "exact":
		return ScopeMatchExact, nil
	case "any_group", "any-group":
		return ScopeMatchAnyGroup, nil
	}
	return ScopeMatchExact, fmt.Errorf("%w: unknown scope match mode %q", ErrInvalidArgument, s)
}

func (m ScopeMatch) String() string {
	if m == ScopeMatchAnyGroup {
		return "any_group"
	}
	return "exact"
}

// predicate returns the SQL condition matching up.group_id against the
// scope bound to placeholder n
func (m ScopeMatch) predicate(n int) string {
	if m == ScopeMatchAnyGroup {
		return fmt.Sprintf("(up.group_id IS NULL OR ($%d::BIGINT IS NOT NULL AND up.group_id IS NOT NULL))", n)
	}
	return fmt.Sprintf("(up.group_id IS NULL OR up.group_id = $%d)", n)
}

// Store handles permission data persistence
type Store struct {
	db         *sql.DB
	reader     *sql.DB
	scopeMatch ScopeMatch
	reapply    ReapplyPolicy
	cache      DecisionCache
	metrics    *observability.Metrics
	logger     *observability.Logger
}

// Option configures a Store
type Option func(*Store)

// WithReader routes read-only queries to a replica
func WithReader(reader *sql.DB) Option {
	return func(s *Store) {
		if reader != nil {
			s.reader = reader
		}
	}
}

// WithScopeMatch sets the scope resolution mode
func WithScopeMatch(m ScopeMatch) Option {
	return func(s *Store) { s.scopeMatch = m }
}

// WithReapplyPolicy sets how role application treats existing access type rows
func WithReapplyPolicy(p ReapplyPolicy) Option {
	return func(s *Store) { s.reapply = p }
}

// WithCache enables decision caching for HasPermission
func WithCache(c DecisionCache) Option {
	return func(s *Store) { s.cache = c }
}

// WithMetrics records store activity
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithLogger sets the store logger
func WithLogger(l *observability.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a new permission store
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		reader: db,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScopeMatch returns the configured scope resolution mode
func (s *Store) ScopeMatch() ScopeMatch {
	return s.scopeMatch
}

// HasPermission returns every access type the user holds with
// permission = true on resourceKey at a scope matching scope
func (s *Store) HasPermission(ctx context.Context, userID int64, resourceKey string, scope Scope) (result AccessTypeSet, err error) {
	ctx, span := observability.StartSpan(ctx, "rbac.HasPermission",
		attribute.Int64("user_id", userID),
		attribute.String("resource", resourceKey),
		attribute.String("scope", scope.String()),
	)
	defer func() { observability.EndSpan(span, err) }()

	var (
		gen      int64
		fillable bool
	)
	if s.cache != nil {
		gen, fillable = s.cache.Generation(ctx, userID)
		if cached, ok := s.cache.Get(ctx, userID, resourceKey, scope); ok {
			return cached, nil
		}
	}

	query := `
		SELECT DISTINCT uat.access_type
		FROM user_access_types uat
		JOIN user_permissions up ON up.id = uat.user_permission_id
		WHERE up.user_id = $1
		  AND up.resource_key = $2
		  AND uat.permission = TRUE
		  AND ` + s.scopeMatch.predicate(3) + `
		ORDER BY uat.access_type
	`

	rows, err := s.reader.QueryContext(ctx, query, userID, resourceKey, scope.nullable())
	if err != nil {
		s.metrics.RecordStoreError("has_permission")
		return nil, storeErr("query permissions", err)
	}
	defer rows.Close()

	result = NewAccessTypeSet()
	for rows.Next() {
		var accessType string
		if err := rows.Scan(&accessType); err != nil {
			return nil, storeErr("scan permission", err)
		}
		result.Add(AccessType(accessType))
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate permissions", err)
	}

	if fillable {
		s.cache.Set(ctx, gen, userID, resourceKey, scope, result)
	}
	return result, nil
}

// Grant applies updates to the user's access type rows for key and returns
// the number of rows written. Vacuous updates are skipped. The whole call is
// one transaction.
func (s *Store) Grant(ctx context.Context, key PermissionKey, updates []AccessTypeUpdate) (written int, err error) {
	ctx, span := observability.StartSpan(ctx, "rbac.Grant",
		attribute.Int64("user_id", key.UserID),
		attribute.String("resource", key.ResourceKey),
		attribute.String("scope", key.Scope.String()),
	)
	defer func() { observability.EndSpan(span, err) }()

	effective := nonVacuous(updates)
	if len(effective) == 0 {
		return 0, nil
	}

	err = RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		n, err := s.GrantTx(ctx, tx, key, effective)
		written = n
		return err
	})
	if err != nil {
		if IsStoreError(err) {
			s.metrics.RecordStoreError("grant")
		}
		return 0, err
	}

	s.InvalidateUser(ctx, key.UserID)
	s.metrics.RecordGrantRows(written)
	s.logger.WithFields(map[string]interface{}{
		"user_id":  key.UserID,
		"resource": key.ResourceKey,
		"scope":    key.Scope.String(),
		"written":  written,
	}).Debug("grant applied")

	return written, nil
}

// GrantTx is Grant inside a caller-owned transaction. The caller must
// invalidate cached decisions for key.UserID after commit.
func (s *Store) GrantTx(ctx context.Context, tx DBTX, key PermissionKey, updates []AccessTypeUpdate) (int, error) {
	effective := nonVacuous(updates)
	if len(effective) == 0 {
		return 0, nil
	}

	types := make([]AccessType, len(effective))
	for i, u := range effective {
		types[i] = u.AccessType
	}
	if err := validateDeclared(ctx, tx, key.ResourceKey, types); err != nil {
		return 0, err
	}

	anchorID, err := upsertAnchor(ctx, tx, key.UserID, key.ResourceKey, key.Scope)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, u := range effective {
		n, err := writeAccessType(ctx, tx, anchorID, u)
		if err != nil {
			return 0, err
		}
		written += n
	}
	return written, nil
}

// upsertAnchor returns the id of the user permission anchor, creating it if needed
func upsertAnchor(ctx context.Context, tx DBTX, userID int64, resourceKey string, scope Scope) (int64, error) {
	query := `
		INSERT INTO user_permissions (user_id, resource_key, group_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, resource_key, (COALESCE(group_id, 0)))
		DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id
	`

	var id int64
	err := tx.QueryRowContext(ctx, query, userID, resourceKey, scope.nullable()).Scan(&id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, fmt.Errorf("resource %q: %w", resourceKey, ErrNotFound)
		}
		return 0, storeErr("upsert user permission", err)
	}
	return id, nil
}

// writeAccessType applies one bit-level update and returns 1 if a row was
// inserted, changed or deleted
func writeAccessType(ctx context.Context, tx DBTX, anchorID int64, u AccessTypeUpdate) (int, error) {
	p, sp, ssp := nullBool(u.Permission), nullBool(u.SetPermission), nullBool(u.SetSetPermission)

	if u.anyTrue() {
		// At least one bit ends up true, so the row may be created.
		query := `
			INSERT INTO user_access_types (user_permission_id, access_type, permission, set_permission, set_set_permission)
			VALUES ($1, $2, COALESCE($3, FALSE), COALESCE($4, FALSE), COALESCE($5, FALSE))
			ON CONFLICT (user_permission_id, access_type) DO UPDATE SET
				permission = COALESCE($3, user_access_types.permission),
				set_permission = COALESCE($4, user_access_types.set_permission),
				set_set_permission = COALESCE($5, user_access_types.set_set_permission)
			WHERE (user_access_types.permission, user_access_types.set_permission, user_access_types.set_set_permission)
				IS DISTINCT FROM
				(COALESCE($3, user_access_types.permission), COALESCE($4, user_access_types.set_permission), COALESCE($5, user_access_types.set_set_permission))
		`
		res, err := tx.ExecContext(ctx, query, anchorID, string(u.AccessType), p, sp, ssp)
		if err != nil {
			return 0, storeErr("upsert access type", err)
		}
		return rowsAffected(res, "upsert access type")
	}

	// Only false values were supplied: never create a row, and drop an
	// existing one that would end up all-false.
	deleteQuery := `
		DELETE FROM user_access_types
		WHERE user_permission_id = $1
		  AND access_type = $2
		  AND NOT (COALESCE($3, permission) OR COALESCE($4, set_permission) OR COALESCE($5, set_set_permission))
	`
	res, err := tx.ExecContext(ctx, deleteQuery, anchorID, string(u.AccessType), p, sp, ssp)
	if err != nil {
		return 0, storeErr("delete access type", err)
	}
	deleted, err := rowsAffected(res, "delete access type")
	if err != nil || deleted > 0 {
		return deleted, err
	}

	updateQuery := `
		UPDATE user_access_types SET
			permission = COALESCE($3, permission),
			set_permission = COALESCE($4, set_permission),
			set_set_permission = COALESCE($5, set_set_permission)
		WHERE user_permission_id = $1
		  AND access_type = $2
		  AND (permission, set_permission, set_set_permission)
			IS DISTINCT FROM
			(COALESCE($3, permission), COALESCE($4, set_permission), COALESCE($5, set_set_permission))
	`
	res, err = tx.ExecContext(ctx, updateQuery, anchorID, string(u.AccessType), p, sp, ssp)
	if err != nil {
		return 0, storeErr("update access type", err)
	}
	return rowsAffected(res, "update access type")
}

// RevokeGroupScope deletes every grant the user holds scoped exactly to groupID.
// Global grants are untouched.
func (s *Store) RevokeGroupScope(ctx context.Context, userID, groupID int64) (removed int, err error) {
	ctx, span := observability.StartSpan(ctx, "rbac.RevokeGroupScope",
		attribute.Int64("user_id", userID),
		attribute.Int64("group_id", groupID),
	)
	defer func() { observability.EndSpan(span, err) }()

	err = RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		n, err := s.RevokeGroupScopeTx(ctx, tx, userID, groupID)
		removed = n
		return err
	})
	if err != nil {
		s.metrics.RecordStoreError("revoke_group_scope")
		return 0, err
	}

	s.InvalidateUser(ctx, userID)
	return removed, nil
}

// RevokeGroupScopeTx is RevokeGroupScope inside a caller-owned transaction.
// Access type rows go with their anchors through ON DELETE CASCADE.
func (s *Store) RevokeGroupScopeTx(ctx context.Context, tx DBTX, userID, groupID int64) (int, error) {
	query := `DELETE FROM user_permissions WHERE user_id = $1 AND group_id = $2`

	res, err := tx.ExecContext(ctx, query, userID, groupID)
	if err != nil {
		return 0, storeErr("revoke group scope", err)
	}
	return rowsAffected(res, "revoke group scope")
}

// ListUserPermissions returns the user's anchors and their access type rows.
// A global scope lists global anchors only; a group scope lists global and
// that group's anchors.
func (s *Store) ListUserPermissions(ctx context.Context, userID int64, scope Scope) ([]UserPermission, error) {
	query := `
		SELECT up.id, up.resource_key, up.group_id,
		       uat.access_type, uat.permission, uat.set_permission, uat.set_set_permission
		FROM user_permissions up
		LEFT JOIN user_access_types uat ON uat.user_permission_id = up.id
		WHERE up.user_id = $1
		  AND (up.group_id IS NULL OR up.group_id = $2)
		ORDER BY up.id, uat.access_type
	`

	rows, err := s.reader.QueryContext(ctx, query, userID, scope.nullable())
	if err != nil {
		return nil, storeErr("list user permissions", err)
	}
	defer rows.Close()

	var out []UserPermission
	for rows.Next() {
		var (
			id          int64
			resourceKey string
			groupID     sql.NullInt64
			accessType  sql.NullString
			p, sp, ssp  sql.NullBool
		)
		if err := rows.Scan(&id, &resourceKey, &groupID, &accessType, &p, &sp, &ssp); err != nil {
			return nil, storeErr("scan user permission", err)
		}

		if len(out) == 0 || out[len(out)-1].ID != id {
			out = append(out, UserPermission{
				ID:          id,
				UserID:      userID,
				ResourceKey: resourceKey,
				Scope:       scopeFromNull(groupID),
				AccessTypes: []UserAccessType{},
			})
		}
		if accessType.Valid {
			last := &out[len(out)-1]
			last.AccessTypes = append(last.AccessTypes, UserAccessType{
				UserPermissionID: id,
				AccessType:       AccessType(accessType.String),
				Permission:       p.Bool,
				SetPermission:    sp.Bool,
				SetSetPermission: ssp.Bool,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate user permissions", err)
	}
	return out, nil
}

// InvalidateUser drops every cached decision for the user
func (s *Store) InvalidateUser(ctx context.Context, userID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateUser(ctx, userID); err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("failed to invalidate decision cache")
	}
}

package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/grantline/pkg/observability"
)

// delegable reports whether a requester holding held may apply u.
// Setting permission needs set_permission; setting either delegation bit
// needs set_set_permission. A vacuous update changes nothing and is allowed.
func delegable(held AccessBits, u AccessTypeUpdate) bool {
	if u.Permission != nil && !held.Has(BitSetPermission) {
		return false
	}
	if (u.SetPermission != nil || u.SetSetPermission != nil) && !held.Has(BitSetSetPermission) {
		return false
	}
	return true
}

// CanDelegate reports whether requesterID may apply update to target
func (s *Store) CanDelegate(ctx context.Context, target PermissionKey, requesterID int64, update AccessTypeUpdate) (bool, error) {
	if update.IsVacuous() {
		return true, nil
	}
	return s.CanDelegateAll(ctx, target, requesterID, []AccessTypeUpdate{update})
}

// CanDelegateAll reports whether requesterID may apply every update to
// target. A list without any non-vacuous update is rejected.
func (s *Store) CanDelegateAll(ctx context.Context, target PermissionKey, requesterID int64, updates []AccessTypeUpdate) (allowed bool, err error) {
	ctx, span := observability.StartSpan(ctx, "rbac.CanDelegateAll",
		attribute.Int64("requester_id", requesterID),
		attribute.String("resource", target.ResourceKey),
		attribute.String("scope", target.Scope.String()),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("allowed", allowed))
		observability.EndSpan(span, err)
	}()

	effective := nonVacuous(updates)
	if len(effective) == 0 {
		return false, nil
	}

	types := make([]string, 0, len(effective))
	for _, u := range effective {
		if !u.AccessType.Valid() {
			return false, fmt.Errorf("%w: unknown access type %q", ErrInvalidArgument, u.AccessType)
		}
		types = append(types, string(u.AccessType))
	}

	held, err := s.heldBits(ctx, requesterID, target.ResourceKey, target.Scope, types)
	if err != nil {
		s.metrics.RecordStoreError("can_delegate")
		return false, err
	}

	allowed = true
	for _, u := range effective {
		if !delegable(held[u.AccessType], u) {
			allowed = false
			break
		}
	}
	s.metrics.RecordDelegationCheck(allowed)
	return allowed, nil
}

// DelegatedGrant applies updates to target on behalf of requesterID. The
// delegation check and the write share one transaction, and the requester's
// rows are share-locked until commit, so a concurrent revocation of the
// requester's rights waits for the grant. Returns ErrForbidden when the
// requester may not apply every update, including when none is effective.
func (s *Store) DelegatedGrant(ctx context.Context, requesterID int64, target PermissionKey, updates []AccessTypeUpdate) (written int, err error) {
	ctx, span := observability.StartSpan(ctx, "rbac.DelegatedGrant",
		attribute.Int64("requester_id", requesterID),
		attribute.Int64("user_id", target.UserID),
		attribute.String("resource", target.ResourceKey),
		attribute.String("scope", target.Scope.String()),
	)
	defer func() { observability.EndSpan(span, err) }()

	effective := nonVacuous(updates)
	if len(effective) == 0 {
		s.metrics.RecordDelegationCheck(false)
		return 0, fmt.Errorf("%w: no effective update", ErrForbidden)
	}
	types := make([]string, 0, len(effective))
	for _, u := range effective {
		if !u.AccessType.Valid() {
			return 0, fmt.Errorf("%w: unknown access type %q", ErrInvalidArgument, u.AccessType)
		}
		types = append(types, string(u.AccessType))
	}

	err = RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		held, err := s.lockHeldBits(ctx, tx, requesterID, target.ResourceKey, target.Scope, types)
		if err != nil {
			return err
		}
		for _, u := range effective {
			if !delegable(held[u.AccessType], u) {
				return fmt.Errorf("%w: insufficient delegation rights", ErrForbidden)
			}
		}
		s.metrics.RecordDelegationCheck(true)

		n, err := s.GrantTx(ctx, tx, target, effective)
		written = n
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrForbidden):
			s.metrics.RecordDelegationCheck(false)
		case IsStoreError(err):
			s.metrics.RecordStoreError("delegated_grant")
		}
		return 0, err
	}

	s.InvalidateUser(ctx, target.UserID)
	s.metrics.RecordGrantRows(written)
	return written, nil
}

// lockHeldBits is heldBits on the primary inside tx, taking share locks on
// every row it reads
func (s *Store) lockHeldBits(ctx context.Context, tx DBTX, userID int64, resourceKey string, scope Scope, types []string) (map[AccessType]AccessBits, error) {
	query := `
		SELECT uat.access_type, uat.permission, uat.set_permission, uat.set_set_permission
		FROM user_access_types uat
		JOIN user_permissions up ON up.id = uat.user_permission_id
		WHERE up.user_id = $1
		  AND up.resource_key = $2
		  AND ` + s.scopeMatch.predicate(3) + `
		  AND uat.access_type = ANY($4)
		FOR SHARE OF uat, up
	`

	rows, err := tx.QueryContext(ctx, query, userID, resourceKey, scope.nullable(), pq.Array(types))
	if err != nil {
		return nil, storeErr("lock delegation bits", err)
	}
	defer rows.Close()

	held := make(map[AccessType]AccessBits, len(types))
	for rows.Next() {
		var (
			accessType string
			p, sp, ssp bool
		)
		if err := rows.Scan(&accessType, &p, &sp, &ssp); err != nil {
			return nil, storeErr("scan delegation bits", err)
		}
		held[AccessType(accessType)] |= BitsOf(p, sp, ssp)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate delegation bits", err)
	}
	return held, nil
}

// heldBits returns, per access type, the union of bits the user holds on the
// resource across every stored scope that matches scope
func (s *Store) heldBits(ctx context.Context, userID int64, resourceKey string, scope Scope, types []string) (map[AccessType]AccessBits, error) {
	query := `
		SELECT uat.access_type,
		       BOOL_OR(uat.permission),
		       BOOL_OR(uat.set_permission),
		       BOOL_OR(uat.set_set_permission)
		FROM user_access_types uat
		JOIN user_permissions up ON up.id = uat.user_permission_id
		WHERE up.user_id = $1
		  AND up.resource_key = $2
		  AND ` + s.scopeMatch.predicate(3) + `
		  AND uat.access_type = ANY($4)
		GROUP BY uat.access_type
	`

	rows, err := s.reader.QueryContext(ctx, query, userID, resourceKey, scope.nullable(), pq.Array(types))
	if err != nil {
		return nil, storeErr("query delegation bits", err)
	}
	defer rows.Close()

	held := make(map[AccessType]AccessBits, len(types))
	for rows.Next() {
		var (
			accessType string
			p, sp, ssp bool
		)
		if err := rows.Scan(&accessType, &p, &sp, &ssp); err != nil {
			return nil, storeErr("scan delegation bits", err)
		}
		held[AccessType(accessType)] = BitsOf(p, sp, ssp)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate delegation bits", err)
	}
	return held, nil
}

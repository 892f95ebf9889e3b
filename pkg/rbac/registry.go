package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// RegisterResource creates a resource. Keys are unique and immutable.
func (s *Store) RegisterResource(ctx context.Context, key, displayName string) (*Resource, error) {
	return registerResource(ctx, s.db, key, displayName)
}

// RegisterResourceWithAccessTypes creates a resource and declares its access
// types in one transaction. Every type is validated before anything is written.
func (s *Store) RegisterResourceWithAccessTypes(ctx context.Context, key, displayName string, types []AccessType) (*Resource, error) {
	for _, t := range types {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: unknown access type %q", ErrInvalidArgument, t)
		}
	}

	var res *Resource
	err := RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		if res, err = registerResource(ctx, tx, key, displayName); err != nil {
			return err
		}
		for _, t := range types {
			if err := declareAccessType(ctx, tx, res.Key, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func registerResource(ctx context.Context, q DBTX, key, displayName string) (*Resource, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: resource key is required", ErrInvalidArgument)
	}
	if displayName == "" {
		displayName = key
	}

	query := `
		INSERT INTO resources (key, display_name)
		VALUES ($1, $2)
		RETURNING id, created_at
	`

	res := &Resource{Key: key, DisplayName: displayName}
	if err := q.QueryRowContext(ctx, query, key, displayName).Scan(&res.ID, &res.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("resource %q: %w", key, ErrConflict)
		}
		return nil, storeErr("register resource", err)
	}
	return res, nil
}

// DeclareAccessType marks accessType as supported by the resource.
// Declaring an already supported type is a no-op.
func (s *Store) DeclareAccessType(ctx context.Context, resourceKey string, accessType AccessType) error {
	return declareAccessType(ctx, s.db, resourceKey, accessType)
}

func declareAccessType(ctx context.Context, q DBTX, resourceKey string, accessType AccessType) error {
	if !accessType.Valid() {
		return fmt.Errorf("%w: unknown access type %q", ErrInvalidArgument, accessType)
	}

	query := `
		INSERT INTO resource_access_types (resource_key, access_type)
		VALUES ($1, $2)
		ON CONFLICT (resource_key, access_type) DO NOTHING
	`

	if _, err := q.ExecContext(ctx, query, resourceKey, string(accessType)); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("resource %q: %w", resourceKey, ErrNotFound)
		}
		return storeErr("declare access type", err)
	}
	return nil
}

// GetResource retrieves a resource by key
func (s *Store) GetResource(ctx context.Context, key string) (*Resource, error) {
	query := `SELECT id, key, display_name, created_at FROM resources WHERE key = $1`

	var res Resource
	err := s.reader.QueryRowContext(ctx, query, key).Scan(&res.ID, &res.Key, &res.DisplayName, &res.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get resource", err)
	}
	return &res, nil
}

// SupportedAccessTypes returns the access types declared for a resource
func (s *Store) SupportedAccessTypes(ctx context.Context, resourceKey string) (AccessTypeSet, error) {
	return supportedAccessTypes(ctx, s.reader, resourceKey)
}

// supportedAccessTypes returns ErrNotFound when the resource does not exist
func supportedAccessTypes(ctx context.Context, q DBTX, resourceKey string) (AccessTypeSet, error) {
	query := `
		SELECT rat.access_type
		FROM resources r
		LEFT JOIN resource_access_types rat ON rat.resource_key = r.key
		WHERE r.key = $1
	`

	rows, err := q.QueryContext(ctx, query, resourceKey)
	if err != nil {
		return nil, storeErr("query supported access types", err)
	}
	defer rows.Close()

	found := false
	set := NewAccessTypeSet()
	for rows.Next() {
		found = true
		var accessType sql.NullString
		if err := rows.Scan(&accessType); err != nil {
			return nil, storeErr("scan supported access type", err)
		}
		if accessType.Valid {
			set.Add(AccessType(accessType.String))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate supported access types", err)
	}
	if !found {
		return nil, fmt.Errorf("resource %q: %w", resourceKey, ErrNotFound)
	}
	return set, nil
}

// validateDeclared rejects unknown access types and pairs the resource does not support
func validateDeclared(ctx context.Context, q DBTX, resourceKey string, types []AccessType) error {
	for _, t := range types {
		if !t.Valid() {
			return fmt.Errorf("%w: unknown access type %q", ErrInvalidArgument, t)
		}
	}

	supported, err := supportedAccessTypes(ctx, q, resourceKey)
	if err != nil {
		return err
	}
	for _, t := range types {
		if !supported.Contains(t) {
			return fmt.Errorf("%w: resource %q does not support access type %q", ErrInvalidArgument, resourceKey, t)
		}
	}
	return nil
}

// ListResources returns a page of resources in creation order
func (s *Store) ListResources(ctx context.Context, page Page) (*PageResult[Resource], error) {
	page = page.normalized()

	var total int64
	if err := s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources`).Scan(&total); err != nil {
		return nil, storeErr("count resources", err)
	}

	query := `
		SELECT id, key, display_name, created_at
		FROM resources
		ORDER BY id ASC
		LIMIT $1 OFFSET $2
	`

	rows, err := s.reader.QueryContext(ctx, query, page.Limit, page.offset())
	if err != nil {
		return nil, storeErr("list resources", err)
	}
	defer rows.Close()

	items := []Resource{}
	for rows.Next() {
		var res Resource
		if err := rows.Scan(&res.ID, &res.Key, &res.DisplayName, &res.CreatedAt); err != nil {
			return nil, storeErr("scan resource", err)
		}
		items = append(items, res)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate resources", err)
	}

	return &PageResult[Resource]{Items: items, Total: total, Page: page.Page, Limit: page.Limit}, nil
}

// ListResourcesWithAccessTypes returns a page of resources with their supported access types
func (s *Store) ListResourcesWithAccessTypes(ctx context.Context, page Page) (*PageResult[ResourceWithAccessTypes], error) {
	resources, err := s.ListResources(ctx, page)
	if err != nil {
		return nil, err
	}

	out := &PageResult[ResourceWithAccessTypes]{
		Items: make([]ResourceWithAccessTypes, len(resources.Items)),
		Total: resources.Total,
		Page:  resources.Page,
		Limit: resources.Limit,
	}
	if len(resources.Items) == 0 {
		return out, nil
	}

	keys := make([]string, len(resources.Items))
	index := make(map[string]int, len(resources.Items))
	for i, res := range resources.Items {
		keys[i] = res.Key
		index[res.Key] = i
		out.Items[i] = ResourceWithAccessTypes{Resource: res, AccessTypes: []AccessType{}}
	}

	query := `
		SELECT resource_key, access_type
		FROM resource_access_types
		WHERE resource_key = ANY($1)
		ORDER BY resource_key, access_type
	`

	rows, err := s.reader.QueryContext(ctx, query, pq.Array(keys))
	if err != nil {
		return nil, storeErr("list resource access types", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, accessType string
		if err := rows.Scan(&key, &accessType); err != nil {
			return nil, storeErr("scan resource access type", err)
		}
		if i, ok := index[key]; ok {
			out.Items[i].AccessTypes = append(out.Items[i].AccessTypes, AccessType(accessType))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate resource access types", err)
	}
	return out, nil
}

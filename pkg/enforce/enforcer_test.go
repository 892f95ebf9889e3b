package enforce

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/grantline/pkg/contextkeys"
	"github.com/platinummonkey/grantline/pkg/observability"
	"github.com/platinummonkey/grantline/pkg/policy"
	"github.com/platinummonkey/grantline/pkg/rbac"
)

type grantKey struct {
	user     int64
	resource string
	scope    string
}

type fakeStore struct {
	grants map[grantKey]rbac.AccessTypeSet
	err    error
	calls  []rbac.Scope
}

func newFakeStore() *fakeStore {
	return &fakeStore{grants: make(map[grantKey]rbac.AccessTypeSet)}
}

func (f *fakeStore) grant(user int64, resource string, scope rbac.Scope, types ...rbac.AccessType) {
	f.grants[grantKey{user, resource, scope.String()}] = rbac.NewAccessTypeSet(types...)
}

func (f *fakeStore) HasPermission(_ context.Context, userID int64, resourceKey string, scope rbac.Scope) (rbac.AccessTypeSet, error) {
	f.calls = append(f.calls, scope)
	if f.err != nil {
		return nil, f.err
	}
	if set, ok := f.grants[grantKey{userID, resourceKey, scope.String()}]; ok {
		return set, nil
	}
	return rbac.NewAccessTypeSet(), nil
}

const testPolicy = `
resources:
  - resource: document
    routes:
      - path: /groups/{group_id}/documents
        method: GET
        group_param: group_id
        access_types: [read]
      - path: /groups/{group_id}/documents
        method: POST
        group_param: group_id
        access_types: [create, read]
  - resource: group
    routes:
      - path: /groups
        method: POST
        access_types: [create]
  - resource: permission
    routes:
      - path: /grants
        method: POST
`

func newTestEnforcer(t *testing.T, store PermissionQuerier, opts ...Option) *Enforcer {
	t.Helper()
	binder, err := policy.Parse([]byte(testPolicy))
	require.NoError(t, err)
	return New(store, binder, opts...)
}

func userCtx(id int64) context.Context {
	return contextkeys.WithUserID(context.Background(), id)
}

func TestParseUnmatchedPolicy(t *testing.T) {
	p, err := ParseUnmatchedPolicy("")
	require.NoError(t, err)
	assert.Equal(t, UnmatchedAllow, p)

	p, err = ParseUnmatchedPolicy("DENY")
	require.NoError(t, err)
	assert.Equal(t, UnmatchedDeny, p)
	assert.Equal(t, "deny", p.String())

	_, err = ParseUnmatchedPolicy("maybe")
	assert.ErrorIs(t, err, rbac.ErrInvalidArgument)
}

func TestAuthorize_NoIdentity(t *testing.T) {
	e := newTestEnforcer(t, newFakeStore())

	// Identity is required even for routes without a policy entry.
	_, err := e.Authorize(context.Background(), "GET", "/unlisted")
	assert.ErrorIs(t, err, rbac.ErrPreconditionFailed)
	assert.False(t, errors.Is(err, rbac.ErrForbidden))
}

func TestAuthorize_Unmatched(t *testing.T) {
	t.Run("allow", func(t *testing.T) {
		store := newFakeStore()
		e := newTestEnforcer(t, store)

		d, err := e.Authorize(userCtx(1), "GET", "/unlisted")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, ReasonUnmatched, d.Reason)
		assert.Empty(t, store.calls)
	})

	t.Run("deny", func(t *testing.T) {
		e := newTestEnforcer(t, newFakeStore(), WithUnmatchedPolicy(UnmatchedDeny))

		d, err := e.Authorize(userCtx(1), "GET", "/unlisted")
		assert.ErrorIs(t, err, rbac.ErrForbidden)
		require.NotNil(t, d)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonUnmatched, d.Reason)
	})
}

func TestAuthorize_GroupScope(t *testing.T) {
	t.Run("scoped grant allows", func(t *testing.T) {
		store := newFakeStore()
		store.grant(1, "document", rbac.InGroup(7), rbac.AccessRead)
		e := newTestEnforcer(t, store)

		d, err := e.Authorize(userCtx(1), "GET", "/groups/7/documents")
		require.NoError(t, err)
		assert.Equal(t, ReasonGroup, d.Reason)
		assert.Equal(t, rbac.InGroup(7), d.Scope)
		assert.Equal(t, []rbac.Scope{rbac.InGroup(7)}, store.calls)
	})

	t.Run("falls back to global", func(t *testing.T) {
		store := newFakeStore()
		store.grant(1, "document", rbac.Global(), rbac.AccessRead)
		e := newTestEnforcer(t, store)

		d, err := e.Authorize(userCtx(1), "GET", "/groups/7/documents")
		require.NoError(t, err)
		assert.Equal(t, ReasonGlobal, d.Reason)
		assert.Equal(t, []rbac.Scope{rbac.InGroup(7), rbac.Global()}, store.calls)
	})

	t.Run("other group grant does not allow", func(t *testing.T) {
		store := newFakeStore()
		store.grant(1, "document", rbac.InGroup(8), rbac.AccessRead)
		e := newTestEnforcer(t, store)

		d, err := e.Authorize(userCtx(1), "GET", "/groups/7/documents")
		assert.ErrorIs(t, err, rbac.ErrForbidden)
		assert.Equal(t, ReasonInsufficient, d.Reason)
	})

	t.Run("partial capability set is denied", func(t *testing.T) {
		store := newFakeStore()
		store.grant(1, "document", rbac.InGroup(7), rbac.AccessRead)
		store.grant(1, "document", rbac.Global(), rbac.AccessCreate)
		e := newTestEnforcer(t, store)

		_, err := e.Authorize(userCtx(1), "POST", "/groups/7/documents")
		assert.ErrorIs(t, err, rbac.ErrForbidden)
	})

	t.Run("non numeric group", func(t *testing.T) {
		store := newFakeStore()
		e := newTestEnforcer(t, store)

		d, err := e.Authorize(userCtx(1), "GET", "/groups/abc/documents")
		assert.ErrorIs(t, err, rbac.ErrInvalidArgument)
		assert.Equal(t, ReasonBadGroup, d.Reason)
		assert.Empty(t, store.calls)
	})

	t.Run("zero group", func(t *testing.T) {
		e := newTestEnforcer(t, newFakeStore())
		_, err := e.Authorize(userCtx(1), "GET", "/groups/0/documents")
		assert.ErrorIs(t, err, rbac.ErrInvalidArgument)
	})
}

func TestAuthorize_GlobalRoute(t *testing.T) {
	store := newFakeStore()
	store.grant(1, "group", rbac.Global(), rbac.AccessCreate)
	e := newTestEnforcer(t, store)

	d, err := e.Authorize(userCtx(1), "POST", "/groups")
	require.NoError(t, err)
	assert.Equal(t, ReasonGlobal, d.Reason)

	_, err = e.Authorize(userCtx(2), "POST", "/groups")
	assert.ErrorIs(t, err, rbac.ErrForbidden)
}

func TestAuthorize_NoRequirement(t *testing.T) {
	store := newFakeStore()
	e := newTestEnforcer(t, store, WithUnmatchedPolicy(UnmatchedDeny))

	d, err := e.Authorize(userCtx(1), "POST", "/grants")
	require.NoError(t, err)
	assert.Equal(t, ReasonNoRequirement, d.Reason)
	assert.Empty(t, store.calls)
}

func TestAuthorize_StoreErrorPropagates(t *testing.T) {
	store := newFakeStore()
	storeFailure := &rbac.StoreError{Op: "query permissions", Err: fmt.Errorf("connection reset")}
	store.err = storeFailure
	e := newTestEnforcer(t, store)

	d, err := e.Authorize(userCtx(1), "GET", "/groups/7/documents")
	assert.Nil(t, d)
	assert.ErrorIs(t, err, storeFailure)
	assert.False(t, errors.Is(err, rbac.ErrForbidden))
	assert.Len(t, store.calls, 1)
}

func TestAuthorize_RecordsMetrics(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	store := newFakeStore()
	store.grant(1, "group", rbac.Global(), rbac.AccessCreate)
	e := newTestEnforcer(t, store, WithMetrics(metrics))

	_, _ = e.Authorize(userCtx(1), "POST", "/groups")
	_, _ = e.Authorize(userCtx(2), "POST", "/groups")
	_, _ = e.Authorize(userCtx(2), "GET", "/unlisted")

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues("allow", ReasonGlobal)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues("deny", ReasonInsufficient)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues("allow", ReasonUnmatched)))
}

func TestMiddleware(t *testing.T) {
	store := newFakeStore()
	store.grant(1, "document", rbac.InGroup(7), rbac.AccessRead)

	var seen *Decision
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = DecisionFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		path   string
		user   *int64
		err    error
		status int
	}{
		{name: "allowed", path: "/groups/7/documents", user: ptr(1), status: http.StatusNoContent},
		{name: "forbidden", path: "/groups/8/documents", user: ptr(1), status: http.StatusForbidden},
		{name: "no identity", path: "/groups/7/documents", status: http.StatusPreconditionFailed},
		{name: "bad group", path: "/groups/x/documents", user: ptr(1), status: http.StatusBadRequest},
		{name: "store failure", path: "/groups/7/documents", user: ptr(1), err: fmt.Errorf("boom"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			store.err = tt.err
			handler := newTestEnforcer(t, store).Middleware(next)

			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.user != nil {
				req = req.WithContext(contextkeys.WithUserID(req.Context(), *tt.user))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusNoContent {
				require.NotNil(t, seen)
				assert.True(t, seen.Allowed)
			} else {
				assert.Nil(t, seen)
			}
			if tt.status == http.StatusInternalServerError {
				assert.NotContains(t, rec.Body.String(), "boom")
			}
		})
	}
}

func ptr(v int64) *int64 { return &v }

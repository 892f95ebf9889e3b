package enforce

import (
	"context"
	"errors"
	"net/http"

	"github.com/platinummonkey/grantline/pkg/contextkeys"
	"github.com/platinummonkey/grantline/pkg/httputil"
	"github.com/platinummonkey/grantline/pkg/observability"
	"github.com/platinummonkey/grantline/pkg/rbac"
)

// Middleware enforces route policy on every request. The identity
// middleware must run first.
func (e *Enforcer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, err := e.Authorize(r.Context(), r.Method, r.URL.Path)
		if err != nil {
			logger := observability.FromContext(r.Context()).WithFields(map[string]interface{}{
				"method": r.Method,
				"path":   r.URL.Path,
			})
			if decision != nil {
				logger = logger.WithFields(map[string]interface{}{
					"reason":   decision.Reason,
					"resource": decision.ResourceKey,
				})
			}

			if rbac.IsStoreError(err) || !isMapped(err) {
				logger.WithError(err).Error("authorization check failed")
			} else {
				logger.Debug("request denied")
			}

			httputil.WriteMappedError(w, err, rbac.ErrorStatuses)
			return
		}

		ctx := contextkeys.WithDecision(r.Context(), decision)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isMapped(err error) bool {
	for _, entry := range rbac.ErrorStatuses {
		if errors.Is(err, entry.Err) {
			return true
		}
	}
	return false
}

// DecisionFromContext returns the decision recorded by Middleware
func DecisionFromContext(ctx context.Context) (*Decision, bool) {
	d, ok := ctx.Value(contextkeys.DecisionKey).(*Decision)
	return d, ok
}

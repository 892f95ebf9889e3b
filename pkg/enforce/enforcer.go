// Package enforce decides whether an identified caller may invoke a route.
//
// The decision walks three steps: the route policy entry for the request,
// a group-scoped permission check when the entry names a group parameter,
// then a global check. Requests whose route has no policy entry fall
// through to the configured UnmatchedPolicy.
package enforce

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/grantline/pkg/contextkeys"
	"github.com/platinummonkey/grantline/pkg/observability"
	"github.com/platinummonkey/grantline/pkg/policy"
	"github.com/platinummonkey/grantline/pkg/rbac"
)

// PermissionQuerier resolves the access types a user holds
type PermissionQuerier interface {
	HasPermission(ctx context.Context, userID int64, resourceKey string, scope rbac.Scope) (rbac.AccessTypeSet, error)
}

// RouteLookup resolves the policy entry for a request
type RouteLookup interface {
	Lookup(method, path string) (policy.Match, bool)
}

// UnmatchedPolicy controls requests whose route has no policy entry
type UnmatchedPolicy int

const (
	// UnmatchedAllow lets requests without a policy entry through
	UnmatchedAllow UnmatchedPolicy = iota
	// UnmatchedDeny rejects requests without a policy entry
	UnmatchedDeny
)

// ParseUnmatchedPolicy parses "allow" or "deny"
func ParseUnmatchedPolicy(s string) (UnmatchedPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "allow":
		return UnmatchedAllow, nil
	case "deny":
		return UnmatchedDeny, nil
	}
	return UnmatchedAllow, fmt.Errorf("%w: unknown unmatched route policy %q", rbac.ErrInvalidArgument, s)
}

func (p UnmatchedPolicy) String() string {
	if p == UnmatchedDeny {
		return "deny"
	}
	return "allow"
}

// Decision reasons
const (
	ReasonUnmatched     = "unmatched"
	ReasonNoRequirement = "no_requirement"
	ReasonGroup         = "group"
	ReasonGlobal        = "global"
	ReasonInsufficient  = "insufficient"
	ReasonNoIdentity    = "no_identity"
	ReasonBadGroup      = "bad_group"
	ReasonError         = "error"
)

// Decision describes how a request was decided
type Decision struct {
	Allowed     bool
	Reason      string
	UserID      int64
	ResourceKey string
	Scope       rbac.Scope
	Required    rbac.AccessTypeSet
}

func (d *Decision) outcome() string {
	if d.Allowed {
		return "allow"
	}
	return "deny"
}

// Enforcer evaluates route policy entries against the permission store
type Enforcer struct {
	store     PermissionQuerier
	routes    RouteLookup
	unmatched UnmatchedPolicy
	metrics   *observability.Metrics
	logger    *observability.Logger
}

// Option configures an Enforcer
type Option func(*Enforcer)

// WithUnmatchedPolicy sets how requests without a policy entry are handled
func WithUnmatchedPolicy(p UnmatchedPolicy) Option {
	return func(e *Enforcer) { e.unmatched = p }
}

// WithMetrics records decisions in metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Enforcer) { e.metrics = m }
}

// WithLogger sets the logger used for startup messages
func WithLogger(l *observability.Logger) Option {
	return func(e *Enforcer) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an Enforcer. A warning is logged when unmatched routes are
// allowed.
func New(store PermissionQuerier, routes RouteLookup, opts ...Option) *Enforcer {
	e := &Enforcer{
		store:     store,
		routes:    routes,
		unmatched: UnmatchedAllow,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.unmatched == UnmatchedAllow {
		e.logger.WithField("unmatched_routes", e.unmatched.String()).
			Warn("routes without a policy entry are allowed for any identified caller")
	}
	return e
}

// UnmatchedPolicy returns the configured unmatched route policy
func (e *Enforcer) UnmatchedPolicy() UnmatchedPolicy {
	return e.unmatched
}

// Authorize decides a request for the user in ctx. Denials return the
// decision together with rbac.ErrForbidden. Store failures are returned
// unchanged and abort the decision.
func (e *Enforcer) Authorize(ctx context.Context, method, path string) (decision *Decision, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "enforce.Authorize",
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)
	defer func() {
		observability.EndSpan(span, err)
		reason := ReasonError
		outcome := "error"
		if decision != nil {
			reason = decision.Reason
			outcome = decision.outcome()
		}
		e.metrics.RecordDecision(outcome, reason, time.Since(start))
	}()

	userID, ok := contextkeys.GetUserID(ctx)
	if !ok {
		return &Decision{Reason: ReasonNoIdentity}, fmt.Errorf("%w: no identity in request context", rbac.ErrPreconditionFailed)
	}

	match, ok := e.routes.Lookup(method, path)
	if !ok {
		decision = &Decision{Allowed: e.unmatched == UnmatchedAllow, Reason: ReasonUnmatched, UserID: userID}
		if !decision.Allowed {
			return decision, fmt.Errorf("%w: no route policy for %s %s", rbac.ErrForbidden, method, path)
		}
		return decision, nil
	}

	entry := match.Entry
	decision = &Decision{
		UserID:      userID,
		ResourceKey: entry.ResourceKey,
		Scope:       rbac.Global(),
		Required:    entry.Required,
	}

	if len(entry.Required) == 0 {
		decision.Allowed = true
		decision.Reason = ReasonNoRequirement
		return decision, nil
	}

	if raw, ok := match.GroupValue(); ok {
		groupID, err := parseGroupID(raw)
		if err != nil {
			decision.Reason = ReasonBadGroup
			return decision, err
		}
		decision.Scope = rbac.InGroup(groupID)

		scoped, err := e.store.HasPermission(ctx, userID, entry.ResourceKey, decision.Scope)
		if err != nil {
			return nil, err
		}
		if scoped.ContainsAll(entry.Required) {
			decision.Allowed = true
			decision.Reason = ReasonGroup
			return decision, nil
		}
	}

	global, err := e.store.HasPermission(ctx, userID, entry.ResourceKey, rbac.Global())
	if err != nil {
		return nil, err
	}
	if global.ContainsAll(entry.Required) {
		decision.Allowed = true
		decision.Reason = ReasonGlobal
		return decision, nil
	}

	decision.Reason = ReasonInsufficient
	return decision, fmt.Errorf("%w: %s requires %s", rbac.ErrForbidden, entry.ResourceKey,
		strings.Join(entry.Required.Strings(), ","))
}

func parseGroupID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid group id %q", rbac.ErrInvalidArgument, raw)
	}
	return id, nil
}

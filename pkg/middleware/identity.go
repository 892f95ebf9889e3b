package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/platinummonkey/grantline/pkg/contextkeys"
	"github.com/platinummonkey/grantline/pkg/httputil"
	"github.com/platinummonkey/grantline/pkg/observability"
)

var (
	// ErrNoCredentials is returned when the request carries no credentials
	ErrNoCredentials = errors.New("no credentials")

	// ErrInvalidCredentials is returned when credentials are present but unusable
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// UserIDHeader is read by HeaderResolver
const UserIDHeader = "X-User-ID"

// Identity is an authenticated caller
type Identity struct {
	UserID int64
	Claims *Claims
}

// IdentityResolver extracts an authenticated identity from a request
type IdentityResolver interface {
	Resolve(r *http.Request) (*Identity, error)
}

// Claims are the JWT claims issued for a user. The subject is the decimal
// user id.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTResolver verifies HS256 bearer tokens
type JWTResolver struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewJWTResolver creates a resolver for tokens signed with secret
func NewJWTResolver(secret, issuer string, ttl time.Duration) *JWTResolver {
	return &JWTResolver{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
	}
}

// SignToken issues a token for userID
func (j *JWTResolver) SignToken(userID int64) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// Resolve implements IdentityResolver
func (j *JWTResolver) Resolve(r *http.Request) (*Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, ErrNoCredentials
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, fmt.Errorf("%w: invalid authorization header format", ErrInvalidCredentials)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	token, err := jwt.ParseWithClaims(parts[1], &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", ErrInvalidCredentials)
	}

	userID, err := parseUserID(claims.Subject)
	if err != nil {
		return nil, err
	}
	return &Identity{UserID: userID, Claims: claims}, nil
}

// HeaderResolver trusts a user id set by an upstream authenticating proxy
type HeaderResolver struct {
	header string
}

// NewHeaderResolver creates a resolver reading header, or X-User-ID when empty
func NewHeaderResolver(header string) *HeaderResolver {
	if header == "" {
		header = UserIDHeader
	}
	return &HeaderResolver{header: header}
}

// Resolve implements IdentityResolver
func (h *HeaderResolver) Resolve(r *http.Request) (*Identity, error) {
	raw := r.Header.Get(h.header)
	if raw == "" {
		return nil, ErrNoCredentials
	}
	userID, err := parseUserID(raw)
	if err != nil {
		return nil, err
	}
	return &Identity{UserID: userID}, nil
}

func parseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid user id %q", ErrInvalidCredentials, raw)
	}
	return id, nil
}

// IdentityMiddleware puts the resolved user id into the request context
type IdentityMiddleware struct {
	resolver IdentityResolver
	optional bool // If true, requests without credentials continue anonymously
}

// NewIdentityMiddleware creates a new identity middleware. With optional
// set, requests without credentials pass through without a user id so that
// later layers decide how to treat them. Invalid credentials are always
// rejected with 401.
func NewIdentityMiddleware(resolver IdentityResolver, optional bool) *IdentityMiddleware {
	return &IdentityMiddleware{
		resolver: resolver,
		optional: optional,
	}
}

// Handler wraps an HTTP handler with identity resolution
func (m *IdentityMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.resolver.Resolve(r)
		if err != nil {
			if errors.Is(err, ErrNoCredentials) && m.optional {
				next.ServeHTTP(w, r)
				return
			}
			observability.FromContext(r.Context()).WithError(err).Debug("identity rejected")
			httputil.WriteUnauthorized(w, "invalid or missing credentials")
			return
		}

		ctx := contextkeys.WithUserID(r.Context(), identity.UserID)
		if identity.Claims != nil {
			ctx = contextkeys.WithClaims(ctx, identity.Claims)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

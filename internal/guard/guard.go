// Package guard holds the role predicates protected routes are gated on.
//
// A Requirement only checks whether the verified claims carry one of its
// roles. Ownership of individual resources is the route's business.
package guard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/example/panelauth/internal/token"
)

// Panel roles.
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleEditor     = "editor"
	RoleViewer     = "viewer"
)

// AccessCookie is the cookie carrying the access token.
const AccessCookie = "access_token"

// ErrInsufficientRole is returned when the claims carry none of the required roles.
var ErrInsufficientRole = errors.New("insufficient role")

// Requirement is a named set of accepted roles.
type Requirement struct {
	name  string
	roles map[string]struct{}
	open  bool
}

// NewRequirement returns a Requirement accepting any of roles.
func NewRequirement(name string, roles ...string) Requirement {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return Requirement{name: name, roles: set}
}

// Extend returns a looser Requirement accepting everything r accepts plus roles.
func (r Requirement) Extend(name string, roles ...string) Requirement {
	set := make(map[string]struct{}, len(r.roles)+len(roles))
	for role := range r.roles {
		set[role] = struct{}{}
	}
	for _, role := range roles {
		set[role] = struct{}{}
	}
	return Requirement{name: name, roles: set, open: r.open}
}

// Name returns the requirement's label.
func (r Requirement) Name() string { return r.name }

// Roles returns the accepted roles, sorted.
func (r Requirement) Roles() []string {
	out := make([]string, 0, len(r.roles))
	for role := range r.roles {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// Accepts reports whether role alone satisfies r.
func (r Requirement) Accepts(role string) bool {
	if r.open {
		return true
	}
	_, ok := r.roles[role]
	return ok
}

// Check returns claims unchanged when they satisfy r.
func (r Requirement) Check(claims *token.Claims) (*token.Claims, error) {
	if claims == nil {
		return nil, fmt.Errorf("%w: %s: no claims", ErrInsufficientRole, r.name)
	}
	if r.open {
		return claims, nil
	}
	if !claims.HasAnyRole(r.roles) {
		return nil, fmt.Errorf("%w: %s requires one of [%s]", ErrInsufficientRole, r.name, strings.Join(r.Roles(), ","))
	}
	return claims, nil
}

// Named guards. Each is built from the one before it, so anything the
// stricter guard accepts the looser one accepts too.
var (
	RequireSuperAdmin    = NewRequirement("super_admin", RoleSuperAdmin)
	RequireAdmin         = RequireSuperAdmin.Extend("admin", RoleAdmin)
	RequireAdminOrEditor = RequireAdmin.Extend("admin_or_editor", RoleEditor)
	RequireStaff         = RequireAdminOrEditor.Extend("staff", RoleViewer)

	// RequireAuthenticated accepts any verified identity, with or without roles.
	RequireAuthenticated = Requirement{name: "authenticated", roles: map[string]struct{}{}, open: true}
)

// Outcome is the result of Authorize as seen by route code.
type Outcome int

const (
	Unauthenticated Outcome = iota
	Authenticated
	Forbidden
)

func (o Outcome) String() string {
	switch o {
	case Authenticated:
		return "authenticated"
	case Forbidden:
		return "forbidden"
	default:
		return "unauthenticated"
	}
}

// Decision carries the Outcome, the claims when authenticated, and the
// underlying error. Err is for logs; callers must not echo it to clients.
type Decision struct {
	Outcome Outcome
	Claims  *token.Claims
	Err     error
}

// TokenVerifier is satisfied by *token.Verifier.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string, kind token.Kind) (*token.Claims, error)
}

// Authorize verifies the request's access token and checks it against req.
// A store failure is returned as an error rather than a Decision.
func Authorize(ctx context.Context, r *http.Request, v TokenVerifier, req Requirement) (Decision, error) {
	raw := AccessTokenFromRequest(r)
	if raw == "" {
		return Decision{Outcome: Unauthenticated, Err: fmt.Errorf("%w: no access token presented", token.ErrTokenMalformed)}, nil
	}
	claims, err := v.Verify(ctx, raw, token.KindAccess)
	if err != nil {
		if token.IsUnauthenticated(err) {
			return Decision{Outcome: Unauthenticated, Err: err}, nil
		}
		return Decision{}, err
	}
	if _, err := req.Check(claims); err != nil {
		return Decision{Outcome: Forbidden, Claims: claims, Err: err}, nil
	}
	return Decision{Outcome: Authenticated, Claims: claims}, nil
}

// AccessTokenFromRequest reads the access token cookie, falling back to a
// Bearer Authorization header.
func AccessTokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(AccessCookie); err == nil && c.Value != "" {
		return c.Value
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

type claimsContextKey struct{}

// WithClaims stores verified claims on ctx.
func WithClaims(ctx context.Context, claims *token.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext returns the claims stored by WithClaims.
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*token.Claims)
	return claims, ok && claims != nil
}

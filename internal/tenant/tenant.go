// Package tenant carries the current tenant through a context.Context and
// keeps the registry of tenants known to the bounded context.
//
// Every inbox write, routing call and repository access runs inside a
// context produced by With. Storage keys are namespaced by the tenant read
// back with From, so code running for one tenant cannot address another
// tenant's records.
package tenant

import (
	"context"
	"errors"
	"regexp"
)

// ErrNoTenant is returned when a multitenant bounded context gets a message
// without a tenant.
var ErrNoTenant = errors.New("tenant: no tenant in context")

// ErrInvalidID is returned when a tenant id fails validation.
var ErrInvalidID = errors.New("tenant: invalid id")

// idRe validates tenant ids: 1-64 chars, lowercase letters/digits/hyphens,
// must start with a letter or digit.
var idRe = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]{0,63}$`)

// Valid reports whether id is an acceptable tenant id.
func Valid(id string) bool { return idRe.MatchString(id) }

type ctxKey struct{}

// With returns a child of ctx scoped to tenant id. An empty id is the
// single-tenant scope.
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// From returns the tenant of ctx, or "" for the single-tenant scope.
func From(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

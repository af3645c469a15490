/*
Package access provides utilities for access control: the authenticated
principal, the declarative role policy checked per route, and the ownership
refinement for mutating operations.
*/
package access

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/campdir/campdir/core"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const contextKeyPrincipal contextKey = "_principal_"

// well-known roles
const (
	// RoleAdmin is always authorized and bypasses ownership checks.
	RoleAdmin = "admin"
	// RolePublic grants an operation to everybody, including anonymous
	// requests. It is a policy role only, no principal ever carries it.
	RolePublic = "public"
)

// Principal is the authenticated identity attached to a request after
// credential verification.
type Principal struct {
	UserID uuid.UUID `json:"user_id"`
	Role   string    `json:"role"`
	Email  string    `json:"email,omitempty"`
}

// HasRole returns true if the principal carries one of the requested roles.
func (p *Principal) HasRole(roles ...string) bool {
	if p == nil {
		return false
	}
	for _, role := range roles {
		if p.Role == role {
			return true
		}
	}
	return false
}

// ContextWithPrincipal returns a new context with this principal added to it
func (p *Principal) ContextWithPrincipal(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, p)
}

// PrincipalFromContext retrieves the principal from the context, or nil for
// an anonymous request.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, ok := ctx.Value(contextKeyPrincipal).(*Principal)
	if ok {
		return p
	}
	return nil
}

// Permits is the declarative policy table of one resource: for each role the
// set of permitted operations. The admin role is always authorized; the
// public role permits an operation for everybody including anonymous
// requests.
type Permits map[string][]core.Operation

// Allows returns true if the policy permits the principal to perform the
// operation. A nil principal is an anonymous request and is only permitted
// through the public role.
func (p Permits) Allows(principal *Principal, operation core.Operation) bool {
	if containsOperation(p[RolePublic], operation) {
		return true
	}
	if principal == nil {
		return false
	}
	if principal.Role == RoleAdmin {
		return true
	}
	return containsOperation(p[principal.Role], operation)
}

func containsOperation(operations []core.Operation, operation core.Operation) bool {
	for _, op := range operations {
		if op == operation {
			return true
		}
	}
	return false
}

// CanMutateOwned is the ownership refinement: a mutating operation on an
// owned record requires an elevated role or that the principal is the
// recorded owner.
func CanMutateOwned(principal *Principal, ownerID uuid.UUID, elevated ...string) bool {
	if principal == nil {
		return false
	}
	if len(elevated) == 0 {
		elevated = []string{RoleAdmin}
	}
	if principal.HasRole(elevated...) {
		return true
	}
	return principal.UserID != uuid.Nil && principal.UserID == ownerID
}

// PrincipalCache is an in-memory cache from bearer token to principal. It is
// used by the jwt middleware to avoid a database lookup on every single
// request.
type PrincipalCache struct {
	mutex sync.RWMutex
	cache map[string]*Principal
}

// NewPrincipalCache creates a new principal cache
func NewPrincipalCache() *PrincipalCache {
	return &PrincipalCache{cache: make(map[string]*Principal)}
}

// Read returns a cached principal for the token, or nil.
// This function is go-routine safe
func (c *PrincipalCache) Read(token string) *Principal {
	c.mutex.RLock()
	principal, ok := c.cache[token]
	c.mutex.RUnlock()
	if ok {
		return principal
	}
	return nil
}

// Write stores a principal for the token.
// This function is go-routine safe
func (c *PrincipalCache) Write(token string, principal *Principal) {
	c.mutex.Lock()
	c.cache[token] = principal
	c.mutex.Unlock()
}

// Invalidate drops the cached principal for all tokens of the given user,
// for example after a password or role change.
func (c *PrincipalCache) Invalidate(userID uuid.UUID) {
	c.mutex.Lock()
	for token, principal := range c.cache {
		if principal != nil && principal.UserID == userID {
			delete(c.cache, token)
		}
	}
	c.mutex.Unlock()
}

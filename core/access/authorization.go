/*Package access provides utilities for access control.

Callers are identified by a bearer token carrying their Keycloak group
memberships. The first group is the caller's effective identity; the
literal group name "admin" marks an administrator.
*/
package access

import (
	"context"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const (
	contextKeyAuthorization contextKey = "_authorization_"
)

// AdminGroup is the group name that marks an administrator.
const AdminGroup = "admin"

// Authorization is a context object which carries the authenticated caller's
// name and Keycloak groups.
//
// Authorizations are added to a request context with
//
//	ctx = access.ContextWithAuthorization(ctx, auth)
//
// and retrieved with
//
//	auth := access.AuthorizationFromContext(ctx)
type Authorization struct {
	Name   string   `json:"name"`
	Groups []string `json:"groups"`
}

// PrimaryGroup returns the caller's effective group. Only the first group of
// the token is honored; callers with more than one group are expected to be
// warned about at authentication time.
func (a *Authorization) PrimaryGroup() string {
	if a == nil || len(a.Groups) == 0 {
		return ""
	}
	return a.Groups[0]
}

// HasMultipleGroups returns true if the token carried more than one group.
func (a *Authorization) HasMultipleGroups() bool {
	return a != nil && len(a.Groups) > 1
}

// IsAdmin returns true if the caller's primary group is the admin group.
func (a *Authorization) IsAdmin() bool {
	return a.PrimaryGroup() == AdminGroup
}

// ContextWithAuthorization returns a new context with this authorization added to it
func ContextWithAuthorization(ctx context.Context, a *Authorization) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, a)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, ok := ctx.Value(contextKeyAuthorization).(*Authorization)
	if ok {
		return a
	}
	return nil
}

// AuthorizationCache is an in-memory cache for authorizations. It is used by
// the token middleware to cache authorization objects for bearer tokens.
// The purpose of the cache is to reduce the number of token parses, without
// the cache the middleware would have to verify the token for every single
// request.
type AuthorizationCache struct {
	mutex sync.RWMutex
	cache map[string]*Authorization
}

// NewAuthorizationCache creates a new authorization cache
func NewAuthorizationCache() *AuthorizationCache {
	return &AuthorizationCache{cache: make(map[string]*Authorization)}
}

// Read returns an authorization from in-process cache.
// Token should be the bearer token the authorization was derived from.
// This function is go-routine safe
func (a *AuthorizationCache) Read(token string) *Authorization {
	a.mutex.RLock()
	auth, ok := a.cache[token]
	a.mutex.RUnlock()
	if ok {
		return auth
	}
	return nil
}

// Write stores an authorization in the in-memory cache.
// Token should be the bearer token it was derived from.
// This function is go-routine safe
func (a *AuthorizationCache) Write(token string, auth *Authorization) {
	a.mutex.Lock()
	a.cache[token] = auth
	a.mutex.Unlock()
}

// HandleAuthorizationRoute adds a route /authorization GET to the router.
//
// The route returns the current authorization for the provided bearer token.
func HandleAuthorizationRoute(router *mux.Router) {
	router.HandleFunc("/authorization", func(w http.ResponseWriter, r *http.Request) {
		auth := AuthorizationFromContext(r.Context())
		if auth == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		jsonData, _ := json.MarshalIndent(auth, "", " ")
		w.Header().Set("Content-Type", "application/json")
		w.Write(jsonData)
	}).Methods(http.MethodGet)
}

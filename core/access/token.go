package access

import (
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/omicsdm/server/core/logger"
)

// TokenMiddlewareBuilder is a helper builder for the bearer-token middleware
type TokenMiddlewareBuilder struct {
	// PublicKeyPEM is the PEM encoded RSA public key of the Keycloak realm,
	// used to verify token signatures.
	PublicKeyPEM []byte
}

type tokenClaims struct {
	PreferredUsername string   `json:"preferred_username"`
	Groups            []string `json:"groups"`
	jwt.RegisteredClaims
}

// NewTokenMiddleware returns a middleware handler that validates JWT bearer
// tokens issued by Keycloak.
//
// The token's "groups" claim becomes the caller's Authorization; a leading
// slash on group names is stripped. Requests without a token are answered
// with 401 and the body {"message":"No token provided"}.
//
// If the request context already carries an authorization, the middleware
// passes the request through unchanged. This is how the in-process test
// client authenticates.
func NewTokenMiddleware(tmb *TokenMiddlewareBuilder) mux.MiddlewareFunc {

	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(tmb.PublicKeyPEM)
	if err != nil {
		panic("cannot parse realm public key: " + err.Error())
	}

	authCache := NewAuthorizationCache()

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth := AuthorizationFromContext(r.Context()); auth != nil {
				h.ServeHTTP(w, r)
				return
			}

			rlog := logger.FromContext(r.Context())

			tokenString := ""
			bearer := r.Header.Get("Authorization")
			if len(bearer) > 0 && bearer != "null" {
				if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
					tokenString = bearer[7:]
				} else {
					tokenString = bearer
				}
			}
			if len(tokenString) == 0 {
				writeAuthError(w, http.StatusUnauthorized, "No token provided")
				return
			}

			auth := authCache.Read(tokenString)
			if auth == nil {
				claims := tokenClaims{}
				token, err := jwt.ParseWithClaims(tokenString, &claims,
					func(t *jwt.Token) (interface{}, error) { return publicKey, nil },
					jwt.WithValidMethods([]string{"RS256"}))
				if err != nil || !token.Valid {
					rlog.WithError(err).Warning("Error 1101: invalid bearer token")
					writeAuthError(w, http.StatusUnauthorized, "invalid token")
					return
				}

				groups := make([]string, 0, len(claims.Groups))
				for _, g := range claims.Groups {
					groups = append(groups, strings.TrimPrefix(g, "/"))
				}
				auth = &Authorization{Name: claims.PreferredUsername, Groups: groups}
				authCache.Write(tokenString, auth)
			}

			if auth.HasMultipleGroups() {
				rlog.Warningf("user %s belongs to %d groups, only %q is honored",
					auth.Name, len(auth.Groups), auth.PrimaryGroup())
			}

			ctx := ContextWithAuthorization(r.Context(), auth)
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, auth.Name)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, _ := json.Marshal(map[string]string{"message": message})
	w.Write(body)
}

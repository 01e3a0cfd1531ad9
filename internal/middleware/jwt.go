package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"bi-gateway/internal/domain"
)

// RoleClaim is the JWT claim holding the caller's role.
const RoleClaim = "role"

// BearerCaller authenticates callers with an HS256 JWT in the Authorization
// header. The subject becomes the caller ID and the "role" claim the role.
// Identity headers are ignored in this mode.
func BearerCaller(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			tokenStr, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || strings.TrimSpace(tokenStr) == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			c, err := parseCaller(secret, strings.TrimSpace(tokenStr))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(domain.WithCaller(r.Context(), c)))
		})
	}
}

func parseCaller(secret []byte, tokenStr string) (domain.Caller, error) {
	tok, err := jwt.Parse(tokenStr, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return domain.Caller{}, fmt.Errorf("verify token: %w", err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Caller{}, fmt.Errorf("unsupported claim type %T", tok.Claims)
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return domain.Caller{}, fmt.Errorf("token has no subject")
	}
	role, _ := claims[RoleClaim].(string)
	if len(sub) > maxCallerFieldLen || len(role) > maxCallerFieldLen {
		return domain.Caller{}, fmt.Errorf("caller identity too long")
	}
	return domain.Caller{ID: strings.TrimSpace(sub), Role: strings.ToLower(strings.TrimSpace(role))}, nil
}

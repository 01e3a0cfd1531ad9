package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"bi-gateway/internal/domain"
)

// Identity headers set by the upstream auth layer.
const (
	CallerIDHeader   = "X-Caller-ID"
	CallerRoleHeader = "X-Caller-Role"
)

const maxCallerFieldLen = 256

// Caller stores the identity from X-Caller-ID and X-Caller-Role in the
// request context. Requests without a caller ID get 401. The gateway does not
// authenticate; it trusts the proxy in front of it.
func Caller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(CallerIDHeader))
		role := strings.ToLower(strings.TrimSpace(r.Header.Get(CallerRoleHeader)))
		if id == "" {
			writeError(w, http.StatusUnauthorized, "missing "+CallerIDHeader+" header")
			return
		}
		if len(id) > maxCallerFieldLen || len(role) > maxCallerFieldLen {
			writeError(w, http.StatusBadRequest, "caller identity too long")
			return
		}
		ctx := domain.WithCaller(r.Context(), domain.Caller{ID: id, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole lets through only callers whose role is one of roles. It must
// run after Caller.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, ok := domain.CallerFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing caller identity")
				return
			}
			for _, role := range roles {
				if c.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "role "+c.Role+" may not access this endpoint")
		})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    code,
		"message": msg,
	})
}

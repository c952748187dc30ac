package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	apperrors "github.com/hapiai/lmslink/internal/errors"
)

// requireAdminToken admits requests carrying "Authorization: Bearer <token>".
func requireAdminToken(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, presented, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") ||
				subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), expected) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="lmslink-admin"`)
				HandleError(w, r, apperrors.NewUnauthorizedError("admin token required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

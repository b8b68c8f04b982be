package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"wgmon/internal/models"
)

// BearerAuth: Authorization: Bearer <token>. Пустой токен - доступ открыт.
// Браузерный WebSocket не умеет ставить заголовки, поэтому допускается ?token=.
func BearerAuth(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			const p = "Bearer "
			got := r.URL.Query().Get("token")
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, p) {
				got = strings.TrimPrefix(auth, p)
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				models.WriteError(w, http.StatusUnauthorized, "unauthorized", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

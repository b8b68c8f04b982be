package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type ctxKey struct{}

// HeaderRequestID - заголовок, в котором идентификатор приходит и уходит.
const HeaderRequestID = "X-Request-Id"

// maxRequestID - чужие идентификаторы длиннее этого заменяются своими.
const maxRequestID = 64

// RequestID берёт идентификатор запроса от прокси или выдаёт новый UUID.
// Значение с непечатными символами не принимается: оно попадает в логи.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if !acceptableID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

// WithRequestID кладёт идентификатор в контекст (нужно WebSocket-сессиям и тестам).
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func GetRequestID(r *http.Request) string { return RequestIDFrom(r.Context()) }

func RequestIDFrom(ctx context.Context) string {
	s, _ := ctx.Value(ctxKey{}).(string)
	return s
}

func acceptableID(id string) bool {
	if id == "" || len(id) > maxRequestID {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

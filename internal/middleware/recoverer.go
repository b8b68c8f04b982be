package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"wgmon/internal/logs"
	"wgmon/internal/models"
)

// Recoverer превращает панику обработчика в 500 problem+json.
// http.ErrAbortHandler пропускается дальше: так net/http рвёт соединение молча.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			reqid := GetRequestID(r)
			logs.Component("http").WithFields(logrus.Fields{
				"reqid":  reqid,
				"method": r.Method,
				"path":   r.URL.Path,
				"panic":  rec,
			}).Errorf("handler panic\n%s", debug.Stack())

			models.WriteProblem(w, http.StatusInternalServerError,
				"Internal Server Error",
				"unexpected server error (see logs by reqid)", map[string]any{
					"reqid": reqid,
				})
		}()
		next.ServeHTTP(w, r)
	})
}

package middleware

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"wgmon/internal/logs"
)

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Hijack нужен апгрейду /ws: без него gorilla/websocket отдаёт 500.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// quietPaths опрашиваются оркестратором и Prometheus каждые несколько секунд.
var quietPaths = []string{"/healthz", "/readyz", "/metrics"}

// LoggerMW пишет строку на запрос. Пробы и скрейпы идут на debug,
// ответы 5xx на warning.
func LoggerMW(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)

		e := logs.Component("http").WithFields(logrus.Fields{
			"reqid":  GetRequestID(r),
			"method": r.Method,
			"path":   r.URL.Path,
			"status": sw.status,
			"bytes":  sw.bytes,
			"dur":    time.Since(start).Round(time.Microsecond).String(),
			"ip":     r.RemoteAddr,
		})
		switch {
		case sw.status >= http.StatusInternalServerError:
			e.Warn("request failed")
		case isQuiet(r.URL.Path):
			e.Debug("health check")
		default:
			e.Info("request")
		}
	})
}

func isQuiet(path string) bool {
	for _, p := range quietPaths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

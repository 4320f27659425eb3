package middleware

import (
	"net/http"
	"time"

	"github.com/supportsync/internal/logger"
)

// RequestLog логирует каждый запрос к мосту: method, path, статус и время (асинхронно).
// Медленные запросы пишутся всегда, остальные только при LOG_LEVEL=debug.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap, ok := w.(*responseWriter)
		if !ok {
			wrap = &responseWriter{ResponseWriter: w, status: http.StatusOK}
		}
		defer logger.DeferLogDuration("http "+r.Method+" "+r.URL.Path, start)()
		next.ServeHTTP(wrap, r)
		logger.Debugf("http %s %s status=%d", r.Method, r.URL.Path, wrap.status)
	})
}

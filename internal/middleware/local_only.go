package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/supportsync/internal/logger"
)

// BridgeTokenHeader — заголовок с токеном моста для запросов не с loopback (UI в контейнере и т.п.).
const BridgeTokenHeader = "X-Bridge-Token"

// LocalOnly пропускает запросы только с loopback или с верным X-Bridge-Token.
// Заголовки X-Forwarded-For не учитываются: мост слушает локально, прокси перед ним нет.
func LocalOnly(token string) func(http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get(BridgeTokenHeader); token != "" && got != "" {
				if subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
				logger.Infof("bridge token rejected token=%s", MaskToken(got))
			}
			if isLoopback(r.RemoteAddr) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// IPAllowlist rejects clients outside the configured addresses and CIDR
// ranges. An empty list allows everyone. list is called on every request so
// changes take effect immediately without restarting the server.
func IPAllowlist(list func() []string, clientIP func(*http.Request) string, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entries := list()
			if len(entries) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIP(r)
			if !ipAllowed(ip, entries) {
				logger.WithFields(logrus.Fields{
					"remote_ip": ip,
					"path":      r.URL.Path,
				}).Warn("Request rejected by IP allowlist")
				writeJSONError(w, http.StatusForbidden, "Client address not allowed")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func ipAllowed(ip string, entries []string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if strings.Contains(e, "/") {
			if _, network, err := net.ParseCIDR(e); err == nil && network.Contains(parsed) {
				return true
			}
			continue
		}
		if allowed := net.ParseIP(e); allowed != nil && allowed.Equal(parsed) {
			return true
		}
	}
	return false
}

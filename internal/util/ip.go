package util

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

// IPVerifier checks if an IP address is allowed to reach the admin API
type IPVerifier struct {
	whitelist []string
	logger    *Logger
}

// NewIPVerifier creates a new IP verifier. An empty whitelist allows everyone.
func NewIPVerifier(whitelist []string, logger *Logger) *IPVerifier {
	return &IPVerifier{
		whitelist: whitelist,
		logger:    logger,
	}
}

// IsAllowed checks if an IP address is allowed
func (v *IPVerifier) IsAllowed(ipAddress string) bool {
	if len(v.whitelist) == 0 {
		return true
	}
	for _, allowed := range v.whitelist {
		if allowed == "*" {
			return true
		}
	}

	host, _, err := net.SplitHostPort(ipAddress)
	if err != nil {
		host = ipAddress
	}

	for _, allowed := range v.whitelist {
		if matchesPattern(host, allowed) {
			return true
		}
	}

	if v.logger != nil {
		v.logger.Warnf("Blocking request from %s", ipAddress)
	}
	return false
}

// Middleware rejects requests from addresses outside the whitelist
func (v *IPVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.IsAllowed(r.RemoteAddr) {
			err := NewInsufficientAccessError("address not allowed: " + r.RemoteAddr)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"errors": []map[string]string{{"code": string(err.Type), "message": err.Message}},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// matchesPattern checks if an IP matches an exact, CIDR or wildcard pattern
func matchesPattern(ip, pattern string) bool {
	if ip == pattern {
		return true
	}

	if strings.Contains(pattern, "/") {
		_, network, err := net.ParseCIDR(pattern)
		if err != nil {
			return false
		}

		ipAddr := net.ParseIP(ip)
		if ipAddr == nil {
			return false
		}

		return network.Contains(ipAddr)
	}

	// e.g. 192.168.*.*
	if strings.Contains(pattern, "*") {
		ipParts := strings.Split(ip, ".")
		patternParts := strings.Split(pattern, ".")

		if len(ipParts) != len(patternParts) {
			return false
		}

		for i := range ipParts {
			if patternParts[i] != "*" && ipParts[i] != patternParts[i] {
				return false
			}
		}

		return true
	}

	return false
}

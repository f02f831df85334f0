package middleware

import (
	"net/http"
	"strings"
)

// CORSConfig lists the origins, methods, and headers the gateway admits.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
}

// CORS answers preflight requests and stamps allow headers on responses.
// Origins are matched exactly against the allowlist; a "*" entry admits any.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	methods := strings.Join(defaultIfEmpty(cfg.AllowedMethods, []string{"GET", "POST", "OPTIONS"}), ", ")
	headers := strings.Join(defaultIfEmpty(cfg.AllowedHeaders, []string{
		"Content-Type", "Idempotency-Key", "X-Api-Key", "X-Timestamp", "X-Nonce", "X-Signature",
	}), ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if allowed := matchOrigin(origins, r.Header.Get("Origin")); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				if cfg.AllowCredentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func matchOrigin(allowed []string, origin string) string {
	for _, candidate := range allowed {
		if candidate == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(candidate, origin) {
			return origin
		}
	}
	return ""
}

func defaultIfEmpty(values, fallback []string) []string {
	if len(values) == 0 {
		return fallback
	}
	return values
}

package gateway

import (
	"net/http"

	"github.com/rs/cors"
)

// NewCORS returns the CORS middleware for the HTTP API. An empty origin list allows any origin.
func NewCORS(allowedOrigins []string) *cors.Cors {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedOrigins: allowedOrigins,
		AllowedHeaders: []string{"*"},
		MaxAge:         86400,
	})
}

// originChecker applies the CORS origin policy to WebSocket upgrades.
// Requests without an Origin header come from non-browser clients and pass.
func originChecker(c *cors.Cors) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if r.Header.Get("Origin") == "" {
			return true
		}
		return c.OriginAllowed(r)
	}
}

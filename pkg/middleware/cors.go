package middleware

import (
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

// SessionHeader carries the visitor session id. Browsers on another origin
// must be allowed to send it and to read it back.
const SessionHeader = "X-Session-ID"

// CORS allows the desk and embedded visitor widgets on allowedOrigins to call
// the REST surface
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", SessionHeader},
		ExposedHeaders: []string{SessionHeader, chimiddleware.RequestIDHeader},
		// Visitors are identified by header, not cookie
		AllowCredentials: false,
		MaxAge:           300,
	})

	return c.Handler
}

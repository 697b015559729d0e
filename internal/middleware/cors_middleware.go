package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/cors"
)

func CORSMiddleware(allowedOrigins, allowedMethods, allowedHeaders string) func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   splitList(allowedOrigins),
		AllowedMethods:   splitList(allowedMethods),
		AllowedHeaders:   splitList(allowedHeaders),
		AllowCredentials: true,
		MaxAge:           3600,
	}).Handler
}

func splitList(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

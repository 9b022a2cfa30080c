package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-sync-relay/pkg/log"
)

// NewRouter builds the gin engine with recovery and request logging, and
// wraps it with CORS for the browser client.
func NewRouter(h *Handler, logger zerolog.Logger, allowedOrigins []string) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(log.GinMiddleware(logger))

	h.RegisterRoutes(r)

	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(r)
}

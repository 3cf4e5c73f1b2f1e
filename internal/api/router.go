package api

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// NewRouter builds a *gin.Engine with the logging/recovery middleware and
// every route this service exposes already mounted.
func NewRouter(h *Handler, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(Logger(log), Recovery(log))
	h.Register(r)
	return r
}
